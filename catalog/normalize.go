package catalog

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/BaSui01/llmlb/types"
)

// normalize turns a vendor model listing body into catalog rows for one
// endpoint. The shape name comes from the dialect descriptor table.
func normalize(shape, endpointID string, body []byte) ([]types.EndpointModel, error) {
	now := time.Now().UTC()
	switch shape {
	case "ollama":
		return normalizeOllama(endpointID, body, now)
	case "lmstudio":
		return normalizeLMStudio(endpointID, body, now)
	default:
		return normalizeOpenAI(endpointID, body, now)
	}
}

func normalizeOpenAI(endpointID string, body []byte, now time.Time) ([]types.EndpointModel, error) {
	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "malformed model listing").WithCause(err)
	}
	rows := make([]types.EndpointModel, 0, len(listing.Data))
	for _, m := range listing.Data {
		if m.ID == "" {
			continue
		}
		rows = append(rows, types.EndpointModel{
			EndpointID:    endpointID,
			ModelID:       m.ID,
			SupportedAPIs: apisForModelID(m.ID),
			LastChecked:   now,
		})
	}
	return rows, nil
}

func normalizeOllama(endpointID string, body []byte, now time.Time) ([]types.EndpointModel, error) {
	var listing struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "malformed model listing").WithCause(err)
	}
	rows := make([]types.EndpointModel, 0, len(listing.Models))
	for _, m := range listing.Models {
		if m.Name == "" {
			continue
		}
		rows = append(rows, types.EndpointModel{
			EndpointID:    endpointID,
			ModelID:       m.Name,
			SupportedAPIs: apisForModelID(m.Name),
			LastChecked:   now,
		})
	}
	return rows, nil
}

// normalizeLMStudio handles the richer /api/v1/models listing: model type,
// context window, and vision capability are preserved in the catalog row.
func normalizeLMStudio(endpointID string, body []byte, now time.Time) ([]types.EndpointModel, error) {
	var listing struct {
		Data   []lmStudioModel `json:"data"`
		Models []lmStudioModel `json:"models"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "malformed model listing").WithCause(err)
	}
	records := listing.Data
	if len(records) == 0 {
		records = listing.Models
	}
	rows := make([]types.EndpointModel, 0, len(records))
	for _, m := range records {
		if m.ID == "" {
			continue
		}
		row := types.EndpointModel{
			EndpointID:  endpointID,
			ModelID:     m.ID,
			LastChecked: now,
		}
		switch m.Type {
		case "embeddings", "embedding":
			row.SupportedAPIs = []types.SupportedAPI{types.APIEmbeddings}
		case "vlm":
			row.SupportedAPIs = []types.SupportedAPI{types.APIChatCompletions, types.APIResponses}
			row.Capabilities = append(row.Capabilities, "vision")
		default:
			row.SupportedAPIs = apisForModelID(m.ID)
		}
		for _, capName := range m.Capabilities {
			if !row.HasModelCapability(capName) {
				row.Capabilities = append(row.Capabilities, capName)
			}
		}
		if m.MaxContextLength > 0 {
			mc := m.MaxContextLength
			row.MaxTokens = &mc
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type lmStudioModel struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	MaxContextLength int      `json:"max_context_length"`
	Capabilities     []string `json:"capabilities"`
}

// apisForModelID guesses the API family from the model id when the vendor
// listing carries no type information. Embedding models routinely carry
// "embed" in their names across vendors.
func apisForModelID(id string) []types.SupportedAPI {
	if strings.Contains(strings.ToLower(id), "embed") {
		return []types.SupportedAPI{types.APIEmbeddings}
	}
	return []types.SupportedAPI{types.APIChatCompletions, types.APIResponses}
}
