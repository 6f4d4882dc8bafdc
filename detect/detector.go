package detect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmlb/types"
)

// DefaultProbeTimeout bounds each individual detection request.
const DefaultProbeTimeout = 5 * time.Second

// maxProbeBody caps how much of a probe response body is read.
const maxProbeBody = 1 << 20

// Result is the outcome of a successful detection.
type Result struct {
	Type   types.EndpointType
	Reason string
}

// Detector fingerprints the vendor dialect of an upstream by probing
// well-known paths in strict priority order.
type Detector struct {
	client *http.Client
	logger *zap.Logger
}

// NewDetector builds a detector. A zero timeout falls back to
// DefaultProbeTimeout.
func NewDetector(timeout time.Duration, logger *zap.Logger) *Detector {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Detector{
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "detect")),
	}
}

// probeResponse is a fetched probe with its body decoded lazily.
type probeResponse struct {
	status int
	header http.Header
	body   []byte
}

// Detect probes baseURL and returns the first matching dialect. The order is
// fixed: xllm, LM Studio, Ollama, vLLM, generic OpenAI-compatible. Upstreams
// that answer nothing at all yield ErrUnreachable; upstreams that respond but
// match no dialect yield ErrUnsupported.
func (d *Detector) Detect(ctx context.Context, baseURL, apiKey string) (Result, error) {
	base := strings.TrimRight(baseURL, "/")
	responded := false

	// 1. xllm: /api/system reports an xllm_version field.
	if resp, err := d.get(ctx, base+"/api/system", apiKey); err == nil {
		responded = true
		if resp.status == http.StatusOK {
			var sys map[string]json.RawMessage
			if json.Unmarshal(resp.body, &sys) == nil {
				if _, ok := sys["xllm_version"]; ok {
					return Result{
						Type:   types.EndpointTypeXLLM,
						Reason: "/api/system reports xllm_version",
					}, nil
				}
			}
		}
	}

	// The /v1/models response is shared by the LM Studio, vLLM, and generic
	// checks; fetch it once.
	v1models, v1err := d.get(ctx, base+"/v1/models", apiKey)
	if v1err == nil {
		responded = true
	}

	// 2. LM Studio: the richer /api/v1/models listing, or markers on
	// /v1/models (Server header, owned_by).
	if resp, err := d.get(ctx, base+"/api/v1/models", apiKey); err == nil {
		responded = true
		if resp.status == http.StatusOK && looksLikeLMStudioListing(resp.body) {
			return Result{
				Type:   types.EndpointTypeLMStudio,
				Reason: "/api/v1/models returns LM Studio model records",
			}, nil
		}
	}
	if v1err == nil {
		if reason, ok := lmStudioMarker(v1models); ok {
			return Result{Type: types.EndpointTypeLMStudio, Reason: reason}, nil
		}
	}

	// 3. Ollama: /api/tags with a models array.
	if resp, err := d.get(ctx, base+"/api/tags", apiKey); err == nil {
		responded = true
		if resp.status == http.StatusOK {
			var tags struct {
				Models []json.RawMessage `json:"models"`
			}
			if json.Unmarshal(resp.body, &tags) == nil && tags.Models != nil {
				return Result{
					Type:   types.EndpointTypeOllama,
					Reason: "/api/tags returns a models array",
				}, nil
			}
		}
	}

	// 4. vLLM: marker token in the /v1/models Server header or owned_by.
	if v1err == nil {
		if reason, ok := vllmMarker(v1models); ok {
			return Result{Type: types.EndpointTypeVLLM, Reason: reason}, nil
		}
	}

	// 5. Generic OpenAI-compatible: /v1/models answered with a model list.
	if v1err == nil && v1models.status == http.StatusOK {
		var list map[string]json.RawMessage
		if json.Unmarshal(v1models.body, &list) == nil {
			_, hasData := list["data"]
			_, hasObject := list["object"]
			if hasData || hasObject {
				return Result{
					Type:   types.EndpointTypeOpenAICompatible,
					Reason: "/v1/models returns an OpenAI-shaped model list",
				}, nil
			}
		}
	}

	if !responded {
		d.logger.Debug("endpoint unreachable", zap.String("base_url", baseURL))
		return Result{}, types.NewError(types.ErrUnreachable, "endpoint did not respond to any detection probe")
	}
	d.logger.Debug("endpoint responded but matched no dialect", zap.String("base_url", baseURL))
	return Result{}, types.NewError(types.ErrInvalidRequest, "endpoint responded but matched no supported dialect")
}

func (d *Detector) get(ctx context.Context, url, apiKey string) (*probeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, err
	}
	return &probeResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// looksLikeLMStudioListing reports whether a model listing body carries the
// metadata shape only LM Studio emits. A record qualifies when it has a
// publisher, an architecture field ("arch" or "architecture"), and either a
// load-state marker ("state" or "loaded_instances") or one of the
// LM-Studio-specific fields key, display_name, format, compatibility_type.
func looksLikeLMStudioListing(body []byte) bool {
	var listing struct {
		Data   []map[string]json.RawMessage `json:"data"`
		Models []map[string]json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return false
	}
	records := listing.Data
	if len(records) == 0 {
		records = listing.Models
	}
	has := func(rec map[string]json.RawMessage, keys ...string) bool {
		for _, k := range keys {
			if _, ok := rec[k]; ok {
				return true
			}
		}
		return false
	}
	for _, rec := range records {
		if has(rec, "publisher") &&
			has(rec, "arch", "architecture") &&
			(has(rec, "state", "loaded_instances") ||
				has(rec, "key", "display_name", "format", "compatibility_type")) {
			return true
		}
	}
	return false
}

// lmStudioMarker checks /v1/models for LM Studio fingerprints: the Server
// header token sequence "lm","studio" (or a single "lmstudio" token), or an
// owned_by field naming lmstudio.
func lmStudioMarker(resp *probeResponse) (string, bool) {
	server := resp.header.Get("Server")
	toks := tokens(server)
	if hasTokenSeq(toks, "lm", "studio") || hasToken(toks, "lmstudio") {
		return "Server header identifies LM Studio", true
	}
	for _, owner := range ownedBy(resp.body) {
		ot := tokens(owner)
		if hasTokenSeq(ot, "lm", "studio") || hasToken(ot, "lmstudio") {
			return "/v1/models owned_by identifies LM Studio", true
		}
	}
	return "", false
}

// vllmMarker checks /v1/models for vLLM fingerprints in the Server header or
// owned_by fields.
func vllmMarker(resp *probeResponse) (string, bool) {
	if hasToken(tokens(resp.header.Get("Server")), "vllm") {
		return "Server header identifies vLLM", true
	}
	for _, owner := range ownedBy(resp.body) {
		if hasToken(tokens(owner), "vllm") {
			return "/v1/models owned_by identifies vLLM", true
		}
	}
	return "", false
}

// ownedBy extracts the owned_by values from an OpenAI-shaped model listing.
func ownedBy(body []byte) []string {
	var listing struct {
		Data []struct {
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil
	}
	owners := make([]string, 0, len(listing.Data))
	for _, m := range listing.Data {
		if m.OwnedBy != "" {
			owners = append(owners, m.OwnedBy)
		}
	}
	return owners
}

// tokens splits s into lowercased runs of ASCII alphanumerics. "LM-Studio/0.3"
// becomes ["lm","studio","0","3"].
func tokens(s string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func hasToken(toks []string, want string) bool {
	for _, t := range toks {
		if t == want {
			return true
		}
	}
	return false
}

func hasTokenSeq(toks []string, a, b string) bool {
	for i := 0; i+1 < len(toks); i++ {
		if toks[i] == a && toks[i+1] == b {
			return true
		}
	}
	return false
}
