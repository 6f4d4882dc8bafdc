package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/detect"
	"github.com/BaSui01/llmlb/registry"
	"github.com/BaSui01/llmlb/types"
)

const maxListingBody = 4 << 20

// Catalog is the per-endpoint model inventory.
type Catalog struct {
	db     *gorm.DB
	client *http.Client
	logger *zap.Logger

	mu sync.RWMutex
	// byEndpoint maps endpoint id to the set of model ids it serves.
	byEndpoint map[string]map[string]types.EndpointModel

	// resync carries the id of each endpoint whose rows were just replaced.
	// The dispatcher clears model exclusions only on this signal, never on
	// the raw status change, so a recovered endpoint is re-admitted with a
	// fresh model list.
	resync chan string
}

// New builds a catalog and loads the persisted inventory into the index.
func New(db *gorm.DB, fetchTimeout time.Duration, logger *zap.Logger) (*Catalog, error) {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	c := &Catalog{
		db:         db,
		client:     &http.Client{Timeout: fetchTimeout},
		logger:     logger.With(zap.String("component", "catalog")),
		byEndpoint: make(map[string]map[string]types.EndpointModel),
		resync:     make(chan string, 64),
	}
	var rows []types.EndpointModel
	if err := db.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "load model catalog").WithCause(err)
	}
	for _, row := range rows {
		c.indexRow(row)
	}
	c.logger.Info("model catalog loaded", zap.Int("rows", len(rows)))
	return c, nil
}

func (c *Catalog) indexRow(row types.EndpointModel) {
	models, ok := c.byEndpoint[row.EndpointID]
	if !ok {
		models = make(map[string]types.EndpointModel)
		c.byEndpoint[row.EndpointID] = models
	}
	models[row.ModelID] = row
}

// Sync refreshes the catalog rows for one endpoint by fetching its model
// listing. The endpoint's previous rows are replaced wholesale; a fetch
// failure leaves them untouched. Returns the number of models found.
func (c *Catalog) Sync(ctx context.Context, ep types.Endpoint) (int, error) {
	dialect := detect.DialectFor(ep.EndpointType)
	url := strings.TrimRight(ep.BaseURL, "/") + dialect.ModelsPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, types.NewError(types.ErrInternalError, "build model listing request").WithCause(err)
	}
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, types.NewError(types.ErrUnreachable, "fetch model listing").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("model listing returned status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBody))
	if err != nil {
		return 0, types.NewError(types.ErrUpstreamError, "read model listing").WithCause(err)
	}

	rows, err := normalize(dialect.ModelsShape, ep.ID, body)
	if err != nil {
		return 0, err
	}

	err = c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint_id = ?", ep.ID).Delete(&types.EndpointModel{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return 0, types.NewError(types.ErrInternalError, "persist model catalog").WithCause(err)
	}

	c.mu.Lock()
	models := make(map[string]types.EndpointModel, len(rows))
	for _, row := range rows {
		models[row.ModelID] = row
	}
	c.byEndpoint[ep.ID] = models
	c.mu.Unlock()

	select {
	case c.resync <- ep.ID:
	default:
	}

	c.logger.Info("model catalog synced",
		zap.String("endpoint_id", ep.ID),
		zap.String("endpoint_type", string(ep.EndpointType)),
		zap.Int("models", len(rows)),
	)
	return len(rows), nil
}

// Resynced delivers the id of each endpoint whose catalog rows were replaced
// by a completed Sync.
func (c *Catalog) Resynced() <-chan string {
	return c.resync
}

// Remove drops all catalog rows for an endpoint.
func (c *Catalog) Remove(endpointID string) error {
	c.mu.Lock()
	delete(c.byEndpoint, endpointID)
	c.mu.Unlock()
	if err := c.db.Where("endpoint_id = ?", endpointID).Delete(&types.EndpointModel{}).Error; err != nil {
		return types.NewError(types.ErrInternalError, "remove model catalog rows").WithCause(err)
	}
	return nil
}

// Known reports whether any endpoint's catalog lists the model.
func (c *Catalog) Known(modelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, models := range c.byEndpoint {
		if _, ok := models[modelID]; ok {
			return true
		}
	}
	return false
}

// Has reports whether the endpoint's catalog lists the model.
func (c *Catalog) Has(endpointID, modelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byEndpoint[endpointID][modelID]
	return ok
}

// ModelsFor returns the catalog rows for one endpoint sorted by model id.
func (c *Catalog) ModelsFor(endpointID string) []types.EndpointModel {
	c.mu.RLock()
	models := c.byEndpoint[endpointID]
	out := make([]types.EndpointModel, 0, len(models))
	for _, row := range models {
		out = append(out, row)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// ModelCapabilities is the aggregate capability block of one listed model.
type ModelCapabilities struct {
	ImageUnderstanding bool `json:"image_understanding"`
}

// ModelSummary is one entry of the aggregate OpenAI-shaped model listing.
// MaxTokens is null when no serving endpoint reports a context window.
type ModelSummary struct {
	ID           string            `json:"id"`
	Object       string            `json:"object"`
	Created      int64             `json:"created"`
	OwnedBy      string            `json:"owned_by"`
	Endpoints    int               `json:"endpoints"`
	MaxTokens    *int              `json:"max_tokens"`
	Capabilities ModelCapabilities `json:"capabilities"`
}

// Aggregate returns the deduplicated model listing across the given
// endpoints, sorted by model id. Callers pass the ids of online endpoints so
// the listing only advertises models that are actually servable. Per model,
// capabilities are unioned and the largest reported context window wins.
func (c *Catalog) Aggregate(endpointIDs []string) []ModelSummary {
	merged := make(map[string]*ModelSummary)
	now := time.Now().Unix()

	c.mu.RLock()
	for _, id := range endpointIDs {
		for model, row := range c.byEndpoint[id] {
			sum, ok := merged[model]
			if !ok {
				sum = &ModelSummary{
					ID:      model,
					Object:  "model",
					Created: now,
					OwnedBy: "llmlb",
				}
				merged[model] = sum
			}
			sum.Endpoints++
			if row.MaxTokens != nil && (sum.MaxTokens == nil || *row.MaxTokens > *sum.MaxTokens) {
				mt := *row.MaxTokens
				sum.MaxTokens = &mt
			}
			if row.HasModelCapability("vision") {
				sum.Capabilities.ImageUnderstanding = true
			}
		}
	}
	c.mu.RUnlock()

	out := make([]ModelSummary, 0, len(merged))
	for _, sum := range merged {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run consumes registry events until ctx is done: endpoints coming online
// get a catalog sync, deleted endpoints get their rows dropped.
func (c *Catalog) Run(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.Kind == registry.EventDeleted:
				if err := c.Remove(ev.Endpoint.ID); err != nil {
					c.logger.Warn("remove catalog rows failed",
						zap.String("endpoint_id", ev.Endpoint.ID), zap.Error(err))
				}
			case ev.Kind == registry.EventStatusChanged && ev.Endpoint.Status == types.StatusOnline:
				if _, err := c.Sync(ctx, ev.Endpoint); err != nil {
					c.logger.Warn("catalog sync failed",
						zap.String("endpoint_id", ev.Endpoint.ID), zap.Error(err))
				}
			}
		}
	}
}
