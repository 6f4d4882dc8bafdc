package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/api/handlers"
	"github.com/BaSui01/llmlb/audit"
	"github.com/BaSui01/llmlb/catalog"
	"github.com/BaSui01/llmlb/dispatch"
	"github.com/BaSui01/llmlb/registry"
)

// Middleware wraps a handler.
type Middleware = func(http.Handler) http.Handler

// Config carries the router's dependencies.
type Config struct {
	Version string
	Logger  *zap.Logger

	Registry    *registry.Registry
	Catalog     *catalog.Catalog
	Dispatcher  *dispatch.Dispatcher
	Checker     handlers.HealthChecker
	AuditWriter *audit.Writer
	DB          *gorm.DB

	// ClientAuth guards the OpenAI-protocol routes; ManagementAuth guards
	// the /api routes. Either may be nil (open group).
	ClientAuth     Middleware
	ManagementAuth Middleware
}

// NewRouter builds the complete route table.
func NewRouter(cfg Config) http.Handler {
	mux := http.NewServeMux()

	proxy := handlers.NewProxy(cfg.Dispatcher)
	models := handlers.NewModels(cfg.Registry, cfg.Catalog)
	endpoints := handlers.NewEndpoints(cfg.Registry, cfg.Catalog, cfg.Checker, cfg.DB, cfg.Logger)
	auditH := handlers.NewAudit(cfg.DB, cfg.AuditWriter)
	health := handlers.NewHealth(cfg.Version, cfg.Registry)

	client := wrap(cfg.ClientAuth)
	mgmt := wrap(cfg.ManagementAuth)

	// OpenAI-protocol passthrough.
	mux.Handle("POST /v1/chat/completions", client(http.HandlerFunc(proxy.ChatCompletions)))
	mux.Handle("POST /v1/completions", client(http.HandlerFunc(proxy.Completions)))
	mux.Handle("POST /v1/embeddings", client(http.HandlerFunc(proxy.Embeddings)))
	mux.Handle("POST /v1/audio/transcriptions", client(http.HandlerFunc(proxy.AudioTranscriptions)))
	mux.Handle("POST /v1/audio/speech", client(http.HandlerFunc(proxy.AudioSpeech)))
	mux.Handle("POST /v1/images/generations", client(http.HandlerFunc(proxy.ImagesGenerations)))
	mux.Handle("POST /v1/images/edits", client(http.HandlerFunc(proxy.ImagesEdits)))
	mux.Handle("POST /v1/images/variations", client(http.HandlerFunc(proxy.ImagesVariations)))
	mux.Handle("GET /v1/models", client(http.HandlerFunc(models.List)))
	mux.Handle("GET /v1/models/{id}", client(http.HandlerFunc(models.Get)))

	// Management API.
	mux.Handle("POST /api/endpoints", mgmt(http.HandlerFunc(endpoints.Create)))
	mux.Handle("GET /api/endpoints", mgmt(http.HandlerFunc(endpoints.List)))
	mux.Handle("GET /api/endpoints/{id}", mgmt(http.HandlerFunc(endpoints.Get)))
	mux.Handle("PATCH /api/endpoints/{id}", mgmt(http.HandlerFunc(endpoints.Update)))
	mux.Handle("DELETE /api/endpoints/{id}", mgmt(http.HandlerFunc(endpoints.Delete)))
	mux.Handle("POST /api/endpoints/{id}/test", mgmt(http.HandlerFunc(endpoints.Test)))
	mux.Handle("POST /api/endpoints/{id}/check", mgmt(http.HandlerFunc(endpoints.Test)))
	mux.Handle("POST /api/endpoints/{id}/sync", mgmt(http.HandlerFunc(endpoints.Sync)))
	mux.Handle("POST /api/endpoints/{id}/download", mgmt(http.HandlerFunc(endpoints.Download)))
	mux.Handle("GET /api/endpoints/{id}/health-history", mgmt(http.HandlerFunc(endpoints.HealthHistory)))
	mux.Handle("GET /api/audit/verify", mgmt(http.HandlerFunc(auditH.Verify)))
	mux.Handle("GET /api/audit/entries", mgmt(http.HandlerFunc(auditH.Entries)))

	// Open endpoints.
	mux.HandleFunc("GET /health", health.Check)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func wrap(mw Middleware) Middleware {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}
