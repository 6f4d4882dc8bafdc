package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/llmlb/catalog"
	"github.com/BaSui01/llmlb/detect"
	"github.com/BaSui01/llmlb/registry"
	"github.com/BaSui01/llmlb/types"
)

type manualDetector struct{}

func (manualDetector) Detect(ctx context.Context, baseURL, apiKey string) (detect.Result, error) {
	return detect.Result{Type: types.EndpointTypeOpenAICompatible}, nil
}

type nopChecker struct{}

func (nopChecker) ProbeNow(ctx context.Context, id string) (*types.EndpointHealthCheck, error) {
	return &types.EndpointHealthCheck{EndpointID: id, Success: true}, nil
}

func newEndpointsHandler(t *testing.T) (*Endpoints, *registry.Registry) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Endpoint{},
		&types.EndpointModel{},
		&types.EndpointHealthCheck{},
	))

	reg, err := registry.New(db, manualDetector{}, zap.NewNop())
	require.NoError(t, err)
	cat, err := catalog.New(db, time.Second, zap.NewNop())
	require.NoError(t, err)

	return NewEndpoints(reg, cat, nopChecker{}, db, zap.NewNop()), reg
}

func createEndpoint(t *testing.T, reg *registry.Registry, req registry.CreateRequest) *types.Endpoint {
	t.Helper()
	ep, err := reg.Create(context.Background(), req)
	require.NoError(t, err)
	return ep
}

func downloadRequestFor(id, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/endpoints/"+id+"/download", strings.NewReader(body))
	r.SetPathValue("id", id)
	return r
}

func TestDownloadForwardsToXLLMEndpoint(t *testing.T) {
	var gotPath, gotModel, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"task_id":"task-77","status":"downloading"}`))
	}))
	defer upstream.Close()

	h, reg := newEndpointsHandler(t)
	ep := createEndpoint(t, reg, registry.CreateRequest{
		Name:         "local-xllm",
		BaseURL:      upstream.URL,
		APIKey:       "secret-key",
		EndpointType: types.EndpointTypeXLLM,
	})

	rec := httptest.NewRecorder()
	h.Download(rec, downloadRequestFor(ep.ID, `{"model":"llama-3.1-8b"}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/api/models/download", gotPath)
	assert.Equal(t, "llama-3.1-8b", gotModel)
	assert.Equal(t, "Bearer secret-key", gotAuth)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task-77", resp["task_id"])
	assert.Equal(t, "llama-3.1-8b", resp["model"])
	assert.Equal(t, "pending", resp["status"])
}

func TestDownloadRejectsNonXLLMEndpoint(t *testing.T) {
	h, reg := newEndpointsHandler(t)
	ep := createEndpoint(t, reg, registry.CreateRequest{
		Name:         "generic",
		BaseURL:      "http://10.0.0.9:8000",
		EndpointType: types.EndpointTypeOpenAICompatible,
	})

	rec := httptest.NewRecorder()
	h.Download(rec, downloadRequestFor(ep.ID, `{"model":"m"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}

func TestDownloadRelaysUpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer upstream.Close()

	h, reg := newEndpointsHandler(t)
	ep := createEndpoint(t, reg, registry.CreateRequest{
		Name:         "local-xllm",
		BaseURL:      upstream.URL,
		EndpointType: types.EndpointTypeXLLM,
	})

	rec := httptest.NewRecorder()
	h.Download(rec, downloadRequestFor(ep.ID, `{"model":"absent"}`))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "404")
}

func TestDownloadRequiresTaskID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h, reg := newEndpointsHandler(t)
	ep := createEndpoint(t, reg, registry.CreateRequest{
		Name:         "local-xllm",
		BaseURL:      upstream.URL,
		EndpointType: types.EndpointTypeXLLM,
	})

	rec := httptest.NewRecorder()
	h.Download(rec, downloadRequestFor(ep.ID, `{"model":"m"}`))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestListCapabilityFilter(t *testing.T) {
	h, reg := newEndpointsHandler(t)
	createEndpoint(t, reg, registry.CreateRequest{
		Name:         "chat-only",
		BaseURL:      "http://10.0.0.1:8000",
		EndpointType: types.EndpointTypeOpenAICompatible,
	})
	createEndpoint(t, reg, registry.CreateRequest{
		Name:         "embedder",
		BaseURL:      "http://10.0.0.2:8000",
		EndpointType: types.EndpointTypeOpenAICompatible,
		Capabilities: []types.Capability{types.CapabilityEmbeddings},
	})

	list := func(query string) []types.Endpoint {
		rec := httptest.NewRecorder()
		h.List(rec, httptest.NewRequest(http.MethodGet, "/api/endpoints"+query, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Data []types.Endpoint `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Data
	}

	embedders := list("?capability=embeddings")
	require.Len(t, embedders, 1)
	assert.Equal(t, "embedder", embedders[0].Name)

	chat := list("?capability=chat")
	require.Len(t, chat, 1)
	assert.Equal(t, "chat-only", chat[0].Name)

	assert.Len(t, list(""), 2)
}
