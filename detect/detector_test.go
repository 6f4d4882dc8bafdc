package detect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmlb/types"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	return NewDetector(2*time.Second, zap.NewNop())
}

func TestDetectXLLM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/system":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"xllm_version":"0.4.1","gpu_count":2}`))
		case "/v1/models":
			w.Write([]byte(`{"object":"list","data":[{"id":"m1"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, types.EndpointTypeXLLM, res.Type)
	assert.Contains(t, res.Reason, "xllm_version")
}

func TestDetectXLLMWinsOverEverything(t *testing.T) {
	// An upstream that would match every dialect still detects as xllm
	// because /api/system is probed first.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "vllm/0.6.3 LM-Studio")
		switch r.URL.Path {
		case "/api/system":
			w.Write([]byte(`{"xllm_version":"1.0.0"}`))
		case "/api/v1/models":
			w.Write([]byte(`{"data":[{"id":"m","publisher":"meta","arch":"llama","state":"loaded"}]}`))
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
		case "/v1/models":
			w.Write([]byte(`{"object":"list","data":[{"id":"m","owned_by":"vllm"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, types.EndpointTypeXLLM, res.Type)
}

func TestDetectLMStudioByListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/models":
			w.Write([]byte(`{"data":[{"id":"qwen2.5-7b","publisher":"qwen","arch":"qwen2","state":"not-loaded","max_context_length":32768}]}`))
		case "/v1/models":
			w.Write([]byte(`{"object":"list","data":[{"id":"qwen2.5-7b"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, types.EndpointTypeLMStudio, res.Type)
}

func TestDetectLMStudioRecordShape(t *testing.T) {
	tests := []struct {
		name   string
		record string
		want   types.EndpointType
	}{
		{
			"architecture alias with key field",
			`{"id":"m","publisher":"meta","architecture":"llama","key":"llama-3.1-8b"}`,
			types.EndpointTypeLMStudio,
		},
		{
			"loaded_instances as the state marker",
			`{"id":"m","publisher":"meta","arch":"llama","loaded_instances":[]}`,
			types.EndpointTypeLMStudio,
		},
		{
			"compatibility_type as the LM Studio field",
			`{"id":"m","publisher":"meta","arch":"llama","compatibility_type":"gguf"}`,
			types.EndpointTypeLMStudio,
		},
		{
			"publisher and state but no architecture",
			`{"id":"m","publisher":"meta","state":"loaded"}`,
			types.EndpointTypeOpenAICompatible,
		},
		{
			"publisher and architecture but no state or LM Studio field",
			`{"id":"m","publisher":"meta","arch":"llama"}`,
			types.EndpointTypeOpenAICompatible,
		},
		{
			"architecture and state but no publisher",
			`{"id":"m","arch":"llama","state":"loaded"}`,
			types.EndpointTypeOpenAICompatible,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/api/v1/models":
					w.Write([]byte(`{"data":[` + tt.record + `]}`))
				case "/v1/models":
					w.Write([]byte(`{"object":"list","data":[{"id":"m"}]}`))
				default:
					http.NotFound(w, r)
				}
			}))
			defer srv.Close()

			res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Type)
		})
	}
}

func TestDetectLMStudioByServerHeader(t *testing.T) {
	for _, server := range []string{"LM Studio/0.3.5", "lm-studio", "LMStudio (win32)"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/models" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Server", server)
			w.Write([]byte(`{"object":"list","data":[{"id":"m"}]}`))
		}))

		res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
		srv.Close()
		require.NoError(t, err, "server header %q", server)
		assert.Equal(t, types.EndpointTypeLMStudio, res.Type, "server header %q", server)
	}
}

func TestDetectServerHeaderTokenBoundaries(t *testing.T) {
	// "filmstudio" contains the substring but not the token sequence.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Server", "filmstudio/1.0")
		w.Write([]byte(`{"object":"list","data":[{"id":"m"}]}`))
	}))
	defer srv.Close()

	res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, types.EndpointTypeOpenAICompatible, res.Type)
}

func TestDetectOllama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[{"name":"llama3:8b","size":4661224676}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, types.EndpointTypeOllama, res.Type)
}

func TestDetectOllamaWinsOverVLLMMarkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[]}`))
		case "/v1/models":
			w.Header().Set("Server", "vllm")
			w.Write([]byte(`{"object":"list","data":[{"id":"m","owned_by":"vllm"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, types.EndpointTypeOllama, res.Type)
}

func TestDetectVLLMByOwnedBy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"object":"list","data":[{"id":"meta-llama/Llama-3.1-8B","owned_by":"vllm"}]}`))
	}))
	defer srv.Close()

	res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, types.EndpointTypeVLLM, res.Type)
}

func TestDetectOpenAICompatibleFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o","owned_by":"openai"}]}`))
	}))
	defer srv.Close()

	res, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, types.EndpointTypeOpenAICompatible, res.Type)
}

func TestDetectUnsupported(t *testing.T) {
	// Responds to everything with HTML: reachable but no dialect matches.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	_, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.Error(t, err)
	assert.False(t, types.IsErrorCode(err, types.ErrUnreachable))
}

func TestDetectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestDetector(t).Detect(context.Background(), srv.URL, "")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUnreachable))
}

func TestDetectSendsBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		if r.URL.Path == "/api/system" {
			w.Write([]byte(`{"xllm_version":"1.0.0"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestDetector(t).Detect(context.Background(), srv.URL, "sk-secret")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-secret", got)
}

func TestDetectDeterministic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
		case "/v1/models":
			w.Write([]byte(`{"object":"list","data":[{"id":"llama3"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newTestDetector(t)
	first, err := d.Detect(context.Background(), srv.URL, "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		res, err := d.Detect(context.Background(), srv.URL, "")
		require.NoError(t, err)
		assert.Equal(t, first, res)
	}
}

func TestDialectForUnknownFallsBack(t *testing.T) {
	d := DialectFor(types.EndpointTypeUnknown)
	assert.Equal(t, "/v1/models", d.ModelsPath)
	assert.Equal(t, "openai", d.ModelsShape)
}
