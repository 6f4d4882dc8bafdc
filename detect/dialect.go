package detect

import "github.com/BaSui01/llmlb/types"

// Dialect captures the per-vendor differences that matter to the load
// balancer: where to probe, where to check health, and where to list models.
// Differences live in this table, not in per-type code paths.
type Dialect struct {
	Type types.EndpointType

	// HealthPath is the native health endpoint, empty when the dialect has
	// none (the prober falls back to ModelsPath).
	HealthPath string

	// ModelsPath is the model listing endpoint.
	ModelsPath string

	// ModelsShape names the response shape for catalog normalization:
	// "openai" (data[].id), "ollama" (models[].name), "lmstudio"
	// (data[]/models[] with publisher metadata).
	ModelsShape string
}

var dialects = map[types.EndpointType]Dialect{
	types.EndpointTypeXLLM: {
		Type:        types.EndpointTypeXLLM,
		HealthPath:  "/api/health",
		ModelsPath:  "/v1/models",
		ModelsShape: "openai",
	},
	types.EndpointTypeLMStudio: {
		Type:        types.EndpointTypeLMStudio,
		ModelsPath:  "/api/v1/models",
		ModelsShape: "lmstudio",
	},
	types.EndpointTypeOllama: {
		Type:        types.EndpointTypeOllama,
		ModelsPath:  "/api/tags",
		ModelsShape: "ollama",
	},
	types.EndpointTypeVLLM: {
		Type:        types.EndpointTypeVLLM,
		ModelsPath:  "/v1/models",
		ModelsShape: "openai",
	},
	types.EndpointTypeOpenAICompatible: {
		Type:        types.EndpointTypeOpenAICompatible,
		ModelsPath:  "/v1/models",
		ModelsShape: "openai",
	},
}

// DialectFor returns the descriptor for the given endpoint type. Unknown
// types fall back to the OpenAI-compatible descriptor so that probing and
// catalog sync still have a sensible path to try.
func DialectFor(t types.EndpointType) Dialect {
	if d, ok := dialects[t]; ok {
		return d
	}
	return dialects[types.EndpointTypeOpenAICompatible]
}
