// Package detect fingerprints the vendor dialect of an upstream endpoint.
//
// Detection probes well-known paths in strict priority order (xllm,
// LM Studio, Ollama, vLLM, generic OpenAI-compatible) and returns the first
// match together with a human-readable reason. The package also owns the
// dialect descriptor table consumed by the prober and the model catalog.
package detect
