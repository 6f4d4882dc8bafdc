// llmlb is a load-balancing reverse proxy for OpenAI-compatible inference
// endpoints. It registers upstream servers (xllm, LM Studio, Ollama, vLLM,
// and generic OpenAI-compatible), probes their health, and routes client
// requests to the least loaded endpoint serving the requested model.
//
// Usage:
//
//	llmlb serve [-config FILE]
//	llmlb migrate up|down|status [-config FILE]
//	llmlb version
package main
