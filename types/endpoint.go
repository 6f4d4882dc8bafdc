package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EndpointType identifies the vendor dialect an upstream endpoint speaks.
type EndpointType string

const (
	EndpointTypeXLLM             EndpointType = "xllm"
	EndpointTypeLMStudio         EndpointType = "lm_studio"
	EndpointTypeOllama           EndpointType = "ollama"
	EndpointTypeVLLM             EndpointType = "vllm"
	EndpointTypeOpenAICompatible EndpointType = "openai_compatible"
	EndpointTypeUnknown          EndpointType = "unknown"
)

// TypeSource records how the endpoint type was determined.
type TypeSource string

const (
	TypeSourceAuto   TypeSource = "auto"
	TypeSourceManual TypeSource = "manual"
)

// EndpointStatus is the lifecycle state of an endpoint.
type EndpointStatus string

const (
	StatusPending EndpointStatus = "pending"
	StatusOnline  EndpointStatus = "online"
	StatusOffline EndpointStatus = "offline"
	StatusError   EndpointStatus = "error"
)

// Capability names a request kind an endpoint can serve.
type Capability string

const (
	CapabilityChat               Capability = "chat"
	CapabilityEmbeddings         Capability = "embeddings"
	CapabilityImageGeneration    Capability = "image_generation"
	CapabilityAudioTranscription Capability = "audio_transcription"
	CapabilityAudioSpeech        Capability = "audio_speech"
)

// SupportedAPI names an API family a model can be served through.
type SupportedAPI string

const (
	APIChatCompletions SupportedAPI = "chat_completions"
	APIResponses       SupportedAPI = "responses"
	APIEmbeddings      SupportedAPI = "embeddings"
)

// GPUSnapshot holds the last GPU telemetry reported by an endpoint's health
// payload. ActiveRequests here is the endpoint's own report; the dispatcher
// keeps its own live counter and does not read this value for selection.
type GPUSnapshot struct {
	DeviceCount      int     `json:"device_count" gorm:"column:gpu_device_count"`
	TotalMemoryBytes int64   `json:"total_memory_bytes" gorm:"column:gpu_total_memory_bytes"`
	UsedMemoryBytes  int64   `json:"used_memory_bytes" gorm:"column:gpu_used_memory_bytes"`
	CapabilityScore  float64 `json:"capability_score" gorm:"column:gpu_capability_score"`
	ActiveRequests   int     `json:"active_requests" gorm:"column:gpu_active_requests"`
}

// Endpoint is a registered upstream OpenAI-compatible inference service.
type Endpoint struct {
	ID           string       `json:"id" gorm:"primaryKey;size:36"`
	Name         string       `json:"name" gorm:"uniqueIndex;size:255;not null"`
	BaseURL      string       `json:"base_url" gorm:"size:512;not null"`
	APIKey       string       `json:"-" gorm:"size:512"`
	EndpointType EndpointType `json:"endpoint_type" gorm:"size:32;default:unknown"`
	TypeSource   TypeSource   `json:"type_source" gorm:"size:16;default:auto"`
	DetectReason string       `json:"detect_reason,omitempty" gorm:"size:512"`

	Status EndpointStatus `json:"status" gorm:"size:16;index;default:pending"`

	HealthCheckIntervalSecs int `json:"health_check_interval_secs" gorm:"default:30"`
	InferenceTimeoutSecs    int `json:"inference_timeout_secs" gorm:"default:300"`

	LatencyMs  int64      `json:"latency_ms"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	LastError  *string    `json:"last_error,omitempty" gorm:"size:1024"`
	ErrorCount int        `json:"error_count"`

	RegisteredAt time.Time `json:"registered_at" gorm:"autoCreateTime"`
	Notes        string    `json:"notes,omitempty" gorm:"size:2048"`

	Capabilities []Capability `json:"capabilities" gorm:"serializer:json"`

	GPU GPUSnapshot `json:"gpu" gorm:"embedded"`
}

// TableName implements the gorm table naming convention.
func (Endpoint) TableName() string { return "endpoints" }

// HasCapability reports whether the endpoint carries the given capability.
func (e *Endpoint) HasCapability(c Capability) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HealthCheckInterval returns the probe interval as a duration.
func (e *Endpoint) HealthCheckInterval() time.Duration {
	return time.Duration(e.HealthCheckIntervalSecs) * time.Second
}

// InferenceTimeout returns the upstream request deadline as a duration.
func (e *Endpoint) InferenceTimeout() time.Duration {
	return time.Duration(e.InferenceTimeoutSecs) * time.Second
}

// DefaultCapabilities is the capability set assigned to endpoints registered
// without an explicit override. Chat is always present unless overridden.
func DefaultCapabilities() []Capability {
	return []Capability{CapabilityChat}
}

// ValidateBaseURL checks that raw is an absolute HTTP(S) URL consisting of
// scheme, host, and optional port only.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url must include a host")
	}
	if p := strings.TrimSuffix(u.Path, "/"); p != "" {
		return fmt.Errorf("base_url must not include a path, got %q", u.Path)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("base_url must not include query or fragment")
	}
	return nil
}

// EndpointModel is one row of the per-endpoint model catalog.
type EndpointModel struct {
	EndpointID    string         `json:"endpoint_id" gorm:"primaryKey;size:36"`
	ModelID       string         `json:"model_id" gorm:"primaryKey;size:255"`
	SupportedAPIs []SupportedAPI `json:"supported_apis" gorm:"serializer:json"`
	Capabilities  []string       `json:"capabilities" gorm:"serializer:json"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	LastChecked   time.Time      `json:"last_checked"`
}

// TableName implements the gorm table naming convention.
func (EndpointModel) TableName() string { return "endpoint_models" }

// SupportsAPI reports whether the model row advertises the given API family.
// Rows with an empty list default to chat_completions.
func (m *EndpointModel) SupportsAPI(api SupportedAPI) bool {
	if len(m.SupportedAPIs) == 0 {
		return api == APIChatCompletions
	}
	for _, have := range m.SupportedAPIs {
		if have == api {
			return true
		}
	}
	return false
}

// HasModelCapability reports whether the catalog row carries the named
// capability flag (e.g. "vision").
func (m *EndpointModel) HasModelCapability(name string) bool {
	for _, have := range m.Capabilities {
		if have == name {
			return true
		}
	}
	return false
}

// EndpointHealthCheck is one row of the append-only probe history.
type EndpointHealthCheck struct {
	ID           int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	EndpointID   string         `json:"endpoint_id" gorm:"size:36;index"`
	CheckedAt    time.Time      `json:"checked_at" gorm:"index"`
	Success      bool           `json:"success"`
	LatencyMs    *int64         `json:"latency_ms,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty" gorm:"size:1024"`
	StatusBefore EndpointStatus `json:"status_before" gorm:"size:16"`
	StatusAfter  EndpointStatus `json:"status_after" gorm:"size:16"`
}

// TableName implements the gorm table naming convention.
func (EndpointHealthCheck) TableName() string { return "endpoint_health_checks" }
