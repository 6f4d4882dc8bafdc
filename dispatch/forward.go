package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmlb/internal/httpapi"
	"github.com/BaSui01/llmlb/types"
)

// maxRequestBody bounds how much of a client request is buffered before
// forwarding. Audio and image payloads dominate; 64 MiB covers them.
const maxRequestBody = 64 << 20

// usageCaptureLimit bounds how much of a unary JSON response is retained for
// token usage extraction.
const usageCaptureLimit = 1 << 20

// hopByHop lists the headers stripped in both directions per RFC 9110.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Forward proxies one OpenAI-protocol request. The capability names the
// request kind (chat, embeddings, image generation, audio) and filters
// candidate endpoints.
func (d *Dispatcher) Forward(w http.ResponseWriter, r *http.Request, capability types.Capability) {
	started := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		d.fail(w, r, started, "", "", types.NewError(types.ErrInvalidRequest, "failed to read request body").WithCause(err))
		return
	}
	if len(body) > maxRequestBody {
		d.fail(w, r, started, "", "", types.NewError(types.ErrInvalidRequest, "request body too large").
			WithHTTPStatus(http.StatusRequestEntityTooLarge))
		return
	}

	model, streaming := extractModel(r.Header.Get("Content-Type"), body)
	if model == "" {
		d.fail(w, r, started, "", "", types.NewError(types.ErrInvalidRequest, "model is required"))
		return
	}

	adm, release, err := d.acquire(r.Context(), model, capability)
	if err != nil {
		d.fail(w, r, started, model, "", err)
		return
	}
	defer release()

	ep := adm.endpoint
	status, promptTokens, completionTokens := d.proxy(w, r, ep, adm, model, body, streaming)

	duration := time.Since(started)
	d.metrics.RecordDispatch(ep.ID, model, strconv.Itoa(status), duration)
	d.audit(r, status, duration, model, ep.ID, promptTokens, completionTokens)
}

// proxy issues the upstream request and relays the response. It returns the
// client-visible status and any token usage parsed from a unary response.
func (d *Dispatcher) proxy(w http.ResponseWriter, r *http.Request, ep *types.Endpoint,
	adm *admission, model string, body []byte, streaming bool) (int, int, int) {

	ctx, cancel := context.WithTimeout(r.Context(), ep.InferenceTimeout())
	defer cancel()

	url := strings.TrimRight(ep.BaseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		httpapi.WriteError(w, types.NewError(types.ErrInternalError, "failed to build upstream request").WithCause(err))
		return http.StatusInternalServerError, 0, 0
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Del("Authorization")
	req.Header.Del("X-API-Key")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return d.upstreamFailure(w, r, ep, model, err), 0, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		d.Exclude(ep.ID, model)
		io.Copy(io.Discard, io.LimitReader(resp.Body, usageCaptureLimit))
		d.logger.Warn("upstream returned server error",
			zap.String("endpoint_id", ep.ID),
			zap.String("model", model),
			zap.Int("status", resp.StatusCode),
		)
		httpapi.WriteError(w, types.NewError(types.ErrUpstreamError, "upstream endpoint failed").WithRetryable(true))
		return http.StatusBadGateway, 0, 0
	}

	// 4xx from the inference endpoint is the endpoint refusing this request
	// (or this model): exclude and relay verbatim.
	if resp.StatusCode >= 400 {
		d.Exclude(ep.ID, model)
	}

	copyHeaders(w.Header(), resp.Header)
	if adm.queued {
		w.Header().Set("X-Queue-Status", "queued")
		w.Header().Set("X-Queue-Wait-Ms", strconv.FormatInt(adm.waited.Milliseconds(), 10))
	}
	w.WriteHeader(resp.StatusCode)

	var usageBuf *bytes.Buffer
	var dst io.Writer = w
	unaryJSON := !streaming && resp.StatusCode < 300 &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json")
	if unaryJSON {
		usageBuf = &bytes.Buffer{}
		dst = io.MultiWriter(w, usageBuf)
	}

	written, copyErr := flushingCopy(dst, resp.Body, w)
	if copyErr != nil {
		// Headers are gone; nothing more can be sent. Record and move on.
		d.logger.Warn("stream interrupted",
			zap.String("endpoint_id", ep.ID),
			zap.String("model", model),
			zap.Int64("bytes", written),
			zap.Error(copyErr),
		)
	}

	prompt, completion := 0, 0
	if usageBuf != nil && usageBuf.Len() <= usageCaptureLimit {
		prompt, completion = parseUsage(usageBuf.Bytes())
	}
	return resp.StatusCode, prompt, completion
}

// upstreamFailure maps a transport-level upstream error onto the client
// response: timeouts become 504, client cancellation ends silently, and
// everything else is a 502 with a model exclusion.
func (d *Dispatcher) upstreamFailure(w http.ResponseWriter, r *http.Request, ep *types.Endpoint, model string, err error) int {
	if r.Context().Err() != nil {
		// The client went away; there is nobody left to answer.
		d.logger.Info("client cancelled in-flight request",
			zap.String("endpoint_id", ep.ID),
			zap.String("model", model),
		)
		return 499
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		d.Exclude(ep.ID, model)
		httpapi.WriteError(w, types.NewError(types.ErrUpstreamTimeout, "upstream endpoint timed out").WithRetryable(true))
		return http.StatusGatewayTimeout
	}
	d.Exclude(ep.ID, model)
	d.logger.Warn("upstream transport failure",
		zap.String("endpoint_id", ep.ID),
		zap.String("model", model),
		zap.Error(err),
	)
	httpapi.WriteError(w, types.NewError(types.ErrUpstreamError, "upstream endpoint is unavailable").WithRetryable(true))
	return http.StatusBadGateway
}

// fail answers a request that never reached an upstream.
func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, started time.Time, model, endpointID string, err error) {
	e := types.AsError(err)
	if e.Code == types.ErrQueueFull {
		w.Header().Set("Retry-After", "1")
	}
	if e.HTTPStatus != 499 {
		httpapi.WriteError(w, e)
	}
	d.audit(r, e.Status(), time.Since(started), model, endpointID, 0, 0)
}

// audit records one terminating proxy request.
func (d *Dispatcher) audit(r *http.Request, status int, duration time.Duration, model, endpointID string, prompt, completion int) {
	actor := types.ActorFromContext(r.Context())
	d.auditor.Record(types.AuditLogEntry{
		Timestamp:        time.Now().UTC(),
		Method:           r.Method,
		Path:             r.URL.Path,
		StatusCode:       status,
		ActorKind:        actor.Kind,
		ActorID:          actor.ID,
		ClientIP:         httpapi.ClientIP(r),
		DurationMs:       duration.Milliseconds(),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Model:            model,
		EndpointID:       endpointID,
	})
}

// flushingCopy copies src to dst, flushing the ResponseWriter after every
// chunk so SSE streams reach the client without buffering.
func flushingCopy(dst io.Writer, src io.Reader, w http.ResponseWriter) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := hopByHop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// extractModel pulls the model name and streaming flag out of the request
// body. JSON bodies carry both directly; multipart bodies (audio, image
// edits) carry the model as a form field.
func extractModel(contentType string, body []byte) (string, bool) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
		for {
			part, err := reader.NextPart()
			if err != nil {
				return "", false
			}
			if part.FormName() == "model" {
				value, err := io.ReadAll(io.LimitReader(part, 1024))
				if err != nil {
					return "", false
				}
				return strings.TrimSpace(string(value)), false
			}
		}
	}

	var payload struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	return payload.Model, payload.Stream
}

// parseUsage extracts token counts from a unary OpenAI response body.
func parseUsage(body []byte) (int, int) {
	var payload struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, 0
	}
	return payload.Usage.PromptTokens, payload.Usage.CompletionTokens
}

