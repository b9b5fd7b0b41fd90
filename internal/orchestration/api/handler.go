// Package api provides the HTTP API for a Coordinator.
// It exposes REST endpoints for child requests and queries, SSE for the
// coordinator's event stream, and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/coordinator"
	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
	"github.com/zjrosen/countermgr/internal/orchestration/events"
	"github.com/zjrosen/countermgr/internal/orchestration/processor"
	"github.com/zjrosen/countermgr/internal/orchestration/tracing"
	"github.com/zjrosen/countermgr/internal/pubsub"
	"github.com/zjrosen/countermgr/internal/registry"
)

// TraceHeader carries the correlation trace ID of a request in both directions.
const TraceHeader = "X-Trace-ID"

// Service is the coordinator surface the API needs.
type Service interface {
	CreateChild(ctx context.Context) (string, error)
	Increment(ctx context.Context, address string) (string, error)
	Reset(ctx context.Context, address string, count int32) (string, error)
	Query() ([]registry.Entry, error)
	ChildCount(ctx context.Context, address string) (int32, error)
	Subscribe(ctx context.Context) <-chan pubsub.Event[any]
	ContractInfo() (registry.ContractInfo, error)
	Status() coordinator.Status
	Pending() map[correlation.Tag]int
	Failures() int64
}

var _ Service = (*coordinator.Coordinator)(nil)

// Handler provides HTTP endpoints for Coordinator operations.
type Handler struct {
	svc       Service
	metrics   http.Handler
	heartbeat time.Duration
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Service handles child requests (required).
	Service Service
	// Metrics serves GET /metrics (optional).
	Metrics http.Handler
	// Heartbeat is the SSE keep-alive interval. Default: 30s.
	Heartbeat time.Duration
}

// NewHandler creates a new API handler wrapping svc.
func NewHandler(svc Service) *Handler {
	return NewHandlerWithConfig(HandlerConfig{Service: svc})
}

// NewHandlerWithConfig creates a new API handler with full configuration.
func NewHandlerWithConfig(cfg HandlerConfig) *Handler {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Handler{svc: cfg.Service, metrics: cfg.Metrics, heartbeat: heartbeat}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Child requests
	mux.HandleFunc("POST /children", h.Create)
	mux.HandleFunc("POST /children/{address}/increment", h.Increment)
	mux.HandleFunc("POST /children/{address}/reset", h.Reset)

	// Queries
	mux.HandleFunc("GET /children", h.List)
	mux.HandleFunc("GET /children/{address}/count", h.Count)

	// Event streaming
	mux.HandleFunc("GET /events", h.StreamEvents)

	mux.HandleFunc("GET /health", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	return withTraceID(mux)
}

// withTraceID attaches the caller's X-Trace-ID (or a fresh one) to the
// request context and echoes it in the response.
func withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = tracing.GenerateTraceID()
		}
		w.Header().Set(TraceHeader, traceID)
		ctx := tracing.ContextWithTraceID(r.Context(), traceID)
		ctx = coordinator.WithSource(ctx, command.SourceAPI)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// === Request/Response Types ===

// AcceptedResponse is returned once a request has been sent to the environment.
// The registry reflects it after the confirmation arrives.
type AcceptedResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
}

// ResetRequest is the request body for resetting a child.
type ResetRequest struct {
	// Count is the new count (required, signed 32-bit).
	Count *int64 `json:"count"`
}

// ChildState is a registry record.
type ChildState struct {
	Address string `json:"address"`
	Count   int32  `json:"count"`
}

// ChildResponse is one (key, state) pair of a query.
type ChildResponse struct {
	Key   string     `json:"key"`
	State ChildState `json:"state"`
}

// ListChildrenResponse is the response body for listing children.
type ListChildrenResponse struct {
	Contracts []ChildResponse `json:"contracts"`
	Total     int             `json:"total"`
}

// CountResponse is the response body for a direct child read.
type CountResponse struct {
	Address string `json:"address"`
	Count   int32  `json:"count"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status      string         `json:"status"`
	Coordinator string         `json:"coordinator"`
	Contract    string         `json:"contract,omitempty"`
	Version     string         `json:"version,omitempty"`
	Pending     map[string]int `json:"pending"`
	Failures    int64          `json:"failures"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Handlers ===

// Create asks the environment for a new child.
// POST /children
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.CreateChild(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", CommandID: id})
}

// Increment asks a child to add one to its count.
// POST /children/{address}/increment
func (h *Handler) Increment(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Increment(r.Context(), r.PathValue("address"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", CommandID: id})
}

// Reset asks a child to set its count.
// POST /children/{address}/reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.Count == nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "count is required", "")
		return
	}
	if *req.Count < math.MinInt32 || *req.Count > math.MaxInt32 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "count must be a signed 32-bit integer",
			fmt.Sprintf("got %d", *req.Count))
		return
	}

	id, err := h.svc.Reset(r.Context(), r.PathValue("address"), int32(*req.Count))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", CommandID: id})
}

// List returns every child in the registry in creation order.
// GET /children
func (h *Handler) List(w http.ResponseWriter, _ *http.Request) {
	entries, err := h.svc.Query()
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := ListChildrenResponse{Contracts: make([]ChildResponse, 0, len(entries)), Total: len(entries)}
	for _, e := range entries {
		resp.Contracts = append(resp.Contracts, ChildResponse{
			Key:   e.Key,
			State: ChildState{Address: e.Record.Address, Count: e.Record.Count},
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Count reads a child's count directly from the environment.
// GET /children/{address}/count
func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	n, err := h.svc.ChildCount(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CountResponse{Address: address, Count: n})
}

// StreamEvents streams child events via SSE. With ?commands=true processed
// commands are streamed too.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	withCommands := r.URL.Query().Get("commands") == "true"
	h.streamEvents(w, r, h.svc.Subscribe(r.Context()), withCommands)
}

// Health reports the coordinator status and contract metadata.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	status := h.svc.Status()
	resp := HealthResponse{
		Status:      "ok",
		Coordinator: status.String(),
		Pending:     make(map[string]int),
		Failures:    h.svc.Failures(),
	}
	for tag, n := range h.svc.Pending() {
		resp.Pending[tag.String()] = n
	}
	if info, err := h.svc.ContractInfo(); err == nil {
		resp.Contract = info.Contract
		resp.Version = info.Version
	}

	if status != coordinator.StatusRunning {
		resp.Status = "unhealthy"
		h.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// === Helpers ===

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, stream <-chan pubsub.Event[any], withCommands bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-stream:
			if !ok {
				return
			}

			name, payload, send := eventToJSON(event, withCommands)
			if !send {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				log.ErrorErr(log.CatAPI, "Failed to marshal event", err, "event", name)
				continue
			}

			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			flusher.Flush()
		}
	}
}

// eventToJSON names an event and builds its JSON payload. send is false
// for events the client did not ask for.
func eventToJSON(event pubsub.Event[any], withCommands bool) (name string, payload any, send bool) {
	switch ev := event.Payload.(type) {
	case events.ChildEvent:
		return string(ev.Type), ev, true
	case processor.CommandLogEvent:
		if !withCommands {
			return "", nil, false
		}
		result := map[string]any{
			"command_id":   ev.CommandID,
			"command_type": string(ev.CommandType),
			"source":       string(ev.Source),
			"success":      ev.Success,
			"duration_ms":  ev.Duration.Milliseconds(),
			"timestamp":    ev.Timestamp,
		}
		if ev.Error != nil {
			result["error"] = ev.Error.Error()
		}
		if ev.TraceID != "" {
			result["trace_id"] = ev.TraceID
		}
		return "command", result, true
	default:
		return "", nil, false
	}
}

// writeServiceError maps coordinator errors to HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Child not found", err.Error())
	case errors.Is(err, command.ErrAddressRequired):
		h.writeError(w, http.StatusBadRequest, "validation_error", "address is required", "")
	case errors.Is(err, command.ErrQueueFull):
		h.writeError(w, http.StatusServiceUnavailable, "queue_full", "Request queue is full", "")
	case errors.Is(err, coordinator.ErrNotRunning):
		h.writeError(w, http.StatusServiceUnavailable, "not_running", "Coordinator is not running", err.Error())
	case errors.Is(err, coordinator.ErrDirectReadUnavailable):
		h.writeError(w, http.StatusNotImplemented, "unavailable", "Direct child reads are not available", "")
	default:
		log.ErrorErr(log.CatAPI, "Request failed", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Request failed", err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "Failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
