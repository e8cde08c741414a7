package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// maxCompletionBody bounds the body of a node completion notification.
const maxCompletionBody = 1 << 20

// APIHandlerConfig holds dependencies for creating an APIHandler.
type APIHandlerConfig struct {
	Registry *PipelineRegistry
	Executor *Executor
	// Events serves GET /v1/events. Nil disables the route.
	Events  http.Handler
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// APIHandler exposes pipeline runs, auto-chain notifications, and the output
// store over HTTP.
type APIHandler struct {
	registry *PipelineRegistry
	executor *Executor
	logger   *slog.Logger
	handler  http.Handler
}

// NewAPIHandler builds the routed, instrumented API handler.
func NewAPIHandler(cfg APIHandlerConfig) *APIHandler {
	if cfg.Registry == nil || cfg.Executor == nil {
		panic("engine: registry and executor are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &APIHandler{registry: cfg.Registry, executor: cfg.Executor, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.Handle("GET /metrics", cfg.Metrics.Handler())
	mux.HandleFunc("GET /v1/pipelines", h.listPipelines)
	mux.HandleFunc("POST /v1/pipelines/{id}/runs", h.startRun)
	mux.HandleFunc("GET /v1/pipelines/{id}/runs/current", h.currentRun)
	mux.HandleFunc("DELETE /v1/pipelines/{id}/runs/current", h.stopRun)
	mux.HandleFunc("POST /v1/pipelines/{id}/nodes/{node}/complete", h.nodeComplete)
	mux.HandleFunc("GET /v1/outputs", h.outputs)
	if cfg.Events != nil {
		mux.Handle("GET /v1/events", cfg.Events)
	}

	h.handler = otelhttp.NewHandler(cfg.Metrics.MetricsMiddleware(mux), "panelflow.api")
	return h
}

// ServeHTTP implements http.Handler.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

type pipelineSummary struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Generation  int64  `json:"generation"`
	Nodes       int    `json:"nodes"`
	Edges       int    `json:"edges"`
}

type startRunResponse struct {
	RunID  string           `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

type completeRequest struct {
	Output *string `json:"output"`
}

type completeResponse struct {
	Executions []ChainedExecution `json:"executions"`
}

func (h *APIHandler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": h.registry.Generation(),
	})
}

func (h *APIHandler) listPipelines(w http.ResponseWriter, r *http.Request) {
	snaps := h.registry.ListSnapshots()
	out := make([]pipelineSummary, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, pipelineSummary{
			ID:          s.ID,
			WorkspaceID: s.WorkspaceID,
			Generation:  s.Generation,
			Nodes:       len(s.Nodes),
			Edges:       len(s.Edges),
		})
	}
	h.writeJSON(r.Context(), w, http.StatusOK, out)
}

func (h *APIHandler) startRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.registry.StartRun(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	state := run.State()
	h.writeJSON(r.Context(), w, http.StatusAccepted, startRunResponse{RunID: state.RunID, Status: state.Status})
}

func (h *APIHandler) currentRun(w http.ResponseWriter, r *http.Request) {
	state, ok := h.registry.CurrentRun(r.PathValue("id"))
	if !ok {
		h.writeErrorResponse(r.Context(), w, http.StatusNotFound, "NO_RUN", "pipeline has not been run")
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, state)
}

func (h *APIHandler) stopRun(w http.ResponseWriter, r *http.Request) {
	state, err := h.registry.StopRun(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusAccepted, state)
}

func (h *APIHandler) nodeComplete(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.Atoi(r.PathValue("node"))
	if err != nil {
		h.writeErrorResponse(r.Context(), w, http.StatusBadRequest, "INVALID_NODE_ID", "node id must be an integer")
		return
	}

	var req completeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCompletionBody))
	if err != nil {
		h.writeErrorResponse(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeErrorResponse(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
			return
		}
	}

	executions, err := h.registry.NodeCompleted(r.Context(), r.PathValue("id"), domain.NodeID(nodeID), req.Output)
	if err != nil {
		h.writeDomainError(r.Context(), w, err)
		return
	}
	if executions == nil {
		executions = []ChainedExecution{}
	}
	h.writeJSON(r.Context(), w, http.StatusOK, completeResponse{Executions: executions})
}

func (h *APIHandler) outputs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(r.Context(), w, http.StatusOK, h.executor.Outputs().Snapshot())
}

func (h *APIHandler) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrPipelineNotFound):
		h.writeErrorResponse(ctx, w, http.StatusNotFound, "PIPELINE_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrNodeNotFound):
		h.writeErrorResponse(ctx, w, http.StatusNotFound, "NODE_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrRunInProgress):
		h.writeErrorResponse(ctx, w, http.StatusConflict, "RUN_IN_PROGRESS", err.Error())
	case errors.Is(err, domain.ErrNoActiveRun):
		h.writeErrorResponse(ctx, w, http.StatusConflict, "NO_ACTIVE_RUN", err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.writeErrorResponse(ctx, w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// writeErrorResponse writes a domain.ErrorResponse carrying the current trace ID.
func (h *APIHandler) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, code, message string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	h.writeJSON(ctx, w, statusCode, domain.ErrorResponse{Code: code, Message: message, TraceID: traceID})
}

func (h *APIHandler) writeJSON(_ context.Context, w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
