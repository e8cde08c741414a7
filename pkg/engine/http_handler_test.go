package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T, h *harness, snaps ...*domain.Snapshot) (*APIHandler, *PipelineRegistry) {
	t.Helper()
	reg := newRegistry(t, h, snaps...)
	api := NewAPIHandler(APIHandlerConfig{
		Registry: reg,
		Executor: h.executor,
		Metrics:  telemetry.NewMetrics(),
		Logger:   h.executor.logger,
	})
	return api, reg
}

func serve(api http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAPI_Health(t *testing.T) {
	api, _ := newAPI(t, newHarness(t, nil))
	rec := serve(api, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","generation":1}`, rec.Body.String())
}

func TestAPI_ListPipelines(t *testing.T) {
	h := newHarness(t, nil)
	api, _ := newAPI(t, h, newSnapshot([]domain.Edge{link(1, 2)}, passiveNode(1, "x"), activeNode(2, "a", "p")))

	rec := serve(api, http.MethodGet, "/v1/pipelines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"pipe","workspace_id":"ws","generation":1,"nodes":2,"edges":1}]`, rec.Body.String())
}

func TestAPI_StartRunAndPoll(t *testing.T) {
	h := newHarness(t, nil)
	api, reg := newAPI(t, h, newSnapshot([]domain.Edge{link(1, 2)}, passiveNode(1, "x"), activeNode(2, "a", "p")))

	rec := serve(api, http.MethodPost, "/v1/pipelines/pipe/runs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started startRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.NotEmpty(t, started.RunID)

	_, err := reg.WaitRun(context.Background(), "pipe")
	require.NoError(t, err)

	rec = serve(api, http.MethodGet, "/v1/pipelines/pipe/runs/current", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, started.RunID, state.RunID)
	assert.Equal(t, domain.RunStatusCompleted, state.Status)
	assert.Equal(t, []domain.NodeID{1, 2}, state.Order)
}

func TestAPI_RunErrors(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	h := newHarness(t, nil)
	h.agent.respond = blockingAgent(started, release)
	api, reg := newAPI(t, h, newSnapshot([]domain.Edge{link(1, 2)}, passiveNode(1, "x"), activeNode(2, "a", "p")))

	rec := serve(api, http.MethodPost, "/v1/pipelines/missing/runs", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PIPELINE_NOT_FOUND", decodeError(t, rec).Code)

	rec = serve(api, http.MethodGet, "/v1/pipelines/pipe/runs/current", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_RUN", decodeError(t, rec).Code)

	rec = serve(api, http.MethodDelete, "/v1/pipelines/pipe/runs/current", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_ACTIVE_RUN", decodeError(t, rec).Code)

	require.Equal(t, http.StatusAccepted, serve(api, http.MethodPost, "/v1/pipelines/pipe/runs", "").Code)
	<-started

	rec = serve(api, http.MethodPost, "/v1/pipelines/pipe/runs", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RUN_IN_PROGRESS", decodeError(t, rec).Code)

	rec = serve(api, http.MethodDelete, "/v1/pipelines/pipe/runs/current", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := reg.WaitRun(ctx, "pipe")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusStopped, state.Status)
}

func TestAPI_NodeComplete(t *testing.T) {
	h := newHarness(t, nil)
	api, _ := newAPI(t, h, newSnapshot([]domain.Edge{autoLink(1, 2)}, passiveNode(1, ""), activeNode(2, "agent", "p")))

	rec := serve(api, http.MethodPost, "/v1/pipelines/pipe/nodes/1/complete", `{"output":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Executions []ChainedExecution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, domain.NodeID(2), resp.Executions[0].NodeID)
	assert.Equal(t, "out-agent", resp.Executions[0].Output)

	rec = serve(api, http.MethodGet, "/v1/outputs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"1":"hello","2":"out-agent"}`, rec.Body.String())
}

func TestAPI_NodeCompleteWithoutChainReturnsEmptyList(t *testing.T) {
	h := newHarness(t, nil)
	api, _ := newAPI(t, h, newSnapshot(nil, passiveNode(1, "x")))

	rec := serve(api, http.MethodPost, "/v1/pipelines/pipe/nodes/1/complete", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"executions":[]}`, rec.Body.String())
}

func TestAPI_NodeCompleteErrors(t *testing.T) {
	h := newHarness(t, nil)
	api, _ := newAPI(t, h, newSnapshot(nil, passiveNode(1, "x")))

	tests := []struct {
		name   string
		target string
		body   string
		status int
		code   string
	}{
		{name: "non-numeric node", target: "/v1/pipelines/pipe/nodes/abc/complete", status: http.StatusBadRequest, code: "INVALID_NODE_ID"},
		{name: "malformed body", target: "/v1/pipelines/pipe/nodes/1/complete", body: "{", status: http.StatusBadRequest, code: "INVALID_BODY"},
		{name: "unknown node", target: "/v1/pipelines/pipe/nodes/9/complete", status: http.StatusNotFound, code: "NODE_NOT_FOUND"},
		{name: "unknown pipeline", target: "/v1/pipelines/nope/nodes/1/complete", status: http.StatusNotFound, code: "PIPELINE_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(api, http.MethodPost, tt.target, tt.body)
			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestAPI_MetricsEndpoint(t *testing.T) {
	api, _ := newAPI(t, newHarness(t, nil))
	serve(api, http.MethodGet, "/healthz", "")

	rec := serve(api, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "panelflow_http_requests_total")
}

func TestNewAPIHandlerRequiresRegistry(t *testing.T) {
	assert.Panics(t, func() { NewAPIHandler(APIHandlerConfig{}) })
}
