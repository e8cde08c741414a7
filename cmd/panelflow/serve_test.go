package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polisai/panelflow/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockGateway simulates the agent gateway and records every input it gets.
type mockGateway struct {
	server *httptest.Server

	mu     sync.Mutex
	inputs map[string][]string
}

func newMockGateway(t *testing.T) *mockGateway {
	t.Helper()
	g := &mockGateway{inputs: make(map[string][]string)}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.server.Close)
	return g
}

func (g *mockGateway) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Input   string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.inputs[req.AgentID] = append(g.inputs[req.AgentID], req.Input)
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":          "exec-1",
		"agent_id":    req.AgentID,
		"status":      "completed",
		"output_text": strings.ToUpper(req.AgentID) + " DONE",
	})
}

func (g *mockGateway) calls(agentID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.inputs[agentID]...)
}

const servedPipelines = `
pipelines:
  - id: launch
    nodes:
      - id: 1
        output: "target date is May 3"
      - id: 2
        agent_id: planner
        prompt: "Plan the launch."
      - id: 3
        agent_id: reviewer
        prompt: "Review the plan."
    edges:
      - source: 1
        target: 2
      - source: 2
        target: 3
        auto_chain: true
`

func startTestApp(t *testing.T, gatewayURL string) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Agent.BaseURL = gatewayURL
	cfg.Pipeline.File = writeFile(t, t.TempDir(), "pipelines.yaml", servedPipelines)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.registry.Watch(ctx, a.provider)
	}()

	server := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.registry.Shutdown(shutdownCtx)
		a.Close()
	})
	return server
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestServeRunsPipelineAgainstGateway(t *testing.T) {
	gateway := newMockGateway(t)
	server := startTestApp(t, gateway.server.URL)

	require.Eventually(t, func() bool {
		var pipelines []map[string]any
		return getJSON(t, server.URL+"/v1/pipelines", &pipelines) == http.StatusOK && len(pipelines) == 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(server.URL+"/v1/pipelines/launch/runs", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var state struct {
		Status string `json:"status"`
		Order  []int  `json:"order"`
	}
	require.Eventually(t, func() bool {
		return getJSON(t, server.URL+"/v1/pipelines/launch/runs/current", &state) == http.StatusOK &&
			state.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, state.Order)

	var outputs map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/v1/outputs", &outputs))
	assert.Equal(t, "PLANNER DONE", outputs["2"])
	assert.Equal(t, "REVIEWER DONE", outputs["3"])

	planner := gateway.calls("planner")
	require.Len(t, planner, 1)
	assert.Contains(t, planner[0], "target date is May 3")
	reviewer := gateway.calls("reviewer")
	require.Len(t, reviewer, 1)
	assert.Contains(t, reviewer[0], "PLANNER DONE")
}

func TestServeNodeCompletionTriggersAutoChain(t *testing.T) {
	gateway := newMockGateway(t)
	server := startTestApp(t, gateway.server.URL)

	require.Eventually(t, func() bool {
		var pipelines []map[string]any
		return getJSON(t, server.URL+"/v1/pipelines", &pipelines) == http.StatusOK && len(pipelines) == 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(server.URL+"/v1/pipelines/launch/nodes/2/complete", "application/json",
		strings.NewReader(`{"output":"hand-written plan"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Executions []map[string]any `json:"executions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Executions, 1)

	reviewer := gateway.calls("reviewer")
	require.Len(t, reviewer, 1)
	assert.Contains(t, reviewer[0], "hand-written plan")
	assert.Empty(t, gateway.calls("planner"))
}

func TestServeHealth(t *testing.T) {
	server := startTestApp(t, newMockGateway(t).server.URL)

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])
}
