// Package agent provides the HTTP client that executes agents on the agent
// gateway on behalf of active pipeline nodes.
package agent

// executeRequest is the body of POST /v1/agents/{id}/execute.
type executeRequest struct {
	AgentID string `json:"agent_id"`
	Input   string `json:"input"`
}

// execution is the record the gateway returns for one agent call.
type execution struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agent_id"`
	Status       string  `json:"status"`
	OutputText   *string `json:"output_text"`
	ErrorMessage *string `json:"error_message"`
	DurationMS   *int64  `json:"duration_ms"`
}

// errorBody is the gateway's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (b errorBody) text() string {
	if b.Message != "" {
		return b.Message
	}
	return b.Error
}
