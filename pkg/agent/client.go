package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polisai/panelflow/internal/governance"
	"github.com/polisai/panelflow/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultMaxInputBytes is the largest input the gateway accepts.
	DefaultMaxInputBytes = 100_000
	// DefaultTimeout bounds one agent call.
	DefaultTimeout = 5 * time.Minute

	maxErrorBody = 4 << 10
)

// Config configures a Client.
type Config struct {
	// BaseURL is the agent gateway root, e.g. http://localhost:8090.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token         string
	Timeout       time.Duration
	MaxInputBytes int
	// RequestsPerSecond throttles calls per agent. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client invokes agents over HTTP. It implements runtime.AgentInvoker.
type Client struct {
	baseURL    *url.URL
	token      string
	maxInput   int
	httpClient *http.Client
	limiter    *governance.RateLimiter
	logger     *slog.Logger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: agent base url: %v", domain.ErrConfigInvalid, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: agent base url %q must be an absolute http(s) URL", domain.ErrConfigInvalid, cfg.BaseURL)
	}

	c := &Client{
		baseURL:    base,
		token:      cfg.Token,
		maxInput:   cfg.MaxInputBytes,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if c.maxInput <= 0 {
		c.maxInput = DefaultMaxInputBytes
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = governance.NewRateLimiter(nil)
		c.limiter.SetDefault(governance.RateLimiterConfig{
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         cfg.Burst,
		})
	}
	return c, nil
}

// Invoke executes agentID with prompt as its input. Transport failures and
// non-2xx responses are errors; a 2xx response whose execution did not
// complete is reported through the result status.
func (c *Client) Invoke(ctx context.Context, agentID, prompt string) (domain.AgentResult, error) {
	if agentID == "" {
		return domain.AgentResult{}, domain.ErrAgentNotConfigured
	}
	if len(prompt) > c.maxInput {
		return domain.AgentResult{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", domain.ErrInputTooLarge, len(prompt), c.maxInput)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, agentID); err != nil {
			return domain.AgentResult{}, err
		}
	}

	body, err := json.Marshal(executeRequest{AgentID: agentID, Input: prompt})
	if err != nil {
		return domain.AgentResult{}, fmt.Errorf("encode agent request: %w", err)
	}

	endpoint := c.baseURL.JoinPath("v1", "agents", agentID, "execute")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return domain.AgentResult{}, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.AgentResult{}, ctxErr
		}
		return domain.AgentResult{}, fmt.Errorf("%w: %v", domain.ErrAgentFailed, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close agent response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.AgentResult{}, c.statusError(agentID, resp)
	}

	var exec execution
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		return domain.AgentResult{}, fmt.Errorf("%w: decode agent response: %v", domain.ErrAgentFailed, err)
	}

	c.logger.Debug("agent call finished",
		"agent_id", agentID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return exec.result(), nil
}

func (e execution) result() domain.AgentResult {
	res := domain.AgentResult{Status: domain.AgentStatusFailed}
	if strings.EqualFold(e.Status, string(domain.AgentStatusCompleted)) {
		res.Status = domain.AgentStatusCompleted
	}
	if e.OutputText != nil {
		res.OutputText = *e.OutputText
	}
	if e.ErrorMessage != nil {
		res.ErrorMessage = *e.ErrorMessage
	}
	if res.Status == domain.AgentStatusFailed && res.ErrorMessage == "" {
		res.ErrorMessage = fmt.Sprintf("execution ended with status %q", e.Status)
	}
	return res
}

// statusError classifies a non-2xx response.
func (c *Client) statusError(agentID string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.text() != "" {
		msg = eb.text()
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("agent gateway rate limited the call",
			"agent_id", agentID,
			"retry_after", resp.Header.Get("Retry-After"),
		)
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: agent %s: %s", domain.ErrAgentNotConfigured, agentID, msg)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", domain.ErrInputTooLarge, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: gateway returned %d: %s", domain.ErrAgentFailed, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: gateway rejected the call with %d: %s", domain.ErrConfigInvalid, resp.StatusCode, msg)
	}
}
