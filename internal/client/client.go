// Package client talks to the courier HTTP API. It is used by the polling
// worker and by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/courier/internal/model"
)

const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	// ID is set when the server persisted a record despite the error
	// (queue unavailable on create).
	ID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps the error code back to the model sentinel so callers can use
// errors.Is the same way on both sides of the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case model.CodeValidation:
		return model.ErrValidation
	case model.CodeNotFound:
		return model.ErrNotFound
	case model.CodeInvalidTransition:
		return model.ErrInvalidTransition
	case model.CodeQueueUnavailable:
		return model.ErrQueueUnavailable
	case model.CodeConflict:
		return model.ErrConflict
	default:
		return nil
	}
}

type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// New returns a client for baseURL ("http://host:port"). A scheme-less
// address is taken as plain http.
func New(baseURL string, timeout time.Duration) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// PollResponse is the body of GET /agents/{id}/commands.
type PollResponse struct {
	Commands []*model.Command `json:"commands"`
	Count    int              `json:"count"`
}

type LogsResponse struct {
	ExecutionID string               `json:"execution_id"`
	Logs        []model.ExecutionLog `json:"logs"`
	Count       int                  `json:"count"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) CreateCommand(ctx context.Context, req model.CreateCommandRequest) (*model.Command, error) {
	var cmd model.Command
	if err := c.do(ctx, http.MethodPost, "/commands", req, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (c *Client) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	var cmd model.Command
	if err := c.do(ctx, http.MethodGet, "/commands/"+url.PathEscape(id), nil, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (c *Client) ListCommands(ctx context.Context, f model.CommandFilter) (*model.Page[*model.Command], error) {
	q := url.Values{}
	setString(q, "agent_id", f.AgentID)
	setString(q, "status", string(f.Status))
	setString(q, "type", string(f.Type))
	if f.StartTime != nil {
		q.Set("start_time", f.StartTime.Format(time.RFC3339))
	}
	if f.EndTime != nil {
		q.Set("end_time", f.EndTime.Format(time.RFC3339))
	}
	setInt(q, "page", f.Page)
	setInt(q, "page_size", f.PageSize)

	var page model.Page[*model.Command]
	if err := c.do(ctx, http.MethodGet, withQuery("/commands", q), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) RetryCommand(ctx context.Context, id string) (*model.Command, error) {
	return c.commandAction(ctx, id, "retry", nil)
}

func (c *Client) CancelCommand(ctx context.Context, id string) (*model.Command, error) {
	return c.commandAction(ctx, id, "cancel", nil)
}

func (c *Client) Stats(ctx context.Context, agentID string) (*model.CommandStats, error) {
	q := url.Values{}
	setString(q, "agent_id", agentID)
	var stats model.CommandStats
	if err := c.do(ctx, http.MethodGet, withQuery("/commands/stats/summary", q), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Poll claims up to limit commands for agentID.
func (c *Client) Poll(ctx context.Context, agentID string, limit int) ([]*model.Command, error) {
	q := url.Values{}
	setInt(q, "limit", limit)
	var resp PollResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/agents/"+url.PathEscape(agentID)+"/commands", q), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

func (c *Client) SubmitResult(ctx context.Context, id string, r model.ResultReport) (*model.Command, error) {
	return c.commandAction(ctx, id, "result", r)
}

func (c *Client) ReportProgress(ctx context.Context, id string, r model.ProgressReport) (*model.Command, error) {
	return c.commandAction(ctx, id, "progress", r)
}

func (c *Client) ExecuteAgent(ctx context.Context, agentID string, input map[string]any) (*model.Execution, error) {
	return c.execute(ctx, "/agents/"+url.PathEscape(agentID)+"/execute", input)
}

func (c *Client) ExecuteGroup(ctx context.Context, groupID string, input map[string]any) (*model.Execution, error) {
	return c.execute(ctx, "/groups/"+url.PathEscape(groupID)+"/execute", input)
}

func (c *Client) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var exec model.Execution
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *Client) ListExecutions(ctx context.Context, f model.ExecutionFilter) (*model.Page[*model.Execution], error) {
	q := url.Values{}
	setString(q, "agent_id", f.AgentID)
	setString(q, "group_id", f.GroupID)
	setString(q, "parent_id", f.ParentID)
	setString(q, "status", string(f.Status))
	setInt(q, "page", f.Page)
	setInt(q, "page_size", f.PageSize)

	var page model.Page[*model.Execution]
	if err := c.do(ctx, http.MethodGet, withQuery("/executions", q), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) ExecutionLogs(ctx context.Context, id string) ([]model.ExecutionLog, error) {
	var resp LogsResponse
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id)+"/logs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

func (c *Client) CancelExecution(ctx context.Context, id string) (*model.Execution, error) {
	var exec model.Execution
	if err := c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(id)+"/cancel", nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *Client) commandAction(ctx context.Context, id, action string, body any) (*model.Command, error) {
	var cmd model.Command
	if err := c.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(id)+"/"+action, body, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (c *Client) execute(ctx context.Context, path string, input map[string]any) (*model.Execution, error) {
	if input == nil {
		input = map[string]any{}
	}
	var exec model.Execution
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"input": input}, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// do sends one request. A nil body sends no payload; a nil out discards the
// response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		ID string `json:"id"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.ID = envelope.ID
		return apiErr
	}
	apiErr.Code = model.CodeInternal
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func setString(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setInt(q url.Values, key string, value int) {
	if value != 0 {
		q.Set(key, strconv.Itoa(value))
	}
}
