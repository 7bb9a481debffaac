package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/model"
)

type fakeCommands struct {
	mu       sync.Mutex
	cmds     map[string]*model.Command
	createFn func(model.CreateCommandRequest) (*model.Command, error)
	lastList model.CommandFilter
	pollArgs []any
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{cmds: make(map[string]*model.Command)}
}

func (f *fakeCommands) Create(_ context.Context, req model.CreateCommandRequest) (*model.Command, error) {
	if f.createFn != nil {
		return f.createFn(req)
	}
	if req.AgentID == "" {
		return nil, model.NewValidationError("agent_id", "is required")
	}
	cmd := &model.Command{ID: "cmd-1", AgentID: req.AgentID, Type: req.Type, Status: model.CommandStatusPending}
	f.mu.Lock()
	f.cmds[cmd.ID] = cmd
	f.mu.Unlock()
	return cmd, nil
}

func (f *fakeCommands) Get(_ context.Context, id string) (*model.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cmds[id]; ok {
		return c, nil
	}
	return nil, &model.NotFoundError{Kind: "command", ID: id}
}

func (f *fakeCommands) List(_ context.Context, filter model.CommandFilter) (model.Page[*model.Command], error) {
	f.lastList = filter
	if err := filter.Normalize(20); err != nil {
		return model.Page[*model.Command]{}, err
	}
	return model.Page[*model.Command]{Items: []*model.Command{}, Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (f *fakeCommands) Stats(_ context.Context, agentID string) (*model.CommandStats, error) {
	return &model.CommandStats{
		StatusCounts: map[model.CommandStatus]int{model.CommandStatusPending: 2},
		QueueDepths:  map[string]int{agentID: 2},
		Total:        2,
	}, nil
}

func (f *fakeCommands) Retry(_ context.Context, id string) (*model.Command, error) {
	return nil, &model.TransitionError{ID: id, From: "pending", To: "pending", Reason: "only error or timeout commands can be retried"}
}

func (f *fakeCommands) Cancel(ctx context.Context, id string) (*model.Command, error) {
	c, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Status = model.CommandStatusCancelled
	return c, nil
}

func (f *fakeCommands) Poll(_ context.Context, agentID string, limit int) ([]*model.Command, error) {
	f.pollArgs = []any{agentID, limit}
	return nil, nil
}

func (f *fakeCommands) SubmitResult(_ context.Context, id string, r model.ResultReport) (*model.Command, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.LeaseEpoch != nil && *r.LeaseEpoch != 1 {
		return nil, &model.TransitionError{ID: id, Reason: "stale lease epoch"}
	}
	return &model.Command{ID: id, Status: r.Status, Output: r.Output}, nil
}

func (f *fakeCommands) ReportProgress(_ context.Context, id string, r model.ProgressReport) (*model.Command, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &model.Command{ID: id, Status: model.CommandStatusExecuting, Progress: r.Progress}, nil
}

type fakeExecutions struct {
	lastInput map[string]any
}

func (f *fakeExecutions) ExecuteAgent(_ context.Context, agentID string, input map[string]any) (*model.Execution, error) {
	if agentID == "missing" {
		return nil, &model.NotFoundError{Kind: "agent", ID: agentID}
	}
	f.lastInput = input
	return &model.Execution{ID: "exec-1", AgentID: agentID, Status: model.ExecutionStatusPending, Input: input}, nil
}

func (f *fakeExecutions) ExecuteGroup(_ context.Context, groupID string, input map[string]any) (*model.Execution, error) {
	f.lastInput = input
	return &model.Execution{ID: "exec-2", GroupID: groupID, Status: model.ExecutionStatusPending, Input: input}, nil
}

func (f *fakeExecutions) Get(_ context.Context, id string) (*model.Execution, error) {
	return nil, &model.NotFoundError{Kind: "execution", ID: id}
}

func (f *fakeExecutions) List(_ context.Context, filter model.ExecutionFilter, defaultPageSize int) (model.Page[*model.Execution], error) {
	if err := filter.Normalize(defaultPageSize); err != nil {
		return model.Page[*model.Execution]{}, err
	}
	return model.Page[*model.Execution]{Items: []*model.Execution{}, Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (f *fakeExecutions) Logs(_ context.Context, id string) ([]model.ExecutionLog, error) {
	return nil, nil
}

func (f *fakeExecutions) Cancel(_ context.Context, id string) (*model.Execution, error) {
	return &model.Execution{ID: id, Status: model.ExecutionStatusCancelled}, nil
}

type observation struct {
	method, route string
	status        int
}

func newTestApp(t *testing.T) (*App, *fakeCommands, *fakeExecutions, *[]observation) {
	t.Helper()
	cmds := newFakeCommands()
	execs := &fakeExecutions{}
	var mu sync.Mutex
	var seen []observation
	app := &App{
		Commands:        cmds,
		Executions:      execs,
		Logger:          zerolog.Nop(),
		DefaultPageSize: 10,
		Observe: func(method, route string, status int, _ time.Duration) {
			mu.Lock()
			seen = append(seen, observation{method, route, status})
			mu.Unlock()
		},
	}
	return app, cmds, execs, &seen
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthz(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	rec := do(t, NewRouter(app), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestCreateCommand(t *testing.T) {
	app, _, _, seen := newTestApp(t)
	h := NewRouter(app)

	rec := do(t, h, http.MethodPost, "/commands", `{"agent_id":"a1","type":"task","content":{}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var cmd model.Command
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmd))
	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, model.CommandStatusPending, cmd.Status)

	require.NotEmpty(t, *seen)
	first := (*seen)[0]
	assert.Equal(t, http.MethodPost, first.method)
	assert.True(t, strings.HasPrefix(first.route, "/commands"), first.route)
	assert.Equal(t, http.StatusCreated, first.status)

	rec = do(t, h, http.MethodPost, "/commands", `{"type":"task"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.CodeValidation, decodeError(t, rec).Error.Code)

	rec = do(t, h, http.MethodPost, "/commands", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/commands", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCommand_QueueUnavailableReturnsID(t *testing.T) {
	app, cmds, _, _ := newTestApp(t)
	cmds.createFn = func(req model.CreateCommandRequest) (*model.Command, error) {
		return &model.Command{ID: "persisted"}, &model.QueueUnavailableError{AgentID: "a1", Err: assert.AnError}
	}
	rec := do(t, NewRouter(app), http.MethodPost, "/commands", `{"agent_id":"a1","type":"task"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeError(t, rec)
	assert.Equal(t, model.CodeQueueUnavailable, env.Error.Code)
	assert.Equal(t, "persisted", env.ID)
}

func TestInternalErrorIsMasked(t *testing.T) {
	app, cmds, _, _ := newTestApp(t)
	cmds.createFn = func(model.CreateCommandRequest) (*model.Command, error) {
		return nil, assert.AnError
	}
	rec := do(t, NewRouter(app), http.MethodPost, "/commands", `{"agent_id":"a1","type":"task"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeError(t, rec)
	assert.Equal(t, model.CodeInternal, env.Error.Code)
	assert.Equal(t, "internal error", env.Error.Message)
}

func TestGetCommand(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	h := NewRouter(app)

	rec := do(t, h, http.MethodGet, "/commands/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.CodeNotFound, decodeError(t, rec).Error.Code)

	do(t, h, http.MethodPost, "/commands", `{"agent_id":"a1","type":"task"}`)
	rec = do(t, h, http.MethodGet, "/commands/cmd-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListCommands_ParsesFilters(t *testing.T) {
	app, cmds, _, _ := newTestApp(t)
	h := NewRouter(app)

	rec := do(t, h, http.MethodGet, "/commands?agent_id=a1&status=pending&type=task&start_time=2026-01-01T00:00:00Z&page=2&page_size=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a1", cmds.lastList.AgentID)
	assert.Equal(t, model.CommandStatusPending, cmds.lastList.Status)
	require.NotNil(t, cmds.lastList.StartTime)
	assert.Equal(t, 2026, cmds.lastList.StartTime.Year())
	assert.Nil(t, cmds.lastList.EndTime)

	var page model.Page[*model.Command]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 5, page.PageSize)

	for _, q := range []string{"page=abc", "start_time=yesterday", "status=bogus", "page_size=1000"} {
		rec = do(t, h, http.MethodGet, "/commands?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestRetryCommand_InvalidTransition(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	rec := do(t, NewRouter(app), http.MethodPost, "/commands/c1/retry", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	env := decodeError(t, rec)
	assert.Equal(t, model.CodeInvalidTransition, env.Error.Code)
	assert.Equal(t, "only error or timeout commands can be retried", env.Error.Message)
}

func TestCancelAndStats(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	h := NewRouter(app)
	do(t, h, http.MethodPost, "/commands", `{"agent_id":"a1","type":"task"}`)

	rec := do(t, h, http.MethodPost, "/commands/cmd-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = do(t, h, http.MethodGet, "/commands/stats/summary?agent_id=a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.CommandStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.QueueDepths["a1"])
}

func TestPollCommands(t *testing.T) {
	app, cmds, _, _ := newTestApp(t)
	h := NewRouter(app)

	rec := do(t, h, http.MethodGet, "/agents/a1/commands?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"commands":[],"count":0}`, rec.Body.String())
	assert.Equal(t, []any{"a1", 5}, cmds.pollArgs)

	rec = do(t, h, http.MethodGet, "/agents/a1/commands?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitResultAndProgress(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	h := NewRouter(app)

	rec := do(t, h, http.MethodPost, "/commands/c1/result", `{"status":"success","output":{"ok":true},"lease_epoch":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"success"`)

	rec = do(t, h, http.MethodPost, "/commands/c1/result", `{"status":"success","lease_epoch":0}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "stale lease epoch", decodeError(t, rec).Error.Message)

	rec = do(t, h, http.MethodPost, "/commands/c1/result", `{"status":"pending"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/commands/c1/progress", `{"progress":40}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"progress":40`)

	rec = do(t, h, http.MethodPost, "/commands/c1/progress", `{"progress":140}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutions(t *testing.T) {
	app, _, execs, _ := newTestApp(t)
	h := NewRouter(app)

	rec := do(t, h, http.MethodPost, "/agents/a1/execute", `{"input":{"message":"hi"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "hi", execs.lastInput["message"])

	rec = do(t, h, http.MethodPost, "/agents/a1/execute", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, execs.lastInput)

	rec = do(t, h, http.MethodPost, "/agents/missing/execute", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/groups/g1/execute", `{"input":{}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"group_id":"g1"`)

	rec = do(t, h, http.MethodGet, "/executions?status=running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"page_size":10`)

	rec = do(t, h, http.MethodGet, "/executions/e1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/executions/e1/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"execution_id":"e1","logs":[],"count":0}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/executions/e1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)
}

func TestCORSPreflight(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodOptions, "/commands", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	NewRouter(app).ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMessageFor(t *testing.T) {
	msg := messageFor(events.Event{Type: events.EventCommandTransition, Data: map[string]any{"command_id": "c1"}})
	assert.Equal(t, "execution_update", msg.Type)
	assert.Equal(t, "command", msg.Kind)

	msg = messageFor(events.Event{Type: events.EventExecutionUpdate})
	assert.Equal(t, "execution_update", msg.Type)
	assert.Equal(t, "execution", msg.Kind)

	msg = messageFor(events.Event{Type: events.EventExecutionLog})
	assert.Equal(t, "log_update", msg.Type)
	assert.Empty(t, msg.Kind)
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_PushesBusEvents(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	hub := NewHub(zerolog.Nop())
	app.Hub = hub
	bus := events.NewBus(16)
	unsubscribe := hub.Attach(bus)
	defer unsubscribe()
	srv := httptest.NewServer(NewRouter(app))
	defer srv.Close()
	defer hub.Close()

	all := dialWS(t, srv, "/ws")
	filtered := dialWS(t, srv, "/ws/executions/e1")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(events.EventExecutionUpdate, map[string]any{"execution_id": "other", "status": "running"})
	bus.Publish(events.EventExecutionLog, map[string]any{"execution_id": "e1", "message": "hello"})

	first := readMessage(t, all)
	assert.Equal(t, "execution_update", first.Type)
	assert.Equal(t, "other", first.Data["execution_id"])
	second := readMessage(t, all)
	assert.Equal(t, "log_update", second.Type)

	// The filtered client only sees e1.
	got := readMessage(t, filtered)
	assert.Equal(t, "log_update", got.Type)
	assert.Equal(t, "hello", got.Data["message"])

	bus.Publish(events.EventExecutionUpdate, map[string]any{"execution_id": "child", "parent_id": "e1", "status": "completed"})
	got = readMessage(t, filtered)
	assert.Equal(t, "child", got.Data["execution_id"])
}

func TestHub_PingPong(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	hub := NewHub(zerolog.Nop())
	app.Hub = hub
	srv := httptest.NewServer(NewRouter(app))
	defer srv.Close()
	defer hub.Close()

	conn := dialWS(t, srv, "/ws")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	app, _, _, _ := newTestApp(t)
	hub := NewHub(zerolog.Nop())
	app.Hub = hub
	srv := httptest.NewServer(NewRouter(app))
	defer srv.Close()

	conn := dialWS(t, srv, "/ws")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	hub.Close()
}
