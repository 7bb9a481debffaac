package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msageha/courier/internal/model"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
	ID    string    `json:"id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code string) int {
	switch code {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeInvalidTransition, model.CodeConflict:
		return http.StatusConflict
	case model.CodeQueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (app *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	app.writeErrorWithID(w, r, err, "")
}

func (app *App) writeErrorWithID(w http.ResponseWriter, r *http.Request, err error, id string) {
	code := model.ErrorCode(err)
	status := statusFor(code)
	msg := model.ErrorMessage(err)
	if status == http.StatusInternalServerError {
		app.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}, ID: id})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewValidationError("body", "request body is required")
		}
		return model.NewValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewValidationError(name, "must be an integer, got %q", raw)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, model.NewValidationError(name, "must be RFC3339, got %q", raw)
	}
	return &t, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Commands

func (app *App) createCommand(w http.ResponseWriter, r *http.Request) {
	var req model.CreateCommandRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, r, err)
		return
	}
	cmd, err := app.Commands.Create(r.Context(), req)
	if err != nil {
		id := ""
		if cmd != nil {
			id = cmd.ID
		}
		app.writeErrorWithID(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (app *App) listCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.CommandFilter{
		AgentID: q.Get("agent_id"),
		Status:  model.CommandStatus(q.Get("status")),
		Type:    model.CommandType(q.Get("type")),
	}
	var err error
	if f.StartTime, err = queryTime(r, "start_time"); err != nil {
		app.writeError(w, r, err)
		return
	}
	if f.EndTime, err = queryTime(r, "end_time"); err != nil {
		app.writeError(w, r, err)
		return
	}
	if f.Page, err = queryInt(r, "page"); err != nil {
		app.writeError(w, r, err)
		return
	}
	if f.PageSize, err = queryInt(r, "page_size"); err != nil {
		app.writeError(w, r, err)
		return
	}
	page, err := app.Commands.List(r.Context(), f)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (app *App) getCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := app.Commands.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (app *App) retryCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := app.Commands.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (app *App) cancelCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := app.Commands.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (app *App) commandStats(w http.ResponseWriter, r *http.Request) {
	stats, err := app.Commands.Stats(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Worker endpoints

type pollResponse struct {
	Commands []*model.Command `json:"commands"`
	Count    int              `json:"count"`
}

func (app *App) pollCommands(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	cmds, err := app.Commands.Poll(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil && len(cmds) == 0 {
		app.writeError(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []*model.Command{}
	}
	writeJSON(w, http.StatusOK, pollResponse{Commands: cmds, Count: len(cmds)})
}

func (app *App) submitResult(w http.ResponseWriter, r *http.Request) {
	var report model.ResultReport
	if err := decodeBody(r, &report); err != nil {
		app.writeError(w, r, err)
		return
	}
	cmd, err := app.Commands.SubmitResult(r.Context(), chi.URLParam(r, "id"), report)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (app *App) reportProgress(w http.ResponseWriter, r *http.Request) {
	var report model.ProgressReport
	if err := decodeBody(r, &report); err != nil {
		app.writeError(w, r, err)
		return
	}
	cmd, err := app.Commands.ReportProgress(r.Context(), chi.URLParam(r, "id"), report)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// Executions

type executeRequest struct {
	Input map[string]any `json:"input"`
}

func (app *App) decodeExecute(r *http.Request) (map[string]any, error) {
	var req executeRequest
	if r.ContentLength == 0 {
		return map[string]any{}, nil
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	return req.Input, nil
}

func (app *App) executeAgent(w http.ResponseWriter, r *http.Request) {
	input, err := app.decodeExecute(r)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	exec, err := app.Executions.ExecuteAgent(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (app *App) executeGroup(w http.ResponseWriter, r *http.Request) {
	input, err := app.decodeExecute(r)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	exec, err := app.Executions.ExecuteGroup(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (app *App) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.ExecutionFilter{
		AgentID:  q.Get("agent_id"),
		GroupID:  q.Get("group_id"),
		ParentID: q.Get("parent_id"),
		Status:   model.ExecutionStatus(q.Get("status")),
	}
	var err error
	if f.Page, err = queryInt(r, "page"); err != nil {
		app.writeError(w, r, err)
		return
	}
	if f.PageSize, err = queryInt(r, "page_size"); err != nil {
		app.writeError(w, r, err)
		return
	}
	page, err := app.Executions.List(r.Context(), f, app.pageSize())
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (app *App) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := app.Executions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type logsResponse struct {
	ExecutionID string               `json:"execution_id"`
	Logs        []model.ExecutionLog `json:"logs"`
	Count       int                  `json:"count"`
}

func (app *App) executionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := app.Executions.Logs(r.Context(), id)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logsResponse{ExecutionID: id, Logs: logs, Count: len(logs)})
}

func (app *App) cancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := app.Executions.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (app *App) pageSize() int {
	if app.DefaultPageSize > 0 {
		return app.DefaultPageSize
	}
	return 20
}
