package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/api"
	"github.com/msageha/courier/internal/model"
)

func newServiceRouter(t *testing.T) http.Handler {
	t.Helper()
	f := newCommandFixture(t, nil)
	f.svc.SetDirectory(NewDirectory(echoAgents("a1"), nil))
	runner := newTestRunner(t, echoAgents("a1"), nil)

	return api.NewRouter(&api.App{
		Commands:        f.svc,
		Executions:      runner,
		Logger:          zerolog.Nop(),
		DefaultPageSize: 20,
	})
}

func TestRouter_ErrorClassesFromServices(t *testing.T) {
	h := newServiceRouter(t)
	unknownUUID := model.NewID()

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown agent on create", http.MethodPost, "/commands", `{"agent_id":"ghost","type":"task"}`, http.StatusBadRequest, model.CodeValidation},
		{"malformed command id", http.MethodGet, "/commands/nope", "", http.StatusNotFound, model.CodeNotFound},
		{"unknown command id", http.MethodGet, "/commands/" + unknownUUID, "", http.StatusNotFound, model.CodeNotFound},
		{"cancel malformed id", http.MethodPost, "/commands/nope/cancel", "", http.StatusNotFound, model.CodeNotFound},
		{"retry malformed id", http.MethodPost, "/commands/nope/retry", "", http.StatusNotFound, model.CodeNotFound},
		{"result malformed id", http.MethodPost, "/commands/nope/result", `{"status":"success"}`, http.StatusNotFound, model.CodeNotFound},
		{"progress malformed id", http.MethodPost, "/commands/nope/progress", `{"progress":10}`, http.StatusNotFound, model.CodeNotFound},
		{"malformed execution id", http.MethodGet, "/executions/nope", "", http.StatusNotFound, model.CodeNotFound},
		{"logs malformed execution id", http.MethodGet, "/executions/nope/logs", "", http.StatusNotFound, model.CodeNotFound},
		{"unknown agent on execute", http.MethodPost, "/agents/ghost/execute", `{"input":{}}`, http.StatusNotFound, model.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			var env struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

func TestRouter_CreateKnownAgent(t *testing.T) {
	h := newServiceRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"agent_id":"a1","type":"task"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var cmd model.Command
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmd))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/commands/"+cmd.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
