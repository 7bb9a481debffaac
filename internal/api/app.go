// Package api serves the HTTP interface: issuer and worker endpoints for
// commands, ad-hoc executions, and the websocket push channel.
package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/model"
)

type CommandService interface {
	Create(ctx context.Context, req model.CreateCommandRequest) (*model.Command, error)
	Get(ctx context.Context, id string) (*model.Command, error)
	List(ctx context.Context, f model.CommandFilter) (model.Page[*model.Command], error)
	Stats(ctx context.Context, agentID string) (*model.CommandStats, error)
	Retry(ctx context.Context, id string) (*model.Command, error)
	Cancel(ctx context.Context, id string) (*model.Command, error)
	Poll(ctx context.Context, agentID string, limit int) ([]*model.Command, error)
	SubmitResult(ctx context.Context, id string, r model.ResultReport) (*model.Command, error)
	ReportProgress(ctx context.Context, id string, r model.ProgressReport) (*model.Command, error)
}

type ExecutionService interface {
	ExecuteAgent(ctx context.Context, agentID string, input map[string]any) (*model.Execution, error)
	ExecuteGroup(ctx context.Context, groupID string, input map[string]any) (*model.Execution, error)
	Get(ctx context.Context, id string) (*model.Execution, error)
	List(ctx context.Context, f model.ExecutionFilter, defaultPageSize int) (model.Page[*model.Execution], error)
	Logs(ctx context.Context, id string) ([]model.ExecutionLog, error)
	Cancel(ctx context.Context, id string) (*model.Execution, error)
}

// ObserveFunc receives one call per finished request, labelled by route pattern.
type ObserveFunc func(method, route string, status int, duration time.Duration)

// App holds the dependencies of every handler.
type App struct {
	Commands        CommandService
	Executions      ExecutionService
	Hub             *Hub
	Logger          zerolog.Logger
	Observe         ObserveFunc
	DefaultPageSize int
	CORSOrigins     []string
}
