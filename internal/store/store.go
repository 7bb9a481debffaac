// Package store persists command and execution records.
//
// Every mutation after creation goes through Update*, a single-record
// compare-and-set: the mutator sees the current record and its write lands
// only if nobody else modified the record in between.
package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/msageha/courier/internal/model"
)

// Mutator edits a record in place. Returning an error aborts the update.
type Mutator[T any] func(*T) error

type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *model.Command) error
	GetCommand(ctx context.Context, id string) (*model.Command, error)
	ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, int, error)
	UpdateCommand(ctx context.Context, id string, fn Mutator[model.Command]) (*model.Command, error)
	// ListActiveCommands returns every pending or executing command.
	ListActiveCommands(ctx context.Context) ([]*model.Command, error)
	CountCommandsByStatus(ctx context.Context, agentID string) (map[model.CommandStatus]int, error)
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, f model.ExecutionFilter) ([]*model.Execution, int, error)
	UpdateExecution(ctx context.Context, id string, fn Mutator[model.Execution]) (*model.Execution, error)
	AppendLog(ctx context.Context, entry *model.ExecutionLog) error
	ListLogs(ctx context.Context, executionID string) ([]model.ExecutionLog, error)
}

type Store interface {
	CommandStore
	ExecutionStore
	Close() error
}

// Open builds the backend named by cfg. Relative sqlite paths resolve
// against dataDir.
func Open(ctx context.Context, cfg model.StoreConfig, dataDir string) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		path := cfg.SQLitePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func commandNotFound(id string) error {
	return &model.NotFoundError{Kind: "command", ID: id}
}

func executionNotFound(id string) error {
	return &model.NotFoundError{Kind: "execution", ID: id}
}

func pageBounds(total, page, pageSize int) (start, end int) {
	start = (page - 1) * pageSize
	if start > total {
		start = total
	}
	end = start + pageSize
	if end > total {
		end = total
	}
	return start, end
}
