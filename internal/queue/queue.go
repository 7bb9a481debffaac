// Package queue holds per-agent priority queues of pending command ids.
//
// Ordering is by a single scalar score: priority strictly dominates and,
// within one priority, earlier insertion dequeues first. Every pop is atomic
// with respect to concurrent pollers of the same agent.
package queue

import (
	"context"
	"fmt"

	"github.com/msageha/courier/internal/model"
)

// ScoreScale separates priority tiers. priority*ScoreScale+ScoreScale stays
// below 2^53 for every valid priority, so scores are exact in a float64.
const ScoreScale = 1_000_000_000_000

type Entry struct {
	CommandID string `json:"command_id"`
	Priority  int    `json:"priority"`
	Seq       int64  `json:"seq"`
}

// Score orders entries: higher priority first, then lower seq first.
func Score(priority int, seq int64) float64 {
	return float64(priority)*ScoreScale + float64(ScoreScale-1-seq%ScoreScale)
}

// splitScore is the inverse of Score for seq values below ScoreScale.
func splitScore(score float64) (priority int, seq int64) {
	s := int64(score)
	priority = int(s / ScoreScale)
	seq = ScoreScale - 1 - s%ScoreScale
	return priority, seq
}

type Queue interface {
	// Enqueue inserts or re-inserts a command. Re-inserting an id already
	// queued moves it to the back of its priority tier.
	Enqueue(ctx context.Context, agentID, commandID string, priority int) error
	DequeueHighest(ctx context.Context, agentID string) (Entry, bool, error)
	DequeueBatch(ctx context.Context, agentID string, limit int) ([]Entry, error)
	Remove(ctx context.Context, agentID, commandID string) (bool, error)
	Contains(ctx context.Context, agentID, commandID string) (bool, error)
	Depth(ctx context.Context, agentID string) (int, error)
	Depths(ctx context.Context) (map[string]int, error)
	Clear(ctx context.Context, agentID string) (int, error)
	Close() error
}

// Open builds the queue backend named by cfg.
func Open(ctx context.Context, cfg model.QueueConfig) (Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(), nil
	case "redis":
		return OpenRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func validateLimit(limit int) error {
	if limit <= 0 {
		return model.NewValidationError("limit", "must be positive, got %d", limit)
	}
	return nil
}
