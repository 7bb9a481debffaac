package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/msageha/courier/internal/model"
)

// RedisQueue stores each agent's queue in a sorted set scored by Score.
// ZPOPMAX makes every pop atomic server-side.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "courier"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

// OpenRedis dials and pings the configured server.
func OpenRedis(ctx context.Context, cfg model.QueueConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisQueue(client, cfg.KeyPrefix), nil
}

func (q *RedisQueue) queueKey(agentID string) string {
	return q.prefix + ":agent:" + agentID + ":commands"
}

func (q *RedisQueue) agentsKey() string { return q.prefix + ":agents" }
func (q *RedisQueue) seqKey() string    { return q.prefix + ":seq" }

func unavailable(agentID string, err error) error {
	return &model.QueueUnavailableError{AgentID: agentID, Err: err}
}

func (q *RedisQueue) Enqueue(ctx context.Context, agentID, commandID string, priority int) error {
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return unavailable(agentID, fmt.Errorf("next seq: %w", err))
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, q.queueKey(agentID), redis.Z{Score: Score(priority, seq), Member: commandID})
		p.SAdd(ctx, q.agentsKey(), agentID)
		return nil
	})
	if err != nil {
		return unavailable(agentID, fmt.Errorf("zadd %s: %w", commandID, err))
	}
	return nil
}

func entryFromZ(z redis.Z) Entry {
	priority, seq := splitScore(z.Score)
	id, _ := z.Member.(string)
	return Entry{CommandID: id, Priority: priority, Seq: seq}
}

func (q *RedisQueue) DequeueHighest(ctx context.Context, agentID string) (Entry, bool, error) {
	zs, err := q.client.ZPopMax(ctx, q.queueKey(agentID), 1).Result()
	if err != nil {
		return Entry{}, false, unavailable(agentID, fmt.Errorf("zpopmax: %w", err))
	}
	if len(zs) == 0 {
		return Entry{}, false, nil
	}
	return entryFromZ(zs[0]), true, nil
}

// DequeueBatch pops up to limit members in one ZPOPMAX call, which the
// server executes atomically.
func (q *RedisQueue) DequeueBatch(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	zs, err := q.client.ZPopMax(ctx, q.queueKey(agentID), int64(limit)).Result()
	if err != nil {
		return nil, unavailable(agentID, fmt.Errorf("zpopmax: %w", err))
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		out = append(out, entryFromZ(z))
	}
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, agentID, commandID string) (bool, error) {
	n, err := q.client.ZRem(ctx, q.queueKey(agentID), commandID).Result()
	if err != nil {
		return false, unavailable(agentID, fmt.Errorf("zrem %s: %w", commandID, err))
	}
	return n > 0, nil
}

func (q *RedisQueue) Contains(ctx context.Context, agentID, commandID string) (bool, error) {
	err := q.client.ZScore(ctx, q.queueKey(agentID), commandID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(agentID, fmt.Errorf("zscore %s: %w", commandID, err))
	}
	return true, nil
}

func (q *RedisQueue) Depth(ctx context.Context, agentID string) (int, error) {
	n, err := q.client.ZCard(ctx, q.queueKey(agentID)).Result()
	if err != nil {
		return 0, unavailable(agentID, fmt.Errorf("zcard: %w", err))
	}
	return int(n), nil
}

func (q *RedisQueue) Depths(ctx context.Context) (map[string]int, error) {
	agents, err := q.client.SMembers(ctx, q.agentsKey()).Result()
	if err != nil {
		return nil, unavailable("*", fmt.Errorf("smembers: %w", err))
	}
	cmds := make([]*redis.IntCmd, len(agents))
	_, err = q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range agents {
			cmds[i] = p.ZCard(ctx, q.queueKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("*", fmt.Errorf("zcard pipeline: %w", err))
	}
	out := make(map[string]int, len(agents))
	for i, id := range agents {
		if n := cmds[i].Val(); n > 0 {
			out[id] = int(n)
		}
	}
	return out, nil
}

func (q *RedisQueue) Clear(ctx context.Context, agentID string) (int, error) {
	var card *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		card = p.ZCard(ctx, q.queueKey(agentID))
		p.Del(ctx, q.queueKey(agentID))
		return nil
	})
	if err != nil {
		return 0, unavailable(agentID, fmt.Errorf("clear: %w", err))
	}
	return int(card.Val()), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
