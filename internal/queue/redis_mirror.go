package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisMirror keeps one hash per live job plus a sorted set ordered by job id.
type RedisMirror struct {
	cli    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror parses url (redis://host:port/db) and pings the server.
func NewRedisMirror(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisMirror, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cli := redis.NewClient(opt)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisMirrorFromClient(cli, prefix, ttl), nil
}

func NewRedisMirrorFromClient(cli *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "backpost"
	}
	return &RedisMirror{cli: cli, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) Close() error { return m.cli.Close() }

func (m *RedisMirror) jobKey(id int64) string { return m.prefix + ":job:" + strconv.FormatInt(id, 10) }
func (m *RedisMirror) indexKey() string       { return m.prefix + ":queue" }

func (m *RedisMirror) Upsert(ctx context.Context, e Entry) error {
	key := m.jobKey(e.JobID)
	_, err := m.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"job_id", e.JobID,
			"job_uuid", e.JobUUID,
			"project_id", e.ProjectID,
			"network", e.Network,
			"status", string(e.Status),
			"updated_at", e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if m.ttl > 0 {
			p.Expire(ctx, key, m.ttl)
		}
		p.ZAdd(ctx, m.indexKey(), &redis.Z{Score: float64(e.JobID), Member: strconv.FormatInt(e.JobID, 10)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror upsert: %w", err)
	}
	return nil
}

// setStatusScript updates a live entry and refreshes its TTL. A hash that
// already expired stays gone instead of coming back without job_id or TTL.
var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

func (m *RedisMirror) SetStatus(ctx context.Context, jobID int64, st Status) error {
	err := setStatusScript.Run(ctx, m.cli, []string{m.jobKey(jobID)},
		string(st),
		time.Now().UTC().Format(time.RFC3339Nano),
		m.ttl.Milliseconds(),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis mirror status: %w", err)
	}
	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, jobID int64) error {
	_, err := m.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, m.jobKey(jobID))
		p.ZRem(ctx, m.indexKey(), strconv.FormatInt(jobID, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror delete: %w", err)
	}
	return nil
}

func (m *RedisMirror) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := m.cli.ZRange(ctx, m.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mirror index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = m.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			n, _ := strconv.ParseInt(id, 10, 64)
			cmds[i] = p.HGetAll(ctx, m.jobKey(n))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis mirror read: %w", err)
	}

	out := make([]Entry, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			// hash expired; drop it from the index
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, entryFromHash(h))
	}
	if len(stale) > 0 {
		_ = m.cli.ZRem(ctx, m.indexKey(), stale...).Err()
	}
	return out, nil
}

func entryFromHash(h map[string]string) Entry {
	id, _ := strconv.ParseInt(h["job_id"], 10, 64)
	project, _ := strconv.ParseInt(h["project_id"], 10, 64)
	updated, _ := time.Parse(time.RFC3339Nano, h["updated_at"])
	return Entry{
		JobID:     id,
		JobUUID:   h["job_uuid"],
		ProjectID: project,
		Network:   h["network"],
		Status:    Status(h["status"]),
		UpdatedAt: updated,
	}
}
