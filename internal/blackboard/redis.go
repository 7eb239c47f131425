package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per agent under "<prefix>:agent:<id>" holding
// the JSON entry and a version counter, plus a set of agent ids per
// workspace under "<prefix>:workspace:<id>".
type RedisStore struct {
	mu      sync.Mutex
	client  *redis.Client
	options *redis.Options
	prefix  string
	logger  *slog.Logger
}

// NewRedisStore returns a new RedisStore with given options.
func NewRedisStore(opts *redis.Options, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "presence"
	}
	return &RedisStore{
		client:  redis.NewClient(opts),
		options: opts,
		prefix:  prefix,
		logger:  logger,
	}
}

func (s *RedisStore) agentKey(id string) string     { return s.prefix + ":agent:" + id }
func (s *RedisStore) workspaceKey(id string) string { return s.prefix + ":workspace:" + id }

// ensureConnection pings Redis and reconnects if needed.
func (s *RedisStore) ensureConnection(ctx context.Context) *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("blackboard reconnecting to redis", "error", err)
		s.client.Close()
		s.client = redis.NewClient(s.options)
	}
	return s.client
}

// Put stores e, bumps its version and returns the new version. ttl of zero
// keeps the entry until it is deleted.
func (s *RedisStore) Put(ctx context.Context, e Entry, ttl time.Duration) (int64, error) {
	client := s.ensureConnection(ctx)
	key := s.agentKey(e.AgentID)

	var ver int64
	err := client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		ver = cur + 1
		e.Version = ver
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "value", data, "version", ver)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			if e.WorkspaceID != "" {
				pipe.SAdd(ctx, s.workspaceKey(e.WorkspaceID), e.AgentID)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return 0, fmt.Errorf("blackboard put %s: %w", e.AgentID, err)
	}
	return ver, nil
}

// Get retrieves the entry of one agent.
func (s *RedisStore) Get(ctx context.Context, agentID string) (*Entry, error) {
	client := s.ensureConnection(ctx)
	return s.get(ctx, client, agentID)
}

func (s *RedisStore) get(ctx context.Context, client *redis.Client, agentID string) (*Entry, error) {
	res, err := client.HGetAll(ctx, s.agentKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("blackboard get %s: %w", agentID, err)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	var e Entry
	if err := json.Unmarshal([]byte(res["value"]), &e); err != nil {
		return nil, fmt.Errorf("blackboard decode %s: %w", agentID, err)
	}
	if e.Version, err = parseInt(res["version"]); err != nil {
		return nil, fmt.Errorf("blackboard version %s: %w", agentID, err)
	}
	return &e, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// List returns the entries of a workspace ordered by agent id. Ids whose
// entry expired are pruned from the workspace set.
func (s *RedisStore) List(ctx context.Context, workspaceID string) ([]Entry, error) {
	client := s.ensureConnection(ctx)
	ids, err := client.SMembers(ctx, s.workspaceKey(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("blackboard list %s: %w", workspaceID, err)
	}
	sort.Strings(ids)
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.get(ctx, client, id)
		if errors.Is(err, ErrNotFound) {
			client.SRem(ctx, s.workspaceKey(workspaceID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// Delete removes an agent's entry and its workspace membership.
func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	client := s.ensureConnection(ctx)
	e, err := s.get(ctx, client, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.Del(ctx, s.agentKey(agentID))
	if e.WorkspaceID != "" {
		pipe.SRem(ctx, s.workspaceKey(e.WorkspaceID), agentID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("blackboard delete %s: %w", agentID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Close()
}
