package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/invoicesplit/internal/session"
)

// RedisUsage mirrors manual export usage to Redis: a hash of page -> count and
// a list of committed exports per session.
type RedisUsage struct {
	client *redis.Client
	keyNS  string
}

func NewRedisUsage(client *redis.Client) *RedisUsage {
	return &RedisUsage{client: client, keyNS: "invoicesplit:session"}
}

func (u *RedisUsage) usageKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:usage", u.keyNS, sessionID)
}

func (u *RedisUsage) exportsKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:exports", u.keyNS, sessionID)
}

// RecordExport implements session.UsageRecorder.
func (u *RedisUsage) RecordExport(ctx context.Context, e session.Export) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := u.client.TxPipeline()
	for _, p := range e.Pages {
		pipe.HIncrBy(ctx, u.usageKey(e.SessionID), strconv.Itoa(p), 1)
	}
	pipe.RPush(ctx, u.exportsKey(e.SessionID), b)
	_, err = pipe.Exec(ctx)
	return err
}

// Usage returns the recorded page counts for a session.
func (u *RedisUsage) Usage(ctx context.Context, sessionID string) (map[int]int, error) {
	res, err := u.client.HGetAll(ctx, u.usageKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(res))
	for k, v := range res {
		page, err1 := strconv.Atoi(k)
		n, err2 := strconv.Atoi(v)
		if err1 != nil || err2 != nil {
			continue
		}
		out[page] = n
	}
	return out, nil
}

// Exports returns the recorded exports for a session in commit order.
func (u *RedisUsage) Exports(ctx context.Context, sessionID string) ([]session.Export, error) {
	res, err := u.client.LRange(ctx, u.exportsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]session.Export, 0, len(res))
	for _, raw := range res {
		var e session.Export
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode export: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
