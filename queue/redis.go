package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"

	admission "github.com/goliatone/go-admission"
)

// RedisQueue shares the Execution Queue between processes through Redis.
//
// Entries live in a sorted set scored by start time in microseconds. Members
// are "<priority>|<seq>|<run id>" with zero padded numbers so that entries
// with the same score sort by priority and then sequence. Payloads and the
// run id to member index are hashes. Every mutation is a Lua script, which
// makes the claim atomic.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "admission:queue"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

func (q *RedisQueue) keys() []string {
	return []string{q.prefix + ":entries", q.prefix + ":payload", q.prefix + ":index"}
}

var enqueueScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[3], ARGV[1])
if old then
	redis.call('ZREM', KEYS[1], old)
	redis.call('HDEL', KEYS[2], old)
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return 1
`)

var popScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
local member = items[1]
redis.call('ZREM', KEYS[1], member)
local payload = redis.call('HGET', KEYS[2], member)
redis.call('HDEL', KEYS[2], member)
local rid = string.match(member, '^[^|]*|[^|]*|(.*)$')
if rid and redis.call('HGET', KEYS[3], rid) == member then
	redis.call('HDEL', KEYS[3], rid)
end
return payload
`)

var removeScript = redis.NewScript(`
local member = redis.call('HGET', KEYS[3], ARGV[1])
if not member then
	return 0
end
redis.call('ZREM', KEYS[1], member)
redis.call('HDEL', KEYS[2], member)
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, run *admission.Run, delay time.Duration, priority int, affinity string) (string, error) {
	entry, err := newEntry(run, delay, priority, affinity, q.now())
	if err != nil {
		return "", err
	}
	seq, err := q.client.Incr(ctx, q.prefix+":seq").Result()
	if err != nil {
		return "", storageError("sequence", err)
	}
	entry.Seq = seq

	payload, err := json.Marshal(entry)
	if err != nil {
		return "", admission.NewError(admission.ErrInvalidRun, "queue entry is not serializable", err, map[string]any{
			"run_id": entry.ID,
		})
	}
	member := redisMember(entry)
	score := float64(entry.StartTimestamp.UnixMicro())
	if err := enqueueScript.Run(ctx, q.client, q.keys(), entry.ID, score, member, string(payload)).Err(); err != nil {
		return "", storageError("enqueue", err)
	}
	return entry.ID, nil
}

func (q *RedisQueue) PopNext(ctx context.Context) (*Entry, error) {
	now := q.now().UTC().UnixMicro()
	raw, err := popScript.Run(ctx, q.client, q.keys(), now).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("pop", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, storageError("decode", err)
	}
	return &entry, nil
}

func (q *RedisQueue) Remove(ctx context.Context, runID string) (bool, error) {
	n, err := removeScript.Run(ctx, q.client, q.keys(), runID).Int()
	if err != nil {
		return false, storageError("remove", err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Contains(ctx context.Context, runID string) (bool, error) {
	ok, err := q.client.HExists(ctx, q.prefix+":index", runID).Result()
	if err != nil {
		return false, storageError("contains", err)
	}
	return ok, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.prefix+":entries").Result()
	if err != nil {
		return 0, storageError("len", err)
	}
	return int(n), nil
}

func redisMember(entry *Entry) string {
	priority := int64(entry.Priority) - math.MinInt32
	if priority < 0 {
		priority = 0
	}
	if priority > math.MaxUint32 {
		priority = math.MaxUint32
	}
	return fmt.Sprintf("%010d|%020d|%s", priority, entry.Seq, entry.ID)
}
