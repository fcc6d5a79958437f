package matching

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/duochat/internal/user"
)

const (
	// Redis key patterns for queue data structures.
	keyMatchQueue   = "pair:queue"     // Sorted set, score = arrival sequence
	keyQueueSeq     = "pair:queue:seq" // INCR counter giving strict FIFO order
	keyTicketPrefix = "pair:ticket:"   // + <user_id> -> Hash
)

// RedisQueue is a Queue backed by Redis. Arrival order is a counter rather than
// a timestamp so two tickets enqueued in the same millisecond keep their order.
type RedisQueue struct {
	rdb           *redis.Client
	enqueueScript *redis.Script
	dequeueScript *redis.Script
}

// NewRedisQueue creates a queue backed by Redis.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{
		rdb:           rdb,
		enqueueScript: redis.NewScript(enqueueLua),
		dequeueScript: redis.NewScript(dequeueNextLua),
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, u user.Handle) error {
	if !u.Valid() {
		return ErrInvalidRequest
	}

	keys := []string{keyMatchQueue, keyQueueSeq, keyTicketPrefix + u.ID}
	added, err := q.enqueueScript.Run(ctx, q.rdb, keys,
		u.ID, u.JoinedAt.UnixMilli(), time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("matching: enqueue %s: %w", u.ID, err)
	}
	if added == 0 {
		return ErrAlreadyWaiting
	}
	return nil
}

// DequeueNext implements Queue.
func (q *RedisQueue) DequeueNext(ctx context.Context, excludingID string) (*WaitTicket, error) {
	res, err := q.dequeueScript.Run(ctx, q.rdb, []string{keyMatchQueue}, excludingID, keyTicketPrefix).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: dequeue next: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("matching: dequeue next: unexpected reply %v", res)
	}

	return &WaitTicket{
		User:       user.Handle{ID: res[0], JoinedAt: millis(res[1])},
		EnqueuedAt: millis(res[2]),
	}, nil
}

// Remove implements Queue.
func (q *RedisQueue) Remove(ctx context.Context, userID string) error {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, keyMatchQueue, userID)
	pipe.Del(ctx, keyTicketPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: remove %s: %w", userID, err)
	}
	return nil
}

// Contains implements Queue.
func (q *RedisQueue) Contains(ctx context.Context, userID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyMatchQueue, userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, keyMatchQueue).Result()
	return int(n), err
}

// Snapshot implements Queue.
func (q *RedisQueue) Snapshot(ctx context.Context) ([]WaitTicket, error) {
	ids, err := q.rdb.ZRange(ctx, keyMatchQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: snapshot: %w", err)
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, keyTicketPrefix+id, "joined_at", "enqueued_at")
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("matching: snapshot tickets: %w", err)
		}
	}

	out := make([]WaitTicket, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		t := WaitTicket{User: user.Handle{ID: id}}
		if len(vals) == 2 {
			t.User.JoinedAt = millis(vals[0])
			t.EnqueuedAt = millis(vals[1])
		}
		out = append(out, t)
	}
	return out, nil
}

func millis(v interface{}) time.Time {
	s, _ := v.(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(n)
}

// enqueueLua adds a ticket unless the user already holds one.
// Returns 1 if added, 0 if already waiting.
const enqueueLua = `
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
    return 0
end
local seq = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], seq, ARGV[1])
redis.call('HSET', KEYS[3], 'joined_at', ARGV[2], 'enqueued_at', ARGV[3])
return 1
`

// dequeueNextLua pops the oldest ticket not owned by ARGV[1]. Only the first
// two entries need inspecting since at most one is excluded.
// Returns {user_id, joined_at, enqueued_at} or nil.
const dequeueNextLua = `
local members = redis.call('ZRANGE', KEYS[1], 0, 1)
for _, m in ipairs(members) do
    if m ~= ARGV[1] then
        redis.call('ZREM', KEYS[1], m)
        local key = ARGV[2] .. m
        local t = redis.call('HMGET', key, 'joined_at', 'enqueued_at')
        redis.call('DEL', key)
        return {m, t[1] or '0', t[2] or '0'}
    end
end
return false
`
