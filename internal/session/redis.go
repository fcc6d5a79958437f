package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/duochat/internal/user"
)

const (
	// Redis key patterns for session data.
	keySessionPrefix = "pair:session:" // + <session_id> -> Hash
	keyMemberPrefix  = "pair:member:"  // + <user_id> -> active session id
	keyActiveSet     = "pair:active"   // Set of active session ids
)

// redisSession mirrors the session hash layout.
type redisSession struct {
	ID           string `redis:"id"`
	UserA        string `redis:"user_a"`
	UserB        string `redis:"user_b"`
	JoinedA      int64  `redis:"joined_a"`
	JoinedB      int64  `redis:"joined_b"`
	State        string `redis:"state"`
	CreatedAt    int64  `redis:"created_at"`
	ClosedAt     int64  `redis:"closed_at"`
	ClosedReason string `redis:"closed_reason"`
}

// RedisRegistry is a Registry backed by Redis. Create and Close run as Lua
// scripts so concurrent matchers sharing the store cannot double-pair a user
// or emit two close transitions.
type RedisRegistry struct {
	rdb          *redis.Client
	retention    time.Duration
	createScript *redis.Script
	closeScript  *redis.Script
}

// NewRedisRegistry creates a registry on the given client. Closed sessions
// expire after retention.
func NewRedisRegistry(rdb *redis.Client, retention time.Duration) *RedisRegistry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisRegistry{
		rdb:          rdb,
		retention:    retention,
		createScript: redis.NewScript(createSessionLua),
		closeScript:  redis.NewScript(closeSessionLua),
	}
}

// Create implements Registry.
func (r *RedisRegistry) Create(ctx context.Context, a, b user.Handle) (*Session, error) {
	if err := validatePair(a, b); err != nil {
		return nil, err
	}

	id := DeriveID(a.ID, b.ID)
	now := time.Now()

	keys := []string{keySessionPrefix + id, keyMemberPrefix + a.ID, keyMemberPrefix + b.ID, keyActiveSet}
	res, err := r.createScript.Run(ctx, r.rdb, keys,
		id, a.ID, b.ID, a.JoinedAt.UnixMilli(), b.JoinedAt.UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	switch res {
	case -1:
		return nil, ErrAlreadyInSession
	case -2:
		return nil, ErrSessionClosed
	}

	return &Session{
		ID:        id,
		A:         a,
		B:         b,
		State:     StateActive,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (*Session, error) {
	var rs redisSession
	if err := r.rdb.HGetAll(ctx, keySessionPrefix+sessionID).Scan(&rs); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if rs.ID == "" {
		return nil, nil
	}
	return rs.toSession(), nil
}

// ActiveFor implements Registry.
func (r *RedisRegistry) ActiveFor(ctx context.Context, userID string) (*Session, error) {
	id, err := r.rdb.Get(ctx, keyMemberPrefix+userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: lookup member %s: %w", userID, err)
	}

	s, err := r.Get(ctx, id)
	if err != nil || s == nil || !s.Active() {
		return nil, err
	}
	return s, nil
}

// PartnerOf implements Registry.
func (r *RedisRegistry) PartnerOf(ctx context.Context, userID string) (*user.Handle, error) {
	s, err := r.ActiveFor(ctx, userID)
	if err != nil || s == nil {
		return nil, err
	}
	p, _ := s.Partner(userID)
	return &p, nil
}

// Close implements Registry.
func (r *RedisRegistry) Close(ctx context.Context, sessionID string, reason CloseReason) (*Session, bool, error) {
	keys := []string{keySessionPrefix + sessionID, keyActiveSet}
	res, err := r.closeScript.Run(ctx, r.rdb, keys,
		time.Now().UnixMilli(), string(reason), int(r.retention.Seconds()), keyMemberPrefix, sessionID,
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("session: close %s: %w", sessionID, err)
	}
	if res == -1 {
		return nil, false, nil
	}

	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, res == 1, err
	}
	return s, res == 1, nil
}

// CountActive implements Registry.
func (r *RedisRegistry) CountActive(ctx context.Context) (int, error) {
	n, err := r.rdb.SCard(ctx, keyActiveSet).Result()
	if err != nil {
		return 0, fmt.Errorf("session: count active: %w", err)
	}
	return int(n), nil
}

func (rs redisSession) toSession() *Session {
	s := &Session{
		ID:           rs.ID,
		A:            user.Handle{ID: rs.UserA, JoinedAt: time.UnixMilli(rs.JoinedA)},
		B:            user.Handle{ID: rs.UserB, JoinedAt: time.UnixMilli(rs.JoinedB)},
		State:        State(rs.State),
		CreatedAt:    time.UnixMilli(rs.CreatedAt),
		ClosedReason: CloseReason(rs.ClosedReason),
	}
	if rs.ClosedAt > 0 {
		t := time.UnixMilli(rs.ClosedAt)
		s.ClosedAt = &t
	}
	return s
}

// createSessionLua inserts the session only if neither member already points
// at an active session. Returns:
//
//	 1 = created
//	-1 = a member is already in a session
//	-2 = a session with this id exists (closed sessions are never reopened)
const createSessionLua = `
local skey, ma, mb, active = KEYS[1], KEYS[2], KEYS[3], KEYS[4]

if redis.call('EXISTS', ma) == 1 or redis.call('EXISTS', mb) == 1 then
    return -1
end
if redis.call('EXISTS', skey) == 1 then
    return -2
end

redis.call('HSET', skey,
    'id', ARGV[1], 'user_a', ARGV[2], 'user_b', ARGV[3],
    'joined_a', ARGV[4], 'joined_b', ARGV[5],
    'state', 'active', 'created_at', ARGV[6])
redis.call('SET', ma, ARGV[1])
redis.call('SET', mb, ARGV[1])
redis.call('SADD', active, ARGV[1])
return 1
`

// closeSessionLua flips an active session to closed and releases both
// members. Returns:
//
//	 1 = closed by this call
//	 0 = already closed
//	-1 = session not found
const closeSessionLua = `
local skey, active = KEYS[1], KEYS[2]
local closed_at, reason, ttl, member_prefix, sid = ARGV[1], ARGV[2], tonumber(ARGV[3]), ARGV[4], ARGV[5]

local state = redis.call('HGET', skey, 'state')
if not state then return -1 end
if state == 'closed' then return 0 end

local a = redis.call('HGET', skey, 'user_a')
local b = redis.call('HGET', skey, 'user_b')

redis.call('HSET', skey, 'state', 'closed', 'closed_at', closed_at, 'closed_reason', reason)
redis.call('EXPIRE', skey, ttl)
redis.call('SREM', active, sid)

for _, u in ipairs({a, b}) do
    local mk = member_prefix .. u
    if redis.call('GET', mk) == sid then
        redis.call('DEL', mk)
    end
end
return 1
`
