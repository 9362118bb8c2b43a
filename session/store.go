package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRefreshHashMismatch is returned when a presented refresh secret does
// not match the newest token in the lineage. The script has already
// revoked the session by the time the caller sees this.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrRedisUnavailable is returned when the session backend is unreachable.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrSessionNotFound is returned when the refresh target session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned when the refresh target session is expired.
var ErrSessionExpired = errors.New("session expired")

// ErrSessionCorrupt is returned when the stored session blob is invalid.
var ErrSessionCorrupt = errors.New("session corrupt")

const (
	rotateStatusNotFound    int64 = 0
	rotateStatusExpired     int64 = 1
	rotateStatusMismatch    int64 = 2
	rotateStatusRotated     int64 = 3
	rotateStatusInvalidBlob int64 = 4
)

const deleteSessionScript = `
redis.call("SREM", KEYS[2], ARGV[1])
return redis.call("DEL", KEYS[1])
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// rotateRefreshScript is the compare-and-swap at the heart of rotation.
// It parses the binary session blob in place, checks expiry, compares the
// presented hash against the stored one, and either swaps in the next
// hash (preserving TTL) or deletes the session outright. A mismatch means
// an older token in the lineage was replayed; deleting the session revokes
// every descendant including the newest live token.
const rotateRefreshScript = `
local function read_be64(s, i)
  local b1 = string.byte(s, i)
  local b2 = string.byte(s, i + 1)
  local b3 = string.byte(s, i + 2)
  local b4 = string.byte(s, i + 3)
  local b5 = string.byte(s, i + 4)
  local b6 = string.byte(s, i + 5)
  local b7 = string.byte(s, i + 6)
  local b8 = string.byte(s, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local function parse_session(data)
  local version = string.byte(data, 1)
  if version ~= 1 then
    return nil
  end

  local user_len = string.byte(data, 2)
  if not user_len then
    return nil
  end
  if #data < 3 + user_len then
    return nil
  end
  local user_id = string.sub(data, 3, 2 + user_len)

  local identity_len = string.byte(data, 3 + user_len)
  if not identity_len then
    return nil
  end

  local refresh_offset = 5 + user_len + identity_len
  if #data < refresh_offset + 47 then
    return nil
  end
  local refresh_hash = string.sub(data, refresh_offset, refresh_offset + 31)
  local expires_at = read_be64(data, refresh_offset + 40)
  if not expires_at then
    return nil
  end

  return {
    user_id = user_id,
    refresh_hash = refresh_hash,
    refresh_offset = refresh_offset,
    expires_at = expires_at
  }
end

local session_key = KEYS[1]
local session_id = ARGV[1]
local user_prefix = ARGV[2]
local provided_hash = ARGV[3]
local next_hash = ARGV[4]
local now_unix = tonumber(ARGV[5])

local data = redis.call("GET", session_key)
if not data then
  return {0}
end

local parsed = parse_session(data)
if not parsed or not parsed.user_id then
  return {4}
end

local user_key = user_prefix .. parsed.user_id

if parsed.expires_at <= now_unix then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

if parsed.refresh_hash ~= provided_hash then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {2}
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

local prefix = string.sub(data, 1, parsed.refresh_offset - 1)
local suffix = string.sub(data, parsed.refresh_offset + 32)
local updated = prefix .. next_hash .. suffix

redis.call("SET", session_key, updated, "PX", ttl)

return {3, updated}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// Store is the Redis-backed refresh-session store. It handles persistence,
// expiry, the per-user session index, and atomic refresh rotation.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewStore(redis redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "vas"
	}
	return &Store{
		redis:  redis,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) userKeyPrefix() string {
	return s.prefix + ":u:"
}

func (s *Store) userKey(userID string) string {
	return s.userKeyPrefix() + userID
}

// Save persists the session and indexes it under its user.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, s.ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.SessionID)
		pipe.Expire(ctx, s.userKey(sess.UserID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get fetches a session without mutating Redis state. Callers see
// ErrSessionNotFound for both missing and expired records.
func (s *Store) Get(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	sess.SessionID = sessionID

	if now.Unix() > sess.ExpiresAt {
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// Delete removes a session and its index entry. Idempotent.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		// Corrupt blob: best effort removal of the key itself.
		if delErr := s.redis.Del(ctx, s.key(sessionID)).Err(); delErr != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, delErr)
		}
		return nil
	}

	_, err = deleteSessionLua.Run(ctx, s.redis,
		[]string{s.key(sessionID), s.userKey(sess.UserID)},
		sessionID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// DeleteAllForUser removes every session indexed under the user.
//
// Not fully atomic: a session created between the index read and the
// delete phase survives this call and expires naturally. The race window
// is a single round trip and only affects logout-all semantics.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessionKeys := make([]string, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		sessionKeys = append(sessionKeys, s.key(sessionID))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(sessionKeys) > 0 {
			pipe.Del(ctx, sessionKeys...)
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// ActiveSessionIDs returns the indexed session IDs for a user.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

// RotateRefreshHash atomically replaces the refresh hash via the Lua CAS
// script. Exactly one caller wins under concurrent redemption of the same
// token; losers observe ErrRefreshHashMismatch against a session the
// winner's rotation already moved past, which the script treats as replay
// and revokes.
func (s *Store) RotateRefreshHash(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
	now time.Time,
) (*Session, error) {
	key := s.key(sessionID)
	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{key},
		sessionID,
		s.userKeyPrefix(),
		providedHash[:],
		nextHash[:],
		now.Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrSessionNotFound
	case rotateStatusExpired:
		return nil, ErrSessionExpired
	case rotateStatusMismatch:
		return nil, ErrRefreshHashMismatch
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing updated session payload", ErrRedisUnavailable)
		}

		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid updated session payload", ErrRedisUnavailable)
		}

		sess, decErr := Decode(blob)
		if decErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, decErr)
		}
		sess.SessionID = sessionID
		return sess, nil
	case rotateStatusInvalidBlob:
		return nil, ErrSessionCorrupt
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}
