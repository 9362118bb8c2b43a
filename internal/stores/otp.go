// Package stores holds the Redis-backed one-time state used by the engine:
// pending verification codes and the single-use grants minted when a code
// checks out. All consume paths run server-side Lua so concurrent attempts
// cannot double-spend a record or lose an attempt increment.
package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const otpRecordVersionV1 = 1

var (
	ErrOTPNotFound         = errors.New("otp record not found")
	ErrOTPMismatch         = errors.New("otp code mismatch")
	ErrOTPAttemptsExceeded = errors.New("otp attempts exceeded")
	ErrOTPRedisUnavailable = errors.New("otp redis unavailable")
)

// consumeOTPLua atomically performs GET→validate→DEL/rewrite on a code
// record. Exhausted records are kept until natural expiry so a correct code
// arriving after the attempt budget is spent still reads as exhausted, not
// as a fresh miss.
//
// KEYS[1] = record key
// ARGV[1] = provided code hash (32 bytes)
// ARGV[2] = expected purpose (byte)
// ARGV[3] = max attempts (int string)
// ARGV[4] = current unix timestamp (int string)
//
// Returns record bytes on success, or an error string:
// "not_found", "expired", "purpose_mismatch", "attempts_exceeded",
// "code_mismatch".
var consumeOTPLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local providedHash = ARGV[1]
local expectedPurpose = tonumber(ARGV[2])
local maxAttempts = tonumber(ARGV[3])
local nowUnix = tonumber(ARGV[4])

-- Layout: version(1) purpose(1) attempts(2 big-endian) expiresAt(8 big-endian) codeHash(32)
local version = string.byte(data, 1)
if version ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local purpose = string.byte(data, 2)

local a0 = string.byte(data, 3)
local a1 = string.byte(data, 4)
local attempts = a0 * 256 + a1

local e0,e1,e2,e3,e4,e5,e6,e7 = string.byte(data, 5, 12)
local expiresAt = e0
for _, b in ipairs({e1,e2,e3,e4,e5,e6,e7}) do
  expiresAt = expiresAt * 256 + b
end

if nowUnix > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

if purpose ~= expectedPurpose then
  redis.call('DEL', KEYS[1])
  return {err='purpose_mismatch'}
end

if attempts >= maxAttempts then
  return {err='attempts_exceeded'}
end

local storedHash = string.sub(data, 13, 44)

if storedHash ~= providedHash then
  attempts = attempts + 1
  local newA0 = math.floor(attempts / 256)
  local newA1 = attempts % 256
  local newData = string.sub(data, 1, 2) .. string.char(newA0, newA1) .. string.sub(data, 5)
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs <= 0 then
    redis.call('DEL', KEYS[1])
    return {err='expired'}
  end
  redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  if attempts >= maxAttempts then
    return {err='attempts_exceeded'}
  end
  return {err='code_mismatch'}
end

redis.call('DEL', KEYS[1])
return data
`)

// OTPRecord is the pending-code state for one (identity, purpose) pair.
type OTPRecord struct {
	Purpose   int
	Attempts  uint16
	ExpiresAt int64
	CodeHash  [32]byte
}

// OTPStore keeps at most one live code per (identity, purpose). Save is a
// plain SET with TTL on a deterministic key, so re-requesting a code
// replaces the previous one and resets its attempt budget in one write.
type OTPStore struct {
	redis       redis.UniversalClient
	prefix      string
	ttl         time.Duration
	maxAttempts int
}

func NewOTPStore(redisClient redis.UniversalClient, ttl time.Duration, maxAttempts int) *OTPStore {
	return &OTPStore{
		redis:       redisClient,
		prefix:      "vas:otp",
		ttl:         ttl,
		maxAttempts: maxAttempts,
	}
}

// key hashes the identity so raw emails never appear in Redis keys.
func (s *OTPStore) key(identity string, purpose int) string {
	sum := sha256.Sum256([]byte(identity))
	return fmt.Sprintf("%s:%d:%s", s.prefix, purpose, base64.RawURLEncoding.EncodeToString(sum[:]))
}

// Save issues a code for (identity, purpose), replacing any live one.
func (s *OTPStore) Save(ctx context.Context, identity string, purpose int, codeHash [32]byte, now time.Time) error {
	record := &OTPRecord{
		Purpose:   purpose,
		ExpiresAt: now.Add(s.ttl).Unix(),
		CodeHash:  codeHash,
	}

	encoded, err := encodeOTPRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(identity, purpose), encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}

	return nil
}

// Delete removes a pending code, e.g. when delivery failed after the record
// was written.
func (s *OTPStore) Delete(ctx context.Context, identity string, purpose int) error {
	if err := s.redis.Del(ctx, s.key(identity, purpose)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
	return nil
}

// Consume validates the submitted code against the live record. A match
// deletes the record; a mismatch burns one attempt. Once the budget is
// spent every further submission reports ErrOTPAttemptsExceeded until the
// record expires, correct code included.
func (s *OTPStore) Consume(ctx context.Context, identity string, purpose int, codeHash [32]byte, now time.Time) (*OTPRecord, error) {
	key := s.key(identity, purpose)

	result, err := consumeOTPLua.Run(ctx, s.redis,
		[]string{key},
		string(codeHash[:]),
		purpose,
		s.maxAttempts,
		now.Unix(),
	).Result()

	if err != nil {
		switch err.Error() {
		case "not_found", "expired":
			return nil, ErrOTPNotFound
		case "purpose_mismatch", "code_mismatch":
			return nil, ErrOTPMismatch
		case "attempts_exceeded":
			return nil, ErrOTPAttemptsExceeded
		default:
			return nil, fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrOTPRedisUnavailable)
	}

	record, decErr := decodeOTPRecord([]byte(data))
	if decErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, decErr)
	}

	// Final constant-time comparison in Go as defense-in-depth
	// (Lua already checked, but Lua string comparison is not constant-time)
	if subtle.ConstantTimeCompare(record.CodeHash[:], codeHash[:]) != 1 {
		return nil, ErrOTPMismatch
	}

	return record, nil
}

func encodeOTPRecord(record *OTPRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(otpRecordVersionV1)
	buf.WriteByte(byte(record.Purpose))

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeOTPRecord(data []byte) (*OTPRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpRecordVersionV1 {
		return nil, errors.New("invalid otp record version")
	}

	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &OTPRecord{
		Purpose: int(purpose),
	}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
