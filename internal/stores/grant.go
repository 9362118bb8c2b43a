package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const grantRecordVersionV1 = 1

var (
	ErrGrantNotFound         = errors.New("grant record not found")
	ErrGrantSecretMismatch   = errors.New("grant secret mismatch")
	ErrGrantRedisUnavailable = errors.New("grant redis unavailable")
)

// consumeGrantLua atomically performs GET→validate→DEL on a grant record.
// A matching secret deletes the record so the grant is single-use; a
// mismatch leaves it untouched since grant secrets are unguessable and a
// miss indicates a forged token, not a typo.
//
// KEYS[1] = record key
// ARGV[1] = provided secret hash (32 bytes)
// ARGV[2] = expected purpose (byte)
// ARGV[3] = current unix timestamp (int string)
var consumeGrantLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local providedHash = ARGV[1]
local expectedPurpose = tonumber(ARGV[2])
local nowUnix = tonumber(ARGV[3])

-- Layout: version(1) purpose(1) expiresAt(8 big-endian) identityLen(2 big-endian) identity secretHash(32)
local version = string.byte(data, 1)
if version ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local purpose = string.byte(data, 2)

local e0,e1,e2,e3,e4,e5,e6,e7 = string.byte(data, 3, 10)
local expiresAt = e0
for _, b in ipairs({e1,e2,e3,e4,e5,e6,e7}) do
  expiresAt = expiresAt * 256 + b
end

if nowUnix > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

if purpose ~= expectedPurpose then
  return {err='secret_mismatch'}
end

local identityLen = string.byte(data, 11) * 256 + string.byte(data, 12)
local hashOffset = 13 + identityLen
local storedHash = string.sub(data, hashOffset, hashOffset + 31)

if storedHash ~= providedHash then
  return {err='secret_mismatch'}
end

redis.call('DEL', KEYS[1])
return data
`)

// GrantRecord is the proof that an identity recently passed code
// verification for one purpose. It authorizes exactly one follow-up action.
type GrantRecord struct {
	Purpose    int
	Identity   string
	SecretHash [32]byte
	ExpiresAt  int64
}

type GrantStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewGrantStore(redisClient redis.UniversalClient, ttl time.Duration) *GrantStore {
	return &GrantStore{
		redis:  redisClient,
		prefix: "vas:grant",
		ttl:    ttl,
	}
}

func (s *GrantStore) key(grantID string) string {
	return s.prefix + ":" + grantID
}

func (s *GrantStore) Save(ctx context.Context, grantID string, record *GrantRecord) error {
	encoded, err := encodeGrantRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(grantID), encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrGrantRedisUnavailable, err)
	}

	return nil
}

func (s *GrantStore) Consume(ctx context.Context, grantID string, providedHash [32]byte, purpose int, now time.Time) (*GrantRecord, error) {
	result, err := consumeGrantLua.Run(ctx, s.redis,
		[]string{s.key(grantID)},
		string(providedHash[:]),
		purpose,
		now.Unix(),
	).Result()

	if err != nil {
		switch err.Error() {
		case "not_found", "expired":
			return nil, ErrGrantNotFound
		case "secret_mismatch":
			return nil, ErrGrantSecretMismatch
		default:
			return nil, fmt.Errorf("%w: %v", ErrGrantRedisUnavailable, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrGrantRedisUnavailable)
	}

	record, decErr := decodeGrantRecord([]byte(data))
	if decErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrGrantRedisUnavailable, decErr)
	}

	if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
		return nil, ErrGrantSecretMismatch
	}

	return record, nil
}

func encodeGrantRecord(record *GrantRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(grantRecordVersionV1)
	buf.WriteByte(byte(record.Purpose))

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.Identity) > 65535 {
		return nil, errors.New("grant record identity too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Identity))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Identity)
	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeGrantRecord(data []byte) (*GrantRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != grantRecordVersionV1 {
		return nil, errors.New("invalid grant record version")
	}

	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &GrantRecord{
		Purpose: int(purpose),
	}

	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var identityLen uint16
	if err := binary.Read(reader, binary.BigEndian, &identityLen); err != nil {
		return nil, err
	}

	identity := make([]byte, identityLen)
	if _, err := io.ReadFull(reader, identity); err != nil {
		return nil, err
	}
	record.Identity = string(identity)

	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
