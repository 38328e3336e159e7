package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusMismatch int64 = 1
	rotateStatusReused   int64 = 2
	rotateStatusRotated  int64 = 3
)

// KEYS[1] family hash {subject, current}; KEYS[2] set of retired hashes.
// ARGV: presented hash, next hash, ttl ms, reuse detection ("1"/"0").
const rotateScript = `
local current = redis.call("HGET", KEYS[1], "current")
if not current then
  return {0}
end

if current ~= ARGV[1] then
  if ARGV[4] == "1" and redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
    redis.call("DEL", KEYS[1], KEYS[2])
    return {2}
  end
  return {1}
end

redis.call("HSET", KEYS[1], "current", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[3])

return {3, redis.call("HGET", KEYS[1], "subject")}
`

var rotateLua = redis.NewScript(rotateScript)

// KEYS as rotateScript. ARGV[1] presented hash. Deletes the family when the hash is the
// current or a retired one.
const revokeScript = `
local current = redis.call("HGET", KEYS[1], "current")
if not current then
  return 0
end
if current == ARGV[1] or redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
  redis.call("DEL", KEYS[1], KEYS[2])
  return 1
end
return 0
`

var revokeLua = redis.NewScript(revokeScript)

// FamilyStore keeps refresh families in Redis. Each family stores only the SHA-256 of
// its current secret; rotation is an atomic compare-and-swap in Lua so concurrent
// refreshes of one credential have exactly one winner.
type FamilyStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewFamilyStore returns a store whose families expire ttl after their last rotation.
func NewFamilyStore(client redis.UniversalClient, prefix string, ttl time.Duration) *FamilyStore {
	return &FamilyStore{redis: client, prefix: prefix, ttl: ttl}
}

func (s *FamilyStore) familyKey(fid string) string {
	return s.prefix + ":fam:" + fid
}

func (s *FamilyStore) retiredKey(fid string) string {
	return s.prefix + ":fam:" + fid + ":retired"
}

// Create stores a new family for subject with hash as its current secret.
func (s *FamilyStore) Create(ctx context.Context, fid, subject, hash string) error {
	key := s.familyKey(fid)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "subject", subject, "current", hash)
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Rotate swaps presented for next and returns the family subject. A presented hash that
// is not current fails with ErrInvalidCredential; with reuseDetection, a retired one
// revokes the family and fails with ErrCredentialReused.
func (s *FamilyStore) Rotate(ctx context.Context, fid, presented, next string, reuseDetection bool) (string, error) {
	detect := "0"
	if reuseDetection {
		detect = "1"
	}
	res, err := rotateLua.Run(ctx, s.redis,
		[]string{s.familyKey(fid), s.retiredKey(fid)},
		presented, next, s.ttl.Milliseconds(), detect,
	).Slice()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) == 0 {
		return "", fmt.Errorf("%w: empty rotate reply", ErrUnavailable)
	}
	status, ok := res[0].(int64)
	if !ok {
		return "", fmt.Errorf("%w: unexpected rotate reply", ErrUnavailable)
	}

	switch status {
	case rotateStatusRotated:
		if len(res) < 2 {
			return "", fmt.Errorf("%w: rotate reply missing subject", ErrUnavailable)
		}
		subject, _ := res[1].(string)
		return subject, nil
	case rotateStatusReused:
		return "", ErrCredentialReused
	case rotateStatusNotFound, rotateStatusMismatch:
		return "", ErrInvalidCredential
	default:
		return "", fmt.Errorf("%w: unknown rotate status %d", ErrUnavailable, status)
	}
}

// Revoke deletes the family when presented is its current or a retired hash. It reports
// whether a family was deleted.
func (s *FamilyStore) Revoke(ctx context.Context, fid, presented string) (bool, error) {
	n, err := revokeLua.Run(ctx, s.redis,
		[]string{s.familyKey(fid), s.retiredKey(fid)},
		presented,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// Exists reports whether the family is live.
func (s *FamilyStore) Exists(ctx context.Context, fid string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.familyKey(fid)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}
