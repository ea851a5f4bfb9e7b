package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "verigate:behavior:"

// RedisStore keeps each profile in a hash that expires after the retention
// period, so retention needs no sweep.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore creates a store; ttl <= 0 disables expiry.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) key(identityID string) string {
	return redisKeyPrefix + identityID
}

func (s *RedisStore) Load(ctx context.Context, identityID string) (*Profile, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(identityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load behavior profile: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	p := &Profile{IdentityID: identityID}
	if err := json.Unmarshal([]byte(fields["samples"]), &p.Samples); err != nil {
		return nil, fmt.Errorf("decode behavior samples: %w", err)
	}
	p.Confidence, _ = strconv.Atoi(fields["confidence"])
	p.SampleCount, _ = strconv.ParseInt(fields["sample_count"], 10, 64)
	if ms, err := strconv.ParseInt(fields["last_updated"], 10, 64); err == nil {
		p.LastUpdated = time.UnixMilli(ms).UTC()
	}
	return p, nil
}

// saveScript writes the snapshot only when it is not older (by sample
// count) than the stored one, so out-of-order write-behind saves cannot
// regress a profile. Returns 1 when written.
var saveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'sample_count')
if current and tonumber(current) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'samples', ARGV[1], 'sample_count', ARGV[2], 'confidence', ARGV[3], 'last_updated', ARGV[4])
if tonumber(ARGV[5]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

// Save stores p unless a snapshot with a higher sample count is already
// present.
func (s *RedisStore) Save(ctx context.Context, p *Profile) error {
	samples, err := json.Marshal(p.Samples)
	if err != nil {
		return fmt.Errorf("encode behavior samples: %w", err)
	}
	err = saveScript.Run(ctx, s.rdb, []string{s.key(p.IdentityID)},
		string(samples), p.SampleCount, p.Confidence, p.LastUpdated.UnixMilli(), s.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("save behavior profile: %w", err)
	}
	return nil
}

// DeleteBefore is a no-op: key expiry enforces retention.
func (s *RedisStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
