// Package kvstore is a Redis-backed dedup store for deployments that run
// newsposter on more than one host.
//
// Fingerprints live in a sorted set scored by first-seen unix time, with the
// informational fields in a hash keyed by fingerprint. The run lease is a
// plain key set with NX and an expiry.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/dedup"
)

// releaseScript deletes the lease only when it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type meta struct {
	Title    string `json:"title,omitempty"`
	Link     string `json:"link,omitempty"`
	Category string `json:"category,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Store implements dedup.Store and dedup.Locker on Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg config.Store) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return New(rdb, cfg.RedisPrefix), nil
}

// New wraps an existing client. Keys are namespaced under prefix.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "newsposter"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) seenKey() string { return s.prefix + ":seen" }
func (s *Store) metaKey() string { return s.prefix + ":meta" }
func (s *Store) lockKey() string { return s.prefix + ":lock" }

func (s *Store) LoadFingerprints(ctx context.Context) (map[string]struct{}, error) {
	members, err := s.rdb.ZRange(ctx, s.seenKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

// AppendRecords adds records in one transaction. ZADD NX and HSETNX keep
// the first-seen time and metadata of fingerprints already present.
func (s *Store) AppendRecords(ctx context.Context, records []dedup.Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range records {
			data, err := json.Marshal(meta{Title: r.Title, Link: r.Link, Category: r.Category, Source: r.Source})
			if err != nil {
				return err
			}
			pipe.ZAddNX(ctx, s.seenKey(), redis.Z{Score: float64(r.FirstSeenAt.Unix()), Member: r.Fingerprint})
			pipe.HSetNX(ctx, s.metaKey(), r.Fingerprint, data)
		}
		return nil
	})
	return err
}

// PruneBefore removes fingerprints first seen strictly before cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	stale, err := s.rdb.ZRangeByScore(ctx, s.seenKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	members := make([]any, len(stale))
	for i, m := range stale {
		members[i] = m
	}
	var removed *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.seenKey(), members...)
		pipe.HDel(ctx, s.metaKey(), stale...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed.Val(), nil
}

func (s *Store) Stats(ctx context.Context) (dedup.Stats, error) {
	var st dedup.Stats
	n, err := s.rdb.ZCard(ctx, s.seenKey()).Result()
	if err != nil {
		return st, err
	}
	st.Records = int(n)
	if n == 0 {
		return st, nil
	}
	oldest, err := s.rdb.ZRangeWithScores(ctx, s.seenKey(), 0, 0).Result()
	if err != nil {
		return st, err
	}
	newest, err := s.rdb.ZRangeWithScores(ctx, s.seenKey(), -1, -1).Result()
	if err != nil {
		return st, err
	}
	if len(oldest) > 0 {
		st.Oldest = time.Unix(int64(oldest[0].Score), 0).UTC()
	}
	if len(newest) > 0 {
		st.Newest = time.Unix(int64(newest[0].Score), 0).UTC()
	}
	return st, nil
}

// RecentDeliveries returns the most recently recorded deliveries, newest
// first.
func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]dedup.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	zs, err := s.rdb.ZRevRangeWithScores(ctx, s.seenKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}

	fields := make([]string, len(zs))
	for i, z := range zs {
		fields[i], _ = z.Member.(string)
	}
	metas, err := s.rdb.HMGet(ctx, s.metaKey(), fields...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]dedup.Record, len(zs))
	for i, z := range zs {
		out[i] = dedup.Record{
			Fingerprint: fields[i],
			FirstSeenAt: time.Unix(int64(z.Score), 0).UTC(),
		}
		raw, ok := metas[i].(string)
		if !ok {
			continue
		}
		var m meta
		if json.Unmarshal([]byte(raw), &m) == nil {
			out[i].Title, out[i].Link, out[i].Category, out[i].Source = m.Title, m.Link, m.Category, m.Source
		}
	}
	return out, nil
}

// Acquire takes the run lease for owner, renewing it if owner already
// holds it.
func (s *Store) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, s.lockKey(), owner, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	holder, err := s.rdb.Get(ctx, s.lockKey()).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		ok, err = s.rdb.SetNX(ctx, s.lockKey(), owner, ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return dedup.ErrLocked
		}
		return nil
	}
	if err != nil {
		return err
	}
	if holder != owner {
		return dedup.ErrLocked
	}
	return s.rdb.PExpire(ctx, s.lockKey(), ttl).Err()
}

// Release drops the lease if owner still holds it.
func (s *Store) Release(ctx context.Context, owner string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.lockKey()}, owner).Err()
}
