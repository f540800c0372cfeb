// Package redisstore provides an optional, cross-process persistence tier
// for the Result Cache (spec §4.4 "optional persistence"), adapting the
// teacher's Redis-backed result-stream mapping pattern from transient
// per-invocation pub/sub to durable record storage keyed by reference ID.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists result-cache records in Redis, keyed by reference ID, so
// that a result produced on one process can be resolved on another (spec
// §4.4: "distributed deployments where a reference is resolved on a
// different node than the one that produced it").
type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// Options configures a Store.
type Options struct {
	Client *redis.Client
	// Prefix namespaces keys, defaulting to "resultcache:".
	Prefix string
	// TTL bounds how long a record survives without being refreshed.
	// Zero means no expiry.
	TTL time.Duration
}

// New constructs a Store from opts. Client must be non-nil.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redisstore: Client must not be nil")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "resultcache:"
	}
	return &Store{rdb: opts.Client, prefix: prefix, ttl: opts.TTL}, nil
}

type wireRecord struct {
	Ref       string          `json:"ref"`
	SkillName string          `json:"skill_name"`
	Value     json.RawMessage `json:"value"`
	Bytes     int             `json:"bytes"`
	Pinned    bool            `json:"pinned"`
}

func (s *Store) key(ref string) string {
	return s.prefix + ref
}

// Put serializes and stores a record under its reference.
func (s *Store) Put(ctx context.Context, ref, skillName string, value any, pinned bool) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redisstore: marshal value for %q: %w", ref, err)
	}
	wr := wireRecord{Ref: ref, SkillName: skillName, Value: raw, Bytes: len(raw), Pinned: pinned}
	payload, err := json.Marshal(wr)
	if err != nil {
		return fmt.Errorf("redisstore: marshal record for %q: %w", ref, err)
	}
	return s.rdb.Set(ctx, s.key(ref), payload, s.ttl).Err()
}

// Get retrieves a record by reference. ok is false when the key is absent
// (expired or never written).
func (s *Store) Get(ctx context.Context, ref string) (skillName string, value json.RawMessage, pinned bool, ok bool, err error) {
	raw, getErr := s.rdb.Get(ctx, s.key(ref)).Bytes()
	if getErr == redis.Nil {
		return "", nil, false, false, nil
	}
	if getErr != nil {
		return "", nil, false, false, fmt.Errorf("redisstore: get %q: %w", ref, getErr)
	}
	var wr wireRecord
	if err := json.Unmarshal(raw, &wr); err != nil {
		return "", nil, false, false, fmt.Errorf("redisstore: decode %q: %w", ref, err)
	}
	return wr.SkillName, wr.Value, wr.Pinned, true, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, ref string) error {
	return s.rdb.Del(ctx, s.key(ref)).Err()
}

// Refresh extends a record's TTL, analogous to the teacher's SetTTL step
// after stream creation.
func (s *Store) Refresh(ctx context.Context, ref string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, s.key(ref), ttl).Err()
}
