// Package cache provides a Redis-backed key/value store with per-entry TTL
// and optional gzip compression. Caching is best-effort everywhere: failures
// are logged and reported as a miss or a false return, never as an error the
// primary operation has to handle.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// compressFloor is the serialized size above which a compression-requested
// value is actually gzip-compressed. Smaller payloads are stored as-is.
const compressFloor = 1024

const keyPrefix = "cache:"

// Options controls a single Set.
type Options struct {
	TTL      time.Duration // 0 = no expiry
	Compress bool
}

// Stats summarizes the stored rows at a point in time.
type Stats struct {
	Total    int   `json:"total"`
	Expired  int   `json:"expired"`
	Valid    int   `json:"valid"`
	ByteSize int64 `json:"byte_size"`
}

type envelope struct {
	Value      string `json:"value"` // JSON, or base64(gzip(JSON)) when compressed
	Compressed bool   `json:"compressed"`
	CreatedAt  int64  `json:"created_at"` // unix milli
	ExpiresAt  int64  `json:"expires_at"` // unix milli, 0 = no expiry
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt <= now.UnixMilli()
}

// Store is the shared key/value cache.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Store. If sweepInterval is positive, a background sweeper
// physically deletes expired rows on that interval; reads filter expired rows
// regardless, so the sweeper only bounds storage growth.
func New(client *redis.Client, sweepInterval time.Duration, logger zerolog.Logger) *Store {
	s := &Store{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// Key hashes an arbitrary-length input into the fixed-width storage key.
func Key(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Set stores value under key. Returns false when serialization, compression
// or the Redis write fails; the failure is logged and otherwise swallowed.
func (s *Store) Set(ctx context.Context, key string, value any, opts Options) bool {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to serialize cache value")
		return false
	}

	env := envelope{
		Value:     string(data),
		CreatedAt: time.Now().UnixMilli(),
	}
	if opts.TTL > 0 {
		env.ExpiresAt = time.Now().Add(opts.TTL).UnixMilli()
	}

	if opts.Compress && len(data) > compressFloor {
		compressed, err := gzipEncode(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to compress cache value")
			return false
		}
		env.Value = compressed
		env.Compressed = true
	}

	payload, err := json.Marshal(&env)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to serialize cache envelope")
		return false
	}

	if err := s.client.Set(ctx, keyPrefix+Key(key), payload, 0).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to write cache entry")
		return false
	}
	return true
}

// Get loads the value stored under key into dest. It returns false on a miss,
// an expired row, or any failure; dest is untouched in that case, so callers
// pre-fill dest with their default.
func (s *Store) Get(ctx context.Context, key string, dest any) bool {
	env, ok := s.load(ctx, key)
	if !ok {
		return false
	}

	raw := []byte(env.Value)
	if env.Compressed {
		decoded, err := gzipDecode(env.Value)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to decompress cache value")
			return false
		}
		raw = decoded
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to deserialize cache value")
		return false
	}
	return true
}

// Has reports whether key holds a live value.
func (s *Store) Has(ctx context.Context, key string) bool {
	_, ok := s.load(ctx, key)
	return ok
}

// Remove deletes key. Returns true when a row was actually removed.
func (s *Store) Remove(ctx context.Context, key string) bool {
	n, err := s.client.Del(ctx, keyPrefix+Key(key)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to remove cache entry")
		return false
	}
	return n > 0
}

// Clear deletes every cache row and returns how many were removed.
func (s *Store) Clear(ctx context.Context) int {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to scan cache keys")
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear cache")
		return 0
	}
	return int(n)
}

// Stats walks the stored rows and reports totals. Expired-but-unswept rows
// count as expired, not valid.
func (s *Store) Stats(ctx context.Context) Stats {
	var stats Stats
	keys, err := s.scanKeys(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to scan cache keys")
		return stats
	}
	now := time.Now()
	for _, storageKey := range keys {
		payload, err := s.client.Get(ctx, storageKey).Bytes()
		if err != nil {
			continue
		}
		stats.Total++
		stats.ByteSize += int64(len(payload))
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.expired(now) {
			stats.Expired++
			continue
		}
		stats.Valid++
	}
	return stats
}

// GetOrSet returns the cached value for key, or calls producer, caches its
// result, and loads it into dest. No lock is held across produce; duplicate
// concurrent producers are tolerated and the last write wins.
func (s *Store) GetOrSet(ctx context.Context, key string, dest any, opts Options, producer func() (any, error)) error {
	if s.Get(ctx, key, dest) {
		return nil
	}
	value, err := producer()
	if err != nil {
		return err
	}
	s.Set(ctx, key, value, opts)

	// Round-trip through JSON so dest sees exactly what a later Get would.
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Close stops the background sweeper.
func (s *Store) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Store) load(ctx context.Context, key string) (*envelope, bool) {
	payload, err := s.client.Get(ctx, keyPrefix+Key(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to read cache entry")
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("corrupt cache envelope")
		return nil, false
	}

	// Lazy expiry: never hand back a logically expired row, even if the
	// sweeper has not reclaimed it yet.
	if env.expired(time.Now()) {
		return nil, false
	}
	return &env, true
}

func (s *Store) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep physically deletes expired rows and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) int {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("sweep: failed to scan cache keys")
		return 0
	}
	now := time.Now()
	removed := 0
	for _, storageKey := range keys {
		payload, err := s.client.Get(ctx, storageKey).Bytes()
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(payload, &env); err == nil && !env.expired(now) {
			continue
		}
		if err := s.client.Del(ctx, storageKey).Err(); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("swept expired cache entries")
	}
	return removed
}

func gzipEncode(data []byte) (string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func gzipDecode(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
