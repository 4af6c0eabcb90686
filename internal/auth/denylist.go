package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrTokenRevoked is returned for a token whose id is on the denylist.
var ErrTokenRevoked = errors.New("auth: token revoked")

// Denylist records token ids that were logged out before they expired.
//
// WHY OPTIONAL?
// Session tokens are stateless: without a denylist, logout only deletes the
// client's copy and a stolen token stays valid until "exp". Turning on a
// denylist (REVOCATION=memory|redis) closes that gap at the cost of one
// lookup per protected request. Each entry lives only until the token's own
// expiry, so the list never grows beyond the set of live tokens.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryDenylist keeps revoked ids in an expiring cache.
// Good for a single instance; use RedisDenylist when running several.
//
// The cache has no size cap: evicting a live entry would quietly un-revoke
// a token. Entries leave only by expiry, so memory is bounded by the
// number of logouts within one token lifetime (about 100 bytes each).
type MemoryDenylist struct {
	cache *lru.LRU[string, time.Time]
}

// NewMemoryDenylist drops each id maxTTL after it was revoked. maxTTL must
// be at least the token lifetime; the server passes TOKEN_TTL.
func NewMemoryDenylist(maxTTL time.Duration) *MemoryDenylist {
	// size 0 disables capacity eviction in the expirable LRU.
	return &MemoryDenylist{cache: lru.NewLRU[string, time.Time](0, nil, maxTTL)}
}

// Len reports how many revoked ids are currently held.
func (d *MemoryDenylist) Len() int {
	return d.cache.Len()
}

// Revoke implements Denylist.
func (d *MemoryDenylist) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" || !time.Now().Before(expiresAt) {
		return nil
	}
	d.cache.Add(tokenID, expiresAt)
	return nil
}

// IsRevoked implements Denylist.
func (d *MemoryDenylist) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	exp, ok := d.cache.Get(tokenID)
	if !ok {
		return false, nil
	}
	if !time.Now().Before(exp) {
		d.cache.Remove(tokenID)
		return false, nil
	}
	return true, nil
}

// RedisDenylist shares revoked ids between instances. Redis expires each
// key at the token's own expiry, so no cleanup job is needed.
type RedisDenylist struct {
	client *redis.Client
	prefix string
}

// NewRedisDenylist connects to redisURL (redis://host:port/db) and pings it.
func NewRedisDenylist(ctx context.Context, redisURL string) (*RedisDenylist, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("auth: connecting to redis: %w", err)
	}

	return &RedisDenylist{client: client, prefix: "authcore:revoked:"}, nil
}

// Revoke implements Denylist.
func (d *RedisDenylist) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, d.prefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("auth: revoking token: %w", err)
	}
	return nil
}

// IsRevoked implements Denylist.
func (d *RedisDenylist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("auth: checking denylist: %w", err)
	}
	return n > 0, nil
}

// Close releases the redis connection pool.
func (d *RedisDenylist) Close() error {
	return d.client.Close()
}
