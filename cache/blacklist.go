package cache

import (
	"context"
	"errors"
	"time"

	"github.com/huykn/taskcore/resilience"
	"github.com/huykn/taskcore/storage"
)

// BlacklistKeyPrefix namespaces revoked tokens.
const BlacklistKeyPrefix = "jwt:blacklist:"

// MaxBlacklistTTL caps how long a revocation is kept.
const MaxBlacklistTTL = 10 * 365 * 24 * time.Hour

var blacklistValue = []byte("1")

// BlacklistJwt marks token as revoked until exp, given in Unix seconds, but
// for no longer than MaxBlacklistTTL. A token that has already expired is
// not stored.
func (dc *DistributedCache) BlacklistJwt(ctx context.Context, token string, exp int64) error {
	if token == "" {
		return ErrInvalidKey
	}
	if err := dc.check(BlacklistKeyPrefix + token); err != nil {
		return err
	}

	now := dc.now().Unix()
	if exp <= now {
		if dc.options.DebugMode {
			dc.logger.Debug("BlacklistJwt: token already expired, skipping")
		}
		return nil
	}

	ttl := MaxBlacklistTTL
	if secs := exp - now; secs < int64(MaxBlacklistTTL/time.Second) {
		ttl = time.Duration(secs) * time.Second
	}

	err := dc.policy.Execute(ctx, "cache.blacklist", func(ctx context.Context) error {
		return dc.store.Set(ctx, BlacklistKeyPrefix+token, blacklistValue, ttl)
	})
	if err != nil {
		return err
	}

	dc.logger.Debug("JWT blacklisted", "ttl", ttl)
	return nil
}

// IsJwtBlacklisted reports whether token has been revoked and has not yet
// expired.
func (dc *DistributedCache) IsJwtBlacklisted(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, ErrInvalidKey
	}
	if err := dc.check(BlacklistKeyPrefix + token); err != nil {
		return false, err
	}

	return resilience.Do(ctx, dc.policy, "cache.blacklist_check", func(ctx context.Context) (bool, error) {
		_, err := dc.store.Get(ctx, BlacklistKeyPrefix+token)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}
