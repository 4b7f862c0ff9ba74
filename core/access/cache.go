package access

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the jwt middleware to cache authorization objects for bearer tokens, so that
// signature verification happens once per token and cache period.
type AuthorizationCache struct {
	cache *ttlcache.Cache[string, *Authorization]
	ttl   time.Duration
}

// NewAuthorizationCache creates a new authorization cache whose entries expire after ttl
func NewAuthorizationCache(ttl time.Duration) *AuthorizationCache {
	cache := ttlcache.New[string, *Authorization](
		ttlcache.WithTTL[string, *Authorization](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Authorization](),
	)
	go cache.Start()
	return &AuthorizationCache{cache: cache, ttl: ttl}
}

// Read returns an authorization from in-process cache.
// Token should be the temporary token the authorization was derived from, not any of the ids.
// This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	item := a.cache.Get(token)
	if item == nil {
		return nil
	}
	return item.Value()
}

// Write stores an authorization in the in-memory cache. The entry never outlives
// the authorization's expiry, an expired authorization is not stored.
// Token should be the temporary token it was derived from, not any of the ids.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	ttl := a.ttl
	if !auth.ExpiresAt.IsZero() {
		if left := time.Until(auth.ExpiresAt); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	a.cache.Set(token, auth, ttl)
}

// Stop stops the expiry loop of the cache
func (a *AuthorizationCache) Stop() {
	a.cache.Stop()
}
