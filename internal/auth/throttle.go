package auth

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// loginThrottle counts failed logins per username inside a fixed window that
// starts at the first failure.
type loginThrottle struct {
	failures    *ttlcache.Cache[string, int]
	maxFailures int
}

func newLoginThrottle(maxFailures int, window time.Duration) *loginThrottle {
	if maxFailures <= 0 || window <= 0 {
		return nil
	}
	failures := ttlcache.New(
		ttlcache.WithTTL[string, int](window),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go failures.Start()

	return &loginThrottle{
		failures:    failures,
		maxFailures: maxFailures,
	}
}

func (t *loginThrottle) blocked(username string) bool {
	if t == nil {
		return false
	}
	item := t.failures.Get(username)
	return item != nil && item.Value() >= t.maxFailures
}

func (t *loginThrottle) recordFailure(username string) {
	if t == nil {
		return
	}
	item := t.failures.Get(username)
	if item == nil {
		t.failures.Set(username, 1, ttlcache.DefaultTTL)
		return
	}
	remaining := time.Until(item.ExpiresAt())
	if remaining <= 0 {
		t.failures.Set(username, 1, ttlcache.DefaultTTL)
		return
	}
	t.failures.Set(username, item.Value()+1, remaining)
}

func (t *loginThrottle) reset(username string) {
	if t == nil {
		return
	}
	t.failures.Delete(username)
}

func (t *loginThrottle) stop() {
	if t == nil {
		return
	}
	t.failures.Stop()
}
