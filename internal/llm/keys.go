package llm

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	. "github.com/ddanshin/gopsich/internal/logging"
)

// dailyCapSeconds is the cutoff for backend retry hints. A hint above this
// means the key pool is burned for the day, not momentarily rate-limited,
// so the adapter gives up and lets the dispatcher pick another provider.
const dailyCapSeconds = 30

// maxBackoff caps the in-loop sleep for short rate-limit hints.
const maxBackoff = time.Second

// keyPool is the rotating credential pool shared by all adapters. The key
// list is immutable after construction; the cursor is an ever-increasing
// counter taken modulo the pool size, so it can never leave [0, len).
//
// There is no mutual exclusion around rotation: under concurrent quota
// storms two in-flight calls may rotate in quick succession and a key may
// be skipped or reused out of strict round-robin order. The cursor is a
// hint, not a coordination point; the retry bound per call stays at the
// pool size regardless.
type keyPool struct {
	provider string
	keys     []string
	cursor   atomic.Int64

	// onRotate rebuilds the adapter's cached client against the new key.
	// Implementations must swap the client reference atomically so a
	// concurrent call never observes a half-applied rebuild.
	onRotate func()
}

func newKeyPool(provider string, keys []string) *keyPool {
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		L_warn("llm: no keys, provider disabled", "provider", provider)
	}
	return &keyPool{provider: provider, keys: clean}
}

func (p *keyPool) available() bool { return len(p.keys) > 0 }

func (p *keyPool) size() int { return len(p.keys) }

// index returns the current cursor position within [0, len).
func (p *keyPool) index() int {
	if len(p.keys) == 0 {
		return 0
	}
	return int(p.cursor.Load() % int64(len(p.keys)))
}

// current returns the credential at the cursor.
func (p *keyPool) current() (string, error) {
	if len(p.keys) == 0 {
		return "", ErrUnavailable{Provider: p.provider}
	}
	return p.keys[p.index()], nil
}

// rotate advances the cursor by one, modulo the pool size, and triggers
// the client rebuild hook. Reported as success for any non-empty pool,
// including singletons (a no-op rotation is still a rotation).
func (p *keyPool) rotate() bool {
	if len(p.keys) == 0 {
		return false
	}
	p.cursor.Add(1)
	L_debug("llm: rotated key", "provider", p.provider, "key", p.index()+1, "of", len(p.keys))
	if p.onRotate != nil {
		p.onRotate()
	}
	return true
}

// executeWithRetry runs call, rotating credentials on quota-classified
// errors with rate-limit-aware backoff. Non-quota errors propagate
// immediately. The loop is bounded by the pool size; when every key has
// failed with a quota error the pool reports itself exhausted.
func (p *keyPool) executeWithRetry(ctx context.Context, call func() (string, error)) (string, error) {
	if !p.available() {
		return "", ErrUnavailable{Provider: p.provider}
	}

	maxAttempts := len(p.keys)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		text, err := call()
		if err == nil {
			return text, nil
		}
		if !IsQuotaError(err) {
			return "", err
		}

		wait := maxBackoff
		if secs, ok := ParseRetryHint(err.Error()); ok {
			if secs > dailyCapSeconds {
				L_warn("llm: daily limit hit, yielding to next provider",
					"provider", p.provider, "retryInSeconds", secs)
				return "", ErrDailyLimit{Provider: p.provider, RetryIn: secs}
			}
			hinted := time.Duration(math.Ceil(secs*1000)) * time.Millisecond
			if hinted < wait {
				wait = hinted
			}
		}

		L_warn("llm: quota error, backing off",
			"provider", p.provider,
			"attempt", attempt+1,
			"of", maxAttempts,
			"wait", wait,
			"error", truncate(err.Error(), 100))

		if err := sleepCtx(ctx, wait); err != nil {
			return "", err
		}
		if attempt < maxAttempts-1 {
			p.rotate()
		}
	}

	return "", ErrKeysExhausted{Provider: p.provider}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
