package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewKeyPoolDropsEmptyKeys(t *testing.T) {
	p := newKeyPool("Test", []string{"", "a", "", "b"})
	if p.size() != 2 {
		t.Fatalf("expected 2 keys, got %d", p.size())
	}
	if !p.available() {
		t.Error("pool with keys should be available")
	}

	empty := newKeyPool("Test", []string{"", ""})
	if empty.available() {
		t.Error("pool with only empty keys should be unavailable")
	}
}

func TestKeyPoolRotateWraps(t *testing.T) {
	p := newKeyPool("Test", []string{"a", "b", "c"})

	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		key, err := p.current()
		if err != nil {
			t.Fatalf("current() failed: %v", err)
		}
		if key != w {
			t.Errorf("step %d: got key %q, want %q", i, key, w)
		}
		if !p.rotate() {
			t.Fatalf("rotate() returned false for non-empty pool")
		}
	}
}

func TestKeyPoolRotateSingleKey(t *testing.T) {
	p := newKeyPool("Test", []string{"only"})
	if !p.rotate() {
		t.Error("rotating a single-key pool should still report success")
	}
	key, _ := p.current()
	if key != "only" {
		t.Errorf("got %q after rotation, want %q", key, "only")
	}
}

func TestKeyPoolRotateEmpty(t *testing.T) {
	p := newKeyPool("Test", nil)
	if p.rotate() {
		t.Error("rotating an empty pool should report failure")
	}
	if _, err := p.current(); err == nil {
		t.Error("current() on empty pool should fail")
	}
}

func TestExecuteWithRetryExhaustsAllKeys(t *testing.T) {
	p := newKeyPool("Test", []string{"a", "b", "c"})

	rotations := 0
	p.onRotate = func() { rotations++ }

	attempts := 0
	_, err := p.executeWithRetry(context.Background(), func() (string, error) {
		attempts++
		return "", errors.New("quota exceeded, please retry in 0.01s")
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if rotations != 2 {
		t.Errorf("expected 2 rotations, got %d", rotations)
	}
	var exhausted ErrKeysExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrKeysExhausted, got %v", err)
	}
	if exhausted.Provider != "Test" {
		t.Errorf("exhausted error names %q, want Test", exhausted.Provider)
	}
}

func TestExecuteWithRetrySucceedsAfterRotation(t *testing.T) {
	p := newKeyPool("Test", []string{"bad", "good"})

	attempts := 0
	text, err := p.executeWithRetry(context.Background(), func() (string, error) {
		attempts++
		key, _ := p.current()
		if key == "bad" {
			return "", errors.New("429 rate limit, retry in 0.01s")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if text != "ok" {
		t.Errorf("got %q, want ok", text)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryHardErrorPropagates(t *testing.T) {
	p := newKeyPool("Test", []string{"a", "b", "c"})

	hard := errors.New("invalid API key (401)")
	attempts := 0
	_, err := p.executeWithRetry(context.Background(), func() (string, error) {
		attempts++
		return "", hard
	})

	if attempts != 1 {
		t.Errorf("hard error should stop after 1 attempt, got %d", attempts)
	}
	if !errors.Is(err, hard) {
		t.Errorf("expected the hard error back, got %v", err)
	}
}

func TestExecuteWithRetryDailyCap(t *testing.T) {
	p := newKeyPool("Test", []string{"a", "b"})

	attempts := 0
	start := time.Now()
	_, err := p.executeWithRetry(context.Background(), func() (string, error) {
		attempts++
		return "", errors.New("quota exceeded, please retry in 45.3s")
	})

	if attempts != 1 {
		t.Errorf("daily cap should abort after 1 attempt, got %d", attempts)
	}
	var daily ErrDailyLimit
	if !errors.As(err, &daily) {
		t.Fatalf("expected ErrDailyLimit, got %v", err)
	}
	if daily.RetryIn != 45.3 {
		t.Errorf("RetryIn = %v, want 45.3", daily.RetryIn)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("daily cap must not sleep, took %v", elapsed)
	}
}

func TestExecuteWithRetryHintCapsBackoff(t *testing.T) {
	p := newKeyPool("Test", []string{"a", "b"})

	start := time.Now()
	_, err := p.executeWithRetry(context.Background(), func() (string, error) {
		return "", errors.New("quota exceeded, retry in 0.05s")
	})

	if err == nil {
		t.Fatal("expected exhaustion")
	}
	// Two hinted waits of 50ms each must come in far under the 1s default.
	if elapsed := time.Since(start); elapsed > 800*time.Millisecond {
		t.Errorf("hinted backoff too slow: %v", elapsed)
	}
}

func TestExecuteWithRetryContextCancel(t *testing.T) {
	p := newKeyPool("Test", []string{"a", "b", "c"})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		_, err := p.executeWithRetry(ctx, func() (string, error) {
			attempts++
			return "", errors.New("429 rate limit")
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not interrupt the backoff sleep")
	}
	if attempts == 0 {
		t.Error("expected at least one attempt before cancel")
	}
}

func TestExecuteWithRetryUnavailablePool(t *testing.T) {
	p := newKeyPool("Test", nil)
	_, err := p.executeWithRetry(context.Background(), func() (string, error) {
		t.Fatal("call must not run on an unavailable pool")
		return "", nil
	})
	var unavailable ErrUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestKeyPoolConcurrentRotation(t *testing.T) {
	p := newKeyPool("Test", []string{"a", "b", "c"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p.rotate()
				if idx := p.index(); idx < 0 || idx >= 3 {
					t.Errorf("cursor escaped range: %d", idx)
					return
				}
				if _, err := p.current(); err != nil {
					t.Errorf("current() failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if idx := p.index(); idx < 0 || idx >= 3 {
		t.Fatalf("final cursor out of range: %d", idx)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("got %q, want %q", got, "hello...")
	}
}
