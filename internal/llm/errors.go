package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Errors surfaced by the gateway. Adapter-level quota and empty-response
// errors are recovered by the dispatcher through provider fallback; only a
// spent fallback chain surfaces to the caller.
var (
	// ErrNoProviders means zero adapters had a non-empty credential pool
	// at construction time.
	ErrNoProviders = errors.New("no AI providers configured")

	// ErrAllProvidersExhausted means every eligible adapter was attempted
	// and all failed.
	ErrAllProvidersExhausted = errors.New("all AI providers exhausted or unavailable")

	// ErrCapabilityUnavailable means the task needs vision or search but
	// no capable adapter is currently available.
	ErrCapabilityUnavailable = errors.New("no provider available with required capability")
)

// ErrUnavailable is returned by an adapter whose credential pool is empty.
// No HTTP attempt is made.
type ErrUnavailable struct {
	Provider string
}

func (e ErrUnavailable) Error() string {
	return e.Provider + ": provider unavailable (no keys)"
}

// ErrKeysExhausted means every credential in the pool hit a quota error
// within a single call.
type ErrKeysExhausted struct {
	Provider string
}

func (e ErrKeysExhausted) Error() string {
	return e.Provider + ": all credentials exhausted"
}

// ErrDailyLimit means the backend asked for a wait longer than the
// short-retry window, so the whole adapter is treated as spent for this
// call and the dispatcher should move on.
type ErrDailyLimit struct {
	Provider string
	RetryIn  float64 // Seconds the backend asked us to wait
}

func (e ErrDailyLimit) Error() string {
	return fmt.Sprintf("%s: daily limit exhausted (retry in %.0fs)", e.Provider, e.RetryIn)
}

// ErrEmptyResponse means the backend kept returning blank completions
// across rotated credentials.
type ErrEmptyResponse struct {
	Provider string
}

func (e ErrEmptyResponse) Error() string {
	return e.Provider + ": all credentials returned empty response"
}

// ErrSafetyBlocked means the backend refused the completion on safety or
// recitation grounds. The dispatcher treats it as a normal failure.
type ErrSafetyBlocked struct {
	Provider   string
	Categories []string
}

func (e ErrSafetyBlocked) Error() string {
	return e.Provider + ": response blocked by safety filter (" + strings.Join(e.Categories, ", ") + ")"
}

// quotaSubstrings are the English markers of rate/quota/balance exhaustion.
// Matching is deliberately permissive: backends are inconsistent about how
// they phrase limits, and a false positive only costs one extra rotation.
var quotaSubstrings = []string{
	"429",
	"quota",
	"exhausted",
	"limit",
	"rate",
	"402",
	"insufficient balance",
}

// quotaSubstringsLocalized covers localized markers seen in upstream error
// bodies and in our own adapter errors. Kept as a separate set so either
// list can grow without touching the other.
var quotaSubstringsLocalized = []string{
	"все ключи",
	"исчерпал",
	"insufficient",
}

// IsQuotaMessage reports whether an error message looks like rate, quota,
// or balance exhaustion.
func IsQuotaMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, s := range quotaSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsQuotaError reports whether err is quota-like.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	return IsQuotaMessage(err.Error())
}

// isExhaustedMessage is the dispatcher-level classification: quota markers
// plus the localized set. Used only for logging; routing treats quota-like
// and hard failures identically.
func isExhaustedMessage(msg string) bool {
	if IsQuotaMessage(msg) {
		return true
	}
	lower := strings.ToLower(msg)
	for _, s := range quotaSubstringsLocalized {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// retryHintRe matches backend wait hints like "Please retry in 32.646402495s."
var retryHintRe = regexp.MustCompile(`retry in (\d+(?:\.\d+)?)s`)

// ParseRetryHint extracts the suggested wait in seconds from an error
// message. Returns ok=false when the message carries no hint.
func ParseRetryHint(msg string) (seconds float64, ok bool) {
	m := retryHintRe.FindStringSubmatch(msg)
	if len(m) < 2 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return seconds, true
}
