// Package llm implements the multi-provider generation gateway: per-backend
// adapters with rotating credential pools, capability-based dispatch with
// provider fallback, and the task facade used by the rest of the bot.
package llm

import (
	"context"
	"time"
)

// Default generation parameters, applied when Options leaves them zero.
const (
	DefaultMaxTokens   = 2500
	DefaultTemperature = 0.9

	// Per-call HTTP timeouts. Media calls get longer because inline
	// uploads to the multimodal backends are slow.
	textTimeout  = 60 * time.Second
	mediaTimeout = 120 * time.Second
)

// Provider names. The dispatcher's priority order refers to these.
const (
	NameGemini   = "Gemini"
	NameGroq     = "Groq"
	NameDeepSeek = "DeepSeek"
	NameGemma    = "Gemma"
)

// Options carries per-request generation parameters. The zero value is a
// plain text request with the package defaults.
type Options struct {
	Media        []byte // Inline media payload (image/video/audio)
	MimeType     string // Mime of Media; required when Media is set
	SystemPrompt string // Used by adapters with a native system slot
	MaxTokens    int
	Temperature  float32
	ExpectJSON   bool // Narrow the response to its outermost JSON object
	JSONMode     bool // Backend-native JSON mode, where supported
}

func (o *Options) maxTokens(def int) int {
	if o != nil && o.MaxTokens > 0 {
		return o.MaxTokens
	}
	if def > 0 {
		return def
	}
	return DefaultMaxTokens
}

func (o *Options) temperature() float32 {
	if o != nil && o.Temperature > 0 {
		return o.Temperature
	}
	return DefaultTemperature
}

func (o *Options) hasMedia() bool {
	return o != nil && len(o.Media) > 0
}

func (o *Options) timeout() time.Duration {
	if o.hasMedia() {
		return mediaTimeout
	}
	return textTimeout
}

// Provider is the uniform contract every backend adapter implements.
// Generate returns a normalized non-empty text string, already
// post-processed for ExpectJSON requests.
type Provider interface {
	Name() string
	IsAvailable() bool
	SupportsVision() bool
	SupportsSearch() bool
	Generate(ctx context.Context, prompt string, opts *Options) (string, error)
}

// SystemPrompter is implemented by adapters that expose a system/user
// message pair natively (or emulate one). The dispatcher uses it for
// text-only chat so the persona prompt lands in the backend's system slot.
type SystemPrompter interface {
	GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts *Options) (string, error)
}
