package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
)

// gemmaModel is the high-throughput, lower-capability tier used for
// non-critical tasks (reactions, profile analysis) to spare Gemini quota.
const gemmaModel = "gemma-3-27b-it"

// GemmaProvider is the economy text adapter. It is constructed from the
// same key list as Gemini but keeps its own independent cursor: upstream
// per-key limits are per-model, so coupled rotation would waste capacity.
// Text only; media requests are refused outright.
type GemmaProvider struct {
	pool    *keyPool
	safety  string
	baseURL string
	client  atomic.Pointer[googleClient]
}

// NewGemmaProvider creates the Gemma adapter over the given key list.
func NewGemmaProvider(keys []string, safetyThreshold string) *GemmaProvider {
	g := &GemmaProvider{
		pool:    newKeyPool(NameGemma, keys),
		safety:  safetyThreshold,
		baseURL: googleBaseURL,
	}
	g.pool.onRotate = g.rebuild
	g.rebuild()
	return g
}

func (g *GemmaProvider) rebuild() {
	key, err := g.pool.current()
	if err != nil {
		return
	}
	g.client.Store(&googleClient{
		http:    &http.Client{},
		baseURL: g.baseURL,
		key:     key,
		model:   gemmaModel,
		safety:  g.safety,
	})
}

func (g *GemmaProvider) Name() string         { return NameGemma }
func (g *GemmaProvider) IsAvailable() bool    { return g.pool.available() }
func (g *GemmaProvider) SupportsVision() bool { return false }
func (g *GemmaProvider) SupportsSearch() bool { return false }

func (g *GemmaProvider) Generate(ctx context.Context, prompt string, opts *Options) (string, error) {
	if !g.pool.available() {
		return "", ErrUnavailable{Provider: NameGemma}
	}
	if opts.hasMedia() {
		return "", errors.New("Gemma: media not supported")
	}

	return g.pool.executeWithRetry(ctx, func() (string, error) {
		return g.call(ctx, prompt, opts)
	})
}

// GenerateWithSystem emulates a system slot by prepending the system
// prompt: the Gemma endpoint has no first-class system message.
func (g *GemmaProvider) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts *Options) (string, error) {
	return g.Generate(ctx, systemPrompt+"\n\n"+userPrompt, opts)
}

func (g *GemmaProvider) call(ctx context.Context, prompt string, opts *Options) (string, error) {
	client := g.client.Load()
	if client == nil {
		return "", ErrUnavailable{Provider: NameGemma}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	req := &googleRequest{
		Contents: []googleContent{{Role: "user", Parts: []googlePart{{Text: prompt}}}},
		GenerationConfig: googleGenConfig{
			MaxOutputTokens: opts.maxTokens(2000),
			Temperature:     opts.temperature(),
		},
		SafetySettings: safetySettings(client.safety),
	}

	body, err := client.generateContent(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", NameGemma, err)
	}

	var resp googleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", NameGemma, err)
	}

	text := scrubCompletion(candidateText(&resp))
	if text == "" {
		return "", fmt.Errorf("%s: empty response", NameGemma)
	}

	if opts != nil && opts.ExpectJSON {
		text = CleanJSON(text)
	}
	return text, nil
}
