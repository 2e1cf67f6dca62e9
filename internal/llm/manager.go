package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ddanshin/gopsich/internal/config"
	. "github.com/ddanshin/gopsich/internal/logging"
	"github.com/ddanshin/gopsich/internal/prompts"
)

// defaultPriority is the attempt order for plain text tasks. Gemini goes
// last on purpose: it is the only adapter that can serve vision and
// search, so its quota is conserved for the tasks nothing else can do.
var defaultPriority = []string{NameDeepSeek, NameGroq, NameGemma, NameGemini}

// Manager owns the adapter list and routes tasks to providers with
// capability filtering and ordered fallback. It holds no per-call state;
// overlapping calls are fine.
type Manager struct {
	providers []Provider
	economy   Provider // Gemma, tried first for non-critical tasks

	loc         *time.Location
	contextSize int
}

// NewManager builds adapters from configuration. A backend with an empty
// key list is simply not constructed. Gemma reuses the Gemini key list but
// rotates independently: upstream per-key limits are per-model.
func NewManager(cfg *config.Config) (*Manager, error) {
	loc, err := time.LoadLocation(cfg.Chat.TimeZone)
	if err != nil {
		L_warn("llm: bad time zone, using UTC", "timeZone", cfg.Chat.TimeZone, "error", err)
		loc = time.UTC
	}

	m := &Manager{
		loc:         loc,
		contextSize: cfg.Chat.ContextSize,
	}

	if len(cfg.LLM.GeminiKeys) > 0 {
		gemini := NewGeminiProvider(cfg.LLM.GeminiKeys, cfg.LLM.Model, cfg.LLM.SafetyThreshold)
		gemini.SetSystemInstruction(prompts.System())
		m.providers = append(m.providers, gemini)
		L_info("llm: Gemini ready", "keys", len(cfg.LLM.GeminiKeys), "model", cfg.LLM.Model)
	}
	if len(cfg.LLM.GroqKeys) > 0 {
		m.providers = append(m.providers, NewGroqProvider(cfg.LLM.GroqKeys, cfg.LLM.VisionModel))
		L_info("llm: Groq ready", "keys", len(cfg.LLM.GroqKeys))
	}
	if len(cfg.LLM.DeepSeekKeys) > 0 {
		m.providers = append(m.providers, NewDeepSeekProvider(cfg.LLM.DeepSeekKeys))
		L_info("llm: DeepSeek ready", "keys", len(cfg.LLM.DeepSeekKeys))
	}
	if len(cfg.LLM.GeminiKeys) > 0 {
		gemma := NewGemmaProvider(cfg.LLM.GeminiKeys, cfg.LLM.SafetyThreshold)
		m.providers = append(m.providers, gemma)
		m.economy = gemma
		L_info("llm: Gemma ready", "keys", len(cfg.LLM.GeminiKeys))
	}

	if len(m.providers) == 0 {
		return nil, ErrNoProviders
	}

	L_info("llm: manager ready", "providers", len(m.providers))
	return m, nil
}

// newManagerFor wires a manager around pre-built providers. Test seam.
func newManagerFor(loc *time.Location, contextSize int, providers ...Provider) *Manager {
	m := &Manager{loc: loc, contextSize: contextSize, providers: providers}
	for _, p := range providers {
		if p.Name() == NameGemma {
			m.economy = p
		}
	}
	return m
}

// dispatchSpec describes what a task needs from a provider.
type dispatchSpec struct {
	requiresVision bool
	requiresSearch bool
	prefer         []string // Preference override; defaultPriority when nil
}

// byName finds a registered provider, nil when absent.
func (m *Manager) byName(name string) Provider {
	for _, p := range m.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// candidates builds the ordered attempt list: available adapters that
// satisfy the spec's capabilities. When vision or search is required the
// primary multimodal adapter jumps to the front of the order.
func (m *Manager) candidates(spec dispatchSpec) []Provider {
	order := spec.prefer
	if order == nil {
		order = defaultPriority
	}
	if spec.requiresVision || spec.requiresSearch {
		order = append([]string{NameGemini}, order...)
	}

	var out []Provider
	seen := make(map[string]bool)
	for _, name := range order {
		p := m.byName(name)
		if p == nil || seen[name] {
			continue
		}
		seen[name] = true
		if !p.IsAvailable() {
			continue
		}
		if spec.requiresVision && !p.SupportsVision() {
			continue
		}
		if spec.requiresSearch && !p.SupportsSearch() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// executeWithFallback runs task against each candidate in priority order
// until one succeeds. Quota-like and hard failures are classified for the
// log but routed identically: always try the next adapter. Each candidate
// is attempted at most once per call.
func (m *Manager) executeWithFallback(ctx context.Context, spec dispatchSpec, task func(Provider) (string, error)) (string, error) {
	candidates := m.candidates(spec)
	if len(candidates) == 0 {
		if spec.requiresVision || spec.requiresSearch {
			return "", ErrCapabilityUnavailable
		}
		return "", ErrAllProvidersExhausted
	}

	var lastErr error
	for _, p := range candidates {
		text, err := task(p)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if isExhaustedMessage(err.Error()) {
			L_warn("llm: provider exhausted, falling back",
				"provider", p.Name(), "error", truncate(err.Error(), 100))
		} else {
			L_warn("llm: provider failed, falling back",
				"provider", p.Name(), "error", truncate(err.Error(), 100))
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	// A lone hard failure surfaces as-is; with multiple candidates the
	// caller only needs to know the whole chain is spent.
	if len(candidates) == 1 && !isExhaustedMessage(lastErr.Error()) {
		return "", lastErr
	}
	return "", fmt.Errorf("%w (last: %v)", ErrAllProvidersExhausted, lastErr)
}

// economyFirst tries the Gemma adapter before going through the full
// dispatcher, sparing the higher-cost pools for tasks that need them.
func (m *Manager) economyFirst(ctx context.Context, spec dispatchSpec, task func(Provider) (string, error)) (string, error) {
	if m.economy != nil && m.economy.IsAvailable() {
		text, err := task(m.economy)
		if err == nil {
			return text, nil
		}
		L_debug("llm: economy provider failed, using fallback chain",
			"error", truncate(err.Error(), 50))
	}
	return m.executeWithFallback(ctx, spec, task)
}

// now returns the current time in the configured zone.
func (m *Manager) now() time.Time {
	return time.Now().In(m.loc)
}
