package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"

	. "github.com/ddanshin/gopsich/internal/logging"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// harmCategories are the Gemini safety categories we override. The
// threshold comes from configuration (default BLOCK_NONE).
var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// googleClient is an immutable snapshot of everything needed to talk to
// the Gemini REST API with one credential. Adapters hold it behind an
// atomic pointer and replace the whole snapshot on key rotation, so a
// concurrent call never sees a half-rebuilt client.
type googleClient struct {
	http    *http.Client
	baseURL string
	key     string
	model   string
	system  string
	safety  string
	search  bool
}

// Wire shapes for the generateContent endpoint.

type googleRequest struct {
	SystemInstruction *googleContent  `json:"system_instruction,omitempty"`
	Contents          []googleContent `json:"contents"`
	GenerationConfig  googleGenConfig `json:"generationConfig"`
	SafetySettings    []googleSafety  `json:"safetySettings,omitempty"`
	Tools             []googleTool    `json:"tools,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inline_data,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type googleGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float32 `json:"temperature,omitempty"`
}

type googleSafety struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type googleTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason  string `json:"finishReason"`
		SafetyRatings []struct {
			Category    string `json:"category"`
			Probability string `json:"probability"`
		} `json:"safetyRatings"`
	} `json:"candidates"`
}

// generateContent posts a request and returns the raw response body.
// Error bodies are folded into the error message so the quota classifier
// and retry-hint parser can see the backend's wording.
func (c *googleClient) generateContent(ctx context.Context, req *googleRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.key)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = truncate(string(body), 200)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
	}

	return body, nil
}

// errBlankCompletion marks a completion that came back empty after cleanup.
// It deliberately avoids quota wording so the rotator propagates it instead
// of sleeping on it; the Gemini adapter's outer recovery loop handles it.
var errBlankCompletion = errors.New("blank completion")

// Cleanup patterns for leaked tool/thinking preambles.
var (
	toolcodeRe = regexp.MustCompile(`(?is)^toolcode.*?print\(.*?\)\s*`)
	thoughtRe  = regexp.MustCompile(`(?is)^thought.*?\n\n`)
)

// GeminiProvider is the primary multimodal adapter. It accepts inline
// media of any mime the backend supports, runs with the configured safety
// threshold, and carries the google_search tool so responses can ground
// themselves with web citations.
type GeminiProvider struct {
	pool    *keyPool
	model   string
	safety  string
	baseURL string

	// system is the persona instruction baked into each rebuilt client.
	// Set once at startup, before any concurrent use.
	system string

	client atomic.Pointer[googleClient]
}

// NewGeminiProvider creates the Gemini adapter over the given key list.
func NewGeminiProvider(keys []string, model, safetyThreshold string) *GeminiProvider {
	g := &GeminiProvider{
		pool:    newKeyPool(NameGemini, keys),
		model:   model,
		safety:  safetyThreshold,
		baseURL: googleBaseURL,
	}
	g.pool.onRotate = g.rebuild
	g.rebuild()
	return g
}

// rebuild constructs a fresh client against the current credential and
// swaps it in atomically.
func (g *GeminiProvider) rebuild() {
	key, err := g.pool.current()
	if err != nil {
		return
	}
	g.client.Store(&googleClient{
		http:    &http.Client{},
		baseURL: g.baseURL,
		key:     key,
		model:   g.model,
		system:  g.system,
		safety:  g.safety,
		search:  true,
	})
}

// SetSystemInstruction binds the persona instruction into the client.
// Call during startup wiring only.
func (g *GeminiProvider) SetSystemInstruction(instruction string) {
	g.system = instruction
	g.rebuild()
}

func (g *GeminiProvider) Name() string         { return NameGemini }
func (g *GeminiProvider) IsAvailable() bool    { return g.pool.available() }
func (g *GeminiProvider) SupportsVision() bool { return true }
func (g *GeminiProvider) SupportsSearch() bool { return true }

// Generate runs the request with credential rotation plus this adapter's
// empty-response recovery: the backend occasionally returns blank
// completions with no error, and a different key usually unsticks it.
func (g *GeminiProvider) Generate(ctx context.Context, prompt string, opts *Options) (string, error) {
	if !g.pool.available() {
		return "", ErrUnavailable{Provider: NameGemini}
	}

	maxEmptyRetries := g.pool.size()
	if maxEmptyRetries > 3 {
		maxEmptyRetries = 3
	}

	for attempt := 0; attempt < maxEmptyRetries; attempt++ {
		text, err := g.pool.executeWithRetry(ctx, func() (string, error) {
			return g.call(ctx, prompt, opts)
		})
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, errBlankCompletion) {
			return "", err
		}
		L_warn("llm: gemini returned empty, trying next key",
			"attempt", attempt+1, "of", maxEmptyRetries)
		if attempt < maxEmptyRetries-1 {
			g.pool.rotate()
		}
	}

	return "", ErrEmptyResponse{Provider: NameGemini}
}

// call performs one HTTP attempt and normalizes the result.
func (g *GeminiProvider) call(ctx context.Context, prompt string, opts *Options) (string, error) {
	client := g.client.Load()
	if client == nil {
		return "", ErrUnavailable{Provider: NameGemini}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	var parts []googlePart
	if opts.hasMedia() {
		parts = append(parts,
			googlePart{InlineData: &googleInlineData{
				MimeType: opts.MimeType,
				Data:     base64.StdEncoding.EncodeToString(opts.Media),
			}},
			googlePart{Text: "Проанализируй этот файл. Опиши, что там, или ответь на вопрос по нему."},
		)
	}
	parts = append(parts, googlePart{Text: prompt})

	req := &googleRequest{
		Contents: []googleContent{{Role: "user", Parts: parts}},
		GenerationConfig: googleGenConfig{
			MaxOutputTokens: opts.maxTokens(DefaultMaxTokens),
			Temperature:     opts.temperature(),
		},
		SafetySettings: safetySettings(client.safety),
		Tools:          []googleTool{{GoogleSearch: &struct{}{}}},
	}
	if client.system != "" {
		req.SystemInstruction = &googleContent{Parts: []googlePart{{Text: client.system}}}
	}

	body, err := client.generateContent(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", NameGemini, err)
	}

	var resp googleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", NameGemini, err)
	}

	if err := checkSafetyBlock(&resp); err != nil {
		return "", err
	}

	text := candidateText(&resp)
	text = scrubCompletion(text)
	if text == "" {
		finish := "UNKNOWN"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			finish = resp.Candidates[0].FinishReason
		}
		return "", fmt.Errorf("%w: finish reason %s", errBlankCompletion, finish)
	}

	if opts != nil && opts.ExpectJSON {
		return CleanJSON(text), nil
	}

	if cites := groundingCitations(body); cites != "" {
		text += cites
	}
	return text, nil
}

func safetySettings(threshold string) []googleSafety {
	if threshold == "" {
		threshold = "BLOCK_NONE"
	}
	settings := make([]googleSafety, len(harmCategories))
	for i, cat := range harmCategories {
		settings[i] = googleSafety{Category: cat, Threshold: threshold}
	}
	return settings
}

// checkSafetyBlock fails the call when the backend cut the completion on
// SAFETY or RECITATION grounds with at least one MEDIUM/HIGH rated
// category. Other finish reasons are logged and tolerated.
func checkSafetyBlock(resp *googleResponse) error {
	if len(resp.Candidates) == 0 {
		return nil
	}
	c := resp.Candidates[0]
	switch c.FinishReason {
	case "SAFETY", "RECITATION":
		var blocked []string
		for _, r := range c.SafetyRatings {
			if r.Probability == "HIGH" || r.Probability == "MEDIUM" {
				blocked = append(blocked, r.Category)
			}
		}
		if len(blocked) > 0 {
			return ErrSafetyBlocked{Provider: NameGemini, Categories: blocked}
		}
	case "OTHER", "MAX_TOKENS":
		L_warn("llm: gemini finish reason", "finishReason", c.FinishReason)
	}
	return nil
}

// candidateText joins the text parts of the first candidate.
func candidateText(resp *googleResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// scrubCompletion removes leaked tool/thinking preambles and code fences.
func scrubCompletion(text string) string {
	text = toolcodeRe.ReplaceAllString(text, "")
	text = thoughtRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// groundingCitations extracts up to three distinct "title: url" citations
// from the response's grounding metadata, when the google_search tool was
// actually used.
func groundingCitations(body []byte) string {
	chunks := gjson.GetBytes(body, "candidates.0.groundingMetadata.groundingChunks")
	if !chunks.Exists() {
		return ""
	}

	var links []string
	seen := make(map[string]bool)
	chunks.ForEach(func(_, chunk gjson.Result) bool {
		uri := chunk.Get("web.uri").String()
		if uri == "" || seen[uri] {
			return true
		}
		seen[uri] = true
		title := chunk.Get("web.title").String()
		if title == "" {
			title = "Источник"
		}
		links = append(links, title+": "+uri)
		return len(links) < 3
	})

	if len(links) == 0 {
		return ""
	}
	return "\n\nНашел тут: " + strings.Join(links, " • ")
}
