package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
)

const (
	groqBaseURL   = "https://api.groq.com/openai/v1"
	groqTextModel = "llama-3.3-70b-versatile"
)

// GroqProvider is the secondary multimodal adapter, speaking the
// OpenAI-compatible chat-completions API. Vision goes through a dedicated
// model and accepts images only, as base64 data URLs. Supports the
// backend's native JSON response mode.
type GroqProvider struct {
	pool        *keyPool
	model       string
	visionModel string
	baseURL     string
	client      atomic.Pointer[openai.Client]
}

// NewGroqProvider creates the Groq adapter over the given key list.
// visionModel may be empty to use the text model for everything.
func NewGroqProvider(keys []string, visionModel string) *GroqProvider {
	g := &GroqProvider{
		pool:        newKeyPool(NameGroq, keys),
		model:       groqTextModel,
		visionModel: visionModel,
		baseURL:     groqBaseURL,
	}
	if g.visionModel == "" {
		g.visionModel = g.model
	}
	g.pool.onRotate = g.rebuild
	g.rebuild()
	return g
}

func (g *GroqProvider) rebuild() {
	key, err := g.pool.current()
	if err != nil {
		return
	}
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = g.baseURL
	g.client.Store(openai.NewClientWithConfig(cfg))
}

func (g *GroqProvider) Name() string         { return NameGroq }
func (g *GroqProvider) IsAvailable() bool    { return g.pool.available() }
func (g *GroqProvider) SupportsVision() bool { return true }
func (g *GroqProvider) SupportsSearch() bool { return false }

func (g *GroqProvider) Generate(ctx context.Context, prompt string, opts *Options) (string, error) {
	if !g.pool.available() {
		return "", ErrUnavailable{Provider: NameGroq}
	}

	return g.pool.executeWithRetry(ctx, func() (string, error) {
		return g.call(ctx, prompt, opts)
	})
}

// GenerateWithSystem sends a native system/user message pair.
func (g *GroqProvider) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts *Options) (string, error) {
	if !g.pool.available() {
		return "", ErrUnavailable{Provider: NameGroq}
	}

	return g.pool.executeWithRetry(ctx, func() (string, error) {
		client := g.client.Load()
		if client == nil {
			return "", ErrUnavailable{Provider: NameGroq}
		}

		callCtx, cancel := context.WithTimeout(ctx, opts.timeout())
		defer cancel()

		resp, err := client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			MaxTokens:   opts.maxTokens(2048),
			Temperature: opts.temperature(),
		})
		if err != nil {
			return "", fmt.Errorf("%s: %w", NameGroq, err)
		}
		return firstChoice(resp), nil
	})
}

func (g *GroqProvider) call(ctx context.Context, prompt string, opts *Options) (string, error) {
	client := g.client.Load()
	if client == nil {
		return "", ErrUnavailable{Provider: NameGroq}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	if opts.hasMedia() {
		if !strings.HasPrefix(opts.MimeType, "image/") {
			return "", errors.New("Groq: only images supported for vision")
		}

		dataURL := fmt.Sprintf("data:%s;base64,%s",
			opts.MimeType, base64.StdEncoding.EncodeToString(opts.Media))

		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: g.visionModel,
			Messages: []openai.ChatCompletionMessage{{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
				},
			}},
			MaxTokens:   opts.maxTokens(2048),
			Temperature: opts.temperature(),
		})
		if err != nil {
			return "", fmt.Errorf("%s: %w", NameGroq, err)
		}
		return firstChoice(resp), nil
	}

	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   opts.maxTokens(2048),
		Temperature: opts.temperature(),
	}
	if opts != nil && opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", NameGroq, err)
	}

	text := firstChoice(resp)
	if opts != nil && opts.ExpectJSON {
		text = CleanJSON(text)
	}
	return text, nil
}

// firstChoice extracts the first choice's content, empty when absent.
func firstChoice(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
