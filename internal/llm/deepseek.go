package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
)

const (
	deepseekBaseURL = "https://api.deepseek.com"
	deepseekModel   = "deepseek-chat"
)

// DeepSeekProvider is the fast text adapter. Text only; it maps the
// backend's HTTP status codes explicitly because DeepSeek signals
// exhausted balance with 402, which must still read as a quota error so
// the dispatcher moves on instead of surfacing it.
type DeepSeekProvider struct {
	pool    *keyPool
	baseURL string
	client  atomic.Pointer[openai.Client]
}

// NewDeepSeekProvider creates the DeepSeek adapter over the given key list.
func NewDeepSeekProvider(keys []string) *DeepSeekProvider {
	d := &DeepSeekProvider{
		pool:    newKeyPool(NameDeepSeek, keys),
		baseURL: deepseekBaseURL,
	}
	d.pool.onRotate = d.rebuild
	d.rebuild()
	return d
}

func (d *DeepSeekProvider) rebuild() {
	key, err := d.pool.current()
	if err != nil {
		return
	}
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = d.baseURL
	d.client.Store(openai.NewClientWithConfig(cfg))
}

func (d *DeepSeekProvider) Name() string         { return NameDeepSeek }
func (d *DeepSeekProvider) IsAvailable() bool    { return d.pool.available() }
func (d *DeepSeekProvider) SupportsVision() bool { return false }
func (d *DeepSeekProvider) SupportsSearch() bool { return false }

func (d *DeepSeekProvider) Generate(ctx context.Context, prompt string, opts *Options) (string, error) {
	if !d.pool.available() {
		return "", ErrUnavailable{Provider: NameDeepSeek}
	}

	return d.pool.executeWithRetry(ctx, func() (string, error) {
		return d.call(ctx, prompt, opts)
	})
}

// GenerateWithSystem routes the system prompt through the backend's
// native system message.
func (d *DeepSeekProvider) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts *Options) (string, error) {
	withSys := Options{}
	if opts != nil {
		withSys = *opts
	}
	withSys.SystemPrompt = systemPrompt
	return d.Generate(ctx, userPrompt, &withSys)
}

func (d *DeepSeekProvider) call(ctx context.Context, prompt string, opts *Options) (string, error) {
	client := d.client.Load()
	if client == nil {
		return "", ErrUnavailable{Provider: NameDeepSeek}
	}

	if opts.hasMedia() {
		return "", errors.New("DeepSeek: vision not supported")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	var messages []openai.ChatCompletionMessage
	if opts != nil && opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       deepseekModel,
		Messages:    messages,
		MaxTokens:   opts.maxTokens(DefaultMaxTokens),
		Temperature: opts.temperature(),
	})
	if err != nil {
		return "", mapDeepSeekError(err)
	}

	text := firstChoice(resp)
	if text == "" {
		return "", errors.New("DeepSeek: empty response from API")
	}

	if opts != nil && opts.ExpectJSON {
		text = CleanJSON(text)
	}
	return text, nil
}

// mapDeepSeekError normalizes backend failures by HTTP status. 429 and
// 402 must carry quota wording so the rotator retries and the dispatcher
// falls through; 401 and 400 stay hard and propagate untouched.
func mapDeepSeekError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return fmt.Errorf("DeepSeek: rate limit exceeded (429): %s", apiErr.Message)
		case 402:
			return fmt.Errorf("DeepSeek: insufficient balance (402): %s", apiErr.Message)
		case 401:
			return errors.New("DeepSeek: invalid API key (401)")
		case 400:
			return fmt.Errorf("DeepSeek: bad request (400): %s", apiErr.Message)
		default:
			return fmt.Errorf("DeepSeek: API error (%d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case 429:
			return fmt.Errorf("DeepSeek: rate limit exceeded (429): %v", reqErr.Err)
		case 402:
			return fmt.Errorf("DeepSeek: insufficient balance (402): %v", reqErr.Err)
		case 401:
			return errors.New("DeepSeek: invalid API key (401)")
		}
		return fmt.Errorf("DeepSeek: API error (%d): %v", reqErr.HTTPStatusCode, reqErr.Err)
	}

	return fmt.Errorf("DeepSeek: %w", err)
}
