package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

func newTestDeepSeek(t *testing.T, handler http.HandlerFunc, keys ...string) *DeepSeekProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	d := NewDeepSeekProvider(keys)
	d.baseURL = srv.URL
	d.rebuild()
	return d
}

func openaiOK(text string) string {
	return fmt.Sprintf(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, text)
}

func TestMapDeepSeekError(t *testing.T) {
	tests := []struct {
		status    int
		wantQuota bool
		wantSub   string
	}{
		{429, true, "rate limit exceeded (429)"},
		{402, true, "insufficient balance (402)"},
		{401, false, "invalid API key (401)"},
		{400, false, "bad request (400)"},
		{500, false, "API error (500)"},
	}
	for _, tt := range tests {
		err := mapDeepSeekError(&openai.APIError{HTTPStatusCode: tt.status, Message: "backend says so"})
		if !strings.Contains(err.Error(), tt.wantSub) {
			t.Errorf("status %d: message %q missing %q", tt.status, err.Error(), tt.wantSub)
		}
		if IsQuotaError(err) != tt.wantQuota {
			t.Errorf("status %d: quota classification = %v, want %v (message %q)",
				tt.status, IsQuotaError(err), tt.wantQuota, err.Error())
		}
	}
}

func TestMapDeepSeekRequestError(t *testing.T) {
	err := mapDeepSeekError(&openai.RequestError{HTTPStatusCode: 402, Err: errors.New("nope")})
	if !IsQuotaError(err) {
		t.Errorf("402 request error must classify as quota: %q", err.Error())
	}

	err = mapDeepSeekError(&openai.RequestError{HTTPStatusCode: 401, Err: errors.New("nope")})
	if IsQuotaError(err) {
		t.Errorf("401 request error must stay hard: %q", err.Error())
	}
}

func TestDeepSeekGenerate(t *testing.T) {
	var body []byte
	var auth string
	d := newTestDeepSeek(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, openaiOK("ответ DeepSeek"))
	}, "sk-test")

	text, err := d.Generate(context.Background(), "вопрос", nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if text != "ответ DeepSeek" {
		t.Errorf("got %q", text)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("auth header = %q", auth)
	}
	if got := gjson.GetBytes(body, "model").String(); got != deepseekModel {
		t.Errorf("model = %q, want %q", got, deepseekModel)
	}
	if got := gjson.GetBytes(body, "messages.0.role").String(); got != "user" {
		t.Errorf("first role = %q, want user", got)
	}
}

func TestDeepSeekGenerateWithSystem(t *testing.T) {
	var body []byte
	d := newTestDeepSeek(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, openaiOK("ok"))
	}, "sk-test")

	_, err := d.GenerateWithSystem(context.Background(), "ты персона", "вопрос", nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got := gjson.GetBytes(body, "messages.0.role").String(); got != "system" {
		t.Errorf("first role = %q, want system", got)
	}
	if got := gjson.GetBytes(body, "messages.0.content").String(); got != "ты персона" {
		t.Errorf("system content = %q", got)
	}
	if got := gjson.GetBytes(body, "messages.1.role").String(); got != "user" {
		t.Errorf("second role = %q, want user", got)
	}
}

func TestDeepSeekEmptyChoicesIsHard(t *testing.T) {
	requests := 0
	d := newTestDeepSeek(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[]}`)
	}, "k1", "k2")

	_, err := d.Generate(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "empty response") {
		t.Errorf("got %q", err.Error())
	}
	if IsQuotaError(err) {
		t.Errorf("empty response must not classify as quota: %q", err.Error())
	}
	if requests != 1 {
		t.Errorf("hard error must not rotate keys, got %d requests", requests)
	}
}

func TestDeepSeekRejectsMedia(t *testing.T) {
	d := newTestDeepSeek(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP request expected for a media call")
	}, "k1")

	_, err := d.Generate(context.Background(), "смотри",
		&Options{Media: []byte{1}, MimeType: "image/png"})
	if err == nil || !strings.Contains(err.Error(), "vision not supported") {
		t.Errorf("got %v", err)
	}
}
