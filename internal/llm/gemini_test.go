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

	"github.com/tidwall/gjson"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc, keys ...string) (*GeminiProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g := NewGeminiProvider(keys, "test-model", "")
	g.baseURL = srv.URL
	g.rebuild()
	return g, srv
}

func googleOK(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]},"finishReason":"STOP"}]}`, text)
}

func TestGeminiGenerate(t *testing.T) {
	var gotPath, gotKey string
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		fmt.Fprint(w, googleOK("привет из Gemini"))
	}, "k1")

	text, err := g.Generate(context.Background(), "скажи привет", nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if text != "привет из Gemini" {
		t.Errorf("got %q", text)
	}
	if gotPath != "/models/test-model:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "k1" {
		t.Errorf("api key header = %q, want k1", gotKey)
	}
}

func TestGeminiRotatesKeysOnQuota(t *testing.T) {
	var keysSeen []string
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		keysSeen = append(keysSeen, r.Header.Get("x-goog-api-key"))
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Resource has been exhausted, please retry in 0.01s."}}`)
	}, "k1", "k2", "k3")

	_, err := g.Generate(context.Background(), "hi", nil)

	var exhausted ErrKeysExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrKeysExhausted, got %v", err)
	}
	if len(keysSeen) != 3 {
		t.Fatalf("expected 3 HTTP attempts, got %d", len(keysSeen))
	}
	want := []string{"k1", "k2", "k3"}
	for i := range want {
		if keysSeen[i] != want[i] {
			t.Errorf("attempt %d used key %q, want %q", i, keysSeen[i], want[i])
		}
	}
}

func TestGeminiDailyCapAborts(t *testing.T) {
	requests := 0
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"You exceeded your quota, please retry in 52.7s."}}`)
	}, "k1", "k2")

	_, err := g.Generate(context.Background(), "hi", nil)

	var daily ErrDailyLimit
	if !errors.As(err, &daily) {
		t.Fatalf("expected ErrDailyLimit, got %v", err)
	}
	if daily.RetryIn != 52.7 {
		t.Errorf("RetryIn = %v, want 52.7", daily.RetryIn)
	}
	if requests != 1 {
		t.Errorf("daily cap must abort after 1 request, got %d", requests)
	}
}

func TestGeminiEmptyResponseRecovery(t *testing.T) {
	var keysSeen []string
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		keysSeen = append(keysSeen, r.Header.Get("x-goog-api-key"))
		if len(keysSeen) == 1 {
			fmt.Fprint(w, `{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}`)
			return
		}
		fmt.Fprint(w, googleOK("со второго ключа"))
	}, "k1", "k2")

	text, err := g.Generate(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if text != "со второго ключа" {
		t.Errorf("got %q", text)
	}
	if len(keysSeen) != 2 || keysSeen[0] == keysSeen[1] {
		t.Errorf("expected a rotation between blank attempts, keys %v", keysSeen)
	}
}

func TestGeminiEmptyResponseExhaustion(t *testing.T) {
	requests := 0
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}`)
	}, "k1", "k2")

	_, err := g.Generate(context.Background(), "hi", nil)

	var empty ErrEmptyResponse
	if !errors.As(err, &empty) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if requests != 2 {
		t.Errorf("expected 2 attempts for a 2-key pool, got %d", requests)
	}
}

func TestGeminiSafetyBlock(t *testing.T) {
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{
			"content":{"parts":[]},
			"finishReason":"SAFETY",
			"safetyRatings":[{"category":"HARM_CATEGORY_HARASSMENT","probability":"HIGH"}]
		}]}`)
	}, "k1")

	_, err := g.Generate(context.Background(), "hi", nil)

	var blocked ErrSafetyBlocked
	if !errors.As(err, &blocked) {
		t.Fatalf("expected ErrSafetyBlocked, got %v", err)
	}
	if len(blocked.Categories) != 1 || blocked.Categories[0] != "HARM_CATEGORY_HARASSMENT" {
		t.Errorf("categories = %v", blocked.Categories)
	}
}

func TestGeminiGroundingCitations(t *testing.T) {
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{
			"content":{"parts":[{"text":"Погода хорошая."}]},
			"finishReason":"STOP",
			"groundingMetadata":{"groundingChunks":[
				{"web":{"uri":"https://a.example","title":"Прогноз"}},
				{"web":{"uri":"https://a.example","title":"Дубль"}},
				{"web":{"uri":"https://b.example","title":"Ещё"}}
			]}
		}]}`)
	}, "k1")

	text, err := g.Generate(context.Background(), "какая погода?", nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !strings.Contains(text, "Нашел тут:") {
		t.Fatalf("citations missing: %q", text)
	}
	if !strings.Contains(text, "Прогноз: https://a.example") {
		t.Errorf("first citation missing: %q", text)
	}
	if strings.Count(text, "https://a.example") != 1 {
		t.Errorf("duplicate URIs must be collapsed: %q", text)
	}
}

func TestGeminiExpectJSONSkipsCitations(t *testing.T) {
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{
			"content":{"parts":[{"text":"Вот: {\"ok\": true} готово"}]},
			"finishReason":"STOP",
			"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://x.example","title":"X"}}]}
		}]}`)
	}, "k1")

	text, err := g.Generate(context.Background(), "дай json", &Options{ExpectJSON: true})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if text != `{"ok": true}` {
		t.Errorf("got %q", text)
	}
}

func TestGeminiRequestShape(t *testing.T) {
	var body []byte
	g, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, googleOK("ok"))
	}, "k1")
	g.SetSystemInstruction("ты тестовая персона")

	_, err := g.Generate(context.Background(), "вопрос",
		&Options{Media: []byte{0xFF, 0xD8}, MimeType: "image/jpeg", MaxTokens: 500})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if got := gjson.GetBytes(body, "system_instruction.parts.0.text").String(); got != "ты тестовая персона" {
		t.Errorf("system instruction = %q", got)
	}
	if got := gjson.GetBytes(body, "contents.0.parts.0.inline_data.mime_type").String(); got != "image/jpeg" {
		t.Errorf("inline mime = %q", got)
	}
	if got := gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int(); got != 500 {
		t.Errorf("maxOutputTokens = %d", got)
	}
	settings := gjson.GetBytes(body, "safetySettings")
	if len(settings.Array()) != 4 {
		t.Errorf("expected 4 safety settings, got %d", len(settings.Array()))
	}
	settings.ForEach(func(_, s gjson.Result) bool {
		if s.Get("threshold").String() != "BLOCK_NONE" {
			t.Errorf("threshold = %q, want BLOCK_NONE", s.Get("threshold").String())
		}
		return true
	})
	if !gjson.GetBytes(body, "tools.0.google_search").Exists() {
		t.Error("google_search tool missing from request")
	}
}
