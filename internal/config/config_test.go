package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PSICH_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Chat.ContextSize != 30 {
		t.Errorf("contextSize = %d", cfg.Chat.ContextSize)
	}
	if cfg.Telegram.TriggerWord != "псич" {
		t.Errorf("triggerWord = %q", cfg.Telegram.TriggerWord)
	}
	if cfg.LLM.SafetyThreshold != "BLOCK_NONE" {
		t.Errorf("safetyThreshold = %q", cfg.LLM.SafetyThreshold)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psich.json")
	data := `{
		"telegram": {"botToken": "file-token"},
		"llm": {"geminiKeys": ["file-key"]},
		"chat": {"contextSize": 10}
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PSICH_CONFIG", path)
	t.Setenv("GEMINI_API_KEYS", "env-a, env-b")
	t.Setenv("PSICH_MODEL", "gemini-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.BotToken != "file-token" {
		t.Errorf("botToken = %q", cfg.Telegram.BotToken)
	}
	if cfg.Chat.ContextSize != 10 {
		t.Errorf("contextSize = %d", cfg.Chat.ContextSize)
	}
	if len(cfg.LLM.GeminiKeys) != 2 || cfg.LLM.GeminiKeys[0] != "env-a" || cfg.LLM.GeminiKeys[1] != "env-b" {
		t.Errorf("env keys must win over file keys, got %v", cfg.LLM.GeminiKeys)
	}
	if cfg.LLM.Model != "gemini-test" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
}

func TestKeysFromEnvNumbered(t *testing.T) {
	t.Setenv("PSICH_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("DEEPSEEK_API_KEY", "one")
	t.Setenv("DEEPSEEK_API_KEY_2", "two")
	t.Setenv("DEEPSEEK_API_KEY_3", "three")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(cfg.LLM.DeepSeekKeys) != len(want) {
		t.Fatalf("keys = %v", cfg.LLM.DeepSeekKeys)
	}
	for i := range want {
		if cfg.LLM.DeepSeekKeys[i] != want[i] {
			t.Errorf("key %d = %q, want %q", i, cfg.LLM.DeepSeekKeys[i], want[i])
		}
	}
}

func TestParseAdminIDs(t *testing.T) {
	ids := parseAdminIDs("123, 456 789,notanumber")
	if len(ids) != 3 || ids[0] != 123 || ids[1] != 456 || ids[2] != 789 {
		t.Errorf("ids = %v", ids)
	}
}

func TestIsAdmin(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{AdminIDs: []int64{5}}}
	if !cfg.IsAdmin(5) {
		t.Error("5 must be admin")
	}
	if cfg.IsAdmin(6) {
		t.Error("6 must not be admin")
	}
}
