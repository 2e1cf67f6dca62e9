// Package config loads the gopsich configuration from a JSON file with
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config represents the merged gopsich configuration
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	LLM      LLMConfig      `json:"llm"`
	Chat     ChatConfig     `json:"chat"`
	LogLevel string         `json:"logLevel"`
}

type TelegramConfig struct {
	BotToken    string  `json:"botToken"`
	AdminIDs    []int64 `json:"adminIds"`
	TriggerWord string  `json:"triggerWord"` // Word that summons the bot in groups
}

type LLMConfig struct {
	GeminiKeys   []string `json:"geminiKeys"`
	GroqKeys     []string `json:"groqKeys"`
	DeepSeekKeys []string `json:"deepseekKeys"`

	Model       string `json:"model"`       // Primary Gemini model
	VisionModel string `json:"visionModel"` // Groq vision model

	// SafetyThreshold is the Gemini safety setting applied to all harm
	// categories. Default BLOCK_NONE, matching the persona's product policy.
	SafetyThreshold string `json:"safetyThreshold"`
}

type ChatConfig struct {
	TimeZone    string `json:"timeZone"`    // IANA zone for prompt timestamps
	ContextSize int    `json:"contextSize"` // Recent history window per chat
	StoragePath string `json:"storagePath"` // JSON snapshot file
}

// Load reads configuration from the file pointed at by PSICH_CONFIG,
// falling back to ~/.gopsich/psich.json, then applies environment overrides.
// A missing file is not an error: everything can come from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		LLM: LLMConfig{
			Model:           "gemini-2.5-flash",
			VisionModel:     "llama-3.2-90b-vision-preview",
			SafetyThreshold: "BLOCK_NONE",
		},
		Chat: ChatConfig{
			TimeZone:    "Asia/Yekaterinburg",
			ContextSize: 30,
			StoragePath: "psich-data.json",
		},
		Telegram: TelegramConfig{
			TriggerWord: "псич",
		},
		LogLevel: "info",
	}

	path := os.Getenv("PSICH_CONFIG")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".gopsich", "psich.json")
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Telegram.BotToken == "" {
		cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}

	return cfg, nil
}

// applyEnv merges environment variables over the file config. Key lists
// support both a comma-separated form (GEMINI_API_KEYS) and numbered
// variables (GEMINI_API_KEY, GEMINI_API_KEY_2, ...), so an operator can
// add rotation members without touching the file.
func (c *Config) applyEnv() {
	if keys := keysFromEnv("GEMINI_API_KEY"); len(keys) > 0 {
		c.LLM.GeminiKeys = keys
	}
	if keys := keysFromEnv("GROQ_API_KEY"); len(keys) > 0 {
		c.LLM.GroqKeys = keys
	}
	if keys := keysFromEnv("DEEPSEEK_API_KEY"); len(keys) > 0 {
		c.LLM.DeepSeekKeys = keys
	}

	if v := os.Getenv("ADMIN_USER_ID"); v != "" {
		c.Telegram.AdminIDs = parseAdminIDs(v)
	}
	if v := os.Getenv("PSICH_TIMEZONE"); v != "" {
		c.Chat.TimeZone = v
	}
	if v := os.Getenv("PSICH_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("PSICH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// keysFromEnv collects rotating API keys for a backend.
func keysFromEnv(prefix string) []string {
	var keys []string

	if v := strings.TrimSpace(os.Getenv(prefix + "S")); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		return keys
	}

	if v := strings.TrimSpace(os.Getenv(prefix)); v != "" {
		keys = append(keys, v)
	}
	for i := 2; ; i++ {
		v, ok := os.LookupEnv(prefix + "_" + strconv.Itoa(i))
		if !ok {
			break
		}
		if v = strings.TrimSpace(v); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// parseAdminIDs accepts comma or whitespace separated Telegram user IDs.
func parseAdminIDs(s string) []int64 {
	var ids []int64
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
		if id, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsAdmin reports whether the given Telegram user ID is a configured admin.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
