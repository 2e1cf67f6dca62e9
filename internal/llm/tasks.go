package llm

import (
	"context"
	"fmt"
	"strings"

	. "github.com/ddanshin/gopsich/internal/logging"
	"github.com/ddanshin/gopsich/internal/prompts"
)

// chatWindow is how many recent turns go into the chat reply prompt.
const chatWindow = 20

// ChatMessage is one turn of recent conversation context.
type ChatMessage struct {
	Sender string
	Text   string
}

// IncomingMessage is the message the bot is replying to.
type IncomingMessage struct {
	Text      string
	Sender    string
	ReplyText string // Quoted message, when the user replied to one
}

// UserProfile is the dossier the bot keeps on a chat member.
type UserProfile struct {
	Facts        string `json:"facts"`
	Relationship int    `json:"relationship"` // 0-100, 50 is neutral
	RealName     string `json:"realName"`
}

// ProfileDelta is the model's suggested dossier update.
type ProfileDelta struct {
	Facts        string `json:"facts"`
	Relationship int    `json:"relationship"`
	RealName     string `json:"realName"`
}

// BatchMessage is one log line for the batch profile analysis.
type BatchMessage struct {
	UserID int64
	Name   string
	Text   string
}

// Reminder is the parsed form of a free-text reminder request.
type Reminder struct {
	When string `json:"when"` // 2006-01-02T15:04 in the bot's time zone
	Text string `json:"text"`
}

// Transcription is the parsed voice message payload.
type Transcription struct {
	Text string `json:"text"`
}

// GetResponse produces the persona's chat reply. Vision is required only
// when media is attached. The system prompt travels through the adapter's
// native slot when it has one; otherwise it is prepended to the prompt.
func (m *Manager) GetResponse(ctx context.Context, history []ChatMessage, current IncomingMessage, media []byte, mimeType string, userInstruction string, profile *UserProfile, spontaneous bool) (string, error) {
	if len(history) > chatWindow {
		history = history[len(history)-chatWindow:]
	}
	var lines []string
	for _, msg := range history {
		lines = append(lines, msg.Sender+": "+msg.Text)
	}

	replyContext := ""
	if current.ReplyText != "" {
		replyContext = fmt.Sprintf("!!! ПОЛЬЗОВАТЕЛЬ ОТВЕТИЛ НА СООБЩЕНИЕ:\n%q", current.ReplyText)
	}

	personalInfo := ""
	if userInstruction != "" {
		personalInfo += "\n!!! СПЕЦ-ИНСТРУКЦИЯ !!!\n" + userInstruction + "\n"
	}
	if profile != nil {
		personalInfo += dossierBlock(profile)
	}

	systemPrompt := prompts.System()
	fullPrompt := prompts.MainChat(prompts.MainChatParams{
		Time:          prompts.FormatTime(m.now()),
		IsSpontaneous: spontaneous,
		UserMessage:   current.Text,
		ReplyContext:  replyContext,
		History:       strings.Join(lines, "\n"),
		PersonalInfo:  personalInfo,
		SenderName:    current.Sender,
	})

	spec := dispatchSpec{requiresVision: len(media) > 0}
	return m.executeWithFallback(ctx, spec, func(p Provider) (string, error) {
		opts := &Options{
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			Media:       media,
			MimeType:    mimeType,
		}

		if sp, ok := p.(SystemPrompter); ok && len(media) == 0 {
			return sp.GenerateWithSystem(ctx, systemPrompt, fullPrompt, opts)
		}
		if p.Name() == NameGemini {
			// Persona already bound as the client's system instruction.
			return p.Generate(ctx, fullPrompt, opts)
		}
		return p.Generate(ctx, systemPrompt+"\n\n"+fullPrompt, opts)
	})
}

// dossierBlock renders the profile facts plus a relationship stance the
// persona should take, bucketed from the 0-100 score.
func dossierBlock(profile *UserProfile) string {
	score := profile.Relationship
	if score == 0 {
		score = 50
	}

	relationText := ""
	switch {
	case score <= 20:
		relationText = fmt.Sprintf("СТАТУС: ВРАГ (%d/100). Отвечай грубо, с сарказмом.", score)
	case score <= 40:
		relationText = fmt.Sprintf("СТАТУС: ХОЛОД (%d/100). Язви, не доверяй.", score)
	case score >= 80:
		relationText = fmt.Sprintf("СТАТУС: БРАТАН (%d/100). Поддерживай, шути по-доброму.", score)
	}

	facts := profile.Facts
	if facts == "" {
		facts = "Нет"
	}
	return fmt.Sprintf("\n--- ДОСЬЕ ---\nФакты: %s\n%s\n-----------------\n", facts, relationText)
}

// DetermineReaction picks an emoji reaction for a message, or "" when
// nothing from the allow-list fits. Economy capacity goes first.
func (m *Manager) DetermineReaction(ctx context.Context, contextText string) string {
	promptText := prompts.Reaction(contextText, AllowedReactions())

	text, err := m.economyFirst(ctx, dispatchSpec{}, func(p Provider) (string, error) {
		return p.Generate(ctx, promptText, &Options{MaxTokens: 50})
	})
	if err != nil {
		L_debug("llm: reaction failed", "error", truncate(err.Error(), 80))
		return ""
	}
	return matchReaction(text)
}

// AnalyzeUserImmediate asks for an incremental dossier update from a
// user's recent messages. Returns nil when every provider failed or the
// response was not parseable.
func (m *Manager) AnalyzeUserImmediate(ctx context.Context, lastMessages, currentProfile string) *ProfileDelta {
	promptText := prompts.AnalyzeImmediate(currentProfile, lastMessages)

	text, err := m.economyFirst(ctx, dispatchSpec{}, func(p Provider) (string, error) {
		return p.Generate(ctx, promptText, &Options{MaxTokens: 1000, ExpectJSON: true})
	})
	if err != nil {
		L_warn("llm: user analysis failed", "error", truncate(err.Error(), 80))
		return nil
	}

	var delta ProfileDelta
	if !DecodeInto(CleanJSON(text), &delta) {
		return nil
	}
	return &delta
}

// AnalyzeBatch runs the archival analysis over a chat log slice, keyed by
// user ID. Returns nil on total failure.
func (m *Manager) AnalyzeBatch(ctx context.Context, batch []BatchMessage, known map[int64]*UserProfile) map[string]ProfileDelta {
	var logLines []string
	for _, msg := range batch {
		logLines = append(logLines, fmt.Sprintf("[ID:%d] %s: %s", msg.UserID, msg.Name, msg.Text))
	}
	var knownLines []string
	for uid, p := range known {
		knownLines = append(knownLines, fmt.Sprintf("ID:%d -> %s, %s, %d/100", uid, p.RealName, p.Facts, p.Relationship))
	}

	promptText := prompts.AnalyzeBatch(strings.Join(knownLines, "\n"), strings.Join(logLines, "\n"))

	text, err := m.economyFirst(ctx, dispatchSpec{}, func(p Provider) (string, error) {
		return p.Generate(ctx, promptText, &Options{MaxTokens: 2000, ExpectJSON: true})
	})
	if err != nil {
		L_warn("llm: batch analysis failed", "error", truncate(err.Error(), 80))
		return nil
	}

	deltas := make(map[string]ProfileDelta)
	if !DecodeInto(CleanJSON(text), &deltas) {
		return nil
	}
	return deltas
}

// GenerateProfileDescription renders a user's dossier in the persona's
// voice. Falls back to a short brush-off when every provider failed.
func (m *Manager) GenerateProfileDescription(ctx context.Context, targetName, profileData string) string {
	promptText := prompts.ProfileDescription(targetName, profileData)

	text, err := m.executeWithFallback(ctx, dispatchSpec{}, func(p Provider) (string, error) {
		return p.Generate(ctx, promptText, nil)
	})
	if err != nil {
		return "Не знаю такого."
	}
	return text
}

// GenerateFlavorText produces a one-liner for a random outcome (coin
// flip, dice). Total failure just echoes the bare result.
func (m *Manager) GenerateFlavorText(ctx context.Context, task, result string) string {
	promptText := prompts.Flavor(task, result)

	text, err := m.executeWithFallback(ctx, dispatchSpec{}, func(p Provider) (string, error) {
		return p.Generate(ctx, promptText, &Options{MaxTokens: 100})
	})
	if err != nil {
		return result
	}
	return strings.Trim(strings.TrimSpace(text), `"'«»`)
}

// ShouldAnswer decides whether the persona should interject unprompted.
// Any failure means staying quiet.
func (m *Manager) ShouldAnswer(ctx context.Context, lastMessages string) bool {
	promptText := prompts.ShouldAnswer(lastMessages)

	text, err := m.executeWithFallback(ctx, dispatchSpec{}, func(p Provider) (string, error) {
		return p.Generate(ctx, promptText, &Options{MaxTokens: 10})
	})
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToUpper(text), "YES")
}

// TranscribeAudio sends a voice message through a multimodal adapter.
// Returns nil when transcription failed outright.
func (m *Manager) TranscribeAudio(ctx context.Context, audio []byte, userName, mimeType string) *Transcription {
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	promptText := prompts.Transcription(userName)

	text, err := m.executeWithFallback(ctx, dispatchSpec{requiresVision: true}, func(p Provider) (string, error) {
		return p.Generate(ctx, promptText, &Options{
			Media:      audio,
			MimeType:   mimeType,
			MaxTokens:  1000,
			ExpectJSON: true,
		})
	})
	if err != nil {
		L_warn("llm: transcription failed", "error", truncate(err.Error(), 80))
		return nil
	}

	var tr Transcription
	if !DecodeInto(CleanJSON(text), &tr) {
		return nil
	}
	return &tr
}

// ParseReminder turns a free-form reminder request into a structured
// when/text pair. Returns nil when parsing failed.
func (m *Manager) ParseReminder(ctx context.Context, userText, contextText string) *Reminder {
	promptText := prompts.ParseReminder(prompts.FormatTime(m.now()), userText, contextText)

	text, err := m.executeWithFallback(ctx, dispatchSpec{}, func(p Provider) (string, error) {
		return p.Generate(ctx, promptText, &Options{MaxTokens: 500, ExpectJSON: true})
	})
	if err != nil {
		L_warn("llm: reminder parse failed", "error", truncate(err.Error(), 80))
		return nil
	}

	var rem Reminder
	if !DecodeInto(CleanJSON(text), &rem) {
		return nil
	}
	if rem.When == "" && rem.Text == "" {
		return nil
	}
	return &rem
}
