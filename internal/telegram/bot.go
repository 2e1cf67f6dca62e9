// Package telegram is the chat front-end: it watches group and private
// chats, decides when the persona should speak, and feeds everything else
// into the profile and reminder machinery.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	tele "gopkg.in/telebot.v4"

	"github.com/ddanshin/gopsich/internal/config"
	"github.com/ddanshin/gopsich/internal/llm"
	. "github.com/ddanshin/gopsich/internal/logging"
	"github.com/ddanshin/gopsich/internal/media"
	"github.com/ddanshin/gopsich/internal/prompts"
	"github.com/ddanshin/gopsich/internal/storage"
)

const (
	personaName = "Псич"

	// Ambient behavior odds for group messages that don't address the bot.
	reactionChance    = 0.15
	spontaneousChance = 0.05

	// How many buffered messages trigger an incremental profile analysis.
	analyzeThreshold = 5

	replyTimeout = 3 * time.Minute
	taskTimeout  = time.Minute

	reminderLayout = "2006-01-02T15:04"
)

// Bot wires the Telegram transport to the LLM gateway and the snapshot
// store.
type Bot struct {
	bot   *tele.Bot
	llm   *llm.Manager
	store *storage.Store
	cfg   *config.Config
	cron  *cron.Cron
	loc   *time.Location
}

// New creates the bot, registers handlers, and schedules the background
// jobs. Polling does not start until Start is called.
func New(cfg *config.Config, mgr *llm.Manager, store *storage.Store) (*Bot, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	pref := tele.Settings{
		Token:  cfg.Telegram.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	bot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	L_debug("telegram: bot created", "username", bot.Me.Username, "id", bot.Me.ID)

	loc, err := time.LoadLocation(cfg.Chat.TimeZone)
	if err != nil {
		loc = time.UTC
	}

	b := &Bot{
		bot:   bot,
		llm:   mgr,
		store: store,
		cfg:   cfg,
		cron:  cron.New(),
		loc:   loc,
	}

	b.setupHandlers()

	if _, err := b.cron.AddFunc("* * * * *", b.deliverReminders); err != nil {
		return nil, fmt.Errorf("failed to schedule reminder job: %w", err)
	}
	if _, err := b.cron.AddFunc("0 4 * * *", b.nightlyAnalysis); err != nil {
		return nil, fmt.Errorf("failed to schedule analysis job: %w", err)
	}

	return b, nil
}

func (b *Bot) setupHandlers() {
	b.bot.Handle(tele.OnText, b.handleText)
	b.bot.Handle(tele.OnPhoto, b.handlePhoto)
	b.bot.Handle(tele.OnVoice, b.handleVoice)

	b.bot.Handle("/remind", b.handleRemind)
	b.bot.Handle("/profile", b.handleProfile)
	b.bot.Handle("/coin", b.handleCoin)
	b.bot.Handle("/dice", b.handleDice)
	b.bot.Handle("/reset", b.handleReset)
}

// Start begins polling and background jobs.
func (b *Bot) Start() {
	L_info("telegram: starting bot", "username", b.bot.Me.Username)
	b.cron.Start()
	go b.bot.Start()
}

// Stop stops polling, waits for the cron jobs, and flushes the snapshot.
func (b *Bot) Stop() {
	L_info("telegram: stopping bot")
	<-b.cron.Stop().Done()
	b.bot.Stop()
	b.store.Save()
}

// senderName picks the best display name a Telegram user offers.
func senderName(u *tele.User) string {
	if u == nil {
		return "кто-то"
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	if name == "" {
		name = strconv.FormatInt(u.ID, 10)
	}
	return name
}

// isAddressed reports whether the message calls for a direct reply:
// private chat, trigger word, @mention, or a reply to one of our messages.
func (b *Bot) isAddressed(c tele.Context, text string) bool {
	if c.Chat().Type == tele.ChatPrivate {
		return true
	}
	lower := strings.ToLower(text)
	if b.cfg.Telegram.TriggerWord != "" && strings.Contains(lower, b.cfg.Telegram.TriggerWord) {
		return true
	}
	if b.bot.Me.Username != "" && strings.Contains(lower, "@"+strings.ToLower(b.bot.Me.Username)) {
		return true
	}
	if rt := c.Message().ReplyTo; rt != nil && rt.Sender != nil && rt.Sender.ID == b.bot.Me.ID {
		return true
	}
	return false
}

func (b *Bot) handleText(c tele.Context) error {
	sender := c.Sender()
	text := c.Text()
	if sender == nil || sender.IsBot || text == "" {
		return nil
	}

	name := senderName(sender)
	b.store.AppendHistory(c.Chat().ID, llm.ChatMessage{Sender: name, Text: text})
	b.bufferAnalysis(sender.ID, text)

	if b.isAddressed(c, text) {
		return b.respond(c, text, nil, false)
	}

	// Ambient behavior in groups: sometimes react, rarely interject.
	if rand.Float64() < reactionChance {
		go b.react(c, text)
		return nil
	}
	if rand.Float64() < spontaneousChance {
		go b.maybeInterject(c, text)
	}
	return nil
}

func (b *Bot) handlePhoto(c tele.Context) error {
	sender := c.Sender()
	if sender == nil || sender.IsBot {
		return nil
	}
	photo := c.Message().Photo
	if photo == nil {
		return nil
	}

	name := senderName(sender)
	caption := c.Message().Caption
	entry := "[фото]"
	if caption != "" {
		entry = "[фото] " + caption
	}
	b.store.AppendHistory(c.Chat().ID, llm.ChatMessage{Sender: name, Text: entry})

	if !b.isAddressed(c, caption) {
		return nil
	}

	att, err := media.Download(b.bot, &photo.File)
	if err != nil {
		L_error("telegram: failed to download photo", "error", err)
		return c.Reply("Не смог разглядеть картинку.")
	}

	text := caption
	if text == "" {
		text = "Что скажешь про эту картинку?"
	}
	return b.respond(c, text, att, false)
}

func (b *Bot) handleVoice(c tele.Context) error {
	sender := c.Sender()
	if sender == nil || sender.IsBot {
		return nil
	}
	voice := c.Message().Voice
	if voice == nil {
		return nil
	}

	att, err := media.Download(b.bot, &voice.File)
	if err != nil {
		L_error("telegram: failed to download voice", "error", err)
		return nil
	}

	name := senderName(sender)
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	tr := b.llm.TranscribeAudio(ctx, att.Data, name, att.MimeType)
	if tr == nil || tr.Text == "" {
		L_debug("telegram: voice transcription empty", "chatID", c.Chat().ID)
		return nil
	}

	L_info("telegram: voice transcribed", "from", name, "length", len(tr.Text))
	b.store.AppendHistory(c.Chat().ID, llm.ChatMessage{Sender: name, Text: "[голосовое] " + tr.Text})
	b.bufferAnalysis(sender.ID, tr.Text)

	if b.isAddressed(c, tr.Text) {
		return b.respond(c, tr.Text, nil, false)
	}
	return nil
}

// respond generates and sends a persona reply. The current message is
// already the history tail, so it is trimmed from the context window.
func (b *Bot) respond(c tele.Context, text string, att *media.Attachment, spontaneous bool) error {
	sender := c.Sender()
	chatID := c.Chat().ID

	_ = c.Notify(tele.Typing)

	history := b.store.History(chatID)
	if n := len(history); n > 0 {
		history = history[:n-1]
	}

	current := llm.IncomingMessage{Text: text, Sender: senderName(sender)}
	if rt := c.Message().ReplyTo; rt != nil && rt.Text != "" && !spontaneous {
		current.ReplyText = rt.Text
	}

	var mediaBytes []byte
	mimeType := ""
	if att != nil {
		mediaBytes, mimeType = att.Data, att.MimeType
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	answer, err := b.llm.GetResponse(ctx, history, current, mediaBytes, mimeType, "", b.store.Profile(sender.ID), spontaneous)
	if err != nil {
		L_error("telegram: response failed", "chatID", chatID, "error", err)
		if errors.Is(err, llm.ErrAllProvidersExhausted) || errors.Is(err, llm.ErrCapabilityUnavailable) {
			return c.Reply("Мозг перегрелся, спроси позже.")
		}
		return nil
	}

	b.store.AppendHistory(chatID, llm.ChatMessage{Sender: personaName, Text: answer})
	return c.Reply(answer)
}

// react asks for an emoji reaction and sets it when one fits.
func (b *Bot) react(c tele.Context, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	emoji := b.llm.DetermineReaction(ctx, text)
	if emoji == "" {
		return
	}

	reactions := tele.Reactions{
		Reactions: []tele.Reaction{
			{Type: tele.ReactionTypeEmoji, Emoji: emoji},
		},
	}
	if err := b.bot.React(c.Chat(), c.Message(), reactions); err != nil {
		L_debug("telegram: failed to set reaction", "emoji", emoji, "error", err)
	}
}

// maybeInterject lets the persona barge into a conversation when the model
// thinks it has something to say.
func (b *Bot) maybeInterject(c tele.Context, text string) {
	history := b.store.History(c.Chat().ID)
	var lines []string
	start := 0
	if len(history) > 10 {
		start = len(history) - 10
	}
	for _, msg := range history[start:] {
		lines = append(lines, msg.Sender+": "+msg.Text)
	}

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	if !b.llm.ShouldAnswer(ctx, strings.Join(lines, "\n")) {
		return
	}
	if err := b.respond(c, text, nil, true); err != nil {
		L_debug("telegram: interjection failed", "error", err)
	}
}

// bufferAnalysis queues a message for profile analysis and kicks off the
// incremental update once enough have piled up.
func (b *Bot) bufferAnalysis(userID int64, text string) {
	if b.store.BufferForAnalysis(userID, text) < analyzeThreshold {
		return
	}
	msgs := b.store.DrainAnalysisBuffer(userID)
	go b.analyzeUser(userID, msgs)
}

func (b *Bot) analyzeUser(userID int64, msgs []string) {
	current := "пока ничего не известно"
	if p := b.store.Profile(userID); p != nil {
		current = profileSummary(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	delta := b.llm.AnalyzeUserImmediate(ctx, strings.Join(msgs, "\n"), current)
	if delta == nil {
		return
	}
	b.store.ApplyDelta(userID, *delta)
	L_debug("telegram: profile updated", "userID", userID)
}

// nightlyAnalysis sweeps every buffer that never reached the incremental
// threshold and runs one batched dossier update.
func (b *Bot) nightlyAnalysis() {
	buffers := b.store.DrainAllAnalysisBuffers()
	if len(buffers) == 0 {
		return
	}

	profiles := b.store.Profiles()
	var batch []llm.BatchMessage
	for userID, msgs := range buffers {
		name := strconv.FormatInt(userID, 10)
		if p := profiles[userID]; p != nil && p.RealName != "" {
			name = p.RealName
		}
		for _, text := range msgs {
			batch = append(batch, llm.BatchMessage{UserID: userID, Name: name, Text: text})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	deltas := b.llm.AnalyzeBatch(ctx, batch, profiles)
	if deltas == nil {
		L_warn("telegram: nightly analysis produced nothing", "messages", len(batch))
		return
	}

	applied := 0
	for idStr, delta := range deltas {
		userID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			L_debug("telegram: analysis returned non-numeric user id", "id", idStr)
			continue
		}
		b.store.ApplyDelta(userID, delta)
		applied++
	}
	L_info("telegram: nightly analysis done", "messages", len(batch), "updated", applied)
}

// deliverReminders fires every minute from cron and sends whatever came due.
func (b *Bot) deliverReminders() {
	due := b.store.PendingReminders(time.Now().In(b.loc))
	if len(due) == 0 {
		return
	}

	ids := make([]string, 0, len(due))
	for _, r := range due {
		chat := &tele.Chat{ID: r.ChatID}
		text := fmt.Sprintf("⏰ %s, напоминаю: %s", r.UserName, r.Text)
		if _, err := b.bot.Send(chat, text); err != nil {
			L_error("telegram: failed to deliver reminder", "id", r.ID, "error", err)
			continue
		}
		ids = append(ids, r.ID)
	}
	b.store.RemoveReminders(ids...)
}

func (b *Bot) handleRemind(c tele.Context) error {
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		return c.Reply("Напиши, о чём и когда напомнить: /remind завтра в 10 купить хлеб")
	}

	replyText := ""
	if rt := c.Message().ReplyTo; rt != nil {
		replyText = rt.Text
	}

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	rem := b.llm.ParseReminder(ctx, payload, replyText)
	if rem == nil || rem.When == "" {
		return c.Reply("Не понял, когда напоминать.")
	}

	at, err := time.ParseInLocation(reminderLayout, rem.When, b.loc)
	if err != nil {
		L_debug("telegram: unparseable reminder time", "when", rem.When)
		return c.Reply("Не понял, когда напоминать.")
	}
	if !at.After(time.Now().In(b.loc)) {
		return c.Reply("Это время уже прошло.")
	}

	b.store.AddReminder(c.Chat().ID, c.Sender().ID, senderName(c.Sender()), at, rem.Text)
	return c.Reply(fmt.Sprintf("Ок, напомню: %s.", prompts.FormatTime(at)))
}

func (b *Bot) handleProfile(c tele.Context) error {
	target := c.Sender()
	if rt := c.Message().ReplyTo; rt != nil && rt.Sender != nil {
		target = rt.Sender
	}

	profile := b.store.Profile(target.ID)
	if profile == nil {
		return c.Reply("Не знаю такого.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	desc := b.llm.GenerateProfileDescription(ctx, senderName(target), profileSummary(profile))
	return c.Reply(desc)
}

func (b *Bot) handleCoin(c tele.Context) error {
	result := "орёл"
	if rand.IntN(2) == 1 {
		result = "решка"
	}

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	return c.Reply(b.llm.GenerateFlavorText(ctx, "подбрасывание монетки", result))
}

func (b *Bot) handleDice(c tele.Context) error {
	result := strconv.Itoa(rand.IntN(6) + 1)

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	return c.Reply(b.llm.GenerateFlavorText(ctx, "бросок кубика", result))
}

func (b *Bot) handleReset(c tele.Context) error {
	if !b.cfg.IsAdmin(c.Sender().ID) {
		return c.Reply("Ты мне не начальник.")
	}
	b.store.ClearHistory(c.Chat().ID)
	return c.Reply("Контекст забыт.")
}

// profileSummary renders a dossier as prompt input.
func profileSummary(p *llm.UserProfile) string {
	name := p.RealName
	if name == "" {
		name = "неизвестно"
	}
	facts := p.Facts
	if facts == "" {
		facts = "нет"
	}
	return fmt.Sprintf("Имя: %s. Отношение: %d/100. Факты: %s", name, p.Relationship, facts)
}
