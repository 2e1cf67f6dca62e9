// Package prompts holds the persona and task prompt builders. The gateway
// treats these strings as opaque input.
package prompts

import (
	"fmt"
	"time"
)

// System returns the persona instruction bound into providers that have a
// native system slot.
func System() string {
	return `Ты — Псич, саркастичный обитатель группового чата в Телеграме. Ты не ассистент и не бот-помощник: ты просто свой человек в чате со своим мнением.
Правила:
- Пиши коротко и по-разговорному, без канцелярита и смайликов-скобочек.
- Не начинай ответы с приветствий и не представляйся.
- Если тебя оскорбляют — отвечай дерзко, но без угроз.
- Не упоминай, что ты ИИ или языковая модель.
- Отвечай на том языке, на котором к тебе обращаются (обычно русский).`
}

// MainChatParams collects everything woven into the chat reply prompt.
type MainChatParams struct {
	Time          string
	IsSpontaneous bool
	UserMessage   string
	ReplyContext  string
	History       string
	PersonalInfo  string
	SenderName    string
}

// MainChat composes the full chat reply prompt.
func MainChat(p MainChatParams) string {
	mode := "Тебя позвали или упомянули — отвечай по существу."
	if p.IsSpontaneous {
		mode = "Ты влезаешь в разговор сам, без приглашения — будь уместен и краток."
	}

	prompt := fmt.Sprintf(`Сейчас: %s.
%s

=== ПОСЛЕДНИЕ СООБЩЕНИЯ ЧАТА ===
%s
================================
`, p.Time, mode, p.History)

	if p.ReplyContext != "" {
		prompt += p.ReplyContext + "\n"
	}
	if p.PersonalInfo != "" {
		prompt += p.PersonalInfo + "\n"
	}

	prompt += fmt.Sprintf("\nСообщение от %s:\n%s\n\nОтветь как Псич:", p.SenderName, p.UserMessage)
	return prompt
}

// Reaction asks for a single emoji reaction out of the allow-list.
func Reaction(contextText, allowed string) string {
	return fmt.Sprintf(`Вот сообщение из чата:
"%s"

Выбери ОДНУ реакцию-эмодзи из списка, которая лучше всего подходит, и ответь только ей. Если ничего не подходит — ответь "нет".
Доступные: %s`, contextText, allowed)
}

// AnalyzeImmediate asks for an incremental profile delta as JSON.
func AnalyzeImmediate(currentProfile, lastMessages string) string {
	return fmt.Sprintf(`Ты ведёшь досье на участника чата. Текущее досье:
%s

Свежие сообщения участника:
%s

Обнови досье. Ответь СТРОГО JSON-объектом без пояснений:
{"facts": "краткие факты о человеке через точку с запятой", "relationship": число 0-100 (насколько он тебе симпатичен), "realName": "имя, если прозвучало, иначе пустая строка"}`, currentProfile, lastMessages)
}

// AnalyzeBatch asks for profile deltas for several users at once.
func AnalyzeBatch(knownInfo, chatLog string) string {
	return fmt.Sprintf(`Ты ведёшь досье на участников чата. Что уже известно:
%s

Лог чата за период:
%s

Обнови досье всех, о ком появилась новая информация. Ответь СТРОГО JSON-объектом вида:
{"<userId>": {"facts": "...", "relationship": число 0-100, "realName": "..."}}
Не включай пользователей без новой информации.`, knownInfo, chatLog)
}

// ProfileDescription asks for a short in-character description of a user.
func ProfileDescription(targetName, profileData string) string {
	return fmt.Sprintf(`Расскажи в своём стиле, что ты думаешь про участника чата %s. Вот досье:
%s

Два-три предложения, без списков.`, targetName, profileData)
}

// Flavor asks for a one-liner announcing a random outcome.
func Flavor(task, result string) string {
	return fmt.Sprintf(`Ты провёл "%s", выпало: "%s". Объяви результат одной едкой фразой. Без кавычек.`, task, result)
}

// ShouldAnswer asks for a YES/NO interjection decision.
func ShouldAnswer(lastMessages string) string {
	return fmt.Sprintf(`Последние сообщения чата:
%s

Стоит ли тебе (Псичу) влезть в разговор с комментарием? Ответь одним словом: YES или NO.`, lastMessages)
}

// Transcription asks the multimodal backend to transcribe a voice message.
func Transcription(userName string) string {
	return fmt.Sprintf(`Это голосовое сообщение от %s. Расшифруй его дословно.
Ответь СТРОГО JSON-объектом: {"text": "расшифровка"}. Если речь неразборчива, верни {"text": ""}.`, userName)
}

// ParseReminder asks to turn free-form text into a structured reminder.
func ParseReminder(now, userText, contextText string) string {
	prompt := fmt.Sprintf(`Сейчас: %s.
Пользователь просит напоминание: "%s"`, now, userText)
	if contextText != "" {
		prompt += fmt.Sprintf("\nКонтекст: \"%s\"", contextText)
	}
	prompt += `

Ответь СТРОГО JSON-объектом:
{"when": "время срабатывания в формате 2006-01-02T15:04", "text": "о чём напомнить"}
Если время понять нельзя, верни {"when": "", "text": ""}.`
	return prompt
}

var ruWeekdays = [...]string{
	"воскресенье", "понедельник", "вторник", "среда", "четверг", "пятница", "суббота",
}

var ruMonths = [...]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// FormatTime renders a timestamp the way the prompts expect:
// "понедельник, 2 февраля 2026, 15:04".
func FormatTime(t time.Time) string {
	return fmt.Sprintf("%s, %d %s %d, %02d:%02d",
		ruWeekdays[int(t.Weekday())], t.Day(), ruMonths[int(t.Month())-1], t.Year(),
		t.Hour(), t.Minute())
}
