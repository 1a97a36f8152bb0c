package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rusted-workshop-web/models"
	"rusted-workshop-web/utils"
)

// Telegram forwards task completion and failure notices, and service
// alerts (warnings or errors not tied to a task), to one chat. Other
// notifications are ignored.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *utils.Logger
}

// NewTelegram authorizes the bot. endpoint may point at a local Bot API
// server ("http://host:8081/bot%s/%s"); empty uses the public API.
func NewTelegram(token string, chatID int64, endpoint string, logger *utils.Logger) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.WithField("username", bot.Self.UserName).Info("Telegram notifier authorized")

	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}, nil
}

func (t *Telegram) Notify(_ context.Context, n Notification) error {
	var text string
	switch {
	case n.Status == models.StatusCompleted || n.Status == models.StatusFailed:
		text = formatTaskMessage(n)
	case n.TaskKey == "" && (n.Level == LevelWarning || n.Level == LevelError):
		text = formatAlertMessage(n)
	default:
		return nil
	}

	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	t.logger.WithField("chat_id", t.chatID).
		WithField("task_key", n.TaskKey).
		Debug("Telegram notification sent")
	return nil
}

func formatTaskMessage(n Notification) string {
	name := n.Filename
	if name == "" {
		name = n.TaskKey
	}

	if n.Status == models.StatusCompleted {
		return fmt.Sprintf(`✅ *Translation Complete*

📄 File: %s
🔑 Task: %s

The translated archive is ready to download.`,
			escapeMarkdown(name), escapeMarkdown(n.TaskKey))
	}

	return fmt.Sprintf(`❌ *Translation Failed*

📄 File: %s
🔑 Task: %s
⚠️ Error: %s

Retry the task or upload the file again.`,
		escapeMarkdown(name), escapeMarkdown(n.TaskKey), escapeMarkdown(n.Description))
}

func formatAlertMessage(n Notification) string {
	icon := "⚠️"
	if n.Level == LevelError {
		icon = "🚨"
	}
	message := fmt.Sprintf(`%s *ALERT* - %s

🕐 Time: %s`, icon, escapeMarkdown(n.Title), n.Timestamp.Format("2006-01-02 15:04:05"))
	if n.Description != "" {
		message += fmt.Sprintf("\n📝 Message: %s", escapeMarkdown(n.Description))
	}
	return message
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
