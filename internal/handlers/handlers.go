package handlers

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"english-teacher-bot/internal/bot"
	"english-teacher-bot/internal/lesson"
	"english-teacher-bot/internal/scheduler"
	"english-teacher-bot/pkg/logger"
)

// Deps holds everything the update handlers need.
type Deps struct {
	Bot          *bot.Bot
	Orchestrator *lesson.Orchestrator
	Scheduler    *scheduler.Scheduler

	// AdminID may use the maintenance commands. Zero disables them.
	AdminID int64

	// DevMode relaxes admin checks for local testing.
	DevMode bool
}

// HandleUpdate routes one Telegram update. Only private chats are served;
// the group the bot reports to is write-only.
func HandleUpdate(d *Deps, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		handleCallback(d, update.CallbackQuery)
	case update.Message != nil:
		handleMessage(d, update.Message)
	}
}

func handleMessage(d *Deps, message *tgbotapi.Message) {
	if !message.Chat.IsPrivate() {
		return
	}

	userID := message.From.ID
	name := displayName(message.From)

	switch {
	case message.IsCommand():
		handleCommand(d, message)
	case message.Voice != nil:
		d.Orchestrator.HandleVoice(userID, name, message.Voice.FileID)
	case message.Audio != nil:
		d.Orchestrator.HandleVoice(userID, name, message.Audio.FileID)
	case message.Text != "":
		d.Orchestrator.HandleText(userID, name, message.Text)
	}
}

func handleCallback(d *Deps, query *tgbotapi.CallbackQuery) {
	if err := d.Bot.AnswerCallbackQuery(query.ID, ""); err != nil {
		zap.L().Warn("failed to answer callback",
			zap.String(logger.FieldService, "handlers"),
			zap.Error(err))
	}

	d.Orchestrator.HandleCallback(query.From.ID, displayName(query.From), query.Data)
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	if name == "" {
		name = "friend"
	}
	return name
}
