package handlers

import (
	"fmt"
	"os"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"english-teacher-bot/pkg/logger"
)

func handleCommand(d *Deps, message *tgbotapi.Message) {
	userID := message.From.ID

	switch message.Command() {
	case "start":
		d.Orchestrator.Start(userID, displayName(message.From))
	case "status":
		handleStatus(d, message)
	case "dev_mode":
		handleDevMode(d, message)
	case "test_scheduler":
		handleTestScheduler(d, message)
	case "restart_scheduler":
		handleRestartScheduler(d, message)
	default:
		d.Bot.SendMessage(message.Chat.ID, "I don't know that command. Just send me a voice message to practice! 🎤", nil)
	}

	zap.L().Info("command handled",
		zap.String(logger.FieldService, "handlers"),
		zap.String(logger.FieldCommand, message.Command()),
		zap.Int64(logger.FieldUserID, userID))
}

func isAdmin(d *Deps, userID int64) bool {
	return d.DevMode || (d.AdminID != 0 && userID == d.AdminID)
}

// handleStatus reports which backends are configured, without leaking any
// secret values.
func handleStatus(d *Deps, message *tgbotapi.Message) {
	present := func(key string) string {
		if os.Getenv(key) != "" {
			return "✅"
		}
		return "❌"
	}

	text := fmt.Sprintf(`🤖 Bot status:

%s OpenAI API key
%s Database
%s Teachers' group

Dev mode: %t`,
		present("OPENAI_API_KEY"),
		present("DB_HOST"),
		present("GROUP_ID"),
		d.DevMode)

	d.Bot.SendMessage(message.Chat.ID, text, nil)
}

// handleDevMode toggles the relaxed admin checks. Only the configured
// admin may flip it on.
func handleDevMode(d *Deps, message *tgbotapi.Message) {
	if d.AdminID == 0 || message.From.ID != d.AdminID {
		d.Bot.SendMessage(message.Chat.ID, "This command is for the bot admin.", nil)
		return
	}

	d.DevMode = !d.DevMode
	d.Bot.SendMessage(message.Chat.ID, fmt.Sprintf("Dev mode: %t", d.DevMode), nil)
}

// handleTestScheduler fires the daily lesson for the caller right now.
func handleTestScheduler(d *Deps, message *tgbotapi.Message) {
	if !isAdmin(d, message.From.ID) {
		d.Bot.SendMessage(message.Chat.ID, "This command is for the bot admin.", nil)
		return
	}

	if err := d.Scheduler.SendTestLesson(message.From.ID); err != nil {
		d.Bot.SendMessage(message.Chat.ID, "Test lesson failed: "+err.Error(), nil)
		return
	}
	d.Bot.SendMessage(message.Chat.ID, "Test lesson delivered. ✅", nil)
}

// handleRestartScheduler rebuilds the schedule, optionally with a new
// reinforcement interval in minutes: /restart_scheduler 45
func handleRestartScheduler(d *Deps, message *tgbotapi.Message) {
	if !isAdmin(d, message.From.ID) {
		d.Bot.SendMessage(message.Chat.ID, "This command is for the bot admin.", nil)
		return
	}

	var interval time.Duration
	if arg := message.CommandArguments(); arg != "" {
		minutes, err := strconv.Atoi(arg)
		if err != nil || minutes <= 0 {
			d.Bot.SendMessage(message.Chat.ID, "Usage: /restart_scheduler [minutes]", nil)
			return
		}
		interval = time.Duration(minutes) * time.Minute
	}

	if err := d.Scheduler.Restart(interval); err != nil {
		d.Bot.SendMessage(message.Chat.ID, "Scheduler restart failed: "+err.Error(), nil)
		return
	}
	d.Bot.SendMessage(message.Chat.ID, "Scheduler restarted. ✅", nil)
}
