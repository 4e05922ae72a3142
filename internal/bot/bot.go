package bot

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"english-teacher-bot/pkg/logger"
)

// Callback data sent by the lesson keyboard.
const (
	CallbackLearnLesson  = "learn_lesson"
	CallbackChatTeacher  = "chat_with_teacher"
	CallbackFinishLesson = "finish_lesson"
)

type Bot struct {
	API *tgbotapi.BotAPI

	// GroupID is the teachers' group that receives homework reviews and
	// session summaries. Zero disables group forwarding.
	GroupID int64

	http *http.Client
}

func New(token string, groupID int64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	zap.L().Info("authorized on telegram",
		zap.String(logger.FieldService, "bot"),
		zap.String("username", api.Self.UserName))

	return &Bot{
		API:     api,
		GroupID: groupID,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (b *Bot) SendMessage(chatID int64, text string, replyMarkup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if replyMarkup != nil {
		msg.ReplyMarkup = replyMarkup
	}

	_, err := b.API.Send(msg)
	return err
}

// SendVoice sends audio as a voice message with the text as caption. Empty
// audio degrades to a plain text message.
func (b *Bot) SendVoice(chatID int64, audio []byte, caption string) error {
	if len(audio) == 0 {
		return b.SendMessage(chatID, caption, nil)
	}

	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{
		Name:  "reply.ogg",
		Bytes: audio,
	})
	voice.Caption = caption

	_, err := b.API.Send(voice)
	return err
}

// SendLessonPrompt shows the inline keyboard that drives the lesson flow.
func (b *Bot) SendLessonPrompt(chatID int64) error {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📖 Continue lesson", CallbackLearnLesson),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💬 Chat with teacher", CallbackChatTeacher),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Finish lesson", CallbackFinishLesson),
		),
	)

	return b.SendMessage(chatID, "What would you like to do next?", keyboard)
}

// SendToGroup forwards text to the teachers' group. A missing group or a
// bot kicked from it must not break the student's flow, so delivery
// problems are logged and swallowed.
func (b *Bot) SendToGroup(text string) error {
	if b.GroupID == 0 {
		return nil
	}

	err := b.SendMessage(b.GroupID, text, nil)
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "bot was kicked"),
		strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "user is deactivated"):
		zap.L().Warn("group unreachable, dropping notification",
			zap.String(logger.FieldService, "bot"),
			zap.Int64(logger.FieldChatID, b.GroupID),
			zap.Error(err))
		return nil
	}
	return err
}

// DownloadVoice fetches the raw bytes of a voice message by file id.
func (b *Bot) DownloadVoice(fileID string) ([]byte, error) {
	url, err := b.API.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve voice file: %w", err)
	}

	resp, err := b.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download voice file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download voice file: http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read voice file: %w", err)
	}
	return data, nil
}

func (b *Bot) AnswerCallbackQuery(callbackID string, text string) error {
	callback := tgbotapi.NewCallback(callbackID, text)
	_, err := b.API.Request(callback)
	return err
}
