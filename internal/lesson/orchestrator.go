// Package lesson drives the tutoring conversation: voice answers are
// transcribed, graded and answered in kind, text messages settle homework
// and reinforcement questions, and idle students are nudged and then
// signed off.
package lesson

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"english-teacher-bot/internal/ai"
	"english-teacher-bot/internal/bot"
	"english-teacher-bot/internal/database"
	"english-teacher-bot/internal/models"
	"english-teacher-bot/internal/session"
	"english-teacher-bot/internal/speech"
	"english-teacher-bot/pkg/logger"
)

// Store is the slice of the repository the orchestrator needs.
type Store interface {
	GetUserByID(id int64) (*models.User, error)
	CreateUser(id int64) (*models.User, error)
	SetCurrentTopic(userID int64, topicID *int64) error
	TouchLastLesson(userID int64, t time.Time) error
	GetTopic(id int64) (*models.Topic, error)
	TopicsExcluding(exclude []int64) ([]models.Topic, error)
	AppendMessage(m *models.Message) error
	SaveDialog(userID int64, userText, botText, voiceFileID string) error
	RecentMessages(userID int64, limit int) ([]models.Message, error)
	OpenHomework(userID int64) (*models.Homework, error)
	SubmitHomeworkAnswer(userID int64, answerText string, passed bool) (*models.Homework, error)
	CompleteTopic(userID, topicID int64, homeworkText string) error
}

// Transport is the slice of the bot the orchestrator needs.
type Transport interface {
	SendMessage(chatID int64, text string, replyMarkup interface{}) error
	SendVoice(chatID int64, audio []byte, caption string) error
	SendLessonPrompt(chatID int64) error
	SendToGroup(text string) error
	DownloadVoice(fileID string) ([]byte, error)
}

const (
	historyWindow        = 20
	teacherHistoryWindow = 10

	// Idle chain: nudge after the first interval, close the session after
	// the second.
	firstIdle  = 3 * time.Minute
	secondIdle = 2 * time.Minute

	// A reinforcement question only accepts a text answer this long after
	// it was asked.
	reinforcementWindow = 30 * time.Minute

	aiTimeout = 30 * time.Second

	homeworkPassScore = 5
)

type Orchestrator struct {
	store     Store
	dialog    ai.Client
	speech    speech.Engine
	transport Transport
	sessions  *session.Manager
	log       *zap.Logger

	firstIdle  time.Duration
	secondIdle time.Duration
}

func New(store Store, dialog ai.Client, engine speech.Engine, transport Transport, sessions *session.Manager) *Orchestrator {
	return &Orchestrator{
		store:      store,
		dialog:     dialog,
		speech:     engine,
		transport:  transport,
		sessions:   sessions,
		log:        zap.L().With(zap.String(logger.FieldService, "lesson")),
		firstIdle:  firstIdle,
		secondIdle: secondIdle,
	}
}

// Start greets the student, creating their record on first contact.
func (o *Orchestrator) Start(userID int64, name string) {
	o.sessions.Do(userID, func(s *session.Session) {
		s.Touch()

		_, err := o.store.GetUserByID(userID)
		switch {
		case err == database.ErrNotFound:
			if _, err := o.store.CreateUser(userID); err != nil {
				o.log.Error("failed to create user", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
				o.send(userID, somethingWentWrong)
				return
			}
			o.send(userID, welcomeNew)
		case err != nil:
			o.log.Error("failed to load user", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		default:
			o.send(userID, welcomeBack)
		}
	})
}

// HandleVoice processes one voice answer end to end.
func (o *Orchestrator) HandleVoice(userID int64, name, fileID string) {
	o.sessions.Do(userID, func(s *session.Session) {
		s.CancelTimers()
		s.Touch()

		user, err := o.ensureUser(userID)
		if err != nil {
			o.log.Error("failed to load user", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
			return
		}

		transcript := o.transcribe(fileID)

		if s.Mode == session.ModeTeacher {
			o.teacherTurn(s, user, transcript, fileID)
			return
		}

		topic, err := o.currentTopic(user)
		if err != nil {
			o.log.Error("failed to resolve topic", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
			return
		}
		if topic == nil {
			// Nothing left to teach: report it and go back to idle.
			o.send(userID, allTopicsDone)
			return
		}

		o.lessonTurn(s, user, topic, transcript, fileID)
	})
}

func (o *Orchestrator) transcribe(fileID string) string {
	audio, err := o.transport.DownloadVoice(fileID)
	if err != nil {
		o.log.Warn("voice download failed, using fallback transcript", zap.Error(err))
		return speech.FallbackTranscript
	}

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	transcript, err := o.speech.Transcribe(ctx, audio)
	if err != nil || strings.TrimSpace(transcript) == "" {
		o.log.Warn("transcription failed, using fallback transcript", zap.Error(err))
		return speech.FallbackTranscript
	}
	return transcript
}

// lessonTurn is the heart of the lesson: the answer is checked first, and
// the spoken reply is generated from the verdict so the two never
// contradict each other.
func (o *Orchestrator) lessonTurn(s *session.Session, user *models.User, topic *models.Topic, transcript, voiceFileID string) {
	history := o.history(user.ID, historyWindow)

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	feedback, err := o.dialog.CheckAnswer(ctx, transcript, topic, history)
	if err != nil {
		o.log.Warn("answer check failed, falling back", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
		conversationContext := joinRecent(history, 3)
		feedback = ai.FallbackFeedback(transcript, ai.ExpectedAnswer(topic, ""), conversationContext)
	}

	reply, err := o.dialog.Reply(ctx, transcript, history, topic, &feedback)
	if err != nil {
		o.log.Warn("reply generation failed, falling back", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
		reply = ai.FallbackReply()
	}

	o.speak(user.ID, reply)
	o.send(user.ID, formatFeedback(feedback, s.Iteration+1))

	if err := o.store.SaveDialog(user.ID, transcript, reply, voiceFileID); err != nil {
		o.log.Error("failed to save dialog", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
	}
	if err := o.store.TouchLastLesson(user.ID, time.Now()); err != nil {
		o.log.Error("failed to update last lesson time", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
	}

	s.Iteration++

	if err := o.transport.SendLessonPrompt(user.ID); err != nil {
		o.log.Warn("failed to send lesson prompt", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
	}

	o.armIdleTimers(s)
}

// teacherTurn answers a free-form question without grading.
func (o *Orchestrator) teacherTurn(s *session.Session, user *models.User, transcript, voiceFileID string) {
	history := o.history(user.ID, teacherHistoryWindow)

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	reply, err := o.dialog.Reply(ctx, transcript, history, nil, nil)
	if err != nil {
		o.log.Warn("teacher reply failed, falling back", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
		reply = ai.FallbackReply()
	}

	o.speak(user.ID, reply)

	if err := o.store.SaveDialog(user.ID, transcript, reply, voiceFileID); err != nil {
		o.log.Error("failed to save dialog", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
	}

	o.armIdleTimers(s)
}

// HandleText settles a pending homework if one is open, then a pending
// reinforcement question, and otherwise nudges the student toward voice.
func (o *Orchestrator) HandleText(userID int64, name, text string) {
	o.sessions.Do(userID, func(s *session.Session) {
		s.CancelTimers()
		s.Touch()

		if _, err := o.ensureUser(userID); err != nil {
			o.log.Error("failed to load user", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
			return
		}

		if hw, err := o.store.OpenHomework(userID); err == nil {
			o.homeworkAnswer(userID, name, hw, text)
			return
		} else if err != database.ErrNotFound {
			o.log.Error("failed to look up homework", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		}

		if q, ok := o.pendingReinforcement(userID); ok {
			o.reinforcementAnswer(userID, q, text)
			return
		}

		o.send(userID, sendVoiceNudge)
	})
}

// pendingReinforcement reports whether the most recent bot message is a
// reinforcement question still inside its answer window.
func (o *Orchestrator) pendingReinforcement(userID int64) (models.Message, bool) {
	recent, err := o.store.RecentMessages(userID, 3)
	if err != nil {
		o.log.Error("failed to load recent messages", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		return models.Message{}, false
	}

	for _, m := range recent {
		if m.Role != models.RoleBot {
			continue
		}
		if m.Kind == models.KindReinforcement && time.Since(m.CreatedAt) <= reinforcementWindow {
			return m, true
		}
		return models.Message{}, false
	}
	return models.Message{}, false
}

func (o *Orchestrator) reinforcementAnswer(userID int64, question models.Message, text string) {
	if err := o.store.AppendMessage(&models.Message{
		UserID:  userID,
		Role:    models.RoleUser,
		Kind:    models.KindChat,
		Content: text,
	}); err != nil {
		o.log.Error("failed to save reinforcement answer", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	history := []ai.Message{{Role: "assistant", Content: question.Content}}
	feedback, err := o.dialog.CheckAnswer(ctx, text, nil, history)
	if err != nil {
		o.log.Warn("reinforcement check failed, falling back", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		feedback = ai.FallbackFeedback(text, question.Content, question.Content)
	}

	response := formatFeedback(feedback, 0)
	o.send(userID, response)

	if err := o.store.AppendMessage(&models.Message{
		UserID:  userID,
		Role:    models.RoleBot,
		Kind:    models.KindChat,
		Content: response,
	}); err != nil {
		o.log.Error("failed to save reinforcement feedback", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
	}
}

func (o *Orchestrator) homeworkAnswer(userID int64, name string, hw *models.Homework, answer string) {
	topicTitle := ""
	if topic, err := o.store.GetTopic(hw.TopicID); err == nil {
		topicTitle = topic.Title
	}

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	review, err := o.dialog.CheckHomework(ctx, hw.TaskText, answer, topicTitle)
	if err != nil {
		o.log.Warn("homework check failed", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		if _, err := o.store.SubmitHomeworkAnswer(userID, answer, true); err != nil && err != database.ErrNotFound {
			o.log.Error("failed to store homework answer", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		}
		o.send(userID, homeworkThanks)
		return
	}

	passed := review.Score >= homeworkPassScore
	if _, err := o.store.SubmitHomeworkAnswer(userID, answer, passed); err != nil {
		if err == database.ErrNotFound {
			// Already graded, nothing to do.
			return
		}
		o.log.Error("failed to store homework answer", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
	}

	o.send(userID, formatReview(review))
	if err := o.transport.SendToGroup(fmt.Sprintf("📚 Homework from %s (topic: %s) graded %d/10: %s\n\nAnswer:\n%s",
		name, topicTitle, review.Score, review.GradeDescription, answer)); err != nil {
		o.log.Warn("failed to forward homework review", zap.Error(err))
	}
}

// HandleCallback reacts to the lesson keyboard.
func (o *Orchestrator) HandleCallback(userID int64, name, data string) {
	o.sessions.Do(userID, func(s *session.Session) {
		s.CancelTimers()
		s.Touch()

		switch data {
		case bot.CallbackLearnLesson:
			s.Mode = session.ModeLesson
			o.send(userID, lessonContinue)
			o.armIdleTimers(s)
		case bot.CallbackChatTeacher:
			s.Mode = session.ModeTeacher
			o.send(userID, teacherModeIntro)
			o.armIdleTimers(s)
		case bot.CallbackFinishLesson:
			o.completeLesson(s, userID, name)
		default:
			o.log.Warn("unknown callback", zap.Int64(logger.FieldUserID, userID), zap.String("data", data))
		}
	})
}

// completeLesson closes the current topic: homework is generated and
// stored, progress is updated and the session ends.
func (o *Orchestrator) completeLesson(s *session.Session, userID int64, name string) {
	user, err := o.ensureUser(userID)
	if err != nil {
		o.log.Error("failed to load user", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		return
	}
	if user.CurrentTopicID == nil {
		o.send(userID, "You have no active lesson right now. Send a voice message to start one! 🎤")
		return
	}

	topic, err := o.store.GetTopic(*user.CurrentTopicID)
	if err != nil {
		o.log.Error("failed to load topic", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	history := o.history(userID, teacherHistoryWindow)

	homework, err := o.dialog.GenerateHomework(ctx, topic, history)
	if err != nil {
		o.log.Warn("homework generation failed, falling back", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		homework = ai.FallbackHomework(topic)
	}

	if err := o.store.CompleteTopic(userID, topic.ID, homework); err != nil {
		o.log.Error("failed to complete topic", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		o.send(userID, somethingWentWrong)
		return
	}

	closing, err := o.dialog.LessonEnd(ctx, "Lesson on "+topic.Title, name)
	if err != nil {
		closing = ai.FallbackLessonEnd(name)
	}

	o.send(userID, closing)
	o.send(userID, "📚 Your homework:\n\n"+homework+"\n\nSend your answer as a text message when you're ready!")

	if err := o.transport.SendToGroup(o.lessonSummary(userID, name, topic.Title, s.Iteration)); err != nil {
		o.log.Warn("failed to forward lesson summary", zap.Error(err))
	}

	s.Iteration = 0
	s.End()
}

// lessonSummary renders the finished lesson as a paired student/teacher
// transcript for the group channel.
func (o *Orchestrator) lessonSummary(userID int64, name, topicTitle string, iterations int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s finished the topic %q after %d exchanges.", name, topicTitle, iterations)

	recent, err := o.store.RecentMessages(userID, teacherHistoryWindow)
	if err != nil || len(recent) == 0 {
		return b.String()
	}

	b.WriteString("\n")
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.Kind != models.KindChat {
			continue
		}
		who := "👩‍🎓"
		if m.Role == models.RoleBot {
			who = "👨‍🏫"
		}
		fmt.Fprintf(&b, "\n%s %s", who, m.Content)
	}
	return b.String()
}

func (o *Orchestrator) armIdleTimers(s *session.Session) {
	userID := s.UserID
	var gen uint64
	gen = s.ArmTimers(o.firstIdle, o.secondIdle,
		func() { o.sessions.Do(userID, func(s *session.Session) { o.remind(s, gen) }) },
		func() { o.sessions.Do(userID, func(s *session.Session) { o.closeSession(s, gen) }) },
	)
}

// remind nudges the idle student. The generation check catches the case
// where an inbound message cancelled the chain while this callback was
// already queued behind it.
func (o *Orchestrator) remind(s *session.Session, gen uint64) {
	if s.Ended() || s.TimerGen() != gen {
		return
	}
	o.send(s.UserID, idleReminder)
}

// closeSession signs the student off after prolonged silence. The
// session-end marker in history is what lets the scheduler distinguish
// "finished talking" from "mid-conversation".
func (o *Orchestrator) closeSession(s *session.Session, gen uint64) {
	if s.Ended() || s.TimerGen() != gen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	closing, err := o.dialog.LessonEnd(ctx, "The student went quiet during practice", "friend")
	if err != nil {
		closing = "Our lesson is over for now. Great job today! Come back any time, I'll be here. 👋"
	}

	o.send(s.UserID, closing)

	if err := o.store.AppendMessage(&models.Message{
		UserID:  s.UserID,
		Role:    models.RoleBot,
		Kind:    models.KindSessionEnd,
		Content: closing,
	}); err != nil {
		o.log.Error("failed to record session end", zap.Int64(logger.FieldUserID, s.UserID), zap.Error(err))
	}

	s.Iteration = 0
	s.End()
}

// currentTopic returns the user's active topic, assigning the next
// uncompleted one when none is active. nil with no error means every
// topic is done.
func (o *Orchestrator) currentTopic(user *models.User) (*models.Topic, error) {
	if user.CurrentTopicID != nil {
		return o.store.GetTopic(*user.CurrentTopicID)
	}

	topics, err := o.store.TopicsExcluding(user.Progress)
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, nil
	}

	next := topics[0]
	if err := o.store.SetCurrentTopic(user.ID, &next.ID); err != nil {
		return nil, err
	}
	user.CurrentTopicID = &next.ID

	o.log.Info("assigned topic",
		zap.Int64(logger.FieldUserID, user.ID),
		zap.Int64(logger.FieldTopicID, next.ID))
	return &next, nil
}

func (o *Orchestrator) ensureUser(userID int64) (*models.User, error) {
	user, err := o.store.GetUserByID(userID)
	if err == database.ErrNotFound {
		return o.store.CreateUser(userID)
	}
	return user, err
}

func (o *Orchestrator) history(userID int64, limit int) []ai.Message {
	recent, err := o.store.RecentMessages(userID, limit)
	if err != nil {
		o.log.Error("failed to load history", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		return nil
	}
	return ai.HistoryMessages(recent)
}

func (o *Orchestrator) send(userID int64, text string) {
	if err := o.transport.SendMessage(userID, text, nil); err != nil {
		o.log.Warn("failed to send message", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
	}
}

// speak synthesizes the reply and sends it as voice, degrading to text
// when synthesis fails or returns nothing.
func (o *Orchestrator) speak(userID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	audio, err := o.speech.Synthesize(ctx, text)
	if err != nil {
		o.log.Warn("speech synthesis failed, sending text", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
		audio = nil
	}

	if err := o.transport.SendVoice(userID, audio, text); err != nil {
		o.log.Warn("failed to send voice", zap.Int64(logger.FieldUserID, userID), zap.Error(err))
	}
}

func formatFeedback(fb ai.Feedback, iteration int) string {
	var b strings.Builder

	if iteration > 0 {
		fmt.Fprintf(&b, "📝 Answer check (question %d):\n", iteration)
	} else {
		b.WriteString("📝 Answer check:\n")
	}

	if fb.IsCorrect {
		b.WriteString("✅ " + fb.Feedback)
	} else {
		b.WriteString("❌ " + fb.Feedback)
		if fb.CorrectAnswer != "" {
			b.WriteString("\n\nCorrect version: " + fb.CorrectAnswer)
		}
	}
	if fb.Explanation != "" {
		b.WriteString("\n" + fb.Explanation)
	}

	return b.String()
}

func formatReview(r ai.HomeworkReview) string {
	var b strings.Builder

	fmt.Fprintf(&b, "📚 Homework review: %d/10 (%s)\n\n%s", r.Score, r.GradeDescription, r.Feedback)

	if len(r.GrammarErrors) > 0 {
		b.WriteString("\n\nGrammar to work on:\n- " + strings.Join(r.GrammarErrors, "\n- "))
	}
	if r.VocabularyNotes != "" {
		b.WriteString("\n\nVocabulary: " + r.VocabularyNotes)
	}
	if len(r.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:\n- " + strings.Join(r.Suggestions, "\n- "))
	}

	return b.String()
}

// joinRecent joins the last n history turns into one line of context.
func joinRecent(history []ai.Message, n int) string {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	parts := make([]string, 0, len(history))
	for _, m := range history {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}
