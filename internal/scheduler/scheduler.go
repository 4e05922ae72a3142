// Package scheduler delivers the recurring parts of the course: daily
// lessons on weekdays, reinforcement questions between them, weekly
// homework on Friday evening and topic rotation on Monday. Every delivery
// is suppressed for students who are in the middle of a live conversation.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"english-teacher-bot/internal/ai"
	"english-teacher-bot/internal/models"
	"english-teacher-bot/internal/session"
	"english-teacher-bot/internal/speech"
	"english-teacher-bot/pkg/logger"
)

// Store is the slice of the repository the scheduler needs.
type Store interface {
	ListUsers() ([]models.User, error)
	GetTopic(id int64) (*models.Topic, error)
	TopicsExcluding(exclude []int64) ([]models.Topic, error)
	SetCurrentTopic(userID int64, topicID *int64) error
	AppendMessage(m *models.Message) error
	RecentMessages(userID int64, limit int) ([]models.Message, error)
	RecentQuestions(userID int64, limit int) ([]string, error)
	CreateHomework(userID, topicID int64, taskText string) (*models.Homework, error)
}

// Transport is the slice of the bot the scheduler needs.
type Transport interface {
	SendMessage(chatID int64, text string, replyMarkup interface{}) error
	SendVoice(chatID int64, audio []byte, caption string) error
}

type Config struct {
	Location *time.Location

	// LessonTime is the weekday lesson time as "15:04".
	LessonTime string

	ReinforcementInterval time.Duration

	// SendDelay spaces out per-user deliveries so the Telegram API is not
	// hammered in a burst.
	SendDelay time.Duration

	// LessonSuppression is how recent the last message must be for a
	// student to count as mid-conversation when the lesson fires.
	LessonSuppression time.Duration
}

func (c *Config) withDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.LessonTime == "" {
		c.LessonTime = "12:00"
	}
	if c.ReinforcementInterval <= 0 {
		c.ReinforcementInterval = 90 * time.Minute
	}
	if c.SendDelay <= 0 {
		c.SendDelay = 100 * time.Millisecond
	}
	if c.LessonSuppression <= 0 {
		c.LessonSuppression = 10 * time.Minute
	}
}

const (
	recentWindow = 5
	aiTimeout    = 30 * time.Second

	// A fresh reinforcement question blocks sending another one for this
	// long, whatever the interval.
	recentQuestionGuard = 2 * time.Minute
)

type Scheduler struct {
	cfg       Config
	store     Store
	dialog    ai.Client
	speech    speech.Engine
	transport Transport
	sessions  *session.Manager
	log       *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(cfg Config, store Store, dialog ai.Client, engine speech.Engine, transport Transport, sessions *session.Manager) *Scheduler {
	cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		dialog:    dialog,
		speech:    engine,
		transport: transport,
		sessions:  sessions,
		log:       zap.L().With(zap.String(logger.FieldService, "scheduler")),
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	var hour, minute int
	if _, err := fmt.Sscanf(s.cfg.LessonTime, "%d:%d", &hour, &minute); err != nil {
		return fmt.Errorf("invalid lesson time %q: %w", s.cfg.LessonTime, err)
	}

	c := cron.New(cron.WithLocation(s.cfg.Location))

	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{fmt.Sprintf("%d %d * * 1-5", minute, hour), "daily_lesson", s.lessonJob},
		{fmt.Sprintf("@every %s", s.cfg.ReinforcementInterval), "reinforcement", s.reinforcementJob},
		{"0 18 * * 5", "weekly_homework", s.weeklyHomeworkJob},
		{"0 12 * * 1", "topic_rotation", s.rotateTopicsJob},
	}

	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		s.log.Info("job scheduled", zap.String(logger.FieldJob, j.name), zap.String("spec", j.spec))
	}

	c.Start()
	s.cron = c
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// Restart rebuilds the schedule, optionally with a new reinforcement
// interval (zero keeps the current one).
func (s *Scheduler) Restart(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	if interval > 0 {
		s.cfg.ReinforcementInterval = interval
	}
	return s.startLocked()
}

// InConversation reports whether the recent history shows a live
// conversation: some message newer than threshold, and no sign-off since.
// A session-end marker means the student already finished talking, so a
// scheduled delivery is welcome again.
func InConversation(recent []models.Message, threshold time.Duration, now time.Time) bool {
	if len(recent) == 0 {
		return false
	}
	if now.Sub(recent[0].CreatedAt) >= threshold {
		return false
	}
	for _, m := range recent {
		if m.Role == models.RoleBot && m.Kind == models.KindSessionEnd {
			return false
		}
	}
	return true
}

// forEachUser runs fn for every student, one at a time, inside that
// student's session worker so scheduled deliveries never race with a live
// handler.
func (s *Scheduler) forEachUser(job string, fn func(*session.Session, *models.User) error) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.log.Error("failed to list users", zap.String(logger.FieldJob, job), zap.Error(err))
		return
	}

	var errs error
	for i := range users {
		user := users[i]

		done := make(chan error, 1)
		s.sessions.Do(user.ID, func(sess *session.Session) {
			done <- fn(sess, &user)
		})
		if err := <-done; err != nil {
			errs = multierr.Append(errs, fmt.Errorf("user %d: %w", user.ID, err))
		}

		time.Sleep(s.cfg.SendDelay)
	}

	if errs != nil {
		s.log.Warn("job finished with errors", zap.String(logger.FieldJob, job), zap.Error(errs))
	} else {
		s.log.Info("job finished", zap.String(logger.FieldJob, job), zap.Int("users", len(users)))
	}
}

func (s *Scheduler) lessonJob() {
	s.forEachUser("daily_lesson", func(sess *session.Session, user *models.User) error {
		return s.deliverLesson(user)
	})
}

func (s *Scheduler) deliverLesson(user *models.User) error {
	recent, err := s.store.RecentMessages(user.ID, recentWindow)
	if err != nil {
		return err
	}
	if InConversation(recent, s.cfg.LessonSuppression, time.Now()) {
		s.log.Info("lesson suppressed, student mid-conversation", zap.Int64(logger.FieldUserID, user.ID))
		return nil
	}

	topic, err := s.nextTopic(user)
	if err != nil {
		return err
	}
	if topic == nil {
		return s.transport.SendMessage(user.ID,
			"🎉 You have completed every topic! Send me a voice message any time for extra practice.", nil)
	}

	if user.CurrentTopicID == nil || *user.CurrentTopicID != topic.ID {
		if err := s.store.SetCurrentTopic(user.ID, &topic.ID); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	start, err := s.dialog.LessonStart(ctx, topic)
	if err != nil {
		s.log.Warn("lesson start generation failed, falling back", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
		start = ai.FallbackLessonStart(topic)
	}
	task, err := s.dialog.LessonTask(ctx, topic)
	if err != nil {
		s.log.Warn("lesson task generation failed, falling back", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
		task = ai.FallbackLessonTask(topic)
	}

	audio, err := s.speech.Synthesize(ctx, start)
	if err != nil {
		audio = nil
	}
	if err := s.transport.SendVoice(user.ID, audio, start); err != nil {
		return err
	}
	if err := s.transport.SendMessage(user.ID, "🎯 Your task: "+task+"\n\nAnswer with a voice message!", nil); err != nil {
		return err
	}

	return s.store.AppendMessage(&models.Message{
		UserID:  user.ID,
		Role:    models.RoleBot,
		Kind:    models.KindChat,
		Content: start + "\n" + task,
	})
}

func (s *Scheduler) reinforcementJob() {
	s.forEachUser("reinforcement", func(sess *session.Session, user *models.User) error {
		return s.deliverReinforcement(user)
	})
}

func (s *Scheduler) deliverReinforcement(user *models.User) error {
	recent, err := s.store.RecentMessages(user.ID, recentWindow)
	if err != nil {
		return err
	}
	if InConversation(recent, s.cfg.ReinforcementInterval, time.Now()) {
		return nil
	}

	// Never stack questions: if one was just asked, let it breathe.
	for _, m := range recent {
		if m.Role == models.RoleBot && m.Kind == models.KindReinforcement &&
			time.Since(m.CreatedAt) < recentQuestionGuard {
			return nil
		}
	}

	var topic *models.Topic
	if user.CurrentTopicID != nil {
		topic, err = s.store.GetTopic(*user.CurrentTopicID)
		if err != nil {
			s.log.Warn("failed to load current topic", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
			topic = nil
		}
	}

	previous, err := s.store.RecentQuestions(user.ID, recentWindow)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	question, err := s.dialog.ReinforcementQuestion(ctx, topic, previous)
	if err != nil {
		s.log.Warn("question generation failed, falling back", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
		question = ai.RandomGeneralQuestion(previous)
	}

	if err := s.transport.SendMessage(user.ID,
		"💪 Practice time!\n\n"+question+"\n\nAnswer with a text message.", nil); err != nil {
		return err
	}

	return s.store.AppendMessage(&models.Message{
		UserID:  user.ID,
		Role:    models.RoleBot,
		Kind:    models.KindReinforcement,
		Content: question,
	})
}

func (s *Scheduler) weeklyHomeworkJob() {
	s.forEachUser("weekly_homework", func(sess *session.Session, user *models.User) error {
		return s.deliverWeeklyHomework(user)
	})
}

const restWeekText = "🌿 You didn't study any new topics this week, so no homework — enjoy the rest! We'll pick things up on Monday."

func (s *Scheduler) deliverWeeklyHomework(user *models.User) error {
	topic, err := s.weeklyTopic(user, time.Now().In(s.cfg.Location))
	if err != nil {
		return err
	}
	if topic == nil {
		return s.transport.SendMessage(user.ID, restWeekText, nil)
	}

	recent, err := s.store.RecentMessages(user.ID, recentWindow)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), aiTimeout)
	defer cancel()

	homework, err := s.dialog.GenerateHomework(ctx, topic, ai.HistoryMessages(recent))
	if err != nil {
		s.log.Warn("weekly homework generation failed, falling back", zap.Int64(logger.FieldUserID, user.ID), zap.Error(err))
		homework = ai.FallbackHomework(topic)
	}

	if _, err := s.store.CreateHomework(user.ID, topic.ID, homework); err != nil {
		return err
	}

	return s.transport.SendMessage(user.ID,
		"📚 Weekly homework on "+topic.Title+":\n\n"+homework+"\n\nSend your answer as a text message!", nil)
}

func (s *Scheduler) rotateTopicsJob() {
	s.forEachUser("topic_rotation", func(sess *session.Session, user *models.User) error {
		return s.rotateTopic(user)
	})
}

// rotateTopic moves every student onto a fresh topic for the new week.
func (s *Scheduler) rotateTopic(user *models.User) error {
	exclude := user.Progress
	if user.CurrentTopicID != nil {
		exclude = append(append([]int64{}, exclude...), *user.CurrentTopicID)
	}

	topics, err := s.store.TopicsExcluding(exclude)
	if err != nil {
		return err
	}
	if len(topics) == 0 {
		return s.transport.SendMessage(user.ID,
			"🎉 New week, and you've already covered every topic. Amazing work! Keep practicing with me.", nil)
	}

	next := topics[0]
	if err := s.store.SetCurrentTopic(user.ID, &next.ID); err != nil {
		return err
	}

	return s.transport.SendMessage(user.ID,
		"🗓 New week, new topic: "+next.Title+"!\n"+next.Description+"\n\nSend a voice message to start the lesson!", nil)
}

// SendTestLesson fires the lesson delivery for one student immediately.
func (s *Scheduler) SendTestLesson(userID int64) error {
	users, err := s.store.ListUsers()
	if err != nil {
		return err
	}
	for i := range users {
		if users[i].ID == userID {
			user := users[i]
			done := make(chan error, 1)
			s.sessions.Do(userID, func(*session.Session) {
				done <- s.deliverLesson(&user)
			})
			return <-done
		}
	}
	return fmt.Errorf("user %d not found", userID)
}

// weeklyTopic is the topic the student actually worked on this week: the
// current topic when there is one, otherwise the most recently completed
// one. nil means the week saw no lessons, which earns a rest instead of
// homework.
func (s *Scheduler) weeklyTopic(user *models.User, now time.Time) (*models.Topic, error) {
	if user.LastLessonAt == nil || user.LastLessonAt.Before(startOfWeek(now)) {
		return nil, nil
	}
	if user.CurrentTopicID != nil {
		return s.store.GetTopic(*user.CurrentTopicID)
	}
	if len(user.Progress) > 0 {
		return s.store.GetTopic(user.Progress[len(user.Progress)-1])
	}
	return nil, nil
}

// startOfWeek is midnight on Monday of now's week.
func startOfWeek(now time.Time) time.Time {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := now.AddDate(0, 0, -(weekday - 1))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, monday.Location())
}

// nextTopic is the student's current topic, or the first uncompleted one.
// nil means everything is done.
func (s *Scheduler) nextTopic(user *models.User) (*models.Topic, error) {
	if user.CurrentTopicID != nil {
		return s.store.GetTopic(*user.CurrentTopicID)
	}

	topics, err := s.store.TopicsExcluding(user.Progress)
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, nil
	}
	return &topics[0], nil
}
