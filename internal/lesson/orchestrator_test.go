package lesson

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"english-teacher-bot/internal/ai"
	"english-teacher-bot/internal/bot"
	"english-teacher-bot/internal/database"
	"english-teacher-bot/internal/models"
	"english-teacher-bot/internal/session"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	users     map[int64]*models.User
	topics    []models.Topic
	messages  []models.Message
	homeworks []*models.Homework
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[int64]*models.User{}}
}

func (f *fakeStore) GetUserByID(id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeStore) CreateUser(id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &models.User{ID: id, Progress: []int64{}, CreatedAt: time.Now()}
	f.users[id] = u
	copied := *u
	return &copied, nil
}

func (f *fakeStore) SetCurrentTopic(userID int64, topicID *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID].CurrentTopicID = topicID
	return nil
}

func (f *fakeStore) TouchLastLesson(userID int64, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID].LastLessonAt = &t
	return nil
}

func (f *fakeStore) GetTopic(id int64) (*models.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topics {
		if t.ID == id {
			copied := t
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) TopicsExcluding(exclude []int64) ([]models.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	skip := map[int64]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	var out []models.Topic
	for _, t := range f.topics {
		if !skip[t.ID] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendMessage(m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Kind == "" {
		m.Kind = models.KindChat
	}
	f.nextID++
	m.ID = f.nextID
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeStore) SaveDialog(userID int64, userText, botText, voiceFileID string) error {
	f.AppendMessage(&models.Message{UserID: userID, Role: models.RoleUser, Kind: models.KindChat, Content: userText, VoiceFileID: voiceFileID})
	f.AppendMessage(&models.Message{UserID: userID, Role: models.RoleBot, Kind: models.KindChat, Content: botText})
	return nil
}

func (f *fakeStore) RecentMessages(userID int64, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for i := len(f.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if f.messages[i].UserID == userID {
			out = append(out, f.messages[i])
		}
	}
	return out, nil
}

func (f *fakeStore) OpenHomework(userID int64) (*models.Homework, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.homeworks) - 1; i >= 0; i-- {
		hw := f.homeworks[i]
		if hw.UserID == userID && !hw.IsChecked {
			copied := *hw
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) SubmitHomeworkAnswer(userID int64, answerText string, passed bool) (*models.Homework, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.homeworks) - 1; i >= 0; i-- {
		hw := f.homeworks[i]
		if hw.UserID == userID && !hw.IsChecked {
			hw.AnswerText = answerText
			hw.IsChecked = true
			hw.IsPassed = passed
			copied := *hw
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) CompleteTopic(userID, topicID int64, homeworkText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[userID]
	u.Progress = append(u.Progress, topicID)
	u.CurrentTopicID = nil
	f.homeworks = append(f.homeworks, &models.Homework{UserID: userID, TopicID: topicID, TaskText: homeworkText, AssignedAt: time.Now()})
	return nil
}

// fakeAI records the order of calls.
type fakeAI struct {
	mu       sync.Mutex
	calls    []string
	feedback ai.Feedback
	review   ai.HomeworkReview
}

func (f *fakeAI) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeAI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAI) CheckAnswer(ctx context.Context, student string, topic *models.Topic, history []ai.Message) (ai.Feedback, error) {
	f.record("check")
	return f.feedback, nil
}

func (f *fakeAI) Reply(ctx context.Context, student string, history []ai.Message, topic *models.Topic, verdict *ai.Feedback) (string, error) {
	f.record("reply")
	if verdict != nil && verdict.IsCorrect {
		return "Well done! Next question: what is your favorite season?", nil
	}
	return "Let's try that again together.", nil
}

func (f *fakeAI) GenerateHomework(ctx context.Context, topic *models.Topic, history []ai.Message) (string, error) {
	f.record("homework")
	return "Write five sentences about " + topic.Title, nil
}

func (f *fakeAI) CheckHomework(ctx context.Context, task, answer, topicTitle string) (ai.HomeworkReview, error) {
	f.record("check_homework")
	return f.review, nil
}

func (f *fakeAI) LessonStart(ctx context.Context, topic *models.Topic) (string, error) {
	f.record("lesson_start")
	return "Welcome to " + topic.Title, nil
}

func (f *fakeAI) LessonTask(ctx context.Context, topic *models.Topic) (string, error) {
	f.record("lesson_task")
	return "Tell me one thing about " + topic.Title, nil
}

func (f *fakeAI) ReinforcementQuestion(ctx context.Context, topic *models.Topic, previous []string) (string, error) {
	f.record("reinforcement")
	return "What did you eat today?", nil
}

func (f *fakeAI) LessonEnd(ctx context.Context, summary, name string) (string, error) {
	f.record("lesson_end")
	return "Great work, " + name + "!", nil
}

type fakeSpeech struct {
	transcript string
}

func (f fakeSpeech) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return f.transcript, nil
}

func (f fakeSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("audio"), nil
}

type sentMessage struct {
	chatID int64
	text   string
	voice  bool
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	group   []string
	prompts int
}

func (f *fakeTransport) SendMessage(chatID int64, text string, replyMarkup interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeTransport) SendVoice(chatID int64, audio []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: caption, voice: true})
	return nil
}

func (f *fakeTransport) SendLessonPrompt(chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts++
	return nil
}

func (f *fakeTransport) SendToGroup(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = append(f.group, text)
	return nil
}

func (f *fakeTransport) DownloadVoice(fileID string) ([]byte, error) {
	return []byte("ogg"), nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func setup() (*Orchestrator, *fakeStore, *fakeAI, *fakeTransport, *session.Manager) {
	store := newFakeStore()
	dialog := &fakeAI{
		feedback: ai.Feedback{IsCorrect: true, Feedback: "Good answer!"},
		review:   ai.HomeworkReview{Score: 8, Feedback: "Nice work", GradeDescription: "good"},
	}
	transport := &fakeTransport{}
	sessions := session.NewManager()
	o := New(store, dialog, fakeSpeech{transcript: "I like music"}, transport, sessions)
	return o, store, dialog, transport, sessions
}

// drain waits until all queued work for the user has run.
func drain(sessions *session.Manager, userID int64) {
	done := make(chan struct{})
	sessions.Do(userID, func(*session.Session) { close(done) })
	<-done
}

func TestVoiceTurnChecksBeforeReplying(t *testing.T) {
	o, store, dialog, transport, sessions := setup()
	store.topics = []models.Topic{{ID: 1, Title: "Hobbies", Tasks: []string{"Tell me about your hobby."}}}

	o.Start(10, "Anna")
	o.HandleVoice(10, "Anna", "file-1")
	drain(sessions, 10)

	calls := dialog.callLog()
	if len(calls) < 2 || calls[0] != "check" || calls[1] != "reply" {
		t.Fatalf("expected check before reply, got %v", calls)
	}

	// The spoken reply must agree with the positive verdict.
	var spoke bool
	for _, m := range transport.messages() {
		if m.voice && strings.Contains(m.text, "Well done") {
			spoke = true
		}
	}
	if !spoke {
		t.Error("voice reply did not follow the verdict")
	}
}

func TestVoiceTurnPersistsDialog(t *testing.T) {
	o, store, _, transport, sessions := setup()
	store.topics = []models.Topic{{ID: 1, Title: "Hobbies"}}

	o.Start(10, "Anna")
	o.HandleVoice(10, "Anna", "file-1")
	drain(sessions, 10)

	recent, _ := store.RecentMessages(10, 10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(recent))
	}
	if recent[1].Role != models.RoleUser || recent[1].Content != "I like music" {
		t.Errorf("student row wrong: %+v", recent[1])
	}
	if recent[0].Role != models.RoleBot {
		t.Errorf("bot row wrong: %+v", recent[0])
	}

	if transport.prompts == 0 {
		t.Error("lesson prompt was not sent")
	}

	user, _ := store.GetUserByID(10)
	if user.LastLessonAt == nil {
		t.Error("last lesson time was not touched")
	}
}

func TestTopicAssignmentSkipsCompleted(t *testing.T) {
	o, store, _, _, sessions := setup()
	store.topics = []models.Topic{{ID: 1}, {ID: 2}, {ID: 3, Title: "Travel"}, {ID: 4}}

	store.CreateUser(10)
	store.users[10].Progress = []int64{1, 2}

	o.HandleVoice(10, "Anna", "file-1")
	drain(sessions, 10)

	user, _ := store.GetUserByID(10)
	if user.CurrentTopicID == nil || *user.CurrentTopicID != 3 {
		t.Fatalf("expected topic 3 assigned, got %v", user.CurrentTopicID)
	}
}

func TestAllTopicsCompletedReportsAndStops(t *testing.T) {
	o, store, dialog, transport, sessions := setup()
	store.topics = []models.Topic{{ID: 1}}

	store.CreateUser(10)
	store.users[10].Progress = []int64{1}

	o.HandleVoice(10, "Anna", "file-1")
	drain(sessions, 10)

	var congratulated bool
	for _, m := range transport.messages() {
		if m.text == allTopicsDone {
			congratulated = true
		}
	}
	if !congratulated {
		t.Error("student was not congratulated on finishing all topics")
	}

	// Report and return to idle: no dialog turn runs afterwards.
	if calls := dialog.callLog(); len(calls) != 0 {
		t.Errorf("dialog calls after all topics completed: %v", calls)
	}
	if recent, _ := store.RecentMessages(10, 10); len(recent) != 0 {
		t.Errorf("history rows written after all topics completed: %d", len(recent))
	}

	user, _ := store.GetUserByID(10)
	if user.CurrentTopicID != nil {
		t.Error("a completed topic was re-assigned")
	}
}

func TestFinishLessonGeneratesHomework(t *testing.T) {
	o, store, _, transport, sessions := setup()
	store.topics = []models.Topic{{ID: 1, Title: "Hobbies"}}

	o.HandleVoice(10, "Anna", "file-1")
	drain(sessions, 10)

	o.HandleCallback(10, "Anna", bot.CallbackFinishLesson)
	drain(sessions, 10)

	user, _ := store.GetUserByID(10)
	if !user.HasCompleted(1) {
		t.Error("topic was not marked completed")
	}
	if user.CurrentTopicID != nil {
		t.Error("current topic was not cleared")
	}

	hw, err := store.OpenHomework(10)
	if err != nil {
		t.Fatal("no open homework after finishing the lesson")
	}
	if !strings.Contains(hw.TaskText, "Hobbies") {
		t.Errorf("homework not tied to the topic: %q", hw.TaskText)
	}

	if len(transport.group) == 0 {
		t.Error("lesson summary was not forwarded to the group")
	}
}

func TestHomeworkAnswerLifecycle(t *testing.T) {
	o, store, _, transport, sessions := setup()
	store.topics = []models.Topic{{ID: 1, Title: "Hobbies"}}

	o.HandleVoice(10, "Anna", "file-1")
	drain(sessions, 10)
	o.HandleCallback(10, "Anna", bot.CallbackFinishLesson)
	drain(sessions, 10)

	o.HandleText(10, "Anna", "My hobby is playing the guitar. I practice every day.")
	drain(sessions, 10)

	if _, err := store.OpenHomework(10); err != database.ErrNotFound {
		t.Fatal("homework still open after the answer")
	}

	hw := store.homeworks[len(store.homeworks)-1]
	if !hw.IsPassed {
		t.Error("homework with score 8 should pass")
	}

	var reviewed bool
	for _, m := range transport.messages() {
		if strings.Contains(m.text, "8/10") {
			reviewed = true
		}
	}
	if !reviewed {
		t.Error("student never saw the review")
	}

	// The group gets the review together with the answer itself.
	var forwarded bool
	for _, g := range transport.group {
		if strings.Contains(g, "My hobby is playing the guitar") {
			forwarded = true
		}
	}
	if !forwarded {
		t.Error("homework answer was not forwarded to the group")
	}

	// A second text with nothing open is just a voice nudge.
	before := len(store.homeworks)
	o.HandleText(10, "Anna", "Another answer")
	drain(sessions, 10)
	if len(store.homeworks) != before {
		t.Error("second answer created homework state")
	}
}

func TestVoiceTurnArmsIdleChain(t *testing.T) {
	o, store, _, transport, sessions := setup()
	o.firstIdle = 20 * time.Millisecond
	o.secondIdle = 20 * time.Millisecond
	store.topics = []models.Topic{{ID: 1, Title: "Hobbies"}}

	o.Start(10, "Anna")
	o.HandleVoice(10, "Anna", "file-1")
	drain(sessions, 10)

	waitFor(t, "idle reminder", func() bool {
		for _, m := range transport.messages() {
			if m.text == idleReminder {
				return true
			}
		}
		return false
	})

	waitFor(t, "session-end marker", func() bool {
		recent, _ := store.RecentMessages(10, 10)
		for _, m := range recent {
			if m.Kind == models.KindSessionEnd {
				return true
			}
		}
		return false
	})
}

func TestStaleReminderDoesNotFire(t *testing.T) {
	o, store, _, transport, sessions := setup()
	store.CreateUser(10)

	// A reminder queued behind an inbound message must notice its chain
	// was cancelled and stay silent.
	o.sessions.Do(10, func(s *session.Session) {
		gen := s.ArmTimers(time.Hour, time.Hour, func() {}, func() {})
		s.CancelTimers()
		s.Touch()
		o.remind(s, gen)
	})
	drain(sessions, 10)

	for _, m := range transport.messages() {
		if m.text == idleReminder {
			t.Fatal("stale reminder still nudged the student")
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReinforcementAnswerWindow(t *testing.T) {
	o, store, _, transport, sessions := setup()
	store.CreateUser(10)

	store.AppendMessage(&models.Message{
		UserID:  10,
		Role:    models.RoleBot,
		Kind:    models.KindReinforcement,
		Content: "What did you eat today?",
	})

	o.HandleText(10, "Anna", "I ate pasta for lunch")
	drain(sessions, 10)

	var graded bool
	for _, m := range transport.messages() {
		if strings.Contains(m.text, "Answer check") {
			graded = true
		}
	}
	if !graded {
		t.Error("reinforcement answer was not graded")
	}
}

func TestReinforcementWindowExpires(t *testing.T) {
	o, store, _, transport, sessions := setup()
	store.CreateUser(10)

	store.AppendMessage(&models.Message{
		UserID:    10,
		Role:      models.RoleBot,
		Kind:      models.KindReinforcement,
		Content:   "What did you eat today?",
		CreatedAt: time.Now().Add(-time.Hour),
	})

	o.HandleText(10, "Anna", "I ate pasta for lunch")
	drain(sessions, 10)

	var nudged bool
	for _, m := range transport.messages() {
		if m.text == sendVoiceNudge {
			nudged = true
		}
	}
	if !nudged {
		t.Error("expired reinforcement question should fall through to the voice nudge")
	}
}

func TestTeacherModeSkipsGrading(t *testing.T) {
	o, store, dialog, _, sessions := setup()
	store.topics = []models.Topic{{ID: 1, Title: "Hobbies"}}

	o.Start(10, "Anna")
	o.HandleCallback(10, "Anna", bot.CallbackChatTeacher)
	o.HandleVoice(10, "Anna", "file-1")
	drain(sessions, 10)

	for _, c := range dialog.callLog() {
		if c == "check" {
			t.Fatal("teacher mode must not grade answers")
		}
	}
}
