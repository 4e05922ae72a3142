package models

import "time"

// Role identifies who authored a history entry.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// MessageKind marks what a history entry is, so that the scheduler and the
// text-message router never have to sniff message content.
type MessageKind string

const (
	KindChat          MessageKind = "chat"
	KindReinforcement MessageKind = "reinforcement_question"
	KindSessionEnd    MessageKind = "session_end"
)

type User struct {
	ID             int64      `db:"id"`
	CurrentTopicID *int64     `db:"current_topic_id"`
	LastLessonAt   *time.Time `db:"last_lesson_at"`
	Progress       []int64    `db:"progress"`
	CreatedAt      time.Time  `db:"created_at"`
}

// HasCompleted reports whether topicID is already in the user's progress set.
func (u *User) HasCompleted(topicID int64) bool {
	for _, id := range u.Progress {
		if id == topicID {
			return true
		}
	}
	return false
}

type Topic struct {
	ID          int64    `db:"id"`
	Title       string   `db:"title"`
	Description string   `db:"description"`
	Tasks       []string `db:"tasks"`
}

// FirstTask returns the first example task, or "" when the topic has none.
func (t *Topic) FirstTask() string {
	if t == nil || len(t.Tasks) == 0 {
		return ""
	}
	return t.Tasks[0]
}

type Message struct {
	ID          int64       `db:"id"`
	UserID      int64       `db:"user_id"`
	Role        Role        `db:"role"`
	Kind        MessageKind `db:"kind"`
	Content     string      `db:"content"`
	VoiceFileID string      `db:"voice_file_id"`
	CreatedAt   time.Time   `db:"created_at"`
}

type Homework struct {
	ID         int64      `db:"id"`
	UserID     int64      `db:"user_id"`
	TopicID    int64      `db:"topic_id"`
	TaskText   string     `db:"task_text"`
	AnswerText string     `db:"answer_text"`
	IsChecked  bool       `db:"is_checked"`
	IsPassed   bool       `db:"is_passed"`
	AssignedAt time.Time  `db:"assigned_at"`
	CheckedAt  *time.Time `db:"checked_at"`
}
