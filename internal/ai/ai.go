package ai

import (
	"context"

	"english-teacher-bot/internal/models"
)

// Message is one turn of a dialog in the form the language model expects.
// Role is "user", "assistant" or "system".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Feedback is the structured verdict on a single student answer.
type Feedback struct {
	IsCorrect     bool   `json:"is_correct"`
	Feedback      string `json:"feedback"`
	CorrectAnswer string `json:"correct_answer"`
	Explanation   string `json:"explanation"`
}

// HomeworkReview is the graded review of a submitted homework.
type HomeworkReview struct {
	Score            int      `json:"score"`
	Feedback         string   `json:"feedback"`
	GrammarErrors    []string `json:"grammar_errors"`
	VocabularyNotes  string   `json:"vocabulary_notes"`
	Suggestions      []string `json:"suggestions"`
	GradeDescription string   `json:"grade_description"`
}

// Client generates the teacher side of the conversation. Implementations
// return an error when the backing model is unreachable or replies with
// something unusable; callers are expected to fall back to canned responses.
type Client interface {
	// CheckAnswer grades the student's answer against the current topic
	// and recent dialog. It runs before Reply so the spoken response can
	// agree with the verdict.
	CheckAnswer(ctx context.Context, student string, topic *models.Topic, history []Message) (Feedback, error)

	// Reply produces the teacher's next conversational turn. verdict, when
	// non-nil, is the result of CheckAnswer for the same student message
	// and the reply must stay consistent with it. A nil topic means free
	// conversation with the teacher.
	Reply(ctx context.Context, student string, history []Message, topic *models.Topic, verdict *Feedback) (string, error)

	GenerateHomework(ctx context.Context, topic *models.Topic, history []Message) (string, error)
	CheckHomework(ctx context.Context, task, answer, topicTitle string) (HomeworkReview, error)

	LessonStart(ctx context.Context, topic *models.Topic) (string, error)
	LessonTask(ctx context.Context, topic *models.Topic) (string, error)

	// ReinforcementQuestion asks one short practice question, avoiding the
	// previously asked ones.
	ReinforcementQuestion(ctx context.Context, topic *models.Topic, previous []string) (string, error)

	LessonEnd(ctx context.Context, summary, name string) (string, error)
}
