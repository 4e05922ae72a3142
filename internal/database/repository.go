package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"english-teacher-bot/internal/models"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a query matches no rows.
var ErrNotFound = errors.New("not found")

// User operations

func (db *DB) GetUserByID(id int64) (*models.User, error) {
	var (
		user     models.User
		progress string
	)

	err := db.QueryRow(`
		SELECT id, current_topic_id, last_lesson_at, progress, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.CurrentTopicID, &user.LastLessonAt, &progress, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Progress, err = decodeProgress(progress)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func (db *DB) CreateUser(id int64) (*models.User, error) {
	var (
		user     models.User
		progress string
	)

	err := db.QueryRow(`
		INSERT INTO users (id, progress)
		VALUES ($1, '[]')
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, current_topic_id, last_lesson_at, progress, created_at
	`, id).Scan(&user.ID, &user.CurrentTopicID, &user.LastLessonAt, &progress, &user.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	user.Progress, err = decodeProgress(progress)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func (db *DB) ListUsers() ([]models.User, error) {
	rows, err := db.Query(`
		SELECT id, current_topic_id, last_lesson_at, progress, created_at
		FROM users
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var (
			user     models.User
			progress string
		)
		if err := rows.Scan(&user.ID, &user.CurrentTopicID, &user.LastLessonAt, &progress, &user.CreatedAt); err != nil {
			return nil, err
		}
		if user.Progress, err = decodeProgress(progress); err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

func (db *DB) SetCurrentTopic(userID int64, topicID *int64) error {
	_, err := db.Exec(`
		UPDATE users SET current_topic_id = $1 WHERE id = $2
	`, topicID, userID)
	if err != nil {
		return fmt.Errorf("failed to set current topic: %w", err)
	}
	return nil
}

func (db *DB) TouchLastLesson(userID int64, t time.Time) error {
	_, err := db.Exec(`
		UPDATE users SET last_lesson_at = $1 WHERE id = $2
	`, t, userID)
	if err != nil {
		return fmt.Errorf("failed to update last lesson time: %w", err)
	}
	return nil
}

// Topic operations

func (db *DB) GetTopic(id int64) (*models.Topic, error) {
	var (
		topic models.Topic
		tasks string
	)

	err := db.QueryRow(`
		SELECT id, title, description, tasks FROM topics WHERE id = $1
	`, id).Scan(&topic.ID, &topic.Title, &topic.Description, &tasks)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}

	if err := json.Unmarshal([]byte(tasks), &topic.Tasks); err != nil {
		return nil, fmt.Errorf("failed to decode topic tasks: %w", err)
	}

	return &topic, nil
}

// TopicsExcluding returns all topics whose id is not in exclude, ordered by id.
func (db *DB) TopicsExcluding(exclude []int64) ([]models.Topic, error) {
	if exclude == nil {
		exclude = []int64{}
	}

	rows, err := db.Query(`
		SELECT id, title, description, tasks
		FROM topics
		WHERE id <> ALL($1)
		ORDER BY id
	`, pq.Array(exclude))
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var (
			topic models.Topic
			tasks string
		)
		if err := rows.Scan(&topic.ID, &topic.Title, &topic.Description, &tasks); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tasks), &topic.Tasks); err != nil {
			return nil, fmt.Errorf("failed to decode topic tasks: %w", err)
		}
		topics = append(topics, topic)
	}

	return topics, rows.Err()
}

// Message history operations

func (db *DB) AppendMessage(m *models.Message) error {
	if m.Kind == "" {
		m.Kind = models.KindChat
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err := db.Exec(`
		INSERT INTO message_history (user_id, role, kind, content, voice_file_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, m.UserID, m.Role, m.Kind, m.Content, m.VoiceFileID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// SaveDialog persists one student/bot message pair in a single transaction.
func (db *DB) SaveDialog(userID int64, userText, botText, voiceFileID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.Exec(`
		INSERT INTO message_history (user_id, role, kind, content, voice_file_id, created_at)
		VALUES ($1, 'user', 'chat', $2, NULLIF($3, ''), $4)
	`, userID, userText, voiceFileID, now)
	if err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO message_history (user_id, role, kind, content, created_at)
		VALUES ($1, 'bot', 'chat', $2, $3)
	`, userID, botText, now)
	if err != nil {
		return fmt.Errorf("failed to save bot message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dialog: %w", err)
	}
	return nil
}

// RecentMessages returns the newest limit history entries, newest first.
func (db *DB) RecentMessages(userID int64, limit int) ([]models.Message, error) {
	rows, err := db.Query(`
		SELECT id, user_id, role, kind, content, COALESCE(voice_file_id, ''), created_at
		FROM message_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Kind, &m.Content, &m.VoiceFileID, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// RecentQuestions returns the texts of the newest reinforcement questions
// sent to the user, newest first.
func (db *DB) RecentQuestions(userID int64, limit int) ([]string, error) {
	rows, err := db.Query(`
		SELECT content
		FROM message_history
		WHERE user_id = $1 AND role = 'bot' AND kind = 'reinforcement_question'
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reinforcement questions: %w", err)
	}
	defer rows.Close()

	var questions []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}

	return questions, rows.Err()
}

// Homework operations

func (db *DB) CreateHomework(userID, topicID int64, taskText string) (*models.Homework, error) {
	var hw models.Homework
	var answer sql.NullString

	err := db.QueryRow(`
		INSERT INTO homeworks (user_id, topic_id, task_text)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, topic_id, task_text, answer_text, is_checked, is_passed, assigned_at, checked_at
	`, userID, topicID, taskText).Scan(
		&hw.ID, &hw.UserID, &hw.TopicID, &hw.TaskText, &answer,
		&hw.IsChecked, &hw.IsPassed, &hw.AssignedAt, &hw.CheckedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create homework: %w", err)
	}

	hw.AnswerText = answer.String
	return &hw, nil
}

// OpenHomework returns the latest unchecked homework for the user.
func (db *DB) OpenHomework(userID int64) (*models.Homework, error) {
	var hw models.Homework
	var answer sql.NullString

	err := db.QueryRow(`
		SELECT id, user_id, topic_id, task_text, answer_text, is_checked, is_passed, assigned_at, checked_at
		FROM homeworks
		WHERE user_id = $1 AND is_checked = FALSE
		ORDER BY assigned_at DESC
		LIMIT 1
	`, userID).Scan(
		&hw.ID, &hw.UserID, &hw.TopicID, &hw.TaskText, &answer,
		&hw.IsChecked, &hw.IsPassed, &hw.AssignedAt, &hw.CheckedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open homework: %w", err)
	}

	hw.AnswerText = answer.String
	return &hw, nil
}

// SubmitHomeworkAnswer stores the student's answer on the latest unchecked
// homework and marks it checked. With no open homework it returns ErrNotFound,
// which makes a second submission a no-op.
func (db *DB) SubmitHomeworkAnswer(userID int64, answerText string, passed bool) (*models.Homework, error) {
	var hw models.Homework
	var answer sql.NullString

	err := db.QueryRow(`
		UPDATE homeworks
		SET answer_text = $1,
		    is_checked = TRUE,
		    is_passed = $2,
		    checked_at = $3
		WHERE id = (
			SELECT id FROM homeworks
			WHERE user_id = $4 AND is_checked = FALSE
			ORDER BY assigned_at DESC
			LIMIT 1
		)
		RETURNING id, user_id, topic_id, task_text, answer_text, is_checked, is_passed, assigned_at, checked_at
	`, answerText, passed, time.Now(), userID).Scan(
		&hw.ID, &hw.UserID, &hw.TopicID, &hw.TaskText, &answer,
		&hw.IsChecked, &hw.IsPassed, &hw.AssignedAt, &hw.CheckedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to submit homework answer: %w", err)
	}

	hw.AnswerText = answer.String
	return &hw, nil
}

// CompleteTopic records a finished lesson in one transaction: the topic joins
// the user's progress set (at most once), the current topic is cleared, and
// the generated homework is stored.
func (db *DB) CompleteTopic(userID, topicID int64, homeworkText string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var progressRaw string
	if err := tx.QueryRow(`
		SELECT progress FROM users WHERE id = $1 FOR UPDATE
	`, userID).Scan(&progressRaw); err != nil {
		return fmt.Errorf("failed to lock user row: %w", err)
	}

	progress, err := decodeProgress(progressRaw)
	if err != nil {
		return err
	}

	contains := false
	for _, id := range progress {
		if id == topicID {
			contains = true
			break
		}
	}
	if !contains {
		progress = append(progress, topicID)
	}

	encoded, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE users SET progress = $1, current_topic_id = NULL WHERE id = $2
	`, string(encoded), userID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO homeworks (user_id, topic_id, task_text)
		VALUES ($1, $2, $3)
	`, userID, topicID, homeworkText)
	if err != nil {
		return fmt.Errorf("failed to store homework: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit topic completion: %w", err)
	}
	return nil
}

func decodeProgress(raw string) ([]int64, error) {
	if raw == "" {
		return []int64{}, nil
	}
	var progress []int64
	if err := json.Unmarshal([]byte(raw), &progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	if progress == nil {
		progress = []int64{}
	}
	return progress, nil
}
