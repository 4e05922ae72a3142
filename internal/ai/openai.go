package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"english-teacher-bot/internal/models"
)

const defaultModel = "gpt-4o-mini"

// OpenAI talks to the OpenAI chat completions API directly over HTTP.
type OpenAI struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

func NewOpenAI(baseURL, apiKey string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAI{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   defaultModel,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type chatCompletionRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	Temperature    float64   `json:"temperature"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *OpenAI) chat(ctx context.Context, messages []Message, maxTokens int, temperature float64, forceJSON bool) (string, error) {
	body := chatCompletionRequest{
		Model:       c.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if forceJSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("openai http %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("openai http %d: %s", resp.StatusCode, string(raw))
	}

	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices")
	}

	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *OpenAI) CheckAnswer(ctx context.Context, student string, topic *models.Topic, history []Message) (Feedback, error) {
	conversationContext := recentContext(history, 3)

	messages := []Message{
		{Role: "system", Content: checkAnswerPrompt(topic, conversationContext)},
		{Role: "user", Content: checkAnswerUserPrompt(student, topic, conversationContext)},
	}

	text, err := c.chat(ctx, messages, 200, 0.3, true)
	if err != nil {
		return Feedback{}, err
	}

	var fb Feedback
	if err := json.Unmarshal([]byte(text), &fb); err != nil {
		return Feedback{}, fmt.Errorf("openai: decode feedback: %w", err)
	}
	return fb, nil
}

func (c *OpenAI) Reply(ctx context.Context, student string, history []Message, topic *models.Topic, verdict *Feedback) (string, error) {
	var system string
	if topic == nil && verdict == nil {
		system = teacherChatPrompt
	} else {
		system = replyPrompt(topic, verdict)
	}

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: student})

	return c.chat(ctx, messages, 150, 0.7, false)
}

func (c *OpenAI) GenerateHomework(ctx context.Context, topic *models.Topic, history []Message) (string, error) {
	var recent []string
	for _, m := range history {
		if m.Role == "user" {
			recent = append(recent, m.Content)
		}
	}
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	messages := []Message{
		{Role: "system", Content: homeworkPrompt(topic)},
		{Role: "user", Content: fmt.Sprintf(
			"The student's recent answers: %s\n\nCreate a homework assignment matched to the student's level and the covered material.",
			strings.Join(recent, "; "))},
	}

	return c.chat(ctx, messages, 300, 0.7, false)
}

func (c *OpenAI) CheckHomework(ctx context.Context, task, answer, topicTitle string) (HomeworkReview, error) {
	messages := []Message{
		{Role: "system", Content: checkHomeworkSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Lesson topic: %s\n\nHomework assignment:\n%s\n\nStudent's answer:\n%s\n\nCheck the homework and grade it on the 10-point scale.",
			topicTitle, task, answer)},
	}

	text, err := c.chat(ctx, messages, 500, 0.3, true)
	if err != nil {
		return HomeworkReview{}, err
	}

	var review HomeworkReview
	if err := json.Unmarshal([]byte(text), &review); err != nil {
		return HomeworkReview{}, fmt.Errorf("openai: decode homework review: %w", err)
	}
	return review, nil
}

func (c *OpenAI) LessonStart(ctx context.Context, topic *models.Topic) (string, error) {
	messages := []Message{
		{Role: "system", Content: lessonStartSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Create a welcome message for a lesson on the topic %q.\n\nTopic description: %s\n\nThe message should motivate the student to practice English.",
			topic.Title, topic.Description)},
	}

	return c.chat(ctx, messages, 150, 0.7, false)
}

func (c *OpenAI) LessonTask(ctx context.Context, topic *models.Topic) (string, error) {
	messages := []Message{
		{Role: "system", Content: lessonTaskSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Create a SIMPLE opening task on the topic %q.\n\nTopic description: %s\nAvailable tasks: %s\n\nThe student should be able to answer with one or two sentences.",
			topic.Title, topic.Description, strings.Join(topic.Tasks, "; "))},
	}

	return c.chat(ctx, messages, 50, 0.7, false)
}

func (c *OpenAI) ReinforcementQuestion(ctx context.Context, topic *models.Topic, previous []string) (string, error) {
	messages := []Message{
		{Role: "system", Content: reinforcementPrompt(topic, previous)},
		{Role: "user", Content: "Ask the practice question."},
	}

	return c.chat(ctx, messages, 60, 0.8, false)
}

func (c *OpenAI) LessonEnd(ctx context.Context, summary, name string) (string, error) {
	messages := []Message{
		{Role: "system", Content: lessonEndSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Student's name: %s\nLesson summary: %s\n\nWrite the closing message.", name, summary)},
	}

	return c.chat(ctx, messages, 100, 0.7, false)
}

// recentContext joins the last n turns of history into a single line of
// dialog context for the checker prompt.
func recentContext(history []Message, n int) string {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	parts := make([]string, 0, len(history))
	for _, m := range history {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}
