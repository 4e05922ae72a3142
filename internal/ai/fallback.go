package ai

import (
	"fmt"
	"math/rand"
	"strings"

	"english-teacher-bot/internal/models"
)

// Canned behavior for when the language model is unreachable. The lesson
// keeps going on simple word-overlap checks and fixed responses instead of
// stopping.

// typoCorrections maps frequent speech transcription mistakes to the
// intended word.
var typoCorrections = map[string]string{
	"yoy":    "you",
	"dont":   "don't",
	"cant":   "can't",
	"wont":   "won't",
	"im":     "i'm",
	"ive":    "i've",
	"youre":  "you're",
	"theyre": "they're",
	"were":   "we're",
}

// Normalize lowercases the answer, collapses whitespace and fixes common
// transcription typos token by token. It is idempotent.
func Normalize(answer string) string {
	words := strings.Fields(strings.ToLower(answer))
	for i, w := range words {
		if fixed, ok := typoCorrections[w]; ok {
			words[i] = fixed
		}
	}
	return strings.Join(words, " ")
}

// Similarity is the Jaccard similarity of the two answers' word sets.
// Either side being empty yields 0.
func Similarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection

	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

// ExpectedAnswer picks the reference answer for the similarity check: the
// topic's first task when there is one, otherwise a generic introduction.
func ExpectedAnswer(topic *models.Topic, conversationContext string) string {
	if conversationContext != "" {
		return conversationContext
	}
	if topic != nil {
		if task := topic.FirstTask(); task != "" {
			return task
		}
		return "Answer about " + topic.Title
	}
	return "Hello, my name is [name]. I like [hobby]."
}

// FallbackFeedback grades an answer by word overlap. With dialog context
// the threshold is relaxed, since a conversational answer rarely matches
// the reference word for word.
func FallbackFeedback(student, expected, conversationContext string) Feedback {
	similarity := Similarity(Normalize(student), Normalize(expected))

	if conversationContext != "" {
		if similarity >= 0.5 {
			return Feedback{
				IsCorrect:     true,
				Feedback:      "Great! 👍 That fits the conversation well!",
				CorrectAnswer: student,
			}
		}
		return Feedback{
			IsCorrect:     false,
			Feedback:      "Almost! Try to answer in a bit more detail.",
			CorrectAnswer: student,
			Explanation:   "Your answer is clear, but you could add more details.",
		}
	}

	if similarity >= 0.7 {
		return Feedback{
			IsCorrect:     true,
			Feedback:      "Great! 👍 You answered well!",
			CorrectAnswer: expected,
		}
	}
	return Feedback{
		IsCorrect:     false,
		Feedback:      fmt.Sprintf("Almost! A good answer would be: %q", expected),
		CorrectAnswer: expected,
		Explanation:   "Try again, keeping closer to the topic!",
	}
}

func FallbackReply() string {
	return "I'm sorry, I had trouble thinking of an answer. Let's keep practicing! Can you tell me more? 😊"
}

func FallbackLessonStart(topic *models.Topic) string {
	return fmt.Sprintf("Hello! 👋 Ready to learn about %s? Let's start our English lesson!", topic.Title)
}

func FallbackLessonTask(topic *models.Topic) string {
	if task := topic.FirstTask(); task != "" {
		return task
	}
	return "Tell me about yourself in one sentence."
}

func FallbackHomework(topic *models.Topic) string {
	return fmt.Sprintf("Write a short text (5-7 sentences) about %q. Use the words we practiced in the lesson and send your answer as a text message.", topic.Title)
}

func FallbackLessonEnd(name string) string {
	return fmt.Sprintf("Well done, %s! You worked hard today. Keep practicing and you will get even better! 😊", name)
}

// GeneralQuestions is the pool of practice questions used when the student
// has no topic yet.
var GeneralQuestions = []string{
	"What did you do today? Tell me in English!",
	"What is your favorite food? Describe it in one sentence.",
	"What do you like to do in your free time?",
	"Describe the weather today in English.",
	"What is your favorite movie or book? Why do you like it?",
	"Tell me about your best friend in two sentences.",
	"What are your plans for the weekend?",
	"What new English word did you learn recently?",
}

// RandomGeneralQuestion avoids the recently asked questions when possible.
func RandomGeneralQuestion(previous []string) string {
	asked := make(map[string]struct{}, len(previous))
	for _, q := range previous {
		asked[q] = struct{}{}
	}

	var fresh []string
	for _, q := range GeneralQuestions {
		if _, ok := asked[q]; !ok {
			fresh = append(fresh, q)
		}
	}
	if len(fresh) == 0 {
		fresh = GeneralQuestions
	}

	return fresh[rand.Intn(len(fresh))]
}
