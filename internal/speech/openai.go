package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OpenAI implements Engine on top of the Whisper transcription and TTS
// endpoints.
type OpenAI struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	TranscribeModel string
	SpeechModel     string
	Voice           string
}

func NewOpenAI(baseURL, apiKey string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAI{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		APIKey:          apiKey,
		HTTP:            &http.Client{Timeout: 30 * time.Second},
		TranscribeModel: "whisper-1",
		SpeechModel:     "tts-1",
		Voice:           "onyx",
	}
}

func (c *OpenAI) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "voice.ogg")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := w.WriteField("model", c.TranscribeModel); err != nil {
		return "", err
	}
	if err := w.WriteField("language", "en"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription http %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("transcription: decode response: %w", err)
	}

	return strings.TrimSpace(out.Text), nil
}

func (c *OpenAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"model": c.SpeechModel,
		"voice": c.Voice,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("speech synthesis http %d: %s", resp.StatusCode, string(raw))
	}

	return raw, nil
}
