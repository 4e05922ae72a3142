// Package speech converts between voice messages and text.
package speech

import "context"

// FallbackTranscript stands in for a real transcription when the speech
// backend is unavailable, so the lesson can proceed.
const FallbackTranscript = "Hello, teacher! I am ready for the English lesson."

// Engine transcribes student voice messages and synthesizes the teacher's
// replies. Synthesize may return empty bytes, which callers treat as
// "send text instead of voice".
type Engine interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Dev is a stub engine for running without a speech backend: every voice
// message transcribes to the fallback phrase and nothing is synthesized.
type Dev struct{}

func (Dev) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return FallbackTranscript, nil
}

func (Dev) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return nil, nil
}
