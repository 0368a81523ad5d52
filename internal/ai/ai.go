// Package ai defines the external speech and language collaborators the
// dialogue orchestrator depends on. Implementations live in subpackages;
// tests substitute fakes.
package ai

import (
	"context"
	"errors"
)

// ErrCollaboratorFailed wraps transcription, reply and synthesis failures
// so callers can treat them uniformly.
var ErrCollaboratorFailed = errors.New("ai: collaborator failed")

// Message is one turn of a conversation as seen by the reply generator.
type Message struct {
	Role string // "caller" or "system"
	Text string
}

// Transcriber converts an utterance (mono little-endian PCM of the given
// rate and bytes-per-sample width) to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, sampleWidth int) (string, error)
}

// Responder produces the agent's next line given the conversation so far
// and the caller's latest unprocessed utterances.
type Responder interface {
	Reply(ctx context.Context, history []Message) (string, error)
}

// Synthesizer renders text to a playable WAV file at the given path, mono
// s16le at the requested sample rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, wavPath string, sampleRate int) error
}
