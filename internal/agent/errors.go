package agent

import "errors"

// Sentinel errors surfaced by the agent's media operations.
var (
	// ErrFileNotFound: a playback path does not exist.
	ErrFileNotFound = errors.New("agent: file not found")
	// ErrCallNotReady: the call has not reached the confirmed media state.
	ErrCallNotReady = errors.New("agent: call not ready")
	// ErrQueueClosed: a command was submitted after the agent stopped.
	ErrQueueClosed = errors.New("agent: command queue closed")
	// ErrTimeout: the media thread failed to initialize or join in time.
	ErrTimeout = errors.New("agent: timed out")
	// ErrNoActiveCall: play_wav with no call id found no active call.
	ErrNoActiveCall = errors.New("agent: no active call")
)
