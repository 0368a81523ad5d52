// Package telephony defines the contract between the agent and the SIP/media
// library backing it. The agent consumes endpoint events on its media
// goroutine; implementations deliver all signalling through the Events
// channel and never call back into the agent.
package telephony

import (
	"context"
	"errors"
)

// Sentinel errors shared by endpoint implementations.
var (
	// ErrCallNotReady is returned for media operations on a call that has
	// not reached the confirmed state.
	ErrCallNotReady = errors.New("telephony: call not ready")
	// ErrNoActiveMedia is returned when a call has no active audio stream.
	ErrNoActiveMedia = errors.New("telephony: no active media")
	// ErrUnknownCall is returned for operations naming a call id the
	// endpoint does not track.
	ErrUnknownCall = errors.New("telephony: unknown call")
)

// CallState is the media state of a call as seen by the endpoint.
type CallState int

const (
	// StateEarly: invitation received or ringing, media not yet flowing.
	StateEarly CallState = iota
	// StateConfirmed: the call is answered and media is active.
	StateConfirmed
	// StateDisconnected: the call has ended.
	StateDisconnected
)

func (s CallState) String() string {
	switch s {
	case StateEarly:
		return "early"
	case StateConfirmed:
		return "confirmed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a signalling event delivered on the endpoint's event channel.
// Exactly one field set is meaningful per Kind.
type Event struct {
	Kind      EventKind
	CallID    string
	RemoteURI string
	State     CallState
	// Registered reports the outcome of a REGISTER refresh.
	Registered bool
	// Reason carries a human-readable cause for failures and disconnects.
	Reason string
}

// EventKind discriminates endpoint events.
type EventKind int

const (
	// EventIncomingCall: a new invitation arrived. CallID and RemoteURI set.
	EventIncomingCall EventKind = iota
	// EventCallState: a call changed media state. CallID and State set.
	EventCallState
	// EventRegistration: registration state changed. Registered and Reason set.
	EventRegistration
)

// Sink receives caller audio as mono s16le PCM at the endpoint's clock rate.
// Write is called from the endpoint's receive goroutine and must not block.
type Sink interface {
	Write(pcm []byte) error
}

// Endpoint is the SIP/media library abstraction the agent drives.
//
// Start binds transports and begins delivering events; Stop tears everything
// down and closes the Events channel. All other methods are safe to call
// from the agent's media goroutine after Start returns.
type Endpoint interface {
	Start(ctx context.Context) error
	Stop()

	// Events delivers signalling to the agent. The channel is buffered;
	// the endpoint drops events if the agent stops draining it.
	Events() <-chan Event

	// Register sends a REGISTER to the configured registrar and keeps the
	// binding refreshed until Stop.
	Register(ctx context.Context) error

	// Answer responds 180 Ringing then 200 OK to an incoming call.
	Answer(callID string) error
	// Hangup ends the call with a BYE (or a final failure response when
	// the call was never answered).
	Hangup(callID string) error

	// AttachSink routes the call's decoded caller audio to sink.
	AttachSink(callID string, sink Sink) error
	// DetachSink stops routing audio for the call; safe when never attached.
	DetachSink(callID string)
	// PauseSink suspends (true) or resumes (false) delivery to the sink
	// without detaching it.
	PauseSink(callID string, paused bool)

	// StartPlayback streams the WAV file into the call until it ends or
	// StopPlayback is called. Starting a new playback replaces a running one.
	StartPlayback(callID, wavPath string) error
	// StopPlayback cancels a running playback; no-op when idle.
	StopPlayback(callID string)
}
