// Package telephonytest provides an in-memory telephony.Endpoint for tests:
// calls are scripted by the test, audio is fed directly into sinks, and
// every agent-side operation is recorded for assertion.
package telephonytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/echomatrix/echomatrix/internal/telephony"
)

// Playback records one StartPlayback invocation.
type Playback struct {
	CallID string
	Path   string
}

// Endpoint is a scriptable in-memory implementation of telephony.Endpoint.
type Endpoint struct {
	mu sync.Mutex

	started    bool
	registered bool
	events     chan telephony.Event

	answered  []string
	hungUp    []string
	sinks     map[string]telephony.Sink
	paused    map[string]bool
	playbacks []Playback
	playing   map[string]string

	// FailAnswer makes Answer return an error, for fault-path tests.
	FailAnswer error
	// FailPlayback makes StartPlayback return an error.
	FailPlayback error
}

// New creates an idle test endpoint.
func New() *Endpoint {
	return &Endpoint{
		events:  make(chan telephony.Event, 64),
		sinks:   make(map[string]telephony.Sink),
		paused:  make(map[string]bool),
		playing: make(map[string]string),
	}
}

func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

func (e *Endpoint) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	close(e.events)
}

func (e *Endpoint) Events() <-chan telephony.Event { return e.events }

func (e *Endpoint) Register(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered = true
	return nil
}

// Registered reports whether Register was called.
func (e *Endpoint) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered
}

func (e *Endpoint) Answer(callID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailAnswer != nil {
		return e.FailAnswer
	}
	e.answered = append(e.answered, callID)
	return nil
}

func (e *Endpoint) Hangup(callID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hungUp = append(e.hungUp, callID)
	return nil
}

func (e *Endpoint) AttachSink(callID string, sink telephony.Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("nil sink for call %s", callID)
	}
	e.sinks[callID] = sink
	return nil
}

func (e *Endpoint) DetachSink(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sinks, callID)
	delete(e.paused, callID)
}

func (e *Endpoint) PauseSink(callID string, paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused[callID] = paused
}

func (e *Endpoint) StartPlayback(callID, wavPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailPlayback != nil {
		return e.FailPlayback
	}
	e.playbacks = append(e.playbacks, Playback{CallID: callID, Path: wavPath})
	e.playing[callID] = wavPath
	return nil
}

func (e *Endpoint) StopPlayback(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.playing, callID)
}

// RingIn scripts an incoming call.
func (e *Endpoint) RingIn(callID, remoteURI string) {
	e.events <- telephony.Event{
		Kind:      telephony.EventIncomingCall,
		CallID:    callID,
		RemoteURI: remoteURI,
	}
}

// Confirm scripts the call reaching the confirmed media state.
func (e *Endpoint) Confirm(callID string) {
	e.events <- telephony.Event{
		Kind:   telephony.EventCallState,
		CallID: callID,
		State:  telephony.StateConfirmed,
	}
}

// Disconnect scripts the call ending.
func (e *Endpoint) Disconnect(callID, reason string) {
	e.events <- telephony.Event{
		Kind:   telephony.EventCallState,
		CallID: callID,
		State:  telephony.StateDisconnected,
		Reason: reason,
	}
}

// FeedAudio writes pcm into the call's attached sink, honoring pause.
// It reports whether a sink consumed the audio.
func (e *Endpoint) FeedAudio(callID string, pcm []byte) bool {
	e.mu.Lock()
	sink, ok := e.sinks[callID]
	paused := e.paused[callID]
	e.mu.Unlock()

	if !ok || paused {
		return false
	}
	return sink.Write(pcm) == nil
}

// Answered returns the call ids answered so far.
func (e *Endpoint) Answered() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.answered...)
}

// HungUp returns the call ids hung up so far.
func (e *Endpoint) HungUp() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.hungUp...)
}

// Playbacks returns every StartPlayback recorded so far.
func (e *Endpoint) Playbacks() []Playback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Playback(nil), e.playbacks...)
}

// Playing reports the wav path currently playing into the call, if any.
func (e *Endpoint) Playing(callID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.playing[callID]
	return p, ok
}

// SinkAttached reports whether the call currently has a sink.
func (e *Endpoint) SinkAttached(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sinks[callID]
	return ok
}

// Paused reports the pause state of the call's sink.
func (e *Endpoint) Paused(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused[callID]
}
