package agent

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/echomatrix/echomatrix/internal/config"
	"github.com/echomatrix/echomatrix/internal/event"
	"github.com/echomatrix/echomatrix/internal/telephony"
)

// Account owns the agent's calls: it accepts invitations, wires recorders
// on confirm and tears media down on disconnect. All methods except
// PlayWAVToCall run on the media thread.
type Account struct {
	cfg      *config.Config
	endpoint telephony.Endpoint
	events   *event.Scoped
	queue    *Queue
	logger   *slog.Logger

	calls map[string]*Call
}

// NewAccount creates an account with no calls.
func NewAccount(cfg *config.Config, endpoint telephony.Endpoint, events *event.Scoped, queue *Queue, logger *slog.Logger) *Account {
	return &Account{
		cfg:      cfg,
		endpoint: endpoint,
		events:   events,
		queue:    queue,
		logger:   logger.With("component", "account"),
		calls:    make(map[string]*Call),
	}
}

// Calls returns the current call table; media-thread use only.
func (a *Account) Calls() map[string]*Call { return a.calls }

// FirstActive returns the oldest confirmed call, or nil.
func (a *Account) FirstActive() *Call {
	var oldest *Call
	for _, c := range a.calls {
		if !c.Active() {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest
}

// OnIncomingCall registers the call and answers it when auto-answer is on.
func (a *Account) OnIncomingCall(ev telephony.Event, now time.Time) {
	call := &Call{
		ID:        ev.CallID,
		RemoteURI: ev.RemoteURI,
		CreatedAt: now,
		State:     CallIdle,
	}
	call.note("incoming", now)
	a.calls[ev.CallID] = call

	a.logger.Info("incoming call", "call_id", ev.CallID, "remote", ev.RemoteURI)

	if !a.cfg.Call.AutoAnswer {
		return
	}
	if err := a.endpoint.Answer(ev.CallID); err != nil {
		a.logger.Error("answering call", "call_id", ev.CallID, "error", err)
		delete(a.calls, ev.CallID)
	}
}

// OnCallState reacts to confirm and disconnect transitions.
func (a *Account) OnCallState(ev telephony.Event, now time.Time) {
	call, ok := a.calls[ev.CallID]
	if !ok {
		return
	}

	switch ev.State {
	case telephony.StateConfirmed:
		a.confirmCall(call, now)
	case telephony.StateDisconnected:
		a.disconnectCall(call, now, ev.Reason)
	}
}

// confirmCall starts recording and emits CALL_ANSWERED. The welcome
// message, when configured, is scheduled for the media loop rather than
// played inline.
func (a *Account) confirmCall(call *Call, now time.Time) {
	call.State = CallConfirmed
	call.AnsweredAt = now
	call.note("confirmed", now)

	a.events.Emit(event.CallAnswered, event.Payload{
		event.KeyCallID:    call.ID,
		event.KeyRemoteURI: call.RemoteURI,
	})

	rec := NewRecorder(call.ID, a.recordingPath(call.ID, now), RecorderConfig{
		SampleRate:           a.cfg.Recording.SampleRate,
		SampleWidth:          a.cfg.Recording.SampleWidth,
		Format:               a.cfg.Recording.Format,
		ThresholdRMS:         a.cfg.Silence.ThresholdRMS,
		SilenceDurationMS:    a.cfg.Silence.DurationMS,
		MinAnalysisSpacingMS: a.cfg.Silence.MinAnalysisSpacingMS,
	}, a.events, a.logger)

	if err := rec.Start(now); err != nil {
		a.logger.Error("starting recorder", "call_id", call.ID, "error", err)
	} else if err := a.endpoint.AttachSink(call.ID, rec); err != nil {
		a.logger.Error("attaching recorder sink", "call_id", call.ID, "error", err)
		rec.Stop()
	} else {
		call.Recorder = rec
	}

	if a.cfg.Call.WelcomeMessage != "" {
		call.welcomePath = a.cfg.Call.WelcomeMessage
		call.welcomeDue = now.Add(time.Duration(a.cfg.Call.WelcomeDelayMS) * time.Millisecond)
	}
}

// disconnectCall stops media, emits CALL_DISCONNECTED and drops the call.
func (a *Account) disconnectCall(call *Call, now time.Time, reason string) {
	call.State = CallDisconnected
	call.DisconnectedAt = now
	call.note("disconnected", now)

	if call.Player != nil {
		call.Player.Stop()
		call.Player = nil
	}
	if call.Recorder != nil {
		a.endpoint.DetachSink(call.ID)
		call.Recorder.Stop()
	}
	delete(a.calls, call.ID)

	duration := 0.0
	if !call.AnsweredAt.IsZero() {
		duration = now.Sub(call.AnsweredAt).Seconds()
	}
	a.logger.Info("call ended",
		"call_id", call.ID,
		"reason", reason,
		"duration_sec", duration,
	)
	a.events.Emit(event.CallDisconnected, event.Payload{
		event.KeyCallID:   call.ID,
		event.KeyDuration: duration,
		event.KeyReason:   reason,
	})
}

// PlayWAVToCall enqueues a play command for the named call, or the first
// active call when callID is empty. Safe from any goroutine; this is the
// single cross-thread entry point into media.
func (a *Account) PlayWAVToCall(path, callID string) error {
	return a.queue.Submit(Command{
		Kind:     CommandPlayWAV,
		CallID:   callID,
		FilePath: path,
	})
}

// playWAV runs on the media thread and starts a Player on the target call,
// stopping a previous player first so AUDIO_ENDED precedes the new
// AUDIO_PLAYING.
func (a *Account) playWAV(cmd Command, now time.Time) error {
	var call *Call
	if cmd.CallID != "" {
		call = a.calls[cmd.CallID]
	} else {
		call = a.FirstActive()
	}
	if call == nil {
		return fmt.Errorf("%w: play %s", ErrNoActiveCall, cmd.FilePath)
	}
	if !call.Active() {
		return fmt.Errorf("%w: call %s", ErrCallNotReady, call.ID)
	}

	if call.Player != nil {
		call.Player.Stop()
		call.Player = nil
	}

	player, err := NewPlayer(call.ID, cmd.FilePath, a.endpoint, a.events, a.logger, now)
	if err != nil {
		return err
	}
	call.Player = player
	return nil
}

// sweepPlayers finishes any player whose duration has elapsed.
func (a *Account) sweepPlayers(now time.Time) {
	for _, call := range a.calls {
		if call.Player != nil && call.Player.CheckDone(now) {
			call.Player = nil
		}
	}
}

// sweepWelcome starts due welcome messages, bounded by welcome_max_ms.
func (a *Account) sweepWelcome(now time.Time) {
	for _, call := range a.calls {
		if call.welcomeDue.IsZero() || now.Before(call.welcomeDue) || !call.Active() {
			continue
		}
		call.welcomeDue = time.Time{}
		if err := a.playWAV(Command{CallID: call.ID, FilePath: call.welcomePath}, now); err != nil {
			a.logger.Error("playing welcome message", "call_id", call.ID, "error", err)
			continue
		}
		if maxMS := a.cfg.Call.WelcomeMaxMS; maxMS > 0 {
			call.Player.CapDuration(time.Duration(maxMS) * time.Millisecond)
		}
	}
}

// sweepMaxDuration ends confirmed calls older than the configured cap,
// playing the disconnect message first when one is configured.
func (a *Account) sweepMaxDuration(now time.Time) {
	max := time.Duration(a.cfg.Call.MaxCallSec) * time.Second
	if max <= 0 {
		return
	}
	for _, call := range a.calls {
		if !call.Active() {
			continue
		}
		if !call.hangupDue.IsZero() {
			if !now.Before(call.hangupDue) {
				a.hangup(call, now)
			}
			continue
		}
		if now.Sub(call.AnsweredAt) < max {
			continue
		}
		a.logger.Warn("call exceeded max duration, hanging up", "call_id", call.ID)
		if due := a.playDisconnectMessage(call, now); !due.IsZero() {
			call.hangupDue = due
			continue
		}
		a.hangup(call, now)
	}
}

// playDisconnectMessage plays the configured goodbye prompt and returns
// when the hangup should fire, or zero if nothing was played.
func (a *Account) playDisconnectMessage(call *Call, now time.Time) time.Time {
	path := a.cfg.Call.DisconnectMessage
	if path == "" {
		return time.Time{}
	}
	if err := a.playWAV(Command{CallID: call.ID, FilePath: path}, now); err != nil {
		a.logger.Error("playing disconnect message", "call_id", call.ID, "error", err)
		return time.Time{}
	}
	return now.Add(call.Player.Duration())
}

// hangup ends a call from our side. The endpoint emits the disconnect
// event, which loops back through OnCallState for the teardown.
func (a *Account) hangup(call *Call, now time.Time) {
	if err := a.endpoint.Hangup(call.ID); err != nil {
		a.logger.Error("hangup failed", "call_id", call.ID, "error", err)
		// No disconnect event will arrive; finish locally.
		a.disconnectCall(call, now, "hangup failed")
	}
}

// recordingPath builds <dir>/<YYYYMMDD-HHMMSS>_<call_id>.<pcm|wav>.
func (a *Account) recordingPath(callID string, now time.Time) string {
	name := fmt.Sprintf("%s_%s.%s",
		now.Format("20060102-150405"),
		sanitizeCallID(callID),
		a.cfg.Recording.Format,
	)
	return filepath.Join(a.cfg.Recording.Dir, name)
}

// shutdown ends every call locally; used when the agent stops and will no
// longer drain endpoint events.
func (a *Account) shutdown(now time.Time) {
	for _, call := range a.calls {
		if err := a.endpoint.Hangup(call.ID); err != nil {
			a.logger.Warn("hangup during shutdown", "call_id", call.ID, "error", err)
		}
		a.disconnectCall(call, now, "agent stopping")
	}
}
