package agent

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/echomatrix/echomatrix/internal/audio"
	"github.com/echomatrix/echomatrix/internal/event"
	"github.com/echomatrix/echomatrix/internal/telephony"
)

// Player streams one WAV file into a call. The media library gives no
// completion callback, so the media loop sweeps active players and ends
// each one once its known duration has elapsed.
type Player struct {
	callID   string
	path     string
	duration time.Duration
	start    time.Time

	endpoint telephony.Endpoint
	events   *event.Scoped
	logger   *slog.Logger
	done     bool
}

// NewPlayer validates the file and starts playback into the call. The
// caller must already have checked the call is confirmed.
func NewPlayer(callID, path string, endpoint telephony.Endpoint, events *event.Scoped, logger *slog.Logger, now time.Time) (*Player, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	duration, err := audio.WAVDuration(path)
	if err != nil {
		return nil, fmt.Errorf("probing playback file %s: %w", path, err)
	}

	if err := endpoint.StartPlayback(callID, path); err != nil {
		return nil, fmt.Errorf("starting playback on call %s: %w", callID, err)
	}

	p := &Player{
		callID:   callID,
		path:     path,
		duration: duration,
		start:    now,
		endpoint: endpoint,
		events:   events,
		logger:   logger.With("component", "player", "call_id", callID),
	}

	p.logger.Info("playback started", "path", path, "duration", duration)
	p.events.Emit(event.AudioPlaying, event.Payload{
		event.KeyCallID:   callID,
		event.KeyFilePath: path,
		event.KeyDuration: duration.Seconds(),
	})
	return p, nil
}

// Path returns the file being played.
func (p *Player) Path() string { return p.path }

// Duration returns the play time of the file.
func (p *Player) Duration() time.Duration { return p.duration }

// CapDuration lowers the effective play time; prompts with a configured
// maximum are cut off once the cap elapses.
func (p *Player) CapDuration(max time.Duration) {
	if max > 0 && max < p.duration {
		p.duration = max
	}
}

// CheckDone stops the player once its duration has elapsed and reports
// whether it finished on this sweep.
func (p *Player) CheckDone(now time.Time) bool {
	if p.done {
		return false
	}
	if now.Sub(p.start) < p.duration {
		return false
	}
	p.finish("completed", p.duration)
	return true
}

// Stop ends playback early (barge-in or call teardown). Emits AudioEnded
// exactly once across Stop and CheckDone.
func (p *Player) Stop() {
	if p.done {
		return
	}
	p.finish("stopped", time.Since(p.start))
}

func (p *Player) finish(reason string, played time.Duration) {
	if played > p.duration {
		played = p.duration
	}
	p.done = true
	p.endpoint.StopPlayback(p.callID)
	p.logger.Debug("playback ended", "path", p.path, "reason", reason, "played", played)
	p.events.Emit(event.AudioEnded, event.Payload{
		event.KeyCallID:   p.callID,
		event.KeyFilePath: p.path,
		event.KeyReason:   reason,
		event.KeyDuration: played.Seconds(),
	})
}
