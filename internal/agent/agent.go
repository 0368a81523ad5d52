// Package agent hosts the SIP agent: a single media goroutine that owns
// every telephony object, fed by endpoint events and a command queue.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/echomatrix/echomatrix/internal/config"
	"github.com/echomatrix/echomatrix/internal/event"
	"github.com/echomatrix/echomatrix/internal/telephony"
)

const (
	// maxCommandsPerTick bounds queue draining per media-loop iteration.
	maxCommandsPerTick = 8
	// startTimeout bounds how long StartNonblocking waits for the media
	// loop to come up; Stop uses the same bound for the join.
	startTimeout = 5 * time.Second
)

// Agent drives one SIP account: endpoint lifecycle, command queue, and the
// periodic tick that polls recorders and sweeps players. Only the media
// goroutine touches the endpoint, Account, Call, Recorder and Player.
type Agent struct {
	ID string

	cfg      *config.Config
	endpoint telephony.Endpoint
	events   *event.Scoped
	queue    *Queue
	account  *Account
	logger   *slog.Logger

	running        atomic.Bool
	activeSnapshot atomic.Value // []string of confirmed call ids
	initialized    chan struct{}
	done           chan struct{}
	cancel         context.CancelFunc
}

// New assembles an agent over the given endpoint and shared bus. An empty
// id in the config gets a generated one.
func New(cfg *config.Config, endpoint telephony.Endpoint, bus *event.Bus, logger *slog.Logger) *Agent {
	id := cfg.AgentID
	if id == "" {
		id = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "agent_id", id)

	scoped := event.NewScoped(bus, id)
	queue := NewQueue()

	return &Agent{
		ID:          id,
		cfg:         cfg,
		endpoint:    endpoint,
		events:      scoped,
		queue:       queue,
		account:     NewAccount(cfg, endpoint, scoped, queue, logger),
		logger:      logger,
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Events returns the agent-scoped bus view.
func (a *Agent) Events() *event.Scoped { return a.events }

// PlayWAVToCall enqueues playback of path into the named call (first
// active call when callID is empty). Safe from any goroutine.
func (a *Agent) PlayWAVToCall(path, callID string) error {
	return a.account.PlayWAVToCall(path, callID)
}

// ActiveCallIDs snapshots the ids of confirmed calls. Unlike the call
// table itself this is safe from any goroutine: the media loop publishes
// the snapshot every tick.
func (a *Agent) ActiveCallIDs() []string {
	v := a.activeSnapshot.Load()
	if v == nil {
		return nil
	}
	return v.([]string)
}

// StartNonblocking spawns the media goroutine and waits for it to
// initialize, up to the start timeout.
func (a *Agent) StartNonblocking(ctx context.Context) error {
	if a.running.Load() {
		return nil
	}
	ctx, a.cancel = context.WithCancel(ctx)

	go a.run(ctx)

	select {
	case <-a.initialized:
		return nil
	case <-a.done:
		return fmt.Errorf("agent start failed, see log")
	case <-time.After(startTimeout):
		a.cancel()
		return fmt.Errorf("%w: media thread did not initialize within %s", ErrTimeout, startTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the media goroutine and joins it. Stopping an agent that
// never started, or stopping twice, is a no-op.
func (a *Agent) Stop() error {
	if !a.running.Load() {
		return nil
	}
	a.events.Emit(event.AgentStopping, nil)
	a.queue.Close()
	a.cancel()

	select {
	case <-a.done:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("%w: media thread did not exit within %s", ErrTimeout, startTimeout)
	}
}

// run is the media goroutine: endpoint bring-up, main loop, teardown.
func (a *Agent) run(ctx context.Context) {
	defer close(a.done)

	if err := a.setup(ctx); err != nil {
		a.logger.Error("agent start failed", "error", err)
		return
	}

	close(a.initialized)
	a.running.Store(true)
	a.events.Emit(event.AgentStarted, nil)
	a.logger.Info("agent started")

	ticker := time.NewTicker(time.Duration(a.cfg.Silence.CheckIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	evCh := a.endpoint.Events()
	for {
		select {
		case <-ctx.Done():
			a.teardown()
			return

		case ev, ok := <-evCh:
			if !ok {
				a.logger.Warn("endpoint event channel closed")
				a.teardown()
				return
			}
			a.handleEndpointEvent(ev)

		case now := <-ticker.C:
			a.tick(now)
		}
	}
}

// setup brings up the endpoint and registration on the media goroutine.
func (a *Agent) setup(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Recording.Dir, 0o755); err != nil {
		return fmt.Errorf("creating recording dir: %w", err)
	}
	if err := a.endpoint.Start(ctx); err != nil {
		return fmt.Errorf("starting endpoint: %w", err)
	}
	if a.cfg.SIP.Register {
		if err := a.endpoint.Register(ctx); err != nil {
			// Registration failure is not fatal: inbound calls may still
			// arrive via the proxy; log and carry on.
			a.logger.Error("registration failed", "error", err)
		} else {
			a.events.Emit(event.AccountRegistered, event.Payload{
				event.KeyStatus: "registered",
			})
		}
	}
	return nil
}

// tick is one media-loop iteration: drain commands, poll recorders, sweep
// players, schedule welcome messages, enforce the call-length cap.
func (a *Agent) tick(now time.Time) {
	for _, cmd := range a.queue.Drain(maxCommandsPerTick) {
		a.handleCommand(cmd, now)
	}

	for _, call := range a.account.Calls() {
		if call.Recorder != nil {
			call.Recorder.Poll(now)
		}
	}

	a.account.sweepPlayers(now)
	a.account.sweepWelcome(now)
	a.account.sweepMaxDuration(now)
	a.publishActive()
}

func (a *Agent) handleCommand(cmd Command, now time.Time) {
	switch cmd.Kind {
	case CommandPlayWAV:
		if err := a.account.playWAV(cmd, now); err != nil {
			a.logger.Error("play command failed",
				"call_id", cmd.CallID,
				"path", cmd.FilePath,
				"error", err,
			)
		}
	default:
		a.logger.Warn("unknown command", "kind", int(cmd.Kind))
	}
}

func (a *Agent) handleEndpointEvent(ev telephony.Event) {
	now := time.Now()
	switch ev.Kind {
	case telephony.EventIncomingCall:
		a.account.OnIncomingCall(ev, now)
	case telephony.EventCallState:
		a.account.OnCallState(ev, now)
	case telephony.EventRegistration:
		a.events.Emit(event.AccountRegistered, event.Payload{
			event.KeyStatus: registrationStatus(ev.Registered),
			event.KeyReason: ev.Reason,
		})
	}
	a.publishActive()
}

func registrationStatus(ok bool) string {
	if ok {
		return "registered"
	}
	return "unregistered"
}

// teardown ends all calls, stops the endpoint and emits AGENT_STOPPED.
func (a *Agent) teardown() {
	a.account.shutdown(time.Now())
	a.endpoint.Stop()
	a.running.Store(false)
	a.events.Emit(event.AgentStopped, nil)
	a.logger.Info("agent stopped")
}

// publishActive refreshes the lock-free snapshot of confirmed call ids.
func (a *Agent) publishActive() {
	ids := make([]string, 0, len(a.account.Calls()))
	for id, c := range a.account.Calls() {
		if c.Active() {
			ids = append(ids, id)
		}
	}
	a.activeSnapshot.Store(ids)
}
