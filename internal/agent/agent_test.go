package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/echomatrix/echomatrix/internal/audio"
	"github.com/echomatrix/echomatrix/internal/config"
	"github.com/echomatrix/echomatrix/internal/event"
	"github.com/echomatrix/echomatrix/internal/telephony/telephonytest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.AgentID = "agent-test"
	cfg.Recording.Dir = t.TempDir()
	cfg.Silence.CheckIntervalMS = 10
	cfg.Silence.MinAnalysisSpacingMS = 10
	cfg.Call.WelcomeDelayMS = 0
	return cfg
}

// eventLog collects bus events in emission order.
type eventLog struct {
	mu      sync.Mutex
	entries []event.Type
}

func (l *eventLog) record(bus *event.Bus, types ...event.Type) {
	for _, typ := range types {
		typ := typ
		bus.Subscribe(typ, func(tt event.Type, _ event.Payload) {
			l.mu.Lock()
			l.entries = append(l.entries, tt)
			l.mu.Unlock()
		})
	}
}

func (l *eventLog) snapshot() []event.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Type(nil), l.entries...)
}

func (l *eventLog) count(typ event.Type) int {
	n := 0
	for _, e := range l.snapshot() {
		if e == typ {
			n++
		}
	}
	return n
}

func waitForEvents(t *testing.T, l *eventLog, typ event.Type, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if l.count(typ) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saw %d %s events, want %d (log: %v)", l.count(typ), typ, want, l.snapshot())
}

func startedAgent(t *testing.T) (*Agent, *telephonytest.Endpoint, *event.Bus) {
	t.Helper()
	ep := telephonytest.New()
	bus := event.NewBus(testLogger())
	ag := New(testConfig(t), ep, bus, testLogger())

	if err := ag.StartNonblocking(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ag.Stop() })
	return ag, ep, bus
}

func TestIncomingCallRoundTrip(t *testing.T) {
	ag, ep, bus := startedAgent(t)

	log := &eventLog{}
	log.record(bus,
		event.CallAnswered, event.RecordingStarted,
		event.RecordingStopped, event.CallDisconnected,
	)

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")
	waitForEvents(t, log, event.RecordingStarted, 1)

	if got := ep.Answered(); len(got) != 1 || got[0] != "c1" {
		t.Errorf("answered calls = %v, want [c1]", got)
	}
	if !ep.SinkAttached("c1") {
		t.Error("recorder sink not attached")
	}

	ep.Disconnect("c1", "bye")
	waitForEvents(t, log, event.CallDisconnected, 1)

	want := []event.Type{
		event.CallAnswered, event.RecordingStarted,
		event.RecordingStopped, event.CallDisconnected,
	}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
	_ = ag
}

func TestBargeInPlaySupersession(t *testing.T) {
	ag, ep, bus := startedAgent(t)

	log := &eventLog{}
	log.record(bus, event.AudioPlaying, event.AudioEnded)
	answered := &eventLog{}
	answered.record(bus, event.CallAnswered)

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")
	waitForEvents(t, answered, event.CallAnswered, 1)

	// Long file so the first playback is still running when the second
	// command lands.
	wav := filepath.Join(t.TempDir(), "prompt.wav")
	if err := audio.WriteWAVFile(wav, 8000, 2, make([]byte, 160000)); err != nil {
		t.Fatal(err)
	}

	if err := ag.PlayWAVToCall(wav, "c1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := ag.PlayWAVToCall(wav, "c1"); err != nil {
		t.Fatal(err)
	}

	waitForEvents(t, log, event.AudioPlaying, 2)
	waitForEvents(t, log, event.AudioEnded, 1)

	// First AUDIO_ENDED must precede the second AUDIO_PLAYING.
	seq := log.snapshot()
	playing, ended := 0, 0
	for _, e := range seq {
		switch e {
		case event.AudioPlaying:
			playing++
			if playing == 2 && ended == 0 {
				t.Fatalf("second AUDIO_PLAYING before first AUDIO_ENDED: %v", seq)
			}
		case event.AudioEnded:
			ended++
		}
	}
}

func TestPlayMissingFile(t *testing.T) {
	ag, ep, bus := startedAgent(t)

	log := &eventLog{}
	log.record(bus, event.AudioPlaying)

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")
	time.Sleep(50 * time.Millisecond)

	if err := ag.PlayWAVToCall(filepath.Join(t.TempDir(), "missing.wav"), "c1"); err != nil {
		t.Fatal(err) // submission succeeds; the failure is on the media thread
	}
	time.Sleep(100 * time.Millisecond)

	if log.count(event.AudioPlaying) != 0 {
		t.Error("playback started for a missing file")
	}
}

func TestStopIdempotent(t *testing.T) {
	ep := telephonytest.New()
	bus := event.NewBus(testLogger())
	ag := New(testConfig(t), ep, bus, testLogger())

	if err := ag.StartNonblocking(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ag.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := ag.Stop(); err != nil {
		t.Errorf("second stop = %v, want nil", err)
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	ep := telephonytest.New()
	bus := event.NewBus(testLogger())
	ag := New(testConfig(t), ep, bus, testLogger())

	if err := ag.StartNonblocking(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ag.Stop(); err != nil {
		t.Fatal(err)
	}

	if err := ag.PlayWAVToCall("x.wav", ""); err == nil {
		t.Error("expected error submitting to a stopped agent")
	}
}

func TestQueueLiveness(t *testing.T) {
	ag, ep, bus := startedAgent(t)

	log := &eventLog{}
	log.record(bus, event.AudioPlaying)

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")
	time.Sleep(50 * time.Millisecond)

	wav := filepath.Join(t.TempDir(), "p.wav")
	if err := audio.WriteWAVFile(wav, 8000, 2, make([]byte, 16000)); err != nil {
		t.Fatal(err)
	}
	if err := ag.PlayWAVToCall(wav, "c1"); err != nil {
		t.Fatal(err)
	}

	// Tick interval is 10ms; the command must drain well within 2 ticks
	// worth of slack.
	waitForEvents(t, log, event.AudioPlaying, 1)
}

func TestAudioEndedReportsPlayedDuration(t *testing.T) {
	ag, ep, bus := startedAgent(t)

	var mu sync.Mutex
	var durations []float64
	bus.Subscribe(event.AudioEnded, func(_ event.Type, p event.Payload) {
		mu.Lock()
		durations = append(durations, p.Float(event.KeyDuration))
		mu.Unlock()
	})
	log := &eventLog{}
	log.record(bus, event.AudioEnded)

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")
	time.Sleep(50 * time.Millisecond)

	// 0.2s of audio played to completion.
	wav := filepath.Join(t.TempDir(), "p.wav")
	if err := audio.WriteWAVFile(wav, 8000, 2, make([]byte, 3200)); err != nil {
		t.Fatal(err)
	}
	if err := ag.PlayWAVToCall(wav, "c1"); err != nil {
		t.Fatal(err)
	}

	waitForEvents(t, log, event.AudioEnded, 1)
	mu.Lock()
	defer mu.Unlock()
	if len(durations) != 1 || durations[0] < 0.19 || durations[0] > 0.21 {
		t.Errorf("audio-ended durations = %v, want [0.2]", durations)
	}
}

func TestWelcomeMessagePlayed(t *testing.T) {
	ep := telephonytest.New()
	bus := event.NewBus(testLogger())
	cfg := testConfig(t)

	wav := filepath.Join(t.TempDir(), "welcome.wav")
	if err := audio.WriteWAVFile(wav, 8000, 2, make([]byte, 8000)); err != nil {
		t.Fatal(err)
	}
	cfg.Call.WelcomeMessage = wav
	cfg.Call.WelcomeDelayMS = 20

	ag := New(cfg, ep, bus, testLogger())
	if err := ag.StartNonblocking(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ag.Stop() })

	log := &eventLog{}
	log.record(bus, event.AudioPlaying)

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")

	waitForEvents(t, log, event.AudioPlaying, 1)
	if pbs := ep.Playbacks(); len(pbs) != 1 || pbs[0].Path != wav {
		t.Errorf("playbacks = %v, want welcome wav", pbs)
	}
}

func TestWelcomeMessageCappedAtMax(t *testing.T) {
	ep := telephonytest.New()
	bus := event.NewBus(testLogger())
	cfg := testConfig(t)

	// Two seconds of welcome audio capped to 100ms.
	wav := filepath.Join(t.TempDir(), "welcome.wav")
	if err := audio.WriteWAVFile(wav, 8000, 2, make([]byte, 32000)); err != nil {
		t.Fatal(err)
	}
	cfg.Call.WelcomeMessage = wav
	cfg.Call.WelcomeMaxMS = 100

	ag := New(cfg, ep, bus, testLogger())
	if err := ag.StartNonblocking(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ag.Stop() })

	log := &eventLog{}
	log.record(bus, event.AudioPlaying, event.AudioEnded)

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")

	waitForEvents(t, log, event.AudioPlaying, 1)
	begin := time.Now()
	waitForEvents(t, log, event.AudioEnded, 1)
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("welcome playback ran %v, want it cut off near the 100ms cap", elapsed)
	}
}

func TestDisconnectMessagePlayedBeforeHangup(t *testing.T) {
	ep := telephonytest.New()
	bus := event.NewBus(testLogger())
	cfg := testConfig(t)
	cfg.Call.MaxCallSec = 1

	// Half a second of goodbye audio.
	wav := filepath.Join(t.TempDir(), "goodbye.wav")
	if err := audio.WriteWAVFile(wav, 8000, 2, make([]byte, 8000)); err != nil {
		t.Fatal(err)
	}
	cfg.Call.DisconnectMessage = wav

	ag := New(cfg, ep, bus, testLogger())
	if err := ag.StartNonblocking(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ag.Stop() })

	log := &eventLog{}
	log.record(bus, event.AudioPlaying)

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")

	// The goodbye prompt must start once the cap is exceeded, and the
	// hangup must wait for it.
	waitForEvents(t, log, event.AudioPlaying, 1)
	if len(ep.HungUp()) != 0 {
		t.Error("hung up before the disconnect message finished")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(ep.HungUp()) >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("call not hung up after the disconnect message")
}

func TestMaxCallLengthHangsUp(t *testing.T) {
	ep := telephonytest.New()
	bus := event.NewBus(testLogger())
	cfg := testConfig(t)
	cfg.Call.MaxCallSec = 1

	ag := New(cfg, ep, bus, testLogger())
	if err := ag.StartNonblocking(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ag.Stop() })

	ep.RingIn("c1", "sip:caller@example.com")
	ep.Confirm("c1")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(ep.HungUp()) >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("call not hung up after exceeding max length")
}
