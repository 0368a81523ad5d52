package event

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEmitOrderAndTimestamp(t *testing.T) {
	b := NewBus(testLogger())

	var got []int
	b.Subscribe(CallAnswered, func(_ Type, p Payload) {
		if _, ok := p[KeyTimestamp].(time.Time); !ok {
			t.Error("timestamp not filled in")
		}
		got = append(got, 1)
	})
	b.Subscribe(CallAnswered, func(_ Type, _ Payload) {
		got = append(got, 2)
	})

	b.Emit(CallAnswered, Payload{KeyCallID: "c1"})

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("subscribers ran as %v, want [1 2]", got)
	}
}

func TestEmitPreservesProvidedTimestamp(t *testing.T) {
	b := NewBus(testLogger())
	want := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var got time.Time
	b.Subscribe(RecordingStarted, func(_ Type, p Payload) {
		got, _ = p[KeyTimestamp].(time.Time)
	})
	b.Emit(RecordingStarted, Payload{KeyTimestamp: want})

	if !got.Equal(want) {
		t.Errorf("timestamp = %v, want %v", got, want)
	}
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	b := NewBus(testLogger())

	ran := false
	b.Subscribe(AudioEnded, func(_ Type, _ Payload) {
		panic("boom")
	})
	b.Subscribe(AudioEnded, func(_ Type, _ Payload) {
		ran = true
	})

	b.Emit(AudioEnded, Payload{KeyCallID: "c1"})

	if !ran {
		t.Error("second subscriber did not run after first panicked")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(testLogger())

	calls := 0
	sub := b.Subscribe(SpeechDetected, func(_ Type, _ Payload) { calls++ })

	b.Emit(SpeechDetected, nil)
	b.Unsubscribe(sub)
	b.Emit(SpeechDetected, nil)

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestEmitUnknownTypeIsNoop(t *testing.T) {
	b := NewBus(testLogger())
	b.Emit(Type("nonsense"), Payload{})
}

func TestConcurrentSubscribeAndEmit(t *testing.T) {
	b := NewBus(testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe(AgentStarted, func(_ Type, _ Payload) {})
		}()
		go func() {
			defer wg.Done()
			b.Emit(AgentStarted, Payload{})
		}()
	}
	wg.Wait()
}

func TestScopedNamespacing(t *testing.T) {
	b := NewBus(testLogger())
	a := NewScoped(b, "agent-a")
	other := NewScoped(b, "agent-b")

	var aGot, bGot int
	a.Subscribe(CallAnswered, func(_ Type, _ Payload) { aGot++ })
	other.Subscribe(CallAnswered, func(_ Type, _ Payload) { bGot++ })

	a.Emit(CallAnswered, Payload{KeyCallID: "c1"})
	other.Emit(CallAnswered, Payload{KeyCallID: "c2"})

	if aGot != 1 {
		t.Errorf("agent-a saw %d events, want 1", aGot)
	}
	if bGot != 1 {
		t.Errorf("agent-b saw %d events, want 1", bGot)
	}
}

func TestScopedStampsAgentID(t *testing.T) {
	b := NewBus(testLogger())
	s := NewScoped(b, "agent-a")

	var got string
	b.Subscribe(AgentStopped, func(_ Type, p Payload) {
		got = p.String(KeyAgentID)
	})
	s.Emit(AgentStopped, nil)

	if got != "agent-a" {
		t.Errorf("agent_id = %q, want agent-a", got)
	}
}

func TestScopedPassesUnstampedEvents(t *testing.T) {
	b := NewBus(testLogger())
	s := NewScoped(b, "agent-a")

	got := 0
	s.Subscribe(SilenceEnded, func(_ Type, _ Payload) { got++ })

	// Raw emit with no agent_id: passes the scope filter.
	b.Emit(SilenceEnded, Payload{})

	if got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}
