package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/echomatrix/echomatrix/internal/event"
)

type staticCalls []string

func (s staticCalls) ActiveCallIDs() []string { return s }

func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	return values
}

func TestCollectorCountsBusEvents(t *testing.T) {
	bus := event.NewBus(nil)
	c := NewCollector(staticCalls{"c1", "c2"}, time.Now())
	c.Attach(bus)
	defer c.Detach()

	bus.Emit(event.CallAnswered, event.Payload{event.KeyCallID: "c1"})
	bus.Emit(event.SpeechSegmentComplete, event.Payload{event.KeyCallID: "c1"})
	bus.Emit(event.SpeechSegmentComplete, event.Payload{event.KeyCallID: "c1"})
	bus.Emit(event.AudioPlaying, event.Payload{event.KeyCallID: "c1"})
	bus.Emit(event.AudioEnded, event.Payload{event.KeyCallID: "c1"})
	bus.Emit(event.CallDisconnected, event.Payload{event.KeyCallID: "c1"})
	bus.Emit(event.AgentStarted, nil)
	c.IncCollaboratorFailure()

	values := gather(t, c)

	want := map[string]float64{
		"echomatrix_active_calls":                2,
		"echomatrix_calls_answered_total":        1,
		"echomatrix_calls_disconnected_total":    1,
		"echomatrix_speech_segments_total":       2,
		"echomatrix_playbacks_started_total":     1,
		"echomatrix_playbacks_finished_total":    1,
		"echomatrix_collaborator_failures_total": 1,
		"echomatrix_bus_events_total":            7,
	}
	for name, v := range want {
		if values[name] != v {
			t.Errorf("%s = %v, want %v", name, values[name], v)
		}
	}
	if values["echomatrix_uptime_seconds"] < 0 {
		t.Error("uptime went backwards")
	}
}

func TestDetachStopsCounting(t *testing.T) {
	bus := event.NewBus(nil)
	c := NewCollector(nil, time.Now())
	c.Attach(bus)
	c.Detach()

	bus.Emit(event.CallAnswered, event.Payload{event.KeyCallID: "c1"})

	values := gather(t, c)
	if values["echomatrix_calls_answered_total"] != 0 {
		t.Errorf("calls answered after detach = %v, want 0", values["echomatrix_calls_answered_total"])
	}
}
