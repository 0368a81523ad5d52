// Package metrics exposes agent health to Prometheus: call and segment
// counters fed by the event bus, plus scrape-time gauges.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/echomatrix/echomatrix/internal/event"
)

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	ActiveCallIDs() []string
}

// Collector is a prometheus.Collector that combines scrape-time gauges
// with counters accumulated from the event bus.
type Collector struct {
	activeCalls ActiveCallsProvider
	startTime   time.Time

	callsAnswered        atomic.Uint64
	callsDisconnected    atomic.Uint64
	segmentsCompleted    atomic.Uint64
	playbacksStarted     atomic.Uint64
	playbacksFinished    atomic.Uint64
	collaboratorFailures atomic.Uint64
	busEvents            atomic.Uint64

	mu   sync.Mutex
	bus  *event.Bus
	subs []event.Subscription

	activeCallsDesc          *prometheus.Desc
	callsAnsweredDesc        *prometheus.Desc
	callsDisconnectedDesc    *prometheus.Desc
	segmentsDesc             *prometheus.Desc
	playbacksStartedDesc     *prometheus.Desc
	playbacksFinishedDesc    *prometheus.Desc
	collaboratorFailuresDesc *prometheus.Desc
	busEventsDesc            *prometheus.Desc
	uptimeDesc               *prometheus.Desc
}

// NewCollector creates a collector. activeCalls may be nil if unavailable.
func NewCollector(activeCalls ActiveCallsProvider, startTime time.Time) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"echomatrix_active_calls",
			"Number of currently confirmed calls",
			nil, nil,
		),
		callsAnsweredDesc: prometheus.NewDesc(
			"echomatrix_calls_answered_total",
			"Total inbound calls answered",
			nil, nil,
		),
		callsDisconnectedDesc: prometheus.NewDesc(
			"echomatrix_calls_disconnected_total",
			"Total calls disconnected",
			nil, nil,
		),
		segmentsDesc: prometheus.NewDesc(
			"echomatrix_speech_segments_total",
			"Total completed speech segments",
			nil, nil,
		),
		playbacksStartedDesc: prometheus.NewDesc(
			"echomatrix_playbacks_started_total",
			"Total audio playbacks started",
			nil, nil,
		),
		playbacksFinishedDesc: prometheus.NewDesc(
			"echomatrix_playbacks_finished_total",
			"Total audio playbacks finished or superseded",
			nil, nil,
		),
		collaboratorFailuresDesc: prometheus.NewDesc(
			"echomatrix_collaborator_failures_total",
			"Total transcription, reply and synthesis failures",
			nil, nil,
		),
		busEventsDesc: prometheus.NewDesc(
			"echomatrix_bus_events_total",
			"Total events emitted on the bus",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"echomatrix_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Attach subscribes the counters to the bus.
func (c *Collector) Attach(bus *event.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus = bus

	count := func(ctr *atomic.Uint64) event.Handler {
		return func(event.Type, event.Payload) {
			ctr.Add(1)
			c.busEvents.Add(1)
		}
	}
	c.subs = append(c.subs,
		bus.Subscribe(event.CallAnswered, count(&c.callsAnswered)),
		bus.Subscribe(event.CallDisconnected, count(&c.callsDisconnected)),
		bus.Subscribe(event.SpeechSegmentComplete, count(&c.segmentsCompleted)),
		bus.Subscribe(event.AudioPlaying, count(&c.playbacksStarted)),
		bus.Subscribe(event.AudioEnded, count(&c.playbacksFinished)),
	)
	// The remaining event types only feed the bus-events total.
	counted := map[event.Type]bool{
		event.CallAnswered: true, event.CallDisconnected: true,
		event.SpeechSegmentComplete: true,
		event.AudioPlaying:          true, event.AudioEnded: true,
	}
	for _, typ := range event.Types {
		if counted[typ] {
			continue
		}
		c.subs = append(c.subs, bus.Subscribe(typ, func(event.Type, event.Payload) {
			c.busEvents.Add(1)
		}))
	}
}

// Detach removes the bus subscriptions.
func (c *Collector) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		c.bus.Unsubscribe(s)
	}
	c.subs = nil
}

// IncCollaboratorFailure counts one failed transcription, reply or
// synthesis attempt.
func (c *Collector) IncCollaboratorFailure() {
	c.collaboratorFailures.Add(1)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsAnsweredDesc
	ch <- c.callsDisconnectedDesc
	ch <- c.segmentsDesc
	ch <- c.playbacksStartedDesc
	ch <- c.playbacksFinishedDesc
	ch <- c.collaboratorFailuresDesc
	ch <- c.busEventsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(len(c.activeCalls.ActiveCallIDs())),
		)
	}
	ch <- prometheus.MustNewConstMetric(c.callsAnsweredDesc, prometheus.CounterValue, float64(c.callsAnswered.Load()))
	ch <- prometheus.MustNewConstMetric(c.callsDisconnectedDesc, prometheus.CounterValue, float64(c.callsDisconnected.Load()))
	ch <- prometheus.MustNewConstMetric(c.segmentsDesc, prometheus.CounterValue, float64(c.segmentsCompleted.Load()))
	ch <- prometheus.MustNewConstMetric(c.playbacksStartedDesc, prometheus.CounterValue, float64(c.playbacksStarted.Load()))
	ch <- prometheus.MustNewConstMetric(c.playbacksFinishedDesc, prometheus.CounterValue, float64(c.playbacksFinished.Load()))
	ch <- prometheus.MustNewConstMetric(c.collaboratorFailuresDesc, prometheus.CounterValue, float64(c.collaboratorFailures.Load()))
	ch <- prometheus.MustNewConstMetric(c.busEventsDesc, prometheus.CounterValue, float64(c.busEvents.Load()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
