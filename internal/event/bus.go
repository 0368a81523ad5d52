// Package event implements the publish/subscribe hub that fans call
// lifecycle signals out to application handlers.
//
// Emission is synchronous: subscribers run in subscription order on the
// emitter's goroutine. A panicking subscriber is isolated so its siblings
// still run. Multiple agents may share one bus; the Scoped wrapper stamps
// and filters the agent_id payload key so they do not hear each other.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives an emitted event. Handlers must not mutate the payload.
type Handler func(t Type, p Payload)

// Subscription identifies a registered handler for later removal.
type Subscription struct {
	t  Type
	id uint64
}

type entry struct {
	id uint64
	fn Handler
}

// Bus is a typed publish/subscribe hub. The zero value is not usable; use
// NewBus.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	next uint64
	subs map[Type][]entry
}

// NewBus creates an event bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "eventbus"),
		subs:   make(map[Type][]entry, len(Types)),
	}
}

// Subscribe registers fn for events of type t and returns a token for
// Unsubscribe. Subscribing to an unknown type is accepted but never fires.
func (b *Bus) Subscribe(t Type, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[t] = append(b.subs[t], entry{id: b.next, fn: fn})
	return Subscription{t: t, id: b.next}
}

// Unsubscribe removes a previously registered handler. Unknown tokens are
// ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.t]
	for i, e := range list {
		if e.id == s.id {
			b.subs[s.t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all subscribers of t, in subscription order,
// on the calling goroutine. A missing timestamp is filled in with the
// current wall-clock time. Emitting with no subscribers is a no-op.
func (b *Bus) Emit(t Type, p Payload) {
	if !Known(t) {
		b.logger.Warn("unknown event type emitted", "type", string(t))
		return
	}
	if p == nil {
		p = Payload{}
	}
	if _, ok := p[KeyTimestamp]; !ok {
		p[KeyTimestamp] = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]entry, len(b.subs[t]))
	copy(snapshot, b.subs[t])
	b.mu.RUnlock()

	for _, e := range snapshot {
		b.dispatch(t, p, e)
	}
}

// dispatch invokes one handler, converting a panic into a log line so the
// remaining subscribers still run.
func (b *Bus) dispatch(t Type, p Payload, e entry) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"type", string(t),
				"panic", r,
			)
		}
	}()
	e.fn(t, p)
}

// Scoped wraps a Bus for a single agent: Emit stamps the agent's id onto
// every payload, and Subscribe filters out events carrying a different
// agent_id. Events with no agent_id pass the filter.
type Scoped struct {
	bus     *Bus
	agentID string
}

// NewScoped returns an agent-scoped view of bus.
func NewScoped(bus *Bus, agentID string) *Scoped {
	return &Scoped{bus: bus, agentID: agentID}
}

// AgentID returns the id stamped on emitted events.
func (s *Scoped) AgentID() string { return s.agentID }

// Bus returns the underlying shared bus.
func (s *Scoped) Bus() *Bus { return s.bus }

// Emit stamps agent_id and forwards to the shared bus.
func (s *Scoped) Emit(t Type, p Payload) {
	if p == nil {
		p = Payload{}
	}
	p[KeyAgentID] = s.agentID
	s.bus.Emit(t, p)
}

// Subscribe registers fn for events of type t emitted by this agent.
func (s *Scoped) Subscribe(t Type, fn Handler) Subscription {
	agentID := s.agentID
	return s.bus.Subscribe(t, func(t Type, p Payload) {
		if id, ok := p[KeyAgentID].(string); ok && id != agentID {
			return
		}
		fn(t, p)
	})
}

// Unsubscribe removes a handler registered through this wrapper.
func (s *Scoped) Unsubscribe(sub Subscription) {
	s.bus.Unsubscribe(sub)
}
