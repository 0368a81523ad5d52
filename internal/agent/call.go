package agent

import (
	"strings"
	"time"
)

// CallMediaState mirrors the call's media lifecycle as the agent sees it.
type CallMediaState int

const (
	CallIdle CallMediaState = iota
	CallConfirmed
	CallDisconnected
)

func (s CallMediaState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallConfirmed:
		return "confirmed"
	case CallDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Call is the per-call state container. It is owned exclusively by the
// Account and touched only on the media thread.
type Call struct {
	ID        string
	RemoteURI string

	CreatedAt      time.Time
	AnsweredAt     time.Time
	DisconnectedAt time.Time

	State    CallMediaState
	Recorder *Recorder
	Player   *Player

	// welcomeDue schedules the welcome message without sleeping on the
	// media thread; zero when none is pending.
	welcomeDue  time.Time
	welcomePath string

	// hangupDue delays an agent-initiated hangup until the disconnect
	// message has finished playing; zero when no hangup is pending.
	hangupDue time.Time

	// Lifecycle holds raw state-change notes for the end-of-call record.
	Lifecycle []string
}

// note appends a lifecycle marker with its wall-clock time.
func (c *Call) note(what string, at time.Time) {
	c.Lifecycle = append(c.Lifecycle, at.UTC().Format(time.RFC3339)+" "+what)
}

// Active reports whether the call can carry media.
func (c *Call) Active() bool {
	return c.State == CallConfirmed
}

// sanitizeCallID makes a SIP Call-ID safe for use in a file name.
func sanitizeCallID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
