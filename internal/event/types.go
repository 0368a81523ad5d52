package event

// Type identifies a lifecycle event on the bus. The set is closed: emitting
// an unknown type is a no-op and subscribing to one never fires.
type Type string

const (
	CallAnswered     Type = "call_answered"
	CallDisconnected Type = "call_disconnected"

	SilenceDetected       Type = "silence_detected"
	SilenceEnded          Type = "silence_ended"
	SpeechDetected        Type = "speech_detected"
	SpeechSegmentComplete Type = "speech_segment_complete"

	AudioPlaying Type = "audio_playing"
	AudioEnded   Type = "audio_ended"

	RecordingStarted Type = "recording_started"
	RecordingPaused  Type = "recording_paused"
	RecordingResumed Type = "recording_resumed"
	RecordingStopped Type = "recording_stopped"

	AgentStarted  Type = "agent_started"
	AgentStopping Type = "agent_stopping"
	AgentStopped  Type = "agent_stopped"

	AccountRegistered Type = "account_registered"
)

// Types lists every known event type, in a stable order.
var Types = []Type{
	CallAnswered, CallDisconnected,
	SilenceDetected, SilenceEnded, SpeechDetected, SpeechSegmentComplete,
	AudioPlaying, AudioEnded,
	RecordingStarted, RecordingPaused, RecordingResumed, RecordingStopped,
	AgentStarted, AgentStopping, AgentStopped,
	AccountRegistered,
}

// Known reports whether t is a member of the closed event set.
func Known(t Type) bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// Well-known payload keys. Every event carries KeyAgentID and KeyTimestamp;
// the remaining keys are tag-specific (see the payload shapes in the README
// of each emitting package).
const (
	KeyAgentID   = "agent_id"
	KeyTimestamp = "timestamp"
	KeyCallID    = "call_id"
	KeyRemoteURI = "remote_uri"
	KeyPath      = "path"
	KeyFilePath  = "file_path"
	KeyDuration  = "duration"
	KeySegment   = "segment"
	KeyStartMS   = "start_ms"
	KeyStatus    = "status"
	KeyReason    = "reason"
)

// Payload carries the event data as a keyed map. Values are written once by
// the emitter; subscribers must treat payloads as read-only.
type Payload map[string]any

// String returns the string value for key, or "" if absent or not a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Float returns the float64 value for key, or 0 if absent or not a float64.
func (p Payload) Float(key string) float64 {
	f, _ := p[key].(float64)
	return f
}

// Int64 returns the int64 value for key, accepting int and int64, or 0.
func (p Payload) Int64(key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
