// Package dialogue turns completed speech segments into spoken replies:
// it transcribes the caller's utterance, asks the language model for the
// agent's next line, synthesizes it and queues playback into the call.
//
// The orchestrator only observes the bus and submits play commands; it
// never touches media-thread state. Collaborator calls take seconds and
// run on the orchestrator's own worker goroutine.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/echomatrix/echomatrix/internal/ai"
	"github.com/echomatrix/echomatrix/internal/audio"
	"github.com/echomatrix/echomatrix/internal/config"
	"github.com/echomatrix/echomatrix/internal/event"
)

// jobBuffer bounds segments waiting for collaborators. Overflow drops the
// segment rather than stalling the emitting (media) goroutine.
const jobBuffer = 64

// Player is the slice of the agent the orchestrator needs.
type Player interface {
	PlayWAVToCall(path, callID string) error
}

// Turn is one line of the conversation.
type Turn struct {
	Role string    `yaml:"role"` // caller, system
	Text string    `yaml:"text"`
	Time time.Time `yaml:"time"`

	processed bool
}

// Action records one orchestrator step taken during a call.
type Action struct {
	Time   time.Time `yaml:"time"`
	Name   string    `yaml:"action"`
	Detail string    `yaml:"detail,omitempty"`
}

// conversation is the in-memory record of one call.
type conversation struct {
	id            string
	remoteURI     string
	start         time.Time
	chat          []Turn
	actions       []Action
	outgoingAudio int
}

type segmentJob struct {
	callID string
	path   string
	seg    audio.Segment
}

// Orchestrator drives the listen/think/speak loop for every active call.
type Orchestrator struct {
	cfg         *config.Config
	player      Player
	transcriber ai.Transcriber
	responder   ai.Responder
	synthesizer ai.Synthesizer
	bus         *event.Bus
	logger      *slog.Logger

	mu       sync.Mutex
	calls    map[string]*conversation
	replySeq int

	jobs   chan segmentJob
	subs   []event.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	// onFailure, when set, is invoked once per failed collaborator call.
	onFailure func()
}

// SetFailureHook installs a callback fired on every transcription, reply
// or synthesis failure. Must be called before Start.
func (o *Orchestrator) SetFailureHook(fn func()) { o.onFailure = fn }

func (o *Orchestrator) failed() {
	if o.onFailure != nil {
		o.onFailure()
	}
}

// New assembles an orchestrator; Start wires it to the bus.
func New(cfg *config.Config, player Player, t ai.Transcriber, r ai.Responder, s ai.Synthesizer, bus *event.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		player:      player,
		transcriber: t,
		responder:   r,
		synthesizer: s,
		bus:         bus,
		logger:      logger.With("component", "dialogue"),
		calls:       make(map[string]*conversation),
		jobs:        make(chan segmentJob, jobBuffer),
		done:        make(chan struct{}),
	}
}

// Start subscribes to call events and launches the worker goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, dir := range []string{o.callsDir(), o.ttsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating dialogue dir: %w", err)
		}
	}

	ctx, o.cancel = context.WithCancel(ctx)

	o.subs = append(o.subs,
		o.bus.Subscribe(event.CallAnswered, o.onAnswered),
		o.bus.Subscribe(event.SpeechSegmentComplete, o.onSegment),
		o.bus.Subscribe(event.CallDisconnected, o.onDisconnected),
	)

	go o.work(ctx)
	return nil
}

// Stop detaches from the bus and waits for the worker to drain.
func (o *Orchestrator) Stop() {
	for _, s := range o.subs {
		o.bus.Unsubscribe(s)
	}
	o.subs = nil
	if o.cancel != nil {
		o.cancel()
	}
	close(o.jobs)
	<-o.done
}

func (o *Orchestrator) onAnswered(_ event.Type, p event.Payload) {
	id, _ := p[event.KeyCallID].(string)
	if id == "" {
		return
	}
	remote, _ := p[event.KeyRemoteURI].(string)
	now := payloadTime(p)

	o.mu.Lock()
	defer o.mu.Unlock()
	conv := &conversation{id: id, remoteURI: remote, start: now}
	conv.actions = append(conv.actions, Action{Time: now, Name: "answered", Detail: remote})
	o.calls[id] = conv
}

// onSegment enqueues the segment for the worker. Runs on the media
// goroutine, so it must not block: a full queue drops the segment.
func (o *Orchestrator) onSegment(_ event.Type, p event.Payload) {
	id, _ := p[event.KeyCallID].(string)
	path, _ := p[event.KeyPath].(string)
	seg, ok := p[event.KeySegment].(audio.Segment)
	if id == "" || path == "" || !ok {
		return
	}

	o.mu.Lock()
	_, known := o.calls[id]
	o.mu.Unlock()
	if !known {
		return
	}

	select {
	case o.jobs <- segmentJob{callID: id, path: path, seg: seg}:
	default:
		o.logger.Warn("segment queue full, dropping utterance", "call_id", id)
	}
}

func (o *Orchestrator) onDisconnected(_ event.Type, p event.Payload) {
	id, _ := p[event.KeyCallID].(string)

	o.mu.Lock()
	conv, ok := o.calls[id]
	delete(o.calls, id)
	o.mu.Unlock()
	if !ok {
		return
	}

	end := payloadTime(p)
	duration, _ := p[event.KeyDuration].(float64)
	if err := o.writeTranscript(conv, end, duration); err != nil {
		o.logger.Error("writing call transcript", "call_id", id, "error", err)
	}
}

func (o *Orchestrator) work(ctx context.Context) {
	defer close(o.done)
	for job := range o.jobs {
		if ctx.Err() != nil {
			continue // drain without processing
		}
		o.process(ctx, job)
	}
}

// process runs one full listen/think/speak cycle. Any collaborator
// failure logs and drops the utterance; the call itself carries on.
func (o *Orchestrator) process(ctx context.Context, job segmentJob) {
	pcm, err := o.extract(job)
	if err != nil {
		o.logger.Error("extracting segment audio", "call_id", job.callID, "error", err)
		return
	}

	text, err := o.transcriber.Transcribe(ctx, pcm, o.cfg.Recording.SampleRate, o.cfg.Recording.SampleWidth)
	if err != nil {
		o.logger.Error("transcription failed", "call_id", job.callID, "error", err)
		o.failed()
		return
	}
	if text == "" {
		return
	}
	o.logger.Info("caller said", "call_id", job.callID, "text", text)

	tail := o.appendCaller(job.callID, text)
	if tail == nil {
		return // call gone while we were transcribing
	}

	reply, err := o.responder.Reply(ctx, tail)
	if err != nil {
		o.logger.Error("reply generation failed", "call_id", job.callID, "error", err)
		o.failed()
		return
	}
	o.appendReply(job.callID, reply)
	o.logger.Info("agent replies", "call_id", job.callID, "text", reply)

	wavPath := o.replyPath(job.callID)
	if err := o.synthesizer.Synthesize(ctx, reply, wavPath, o.cfg.Media.ClockRate); err != nil {
		o.logger.Error("speech synthesis failed", "call_id", job.callID, "error", err)
		o.failed()
		return
	}
	o.recordAction(job.callID, "synthesize", wavPath)

	if err := o.player.PlayWAVToCall(wavPath, job.callID); err != nil {
		o.logger.Error("queueing reply playback", "call_id", job.callID, "error", err)
		return
	}
	o.recordPlayback(job.callID, wavPath)
}

// extract reads the segment's PCM span out of the recording file,
// skipping the WAV header when the recording format carries one.
func (o *Orchestrator) extract(job segmentJob) ([]byte, error) {
	var offset int64
	if o.cfg.Recording.Format == "wav" {
		offset = 44
	}
	return audio.ExtractRange(job.path, offset+job.seg.PCMStartByte, offset+job.seg.PCMEndByte)
}

// appendCaller records the caller's utterance and returns the unprocessed
// tail of the conversation, oldest first, for the reply prompt.
func (o *Orchestrator) appendCaller(callID, text string) []ai.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	conv, ok := o.calls[callID]
	if !ok {
		return nil
	}
	now := time.Now()
	conv.chat = append(conv.chat, Turn{Role: "caller", Text: text, Time: now})
	conv.actions = append(conv.actions, Action{Time: now, Name: "transcribe", Detail: text})

	var tail []ai.Message
	for _, t := range conv.chat {
		if !t.processed {
			tail = append(tail, ai.Message{Role: t.Role, Text: t.Text})
		}
	}
	return tail
}

// appendReply records the agent's line and marks the prompt's turns as
// consumed.
func (o *Orchestrator) appendReply(callID, reply string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	conv, ok := o.calls[callID]
	if !ok {
		return
	}
	now := time.Now()
	for i := range conv.chat {
		conv.chat[i].processed = true
	}
	conv.chat = append(conv.chat, Turn{Role: "system", Text: reply, Time: now, processed: true})
	conv.actions = append(conv.actions, Action{Time: now, Name: "reply", Detail: reply})
}

func (o *Orchestrator) recordAction(callID, name, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if conv, ok := o.calls[callID]; ok {
		conv.actions = append(conv.actions, Action{Time: time.Now(), Name: name, Detail: detail})
	}
}

func (o *Orchestrator) recordPlayback(callID, path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if conv, ok := o.calls[callID]; ok {
		conv.outgoingAudio++
		conv.actions = append(conv.actions, Action{Time: time.Now(), Name: "play", Detail: path})
	}
}

// replyPath allocates a unique WAV path for one synthesized reply.
func (o *Orchestrator) replyPath(callID string) string {
	o.mu.Lock()
	o.replySeq++
	n := o.replySeq
	o.mu.Unlock()
	return filepath.Join(o.ttsDir(), fmt.Sprintf("reply_%s_%03d.wav", sanitize(callID), n))
}

func (o *Orchestrator) callsDir() string { return filepath.Join(o.cfg.Log.Dir, "calls") }
func (o *Orchestrator) ttsDir() string   { return filepath.Join(o.cfg.Log.Dir, "tts") }

func payloadTime(p event.Payload) time.Time {
	if ts, ok := p[event.KeyTimestamp].(time.Time); ok {
		return ts
	}
	return time.Now()
}

// sanitize keeps call ids filesystem-safe.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
