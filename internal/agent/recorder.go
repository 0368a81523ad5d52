package agent

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echomatrix/echomatrix/internal/audio"
	"github.com/echomatrix/echomatrix/internal/event"
)

// warmupBytes is how much audio must land in the file before the segmenter
// leaves IDLE; it keeps connection noise at call start from looking like
// speech.
const warmupBytes = 10 * 1024

// segState is the segmenter's position in the speech/silence cycle.
type segState int

const (
	segIdle segState = iota
	segInSpeech
	segInSilencePending
	segInSilence
)

func (s segState) String() string {
	switch s {
	case segIdle:
		return "idle"
	case segInSpeech:
		return "in_speech"
	case segInSilencePending:
		return "in_silence_pending"
	case segInSilence:
		return "in_silence"
	default:
		return "unknown"
	}
}

// RecorderConfig tunes one Recorder.
type RecorderConfig struct {
	SampleRate  int
	SampleWidth int
	Format      string // pcm or wav

	ThresholdRMS         float64
	SilenceDurationMS    int
	MinAnalysisSpacingMS int
	WindowSeconds        float64
}

// Recorder captures a call's PCM audio into a growing file and runs the
// segmentation state machine over its tail RMS. The file sink (Write) is
// fed from the endpoint's receive goroutine; everything else runs on the
// media thread via Poll.
type Recorder struct {
	callID string
	path   string
	cfg    RecorderConfig
	events *event.Scoped
	logger *slog.Logger

	// RMS is the tail-analysis function, replaceable in tests.
	RMS func(path string, sampleRate, sampleWidth int, windowSeconds float64) float64

	fileMu sync.Mutex
	file   *os.File
	// dataStart is the byte offset of PCM data in the file (44 for wav).
	dataStart int64
	written   int64
	paused    atomic.Bool

	startTime    time.Time
	lastAnalysis time.Time

	state          segState
	speechStartMS  int64
	silenceStartMS int64

	// volumes is a bounded history of recent tail-RMS samples.
	volumes []float64

	segments []audio.Segment
	stopped  bool
}

// NewRecorder prepares a recorder; no file is touched until Start.
func NewRecorder(callID, path string, cfg RecorderConfig, events *event.Scoped, logger *slog.Logger) *Recorder {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 0.5
	}
	return &Recorder{
		callID: callID,
		path:   path,
		cfg:    cfg,
		events: events,
		logger: logger.With("component", "recorder", "call_id", callID),
		RMS:    audio.TailRMS,
		state:  segIdle,
	}
}

// Start opens the output file and anchors the segmenter clock at now.
// For wav format a placeholder header is written and rewritten on Stop.
func (r *Recorder) Start(now time.Time) error {
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("creating recording file: %w", err)
	}

	if r.cfg.Format == "wav" {
		if err := audio.WriteWAVHeader(f, r.cfg.SampleRate, r.cfg.SampleWidth, 0); err != nil {
			f.Close()
			return fmt.Errorf("writing wav header: %w", err)
		}
		r.dataStart = 44
	}

	r.fileMu.Lock()
	r.file = f
	r.fileMu.Unlock()

	r.startTime = now
	r.logger.Info("recording started", "path", r.path, "format", r.cfg.Format)
	r.events.Emit(event.RecordingStarted, event.Payload{
		event.KeyCallID: r.callID,
		event.KeyPath:   r.path,
	})
	return nil
}

// Write appends PCM audio to the recording file. It implements the
// telephony sink and is called off the media thread; while paused the
// audio is dropped.
func (r *Recorder) Write(pcm []byte) error {
	if r.paused.Load() {
		return nil
	}
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file == nil {
		return nil
	}
	n, err := r.file.Write(pcm)
	r.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing recording: %w", err)
	}
	return nil
}

// Pause stops audio from reaching the file. The segmenter clock keeps
// running; callers pause only briefly.
func (r *Recorder) Pause() {
	if r.paused.CompareAndSwap(false, true) {
		r.events.Emit(event.RecordingPaused, event.Payload{event.KeyCallID: r.callID})
	}
}

// Resume re-enables audio capture after Pause.
func (r *Recorder) Resume() {
	if r.paused.CompareAndSwap(true, false) {
		r.events.Emit(event.RecordingResumed, event.Payload{event.KeyCallID: r.callID})
	}
}

// Stop flushes and closes the file. An I/O error is logged, not returned:
// the in-memory state is cleared either way so the call can be released.
func (r *Recorder) Stop() {
	if r.stopped {
		return
	}
	r.stopped = true

	r.fileMu.Lock()
	f := r.file
	r.file = nil
	written := r.written
	r.fileMu.Unlock()

	if f != nil {
		if r.cfg.Format == "wav" {
			if _, err := f.Seek(0, 0); err == nil {
				if err := audio.WriteWAVHeader(f, r.cfg.SampleRate, r.cfg.SampleWidth, uint32(written)); err != nil {
					r.logger.Error("rewriting wav header", "error", err)
				}
			}
		}
		if err := f.Close(); err != nil {
			r.logger.Error("closing recording file", "error", err)
		}
	}

	r.logger.Info("recording stopped", "path", r.path, "bytes", written, "segments", len(r.segments))
	r.events.Emit(event.RecordingStopped, event.Payload{
		event.KeyCallID: r.callID,
		event.KeyPath:   r.path,
	})
}

// Path returns the recording file path.
func (r *Recorder) Path() string { return r.path }

// DataStart returns the byte offset of PCM data within the recording file
// (non-zero for wav output).
func (r *Recorder) DataStart() int64 { return r.dataStart }

// Segments returns the speech segments produced so far.
func (r *Recorder) Segments() []audio.Segment {
	return append([]audio.Segment(nil), r.segments...)
}

// Volumes returns the recent tail-RMS history, oldest first.
func (r *Recorder) Volumes() []float64 {
	return append([]float64(nil), r.volumes...)
}

// Poll advances the segmentation state machine. It must be called from the
// media thread. Calls arriving before the minimum analysis spacing has
// elapsed return without touching state.
func (r *Recorder) Poll(now time.Time) {
	if r.stopped {
		return
	}
	if !r.lastAnalysis.IsZero() &&
		now.Sub(r.lastAnalysis) < time.Duration(r.cfg.MinAnalysisSpacingMS)*time.Millisecond {
		return
	}

	info, err := os.Stat(r.path)
	if err != nil {
		// File missing mid-call: skip this tick.
		return
	}
	r.lastAnalysis = now

	rms := r.RMS(r.path, r.cfg.SampleRate, r.cfg.SampleWidth, r.cfg.WindowSeconds)
	r.pushVolume(rms)

	nowMS := now.Sub(r.startTime).Milliseconds()
	loud := rms >= r.cfg.ThresholdRMS

	switch r.state {
	case segIdle:
		if info.Size()-r.dataStart < warmupBytes {
			return
		}
		if loud {
			r.state = segInSpeech
			r.speechStartMS = nowMS
			r.logger.Debug("speech detected", "start_ms", nowMS, "rms", rms)
			r.events.Emit(event.SpeechDetected, event.Payload{
				event.KeyCallID:  r.callID,
				event.KeyStartMS: nowMS,
			})
		}

	case segInSpeech:
		if !loud {
			r.state = segInSilencePending
			r.silenceStartMS = nowMS
		}

	case segInSilencePending:
		if loud {
			// False alarm, the speaker was just pausing.
			r.state = segInSpeech
			r.silenceStartMS = 0
			return
		}
		if nowMS-r.silenceStartMS >= int64(r.cfg.SilenceDurationMS) {
			r.state = segInSilence
			r.events.Emit(event.SilenceDetected, event.Payload{
				event.KeyCallID:   r.callID,
				event.KeyDuration: float64(nowMS-r.silenceStartMS) / 1000,
			})
			r.completeSegment()
		}

	case segInSilence:
		if loud {
			silenceMS := nowMS - r.silenceStartMS
			r.state = segInSpeech
			r.speechStartMS = nowMS
			r.events.Emit(event.SilenceEnded, event.Payload{
				event.KeyCallID:   r.callID,
				event.KeyStartMS:  nowMS,
				event.KeyDuration: float64(silenceMS) / 1000,
			})
		}
	}
}

// completeSegment closes the current speech span at the silence onset and
// publishes it.
func (r *Recorder) completeSegment() {
	seg := audio.NewSegment(r.speechStartMS, r.silenceStartMS, r.cfg.SampleRate, r.cfg.SampleWidth)
	r.segments = append(r.segments, seg)

	r.logger.Info("speech segment complete",
		"start_ms", seg.StartMS,
		"end_ms", seg.EndMS,
		"duration_ms", seg.DurationMS,
	)
	r.events.Emit(event.SpeechSegmentComplete, event.Payload{
		event.KeyCallID:  r.callID,
		event.KeyPath:    r.path,
		event.KeySegment: seg,
	})
}

func (r *Recorder) pushVolume(rms float64) {
	const historyLen = 10
	r.volumes = append(r.volumes, rms)
	if len(r.volumes) > historyLen {
		r.volumes = r.volumes[len(r.volumes)-historyLen:]
	}
}
