package registry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/echomatrix/echomatrix/internal/audio"
	"github.com/echomatrix/echomatrix/internal/config"
	"github.com/echomatrix/echomatrix/internal/event"
)

// Subscriber mirrors recording lifecycle events into the catalog. Handlers
// run on the emitting goroutine, so each one is a single small sqlite
// statement.
type Subscriber struct {
	db     *DB
	cfg    *config.RecordingConfig
	bus    *event.Bus
	logger *slog.Logger
	subs   []event.Subscription
}

// NewSubscriber wires db to the bus; call Attach to start mirroring.
func NewSubscriber(db *DB, cfg *config.RecordingConfig, bus *event.Bus, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		db:     db,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "registry"),
	}
}

// Attach subscribes to recording events.
func (s *Subscriber) Attach() {
	s.subs = append(s.subs,
		s.bus.Subscribe(event.RecordingStarted, s.onStarted),
		s.bus.Subscribe(event.RecordingStopped, s.onStopped),
		s.bus.Subscribe(event.SpeechSegmentComplete, s.onSegment),
	)
}

// Detach removes the bus subscriptions.
func (s *Subscriber) Detach() {
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	s.subs = nil
}

func (s *Subscriber) onStarted(_ event.Type, p event.Payload) {
	callID, _ := p[event.KeyCallID].(string)
	path, _ := p[event.KeyPath].(string)
	if path == "" {
		return
	}
	rec := &Recording{
		CallID:      callID,
		Path:        path,
		Format:      s.cfg.Format,
		SampleRate:  s.cfg.SampleRate,
		SampleWidth: s.cfg.SampleWidth,
	}
	if err := s.db.CreateRecording(context.Background(), rec); err != nil {
		s.logger.Error("registering recording", "path", path, "error", err)
	}
}

// onStopped finalizes the duration from the bytes actually on disk.
func (s *Subscriber) onStopped(_ event.Type, p event.Payload) {
	path, _ := p[event.KeyPath].(string)
	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	size := info.Size()
	if s.cfg.Format == "wav" {
		size -= 44
	}
	byteRate := int64(s.cfg.SampleRate * s.cfg.SampleWidth)
	var duration float64
	if byteRate > 0 && size > 0 {
		duration = float64(size) / float64(byteRate)
	}

	if err := s.db.SetRecordingDuration(context.Background(), path, duration); err != nil {
		s.logger.Error("finalizing recording duration", "path", path, "error", err)
	}
}

func (s *Subscriber) onSegment(_ event.Type, p event.Payload) {
	path, _ := p[event.KeyPath].(string)
	seg, ok := p[event.KeySegment].(audio.Segment)
	if path == "" || !ok {
		return
	}
	if err := s.db.AddSegment(context.Background(), path, seg, ""); err != nil {
		s.logger.Error("registering segment", "path", path, "error", err)
	}
}

// StartCleanupTicker runs a background goroutine that periodically removes
// recordings older than the configured retention, both from the catalog
// and from disk. A zero retention disables cleanup. The goroutine stops
// when ctx is cancelled.
func StartCleanupTicker(ctx context.Context, db *DB, cfg *config.RecordingConfig, logger *slog.Logger) {
	if cfg.RetentionHours <= 0 || cfg.CleanupIntervalMin <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry-cleanup")

	retention := time.Duration(cfg.RetentionHours) * time.Hour
	interval := time.Duration(cfg.CleanupIntervalMin) * time.Minute

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				paths, err := db.DeleteExpiredRecordings(ctx, retention)
				if err != nil {
					logger.Error("recording retention cleanup failed", "error", err)
					continue
				}
				if len(paths) == 0 {
					continue
				}
				logger.Info("recording retention cleanup", "deleted", len(paths), "retention_hours", cfg.RetentionHours)

				for _, p := range paths {
					if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
						logger.Warn("failed to remove recording file", "path", p, "error", err)
					}
				}
			}
		}
	}()
}
