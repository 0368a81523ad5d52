package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/echomatrix/echomatrix/internal/audio"
)

// Recording is one catalog row for a captured call.
type Recording struct {
	ID          int64     `json:"id"`
	CallID      string    `json:"call_id"`
	Path        string    `json:"path"`
	Format      string    `json:"format"`
	SampleRate  int       `json:"sample_rate"`
	SampleWidth int       `json:"sample_width"`
	DurationSec float64   `json:"duration_sec"`
	CreatedAt   time.Time `json:"created_at"`
}

// SegmentRow is one detected utterance within a recording.
type SegmentRow struct {
	ID           int64  `json:"id"`
	RecordingID  int64  `json:"recording_id"`
	StartMS      int64  `json:"start_ms"`
	EndMS        int64  `json:"end_ms"`
	PCMStartByte int64  `json:"pcm_start_byte"`
	PCMEndByte   int64  `json:"pcm_end_byte"`
	Transcript   string `json:"transcript"`
}

// CreateRecording registers a new recording file. Re-registering the same
// path updates the call id and resets the duration.
func (db *DB) CreateRecording(ctx context.Context, rec *Recording) error {
	result, err := db.ExecContext(ctx,
		`INSERT INTO recordings (call_id, path, format, sample_rate, sample_width, duration_sec)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET call_id = excluded.call_id, duration_sec = excluded.duration_sec`,
		rec.CallID, rec.Path, rec.Format, rec.SampleRate, rec.SampleWidth, rec.DurationSec,
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// SetRecordingDuration finalizes the duration of a recording by path.
func (db *DB) SetRecordingDuration(ctx context.Context, path string, durationSec float64) error {
	if _, err := db.ExecContext(ctx,
		`UPDATE recordings SET duration_sec = ? WHERE path = ?`, durationSec, path,
	); err != nil {
		return fmt.Errorf("updating recording duration: %w", err)
	}
	return nil
}

// RecordingByPath returns the recording registered under path, or
// sql.ErrNoRows.
func (db *DB) RecordingByPath(ctx context.Context, path string) (*Recording, error) {
	rec := &Recording{}
	err := db.QueryRowContext(ctx,
		`SELECT id, call_id, path, format, sample_rate, sample_width, duration_sec, created_at
		 FROM recordings WHERE path = ?`, path,
	).Scan(&rec.ID, &rec.CallID, &rec.Path, &rec.Format, &rec.SampleRate,
		&rec.SampleWidth, &rec.DurationSec, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("selecting recording: %w", err)
	}
	return rec, nil
}

// ListRecordings returns recordings newest first, capped at limit.
func (db *DB) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, call_id, path, format, sample_rate, sample_width, duration_sec, created_at
		 FROM recordings ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	var recs []Recording
	for rows.Next() {
		var rec Recording
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.Path, &rec.Format,
			&rec.SampleRate, &rec.SampleWidth, &rec.DurationSec, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning recording: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AddSegment attaches a detected utterance to the recording at path.
func (db *DB) AddSegment(ctx context.Context, path string, seg audio.Segment, transcript string) error {
	rec, err := db.RecordingByPath(ctx, path)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO segments (recording_id, start_ms, end_ms, pcm_start_byte, pcm_end_byte, transcript)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, seg.StartMS, seg.EndMS, seg.PCMStartByte, seg.PCMEndByte, transcript,
	); err != nil {
		return fmt.Errorf("inserting segment: %w", err)
	}
	return nil
}

// SegmentsForRecording returns a recording's utterances in time order.
func (db *DB) SegmentsForRecording(ctx context.Context, recordingID int64) ([]SegmentRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, recording_id, start_ms, end_ms, pcm_start_byte, pcm_end_byte, transcript
		 FROM segments WHERE recording_id = ? ORDER BY start_ms`, recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	defer rows.Close()

	var segs []SegmentRow
	for rows.Next() {
		var s SegmentRow
		if err := rows.Scan(&s.ID, &s.RecordingID, &s.StartMS, &s.EndMS,
			&s.PCMStartByte, &s.PCMEndByte, &s.Transcript); err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		segs = append(segs, s)
	}
	return segs, rows.Err()
}

// DeleteExpiredRecordings removes catalog rows older than maxAge and
// returns the file paths so the caller can unlink them.
func (db *DB) DeleteExpiredRecordings(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")

	rows, err := db.QueryContext(ctx,
		`SELECT path FROM recordings WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting expired recordings: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired recording: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	if _, err := db.ExecContext(ctx,
		`DELETE FROM recordings WHERE created_at < ?`, cutoff,
	); err != nil {
		return nil, fmt.Errorf("deleting expired recordings: %w", err)
	}
	return paths, nil
}
