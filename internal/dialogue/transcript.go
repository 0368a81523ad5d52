package dialogue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// transcriptDoc is the end-of-call YAML record.
type transcriptDoc struct {
	ID                 string            `yaml:"id"`
	StartTime          time.Time         `yaml:"start_time"`
	EndTime            time.Time         `yaml:"end_time"`
	DurationSec        float64           `yaml:"duration_sec"`
	Chat               []Turn            `yaml:"chat"`
	Actions            []Action          `yaml:"actions"`
	UnprocessedCount   int               `yaml:"unprocessed_count"`
	OutgoingAudioCount int               `yaml:"outgoing_audio_count"`
	Metadata           map[string]string `yaml:"metadata"`
}

// writeTranscript dumps the finished conversation to
// <log_dir>/calls/call_<id>_<ts>.yaml.
func (o *Orchestrator) writeTranscript(conv *conversation, end time.Time, duration float64) error {
	if duration == 0 && !conv.start.IsZero() {
		duration = end.Sub(conv.start).Seconds()
	}

	unprocessed := 0
	for _, t := range conv.chat {
		if !t.processed {
			unprocessed++
		}
	}

	doc := transcriptDoc{
		ID:                 conv.id,
		StartTime:          conv.start,
		EndTime:            end,
		DurationSec:        duration,
		Chat:               conv.chat,
		Actions:            conv.actions,
		UnprocessedCount:   unprocessed,
		OutgoingAudioCount: conv.outgoingAudio,
		Metadata: map[string]string{
			"remote_uri": conv.remoteURI,
		},
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshaling transcript: %w", err)
	}

	name := fmt.Sprintf("call_%s_%s.yaml", sanitize(conv.id), end.Format("20060102-150405"))
	path := filepath.Join(o.callsDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	o.logger.Info("call transcript written", "call_id", conv.id, "path", path, "turns", len(conv.chat))
	return nil
}
