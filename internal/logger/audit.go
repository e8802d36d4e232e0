package logger

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit event types written by the upload pipeline.
const (
	AuditArtifactUploaded     = "artifact.uploaded"
	AuditArtifactUploadFailed = "artifact.upload_failed"
)

// AuditEvent is the outcome of one artifact. EventID and Timestamp are
// filled in by Record when empty.
type AuditEvent struct {
	EventID    string
	Timestamp  time.Time
	Type       string
	Artifact   string
	Path       string
	Sources    []string
	Kind       string
	ArtifactID string
	Bytes      int64
	Attempts   int
	Status     int
	Error      string
}

// AuditLog appends audit events as JSON lines. Every line carries the run id
// and provenance of the upload run. A nil *AuditLog discards events.
type AuditLog struct {
	log   zerolog.Logger
	runID string
}

// NewAuditLog returns an audit log writing to writer, or nil when writer is nil.
// Writes are serialised so concurrent uploads never interleave lines.
func NewAuditLog(writer io.Writer, provenance string) *AuditLog {
	if writer == nil {
		return nil
	}
	runID := uuid.NewString()
	ctx := zerolog.New(zerolog.SyncWriter(writer)).With().Str("run_id", runID)
	if provenance != "" {
		ctx = ctx.Str("provenance", provenance)
	}
	return &AuditLog{log: ctx.Logger(), runID: runID}
}

// RunID identifies the upload run in every event.
func (a *AuditLog) RunID() string {
	if a == nil {
		return ""
	}
	return a.runID
}

// Record writes ev.
func (a *AuditLog) Record(ev AuditEvent) {
	if a == nil {
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e := a.log.Log().
		Str("event_id", ev.EventID).
		Time("timestamp", ev.Timestamp).
		Str("event_type", ev.Type).
		Str("artifact", ev.Artifact).
		Str("path", ev.Path).
		Int("attempts", ev.Attempts)

	if len(ev.Sources) > 0 {
		e = e.Strs("sources", ev.Sources)
	}
	if ev.Kind != "" {
		e = e.Str("kind", ev.Kind)
	}
	if ev.ArtifactID != "" {
		e = e.Str("artifact_id", ev.ArtifactID)
	}
	if ev.Bytes > 0 {
		e = e.Int64("bytes", ev.Bytes)
	}
	if ev.Status != 0 {
		e = e.Int("status", ev.Status)
	}
	if ev.Error != "" {
		e = e.Str("error", ev.Error)
	}
	e.Msg("")
}

// NewFileAuditWriter opens path for appending, creating it with owner-only
// permissions.
func NewFileAuditWriter(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}
