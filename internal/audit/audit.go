// Package audit provides a structured, pluggable-sink audit trail for
// backup and restore sessions: every upload, download, tombstone,
// orphan collection, and integrity failure is recorded as a JSON event.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coldvault/coldvault/internal/config"
)

// EventType identifies the kind of audit event.
type EventType string

const (
	// EventUpload records a chunk successfully published to the remote.
	EventUpload EventType = "upload"
	// EventDownload records a chunk successfully fetched and decrypted
	// during restore.
	EventDownload EventType = "download"
	// EventTombstone records a path being marked deleted.
	EventTombstone EventType = "tombstone"
	// EventOrphanGC records a chunk removed because no manifest entry
	// references it any longer.
	EventOrphanGC EventType = "orphan_gc"
	// EventIntegrityFailure records a chunk or manifest record that
	// failed authentication on decrypt.
	EventIntegrityFailure EventType = "integrity_failure"
	// EventSessionStart records the start of a backup or restore run.
	EventSessionStart EventType = "session_start"
	// EventSessionEnd records the end of a backup or restore run.
	EventSessionEnd EventType = "session_end"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	Path      string                 `json:"path,omitempty"`
	ChunkID   string                 `json:"chunk_id,omitempty"`
	Bytes     int64                  `json:"bytes,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an arbitrary event.
	Log(event *Event) error

	// LogUpload records a chunk publish.
	LogUpload(path, chunkID string, bytes int64, success bool, err error, duration time.Duration)

	// LogDownload records a chunk fetch and decrypt during restore.
	LogDownload(path, chunkID string, bytes int64, success bool, err error, duration time.Duration)

	// LogTombstone records a path being marked deleted.
	LogTombstone(path string)

	// LogOrphanGC records a chunk removed by garbage collection.
	LogOrphanGC(chunkID string)

	// LogIntegrityFailure records a chunk or record that failed
	// authentication.
	LogIntegrityFailure(path, chunkID string, err error)

	// LogSessionStart records the start of a run.
	LogSessionStart(operation string)

	// LogSessionEnd records the end of a run.
	LogSessionEnd(operation string, success bool, duration time.Duration)

	// GetEvents returns all buffered events (for testing/querying).
	GetEvents() []*Event

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements Logger.
type auditLogger struct {
	mu         sync.Mutex
	events     []*Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter writes audit events to a sink.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a new audit logger with no metadata redaction.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger that redacts the given
// metadata keys before they reach the sink.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	return &auditLogger{
		events:     make([]*Event, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig builds a Logger from a loaded Config, selecting the
// sink named by cfg.AuditSink ("stdout", "file", or "http") and its target
// from cfg.AuditSinkTarget.
func NewLoggerFromConfig(cfg config.Config) (Logger, error) {
	var writer EventWriter

	switch cfg.AuditSink {
	case "http":
		writer = NewHTTPSink(cfg.AuditSinkTarget, nil)
	case "file":
		writer = NewFileSink(cfg.AuditSinkTarget)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type: %s", cfg.AuditSink)
	}

	return NewLoggerWithRedaction(1000, writer, nil), nil
}

// Log records event, writing it to the sink and retaining it in the
// bounded in-memory ring buffer.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Metadata = l.redactMetadata(event.Metadata)

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger's underlying writer, if it supports closing.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

func (l *auditLogger) LogUpload(path, chunkID string, bytes int64, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventUpload,
		Operation: "upload",
		Path:      path,
		ChunkID:   chunkID,
		Bytes:     bytes,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogDownload(path, chunkID string, bytes int64, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventDownload,
		Operation: "download",
		Path:      path,
		ChunkID:   chunkID,
		Bytes:     bytes,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogTombstone(path string) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventTombstone,
		Operation: "tombstone",
		Path:      path,
		Success:   true,
	})
}

func (l *auditLogger) LogOrphanGC(chunkID string) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventOrphanGC,
		Operation: "orphan_gc",
		ChunkID:   chunkID,
		Success:   true,
	})
}

func (l *auditLogger) LogIntegrityFailure(path, chunkID string, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventIntegrityFailure,
		Operation: "integrity_failure",
		Path:      path,
		ChunkID:   chunkID,
		Success:   false,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogSessionStart(operation string) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventSessionStart,
		Operation: operation,
		Success:   true,
	})
}

func (l *auditLogger) LogSessionEnd(operation string, success bool, duration time.Duration) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventSessionEnd,
		Operation: operation,
		Success:   success,
		Duration:  duration,
	})
}

// GetEvents returns a copy of the buffered events.
func (l *auditLogger) GetEvents() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes events to stdout as JSON, one per line.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
