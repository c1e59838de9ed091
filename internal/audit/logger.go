package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpObjectEnsure Operation = "object.ensure"
	OpObjectDelete Operation = "object.delete"
	OpPumpAdd      Operation = "pump.add"
	OpPumpRemove   Operation = "pump.remove"
	OpPumpTrigger  Operation = "pump.trigger"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation Operation      `json:"operation"`
	Hash      string         `json:"hash_val,omitempty"`
	Class     string         `json:"cls_name,omitempty"`
	Method    string         `json:"method_name,omitempty"`
	PumpID    string         `json:"pump_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Client    string         `json:"client,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates a new audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	for _, f := range []struct{ key, value string }{
		{"hash_val", event.Hash},
		{"cls_name", event.Class},
		{"method_name", event.Method},
		{"pump_id", event.PumpID},
		{"request_id", event.RequestID},
		{"client", event.Client},
		{"error", event.Error},
	} {
		if f.value != "" {
			attrs = append(attrs, slog.String(f.key, f.value))
		}
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs event with its outcome taken from err
func (l *Logger) Record(event *Event, err error) {
	event.Success = err == nil
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func Record(event *Event, err error) {
	Default().Record(event, err)
}
