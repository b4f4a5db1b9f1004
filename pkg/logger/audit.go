package logger

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// AuditEvent is the log form of a security event
type AuditEvent struct {
	EventType string
	SubjectID string
	SessionID string
	Severity  string
	RiskScore int
	Timestamp time.Time
	Context   map[string]string
}

// AuditLogger writes security events as structured log lines
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// SeverityLevel maps an event severity to a log level
func SeverityLevel(severity string) slog.Level {
	switch severity {
	case "critical", "high":
		return slog.LevelError
	case "medium":
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Log writes the event at the level derived from its severity
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", event.EventType),
		slog.String("severity", event.Severity),
		slog.Int("risk_score", event.RiskScore),
		slog.String("timestamp", event.Timestamp.UTC().Format(time.RFC3339)),
	}

	if event.SubjectID != "" {
		attrs = append(attrs, slog.String("subject_id", event.SubjectID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}

	keys := make([]string, 0, len(event.Context))
	for key := range event.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, slog.String(key, event.Context[key]))
	}

	al.logger.LogAttrs(ctx, SeverityLevel(event.Severity), "audit", attrs...)
}
