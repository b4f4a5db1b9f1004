package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/internal/repositories"
	"github.com/BradenHooton/authcore/pkg/logger"
	"github.com/google/uuid"
)

// SecurityEventSink receives every authentication-relevant decision
type SecurityEventSink interface {
	Write(ctx context.Context, event models.SecurityEvent) error
}

// AuditService dual-writes security events: a structured log line, then the repository
type AuditService struct {
	repo   repositories.SecurityEventRepository
	audit  *logger.AuditLogger
	logger *slog.Logger
	clock  Clock
}

// NewAuditService creates a new AuditService. repo may be nil for log-only operation.
func NewAuditService(repo repositories.SecurityEventRepository, log *slog.Logger, clock Clock) *AuditService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AuditService{
		repo:   repo,
		audit:  logger.NewAuditLogger(log),
		logger: log,
		clock:  clock,
	}
}

// Write records the event. Persistence failures are logged, never returned.
func (s *AuditService) Write(ctx context.Context, event models.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}

	s.audit.Log(ctx, logger.AuditEvent{
		EventType: event.Type,
		SubjectID: event.SubjectID,
		SessionID: event.SessionID,
		Severity:  string(event.Severity),
		RiskScore: event.RiskScore,
		Timestamp: event.Timestamp,
		Context:   event.Context,
	})

	if s.repo == nil {
		return nil
	}
	if err := s.repo.Append(ctx, &event); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist security event",
			slog.String("event_type", event.Type),
			slog.Any("error", err),
		)
	}
	return nil
}

// ListBySubject returns a subject's recent events, newest first
func (s *AuditService) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*models.SecurityEvent, error) {
	if s.repo == nil {
		return []*models.SecurityEvent{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	events, err := s.repo.ListBySubject(ctx, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

// emitter wraps a sink so a failing sink never breaks the calling operation
type emitter struct {
	sink   SecurityEventSink
	logger *slog.Logger
}

func (e emitter) emit(ctx context.Context, event models.SecurityEvent) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Write(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "security event sink failed",
			slog.String("event_type", event.Type),
			slog.Any("error", err))
	}
}
