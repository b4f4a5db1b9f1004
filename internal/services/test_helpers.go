package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
)

// RecordingSink implements SecurityEventSink for testing
type RecordingSink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
	Err    error
}

func (r *RecordingSink) Write(ctx context.Context, event models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.Err
}

// Events returns a copy of everything written so far
func (r *RecordingSink) Events() []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SecurityEvent(nil), r.events...)
}

// Count returns how many events of eventType were written
func (r *RecordingSink) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Last returns the most recent event of eventType
func (r *RecordingSink) Last(eventType string) (models.SecurityEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return models.SecurityEvent{}, false
}

// MockSMSProvider implements SMSProvider for testing
type MockSMSProvider struct {
	NameValue string
	SendFunc  func(ctx context.Context, number, message string) (models.SMSSendResult, error)

	mu       sync.Mutex
	messages []SentMessage
}

// SentMessage is one message handed to a MockSMSProvider
type SentMessage struct {
	Number  string
	Message string
}

func (m *MockSMSProvider) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

func (m *MockSMSProvider) Send(ctx context.Context, number, message string) (models.SMSSendResult, error) {
	m.mu.Lock()
	m.messages = append(m.messages, SentMessage{Number: number, Message: message})
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, number, message)
	}
	return models.SMSSendResult{Success: true, ProviderMessageID: "msg-" + number}, nil
}

// Sent returns the messages handed to the provider
func (m *MockSMSProvider) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.messages...)
}

// MockMFAVerifier implements MFAVerifier for testing
type MockMFAVerifier struct {
	VerifyFunc       func(ctx context.Context, subjectID string, proof *models.MFAProof) (*models.VerificationResult, error)
	LastVerifiedFunc func(subjectID string) (time.Time, bool)
}

func (m *MockMFAVerifier) Verify(ctx context.Context, subjectID string, proof *models.MFAProof) (*models.VerificationResult, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, subjectID, proof)
	}
	return nil, models.ErrInvalidCode
}

func (m *MockMFAVerifier) LastVerified(subjectID string) (time.Time, bool) {
	if m.LastVerifiedFunc != nil {
		return m.LastVerifiedFunc(subjectID)
	}
	return time.Time{}, false
}

// MockSecurityEventRepository implements SecurityEventRepository for testing
type MockSecurityEventRepository struct {
	AppendFunc        func(ctx context.Context, event *models.SecurityEvent) error
	ListBySubjectFunc func(ctx context.Context, subjectID string, limit int) ([]*models.SecurityEvent, error)
}

func (m *MockSecurityEventRepository) Append(ctx context.Context, event *models.SecurityEvent) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, event)
	}
	return nil
}

func (m *MockSecurityEventRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*models.SecurityEvent, error) {
	if m.ListBySubjectFunc != nil {
		return m.ListBySubjectFunc(ctx, subjectID, limit)
	}
	return []*models.SecurityEvent{}, nil
}

// StaticReputation implements ReputationChecker over a fixed set of origins
type StaticReputation map[string]bool

func (r StaticReputation) IsFlagged(ctx context.Context, origin string) bool {
	return r[origin]
}
