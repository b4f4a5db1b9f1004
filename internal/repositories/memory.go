package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
)

// NewMemoryStore returns repositories backed by process memory
func NewMemoryStore() *Store {
	return &Store{
		Sessions:      NewMemorySessionRepository(),
		RevokedTokens: NewMemoryRevokedTokenRepository(),
		MFAMethods:    NewMemoryMFAMethodRepository(),
		Challenges:    NewMemoryChallengeRepository(),
		Events:        NewMemorySecurityEventRepository(),
	}
}

// MemorySessionRepository implements SessionRepository in memory
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]*models.Session)}
}

func (r *MemorySessionRepository) Save(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *MemorySessionRepository) GetByFamilyID(ctx context.Context, familyID string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if familyID != "" && s.FamilyID == familyID {
			return s.Clone(), nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *MemorySessionRepository) ListBySubject(ctx context.Context, subjectID string) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Session, 0)
	for _, s := range r.sessions {
		if s.SubjectID == subjectID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemorySessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.ExpiresAt.Before(before) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// MemoryRevokedTokenRepository implements RevokedTokenRepository in memory
type MemoryRevokedTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]RevokedToken
}

func NewMemoryRevokedTokenRepository() *MemoryRevokedTokenRepository {
	return &MemoryRevokedTokenRepository{tokens: make(map[string]RevokedToken)}
}

func (r *MemoryRevokedTokenRepository) Revoke(ctx context.Context, token RevokedToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.JTI] = token
	return nil
}

func (r *MemoryRevokedTokenRepository) ListActive(ctx context.Context, now time.Time) ([]RevokedToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RevokedToken, 0, len(r.tokens))
	for _, t := range r.tokens {
		if t.ExpiresAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryRevokedTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for jti, t := range r.tokens {
		if !t.ExpiresAt.After(before) {
			delete(r.tokens, jti)
			n++
		}
	}
	return n, nil
}

// MemoryMFAMethodRepository implements MFAMethodRepository in memory
type MemoryMFAMethodRepository struct {
	mu      sync.RWMutex
	methods map[string]*models.MFAMethod
}

func NewMemoryMFAMethodRepository() *MemoryMFAMethodRepository {
	return &MemoryMFAMethodRepository{methods: make(map[string]*models.MFAMethod)}
}

func (r *MemoryMFAMethodRepository) Save(ctx context.Context, method *models.MFAMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method.ID] = method.Clone()
	return nil
}

func (r *MemoryMFAMethodRepository) SaveAll(ctx context.Context, methods ...*models.MFAMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range methods {
		r.methods[m.ID] = m.Clone()
	}
	return nil
}

func (r *MemoryMFAMethodRepository) GetByID(ctx context.Context, id string) (*models.MFAMethod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return m.Clone(), nil
}

func (r *MemoryMFAMethodRepository) ListBySubject(ctx context.Context, subjectID string) ([]*models.MFAMethod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.MFAMethod, 0)
	for _, m := range r.methods {
		if m.SubjectID == subjectID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryMFAMethodRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[id]; !ok {
		return models.ErrNotFound
	}
	delete(r.methods, id)
	return nil
}

func (r *MemoryMFAMethodRepository) DeleteBySubject(ctx context.Context, subjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.methods {
		if m.SubjectID == subjectID {
			delete(r.methods, id)
		}
	}
	return nil
}

// MemoryChallengeRepository implements ChallengeRepository in memory
type MemoryChallengeRepository struct {
	mu         sync.RWMutex
	challenges map[string]*models.VerificationChallenge
}

func NewMemoryChallengeRepository() *MemoryChallengeRepository {
	return &MemoryChallengeRepository{challenges: make(map[string]*models.VerificationChallenge)}
}

func (r *MemoryChallengeRepository) Save(ctx context.Context, challenge *models.VerificationChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *challenge
	r.challenges[challenge.ID] = &c
	return nil
}

func (r *MemoryChallengeRepository) GetByID(ctx context.Context, id string) (*models.VerificationChallenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.challenges[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryChallengeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.challenges, id)
	return nil
}

func (r *MemoryChallengeRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.challenges {
		if c.ExpiresAt.Before(before) {
			delete(r.challenges, id)
			n++
		}
	}
	return n, nil
}

// MemorySecurityEventRepository implements SecurityEventRepository in memory
type MemorySecurityEventRepository struct {
	mu     sync.RWMutex
	events []*models.SecurityEvent
}

func NewMemorySecurityEventRepository() *MemorySecurityEventRepository {
	return &MemorySecurityEventRepository{}
}

func (r *MemorySecurityEventRepository) Append(ctx context.Context, event *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := *event
	r.events = append(r.events, &e)
	return nil
}

// ListBySubject returns the newest events first
func (r *MemorySecurityEventRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*models.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.SecurityEvent, 0)
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].SubjectID != subjectID {
			continue
		}
		e := *r.events[i]
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var (
	_ SessionRepository       = (*MemorySessionRepository)(nil)
	_ RevokedTokenRepository  = (*MemoryRevokedTokenRepository)(nil)
	_ MFAMethodRepository     = (*MemoryMFAMethodRepository)(nil)
	_ ChallengeRepository     = (*MemoryChallengeRepository)(nil)
	_ SecurityEventRepository = (*MemorySecurityEventRepository)(nil)
)
