// Package store persists submissions with compare-and-swap on the resume
// token: a write names the token it was based on and fails with
// domain.ErrStaleWrite when that token is no longer current.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
)

type Memory struct {
	mu      sync.RWMutex
	byID    map[string]*domain.Submission
	byToken map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		byID:    map[string]*domain.Submission{},
		byToken: map[string]string{},
	}
}

func (m *Memory) Insert(_ context.Context, sub *domain.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[sub.ID]; exists {
		return fmt.Errorf("submission %q already exists", sub.ID)
	}
	m.byID[sub.ID] = sub.Clone()
	m.byToken[sub.ResumeToken] = sub.ID
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[id]
	if !ok {
		return nil, &domain.SubmissionNotFoundError{SubmissionID: id}
	}
	return sub.Clone(), nil
}

func (m *Memory) GetByResumeToken(_ context.Context, token string) (*domain.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, &domain.InvalidResumeTokenError{}
	}
	return m.byID[id].Clone(), nil
}

func (m *Memory) Save(_ context.Context, sub *domain.Submission, expectedToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[sub.ID]
	if !ok {
		return &domain.SubmissionNotFoundError{SubmissionID: sub.ID}
	}
	if cur.ResumeToken != expectedToken {
		return fmt.Errorf("save submission %s: %w", sub.ID, domain.ErrStaleWrite)
	}
	delete(m.byToken, cur.ResumeToken)
	m.byID[sub.ID] = sub.Clone()
	m.byToken[sub.ResumeToken] = sub.ID
	return nil
}

// ListExpired returns ids of non-terminal submissions whose expiry has passed.
func (m *Memory) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, sub := range m.byID {
		if !sub.State.IsTerminal() && sub.ExpiredAt(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
