package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
)

const (
	OpCreate = "create_submission"
	OpSubmit = "submit"
)

// Scope identifies one idempotent call. ScopeID is the intake for creates
// and the submission for submits.
type Scope struct {
	Operation string
	ScopeID   string
	ActorKey  string
	Key       string
}

type Record struct {
	Scope        Scope
	RequestHash  string
	SubmissionID string
	Response     json.RawMessage
	CreatedAt    time.Time
}

type Store interface {
	Get(ctx context.Context, scope Scope) (*Record, bool, error)
	// Save inserts rec unless a record for the same scope exists.
	Save(ctx context.Context, rec Record) (bool, error)
}

// Replay returns the stored record for scope. A record stored under a
// different request hash is a conflict.
func Replay(ctx context.Context, st Store, scope Scope, requestHash string) (*Record, bool, error) {
	if scope.Key == "" {
		return nil, false, nil
	}
	rec, found, err := st.Get(ctx, scope)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if requestHash != "" && rec.RequestHash != "" && rec.RequestHash != requestHash {
		return nil, false, &domain.IdempotencyConflictError{Key: scope.Key}
	}
	return rec, true, nil
}

func Save(ctx context.Context, st Store, scope Scope, requestHash, submissionID string, response any, now time.Time) error {
	if scope.Key == "" {
		return nil
	}
	body, err := json.Marshal(response)
	if err != nil {
		return err
	}
	_, err = st.Save(ctx, Record{
		Scope:        scope,
		RequestHash:  requestHash,
		SubmissionID: submissionID,
		Response:     body,
		CreatedAt:    now.UTC(),
	})
	return err
}

type MemoryStore struct {
	mu   sync.Mutex
	recs map[Scope]Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{recs: map[Scope]Record{}} }

func (m *MemoryStore) Get(_ context.Context, scope Scope) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[scope]
	if !ok {
		return nil, false, nil
	}
	rec.Response = append(json.RawMessage(nil), rec.Response...)
	return &rec, true, nil
}

func (m *MemoryStore) Save(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[rec.Scope]; exists {
		return false, nil
	}
	m.recs[rec.Scope] = rec
	return true, nil
}
