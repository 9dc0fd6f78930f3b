package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Queue persists delivery jobs. Implementations return copies.
type Queue interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, rec Record) error
	// Due returns ids of pending jobs whose NextRetryAt is at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListBySubmission(ctx context.Context, submissionID string) ([]Record, error)
}

type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{jobs: map[string]*Job{}} }

func (q *MemoryQueue) Insert(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.Record.ID] = job.clone()
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return job.clone(), nil
}

func (q *MemoryQueue) Update(_ context.Context, rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[rec.ID]
	if !ok {
		return ErrDeliveryNotFound
	}
	if rec.NextRetryAt != nil {
		t := *rec.NextRetryAt
		rec.NextRetryAt = &t
	}
	job.Record = rec
	return nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*Job
	for _, job := range q.jobs {
		r := job.Record
		if r.Status == StatusPending && r.NextRetryAt != nil && !r.NextRetryAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Record.NextRetryAt.Before(*due[j].Record.NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, job := range due {
		ids[i] = job.Record.ID
	}
	return ids, nil
}

func (q *MemoryQueue) ListBySubmission(_ context.Context, submissionID string) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Record
	for _, job := range q.jobs {
		if job.Record.SubmissionID == submissionID {
			out = append(out, job.clone().Record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
