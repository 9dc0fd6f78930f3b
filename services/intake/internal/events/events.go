package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amitpaz1/formbridge/pkg/domain"
)

// Emitter accepts intake events. Callers log failures and carry on.
type Emitter interface {
	Emit(ctx context.Context, ev domain.IntakeEvent) error
}

type EmitterFunc func(ctx context.Context, ev domain.IntakeEvent) error

func (f EmitterFunc) Emit(ctx context.Context, ev domain.IntakeEvent) error { return f(ctx, ev) }

type Handler func(ctx context.Context, ev domain.IntakeEvent)

type subscription struct {
	types   map[domain.EventType]bool
	handler Handler
}

// Bus fans events out to sinks (Kafka, Postgres, recorders) and to
// in-process subscribers. Subscribers run synchronously on the emitting
// goroutine; a panicking sink or subscriber is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Emitter
	subs   []subscription
	logger *slog.Logger
}

func NewBus(logger *slog.Logger, sinks ...Emitter) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{sinks: sinks, logger: logger}
}

func (b *Bus) AddSink(e Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, e)
}

// Subscribe registers h for the given types, or for every type when none are given.
func (b *Bus) Subscribe(h Handler, types ...domain.EventType) {
	s := subscription{handler: h}
	if len(types) > 0 {
		s.types = map[domain.EventType]bool{}
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

func (b *Bus) Emit(ctx context.Context, ev domain.IntakeEvent) error {
	b.mu.RLock()
	sinks := append([]Emitter(nil), b.sinks...)
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := Safe(ctx, b.logger, s, ev); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		b.dispatch(ctx, s.handler, ev)
	}
	return errors.Join(errs...)
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev domain.IntakeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event subscriber panicked",
				slog.String("module", "events"),
				slog.String("event_type", string(ev.Type)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	h(ctx, ev)
}

// Safe emits ev through e, converting a panic into an error and logging any
// failure. It is the only way core components talk to an Emitter.
func Safe(ctx context.Context, logger *slog.Logger, e Emitter, ev domain.IntakeEvent) (err error) {
	if e == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("emitter panicked: %v", r)
		}
		if err != nil {
			logger.WarnContext(ctx, "event emit failed",
				slog.String("module", "events"),
				slog.String("event_type", string(ev.Type)),
				slog.String("submission_id", ev.SubmissionID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return e.Emit(ctx, ev)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.IntakeEvent
}

func (r *Recorder) Emit(_ context.Context, ev domain.IntakeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []domain.IntakeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.IntakeEvent(nil), r.events...)
}

// OfType returns recorded events of typ, optionally restricted to one submission.
func (r *Recorder) OfType(typ domain.EventType, submissionID string) []domain.IntakeEvent {
	var out []domain.IntakeEvent
	for _, ev := range r.Events() {
		if ev.Type == typ && (submissionID == "" || ev.SubmissionID == submissionID) {
			out = append(out, ev)
		}
	}
	return out
}

// List renders recorded events for one submission in the stored shape.
func (r *Recorder) List(_ context.Context, submissionID string) ([]StoredEvent, error) {
	var out []StoredEvent
	for _, ev := range r.Events() {
		if ev.SubmissionID != submissionID {
			continue
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredEvent{
			ID:         ev.ID,
			Type:       string(ev.Type),
			Actor:      ev.Actor,
			State:      string(ev.State),
			Payload:    payload,
			OccurredAt: ev.TS.UTC().Format("2006-01-02T15:04:05.000000Z"),
		})
	}
	return out, nil
}
