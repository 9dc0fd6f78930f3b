package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/webhooks"
	"github.com/amitpaz1/formbridge/services/intake/internal/events"
	"github.com/amitpaz1/formbridge/services/intake/internal/schedule"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const userAgent = "FormBridge-Webhook/1.0"

type Engine struct {
	queue       Queue
	emitter     events.Emitter
	doer        Doer
	resolver    Resolver
	policy      RetryPolicy
	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
	timeout     time.Duration
	interval    time.Duration
	batchSize   int
	concurrency int

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
	loop     *schedule.Loop
}

type Option func(*Engine)

func WithDoer(d Doer) Option                  { return func(e *Engine) { e.doer = d } }
func WithResolver(r Resolver) Option          { return func(e *Engine) { e.resolver = r } }
func WithPolicy(p RetryPolicy) Option         { return func(e *Engine) { e.policy = p } }
func WithClock(now func() time.Time) Option   { return func(e *Engine) { e.now = now } }
func WithLogger(l *slog.Logger) Option        { return func(e *Engine) { e.logger = l } }
func WithTimeout(d time.Duration) Option      { return func(e *Engine) { e.timeout = d } }
func WithPollInterval(d time.Duration) Option { return func(e *Engine) { e.interval = d } }

func NewEngine(queue Queue, emitter events.Emitter, opts ...Option) *Engine {
	e := &Engine{
		queue:       queue,
		emitter:     emitter,
		resolver:    net.DefaultResolver,
		policy:      DefaultRetryPolicy(),
		now:         time.Now,
		logger:      slog.Default(),
		tracer:      otel.Tracer("delivery"),
		timeout:     10 * time.Second,
		interval:    time.Second,
		batchSize:   100,
		concurrency: 8,
		inflight:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.doer == nil {
		e.doer = NewSafeClient(e.timeout)
	}
	e.loop = schedule.NewLoop(e.interval, func(ctx context.Context) {
		if err := e.RunOnce(ctx); err != nil {
			e.logger.WarnContext(ctx, "delivery sweep failed",
				slog.String("module", "delivery"),
				slog.String("error", err.Error()),
			)
		}
	})
	return e
}

// Enqueue persists a delivery for sub and starts the first attempt in the
// background. The returned id is valid even when the destination is blocked,
// in which case the record is already failed and no request is made.
func (e *Engine) Enqueue(ctx context.Context, sub *domain.Submission, dest domain.Destination) (string, error) {
	now := e.now().UTC()
	id := "dlv_" + uuid.NewString()
	payload, err := webhooks.CanonicalJSON(map[string]any{
		"submissionId":     sub.ID,
		"intakeId":         sub.IntakeID,
		"state":            sub.State,
		"fields":           sub.Fields,
		"fieldAttribution": sub.FieldAttribution,
		"timestamp":        now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("encode delivery payload: %w", err)
	}
	job := &Job{
		Record: Record{
			ID:             id,
			SubmissionID:   sub.ID,
			IntakeID:       sub.IntakeID,
			DestinationURL: dest.URL,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
			NextRetryAt:    &now,
		},
		EventType:       domain.EventSubmissionSubmitted,
		SubmissionState: sub.State,
		Payload:         payload,
		Destination:     dest,
	}

	var blocked *BlockedError
	if err := ValidateDestination(ctx, e.resolver, dest.URL); errors.As(err, &blocked) {
		job.Record.Status = StatusFailed
		job.Record.NextRetryAt = nil
		job.Record.Error = blocked.Error()
		if err := e.queue.Insert(ctx, job); err != nil {
			return "", fmt.Errorf("insert delivery: %w", err)
		}
		e.logger.WarnContext(ctx, "delivery blocked",
			slog.String("module", "delivery"),
			slog.String("delivery_id", id),
			slog.String("submission_id", sub.ID),
			slog.String("reason", blocked.Reason),
		)
		e.emit(ctx, job, domain.EventDeliveryFailed)
		return id, nil
	}

	if err := e.queue.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.attempt(context.WithoutCancel(ctx), id)
	}()
	return id, nil
}

// RunOnce attempts every due delivery and waits for the attempts to finish.
// Cancelling ctx stops new attempts from starting; attempts already started
// run to completion.
func (e *Engine) RunOnce(ctx context.Context) error {
	ids, err := e.queue.Due(ctx, e.now().UTC(), e.batchSize)
	if err != nil {
		return err
	}
	attemptCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
dispatch:
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer func() { <-sem; wg.Done() }()
			e.attempt(attemptCtx, id)
		}(id)
	}
	wg.Wait()
	return nil
}

func (e *Engine) Start(ctx context.Context) { e.loop.Start(ctx) }

// Stop halts the retry scheduler and waits for in-flight attempts to finish.
// No retry is started after Stop returns.
func (e *Engine) Stop() {
	e.loop.Stop()
	e.wg.Wait()
}

// Wait blocks until every background attempt started by Enqueue returns.
func (e *Engine) Wait() { e.wg.Wait() }

// GetDelivery returns the record for id, or nil when there is none.
func (e *Engine) GetDelivery(ctx context.Context, id string) *Record {
	if id == "" {
		return nil
	}
	job, err := e.queue.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrDeliveryNotFound) {
			e.logger.WarnContext(ctx, "delivery lookup failed",
				slog.String("module", "delivery"),
				slog.String("delivery_id", id),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	rec := job.Record
	return &rec
}

func (e *Engine) ListBySubmission(ctx context.Context, submissionID string) ([]Record, error) {
	return e.queue.ListBySubmission(ctx, submissionID)
}

func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

type outcome struct {
	statusCode int
	err        error
	permanent  bool
}

func (e *Engine) attempt(ctx context.Context, id string) {
	if !e.claim(id) {
		return
	}
	defer e.release(id)

	job, err := e.queue.Get(ctx, id)
	if err != nil {
		e.logger.WarnContext(ctx, "delivery load failed",
			slog.String("module", "delivery"),
			slog.String("delivery_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	started := e.now().UTC()
	rec := job.Record
	if rec.Status != StatusPending || (rec.NextRetryAt != nil && rec.NextRetryAt.After(started)) {
		return
	}

	ctx, span := e.tracer.Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.String("delivery.id", rec.ID),
		attribute.String("submission.id", rec.SubmissionID),
		attribute.Int("delivery.attempt", rec.Attempts+1),
	))
	defer span.End()

	out := e.send(ctx, job, started)
	now := e.now().UTC()
	rec.Attempts++
	rec.UpdatedAt = now
	rec.LastStatusCode = out.statusCode
	var terminal domain.EventType
	switch {
	case out.err == nil:
		rec.Status = StatusSucceeded
		rec.NextRetryAt = nil
		rec.Error = ""
		terminal = domain.EventDeliverySucceeded
	case out.permanent || e.policy.exhausted(rec.Attempts):
		rec.Status = StatusFailed
		rec.NextRetryAt = nil
		rec.Error = out.err.Error()
		terminal = domain.EventDeliveryFailed
	default:
		next := now.Add(e.policy.Delay(rec.Attempts))
		rec.NextRetryAt = &next
		rec.Error = out.err.Error()
	}
	if out.err != nil {
		span.SetStatus(codes.Error, out.err.Error())
		e.logger.WarnContext(ctx, "delivery attempt failed",
			slog.String("module", "delivery"),
			slog.String("delivery_id", rec.ID),
			slog.String("submission_id", rec.SubmissionID),
			slog.Int("attempt", rec.Attempts),
			slog.Int("status_code", out.statusCode),
			slog.String("error", out.err.Error()),
		)
	}
	if err := e.queue.Update(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "delivery update failed",
			slog.String("module", "delivery"),
			slog.String("delivery_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	job.Record = rec
	e.emit(ctx, job, domain.EventDeliveryAttempted)
	if terminal != "" {
		e.emit(ctx, job, terminal)
	}
}

func (e *Engine) send(ctx context.Context, job *Job, now time.Time) (out outcome) {
	if err := ValidateDestination(ctx, e.resolver, job.Destination.URL); err != nil {
		var blocked *BlockedError
		return outcome{err: err, permanent: errors.As(err, &blocked)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Destination.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return outcome{err: err, permanent: true}
	}
	for k, v := range job.Destination.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(webhooks.SignatureHeader, webhooks.SignPayload(job.Payload, job.Destination.Secret))
	req.Header.Set(webhooks.TimestampHeader, now.Format(time.RFC3339Nano))
	req.Header.Set(webhooks.DeliveryHeader, job.Record.ID)
	req.Header.Set(webhooks.EventHeader, string(job.EventType))

	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("transport panicked: %v", r)}
		}
	}()
	resp, err := e.doer.Do(req)
	if err != nil {
		var blocked *BlockedError
		return outcome{err: err, permanent: errors.As(err, &blocked)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return outcome{statusCode: resp.StatusCode, err: errors.New("destination responded " + strconv.Itoa(resp.StatusCode))}
	}
	return outcome{statusCode: resp.StatusCode}
}

func (e *Engine) emit(ctx context.Context, job *Job, typ domain.EventType) {
	rec := job.Record
	ev := domain.IntakeEvent{
		ID:           "evt_" + uuid.NewString(),
		Type:         typ,
		SubmissionID: rec.SubmissionID,
		IntakeID:     rec.IntakeID,
		TS:           e.now().UTC(),
		Actor:        domain.SystemActor,
		State:        job.SubmissionState,
		Payload: domain.DeliveryOutcome{
			DeliveryID:     rec.ID,
			DestinationURL: rec.DestinationURL,
			Attempt:        rec.Attempts,
			StatusCode:     rec.LastStatusCode,
			Error:          rec.Error,
			NextRetryAt:    rec.NextRetryAt,
		},
	}
	_ = events.Safe(ctx, e.logger, e.emitter, ev)
}
