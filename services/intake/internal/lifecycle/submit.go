package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/amitpaz1/formbridge/pkg/canonhash"
	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/validation"
	"github.com/amitpaz1/formbridge/services/intake/internal/delivery"
	"github.com/amitpaz1/formbridge/services/intake/internal/idempotency"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OutcomeSubmitted     = "submitted"
	OutcomeNeedsApproval = "needs_approval"
	OutcomeApproved      = "approved"
)

type SubmitInput struct {
	SubmissionID   string
	ResumeToken    string
	Actor          domain.Actor
	IdempotencyKey string
}

type SubmitResult struct {
	OK           bool         `json:"ok"`
	Outcome      string       `json:"outcome"`
	SubmissionID string       `json:"submissionId"`
	ResumeToken  string       `json:"resumeToken"`
	State        domain.State `json:"state"`
	DeliveryID   string       `json:"deliveryId,omitempty"`
	Gates        []string     `json:"gates,omitempty"`
	Replayed     bool         `json:"replayed,omitempty"`
}

// Submit runs full validation and either routes the submission to review or
// hands it to delivery. A repeated call with the same idempotency key returns
// the first result.
func (m *Manager) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.submit", trace.WithAttributes(attribute.String("submission.id", in.SubmissionID)))
	defer span.End()

	if !in.Actor.Valid() {
		return nil, invalidActor()
	}
	unlock := m.locks.lock(in.SubmissionID)
	defer unlock()

	scope := idempotency.Scope{Operation: idempotency.OpSubmit, ScopeID: in.SubmissionID, ActorKey: in.Actor.Key(), Key: in.IdempotencyKey}
	requestHash := canonhash.SumBytes([]byte(in.SubmissionID + "\x00" + in.ResumeToken))
	if out, err := m.replaySubmit(ctx, scope, requestHash); err != nil || out != nil {
		return out, err
	}

	sub, err := m.load(ctx, in.SubmissionID, in.ResumeToken)
	if err != nil {
		return nil, err
	}
	if !sub.State.Editable() {
		return nil, &domain.InvalidStateTransitionError{SubmissionID: sub.ID, From: sub.State, To: domain.StateSubmitted}
	}
	def, err := m.registry.GetIntake(ctx, sub.IntakeID)
	if err != nil {
		return nil, err
	}
	res, err := m.validate(def, sub, sub.Fields, validation.ModeFull)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		next := domain.StateAwaitingInput
		if res.OnlyUploadErrors() {
			next = domain.StateAwaitingUpload
		}
		if err := m.commit(ctx, sub, next, in.Actor, false); err != nil {
			return nil, err
		}
		m.emit(ctx, domain.EventValidationFailed, sub, in.Actor, domain.ValidationFailed{Errors: res.Errors})
		span.SetStatus(codes.Error, "validation failed")
		return nil, &domain.ValidationError{Result: res}
	}

	sub.SubmitIdempotencyKey = in.IdempotencyKey
	var out *SubmitResult
	if gates := def.TriggeredGates(sub.Fields); len(gates) > 0 {
		sub.Review = &domain.Review{Status: domain.ReviewPending, Gates: gates}
		if err := m.commit(ctx, sub, domain.StateNeedsReview, in.Actor, true); err != nil {
			return nil, err
		}
		m.emit(ctx, domain.EventReviewRequested, sub, in.Actor, domain.ReviewRequested{Gates: gates})
		out = &SubmitResult{Outcome: OutcomeNeedsApproval, Gates: gates}
	} else {
		if err := m.commit(ctx, sub, domain.StateSubmitted, in.Actor, true); err != nil {
			return nil, err
		}
		deliveryID, err := m.deliver(ctx, def, sub, in.Actor)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		m.emit(ctx, domain.EventSubmissionSubmitted, sub, in.Actor, domain.Submitted{DeliveryID: deliveryID})
		if def.Destination == nil {
			m.finalize(ctx, sub, "no destination configured")
		}
		out = &SubmitResult{OK: true, Outcome: OutcomeSubmitted, DeliveryID: deliveryID}
	}
	out.SubmissionID = sub.ID
	out.ResumeToken = sub.ResumeToken
	out.State = sub.State

	if err := idempotency.Save(ctx, m.idempotency, scope, requestHash, sub.ID, out, m.now()); err != nil {
		m.logger.WarnContext(ctx, "idempotency record not saved",
			slog.String("module", "lifecycle"),
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
	return out, nil
}

// replaySubmit returns the stored result of an earlier submit made with the
// same key, actor and resume token. The same key presented with any other
// token is an invalid token.
func (m *Manager) replaySubmit(ctx context.Context, scope idempotency.Scope, requestHash string) (*SubmitResult, error) {
	if scope.Key == "" {
		return nil, nil
	}
	rec, found, err := m.idempotency.Get(ctx, scope)
	if err != nil || !found {
		return nil, err
	}
	if rec.RequestHash != requestHash {
		return nil, &domain.InvalidResumeTokenError{SubmissionID: scope.ScopeID}
	}
	var out SubmitResult
	if err := json.Unmarshal(rec.Response, &out); err != nil {
		return nil, fmt.Errorf("decode idempotent response: %w", err)
	}
	out.Replayed = true
	return &out, nil
}

// deliver enqueues sub for its intake's destination and records the delivery
// id on the submission. It returns "" when the intake has no destination.
func (m *Manager) deliver(ctx context.Context, def *domain.IntakeDefinition, sub *domain.Submission, actor domain.Actor) (string, error) {
	if def.Destination == nil || m.delivery == nil {
		return "", nil
	}
	id, err := m.delivery.Enqueue(ctx, sub.Clone(), *def.Destination)
	if err != nil {
		m.logger.ErrorContext(ctx, "delivery enqueue failed",
			slog.String("module", "lifecycle"),
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("enqueue delivery: %w", err)
	}
	sub.DeliveryIDs = append(sub.DeliveryIDs, id)
	if err := m.commit(ctx, sub, sub.State, actor, false); err != nil {
		m.logger.WarnContext(ctx, "delivery id not recorded",
			slog.String("module", "lifecycle"),
			slog.String("submission_id", sub.ID),
			slog.String("delivery_id", id),
			slog.String("error", err.Error()),
		)
	}
	return id, nil
}

// finalize moves a submitted or approved submission to finalized. The caller
// holds the submission lock.
func (m *Manager) finalize(ctx context.Context, sub *domain.Submission, reason string) {
	from := sub.State
	if err := m.commit(ctx, sub, domain.StateFinalized, domain.SystemActor, false); err != nil {
		m.logger.WarnContext(ctx, "finalize failed",
			slog.String("module", "lifecycle"),
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.emit(ctx, domain.EventSubmissionFinalized, sub, domain.SystemActor,
		domain.Transitioned{From: from, To: domain.StateFinalized, Reason: reason})
}

// OnDeliveryEvent finalizes a submission once its delivery succeeds. It is
// meant to be subscribed to delivery.succeeded on the event bus.
func (m *Manager) OnDeliveryEvent(ctx context.Context, ev domain.IntakeEvent) {
	if ev.Type != domain.EventDeliverySucceeded {
		return
	}
	unlock := m.locks.lock(ev.SubmissionID)
	defer unlock()

	sub, err := m.store.Get(ctx, ev.SubmissionID)
	if err != nil {
		m.logger.WarnContext(ctx, "delivered submission not loaded",
			slog.String("module", "lifecycle"),
			slog.String("submission_id", ev.SubmissionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if sub.State != domain.StateSubmitted && sub.State != domain.StateApproved {
		return
	}
	m.finalize(ctx, sub, "delivery succeeded")
}

type ReviewInput struct {
	SubmissionID string
	ResumeToken  string
	Reviewer     domain.Actor
	Comment      string
}

// Approve accepts a submission under review and hands it to delivery.
func (m *Manager) Approve(ctx context.Context, in ReviewInput) (*SubmitResult, error) {
	if !in.Reviewer.Valid() {
		return nil, invalidActor()
	}
	unlock := m.locks.lock(in.SubmissionID)
	defer unlock()

	sub, def, err := m.loadForReview(ctx, in, domain.StateApproved)
	if err != nil {
		return nil, err
	}
	m.recordDecision(sub, in, domain.ReviewApproved)
	if err := m.commit(ctx, sub, domain.StateApproved, in.Reviewer, true); err != nil {
		return nil, err
	}
	m.emit(ctx, domain.EventReviewApproved, sub, in.Reviewer, domain.ReviewDecided{Comment: in.Comment})
	deliveryID, err := m.deliver(ctx, def, sub, in.Reviewer)
	if err != nil {
		return nil, err
	}
	if def.Destination == nil {
		m.finalize(ctx, sub, "no destination configured")
	}
	return &SubmitResult{
		OK:           true,
		Outcome:      OutcomeApproved,
		SubmissionID: sub.ID,
		ResumeToken:  sub.ResumeToken,
		State:        sub.State,
		DeliveryID:   deliveryID,
		Gates:        sub.Review.Gates,
	}, nil
}

// Reject closes a submission under review. Rejection is terminal.
func (m *Manager) Reject(ctx context.Context, in ReviewInput) (*Result, error) {
	if !in.Reviewer.Valid() {
		return nil, invalidActor()
	}
	unlock := m.locks.lock(in.SubmissionID)
	defer unlock()

	sub, _, err := m.loadForReview(ctx, in, domain.StateRejected)
	if err != nil {
		return nil, err
	}
	m.recordDecision(sub, in, domain.ReviewRejected)
	if err := m.commit(ctx, sub, domain.StateRejected, in.Reviewer, true); err != nil {
		return nil, err
	}
	m.emit(ctx, domain.EventReviewRejected, sub, in.Reviewer, domain.ReviewDecided{Comment: in.Comment})
	return resultOf(sub, nil), nil
}

func (m *Manager) loadForReview(ctx context.Context, in ReviewInput, to domain.State) (*domain.Submission, *domain.IntakeDefinition, error) {
	sub, err := m.load(ctx, in.SubmissionID, in.ResumeToken)
	if err != nil {
		return nil, nil, err
	}
	if sub.State != domain.StateNeedsReview {
		return nil, nil, &domain.InvalidStateTransitionError{SubmissionID: sub.ID, From: sub.State, To: to}
	}
	def, err := m.registry.GetIntake(ctx, sub.IntakeID)
	if err != nil {
		return nil, nil, err
	}
	return sub, def, nil
}

func (m *Manager) recordDecision(sub *domain.Submission, in ReviewInput, status domain.ReviewStatus) {
	if sub.Review == nil {
		sub.Review = &domain.Review{}
	}
	now := m.now().UTC()
	reviewer := in.Reviewer
	sub.Review.Status = status
	sub.Review.Reviewer = &reviewer
	sub.Review.Comment = in.Comment
	sub.Review.DecidedAt = &now
}

type CancelInput struct {
	SubmissionID string
	ResumeToken  string
	Actor        domain.Actor
	Reason       string
}

func (m *Manager) Cancel(ctx context.Context, in CancelInput) (*Result, error) {
	if !in.Actor.Valid() {
		return nil, invalidActor()
	}
	unlock := m.locks.lock(in.SubmissionID)
	defer unlock()

	sub, err := m.load(ctx, in.SubmissionID, in.ResumeToken)
	if err != nil {
		return nil, err
	}
	from := sub.State
	if err := m.commit(ctx, sub, domain.StateCancelled, in.Actor, false); err != nil {
		return nil, err
	}
	m.emit(ctx, domain.EventSubmissionCancelled, sub, in.Actor,
		domain.Transitioned{From: from, To: domain.StateCancelled, Reason: in.Reason})
	return resultOf(sub, nil), nil
}

// DeliveryStatus lists the delivery records of a submission.
func (m *Manager) DeliveryStatus(ctx context.Context, submissionID string) ([]delivery.Record, error) {
	if _, err := m.store.Get(ctx, submissionID); err != nil {
		return nil, err
	}
	if m.delivery == nil {
		return []delivery.Record{}, nil
	}
	recs, err := m.delivery.ListBySubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []delivery.Record{}
	}
	return recs, nil
}
