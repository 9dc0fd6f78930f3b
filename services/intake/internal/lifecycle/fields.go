package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amitpaz1/formbridge/pkg/canonhash"
	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/validation"
	"github.com/amitpaz1/formbridge/services/intake/internal/idempotency"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type CreateInput struct {
	IntakeID       string
	Actor          domain.Actor
	Fields         map[string]any
	IdempotencyKey string
}

type CreateResult struct {
	SubmissionID  string       `json:"submissionId"`
	ResumeToken   string       `json:"resumeToken"`
	State         domain.State `json:"state"`
	MissingFields []string     `json:"missingFields"`
	Replayed      bool         `json:"replayed,omitempty"`
}

// Result is returned by operations that mutate an existing submission.
type Result struct {
	SubmissionID  string       `json:"submissionId"`
	ResumeToken   string       `json:"resumeToken"`
	State         domain.State `json:"state"`
	MissingFields []string     `json:"missingFields,omitempty"`
}

func resultOf(sub *domain.Submission, missing []string) *Result {
	return &Result{SubmissionID: sub.ID, ResumeToken: sub.ResumeToken, State: sub.State, MissingFields: missing}
}

func invalidActor() error {
	return fmt.Errorf("%w: actor kind and id are required", domain.ErrValidation)
}

func (m *Manager) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.create", trace.WithAttributes(attribute.String("intake.id", in.IntakeID)))
	defer span.End()

	if !in.Actor.Valid() {
		return nil, invalidActor()
	}
	def, err := m.registry.GetIntake(ctx, in.IntakeID)
	if err != nil {
		return nil, err
	}

	scope := idempotency.Scope{Operation: idempotency.OpCreate, ScopeID: in.IntakeID, ActorKey: in.Actor.Key(), Key: in.IdempotencyKey}
	var requestHash, reservedID string
	if in.IdempotencyKey != "" {
		unlock := m.locks.lock(fmt.Sprintf("create:%s:%s:%s", in.IntakeID, in.Actor.Key(), in.IdempotencyKey))
		defer unlock()
		requestHash, _, err = canonhash.SumObject(map[string]any{"intakeId": in.IntakeID, "fields": in.Fields})
		if err != nil {
			return nil, err
		}
		res, rec, err := m.replayCreate(ctx, scope, requestHash)
		if err != nil || res != nil {
			return res, err
		}
		if rec != nil {
			reservedID = rec.SubmissionID
		}
	}

	fields := domain.CloneFields(in.Fields)
	now := m.now().UTC()
	sub := &domain.Submission{
		ID:               reservedID,
		IntakeID:         def.ID,
		State:            domain.StateDraft,
		ResumeToken:      newResumeToken(),
		Fields:           fields,
		FieldAttribution: map[string]domain.Actor{},
		Uploads:          map[string]domain.Upload{},
		CreatedBy:        in.Actor,
		UpdatedBy:        in.Actor,
		CreatedAt:        now,
		UpdatedAt:        now,
		IdempotencyKey:   in.IdempotencyKey,
	}
	if sub.ID == "" {
		sub.ID = "sub_" + uuid.NewString()
	}
	for k := range fields {
		sub.FieldAttribution[k] = in.Actor
	}
	if ttl := m.ttl(def); ttl > 0 {
		exp := now.Add(ttl)
		sub.ExpiresAt = &exp
	}

	res, err := m.validate(def, sub, fields, validation.ModePartial)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, &domain.ValidationError{Result: res}
	}
	out := &CreateResult{
		SubmissionID:  sub.ID,
		ResumeToken:   sub.ResumeToken,
		State:         sub.State,
		MissingFields: m.missingFields(def, sub),
	}
	// The key is recorded before the insert. A retry after a failed insert
	// finds the record and creates the submission under the same id.
	if reservedID == "" {
		if err := idempotency.Save(ctx, m.idempotency, scope, requestHash, sub.ID, out, now); err != nil {
			return nil, fmt.Errorf("save idempotency record: %w", err)
		}
	}
	if err := m.store.Insert(ctx, sub); err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	m.emit(ctx, domain.EventSubmissionCreated, sub, in.Actor, domain.SubmissionCreated{Fields: sortedKeys(fields)})
	return out, nil
}

// replayCreate answers a repeated create with the submission it made, as it
// stands now. When the key was recorded but the submission never stored, it
// returns only the record.
func (m *Manager) replayCreate(ctx context.Context, scope idempotency.Scope, requestHash string) (*CreateResult, *idempotency.Record, error) {
	rec, found, err := idempotency.Replay(ctx, m.idempotency, scope, requestHash)
	if err != nil || !found {
		return nil, nil, err
	}
	var out CreateResult
	if err := json.Unmarshal(rec.Response, &out); err != nil {
		return nil, nil, fmt.Errorf("decode idempotent response: %w", err)
	}
	sub, err := m.store.Get(ctx, rec.SubmissionID)
	if errors.Is(err, domain.ErrSubmissionNotFound) {
		return nil, rec, nil
	}
	if err != nil {
		return nil, nil, err
	}
	out.ResumeToken = sub.ResumeToken
	out.State = sub.State
	out.Replayed = true
	return &out, rec, nil
}

type SetFieldsInput struct {
	SubmissionID string
	ResumeToken  string
	Actor        domain.Actor
	Fields       map[string]any
}

func (m *Manager) SetFields(ctx context.Context, in SetFieldsInput) (*Result, error) {
	if !in.Actor.Valid() {
		return nil, invalidActor()
	}
	unlock := m.locks.lock(in.SubmissionID)
	defer unlock()

	sub, err := m.load(ctx, in.SubmissionID, in.ResumeToken)
	if err != nil {
		return nil, err
	}
	next := domain.StateInProgress
	if len(sub.PendingUploads()) > 0 {
		next = domain.StateAwaitingUpload
	}
	if !sub.State.Editable() {
		return nil, &domain.InvalidStateTransitionError{SubmissionID: sub.ID, From: sub.State, To: next}
	}
	def, err := m.registry.GetIntake(ctx, sub.IntakeID)
	if err != nil {
		return nil, err
	}

	merged := domain.CloneFields(sub.Fields)
	for k, v := range domain.CloneFields(in.Fields) {
		merged[k] = v
	}
	res, err := m.validate(def, sub, merged, validation.ModePartial)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		m.emit(ctx, domain.EventValidationFailed, sub, in.Actor, domain.ValidationFailed{Errors: res.Errors})
		return nil, &domain.ValidationError{Result: res}
	}

	sub.Fields = merged
	if sub.FieldAttribution == nil {
		sub.FieldAttribution = map[string]domain.Actor{}
	}
	for k := range in.Fields {
		sub.FieldAttribution[k] = in.Actor
	}
	if err := m.commit(ctx, sub, next, in.Actor, true); err != nil {
		return nil, err
	}
	m.emit(ctx, domain.EventFieldsUpdated, sub, in.Actor, domain.FieldsUpdated{Fields: sortedKeys(in.Fields)})
	return resultOf(sub, m.missingFields(def, sub)), nil
}

// Get returns a snapshot of the submission.
func (m *Manager) Get(ctx context.Context, submissionID string) (*domain.Submission, error) {
	return m.store.Get(ctx, submissionID)
}
