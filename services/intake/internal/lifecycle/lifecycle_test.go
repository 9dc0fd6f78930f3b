package lifecycle

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amitpaz1/formbridge/pkg/condition"
	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/validation"
	"github.com/amitpaz1/formbridge/services/intake/internal/delivery"
	"github.com/amitpaz1/formbridge/services/intake/internal/events"
	"github.com/amitpaz1/formbridge/services/intake/internal/idempotency"
	"github.com/amitpaz1/formbridge/services/intake/internal/registry"
	"github.com/amitpaz1/formbridge/services/intake/internal/storage"
	"github.com/amitpaz1/formbridge/services/intake/internal/store"
)

var (
	agent    = domain.Actor{Kind: domain.ActorAgent, ID: "agent-1", Name: "Intake Bot"}
	human    = domain.Actor{Kind: domain.ActorHuman, ID: "user-7"}
	reviewer = domain.Actor{Kind: domain.ActorHuman, ID: "reviewer-1"}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type publicResolver struct{}

func (publicResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}

func vendorSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1},
			"email":       map[string]any{"type": "string", "format": "email"},
			"amount":      map[string]any{"type": "number"},
			"hasCompany":  map[string]any{"type": "boolean"},
			"companyName": map[string]any{"type": "string"},
			"w9": map[string]any{
				"type":     "string",
				"format":   "binary",
				"x-upload": map[string]any{"maxBytes": 1000, "accept": []any{"application/pdf"}},
			},
		},
		"required": []any{"name", "email", "companyName"},
	}
}

func intakes() []*domain.IntakeDefinition {
	rules := map[string]condition.FieldRules{
		"companyName": {Visible: &condition.Condition{When: "hasCompany", Op: condition.OpEq, Value: true}},
	}
	dest := &domain.Destination{URL: "https://hooks.example.com/formbridge", Secret: "whsec"}
	docs := vendorSchema()
	docs["required"] = []any{"name", "w9"}
	return []*domain.IntakeDefinition{
		{ID: "vendor", Schema: vendorSchema(), FieldRules: rules, Destination: dest, TTL: 24 * time.Hour},
		{
			ID: "gated", Schema: vendorSchema(), FieldRules: rules, Destination: dest,
			ApprovalGates: []domain.ApprovalGate{
				{Name: "large_amount", Condition: &condition.Condition{When: "amount", Op: condition.OpGt, Value: 1000}},
			},
		},
		{ID: "nodest", Schema: vendorSchema(), FieldRules: rules},
		{ID: "blocked", Schema: vendorSchema(), FieldRules: rules, Destination: &domain.Destination{URL: "http://127.0.0.1/hook"}},
		{ID: "docs", Schema: docs, Destination: dest},
	}
}

type harness struct {
	mgr      *Manager
	store    *store.Memory
	storage  *storage.Memory
	engine   *delivery.Engine
	recorder *events.Recorder
	clock    *fakeClock
	calls    atomic.Int32
	status   atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test swap manager dependencies before the manager is built.
func newHarnessWith(t *testing.T, override func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(),
		storage:  storage.NewMemory("https://uploads.example.com"),
		recorder: &events.Recorder{},
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.status.Store(http.StatusOK)

	reg := registry.NewMemory()
	for _, def := range intakes() {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.ID, err)
		}
	}
	bus := events.NewBus(nil, h.recorder)
	h.engine = delivery.NewEngine(delivery.NewMemoryQueue(), bus,
		delivery.WithClock(h.clock.Now),
		delivery.WithResolver(publicResolver{}),
		delivery.WithDoer(delivery.DoerFunc(func(*http.Request) (*http.Response, error) {
			h.calls.Add(1)
			return &http.Response{StatusCode: int(h.status.Load()), Body: io.NopCloser(strings.NewReader(""))}, nil
		})),
	)
	deps := Deps{
		Registry:  reg,
		Store:     h.store,
		Validator: validation.New(),
		Storage:   h.storage,
		Emitter:   bus,
		Delivery:  h.engine,
	}
	if override != nil {
		override(&deps)
	}
	h.mgr = NewManager(deps, Config{HandoffBaseURL: "https://forms.example.com/"}, WithClock(h.clock.Now))
	bus.Subscribe(h.mgr.OnDeliveryEvent, domain.EventDeliverySucceeded)
	return h
}

func (h *harness) create(t *testing.T, intakeID string, fields map[string]any) *CreateResult {
	t.Helper()
	res, err := h.mgr.Create(context.Background(), CreateInput{IntakeID: intakeID, Actor: agent, Fields: fields})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res
}

func (h *harness) state(t *testing.T, id string) domain.State {
	t.Helper()
	sub, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return sub.State
}

func TestCreateSetFieldsSubmitFinalize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := h.create(t, "vendor", map[string]any{"name": "Ada"})
	if created.State != domain.StateDraft || !strings.HasPrefix(created.SubmissionID, "sub_") || !strings.HasPrefix(created.ResumeToken, "rtok_") {
		t.Fatalf("unexpected create result: %+v", created)
	}
	if len(created.MissingFields) != 1 || created.MissingFields[0] != "email" {
		t.Fatalf("missing fields=%v", created.MissingFields)
	}

	updated, err := h.mgr.SetFields(ctx, SetFieldsInput{
		SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent,
		Fields: map[string]any{"email": "ada@x.com"},
	})
	if err != nil {
		t.Fatalf("set fields: %v", err)
	}
	if updated.State != domain.StateInProgress || updated.ResumeToken == created.ResumeToken {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	sub, _ := h.mgr.Get(ctx, created.SubmissionID)
	if sub.Fields["name"] != "Ada" || sub.Fields["email"] != "ada@x.com" {
		t.Fatalf("fields not merged: %v", sub.Fields)
	}
	if sub.FieldAttribution["name"] != agent || sub.FieldAttribution["email"] != agent {
		t.Fatalf("attribution=%v", sub.FieldAttribution)
	}

	out, err := h.mgr.Submit(ctx, SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: updated.ResumeToken, Actor: agent})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.OK || out.Outcome != OutcomeSubmitted || out.State != domain.StateSubmitted || out.DeliveryID == "" {
		t.Fatalf("unexpected submit result: %+v", out)
	}

	h.engine.Wait()
	if got := h.state(t, created.SubmissionID); got != domain.StateFinalized {
		t.Fatalf("state=%s want finalized", got)
	}
	if len(h.recorder.OfType(domain.EventSubmissionFinalized, created.SubmissionID)) != 1 {
		t.Fatalf("expected one finalized event")
	}
	recs, err := h.mgr.DeliveryStatus(ctx, created.SubmissionID)
	if err != nil || len(recs) != 1 || recs[0].Status != delivery.StatusSucceeded {
		t.Fatalf("deliveries=%+v err=%v", recs, err)
	}
	final, _ := h.mgr.Get(ctx, created.SubmissionID)
	if len(final.DeliveryIDs) != 1 || final.DeliveryIDs[0] != out.DeliveryID {
		t.Fatalf("delivery ids=%v", final.DeliveryIDs)
	}
}

func TestStaleResumeTokenIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "vendor", map[string]any{"name": "Ada"})
	if _, err := h.mgr.SetFields(ctx, SetFieldsInput{
		SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent,
		Fields: map[string]any{"email": "ada@x.com"},
	}); err != nil {
		t.Fatal(err)
	}
	before, _ := h.mgr.Get(ctx, created.SubmissionID)

	_, err := h.mgr.SetFields(ctx, SetFieldsInput{
		SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: human,
		Fields: map[string]any{"name": "Mallory"},
	})
	if !errors.Is(err, domain.ErrInvalidResumeToken) || domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected invalid token conflict, got %v", err)
	}
	_, err = h.mgr.Submit(ctx, SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent})
	if !errors.Is(err, domain.ErrInvalidResumeToken) {
		t.Fatalf("expected invalid token on submit, got %v", err)
	}

	after, _ := h.mgr.Get(ctx, created.SubmissionID)
	if after.ResumeToken != before.ResumeToken || after.Fields["name"] != "Ada" || after.State != before.State {
		t.Fatalf("stored submission changed: %+v", after)
	}
}

func TestCreateIsIdempotentPerActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := CreateInput{IntakeID: "vendor", Actor: agent, Fields: map[string]any{"name": "Ada"}, IdempotencyKey: "k1"}

	first, err := h.mgr.Create(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.mgr.Create(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if second.SubmissionID != first.SubmissionID || !second.Replayed {
		t.Fatalf("expected replay of %s, got %+v", first.SubmissionID, second)
	}
	if n := len(h.recorder.OfType(domain.EventSubmissionCreated, "")); n != 1 {
		t.Fatalf("expected one created event, got %d", n)
	}

	other := in
	other.Actor = human
	third, err := h.mgr.Create(ctx, other)
	if err != nil || third.SubmissionID == first.SubmissionID {
		t.Fatalf("different actor must not share key: %+v %v", third, err)
	}

	changed := in
	changed.Fields = map[string]any{"name": "Grace"}
	if _, err := h.mgr.Create(ctx, changed); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "vendor", map[string]any{"name": "Ada", "email": "ada@x.com"})
	in := SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent, IdempotencyKey: "submit-1"}

	first, err := h.mgr.Submit(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.mgr.Submit(ctx, in)
	if err != nil {
		t.Fatalf("replayed submit: %v", err)
	}
	if !second.Replayed || second.DeliveryID != first.DeliveryID {
		t.Fatalf("expected replay, got %+v", second)
	}
	h.engine.Wait()
	recs, _ := h.mgr.DeliveryStatus(ctx, created.SubmissionID)
	if len(recs) != 1 || h.calls.Load() != 1 {
		t.Fatalf("expected a single delivery, got %d records and %d calls", len(recs), h.calls.Load())
	}
}

func TestHiddenRequiredFieldIsNotMissing(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "nodest", map[string]any{"name": "Ada", "email": "ada@x.com", "hasCompany": false})
	if len(created.MissingFields) != 0 {
		t.Fatalf("missing=%v", created.MissingFields)
	}
	out, err := h.mgr.Submit(context.Background(), SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.State != domain.StateFinalized || out.DeliveryID != "" {
		t.Fatalf("intake without destination should finalize at once: %+v", out)
	}
}

func TestSubmitValidationFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "vendor", map[string]any{"name": "Ada", "hasCompany": true})

	_, err := h.mgr.Submit(ctx, SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if strings.Join(verr.Result.MissingFields, ",") != "companyName,email" {
		t.Fatalf("missing=%v", verr.Result.MissingFields)
	}
	sub, _ := h.mgr.Get(ctx, created.SubmissionID)
	if sub.State != domain.StateAwaitingInput || sub.ResumeToken != created.ResumeToken {
		t.Fatalf("unexpected state after failed submit: %s", sub.State)
	}
	if len(h.recorder.OfType(domain.EventValidationFailed, created.SubmissionID)) != 1 {
		t.Fatalf("expected validation.failed event")
	}

	_, err = h.mgr.SetFields(ctx, SetFieldsInput{
		SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent,
		Fields: map[string]any{"email": "not-an-email"},
	})
	if !errors.As(err, &verr) || verr.Result.Errors[0].Code != validation.CodeInvalidFormat {
		t.Fatalf("expected invalid format, got %v", err)
	}
	after, _ := h.mgr.Get(ctx, created.SubmissionID)
	if _, ok := after.Fields["email"]; ok || after.ResumeToken != created.ResumeToken {
		t.Fatalf("invalid update must not be written: %+v", after.Fields)
	}
}

func TestApprovalGateRoutesToReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "gated", map[string]any{"name": "Ada", "email": "ada@x.com", "amount": 5000})

	out, err := h.mgr.Submit(ctx, SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent})
	if err != nil {
		t.Fatal(err)
	}
	if out.OK || out.Outcome != OutcomeNeedsApproval || out.State != domain.StateNeedsReview || out.Gates[0] != "large_amount" {
		t.Fatalf("unexpected result: %+v", out)
	}
	h.engine.Wait()
	if h.calls.Load() != 0 {
		t.Fatalf("gated submission must not be delivered")
	}

	approved, err := h.mgr.Approve(ctx, ReviewInput{SubmissionID: created.SubmissionID, ResumeToken: out.ResumeToken, Reviewer: reviewer, Comment: "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if approved.State != domain.StateApproved || approved.DeliveryID == "" {
		t.Fatalf("unexpected approve result: %+v", approved)
	}
	h.engine.Wait()
	sub, _ := h.mgr.Get(ctx, created.SubmissionID)
	if sub.State != domain.StateFinalized || sub.Review.Status != domain.ReviewApproved || *sub.Review.Reviewer != reviewer {
		t.Fatalf("unexpected submission: state=%s review=%+v", sub.State, sub.Review)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "gated", map[string]any{"name": "Ada", "email": "ada@x.com", "amount": 5000})
	out, _ := h.mgr.Submit(ctx, SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent})

	rejected, err := h.mgr.Reject(ctx, ReviewInput{SubmissionID: created.SubmissionID, ResumeToken: out.ResumeToken, Reviewer: reviewer, Comment: "no"})
	if err != nil || rejected.State != domain.StateRejected {
		t.Fatalf("reject: %+v %v", rejected, err)
	}
	_, err = h.mgr.SetFields(ctx, SetFieldsInput{SubmissionID: created.SubmissionID, ResumeToken: rejected.ResumeToken, Actor: agent, Fields: map[string]any{"name": "x"}})
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestApproveRequiresReview(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "vendor", map[string]any{"name": "Ada"})
	_, err := h.mgr.Approve(context.Background(), ReviewInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Reviewer: reviewer})
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestUploadFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "docs", map[string]any{"name": "Ada"})
	if strings.Join(created.MissingFields, ",") != "w9" {
		t.Fatalf("missing=%v", created.MissingFields)
	}

	_, err := h.mgr.RequestUpload(ctx, RequestUploadInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent, Field: "name"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for non-file field, got %v", err)
	}
	_, err = h.mgr.RequestUpload(ctx, RequestUploadInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent,
		Field: "w9", Filename: "w9.pdf", MimeType: "application/pdf", SizeBytes: 5000})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Result.Errors[0].Code != validation.CodeFileTooLarge {
		t.Fatalf("expected file_too_large, got %v", err)
	}

	up, err := h.mgr.RequestUpload(ctx, RequestUploadInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent,
		Field: "w9", Filename: "w9.pdf", MimeType: "application/pdf", SizeBytes: 500})
	if err != nil {
		t.Fatal(err)
	}
	if up.State != domain.StateAwaitingUpload || up.Method != "PUT" || up.URL == "" || up.Constraints.MaxBytes != 1000 {
		t.Fatalf("unexpected upload result: %+v", up)
	}

	_, err = h.mgr.Submit(ctx, SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: up.ResumeToken, Actor: agent})
	if !errors.As(err, &verr) || verr.Result.Errors[0].Code != validation.CodeUploadPending {
		t.Fatalf("expected upload_pending, got %v", err)
	}
	if got := h.state(t, created.SubmissionID); got != domain.StateAwaitingUpload {
		t.Fatalf("state=%s", got)
	}

	pending, err := h.mgr.ConfirmUpload(ctx, ConfirmUploadInput{SubmissionID: created.SubmissionID, ResumeToken: up.ResumeToken, Actor: agent, UploadID: up.UploadID})
	if err != nil || pending.Status != domain.UploadPending || pending.ResumeToken != up.ResumeToken {
		t.Fatalf("pending confirm: %+v %v", pending, err)
	}

	h.storage.Complete(created.SubmissionID, up.UploadID, 480, "application/pdf")
	done, err := h.mgr.ConfirmUpload(ctx, ConfirmUploadInput{SubmissionID: created.SubmissionID, ResumeToken: up.ResumeToken, Actor: agent, UploadID: up.UploadID})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.UploadCompleted || done.State != domain.StateInProgress || done.DownloadURL == "" {
		t.Fatalf("unexpected confirm result: %+v", done)
	}
	if len(h.recorder.OfType(domain.EventUploadCompleted, created.SubmissionID)) != 1 {
		t.Fatalf("expected upload.completed event")
	}

	if _, err := h.mgr.ConfirmUpload(ctx, ConfirmUploadInput{SubmissionID: created.SubmissionID, ResumeToken: done.ResumeToken, Actor: agent, UploadID: "upl_missing"}); !errors.Is(err, domain.ErrUploadNotFound) {
		t.Fatalf("expected upload not found, got %v", err)
	}

	out, err := h.mgr.Submit(ctx, SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: done.ResumeToken, Actor: agent})
	if err != nil || out.State != domain.StateSubmitted {
		t.Fatalf("submit after upload: %+v %v", out, err)
	}
	h.engine.Wait()
}

func TestHandoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "vendor", map[string]any{"name": "Ada"})

	link, err := h.mgr.GenerateHandoffURL(ctx, created.SubmissionID, agent)
	if err != nil {
		t.Fatal(err)
	}
	if link.URL != "https://forms.example.com/resume?token="+created.ResumeToken || link.State != domain.StateAwaitingInput {
		t.Fatalf("unexpected handoff: %+v", link)
	}
	again, err := h.mgr.GenerateHandoffURL(ctx, created.SubmissionID, agent)
	if err != nil || again.URL != link.URL {
		t.Fatalf("expected the same link while the token is unchanged: %+v %v", again, err)
	}

	sub, err := h.mgr.EmitHandoffResumed(ctx, created.ResumeToken, human)
	if err != nil || sub.ID != created.SubmissionID {
		t.Fatalf("resume: %+v %v", sub, err)
	}
	evs := h.recorder.OfType(domain.EventHandoffResumed, created.SubmissionID)
	if len(evs) != 1 || evs[0].Payload.(domain.HandoffResumed).ResumedBy != human {
		t.Fatalf("unexpected resumed events: %+v", evs)
	}

	if _, err := h.mgr.EmitHandoffResumed(ctx, "rtok_unknown", human); !errors.Is(err, domain.ErrInvalidResumeToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := h.mgr.GenerateHandoffURL(ctx, "sub_missing", agent); !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	h.clock.Advance(25 * time.Hour)
	if _, err := h.mgr.EmitHandoffResumed(ctx, created.ResumeToken, human); !errors.Is(err, domain.ErrSubmissionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestExpireStaleSubmissionsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.create(t, "vendor", map[string]any{"name": "Ada"})
	fresh := h.create(t, "gated", map[string]any{"name": "Grace"})

	h.clock.Advance(25 * time.Hour)
	n, err := h.mgr.ExpireStaleSubmissions(ctx)
	if err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	n, err = h.mgr.ExpireStaleSubmissions(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	if len(h.recorder.OfType(domain.EventSubmissionExpired, "")) != 1 {
		t.Fatalf("expected one expired event")
	}
	if h.state(t, stale.SubmissionID) != domain.StateExpired || h.state(t, fresh.SubmissionID) != domain.StateDraft {
		t.Fatalf("unexpected states")
	}

	_, err = h.mgr.SetFields(ctx, SetFieldsInput{SubmissionID: stale.SubmissionID, ResumeToken: stale.ResumeToken, Actor: agent, Fields: map[string]any{"email": "a@b.co"}})
	if !errors.Is(err, domain.ErrSubmissionExpired) || domain.KindOf(err) != domain.KindExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestExpiryRunsConcurrentlyWithWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var subs []*CreateResult
	for i := 0; i < 10; i++ {
		subs = append(subs, h.create(t, "vendor", map[string]any{"name": "Ada"}))
	}
	h.clock.Advance(25 * time.Hour)

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := h.mgr.ExpireStaleSubmissions(ctx)
			total.Add(int32(n))
		}()
	}
	wg.Wait()
	if total.Load() != int32(len(subs)) {
		t.Fatalf("expired %d, want %d", total.Load(), len(subs))
	}
	if n := len(h.recorder.OfType(domain.EventSubmissionExpired, "")); n != len(subs) {
		t.Fatalf("expired events=%d", n)
	}
}

func TestBlockedDestinationLeavesSubmissionSubmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "blocked", map[string]any{"name": "Ada", "email": "ada@x.com"})
	out, err := h.mgr.Submit(ctx, SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent})
	if err != nil {
		t.Fatal(err)
	}
	h.engine.Wait()
	recs, _ := h.mgr.DeliveryStatus(ctx, created.SubmissionID)
	if len(recs) != 1 || recs[0].Status != delivery.StatusFailed || !strings.HasPrefix(recs[0].Error, "SSRF blocked") {
		t.Fatalf("unexpected deliveries: %+v", recs)
	}
	if h.calls.Load() != 0 || h.state(t, out.SubmissionID) != domain.StateSubmitted {
		t.Fatalf("blocked delivery must not be sent or finalize")
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "vendor", map[string]any{"name": "Ada"})
	res, err := h.mgr.Cancel(ctx, CancelInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: human, Reason: "duplicate"})
	if err != nil || res.State != domain.StateCancelled {
		t.Fatalf("cancel: %+v %v", res, err)
	}
	ev := h.recorder.OfType(domain.EventSubmissionCancelled, created.SubmissionID)
	if len(ev) != 1 || ev[0].Payload.(domain.Transitioned).Reason != "duplicate" {
		t.Fatalf("unexpected events: %+v", ev)
	}
	if _, err := h.mgr.Cancel(ctx, CancelInput{SubmissionID: created.SubmissionID, ResumeToken: res.ResumeToken, Actor: human}); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestUnknownSubmissionAndIntake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.mgr.SetFields(ctx, SetFieldsInput{SubmissionID: "sub_missing", ResumeToken: "x", Actor: agent}); !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.mgr.Create(ctx, CreateInput{IntakeID: "nope", Actor: agent}); !errors.Is(err, domain.ErrIntakeNotFound) {
		t.Fatalf("expected intake not found, got %v", err)
	}
	if _, err := h.mgr.Create(ctx, CreateInput{IntakeID: "vendor"}); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for missing actor, got %v", err)
	}
}

func TestSubmitReplayRequiresOriginalToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "gated", map[string]any{"name": "Ada", "email": "ada@x.com", "amount": 5000})
	in := SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent, IdempotencyKey: "k1"}
	first, err := h.mgr.Submit(ctx, in)
	if err != nil || first.State != domain.StateNeedsReview {
		t.Fatalf("submit: %+v %v", first, err)
	}

	forged := in
	forged.ResumeToken = "rtok_bogus"
	if out, err := h.mgr.Submit(ctx, forged); !errors.Is(err, domain.ErrInvalidResumeToken) || out != nil {
		t.Fatalf("expected invalid token, got %+v %v", out, err)
	}
	otherActor := in
	otherActor.Actor = human
	if out, err := h.mgr.Submit(ctx, otherActor); !errors.Is(err, domain.ErrInvalidResumeToken) || out != nil {
		t.Fatalf("another actor must not replay: %+v %v", out, err)
	}

	retry, err := h.mgr.Submit(ctx, in)
	if err != nil || !retry.Replayed || retry.ResumeToken != first.ResumeToken {
		t.Fatalf("retry with original token should replay: %+v %v", retry, err)
	}
}

type failingDeliverer struct{}

func (failingDeliverer) Enqueue(context.Context, *domain.Submission, domain.Destination) (string, error) {
	return "", errors.New("queue unavailable")
}

func (failingDeliverer) ListBySubmission(context.Context, string) ([]delivery.Record, error) {
	return nil, nil
}

func TestEnqueueFailureIsReturned(t *testing.T) {
	h := newHarnessWith(t, func(d *Deps) { d.Delivery = failingDeliverer{} })
	ctx := context.Background()
	created := h.create(t, "vendor", map[string]any{"name": "Ada", "email": "ada@x.com"})
	in := SubmitInput{SubmissionID: created.SubmissionID, ResumeToken: created.ResumeToken, Actor: agent, IdempotencyKey: "k1"}

	if out, err := h.mgr.Submit(ctx, in); err == nil || !strings.Contains(err.Error(), "queue unavailable") {
		t.Fatalf("expected enqueue error, got %+v %v", out, err)
	}
	if _, err := h.mgr.Submit(ctx, in); err == nil {
		t.Fatalf("failed submit must not be replayed as a success")
	}
	if sub, _ := h.store.Get(ctx, created.SubmissionID); len(sub.DeliveryIDs) != 0 {
		t.Fatalf("unexpected delivery ids: %v", sub.DeliveryIDs)
	}

	gated := h.create(t, "gated", map[string]any{"name": "Ada", "email": "ada@x.com", "amount": 5000})
	out, err := h.mgr.Submit(ctx, SubmitInput{SubmissionID: gated.SubmissionID, ResumeToken: gated.ResumeToken, Actor: agent})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Approve(ctx, ReviewInput{SubmissionID: gated.SubmissionID, ResumeToken: out.ResumeToken, Reviewer: reviewer}); err == nil {
		t.Fatalf("approve must report the enqueue failure")
	}
}

type flakyInsertStore struct {
	*store.Memory
	failures int
}

func (s *flakyInsertStore) Insert(ctx context.Context, sub *domain.Submission) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.Memory.Insert(ctx, sub)
}

type failingIdempotency struct{}

func (failingIdempotency) Get(context.Context, idempotency.Scope) (*idempotency.Record, bool, error) {
	return nil, false, nil
}

func (failingIdempotency) Save(context.Context, idempotency.Record) (bool, error) {
	return false, errors.New("idempotency store down")
}

func TestCreateRetryAfterFailedInsertPersistsOnce(t *testing.T) {
	flaky := &flakyInsertStore{Memory: store.NewMemory(), failures: 1}
	h := newHarnessWith(t, func(d *Deps) { d.Store = flaky })
	ctx := context.Background()
	in := CreateInput{IntakeID: "vendor", Actor: agent, Fields: map[string]any{"name": "Ada"}, IdempotencyKey: "k1"}

	if _, err := h.mgr.Create(ctx, in); err == nil {
		t.Fatalf("expected insert failure")
	}
	first, err := h.mgr.Create(ctx, in)
	if err != nil || first.Replayed {
		t.Fatalf("retry: %+v %v", first, err)
	}
	second, err := h.mgr.Create(ctx, in)
	if err != nil || !second.Replayed || second.SubmissionID != first.SubmissionID {
		t.Fatalf("expected replay of %s, got %+v %v", first.SubmissionID, second, err)
	}
	if n := len(h.recorder.OfType(domain.EventSubmissionCreated, "")); n != 1 {
		t.Fatalf("expected one created event, got %d", n)
	}
}

func TestCreateFailsWhenKeyCannotBeRecorded(t *testing.T) {
	h := newHarnessWith(t, func(d *Deps) { d.Idempotency = failingIdempotency{} })
	_, err := h.mgr.Create(context.Background(), CreateInput{IntakeID: "vendor", Actor: agent, Fields: map[string]any{"name": "Ada"}, IdempotencyKey: "k1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if n := len(h.recorder.OfType(domain.EventSubmissionCreated, "")); n != 0 {
		t.Fatalf("nothing should be stored, got %d created events", n)
	}
}
