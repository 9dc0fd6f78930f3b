// Package lifecycle owns submission state: creation, field updates, uploads,
// agent to human handoff, submission, review and expiry.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/validation"
	"github.com/amitpaz1/formbridge/services/intake/internal/delivery"
	"github.com/amitpaz1/formbridge/services/intake/internal/events"
	"github.com/amitpaz1/formbridge/services/intake/internal/idempotency"
	"github.com/amitpaz1/formbridge/services/intake/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Registry interface {
	GetIntake(ctx context.Context, id string) (*domain.IntakeDefinition, error)
}

type Store interface {
	Insert(ctx context.Context, sub *domain.Submission) error
	Get(ctx context.Context, id string) (*domain.Submission, error)
	GetByResumeToken(ctx context.Context, token string) (*domain.Submission, error)
	// Save writes sub only if the stored resume token equals expectedToken.
	Save(ctx context.Context, sub *domain.Submission, expectedToken string) error
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
}

type Validator interface {
	Validate(schema, data map[string]any, opts validation.Options) (validation.Result, error)
}

type Deliverer interface {
	Enqueue(ctx context.Context, sub *domain.Submission, dest domain.Destination) (string, error)
	ListBySubmission(ctx context.Context, submissionID string) ([]delivery.Record, error)
}

type Config struct {
	HandoffBaseURL string
	// DefaultTTL applies to intakes that do not set their own. Zero disables expiry.
	DefaultTTL     time.Duration
	StorageTimeout time.Duration
}

type Deps struct {
	Registry    Registry
	Store       Store
	Validator   Validator
	Storage     storage.Backend
	Emitter     events.Emitter
	Delivery    Deliverer
	Idempotency idempotency.Store
}

type Manager struct {
	registry    Registry
	store       Store
	validator   Validator
	storage     storage.Backend
	emitter     events.Emitter
	delivery    Deliverer
	idempotency idempotency.Store
	cfg         Config

	locks  *lockset
	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(m *Manager) { m.logger = l } }

func NewManager(deps Deps, cfg Config, opts ...Option) *Manager {
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 10 * time.Second
	}
	m := &Manager{
		registry:    deps.Registry,
		store:       deps.Store,
		validator:   deps.Validator,
		storage:     deps.Storage,
		emitter:     deps.Emitter,
		delivery:    deps.Delivery,
		idempotency: deps.Idempotency,
		cfg:         cfg,
		locks:       newLockset(),
		now:         time.Now,
		logger:      slog.Default(),
		tracer:      otel.Tracer("lifecycle"),
	}
	if m.idempotency == nil {
		m.idempotency = idempotency.NewMemoryStore()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// load fetches a submission for a write. Checks run in a fixed order:
// unknown id, expiry, then resume token.
func (m *Manager) load(ctx context.Context, id, token string) (*domain.Submission, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.State == domain.StateExpired || (!sub.State.IsTerminal() && sub.ExpiredAt(m.now())) {
		return nil, &domain.SubmissionExpiredError{SubmissionID: id}
	}
	if token == "" || token != sub.ResumeToken {
		return nil, &domain.InvalidResumeTokenError{SubmissionID: id}
	}
	return sub, nil
}

// commit moves sub to state and persists it against the token it was loaded
// with, rotating the token first when asked.
func (m *Manager) commit(ctx context.Context, sub *domain.Submission, to domain.State, actor domain.Actor, rotate bool) error {
	if sub.State != to || to.IsTerminal() {
		if err := domain.Transition(sub.ID, sub.State, to); err != nil {
			return err
		}
	}
	expected := sub.ResumeToken
	sub.State = to
	sub.UpdatedBy = actor
	sub.UpdatedAt = m.now().UTC()
	if rotate {
		sub.ResumeToken = newResumeToken()
	}
	if err := m.store.Save(ctx, sub, expected); err != nil {
		sub.ResumeToken = expected
		return err
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, typ domain.EventType, sub *domain.Submission, actor domain.Actor, payload domain.EventPayload) {
	_ = events.Safe(ctx, m.logger, m.emitter, domain.NewEvent(typ, sub, actor, payload, m.now()))
}

func (m *Manager) validate(def *domain.IntakeDefinition, sub *domain.Submission, fields map[string]any, mode validation.Mode) (validation.Result, error) {
	return m.validator.Validate(def.Schema, fields, validation.Options{
		Mode:    mode,
		Rules:   def.FieldRules,
		Uploads: uploadStates(sub),
	})
}

// missingFields runs a full validation only to report what is still needed.
func (m *Manager) missingFields(def *domain.IntakeDefinition, sub *domain.Submission) []string {
	res, err := m.validate(def, sub, sub.Fields, validation.ModeFull)
	if err != nil {
		return nil
	}
	return res.MissingFields
}

func (m *Manager) ttl(def *domain.IntakeDefinition) time.Duration {
	if def.TTL > 0 {
		return def.TTL
	}
	return m.cfg.DefaultTTL
}

// uploadStates reduces a submission's uploads to the latest one per field.
func uploadStates(sub *domain.Submission) map[string]validation.UploadState {
	if sub == nil || len(sub.Uploads) == 0 {
		return nil
	}
	latest := map[string]domain.Upload{}
	for _, u := range sub.Uploads {
		if cur, ok := latest[u.Field]; !ok || u.CreatedAt.After(cur.CreatedAt) {
			latest[u.Field] = u
		}
	}
	out := make(map[string]validation.UploadState, len(latest))
	for field, u := range latest {
		out[field] = validation.UploadState{
			Status:    validation.UploadStatus(u.Status),
			SizeBytes: u.SizeBytes,
			MimeType:  u.MimeType,
			Error:     u.Error,
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newResumeToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return "rtok_" + hex.EncodeToString(b)
}
