// Package api exposes the lifecycle manager over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/amitpaz1/formbridge/pkg/authn"
	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/ratelimit"
	"github.com/amitpaz1/formbridge/services/intake/internal/delivery"
	"github.com/amitpaz1/formbridge/services/intake/internal/events"
	"github.com/amitpaz1/formbridge/services/intake/internal/lifecycle"

	"github.com/go-chi/chi/v5"
)

// Lifecycle is the subset of *lifecycle.Manager the handlers call.
type Lifecycle interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (*lifecycle.CreateResult, error)
	Get(ctx context.Context, submissionID string) (*domain.Submission, error)
	SetFields(ctx context.Context, in lifecycle.SetFieldsInput) (*lifecycle.Result, error)
	Submit(ctx context.Context, in lifecycle.SubmitInput) (*lifecycle.SubmitResult, error)
	RequestUpload(ctx context.Context, in lifecycle.RequestUploadInput) (*lifecycle.UploadResult, error)
	ConfirmUpload(ctx context.Context, in lifecycle.ConfirmUploadInput) (*lifecycle.UploadResult, error)
	GenerateHandoffURL(ctx context.Context, submissionID string, actor domain.Actor) (*lifecycle.HandoffResult, error)
	EmitHandoffResumed(ctx context.Context, resumeToken string, actor domain.Actor) (*domain.Submission, error)
	Approve(ctx context.Context, in lifecycle.ReviewInput) (*lifecycle.SubmitResult, error)
	Reject(ctx context.Context, in lifecycle.ReviewInput) (*lifecycle.Result, error)
	Cancel(ctx context.Context, in lifecycle.CancelInput) (*lifecycle.Result, error)
	DeliveryStatus(ctx context.Context, submissionID string) ([]delivery.Record, error)
}

// EventLister backs the event history endpoint. Both events.Recorder and
// events.PostgresLog satisfy it.
type EventLister interface {
	List(ctx context.Context, submissionID string) ([]events.StoredEvent, error)
}

type Config struct {
	// APIKeys, when non-empty, are accepted as Bearer tokens on every intake route.
	APIKeys []string
	Limiter ratelimit.Limiter
	Events  EventLister
	Logger  *slog.Logger
}

type server struct {
	lc     Lifecycle
	events EventLister
	logger *slog.Logger
}

func NewRouter(lc Lifecycle, cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{lc: lc, events: cfg.Events, logger: logger.With(slog.String("module", "api"))}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Group(func(api chi.Router) {
		api.Use(requireAPIKey(authn.NewKeySet(cfg.APIKeys...)))
		if cfg.Limiter != nil {
			api.Use(rateLimit(cfg.Limiter, s.logger))
		}

		api.Route("/intake/{intakeId}/submissions", func(sr chi.Router) {
			sr.Post("/", s.createSubmission)
			sr.Route("/{submissionId}", func(one chi.Router) {
				one.Get("/", s.getSubmission)
				one.Patch("/", s.setFields)
				one.Post("/submit", s.submit)
				one.Post("/uploads", s.requestUpload)
				one.Post("/uploads/{uploadId}/confirm", s.confirmUpload)
				one.Post("/handoff", s.handoff)
				one.Post("/approve", s.approve)
				one.Post("/reject", s.reject)
				one.Post("/cancel", s.cancel)
				one.Get("/deliveries", s.deliveries)
				one.Get("/events", s.listEvents)
			})
		})
		api.Post("/handoff/resumed", s.handoffResumed)
	})
	return r
}
