package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/httpx"
	"github.com/amitpaz1/formbridge/services/intake/internal/lifecycle"

	"github.com/go-chi/chi/v5"
)

// Callers that omit an actor are attributed to the API client.
var defaultActor = domain.Actor{Kind: domain.ActorAgent, ID: "api-client"}

func actorOr(a *domain.Actor, def domain.Actor) domain.Actor {
	if a == nil {
		return def
	}
	return *a
}

type submissionView struct {
	SubmissionID     string                   `json:"submissionId"`
	IntakeID         string                   `json:"intakeId"`
	State            domain.State             `json:"state"`
	ResumeToken      string                   `json:"resumeToken"`
	Fields           map[string]any           `json:"fields"`
	FieldAttribution map[string]domain.Actor  `json:"fieldAttribution"`
	Uploads          map[string]domain.Upload `json:"uploads,omitempty"`
	DeliveryIDs      []string                 `json:"deliveryIds,omitempty"`
	Review           *domain.Review           `json:"review,omitempty"`
	Metadata         submissionMetadata       `json:"metadata"`
}

type submissionMetadata struct {
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
	CreatedBy domain.Actor `json:"createdBy"`
	UpdatedBy domain.Actor `json:"updatedBy"`
}

func viewOf(sub *domain.Submission) submissionView {
	return submissionView{
		SubmissionID:     sub.ID,
		IntakeID:         sub.IntakeID,
		State:            sub.State,
		ResumeToken:      sub.ResumeToken,
		Fields:           sub.Fields,
		FieldAttribution: sub.FieldAttribution,
		Uploads:          sub.Uploads,
		DeliveryIDs:      sub.DeliveryIDs,
		Review:           sub.Review,
		Metadata: submissionMetadata{
			CreatedAt: sub.CreatedAt,
			UpdatedAt: sub.UpdatedAt,
			ExpiresAt: sub.ExpiresAt,
			CreatedBy: sub.CreatedBy,
			UpdatedBy: sub.UpdatedBy,
		},
	}
}

func (s *server) createSubmission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fields         map[string]any `json:"fields"`
		Actor          *domain.Actor  `json:"actor"`
		IdempotencyKey string         `json:"idempotencyKey"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	res, err := s.lc.Create(r.Context(), lifecycle.CreateInput{
		IntakeID:       chi.URLParam(r, "intakeId"),
		Actor:          actorOr(req.Actor, defaultActor),
		Fields:         req.Fields,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := 201
	if res.Replayed {
		status = 200
	}
	httpx.WriteJSON(w, status, res)
}

func (s *server) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, 200, viewOf(sub))
}

func (s *server) setFields(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeToken string         `json:"resumeToken"`
		Fields      map[string]any `json:"fields"`
		Actor       *domain.Actor  `json:"actor"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	res, err := s.lc.SetFields(r.Context(), lifecycle.SetFieldsInput{
		SubmissionID: sub.ID,
		ResumeToken:  req.ResumeToken,
		Actor:        actorOr(req.Actor, defaultActor),
		Fields:       req.Fields,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, res)
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeToken    string        `json:"resumeToken"`
		Actor          *domain.Actor `json:"actor"`
		IdempotencyKey string        `json:"idempotencyKey"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	res, err := s.lc.Submit(r.Context(), lifecycle.SubmitInput{
		SubmissionID:   sub.ID,
		ResumeToken:    req.ResumeToken,
		Actor:          actorOr(req.Actor, defaultActor),
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := 200
	if res.Outcome == lifecycle.OutcomeNeedsApproval {
		status = 202
	}
	httpx.WriteJSON(w, status, res)
}

func (s *server) requestUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeToken string        `json:"resumeToken"`
		Actor       *domain.Actor `json:"actor"`
		Field       string        `json:"field"`
		Filename    string        `json:"filename"`
		MimeType    string        `json:"mimeType"`
		SizeBytes   int64         `json:"sizeBytes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	res, err := s.lc.RequestUpload(r.Context(), lifecycle.RequestUploadInput{
		SubmissionID: sub.ID,
		ResumeToken:  req.ResumeToken,
		Actor:        actorOr(req.Actor, defaultActor),
		Field:        req.Field,
		Filename:     req.Filename,
		MimeType:     req.MimeType,
		SizeBytes:    req.SizeBytes,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 201, res)
}

func (s *server) confirmUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeToken string        `json:"resumeToken"`
		Actor       *domain.Actor `json:"actor"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	res, err := s.lc.ConfirmUpload(r.Context(), lifecycle.ConfirmUploadInput{
		SubmissionID: sub.ID,
		ResumeToken:  req.ResumeToken,
		Actor:        actorOr(req.Actor, defaultActor),
		UploadID:     chi.URLParam(r, "uploadId"),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, res)
}

func (s *server) handoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor *domain.Actor `json:"actor"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	res, err := s.lc.GenerateHandoffURL(r.Context(), sub.ID, actorOr(req.Actor, defaultActor))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, res)
}

func (s *server) handoffResumed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeToken string        `json:"resumeToken"`
		Actor       *domain.Actor `json:"actor"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ResumeToken) == "" {
		httpx.WriteError(w, 400, string(domain.KindValidation), "BAD_REQUEST", "resumeToken is required", nil)
		return
	}
	sub, err := s.lc.EmitHandoffResumed(r.Context(), req.ResumeToken, actorOr(req.Actor, domain.Actor{Kind: domain.ActorHuman, ID: "anonymous"}))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, viewOf(sub))
}

type reviewRequest struct {
	ResumeToken string        `json:"resumeToken"`
	Reviewer    *domain.Actor `json:"reviewer"`
	Comment     string        `json:"comment"`
}

func (s *server) reviewInput(w http.ResponseWriter, r *http.Request) (lifecycle.ReviewInput, bool) {
	var req reviewRequest
	if !s.decode(w, r, &req) {
		return lifecycle.ReviewInput{}, false
	}
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return lifecycle.ReviewInput{}, false
	}
	return lifecycle.ReviewInput{
		SubmissionID: sub.ID,
		ResumeToken:  req.ResumeToken,
		Reviewer:     actorOr(req.Reviewer, defaultActor),
		Comment:      req.Comment,
	}, true
}

func (s *server) approve(w http.ResponseWriter, r *http.Request) {
	in, ok := s.reviewInput(w, r)
	if !ok {
		return
	}
	res, err := s.lc.Approve(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, res)
}

func (s *server) reject(w http.ResponseWriter, r *http.Request) {
	in, ok := s.reviewInput(w, r)
	if !ok {
		return
	}
	res, err := s.lc.Reject(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, res)
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeToken string        `json:"resumeToken"`
		Actor       *domain.Actor `json:"actor"`
		Reason      string        `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	res, err := s.lc.Cancel(r.Context(), lifecycle.CancelInput{
		SubmissionID: sub.ID,
		ResumeToken:  req.ResumeToken,
		Actor:        actorOr(req.Actor, defaultActor),
		Reason:       req.Reason,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, res)
}

func (s *server) deliveries(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	recs, err := s.lc.DeliveryStatus(r.Context(), sub.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"submissionId": sub.ID, "deliveries": recs})
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		httpx.WriteError(w, 404, string(domain.KindNotFound), "EVENTS_DISABLED", "event history is not enabled", nil)
		return
	}
	sub, ok := s.submissionInIntake(w, r)
	if !ok {
		return
	}
	evs, err := s.events.List(r.Context(), sub.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"submissionId": sub.ID, "events": evs})
}

// submissionInIntake loads the submission named in the path and checks it
// belongs to the intake in the path.
func (s *server) submissionInIntake(w http.ResponseWriter, r *http.Request) (*domain.Submission, bool) {
	id := chi.URLParam(r, "submissionId")
	sub, err := s.lc.Get(r.Context(), id)
	if err == nil && sub.IntakeID != chi.URLParam(r, "intakeId") {
		err = &domain.SubmissionNotFoundError{SubmissionID: id}
	}
	if err != nil {
		s.writeErr(w, r, err)
		return nil, false
	}
	return sub, true
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.ReadJSON(r, dst); err != nil {
		httpx.WriteError(w, 400, string(domain.KindValidation), "BAD_JSON", "invalid json body", nil)
		return false
	}
	return true
}

func (s *server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	var details any
	status := 500
	switch kind {
	case domain.KindNotFound:
		status = 404
	case domain.KindConflict, domain.KindInvalidState:
		status = 409
	case domain.KindExpired:
		status = 410
	case domain.KindValidation:
		status = 400
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			details = ve.Result
		}
	}
	msg := err.Error()
	if status == 500 {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		msg = "internal error"
	}
	httpx.WriteError(w, status, string(kind), domain.CodeOf(err), msg, details)
}
