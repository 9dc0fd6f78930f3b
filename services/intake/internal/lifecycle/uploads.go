package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
	"github.com/amitpaz1/formbridge/pkg/validation"
	"github.com/amitpaz1/formbridge/services/intake/internal/storage"

	"github.com/google/uuid"
)

type RequestUploadInput struct {
	SubmissionID string
	ResumeToken  string
	Actor        domain.Actor
	Field        string
	Filename     string
	MimeType     string
	SizeBytes    int64
}

type UploadConstraints struct {
	MaxBytes int64    `json:"maxBytes,omitempty"`
	Accept   []string `json:"accept,omitempty"`
}

type UploadResult struct {
	Result
	UploadID    string              `json:"uploadId"`
	Status      domain.UploadStatus `json:"status"`
	URL         string              `json:"url,omitempty"`
	Method      string              `json:"method,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	ExpiresAt   *time.Time          `json:"expiresAt,omitempty"`
	DownloadURL string              `json:"downloadUrl,omitempty"`
	Error       string              `json:"error,omitempty"`
	Constraints UploadConstraints   `json:"constraints"`
}

func fieldInvalid(field string, code validation.Code, msg string, action validation.ActionKind) error {
	return &domain.ValidationError{Result: validation.Result{
		Errors:        []validation.FieldError{{Field: field, Code: code, Message: msg}},
		NextActions:   []validation.NextAction{{Action: action, Field: field}},
		MissingFields: []string{},
		InvalidFields: []string{field},
	}}
}

// RequestUpload mints a signed upload URL for a file field and records a
// pending upload.
func (m *Manager) RequestUpload(ctx context.Context, in RequestUploadInput) (*UploadResult, error) {
	if !in.Actor.Valid() {
		return nil, invalidActor()
	}
	unlock := m.locks.lock(in.SubmissionID)
	defer unlock()

	sub, err := m.load(ctx, in.SubmissionID, in.ResumeToken)
	if err != nil {
		return nil, err
	}
	if !sub.State.Editable() {
		return nil, &domain.InvalidStateTransitionError{SubmissionID: sub.ID, From: sub.State, To: domain.StateAwaitingUpload}
	}
	def, err := m.registry.GetIntake(ctx, sub.IntakeID)
	if err != nil {
		return nil, err
	}
	fc, ok := validation.FileFields(def.Schema)[in.Field]
	if !ok {
		return nil, fieldInvalid(in.Field, validation.CodeInvalidType,
			fmt.Sprintf("%s is not a file field", in.Field), validation.ActionCollectField)
	}
	if fc.MaxBytes > 0 && in.SizeBytes > fc.MaxBytes {
		return nil, fieldInvalid(in.Field, validation.CodeFileTooLarge,
			fmt.Sprintf("%s exceeds the %d byte limit", in.Field, fc.MaxBytes), validation.ActionRequestUpload)
	}
	if in.MimeType != "" && !fc.Allows(in.MimeType) {
		return nil, fieldInvalid(in.Field, validation.CodeFileWrongType,
			fmt.Sprintf("%s does not accept %s", in.Field, in.MimeType), validation.ActionRequestUpload)
	}

	uploadID := "upl_" + uuid.NewString()
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StorageTimeout)
	signed, err := m.storage.GenerateUploadURL(sctx, storage.UploadRequest{
		SubmissionID: sub.ID,
		UploadID:     uploadID,
		Field:        in.Field,
		Filename:     in.Filename,
		MimeType:     in.MimeType,
		SizeBytes:    in.SizeBytes,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("generate upload url: %w", err)
	}

	if sub.Uploads == nil {
		sub.Uploads = map[string]domain.Upload{}
	}
	sub.Uploads[uploadID] = domain.Upload{
		ID:          uploadID,
		Field:       in.Field,
		Filename:    in.Filename,
		MimeType:    in.MimeType,
		SizeBytes:   in.SizeBytes,
		Status:      domain.UploadPending,
		URL:         signed.URL,
		RequestedBy: in.Actor,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.commit(ctx, sub, domain.StateAwaitingUpload, in.Actor, true); err != nil {
		return nil, err
	}
	m.emit(ctx, domain.EventUploadRequested, sub, in.Actor, domain.UploadRequested{
		UploadID:  uploadID,
		Field:     in.Field,
		Filename:  in.Filename,
		MimeType:  in.MimeType,
		SizeBytes: in.SizeBytes,
	})

	expires := signed.ExpiresAt
	return &UploadResult{
		Result:      *resultOf(sub, nil),
		UploadID:    uploadID,
		Status:      domain.UploadPending,
		URL:         signed.URL,
		Method:      signed.Method,
		Headers:     signed.Headers,
		ExpiresAt:   &expires,
		Constraints: UploadConstraints{MaxBytes: fc.MaxBytes, Accept: fc.Accept},
	}, nil
}

type ConfirmUploadInput struct {
	SubmissionID string
	ResumeToken  string
	Actor        domain.Actor
	UploadID     string
}

// ConfirmUpload asks the storage backend whether the file landed. A still
// pending upload leaves the submission untouched.
func (m *Manager) ConfirmUpload(ctx context.Context, in ConfirmUploadInput) (*UploadResult, error) {
	if !in.Actor.Valid() {
		return nil, invalidActor()
	}
	unlock := m.locks.lock(in.SubmissionID)
	defer unlock()

	sub, err := m.load(ctx, in.SubmissionID, in.ResumeToken)
	if err != nil {
		return nil, err
	}
	up, ok := sub.Uploads[in.UploadID]
	if !ok {
		return nil, &domain.UploadNotFoundError{SubmissionID: sub.ID, UploadID: in.UploadID}
	}
	if !sub.State.Editable() {
		return nil, &domain.InvalidStateTransitionError{SubmissionID: sub.ID, From: sub.State, To: domain.StateInProgress}
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StorageTimeout)
	defer cancel()
	v, err := m.storage.VerifyUpload(sctx, sub.ID, up.ID)
	if err != nil {
		return nil, fmt.Errorf("verify upload: %w", err)
	}
	if v.Status == domain.UploadPending {
		return uploadResult(sub, up), nil
	}

	var typ domain.EventType
	switch v.Status {
	case domain.UploadCompleted:
		typ = domain.EventUploadCompleted
		now := m.now().UTC()
		up.Status = domain.UploadCompleted
		up.CompletedAt = &now
		up.Error = ""
		if v.SizeBytes > 0 {
			up.SizeBytes = v.SizeBytes
		}
		if v.MimeType != "" {
			up.MimeType = v.MimeType
		}
		dl, err := m.storage.GenerateDownloadURL(sctx, sub.ID, up.ID)
		if err != nil {
			return nil, fmt.Errorf("generate download url: %w", err)
		}
		up.DownloadURL = dl
	default:
		typ = domain.EventUploadFailed
		up.Status = domain.UploadFailed
		up.Error = v.Error
	}
	sub.Uploads[up.ID] = up

	next := domain.StateInProgress
	if len(sub.PendingUploads()) > 0 {
		next = domain.StateAwaitingUpload
	}
	if err := m.commit(ctx, sub, next, in.Actor, true); err != nil {
		return nil, err
	}
	m.emit(ctx, typ, sub, in.Actor, domain.UploadResolved{UploadID: up.ID, Field: up.Field, Status: up.Status, Error: up.Error})
	return uploadResult(sub, up), nil
}

func uploadResult(sub *domain.Submission, up domain.Upload) *UploadResult {
	return &UploadResult{
		Result:      *resultOf(sub, nil),
		UploadID:    up.ID,
		Status:      up.Status,
		DownloadURL: up.DownloadURL,
		Error:       up.Error,
	}
}
