package domain

import (
	"time"

	"github.com/amitpaz1/formbridge/pkg/validation"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSubmissionCreated   EventType = "submission.created"
	EventFieldsUpdated       EventType = "fields.updated"
	EventUploadRequested     EventType = "upload.requested"
	EventUploadCompleted     EventType = "upload.completed"
	EventUploadFailed        EventType = "upload.failed"
	EventHandoffLinkIssued   EventType = "handoff.link_issued"
	EventHandoffResumed      EventType = "handoff.resumed"
	EventValidationFailed    EventType = "validation.failed"
	EventSubmissionSubmitted EventType = "submission.submitted"
	EventReviewRequested     EventType = "review.requested"
	EventReviewApproved      EventType = "review.approved"
	EventReviewRejected      EventType = "review.rejected"
	EventSubmissionFinalized EventType = "submission.finalized"
	EventSubmissionCancelled EventType = "submission.cancelled"
	EventSubmissionExpired   EventType = "submission.expired"
	EventDeliveryAttempted   EventType = "delivery.attempted"
	EventDeliverySucceeded   EventType = "delivery.succeeded"
	EventDeliveryFailed      EventType = "delivery.failed"
)

// EventPayload is implemented by exactly the payload structs below.
type EventPayload interface {
	eventPayload()
}

type SubmissionCreated struct {
	Fields []string `json:"fields"`
}

type FieldsUpdated struct {
	Fields []string `json:"fields"`
}

type UploadRequested struct {
	UploadID  string `json:"uploadId"`
	Field     string `json:"field"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

type UploadResolved struct {
	UploadID string       `json:"uploadId"`
	Field    string       `json:"field"`
	Status   UploadStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

type HandoffIssued struct {
	URL string `json:"url"`
}

type HandoffResumed struct {
	ResumedBy Actor `json:"resumedBy"`
}

type ValidationFailed struct {
	Errors []validation.FieldError `json:"errors"`
}

type Submitted struct {
	DeliveryID string `json:"deliveryId,omitempty"`
}

type ReviewRequested struct {
	Gates []string `json:"gates"`
}

type ReviewDecided struct {
	Comment string `json:"comment,omitempty"`
}

type Transitioned struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type DeliveryOutcome struct {
	DeliveryID     string     `json:"deliveryId"`
	DestinationURL string     `json:"destinationUrl"`
	Attempt        int        `json:"attempt"`
	StatusCode     int        `json:"statusCode,omitempty"`
	Error          string     `json:"error,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
}

func (SubmissionCreated) eventPayload() {}
func (FieldsUpdated) eventPayload()     {}
func (UploadRequested) eventPayload()   {}
func (UploadResolved) eventPayload()    {}
func (HandoffIssued) eventPayload()     {}
func (HandoffResumed) eventPayload()    {}
func (ValidationFailed) eventPayload()  {}
func (Submitted) eventPayload()         {}
func (ReviewRequested) eventPayload()   {}
func (ReviewDecided) eventPayload()     {}
func (Transitioned) eventPayload()      {}
func (DeliveryOutcome) eventPayload()   {}

// IntakeEvent is an immutable audit record.
type IntakeEvent struct {
	ID           string       `json:"eventId"`
	Type         EventType    `json:"type"`
	SubmissionID string       `json:"submissionId"`
	IntakeID     string       `json:"intakeId"`
	TS           time.Time    `json:"ts"`
	Actor        Actor        `json:"actor"`
	State        State        `json:"state"`
	Payload      EventPayload `json:"payload,omitempty"`
}

func NewEvent(typ EventType, sub *Submission, actor Actor, payload EventPayload, now time.Time) IntakeEvent {
	return IntakeEvent{
		ID:           "evt_" + uuid.NewString(),
		Type:         typ,
		SubmissionID: sub.ID,
		IntakeID:     sub.IntakeID,
		TS:           now.UTC(),
		Actor:        actor,
		State:        sub.State,
		Payload:      payload,
	}
}
