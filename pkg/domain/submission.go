package domain

import "time"

type ActorKind string

const (
	ActorAgent  ActorKind = "agent"
	ActorHuman  ActorKind = "human"
	ActorSystem ActorKind = "system"
)

type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
	Name string    `json:"name,omitempty"`
}

var SystemActor = Actor{Kind: ActorSystem, ID: "formbridge"}

func (a Actor) Valid() bool {
	switch a.Kind {
	case ActorAgent, ActorHuman, ActorSystem:
		return a.ID != ""
	default:
		return false
	}
}

// Key identifies the actor for idempotency scoping.
func (a Actor) Key() string { return string(a.Kind) + ":" + a.ID }

type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

type Upload struct {
	ID          string       `json:"uploadId"`
	Field       string       `json:"field"`
	Filename    string       `json:"filename"`
	MimeType    string       `json:"mimeType"`
	SizeBytes   int64        `json:"sizeBytes"`
	Status      UploadStatus `json:"status"`
	URL         string       `json:"url,omitempty"`
	DownloadURL string       `json:"downloadUrl,omitempty"`
	Error       string       `json:"error,omitempty"`
	RequestedBy Actor        `json:"requestedBy"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type Review struct {
	Status    ReviewStatus `json:"status"`
	Gates     []string     `json:"gates"`
	Reviewer  *Actor       `json:"reviewer,omitempty"`
	Comment   string       `json:"comment,omitempty"`
	DecidedAt *time.Time   `json:"decidedAt,omitempty"`
}

type Submission struct {
	ID                   string            `json:"id"`
	IntakeID             string            `json:"intakeId"`
	State                State             `json:"state"`
	ResumeToken          string            `json:"resumeToken"`
	Fields               map[string]any    `json:"fields"`
	FieldAttribution     map[string]Actor  `json:"fieldAttribution"`
	Uploads              map[string]Upload `json:"uploads,omitempty"`
	CreatedBy            Actor             `json:"createdBy"`
	UpdatedBy            Actor             `json:"updatedBy"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	ExpiresAt            *time.Time        `json:"expiresAt,omitempty"`
	IdempotencyKey       string            `json:"idempotencyKey,omitempty"`
	SubmitIdempotencyKey string            `json:"submitIdempotencyKey,omitempty"`
	DeliveryIDs          []string          `json:"deliveryIds,omitempty"`
	Review               *Review           `json:"review,omitempty"`
}

func (s *Submission) ExpiredAt(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

func (s *Submission) PendingUploads() []string {
	var ids []string
	for id, u := range s.Uploads {
		if u.Status == UploadPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clone returns a deep copy so callers can mutate freely.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	out.Fields = CloneFields(s.Fields)
	out.FieldAttribution = make(map[string]Actor, len(s.FieldAttribution))
	for k, v := range s.FieldAttribution {
		out.FieldAttribution[k] = v
	}
	if s.Uploads != nil {
		out.Uploads = make(map[string]Upload, len(s.Uploads))
		for k, v := range s.Uploads {
			if v.CompletedAt != nil {
				t := *v.CompletedAt
				v.CompletedAt = &t
			}
			out.Uploads[k] = v
		}
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		out.ExpiresAt = &t
	}
	out.DeliveryIDs = append([]string(nil), s.DeliveryIDs...)
	if s.Review != nil {
		r := *s.Review
		r.Gates = append([]string(nil), s.Review.Gates...)
		if r.Reviewer != nil {
			a := *r.Reviewer
			r.Reviewer = &a
		}
		if r.DecidedAt != nil {
			t := *r.DecidedAt
			r.DecidedAt = &t
		}
		out.Review = &r
	}
	return &out
}

func CloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
