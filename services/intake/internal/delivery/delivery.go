package delivery

import (
	"errors"
	"math"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type RetryPolicy struct {
	// MaxRetries is the total number of attempts a delivery gets, the first
	// one included. With 3 a failing destination sees exactly 3 requests,
	// not 1 plus 3 retries.
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Delay is the wait after the given number of failed attempts:
// InitialDelay * BackoffMultiplier^(attempts-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempts-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) exhausted(attempts int) bool {
	max := p.MaxRetries
	if max < 1 {
		max = 1
	}
	return attempts >= max
}

type Record struct {
	ID             string     `json:"deliveryId"`
	SubmissionID   string     `json:"submissionId"`
	IntakeID       string     `json:"intakeId"`
	DestinationURL string     `json:"destinationUrl"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	Error          string     `json:"error,omitempty"`
	LastStatusCode int        `json:"lastStatusCode,omitempty"`
}

// Job is a Record plus what is needed to replay the request after a restart.
type Job struct {
	Record          Record
	EventType       domain.EventType
	SubmissionState domain.State
	Payload         []byte
	Destination     domain.Destination
}

func (j *Job) clone() *Job {
	out := *j
	out.Payload = append([]byte(nil), j.Payload...)
	if j.Record.NextRetryAt != nil {
		t := *j.Record.NextRetryAt
		out.Record.NextRetryAt = &t
	}
	if j.Destination.Headers != nil {
		out.Destination.Headers = make(map[string]string, len(j.Destination.Headers))
		for k, v := range j.Destination.Headers {
			out.Destination.Headers[k] = v
		}
	}
	return &out
}
