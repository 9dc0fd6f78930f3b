// Package storage mints signed upload and download URLs and checks whether
// an upload landed. File bytes never pass through the service.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
)

type UploadRequest struct {
	SubmissionID string
	UploadID     string
	Field        string
	Filename     string
	MimeType     string
	SizeBytes    int64
}

type SignedUpload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type Verification struct {
	Status    domain.UploadStatus
	SizeBytes int64
	MimeType  string
	Error     string
}

type Backend interface {
	GenerateUploadURL(ctx context.Context, req UploadRequest) (SignedUpload, error)
	VerifyUpload(ctx context.Context, submissionID, uploadID string) (Verification, error)
	// GenerateDownloadURL returns "" when the backend cannot serve downloads.
	GenerateDownloadURL(ctx context.Context, submissionID, uploadID string) (string, error)
}

func objectKey(submissionID, uploadID string) string {
	return fmt.Sprintf("submissions/%s/%s", submissionID, uploadID)
}

// Memory is a Backend for development and tests. Uploads stay pending until
// Complete or Fail is called.
type Memory struct {
	mu      sync.Mutex
	baseURL string
	ttl     time.Duration
	now     func() time.Time
	objects map[string]Verification
}

func NewMemory(baseURL string) *Memory {
	return &Memory{baseURL: baseURL, ttl: 15 * time.Minute, now: time.Now, objects: map[string]Verification{}}
}

func (m *Memory) GenerateUploadURL(_ context.Context, req UploadRequest) (SignedUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objectKey(req.SubmissionID, req.UploadID)
	m.objects[key] = Verification{Status: domain.UploadPending}
	return SignedUpload{
		URL:       m.baseURL + "/" + key,
		Method:    "PUT",
		Headers:   map[string]string{"Content-Type": req.MimeType},
		ExpiresAt: m.now().Add(m.ttl).UTC(),
	}, nil
}

func (m *Memory) VerifyUpload(_ context.Context, submissionID, uploadID string) (Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.objects[objectKey(submissionID, uploadID)]
	if !ok {
		return Verification{Status: domain.UploadFailed, Error: "upload was never requested"}, nil
	}
	return v, nil
}

func (m *Memory) GenerateDownloadURL(_ context.Context, submissionID, uploadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objectKey(submissionID, uploadID)
	if v, ok := m.objects[key]; !ok || v.Status != domain.UploadCompleted {
		return "", nil
	}
	return m.baseURL + "/" + key + "?download=1", nil
}

// Complete marks an upload as landed.
func (m *Memory) Complete(submissionID, uploadID string, size int64, mimeType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey(submissionID, uploadID)] = Verification{Status: domain.UploadCompleted, SizeBytes: size, MimeType: mimeType}
}

func (m *Memory) Fail(submissionID, uploadID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey(submissionID, uploadID)] = Verification{Status: domain.UploadFailed, Error: reason}
}
