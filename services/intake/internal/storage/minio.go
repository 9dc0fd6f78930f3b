package storage

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseTLS    bool
	Region    string
	URLTTL    time.Duration
}

// MinIO presigns PUT/GET URLs against an S3-compatible bucket and verifies
// uploads with StatObject.
type MinIO struct {
	mc     *minio.Client
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

func NewMinIO(o MinIOOptions) (*MinIO, error) {
	mc, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.UseTLS,
		Region: o.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio client")
	}
	ttl := o.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MinIO{mc: mc, bucket: o.Bucket, ttl: ttl, now: time.Now}, nil
}

func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.mc.BucketExists(ctx, m.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", m.bucket)
	}
	if !exists {
		return errors.Wrapf(m.mc.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}), "create bucket %s", m.bucket)
	}
	return nil
}

func (m *MinIO) GenerateUploadURL(ctx context.Context, req UploadRequest) (SignedUpload, error) {
	u, err := m.mc.PresignedPutObject(ctx, m.bucket, objectKey(req.SubmissionID, req.UploadID), m.ttl)
	if err != nil {
		return SignedUpload{}, errors.Wrap(err, "presign upload")
	}
	return SignedUpload{
		URL:       u.String(),
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": req.MimeType},
		ExpiresAt: m.now().Add(m.ttl).UTC(),
	}, nil
}

func (m *MinIO) VerifyUpload(ctx context.Context, submissionID, uploadID string) (Verification, error) {
	info, err := m.mc.StatObject(ctx, m.bucket, objectKey(submissionID, uploadID), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Verification{Status: domain.UploadPending}, nil
		}
		return Verification{}, errors.Wrap(err, "stat upload")
	}
	return Verification{Status: domain.UploadCompleted, SizeBytes: info.Size, MimeType: info.ContentType}, nil
}

func (m *MinIO) GenerateDownloadURL(ctx context.Context, submissionID, uploadID string) (string, error) {
	u, err := m.mc.PresignedGetObject(ctx, m.bucket, objectKey(submissionID, uploadID), m.ttl, url.Values{})
	if err != nil {
		return "", errors.Wrap(err, "presign download")
	}
	return u.String(), nil
}
