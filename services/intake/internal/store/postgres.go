package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS intake_submissions (
  submission_id TEXT PRIMARY KEY,
  intake_id     TEXT NOT NULL,
  state         TEXT NOT NULL,
  resume_token  TEXT NOT NULL UNIQUE,
  document      JSONB NOT NULL,
  expires_at    TIMESTAMPTZ,
  created_at    TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS intake_submissions_expiry_idx ON intake_submissions(expires_at)
  WHERE state NOT IN ('finalized','rejected','cancelled','expired');
`

type Postgres struct {
	DB *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

func (s *Postgres) Insert(ctx context.Context, sub *domain.Submission) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO intake_submissions(submission_id,intake_id,state,resume_token,document,expires_at,created_at,updated_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7,$8)
`, sub.ID, sub.IntakeID, string(sub.State), sub.ResumeToken, string(doc), sub.ExpiresAt, sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.Submission, error) {
	sub, err := s.scanOne(ctx, `SELECT document FROM intake_submissions WHERE submission_id=$1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.SubmissionNotFoundError{SubmissionID: id}
	}
	return sub, err
}

func (s *Postgres) GetByResumeToken(ctx context.Context, token string) (*domain.Submission, error) {
	sub, err := s.scanOne(ctx, `SELECT document FROM intake_submissions WHERE resume_token=$1`, token)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.InvalidResumeTokenError{}
	}
	return sub, err
}

func (s *Postgres) scanOne(ctx context.Context, query string, arg string) (*domain.Submission, error) {
	var doc []byte
	if err := s.DB.QueryRow(ctx, query, arg).Scan(&doc); err != nil {
		return nil, err
	}
	var sub domain.Submission
	if err := json.Unmarshal(doc, &sub); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return &sub, nil
}

func (s *Postgres) Save(ctx context.Context, sub *domain.Submission, expectedToken string) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE intake_submissions
SET state=$3, resume_token=$4, document=$5::jsonb, expires_at=$6, updated_at=$7
WHERE submission_id=$1 AND resume_token=$2
`, sub.ID, expectedToken, string(sub.State), sub.ResumeToken, string(doc), sub.ExpiresAt, sub.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM intake_submissions WHERE submission_id=$1)`, sub.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return &domain.SubmissionNotFoundError{SubmissionID: sub.ID}
	}
	return fmt.Errorf("save submission %s: %w", sub.ID, domain.ErrStaleWrite)
}

func (s *Postgres) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
SELECT submission_id FROM intake_submissions
WHERE expires_at IS NOT NULL AND expires_at <= $1
  AND state NOT IN ('finalized','rejected','cancelled','expired')
ORDER BY submission_id
`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
