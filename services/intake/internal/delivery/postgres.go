package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS intake_deliveries (
  delivery_id      TEXT PRIMARY KEY,
  submission_id    TEXT NOT NULL,
  intake_id        TEXT NOT NULL,
  destination_url  TEXT NOT NULL,
  destination      JSONB NOT NULL,
  event_type       TEXT NOT NULL,
  submission_state TEXT NOT NULL,
  payload          BYTEA NOT NULL,
  status           TEXT NOT NULL,
  attempts         INT NOT NULL DEFAULT 0,
  next_retry_at    TIMESTAMPTZ,
  last_status_code INT NOT NULL DEFAULT 0,
  error            TEXT NOT NULL DEFAULT '',
  created_at       TIMESTAMPTZ NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS intake_deliveries_due_idx ON intake_deliveries(next_retry_at) WHERE status='pending';
CREATE INDEX IF NOT EXISTS intake_deliveries_submission_idx ON intake_deliveries(submission_id);
`

// storedDestination keeps the signing secret, which domain.Destination hides
// from JSON.
type storedDestination struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type PostgresQueue struct {
	DB *pgxpool.Pool
}

func NewPostgresQueue(db *pgxpool.Pool) *PostgresQueue { return &PostgresQueue{DB: db} }

func (q *PostgresQueue) Insert(ctx context.Context, job *Job) error {
	dest, err := json.Marshal(storedDestination(job.Destination))
	if err != nil {
		return err
	}
	r := job.Record
	_, err = q.DB.Exec(ctx, `
INSERT INTO intake_deliveries(
  delivery_id,submission_id,intake_id,destination_url,destination,event_type,submission_state,
  payload,status,attempts,next_retry_at,last_status_code,error,created_at,updated_at
) VALUES($1,$2,$3,$4,$5::jsonb,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`, r.ID, r.SubmissionID, r.IntakeID, r.DestinationURL, string(dest), string(job.EventType), string(job.SubmissionState),
		job.Payload, string(r.Status), r.Attempts, r.NextRetryAt, r.LastStatusCode, r.Error, r.CreatedAt, r.UpdatedAt)
	return err
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (*Job, error) {
	var (
		job       Job
		dest      []byte
		eventType string
		state     string
		status    string
	)
	r := &job.Record
	err := q.DB.QueryRow(ctx, `
SELECT delivery_id,submission_id,intake_id,destination_url,destination,event_type,submission_state,
       payload,status,attempts,next_retry_at,last_status_code,error,created_at,updated_at
FROM intake_deliveries WHERE delivery_id=$1
`, id).Scan(&r.ID, &r.SubmissionID, &r.IntakeID, &r.DestinationURL, &dest, &eventType, &state,
		&job.Payload, &status, &r.Attempts, &r.NextRetryAt, &r.LastStatusCode, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	var sd storedDestination
	if err := json.Unmarshal(dest, &sd); err != nil {
		return nil, err
	}
	job.Destination = domain.Destination(sd)
	job.EventType = domain.EventType(eventType)
	job.SubmissionState = domain.State(state)
	r.Status = Status(status)
	return &job, nil
}

func (q *PostgresQueue) Update(ctx context.Context, r Record) error {
	tag, err := q.DB.Exec(ctx, `
UPDATE intake_deliveries
SET status=$2, attempts=$3, next_retry_at=$4, last_status_code=$5, error=$6, updated_at=$7
WHERE delivery_id=$1
`, r.ID, string(r.Status), r.Attempts, r.NextRetryAt, r.LastStatusCode, r.Error, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (q *PostgresQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.DB.Query(ctx, `
SELECT delivery_id FROM intake_deliveries
WHERE status='pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
ORDER BY next_retry_at
LIMIT $2
`, now, limit)
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

func (q *PostgresQueue) ListBySubmission(ctx context.Context, submissionID string) ([]Record, error) {
	rows, err := q.DB.Query(ctx, `
SELECT delivery_id,submission_id,intake_id,destination_url,status,attempts,next_retry_at,last_status_code,error,created_at,updated_at
FROM intake_deliveries WHERE submission_id=$1
ORDER BY created_at
`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.IntakeID, &r.DestinationURL, &status, &r.Attempts,
			&r.NextRetryAt, &r.LastStatusCode, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
