package events

import (
	"context"
	"encoding/json"

	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS intake_events (
  event_id      TEXT PRIMARY KEY,
  submission_id TEXT NOT NULL,
  intake_id     TEXT NOT NULL,
  type          TEXT NOT NULL,
  actor         JSONB NOT NULL,
  state         TEXT NOT NULL,
  payload       JSONB,
  occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS intake_events_submission_idx ON intake_events(submission_id, occurred_at);
`

// PostgresLog appends events to intake_events.
type PostgresLog struct {
	DB *pgxpool.Pool
}

func NewPostgresLog(db *pgxpool.Pool) *PostgresLog { return &PostgresLog{DB: db} }

func (l *PostgresLog) Emit(ctx context.Context, ev domain.IntakeEvent) error {
	actor, err := json.Marshal(ev.Actor)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = l.DB.Exec(ctx, `
INSERT INTO intake_events(event_id,submission_id,intake_id,type,actor,state,payload,occurred_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7::jsonb,$8)
ON CONFLICT (event_id) DO NOTHING
`, ev.ID, ev.SubmissionID, ev.IntakeID, string(ev.Type), string(actor), string(ev.State), string(payload), ev.TS)
	return err
}

type StoredEvent struct {
	ID         string          `json:"eventId"`
	Type       string          `json:"type"`
	Actor      domain.Actor    `json:"actor"`
	State      string          `json:"state"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt string          `json:"ts"`
}

// List returns a submission's events in order.
func (l *PostgresLog) List(ctx context.Context, submissionID string) ([]StoredEvent, error) {
	rows, err := l.DB.Query(ctx, `
SELECT event_id,type,actor,state,payload,to_char(occurred_at AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
FROM intake_events WHERE submission_id=$1 ORDER BY occurred_at ASC, event_id ASC
`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var actor, payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &actor, &ev.State, &payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(actor, &ev.Actor); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}
