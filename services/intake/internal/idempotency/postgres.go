package idempotency

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS intake_idempotency_records (
  operation       TEXT NOT NULL,
  scope_id        TEXT NOT NULL,
  actor_key       TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  request_hash    TEXT NOT NULL,
  submission_id   TEXT NOT NULL,
  response_body   JSONB NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (operation, scope_id, actor_key, idempotency_key)
);
`

type PostgresStore struct {
	DB *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{DB: db} }

func (s *PostgresStore) Get(ctx context.Context, scope Scope) (*Record, bool, error) {
	rec := Record{Scope: scope}
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT request_hash,submission_id,response_body,created_at
FROM intake_idempotency_records
WHERE operation=$1 AND scope_id=$2 AND actor_key=$3 AND idempotency_key=$4
`, scope.Operation, scope.ScopeID, scope.ActorKey, scope.Key).Scan(&rec.RequestHash, &rec.SubmissionID, &body, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	rec.Response = body
	return &rec, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO intake_idempotency_records(operation,scope_id,actor_key,idempotency_key,request_hash,submission_id,response_body,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8)
ON CONFLICT DO NOTHING
`, rec.Scope.Operation, rec.Scope.ScopeID, rec.Scope.ActorKey, rec.Scope.Key, rec.RequestHash, rec.SubmissionID, string(rec.Response), rec.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
