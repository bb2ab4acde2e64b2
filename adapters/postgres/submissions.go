// Package postgres stores submission history for offline analysis of builder reputation.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stableexo/warden-relay/multibuilder"
)

var ErrNilResult = errors.New("nil submission result")

var schema = `
CREATE TABLE IF NOT EXISTS bundle_submission (
    id           BIGSERIAL PRIMARY KEY,
    bundle_hash  BYTEA       NOT NULL,
    target_block BIGINT      NOT NULL,
    builder_id   TEXT        NOT NULL,
    success      BOOLEAN     NOT NULL,
    bundle_id    TEXT,
    error        TEXT,
    attempts     INT         NOT NULL,
    latency_ms   BIGINT      NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL,
    inserted_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS bundle_submission_hash_idx ON bundle_submission (bundle_hash);
CREATE INDEX IF NOT EXISTS bundle_submission_builder_idx ON bundle_submission (builder_id, submitted_at);`

type DBSubmission struct {
	ID          int64          `db:"id"`
	BundleHash  []byte         `db:"bundle_hash"`
	TargetBlock int64          `db:"target_block"`
	BuilderID   string         `db:"builder_id"`
	Success     bool           `db:"success"`
	BundleID    sql.NullString `db:"bundle_id"`
	Error       sql.NullString `db:"error"`
	Attempts    int            `db:"attempts"`
	LatencyMs   int64          `db:"latency_ms"`
	SubmittedAt time.Time      `db:"submitted_at"`
	InsertedAt  time.Time      `db:"inserted_at"`
}

var insertSubmissionQuery = `
INSERT INTO bundle_submission (bundle_hash, target_block, builder_id, success, bundle_id, error, attempts, latency_ms, submitted_at)
VALUES (:bundle_hash, :target_block, :builder_id, :success, :bundle_id, :error, :attempts, :latency_ms, :submitted_at)`

var selectSubmissionsQuery = `
SELECT id, bundle_hash, target_block, builder_id, success, bundle_id, error, attempts, latency_ms, submitted_at, inserted_at
FROM bundle_submission
WHERE bundle_hash = $1
ORDER BY id`

// SubmissionStore writes one row per builder attempted in a Submit call.
type SubmissionStore struct {
	db *sqlx.DB
}

func NewSubmissionStore(postgresDSN string) (*SubmissionStore, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return &SubmissionStore{db: db}, nil
}

func (s *SubmissionStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func toRows(result *multibuilder.MultiBuilderSubmissionResult) []DBSubmission {
	all := make([]multibuilder.BundleSubmissionResult, 0, len(result.SuccessfulSubmissions)+len(result.FailedSubmissions))
	all = append(all, result.SuccessfulSubmissions...)
	all = append(all, result.FailedSubmissions...)

	rows := make([]DBSubmission, 0, len(all))
	for _, r := range all {
		rows = append(rows, DBSubmission{
			BundleHash:  result.BundleHash.Bytes(),
			TargetBlock: int64(result.TargetBlock),
			BuilderID:   r.BuilderID,
			Success:     r.Success,
			BundleID:    sql.NullString{String: r.BundleID, Valid: r.BundleID != ""},
			Error:       sql.NullString{String: r.Error, Valid: r.Error != ""},
			Attempts:    r.Attempts,
			LatencyMs:   r.Latency.Milliseconds(),
			SubmittedAt: r.Timestamp,
		})
	}
	return rows
}

// RecordSubmission implements multibuilder.SubmissionRecorder.
func (s *SubmissionStore) RecordSubmission(ctx context.Context, _ *multibuilder.StandardBundle, result *multibuilder.MultiBuilderSubmissionResult) error {
	if result == nil {
		return ErrNilResult
	}
	rows := toRows(result)
	if len(rows) == 0 {
		return nil
	}

	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := dbTx.NamedExecContext(ctx, insertSubmissionQuery, rows); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	return dbTx.Commit()
}

func (s *SubmissionStore) SubmissionsByHash(ctx context.Context, bundleHash []byte) ([]DBSubmission, error) {
	var rows []DBSubmission
	if err := s.db.SelectContext(ctx, &rows, selectSubmissionsQuery, bundleHash); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SubmissionStore) Close() error {
	return s.db.Close()
}
