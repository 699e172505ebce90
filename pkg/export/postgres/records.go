package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/natserract/dynamicscrm/pkg/dynamics"
	"github.com/natserract/dynamicscrm/pkg/export"
	"go.uber.org/zap"
)

// Schema holds the tables written by RecordStore
const Schema = `
CREATE TABLE IF NOT EXISTS crm_export_runs (
	id               UUID PRIMARY KEY,
	status           TEXT NOT NULL,
	jobs             JSONB NOT NULL,
	jobs_succeeded   INTEGER NOT NULL DEFAULT 0,
	jobs_failed      INTEGER NOT NULL DEFAULT 0,
	records_exported INTEGER NOT NULL DEFAULT 0,
	error            TEXT,
	started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at      TIMESTAMPTZ,
	duration_ms      BIGINT
);

CREATE TABLE IF NOT EXISTS crm_records (
	entity_set  TEXT NOT NULL,
	record_id   UUID NOT NULL,
	run_id      UUID NOT NULL REFERENCES crm_export_runs (id),
	job_name    TEXT NOT NULL,
	payload     JSONB NOT NULL,
	exported_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_set, record_id)
);

CREATE INDEX IF NOT EXISTS crm_records_run_id_idx ON crm_records (run_id);
`

const (
	insertRunSQL = `INSERT INTO crm_export_runs (id, status, jobs) VALUES ($1, $2, $3)`

	finishRunSQL = `UPDATE crm_export_runs
SET status = $2, jobs_succeeded = $3, jobs_failed = $4, records_exported = $5,
	error = NULLIF($6, ''), finished_at = now(), duration_ms = $7
WHERE id = $1`

	upsertRecordSQL = `INSERT INTO crm_records (entity_set, record_id, run_id, job_name, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (entity_set, record_id) DO UPDATE
SET run_id = EXCLUDED.run_id, job_name = EXCLUDED.job_name,
	payload = EXCLUDED.payload, exported_at = now()`
)

const runStatusRunning = "running"

// querier is the subset of pgxpool.Pool the store needs
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// RecordStore saves exported CRM records as JSONB, one row per record
type RecordStore struct {
	db     querier
	logger *zap.Logger
}

var _ export.RecordWriter = (*RecordStore)(nil)

// NewRecordStore creates a record store backed by the database pool
func NewRecordStore(db *DB, logger *zap.Logger) *RecordStore {
	return newRecordStore(db.Pool(), logger)
}

func newRecordStore(q querier, logger *zap.Logger) *RecordStore {
	return &RecordStore{db: q, logger: logger}
}

// BeginRun records a new export run and the jobs it will execute
func (s *RecordStore) BeginRun(ctx context.Context, runID uuid.UUID, jobs []export.Job) error {
	payload, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	if _, err := s.db.Exec(ctx, insertRunSQL, runID, runStatusRunning, payload); err != nil {
		return fmt.Errorf("failed to insert export run %s: %w", runID, err)
	}

	s.logger.Info("Created export run", zap.String("run_id", runID.String()), zap.Int("jobs", len(jobs)))
	return nil
}

// SaveRecords upserts the records of one job in a single batch. Records are
// keyed by the job's id attribute; those without a usable id get a new one.
func (s *RecordStore) SaveRecords(ctx context.Context, runID uuid.UUID, job export.Job, records []*dynamics.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal record: %w", err)
		}
		batch.Queue(upsertRecordSQL, job.EntitySet, recordID(record, job.IDAttribute), runID, job.Name, payload)
	}

	// the batch runs in one implicit transaction, a failure rolls back all of it
	results := s.db.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return 0, fmt.Errorf("failed to upsert %s record: %w", job.EntitySet, err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to save %s records: %w", job.EntitySet, err)
	}
	saved := len(records)

	s.logger.Debug("Saved records",
		zap.String("run_id", runID.String()),
		zap.String("entity_set", job.EntitySet),
		zap.Int("count", saved))

	return saved, nil
}

// FinishRun stores the outcome of an export run
func (s *RecordStore) FinishRun(ctx context.Context, runID uuid.UUID, summary export.RunSummary) error {
	_, err := s.db.Exec(ctx, finishRunSQL,
		runID,
		summary.Status,
		summary.JobsSucceeded,
		summary.JobsFailed,
		summary.RecordsExported,
		summary.Error,
		summary.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to finish export run %s: %w", runID, err)
	}
	return nil
}

// recordID reads the record's primary key, falling back to a fresh id
func recordID(record *dynamics.Record, attribute string) uuid.UUID {
	if attribute != "" {
		if id, err := uuid.Parse(record.GetString(attribute)); err == nil {
			return id
		}
	}
	return uuid.New()
}
