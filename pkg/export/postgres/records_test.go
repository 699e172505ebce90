package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/natserract/dynamicscrm/pkg/dynamics"
	"github.com/natserract/dynamicscrm/pkg/export"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type execCall struct {
	sql  string
	args []any
}

// fakeQuerier records statements instead of talking to Postgres
type fakeQuerier struct {
	execs   []execCall
	batches []*pgx.Batch
	execErr error
	// failAt makes the nth batched statement fail, counting from zero
	failAt   int
	closeErr error
	results  []*fakeBatchResults
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), f.execErr
}

func (f *fakeQuerier) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batches = append(f.batches, b)
	results := &fakeBatchResults{failAt: f.failAt, closeErr: f.closeErr}
	f.results = append(f.results, results)
	return results
}

type fakeBatchResults struct {
	n        int
	failAt   int
	closeErr error
	closed   bool
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	defer func() { r.n++ }()
	if r.n == r.failAt {
		return pgconn.CommandTag{}, errors.New("duplicate key")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeBatchResults) QueryRow() pgx.Row         { return nil }
func (r *fakeBatchResults) Close() error {
	r.closed = true
	return r.closeErr
}

func TestRecordStore_SaveRecords(t *testing.T) {
	q := &fakeQuerier{failAt: -1}
	store := newRecordStore(q, zap.NewNop())
	runID := uuid.New()
	knownID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	job := export.Job{Name: "contacts", EntitySet: "contacts", IDAttribute: "contactid", Query: "contacts"}

	saved, err := store.SaveRecords(context.Background(), runID, job, []*dynamics.Record{
		dynamics.NewRecord().Set("contactid", knownID.String()).Set("fullname", "Jane Doe"),
		dynamics.NewRecord().Set("fullname", "No Id"),
	})

	require.NoError(t, err)
	assert.Equal(t, 2, saved)
	require.Len(t, q.batches, 1)

	queued := q.batches[0].QueuedQueries
	require.Len(t, queued, 2)

	first := queued[0].Arguments
	assert.Equal(t, upsertRecordSQL, queued[0].SQL)
	assert.Equal(t, "contacts", first[0])
	assert.Equal(t, knownID, first[1])
	assert.Equal(t, runID, first[2])
	assert.Equal(t, "contacts", first[3])
	assert.JSONEq(t, `{"contactid":"11111111-1111-1111-1111-111111111111","fullname":"Jane Doe"}`, string(first[4].([]byte)))

	second := queued[1].Arguments
	assert.NotEqual(t, uuid.Nil, second[1])
	assert.NotEqual(t, knownID, second[1])
}

func TestRecordStore_SaveRecords_BatchFailure(t *testing.T) {
	q := &fakeQuerier{failAt: 1}
	store := newRecordStore(q, zap.NewNop())
	job := export.Job{Name: "contacts", EntitySet: "contacts", Query: "contacts"}

	saved, err := store.SaveRecords(context.Background(), uuid.New(), job, []*dynamics.Record{
		dynamics.NewRecord().Set("a", 1),
		dynamics.NewRecord().Set("a", 2),
		dynamics.NewRecord().Set("a", 3),
	})

	require.Error(t, err)
	assert.Zero(t, saved, "earlier upserts roll back with the batch")
	assert.Contains(t, err.Error(), "duplicate key")
	require.Len(t, q.results, 1)
	assert.True(t, q.results[0].closed)
}

func TestRecordStore_SaveRecords_CommitFailure(t *testing.T) {
	q := &fakeQuerier{failAt: -1, closeErr: errors.New("could not serialize access")}
	store := newRecordStore(q, zap.NewNop())
	job := export.Job{Name: "contacts", EntitySet: "contacts", Query: "contacts"}

	saved, err := store.SaveRecords(context.Background(), uuid.New(), job, []*dynamics.Record{
		dynamics.NewRecord().Set("a", 1),
		dynamics.NewRecord().Set("a", 2),
	})

	require.Error(t, err)
	assert.Zero(t, saved)
	assert.Contains(t, err.Error(), "could not serialize access")
}

func TestRecordStore_SaveRecords_Empty(t *testing.T) {
	q := &fakeQuerier{failAt: -1}
	store := newRecordStore(q, zap.NewNop())

	saved, err := store.SaveRecords(context.Background(), uuid.New(), export.Job{EntitySet: "contacts"}, nil)

	require.NoError(t, err)
	assert.Zero(t, saved)
	assert.Empty(t, q.batches)
}

func TestRecordStore_Runs(t *testing.T) {
	q := &fakeQuerier{failAt: -1}
	store := newRecordStore(q, zap.NewNop())
	runID := uuid.New()
	jobs := []export.Job{{Name: "contacts", EntitySet: "contacts", Query: "contacts"}}

	require.NoError(t, store.BeginRun(context.Background(), runID, jobs))
	require.NoError(t, store.FinishRun(context.Background(), runID, export.RunSummary{
		Status:          export.RunStatusFailed,
		JobsSucceeded:   1,
		JobsFailed:      2,
		RecordsExported: 30,
		Duration:        1500 * time.Millisecond,
		Error:           "job accounts: boom",
	}))

	require.Len(t, q.execs, 2)

	begin := q.execs[0]
	assert.Equal(t, insertRunSQL, begin.sql)
	assert.Equal(t, runID, begin.args[0])
	assert.Equal(t, "running", begin.args[1])
	var stored []export.Job
	require.NoError(t, json.Unmarshal(begin.args[2].([]byte), &stored))
	assert.Equal(t, jobs, stored)

	finish := q.execs[1]
	assert.Equal(t, finishRunSQL, finish.sql)
	assert.Equal(t, []any{runID, "failed", 1, 2, 30, "job accounts: boom", int64(1500)}, finish.args)
}

func TestRecordStore_BeginRunError(t *testing.T) {
	q := &fakeQuerier{execErr: errors.New("relation does not exist"), failAt: -1}
	store := newRecordStore(q, zap.NewNop())

	err := store.BeginRun(context.Background(), uuid.New(), nil)

	assert.ErrorContains(t, err, "relation does not exist")
}

func TestRecordID(t *testing.T) {
	id := uuid.New()
	record := dynamics.NewRecord().Set("accountid", id.String()).Set("name", "Contoso")

	assert.Equal(t, id, recordID(record, "accountid"))
	assert.NotEqual(t, id, recordID(record, ""))
	assert.NotEqual(t, uuid.Nil, recordID(record, "name"))
}

func TestNewConfig(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "crm_archive")
	t.Setenv("DB_SSLMODE", "")
	t.Setenv("DB_USER", "")
	t.Setenv("DB_PASSWORD", "")

	cfg := NewConfig()

	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, "host=db.internal port=6543 user=postgres password= dbname=crm_archive sslmode=disable", cfg.DSN())
}
