// Package export copies CRM query results into a record store.
package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/natserract/dynamicscrm/pkg/dynamics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultConcurrency = 4
	DefaultMaxElapsed  = 5 * time.Minute

	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RecordReader is the part of the CRM client an export reads through
type RecordReader interface {
	RetrieveMultiple(ctx context.Context, resourceAndQuery string) ([]*dynamics.Record, error)
	SendFetchXML(ctx context.Context, entitySet, fetchXML string, pageSize int) ([]*dynamics.Record, error)
}

// RecordWriter persists exported records and tracks export runs
type RecordWriter interface {
	BeginRun(ctx context.Context, runID uuid.UUID, jobs []Job) error
	SaveRecords(ctx context.Context, runID uuid.UUID, job Job, records []*dynamics.Record) (int, error)
	FinishRun(ctx context.Context, runID uuid.UUID, summary RunSummary) error
}

// Job is one query whose results are exported. Exactly one of Query and
// FetchXML is set.
type Job struct {
	Name        string `json:"name" yaml:"name"`
	EntitySet   string `json:"entity_set" yaml:"entity_set"`
	IDAttribute string `json:"id_attribute,omitempty" yaml:"id_attribute"`
	Query       string `json:"query,omitempty" yaml:"query"`
	FetchXML    string `json:"fetch_xml,omitempty" yaml:"fetch_xml"`
	PageSize    int    `json:"page_size,omitempty" yaml:"page_size"`
}

// Validate checks the job can be run
func (j Job) Validate() error {
	if j.EntitySet == "" {
		return fmt.Errorf("job %q: entity set is required", j.Name)
	}
	if (j.Query == "") == (j.FetchXML == "") {
		return fmt.Errorf("job %q: exactly one of query and fetchxml is required", j.Name)
	}
	return nil
}

// Metrics tracks the overall export run
type Metrics struct {
	JobsSucceeded   int
	JobsFailed      int
	RecordsExported int
	Retries         int
	mu              sync.Mutex
}

// AddJobSuccess records a finished job and how many records it saved
func (m *Metrics) AddJobSuccess(records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JobsSucceeded++
	m.RecordsExported += records
}

// AddJobFailure increments the failed jobs count
func (m *Metrics) AddJobFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JobsFailed++
}

// AddRetry counts a throttled attempt that is retried
func (m *Metrics) AddRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries++
}

// RunSummary is what gets recorded when a run ends
type RunSummary struct {
	Status          string
	JobsSucceeded   int
	JobsFailed      int
	RecordsExported int
	Duration        time.Duration
	Error           string
}

func (m *Metrics) summary(duration time.Duration, runErr error) RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := RunSummary{
		Status:          RunStatusCompleted,
		JobsSucceeded:   m.JobsSucceeded,
		JobsFailed:      m.JobsFailed,
		RecordsExported: m.RecordsExported,
		Duration:        duration,
	}
	if runErr != nil {
		s.Status = RunStatusFailed
		s.Error = runErr.Error()
	}
	return s
}

// Options tunes how jobs are scheduled and retried. QueriesPerSecond caps
// how often queries are started across all workers, retries included; zero
// means unlimited.
type Options struct {
	Concurrency      int
	QueriesPerSecond float64
	Burst            int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	MaxElapsed       time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.InitialInterval == 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval == 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.MaxElapsed == 0 {
		o.MaxElapsed = DefaultMaxElapsed
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.QueriesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(o.QueriesPerSecond), o.Burst)
}

// Service runs export jobs against the CRM and stores the results
type Service struct {
	reader  RecordReader
	writer  RecordWriter
	options Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewService creates a new export service
func NewService(reader RecordReader, writer RecordWriter, options Options, logger *zap.Logger) *Service {
	options = options.withDefaults()
	return &Service{
		reader:  reader,
		writer:  writer,
		options: options,
		limiter: options.limiter(),
		logger:  logger,
	}
}

// Run exports every job concurrently under a single run id. A failing job
// does not stop the others; all job failures are returned joined.
func (s *Service) Run(ctx context.Context, jobs []Job) (*Metrics, error) {
	startTime := time.Now()
	metrics := &Metrics{}

	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return metrics, err
		}
	}

	runID := uuid.New()
	s.logger.Info("Starting export run",
		zap.String("run_id", runID.String()),
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", s.options.Concurrency))

	if err := s.writer.BeginRun(ctx, runID, jobs); err != nil {
		return metrics, fmt.Errorf("failed to begin export run: %w", err)
	}

	jobPool := pool.New().WithMaxGoroutines(s.options.Concurrency).WithErrors()
	for _, job := range jobs {
		job := job
		jobPool.Go(func() error {
			saved, err := s.runJob(ctx, runID, job, metrics)
			if err != nil {
				metrics.AddJobFailure()
				s.logger.Error("Export job failed",
					zap.String("run_id", runID.String()),
					zap.String("job", job.Name),
					zap.Error(err))
				return fmt.Errorf("job %s: %w", job.Name, err)
			}
			metrics.AddJobSuccess(saved)
			s.logger.Info("Export job completed",
				zap.String("run_id", runID.String()),
				zap.String("job", job.Name),
				zap.Int("records", saved))
			return nil
		})
	}
	runErr := jobPool.Wait()

	duration := time.Since(startTime)
	// record the outcome even when the caller's context is already done
	if err := s.writer.FinishRun(context.WithoutCancel(ctx), runID, metrics.summary(duration, runErr)); err != nil {
		s.logger.Warn("Failed to finish export run",
			zap.String("run_id", runID.String()),
			zap.Error(err))
		runErr = errors.Join(runErr, fmt.Errorf("failed to finish export run: %w", err))
	}

	s.logger.Info("Completed export run",
		zap.String("run_id", runID.String()),
		zap.Duration("duration", duration),
		zap.Int("jobs_succeeded", metrics.JobsSucceeded),
		zap.Int("jobs_failed", metrics.JobsFailed),
		zap.Int("records_exported", metrics.RecordsExported),
		zap.Int("retries", metrics.Retries))

	return metrics, runErr
}

// runJob fetches a job's records, retrying while the CRM throttles, then
// saves them
func (s *Service) runJob(ctx context.Context, runID uuid.UUID, job Job, metrics *Metrics) (int, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.options.InitialInterval
	expBackoff.MaxInterval = s.options.MaxInterval
	expBackoff.Reset()

	var throttled error
	operation := func() ([]*dynamics.Record, error) {
		records, err := s.fetch(ctx, job)
		if err == nil {
			return records, nil
		}

		var rateErr *dynamics.RateLimitError
		if !errors.As(err, &rateErr) {
			return nil, backoff.Permanent(err)
		}

		throttled = err
		if rateErr.RetryAfter > 0 {
			return nil, backoff.RetryAfter(int(math.Ceil(rateErr.RetryAfter.Seconds())))
		}
		return nil, err
	}

	// notify only runs when another attempt follows
	notify := func(err error, next time.Duration) {
		metrics.AddRetry()
		s.logger.Warn("CRM throttled export job, will retry",
			zap.String("job", job.Name),
			zap.Duration("retry_in", next))
	}

	records, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(s.options.MaxElapsed),
		backoff.WithNotify(notify))
	if err != nil {
		var retryAfter *backoff.RetryAfterError
		if errors.As(err, &retryAfter) && throttled != nil {
			err = throttled
		}
		return 0, err
	}

	s.logger.Info("Fetched records",
		zap.String("job", job.Name),
		zap.String("entity_set", job.EntitySet),
		zap.Int("items_count", len(records)))

	saved, err := s.writer.SaveRecords(ctx, runID, job, records)
	if err != nil {
		return saved, fmt.Errorf("failed to save records: %w", err)
	}
	return saved, nil
}

func (s *Service) fetch(ctx context.Context, job Job) ([]*dynamics.Record, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if job.FetchXML != "" {
		return s.reader.SendFetchXML(ctx, job.EntitySet, job.FetchXML, job.PageSize)
	}
	return s.reader.RetrieveMultiple(ctx, job.Query)
}
