package warmup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Errors returned by Start. All of them come with a non-nil snapshot.
var (
	// ErrAlreadyRunning is returned with the running job's snapshot.
	ErrAlreadyRunning = errors.New("warmup job already running")

	// ErrRunningElsewhere is returned when another instance holds the lease.
	ErrRunningElsewhere = errors.New("warmup job running on another instance")

	// ErrNoIdentifiers is returned with a failed snapshot when the set is empty.
	ErrNoIdentifiers = errors.New("no identifiers to warm")

	// ErrResolveFailed is returned with a failed snapshot when the set cannot be resolved.
	ErrResolveFailed = errors.New("resolve identifiers failed")

	// ErrReset is returned when the job was reset while its identifiers were resolved.
	ErrReset = errors.New("warmup job reset before start")
)

// leaseOpTimeout bounds lease calls made outside a request.
const leaseOpTimeout = 2 * time.Second

// IdentifierSource produces the deduplicated identifier set.
type IdentifierSource interface {
	IDs(ctx context.Context) ([]string, error)
}

// SourceFunc adapts a function to IdentifierSource.
type SourceFunc func(ctx context.Context) ([]string, error)

func (f SourceFunc) IDs(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Config holds orchestrator settings.
type Config struct {
	// BatchSize identifiers per batch.
	BatchSize int

	// Concurrency caps simultaneous fetches within a batch.
	Concurrency int

	// FetchTimeout bounds each identifier independently of the job.
	FetchTimeout time.Duration

	// BatchDelay pauses between batches.
	BatchDelay time.Duration

	// ErrorCap is the capacity of the recent errors ring.
	ErrorCap int

	// StaleAfter auto-resets a running job on the next Start (0 disables).
	StaleAfter time.Duration

	// Lease enables cross-instance single-flight; optional.
	Lease    Lease
	LeaseTTL time.Duration

	// FailedLog receives failed identifiers at job completion; optional.
	FailedLog FailedLog

	Logger zerolog.Logger
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:    5,
		Concurrency:  3,
		FetchTimeout: 15 * time.Second,
		BatchDelay:   time.Second,
		ErrorCap:     10,
		StaleAfter:   30 * time.Minute,
		LeaseTTL:     DefaultLeaseTTL,
		Logger:       zerolog.Nop(),
	}
}

// Orchestrator runs warmup jobs, one at a time.
type Orchestrator struct {
	cfg    Config
	source IdentifierSource
	runner *batchRunner
	logger zerolog.Logger
	now    func() time.Time

	mu  sync.Mutex
	job *job

	wg sync.WaitGroup
}

// New creates an orchestrator warming the ids of source with warmer.
func New(source IdentifierSource, warmer Warmer, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.ErrorCap <= 0 {
		cfg.ErrorCap = def.ErrorCap
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}

	return &Orchestrator{
		cfg:    cfg,
		source: source,
		runner: &batchRunner{
			warmer:      warmer,
			concurrency: cfg.Concurrency,
			timeout:     cfg.FetchTimeout,
			logger:      cfg.Logger,
		},
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Start begins a job over the configured source.
func (o *Orchestrator) Start(ctx context.Context) (*Snapshot, error) {
	return o.StartWith(ctx, o.source)
}

// StartWith begins a job over the ids of source. It returns once the ids are
// resolved; batches run in the background.
func (o *Orchestrator) StartWith(ctx context.Context, source IdentifierSource) (*Snapshot, error) {
	o.mu.Lock()
	var (
		staleToken    string
		replacedStale bool
	)
	if cur := o.job; cur != nil && cur.status == StatusRunning {
		if !o.isStale(cur) {
			snap := cur.snapshot(o.now())
			o.mu.Unlock()
			return snap, ErrAlreadyRunning
		}
		o.logger.Warn().
			Str("job_id", cur.id).
			Time("started_at", cur.startedAt).
			Dur("stale_after", o.cfg.StaleAfter).
			Msg("Resetting stale warmup job")
		if cur.cancel != nil {
			cur.cancel()
		}
		staleToken = cur.leaseToken
		replacedStale = true
		jobsTotal.WithLabelValues("reset").Inc()
	}

	prev := o.job
	j := &job{
		id:        uuid.NewString(),
		status:    StatusRunning,
		startedAt: o.now(),
		errors:    newErrorRing(o.cfg.ErrorCap),
	}
	o.job = j
	o.mu.Unlock()
	running.Set(1)

	if staleToken != "" {
		o.releaseLease(staleToken)
	}

	if o.cfg.Lease != nil {
		token, ok, err := o.cfg.Lease.Acquire(ctx, o.cfg.LeaseTTL)
		switch {
		case err != nil:
			o.logger.Warn().Err(err).Str("job_id", j.id).Msg("Warmup lease unavailable - continuing without cross-instance guard")
		case !ok:
			o.mu.Lock()
			if o.job == j {
				// A cancelled stale job is not restored as running.
				o.job = prev
				if replacedStale {
					o.job = nil
				}
			}
			snap := o.statusLocked()
			o.mu.Unlock()
			running.Set(0)
			o.logger.Info().Msg("Warmup job already running on another instance")
			return snap, ErrRunningElsewhere
		default:
			o.mu.Lock()
			j.leaseToken = token
			o.mu.Unlock()
		}
	}

	ids, err := source.IDs(ctx)
	if err != nil {
		snap := o.fail(j, fmt.Sprintf("resolve identifiers: %v", err))
		return snap, fmt.Errorf("%w: %w", ErrResolveFailed, err)
	}
	if len(ids) == 0 {
		return o.fail(j, ReasonNoIdentifiers), ErrNoIdentifiers
	}

	o.mu.Lock()
	if o.job != j {
		snap := o.statusLocked()
		o.mu.Unlock()
		return snap, ErrReset
	}
	j.total = len(ids)
	j.totalBatches = batchCount(len(ids), o.cfg.BatchSize)
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel
	snap := j.snapshot(o.now())
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info().
		Str("job_id", j.id).
		Int("total", j.total).
		Int("batches", snap.TotalBatches).
		Int("batch_size", o.cfg.BatchSize).
		Int("concurrency", o.cfg.Concurrency).
		Msg("Warmup job started")

	go o.run(jobCtx, j, ids)
	return snap, nil
}

// Status returns a snapshot of the current job, or an idle snapshot.
func (o *Orchestrator) Status() *Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() *Snapshot {
	if o.job == nil {
		return idleSnapshot()
	}
	return o.job.snapshot(o.now())
}

// Reset forces the state back to idle and frees the lease. It is idempotent.
func (o *Orchestrator) Reset(ctx context.Context) *Snapshot {
	o.mu.Lock()
	j := o.job
	o.job = nil
	wasRunning := j != nil && j.status == StatusRunning
	if wasRunning && j.cancel != nil {
		j.cancel()
	}
	o.mu.Unlock()

	if wasRunning {
		running.Set(0)
		jobsTotal.WithLabelValues("reset").Inc()
		o.logger.Warn().
			Str("job_id", j.id).
			Int("processed", j.processed).
			Int("total", j.total).
			Msg("Warmup job reset while running")
	} else {
		o.logger.Info().Msg("Warmup state reset")
	}

	if o.cfg.Lease != nil {
		if err := o.cfg.Lease.Reset(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to reset warmup lease")
		}
	}
	return idleSnapshot()
}

// Wait blocks until every background job goroutine has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops the running job from starting new batches and waits for
// its goroutine, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.job != nil && o.job.cancel != nil {
		o.job.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isStale(j *job) bool {
	return o.cfg.StaleAfter > 0 && o.now().Sub(j.startedAt) > o.cfg.StaleAfter
}

func (o *Orchestrator) run(ctx context.Context, j *job, ids []string) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.fail(j, fmt.Sprintf("internal error: %v", r))
		}
	}()

	batches := chunk(ids, o.cfg.BatchSize)
	for i, batch := range batches {
		if ctx.Err() != nil {
			o.logger.Info().Str("job_id", j.id).Int("batch", i+1).Msg("Warmup job stopped")
			return
		}
		if !o.beginBatch(j, i+1) {
			return
		}

		start := time.Now()
		o.runner.run(ctx, batch, func(res batchResult) {
			o.record(j, res)
		})
		elapsed := time.Since(start)
		batchDuration.Observe(elapsed.Seconds())

		o.logger.Debug().
			Str("job_id", j.id).
			Int("batch", i+1).
			Int("total_batches", len(batches)).
			Int("size", len(batch)).
			Dur("duration", elapsed).
			Msg("Warmup batch complete")

		o.extendLease(j)

		if i < len(batches)-1 && o.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.BatchDelay):
			}
		}
	}

	o.complete(j)
}

func (o *Orchestrator) beginBatch(j *job, n int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job != j || j.status != StatusRunning {
		return false
	}
	j.currentBatch = n
	return true
}

// record applies one outcome; results of a job that is no longer current are dropped.
func (o *Orchestrator) record(j *job, res batchResult) {
	if res.err != nil {
		o.logger.Debug().
			Err(res.err).
			Str("job_id", j.id).
			Str("page_id", res.id).
			Dur("duration", res.duration).
			Msg("Warmup fetch failed")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job != j || j.status != StatusRunning {
		o.logger.Debug().Str("job_id", j.id).Str("page_id", res.id).Msg("Discarding result of inactive job")
		return
	}

	j.processed++
	switch res.outcome {
	case OutcomeSucceeded:
		j.succeeded++
	case OutcomeSkipped:
		j.skipped++
	default:
		j.failed++
		j.failedIDs = append(j.failedIDs, res.id)
		msg := "failed"
		if res.err != nil {
			msg = res.err.Error()
		}
		if len(msg) > maxErrorMessage {
			msg = msg[:maxErrorMessage]
		}
		j.errors.push(ErrorRecord{
			ID:       res.id,
			Category: Categorize(res.err),
			Message:  msg,
			At:       o.now(),
		})
	}
	pagesTotal.WithLabelValues(string(res.outcome)).Inc()
}

func (o *Orchestrator) complete(j *job) {
	o.mu.Lock()
	if o.job != j || j.status != StatusRunning {
		o.mu.Unlock()
		return
	}
	j.status = StatusCompleted
	j.finishedAt = o.now()
	failedIDs := append([]string(nil), j.failedIDs...)
	token := j.leaseToken
	snap := j.snapshot(j.finishedAt)
	o.mu.Unlock()

	running.Set(0)
	jobsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	o.releaseLease(token)

	if len(failedIDs) > 0 && o.cfg.FailedLog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
		if _, err := o.cfg.FailedLog.Add(ctx, failedIDs...); err != nil {
			o.logger.Warn().Err(err).Str("job_id", j.id).Msg("Failed to record failed pages")
		}
		cancel()
	}

	o.logger.Info().
		Str("job_id", j.id).
		Int("total", snap.Total).
		Int("succeeded", snap.Succeeded).
		Int("failed", snap.Failed).
		Int("skipped", snap.Skipped).
		Float64("elapsed_seconds", snap.ElapsedSeconds).
		Msg("Warmup job completed")
}

// fail marks j failed if it is still current and returns the resulting snapshot.
func (o *Orchestrator) fail(j *job, reason string) *Snapshot {
	o.mu.Lock()
	if o.job != j {
		snap := o.statusLocked()
		o.mu.Unlock()
		return snap
	}
	j.status = StatusFailed
	j.reason = reason
	j.finishedAt = o.now()
	token := j.leaseToken
	snap := j.snapshot(j.finishedAt)
	o.mu.Unlock()

	running.Set(0)
	jobsTotal.WithLabelValues(string(StatusFailed)).Inc()
	o.releaseLease(token)

	o.logger.Error().Str("job_id", j.id).Str("reason", reason).Msg("Warmup job failed")
	return snap
}

func (o *Orchestrator) extendLease(j *job) {
	if o.cfg.Lease == nil {
		return
	}
	o.mu.Lock()
	token := j.leaseToken
	o.mu.Unlock()
	if token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()
	if err := o.cfg.Lease.Extend(ctx, token, o.cfg.LeaseTTL); err != nil {
		o.logger.Warn().Err(err).Str("job_id", j.id).Msg("Failed to extend warmup lease")
	}
}

func (o *Orchestrator) releaseLease(token string) {
	if o.cfg.Lease == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()
	if err := o.cfg.Lease.Release(ctx, token); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to release warmup lease")
	}
}
