package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/dripline/internal/config"
	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/gateway"
	"github.com/ignite/dripline/internal/metrics"
	"github.com/ignite/dripline/internal/pkg/distlock"
	"github.com/ignite/dripline/internal/pkg/logger"
	"github.com/ignite/dripline/internal/service/job"
	"github.com/ignite/dripline/internal/session"
)

// =============================================================================
// DISPATCHER
// =============================================================================
// Every tick the dispatcher pages through scheduled jobs whose time has come
// and, for each one in order:
//   - leaves it alone if its campaign is paused or draft
//   - leaves it alone until step-1 of the same contact was sent more than
//     OrderingCutoff ago
//   - sends it through the gateway with the shared session handle
//   - records sent or failed
// Nothing is retried automatically. A failed send drops the cached handle so
// the next job builds a fresh one.

const (
	// DispatchLockKey is the cross-replica lock held for the length of a tick.
	DispatchLockKey = "dispatch-tick"

	DefaultTickInterval   = 60 * time.Second
	DefaultOrderingCutoff = 30 * time.Second
	DefaultSendTimeout    = 30 * time.Second
	DefaultBatchSize      = 500

	// persistTimeout bounds the write that records a send outcome. It runs
	// on a context detached from the tick so a cancelled tick still records
	// what the gateway already did.
	persistTimeout = 10 * time.Second
)

// ErrTickInProgress is returned by Tick when another tick is running in
// this process.
var ErrTickInProgress = errors.New("dispatch tick already in progress")

// SessionSource hands out the shared sending session.
type SessionSource interface {
	AcquireHandle(ctx context.Context) (session.Handle, error)
	InvalidateHandle()
	// MarkExpired drops the handle and records that the credentials were
	// rejected.
	MarkExpired(cause error)
}

// DispatcherOptions configures a Dispatcher. Zero durations take the
// package defaults.
type DispatcherOptions struct {
	Interval             time.Duration
	OrderingCutoff       time.Duration
	SkippedSatisfiesGate bool
	SendTimeout          time.Duration
	// SendsPerMinute paces gateway calls; 0 means unlimited.
	SendsPerMinute int
	// BatchSize is the page size of the due-job scan.
	BatchSize int
	// MaxTickDuration bounds one tick. Redis locks are renewed while the
	// tick runs.
	MaxTickDuration time.Duration
	// Lock excludes other replicas. nil means a process-local lock.
	Lock distlock.DistLock
}

// DispatcherOptionsFromConfig maps configuration onto DispatcherOptions.
func DispatcherOptionsFromConfig(cfg *config.Config, lock distlock.DistLock) DispatcherOptions {
	return DispatcherOptions{
		Interval:             cfg.Dispatch.TickInterval(),
		OrderingCutoff:       cfg.Dispatch.OrderingCutoff(),
		SkippedSatisfiesGate: cfg.Dispatch.SkippedSatisfiesGate,
		SendTimeout:          cfg.Gateway.Timeout(),
		SendsPerMinute:       cfg.Dispatch.SendsPerMinute,
		BatchSize:            cfg.Dispatch.BatchSize,
		MaxTickDuration:      cfg.Dispatch.LockTTL(),
		Lock:                 lock,
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	// LockHeld is true when another replica was running the tick.
	LockHeld bool `json:"lock_held"`
	Due      int  `json:"due"`
	Sent     int  `json:"sent"`
	Failed   int  `json:"failed"`
	// Held counts jobs whose campaign was paused after they were loaded.
	Held     int `json:"held"`
	Deferred int `json:"deferred"`
	Orphaned int `json:"orphaned"`
	Errors   int `json:"errors"`
}

// Dispatcher is the periodic send loop.
type Dispatcher struct {
	jobs     job.Store
	sessions SessionSource
	gw       gateway.Gateway
	opts     DispatcherOptions
	lock     distlock.DistLock
	limiter  *rate.Limiter
	now      func() time.Time

	// tickMu keeps manual and scheduled ticks from overlapping.
	tickMu sync.Mutex

	totalSent   int64
	totalFailed int64
	totalTicks  int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(jobs job.Store, sessions SessionSource, gw gateway.Gateway, opts DispatcherOptions) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	if opts.OrderingCutoff <= 0 {
		opts.OrderingCutoff = DefaultOrderingCutoff
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	d := &Dispatcher{
		jobs:     jobs,
		sessions: sessions,
		gw:       gw,
		opts:     opts,
		lock:     opts.Lock,
		now:      time.Now,
	}
	if d.lock == nil {
		d.lock = &distlock.LocalLock{}
	}
	if opts.SendsPerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(float64(opts.SendsPerMinute)/60.0), 1)
	}
	return d
}

// SetClock overrides the dispatcher clock. Intended for tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Start runs a tick immediately and then Interval after each tick ends.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	log.Printf("[Dispatcher] Starting with tick interval %v, ordering cutoff %v", d.opts.Interval, d.opts.OrderingCutoff)

	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop cancels the loop and waits for the running tick to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	log.Println("[Dispatcher] Stopping...")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[Dispatcher] Stopped cleanly")
	case <-time.After(30 * time.Second):
		log.Println("[Dispatcher] Shutdown timeout - forcing stop")
	}

	log.Printf("[Dispatcher] Ticks: %d, Sent: %d, Failed: %d",
		atomic.LoadInt64(&d.totalTicks), atomic.LoadInt64(&d.totalSent), atomic.LoadInt64(&d.totalFailed))
}

// loop waits a full interval after each tick, so ticks never queue up
// behind a slow one.
func (d *Dispatcher) loop() {
	defer d.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
			if _, err := d.Tick(d.ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				log.Printf("[Dispatcher] Tick error: %v", err)
			}
			timer.Reset(d.opts.Interval)
		}
	}
}

// Tick runs one dispatch pass. It returns ErrTickInProgress if a tick is
// already running in this process; when another replica holds the
// dispatch lock it returns a result with LockHeld set.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	if !d.tickMu.TryLock() {
		return TickResult{}, ErrTickInProgress
	}
	defer d.tickMu.Unlock()

	res := TickResult{StartedAt: d.now().UTC()}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		metrics.TickDuration.Observe(res.Duration.Seconds())
		atomic.AddInt64(&d.totalTicks, 1)
	}()

	if d.opts.MaxTickDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.MaxTickDuration)
		defer cancel()
	}

	ran, err := distlock.Do(ctx, d.lock, func(ctx context.Context) error {
		return d.dispatch(ctx, res.StartedAt, &res)
	})
	if err != nil {
		return res, err
	}
	if !ran {
		res.LockHeld = true
		log.Printf("[Dispatcher] Tick skipped: %s held by another replica", DispatchLockKey)
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, now time.Time, res *TickResult) error {
	var after *job.DueCursor
pages:
	for {
		page, err := d.jobs.FindDueJobs(ctx, now, after, d.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("find due jobs: %w", err)
		}
		if len(page) == 0 {
			break
		}
		res.Due += len(page)
		log.Printf("[Dispatcher] %d due job(s)", len(page))

		for i := range page {
			if ctx.Err() != nil {
				log.Printf("[Dispatcher] Tick interrupted with %d job(s) left in page: %v", len(page)-i, ctx.Err())
				break pages
			}
			d.processJob(ctx, &page[i], now, res)
		}
		if len(page) < d.opts.BatchSize {
			break
		}
		after = job.CursorAfter(&page[len(page)-1].Job)
	}
	if res.Due == 0 {
		return nil
	}

	logger.Info("dispatch tick finished",
		"due", res.Due, "sent", res.Sent, "failed", res.Failed,
		"held", res.Held, "deferred", res.Deferred, "orphaned", res.Orphaned)
	return nil
}

// processJob handles one due job. Errors are counted and logged, never
// returned, so one bad job cannot stall the rest of the tick.
func (d *Dispatcher) processJob(ctx context.Context, dj *domain.DueJob, now time.Time, res *TickResult) {
	if dj.Orphaned() {
		res.Orphaned++
		metrics.JobsDeferred.WithLabelValues(metrics.DeferOrphaned).Inc()
		logger.Warn("due job has no enrollment or campaign, not sending",
			"job_id", dj.ID, "enrollment_id", dj.EnrollmentID, "step", dj.Step)
		return
	}

	if !dj.CampaignStatus.Dispatchable() {
		res.Held++
		metrics.JobsDeferred.WithLabelValues(metrics.DeferCampaignHeld).Inc()
		logger.Debug("campaign not dispatchable, leaving job scheduled",
			"job_id", dj.ID, "campaign_id", dj.CampaignID, "status", string(dj.CampaignStatus))
		return
	}

	ok, err := d.orderingGateOpen(ctx, &dj.Job, now)
	if err != nil {
		res.Errors++
		log.Printf("[Dispatcher] Job %s: ordering check failed: %v", dj.ID, err)
		return
	}
	if !ok {
		res.Deferred++
		metrics.JobsDeferred.WithLabelValues(metrics.DeferOrdering).Inc()
		logger.Debug("previous step not settled, deferring", "job_id", dj.ID, "step", dj.Step)
		return
	}

	j := dj.Job
	handle, err := d.sessions.AcquireHandle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Tick is ending before anything was sent.
			return
		}
		d.recordFailure(ctx, &j, err, res)
		return
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			// Tick is ending; the job stays scheduled for the next one.
			return
		}
	}

	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	err = d.gw.Send(sctx, gateway.Message{To: dj.Destination, Subject: j.Subject, Body: j.Body}, handle)
	cancel()
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			d.sessions.MarkExpired(err)
		} else {
			d.sessions.InvalidateHandle()
		}
		d.recordFailure(ctx, &j, err, res)
		return
	}

	j.MarkSent(d.now().UTC())
	pctx, pcancel := d.persistContext(ctx)
	defer pcancel()
	if err := d.jobs.Save(pctx, &j); err != nil {
		res.Errors++
		log.Printf("[Dispatcher] Job %s sent but not recorded: %v", j.ID, err)
		return
	}
	res.Sent++
	atomic.AddInt64(&d.totalSent, 1)
	metrics.EmailsSent.Inc()
	logger.Info("step sent", "job_id", j.ID, "step", j.Step, "destination", dj.Destination)
}

// orderingGateOpen reports whether step-1 of the same enrollment is settled:
// sent before now-OrderingCutoff, or skipped when SkippedSatisfiesGate is
// set. A missing step-1 job never settles.
func (d *Dispatcher) orderingGateOpen(ctx context.Context, j *domain.Job, now time.Time) (bool, error) {
	if j.Step <= 1 {
		return true, nil
	}
	prev, err := d.jobs.FindForStep(ctx, j.EnrollmentID, j.Step-1)
	if err != nil {
		return false, err
	}
	if prev == nil {
		return false, nil
	}
	switch prev.Status {
	case domain.JobSent:
		return prev.SentAt != nil && prev.SentAt.Before(now.Add(-d.opts.OrderingCutoff)), nil
	case domain.JobSkipped:
		return d.opts.SkippedSatisfiesGate, nil
	}
	return false, nil
}

// persistContext keeps the tick's values but not its cancellation.
func (d *Dispatcher) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (d *Dispatcher) recordFailure(ctx context.Context, j *domain.Job, cause error, res *TickResult) {
	j.MarkFailed(d.now().UTC(), cause.Error())
	pctx, cancel := d.persistContext(ctx)
	defer cancel()
	if err := d.jobs.Save(pctx, j); err != nil {
		res.Errors++
		log.Printf("[Dispatcher] Job %s failed (%v) and could not be recorded: %v", j.ID, cause, err)
		return
	}
	res.Failed++
	atomic.AddInt64(&d.totalFailed, 1)
	metrics.EmailFailures.Inc()
	logger.Warn("step send failed", "job_id", j.ID, "step", j.Step, "error", cause.Error())
}
