package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dicklesworthstone/qstress/internal/ident"
	"github.com/Dicklesworthstone/qstress/internal/qsclient"
)

const (
	// tickYield is the cooperative scheduling point at the tail of each tick.
	tickYield = 2 * time.Millisecond

	// saturationSleep throttles the loop when the semaphore is exhausted and
	// badly oversubscribed.
	saturationSleep   = 10 * time.Millisecond
	saturationWaiters = 1000

	// defaultMaxPicksPerTick bounds Phase C dispatch per tick.
	defaultMaxPicksPerTick = 100

	// overflowPoisonAfter is how many consecutive 4xx push failures mark an
	// overflow job as poison.
	overflowPoisonAfter = 3

	drainPoll          = 25 * time.Millisecond
	drainProgressEvery = 5 * time.Second
	drainStallAfter    = 10 * time.Second
)

// QueueClient is the remote surface the scheduler drives. Satisfied by
// *qsclient.Client.
type QueueClient interface {
	Push(ctx context.Context, teamID string, job qsclient.PushJob, timeoutMs int64, crawlID string) qsclient.Result[struct{}]
	Pop(ctx context.Context, teamID string, blockedCrawlIDs []string) qsclient.Result[*qsclient.ClaimedJob]
	Complete(ctx context.Context, queueKey string) qsclient.Result[bool]
	Release(ctx context.Context, jobID string) qsclient.Result[struct{}]
	ActivePush(ctx context.Context, teamID, jobID string, timeoutMs int64) qsclient.Result[struct{}]
	ActiveRemove(ctx context.Context, teamID, jobID string) qsclient.Result[struct{}]
}

// CompletionObserver receives the completion callback for promoted jobs. The
// push and claim callbacks live in the client, where those events are first
// known; completion of a promoted job is first known here.
type CompletionObserver interface {
	RecordComplete(jobID string)
}

// Hooks are optional lifecycle callbacks.
type Hooks struct {
	// OnJobCompleted fires after a job's completion has been processed.
	OnJobCompleted func(jobID, teamID string)

	// OnProgress fires during the drain phase progress reports.
	OnProgress func(Snapshot)
}

// Config configures the scheduler.
type Config struct {
	RunID              string
	Tiers              []Tier
	WorkerConcurrency  int
	JobProcessingDelay time.Duration
	Duration           time.Duration

	// RemoteJobTimeoutMs is the timeout field sent on push and active-push.
	RemoteJobTimeoutMs int64

	// MaxPicksPerTick bounds dispatch work per tick. Zero means the default.
	MaxPicksPerTick int

	Headroom HeadroomConfig
	Verbose  bool
}

// Snapshot is a point-in-time view of the simulation for progress reporting.
type Snapshot struct {
	ElapsedMs    int64 `json:"elapsed_ms"`
	Generated    int64 `json:"generated"`
	Completed    int64 `json:"completed"`
	Active       int   `json:"active"`
	QueuedRemote int   `json:"queued_remote"`
	MainQueue    int   `json:"main_queue"`
	Overflow     int   `json:"overflow"`
	InFlight     int64 `json:"in_flight"`
	Draining     bool  `json:"draining"`
}

type overflowItem struct {
	job     MainQueueJob
	fail4xx int
}

// jobPayload is the data field carried on remote pushes.
type jobPayload struct {
	TeamID    string `json:"teamId"`
	CreatedAt int64  `json:"createdAt"`
}

// Scheduler owns all tenant state, the main queue, the overflow buffer, and
// the worker semaphore. Tenant-state mutations are serialized under mu; the
// semaphore-bounded tasks own only HTTP I/O and the oracle callbacks that
// ride inside the client.
type Scheduler struct {
	cfg      Config
	client   QueueClient
	observer CompletionObserver
	clock    *ident.Clock
	hooks    Hooks
	headroom *HeadroomGuard
	sem      *Semaphore

	mu       sync.Mutex
	tenants  map[string]*tenant
	teamIDs  []string
	queue    *mainQueue
	overflow []overflowItem

	inFlight  atomic.Int64
	generated atomic.Int64
	completed atomic.Int64

	shuttingDown atomic.Bool
	draining     atomic.Bool

	fatalMu  sync.Mutex
	fatalErr error
}

// New creates a scheduler. observer may be nil to disable oracle callbacks.
func New(cfg Config, client QueueClient, observer CompletionObserver, clock *ident.Clock) *Scheduler {
	if cfg.MaxPicksPerTick <= 0 {
		cfg.MaxPicksPerTick = defaultMaxPicksPerTick
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 50
	}
	if cfg.RemoteJobTimeoutMs <= 0 {
		cfg.RemoteJobTimeoutMs = 60_000
	}
	if clock == nil {
		clock = ident.NewClock()
	}

	s := &Scheduler{
		cfg:      cfg,
		client:   client,
		observer: observer,
		clock:    clock,
		headroom: NewHeadroomGuard(cfg.Headroom),
		sem:      NewSemaphore(cfg.WorkerConcurrency),
		tenants:  make(map[string]*tenant),
		queue:    newMainQueue(),
	}

	for _, tier := range cfg.Tiers {
		for i := 0; i < tier.TeamCount; i++ {
			teamID := ident.TeamID(tier.Name, i)
			s.tenants[teamID] = &tenant{
				teamID:     teamID,
				tier:       tier,
				activeJobs: make(map[string]*ActiveJob),
			}
			s.teamIDs = append(s.teamIDs, teamID)
		}
	}
	return s
}

// SetHooks installs lifecycle callbacks. Call before Run.
func (s *Scheduler) SetHooks(h Hooks) {
	s.hooks = h
}

// Shutdown asks the main loop to stop generating and enter the drain phase.
func (s *Scheduler) Shutdown() {
	s.shuttingDown.Store(true)
}

// Run drives the simulation until the configured duration elapses or
// Shutdown is called, then drains. Returns the first fatal error, if any.
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.clock.NowMs()
	deadline := start + s.cfg.Duration.Milliseconds()

	slog.Info("scheduler started",
		"teams", len(s.teamIDs),
		"workers", s.cfg.WorkerConcurrency,
		"duration", s.cfg.Duration,
	)

	for {
		if s.shuttingDown.Load() || s.clock.NowMs() >= deadline || ctx.Err() != nil {
			break
		}
		if err := s.fatal(); err != nil {
			return err
		}

		s.tick(ctx)

		// Cooperative yield; back off harder when the pool is saturated.
		if s.sem.Available() == 0 && s.sem.Waiting() > saturationWaiters {
			time.Sleep(saturationSleep)
		} else {
			time.Sleep(tickYield)
		}
	}

	s.drain(ctx)
	s.awaitInFlight(ctx, 5*time.Second)
	return s.fatal()
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.NowMs()

	// Phase A: generate.
	if ok, reason := s.headroom.Check(); ok {
		s.mu.Lock()
		s.generateLocked(now)
		s.mu.Unlock()
	} else if s.cfg.Verbose {
		slog.Debug("generation paused", "reason", reason)
	}

	// Phase B: drain the overflow buffer into the remote queue, one
	// semaphore-bounded task per item.
	s.mu.Lock()
	pending := s.overflow
	s.overflow = nil
	s.mu.Unlock()
	for _, item := range pending {
		go s.pushOverflowItem(ctx, item)
	}

	// Phase C: dispatch from the main queue.
	s.dispatch(ctx)

	// Phase D: completions and promotion.
	s.processDue(ctx, now)
}

// Generate appends due synthetic jobs for every tenant. Exported for tests;
// the loop calls it under the scheduler mutex.
func (s *Scheduler) Generate(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generateLocked(nowMs)
}

func (s *Scheduler) generateLocked(nowMs int64) {
	for _, teamID := range s.teamIDs {
		t := s.tenants[teamID]
		if t.tier.JobsPerSecond <= 0 {
			continue
		}
		base := 1000.0 / t.tier.JobsPerSecond
		if t.nextGenInterval == 0 {
			t.nextGenInterval = jitter(base)
		}
		if float64(nowMs-t.lastPushTime) < t.nextGenInterval {
			continue
		}

		t.jobCounter++
		job := MainQueueJob{
			JobID:     ident.JobID(s.cfg.RunID, teamID, t.jobCounter),
			TeamID:    teamID,
			Priority:  1 + rand.Intn(100),
			CreatedAt: ident.WallMs(),
		}
		if rand.Float64() < 0.20 {
			job.CrawlID = ident.CrawlID(teamID, t.jobCounter)
		}
		s.queue.push(job)
		s.generated.Add(1)
		t.lastPushTime = nowMs
		t.nextGenInterval = jitter(base)
	}
}

// jitter spreads an interval by ±20%.
func jitter(ms float64) float64 {
	return ms * (0.8 + 0.4*rand.Float64())
}

// PickFromMainQueue removes and returns the globally highest-priority job.
func (s *Scheduler) PickFromMainQueue() *MainQueueJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.popMin()
}

// IsAtCapacity reports whether a tenant has no free concurrency slot.
func (s *Scheduler) IsAtCapacity(teamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[teamID]
	return ok && t.atCapacityWithReserved()
}

// StartJob moves a picked job into a tenant's active set. Calling it when the
// tenant is at capacity is a programming error and aborts the run.
func (s *Scheduler) StartJob(job *MainQueueJob, fromPromotion bool, queueKey string) (*ActiveJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startJobLocked(job, fromPromotion, queueKey)
}

func (s *Scheduler) startJobLocked(job *MainQueueJob, fromPromotion bool, queueKey string) (*ActiveJob, error) {
	t, ok := s.tenants[job.TeamID]
	if !ok {
		return nil, fmt.Errorf("unknown team %q", job.TeamID)
	}
	if t.atCapacity() {
		err := fmt.Errorf("invariant violation: starting job %s while team %s is at capacity (%d/%d)",
			job.JobID, job.TeamID, len(t.activeJobs), t.tier.ConcurrencyLimit)
		s.setFatal(err)
		return nil, err
	}
	active := &ActiveJob{
		JobID:         job.JobID,
		QueueKey:      queueKey,
		StartTime:     s.clock.NowMs(),
		FromPromotion: fromPromotion,
	}
	t.activeJobs[job.JobID] = active
	return active, nil
}

func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for picks := 0; picks < s.cfg.MaxPicksPerTick; picks++ {
		if s.sem.Available() == 0 {
			return
		}
		job := s.queue.popMin()
		if job == nil {
			return
		}
		t := s.tenants[job.TeamID]
		if t.atCapacityWithReserved() {
			s.overflow = append(s.overflow, overflowItem{job: *job})
			continue
		}
		if _, err := s.startJobLocked(job, false, ""); err != nil {
			return
		}
		// Advisory monitoring only; result intentionally ignored.
		go s.pushActive(ctx, job.TeamID, job.JobID)
	}
}

// PushToConcurrencyQueue sends a job to the remote overflow queue
// synchronously and tracks the tenant's backlog on success.
func (s *Scheduler) PushToConcurrencyQueue(ctx context.Context, job MainQueueJob) bool {
	res := s.client.Push(ctx, job.TeamID, qsclient.PushJob{
		ID:       job.JobID,
		Data:     jobPayload{TeamID: job.TeamID, CreatedAt: job.CreatedAt},
		Priority: job.Priority,
	}, s.cfg.RemoteJobTimeoutMs, job.CrawlID)
	if !res.Success {
		return false
	}
	s.mu.Lock()
	if t, ok := s.tenants[job.TeamID]; ok {
		t.queuedJobs++
	}
	s.mu.Unlock()
	return true
}

// pushOverflowItem sends one overflow job to the remote queue. A failed push
// leaves the job in the buffer for the next tick; persistent 4xx marks it as
// poison, releases it remotely, and drops it.
func (s *Scheduler) pushOverflowItem(ctx context.Context, item overflowItem) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	if err := s.sem.Acquire(ctx); err != nil {
		s.requeueOverflow(item)
		return
	}
	defer s.sem.Release()

	job := item.job
	res := s.client.Push(ctx, job.TeamID, qsclient.PushJob{
		ID:       job.JobID,
		Data:     jobPayload{TeamID: job.TeamID, CreatedAt: job.CreatedAt},
		Priority: job.Priority,
	}, s.cfg.RemoteJobTimeoutMs, job.CrawlID)

	if res.Success {
		s.mu.Lock()
		s.tenants[job.TeamID].queuedJobs++
		s.mu.Unlock()
		return
	}

	if res.Status >= 400 && res.Status < 500 {
		item.fail4xx++
		if item.fail4xx >= overflowPoisonAfter {
			slog.Warn("dropping poison overflow job", "job", job.JobID, "team", job.TeamID, "status", res.Status)
			s.client.Release(ctx, job.JobID)
			return
		}
	}
	s.requeueOverflow(item)
}

func (s *Scheduler) requeueOverflow(item overflowItem) {
	s.mu.Lock()
	s.overflow = append(s.overflow, item)
	s.mu.Unlock()
}

func (s *Scheduler) pushActive(ctx context.Context, teamID, jobID string) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	if err := s.sem.Acquire(ctx); err != nil {
		return
	}
	defer s.sem.Release()
	s.client.ActivePush(ctx, teamID, jobID, s.cfg.RemoteJobTimeoutMs)
}

// processDue launches one completion task per tenant that has jobs whose
// simulated processing delay has elapsed. A tenant never has two completion
// tasks in flight, which keeps its completion order FIFO.
func (s *Scheduler) processDue(ctx context.Context, nowMs int64) {
	delay := s.cfg.JobProcessingDelay.Milliseconds()

	s.mu.Lock()
	var work []struct {
		t     *tenant
		batch []*ActiveJob
	}
	for _, teamID := range s.teamIDs {
		t := s.tenants[teamID]
		if t.completing {
			continue
		}
		batch := t.completable(nowMs, delay)
		if len(batch) == 0 {
			continue
		}
		t.completing = true
		work = append(work, struct {
			t     *tenant
			batch []*ActiveJob
		}{t, batch})
	}
	s.mu.Unlock()

	for _, w := range work {
		go s.completeBatch(ctx, w.t, w.batch)
	}
}

func (s *Scheduler) completeBatch(ctx context.Context, t *tenant, batch []*ActiveJob) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	defer func() {
		s.mu.Lock()
		t.completing = false
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx); err != nil {
		return
	}
	defer s.sem.Release()

	for _, active := range batch {
		s.completeOne(ctx, t, active)
	}
}

// completeOne retires one active job and, when the tenant has remote backlog,
// promotes the next remote job into the freed slot.
func (s *Scheduler) completeOne(ctx context.Context, t *tenant, active *ActiveJob) {
	s.mu.Lock()
	if _, ok := t.activeJobs[active.JobID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(t.activeJobs, active.JobID)
	t.completedJobs++
	s.mu.Unlock()
	s.completed.Add(1)

	if active.FromPromotion && s.observer != nil {
		s.observer.RecordComplete(active.JobID)
	}

	s.client.ActiveRemove(ctx, t.teamID, active.JobID)

	if active.QueueKey != "" {
		s.client.Complete(ctx, active.QueueKey)
	}

	s.promote(ctx, t)

	if s.hooks.OnJobCompleted != nil {
		s.hooks.OnJobCompleted(active.JobID, t.teamID)
	}
}

// promote pops one job from the tenant's remote queue and starts it in the
// slot the caller just freed. The slot is reserved across the pop so a claim
// can always be started: a popped job is never dropped.
func (s *Scheduler) promote(ctx context.Context, t *tenant) {
	s.mu.Lock()
	if t.queuedJobs <= 0 || t.atCapacityWithReserved() {
		s.mu.Unlock()
		return
	}
	t.reserved++
	s.mu.Unlock()

	res := s.client.Pop(ctx, t.teamID, nil)

	s.mu.Lock()
	t.reserved--
	if !res.Success || res.Data == nil {
		s.mu.Unlock()
		return
	}
	t.queuedJobs--
	claim := res.Data
	job := &MainQueueJob{
		JobID:     claim.Job.ID,
		TeamID:    t.teamID,
		Priority:  claim.Job.Priority,
		CreatedAt: claim.Job.CreatedAt,
		CrawlID:   claim.Job.CrawlID,
	}
	_, err := s.startJobLocked(job, true, claim.QueueKey)
	s.mu.Unlock()

	if err == nil {
		go s.pushActive(ctx, t.teamID, job.JobID)
	} else {
		// Reservation made this unreachable short of a bug; hand the claim
		// back rather than stranding it.
		s.client.Release(ctx, job.JobID)
	}
}

// drain runs the post-duration phase: no generation, only completions, until
// all active jobs finish or a stall/cap cuts it short.
func (s *Scheduler) drain(ctx context.Context) {
	s.draining.Store(true)
	defer s.draining.Store(false)

	hardCap := 3*s.cfg.JobProcessingDelay + 30*time.Second
	start := time.Now()
	lastProgress := start
	lastActive := -1
	lastChange := start

	slog.Info("drain phase started", "active", s.activeTotal(), "cap", hardCap)

	for {
		if ctx.Err() != nil || s.fatal() != nil {
			return
		}

		active := s.activeTotal()
		if active == 0 {
			slog.Info("drain complete", "elapsed", time.Since(start).Round(time.Millisecond))
			return
		}
		if active != lastActive {
			lastActive = active
			lastChange = time.Now()
		} else if time.Since(lastChange) >= drainStallAfter {
			slog.Warn("drain stalled", "active", active, "unchanged_for", drainStallAfter)
			return
		}
		if time.Since(start) >= hardCap {
			slog.Warn("drain hard cap reached", "active", active, "cap", hardCap)
			return
		}

		if time.Since(lastProgress) >= drainProgressEvery {
			lastProgress = time.Now()
			snap := s.Snapshot()
			slog.Info("draining", "active", snap.Active, "completed", snap.Completed, "in_flight", snap.InFlight)
			if s.hooks.OnProgress != nil {
				s.hooks.OnProgress(snap)
			}
		}

		s.processDue(ctx, s.clock.NowMs())
		time.Sleep(drainPoll)
	}
}

// awaitInFlight polls the in-flight task counter to zero.
func (s *Scheduler) awaitInFlight(ctx context.Context, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for s.inFlight.Load() > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Scheduler) activeTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tenants {
		n += len(t.activeJobs)
	}
	return n
}

// Snapshot captures current progress counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	active, queued := 0, 0
	for _, t := range s.tenants {
		active += len(t.activeJobs)
		queued += t.queuedJobs
	}
	mainLen := s.queue.len()
	overflowLen := len(s.overflow)
	s.mu.Unlock()

	return Snapshot{
		ElapsedMs:    s.clock.NowMs(),
		Generated:    s.generated.Load(),
		Completed:    s.completed.Load(),
		Active:       active,
		QueuedRemote: queued,
		MainQueue:    mainLen,
		Overflow:     overflowLen,
		InFlight:     s.inFlight.Load(),
		Draining:     s.draining.Load(),
	}
}

// TeamCompleted returns a tenant's completion count.
func (s *Scheduler) TeamCompleted(teamID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[teamID]; ok {
		return t.completedJobs
	}
	return 0
}

// TeamQueued returns the locally tracked remote backlog for a tenant.
func (s *Scheduler) TeamQueued(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[teamID]; ok {
		return t.queuedJobs
	}
	return 0
}

// TeamActive returns a tenant's current active-slot usage.
func (s *Scheduler) TeamActive(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[teamID]; ok {
		return len(t.activeJobs)
	}
	return 0
}

// TeamIDs returns all simulated team ids in stable order.
func (s *Scheduler) TeamIDs() []string {
	out := make([]string, len(s.teamIDs))
	copy(out, s.teamIDs)
	return out
}

func (s *Scheduler) setFatal(err error) {
	s.fatalMu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.fatalMu.Unlock()
	s.shuttingDown.Store(true)
}

func (s *Scheduler) fatal() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}
