package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-dev/courier/internal/backoff"
	"github.com/halcyon-dev/courier/internal/domain"
	"github.com/halcyon-dev/courier/internal/repository"
)

const (
	defaultTickInterval      = 500 * time.Millisecond
	defaultMaxConcurrentJobs = 20
	defaultRetryBatchSize    = 100
)

// Job is one transient queue entry. Jobs live only in process memory;
// crash recovery goes through RetryPending.
type Job struct {
	ID             string
	NotificationID string
	RunAt          time.Time
	Priority       int
	Attempts       int
}

// Dispatcher re-drives delivery for a pending notification. Implemented by
// the orchestrator.
type Dispatcher interface {
	DispatchPending(ctx context.Context, notification *domain.Notification) error
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Running    bool   `json:"running"`
	QueueDepth int    `json:"queueDepth"`
	Executed   uint64 `json:"executed"`
	Failed     uint64 `json:"failed"`
	Retried    uint64 `json:"retried"`
	Delayed    uint64 `json:"delayed"`
}

// Scheduler drives due jobs on a fixed tick. Each tick selects due jobs up
// to the concurrency cap, removes them from the queue before execution, and
// waits for every selected job to finish before the next tick starts.
type Scheduler struct {
	notifications repository.NotificationRepository
	dispatcher    Dispatcher
	engine        *backoff.Engine
	policy        backoff.RetryPolicy
	logger        *zap.Logger

	tick          time.Duration
	maxConcurrent int

	mu      sync.Mutex
	jobs    []*Job
	running bool
	stats   Stats

	stopOnce sync.Once
	stop     chan struct{}

	now func() time.Time
}

func NewScheduler(
	notifications repository.NotificationRepository,
	dispatcher Dispatcher,
	engine *backoff.Engine,
	policy backoff.RetryPolicy,
	tick time.Duration,
	maxConcurrent int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if engine == nil {
		engine = backoff.NewEngine()
	}
	if tick <= 0 {
		tick = defaultTickInterval
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentJobs
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		notifications: notifications,
		dispatcher:    dispatcher,
		engine:        engine,
		policy:        policy,
		logger:        logger,
		tick:          tick,
		maxConcurrent: maxConcurrent,
		stop:          make(chan struct{}),
		now:           time.Now,
	}, nil
}

// Enqueue inserts a job and returns its id. A zero runAt means "due now".
func (s *Scheduler) Enqueue(notificationID string, runAt time.Time, priority int) (string, error) {
	if notificationID == "" {
		return "", fmt.Errorf("notification id is required")
	}

	now := s.now()
	if runAt.IsZero() {
		runAt = now
	}

	job := &Job{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		RunAt:          runAt,
		Priority:       priority,
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	if runAt.After(now) {
		s.stats.Delayed++
	}
	s.mu.Unlock()

	return job.ID, nil
}

// Start runs the tick loop until the context is canceled or Stop is called.
// The loop always finishes its current tick before exiting.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// Stop prevents new ticks from starting. In-flight jobs of the current tick
// run to completion.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.stats
	snapshot.Running = s.running
	snapshot.QueueDepth = len(s.jobs)
	return snapshot
}

// runTick selects due jobs up to the concurrency cap, removes them from the
// queue, and executes them concurrently behind a barrier.
func (s *Scheduler) runTick(ctx context.Context) {
	due := s.takeDue(s.now())
	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	for i := range due {
		job := due[i]
		g.Go(func() error {
			s.executeJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

// takeDue removes and returns up to maxConcurrent due jobs, most urgent
// first. Removal before execution guarantees at-most-once dispatch per tick.
func (s *Scheduler) takeDue(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	var rest []*Job
	for _, job := range s.jobs {
		if !job.RunAt.After(now) {
			due = append(due, job)
		} else {
			rest = append(rest, job)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})

	if len(due) > s.maxConcurrent {
		rest = append(rest, due[s.maxConcurrent:]...)
		due = due[:s.maxConcurrent]
	}

	s.jobs = rest
	return due
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) {
	notification, err := s.notifications.GetByID(ctx, job.NotificationID)
	if err != nil {
		s.handleFailure(ctx, job, err)
		return
	}

	// Already resolved by another path; drop silently.
	if notification.Status != domain.NotificationPending {
		return
	}

	if err := s.dispatcher.DispatchPending(ctx, notification); err != nil {
		s.handleFailure(ctx, job, err)
		return
	}

	s.mu.Lock()
	s.stats.Executed++
	s.mu.Unlock()
}

// handleFailure re-enqueues the job with a computed backoff delay, or marks
// the notification FAILED and drops the job once the retry budget is spent.
func (s *Scheduler) handleFailure(ctx context.Context, job *Job, cause error) {
	s.mu.Lock()
	s.stats.Failed++
	s.mu.Unlock()

	job.Attempts++

	delay := s.engine.ComputeDelay(job.Attempts, s.policy, nil)
	if job.Attempts >= s.policy.MaxAttempts || delay == backoff.Abandon {
		s.logger.Error("job retry budget exhausted, marking notification failed",
			zap.String("jobId", job.ID),
			zap.String("notificationId", job.NotificationID),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause),
		)
		if err := s.notifications.UpdateStatus(ctx, job.NotificationID, domain.NotificationFailed); err != nil {
			s.logger.Error("failed to mark notification failed",
				zap.String("notificationId", job.NotificationID),
				zap.Error(err),
			)
		}
		return
	}

	job.RunAt = s.now().Add(delay)

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.stats.Retried++
	s.mu.Unlock()

	s.logger.Warn("job failed, retry scheduled",
		zap.String("jobId", job.ID),
		zap.String("notificationId", job.NotificationID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

// RetryPending re-enqueues persisted PENDING notifications whose in-memory
// jobs were lost, e.g. after a restart. Returns the number enqueued.
func (s *Scheduler) RetryPending(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultRetryBatchSize
	}

	pending, err := s.notifications.ListPending(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending notifications: %w", err)
	}

	queued := 0
	for i := range pending {
		if s.hasJobFor(pending[i].ID) {
			continue
		}
		if _, err := s.Enqueue(pending[i].ID, time.Time{}, pending[i].Urgency.Weight()); err != nil {
			s.logger.Error("failed to re-enqueue pending notification",
				zap.String("notificationId", pending[i].ID),
				zap.Error(err),
			)
			continue
		}
		queued++
	}

	return queued, nil
}

func (s *Scheduler) hasJobFor(notificationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.NotificationID == notificationID {
			return true
		}
	}
	return false
}
