// Package scheduler drains the delete-operation queue with a bounded worker
// pool. It claims pending operations, resumes orphaned in_progress ones on
// startup, and sweeps expired records.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/willow/pkg/deletion"
	"github.com/Ramsey-B/willow/pkg/metrics"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/redis"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultPollInterval is the default interval between claim cycles
	DefaultPollInterval = 2 * time.Second

	// DefaultWorkerCount is the default number of worker goroutines
	DefaultWorkerCount = 4

	// DefaultBatchSize is the number of entities deleted per checkpoint
	DefaultBatchSize = 50

	// DefaultSoftDeleteRetries is how many attempts each entity gets
	DefaultSoftDeleteRetries = 3

	// DefaultMaxFailedEntityIDs caps the failed-id list on the record
	DefaultMaxFailedEntityIDs = 100

	// DefaultSweepInterval is how often expired records are removed
	DefaultSweepInterval = time.Hour

	// DefaultLockTTL is the TTL for best-effort claim locks
	DefaultLockTTL = 60 * time.Second

	// LockKeyPrefix is the prefix for operation claim locks
	LockKeyPrefix = "willow:op:"
)

// GraphMirror receives best-effort notifications of deleted entities so the
// relationship graph stops serving links into deleted subtrees.
type GraphMirror interface {
	MarkDeleted(ctx context.Context, worldID string, entityIDs []string) error
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to check for pending operations
	PollInterval time.Duration

	// WorkerCount is the number of concurrent operation workers
	WorkerCount int

	// BatchSize is the number of entities deleted between checkpoints
	BatchSize int

	// SoftDeleteRetries is the per-entity attempt budget for transient errors
	SoftDeleteRetries int

	// MaxFailedEntityIDs caps failedEntityIds on the operation record
	MaxFailedEntityIDs int

	// SweepInterval is how often the TTL sweep runs
	SweepInterval time.Duration

	// LockTTL is how long a best-effort claim lock is held
	LockTTL time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:       DefaultPollInterval,
		WorkerCount:        DefaultWorkerCount,
		BatchSize:          DefaultBatchSize,
		SoftDeleteRetries:  DefaultSoftDeleteRetries,
		MaxFailedEntityIDs: DefaultMaxFailedEntityIDs,
		SweepInterval:      DefaultSweepInterval,
		LockTTL:            DefaultLockTTL,
	}
}

// Scheduler claims pending delete operations and processes them on a worker
// pool. The operation log's compare-and-swap is the only claim that counts;
// the optional Redis locker just cuts down on wasted races between
// instances.
type Scheduler struct {
	ops      deletion.OperationLog
	entities deletion.EntityStore
	planner  *deletion.Planner
	locker   *redis.Locker
	events   deletion.EventPublisher
	mirror   GraphMirror
	config   Config
	logger   ectologger.Logger

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan models.DeleteOperation
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler. locker, events, and mirror may be
// nil; the corresponding behaviour is skipped.
func NewScheduler(
	ops deletion.OperationLog,
	entities deletion.EntityStore,
	planner *deletion.Planner,
	locker *redis.Locker,
	events deletion.EventPublisher,
	mirror GraphMirror,
	config Config,
	logger ectologger.Logger,
) *Scheduler {
	// Apply defaults
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.SoftDeleteRetries <= 0 {
		config.SoftDeleteRetries = DefaultSoftDeleteRetries
	}
	if config.MaxFailedEntityIDs <= 0 {
		config.MaxFailedEntityIDs = DefaultMaxFailedEntityIDs
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}

	return &Scheduler{
		ops:      ops,
		entities: entities,
		planner:  planner,
		locker:   locker,
		events:   events,
		mirror:   mirror,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan models.DeleteOperation, config.WorkerCount*2),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Scheduler.Start")
	defer span.End()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s workers=%d batch_size=%d",
		s.config.PollInterval, s.config.WorkerCount, s.config.BatchSize)

	var workerWG sync.WaitGroup
	for i := 0; i < s.config.WorkerCount; i++ {
		workerWG.Add(1)
		go s.worker(ctx, &workerWG, i)
	}

	// Resume operations orphaned by a prior process exit before taking on
	// new work.
	s.recoverInProgress(ctx)

	var producerWG sync.WaitGroup
	producerWG.Add(1)
	go s.pollLoop(ctx, &producerWG)

	producerWG.Add(1)
	go s.sweepLoop(ctx, &producerWG)

	// jobsCh closes only after every producer has exited; a claim cycle that
	// already committed to a send must never race the close.
	go func() {
		<-s.stopCh
		producerWG.Wait()
		close(s.jobsCh)
		workerWG.Wait()
		close(s.stoppedC)
	}()

	s.logger.WithContext(ctx).Info("Scheduler started")
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// pollLoop continuously claims pending operations
func (s *Scheduler) pollLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runClaimCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Scheduler poll loop stopping")
			return
		case <-ticker.C:
			s.runClaimCycle(ctx)
		}
	}
}

// runClaimCycle claims every pending operation it can and hands the claimed
// ones to the worker pool.
func (s *Scheduler) runClaimCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.runClaimCycle")
	defer span.End()

	pending, err := s.ops.ListPending(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list pending operations")
		return
	}

	if len(pending) == 0 {
		return
	}

	claimed := 0
	for _, op := range pending {
		ok, err := s.claim(ctx, op)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to claim operation %s", op.ID)
			continue
		}
		if !ok {
			continue
		}
		claimed++

		// Re-read so the worker starts from the claimed record. The claim
		// CAS already succeeded, so a lost re-read must not strand the
		// record in_progress until the next restart; hand the worker the
		// claim-time copy and let its first checkpoint reconcile the stale
		// heartbeat.
		fresh, err := s.ops.GetByID(ctx, op.WorldID, op.ID)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to load claimed operation %s, resuming from the claim-time copy", op.ID)
			stale := op
			stale.Status = models.OperationStatusInProgress
			now := time.Now().UTC()
			stale.StartedAt = &now
			fresh = &stale
		}

		select {
		case s.jobsCh <- *fresh:
		case <-s.stopCh:
			return
		}
	}

	if claimed > 0 {
		s.logger.WithContext(ctx).Infof("Claim cycle completed: pending=%d claimed=%d", len(pending), claimed)
	}
}

// claim transitions the operation pending -> in_progress via the log's CAS,
// guarded by a best-effort Redis lock when one is configured.
func (s *Scheduler) claim(ctx context.Context, op models.DeleteOperation) (bool, error) {
	if s.locker != nil {
		lock, err := s.locker.Acquire(ctx, LockKeyPrefix+op.ID.String(), s.config.LockTTL)
		if err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				return false, nil
			}
			// Redis being down never blocks claims; the CAS below decides.
			s.logger.WithContext(ctx).WithError(err).Warn("Claim lock unavailable, relying on CAS")
		} else {
			defer lock.Release(ctx)
		}
	}

	return s.ops.Claim(ctx, op.WorldID, op.ID)
}

// recoverInProgress re-enqueues operations left in_progress by a prior
// process exit. The heartbeat CAS protects against two instances resuming
// the same record.
func (s *Scheduler) recoverInProgress(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.recoverInProgress")
	defer span.End()

	orphaned, err := s.ops.ListInProgress(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list in-progress operations for recovery")
		return
	}

	if len(orphaned) == 0 {
		return
	}

	s.logger.WithContext(ctx).Infof("Recovering %d in-progress operations", len(orphaned))

	for _, op := range orphaned {
		select {
		case s.jobsCh <- op:
		case <-s.stopCh:
			return
		}
	}
}

// sweepLoop periodically removes expired terminal records. Postgres has no
// native TTL, so the scheduler owns the sweep.
func (s *Scheduler) sweepLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Scheduler sweep loop stopping")
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.runSweep")
	defer span.End()

	removed, err := s.ops.DeleteExpired(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to sweep expired operations")
		return
	}
	if removed > 0 {
		metrics.OperationsSwept.Add(float64(removed))
		s.logger.WithContext(ctx).Infof("Swept %d expired operations", removed)
	}
}
