package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/gateway"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/materializer"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/series"
	"github.com/korjavin/gamenight/pkg/storage"
)

// Composer renders the outbound payload for a due reminder task. The
// scheduler never interprets the text it sends.
type Composer interface {
	Compose(sr *models.EventSeries, instance *models.EventInstance, kind models.TaskKind) (gateway.Payload, error)
}

// Options are the scheduler tunables.
type Options struct {
	// TickInterval trades reminder timeliness against load.
	TickInterval time.Duration
	// DispatchTimeout bounds one gateway call; expiry counts as failure.
	DispatchTimeout time.Duration
	// MaxAttempts is the retry budget before a task is abandoned.
	MaxAttempts int
	// RetryBackoffBase is doubled per attempt, capped at MaxBackoff.
	RetryBackoffBase time.Duration
	MaxBackoff       time.Duration
	// Workers is the number of concurrent claim/dispatch workers per tick.
	Workers int
	// SessionDuration drives the InProgress -> Completed transition.
	SessionDuration time.Duration
	// TaskRetention bounds how long terminal tasks are kept before the
	// tick scan stops paying for them. Zero disables pruning.
	TaskRetention time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:     time.Minute,
		DispatchTimeout:  15 * time.Second,
		MaxAttempts:      3,
		RetryBackoffBase: time.Minute,
		MaxBackoff:       time.Hour,
		Workers:          4,
		SessionDuration:  4 * time.Hour,
		TaskRetention:    30 * 24 * time.Hour,
	}
}

// Service drives the tick loop: materialize the horizon, claim due
// reminder tasks, dispatch them through the gateway.
type Service struct {
	store        *storage.Store
	series       *series.Service
	materializer *materializer.Service
	gateway      gateway.Gateway
	composer     Composer
	clock        clock.Clock
	opts         Options
	logger       *logger.Logger
	stopChan     chan struct{}
}

// New creates a new scheduler service
func New(
	store *storage.Store,
	seriesService *series.Service,
	materializerService *materializer.Service,
	gw gateway.Gateway,
	composer Composer,
	clk clock.Clock,
	opts Options,
) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Service{
		store:        store,
		series:       seriesService,
		materializer: materializerService,
		gateway:      gw,
		composer:     composer,
		clock:        clk,
		opts:         opts,
		logger:       logger.New("scheduler"),
		stopChan:     make(chan struct{}),
	}
}

// Start starts the tick loop.
func (s *Service) Start() {
	s.logger.Info("Starting scheduler with tick interval %v", s.opts.TickInterval)
	go s.run()
}

// Stop stops the tick loop.
func (s *Service) Stop() {
	s.logger.Info("Stopping scheduler")
	close(s.stopChan)
}

func (s *Service) run() {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	// Run one tick immediately so a restart picks up past-due work
	// without waiting a full interval.
	s.Tick(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Tick runs a single scheduling pass. A tick that finds no due work is a
// no-op. All failures are contained per task; a tick never returns an
// error and never panics the process.
func (s *Service) Tick(ctx context.Context) {
	s.materializer.MaterializeAll()
	s.advanceLifecycles()

	due, err := s.dueTasks()
	if err != nil {
		s.logger.Error("Failed to query due tasks: %v", err)
		return
	}

	if len(due) > 0 {
		s.logger.Info("Found %d due task(s)", len(due))
		s.dispatchAll(ctx, due)
	}

	s.pruneTasks()

	if err := s.store.Set(storage.WatermarkKey, s.clock.Now()); err != nil {
		s.logger.Error("Failed to store tick watermark: %v", err)
	}
}

// dueTasks returns the keys of tasks eligible for dispatch: Pending, or
// Failed with an elapsed backoff, with fire-at in the past. Tasks that
// were pending while the process was down show up here on the first tick
// after restart, so missed reminders are delayed rather than lost.
func (s *Service) dueTasks() ([]string, error) {
	keys, err := s.store.List("task:")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	now := s.clock.Now()
	var due []string
	for _, key := range keys {
		var task models.ReminderTask
		if err := s.store.Get(key, &task); err != nil {
			s.logger.Error("Failed to get task %s: %v", key, err)
			continue
		}
		if task.Status != models.TaskPending && task.Status != models.TaskFailed {
			continue
		}
		if task.FireAt.After(now) {
			continue
		}
		if task.Status == models.TaskFailed && task.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, key)
	}
	return due, nil
}

func (s *Service) dispatchAll(ctx context.Context, keys []string) {
	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup

	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(taskKey string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.claimAndDispatch(ctx, taskKey)
		}(key)
	}
	wg.Wait()
}

var errNotClaimable = errors.New("task not claimable")

var errInstanceClosed = errors.New("instance is terminal")

// claimAndDispatch is the exclusivity point: the Pending->Dispatching
// transition runs as a conditional update inside one storage transaction.
// Losing the claim (conflict, or the task is no longer claimable) is the
// expected concurrency contract, not an error.
func (s *Service) claimAndDispatch(ctx context.Context, taskKey string) {
	var task models.ReminderTask

	err := s.store.Update(taskKey, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("task vanished: %s", taskKey)
		}
		if err := json.Unmarshal(current, &task); err != nil {
			return nil, err
		}
		if task.Status != models.TaskPending && task.Status != models.TaskFailed {
			return nil, errNotClaimable
		}
		task.Status = models.TaskDispatching
		task.Attempts++
		return json.Marshal(task)
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, errNotClaimable) {
			return
		}
		s.logger.Error("Failed to claim task %s: %v", taskKey, err)
		return
	}

	if err := s.dispatch(ctx, &task); err != nil {
		s.logger.Warn("Dispatch attempt %d for task %s failed: %v", task.Attempts, task.ID, err)
		s.recordFailure(taskKey, &task, err)
		return
	}
	s.recordSuccess(taskKey, &task)
}

func (s *Service) dispatch(ctx context.Context, task *models.ReminderTask) error {
	sr, err := s.series.Get(task.SeriesID)
	if err != nil {
		return fmt.Errorf("failed to load series: %w", err)
	}

	var instanceKey string
	if err := s.store.Get(storage.InstanceMappingKey(task.InstanceID), &instanceKey); err != nil {
		return fmt.Errorf("failed to resolve instance %s: %w", task.InstanceID, err)
	}
	var instance models.EventInstance
	if err := s.store.Get(instanceKey, &instance); err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}

	if instance.Status.Terminal() {
		return errInstanceClosed
	}

	payload, err := s.composer.Compose(sr, &instance, task.Kind)
	if err != nil {
		return fmt.Errorf("failed to compose payload: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	defer cancel()
	if err := s.gateway.Send(sendCtx, sr.Destination, payload); err != nil {
		return err
	}

	s.markReminded(instanceKey)
	return nil
}

func (s *Service) recordSuccess(taskKey string, task *models.ReminderTask) {
	now := s.clock.Now()
	err := s.store.Update(taskKey, func(current []byte) ([]byte, error) {
		var t models.ReminderTask
		if err := json.Unmarshal(current, &t); err != nil {
			return nil, err
		}
		t.Status = models.TaskDispatched
		t.DispatchedAt = now
		t.LastError = ""
		return json.Marshal(t)
	})
	if err != nil {
		s.logger.Error("Failed to mark task %s dispatched: %v", task.ID, err)
		return
	}
	s.logger.Info("Dispatched %s task %s", task.Kind, task.ID)
}

// recordFailure requeues with exponential backoff, or abandons after the
// retry budget. An abandoned task is surfaced loudly and never retried;
// the instance proceeds without that reminder.
func (s *Service) recordFailure(taskKey string, task *models.ReminderTask, dispatchErr error) {
	now := s.clock.Now()

	// A dispatch against a cancelled or completed instance is not retried.
	if errors.Is(dispatchErr, errInstanceClosed) {
		err := s.store.Update(taskKey, func(current []byte) ([]byte, error) {
			var t models.ReminderTask
			if err := json.Unmarshal(current, &t); err != nil {
				return nil, err
			}
			t.Status = models.TaskSkipped
			return json.Marshal(t)
		})
		if err != nil {
			s.logger.Error("Failed to skip task %s: %v", task.ID, err)
		}
		return
	}

	abandoned := task.Attempts >= s.opts.MaxAttempts
	backoff := s.backoff(task.Attempts)

	err := s.store.Update(taskKey, func(current []byte) ([]byte, error) {
		var t models.ReminderTask
		if err := json.Unmarshal(current, &t); err != nil {
			return nil, err
		}
		t.LastError = dispatchErr.Error()
		if abandoned {
			t.Status = models.TaskAbandoned
		} else {
			t.Status = models.TaskFailed
			t.NextAttemptAt = now.Add(backoff)
		}
		return json.Marshal(t)
	})
	if err != nil {
		s.logger.Error("Failed to record failure for task %s: %v", task.ID, err)
		return
	}

	if abandoned {
		// Operator-visible alert: this reminder will never fire.
		s.logger.Error("ALERT: task %s (%s for instance %s) abandoned after %d attempts: %v",
			task.ID, task.Kind, task.InstanceID, task.Attempts, dispatchErr)
	}
}

func (s *Service) backoff(attempts int) time.Duration {
	backoff := s.opts.RetryBackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	return backoff
}

// markReminded advances the instance lifecycle after the first
// successful reminder. Later lifecycle states are left alone.
func (s *Service) markReminded(instanceKey string) {
	now := s.clock.Now()
	err := s.store.Update(instanceKey, func(current []byte) ([]byte, error) {
		var instance models.EventInstance
		if err := json.Unmarshal(current, &instance); err != nil {
			return nil, err
		}
		if !instance.Status.CanTransitionTo(models.InstanceReminded) {
			return nil, nil
		}
		instance.Status = models.InstanceReminded
		instance.UpdatedAt = now
		return json.Marshal(instance)
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		s.logger.Error("Failed to mark instance reminded: %v", err)
	}
}

// advanceLifecycles moves instances whose scheduled time has passed to
// InProgress, and to Completed once the session duration has elapsed.
func (s *Service) advanceLifecycles() {
	keys, err := s.store.List("instance:")
	if err != nil {
		s.logger.Error("Failed to list instances: %v", err)
		return
	}

	now := s.clock.Now()
	for _, key := range keys {
		err := s.store.Update(key, func(current []byte) ([]byte, error) {
			var instance models.EventInstance
			if err := json.Unmarshal(current, &instance); err != nil {
				return nil, err
			}

			target := instance.Status
			switch {
			case now.After(instance.ScheduledAt.Add(s.opts.SessionDuration)):
				target = models.InstanceCompleted
			case now.After(instance.ScheduledAt):
				target = models.InstanceInProgress
			}
			if target == instance.Status || !instance.Status.CanTransitionTo(target) {
				return nil, nil
			}

			instance.Status = target
			instance.UpdatedAt = now
			return json.Marshal(instance)
		})
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			s.logger.Error("Failed to advance instance %s: %v", key, err)
		}
	}
}

// pruneTasks deletes terminal tasks whose fire time fell out of the
// retention window, keeping the per-tick task scan bounded. Pending and
// Failed tasks are never pruned; they still owe a dispatch or an
// abandonment decision.
func (s *Service) pruneTasks() {
	if s.opts.TaskRetention <= 0 {
		return
	}

	keys, err := s.store.List("task:")
	if err != nil {
		s.logger.Error("Failed to list tasks for pruning: %v", err)
		return
	}

	cutoff := s.clock.Now().Add(-s.opts.TaskRetention)
	pruned := 0
	for _, key := range keys {
		var task models.ReminderTask
		if err := s.store.Get(key, &task); err != nil {
			s.logger.Error("Failed to get task %s: %v", key, err)
			continue
		}
		switch task.Status {
		case models.TaskDispatched, models.TaskAbandoned, models.TaskSkipped:
		default:
			continue
		}
		if task.FireAt.After(cutoff) {
			continue
		}
		if err := s.store.Delete(key); err != nil {
			s.logger.Error("Failed to prune task %s: %v", key, err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		s.logger.Info("Pruned %d expired task(s)", pruned)
	}
}

// Watermark returns the time of the last completed tick.
func (s *Service) Watermark() (time.Time, error) {
	var watermark time.Time
	if err := s.store.Get(storage.WatermarkKey, &watermark); err != nil {
		return time.Time{}, err
	}
	return watermark, nil
}
