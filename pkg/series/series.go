// Package series implements the administrative operations on recurring
// event definitions: create, edit, cancel. All invariants are validated
// here, at the boundary, so malformed rules never reach the scheduler.
package series

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/recurrence"
	"github.com/korjavin/gamenight/pkg/storage"
)

// ErrNotFound is returned when a series does not exist.
var ErrNotFound = errors.New("series not found")

// ErrValidation is returned for definitions that violate the data model
// (bad offsets, missing name or destination).
var ErrValidation = errors.New("invalid series definition")

// Service provides series management functionality
type Service struct {
	store  *storage.Store
	clock  clock.Clock
	logger *logger.Logger
}

// New creates a new series service
func New(store *storage.Store, clk clock.Clock) *Service {
	return &Service{
		store:  store,
		clock:  clk,
		logger: logger.New("series"),
	}
}

// Create validates and stores a new series.
func (s *Service) Create(def models.EventSeries) (*models.EventSeries, error) {
	if err := validate(def); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	def.ID = uuid.NewString()
	def.Active = true
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.store.Set(storage.SeriesKey(def.ID), def); err != nil {
		return nil, fmt.Errorf("failed to store series: %w", err)
	}

	s.logger.Info("Created series %s (%s)", def.ID, def.Name)
	return &def, nil
}

// Update replaces the mutable fields of a series. Recurrence edits only
// affect future materialization; instances that already exist keep their
// timestamps.
func (s *Service) Update(id string, def models.EventSeries) (*models.EventSeries, error) {
	if err := validate(def); err != nil {
		return nil, err
	}

	key := storage.SeriesKey(id)
	var existing models.EventSeries
	if err := s.store.Get(key, &existing); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get series: %w", err)
	}

	existing.Name = def.Name
	existing.Rule = def.Rule
	existing.ReminderOffsets = def.ReminderOffsets
	existing.TrackAttendance = def.TrackAttendance
	existing.TrackFood = def.TrackFood
	existing.Destination = def.Destination
	existing.UpdatedAt = s.clock.Now()

	if err := s.store.Set(key, existing); err != nil {
		return nil, fmt.Errorf("failed to store series: %w", err)
	}

	s.logger.Info("Updated series %s (%s)", existing.ID, existing.Name)
	return &existing, nil
}

// Cancel deactivates a series, cancels its future non-terminal instances
// and marks their pending reminder tasks skipped. Nothing is deleted.
func (s *Service) Cancel(id string) error {
	key := storage.SeriesKey(id)
	var existing models.EventSeries
	if err := s.store.Get(key, &existing); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to get series: %w", err)
	}

	existing.Active = false
	existing.UpdatedAt = s.clock.Now()
	if err := s.store.Set(key, existing); err != nil {
		return fmt.Errorf("failed to store series: %w", err)
	}

	now := s.clock.Now()
	instanceKeys, err := s.store.List(fmt.Sprintf("instance:%s:", id))
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	for _, instanceKey := range instanceKeys {
		var instance models.EventInstance
		if err := s.store.Get(instanceKey, &instance); err != nil {
			s.logger.Error("Failed to get instance %s: %v", instanceKey, err)
			continue
		}
		if instance.Status.Terminal() || instance.ScheduledAt.Before(now) {
			continue
		}

		instance.Status = models.InstanceCancelled
		instance.UpdatedAt = now
		if err := s.store.Set(instanceKey, instance); err != nil {
			s.logger.Error("Failed to cancel instance %s: %v", instanceKey, err)
		}
	}

	taskKeys, err := s.store.List(fmt.Sprintf("task:%s:", id))
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	for _, taskKey := range taskKeys {
		var task models.ReminderTask
		if err := s.store.Get(taskKey, &task); err != nil {
			s.logger.Error("Failed to get task %s: %v", taskKey, err)
			continue
		}
		if task.Status != models.TaskPending && task.Status != models.TaskFailed {
			continue
		}

		task.Status = models.TaskSkipped
		if err := s.store.Set(taskKey, task); err != nil {
			s.logger.Error("Failed to skip task %s: %v", taskKey, err)
		}
	}

	s.logger.Info("Cancelled series %s (%s)", existing.ID, existing.Name)
	return nil
}

// Get returns one series.
func (s *Service) Get(id string) (*models.EventSeries, error) {
	var series models.EventSeries
	if err := s.store.Get(storage.SeriesKey(id), &series); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &series, nil
}

// List returns all series.
func (s *Service) List() ([]models.EventSeries, error) {
	keys, err := s.store.List("series:")
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}

	all := make([]models.EventSeries, 0, len(keys))
	for _, key := range keys {
		var series models.EventSeries
		if err := s.store.Get(key, &series); err != nil {
			s.logger.Error("Failed to get series %s: %v", key, err)
			continue
		}
		all = append(all, series)
	}
	return all, nil
}

// ListActive returns all active series.
func (s *Service) ListActive() ([]models.EventSeries, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	active := make([]models.EventSeries, 0, len(all))
	for _, series := range all {
		if series.Active {
			active = append(active, series)
		}
	}
	return active, nil
}

func validate(def models.EventSeries) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if def.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}
	for _, offset := range def.ReminderOffsets {
		if offset <= 0 {
			return fmt.Errorf("%w: reminder offsets must be positive, got %v", ErrValidation, offset)
		}
	}
	return recurrence.Validate(def.Rule)
}
