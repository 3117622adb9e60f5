// Package materializer maintains the rolling horizon of concrete event
// instances generated from each active series. Creation is keyed on the
// (series, timestamp) uniqueness invariant, so running it twice — or
// crashing halfway and running again — never duplicates an instance.
package materializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/recurrence"
	"github.com/korjavin/gamenight/pkg/rotation"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/series"
	"github.com/korjavin/gamenight/pkg/storage"
)

// Service provides event instance materialization
type Service struct {
	store    *storage.Store
	series   *series.Service
	roster   *roster.Service
	rotation *rotation.Service
	clock    clock.Clock
	horizon  time.Duration
	logger   *logger.Logger
}

// New creates a new materializer service
func New(
	store *storage.Store,
	seriesService *series.Service,
	rosterService *roster.Service,
	rotationService *rotation.Service,
	clk clock.Clock,
	horizon time.Duration,
) *Service {
	return &Service{
		store:    store,
		series:   seriesService,
		roster:   rosterService,
		rotation: rotationService,
		clock:    clk,
		horizon:  horizon,
		logger:   logger.New("materializer"),
	}
}

// MaterializeAll rolls the horizon forward for every active series.
// Per-series failures are logged and contained; one bad series must not
// starve the rest.
func (s *Service) MaterializeAll() {
	active, err := s.series.ListActive()
	if err != nil {
		s.logger.Error("Failed to list active series: %v", err)
		return
	}

	for i := range active {
		if _, err := s.MaterializeSeries(&active[i]); err != nil {
			s.logger.Error("Failed to materialize series %s: %v", active[i].ID, err)
		}
	}
}

// MaterializeSeries creates the missing instances and reminder tasks of
// one series inside [now, now+horizon) and returns how many instances
// were newly created.
func (s *Service) MaterializeSeries(sr *models.EventSeries) (int, error) {
	now := s.clock.Now()
	instants, err := recurrence.Resolve(sr.Rule, now, now.Add(s.horizon))
	if err != nil {
		if errors.Is(err, recurrence.ErrEmptyRange) {
			s.logger.Warn("Empty materialization window for series %s: %v", sr.ID, err)
			return 0, nil
		}
		return 0, err
	}

	created := 0
	for _, at := range instants {
		instance, isNew, err := s.ensureInstance(sr, at, now)
		if err != nil {
			s.logger.Error("Failed to materialize instance of %s at %s: %v", sr.ID, at, err)
			continue
		}
		if isNew {
			created++
		}
		if instance.Status.Terminal() {
			continue
		}

		s.ensureTasks(sr, instance, at)

		if isNew && sr.TrackAttendance {
			s.seedAttendance(sr.ID, instance.ID, now)
		}
		if sr.TrackFood {
			if _, err := s.rotation.Allocate(sr.ID, instance.ID); err != nil && !errors.Is(err, rotation.ErrNoCandidate) {
				s.logger.Error("Failed to allocate food for instance %s: %v", instance.ID, err)
			}
		}
	}

	if created > 0 {
		s.logger.Info("Materialized %d new instance(s) for series %s", created, sr.ID)
	}
	return created, nil
}

// ensureInstance creates the instance for (series, at) if it is missing.
// The create-if-absent runs inside one storage transaction, which is what
// makes overlapping ticks safe.
func (s *Service) ensureInstance(sr *models.EventSeries, at, now time.Time) (*models.EventInstance, bool, error) {
	key := storage.InstanceKey(sr.ID, at)

	isNew := false
	candidate := models.EventInstance{
		ID:          uuid.NewString(),
		SeriesID:    sr.ID,
		ScheduledAt: at.UTC(),
		Status:      models.InstanceScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.Update(key, func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, nil
		}
		isNew = true
		return json.Marshal(candidate)
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another materialization created it first.
			isNew = false
		} else {
			return nil, false, err
		}
	}

	var instance models.EventInstance
	if err := s.store.Get(key, &instance); err != nil {
		return nil, false, err
	}

	// The mapping is deterministic, so rewriting it every pass repairs a
	// mapping lost to a crash between the instance write and this one.
	if err := s.store.Set(storage.InstanceMappingKey(instance.ID), key); err != nil {
		return nil, false, fmt.Errorf("failed to store instance mapping: %w", err)
	}
	return &instance, isNew, nil
}

// ensureTasks upserts one reminder task per configured offset and kind.
// Task keys are deterministic, so re-running is a no-op. A fire-at in the
// past is intentional: the scheduler picks it up on the next tick and the
// reminder goes out late rather than never.
func (s *Service) ensureTasks(sr *models.EventSeries, instance *models.EventInstance, at time.Time) {
	var kinds []models.TaskKind
	if sr.TrackAttendance {
		kinds = append(kinds, models.TaskAttendanceReminder)
	}
	if sr.TrackFood {
		kinds = append(kinds, models.TaskFoodReminder)
	}

	for _, offset := range sr.ReminderOffsets {
		for _, kind := range kinds {
			key := storage.TaskKey(sr.ID, at, string(kind), offset)
			task := models.ReminderTask{
				ID:         uuid.NewString(),
				InstanceID: instance.ID,
				SeriesID:   sr.ID,
				Kind:       kind,
				FireAt:     at.Add(-offset).UTC(),
				Status:     models.TaskPending,
			}

			err := s.store.Update(key, func(current []byte) ([]byte, error) {
				if current != nil {
					return nil, nil
				}
				return json.Marshal(task)
			})
			if err != nil && !errors.Is(err, storage.ErrConflict) {
				s.logger.Error("Failed to upsert task %s: %v", key, err)
			}
		}
	}
}

// seedAttendance creates NoResponse records for the current roster so
// the attendance summary has a complete denominator from the start.
func (s *Service) seedAttendance(seriesID, instanceID string, now time.Time) {
	participants, err := s.roster.List(seriesID)
	if err != nil {
		s.logger.Error("Failed to list participants of %s: %v", seriesID, err)
		return
	}

	for _, p := range participants {
		if !p.Active {
			continue
		}
		record := models.AttendanceRecord{
			InstanceID:    instanceID,
			ParticipantID: p.ID,
			Response:      models.AttendanceNoResponse,
			UpdatedAt:     now,
		}
		key := storage.AttendanceKey(instanceID, p.ID)
		err := s.store.Update(key, func(current []byte) ([]byte, error) {
			if current != nil {
				return nil, nil
			}
			return json.Marshal(record)
		})
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			s.logger.Error("Failed to seed attendance for %s/%s: %v", instanceID, p.ID, err)
		}
	}
}

// InstancesForSeries returns the stored instances of a series in
// timestamp order (the key encoding sorts chronologically).
func (s *Service) InstancesForSeries(seriesID string) ([]models.EventInstance, error) {
	keys, err := s.store.List(fmt.Sprintf("instance:%s:", seriesID))
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	instances := make([]models.EventInstance, 0, len(keys))
	for _, key := range keys {
		var instance models.EventInstance
		if err := s.store.Get(key, &instance); err != nil {
			s.logger.Error("Failed to get instance %s: %v", key, err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
