// Package reconciler ingests asynchronous participant responses from the
// chat transport and folds them into durable attendance and food state.
// It runs on its own delivery path with no blocking relationship to the
// scheduler tick loop.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/rotation"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/storage"
)

// ErrUnknownReference indicates a response naming an instance or
// participant that does not exist. Such responses are stale or malicious;
// they are logged and dropped, never retried.
var ErrUnknownReference = errors.New("unknown instance or participant reference")

// ErrStaleResponse indicates an out-of-order attendance response whose
// received-at is older than the stored record. Stored state is unchanged.
var ErrStaleResponse = errors.New("stale response")

// ErrNotAssignee indicates a food acknowledgement from a participant who
// does not hold the assignment.
var ErrNotAssignee = errors.New("responder is not the assigned food provider")

// Service provides response reconciliation
type Service struct {
	store    *storage.Store
	roster   *roster.Service
	rotation *rotation.Service
	clock    clock.Clock
	logger   *logger.Logger
}

// New creates a new reconciler service
func New(store *storage.Store, rosterService *roster.Service, rotationService *rotation.Service, clk clock.Clock) *Service {
	return &Service{
		store:    store,
		roster:   rosterService,
		rotation: rotationService,
		clock:    clk,
		logger:   logger.New("reconciler"),
	}
}

// Run consumes responses from the transport until the channel closes or
// the context is cancelled. Per-response failures are contained.
func (s *Service) Run(ctx context.Context, responses <-chan models.InboundResponse) {
	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				return
			}
			if err := s.Handle(resp); err != nil {
				switch {
				case errors.Is(err, ErrStaleResponse):
					s.logger.Debug("Dropped stale response from %s for instance %s", resp.ParticipantID, resp.InstanceID)
				case errors.Is(err, ErrUnknownReference):
					s.logger.Warn("Dropped response with unknown reference: %v", err)
				default:
					s.logger.Error("Failed to handle response: %v", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Handle applies one response to durable state.
func (s *Service) Handle(resp models.InboundResponse) error {
	instance, err := s.resolveInstance(resp.InstanceID)
	if err != nil {
		return err
	}

	if _, err := s.roster.Get(instance.SeriesID, resp.ParticipantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: participant %s", ErrUnknownReference, resp.ParticipantID)
		}
		return err
	}

	switch resp.Kind {
	case models.ResponseAttendanceYes:
		return s.recordAttendance(instance, resp, models.AttendanceYes)
	case models.ResponseAttendanceNo:
		return s.recordAttendance(instance, resp, models.AttendanceNo)
	case models.ResponseAttendanceMaybe:
		return s.recordAttendance(instance, resp, models.AttendanceMaybe)
	case models.ResponseFoodConfirm:
		return s.confirmFood(instance, resp)
	case models.ResponseFoodDecline:
		return s.declineFood(instance, resp)
	default:
		return fmt.Errorf("unknown response kind: %s", resp.Kind)
	}
}

func (s *Service) resolveInstance(instanceID string) (*models.EventInstance, error) {
	var instanceKey string
	if err := s.store.Get(storage.InstanceMappingKey(instanceID), &instanceKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: instance %s", ErrUnknownReference, instanceID)
		}
		return nil, err
	}

	var instance models.EventInstance
	if err := s.store.Get(instanceKey, &instance); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: instance %s", ErrUnknownReference, instanceID)
		}
		return nil, err
	}
	return &instance, nil
}

// recordAttendance upserts the record, keeping only the most recent
// response. The received-at guard rejects out-of-order deliveries without
// touching stored state.
func (s *Service) recordAttendance(instance *models.EventInstance, resp models.InboundResponse, answer models.AttendanceResponse) error {
	key := storage.AttendanceKey(instance.ID, resp.ParticipantID)

	stale := false
	err := s.store.Update(key, func(current []byte) ([]byte, error) {
		record := models.AttendanceRecord{
			InstanceID:    instance.ID,
			ParticipantID: resp.ParticipantID,
		}
		if current != nil {
			if err := json.Unmarshal(current, &record); err != nil {
				return nil, err
			}
			if record.Response != models.AttendanceNoResponse && resp.ReceivedAt.Before(record.UpdatedAt) {
				stale = true
				return nil, nil
			}
		}
		record.Response = answer
		record.UpdatedAt = resp.ReceivedAt
		return json.Marshal(record)
	})
	if err != nil {
		return fmt.Errorf("failed to record attendance: %w", err)
	}
	if stale {
		return fmt.Errorf("%w: %s for instance %s", ErrStaleResponse, resp.ParticipantID, instance.ID)
	}

	s.logger.Info("Recorded attendance %s from %s for instance %s", answer, resp.ParticipantID, instance.ID)
	return nil
}

func (s *Service) confirmFood(instance *models.EventInstance, resp models.InboundResponse) error {
	assignment, err := s.rotation.Get(instance.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: no food assignment for instance %s", ErrUnknownReference, instance.ID)
		}
		return err
	}
	if assignment.ParticipantID != resp.ParticipantID {
		return fmt.Errorf("%w: %s", ErrNotAssignee, resp.ParticipantID)
	}

	if _, err := s.rotation.SetStatus(instance.ID, models.AssignmentConfirmed); err != nil {
		return err
	}
	s.logger.Info("%s confirmed bringing food for instance %s", resp.ParticipantID, instance.ID)
	return nil
}

// declineFood reassigns immediately and queues a follow-up notification
// task so the replacement provider hears about it on the next tick.
func (s *Service) declineFood(instance *models.EventInstance, resp models.InboundResponse) error {
	assignment, err := s.rotation.Get(instance.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: no food assignment for instance %s", ErrUnknownReference, instance.ID)
		}
		return err
	}
	if assignment.ParticipantID != resp.ParticipantID {
		return fmt.Errorf("%w: %s", ErrNotAssignee, resp.ParticipantID)
	}

	reassigned, err := s.rotation.Reassign(instance.ID, resp.ParticipantID)
	if err != nil {
		if errors.Is(err, rotation.ErrNoCandidate) {
			s.logger.Warn("Food assignment for instance %s skipped, everyone declined", instance.ID)
			return nil
		}
		return err
	}

	s.logger.Info("%s declined, reassigned food for instance %s to %s",
		resp.ParticipantID, instance.ID, reassigned.ParticipantID)
	return s.queueFoodNotification(instance)
}

func (s *Service) queueFoodNotification(instance *models.EventInstance) error {
	now := s.clock.Now()
	task := models.ReminderTask{
		ID:         uuid.NewString(),
		InstanceID: instance.ID,
		SeriesID:   instance.SeriesID,
		Kind:       models.TaskFoodReminder,
		FireAt:     now,
		Status:     models.TaskPending,
	}

	key := storage.FollowUpTaskKey(instance.SeriesID, instance.ScheduledAt, string(models.TaskFoodReminder), task.ID)
	if err := s.store.Set(key, task); err != nil {
		return fmt.Errorf("failed to queue follow-up food task: %w", err)
	}
	return nil
}
