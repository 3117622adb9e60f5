// Package rotation implements the food-provider rotation: a
// deterministic round-robin over a series' eligible participants, driven
// by each participant's last-assigned watermark.
package rotation

import (
	"errors"
	"fmt"
	"time"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/storage"
)

// ErrNoCandidate is returned when every eligible participant is excluded
// for the instance. The assignment is marked Skipped in that case.
var ErrNoCandidate = errors.New("no eligible food participant")

// ErrNotEligible is returned by Override when the requested participant
// is not an active food-bringing member of the series.
var ErrNotEligible = errors.New("participant not eligible for food rotation")

// Service provides food rotation functionality
type Service struct {
	store  *storage.Store
	roster *roster.Service
	clock  clock.Clock
	logger *logger.Logger
}

// New creates a new rotation service
func New(store *storage.Store, rosterService *roster.Service, clk clock.Clock) *Service {
	return &Service{
		store:  store,
		roster: rosterService,
		clock:  clk,
		logger: logger.New("rotation"),
	}
}

// Allocate assigns a food provider to the instance if it does not have
// one yet. Calling it again for the same instance is a no-op, which keeps
// materialization idempotent.
func (s *Service) Allocate(seriesID, instanceID string) (*models.FoodAssignment, error) {
	key := storage.FoodKey(instanceID)

	var existing models.FoodAssignment
	err := s.store.Get(key, &existing)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to get food assignment: %w", err)
	}

	assignment := models.FoodAssignment{
		InstanceID: instanceID,
		SeriesID:   seriesID,
	}
	return s.assign(&assignment)
}

// Reassign records a decline and immediately picks a different provider,
// excluding everyone who already declined this instance.
func (s *Service) Reassign(instanceID, decliningParticipantID string) (*models.FoodAssignment, error) {
	key := storage.FoodKey(instanceID)

	var assignment models.FoodAssignment
	if err := s.store.Get(key, &assignment); err != nil {
		return nil, fmt.Errorf("failed to get food assignment: %w", err)
	}

	if !assignment.DeclinedBy(decliningParticipantID) {
		assignment.Declined = append(assignment.Declined, decliningParticipantID)
	}
	return s.assign(&assignment)
}

// Override sets the assignment to an administrator-chosen participant.
// The participant's last-assigned watermark is updated as if the rotation
// had picked them naturally, so the override does not skew fairness.
func (s *Service) Override(seriesID, instanceID, participantID string) (*models.FoodAssignment, error) {
	p, err := s.roster.Get(seriesID, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	if !p.Active || !p.BringsFood {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, participantID)
	}

	key := storage.FoodKey(instanceID)
	var assignment models.FoodAssignment
	if err := s.store.Get(key, &assignment); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to get food assignment: %w", err)
		}
		assignment = models.FoodAssignment{
			InstanceID: instanceID,
			SeriesID:   seriesID,
		}
	}

	eligible, err := s.roster.ListEligibleForFood(seriesID)
	if err != nil {
		return nil, err
	}
	watermark := s.nextWatermark(eligible)

	assignment.ParticipantID = participantID
	assignment.Status = models.AssignmentAssigned
	assignment.AssignedAt = watermark

	if err := s.store.Set(key, assignment); err != nil {
		return nil, fmt.Errorf("failed to store food assignment: %w", err)
	}
	if err := s.roster.TouchLastAssigned(seriesID, participantID, watermark); err != nil {
		return nil, err
	}

	s.logger.Info("Manually assigned %s to bring food for instance %s", participantID, instanceID)
	return &assignment, nil
}

// SetStatus transitions the assignment status without changing the
// provider (confirm, or skip on series cancellation).
func (s *Service) SetStatus(instanceID string, status models.AssignmentStatus) (*models.FoodAssignment, error) {
	key := storage.FoodKey(instanceID)

	var assignment models.FoodAssignment
	if err := s.store.Get(key, &assignment); err != nil {
		return nil, fmt.Errorf("failed to get food assignment: %w", err)
	}

	assignment.Status = status
	if err := s.store.Set(key, assignment); err != nil {
		return nil, fmt.Errorf("failed to store food assignment: %w", err)
	}
	return &assignment, nil
}

// Get returns the assignment of an instance.
func (s *Service) Get(instanceID string) (*models.FoodAssignment, error) {
	var assignment models.FoodAssignment
	if err := s.store.Get(storage.FoodKey(instanceID), &assignment); err != nil {
		return nil, err
	}
	return &assignment, nil
}

// assign picks the candidate with the oldest last-assigned watermark
// (ties broken by ascending participant id — roster listing is already in
// id order) and persists the assignment.
func (s *Service) assign(assignment *models.FoodAssignment) (*models.FoodAssignment, error) {
	eligible, err := s.roster.ListEligibleForFood(assignment.SeriesID)
	if err != nil {
		return nil, err
	}

	var chosen *models.Participant
	for i := range eligible {
		p := &eligible[i]
		if assignment.DeclinedBy(p.ID) {
			continue
		}
		if chosen == nil || p.LastAssignedAt.Before(chosen.LastAssignedAt) {
			chosen = p
		}
	}

	key := storage.FoodKey(assignment.InstanceID)
	if chosen == nil {
		assignment.ParticipantID = ""
		assignment.Status = models.AssignmentSkipped
		assignment.AssignedAt = s.clock.Now()
		if err := s.store.Set(key, *assignment); err != nil {
			return nil, fmt.Errorf("failed to store food assignment: %w", err)
		}
		s.logger.Warn("No candidate to bring food for instance %s, marking skipped", assignment.InstanceID)
		return assignment, fmt.Errorf("%w: instance %s", ErrNoCandidate, assignment.InstanceID)
	}

	watermark := s.nextWatermark(eligible)
	assignment.ParticipantID = chosen.ID
	assignment.Status = models.AssignmentAssigned
	assignment.AssignedAt = watermark

	if err := s.store.Set(key, *assignment); err != nil {
		return nil, fmt.Errorf("failed to store food assignment: %w", err)
	}
	if err := s.roster.TouchLastAssigned(assignment.SeriesID, chosen.ID, watermark); err != nil {
		return nil, err
	}

	s.logger.Info("Assigned %s to bring food for instance %s", chosen.ID, assignment.InstanceID)
	return assignment, nil
}

// nextWatermark returns a last-assigned timestamp strictly newer than
// every existing watermark in the roster. Several assignments can land
// inside one scheduler tick; without this the rotation order would
// degenerate to the id tie-break.
func (s *Service) nextWatermark(eligible []models.Participant) time.Time {
	watermark := s.clock.Now()
	for _, p := range eligible {
		if !p.LastAssignedAt.Before(watermark) {
			watermark = p.LastAssignedAt.Add(time.Nanosecond)
		}
	}
	return watermark
}
