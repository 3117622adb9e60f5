// Package roster manages the participant list of a series: who belongs
// to the group, who is in the food rotation, and when each participant
// last carried a food assignment.
package roster

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/storage"
)

// Service provides roster management functionality
type Service struct {
	store  *storage.Store
	clock  clock.Clock
	logger *logger.Logger
}

// New creates a new roster service
func New(store *storage.Store, clk clock.Clock) *Service {
	return &Service{
		store:  store,
		clock:  clk,
		logger: logger.New("roster"),
	}
}

// Add registers a participant with a series. Re-adding an existing
// participant reactivates it without resetting its rotation watermark.
func (s *Service) Add(seriesID, participantID, name string, bringsFood bool) (*models.Participant, error) {
	key := storage.ParticipantKey(seriesID, participantID)

	var p models.Participant
	err := s.store.Get(key, &p)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to get participant: %w", err)
		}
		p = models.Participant{
			ID:       participantID,
			SeriesID: seriesID,
			AddedAt:  s.clock.Now(),
		}
	}

	p.Name = name
	p.BringsFood = bringsFood
	p.Active = true

	if err := s.store.Set(key, p); err != nil {
		return nil, fmt.Errorf("failed to store participant: %w", err)
	}
	return &p, nil
}

// Remove deactivates a participant. The record is kept so history and
// already-issued food assignments stay resolvable.
func (s *Service) Remove(seriesID, participantID string) error {
	key := storage.ParticipantKey(seriesID, participantID)

	var p models.Participant
	if err := s.store.Get(key, &p); err != nil {
		return fmt.Errorf("failed to get participant: %w", err)
	}

	p.Active = false
	return s.store.Set(key, p)
}

// Get returns one participant of a series.
func (s *Service) Get(seriesID, participantID string) (*models.Participant, error) {
	var p models.Participant
	if err := s.store.Get(storage.ParticipantKey(seriesID, participantID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns all participants of a series in stable id order.
func (s *Service) List(seriesID string) ([]models.Participant, error) {
	keys, err := s.store.List(storage.ParticipantKey(seriesID, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	participants := make([]models.Participant, 0, len(keys))
	for _, key := range keys {
		var p models.Participant
		if err := s.store.Get(key, &p); err != nil {
			s.logger.Error("Failed to get participant %s: %v", key, err)
			continue
		}
		participants = append(participants, p)
	}

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ID < participants[j].ID
	})
	return participants, nil
}

// ListEligibleForFood returns the active food-bringing participants of a
// series in stable id order.
func (s *Service) ListEligibleForFood(seriesID string) ([]models.Participant, error) {
	all, err := s.List(seriesID)
	if err != nil {
		return nil, err
	}

	eligible := make([]models.Participant, 0, len(all))
	for _, p := range all {
		if p.Active && p.BringsFood {
			eligible = append(eligible, p)
		}
	}
	return eligible, nil
}

// TouchLastAssigned records that a participant was handed a food
// assignment at the given time. Manual overrides go through here too, so
// an override counts against the participant's turn like a natural pick.
func (s *Service) TouchLastAssigned(seriesID, participantID string, at time.Time) error {
	key := storage.ParticipantKey(seriesID, participantID)

	var p models.Participant
	if err := s.store.Get(key, &p); err != nil {
		return fmt.Errorf("failed to get participant: %w", err)
	}

	p.LastAssignedAt = at
	return s.store.Set(key, p)
}
