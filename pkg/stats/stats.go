// Package stats summarizes attendance and food-rotation history for
// reminder messages and the admin panel.
package stats

import (
	"fmt"
	"sort"
	"time"

	"github.com/korjavin/gamenight/pkg/logger"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/storage"
)

// AttendanceSummary aggregates the responses for one instance.
type AttendanceSummary struct {
	Yes        []string `json:"yes"`
	No         []string `json:"no"`
	Maybe      []string `json:"maybe"`
	NoResponse []string `json:"no_response"`
}

// FoodHistoryEntry records who brought food to a past session.
type FoodHistoryEntry struct {
	ParticipantID string    `json:"participant_id"`
	Name          string    `json:"name"`
	Date          time.Time `json:"date"`
}

// Service provides statistics functionality
type Service struct {
	store  *storage.Store
	roster *roster.Service
	logger *logger.Logger
}

// New creates a new statistics service
func New(store *storage.Store, rosterService *roster.Service) *Service {
	return &Service{
		store:  store,
		roster: rosterService,
		logger: logger.New("stats"),
	}
}

// Attendance returns the grouped responses for an instance, with
// participant names resolved through the roster.
func (s *Service) Attendance(seriesID, instanceID string) (*AttendanceSummary, error) {
	keys, err := s.store.List(storage.AttendanceKey(instanceID, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", err)
	}

	summary := &AttendanceSummary{}
	for _, key := range keys {
		var record models.AttendanceRecord
		if err := s.store.Get(key, &record); err != nil {
			s.logger.Error("Failed to get attendance record %s: %v", key, err)
			continue
		}

		name := record.ParticipantID
		if p, err := s.roster.Get(seriesID, record.ParticipantID); err == nil {
			name = p.Name
		}

		switch record.Response {
		case models.AttendanceYes:
			summary.Yes = append(summary.Yes, name)
		case models.AttendanceNo:
			summary.No = append(summary.No, name)
		case models.AttendanceMaybe:
			summary.Maybe = append(summary.Maybe, name)
		default:
			summary.NoResponse = append(summary.NoResponse, name)
		}
	}

	sort.Strings(summary.Yes)
	sort.Strings(summary.No)
	sort.Strings(summary.Maybe)
	sort.Strings(summary.NoResponse)
	return summary, nil
}

// FoodHistory returns who carried the food assignment for the most
// recent sessions of a series, newest first.
func (s *Service) FoodHistory(seriesID string, limit int) ([]FoodHistoryEntry, error) {
	keys, err := s.store.List(fmt.Sprintf("instance:%s:", seriesID))
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	var entries []FoodHistoryEntry
	for _, key := range keys {
		var instance models.EventInstance
		if err := s.store.Get(key, &instance); err != nil {
			s.logger.Error("Failed to get instance %s: %v", key, err)
			continue
		}
		if instance.Status == models.InstanceCancelled {
			continue
		}

		var assignment models.FoodAssignment
		if err := s.store.Get(storage.FoodKey(instance.ID), &assignment); err != nil {
			continue
		}
		if assignment.ParticipantID == "" || assignment.Status == models.AssignmentSkipped {
			continue
		}

		name := assignment.ParticipantID
		if p, err := s.roster.Get(seriesID, assignment.ParticipantID); err == nil {
			name = p.Name
		}
		entries = append(entries, FoodHistoryEntry{
			ParticipantID: assignment.ParticipantID,
			Name:          name,
			Date:          instance.ScheduledAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date.After(entries[j].Date)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
