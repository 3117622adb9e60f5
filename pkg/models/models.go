package models

import (
	"time"
)

// RecurrenceRule describes when a series fires. Exactly one of Cron or
// RRule is set; both are interpreted in Timezone. NotBefore/NotAfter
// optionally bound the rule.
type RecurrenceRule struct {
	Cron      string     `json:"cron,omitempty"`
	RRule     string     `json:"rrule,omitempty"`
	Timezone  string     `json:"timezone"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

// EventSeries is a recurring session definition for one group.
type EventSeries struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Rule            RecurrenceRule  `json:"rule"`
	ReminderOffsets []time.Duration `json:"reminder_offsets"`
	TrackAttendance bool            `json:"track_attendance"`
	TrackFood       bool            `json:"track_food"`
	Destination     string          `json:"destination"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InstanceStatus is the lifecycle state of a materialized occurrence.
type InstanceStatus string

const (
	InstanceScheduled  InstanceStatus = "scheduled"
	InstanceReminded   InstanceStatus = "reminded"
	InstanceInProgress InstanceStatus = "in_progress"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceCancelled  InstanceStatus = "cancelled"
)

// instanceRank orders the forward-only lifecycle. Cancelled is reachable
// from any non-terminal state and is handled separately.
var instanceRank = map[InstanceStatus]int{
	InstanceScheduled:  0,
	InstanceReminded:   1,
	InstanceInProgress: 2,
	InstanceCompleted:  3,
}

// Terminal reports whether no further transitions are allowed.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled
}

// CanTransitionTo reports whether moving from s to next preserves the
// monotonic lifecycle order.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == InstanceCancelled {
		return true
	}
	from, ok := instanceRank[s]
	if !ok {
		return false
	}
	to, ok := instanceRank[next]
	if !ok {
		return false
	}
	return to > from
}

// EventInstance is one concrete occurrence of a series. ScheduledAt is
// stored as an absolute instant; the (SeriesID, ScheduledAt) pair is
// unique and doubles as the storage key.
type EventInstance struct {
	ID          string         `json:"id"`
	SeriesID    string         `json:"series_id"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Status      InstanceStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TaskKind distinguishes what a reminder task announces.
type TaskKind string

const (
	TaskAttendanceReminder TaskKind = "attendance_reminder"
	TaskFoodReminder       TaskKind = "food_reminder"
)

// TaskStatus is the dispatch state machine of a reminder task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDispatching TaskStatus = "dispatching"
	TaskDispatched  TaskStatus = "dispatched"
	TaskFailed      TaskStatus = "failed"
	TaskAbandoned   TaskStatus = "abandoned"
	TaskSkipped     TaskStatus = "skipped"
)

// ReminderTask is a unit of due outbound work tied to an instance.
type ReminderTask struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	SeriesID      string     `json:"series_id"`
	Kind          TaskKind   `json:"kind"`
	FireAt        time.Time  `json:"fire_at"`
	Status        TaskStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at,omitempty"`
	DispatchedAt  time.Time  `json:"dispatched_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// AttendanceResponse is a participant's answer for one instance.
type AttendanceResponse string

const (
	AttendanceYes        AttendanceResponse = "yes"
	AttendanceNo         AttendanceResponse = "no"
	AttendanceMaybe      AttendanceResponse = "maybe"
	AttendanceNoResponse AttendanceResponse = "none"
)

// AttendanceRecord is unique per (instance, participant).
type AttendanceRecord struct {
	InstanceID    string             `json:"instance_id"`
	ParticipantID string             `json:"participant_id"`
	Response      AttendanceResponse `json:"response"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// AssignmentStatus is the state of a food assignment.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentConfirmed AssignmentStatus = "confirmed"
	AssignmentDeclined  AssignmentStatus = "declined"
	AssignmentSkipped   AssignmentStatus = "skipped"
)

// FoodAssignment is unique per instance. Declined accumulates the
// participants excluded from reassignment for this instance only.
type FoodAssignment struct {
	InstanceID    string           `json:"instance_id"`
	SeriesID      string           `json:"series_id"`
	ParticipantID string           `json:"participant_id"`
	Status        AssignmentStatus `json:"status"`
	Declined      []string         `json:"declined,omitempty"`
	AssignedAt    time.Time        `json:"assigned_at"`
}

// DeclinedBy reports whether the participant already declined this
// instance's assignment.
func (a *FoodAssignment) DeclinedBy(participantID string) bool {
	for _, id := range a.Declined {
		if id == participantID {
			return true
		}
	}
	return false
}

// Participant is a roster member of one series.
type Participant struct {
	ID             string    `json:"id"`
	SeriesID       string    `json:"series_id"`
	Name           string    `json:"name"`
	BringsFood     bool      `json:"brings_food"`
	Active         bool      `json:"active"`
	LastAssignedAt time.Time `json:"last_assigned_at,omitempty"`
	AddedAt        time.Time `json:"added_at"`
}

// ResponseKind classifies an inbound participant response.
type ResponseKind string

const (
	ResponseAttendanceYes   ResponseKind = "attendance_yes"
	ResponseAttendanceNo    ResponseKind = "attendance_no"
	ResponseAttendanceMaybe ResponseKind = "attendance_maybe"
	ResponseFoodConfirm     ResponseKind = "food_confirm"
	ResponseFoodDecline     ResponseKind = "food_decline"
)

// InboundResponse is a participant action delivered by the chat transport.
type InboundResponse struct {
	InstanceID    string       `json:"instance_id"`
	ParticipantID string       `json:"participant_id"`
	Kind          ResponseKind `json:"kind"`
	ReceivedAt    time.Time    `json:"received_at"`
}
