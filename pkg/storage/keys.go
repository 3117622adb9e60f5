package storage

import (
	"fmt"
	"time"
)

// Key builders shared by every service. Instance keys embed the
// (series, timestamp) pair so materialization upserts are idempotent by
// construction; task keys embed kind and offset for the same reason.

// SeriesKey is the key of an EventSeries record.
func SeriesKey(seriesID string) string {
	return fmt.Sprintf("series:%s", seriesID)
}

// InstanceKey is the key of an EventInstance record. The timestamp is
// normalized to UTC unix seconds so equal instants collide regardless of
// the zone they were resolved in.
func InstanceKey(seriesID string, scheduledAt time.Time) string {
	return fmt.Sprintf("instance:%s:%011d", seriesID, scheduledAt.UTC().Unix())
}

// InstanceMappingKey maps an instance id back to its instance key, for
// lookups that only carry the id (inbound responses, admin panel).
func InstanceMappingKey(instanceID string) string {
	return fmt.Sprintf("instancemap:%s", instanceID)
}

// TaskKey is the key of a ReminderTask record.
func TaskKey(seriesID string, scheduledAt time.Time, kind string, offset time.Duration) string {
	return fmt.Sprintf("task:%s:%011d:%s:%d", seriesID, scheduledAt.UTC().Unix(), kind, int64(offset.Seconds()))
}

// FollowUpTaskKey is the key of an ad-hoc reminder task created outside
// materialization (e.g. notifying a replacement food provider). The nonce
// keeps it from colliding with the deterministic materialized tasks while
// still sorting under the same series prefix.
func FollowUpTaskKey(seriesID string, scheduledAt time.Time, kind, nonce string) string {
	return fmt.Sprintf("task:%s:%011d:%s:f%s", seriesID, scheduledAt.UTC().Unix(), kind, nonce)
}

// AttendanceKey is the key of an AttendanceRecord.
func AttendanceKey(instanceID, participantID string) string {
	return fmt.Sprintf("attendance:%s:%s", instanceID, participantID)
}

// FoodKey is the key of a FoodAssignment.
func FoodKey(instanceID string) string {
	return fmt.Sprintf("food:%s", instanceID)
}

// ParticipantKey is the key of a roster Participant.
func ParticipantKey(seriesID, participantID string) string {
	return fmt.Sprintf("participant:%s:%s", seriesID, participantID)
}

// WatermarkKey is the key the scheduler stores its last completed tick
// time under.
const WatermarkKey = "scheduler:watermark"
