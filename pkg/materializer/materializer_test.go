package materializer

import (
	"testing"
	"time"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/rotation"
	"github.com/korjavin/gamenight/pkg/series"
	"github.com/korjavin/gamenight/pkg/storage"
)

type fixture struct {
	store        *storage.Store
	clock        *clock.Manual
	roster       *roster.Service
	rotation     *rotation.Service
	series       *series.Service
	materializer *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) // Thursday
	rosterService := roster.New(store, clk)
	rotationService := rotation.New(store, rosterService, clk)
	seriesService := series.New(store, clk)

	return &fixture{
		store:        store,
		clock:        clk,
		roster:       rosterService,
		rotation:     rotationService,
		series:       seriesService,
		materializer: New(store, seriesService, rosterService, rotationService, clk, 14*24*time.Hour),
	}
}

func (f *fixture) createSeries(t *testing.T) *models.EventSeries {
	t.Helper()
	created, err := f.series.Create(models.EventSeries{
		Name:            "Friday game night",
		Rule:            models.RecurrenceRule{Cron: "0 18 * * 5", Timezone: "UTC"},
		ReminderOffsets: []time.Duration{24 * time.Hour, 2 * time.Hour},
		TrackAttendance: true,
		TrackFood:       true,
		Destination:     "-100123456",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return created
}

func TestMaterializeSeries(t *testing.T) {
	f := newFixture(t)
	sr := f.createSeries(t)

	created, err := f.materializer.MaterializeSeries(sr)
	if err != nil {
		t.Fatalf("MaterializeSeries() error: %v", err)
	}
	// Fridays Jan 2 and Jan 9 fall inside the 14-day horizon.
	if created != 2 {
		t.Fatalf("MaterializeSeries() created %d instances, want 2", created)
	}

	instances, err := f.materializer.InstancesForSeries(sr.ID)
	if err != nil {
		t.Fatalf("InstancesForSeries() error: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("InstancesForSeries() returned %d, want 2", len(instances))
	}
	if !instances[0].ScheduledAt.Equal(time.Date(2026, 1, 2, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("first instance at %v", instances[0].ScheduledAt)
	}
	if !instances[1].ScheduledAt.After(instances[0].ScheduledAt) {
		t.Error("instances not in chronological order")
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sr := f.createSeries(t)

	if _, err := f.materializer.MaterializeSeries(sr); err != nil {
		t.Fatalf("MaterializeSeries() error: %v", err)
	}
	created, err := f.materializer.MaterializeSeries(sr)
	if err != nil {
		t.Fatalf("second MaterializeSeries() error: %v", err)
	}
	if created != 0 {
		t.Errorf("re-materialization created %d instances, want 0", created)
	}

	instances, err := f.materializer.InstancesForSeries(sr.ID)
	if err != nil {
		t.Fatalf("InstancesForSeries() error: %v", err)
	}
	if len(instances) != 2 {
		t.Errorf("InstancesForSeries() returned %d after double materialization, want 2", len(instances))
	}

	// Task keys are deterministic too: 2 instances x 2 offsets x 2 kinds.
	tasks, err := f.store.List("task:" + sr.ID + ":")
	if err != nil {
		t.Fatalf("List(tasks) error: %v", err)
	}
	if len(tasks) != 8 {
		t.Errorf("found %d tasks, want 8", len(tasks))
	}
}

func TestTaskFireTimes(t *testing.T) {
	f := newFixture(t)
	sr := f.createSeries(t)

	if _, err := f.materializer.MaterializeSeries(sr); err != nil {
		t.Fatalf("MaterializeSeries() error: %v", err)
	}

	scheduledAt := time.Date(2026, 1, 2, 18, 0, 0, 0, time.UTC)
	key := storage.TaskKey(sr.ID, scheduledAt, string(models.TaskAttendanceReminder), 24*time.Hour)

	var task models.ReminderTask
	if err := f.store.Get(key, &task); err != nil {
		t.Fatalf("Get(task) error: %v", err)
	}
	if !task.FireAt.Equal(scheduledAt.Add(-24 * time.Hour)) {
		t.Errorf("FireAt = %v, want scheduled time minus offset", task.FireAt)
	}
	if task.Status != models.TaskPending {
		t.Errorf("task status = %s, want pending", task.Status)
	}
}

func TestMaterializeSeedsAttendance(t *testing.T) {
	f := newFixture(t)
	sr := f.createSeries(t)

	for _, id := range []string{"p1", "p2"} {
		if _, err := f.roster.Add(sr.ID, id, "Player "+id, true); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}
	if _, err := f.materializer.MaterializeSeries(sr); err != nil {
		t.Fatalf("MaterializeSeries() error: %v", err)
	}

	instances, err := f.materializer.InstancesForSeries(sr.ID)
	if err != nil {
		t.Fatalf("InstancesForSeries() error: %v", err)
	}

	var record models.AttendanceRecord
	if err := f.store.Get(storage.AttendanceKey(instances[0].ID, "p1"), &record); err != nil {
		t.Fatalf("Get(attendance) error: %v", err)
	}
	if record.Response != models.AttendanceNoResponse {
		t.Errorf("seeded response = %s, want none", record.Response)
	}
}

func TestMaterializeAllocatesFood(t *testing.T) {
	f := newFixture(t)
	sr := f.createSeries(t)

	if _, err := f.roster.Add(sr.ID, "p1", "Alice", true); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if _, err := f.materializer.MaterializeSeries(sr); err != nil {
		t.Fatalf("MaterializeSeries() error: %v", err)
	}

	instances, err := f.materializer.InstancesForSeries(sr.ID)
	if err != nil {
		t.Fatalf("InstancesForSeries() error: %v", err)
	}

	assignment, err := f.rotation.Get(instances[0].ID)
	if err != nil {
		t.Fatalf("rotation.Get() error: %v", err)
	}
	if assignment.ParticipantID != "p1" {
		t.Errorf("food assigned to %s, want p1", assignment.ParticipantID)
	}
}

func TestMaterializeRepairsInstanceMapping(t *testing.T) {
	f := newFixture(t)
	sr := f.createSeries(t)

	if _, err := f.materializer.MaterializeSeries(sr); err != nil {
		t.Fatalf("MaterializeSeries() error: %v", err)
	}
	instances, err := f.materializer.InstancesForSeries(sr.ID)
	if err != nil {
		t.Fatalf("InstancesForSeries() error: %v", err)
	}

	// A crash between the instance write and the mapping write leaves
	// the mapping missing; the next pass must restore it.
	mappingKey := storage.InstanceMappingKey(instances[0].ID)
	if err := f.store.Delete(mappingKey); err != nil {
		t.Fatalf("Delete(mapping) error: %v", err)
	}

	if _, err := f.materializer.MaterializeSeries(sr); err != nil {
		t.Fatalf("re-MaterializeSeries() error: %v", err)
	}

	var instanceKey string
	if err := f.store.Get(mappingKey, &instanceKey); err != nil {
		t.Fatalf("mapping not repaired: %v", err)
	}
	if want := storage.InstanceKey(sr.ID, instances[0].ScheduledAt); instanceKey != want {
		t.Errorf("repaired mapping = %s, want %s", instanceKey, want)
	}
}

func TestMaterializeRollsHorizonForward(t *testing.T) {
	f := newFixture(t)
	sr := f.createSeries(t)

	if _, err := f.materializer.MaterializeSeries(sr); err != nil {
		t.Fatalf("MaterializeSeries() error: %v", err)
	}

	// A week later the window reaches Jan 16; only that Friday is new.
	f.clock.Advance(7 * 24 * time.Hour)
	created, err := f.materializer.MaterializeSeries(sr)
	if err != nil {
		t.Fatalf("MaterializeSeries() after advance error: %v", err)
	}
	if created != 1 {
		t.Errorf("created %d instances after rolling forward, want 1", created)
	}
}
