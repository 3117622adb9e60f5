package series

import (
	"errors"
	"testing"
	"time"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/recurrence"
	"github.com/korjavin/gamenight/pkg/storage"
)

func newTestService(t *testing.T) (*Service, *storage.Store, *clock.Manual) {
	t.Helper()
	store, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return New(store, clk), store, clk
}

func validDefinition() models.EventSeries {
	return models.EventSeries{
		Name:            "Friday game night",
		Rule:            models.RecurrenceRule{Cron: "0 18 * * 5", Timezone: "UTC"},
		ReminderOffsets: []time.Duration{24 * time.Hour},
		TrackAttendance: true,
		TrackFood:       true,
		Destination:     "-100123456",
	}
}

func TestCreate(t *testing.T) {
	svc, _, _ := newTestService(t)

	created, err := svc.Create(validDefinition())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.ID == "" {
		t.Error("Create() did not assign an id")
	}
	if !created.Active {
		t.Error("new series is not active")
	}

	got, err := svc.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Name != created.Name {
		t.Errorf("Get().Name = %s, want %s", got.Name, created.Name)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name    string
		mutate  func(*models.EventSeries)
		wantErr error
	}{
		{
			name:    "missing name",
			mutate:  func(d *models.EventSeries) { d.Name = "" },
			wantErr: ErrValidation,
		},
		{
			name:    "missing destination",
			mutate:  func(d *models.EventSeries) { d.Destination = "" },
			wantErr: ErrValidation,
		},
		{
			name:    "negative offset",
			mutate:  func(d *models.EventSeries) { d.ReminderOffsets = []time.Duration{-time.Hour} },
			wantErr: ErrValidation,
		},
		{
			name:    "zero offset",
			mutate:  func(d *models.EventSeries) { d.ReminderOffsets = []time.Duration{0} },
			wantErr: ErrValidation,
		},
		{
			name:    "no recurrence rule",
			mutate:  func(d *models.EventSeries) { d.Rule = models.RecurrenceRule{Timezone: "UTC"} },
			wantErr: recurrence.ErrInvalidRule,
		},
		{
			name:    "bad timezone",
			mutate:  func(d *models.EventSeries) { d.Rule.Timezone = "Nowhere/Town" },
			wantErr: recurrence.ErrInvalidRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			if _, err := svc.Create(def); !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	svc, _, _ := newTestService(t)

	created, err := svc.Create(validDefinition())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	def := validDefinition()
	def.Name = "Saturday game night"
	def.Rule.Cron = "0 19 * * 6"

	updated, err := svc.Update(created.ID, def)
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("Update() changed the id: %s vs %s", updated.ID, created.ID)
	}
	if updated.Name != "Saturday game night" || updated.Rule.Cron != "0 19 * * 6" {
		t.Errorf("Update() = %+v", updated)
	}
}

func TestUpdateMissingSeries(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Update("nope", validDefinition()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() = %v, want ErrNotFound", err)
	}
}

func TestCancelCascades(t *testing.T) {
	svc, store, clk := newTestService(t)

	created, err := svc.Create(validDefinition())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	now := clk.Now()
	futureAt := now.Add(48 * time.Hour)
	pastAt := now.Add(-48 * time.Hour)

	future := models.EventInstance{ID: "inst-future", SeriesID: created.ID, ScheduledAt: futureAt, Status: models.InstanceScheduled}
	past := models.EventInstance{ID: "inst-past", SeriesID: created.ID, ScheduledAt: pastAt, Status: models.InstanceCompleted}
	if err := store.Set(storage.InstanceKey(created.ID, futureAt), future); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := store.Set(storage.InstanceKey(created.ID, pastAt), past); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	taskKey := storage.TaskKey(created.ID, futureAt, string(models.TaskAttendanceReminder), 24*time.Hour)
	task := models.ReminderTask{ID: "t1", InstanceID: future.ID, SeriesID: created.ID, Kind: models.TaskAttendanceReminder, FireAt: futureAt.Add(-24 * time.Hour), Status: models.TaskPending}
	if err := store.Set(taskKey, task); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	if err := svc.Cancel(created.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	got, err := svc.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Active {
		t.Error("cancelled series is still active")
	}

	var gotFuture models.EventInstance
	if err := store.Get(storage.InstanceKey(created.ID, futureAt), &gotFuture); err != nil {
		t.Fatalf("Get(future instance) error: %v", err)
	}
	if gotFuture.Status != models.InstanceCancelled {
		t.Errorf("future instance status = %s, want cancelled", gotFuture.Status)
	}

	var gotPast models.EventInstance
	if err := store.Get(storage.InstanceKey(created.ID, pastAt), &gotPast); err != nil {
		t.Fatalf("Get(past instance) error: %v", err)
	}
	if gotPast.Status != models.InstanceCompleted {
		t.Errorf("past instance status = %s, want completed (history untouched)", gotPast.Status)
	}

	var gotTask models.ReminderTask
	if err := store.Get(taskKey, &gotTask); err != nil {
		t.Fatalf("Get(task) error: %v", err)
	}
	if gotTask.Status != models.TaskSkipped {
		t.Errorf("task status = %s, want skipped", gotTask.Status)
	}
}

func TestListActive(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.Create(validDefinition())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := svc.Create(validDefinition()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := svc.Cancel(first.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	active, err := svc.ListActive()
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("ListActive() returned %d series, want 1", len(active))
	}
}
