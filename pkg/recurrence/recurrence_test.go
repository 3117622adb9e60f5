package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/korjavin/gamenight/pkg/models"
)

func TestValidate(t *testing.T) {
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		rule    models.RecurrenceRule
		wantErr bool
	}{
		{
			name: "valid cron",
			rule: models.RecurrenceRule{Cron: "0 18 * * 5", Timezone: "UTC"},
		},
		{
			name: "valid rrule",
			rule: models.RecurrenceRule{RRule: "FREQ=WEEKLY;DTSTART=20260102T180000Z;BYDAY=FR", Timezone: "UTC"},
		},
		{
			name:    "neither cron nor rrule",
			rule:    models.RecurrenceRule{Timezone: "UTC"},
			wantErr: true,
		},
		{
			name:    "both cron and rrule",
			rule:    models.RecurrenceRule{Cron: "0 18 * * 5", RRule: "FREQ=WEEKLY", Timezone: "UTC"},
			wantErr: true,
		},
		{
			name:    "missing timezone",
			rule:    models.RecurrenceRule{Cron: "0 18 * * 5"},
			wantErr: true,
		},
		{
			name:    "unknown timezone",
			rule:    models.RecurrenceRule{Cron: "0 18 * * 5", Timezone: "Mars/Olympus"},
			wantErr: true,
		},
		{
			name:    "malformed cron",
			rule:    models.RecurrenceRule{Cron: "not a cron", Timezone: "UTC"},
			wantErr: true,
		},
		{
			name:    "malformed rrule",
			rule:    models.RecurrenceRule{RRule: "FREQ=SOMETIMES", Timezone: "UTC"},
			wantErr: true,
		},
		{
			name:    "rrule without dtstart",
			rule:    models.RecurrenceRule{RRule: "FREQ=DAILY", Timezone: "UTC"},
			wantErr: true,
		},
		{
			name:    "inverted bounds",
			rule:    models.RecurrenceRule{Cron: "0 18 * * 5", Timezone: "UTC", NotBefore: &future, NotAfter: &past},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rule)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRule) {
					t.Errorf("Validate() = %v, want ErrInvalidRule", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestResolveWeeklyCron(t *testing.T) {
	rule := models.RecurrenceRule{Cron: "0 18 * * 5", Timezone: "UTC"}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) // Thursday
	to := from.Add(14 * 24 * time.Hour)

	got, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	want := []time.Time{
		time.Date(2026, 1, 2, 18, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 9, 18, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("Resolve() returned %d instants, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("instant[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResolveWeeklyRRule(t *testing.T) {
	rule := models.RecurrenceRule{RRule: "FREQ=WEEKLY;DTSTART=20260102T180000Z;BYDAY=FR", Timezone: "UTC"}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(14 * 24 * time.Hour)

	got, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Resolve() returned %d instants, want 2: %v", len(got), got)
	}
	if !got[0].Equal(time.Date(2026, 1, 2, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("first instant = %v", got[0])
	}
}

func TestResolveRRuleDeterministic(t *testing.T) {
	// An unanchored rrule would fall back to the wall clock and drift
	// between calls; with DTSTART required, resolution stays fixed.
	rule := models.RecurrenceRule{RRule: "FREQ=DAILY;DTSTART=20260101T090000Z", Timezone: "UTC"}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(72 * time.Hour)

	first, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	second, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}

	if len(first) != 3 {
		t.Fatalf("Resolve() returned %d instants, want 3: %v", len(first), first)
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Errorf("instant[%d] drifted between calls: %v vs %v", i, first[i], second[i])
		}
	}
	if !first[0].Equal(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("first instant = %v, want the DTSTART anchor", first[0])
	}
}

func TestResolveRejectsUnanchoredRRule(t *testing.T) {
	rule := models.RecurrenceRule{RRule: "FREQ=DAILY", Timezone: "UTC"}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := Resolve(rule, from, from.Add(72*time.Hour)); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("Resolve(rrule without DTSTART) = %v, want ErrInvalidRule", err)
	}
}

func TestResolveDeterministic(t *testing.T) {
	rule := models.RecurrenceRule{Cron: "0 9 * * *", Timezone: "Europe/Berlin"}
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(7 * 24 * time.Hour)

	first, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	second, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("resolutions differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Errorf("instant[%d] differs: %v vs %v", i, first[i], second[i])
		}
		if i > 0 && !first[i].After(first[i-1]) {
			t.Errorf("instants not strictly ascending at %d: %v, %v", i, first[i-1], first[i])
		}
	}
}

func TestResolveHalfOpenWindow(t *testing.T) {
	rule := models.RecurrenceRule{Cron: "0 18 * * *", Timezone: "UTC"}
	from := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 2, 18, 0, 0, 0, time.UTC)

	got, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	// `from` itself is included, `to` is excluded.
	if len(got) != 1 || !got[0].Equal(from) {
		t.Fatalf("Resolve() = %v, want exactly [%v]", got, from)
	}
}

func TestResolveEmptyRange(t *testing.T) {
	rule := models.RecurrenceRule{Cron: "0 18 * * 5", Timezone: "UTC"}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := Resolve(rule, at, at); !errors.Is(err, ErrEmptyRange) {
		t.Errorf("Resolve() = %v, want ErrEmptyRange", err)
	}
	if _, err := Resolve(rule, at, at.Add(-time.Hour)); !errors.Is(err, ErrEmptyRange) {
		t.Errorf("Resolve() = %v, want ErrEmptyRange", err)
	}
}

func TestResolveClampsToBounds(t *testing.T) {
	notAfter := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	rule := models.RecurrenceRule{Cron: "0 18 * * 5", Timezone: "UTC", NotAfter: &notAfter}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(28 * 24 * time.Hour)

	got, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Resolve() returned %d instants, want 1 (only Jan 2 before NotAfter): %v", len(got), got)
	}
}

func TestResolveKeepsLocalTimeAcrossDST(t *testing.T) {
	rule := models.RecurrenceRule{Cron: "30 9 * * *", Timezone: "America/New_York"}
	from := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

	got, err := Resolve(rule, from, to)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Resolve() returned %d instants, want 2: %v", len(got), got)
	}

	// Clocks spring forward on Mar 8 2026: 09:30 EST is 14:30 UTC, 09:30
	// EDT is 13:30 UTC. Local time is preserved, so the UTC gap is 23h.
	if gap := got[1].Sub(got[0]); gap != 23*time.Hour {
		t.Errorf("UTC gap across DST = %v, want 23h (%v, %v)", gap, got[0], got[1])
	}
}
