package rotation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/korjavin/gamenight/pkg/clock"
	"github.com/korjavin/gamenight/pkg/models"
	"github.com/korjavin/gamenight/pkg/roster"
	"github.com/korjavin/gamenight/pkg/storage"
)

func newTestService(t *testing.T, participantIDs ...string) (*Service, *roster.Service) {
	t.Helper()
	store, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rosterService := roster.New(store, clk)
	for _, id := range participantIDs {
		if _, err := rosterService.Add("s1", id, "Player "+id, true); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}
	return New(store, rosterService, clk), rosterService
}

func TestAllocateRoundRobinFairness(t *testing.T) {
	svc, _ := newTestService(t, "p1", "p2", "p3")

	counts := make(map[string]int)
	for i := 0; i < 6; i++ {
		assignment, err := svc.Allocate("s1", fmt.Sprintf("inst-%d", i))
		if err != nil {
			t.Fatalf("Allocate(inst-%d) error: %v", i, err)
		}
		counts[assignment.ParticipantID]++
	}

	// Six assignments over three participants: everyone gets exactly two.
	for _, id := range []string{"p1", "p2", "p3"} {
		if counts[id] != 2 {
			t.Errorf("participant %s assigned %d times, want 2 (counts: %v)", id, counts[id], counts)
		}
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, "p1", "p2")

	first, err := svc.Allocate("s1", "inst-1")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	second, err := svc.Allocate("s1", "inst-1")
	if err != nil {
		t.Fatalf("second Allocate() error: %v", err)
	}
	if first.ParticipantID != second.ParticipantID {
		t.Errorf("re-allocation changed provider: %s vs %s", first.ParticipantID, second.ParticipantID)
	}

	// The second participant's turn is not consumed by the no-op.
	next, err := svc.Allocate("s1", "inst-2")
	if err != nil {
		t.Fatalf("Allocate(inst-2) error: %v", err)
	}
	if next.ParticipantID == first.ParticipantID {
		t.Errorf("inst-2 assigned to %s again, want the other participant", next.ParticipantID)
	}
}

func TestReassignExcludesDecliner(t *testing.T) {
	svc, _ := newTestService(t, "p1", "p2", "p3")

	assignment, err := svc.Allocate("s1", "inst-1")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	decliner := assignment.ParticipantID

	reassigned, err := svc.Reassign("inst-1", decliner)
	if err != nil {
		t.Fatalf("Reassign() error: %v", err)
	}
	if reassigned.ParticipantID == decliner {
		t.Errorf("decliner %s was assigned again", decliner)
	}
	if !reassigned.DeclinedBy(decliner) {
		t.Error("decliner not recorded in the exclusion list")
	}
}

func TestReassignEveryoneDeclined(t *testing.T) {
	svc, _ := newTestService(t, "p1", "p2")

	assignment, err := svc.Allocate("s1", "inst-1")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	second, err := svc.Reassign("inst-1", assignment.ParticipantID)
	if err != nil {
		t.Fatalf("first Reassign() error: %v", err)
	}

	final, err := svc.Reassign("inst-1", second.ParticipantID)
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("Reassign() = %v, want ErrNoCandidate", err)
	}
	if final.Status != models.AssignmentSkipped {
		t.Errorf("assignment status = %s, want skipped", final.Status)
	}
}

func TestDeclineIsPerInstance(t *testing.T) {
	svc, _ := newTestService(t, "p1", "p2")

	assignment, err := svc.Allocate("s1", "inst-1")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if _, err := svc.Reassign("inst-1", assignment.ParticipantID); err != nil {
		t.Fatalf("Reassign() error: %v", err)
	}

	// A decline only excludes within its own instance; the decliner is
	// back in the rotation for the next one.
	next, err := svc.Allocate("s1", "inst-2")
	if err != nil {
		t.Fatalf("Allocate(inst-2) error: %v", err)
	}
	if next.ParticipantID != assignment.ParticipantID {
		t.Errorf("inst-2 assigned to %s, want decliner %s (oldest watermark)", next.ParticipantID, assignment.ParticipantID)
	}
}

func TestOverride(t *testing.T) {
	svc, rosterService := newTestService(t, "p1", "p2")

	if _, err := svc.Allocate("s1", "inst-1"); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	assignment, err := svc.Override("s1", "inst-1", "p2")
	if err != nil {
		t.Fatalf("Override() error: %v", err)
	}
	if assignment.ParticipantID != "p2" || assignment.Status != models.AssignmentAssigned {
		t.Errorf("Override() = %+v", assignment)
	}

	// The override counts as p2's turn.
	p, err := rosterService.Get("s1", "p2")
	if err != nil {
		t.Fatalf("Get(p2) error: %v", err)
	}
	if p.LastAssignedAt.IsZero() {
		t.Error("override did not touch the rotation watermark")
	}
}

func TestOverrideRejectsIneligible(t *testing.T) {
	svc, rosterService := newTestService(t, "p1")
	if _, err := rosterService.Add("s1", "p2", "Bob", false); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	if _, err := svc.Override("s1", "inst-1", "p2"); !errors.Is(err, ErrNotEligible) {
		t.Errorf("Override(non food-bringing) = %v, want ErrNotEligible", err)
	}
}
