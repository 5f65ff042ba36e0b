package qos

import (
	"testing"

	"taskflowd/internal/reason"
	"taskflowd/internal/statehandler"
)

func TestRescheduleRespectsPerAppBudget(t *testing.T) {
	s := New()
	s.SetLevel(statehandler.LevelLow) // Budgets{Global: 2, PerApp: 1}

	s.Enqueue(1, 10, reason.ModeBackground, 0, 0)
	s.Enqueue(1, 11, reason.ModeBackground, 0, 1)

	admitted := s.Reschedule()
	if len(admitted) != 1 {
		t.Fatalf("expected 1 admitted task (per-app budget 1), got %d", len(admitted))
	}
	if admitted[0].TaskID != 10 {
		t.Fatalf("expected earliest-order task admitted first, got %d", admitted[0].TaskID)
	}
}

func TestRescheduleRespectsGlobalBudget(t *testing.T) {
	s := New()
	s.SetLevel(statehandler.LevelLow) // Budgets{Global: 2, PerApp: 1}

	s.Enqueue(1, 10, reason.ModeBackground, 0, 0)
	s.Enqueue(2, 20, reason.ModeBackground, 0, 0)
	s.Enqueue(3, 30, reason.ModeBackground, 0, 0)

	admitted := s.Reschedule()
	if len(admitted) != 2 {
		t.Fatalf("expected 2 admitted tasks (global budget 2), got %d", len(admitted))
	}
}

func TestForegroundBeatsBackgroundWithinApp(t *testing.T) {
	s := New()
	s.SetLevel(statehandler.LevelHigh)

	s.Enqueue(1, 10, reason.ModeBackground, 5, 0)
	s.Enqueue(1, 11, reason.ModeForeground, 0, 1)

	admitted := s.Reschedule()
	if len(admitted) == 0 {
		t.Fatalf("expected at least one admission")
	}
	if admitted[0].TaskID != 11 {
		t.Fatalf("expected foreground task admitted first, got %d", admitted[0].TaskID)
	}
}

func TestModeOrderingForegroundAnyBackground(t *testing.T) {
	s := New()
	s.SetLevel(statehandler.LevelHigh)

	s.Enqueue(1, 10, reason.ModeBackground, 0, 0)
	s.Enqueue(1, 11, reason.ModeAny, 0, 1)
	s.Enqueue(1, 12, reason.ModeForeground, 0, 2)

	admitted := s.Reschedule()
	if len(admitted) != 3 {
		t.Fatalf("expected all 3 admitted, got %d", len(admitted))
	}
	want := []uint32{12, 11, 10}
	for i, a := range admitted {
		if a.TaskID != want[i] {
			t.Fatalf("admission order = %v, want Foreground then Any then Background", admitted)
		}
	}
}

func TestLowerPriorityValueAdmittedFirst(t *testing.T) {
	s := New()
	s.SetLevel(statehandler.LevelLow) // PerApp: 1

	s.Enqueue(1, 10, reason.ModeBackground, 9, 0)
	s.Enqueue(1, 11, reason.ModeBackground, 2, 1)

	admitted := s.Reschedule()
	if len(admitted) != 1 || admitted[0].TaskID != 11 {
		t.Fatalf("expected priority-2 task admitted before priority-9, got %+v", admitted)
	}
}

func TestRescheduleIsIdempotent(t *testing.T) {
	s := New()
	s.SetLevel(statehandler.LevelHigh)

	s.Enqueue(1, 10, reason.ModeBackground, 0, 0)
	if first := s.Reschedule(); len(first) != 1 {
		t.Fatalf("expected one admission, got %+v", first)
	}
	if second := s.Reschedule(); len(second) != 0 {
		t.Fatalf("back-to-back reschedule with no state change must produce no delta, got %+v", second)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	s := New()
	s.SetLevel(statehandler.LevelLow) // PerApp: 1

	s.Enqueue(1, 10, reason.ModeBackground, 0, 0)
	s.Enqueue(1, 11, reason.ModeBackground, 0, 1)

	first := s.Reschedule()
	if len(first) != 1 || first[0].TaskID != 10 {
		t.Fatalf("unexpected first admission: %+v", first)
	}

	s.Release(1)
	second := s.Reschedule()
	if len(second) != 1 || second[0].TaskID != 11 {
		t.Fatalf("expected task 11 admitted after release, got %+v", second)
	}
}

func TestDequeueRemovesFromConsideration(t *testing.T) {
	s := New()
	s.SetLevel(statehandler.LevelHigh)

	s.Enqueue(1, 10, reason.ModeBackground, 0, 0)
	s.Dequeue(1, 10)

	admitted := s.Reschedule()
	if len(admitted) != 0 {
		t.Fatalf("expected no admissions after dequeue, got %+v", admitted)
	}
}
