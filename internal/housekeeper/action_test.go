package housekeeper

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestQueueOrdering(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	q := NewQueue(func() time.Time { return current })

	q.Schedule(base.Add(30*time.Millisecond), ActionClass{Kind: ActionAccount})
	q.Schedule(base.Add(10*time.Millisecond), ActionClass{Kind: ActionSession})
	q.Schedule(base.Add(20*time.Millisecond), Store(0))

	current = base.Add(time.Hour)
	var order []ActionKind
	for {
		a, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, a.Class.Kind)
	}
	want := []ActionKind{ActionSession, ActionStore, ActionAccount}
	if len(order) != len(want) {
		t.Fatalf("got %v actions, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %v, want %v (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestQueueHasActionAndUniqueness(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue(fixedClock(base))

	class := ActionClass{Kind: ActionSession}
	if q.HasAction(class) {
		t.Fatal("empty queue must not have action")
	}
	q.Schedule(base.Add(time.Minute), class)
	if !q.HasAction(class) {
		t.Fatal("expected HasAction true after Schedule")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}

	// The caller is responsible for guarding with HasAction; Schedule
	// itself never deduplicates (property 2 holds for callers that guard).
	if !q.HasAction(class) {
		q.Schedule(base.Add(2*time.Minute), class)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d after guarded re-schedule, want 1 (uniqueness under has_action guard)", q.Len())
	}
}

func TestQueueRemoveAction(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue(fixedClock(base))

	q.Schedule(base.Add(time.Minute), Acme("p1"))
	q.Schedule(base.Add(time.Minute), Acme("p2"))
	q.RemoveAction(Acme("p1"))

	if q.HasAction(Acme("p1")) {
		t.Fatal("p1 should have been removed")
	}
	if !q.HasAction(Acme("p2")) {
		t.Fatal("p2 should remain")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestQueueWakeUpTimeEmpty(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue(fixedClock(base))
	if got := q.WakeUpTime(); got != longSlumber {
		t.Fatalf("WakeUpTime() on empty queue = %v, want %v", got, longSlumber)
	}
}

func TestQueueWakeUpTimeSaturatesAtZero(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue(fixedClock(base.Add(time.Hour)))
	q.Schedule(base, ActionClass{Kind: ActionSession})
	if got := q.WakeUpTime(); got != 0 {
		t.Fatalf("WakeUpTime() for past-due action = %v, want 0", got)
	}
}

func TestQueuePopOnlyExpired(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue(fixedClock(base))
	q.Schedule(base.Add(time.Minute), ActionClass{Kind: ActionSession})

	if _, ok := q.Pop(); ok {
		t.Fatal("Pop should not return a not-yet-due action")
	}
	if q.Len() != 1 {
		t.Fatalf("Pop must not remove a not-yet-due action, Len() = %d", q.Len())
	}
}

func TestActionClassString(t *testing.T) {
	if got := Store(3).String(); got != "Store(3)" {
		t.Fatalf("Store(3).String() = %q", got)
	}
	if got := Acme("letsencrypt").String(); got != "Acme(letsencrypt)" {
		t.Fatalf("Acme(\"letsencrypt\").String() = %q", got)
	}
	if got := (ActionClass{Kind: ActionSession}).String(); got != "Session" {
		t.Fatalf("Session.String() = %q", got)
	}
}
