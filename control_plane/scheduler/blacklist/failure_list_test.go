package blacklist

import "testing"

func failuresFor(node NodeID, updates map[int]int64) *ExecutorFailuresInTaskSet {
	f := NewExecutorFailuresInTaskSet(node)
	for taskIndex, expiry := range updates {
		f.UpdateWithFailure(taskIndex, expiry)
	}
	return f
}

func TestExecutorFailureListAddFailuresSortsByExpiry(t *testing.T) {
	list := NewExecutorFailureList()

	list.AddFailures(0, 0, failuresFor("node-1", map[int]int64{0: 30}))
	list.AddFailures(0, 0, failuresFor("node-1", map[int]int64{1: 10, 2: 20}))

	if got := list.NumUniqueTaskFailures(); got != 3 {
		t.Fatalf("expected 3 failures, got %d", got)
	}

	prev := int64(-1)
	for _, f := range list.failures {
		if f.expiryTime < prev {
			t.Fatalf("failures not sorted ascending: %v", list.failures)
		}
		prev = f.expiryTime
	}

	min, ok := list.MinExpiryTime()
	if !ok || min != 10 {
		t.Fatalf("expected min expiry 10, got %d (ok=%v)", min, ok)
	}
}

func TestExecutorFailureListMinExpiryUndefinedWhenEmpty(t *testing.T) {
	list := NewExecutorFailureList()
	if _, ok := list.MinExpiryTime(); ok {
		t.Fatalf("expected MinExpiryTime to report false on empty list")
	}
	if !list.IsEmpty() {
		t.Fatalf("expected empty list")
	}
}

func TestExecutorFailureListDropFailuresWithTimeoutBefore(t *testing.T) {
	list := NewExecutorFailureList()
	list.AddFailures(0, 0, failuresFor("node-1", map[int]int64{0: 10, 1: 20, 2: 30}))

	list.DropFailuresWithTimeoutBefore(15)
	if got := list.NumUniqueTaskFailures(); got != 2 {
		t.Fatalf("expected 2 remaining failures, got %d", got)
	}
	min, _ := list.MinExpiryTime()
	if min != 20 {
		t.Fatalf("expected min expiry 20 after drop, got %d", min)
	}

	// No-op: minimum is already >= cutoff.
	list.DropFailuresWithTimeoutBefore(20)
	if got := list.NumUniqueTaskFailures(); got != 2 {
		t.Fatalf("expected drop at exact minimum to be a no-op, got %d remaining", got)
	}

	// Drop everything.
	list.DropFailuresWithTimeoutBefore(1000)
	if !list.IsEmpty() {
		t.Fatalf("expected list to be emptied")
	}

	// No-op on already-empty list.
	list.DropFailuresWithTimeoutBefore(1000)
	if !list.IsEmpty() {
		t.Fatalf("expected list to remain empty")
	}
}

func TestExecutorFailuresInTaskSetUpdateWithFailure(t *testing.T) {
	f := NewExecutorFailuresInTaskSet("node-1")
	f.UpdateWithFailure(0, 10)
	f.UpdateWithFailure(0, 20)
	f.UpdateWithFailure(1, 15)

	if got := f.NumUniqueTasksWithFailures(); got != 2 {
		t.Fatalf("expected 2 unique tasks, got %d", got)
	}
}

func TestExecutorFailuresInTaskSetRejectsNonMonotonicExpiry(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on non-monotonic expiry")
		}
	}()

	f := NewExecutorFailuresInTaskSet("node-1")
	f.UpdateWithFailure(0, 20)
	f.UpdateWithFailure(0, 10)
}
