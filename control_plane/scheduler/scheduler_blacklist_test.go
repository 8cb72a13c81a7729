package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/itskum47/FluxForge/control_plane/scheduler/blacklist"
)

func TestRecordBlacklistOutcomeFlushesOnlyOnEventualSuccess(t *testing.T) {
	mockRec := &MockReconciler{}
	mockStore := &MockStore{}
	sched := NewScheduler(mockStore, mockRec, 0, 1, DefaultSchedulerConfig())

	task := &ReconciliationTask{
		ReqID:      "req-1",
		NodeID:     "node-a",
		ExecutorID: "node-a",
		StateID:    "state-1",
		Attempt:    0,
	}

	// First failure: accumulate, nothing flushed yet.
	sched.recordBlacklistOutcome(task, errors.New("boom"))
	if sched.blacklist.IsExecutorBlacklisted(blacklist.ExecutorID("node-a")) {
		t.Fatalf("executor should not be blacklisted after a single accumulated failure")
	}

	// A permanently failing task set never flushes: no promotion, ever.
	task2 := *task
	task2.Attempt = 1
	sched.recordBlacklistOutcome(&task2, errors.New("boom again"))
	if sched.blacklist.IsExecutorBlacklisted(blacklist.ExecutorID("node-a")) {
		t.Fatalf("executor must not be blacklisted while the task set keeps failing")
	}

	// It eventually succeeds: the two accumulated failures are folded in and
	// cross the default MaxFailuresPerExec(2) threshold.
	task3 := *task
	task3.Attempt = 2
	sched.recordBlacklistOutcome(&task3, nil)

	if !sched.blacklist.IsExecutorBlacklisted(blacklist.ExecutorID("node-a")) {
		t.Fatalf("expected executor node-a to be blacklisted after flush")
	}

	if _, pending := sched.pendingTaskSetFailures["state-1"]; pending {
		t.Fatalf("pending task set failures should be cleared after flush")
	}
}

func TestSubmitRejectsBlacklistedNode(t *testing.T) {
	mockRec := &MockReconciler{}
	mockStore := &MockStore{}
	sched := NewScheduler(mockStore, mockRec, 0, 1, DefaultSchedulerConfig())
	sched.RehydrateQueue(context.Background())

	// Blacklist two executors on the same node to cross the default
	// MaxFailedExecutorsPerNode(2) threshold and promote the node.
	sched.blacklist.UpdateBlacklistForSuccessfulTaskSet(0, 1, map[blacklist.ExecutorID]*blacklist.ExecutorFailuresInTaskSet{
		"exec-1": failuresFor(t, "bad-node", 0, 1),
	})
	sched.blacklist.UpdateBlacklistForSuccessfulTaskSet(0, 2, map[blacklist.ExecutorID]*blacklist.ExecutorFailuresInTaskSet{
		"exec-2": failuresFor(t, "bad-node", 0, 1),
	})

	if !sched.blacklist.IsNodeBlacklisted(blacklist.NodeID("bad-node")) {
		t.Fatalf("expected bad-node to be blacklisted")
	}

	err := sched.Submit(&ReconciliationTask{
		ReqID:   "req-2",
		NodeID:  "bad-node",
		StateID: "state-2",
	})
	if err == nil {
		t.Fatalf("expected Submit to reject a task targeting a blacklisted node")
	}
}

func failuresFor(t *testing.T, node blacklist.NodeID, taskIndex int, expiry int64) *blacklist.ExecutorFailuresInTaskSet {
	t.Helper()
	f := blacklist.NewExecutorFailuresInTaskSet(node)
	f.UpdateWithFailure(taskIndex, expiry)
	f.UpdateWithFailure(taskIndex+1, expiry)
	return f
}
