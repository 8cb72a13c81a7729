package blacklist

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxFailuresPerExec:        2,
		MaxFailedExecutorsPerNode: 2,
		Timeout:                   10 * time.Millisecond,
	}
}

func oneExecFailure(node NodeID, taskIndex int, expiry int64) map[ExecutorID]*ExecutorFailuresInTaskSet {
	f := NewExecutorFailuresInTaskSet(node)
	f.UpdateWithFailure(taskIndex, expiry)
	return map[ExecutorID]*ExecutorFailuresInTaskSet{"exec-a": f}
}

// Scenario 1: below threshold, then times out.
func TestScenarioBelowThresholdThenTimesOut(t *testing.T) {
	clock := NewManualClock(0)
	tr := NewBlacklistTracker(testConfig(), clock)

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 0, 10))
	if tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("exec-a should not be blacklisted after 1 failure")
	}

	clock.Set(1)
	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 1, 11))

	if !tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("exec-a should be blacklisted after 2 failures")
	}
	if tr.IsNodeBlacklisted("node-1") {
		t.Fatalf("node-1 should not be blacklisted: only 1 failed executor")
	}
	if tr.NodeBlacklist().Contains("node-1") {
		t.Fatalf("snapshot should not contain node-1")
	}

	clock.Set(12)
	tr.ApplyBlacklistTimeout()

	if tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("exec-a should have expired by t=12")
	}
	if tr.IsNodeBlacklisted("node-1") {
		t.Fatalf("node-1 should not be blacklisted")
	}
	if len(tr.NodeBlacklist().Nodes) != 0 {
		t.Fatalf("expected empty node blacklist snapshot")
	}
}

// Scenario 2: spread-out failures don't promote because the sweep clears
// the first failure before the second arrives.
func TestScenarioSpreadOutFailuresDontPromote(t *testing.T) {
	clock := NewManualClock(0)
	tr := NewBlacklistTracker(testConfig(), clock)

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 0, 10))

	clock.Set(15)
	tr.ApplyBlacklistTimeout()
	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 1, 25))

	if tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("exec-a should not be blacklisted: only 1 live failure after sweep")
	}
}

// Scenario 3: node promotion once two executors on the same node are
// individually blacklisted.
func TestScenarioNodePromotion(t *testing.T) {
	clock := NewManualClock(0)
	tr := NewBlacklistTracker(testConfig(), clock)

	execFailures := func(exec ExecutorID, node NodeID, t0 int) map[ExecutorID]*ExecutorFailuresInTaskSet {
		f := NewExecutorFailuresInTaskSet(node)
		f.UpdateWithFailure(0, int64(t0)+10)
		return map[ExecutorID]*ExecutorFailuresInTaskSet{exec: f}
	}

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, execFailures("exec-a", "node-1", 0))
	tr.UpdateBlacklistForSuccessfulTaskSet(0, 1, execFailures("exec-a", "node-1", 0))
	clock.Set(1)
	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, execFailures("exec-b", "node-1", 1))
	tr.UpdateBlacklistForSuccessfulTaskSet(0, 1, execFailures("exec-b", "node-1", 1))

	if !tr.IsExecutorBlacklisted("exec-a") || !tr.IsExecutorBlacklisted("exec-b") {
		t.Fatalf("both executors should be blacklisted")
	}
	if !tr.IsNodeBlacklisted("node-1") {
		t.Fatalf("node-1 should be blacklisted: 2 failed executors")
	}
	if !tr.NodeBlacklist().Contains("node-1") {
		t.Fatalf("snapshot should contain node-1")
	}

	clock.Set(12)
	tr.ApplyBlacklistTimeout()
	if tr.IsNodeBlacklisted("node-1") {
		t.Fatalf("node-1 should have expired")
	}
	if len(tr.NodeBlacklist().Nodes) != 0 {
		t.Fatalf("expected empty snapshot after node expiry")
	}
}

// Scenario 4: a removed executor keeps counting toward node promotion.
func TestScenarioRemovedExecutorKeepsNodeCounter(t *testing.T) {
	clock := NewManualClock(0)
	tr := NewBlacklistTracker(testConfig(), clock)

	twoFailures := func(node NodeID) *ExecutorFailuresInTaskSet {
		f := NewExecutorFailuresInTaskSet(node)
		f.UpdateWithFailure(0, 10)
		f.UpdateWithFailure(1, 10)
		return f
	}

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, map[ExecutorID]*ExecutorFailuresInTaskSet{
		"exec-a": twoFailures("node-1"),
	})
	if !tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("exec-a should be blacklisted")
	}

	tr.HandleRemovedExecutor("exec-a")
	if !tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("HandleRemovedExecutor must not clear blacklist status")
	}

	clock.Set(5)
	fb := NewExecutorFailuresInTaskSet("node-1")
	fb.UpdateWithFailure(0, 15)
	fb.UpdateWithFailure(1, 15)
	tr.UpdateBlacklistForSuccessfulTaskSet(0, 1, map[ExecutorID]*ExecutorFailuresInTaskSet{
		"exec-b": fb,
	})

	if !tr.IsNodeBlacklisted("node-1") {
		t.Fatalf("node-1 should be blacklisted: exec-a's removal must not drop the node counter")
	}
}

// Idempotence of sweep: calling ApplyBlacklistTimeout twice with the same
// clock yields identical state after the first call.
func TestSweepIsIdempotent(t *testing.T) {
	clock := NewManualClock(0)
	tr := NewBlacklistTracker(testConfig(), clock)

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 0, 10))
	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 1, 11))

	clock.Set(12)
	tr.ApplyBlacklistTimeout()
	snapshotAfterFirst := tr.NodeBlacklist()
	blacklistedAfterFirst := tr.IsExecutorBlacklisted("exec-a")

	tr.ApplyBlacklistTimeout()
	if tr.IsExecutorBlacklisted("exec-a") != blacklistedAfterFirst {
		t.Fatalf("second sweep changed executor blacklist state")
	}
	if tr.NodeBlacklist() != snapshotAfterFirst {
		t.Fatalf("second sweep republished a snapshot though node set did not change")
	}
}

// Timeout round-trip law.
func TestTimeoutRoundTrip(t *testing.T) {
	clock := NewManualClock(0)
	tr := NewBlacklistTracker(testConfig(), clock)

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 0, 10))
	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 1, 11))
	// exec-a blacklisted at t=0 with TIMEOUT=10ms -> expiry at 10.

	clock.Set(9)
	tr.ApplyBlacklistTimeout()
	if !tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("exec-a should still be blacklisted before expiry")
	}

	clock.Set(10)
	tr.ApplyBlacklistTimeout()
	if !tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("exec-a should still be blacklisted exactly at expiry boundary")
	}

	clock.Set(11)
	tr.ApplyBlacklistTimeout()
	if tr.IsExecutorBlacklisted("exec-a") {
		t.Fatalf("exec-a should no longer be blacklisted after expiry")
	}
}

// nextExpiryTime must always be a lower bound on every current expiry.
func TestNextExpiryTimeIsLowerBound(t *testing.T) {
	clock := NewManualClock(0)
	tr := NewBlacklistTracker(testConfig(), clock)

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 0, 10))
	if tr.nextExpiryTime > 10 {
		t.Fatalf("nextExpiryTime %d exceeds earliest known expiry 10", tr.nextExpiryTime)
	}

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 1, 11))
	for _, status := range tr.executorIDToBlacklistStatus {
		if tr.nextExpiryTime > status.ExpiryTime {
			t.Fatalf("nextExpiryTime %d exceeds executor expiry %d", tr.nextExpiryTime, status.ExpiryTime)
		}
	}
}

func TestApplyBlacklistTimeoutShortCircuitsWhenNothingExpired(t *testing.T) {
	clock := NewManualClock(0)
	tr := NewBlacklistTracker(testConfig(), clock)

	tr.UpdateBlacklistForSuccessfulTaskSet(0, 0, oneExecFailure("node-1", 0, 1000))
	before := tr.NodeBlacklist()

	clock.Set(1)
	tr.ApplyBlacklistTimeout()

	if tr.NodeBlacklist() != before {
		t.Fatalf("short-circuited sweep must not republish the snapshot")
	}
}
