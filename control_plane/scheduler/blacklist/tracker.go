package blacklist

import (
	"math"
	"sync/atomic"
)

// BlacklistedExecutor is the record kept for an executor that is currently
// blacklisted: the node it runs on and the absolute time its blacklist
// entry expires.
type BlacklistedExecutor struct {
	Node       NodeID
	ExpiryTime int64
}

// Snapshot is the immutable, atomically-published view of the node
// blacklist. GeneratedAtMillis is stamped at publish time so a reader (the
// dashboard, for instance) can show "stale since" without a second call
// into the tracker.
type Snapshot struct {
	Nodes             map[NodeID]struct{}
	GeneratedAtMillis int64
}

// Contains reports whether node is present in the snapshot.
func (s *Snapshot) Contains(node NodeID) bool {
	if s == nil {
		return false
	}
	_, ok := s.Nodes[node]
	return ok
}

var emptySnapshot = &Snapshot{Nodes: map[NodeID]struct{}{}}

// BlacklistTracker is the per-scheduler failure-accounting state machine.
// Every method except NodeBlacklist assumes the caller (the outer
// scheduler, under its own mutex) serializes all calls into the tracker;
// the tracker adds no additional internal mutex for those paths. The one
// exception, NodeBlacklist, reads an atomically-published immutable
// snapshot and is safe to call from any goroutine without that lock.
type BlacklistTracker struct {
	config Config
	clock  Clock

	executorIDToFailureList     map[ExecutorID]*ExecutorFailureList
	executorIDToBlacklistStatus map[ExecutorID]BlacklistedExecutor
	nodeIDToBlacklistExpiryTime map[NodeID]int64
	nodeToFailedExecs           map[NodeID]map[ExecutorID]struct{}

	nodeBlacklist atomic.Pointer[Snapshot]

	// nextExpiryTime is the minimum expiry time across all tracked
	// executor expiries; a shortcut to short-circuit ApplyBlacklistTimeout.
	nextExpiryTime int64
}

// NewBlacklistTracker constructs a tracker with the given configuration
// and clock.
func NewBlacklistTracker(config Config, clock Clock) *BlacklistTracker {
	t := &BlacklistTracker{
		config:                      config,
		clock:                       clock,
		executorIDToFailureList:     make(map[ExecutorID]*ExecutorFailureList),
		executorIDToBlacklistStatus: make(map[ExecutorID]BlacklistedExecutor),
		nodeIDToBlacklistExpiryTime: make(map[NodeID]int64),
		nodeToFailedExecs:           make(map[NodeID]map[ExecutorID]struct{}),
		nextExpiryTime:              math.MaxInt64,
	}
	t.nodeBlacklist.Store(emptySnapshot)
	return t
}

// UpdateBlacklistForSuccessfulTaskSet folds the failures observed during
// one successfully-completed task set into the tracker's state, promoting
// executors and nodes across their thresholds as needed. failuresByExec
// reports only tasks that failed but whose task set still ultimately
// succeeded; permanently-failing task sets are not this tracker's concern.
func (t *BlacklistTracker) UpdateBlacklistForSuccessfulTaskSet(stageID, stageAttemptID int, failuresByExec map[ExecutorID]*ExecutorFailuresInTaskSet) {
	for exec, failuresInTaskSet := range failuresByExec {
		list, ok := t.executorIDToFailureList[exec]
		if !ok {
			list = NewExecutorFailureList()
			t.executorIDToFailureList[exec] = list
		}

		list.AddFailures(stageID, stageAttemptID, failuresInTaskSet)

		if min, ok := list.MinExpiryTime(); ok && min < t.nextExpiryTime {
			t.nextExpiryTime = min
		}

		newTotal := list.NumUniqueTaskFailures()
		if newTotal < t.config.MaxFailuresPerExec {
			continue
		}

		now := t.clock.NowMillis()
		expiryTime := now + t.config.Timeout.Milliseconds()
		node := failuresInTaskSet.Node()

		t.executorIDToBlacklistStatus[exec] = BlacklistedExecutor{
			Node:       node,
			ExpiryTime: expiryTime,
		}
		delete(t.executorIDToFailureList, exec)

		if expiryTime < t.nextExpiryTime {
			t.nextExpiryTime = expiryTime
		}

		execs, ok := t.nodeToFailedExecs[node]
		if !ok {
			execs = make(map[ExecutorID]struct{})
			t.nodeToFailedExecs[node] = execs
		}
		execs[exec] = struct{}{}

		if len(execs) >= t.config.MaxFailedExecutorsPerNode {
			if _, already := t.nodeIDToBlacklistExpiryTime[node]; !already {
				t.nodeIDToBlacklistExpiryTime[node] = expiryTime
				t.publishSnapshot()
			}
		}
	}
}

// ApplyBlacklistTimeout sweeps expired failure records and blacklist
// entries. Cheap short-circuit: if now is not after nextExpiryTime, the
// sweep returns immediately without touching any state.
func (t *BlacklistTracker) ApplyBlacklistTimeout() {
	now := t.clock.NowMillis()
	if now <= t.nextExpiryTime {
		return
	}

	for _, list := range t.executorIDToFailureList {
		list.DropFailuresWithTimeoutBefore(now)
	}
	// Empty lists are not proactively removed here; they are benign and
	// eventually overwritten or reclaimed by HandleRemovedExecutor.

	for exec, status := range t.executorIDToBlacklistStatus {
		if status.ExpiryTime >= now {
			continue
		}
		delete(t.executorIDToBlacklistStatus, exec)

		if execs, ok := t.nodeToFailedExecs[status.Node]; ok {
			delete(execs, exec)
			if len(execs) == 0 {
				delete(t.nodeToFailedExecs, status.Node)
			}
		}
	}

	t.nextExpiryTime = math.MaxInt64
	for _, status := range t.executorIDToBlacklistStatus {
		if status.ExpiryTime < t.nextExpiryTime {
			t.nextExpiryTime = status.ExpiryTime
		}
	}

	nodeSetChanged := false
	for node, expiry := range t.nodeIDToBlacklistExpiryTime {
		if expiry < now {
			delete(t.nodeIDToBlacklistExpiryTime, node)
			nodeSetChanged = true
		}
	}
	if nodeSetChanged {
		t.publishSnapshot()
	}
}

// Config returns the tracker's configuration.
func (t *BlacklistTracker) Config() Config {
	return t.config
}

// ClockNowMillis exposes the tracker's injected clock so callers computing
// a failure's expiry time (UpdateWithFailure's failureExpiryTime) use the
// same notion of "now" the tracker itself sweeps against.
func (t *BlacklistTracker) ClockNowMillis() int64 {
	return t.clock.NowMillis()
}

// BlacklistedExecutorCount returns the number of executors currently
// blacklisted.
func (t *BlacklistTracker) BlacklistedExecutorCount() int {
	return len(t.executorIDToBlacklistStatus)
}

// IsExecutorBlacklisted reports whether the executor is currently
// blacklisted.
func (t *BlacklistTracker) IsExecutorBlacklisted(exec ExecutorID) bool {
	_, ok := t.executorIDToBlacklistStatus[exec]
	return ok
}

// IsNodeBlacklisted reports whether the node is currently blacklisted.
func (t *BlacklistTracker) IsNodeBlacklisted(node NodeID) bool {
	_, ok := t.nodeIDToBlacklistExpiryTime[node]
	return ok
}

// NodeBlacklist loads the atomically-published node blacklist snapshot.
// Safe to call from any goroutine without the outer scheduler's lock: a
// reader may observe an older snapshot than the current state but never a
// torn or partial one.
func (t *BlacklistTracker) NodeBlacklist() *Snapshot {
	return t.nodeBlacklist.Load()
}

// HandleRemovedExecutor removes any pending ExecutorFailureList entry for
// an executor that has left the cluster. It deliberately does not touch
// executorIDToBlacklistStatus, so an already-blacklisted executor's entry
// still expires naturally (preserving the node-level replacement count),
// and does not touch nodeToFailedExecs, so if another executor on the same
// node is later blacklisted the node threshold is still reachable.
func (t *BlacklistTracker) HandleRemovedExecutor(exec ExecutorID) {
	delete(t.executorIDToFailureList, exec)
}

// publishSnapshot builds a fresh immutable node-key set from
// nodeIDToBlacklistExpiryTime and atomically publishes it. Called on every
// transition that changes the node key set: promotion and expiry sweep.
func (t *BlacklistTracker) publishSnapshot() {
	nodes := make(map[NodeID]struct{}, len(t.nodeIDToBlacklistExpiryTime))
	for node := range t.nodeIDToBlacklistExpiryTime {
		nodes[node] = struct{}{}
	}
	t.nodeBlacklist.Store(&Snapshot{
		Nodes:             nodes,
		GeneratedAtMillis: t.clock.NowMillis(),
	})
}
