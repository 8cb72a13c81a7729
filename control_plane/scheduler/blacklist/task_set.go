package blacklist

import "fmt"

// ExecutorID identifies one worker process. A single node can run more
// than one executor; NodeID groups executors by physical host.
type ExecutorID string

// NodeID identifies a physical host that may run multiple executors.
type NodeID string

// TaskID uniquely identifies a task failure event across the application:
// a task index within one (stage, stage attempt).
type TaskID struct {
	StageID        int
	StageAttemptID int
	TaskIndex      int
}

func (t TaskID) String() string {
	return fmt.Sprintf("stage=%d attempt=%d task=%d", t.StageID, t.StageAttemptID, t.TaskIndex)
}

// failureCountAndExpiry tracks, for one task index, how many times it has
// failed on this executor during the current task set and the expiry time
// of the most recent failure.
type failureCountAndExpiry struct {
	count          uint32
	lastExpiryTime int64
}

// ExecutorFailuresInTaskSet is a throwaway record assembled by the outer
// scheduler while one task set is running: a per-task-index failure count
// and latest expiry time for a single executor, plus the node that
// executor runs on (fixed once at construction).
type ExecutorFailuresInTaskSet struct {
	node                            NodeID
	taskToFailureCountAndExpiryTime map[int]*failureCountAndExpiry
}

// NewExecutorFailuresInTaskSet creates an empty record for the given node.
func NewExecutorFailuresInTaskSet(node NodeID) *ExecutorFailuresInTaskSet {
	return &ExecutorFailuresInTaskSet{
		node:                            node,
		taskToFailureCountAndExpiryTime: make(map[int]*failureCountAndExpiry),
	}
}

// Node returns the node this executor runs on.
func (e *ExecutorFailuresInTaskSet) Node() NodeID {
	return e.node
}

// UpdateWithFailure increments the failure counter for taskIndex and sets
// its stored expiry to failureExpiryTime. Panics if failureExpiryTime is
// strictly less than any previously recorded expiry for the same task
// index - callers must present monotonically non-decreasing expiries for
// a given task, and a violation means the caller's bookkeeping is broken
// in a way the tracker cannot safely paper over.
func (e *ExecutorFailuresInTaskSet) UpdateWithFailure(taskIndex int, failureExpiryTime int64) {
	entry, ok := e.taskToFailureCountAndExpiryTime[taskIndex]
	if !ok {
		e.taskToFailureCountAndExpiryTime[taskIndex] = &failureCountAndExpiry{
			count:          1,
			lastExpiryTime: failureExpiryTime,
		}
		return
	}

	if failureExpiryTime < entry.lastExpiryTime {
		panic(fmt.Sprintf("blacklist: non-monotonic failure expiry for task index %d: got %d, had %d",
			taskIndex, failureExpiryTime, entry.lastExpiryTime))
	}

	entry.count++
	entry.lastExpiryTime = failureExpiryTime
}

// NumUniqueTasksWithFailures returns the number of distinct task indices
// with at least one recorded failure.
func (e *ExecutorFailuresInTaskSet) NumUniqueTasksWithFailures() int {
	return len(e.taskToFailureCountAndExpiryTime)
}

// forEachFailure invokes fn once per distinct task index, in unspecified
// order, with its latest recorded expiry time. ExecutorFailureList.
// addFailures sorts the combined result by expiry, so iteration order here
// has no observable effect.
func (e *ExecutorFailuresInTaskSet) forEachFailure(fn func(taskIndex int, expiryTime int64)) {
	for taskIndex, entry := range e.taskToFailureCountAndExpiryTime {
		fn(taskIndex, entry.lastExpiryTime)
	}
}
