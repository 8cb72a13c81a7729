package blacklist

import "sort"

// taskFailure is a single (task identity, expiry time) pair.
type taskFailure struct {
	taskID     TaskID
	expiryTime int64
}

// ExecutorFailureList holds the unexpired failures of one executor across
// completed (successful) task sets, ordered ascending by expiry time. All
// operations are expected to run under the outer scheduler's lock; the
// type adds no internal synchronization of its own, matching the
// single-writer assumption of the tracker it belongs to.
//
// The sequence is assumed to stay small: executors with many failures are
// promptly promoted out of this structure by the tracker.
type ExecutorFailureList struct {
	failures []taskFailure
}

// NewExecutorFailureList creates an empty failure list.
func NewExecutorFailureList() *ExecutorFailureList {
	return &ExecutorFailureList{}
}

// AddFailures appends every (taskIndex, expiry) pair reported in
// failuresInTaskSet for the given (stage, stageAttempt), then re-sorts the
// whole sequence ascending by expiry time. New failures may interleave
// with old ones by wall time; correctness of MinExpiryTime and of
// DropFailuresWithTimeoutBefore requires the sequence to stay sorted.
// Distinct TaskIDs are not deduplicated across calls - callers must ensure
// each task set is submitted exactly once.
func (l *ExecutorFailureList) AddFailures(stageID, stageAttemptID int, failuresInTaskSet *ExecutorFailuresInTaskSet) {
	failuresInTaskSet.forEachFailure(func(taskIndex int, expiryTime int64) {
		l.failures = append(l.failures, taskFailure{
			taskID: TaskID{
				StageID:        stageID,
				StageAttemptID: stageAttemptID,
				TaskIndex:      taskIndex,
			},
			expiryTime: expiryTime,
		})
	})

	sort.Slice(l.failures, func(i, j int) bool {
		return l.failures[i].expiryTime < l.failures[j].expiryTime
	})
}

// MinExpiryTime returns the earliest expiry time in the list and true, or
// (0, false) if the list is empty.
func (l *ExecutorFailureList) MinExpiryTime() (int64, bool) {
	if len(l.failures) == 0 {
		return 0, false
	}
	return l.failures[0].expiryTime, true
}

// NumUniqueTaskFailures returns the number of recorded failures.
func (l *ExecutorFailureList) NumUniqueTaskFailures() int {
	return len(l.failures)
}

// IsEmpty reports whether the list has no failures recorded.
func (l *ExecutorFailureList) IsEmpty() bool {
	return len(l.failures) == 0
}

// DropFailuresWithTimeoutBefore drops every failure whose expiry time is
// strictly less than dropBefore, relying on the sorted invariant to do so
// with a single binary search rather than a full scan. No-op if the list
// is already empty or its minimum is already >= dropBefore.
func (l *ExecutorFailureList) DropFailuresWithTimeoutBefore(dropBefore int64) {
	if len(l.failures) == 0 {
		return
	}
	if l.failures[0].expiryTime >= dropBefore {
		return
	}

	i := sort.Search(len(l.failures), func(i int) bool {
		return l.failures[i].expiryTime >= dropBefore
	})
	l.failures = l.failures[i:]
}
