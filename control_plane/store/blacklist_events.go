package store

import (
	"context"
	"time"
)

// BlacklistEvent is an audit record of one executor or node blacklist
// promotion, kept so the incident/timeline UI can show blacklist activity
// alongside reconcile events.
type BlacklistEvent struct {
	Level      string    `json:"level"` // "executor" or "node"
	ExecutorID string    `json:"executor_id,omitempty"`
	NodeID     string    `json:"node_id"`
	ExpiryTime time.Time `json:"expiry_time"`
	Timestamp  time.Time `json:"timestamp"`
}

// BlacklistEventRecorder is an optional capability implemented by store
// backends that can durably record blacklist promotions. It is deliberately
// not part of the Store interface: the blacklist tracker itself stays
// persistence-free (see its Non-goals), this is a companion audit trail
// that only the Redis-backed store currently provides. Callers type-assert
// for it rather than requiring every Store implementation to carry it.
type BlacklistEventRecorder interface {
	RecordBlacklistEvent(ctx context.Context, event BlacklistEvent) error
	RecentBlacklistEvents(ctx context.Context, limit int64) ([]BlacklistEvent, error)
}
