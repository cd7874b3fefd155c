package model

import "time"

type GrantState string

const (
	GrantPending  GrantState = "pending"
	GrantIssued   GrantState = "issued"
	GrantFailed   GrantState = "failed"
	GrantTimedOut GrantState = "timed_out"
)

// Grant tracks one read-access request for a snapshot. It only lives for the
// duration of an initiate pass; URI must never be written to the store.
type Grant struct {
	Snapshot    SnapshotRecord
	State       GrantState
	URI         string
	RequestedAt time.Time
	ResolvedAt  time.Time
	Err         error
}

func (g *Grant) Resolved() bool {
	return g.State != GrantPending
}
