package models

import "time"

// PassStatus is the state of the most recent scheduler pass.
type PassStatus string

const (
	PassIdle      PassStatus = "idle"
	PassRunning   PassStatus = "running"
	PassCompleted PassStatus = "completed"
	PassCancelled PassStatus = "cancelled"
	PassFailed    PassStatus = "failed"
)

// Finished reports whether the pass reached a terminal state.
func (s PassStatus) Finished() bool {
	return s == PassCompleted || s == PassCancelled || s == PassFailed
}

// SyncState is the aggregate sync status. Subscribers always receive a full
// copy of it, never a delta.
type SyncState struct {
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at,omitempty"`
	PendingCount         int        `json:"pending_count"`
	FailedCount          int        `json:"failed_count"`
	SyncInProgress       bool       `json:"sync_in_progress"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	CurrentOperation     string     `json:"current_operation,omitempty"`
	SyncProgress         float64    `json:"sync_progress"`
	Cancelled            bool       `json:"cancelled"`
	Online               bool       `json:"online"`
	PassID               string     `json:"pass_id,omitempty"`
	PassStatus           PassStatus `json:"pass_status"`
}

// Clone copies the state including pointer fields.
func (s SyncState) Clone() SyncState {
	c := s
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		c.LastSyncAt = &t
	}
	if s.LastSuccessfulSyncAt != nil {
		t := *s.LastSuccessfulSyncAt
		c.LastSuccessfulSyncAt = &t
	}
	return c
}

// PersistedSyncState is the durable subset of SyncState kept across restarts.
type PersistedSyncState struct {
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at,omitempty"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
}

// PassResult summarises a finished scheduler pass.
type PassResult struct {
	PassID    string     `json:"pass_id"`
	Reason    string     `json:"reason"`
	Status    PassStatus `json:"status"`
	Total     int        `json:"total"`
	Processed int        `json:"processed"`
	Synced    int        `json:"synced"`
	Retried   int        `json:"retried"`
	Failed    int        `json:"failed"`
	IOErrors  int        `json:"io_errors"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
}
