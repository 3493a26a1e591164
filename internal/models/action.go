package models

import (
	"encoding/json"
	"regexp"
	"time"
)

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	StatusPending ActionStatus = "pending"
	StatusSyncing ActionStatus = "syncing"
	StatusSynced  ActionStatus = "synced"
	StatusFailed  ActionStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ActionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// transitions lists the allowed status edges. Failed→Pending is reachable only
// through an explicit user retry.
var transitions = map[ActionStatus][]ActionStatus{
	StatusPending: {StatusSyncing},
	StatusSyncing: {StatusSynced, StatusPending, StatusFailed},
	StatusFailed:  {StatusPending},
}

// CanTransition reports whether an action may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to ActionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActionType is a producer-owned category such as "note.update".
type ActionType string

var actionTypePattern = regexp.MustCompile(`^[a-z0-9_.:-]{1,64}$`)

// Valid reports whether the type is a well-formed token.
func (t ActionType) Valid() bool {
	return actionTypePattern.MatchString(string(t))
}

// OfflineAction is an operation recorded while offline and replayed later.
type OfflineAction struct {
	ID             string          `json:"id"`
	Type           ActionType      `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         ActionStatus    `json:"status"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SyncAttempts   int             `json:"sync_attempts"`
	LastSyncError  *string         `json:"last_sync_error,omitempty"`
	MaxAttempts    int             `json:"max_attempts"`
	NextEligibleAt *time.Time      `json:"next_eligible_at,omitempty"`
	Seq            int64           `json:"seq"`
}

// Clone returns a deep copy so callers never share mutable state with the queue.
func (a *OfflineAction) Clone() *OfflineAction {
	if a == nil {
		return nil
	}
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.LastSyncError != nil {
		msg := *a.LastSyncError
		c.LastSyncError = &msg
	}
	if a.NextEligibleAt != nil {
		at := *a.NextEligibleAt
		c.NextEligibleAt = &at
	}
	return &c
}

// EligibleAt reports whether a pending action may be dequeued at now.
func (a *OfflineAction) EligibleAt(now time.Time) bool {
	if a.Status != StatusPending {
		return false
	}
	return a.NextEligibleAt == nil || !a.NextEligibleAt.After(now)
}

// ErrorMessage returns the last sync error or an empty string.
func (a *OfflineAction) ErrorMessage() string {
	if a.LastSyncError == nil {
		return ""
	}
	return *a.LastSyncError
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Validate checks the fields a producer controls. It does not check id
// uniqueness, which is the queue's concern.
func (a *OfflineAction) Validate() error {
	if a.ID == "" {
		return NewValidationError("id", "is required")
	}
	if len(a.ID) > MaxActionIDLength {
		return NewValidationError("id", "is too long")
	}
	if !a.Type.Valid() {
		return NewValidationError("type", "must match [a-z0-9_.:-]{1,64}")
	}
	if len(a.Payload) > 0 && !json.Valid(a.Payload) {
		return NewValidationError("payload", "must be valid JSON")
	}
	if len(a.Payload) > MaxPayloadBytes {
		return NewValidationError("payload", "exceeds size limit")
	}
	if !a.Status.Valid() {
		return NewValidationError("status", "is unknown")
	}
	if a.Priority < MinPriority || a.Priority > MaxPriority {
		return NewValidationError("priority", "must be within [0,10]")
	}
	if a.MaxAttempts < 1 {
		return NewValidationError("max_attempts", "must be positive")
	}
	if a.SyncAttempts < 0 {
		return NewValidationError("sync_attempts", "must not be negative")
	}
	return nil
}

// ActionPatch is a partial update. Nil fields are left untouched.
type ActionPatch struct {
	Status         *ActionStatus
	Priority       *int
	SyncAttempts   *int
	LastSyncError  *string
	ClearError     bool
	NextEligibleAt *time.Time
	ClearEligible  bool
}

// ActionFilter narrows List and DequeueBatch results. Zero value matches all.
type ActionFilter struct {
	Statuses    []ActionStatus
	Types       []ActionType
	MinPriority int
	// ExcludeIDs drops the listed ids. A pass uses it to skip actions it has
	// already handled.
	ExcludeIDs map[string]struct{}
}

// Match reports whether a satisfies the filter.
func (f ActionFilter) Match(a *OfflineAction) bool {
	if _, skip := f.ExcludeIDs[a.ID]; skip {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == a.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return a.Priority >= f.MinPriority
}

func containsStatus(list []ActionStatus, s ActionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Ack is the transport's acknowledgement of a delivered action.
type Ack struct {
	ActionID   string    `json:"action_id"`
	ServerID   string    `json:"server_id,omitempty"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
