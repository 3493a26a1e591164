package models

import "time"

const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5

	// DefaultMaxAttempts applies when neither the producer nor the per-type
	// config sets a cap.
	DefaultMaxAttempts = 5

	MaxActionIDLength = 128
	MaxPayloadBytes   = 1 << 20
)

const (
	DefaultBatchSize    = 20
	DefaultBaseDelay    = 2 * time.Second
	DefaultMaxDelay     = 5 * time.Minute
	DefaultSendTimeout  = 15 * time.Second
	DefaultWriteTimeout = 5 * time.Second

	DefaultQueueKey = "offsync:queue"
	DefaultStateKey = "offsync:state"
)

// Lifecycle event types published per processed action.
const (
	EventActionEnqueued       = "action_enqueued"
	EventActionSynced         = "action_synced"
	EventActionRetryScheduled = "action_retry_scheduled"
	EventActionFailed         = "action_failed"
	EventPassFinished         = "pass_finished"
)
