package dispatch

import "time"

// Config controls the delivery pipeline.
type Config struct {
	// Lanes is the number of FIFO worker queues. Jobs are sharded by
	// (group, identity), so one lane carries a given pair in order.
	Lanes     int
	LaneQueue int

	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	RenderTimeout time.Duration

	// DedupWindow is how long a (group, fingerprint) pair stays suppressed.
	// Negative disables suppression.
	DedupWindow       time.Duration
	DedupMaxEntries   int
	FingerprintBucket time.Duration
	PersistDedup      bool
}

// DeliveryEvent is published on the event bus for dispatch lifecycle events.
type DeliveryEvent struct {
	ID       string    `json:"id"`
	Group    string    `json:"group"`
	Identity uint64    `json:"identity,string"`
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

const (
	EventQueued  = "dispatch.queued"
	EventDeduped = "dispatch.deduped"
	EventDropped = "dispatch.dropped"
	EventSent    = "dispatch.sent"
	EventFailed  = "dispatch.failed"
)
