// Package schema defines the broker's core value types.
package schema

// Message is the envelope fanned out to subscribers. It references a shared
// buffer by name and never owns it.
type Message struct {
	Buffer    string `json:"buffer_name"`
	Metadata  []byte `json:"metadata,omitempty"`
	Timestamp uint64 `json:"timestamp"`
}

// ReleaseReason explains why a queue gave up its references to a buffer.
type ReleaseReason string

const (
	// ReleaseCollected marks entries retired because every cursor passed them.
	ReleaseCollected ReleaseReason = "collected"
	// ReleaseEvicted marks an in-flight entry displaced under the drop policy.
	ReleaseEvicted ReleaseReason = "evicted"
	// ReleaseDropped marks a publish discarded because nothing could be evicted.
	ReleaseDropped ReleaseReason = "dropped"
	// ReleaseAborted marks a publish abandoned while waiting for queue space.
	ReleaseAborted ReleaseReason = "aborted"
)

// Release asks the caller to drop Count references to Buffer.
type Release struct {
	Buffer string
	Count  int
	Reason ReleaseReason
}

// Unconditional reports whether the release must be applied regardless of
// the configured release policy.
func (r Release) Unconditional() bool {
	return r.Reason != ReleaseCollected
}

// BufferInfo is a point-in-time view of a registered shared buffer.
type BufferInfo struct {
	Name     string
	Size     int64
	RefCount int
}
