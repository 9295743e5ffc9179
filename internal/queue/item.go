// Package queue implements the agent's in-memory FIFO of work items
// destined for the repository: at-least-once delivery with a bounded
// per-item retry, a single consumer, and producer order preserved
// across retries.
package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// newCorrelationID mints a lexicographically sortable id so the
// Writer's retry/discard logs can be tied back to the exact enqueue
// that produced an item, including across the Queue's reordering on
// requeue.
func newCorrelationID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// Kind tags the variant a QueueItem carries.
type Kind int

const (
	KindSnapshot Kind = iota
	KindCheckpoint
	KindAutovacuum
	KindAutoanalyze
	KindHardwareInfo
	KindMaintenance
	KindLogBatch
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindCheckpoint:
		return "checkpoint"
	case KindAutovacuum:
		return "autovacuum"
	case KindAutoanalyze:
		return "autoanalyze"
	case KindHardwareInfo:
		return "hardware_info"
	case KindMaintenance:
		return "maintenance"
	case KindLogBatch:
		return "log_batch"
	default:
		return "unknown"
	}
}

// Executor is the per-variant behavior the Writer dispatches over. conn
// is an internal/repository.Connection; it is passed as interface{}
// here so this package does not import the repository package (which
// would create an import cycle with the writer's own use of queue).
type Executor interface {
	// Execute runs the item against the repository connection and the
	// resolved instance id. A nil error means the item is done and may
	// be released; any non-nil error is treated as retryable by the
	// Writer's bounded-retry policy.
	Execute(ctx context.Context, conn interface{}, instanceID int64) error

	// Release frees any resources (buffers, result sets) the item
	// holds. Called exactly once, whether the item succeeds, is
	// dropped after exhausting retries, or is discarded at shutdown.
	Release()
}

// Item is the common header every queue entry carries, wrapping a
// kind-specific Executor payload. The source models this with an
// embedded struct and function pointers; here the payload itself
// implements Executor and Item is the tagged-variant envelope the
// Writer and Queue operate on uniformly.
type Item struct {
	Kind          Kind
	Retry         int
	Enqueued      time.Time
	CorrelationID string
	Payload       Executor
}

// Execute and Release delegate to the payload so callers can treat Item
// as an Executor directly.
func (it *Item) Execute(ctx context.Context, conn interface{}, instanceID int64) error {
	return it.Payload.Execute(ctx, conn, instanceID)
}

func (it *Item) Release() {
	it.Payload.Release()
}

// NewItem wraps payload as a fresh queue entry of the given kind, retry
// count reset to zero.
func NewItem(kind Kind, payload Executor) *Item {
	return &Item{Kind: kind, Payload: payload, Enqueued: time.Now(), CorrelationID: newCorrelationID()}
}
