package queue

import (
	"log/slog"
	"sync"
)

// MaxRetry is the bound named DB_MAX_RETRY: an item that fails this many
// consecutive executions is dropped rather than retried forever.
const MaxRetry = 10

// Queue is an ordered, mutex-guarded FIFO of *Item. Producers call Send
// from any goroutine; the Writer is the sole consumer and drives
// DrainForProcessing / RequeueHead from its own loop.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	logger *slog.Logger
}

// New builds an empty Queue. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{logger: logger}
}

// Send appends item to the tail, resetting its retry count. O(1)
// amortized. Safe for concurrent callers.
func (q *Queue) Send(item *Item) {
	item.Retry = 0
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// HasKind reports whether any currently queued item carries kind. Used
// by the Collector to suppress a redundant snapshot trigger while one
// is still pending.
func (q *Queue) HasKind(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Kind == kind {
			return true
		}
	}
	return false
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainForProcessing atomically detaches the current backlog and hands
// it to the caller; items arriving after this call land in a fresh
// backing slice, never the returned one.
func (q *Queue) DrainForProcessing() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = nil
	return drained
}

// RequeueHead prepends list back in order, ahead of anything enqueued
// by producers while the Writer was processing. Used when the drain
// stops partway through because an item is still within its retry
// budget.
func (q *Queue) RequeueHead(list []*Item) {
	if len(list) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]*Item{}, list...), q.items...)
}

// FailurePolicy decides, for an item whose Execute just returned err,
// whether it should be retried or dropped, and logs accordingly. It
// returns true if the item should be retried (its Retry field has
// already been incremented), false if it was dropped (Release already
// called).
func (q *Queue) FailurePolicy(item *Item, err error) (retry bool) {
	item.Retry++
	if item.Retry >= MaxRetry {
		q.logger.Warn("writer discard",
			"kind", item.Kind.String(),
			"correlation_id", item.CorrelationID,
			"retries", item.Retry,
			"error", err)
		item.Release()
		return false
	}
	return true
}
