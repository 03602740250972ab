// Package broker implements topic fan-out over multi-cursor delivery queues.
package broker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/coachpo/shmbroker/internal/domain/errs"
	"github.com/coachpo/shmbroker/internal/domain/schema"
)

// entry is one posted message plus the number of buffer references this
// queue holds for it, one per cursor that will read it.
type entry struct {
	seq  uint64
	msg  schema.Message
	refs int
}

// retired is an entry collected while some subscriber could still rewind its
// last pull onto it. Its release waits until every holder settles.
type retired struct {
	entry
	holders int
}

// Queue is a subscriber group's view of a topic. Every subscriber sharing the
// queue owns an independent cursor ("next entry to read"); entries are only
// discarded once every cursor has passed them.
type Queue struct {
	mu      sync.Mutex
	entries []entry
	cursors map[string]int
	maxSize int
	drop    bool
	nextSeq uint64
	retain  Retain

	// pending maps a subscriber to the entry its last pull returned, until
	// the subscriber pulls again or rewinds.
	pending map[string]uint64
	// replay maps a subscriber to a retired entry its next pull must return.
	replay   map[string]uint64
	retired  map[uint64]*retired
	deferred []schema.Release

	// wake is closed and replaced on every state change so blocked pullers
	// and pushers re-evaluate their predicate.
	wake chan struct{}
}

// NewQueue creates a queue. maxSize <= 0 means unbounded; drop selects
// eviction over blocking when the queue is full.
func NewQueue(maxSize int, drop bool) *Queue {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Queue{
		entries: make([]entry, 0),
		cursors: make(map[string]int),
		pending: make(map[string]uint64),
		replay:  make(map[string]uint64),
		retired: make(map[uint64]*retired),
		maxSize: maxSize,
		drop:    drop,
		wake:    make(chan struct{}),
	}
}

// Register adds a cursor at position zero. Every retained entry gains a
// reference for the new reader. Registering twice is a no-op.
func (q *Queue) Register(subscriber string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.cursors[subscriber]; ok {
		return
	}
	q.cursors[subscriber] = 0
	for i := range q.entries {
		q.entries[i].refs++
		q.retainLocked(q.entries[i].msg.Buffer, 1)
	}
	q.notifyLocked()
}

// Sharers returns the number of cursors on the queue.
func (q *Queue) Sharers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cursors)
}

// Len returns the number of retained entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cursors returns a copy of the cursor map.
func (q *Queue) Cursors() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.cursors))
	for name, pos := range q.cursors {
		out[name] = pos
	}
	return out
}

// MaxSize returns the configured bound (0 = unbounded).
func (q *Queue) MaxSize() int { return q.maxSize }

// Push appends msg on behalf of refs buffer references. When the queue is full
// it first collects fully consumed entries, then either evicts (drop policy)
// or waits for space (block policy). The returned releases tell the caller
// which buffer references this queue gave up; they are returned even when an
// error aborts the push.
func (q *Queue) Push(ctx context.Context, msg schema.Message, refs int) ([]schema.Release, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var releases []schema.Release

	q.mu.Lock()
	for {
		if !q.fullLocked() {
			q.appendLocked(msg, refs)
			q.notifyLocked()
			q.mu.Unlock()
			return releases, nil
		}

		releases = append(releases, q.collectLocked()...)
		if !q.fullLocked() {
			continue
		}

		if q.drop {
			releases = append(releases, q.evictLocked(msg, refs)...)
			q.mu.Unlock()
			return releases, nil
		}

		wake := q.wake
		q.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			releases = append(releases, schema.Release{Buffer: msg.Buffer, Count: refs, Reason: schema.ReleaseAborted})
			return releases, errs.New("broker/queue", errs.CodeCancelled,
				errs.WithMessage("publish abandoned while queue full"),
				errs.WithField("buffer", msg.Buffer),
				errs.WithCause(ctx.Err()))
		}
		q.mu.Lock()
	}
}

// evictLocked makes room under the drop policy. The victim is the first entry
// the most advanced subscriber has not read yet; when that subscriber has
// read everything the incoming message is dropped instead.
func (q *Queue) evictLocked(msg schema.Message, refs int) []schema.Release {
	victim := q.maxCursorLocked()
	if victim >= len(q.entries) {
		return []schema.Release{{Buffer: msg.Buffer, Count: refs, Reason: schema.ReleaseDropped}}
	}
	evicted := q.entries[victim]
	q.entries = slices.Delete(q.entries, victim, victim+1)
	q.appendLocked(msg, refs)
	q.notifyLocked()
	return []schema.Release{{Buffer: evicted.msg.Buffer, Count: evicted.refs, Reason: schema.ReleaseEvicted}}
}

// appendLocked posts msg. Cursors registered after the caller counted refs
// get their reference here.
func (q *Queue) appendLocked(msg schema.Message, refs int) {
	if extra := len(q.cursors) - refs; extra > 0 {
		refs += extra
		q.retainLocked(msg.Buffer, extra)
	}
	q.entries = append(q.entries, entry{seq: q.nextSeq, msg: msg, refs: refs})
	q.nextSeq++
}

func (q *Queue) retainLocked(buffer string, n int) {
	if q.retain != nil {
		q.retain(buffer, n)
	}
}

// Pull returns the entry at the subscriber's cursor and advances it. When the
// cursor is past the end it waits for new data: timeout < 0 waits until ctx is
// done, 0 polls once, > 0 bounds the wait measured from call entry. Pulling
// settles the subscriber's previous pull, which can no longer be rewound.
func (q *Queue) Pull(ctx context.Context, subscriber string, timeout time.Duration) (schema.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	q.mu.Lock()
	q.settleLocked(subscriber)
	for {
		cursor, ok := q.cursors[subscriber]
		if !ok {
			q.mu.Unlock()
			return schema.Message{}, errs.New("broker/queue", errs.CodeNotFound,
				errs.WithMessage("subscriber has no cursor on queue"),
				errs.WithField("subscriber", subscriber))
		}
		if seq, ok := q.replay[subscriber]; ok {
			delete(q.replay, subscriber)
			q.pending[subscriber] = seq
			r := q.retired[seq]
			q.mu.Unlock()
			return r.msg, nil
		}
		if cursor < len(q.entries) {
			e := q.entries[cursor]
			q.cursors[subscriber] = cursor + 1
			q.pending[subscriber] = e.seq
			q.notifyLocked()
			q.mu.Unlock()
			return e.msg, nil
		}
		if timeout == 0 {
			q.mu.Unlock()
			return schema.Message{}, timeoutError(subscriber)
		}

		wake := q.wake
		q.mu.Unlock()
		select {
		case <-wake:
		case <-deadline:
			return schema.Message{}, timeoutError(subscriber)
		case <-ctx.Done():
			return schema.Message{}, errs.New("broker/queue", errs.CodeCancelled,
				errs.WithMessage("pull abandoned"),
				errs.WithField("subscriber", subscriber),
				errs.WithCause(ctx.Err()))
		}
		q.mu.Lock()
	}
}

// Rewind undoes the subscriber's last pull so its next pull returns the same
// entry again. It is a no-op when the last pull was already settled or
// returned nothing.
func (q *Queue) Rewind(subscriber string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cursor, ok := q.cursors[subscriber]
	if !ok {
		return errs.New("broker/queue", errs.CodeNotFound,
			errs.WithMessage("subscriber has no cursor on queue"),
			errs.WithField("subscriber", subscriber))
	}
	seq, ok := q.pending[subscriber]
	if !ok {
		return nil
	}
	delete(q.pending, subscriber)
	if _, gone := q.retired[seq]; gone {
		q.replay[subscriber] = seq
	} else {
		if cursor == 0 || q.entries[cursor-1].seq != seq {
			panic("broker: pending entry not behind cursor")
		}
		q.cursors[subscriber] = cursor - 1
	}
	q.notifyLocked()
	return nil
}

// Settle marks the subscriber's last pull as delivered. A retired entry whose
// last holder settles is released by the next collection.
func (q *Queue) Settle(subscriber string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settleLocked(subscriber)
}

func (q *Queue) settleLocked(subscriber string) {
	seq, ok := q.pending[subscriber]
	if !ok {
		return
	}
	delete(q.pending, subscriber)
	r, held := q.retired[seq]
	if !held {
		return
	}
	r.holders--
	if r.holders == 0 {
		delete(q.retired, seq)
		q.deferred = append(q.deferred, schema.Release{Buffer: r.msg.Buffer, Count: r.refs, Reason: schema.ReleaseCollected})
	}
}

// Collect discards the prefix every cursor has passed, shifts the cursors and
// returns one release per discarded entry. Entries a subscriber may still
// rewind onto are retired instead and released once settled.
func (q *Queue) Collect() []schema.Release {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.collectLocked()
}

func (q *Queue) collectLocked() []schema.Release {
	releases := q.deferred
	q.deferred = nil

	n := q.minCursorLocked()
	if n <= 0 {
		return releases
	}
	if n > len(q.entries) {
		panic("broker: cursor beyond queue length")
	}
	holders := make(map[uint64]int, len(q.pending))
	for _, seq := range q.pending {
		holders[seq]++
	}
	for _, e := range q.entries[:n] {
		if h := holders[e.seq]; h > 0 {
			q.retired[e.seq] = &retired{entry: e, holders: h}
			continue
		}
		releases = append(releases, schema.Release{Buffer: e.msg.Buffer, Count: e.refs, Reason: schema.ReleaseCollected})
	}
	q.entries = slices.Delete(q.entries, 0, n)
	for name, pos := range q.cursors {
		q.cursors[name] = max(pos-n, 0)
	}
	q.notifyLocked()
	return releases
}

func (q *Queue) fullLocked() bool {
	return q.maxSize > 0 && len(q.entries) >= q.maxSize
}

func (q *Queue) minCursorLocked() int {
	if len(q.cursors) == 0 {
		return 0
	}
	lowest := -1
	for _, pos := range q.cursors {
		if lowest < 0 || pos < lowest {
			lowest = pos
		}
	}
	return lowest
}

func (q *Queue) maxCursorLocked() int {
	highest := 0
	for _, pos := range q.cursors {
		highest = max(highest, pos)
	}
	return highest
}

func (q *Queue) notifyLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func timeoutError(subscriber string) error {
	return errs.New("broker/queue", errs.CodeTimeout,
		errs.WithMessage("no data before deadline"),
		errs.WithField("subscriber", subscriber))
}
