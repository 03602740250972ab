package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/shmbroker/internal/domain/errs"
	"github.com/coachpo/shmbroker/internal/domain/schema"
)

const defaultFanoutWorkers = 4

// Reserve is invoked by Publish once the fan-out width is known and before
// any queue sees the message. Returning an error aborts the publish.
type Reserve func(sharers int) error

// Retain adds n references to buffer on behalf of readers that joined after
// the buffer was published. It is called with a queue lock held.
type Retain func(buffer string, n int)

// Topic owns the delivery queues of one named subject. Independent
// subscribers own a queue; dependent subscribers read an owner's queue
// through their own cursor.
type Topic struct {
	name    string
	drop    bool
	workers int
	retain  Retain

	mu         sync.RWMutex
	queues     map[string]*Queue
	dependents map[string]string
	// formed is closed and replaced whenever a new independent queue appears.
	formed chan struct{}
}

// NewTopic creates an empty topic. workers bounds the concurrent queue pushes
// of a single publish.
func NewTopic(name string, drop bool, workers int) *Topic {
	if workers <= 0 {
		workers = defaultFanoutWorkers
	}
	return &Topic{
		name:       name,
		drop:       drop,
		workers:    workers,
		queues:     make(map[string]*Queue),
		dependents: make(map[string]string),
		formed:     make(chan struct{}),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Drop reports whether full queues evict instead of blocking publishers.
func (t *Topic) Drop() bool { return t.drop }

// Subscribe registers subscriber. Without dependencies it gets its own queue
// bounded by maxQueueSize. With dependencies it waits until one of them owns
// a queue (directly or through its own dependency) and attaches a cursor
// there. Known subscribers are accepted without change.
func (t *Topic) Subscribe(ctx context.Context, subscriber string, dependencies []string, maxQueueSize int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if subscriber == "" {
		return errs.New("broker/topic", errs.CodeInvalid, errs.WithMessage("subscriber name required"))
	}

	t.mu.Lock()
	for {
		if t.knownLocked(subscriber) {
			t.mu.Unlock()
			return nil
		}

		if len(dependencies) == 0 {
			q := NewQueue(maxQueueSize, t.drop)
			q.retain = t.retain
			q.Register(subscriber)
			t.queues[subscriber] = q
			close(t.formed)
			t.formed = make(chan struct{})
			t.mu.Unlock()
			return nil
		}

		if owner, q := t.findOwnerLocked(dependencies); q != nil {
			t.dependents[subscriber] = owner
			q.Register(subscriber)
			t.mu.Unlock()
			return nil
		}

		formed := t.formed
		t.mu.Unlock()
		select {
		case <-formed:
		case <-ctx.Done():
			return errs.New("broker/topic", errs.CodeCancelled,
				errs.WithMessage("dependency never subscribed"),
				errs.WithField("topic", t.name),
				errs.WithField("subscriber", subscriber),
				errs.WithCause(ctx.Err()))
		}
		t.mu.Lock()
	}
}

func (t *Topic) knownLocked(subscriber string) bool {
	if _, ok := t.queues[subscriber]; ok {
		return true
	}
	_, ok := t.dependents[subscriber]
	return ok
}

func (t *Topic) findOwnerLocked(dependencies []string) (string, *Queue) {
	for _, dep := range dependencies {
		if q, ok := t.queues[dep]; ok {
			return dep, q
		}
		if owner, ok := t.dependents[dep]; ok {
			return owner, t.queues[owner]
		}
	}
	return "", nil
}

// Publish posts msg to every independent queue. The structural lock is only
// held while snapshotting the queues; pushes may block on full queues and run
// concurrently across queues. Releases from every queue are returned even on
// error.
func (t *Topic) Publish(ctx context.Context, msg schema.Message, reserve Reserve) ([]schema.Release, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type target struct {
		q    *Queue
		refs int
	}

	t.mu.RLock()
	targets := make([]target, 0, len(t.queues))
	total := 0
	for _, q := range t.queues {
		refs := q.Sharers()
		targets = append(targets, target{q: q, refs: refs})
		total += refs
	}
	t.mu.RUnlock()

	if total == 0 {
		return nil, errs.New("broker/topic", errs.CodeNoSubscribers,
			errs.WithMessage("topic has no subscribers"),
			errs.WithField("topic", t.name))
	}
	if reserve != nil {
		if err := reserve(total); err != nil {
			return nil, err
		}
	}

	var (
		mu       sync.Mutex
		releases []schema.Release
		firstErr error
	)
	p := concpool.New().WithMaxGoroutines(t.workers)
	for _, tgt := range targets {
		p.Go(func() {
			out, err := tgt.q.Push(ctx, msg, tgt.refs)
			mu.Lock()
			defer mu.Unlock()
			releases = append(releases, out...)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		})
	}
	p.Wait()
	return releases, firstErr
}

// Pull reads the next message for subscriber from its own or shared queue.
func (t *Topic) Pull(ctx context.Context, subscriber string, timeout time.Duration) (schema.Message, error) {
	q, err := t.resolve(subscriber)
	if err != nil {
		return schema.Message{}, err
	}
	return q.Pull(ctx, subscriber, timeout)
}

// CancelPull undoes subscriber's last pull.
func (t *Topic) CancelPull(subscriber string) error {
	q, err := t.resolve(subscriber)
	if err != nil {
		return err
	}
	return q.Rewind(subscriber)
}

// ClearProcessed settles subscriber's last pull and garbage-collects the
// queue it reads from.
func (t *Topic) ClearProcessed(subscriber string) ([]schema.Release, error) {
	q, err := t.resolve(subscriber)
	if err != nil {
		return nil, err
	}
	q.Settle(subscriber)
	return q.Collect(), nil
}

// SubscriberCount returns independent plus dependent subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.queues) + len(t.dependents)
}

// QueueStats is a snapshot of one queue for introspection.
type QueueStats struct {
	Owner   string
	MaxSize int
	Length  int
	Cursors map[string]int
}

// Stats returns per-queue snapshots ordered by owner name.
func (t *Topic) Stats() []QueueStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := make([]QueueStats, 0, len(t.queues))
	for owner, q := range t.queues {
		stats = append(stats, QueueStats{
			Owner:   owner,
			MaxSize: q.MaxSize(),
			Length:  q.Len(),
			Cursors: q.Cursors(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Owner < stats[j].Owner })
	return stats
}

func (t *Topic) resolve(subscriber string) (*Queue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if q, ok := t.queues[subscriber]; ok {
		return q, nil
	}
	if owner, ok := t.dependents[subscriber]; ok {
		q, ok := t.queues[owner]
		if !ok {
			panic("broker: dependent subscriber references missing queue")
		}
		return q, nil
	}
	return nil, errs.New("broker/topic", errs.CodeNotFound,
		errs.WithMessage("subscriber not registered on topic"),
		errs.WithField("topic", t.name),
		errs.WithField("subscriber", subscriber))
}
