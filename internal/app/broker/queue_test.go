package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/shmbroker/internal/domain/errs"
	"github.com/coachpo/shmbroker/internal/domain/schema"
)

func msg(name string) schema.Message {
	return schema.Message{Buffer: name, Timestamp: 1}
}

func pushAll(t *testing.T, q *Queue, refs int, names ...string) []schema.Release {
	t.Helper()
	var out []schema.Release
	for _, name := range names {
		rel, err := q.Push(context.Background(), msg(name), refs)
		require.NoError(t, err)
		out = append(out, rel...)
	}
	return out
}

func pullName(t *testing.T, q *Queue, sub string) string {
	t.Helper()
	m, err := q.Pull(context.Background(), sub, 0)
	require.NoError(t, err)
	return m.Buffer
}

func TestQueuePullPreservesPublishOrder(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("s1")

	var names []string
	for i := 0; i < 50; i++ {
		names = append(names, fmt.Sprintf("buf-%02d", i))
	}
	pushAll(t, q, 1, names...)

	for _, want := range names {
		require.Equal(t, want, pullName(t, q, "s1"))
	}
	_, err := q.Pull(context.Background(), "s1", 0)
	require.True(t, errs.Is(err, errs.CodeTimeout))
}

func TestQueueCursorsAreIndependent(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("a")
	q.Register("b")
	q.Register("a")
	require.Equal(t, 2, q.Sharers())

	pushAll(t, q, 2, "m0", "m1")
	require.Equal(t, "m0", pullName(t, q, "a"))
	require.Equal(t, "m1", pullName(t, q, "a"))
	require.Equal(t, "m0", pullName(t, q, "b"))
	require.Equal(t, map[string]int{"a": 2, "b": 1}, q.Cursors())
}

func TestQueuePullUnknownSubscriber(t *testing.T) {
	q := NewQueue(0, false)
	_, err := q.Pull(context.Background(), "ghost", 0)
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.True(t, errs.Is(q.Rewind("ghost"), errs.CodeNotFound))
}

func TestQueuePullTimeout(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("s1")

	start := time.Now()
	_, err := q.Pull(context.Background(), "s1", 30*time.Millisecond)
	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestQueuePullWakesOnPush(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("s1")

	got := make(chan schema.Message, 1)
	go func() {
		m, err := q.Pull(context.Background(), "s1", -1)
		if err == nil {
			got <- m
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	pushAll(t, q, 1, "late")

	select {
	case m := <-got:
		require.Equal(t, "late", m.Buffer)
	case <-time.After(time.Second):
		t.Fatal("pull did not wake")
	}
}

func TestQueuePullCancelled(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("s1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Pull(ctx, "s1", -1)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.True(t, errs.Is(err, errs.CodeCancelled))
	case <-time.After(time.Second):
		t.Fatal("pull ignored cancellation")
	}
	require.Equal(t, 0, q.Cursors()["s1"])
}

func TestQueueRewindReturnsSameItem(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("s1")
	pushAll(t, q, 1, "m0", "m1")

	require.Equal(t, "m0", pullName(t, q, "s1"))
	require.NoError(t, q.Rewind("s1"))
	require.Equal(t, "m0", pullName(t, q, "s1"))

	require.NoError(t, q.Rewind("s1"))
	require.NoError(t, q.Rewind("s1"))
	require.Equal(t, 0, q.Cursors()["s1"])
}

func TestQueueCollectOnlyDiscardsFullyRead(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("a")
	q.Register("b")
	pushAll(t, q, 2, "m0", "m1", "m2")

	pullName(t, q, "a")
	pullName(t, q, "a")
	pullName(t, q, "b")

	// b may still rewind onto m0, so its release waits.
	require.Empty(t, q.Collect())
	require.Equal(t, 2, q.Len())
	require.Equal(t, map[string]int{"a": 1, "b": 0}, q.Cursors())

	require.Equal(t, "m1", pullName(t, q, "b"))
	require.Equal(t, []schema.Release{{Buffer: "m0", Count: 2, Reason: schema.ReleaseCollected}}, q.Collect())
	require.Equal(t, 1, q.Len())

	q.Settle("a")
	q.Settle("b")
	require.Equal(t, []schema.Release{{Buffer: "m1", Count: 2, Reason: schema.ReleaseCollected}}, q.Collect())
}

func TestQueueRewindAfterSharedEntryCollected(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("a")
	q.Register("b")
	pushAll(t, q, 2, "m0", "m1")

	require.Equal(t, "m0", pullName(t, q, "a"))
	require.Equal(t, "m0", pullName(t, q, "b"))
	require.Empty(t, q.Collect())
	require.Equal(t, 1, q.Len())

	require.NoError(t, q.Rewind("a"))
	require.Equal(t, "m0", pullName(t, q, "a"))
	require.Equal(t, "m1", pullName(t, q, "a"))
	require.Equal(t, "m1", pullName(t, q, "b"))
	require.Equal(t, []schema.Release{{Buffer: "m0", Count: 2, Reason: schema.ReleaseCollected}}, q.Collect())
}

func TestQueueRewindWithoutPendingPullIsNoop(t *testing.T) {
	q := NewQueue(0, false)
	q.Register("s1")
	pushAll(t, q, 1, "m0", "m1")

	require.Equal(t, "m0", pullName(t, q, "s1"))
	q.Settle("s1")
	require.NoError(t, q.Rewind("s1"))
	require.Equal(t, "m1", pullName(t, q, "s1"))

	_, err := q.Pull(context.Background(), "s1", 0)
	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.NoError(t, q.Rewind("s1"))
	require.Equal(t, 2, q.Cursors()["s1"])
}

func TestQueueBlockPolicyWaitsForSpace(t *testing.T) {
	q := NewQueue(2, false)
	q.Register("s1")
	pushAll(t, q, 1, "m0", "m1")

	pushed := make(chan []schema.Release, 1)
	go func() {
		rel, err := q.Push(context.Background(), msg("m2"), 1)
		if err == nil {
			pushed <- rel
		}
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push into full block-policy queue did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, "m0", pullName(t, q, "s1"))

	select {
	case rel := <-pushed:
		require.Empty(t, rel)
	case <-time.After(time.Second):
		t.Fatal("blocked push never resumed")
	}
	require.Equal(t, 2, q.Len())
	require.Equal(t, "m1", pullName(t, q, "s1"))
	require.Equal(t, "m2", pullName(t, q, "s1"))

	q.Settle("s1")
	require.Equal(t, []schema.Release{
		{Buffer: "m0", Count: 1, Reason: schema.ReleaseCollected},
		{Buffer: "m1", Count: 1, Reason: schema.ReleaseCollected},
		{Buffer: "m2", Count: 1, Reason: schema.ReleaseCollected},
	}, q.Collect())
}

func TestQueueBlockedPushAborts(t *testing.T) {
	q := NewQueue(1, false)
	q.Register("s1")
	pushAll(t, q, 1, "m0")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rel, err := q.Push(ctx, msg("m1"), 1)
	require.True(t, errs.Is(err, errs.CodeCancelled))
	require.Equal(t, []schema.Release{{Buffer: "m1", Count: 1, Reason: schema.ReleaseAborted}}, rel)
	require.Equal(t, 1, q.Len())
}

func TestQueueDropPolicyEvictsUnreadEntry(t *testing.T) {
	q := NewQueue(1, true)
	q.Register("s1")

	rel := pushAll(t, q, 1, "m0", "m1")
	require.Equal(t, []schema.Release{{Buffer: "m0", Count: 1, Reason: schema.ReleaseEvicted}}, rel)
	require.Equal(t, 1, q.Len())
	require.Equal(t, "m1", pullName(t, q, "s1"))
}

func TestQueueDropPolicyBoundsSize(t *testing.T) {
	const k = 4
	q := NewQueue(k, true)
	q.Register("a")
	q.Register("b")

	rel := pushAll(t, q, 2, "m0", "m1", "m2", "m3", "m4")
	require.LessOrEqual(t, q.Len(), k)
	require.Len(t, rel, 1)
	require.Equal(t, 2, rel[0].Count)
	require.Equal(t, schema.ReleaseEvicted, rel[0].Reason)
}

// The victim is chosen relative to the most advanced reader, not the slowest.
func TestQueueDropEvictionTieBreak(t *testing.T) {
	q := NewQueue(3, true)
	q.Register("fast")
	q.Register("slow")
	pushAll(t, q, 2, "m0", "m1", "m2")

	pullName(t, q, "fast")
	pullName(t, q, "fast")

	rel := pushAll(t, q, 2, "m3")
	require.Equal(t, []schema.Release{{Buffer: "m2", Count: 2, Reason: schema.ReleaseEvicted}}, rel)

	require.Equal(t, "m3", pullName(t, q, "fast"))
	require.Equal(t, "m0", pullName(t, q, "slow"))
	require.Equal(t, "m1", pullName(t, q, "slow"))
	require.Equal(t, "m3", pullName(t, q, "slow"))
}

func TestQueueDropsIncomingWhenFastestReadEverything(t *testing.T) {
	q := NewQueue(2, true)
	q.Register("fast")
	q.Register("slow")
	pushAll(t, q, 2, "m0", "m1")

	pullName(t, q, "fast")
	pullName(t, q, "fast")

	rel := pushAll(t, q, 2, "m2")
	require.Equal(t, []schema.Release{{Buffer: "m2", Count: 2, Reason: schema.ReleaseDropped}}, rel)
	require.Equal(t, 2, q.Len())
	require.Equal(t, "m0", pullName(t, q, "slow"))
}

type retained map[string]int

func (r retained) add(buffer string, n int) { r[buffer] += n }

func TestQueueLateReaderRetainsEntries(t *testing.T) {
	got := retained{}
	q := NewQueue(0, false)
	q.retain = got.add
	q.Register("a")
	pushAll(t, q, 1, "m0", "m1")
	require.Equal(t, "m0", pullName(t, q, "a"))

	q.Register("late")
	require.Equal(t, retained{"m0": 1, "m1": 1}, got)
	require.Equal(t, "m0", pullName(t, q, "late"))

	q.Settle("a")
	q.Settle("late")
	require.Equal(t, []schema.Release{{Buffer: "m0", Count: 2, Reason: schema.ReleaseCollected}}, q.Collect())
}

func TestQueuePushTopsUpStaleShare(t *testing.T) {
	got := retained{}
	q := NewQueue(0, false)
	q.retain = got.add
	q.Register("a")
	q.Register("b")

	pushAll(t, q, 1, "m0")
	require.Equal(t, retained{"m0": 1}, got)

	pullName(t, q, "a")
	pullName(t, q, "b")
	q.Settle("a")
	q.Settle("b")
	require.Equal(t, []schema.Release{{Buffer: "m0", Count: 2, Reason: schema.ReleaseCollected}}, q.Collect())
}
