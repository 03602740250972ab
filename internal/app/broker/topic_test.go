package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/shmbroker/internal/domain/errs"
	"github.com/coachpo/shmbroker/internal/domain/schema"
)

func TestTopicPublishRequiresSubscribers(t *testing.T) {
	topic := NewTopic("t", false, 2)
	called := false
	_, err := topic.Publish(context.Background(), msg("m0"), func(int) error {
		called = true
		return nil
	})
	require.True(t, errs.Is(err, errs.CodeNoSubscribers))
	require.False(t, called)
}

func TestTopicPublishReservesAllSharers(t *testing.T) {
	ctx := context.Background()
	topic := NewTopic("t", false, 2)
	require.NoError(t, topic.Subscribe(ctx, "a", nil, 0))
	require.NoError(t, topic.Subscribe(ctx, "b", nil, 0))
	require.NoError(t, topic.Subscribe(ctx, "a2", []string{"a"}, 0))
	require.Equal(t, 3, topic.SubscriberCount())

	var reserved int
	_, err := topic.Publish(ctx, msg("m0"), func(n int) error {
		reserved = n
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, reserved)

	for _, sub := range []string{"a", "b", "a2"} {
		m, err := topic.Pull(ctx, sub, 0)
		require.NoError(t, err)
		require.Equal(t, "m0", m.Buffer)
	}

	stats := topic.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "a", stats[0].Owner)
	require.Equal(t, map[string]int{"a": 1, "a2": 1}, stats[0].Cursors)
}

func TestTopicPublishReserveFailureSkipsQueues(t *testing.T) {
	ctx := context.Background()
	topic := NewTopic("t", false, 1)
	require.NoError(t, topic.Subscribe(ctx, "a", nil, 0))

	boom := errors.New("buffer gone")
	_, err := topic.Publish(ctx, msg("m0"), func(int) error { return boom })
	require.ErrorIs(t, err, boom)
	_, err = topic.Pull(ctx, "a", 0)
	require.True(t, errs.Is(err, errs.CodeTimeout))
}

func TestTopicResubscribeIsNoop(t *testing.T) {
	ctx := context.Background()
	topic := NewTopic("t", false, 1)
	require.NoError(t, topic.Subscribe(ctx, "a", nil, 0))
	_, err := topic.Publish(ctx, msg("m0"), nil)
	require.NoError(t, err)

	require.NoError(t, topic.Subscribe(ctx, "a", nil, 5))
	require.Equal(t, 1, topic.SubscriberCount())
	m, err := topic.Pull(ctx, "a", 0)
	require.NoError(t, err)
	require.Equal(t, "m0", m.Buffer)

	require.True(t, errs.Is(topic.Subscribe(ctx, "", nil, 0), errs.CodeInvalid))
}

func TestTopicDependentWaitsForOwner(t *testing.T) {
	ctx := context.Background()
	topic := NewTopic("t", false, 1)

	done := make(chan error, 1)
	go func() {
		done <- topic.Subscribe(ctx, "downstream", []string{"upstream"}, 0)
	}()

	select {
	case <-done:
		t.Fatal("dependent subscribed before its dependency existed")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, topic.Subscribe(ctx, "upstream", nil, 0))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dependent never resolved")
	}

	_, err := topic.Publish(ctx, msg("m0"), nil)
	require.NoError(t, err)
	m, err := topic.Pull(ctx, "downstream", 0)
	require.NoError(t, err)
	require.Equal(t, "m0", m.Buffer)
	require.Len(t, topic.Stats(), 1)
}

func TestTopicDependencyOnDependentSharesOwnerQueue(t *testing.T) {
	ctx := context.Background()
	topic := NewTopic("t", false, 1)
	require.NoError(t, topic.Subscribe(ctx, "stage1", nil, 0))
	require.NoError(t, topic.Subscribe(ctx, "stage2", []string{"stage1"}, 0))
	require.NoError(t, topic.Subscribe(ctx, "stage3", []string{"stage2"}, 0))

	stats := topic.Stats()
	require.Len(t, stats, 1)
	require.Len(t, stats[0].Cursors, 3)
}

func TestTopicDependentSubscribeCancelled(t *testing.T) {
	topic := NewTopic("t", false, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := topic.Subscribe(ctx, "orphan", []string{"missing"}, 0)
	require.True(t, errs.Is(err, errs.CodeCancelled))
	require.Equal(t, 0, topic.SubscriberCount())
}

func TestTopicUnknownSubscriber(t *testing.T) {
	topic := NewTopic("t", false, 1)
	_, err := topic.Pull(context.Background(), "ghost", 0)
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.True(t, errs.Is(topic.CancelPull("ghost"), errs.CodeNotFound))
	_, err = topic.ClearProcessed("ghost")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestTopicBlockPolicyScenario(t *testing.T) {
	ctx := context.Background()
	topic := NewTopic("t", false, 1)
	require.NoError(t, topic.Subscribe(ctx, "s1", nil, 2))

	published := make(chan string, 3)
	go func() {
		for _, name := range []string{"m0", "m1", "m2"} {
			if _, err := topic.Publish(ctx, msg(name), nil); err != nil {
				return
			}
			published <- name
		}
	}()

	require.Equal(t, "m0", <-published)
	require.Equal(t, "m1", <-published)
	select {
	case <-published:
		t.Fatal("third publish did not block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	m, err := topic.Pull(ctx, "s1", -1)
	require.NoError(t, err)
	require.Equal(t, "m0", m.Buffer)

	select {
	case name := <-published:
		require.Equal(t, "m2", name)
	case <-time.After(time.Second):
		t.Fatal("blocked publish never resumed")
	}

	for _, want := range []string{"m1", "m2"} {
		m, err := topic.Pull(ctx, "s1", time.Second)
		require.NoError(t, err)
		require.Equal(t, want, m.Buffer)
	}
}

func TestTopicDropPolicyScenario(t *testing.T) {
	ctx := context.Background()
	topic := NewTopic("t", true, 1)
	require.NoError(t, topic.Subscribe(ctx, "s1", nil, 1))

	_, err := topic.Publish(ctx, msg("m0"), nil)
	require.NoError(t, err)
	releases, err := topic.Publish(ctx, msg("m1"), nil)
	require.NoError(t, err)
	require.Equal(t, []schema.Release{{Buffer: "m0", Count: 1, Reason: schema.ReleaseEvicted}}, releases)

	stats := topic.Stats()
	require.Equal(t, 1, stats[0].Length)
	m, err := topic.Pull(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, "m1", m.Buffer)
}

func TestTopicCancelPullAndClearProcessed(t *testing.T) {
	ctx := context.Background()
	topic := NewTopic("t", false, 1)
	require.NoError(t, topic.Subscribe(ctx, "s1", nil, 0))
	_, err := topic.Publish(ctx, msg("m0"), nil)
	require.NoError(t, err)

	m, err := topic.Pull(ctx, "s1", 0)
	require.NoError(t, err)
	require.NoError(t, topic.CancelPull("s1"))
	again, err := topic.Pull(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, m, again)

	releases, err := topic.ClearProcessed("s1")
	require.NoError(t, err)
	require.Len(t, releases, 1)
	require.Equal(t, 0, topic.Stats()[0].Length)
}
