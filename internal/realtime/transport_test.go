package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestLocalTransportDeliversToTopic(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, Topic("s1"))
	require.NoError(t, err)
	other, err := tr.Subscribe(ctx, Topic("s2"))
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, Topic("s1"), Event{Type: EventNewContribution, StoryID: "s1", BranchID: "b1"}))

	event := receive(t, sub)
	assert.Equal(t, EventNewContribution, event.Type)
	assert.Equal(t, "b1", event.BranchID)

	select {
	case <-other.Events():
		t.Fatal("event leaked to another story")
	default:
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.Events()
	assert.False(t, open)
	require.NoError(t, sub.Close())
}

func TestLocalTransportClosed(t *testing.T) {
	tr := NewLocalTransport()
	require.NoError(t, tr.Close())
	ctx := context.Background()

	assert.ErrorIs(t, tr.Publish(ctx, Topic("s1"), Event{}), ErrClosed)
	_, err := tr.Subscribe(ctx, Topic("s1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func setupRedisTransport(t *testing.T) (*RedisTransport, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	tr, err := NewRedisTransport("redis://"+srv.Addr(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, srv
}

func TestRedisTransportRoundTrip(t *testing.T) {
	tr, _ := setupRedisTransport(t)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, Topic("s1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, Topic("s1"), Event{
		Type:           EventVoteUpdate,
		StoryID:        "s1",
		BranchID:       "b1",
		ContributionID: "c1",
		ActorID:        "u1",
	}))

	event := receive(t, sub)
	assert.Equal(t, EventVoteUpdate, event.Type)
	assert.Equal(t, "c1", event.ContributionID)
	assert.Equal(t, "u1", event.ActorID)
}

func TestRedisTransportUsesStoryChannel(t *testing.T) {
	tr, srv := setupRedisTransport(t)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, Topic("s9"))
	require.NoError(t, err)
	defer sub.Close()

	assert.Contains(t, srv.PubSubChannels(""), "talebranch:story:s9")
}

func TestNewRedisTransportFailsWhenUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := NewRedisTransport("redis://"+addr, zap.NewNop())
	assert.Error(t, err)
}

func TestRedisTransportBreakerOpensAfterFailures(t *testing.T) {
	tr, srv := setupRedisTransport(t)
	srv.Close()
	ctx := context.Background()

	var last error
	for i := 0; i < 10; i++ {
		last = tr.Publish(ctx, Topic("s1"), Event{StoryID: "s1"})
		require.Error(t, last)
	}
	assert.Contains(t, last.Error(), "circuit breaker is open")
}
