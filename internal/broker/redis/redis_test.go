package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"testforge/internal/broker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client)
}

func TestStore_PushPop_IsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "agent:1:work", []byte("first")))
	require.NoError(t, s.Push(ctx, "agent:1:work", []byte("second")))

	v, err := s.Pop(ctx, "agent:1:work")
	require.NoError(t, err)
	require.Equal(t, "first", string(v))

	v, err = s.Pop(ctx, "agent:1:work")
	require.NoError(t, err)
	require.Equal(t, "second", string(v))
}

func TestStore_Pop_EmptyQueueReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	v, err := s.Pop(context.Background(), "empty")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestStore_AddPopMax_ReturnsHighestScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "groups:scheduling", []byte("low"), 1.0))
	require.NoError(t, s.Add(ctx, "groups:scheduling", []byte("high"), 9.0))
	require.NoError(t, s.Add(ctx, "groups:scheduling", []byte("mid"), 5.0))

	member, score, err := s.PopMax(ctx, "groups:scheduling")
	require.NoError(t, err)
	require.Equal(t, "high", string(member))
	require.Equal(t, 9.0, score)

	n, err := s.Length(ctx, "groups:scheduling")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestStore_PopMax_EmptySetReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	member, score, err := s.PopMax(context.Background(), "empty:set")
	require.NoError(t, err)
	require.Nil(t, member)
	require.Equal(t, 0.0, score)
}

func TestStore_SetNX_OnlyFirstCallerAcquires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock:agent:1", []byte("owner-a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "lock:agent:1", []byte("owner-b"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := s.Get(ctx, "lock:agent:1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "owner-a", string(v))
}

func TestStore_Get_MissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	v, found, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, v)
}

func TestStore_Delete_RemovesKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetNX(ctx, "k", []byte("v"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStore_PublishSubscribe_DeliversToSubscriber(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan broker.Message, 1)
	unsubscribe, err := s.Subscribe(ctx, "job:completed", func(ctx context.Context, msg broker.Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer unsubscribe()

	// Give the background subscriber goroutine a moment to register with
	// miniredis before publishing, since Subscribe returns before the
	// subscription is confirmed established.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Publish(ctx, "job:completed", []byte(`{"jobId":"job-1"}`)))

	select {
	case msg := <-received:
		require.Equal(t, "job:completed", msg.Channel)
		require.Equal(t, `{"jobId":"job-1"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
