package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const neo = "0x1111111111111111111111111111111111111111"

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubDeliversToIdentity(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	mine, cancelMine := hub.Subscribe(neo)
	defer cancelMine()
	other, cancelOther := hub.Subscribe("0x2222222222222222222222222222222222222222")
	defer cancelOther()

	e := New(TypeMilestoneMinted, neo)
	require.NoError(t, hub.Publish(context.Background(), e))

	got := receive(t, mine)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, TypeMilestoneMinted, got.Type)

	select {
	case e := <-other:
		t.Fatalf("unexpected event for other identity: %+v", e)
	default:
	}
}

func TestHubCancel(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe(neo)
	assert.Equal(t, 1, hub.Subscribers(neo))

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers(neo))

	_, ok := <-ch
	assert.False(t, ok)
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, cancel := hub.Subscribe(neo)
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, hub.Publish(context.Background(), New(TypeSecretDiscovered, neo)))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe(neo)
	hub.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, cancel := hub.Subscribe(neo)
	defer cancel()
	_, ok = <-late
	assert.False(t, ok)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMultiPublishesToAll(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ch, cancel := hub.Subscribe(neo)
	defer cancel()

	boom := errors.New("boom")
	m := Multi{failingPublisher{err: boom}, hub, Nop{}}

	err := m.Publish(context.Background(), New(TypeMilestoneMintFailed, neo))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, TypeMilestoneMintFailed, receive(t, ch).Type)
}
