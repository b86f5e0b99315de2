package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackplaneRoomLease(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	a := NewBackplane(rdb, "node-a", time.Minute)
	b := NewBackplane(rdb, "node-b", time.Minute)

	owned, err := a.AcquireRoom(ctx, "form-1")
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = b.AcquireRoom(ctx, "form-1")
	require.NoError(t, err)
	assert.False(t, owned, "second process must not co-own the room")

	owner, err := b.RoomOwner(ctx, "form-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)

	// Re-acquiring an own lease succeeds.
	owned, err = a.AcquireRoom(ctx, "form-1")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestBackplaneLeaseRenewalAndRelease(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	a := NewBackplane(rdb, "node-a", time.Minute)
	b := NewBackplane(rdb, "node-b", time.Minute)

	_, err := a.AcquireRoom(ctx, "form-1")
	require.NoError(t, err)

	held, err := a.RenewRoom(ctx, "form-1")
	require.NoError(t, err)
	assert.True(t, held)

	// A renewal by a non-owner must not extend or steal the lease.
	held, err = b.RenewRoom(ctx, "form-1")
	require.NoError(t, err)
	assert.False(t, held)

	// Release by non-owner is a no-op; release by owner frees the room.
	require.NoError(t, b.ReleaseRoom(ctx, "form-1"))
	owner, err := a.RoomOwner(ctx, "form-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)

	require.NoError(t, a.ReleaseRoom(ctx, "form-1"))
	owned, err := b.AcquireRoom(ctx, "form-1")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestBackplaneLeaseExpiry(t *testing.T) {
	mr, rdb := testRedis(t)
	ctx := context.Background()

	a := NewBackplane(rdb, "node-a", time.Minute)
	b := NewBackplane(rdb, "node-b", time.Minute)

	_, err := a.AcquireRoom(ctx, "form-1")
	require.NoError(t, err)

	// A crashed owner stops renewing; the lease lapses and the room is
	// free for takeover.
	mr.FastForward(2 * time.Minute)

	owned, err := b.AcquireRoom(ctx, "form-1")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestBackplaneEnvelopeFanout(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	a := NewBackplane(rdb, "node-a", time.Minute)
	b := NewBackplane(rdb, "node-b", time.Minute)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	var mu sync.Mutex
	var received []Envelope
	a.Start(func(formID string, env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env)
	})
	b.Start(func(string, Envelope) {})

	require.NoError(t, a.JoinRoom("form-1"))
	require.NoError(t, b.JoinRoom("form-1"))

	payload, _ := json.Marshal(map[string]string{"message_type": "presence_update"})
	env := Envelope{Type: MessageTypePresenceUpdate, ExcludeSession: "s9", Payload: payload}

	require.Eventually(t, func() bool {
		require.NoError(t, b.Publish(ctx, "form-1", env))
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 2*time.Second, 50*time.Millisecond)

	mu.Lock()
	got := received[0]
	mu.Unlock()
	assert.Equal(t, "node-b", got.Origin)
	assert.Equal(t, "s9", got.ExcludeSession)
	assert.Equal(t, MessageTypePresenceUpdate, got.Type)
}

func TestBackplaneIgnoresOwnEnvelopes(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	a := NewBackplane(rdb, "node-a", time.Minute)
	t.Cleanup(func() { _ = a.Close() })

	var mu sync.Mutex
	count := 0
	a.Start(func(string, Envelope) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	require.NoError(t, a.JoinRoom("form-1"))

	// Local delivery already happened before publish; the echo must not
	// double-deliver.
	require.NoError(t, a.Publish(ctx, "form-1", Envelope{Type: MessageTypeError, Payload: []byte(`{}`)}))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}
