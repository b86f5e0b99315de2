package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formlab/collab/internal/slogging"
)

const (
	roomChannelPrefix = "collab:room:"
	roomOwnerPrefix   = "collab:owner:"
)

// Envelope is the frame exchanged between engine processes over the Redis
// backplane. Payload is a fully marshaled server message; the receiving
// process forwards it to its local sockets without re-validating.
type Envelope struct {
	Origin         string          `json:"origin"`
	Type           MessageType     `json:"type"`
	TargetSession  string          `json:"target_session,omitempty"`
	ExcludeSession string          `json:"exclude_session,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// EnvelopeHandler receives envelopes published by other processes.
type EnvelopeHandler func(formID string, env Envelope)

// Backplane fans broadcasts out across engine processes via Redis pub/sub
// and arbitrates room ownership with a TTL lease. One process owns each
// room's serialization point; the others sticky-route or reject.
type Backplane struct {
	rdb      redis.UniversalClient
	nodeID   string
	leaseTTL time.Duration

	mu      sync.Mutex
	sub     *redis.PubSub
	handler EnvelopeHandler
	rooms   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBackplane builds a backplane bound to this process's node id. The
// lease TTL bounds how long a crashed process can block room takeover.
func NewBackplane(rdb redis.UniversalClient, nodeID string, leaseTTL time.Duration) *Backplane {
	ctx, cancel := context.WithCancel(context.Background())
	return &Backplane{
		rdb:      rdb,
		nodeID:   nodeID,
		leaseTTL: leaseTTL,
		rooms:    make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// NodeID returns this process's backplane identity.
func (b *Backplane) NodeID() string { return b.nodeID }

// Start begins consuming envelopes from other processes. The handler is
// invoked from a single goroutine.
func (b *Backplane) Start(handler EnvelopeHandler) {
	b.mu.Lock()
	b.handler = handler
	b.sub = b.rdb.Subscribe(b.ctx)
	b.mu.Unlock()

	go b.receiveLoop()
}

func (b *Backplane) receiveLoop() {
	defer close(b.done)
	ch := b.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Backplane) dispatch(msg *redis.Message) {
	formID := msg.Channel[len(roomChannelPrefix):]
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		slogging.Get().Error("Discarding malformed backplane envelope on %s: %v", msg.Channel, err)
		return
	}
	if env.Origin == b.nodeID {
		// Own publications come back on the channel; local delivery
		// already happened.
		return
	}
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(formID, env)
	}
}

// JoinRoom subscribes this process to the room's broadcast channel.
func (b *Backplane) JoinRoom(formID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[formID]; ok {
		return nil
	}
	if b.sub == nil {
		return fmt.Errorf("backplane not started")
	}
	if err := b.sub.Subscribe(b.ctx, roomChannelPrefix+formID); err != nil {
		return fmt.Errorf("subscribe room %s: %w", formID, err)
	}
	b.rooms[formID] = struct{}{}
	return nil
}

// LeaveRoom unsubscribes from the room's broadcast channel.
func (b *Backplane) LeaveRoom(formID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[formID]; !ok {
		return
	}
	delete(b.rooms, formID)
	if err := b.sub.Unsubscribe(b.ctx, roomChannelPrefix+formID); err != nil {
		slogging.Get().Warn("Failed to unsubscribe room %s: %v", formID, err)
	}
}

// Publish sends an envelope to every other process subscribed to the room.
func (b *Backplane) Publish(ctx context.Context, formID string, env Envelope) error {
	env.Origin = b.nodeID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.rdb.Publish(ctx, roomChannelPrefix+formID, data).Err()
}

// AcquireRoom claims the serialization lease for a room. Returns false when
// another live process already owns it.
func (b *Backplane) AcquireRoom(ctx context.Context, formID string) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, roomOwnerPrefix+formID, b.nodeID, b.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire room lease %s: %w", formID, err)
	}
	if ok {
		return true, nil
	}
	// Re-acquiring a lease this process already holds is a success, e.g.
	// after a registry restart before the old lease expired.
	owner, err := b.rdb.Get(ctx, roomOwnerPrefix+formID).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("check room lease %s: %w", formID, err)
	}
	if owner == b.nodeID {
		b.rdb.Expire(ctx, roomOwnerPrefix+formID, b.leaseTTL)
		return true, nil
	}
	return false, nil
}

// renewRoomScript extends the lease only while this node still holds it.
var renewRoomScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RenewRoom extends the room lease. Returns false when the lease was lost,
// in which case the caller must stop serving the room.
func (b *Backplane) RenewRoom(ctx context.Context, formID string) (bool, error) {
	res, err := renewRoomScript.Run(ctx, b.rdb,
		[]string{roomOwnerPrefix + formID},
		b.nodeID, b.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew room lease %s: %w", formID, err)
	}
	return res == 1, nil
}

// releaseRoomScript deletes the lease only while this node still holds it.
var releaseRoomScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseRoom drops the room lease on clean eviction.
func (b *Backplane) ReleaseRoom(ctx context.Context, formID string) error {
	return releaseRoomScript.Run(ctx, b.rdb,
		[]string{roomOwnerPrefix + formID}, b.nodeID).Err()
}

// RoomOwner reports which node currently holds the room lease, if any.
func (b *Backplane) RoomOwner(ctx context.Context, formID string) (string, error) {
	owner, err := b.rdb.Get(ctx, roomOwnerPrefix+formID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get room lease %s: %w", formID, err)
	}
	return owner, nil
}

// Close stops the receive loop and drops all subscriptions.
func (b *Backplane) Close() error {
	b.cancel()
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			return err
		}
		<-b.done
	}
	return nil
}
