package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/formlab/collab/internal/slogging"
)

// RegistryConfig tunes room lifecycle behavior.
type RegistryConfig struct {
	Room              RoomConfig
	RoomEvictionDelay time.Duration
	LockSweepInterval time.Duration
	LeaseRenewal      time.Duration
}

// RegistryPublisher is what the registry needs from the dispatcher: the
// room-facing publisher plus lifecycle announcements.
type RegistryPublisher interface {
	RoomPublisher
	PublishRoomClosing(formID string)
}

// roomEntry pairs a live room with its pending eviction timer, if any.
type roomEntry struct {
	room       *Room
	evictTimer *time.Timer
}

// Registry owns the map from form id to live room. Rooms are created
// lazily from persistence snapshots on first join, guarded by a
// singleflight so concurrent joins share one load, and evicted after a
// configurable delay once empty. A Redis lease keeps each room owned by
// exactly one process.
type Registry struct {
	cfg        RegistryConfig
	loader     SnapshotLoader
	opSink     OperationSink
	backplane  *Backplane
	publisher  RegistryPublisher
	identities IdentityResolver
	metrics    *Metrics

	loading singleflight.Group

	mu    sync.Mutex
	rooms map[string]*roomEntry

	started  bool
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry builds a registry. Maintenance (lock sweeps and lease
// renewal) starts with Start.
func NewRegistry(cfg RegistryConfig, loader SnapshotLoader, opSink OperationSink,
	backplane *Backplane, publisher RegistryPublisher, identities IdentityResolver,
	metrics *Metrics) *Registry {
	return &Registry{
		cfg:        cfg,
		loader:     loader,
		opSink:     opSink,
		backplane:  backplane,
		publisher:  publisher,
		identities: identities,
		metrics:    metrics,
		rooms:      make(map[string]*roomEntry),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// GetOrCreateRoom returns the live room for a form, creating it from a
// persistence snapshot when absent. Returns ErrRoomNotOwned when another
// process holds the room lease, and ErrRoomLoadFailed when the snapshot
// cannot be fetched.
func (g *Registry) GetOrCreateRoom(ctx context.Context, formID string) (*Room, error) {
	g.mu.Lock()
	if entry, ok := g.rooms[formID]; ok {
		g.cancelEvictionLocked(entry)
		g.mu.Unlock()
		return entry.room, nil
	}
	g.mu.Unlock()

	// Concurrent joiners of the same form share one snapshot load; the
	// loser of the race gets the winner's room.
	v, err, _ := g.loading.Do(formID, func() (interface{}, error) {
		return g.createRoom(ctx, formID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (g *Registry) createRoom(ctx context.Context, formID string) (*Room, error) {
	// Double-check under the flight: another goroutine may have finished
	// a previous flight between our map miss and Do.
	g.mu.Lock()
	if entry, ok := g.rooms[formID]; ok {
		g.cancelEvictionLocked(entry)
		g.mu.Unlock()
		return entry.room, nil
	}
	g.mu.Unlock()

	owned, err := g.backplane.AcquireRoom(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", formID, ErrRoomLoadFailed)
	}
	if !owned {
		owner, _ := g.backplane.RoomOwner(ctx, formID)
		slogging.Get().Info("Room %s is owned by node %s; rejecting local create", formID, owner)
		return nil, ErrRoomNotOwned
	}

	snap, err := g.loader.LoadSnapshot(ctx, formID)
	if err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = g.backplane.ReleaseRoom(releaseCtx, formID)
		cancel()
		if errors.Is(err, ErrFormNotFound) {
			return nil, fmt.Errorf("form %s not found: %w", formID, ErrRoomLoadFailed)
		}
		slogging.Get().Error("Snapshot load failed for form %s: %v", formID, err)
		return nil, fmt.Errorf("form %s: %w", formID, ErrRoomLoadFailed)
	}

	if err := g.backplane.JoinRoom(formID); err != nil {
		slogging.Get().Warn("Backplane subscribe failed for room %s: %v", formID, err)
	}

	room := NewRoom(snap, g.cfg.Room, g.publisher, g.identities, g.opSink, g.metrics)

	g.mu.Lock()
	g.rooms[formID] = &roomEntry{room: room}
	g.mu.Unlock()

	g.metrics.RoomsCreated.Inc()
	g.metrics.RoomsActive.Inc()
	slogging.Get().Info("Room %s created (schema version %d, seq %d, %d fields)",
		formID, snap.SchemaVersion, snap.Seq, len(snap.Fields))
	return room, nil
}

// Lookup returns the live room for a form, if this process has one.
func (g *Registry) Lookup(formID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.rooms[formID]
	if !ok {
		return nil, false
	}
	return entry.room, true
}

// NoteOccupied cancels any pending eviction for a room that regained a
// session.
func (g *Registry) NoteOccupied(formID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.rooms[formID]; ok {
		g.cancelEvictionLocked(entry)
	}
}

// NoteEmpty schedules eviction for a room that lost its last session. The
// delay lets a rapid rejoin reuse the warm room.
func (g *Registry) NoteEmpty(formID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.rooms[formID]
	if !ok {
		return
	}
	if entry.evictTimer != nil {
		return
	}
	entry.evictTimer = time.AfterFunc(g.cfg.RoomEvictionDelay, func() { g.evict(formID) })
	slogging.Get().Debug("Room %s eviction scheduled in %s", formID, g.cfg.RoomEvictionDelay)
}

func (g *Registry) cancelEvictionLocked(entry *roomEntry) {
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
		entry.evictTimer = nil
	}
}

// evict tears a room down after its empty delay lapsed. A session that
// joined during the delay aborts the eviction.
func (g *Registry) evict(formID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g.mu.Lock()
	entry, ok := g.rooms[formID]
	if !ok {
		g.mu.Unlock()
		return
	}
	room := entry.room
	g.mu.Unlock()

	if n, err := room.SessionCount(ctx); err != nil || n > 0 {
		g.mu.Lock()
		if entry, ok := g.rooms[formID]; ok {
			entry.evictTimer = nil
		}
		g.mu.Unlock()
		return
	}

	g.mu.Lock()
	delete(g.rooms, formID)
	g.mu.Unlock()

	g.teardown(ctx, formID, room)
	g.metrics.RoomsEvicted.Inc()
	g.metrics.RoomsActive.Dec()
	slogging.Get().Info("Room %s evicted", formID)
}

func (g *Registry) teardown(ctx context.Context, formID string, room *Room) {
	room.Stop()
	g.backplane.LeaveRoom(formID)
	if err := g.backplane.ReleaseRoom(ctx, formID); err != nil {
		slogging.Get().Warn("Failed to release room lease %s: %v", formID, err)
	}
	if g.opSink != nil {
		g.opSink.RoomClosed(formID)
	}
}

// Start runs the maintenance loop: periodic lock sweeps for every live
// room and renewal of the per-room ownership leases.
func (g *Registry) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()
	go g.maintain()
}

func (g *Registry) maintain() {
	defer close(g.doneChan)
	sweep := time.NewTicker(g.cfg.LockSweepInterval)
	renew := time.NewTicker(g.cfg.LeaseRenewal)
	defer sweep.Stop()
	defer renew.Stop()

	for {
		select {
		case <-sweep.C:
			g.sweepAll()
		case <-renew.C:
			g.renewLeases()
		case <-g.stopChan:
			return
		}
	}
}

func (g *Registry) sweepAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, room := range g.liveRooms() {
		if _, err := room.SweepLocks(ctx); err != nil && !errors.Is(err, ErrRoomClosed) {
			slogging.Get().Warn("Lock sweep failed for room %s: %v", room.FormID, err)
		}
	}
}

func (g *Registry) renewLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, room := range g.liveRooms() {
		held, err := g.backplane.RenewRoom(ctx, room.FormID)
		if err != nil {
			slogging.Get().Warn("Lease renewal failed for room %s: %v", room.FormID, err)
			continue
		}
		if !held {
			// Another process took the room over; serving it here would
			// split the serialization point.
			slogging.Get().Error("Lost ownership lease for room %s; evicting", room.FormID)
			g.forceEvict(room.FormID)
		}
	}
}

func (g *Registry) liveRooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, entry := range g.rooms {
		rooms = append(rooms, entry.room)
	}
	return rooms
}

// forceEvict removes a room immediately, regardless of occupancy.
func (g *Registry) forceEvict(formID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g.mu.Lock()
	entry, ok := g.rooms[formID]
	if !ok {
		g.mu.Unlock()
		return
	}
	g.cancelEvictionLocked(entry)
	delete(g.rooms, formID)
	g.mu.Unlock()

	g.publisher.PublishRoomClosing(formID)
	g.teardown(ctx, formID, entry.room)
	g.metrics.RoomsEvicted.Inc()
	g.metrics.RoomsActive.Dec()
}

// RoomCount returns the number of live rooms on this process.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close stops maintenance and tears down every room.
func (g *Registry) Close() {
	g.stopOnce.Do(func() { close(g.stopChan) })
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started {
		<-g.doneChan
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.mu.Lock()
	entries := make(map[string]*roomEntry, len(g.rooms))
	for formID, entry := range g.rooms {
		entries[formID] = entry
	}
	g.rooms = make(map[string]*roomEntry)
	g.mu.Unlock()

	for formID, entry := range entries {
		g.cancelEvictionLocked(entry)
		g.publisher.PublishRoomClosing(formID)
		g.teardown(ctx, formID, entry.room)
		g.metrics.RoomsActive.Dec()
	}
}
