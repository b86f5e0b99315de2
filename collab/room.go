package collab

import (
	"context"
	"time"

	"github.com/formlab/collab/internal/slogging"
)

// RoomPublisher is the slice of the broadcast dispatcher a room needs.
type RoomPublisher interface {
	PublishOperation(formID string, msg OperationBroadcastMessage, excludeSession string)
	PublishLockReleased(formID, fieldID, reason string)
	SendConflict(sessionID string, msg ConflictNotifyMessage)
}

// IdentityResolver supplies collaborator identity for lock messages.
// Implemented by the session manager; rooms never hold session objects.
type IdentityResolver interface {
	Collaborator(sessionID string) (Collaborator, bool)
}

// RoomConfig holds per-room tuning derived from the engine configuration.
type RoomConfig struct {
	LockTTL              time.Duration
	ReplayCapacity       int
	IdempotencyCacheSize int
}

// LockResult is the answer to a lock request.
type LockResult struct {
	Granted bool
	Lock    *LockInfo
	// Holder identifies who has the lock when the request is denied.
	Holder Collaborator
}

// Room is the authoritative collaboration state for one form. All mutating
// calls are serialized through the room's worker goroutine; nothing else
// touches the state. The room stores only opaque session ids, never
// transport handles.
type Room struct {
	FormID string

	cfg        RoomConfig
	publisher  RoomPublisher
	identities IdentityResolver
	opSink     OperationSink
	metrics    *Metrics

	schemaVersion uint64
	seq           uint64
	fields        map[string]*FieldState
	order         []string
	// tombstones keeps the last version of deleted fields so a re-added
	// field id can never repeat or rewind its version counter.
	tombstones map[string]uint64
	sessions   map[string]struct{}
	locks      *LockTable
	replay     *ReplayBuffer

	// Per-session idempotency cache of recent submission results.
	results     map[string]map[string]*SubmitResult
	resultOrder map[string][]string

	tasks chan func()
	done  chan struct{}
}

// NewRoom builds a room from a persistence snapshot and starts its worker.
func NewRoom(snapshot *Snapshot, cfg RoomConfig, publisher RoomPublisher, identities IdentityResolver, opSink OperationSink, metrics *Metrics) *Room {
	r := &Room{
		FormID:        snapshot.FormID,
		cfg:           cfg,
		publisher:     publisher,
		identities:    identities,
		opSink:        opSink,
		metrics:       metrics,
		schemaVersion: snapshot.SchemaVersion,
		seq:           snapshot.Seq,
		fields:        make(map[string]*FieldState, len(snapshot.Fields)),
		order:         make([]string, 0, len(snapshot.Fields)),
		tombstones:    make(map[string]uint64),
		sessions:      make(map[string]struct{}),
		locks:         NewLockTable(cfg.LockTTL),
		replay:        NewReplayBuffer(cfg.ReplayCapacity),
		results:       make(map[string]map[string]*SubmitResult),
		resultOrder:   make(map[string][]string),
		tasks:         make(chan func(), 64),
		done:          make(chan struct{}),
	}
	for i := range snapshot.Fields {
		f := snapshot.Fields[i].Clone()
		r.fields[f.FieldID] = f
		r.order = append(r.order, f.FieldID)
	}
	go r.run()
	return r
}

// run is the room worker. Everything that mutates room state executes here.
func (r *Room) run() {
	for {
		select {
		case task := <-r.tasks:
			task()
		case <-r.done:
			return
		}
	}
}

// Stop halts the room worker. Pending tasks are abandoned.
func (r *Room) Stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// do runs fn on the room worker and waits for completion.
func (r *Room) do(ctx context.Context, fn func()) error {
	completed := make(chan struct{})
	wrapped := func() {
		fn()
		close(completed)
	}
	select {
	case r.tasks <- wrapped:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-completed:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates and applies an operation, resolving conflicts when the
// base version is stale. The result is also delivered to the broadcast
// dispatcher before Submit returns to the caller.
func (r *Room) Submit(ctx context.Context, op Operation) (SubmitResult, error) {
	var res SubmitResult
	err := r.do(ctx, func() {
		res = r.submit(op)
	})
	return res, err
}

// AttachSession adds a session id to the room's membership.
func (r *Room) AttachSession(ctx context.Context, sessionID string) error {
	return r.do(ctx, func() {
		r.sessions[sessionID] = struct{}{}
	})
}

// DetachSession removes a session and releases its locks, returning the
// affected field ids. Used on explicit leave and grace expiry.
func (r *Room) DetachSession(ctx context.Context, sessionID string) ([]string, error) {
	var released []string
	err := r.do(ctx, func() {
		delete(r.sessions, sessionID)
		delete(r.results, sessionID)
		delete(r.resultOrder, sessionID)
		released = r.locks.ReleaseAll(sessionID)
	})
	return released, err
}

// SessionCount returns the current room membership size.
func (r *Room) SessionCount(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, func() { n = len(r.sessions) })
	return n, err
}

// RequestLock asks for the advisory lock on fieldID.
func (r *Room) RequestLock(ctx context.Context, sessionID, fieldID string) (LockResult, error) {
	var res LockResult
	err := r.do(ctx, func() {
		lock, holder := r.locks.Request(sessionID, fieldID)
		if lock != nil {
			res = LockResult{Granted: true, Lock: lock}
			r.metrics.LockRequests.WithLabelValues("granted").Inc()
			return
		}
		res = LockResult{Granted: false}
		if c, ok := r.identities.Collaborator(holder); ok {
			res.Holder = c
		} else {
			res.Holder = Collaborator{SessionID: holder}
		}
		r.metrics.LockRequests.WithLabelValues("denied").Inc()
	})
	return res, err
}

// RenewLock extends a lock's TTL for its holder.
func (r *Room) RenewLock(ctx context.Context, sessionID, fieldID string) (bool, error) {
	var ok bool
	err := r.do(ctx, func() { ok = r.locks.Renew(sessionID, fieldID) })
	return ok, err
}

// ReleaseLock drops a lock held by sessionID and notifies the room.
func (r *Room) ReleaseLock(ctx context.Context, sessionID, fieldID string) (bool, error) {
	var ok bool
	err := r.do(ctx, func() {
		ok = r.locks.Release(sessionID, fieldID)
		if ok {
			r.publisher.PublishLockReleased(r.FormID, fieldID, "released")
		}
	})
	return ok, err
}

// TouchLock renews the lock on fieldID if sessionID holds it. Called on
// cursor updates so a lock stays alive while the editor's cursor sits on
// the field.
func (r *Room) TouchLock(ctx context.Context, sessionID, fieldID string) error {
	return r.do(ctx, func() {
		r.locks.Renew(sessionID, fieldID)
	})
}

// SweepLocks expires stale locks and notifies the room of each release.
func (r *Room) SweepLocks(ctx context.Context) ([]LockInfo, error) {
	var expired []LockInfo
	err := r.do(ctx, func() {
		expired = r.locks.SweepExpired()
		for _, lock := range expired {
			slogging.Get().Debug("Lock on field %s expired for session %s in room %s",
				lock.FieldID, lock.HolderSessionID, r.FormID)
			r.publisher.PublishLockReleased(r.FormID, lock.FieldID, "expired")
			r.metrics.LocksExpired.Inc()
		}
	})
	return expired, err
}

// Snapshot returns a deep copy of the current room state.
func (r *Room) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := r.do(ctx, func() { snap = r.snapshotLocked() })
	return snap, err
}

func (r *Room) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		FormID:        r.FormID,
		SchemaVersion: r.schemaVersion,
		Seq:           r.seq,
		Fields:        make([]FieldState, 0, len(r.order)),
	}
	for _, fieldID := range r.order {
		snap.Fields = append(snap.Fields, *r.fields[fieldID].Clone())
	}
	return snap
}

// ResyncSince returns the operations a session missed after lastSeq, or
// a snapshot when the gap exceeds replay coverage. A lastSeq ahead of the
// room's own counter also forces a snapshot: the room may have been
// rebuilt from persistence with a reset counter, and an empty replay
// would leave the client stranded on pre-rebuild state.
func (r *Room) ResyncSince(ctx context.Context, lastSeq uint64) (replay []AcceptedOperation, snap *Snapshot, err error) {
	err = r.do(ctx, func() {
		if lastSeq == r.seq {
			replay = []AcceptedOperation{}
			r.metrics.Resyncs.WithLabelValues("replay").Inc()
			return
		}
		if lastSeq < r.seq {
			if ops, ok := r.replay.Since(lastSeq); ok {
				replay = ops
				if replay == nil {
					replay = []AcceptedOperation{}
				}
				r.metrics.Resyncs.WithLabelValues("replay").Inc()
				return
			}
		}
		snap = r.snapshotLocked()
		r.metrics.Resyncs.WithLabelValues("snapshot").Inc()
	})
	return replay, snap, err
}

// cacheResult remembers a submission result for idempotent retries, with
// FIFO eviction per session.
func (r *Room) cacheResult(sessionID string, res *SubmitResult) {
	cache, ok := r.results[sessionID]
	if !ok {
		cache = make(map[string]*SubmitResult)
		r.results[sessionID] = cache
	}
	if _, exists := cache[res.OperationID]; exists {
		return
	}
	cache[res.OperationID] = res
	order := append(r.resultOrder[sessionID], res.OperationID)
	if len(order) > r.cfg.IdempotencyCacheSize {
		evict := order[0]
		order = order[1:]
		delete(cache, evict)
	}
	r.resultOrder[sessionID] = order
}

func (r *Room) cachedResult(sessionID, opID string) (*SubmitResult, bool) {
	cache, ok := r.results[sessionID]
	if !ok {
		return nil, false
	}
	res, ok := cache[opID]
	return res, ok
}
