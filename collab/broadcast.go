package collab

import (
	"context"
	"sync"
	"time"

	"github.com/formlab/collab/internal/slogging"
)

// SessionDirectory is the slice of the session manager the dispatcher
// needs: local socket delivery and room rosters.
type SessionDirectory interface {
	// Deliver writes a marshaled frame to a local session's socket.
	// Returns false when the session is not connected on this process.
	Deliver(sessionID string, data []byte) bool

	// RoomSessions lists the session ids currently attached to a room
	// on this process, connected or within their grace window.
	RoomSessions(formID string) []string

	// Roster returns the full collaborator list for a room.
	Roster(formID string) []Collaborator
}

// pendingPresence buffers the latest throttled cursor update per session.
type pendingPresence struct {
	formID string
	msg    PresenceUpdateMessage
	timer  *time.Timer
}

// Dispatcher fans server messages out to room members, excluding the
// originating session, and mirrors every broadcast onto the Redis
// backplane so sessions homed on other processes receive it too.
type Dispatcher struct {
	directory SessionDirectory
	backplane *Backplane
	metrics   *Metrics

	// presenceThrottle is the minimum interval between presence
	// broadcasts per session. The newest update always wins: a
	// throttled update is held and flushed when the window reopens.
	presenceThrottle time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	pending  map[string]*pendingPresence
}

// NewDispatcher builds a dispatcher. The directory is bound later via
// SetDirectory because the session manager needs the dispatcher first.
func NewDispatcher(backplane *Backplane, metrics *Metrics, presenceThrottle time.Duration) *Dispatcher {
	return &Dispatcher{
		backplane:        backplane,
		metrics:          metrics,
		presenceThrottle: presenceThrottle,
		lastSent:         make(map[string]time.Time),
		pending:          make(map[string]*pendingPresence),
	}
}

// SetDirectory wires the session manager in after construction.
func (d *Dispatcher) SetDirectory(directory SessionDirectory) {
	d.directory = directory
}

// Broadcast delivers msg to every session in the room except
// excludeSession, locally and via the backplane.
func (d *Dispatcher) Broadcast(formID string, msg AsyncMessage, excludeSession string) {
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal %s broadcast for room %s: %v",
			msg.GetMessageType(), formID, err)
		return
	}
	d.deliverLocal(formID, data, excludeSession)
	d.publishRemote(formID, Envelope{
		Type:           msg.GetMessageType(),
		ExcludeSession: excludeSession,
		Payload:        data,
	})
	d.metrics.Broadcasts.WithLabelValues(string(msg.GetMessageType())).Inc()
}

// SendTo delivers msg to a single session, wherever it is homed.
func (d *Dispatcher) SendTo(formID, sessionID string, msg AsyncMessage) {
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal %s for session %s: %v",
			msg.GetMessageType(), sessionID, err)
		return
	}
	if d.directory.Deliver(sessionID, data) {
		return
	}
	// Not local; another process may own the socket.
	d.publishRemote(formID, Envelope{
		Type:          msg.GetMessageType(),
		TargetSession: sessionID,
		Payload:       data,
	})
}

// PublishOperation fans an accepted operation out to everyone except the
// submitter, who gets the ack on the request path instead.
func (d *Dispatcher) PublishOperation(formID string, msg OperationBroadcastMessage, excludeSession string) {
	d.Broadcast(formID, msg, excludeSession)
}

// PublishLockReleased announces a field becoming editable again.
func (d *Dispatcher) PublishLockReleased(formID, fieldID, reason string) {
	d.Broadcast(formID, LockReleasedMessage{
		MessageType: MessageTypeLockReleased,
		FieldID:     fieldID,
		Reason:      reason,
	}, "")
}

// SendConflict informs the losing editor their edit was discarded.
func (d *Dispatcher) SendConflict(sessionID string, msg ConflictNotifyMessage) {
	// Conflicts go back on the submitter's own socket; form routing is
	// irrelevant because the submitter is always local to the room owner.
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal conflict notify for session %s: %v", sessionID, err)
		return
	}
	d.directory.Deliver(sessionID, data)
}

// PublishPresence broadcasts a cursor update, coalescing bursts so each
// session emits at most one presence frame per throttle window.
func (d *Dispatcher) PublishPresence(formID string, msg PresenceUpdateMessage) {
	d.mu.Lock()
	if p, ok := d.pending[msg.SessionID]; ok {
		// A flush is already scheduled; keep only the newest cursor.
		p.formID = formID
		p.msg = msg
		d.mu.Unlock()
		return
	}
	last := d.lastSent[msg.SessionID]
	now := time.Now()
	if wait := d.presenceThrottle - now.Sub(last); wait > 0 {
		p := &pendingPresence{formID: formID, msg: msg}
		p.timer = time.AfterFunc(wait, func() { d.flushPresence(msg.SessionID) })
		d.pending[msg.SessionID] = p
		d.mu.Unlock()
		return
	}
	d.lastSent[msg.SessionID] = now
	d.mu.Unlock()

	d.Broadcast(formID, msg, msg.SessionID)
}

func (d *Dispatcher) flushPresence(sessionID string) {
	d.mu.Lock()
	p, ok := d.pending[sessionID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, sessionID)
	d.lastSent[sessionID] = time.Now()
	formID, msg := p.formID, p.msg
	d.mu.Unlock()

	d.Broadcast(formID, msg, sessionID)
}

// PublishRoster broadcasts the full collaborator list to the whole room.
// Sent on join, leave, reconnect, and grace expiry.
func (d *Dispatcher) PublishRoster(formID string) {
	d.Broadcast(formID, CollaboratorsListMessage{
		MessageType:   MessageTypeCollaboratorsList,
		FormID:        formID,
		Collaborators: d.directory.Roster(formID),
	}, "")
}

// PublishRoomClosing warns stragglers before an empty room is evicted.
func (d *Dispatcher) PublishRoomClosing(formID string) {
	d.Broadcast(formID, RoomClosingMessage{
		MessageType: MessageTypeRoomClosing,
		FormID:      formID,
	}, "")
}

// ForgetSession clears presence throttle state for a departed session.
func (d *Dispatcher) ForgetSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[sessionID]; ok {
		p.timer.Stop()
		delete(d.pending, sessionID)
	}
	delete(d.lastSent, sessionID)
}

// HandleEnvelope delivers a backplane envelope from another process to
// local sockets. Never republished; the backplane is single-hop.
func (d *Dispatcher) HandleEnvelope(formID string, env Envelope) {
	if env.TargetSession != "" {
		d.directory.Deliver(env.TargetSession, env.Payload)
		return
	}
	d.deliverLocal(formID, env.Payload, env.ExcludeSession)
}

func (d *Dispatcher) deliverLocal(formID string, data []byte, excludeSession string) {
	for _, sessionID := range d.directory.RoomSessions(formID) {
		if sessionID == excludeSession {
			continue
		}
		d.directory.Deliver(sessionID, data)
	}
}

func (d *Dispatcher) publishRemote(formID string, env Envelope) {
	if d.backplane == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.backplane.Publish(ctx, formID, env); err != nil {
		slogging.Get().Warn("Backplane publish failed for room %s: %v", formID, err)
	}
}
