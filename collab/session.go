package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/formlab/collab/internal/slogging"
	"github.com/formlab/collab/internal/uuidgen"
)

// ClientConn is the slice of the WebSocket client the session manager
// needs. Enqueue is non-blocking; false means the socket's send buffer is
// full or closed and the frame was dropped.
type ClientConn interface {
	Enqueue(data []byte) bool
	Terminate()
}

// session is one editor's presence in a room. Guarded by SessionManager.mu.
type session struct {
	id             string
	formID         string
	identity       Identity
	status         CollaboratorStatus
	cursor         *CursorPosition
	connectedAt    time.Time
	reconnectToken string
	conn           ClientConn
	graceTimer     *time.Timer
}

func (s *session) collaborator() Collaborator {
	c := Collaborator{
		SessionID:   s.id,
		User:        s.identity,
		Status:      s.status,
		ConnectedAt: s.connectedAt,
	}
	if s.cursor != nil {
		cur := *s.cursor
		c.Cursor = &cur
	}
	return c
}

// SessionManager owns every live session on this process: the socket
// handles, identities, reconnect tokens, and grace timers. Rooms hold only
// session ids; all transport state lives here.
type SessionManager struct {
	graceWindow time.Duration
	metrics     *Metrics

	registry   *Registry
	dispatcher *Dispatcher

	mu       sync.Mutex
	sessions map[string]*session
	byToken  map[string]string
	byRoom   map[string]map[string]struct{}
}

// NewSessionManager builds a session manager. Registry and dispatcher are
// bound afterwards because room creation needs this manager as its
// identity resolver.
func NewSessionManager(graceWindow time.Duration, metrics *Metrics) *SessionManager {
	return &SessionManager{
		graceWindow: graceWindow,
		metrics:     metrics,
		sessions:    make(map[string]*session),
		byToken:     make(map[string]string),
		byRoom:      make(map[string]map[string]struct{}),
	}
}

// Bind wires in the registry and dispatcher after construction.
func (m *SessionManager) Bind(registry *Registry, dispatcher *Dispatcher) {
	m.registry = registry
	m.dispatcher = dispatcher
}

// Join admits a new editor to a form's room and returns the joined frame
// to send on the socket: a fresh session id, a single-use reconnect token,
// and a full snapshot.
func (m *SessionManager) Join(ctx context.Context, formID string, identity Identity, conn ClientConn) (*JoinedMessage, error) {
	room, err := m.registry.GetOrCreateRoom(ctx, formID)
	if err != nil {
		return nil, err
	}

	sess := &session{
		id:             uuidgen.MustNewForEntity(uuidgen.EntityTypeSession).String(),
		formID:         formID,
		identity:       identity,
		status:         CollaboratorActive,
		connectedAt:    time.Now().UTC(),
		reconnectToken: uuidgen.MustNewForEntity(uuidgen.EntityTypeToken).String(),
		conn:           conn,
	}

	if err := room.AttachSession(ctx, sess.id); err != nil {
		return nil, err
	}
	snap, err := room.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.byToken[sess.reconnectToken] = sess.id
	members, ok := m.byRoom[formID]
	if !ok {
		members = make(map[string]struct{})
		m.byRoom[formID] = members
	}
	members[sess.id] = struct{}{}
	m.mu.Unlock()

	m.registry.NoteOccupied(formID)
	m.metrics.SessionsJoined.Inc()
	m.metrics.SessionsActive.Inc()
	slogging.Get().Info("Session %s joined room %s as %s", sess.id, formID, identity.UserID)

	m.dispatcher.PublishRoster(formID)

	return &JoinedMessage{
		MessageType:    MessageTypeJoined,
		SessionID:      sess.id,
		ReconnectToken: sess.reconnectToken,
		Snapshot:       snap,
		Collaborators:  m.Roster(formID),
	}, nil
}

// Reconnect resumes a session within its grace window. The token is
// single-use: a fresh one is issued with the joined frame. The response
// carries a replay of the missed operations, or a snapshot when lastSeq
// has already fallen out of the replay buffer.
func (m *SessionManager) Reconnect(ctx context.Context, formID, token string, lastSeq uint64, conn ClientConn) (*JoinedMessage, error) {
	m.mu.Lock()
	sessionID, ok := m.byToken[token]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionExpired
	}
	sess := m.sessions[sessionID]
	if sess == nil || sess.formID != formID {
		m.mu.Unlock()
		return nil, ErrSessionExpired
	}
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	if sess.conn != nil && sess.conn != conn {
		// A stale socket is still attached; the reconnect supersedes it.
		sess.conn.Terminate()
	}
	delete(m.byToken, token)
	sess.reconnectToken = uuidgen.MustNewForEntity(uuidgen.EntityTypeToken).String()
	m.byToken[sess.reconnectToken] = sess.id
	sess.conn = conn
	sess.status = CollaboratorActive
	newToken := sess.reconnectToken
	m.mu.Unlock()

	room, ok := m.registry.Lookup(formID)
	if !ok {
		// The room was evicted mid-grace; rebuild it from persistence.
		var err error
		room, err = m.registry.GetOrCreateRoom(ctx, formID)
		if err != nil {
			return nil, err
		}
		if err := room.AttachSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	replay, snap, err := room.ResyncSince(ctx, lastSeq)
	if err != nil {
		return nil, err
	}

	m.metrics.Reconnects.Inc()
	slogging.Get().Info("Session %s reconnected to room %s", sessionID, formID)

	m.dispatcher.PublishRoster(formID)

	return &JoinedMessage{
		MessageType:    MessageTypeJoined,
		SessionID:      sessionID,
		ReconnectToken: newToken,
		Snapshot:       snap,
		Replay:         replay,
		Collaborators:  m.Roster(formID),
	}, nil
}

// Leave removes a session immediately: explicit disconnects skip the grace
// window, so the editor's locks release right away.
func (m *SessionManager) Leave(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	m.removeLocked(sess)
	m.mu.Unlock()

	m.cleanupRoomState(ctx, sess, "session left")
	return nil
}

// HandleDisconnect marks a dropped session away and arms its grace timer.
// Locks and room membership survive until the window lapses.
func (m *SessionManager) HandleDisconnect(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sess.conn = nil
	sess.status = CollaboratorAway
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
	}
	sess.graceTimer = time.AfterFunc(m.graceWindow, func() { m.expireGrace(sessionID) })
	formID := sess.formID
	m.mu.Unlock()

	slogging.Get().Info("Session %s disconnected from room %s; grace window %s",
		sessionID, formID, m.graceWindow)
	m.dispatcher.PublishRoster(formID)
}

// expireGrace finalizes a session whose reconnect window lapsed.
func (m *SessionManager) expireGrace(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.status != CollaboratorAway {
		m.mu.Unlock()
		return
	}
	m.removeLocked(sess)
	m.mu.Unlock()

	m.metrics.GraceExpiries.Inc()
	slogging.Get().Info("Session %s grace window expired in room %s", sessionID, sess.formID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.cleanupRoomState(ctx, sess, "grace expired")
}

// removeLocked drops all manager-side state for a session. Caller holds mu.
func (m *SessionManager) removeLocked(sess *session) {
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	delete(m.sessions, sess.id)
	delete(m.byToken, sess.reconnectToken)
	if members, ok := m.byRoom[sess.formID]; ok {
		delete(members, sess.id)
		if len(members) == 0 {
			delete(m.byRoom, sess.formID)
		}
	}
}

// cleanupRoomState detaches a removed session from its room, releases its
// locks, and triggers eviction scheduling when the room emptied.
func (m *SessionManager) cleanupRoomState(ctx context.Context, sess *session, cause string) {
	m.metrics.SessionsActive.Dec()
	m.dispatcher.ForgetSession(sess.id)

	room, ok := m.registry.Lookup(sess.formID)
	if !ok {
		return
	}
	released, err := room.DetachSession(ctx, sess.id)
	if err != nil {
		slogging.Get().Warn("Failed to detach session %s from room %s: %v", sess.id, sess.formID, err)
		return
	}
	for _, fieldID := range released {
		m.dispatcher.PublishLockReleased(sess.formID, fieldID, "session_closed")
	}

	m.dispatcher.PublishRoster(sess.formID)

	n, err := room.SessionCount(ctx)
	if err == nil && n == 0 {
		slogging.Get().Debug("Room %s emptied (%s); scheduling eviction", sess.formID, cause)
		m.registry.NoteEmpty(sess.formID)
	}
}

// UpdateCursor records a session's cursor position for roster snapshots.
func (m *SessionManager) UpdateCursor(sessionID string, cursor CursorPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	sess.cursor = &cursor
	return nil
}

// Identity returns the verified identity behind a session.
func (m *SessionManager) Identity(sessionID string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Identity{}, ErrUnknownSession
	}
	return sess.identity, nil
}

// Collaborator implements IdentityResolver for rooms.
func (m *SessionManager) Collaborator(sessionID string) (Collaborator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Collaborator{}, false
	}
	return sess.collaborator(), true
}

// Deliver implements SessionDirectory: write a frame to a local socket.
func (m *SessionManager) Deliver(sessionID string, data []byte) bool {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	var conn ClientConn
	if ok {
		conn = sess.conn
	}
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.Enqueue(data)
}

// RoomSessions implements SessionDirectory.
func (m *SessionManager) RoomSessions(formID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.byRoom[formID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Roster implements SessionDirectory: the room's collaborator list,
// ordered by connection time for stable client rendering.
func (m *SessionManager) Roster(formID string) []Collaborator {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.byRoom[formID]
	roster := make([]Collaborator, 0, len(members))
	for id := range members {
		roster = append(roster, m.sessions[id].collaborator())
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].ConnectedAt.Equal(roster[j].ConnectedAt) {
			return roster[i].SessionID < roster[j].SessionID
		}
		return roster[i].ConnectedAt.Before(roster[j].ConnectedAt)
	})
	return roster
}

// SessionCount returns the number of sessions tracked on this process.
func (m *SessionManager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close force-terminates every session, typically during shutdown.
func (m *SessionManager) Close() {
	m.mu.Lock()
	conns := make([]ClientConn, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.graceTimer != nil {
			sess.graceTimer.Stop()
		}
		if sess.conn != nil {
			conns = append(conns, sess.conn)
		}
	}
	m.sessions = make(map[string]*session)
	m.byToken = make(map[string]string)
	m.byRoom = make(map[string]map[string]struct{})
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Terminate()
	}
}

// RoomFor returns the room a session belongs to.
func (m *SessionManager) RoomFor(sessionID string) (*Room, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	var formID string
	if ok {
		formID = sess.formID
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	room, ok := m.registry.Lookup(formID)
	if !ok {
		return nil, fmt.Errorf("room %s: %w", formID, ErrRoomClosed)
	}
	return room, nil
}
