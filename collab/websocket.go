package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/formlab/collab/internal/slogging"
)

const (
	// writeWait bounds how long a single frame write may take.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before declaring the
	// socket dead. Must exceed pingPeriod.
	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	// handshakeWait bounds how long a freshly upgraded socket may take
	// to send its join or reconnect frame.
	handshakeWait = 10 * time.Second

	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// Client is one WebSocket connection. It lives from upgrade to close and
// is bound to exactly one session after the join handshake.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	sessions *SessionManager

	mu        sync.Mutex
	sessionID string
	formID    string

	closeOnce sync.Once
	closed    chan struct{}

	// leaving is set when the session was already finalized (explicit
	// leave or abuse kick) so the read pump's exit path skips the grace
	// window.
	leavingMu sync.Mutex
	leaving   bool
}

func newClient(conn *websocket.Conn, sessions *SessionManager, formID string) *Client {
	return &Client{
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		sessions: sessions,
		formID:   formID,
		closed:   make(chan struct{}),
	}
}

// SessionID returns the session bound at handshake, or "" before it.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// FormID returns the form this socket was upgraded for.
func (c *Client) FormID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.formID
}

func (c *Client) bindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Enqueue implements ClientConn. Frames are dropped when the socket's
// buffer is full; a reader that slow is effectively dead and the ping
// cycle will reap it.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		slogging.Get().Warn("Send buffer full for session %s; dropping frame", c.SessionID())
		return false
	}
}

// Terminate implements ClientConn: force-close the socket.
func (c *Client) Terminate() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Client) sendMessage(msg AsyncMessage) {
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal %s for session %s: %v",
			msg.GetMessageType(), c.SessionID(), err)
		return
	}
	c.Enqueue(data)
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(ErrorMessage{
		MessageType: MessageTypeError,
		Error:       code,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	})
}

// writeErrorNow writes an error frame directly on the socket, bypassing
// the send queue. Only safe before the write pump starts; handshake
// failures use it so the frame is on the wire before the socket closes.
func (c *Client) writeErrorNow(code, message string) {
	data, err := MarshalMessage(ErrorMessage{
		MessageType: MessageTypeError,
		Error:       code,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slogging.Get().Debug("Failed to write handshake error frame: %v", err)
	}
}

// kickForAbuse finalizes the session immediately and drops the socket. No
// grace window: the session already proved it will not behave.
func (c *Client) kickForAbuse(sessions *SessionManager, limiter *SessionRateLimiter) {
	c.leavingMu.Lock()
	c.leaving = true
	c.leavingMu.Unlock()

	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if err := sessions.Leave(ctx, c.SessionID()); err != nil && !errors.Is(err, ErrUnknownSession) {
		slogging.Get().Warn("Failed to finalize kicked session %s: %v", c.SessionID(), err)
	}
	limiter.Forget(c.SessionID())
	c.Terminate()
}

// readPump consumes frames until the socket dies, then routes the
// disconnect: a clean close finalizes the session, everything else enters
// the reconnection grace window.
func (c *Client) readPump(router *MessageRouter) {
	defer c.Terminate()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	normal := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				normal = true
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slogging.Get().Debug("Abnormal close for session %s: %v", c.SessionID(), err)
			}
			break
		}
		router.RouteMessage(c, data)
	}

	c.leavingMu.Lock()
	alreadyLeft := c.leaving
	c.leavingMu.Unlock()
	if alreadyLeft {
		return
	}

	sessionID := c.SessionID()
	if sessionID == "" {
		return
	}
	if normal {
		ctx, cancel := contextWithTimeout(5 * time.Second)
		defer cancel()
		if err := c.sessions.Leave(ctx, sessionID); err != nil && !errors.Is(err, ErrUnknownSession) {
			slogging.Get().Warn("Failed to finalize session %s on close: %v", sessionID, err)
		}
		return
	}
	c.sessions.HandleDisconnect(sessionID)
}

// writePump drains the send buffer and keeps the ping cycle alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Terminate()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// WSHandler upgrades authorized requests and runs the join handshake.
type WSHandler struct {
	verifier *TicketVerifier
	sessions *SessionManager
	router   *MessageRouter
	upgrader websocket.Upgrader
}

// NewWSHandler builds the WebSocket entry point. allowAll disables origin
// checking, for development only.
func NewWSHandler(verifier *TicketVerifier, sessions *SessionManager, router *MessageRouter,
	allowedOrigins []string, allowAll bool) *WSHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WSHandler{
		verifier: verifier,
		sessions: sessions,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Non-browser clients; the ticket is the gate.
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// HandleWS is the gin handler for GET /ws/forms/:form_id.
func (h *WSHandler) HandleWS(c *gin.Context) {
	formID := c.Param("form_id")
	if formID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "form_id is required"})
		return
	}

	identity, err := h.verifier.Verify(c.Query("ticket"), formID)
	if err != nil {
		slogging.Get().Info("Rejected upgrade for form %s: %v", formID, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": ErrorCodeAuthRejected})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Warn("Upgrade failed for form %s: %v", formID, err)
		return
	}

	// The write pump starts only after a successful handshake; until
	// then the handshake owns the socket and writes error frames
	// synchronously.
	client := newClient(conn, h.sessions, formID)
	if !h.handshake(client, formID, identity) {
		client.Terminate()
		return
	}

	go client.writePump()
	client.readPump(h.router)
}

// handshake reads the first frame and admits the client as a new session
// or a reconnection. Everything before a successful handshake is fatal.
func (h *WSHandler) handshake(client *Client, formID string, identity Identity) bool {
	_ = client.conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := client.conn.ReadMessage()
	if err != nil {
		slogging.Get().Debug("Handshake read failed for form %s: %v", formID, err)
		return false
	}

	message, err := ParseClientMessage(data)
	if err != nil {
		client.writeErrorNow(ErrorCodeInvalidMessage, err.Error())
		return false
	}

	ctx, cancel := contextWithTimeout(10 * time.Second)
	defer cancel()

	var joined *JoinedMessage
	switch msg := message.(type) {
	case JoinMessage:
		joined, err = h.sessions.Join(ctx, formID, identity, client)
	case ReconnectMessage:
		joined, err = h.sessions.Reconnect(ctx, formID, msg.ReconnectToken, msg.LastSeq, client)
	default:
		client.writeErrorNow(ErrorCodeProtocolSequence, "first message must be join or reconnect")
		return false
	}
	if err != nil {
		client.writeErrorNow(handshakeErrorCode(err), err.Error())
		return false
	}

	client.bindSession(joined.SessionID)
	client.sendMessage(*joined)
	return true
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func handshakeErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionExpired):
		return ErrorCodeSessionExpired
	case errors.Is(err, ErrRoomNotOwned):
		return ErrorCodeRoomNotOwned
	case errors.Is(err, ErrRoomLoadFailed):
		return ErrorCodeRoomLoadFailed
	case errors.Is(err, ErrAuthRejected):
		return ErrorCodeAuthRejected
	default:
		return ErrorCodeInternal
	}
}
