package collab

import (
	"context"
	"errors"
	"time"

	"github.com/formlab/collab/internal/slogging"
)

// Per-message-type handlers. Each is registered with the MessageRouter and
// receives only frames that already passed parsing and validation.

const handlerTimeout = 5 * time.Second

// OperationSubmitHandler applies edit operations through the room worker.
type OperationSubmitHandler struct {
	sessions *SessionManager
	limiter  *SessionRateLimiter
}

func NewOperationSubmitHandler(sessions *SessionManager, limiter *SessionRateLimiter) *OperationSubmitHandler {
	return &OperationSubmitHandler{sessions: sessions, limiter: limiter}
}

func (h *OperationSubmitHandler) HandleMessage(client *Client, message AsyncMessage) {
	msg, ok := message.(OperationSubmitMessage)
	if !ok {
		client.sendError(ErrorCodeInvalidMessage, "expected operation_submit message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if allowed, kick := h.limiter.AllowOperation(ctx, client.SessionID()); !allowed {
		client.sendError(ErrorCodeRateLimited, "operation rate limit exceeded")
		if kick {
			client.kickForAbuse(h.sessions, h.limiter)
		}
		return
	}

	room, err := h.sessions.RoomFor(client.SessionID())
	if err != nil {
		client.sendError(ErrorCodeNotJoined, "no active room for session")
		return
	}

	// The session and form bindings are server-authoritative; whatever
	// the client put in those fields is overwritten.
	op := msg.Operation
	op.SessionID = client.SessionID()
	op.FormID = client.FormID()

	result, err := room.Submit(ctx, op)
	if err != nil {
		if errors.Is(err, ErrRoomClosed) {
			client.sendError(ErrorCodeRoomLoadFailed, "room is closed")
			return
		}
		slogging.Get().Error("Submit failed for session %s op %s: %v", client.SessionID(), op.ID, err)
		client.sendError(ErrorCodeInternal, "operation could not be processed")
		return
	}

	client.sendMessage(OperationAckMessage{
		MessageType: MessageTypeOperationAck,
		Result:      result,
	})
}

// LockRequestHandler acquires advisory field locks.
type LockRequestHandler struct {
	sessions   *SessionManager
	dispatcher *Dispatcher
}

func NewLockRequestHandler(sessions *SessionManager, dispatcher *Dispatcher) *LockRequestHandler {
	return &LockRequestHandler{sessions: sessions, dispatcher: dispatcher}
}

func (h *LockRequestHandler) HandleMessage(client *Client, message AsyncMessage) {
	msg, ok := message.(LockRequestMessage)
	if !ok {
		client.sendError(ErrorCodeInvalidMessage, "expected lock_request message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	room, err := h.sessions.RoomFor(client.SessionID())
	if err != nil {
		client.sendError(ErrorCodeNotJoined, "no active room for session")
		return
	}

	result, err := room.RequestLock(ctx, client.SessionID(), msg.FieldID)
	if err != nil {
		client.sendError(ErrorCodeInternal, "lock request could not be processed")
		return
	}

	if !result.Granted {
		client.sendMessage(LockDeniedMessage{
			MessageType: MessageTypeLockDenied,
			FieldID:     msg.FieldID,
			Holder:      result.Holder,
		})
		return
	}

	holder, _ := h.sessions.Collaborator(client.SessionID())
	// The grant goes to the whole room, requester included, so every
	// editor renders the "X is editing" indicator from the same frame.
	h.dispatcher.Broadcast(client.FormID(), LockGrantedMessage{
		MessageType: MessageTypeLockGranted,
		Lock:        *result.Lock,
		Holder:      holder,
	}, "")
}

// LockRenewHandler extends held locks.
type LockRenewHandler struct {
	sessions *SessionManager
}

func NewLockRenewHandler(sessions *SessionManager) *LockRenewHandler {
	return &LockRenewHandler{sessions: sessions}
}

func (h *LockRenewHandler) HandleMessage(client *Client, message AsyncMessage) {
	msg, ok := message.(LockRenewMessage)
	if !ok {
		client.sendError(ErrorCodeInvalidMessage, "expected lock_renew message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	room, err := h.sessions.RoomFor(client.SessionID())
	if err != nil {
		client.sendError(ErrorCodeNotJoined, "no active room for session")
		return
	}

	renewed, err := room.RenewLock(ctx, client.SessionID(), msg.FieldID)
	if err != nil {
		client.sendError(ErrorCodeInternal, "lock renewal could not be processed")
		return
	}

	client.sendMessage(LockAckMessage{
		MessageType: MessageTypeLockAck,
		FieldID:     msg.FieldID,
		Action:      "renew",
		OK:          renewed,
	})
}

// LockReleaseHandler releases held locks.
type LockReleaseHandler struct {
	sessions *SessionManager
}

func NewLockReleaseHandler(sessions *SessionManager) *LockReleaseHandler {
	return &LockReleaseHandler{sessions: sessions}
}

func (h *LockReleaseHandler) HandleMessage(client *Client, message AsyncMessage) {
	msg, ok := message.(LockReleaseMessage)
	if !ok {
		client.sendError(ErrorCodeInvalidMessage, "expected lock_release message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	room, err := h.sessions.RoomFor(client.SessionID())
	if err != nil {
		client.sendError(ErrorCodeNotJoined, "no active room for session")
		return
	}

	released, err := room.ReleaseLock(ctx, client.SessionID(), msg.FieldID)
	if err != nil {
		client.sendError(ErrorCodeInternal, "lock release could not be processed")
		return
	}

	client.sendMessage(LockAckMessage{
		MessageType: MessageTypeLockAck,
		FieldID:     msg.FieldID,
		Action:      "release",
		OK:          released,
	})
}

// CursorUpdateHandler broadcasts presence and keeps the holder's lock
// alive while their cursor sits on a field.
type CursorUpdateHandler struct {
	sessions   *SessionManager
	dispatcher *Dispatcher
	limiter    *SessionRateLimiter
}

func NewCursorUpdateHandler(sessions *SessionManager, dispatcher *Dispatcher, limiter *SessionRateLimiter) *CursorUpdateHandler {
	return &CursorUpdateHandler{sessions: sessions, dispatcher: dispatcher, limiter: limiter}
}

func (h *CursorUpdateHandler) HandleMessage(client *Client, message AsyncMessage) {
	msg, ok := message.(CursorUpdateMessage)
	if !ok {
		client.sendError(ErrorCodeInvalidMessage, "expected cursor_update message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if allowed, kick := h.limiter.AllowPresence(ctx, client.SessionID()); !allowed {
		// Throttled presence is dropped silently unless abusive; cursor
		// positions are ephemeral and the next update supersedes this one.
		if kick {
			client.sendError(ErrorCodeRateLimited, "presence rate limit exceeded")
			client.kickForAbuse(h.sessions, h.limiter)
		}
		return
	}

	cursor := CursorPosition{FieldID: msg.FieldID, Offset: msg.Offset}
	if err := h.sessions.UpdateCursor(client.SessionID(), cursor); err != nil {
		client.sendError(ErrorCodeNotJoined, "no active session")
		return
	}

	if room, err := h.sessions.RoomFor(client.SessionID()); err == nil {
		// Cursor presence on a field doubles as lock keepalive.
		_ = room.TouchLock(ctx, client.SessionID(), msg.FieldID)
	}

	identity, err := h.sessions.Identity(client.SessionID())
	if err != nil {
		return
	}
	h.dispatcher.PublishPresence(client.FormID(), PresenceUpdateMessage{
		MessageType: MessageTypePresenceUpdate,
		SessionID:   client.SessionID(),
		User:        identity,
		Cursor:      cursor,
		Timestamp:   time.Now().UTC(),
	})
}
