package collab

import (
	"errors"
	"runtime/debug"
	"time"

	"github.com/formlab/collab/internal/slogging"
)

// MessageHandler processes one validated client message type.
type MessageHandler interface {
	HandleMessage(client *Client, message AsyncMessage)
}

// MessageRouter dispatches parsed client frames to their typed handlers.
// Join and reconnect are handled during the socket handshake, never here;
// a client replaying them mid-session gets a protocol error.
type MessageRouter struct {
	handlers map[MessageType]MessageHandler
}

// NewMessageRouter builds a router with no handlers registered.
func NewMessageRouter() *MessageRouter {
	return &MessageRouter{handlers: make(map[MessageType]MessageHandler)}
}

// RegisterHandler binds a handler to a message type.
func (r *MessageRouter) RegisterHandler(messageType MessageType, handler MessageHandler) {
	r.handlers[messageType] = handler
}

// RouteMessage parses and dispatches one raw frame from a joined client.
func (r *MessageRouter) RouteMessage(client *Client, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slogging.Get().Error("Panic routing message for session %s: %v\n%s",
				client.SessionID(), rec, debug.Stack())
			client.sendError(ErrorCodeInternal, "internal error processing message")
		}
	}()

	message, err := ParseClientMessage(data)
	if errors.Is(err, ErrServerOnlyMessage) {
		client.sendError(ErrorCodeServerOnlyType, "message type is server-only")
		return
	}
	if err != nil {
		slogging.Get().Debug("Rejected frame from session %s: %v", client.SessionID(), err)
		client.sendError(ErrorCodeInvalidMessage, err.Error())
		return
	}

	messageType := message.GetMessageType()
	if messageType == MessageTypeJoin || messageType == MessageTypeReconnect {
		client.sendError(ErrorCodeProtocolSequence, "session is already established")
		return
	}

	handler, ok := r.handlers[messageType]
	if !ok {
		client.sendError(ErrorCodeUnsupportedType, "unsupported message type")
		return
	}

	start := time.Now()
	handler.HandleMessage(client, message)
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		slogging.Get().Warn("Slow %s handler for session %s: %s", messageType, client.SessionID(), elapsed)
	}
}
