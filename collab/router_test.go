package collab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	messages []AsyncMessage
}

func (h *recordingHandler) HandleMessage(_ *Client, message AsyncMessage) {
	h.messages = append(h.messages, message)
}

type panickingHandler struct{}

func (panickingHandler) HandleMessage(_ *Client, _ AsyncMessage) {
	panic("handler blew up")
}

// newRouterClient builds a client with no socket attached; frames it
// would have sent land on the send channel.
func newRouterClient() *Client {
	return &Client{
		send:      make(chan []byte, 8),
		closed:    make(chan struct{}),
		sessionID: "sess-1",
		formID:    "form-1",
	}
}

func sentErrorCode(t *testing.T, client *Client) string {
	t.Helper()
	select {
	case frame := <-client.send:
		var msg ErrorMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		require.Equal(t, MessageTypeError, msg.MessageType)
		return msg.Error
	default:
		t.Fatal("expected an error frame")
		return ""
	}
}

func TestRouterDispatchesToHandler(t *testing.T) {
	router := NewMessageRouter()
	handler := &recordingHandler{}
	router.RegisterHandler(MessageTypeCursorUpdate, handler)

	client := newRouterClient()
	router.RouteMessage(client, []byte(`{"message_type":"cursor_update","field_id":"f1","offset":4}`))

	require.Len(t, handler.messages, 1)
	msg, ok := handler.messages[0].(CursorUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, "f1", msg.FieldID)
	assert.Equal(t, 4, msg.Offset)
	assert.Empty(t, client.send)
}

func TestRouterRejectsGarbage(t *testing.T) {
	router := NewMessageRouter()
	client := newRouterClient()

	router.RouteMessage(client, []byte(`not json`))

	assert.Equal(t, ErrorCodeInvalidMessage, sentErrorCode(t, client))
}

func TestRouterRejectsServerOnlyTypes(t *testing.T) {
	router := NewMessageRouter()
	client := newRouterClient()

	router.RouteMessage(client, []byte(`{"message_type":"collaborators_list","form_id":"form-1"}`))

	assert.Equal(t, ErrorCodeServerOnlyType, sentErrorCode(t, client))
}

func TestRouterRejectsJoinAfterHandshake(t *testing.T) {
	router := NewMessageRouter()
	client := newRouterClient()

	router.RouteMessage(client, []byte(`{"message_type":"join","user":{"user_id":"alice"}}`))

	assert.Equal(t, ErrorCodeProtocolSequence, sentErrorCode(t, client))
}

func TestRouterRejectsUnregisteredType(t *testing.T) {
	router := NewMessageRouter()
	client := newRouterClient()

	router.RouteMessage(client, []byte(`{"message_type":"cursor_update","field_id":"f1","offset":0}`))

	assert.Equal(t, ErrorCodeUnsupportedType, sentErrorCode(t, client))
}

func TestRouterRecoversFromHandlerPanic(t *testing.T) {
	router := NewMessageRouter()
	router.RegisterHandler(MessageTypeCursorUpdate, panickingHandler{})
	client := newRouterClient()

	require.NotPanics(t, func() {
		router.RouteMessage(client, []byte(`{"message_type":"cursor_update","field_id":"f1","offset":0}`))
	})

	assert.Equal(t, ErrorCodeInternal, sentErrorCode(t, client))
}
