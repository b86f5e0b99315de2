package collab

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSTestServer(t *testing.T) (*engineParts, *httptest.Server) {
	t.Helper()
	parts := newEngineParts(t, time.Minute, time.Minute)

	verifier := NewTicketVerifier(testTicketSecret, 5*time.Minute)
	router := NewMessageRouter()
	handler := NewWSHandler(verifier, parts.sessions, router, nil, true)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/forms/:form_id", handler.HandleWS)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return parts, srv
}

func dialWS(t *testing.T, srv *httptest.Server, formID, ticket string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/forms/" + formID + "?ticket=" + ticket
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandshakeJoinOverSocket(t *testing.T) {
	_, srv := newWSTestServer(t)
	conn := dialWS(t, srv, "form-1", mintTicket(t, testTicketSecret, "form-1", time.Now()))

	require.NoError(t, conn.WriteJSON(JoinMessage{MessageType: MessageTypeJoin}))

	// The roster broadcast may land ahead of the joined frame.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var joined JoinedMessage
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.ReadJSON(&joined))
		if joined.MessageType == MessageTypeJoined {
			break
		}
	}
	require.Equal(t, MessageTypeJoined, joined.MessageType)
	assert.NotEmpty(t, joined.SessionID)
	require.NotNil(t, joined.Snapshot)
}

func TestHandshakeErrorFrameReachesClient(t *testing.T) {
	_, srv := newWSTestServer(t)
	conn := dialWS(t, srv, "ghost-form", mintTicket(t, testTicketSecret, "ghost-form", time.Now()))

	require.NoError(t, conn.WriteJSON(JoinMessage{MessageType: MessageTypeJoin}))

	// The failure frame must be on the wire before the server closes the
	// socket, not racing a write pump flush.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ErrorMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeError, msg.MessageType)
	assert.Equal(t, ErrorCodeRoomLoadFailed, msg.Error)
}

func TestHandshakeRejectsNonJoinFirstFrame(t *testing.T) {
	_, srv := newWSTestServer(t)
	conn := dialWS(t, srv, "form-1", mintTicket(t, testTicketSecret, "form-1", time.Now()))

	require.NoError(t, conn.WriteJSON(CursorUpdateMessage{
		MessageType: MessageTypeCursorUpdate,
		FieldID:     "f1",
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ErrorMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ErrorCodeProtocolSequence, msg.Error)
}

func TestUpgradeRejectedWithoutValidTicket(t *testing.T) {
	_, srv := newWSTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/forms/form-1?ticket=garbage"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
