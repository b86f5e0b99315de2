package collab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formlab/collab/internal/uuidgen"
)

func TestParseClientMessageDispatch(t *testing.T) {
	opID := uuidgen.MustNewV4().String()
	tests := []struct {
		name string
		raw  string
		want MessageType
	}{
		{"join", `{"message_type":"join"}`, MessageTypeJoin},
		{"reconnect", `{"message_type":"reconnect","reconnect_token":"tok-1","last_seq":42}`, MessageTypeReconnect},
		{"operation_submit", `{"message_type":"operation_submit","operation":{"operation_id":"` + opID + `","field_id":"f1","type":"update","payload":{"label":"x"},"base_version":1}}`, MessageTypeOperationSubmit},
		{"lock_request", `{"message_type":"lock_request","field_id":"f1"}`, MessageTypeLockRequest},
		{"lock_renew", `{"message_type":"lock_renew","field_id":"f1"}`, MessageTypeLockRenew},
		{"lock_release", `{"message_type":"lock_release","field_id":"f1"}`, MessageTypeLockRelease},
		{"cursor_update", `{"message_type":"cursor_update","field_id":"f1","offset":4}`, MessageTypeCursorUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.GetMessageType())
		})
	}
}

func TestParseClientMessageRejectsServerOnly(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"message_type":"operation_broadcast"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-only")
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	_, err := ParseClientMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseClientMessage([]byte(`{"message_type":"no_such_type"}`))
	assert.Error(t, err)
}

func TestParseClientMessageValidates(t *testing.T) {
	// Syntactically fine, semantically empty.
	_, err := ParseClientMessage([]byte(`{"message_type":"lock_request"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field_id")

	_, err = ParseClientMessage([]byte(`{"message_type":"reconnect"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect_token")

	_, err = ParseClientMessage([]byte(`{"message_type":"cursor_update","field_id":"f1","offset":-1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset")
}

func TestReconnectCarriesLastSeq(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"message_type":"reconnect","reconnect_token":"tok","last_seq":7}`))
	require.NoError(t, err)
	rec, ok := msg.(ReconnectMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(7), rec.LastSeq)
}

func TestOperationValidate(t *testing.T) {
	valid := Operation{
		ID:      uuidgen.MustNewV4().String(),
		FieldID: "f1",
		Type:    OperationUpdate,
		Payload: json.RawMessage(`{"label":"x"}`),
	}
	assert.NoError(t, valid.Validate())

	noID := valid
	noID.ID = "not-a-uuid"
	assert.Error(t, noID.Validate())

	del := valid
	del.Type = OperationDelete
	assert.Error(t, del.Validate(), "delete must not carry a payload")
	del.Payload = nil
	assert.NoError(t, del.Validate())

	unknown := valid
	unknown.Type = OperationType("rename")
	assert.Error(t, unknown.Validate())
}

func TestJoinedMessageSnapshotReplayExclusive(t *testing.T) {
	base := JoinedMessage{
		MessageType:    MessageTypeJoined,
		SessionID:      uuidgen.MustNewV7().String(),
		ReconnectToken: "tok",
	}

	assert.Error(t, base.Validate(), "one of snapshot or replay is required")

	withSnap := base
	withSnap.Snapshot = &Snapshot{FormID: "form-1"}
	assert.NoError(t, withSnap.Validate())

	withReplay := base
	withReplay.Replay = []AcceptedOperation{}
	assert.NoError(t, withReplay.Validate())

	both := withSnap
	both.Replay = []AcceptedOperation{}
	assert.Error(t, both.Validate())
}

func TestMarshalMessageValidatesFirst(t *testing.T) {
	_, err := MarshalMessage(ErrorMessage{MessageType: MessageTypeError})
	assert.Error(t, err)

	data, err := MarshalMessage(ErrorMessage{
		MessageType: MessageTypeError,
		Error:       ErrorCodeRateLimited,
		Message:     "slow down",
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), ErrorCodeRateLimited)
}

func TestLockReleasedReasons(t *testing.T) {
	for _, reason := range []string{"released", "expired", "session_closed"} {
		msg := LockReleasedMessage{MessageType: MessageTypeLockReleased, FieldID: "f1", Reason: reason}
		assert.NoError(t, msg.Validate())
	}
	bad := LockReleasedMessage{MessageType: MessageTypeLockReleased, FieldID: "f1", Reason: "gone"}
	assert.Error(t, bad.Validate())
}
