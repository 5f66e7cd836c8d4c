package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditPendingActionWireShape(t *testing.T) {
	raw := `{"type":"edit_pending_action","sessionId":"sess_1","operationId":"op_1","patchText":"改成明天","idempotencyKey":"k1"}`

	var msg EditPendingAction
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, TypeEditPendingAction, msg.Type)
	assert.Equal(t, "sess_1", msg.SessionID)
	assert.Equal(t, "op_1", msg.OperationID)
	assert.Equal(t, "k1", msg.IdempotencyKey)
	assert.Equal(t, "改成明天", msg.Text())

	// message is accepted as an alias for patchText
	var alias EditPendingAction
	require.NoError(t, json.Unmarshal([]byte(`{"type":"edit_pending_action","message":"改成微信"}`), &alias))
	assert.Equal(t, "改成微信", alias.Text())
}
