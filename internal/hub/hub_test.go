package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindAndBroadcast(t *testing.T) {
	h := New(4, time.Minute, zerolog.Nop())

	conn := &Connection{ID: "conn_1", Send: make(chan []byte, 4)}
	h.Register(conn)
	h.BindSession(conn, "sess_1")

	assert.Equal(t, 1, h.ConnectionCount())
	assert.Equal(t, 1, h.SessionCount())
	assert.True(t, h.HasActiveConnections("sess_1"))
	assert.False(t, h.HasActiveConnections("sess_other"))

	require.NoError(t, h.BroadcastJSON("sess_1", map[string]string{"type": "token"}))
	select {
	case data := <-conn.Send:
		assert.Contains(t, string(data), "token")
	default:
		t.Fatalf("broadcast did not reach the connection")
	}
}

func TestRebindMovesConnection(t *testing.T) {
	h := New(4, time.Minute, zerolog.Nop())

	conn := &Connection{ID: "conn_1", Send: make(chan []byte, 4)}
	h.Register(conn)
	h.BindSession(conn, "sess_a")
	h.BindSession(conn, "sess_b")

	assert.False(t, h.HasActiveConnections("sess_a"))
	assert.True(t, h.HasActiveConnections("sess_b"))
}

func TestSendToConnectionBounded(t *testing.T) {
	h := New(4, time.Minute, zerolog.Nop())

	conn := &Connection{ID: "conn_1", Send: make(chan []byte, 1)}
	require.NoError(t, h.SendToConnection(conn, []byte("one")))
	// the queue is full now; the send must fail instead of blocking
	assert.ErrorIs(t, h.SendToConnection(conn, []byte("two")), ErrBufferFull)
}

func TestReaperEvictsIdleSessions(t *testing.T) {
	h := New(4, 10*time.Millisecond, zerolog.Nop())

	conn := &Connection{ID: "conn_1", Send: make(chan []byte, 4)}
	h.Register(conn)
	h.BindSession(conn, "sess_idle")
	h.Unregister(conn)

	require.Equal(t, 1, h.SessionCount(), "entry survives until it ages out")

	time.Sleep(20 * time.Millisecond)
	h.reap()

	assert.Equal(t, 0, h.SessionCount())
}

func TestReaperKeepsConnectedSessions(t *testing.T) {
	h := New(4, 10*time.Millisecond, zerolog.Nop())

	conn := &Connection{ID: "conn_1", Send: make(chan []byte, 4)}
	h.Register(conn)
	h.BindSession(conn, "sess_live")

	time.Sleep(20 * time.Millisecond)
	h.reap()

	assert.True(t, h.HasActiveConnections("sess_live"), "connected sessions are never reaped")
}
