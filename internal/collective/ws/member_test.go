package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMember_UnreadRepliesDoNotBlockClose: replies nobody waits for must not
// keep the read loop alive once the member closes its connection.
func TestMember_UnreadRepliesDoNotBlockClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for seq := uint64(0); seq < 10; seq++ {
			data, err := encode(MsgReply, &OpReply{Seq: seq})
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	m := NewMember(nil, nil)
	m.conn = conn
	go m.readPump()

	require.Eventually(t, func() bool { return len(m.replies) == cap(m.replies) }, 2*time.Second, 5*time.Millisecond)
	m.closeConn()

	select {
	case <-m.done:
		assert.Error(t, m.doneErr)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop still blocked after close")
	}
}
