package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"caseguard/api/internal/session"
	"caseguard/api/internal/store"
)

type fakeAuthorizer struct {
	tokens map[string]string
	owners map[string]string
}

func (f *fakeAuthorizer) Verify(_ context.Context, token string) (session.Identity, bool, error) {
	userID, ok := f.tokens[token]
	if !ok {
		return session.Identity{}, false, nil
	}
	return session.Identity{UserID: userID}, true, nil
}

func (f *fakeAuthorizer) CanSubscribe(_ context.Context, identity session.Identity, chatID string) (bool, error) {
	return f.owners[chatID] == identity.UserID, nil
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	auth := &fakeAuthorizer{
		tokens: map[string]string{"tok-u": "usr_u", "tok-v": "usr_v"},
		owners: map[string]string{"case_1": "usr_u"},
	}
	hub := NewHub(auth, zap.NewNop(), "*")
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?access_token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestRejectsUnauthenticatedUpgrade(t *testing.T) {
	_, server := newTestHub(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?access_token=bogus"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribedOwnerReceivesInsert(t *testing.T) {
	hub, server := newTestHub(t)
	ws := dial(t, server, "tok-u")

	assert.Equal(t, "connected", readFrame(t, ws)["type"])
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "chatId": "case_1"}))
	ack := readFrame(t, ws)
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, "case_1", ack["chatId"])

	hub.PublishMessage("case_1", store.Row{"id": "msg_1", "chat_id": "case_1", "content": "hello", "role": "user"})

	event := readFrame(t, ws)
	assert.Equal(t, "insert", event["type"])
	assert.Equal(t, "chat_messages", event["table"])
	record, ok := event["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", record["content"])
}

func TestNonOwnerCannotSubscribe(t *testing.T) {
	hub, server := newTestHub(t)
	ws := dial(t, server, "tok-v")
	readFrame(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "chatId": "case_1"}))
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "forbidden", frame["code"])
	assert.Zero(t, hub.router.RoomSize("case_1"))
}

func TestStatusUpdateReachesAffectedUser(t *testing.T) {
	hub, server := newTestHub(t)
	ws := dial(t, server, "tok-u")
	readFrame(t, ws)

	// A round trip guarantees the connection is attached before publishing.
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, ws)["type"])

	hub.PublishStatus(store.UserStatus{UserID: "usr_u", MessagingBlocked: true, Tier: "free", Role: "user"})

	frame := readFrame(t, ws)
	assert.Equal(t, "update", frame["type"])
	assert.Equal(t, "user_status", frame["table"])
	record := frame["record"].(map[string]any)
	assert.Equal(t, true, record["messaging_blocked"])
}

func TestUnknownFrameTypeIsReported(t *testing.T) {
	_, server := newTestHub(t)
	ws := dial(t, server, "tok-u")
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	assert.Equal(t, "unsupported_type", readFrame(t, ws)["code"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Equal(t, "bad_request", readFrame(t, ws)["code"])
}

func TestRouterDetachCleansRooms(t *testing.T) {
	router := NewRouter()
	conn := &Connection{ID: "c1", UserID: "usr_u", send: make(chan []byte, 1), closed: make(chan struct{})}

	router.mu.Lock()
	router.sessions[conn.ID] = conn
	router.userSessions[conn.UserID] = map[string]struct{}{conn.ID: {}}
	router.sessionRooms[conn.ID] = map[string]struct{}{}
	router.mu.Unlock()

	router.Join("case_1", conn)
	assert.Equal(t, 1, router.RoomSize("case_1"))
	assert.Equal(t, 1, router.Broadcast("case_1", []byte("x")))

	router.Detach(conn)
	assert.Zero(t, router.RoomSize("case_1"))
	assert.Zero(t, router.NotifyUser("usr_u", []byte("y")))
}

// serverConn upgrades one request and hands the server side of the socket to
// the test together with the dialed client side.
func serverConn(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	upgraded := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- ws
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ws := <-upgraded:
		t.Cleanup(func() { _ = ws.Close() })
		return ws, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never upgraded the connection")
		return nil, nil
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	ws, client := serverConn(t)
	// The writer is never started, so nothing drains the buffer.
	conn := NewConnection("usr_u", ws)

	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, conn.Send([]byte(`{"type":"ping"}`)))
	}
	err := conn.Send([]byte(`{"type":"overflow"}`))
	require.Error(t, err)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed after overflowing its buffer")
	}
	assert.ErrorIs(t, conn.Send([]byte(`{}`)), ErrConnectionClosed)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "want policy-violation close, got %v", err)
}
