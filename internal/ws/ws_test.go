package ws

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

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/hub"
)

func dial(t *testing.T, h *hub.Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(h, 8, nil))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// waitMembers polls until the hub sees n members in room; joins are applied
// asynchronously by the server's read loop.
func waitMembers(t *testing.T, h *hub.Hub, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Members(room) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestJoinAndReceive(t *testing.T) {
	h := hub.New()
	h.Publish("V7", fleet.Snapshot{VehicleID: "V7", Status: fleet.StatusActive, Speed: 1})
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "vehicleId": "V7"}))
	first := readFrame(t, conn)
	assert.Equal(t, "snapshot", first["type"])
	assert.Equal(t, 1.0, first["data"].(map[string]any)["speed"], "last snapshot delivered on join")

	waitMembers(t, h, "V7", 1)
	h.Publish("V7", fleet.Snapshot{VehicleID: "V7", Status: fleet.StatusActive, Speed: 2})
	second := readFrame(t, conn)
	data := second["data"].(map[string]any)
	assert.Equal(t, 2.0, data["speed"])
	assert.Contains(t, data, "etaMinutes")
	assert.Nil(t, data["etaMinutes"])
}

func TestJoinByDevice(t *testing.T) {
	h := hub.New()
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "deviceId": "D1"}))
	waitMembers(t, h, hub.DeviceRoom("D1"), 1)

	h.Broadcast(context.Background(), fleet.Snapshot{VehicleID: "V7", DeviceID: "D1"})
	frame := readFrame(t, conn)
	assert.Equal(t, "V7", frame["data"].(map[string]any)["vehicleId"])
}

func TestLeaveAndDisconnect(t *testing.T) {
	h := hub.New()
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "vehicleId": "V7"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "vehicleId": "V8"}))
	waitMembers(t, h, "V8", 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "leave", "vehicleId": "V7"}))
	waitMembers(t, h, "V7", 0)
	assert.Equal(t, 1, h.Members("V8"))

	require.NoError(t, conn.Close())
	waitMembers(t, h, "V8", 0)
	assert.Equal(t, 0, h.Stats().Subscribers)
}

func TestProtocolErrors(t *testing.T) {
	h := hub.New()
	conn := dial(t, h)

	cases := []string{
		`not json`,
		`{"action":"join"}`,
		`{"action":"join","vehicleId":"V7","deviceId":"D1"}`,
		`{"action":"dance","vehicleId":"V7"}`,
	}
	for _, msg := range cases {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		f := readFrame(t, conn)
		assert.Equal(t, "error", f["type"], msg)
		assert.NotEmpty(t, f["error"], msg)
	}
	assert.Equal(t, 0, h.Members("V7"))
}

type knownVehicles map[string]bool

func (k knownVehicles) CurrentSnapshot(_ context.Context, room string) (*fleet.Snapshot, error) {
	if !k[room] {
		return nil, fleet.ErrVehicleNotFound
	}
	return nil, nil
}

func TestJoinUnknownVehicleSendsError(t *testing.T) {
	h := hub.New(hub.WithSeeder(knownVehicles{"V7": true}))
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "vehicleId": "V404"}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["type"])
	assert.Contains(t, f["error"], "vehicle not found")
	assert.Zero(t, h.Stats().Rooms)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "vehicleId": "V7"}))
	waitMembers(t, h, "V7", 1)
	assert.Equal(t, 1, h.Stats().Rooms)
}

func TestSendNeverBlocks(t *testing.T) {
	c := &Client{id: "c", send: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.Send(fleet.Snapshot{VehicleID: "V1"}))
	assert.ErrorIs(t, c.Send(fleet.Snapshot{VehicleID: "V1"}), errQueueFull)

	close(c.done)
	<-c.send
	assert.ErrorIs(t, c.Send(fleet.Snapshot{VehicleID: "V1"}), errClosed)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ops.example.com"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest("GET", "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("https://ops.example.com")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, check(req("")))
	assert.True(t, originChecker([]string{"*"})(req("https://any.example.com")))
}
