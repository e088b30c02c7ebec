package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorfleet/tutorfleet/pkg/eventlog"
	"github.com/tutorfleet/tutorfleet/pkg/events"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func newTestHub(rdb *redis.Client, instanceID string, maxConns int) *Hub {
	registry := NewRegistry(rdb, instanceID, time.Hour)
	return NewHub(registry, maxConns, 5*time.Second)
}

// newHubServer serves websocket upgrades that hand every connection to hub
// under a fixed identity.
func newHubServer(t *testing.T, hub *Hub, userID, role string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		hub.HandleConnection(r.Context(), conn, userID, role)
	}))
	t.Cleanup(server.Close)
	return server
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):], nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame ServerFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame ClientFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func encodeEvent(t *testing.T, evt events.Event) []byte {
	t.Helper()
	data, err := eventlog.Encode(evt, events.Envelope{
		EventID: "e1", CorrelationID: "corr-1", Source: "test",
		Version: "1.0", ProducedAt: time.Now(),
	})
	require.NoError(t, err)
	return data
}

func TestHubEstablishesAndRegistersConnection(t *testing.T) {
	_, rdb := newTestRedis(t)
	hub := newTestHub(rdb, "g1", 10)
	server := newHubServer(t, hub, "u1", events.RoleStudent)

	conn := dialWS(t, server)
	frame := readFrame(t, conn)
	assert.Equal(t, FrameConnected, frame.Type)
	assert.NotEmpty(t, frame.SocketID)

	waitFor(t, func() bool { return hub.ActiveConnections() == 1 })
	members, err := rdb.SMembers(context.Background(), "ws:user:u1").Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "g1:"+frame.SocketID, members[0])
}

func TestHubRefusesConnectionsOverCap(t *testing.T) {
	_, rdb := newTestRedis(t)
	hub := newTestHub(rdb, "g1", 1)
	server := newHubServer(t, hub, "u1", events.RoleStudent)

	first := dialWS(t, server)
	assert.Equal(t, FrameConnected, readFrame(t, first).Type)

	second := dialWS(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))

	// The existing socket is unaffected.
	assert.Equal(t, 1, hub.ActiveConnections())
}

func TestFanoutAcrossInstances(t *testing.T) {
	// Two gateway instances, one socket each for the same student. A single
	// broadcast publish must reach each socket exactly once, with no
	// cross-instance duplicates.
	_, rdb := newTestRedis(t)
	hub1 := newTestHub(rdb, "g1", 10)
	hub2 := newTestHub(rdb, "g2", 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewBridge(rdb, hub1).Run(ctx)
	go NewBridge(rdb, hub2).Run(ctx)

	conn1 := dialWS(t, newHubServer(t, hub1, "U", events.RoleStudent))
	conn2 := dialWS(t, newHubServer(t, hub2, "U", events.RoleStudent))
	require.Equal(t, FrameConnected, readFrame(t, conn1).Type)
	require.Equal(t, FrameConnected, readFrame(t, conn2).Type)

	// Let both bridges finish subscribing before publishing.
	time.Sleep(100 * time.Millisecond)

	payload := encodeEvent(t, events.Event{
		Type: events.TypePurchaseConfirmed, Timestamp: time.Now(),
		StudentID: "U", CourseID: "C",
	})
	require.NoError(t, rdb.Publish(context.Background(), events.ChannelBusinessEvents, payload).Err())

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		frame := readFrame(t, conn)
		assert.Equal(t, FrameBusinessEvent, frame.Type)

		var evt events.EnrichedEvent
		require.NoError(t, eventlogDecodeInto(frame.Event, &evt))
		assert.Equal(t, events.TypePurchaseConfirmed, evt.Type)

		// Exactly one frame: a second read must time out.
		readCtx, cancelRead := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, _, err := conn.Read(readCtx)
		cancelRead()
		assert.Error(t, err, "socket must receive exactly one frame")
	}
}

func eventlogDecodeInto(raw json.RawMessage, out *events.EnrichedEvent) error {
	decoded, err := eventlog.Decode(raw)
	if err != nil {
		return err
	}
	*out = *decoded
	return nil
}

func TestVisibilityFilterBlocksForeignEvents(t *testing.T) {
	_, rdb := newTestRedis(t)
	hub := newTestHub(rdb, "g1", 10)

	// The trainer socket is a recipient candidate via userId, but the
	// visibility filter must block a student-scoped event.
	conn := dialWS(t, newHubServer(t, hub, "T", events.RoleTrainer))
	require.Equal(t, FrameConnected, readFrame(t, conn).Type)
	waitFor(t, func() bool { return hub.ActiveConnections() == 1 })

	evt := &events.EnrichedEvent{Event: events.Event{
		Type: events.TypePurchaseConfirmed, UserID: "T", StudentID: "S",
	}}
	hub.DispatchBusinessEvent(context.Background(), evt, encodeEvent(t, evt.Event))

	readCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "trainer must not see another student's purchase")
}

func TestJourneySubscriptionOwnership(t *testing.T) {
	_, rdb := newTestRedis(t)
	hub := newTestHub(rdb, "g1", 10)

	own, err := json.Marshal(JourneyOwnership{JourneyID: "J", SessionID: "sess-1", StudentID: "owner", TrainerID: "t1"})
	require.NoError(t, err)
	require.NoError(t, rdb.Set(context.Background(), "journey:J", own, time.Hour).Err())

	// A non-owner student is denied.
	intruder := dialWS(t, newHubServer(t, hub, "someone-else", events.RoleStudent))
	require.Equal(t, FrameConnected, readFrame(t, intruder).Type)
	writeFrame(t, intruder, ClientFrame{Type: FrameSubscribeJourney, JourneyID: "J"})
	frame := readFrame(t, intruder)
	assert.Equal(t, FrameSubscribeJourneyError, frame.Type)
	assert.Equal(t, "Access denied to this journey", frame.Message)

	// The owning student is admitted and receives room traffic.
	owner := dialWS(t, newHubServer(t, hub, "owner", events.RoleStudent))
	require.Equal(t, FrameConnected, readFrame(t, owner).Type)
	writeFrame(t, owner, ClientFrame{Type: FrameSubscribeJourney, JourneyID: "J"})
	frame = readFrame(t, owner)
	require.Equal(t, FrameSubscribeJourneyOK, frame.Type)

	location := []byte(`{"journeyId":"J","lat":18.52,"lon":73.85}`)
	hub.DispatchJourney(FrameJourneyLocation, "J", location)
	frame = readFrame(t, owner)
	assert.Equal(t, FrameJourneyLocation, frame.Type)
	assert.Equal(t, "J", frame.JourneyID)
	assert.JSONEq(t, string(location), string(frame.Payload))

	// The denied socket got nothing.
	readCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, readErr := intruder.Read(readCtx)
	assert.Error(t, readErr)
}

func TestJourneySubscriptionUnknownJourney(t *testing.T) {
	_, rdb := newTestRedis(t)
	hub := newTestHub(rdb, "g1", 10)

	conn := dialWS(t, newHubServer(t, hub, "u1", events.RoleStudent))
	require.Equal(t, FrameConnected, readFrame(t, conn).Type)
	writeFrame(t, conn, ClientFrame{Type: FrameSubscribeJourney, JourneyID: "ghost"})
	frame := readFrame(t, conn)
	assert.Equal(t, FrameSubscribeJourneyError, frame.Type)
}

func TestHubPingPong(t *testing.T) {
	_, rdb := newTestRedis(t)
	hub := newTestHub(rdb, "g1", 10)
	conn := dialWS(t, newHubServer(t, hub, "u1", events.RoleStudent))
	require.Equal(t, FrameConnected, readFrame(t, conn).Type)

	writeFrame(t, conn, ClientFrame{Type: FramePing})
	assert.Equal(t, FramePong, readFrame(t, conn).Type)
}

func TestHubDisconnectCleansRegistry(t *testing.T) {
	_, rdb := newTestRedis(t)
	hub := newTestHub(rdb, "g1", 10)
	server := newHubServer(t, hub, "u1", events.RoleStudent)

	conn := dialWS(t, server)
	require.Equal(t, FrameConnected, readFrame(t, conn).Type)
	waitFor(t, func() bool { return hub.ActiveConnections() == 1 })

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.ActiveConnections() == 0 })
	waitFor(t, func() bool {
		n, err := rdb.SCard(context.Background(), "ws:user:u1").Result()
		return err == nil && n == 0
	})
}
