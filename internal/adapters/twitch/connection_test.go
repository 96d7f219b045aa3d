package twitch

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/infra/wsbridge"
)

type fakeTransport struct {
	events chan wsbridge.Event

	mu          sync.Mutex
	switched    []string
	redials     []string
	disconnects []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan wsbridge.Event, 32)}
}

func (f *fakeTransport) Events() <-chan wsbridge.Event { return f.events }

func (f *fakeTransport) SwitchURI(uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, uri)
	return nil
}

func (f *fakeTransport) Redial(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redials = append(f.redials, reason)
}

func (f *fakeTransport) Disconnect(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, reason)
}

func (f *fakeTransport) redialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.redials)
}

func (f *fakeTransport) switchedURIs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.switched...)
}

func frameEvent(t *testing.T, raw string) wsbridge.Event {
	t.Helper()
	var probe map[string]any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		t.Fatalf("bad test frame: %v", err)
	}
	return wsbridge.Event{Kind: wsbridge.EventFrame, Frame: []byte(raw)}
}

func startConnection(t *testing.T, keepalive time.Duration) (*fakeTransport, *ConnectionManager, chan error) {
	t.Helper()
	transport := newFakeTransport()
	conn := NewConnectionManager(transport)
	if keepalive > 0 {
		conn.keepalive = keepalive
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	return transport, conn, done
}

func awaitState(t *testing.T, conn *ConnectionManager, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", conn.State(), want)
}

func TestWelcomeEstablishesSessionAndForwardsMessage(t *testing.T) {
	transport, conn, _ := startConnection(t, 0)

	transport.events <- wsbridge.Event{Kind: wsbridge.EventConnected}
	awaitState(t, conn, StateConnected)

	transport.events <- frameEvent(t, welcomeFrame)
	awaitState(t, conn, StateReady)
	if got := conn.SessionID(); got != "AQoQILE98gtqShGmLD7AM6yJThAB" {
		t.Fatalf("session id = %q", got)
	}

	select {
	case msg := <-conn.Messages():
		if msg.Metadata.MessageType != MessageWelcome {
			t.Fatalf("forwarded type = %q", msg.Metadata.MessageType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("welcome never reached the router channel")
	}
}

// shortWelcome omits keepalive_timeout_seconds so the test-tuned watchdog
// interval survives the handshake.
const shortWelcome = `{
  "metadata": {"message_id": "m1", "message_type": "session_welcome", "message_timestamp": "2026-08-26T19:14:14.548Z"},
  "payload": {"session": {"id": "AQoQILE98gtqShGmLD7AM6yJThAB", "status": "connected"}}
}`

func TestKeepaliveTimeoutForcesRedial(t *testing.T) {
	transport, conn, _ := startConnection(t, 30*time.Millisecond)
	go func() {
		for range conn.Messages() {
		}
	}()

	transport.events <- wsbridge.Event{Kind: wsbridge.EventConnected}
	transport.events <- frameEvent(t, shortWelcome)
	awaitState(t, conn, StateReady)

	// No frames arrive; the watchdog must fire and drop the socket.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && transport.redialCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if transport.redialCount() == 0 {
		t.Fatal("watchdog never redialed")
	}
	if conn.SessionID() != "" {
		t.Fatal("session id survived a keepalive loss")
	}
	awaitState(t, conn, StateDisconnected)
}

func TestRepeatedKeepaliveLossIsFatal(t *testing.T) {
	transport, conn, done := startConnection(t, 10*time.Millisecond)
	go func() {
		for range conn.Messages() {
		}
	}()

	transport.events <- wsbridge.Event{Kind: wsbridge.EventConnected}
	transport.events <- frameEvent(t, shortWelcome)
	awaitState(t, conn, StateReady)

	// Each expiry re-arms nothing; feed Connected events so the watchdog
	// keeps running without a welcome in between.
	go func() {
		for i := 0; i < maxKeepaliveMisses; i++ {
			time.Sleep(15 * time.Millisecond)
			transport.events <- wsbridge.Event{Kind: wsbridge.EventConnected}
		}
	}()

	select {
	case err := <-done:
		if !errs.IsKind(err, errs.KindFatal) {
			t.Fatalf("exit error = %v, want fatal", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("repeated keepalive loss never became fatal")
	}
}

func TestSessionReconnectSwapsEndpointAndPreservesSession(t *testing.T) {
	transport, conn, _ := startConnection(t, 0)
	go func() {
		for range conn.Messages() {
		}
	}()

	transport.events <- wsbridge.Event{Kind: wsbridge.EventConnected}
	transport.events <- frameEvent(t, welcomeFrame)
	awaitState(t, conn, StateReady)

	reconnect := `{
	  "metadata": {"message_id": "m2", "message_type": "session_reconnect", "message_timestamp": "2026-08-26T19:20:00Z"},
	  "payload": {"session": {"id": "AQoQILE98gtqShGmLD7AM6yJThAB", "status": "reconnecting",
	    "reconnect_url": "wss://eventsub.wss.twitch.tv/ws?challenge=xyz"}}
	}`
	transport.events <- frameEvent(t, reconnect)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(transport.switchedURIs()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	uris := transport.switchedURIs()
	if len(uris) != 1 || uris[0] != "wss://eventsub.wss.twitch.tv/ws?challenge=xyz" {
		t.Fatalf("switched uris = %v", uris)
	}

	// The old socket drops as part of the swap; the session must survive it.
	transport.events <- wsbridge.Event{Kind: wsbridge.EventDisconnected, Code: 1001}
	awaitState(t, conn, StateConnecting)
	if conn.SessionID() == "" {
		t.Fatal("session id cleared during endpoint swap")
	}
}

func TestDisconnectOutsideSwapClearsSession(t *testing.T) {
	transport, conn, _ := startConnection(t, 0)
	go func() {
		for range conn.Messages() {
		}
	}()

	transport.events <- wsbridge.Event{Kind: wsbridge.EventConnected}
	transport.events <- frameEvent(t, welcomeFrame)
	awaitState(t, conn, StateReady)

	transport.events <- wsbridge.Event{Kind: wsbridge.EventDisconnected, Code: 1006, Reason: "read failed"}
	awaitState(t, conn, StateDisconnected)
	if conn.SessionID() != "" {
		t.Fatal("session id survived a real disconnect")
	}

	select {
	case notice := <-conn.Notices():
		if notice.Kind != NoticeReady {
			t.Fatalf("first notice = %v, want ready", notice.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("ready notice missing")
	}
	select {
	case notice := <-conn.Notices():
		if notice.Kind != NoticeDisconnected {
			t.Fatalf("second notice = %v, want disconnected", notice.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect notice missing")
	}
}

func TestMalformedFrameIsDroppedWithoutStateChange(t *testing.T) {
	transport, conn, _ := startConnection(t, 0)
	go func() {
		for range conn.Messages() {
		}
	}()

	transport.events <- wsbridge.Event{Kind: wsbridge.EventConnected}
	transport.events <- frameEvent(t, welcomeFrame)
	awaitState(t, conn, StateReady)

	transport.events <- wsbridge.Event{Kind: wsbridge.EventFrame, Frame: []byte(`{"metadata": `)}
	time.Sleep(20 * time.Millisecond)
	if conn.State() != StateReady {
		t.Fatalf("state = %s after malformed frame", conn.State())
	}
}
