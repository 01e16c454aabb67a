package sink

import (
	"encoding/json"
	"log"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"challenge-core/internal/domain"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(log.New(os.Stderr, "[hub-test] ", 0))
	go hub.Run()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.clientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.clientCount(), want)
}

func TestHubBroadcastsCommittedEvents(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Publish(&domain.ChallengeEvent{
		ChallengeID: "ch-1",
		Sequence:    1,
		Kind:        domain.EventChallengeStarted,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var ev domain.ChallengeEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if ev.ChallengeID != "ch-1" || ev.Kind != domain.EventChallengeStarted {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHubUnregistersDepartedClient(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	// A clean close must unregister the client without any broadcast
	// having to fail first.
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitForClients(t, hub, 0)
}
