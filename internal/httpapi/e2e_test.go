package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// waitForFrame reads frames off c until one satisfies match, or the overall
// deadline elapses. It mirrors the fake-transport waitForFrame helpers used
// in internal/connection's tests, but drives a real socket end-to-end.
func waitForFrame(t *testing.T, c *websocket.Conn, timeout time.Duration, match func(string) bool) string {
	t.Helper()
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		if match(string(data)) {
			return string(data)
		}
	}
}

// TestEndToEndTwoClientsJoinMainAndSeeEachOther covers spec scenario 1: two
// real WebSocket clients dial /ws, land in the auto-joined main room
// (same loopback IP collapses them into the same public session), and both
// eventually see a member roster naming them both.
func TestEndToEndTwoClientsJoinMainAndSeeEachOther(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.echo)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	connA, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial A: %v", err)
	}
	defer connA.Close()

	waitForFrame(t, connA, 2*time.Second, func(f string) bool {
		return strings.Contains(f, "[SystemJoin] main")
	})

	connB, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial B: %v", err)
	}
	defer connB.Close()

	waitForFrame(t, connB, 2*time.Second, func(f string) bool {
		return strings.Contains(f, "[SystemJoin] main")
	})

	// A and B should each see a two-name roster.
	waitForFrame(t, connA, 2*time.Second, func(f string) bool {
		return strings.HasPrefix(f, "[SystemMembers]") && strings.Contains(f, ",")
	})
	waitForFrame(t, connB, 2*time.Second, func(f string) bool {
		return strings.HasPrefix(f, "[SystemMembers]") && strings.Contains(f, ",")
	})
}

// TestEndToEndPrivateSessionRoundTrip covers the create-session → connect →
// disconnect → unknown-code round trip through the real HTTP+WS stack.
func TestEndToEndPrivateSessionRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.echo)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/create-session")
	if err != nil {
		t.Fatalf("create-session: %v", err)
	}
	defer resp.Body.Close()

	var body createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode create-session response: %v", err)
	}
	if body.Code == "" {
		t.Fatal("expected a non-empty session code")
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + body.Code
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial private session: %v", err)
	}

	waitForFrame(t, conn, 2*time.Second, func(f string) bool {
		return strings.Contains(f, "[SystemJoin] main")
	})
	conn.Close()

	// Private codes aren't retired synchronously on disconnect (the store
	// schedules expiration), but an unknown code is a 404 either way.
	badURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/does-not-exist"
	_, resp2, err := websocket.DefaultDialer.Dial(badURL, nil)
	if err == nil {
		t.Fatal("expected the dial to fail for an unknown session code")
	}
	if resp2 == nil || resp2.StatusCode != 404 {
		t.Fatalf("expected a 404 handshake response, got %v", resp2)
	}
}
