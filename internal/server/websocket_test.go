package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/broadcast"
	"github.com/gorilla/websocket"
)

type receivedFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dialRoom(t *testing.T, server *httptest.Server, roomID, sessionID, token string) *websocket.Conn {
	t.Helper()
	conn, response, err := dialRoomRaw(server, roomID, sessionID, token)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialRoomRaw(server *httptest.Server, roomID, sessionID, token string) (*websocket.Conn, *http.Response, error) {
	query := url.Values{}
	if sessionID != "" {
		query.Set("session_id", sessionID)
	}
	query.Set("access_token", token)
	target := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/rooms/" + roomID + "?" + query.Encode()
	return websocket.DefaultDialer.Dial(target, nil)
}

// readFrame returns the next frame of the given type, skipping others.
func readFrame(t *testing.T, conn *websocket.Conn, frameType string) receivedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame receivedFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("expected %s frame, read failed: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func sendCode(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"type": broadcast.EventCodeUpdate, "content": content}); err != nil {
		t.Fatalf("failed to send code update: %v", err)
	}
}

func TestRoomSocketStreamsCollaboration(t *testing.T) {
	s := newTestServer(t)
	setup := setupRoom(t, s)
	server := httptest.NewServer(s.handler)
	defer server.Close()

	aliceConn := dialRoom(t, server, setup.roomID, setup.sessionID, setup.alice)
	first := readFrame(t, aliceConn, broadcast.EventRoomState)
	var snapshot broadcast.RoomStateSnapshot
	if err := json.Unmarshal(first.Payload, &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.RoomID != setup.roomID || snapshot.Owner.UserID != "alice" {
		t.Fatalf("unexpected snapshot %#v", snapshot)
	}

	bobConn := dialRoom(t, server, setup.roomID, setup.sessionID, setup.bob)
	readFrame(t, bobConn, broadcast.EventRoomState)
	readFrame(t, aliceConn, broadcast.EventRoomState)

	expectStatus(t, s.do(t, http.MethodPost, "/sessions/"+setup.sessionID+"/permissions/bob", setup.alice, nil), http.StatusOK)
	grant := readFrame(t, bobConn, broadcast.EventPermissionChange)
	var change broadcast.PermissionChangeEvent
	if err := json.Unmarshal(grant.Payload, &change); err != nil {
		t.Fatalf("failed to decode permission change: %v", err)
	}
	if change.TargetUserID != "bob" || change.SenderName != "Alice" || change.Permission != "read-write" {
		t.Fatalf("unexpected permission change %#v", change)
	}

	sendCode(t, bobConn, "print('hi')")
	update := readFrame(t, aliceConn, broadcast.EventCodeUpdate)
	var code broadcast.CodeUpdate
	if err := json.Unmarshal(update.Payload, &code); err != nil {
		t.Fatalf("failed to decode code update: %v", err)
	}
	if code.SenderID != "bob" || code.SenderName != "Bob" || code.Content != "print('hi')" {
		t.Fatalf("unexpected code update %#v", code)
	}

	expectStatus(t, s.do(t, http.MethodDelete, "/rooms/"+setup.roomID, setup.alice, nil), http.StatusNoContent)
	readFrame(t, aliceConn, broadcast.EventRoomClosed)
	_ = aliceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := aliceConn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure after room_closed, got %v", err)
	}
}

func TestRoomSocketRejectsBeforeUpgrade(t *testing.T) {
	s := newTestServer(t)
	setup := setupRoom(t, s)
	server := httptest.NewServer(s.handler)
	defer server.Close()

	tests := []struct {
		name      string
		roomID    string
		sessionID string
		token     string
		status    int
	}{
		{name: "unknown-room", roomID: "missing", token: setup.alice, status: http.StatusNotFound},
		{name: "unknown-session", roomID: setup.roomID, sessionID: "missing", token: setup.alice, status: http.StatusNotFound},
		{name: "bad-token", roomID: setup.roomID, token: "not-a-token", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, response, err := dialRoomRaw(server, tt.roomID, tt.sessionID, tt.token)
			if err == nil {
				_ = conn.Close()
				t.Fatalf("expected handshake failure")
			}
			if response == nil || response.StatusCode != tt.status {
				t.Fatalf("expected status %d, got %#v", tt.status, response)
			}
		})
	}
}

func TestUpgraderChecksOrigin(t *testing.T) {
	upgrader := newUpgrader([]string{"https://app.example.com"})
	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://app.example.com", want: true},
		{origin: "HTTPS://APP.EXAMPLE.COM", want: true},
		{origin: "https://evil.example.com", want: false},
	}
	for _, tt := range tests {
		request := httptest.NewRequest(http.MethodGet, "/ws/rooms/r", http.NoBody)
		if tt.origin != "" {
			request.Header.Set("Origin", tt.origin)
		}
		if got := upgrader.CheckOrigin(request); got != tt.want {
			t.Fatalf("origin %q: expected %v, got %v", tt.origin, tt.want, got)
		}
	}
	if !newUpgrader([]string{"*"}).CheckOrigin(httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)) {
		t.Fatalf("wildcard upgrader must accept any origin")
	}
}
