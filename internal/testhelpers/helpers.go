// Package testhelpers provides utilities shared by the relay's tests: dialing
// the WebSocket endpoint with credentials, building messages, and reading
// broadcasts back.
package testhelpers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/neolink/internal/server"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// WebSocketURL turns an http:// test server URL into the ws:// URL of /ws.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// ConnectWebSocket dials url with token as the bearer credential. An empty
// token sends no Authorization header. The handshake response is returned so
// rejections can be inspected.
func ConnectWebSocket(url, token string) (*websocket.Conn, *http.Response, error) {
	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	return Dial(url, headers)
}

// Dial opens a WebSocket connection with arbitrary headers.
func Dial(url string, headers http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil && err == nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url and fails the test on error. The connection is closed
// at cleanup.
func MustConnect(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, token)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// NewMessage builds a complete message from sender.
func NewMessage(content, sender string) server.Message {
	return server.Message{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    sender,
		NodeID:    "node-" + sender,
		Timestamp: time.Now().Unix(),
	}
}

// SendMessage writes msg as one JSON text frame.
func SendMessage(conn *websocket.Conn, msg server.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// SendRawMessage sends a raw frame over the WebSocket connection.
func SendRawMessage(conn *websocket.Conn, messageType int, data []byte) error {
	return conn.WriteMessage(messageType, data)
}

// ReceiveRaw reads the next frame, waiting at most timeout.
func ReceiveRaw(conn *websocket.Conn, timeout time.Duration) (int, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	return conn.ReadMessage()
}

// ReceiveMessage reads and decodes the next broadcast, waiting at most timeout.
func ReceiveMessage(conn *websocket.Conn, timeout time.Duration) (server.Message, []byte, error) {
	_, raw, err := ReceiveRaw(conn, timeout)
	if err != nil {
		return server.Message{}, nil, err
	}
	msg, err := server.DecodeMessage(raw)
	return msg, raw, err
}

// ExpectNoMessage fails the test if a frame arrives within wait.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	if _, raw, err := ReceiveRaw(conn, wait); err == nil {
		t.Errorf("Expected no message, got %s", raw)
	}
}

// CloseWebSocket sends a close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out: %s", msg)
}

// MakeRequest executes an HTTP request with a 5-second timeout and fails the
// test if it cannot be made.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
