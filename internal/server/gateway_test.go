package server_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/neolink/internal/auth"
	"github.com/Tyrowin/neolink/internal/server"
	"github.com/Tyrowin/neolink/internal/testhelpers"
)

const (
	testToken   = "test-token"
	readTimeout = 2 * time.Second
	quietPeriod = 200 * time.Millisecond
)

type testRelay struct {
	gw    *server.Gateway
	ts    *httptest.Server
	wsURL string
}

func newTestRelay(t *testing.T, mutate func(*server.Config), validator auth.Validator) *testRelay {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	cfg.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	if validator == nil {
		validator = auth.AnyToken()
	}

	gw := server.NewGateway(cfg, server.NewRegistry(), auth.NewGate(validator), zerolog.Nop())
	ts := httptest.NewServer(server.SetupRoutes(gw, server.RouteOptions{}))
	t.Cleanup(func() {
		_ = gw.Shutdown(2 * time.Second)
		ts.Close()
	})

	return &testRelay{gw: gw, ts: ts, wsURL: testhelpers.WebSocketURL(ts.URL)}
}

// connect opens n authenticated connections and waits until all are registered.
func (r *testRelay) connect(t *testing.T, n int) []*websocket.Conn {
	t.Helper()
	start := r.gw.Count()
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = testhelpers.MustConnect(t, r.wsURL, fmt.Sprintf("%s-%d", testToken, i))
	}
	testhelpers.WaitFor(t, readTimeout, func() bool { return r.gw.Count() == start+n }, "connections registered")
	return conns
}

func TestBroadcastReachesEveryConnectionIncludingSender(t *testing.T) {
	relay := newTestRelay(t, nil, nil)
	conns := relay.connect(t, 3)

	msg := testhelpers.NewMessage("hello from A", "alice")
	want, err := msg.Encode()
	require.NoError(t, err)

	require.NoError(t, testhelpers.SendMessage(conns[0], msg))

	for i, conn := range conns {
		got, raw, err := testhelpers.ReceiveMessage(conn, readTimeout)
		require.NoError(t, err, "connection %d", i)
		assert.Equal(t, msg, got, "connection %d", i)
		assert.Equal(t, want, raw, "connection %d received a different payload", i)
	}
}

func TestExcludeSenderSkipsOrigin(t *testing.T) {
	relay := newTestRelay(t, func(cfg *server.Config) { cfg.ExcludeSender = true }, nil)
	conns := relay.connect(t, 2)

	msg := testhelpers.NewMessage("not for me", "alice")
	require.NoError(t, testhelpers.SendMessage(conns[0], msg))

	got, _, err := testhelpers.ReceiveMessage(conns[1], readTimeout)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	testhelpers.ExpectNoMessage(t, conns[0], quietPeriod)
}

func TestMissingAuthorizationIsRejectedBeforeUpgrade(t *testing.T) {
	relay := newTestRelay(t, nil, nil)

	conn, resp, err := testhelpers.ConnectWebSocket(relay.wsURL, "")
	require.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "missing_token", body["error"])

	assert.Equal(t, 0, relay.gw.Count())
}

func TestInvalidTokenIsRejected(t *testing.T) {
	validator := auth.NewStaticTokens(map[string]auth.Identity{"good": {Subject: "alice"}})
	relay := newTestRelay(t, nil, validator)

	_, resp, err := testhelpers.ConnectWebSocket(relay.wsURL, "bad")
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_token", body["error"])
	assert.Equal(t, 0, relay.gw.Count())

	conn := testhelpers.MustConnect(t, relay.wsURL, "good")
	require.NotNil(t, conn)
	testhelpers.WaitFor(t, readTimeout, func() bool { return relay.gw.Count() == 1 }, "valid token admitted")
}

func TestMalformedFrameIsDroppedAndLoopContinues(t *testing.T) {
	relay := newTestRelay(t, nil, nil)
	conns := relay.connect(t, 2)

	require.NoError(t, testhelpers.SendRawMessage(conns[0], websocket.TextMessage, []byte("not json at all")))
	require.NoError(t, testhelpers.SendRawMessage(conns[0], websocket.TextMessage, []byte(`{"content":"missing fields"}`)))

	valid := testhelpers.NewMessage("still alive", "alice")
	require.NoError(t, testhelpers.SendMessage(conns[0], valid))

	for i, conn := range conns {
		got, _, err := testhelpers.ReceiveMessage(conn, readTimeout)
		require.NoError(t, err, "connection %d", i)
		assert.Equal(t, valid, got, "connection %d should only see the valid message", i)
	}
	assert.Equal(t, 2, relay.gw.Count())
}

func TestBinaryFramesAreIgnored(t *testing.T) {
	relay := newTestRelay(t, nil, nil)
	conns := relay.connect(t, 2)

	payload, err := testhelpers.NewMessage("binary", "alice").Encode()
	require.NoError(t, err)
	require.NoError(t, testhelpers.SendRawMessage(conns[0], websocket.BinaryMessage, payload))

	testhelpers.ExpectNoMessage(t, conns[1], quietPeriod)
	assert.Equal(t, 2, relay.gw.Count())
}

func TestDisconnectRemovesOnlyThatConnection(t *testing.T) {
	relay := newTestRelay(t, nil, nil)
	conns := relay.connect(t, 3)

	require.NoError(t, testhelpers.CloseWebSocket(conns[1]))
	testhelpers.WaitFor(t, readTimeout, func() bool { return relay.gw.Count() == 2 }, "closed connection unregistered")

	msg := testhelpers.NewMessage("after B left", "alice")
	require.NoError(t, testhelpers.SendMessage(conns[0], msg))

	for _, conn := range []*websocket.Conn{conns[0], conns[2]} {
		got, _, err := testhelpers.ReceiveMessage(conn, readTimeout)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestAbruptDisconnectUnregisters(t *testing.T) {
	relay := newTestRelay(t, nil, nil)
	conns := relay.connect(t, 2)

	// No close frame: the read loop sees a transport error.
	require.NoError(t, conns[0].UnderlyingConn().Close())
	testhelpers.WaitFor(t, readTimeout, func() bool { return relay.gw.Count() == 1 }, "dropped connection unregistered")

	msg := testhelpers.NewMessage("survivor", "bob")
	require.NoError(t, testhelpers.SendMessage(conns[1], msg))
	got, _, err := testhelpers.ReceiveMessage(conns[1], readTimeout)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestPerConnectionOrderingIsPreserved(t *testing.T) {
	relay := newTestRelay(t, func(cfg *server.Config) { cfg.RateLimit.Burst = 100 }, nil)
	conns := relay.connect(t, 2)

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, testhelpers.SendMessage(conns[0], testhelpers.NewMessage(fmt.Sprintf("msg-%02d", i), "alice")))
	}

	for i := 0; i < n; i++ {
		got, _, err := testhelpers.ReceiveMessage(conns[1], readTimeout)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), got.Content)
	}
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	relay := newTestRelay(t, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	}, nil)
	conns := relay.connect(t, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, testhelpers.SendMessage(conns[0], testhelpers.NewMessage(fmt.Sprintf("burst-%d", i), "alice")))
	}

	for i := 0; i < 2; i++ {
		got, _, err := testhelpers.ReceiveMessage(conns[1], readTimeout)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("burst-%d", i), got.Content)
	}
	testhelpers.ExpectNoMessage(t, conns[1], quietPeriod)
	assert.Equal(t, 2, relay.gw.Count())
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	relay := newTestRelay(t, func(cfg *server.Config) { cfg.MaxMessageSize = 128 }, nil)
	conns := relay.connect(t, 2)

	big := testhelpers.NewMessage(strings.Repeat("x", 512), "alice")
	require.NoError(t, testhelpers.SendMessage(conns[0], big))

	testhelpers.WaitFor(t, readTimeout, func() bool { return relay.gw.Count() == 1 }, "oversized sender unregistered")
	testhelpers.ExpectNoMessage(t, conns[1], quietPeriod)
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	relay := newTestRelay(t, nil, nil)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+testToken)
	headers.Set("Origin", "https://evil.example")

	_, resp, err := testhelpers.Dial(relay.wsURL, headers)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, relay.gw.Count())
}

func TestNonBrowserClientWithoutOrigin(t *testing.T) {
	relay := newTestRelay(t, nil, nil)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+testToken)
	conn, _, err := testhelpers.Dial(relay.wsURL, headers)
	require.NoError(t, err)
	defer conn.Close()

	testhelpers.WaitFor(t, readTimeout, func() bool { return relay.gw.Count() == 1 }, "client without Origin admitted")
}

func TestShutdownClosesConnectionsAndRefusesNewOnes(t *testing.T) {
	relay := newTestRelay(t, nil, nil)
	conns := relay.connect(t, 2)

	require.NoError(t, relay.gw.Shutdown(2*time.Second))
	assert.Equal(t, 0, relay.gw.Count())

	for _, conn := range conns {
		_, _, err := testhelpers.ReceiveRaw(conn, readTimeout)
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
	}

	_, resp, err := testhelpers.ConnectWebSocket(relay.wsURL, testToken)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPRoutes(t *testing.T) {
	relay := newTestRelay(t, nil, nil)
	relay.connect(t, 1)

	t.Run("root health text", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, relay.ts.URL+"/")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "text/plain")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "Neolink relay is running!", string(body))
	})

	t.Run("status json", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, relay.ts.URL+"/health")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "application/json")

		var status map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		assert.Equal(t, "ok", status["status"])
		assert.Equal(t, float64(1), status["connections"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, relay.ts.URL+"/metrics")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "neolink_connections_active")
	})

	t.Run("ws rejects POST", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodPost, relay.ts.URL+"/ws")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
	})

	t.Run("peers not mounted", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, relay.ts.URL+"/peers")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
	})
}

func TestRouteOptionsMountPeersAndStatus(t *testing.T) {
	cfg := server.DefaultConfig()
	gw := server.NewGateway(cfg, server.NewRegistry(), auth.NewGate(auth.AnyToken()), zerolog.Nop())
	router := server.SetupRoutes(gw, server.RouteOptions{
		Peers: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "peers")
		}),
		Status: func() map[string]any { return map[string]any{"peer_id": "abc"} },
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peers", nil))
	assert.Equal(t, "peers", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "abc", status["peer_id"])
	assert.Equal(t, float64(0), status["connections"])
}
