package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ngoclp2000/VIChat/internal/model"
)

func TestDelay_ClampedTable(t *testing.T) {
	req := require.New(t)
	table := DefaultBackoff

	req.Equal(1*time.Second, Delay(1, table))
	req.Equal(2500*time.Millisecond, Delay(2, table))
	req.Equal(5*time.Second, Delay(3, table))
	req.Equal(10*time.Second, Delay(4, table))
	// clamped at the last entry for every further failure
	req.Equal(10*time.Second, Delay(5, table))
	req.Equal(10*time.Second, Delay(50, table))
}

func TestSend_NotConnected(t *testing.T) {
	tr := New(Options{URL: "ws://localhost:1/realtime"})
	env, err := model.NewEnvelope(model.EnvelopeTyping, model.TypingPayload{
		ConversationID: "conv-1", UserID: "alice", Typing: true,
	})
	require.NoError(t, err)

	err = tr.Send(env)
	require.ErrorIs(t, err, model.ErrNotConnected)
}

func wsServer(t *testing.T, gotToken *atomic.Value) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotToken != nil {
			gotToken.Store(r.URL.Query().Get("token"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			// echo until the peer goes away
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-tr.States():
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (now %s)", want, tr.State())
		}
	}
}

func TestConnect_TokenAsQueryParam(t *testing.T) {
	req := require.New(t)
	var gotToken atomic.Value
	srv := wsServer(t, &gotToken)

	tr := New(Options{URL: wsURL(srv) + "/realtime", Token: "tok-123"})
	tr.Connect()
	waitState(t, tr, StateConnected)
	defer tr.Disconnect()

	req.Equal("tok-123", gotToken.Load())
	req.Equal(0, tr.Attempts(), "attempt counter resets on successful open")
}

func TestConnect_Idempotent(t *testing.T) {
	srv := wsServer(t, nil)
	tr := New(Options{URL: wsURL(srv) + "/realtime"})
	tr.Connect()
	waitState(t, tr, StateConnected)
	defer tr.Disconnect()

	// further calls while connected are no-ops
	tr.Connect()
	tr.Connect()
	require.Equal(t, StateConnected, tr.State())
}

func TestSend_EchoRoundTrip(t *testing.T) {
	req := require.New(t)
	srv := wsServer(t, nil)
	tr := New(Options{URL: wsURL(srv) + "/realtime"})
	tr.Connect()
	waitState(t, tr, StateConnected)
	defer tr.Disconnect()

	env, err := model.NewEnvelope(model.EnvelopePresence, model.PresencePayload{
		UserID: "alice", Status: "online",
	})
	req.NoError(err)
	req.NoError(tr.Send(env))

	select {
	case frame := <-tr.Frames():
		req.Contains(string(frame), `"presence"`)
	case <-time.After(3 * time.Second):
		t.Fatal("echo frame never arrived")
	}
}

func TestReconnect_AfterFailureThenRecovery(t *testing.T) {
	req := require.New(t)

	// nothing listening yet: the first dial fails and the backoff timer arms
	tr := New(Options{
		URL:           "ws://127.0.0.1:1/realtime",
		AutoReconnect: true,
		Backoff:       []time.Duration{20 * time.Millisecond},
	})
	tr.Connect()
	waitState(t, tr, StateDisconnected)
	req.GreaterOrEqual(tr.Attempts(), 1)

	// bring a server up and point the transport at it
	srv := wsServer(t, nil)
	tr.mu.Lock()
	tr.opts.URL = wsURL(srv) + "/realtime"
	tr.mu.Unlock()

	waitState(t, tr, StateConnected)
	defer tr.Disconnect()
	req.Equal(0, tr.Attempts(), "counter resets to 0 after one successful open")
}

func TestDisconnect_Terminal(t *testing.T) {
	req := require.New(t)
	srv := wsServer(t, nil)
	tr := New(Options{URL: wsURL(srv) + "/realtime", AutoReconnect: true})
	tr.Connect()
	waitState(t, tr, StateConnected)

	tr.Disconnect()
	req.Equal(StateDisconnected, tr.State())

	// reconnect is permanently disabled
	tr.Connect()
	time.Sleep(50 * time.Millisecond)
	req.Equal(StateDisconnected, tr.State())

	env, _ := model.NewEnvelope(model.EnvelopePresence, model.PresencePayload{UserID: "a", Status: "online"})
	req.ErrorIs(tr.Send(env), model.ErrNotConnected)
}
