// Package transport owns the client's single websocket: the connection state
// machine and the bounded reconnect backoff. Buffering is not done here; the
// outbox one layer up queues what can't be sent.
package transport

import (
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/protocol/envelope"
	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// DefaultBackoff is clamped at its last entry for further attempts.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
	10 * time.Second,
}

// Delay returns the wait before the next attempt after `failures`
// consecutive failures, clamped at the end of the table.
func Delay(failures int, table []time.Duration) time.Duration {
	if len(table) == 0 {
		table = DefaultBackoff
	}
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

type (
	Options struct {
		URL           string // ws:// or wss:// endpoint
		Token         string // appended as a query parameter; handshakes can't carry custom headers in browser-class environments
		AutoReconnect bool
		Backoff       []time.Duration
		Dialer        *websocket.Dialer
	}

	Transport struct {
		opts Options

		mu        sync.Mutex
		state     State
		conn      *websocket.Conn
		attempts  int
		reconnect bool
		timer     *time.Timer
		closed    bool

		frames chan []byte
		states chan State
	}
)

func New(opts Options) *Transport {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Transport{
		opts:      opts,
		state:     StateIdle,
		reconnect: opts.AutoReconnect,
		frames:    make(chan []byte, 64),
		states:    make(chan State, 8),
	}
}

// Frames delivers raw inbound frames to the facade.
func (t *Transport) Frames() <-chan []byte { return t.frames }

// States emits every transition. Slow consumers miss intermediate states
// rather than blocking the transport.
func (t *Transport) States() <-chan State { return t.states }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Connect starts dialing in the background. Idempotent: a no-op while
// already connecting or connected, and after Disconnect.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.closed || t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	go t.dial()
}

func (t *Transport) dial() {
	t.mu.Lock()
	opts := t.opts
	t.mu.Unlock()

	u, err := url.Parse(opts.URL)
	if err != nil {
		log.Error("transport: bad endpoint", zap.Error(err))
		t.onClose()
		return
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	conn, _, err := opts.Dialer.Dial(u.String(), nil)
	if err != nil {
		log.Debug("transport: dial failed", zap.Error(err))
		t.onClose()
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.attempts = 0
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	go t.readLoop(conn)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			t.onClose()
			return
		}
		select {
		case t.frames <- data:
		default:
			log.Warn("transport: inbound frame dropped, consumer stalled")
		}
	}
}

// onClose runs on every failed dial or broken connection: bump the attempt
// counter and, unless reconnect is off, arm the backoff timer.
func (t *Transport) onClose() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.attempts++
	t.setStateLocked(StateDisconnected)

	if !t.reconnect {
		t.mu.Unlock()
		return
	}
	delay := Delay(t.attempts, t.opts.Backoff)
	t.timer = time.AfterFunc(delay, t.Connect)
	t.mu.Unlock()
}

// Send hands one envelope to the socket. Fails with ErrNotConnected instead
// of buffering; callers that need queuing go through the outbox.
func (t *Transport) Send(env model.Envelope) error {
	frame, err := envelope.EncodeFrame(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected || t.conn == nil {
		return model.ErrNotConnected
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Disconnect is terminal: reconnect is permanently disabled and the socket
// torn down. A fresh Transport is required to connect again.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.reconnect = false
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.setStateLocked(StateDisconnected)
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	select {
	case t.states <- s:
	default:
	}
}
