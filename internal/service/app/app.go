// Package app is the client facade: token-derived identity, optimistic
// sends through the durable outbox, and typed event feeds multiplexed per
// conversation.
package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/protocol/envelope"
	"github.com/ngoclp2000/VIChat/internal/service/auth"
	"github.com/ngoclp2000/VIChat/internal/service/outbox"
	"github.com/ngoclp2000/VIChat/internal/service/transport"
	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

type (
	Options struct {
		Endpoint string // ws:// realtime endpoint
		Token    string
		DeviceID string // fresh uuid when empty
		// OutboxDir is where queued sends persist. Empty means in-memory
		// only: queued sends are lost on restart.
		OutboxDir     string
		AutoReconnect bool
	}

	Client struct {
		tenantID string
		userID   string
		deviceID string

		transport *transport.Transport
		outbox    *outbox.Outbox

		messages chan model.Message
		presence chan model.PresencePayload
		typing   chan model.TypingPayload
		calls    chan model.CallPayload
		states   chan transport.State
		errs     chan model.ErrorEvent

		mu      sync.RWMutex
		handles map[string][]*ConversationHandle
		cursors map[string]*model.SyncCursor

		done chan struct{}
	}
)

// New derives the caller's identity from the token's subject claim. It fails
// with ErrInvalidToken rather than guessing a default identity.
func New(opts Options) (*Client, error) {
	tenantID, userID, err := auth.SubjectOf(opts.Token)
	if err != nil {
		return nil, err
	}
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.New().String()
	}

	var store outbox.Store
	if opts.OutboxDir != "" {
		store = outbox.Open(opts.OutboxDir)
	} else {
		store = outbox.NewMemory()
	}

	tr := transport.New(transport.Options{
		URL:           opts.Endpoint,
		Token:         opts.Token,
		AutoReconnect: opts.AutoReconnect,
	})

	c := &Client{
		tenantID:  tenantID,
		userID:    userID,
		deviceID:  opts.DeviceID,
		transport: tr,
		outbox:    outbox.New(store, tr),
		messages:  make(chan model.Message, 64),
		presence:  make(chan model.PresencePayload, 64),
		typing:    make(chan model.TypingPayload, 64),
		calls:     make(chan model.CallPayload, 64),
		states:    make(chan transport.State, 8),
		errs:      make(chan model.ErrorEvent, 16),
		handles:   make(map[string][]*ConversationHandle),
		cursors:   make(map[string]*model.SyncCursor),
	}
	return c, nil
}

func (c *Client) TenantID() string { return c.tenantID }
func (c *Client) UserID() string   { return c.userID }
func (c *Client) DeviceID() string { return c.deviceID }

// Connect starts the transport and the event loop, and makes the initial
// flush attempt over whatever was queued before this run.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run()
	c.transport.Connect()
	go c.outbox.Flush()
}

// Disconnect is final; there is no resume. A new Client is needed afterward.
func (c *Client) Disconnect() {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.mu.Unlock()

	c.transport.Disconnect()
	if done != nil {
		close(done)
	}
	if err := c.outbox.Close(); err != nil {
		log.Error("outbox close failed", zap.Error(err))
	}
}

// Global typed feeds. Each event kind has its own channel so payload shapes
// stay statically known.
func (c *Client) Messages() <-chan model.Message { return c.messages }

func (c *Client) Presence() <-chan model.PresencePayload { return c.presence }

func (c *Client) Typing() <-chan model.TypingPayload { return c.typing }

func (c *Client) Calls() <-chan model.CallPayload { return c.calls }

func (c *Client) States() <-chan transport.State { return c.states }

func (c *Client) Errors() <-chan model.ErrorEvent { return c.errs }

// Cursor returns the conversation's sync cursor, zero when no ack has been
// seen yet.
func (c *Client) Cursor(conversationID string) model.SyncCursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cur, ok := c.cursors[conversationID]; ok {
		return *cur
	}
	return model.SyncCursor{}
}

func (c *Client) run() {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	for {
		select {
		case <-done:
			return
		case s := <-c.transport.States():
			select {
			case c.states <- s:
			default:
			}
			if s == transport.StateConnected {
				go c.outbox.Flush()
			}
		case data := <-c.transport.Frames():
			c.route(data)
		}
	}
}

func (c *Client) route(data []byte) {
	frame, err := envelope.DecodeFrame(data)
	if err != nil {
		log.Debug("client: frame ignored", zap.Error(err))
		return
	}

	switch frame.Action {
	case model.FrameActionEnvelope:
		c.routeEnvelope(frame.Payload)
	case model.FrameActionError:
		var ev model.ErrorEvent
		if err := json.Unmarshal(frame.Payload.Payload, &ev); err != nil {
			log.Debug("client: error frame decode failed", zap.Error(err))
			return
		}
		emit(c.errs, ev)
	default:
		log.Debug("client: unknown action ignored", zap.String("action", frame.Action))
	}
}

func (c *Client) routeEnvelope(env model.Envelope) {
	switch env.Type {
	case model.EnvelopeMessage:
		var msg model.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.Debug("client: message decode failed", zap.Error(err))
			return
		}
		emit(c.messages, msg)
		for _, h := range c.handlesFor(msg.ConversationID) {
			emit(h.messages, msg)
		}
	case model.EnvelopeTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		emit(c.typing, p)
		for _, h := range c.handlesFor(p.ConversationID) {
			emit(h.typing, p)
		}
	case model.EnvelopePresence:
		var p model.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		emit(c.presence, p)
	case model.EnvelopeCall:
		var p model.CallPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		emit(c.calls, p)
	case model.EnvelopeAck:
		var p model.AckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.applyAck(p)
	}
}

func (c *Client) applyAck(p model.AckPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[p.ConversationID]
	if !ok {
		cur = &model.SyncCursor{}
		c.cursors[p.ConversationID] = cur
	}
	switch p.Kind {
	case "read":
		cur.LastReadMessageID = p.MessageID
	default:
		cur.LastAckMessageID = p.MessageID
	}
	cur.UpdatedAt = time.Now().UTC()
}

// emit never blocks; a full consumer loses the event rather than stalling
// the read loop.
func emit[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
