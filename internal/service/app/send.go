package app

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/service/outbox"
)

// SendText synthesizes the full message client-side and returns it
// optimistically as a local echo; delivery is reconciled later by message id.
// Network unavailability never surfaces here, the outbox retries on
// reconnect.
func (c *Client) SendText(conversationID string, body model.CipherEnvelope, metadata map[string]any) (*model.Message, error) {
	msg := c.newMessage(conversationID, model.MessageText)
	msg.Body = body
	msg.Metadata = metadata
	return c.enqueue(msg)
}

func (c *Client) SendSticker(conversationID string, sticker model.Sticker) (*model.Message, error) {
	msg := c.newMessage(conversationID, model.MessageSticker)
	msg.Sticker = &sticker
	// sticker messages still carry an opaque body slot for the e2e layer
	msg.Body = model.CipherEnvelope{Ciphertext: []byte(sticker.ID)}
	return c.enqueue(msg)
}

func (c *Client) newMessage(conversationID string, t model.MessageType) *model.Message {
	return &model.Message{
		ID:             uuid.New().String(),
		TenantID:       c.tenantID,
		ConversationID: conversationID,
		SenderID:       c.userID,
		SenderDeviceID: c.deviceID,
		SentAt:         time.Now().UTC(),
		Type:           t,
	}
}

func (c *Client) enqueue(msg *model.Message) (*model.Message, error) {
	err := c.outbox.Put(outbox.Entry{
		ID:        msg.ID,
		CreatedAt: msg.SentAt,
		Message:   *msg,
	})
	if err != nil {
		return nil, err
	}
	go c.outbox.Flush()
	return msg, nil
}

// SetTyping is ephemeral: dropped silently while offline instead of queued.
func (c *Client) SetTyping(conversationID string, typing bool) error {
	env, err := model.NewEnvelope(model.EnvelopeTyping, model.TypingPayload{
		ConversationID: conversationID,
		UserID:         c.userID,
		Typing:         typing,
	})
	if err != nil {
		return err
	}
	if err := c.transport.Send(env); err != nil && !errors.Is(err, model.ErrNotConnected) {
		return err
	}
	return nil
}

// StartCall relays a call signal. Unlike text sends this needs a live
// connection, so ErrNotConnected propagates to the caller.
func (c *Client) StartCall(conversationID, kind string, signal json.RawMessage) error {
	env, err := model.NewEnvelope(model.EnvelopeCall, model.CallPayload{
		ConversationID: conversationID,
		CallerID:       c.userID,
		Kind:           kind,
		Signal:         signal,
	})
	if err != nil {
		return err
	}
	return c.transport.Send(env)
}

// Ack reports delivery or read progress for a message.
func (c *Client) Ack(conversationID, messageID, kind string) error {
	env, err := model.NewEnvelope(model.EnvelopeAck, model.AckPayload{
		ConversationID: conversationID,
		UserID:         c.userID,
		MessageID:      messageID,
		Kind:           kind,
	})
	if err != nil {
		return err
	}
	return c.transport.Send(env)
}

// JoinRoom opens a conversation handle and announces presence best-effort.
func (c *Client) JoinRoom(conversationID string) *ConversationHandle {
	h := c.ConversationsOpen(conversationID)
	env, err := model.NewEnvelope(model.EnvelopePresence, model.PresencePayload{
		UserID: c.userID,
		Status: "online",
	})
	if err == nil {
		_ = c.transport.Send(env)
	}
	return h
}
