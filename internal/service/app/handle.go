package app

import "github.com/ngoclp2000/VIChat/internal/model"

// ConversationHandle is a per-conversation view over the global feed: only
// message and typing events for its own conversation id reach it.
type ConversationHandle struct {
	client         *Client
	conversationID string

	messages chan model.Message
	typing   chan model.TypingPayload
}

func (c *Client) ConversationsOpen(conversationID string) *ConversationHandle {
	h := &ConversationHandle{
		client:         c,
		conversationID: conversationID,
		messages:       make(chan model.Message, 32),
		typing:         make(chan model.TypingPayload, 32),
	}
	c.mu.Lock()
	c.handles[conversationID] = append(c.handles[conversationID], h)
	c.mu.Unlock()
	return h
}

func (c *Client) handlesFor(conversationID string) []*ConversationHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hs := c.handles[conversationID]
	out := make([]*ConversationHandle, len(hs))
	copy(out, hs)
	return out
}

func (h *ConversationHandle) ConversationID() string { return h.conversationID }

func (h *ConversationHandle) Messages() <-chan model.Message { return h.messages }

func (h *ConversationHandle) Typing() <-chan model.TypingPayload { return h.typing }

// SendText scopes the facade's SendText to this conversation.
func (h *ConversationHandle) SendText(body model.CipherEnvelope, metadata map[string]any) (*model.Message, error) {
	return h.client.SendText(h.conversationID, body, metadata)
}

func (h *ConversationHandle) SetTyping(typing bool) error {
	return h.client.SetTyping(h.conversationID, typing)
}

// Close detaches the handle; the global feed is unaffected.
func (h *ConversationHandle) Close() {
	c := h.client
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.handles[h.conversationID]
	for i, other := range hs {
		if other == h {
			c.handles[h.conversationID] = append(hs[:i], hs[i+1:]...)
			break
		}
	}
	if len(c.handles[h.conversationID]) == 0 {
		delete(c.handles, h.conversationID)
	}
}
