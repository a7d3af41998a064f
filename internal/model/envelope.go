package model

import "encoding/json"

type EnvelopeType string

const (
	EnvelopeMessage  EnvelopeType = "message"
	EnvelopePresence EnvelopeType = "presence"
	EnvelopeTyping   EnvelopeType = "typing"
	EnvelopeCall     EnvelopeType = "call"
	EnvelopeAck      EnvelopeType = "ack"
)

type (
	// Envelope is the tagged union exchanged over the duplex channel. Payload
	// is decoded lazily by Type.
	Envelope struct {
		Type    EnvelopeType    `json:"type" validate:"required,oneof=message presence typing call ack"`
		Payload json.RawMessage `json:"payload" validate:"required"`
	}

	// Frame wraps every envelope on the wire. Unknown actions are ignored by
	// the gateway.
	Frame struct {
		Action  string   `json:"action" validate:"required"`
		Payload Envelope `json:"payload"`
	}

	PresencePayload struct {
		UserID string `json:"userId" validate:"required"`
		Status string `json:"status" validate:"required,oneof=online away offline"`
	}

	TypingPayload struct {
		ConversationID string `json:"conversationId" validate:"required"`
		UserID         string `json:"userId" validate:"required"`
		Typing         bool   `json:"typing"`
	}

	// CallPayload is relayed verbatim. Signal carries the caller's SDP or ICE
	// blob; the gateway never negotiates.
	CallPayload struct {
		ConversationID string          `json:"conversationId" validate:"required"`
		CallerID       string          `json:"callerId" validate:"required"`
		Kind           string          `json:"kind" validate:"required,oneof=offer answer candidate hangup"`
		Signal         json.RawMessage `json:"signal,omitempty"`
	}

	AckPayload struct {
		ConversationID string `json:"conversationId" validate:"required"`
		UserID         string `json:"userId" validate:"required"`
		MessageID      string `json:"messageId" validate:"required"`
		Kind           string `json:"kind" validate:"required,oneof=delivered read"`
	}

	// ConversationEvent announces lifecycle changes (currently only creation).
	// It rides its own frame action so the envelope union stays closed; peers
	// that don't know the action skip the frame.
	ConversationEvent struct {
		Event        string       `json:"event"`
		Conversation Conversation `json:"conversation"`
	}

	// ErrorEvent is sent to the offending connection only. Ref names the
	// rejected message or action so the client can reconcile its local echo.
	ErrorEvent struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
		Ref    string `json:"ref,omitempty"`
	}
)

const (
	FrameActionEnvelope     = "envelope"
	FrameActionConversation = "conversation.created"
	FrameActionError        = "error"
)

func NewEnvelope(t EnvelopeType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: data}, nil
}
