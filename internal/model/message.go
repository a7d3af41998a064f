package model

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageMedia   MessageType = "media"
	MessageSystem  MessageType = "system"
	MessageSticker MessageType = "sticker"
)

type (
	// CipherEnvelope is the sender's end-to-end encrypted payload. The server
	// never interprets Ciphertext or Header; it only wraps them a second time
	// before hitting durable storage.
	CipherEnvelope struct {
		Ciphertext []byte          `json:"ciphertext" bson:"ciphertext" validate:"required"`
		Header     json.RawMessage `json:"header,omitempty" bson:"header,omitempty"`
	}

	Sticker struct {
		PackID string `json:"packId" bson:"packId"`
		ID     string `json:"id" bson:"id" validate:"required"`
	}

	Message struct {
		ID             string         `json:"id" bson:"_id" validate:"required"`
		TenantID       string         `json:"tenantId" bson:"tenantId" validate:"required"`
		ConversationID string         `json:"conversationId" bson:"conversationId" validate:"required"`
		SenderID       string         `json:"senderId" bson:"senderId" validate:"required"`
		SenderDeviceID string         `json:"senderDeviceId" bson:"senderDeviceId"`
		SentAt         time.Time      `json:"sentAt" bson:"sentAt" validate:"required"`
		DeliveredAt    *time.Time     `json:"deliveredAt,omitempty" bson:"deliveredAt,omitempty"`
		ReadAt         *time.Time     `json:"readAt,omitempty" bson:"readAt,omitempty"`
		Type           MessageType    `json:"type" bson:"type" validate:"required,oneof=text media system sticker"`
		Body           CipherEnvelope `json:"body" bson:"-" validate:"required"`
		Metadata       map[string]any `json:"metadata,omitempty" bson:"-"`
		Sticker        *Sticker       `json:"sticker,omitempty" bson:"-"`

		// DecryptError is set on read when the at-rest layer failed to open
		// this record. Never persisted.
		DecryptError string `json:"decryptError,omitempty" bson:"-"`
	}
)

func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageMedia, MessageSystem, MessageSticker:
		return true
	}
	return false
}
