package model

import "time"

// SyncCursor tracks per-conversation delivery/read progress on the client.
// Updated only from ack envelopes.
type SyncCursor struct {
	LastAckMessageID  string    `json:"lastAckMessageId,omitempty"`
	LastReadMessageID string    `json:"lastReadMessageId,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
