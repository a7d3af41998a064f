package model

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenMissing means no bearer token was supplied at all. Clients may
	// retry after obtaining one; contrast with ErrInvalidToken.
	ErrTokenMissing = errors.New("auth: token missing")
	ErrInvalidToken = errors.New("auth: token invalid or expired")

	ErrNotConnected = errors.New("transport: not connected")

	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationExists surfaces a unique-index conflict on insert, i.e.
	// a concurrent creation won the race for the same dm pair.
	ErrConversationExists = errors.New("conversation already exists")
)

type (
	// MembershipError covers sender-not-in-conversation and member-count
	// invariant violations. Returned to the caller, never broadcast.
	MembershipError struct {
		ConversationID string
		Reason         string
	}

	// PersistenceError wraps a store read/write failure.
	PersistenceError struct {
		Op  string
		Err error
	}
)

func (e *MembershipError) Error() string {
	if e.ConversationID == "" {
		return "membership: " + e.Reason
	}
	return fmt.Sprintf("membership: %s (conversation %s)", e.Reason, e.ConversationID)
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
