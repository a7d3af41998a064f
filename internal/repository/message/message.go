// Package message persists messages with the server-held at-rest layer
// applied: routing fields stay plaintext, everything sensitive is sealed.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ngoclp2000/VIChat/internal/cryptographic/encryption"
	"github.com/ngoclp2000/VIChat/internal/model"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type (
	Repo struct {
		collection *mongo.Collection
		cipher     *encryption.BoxCipher
	}

	// stored is the on-disk shape: plaintext routing fields plus the sealed
	// sensitive payload.
	stored struct {
		ID             string                `bson:"_id"`
		TenantID       string                `bson:"tenantId"`
		ConversationID string                `bson:"conversationId"`
		SenderID       string                `bson:"senderId"`
		SenderDeviceID string                `bson:"senderDeviceId"`
		SentAt         time.Time             `bson:"sentAt"`
		DeliveredAt    *time.Time            `bson:"deliveredAt,omitempty"`
		ReadAt         *time.Time            `bson:"readAt,omitempty"`
		Type           model.MessageType     `bson:"type"`
		Box            *encryption.SealedBox `bson:"box"`
	}

	// sensitive is what goes inside the box.
	sensitive struct {
		Body     model.CipherEnvelope `json:"body"`
		Metadata map[string]any       `json:"metadata,omitempty"`
		Sticker  *model.Sticker       `json:"sticker,omitempty"`
	}
)

func NewRepo(db *mongo.Database, cipher *encryption.BoxCipher) *Repo {
	return &Repo{
		collection: db.Collection("messages"),
		cipher:     cipher,
	}
}

func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "tenantId", Value: 1},
			{Key: "conversationId", Value: 1},
			{Key: "sentAt", Value: -1},
		},
	})
	return err
}

// SealPayload wraps the message's sensitive fields for storage. The message
// id is the AAD, binding the box to its record.
func SealPayload(cipher *encryption.BoxCipher, m *model.Message) (*encryption.SealedBox, error) {
	plain, err := json.Marshal(sensitive{
		Body:     m.Body,
		Metadata: m.Metadata,
		Sticker:  m.Sticker,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return cipher.Seal(plain, []byte(m.ID))
}

// OpenPayload reverses SealPayload into the message's sensitive fields.
func OpenPayload(cipher *encryption.BoxCipher, box *encryption.SealedBox, id string, m *model.Message) error {
	plain, err := cipher.Open(box, []byte(id))
	if err != nil {
		return err
	}
	var s sensitive
	if err := json.Unmarshal(plain, &s); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	m.Body = s.Body
	m.Metadata = s.Metadata
	m.Sticker = s.Sticker
	return nil
}

// Save is an idempotent upsert keyed on the message id; an at-least-once
// redelivery replaces the record instead of duplicating it. ReplaceOne on _id
// is atomic on the server, which serializes same-id writes.
func (r *Repo) Save(ctx context.Context, m *model.Message) error {
	box, err := SealPayload(r.cipher, m)
	if err != nil {
		return &model.PersistenceError{Op: "message seal", Err: err}
	}

	doc := stored{
		ID:             m.ID,
		TenantID:       m.TenantID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderDeviceID: m.SenderDeviceID,
		SentAt:         m.SentAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		Type:           m.Type,
		Box:            box,
	}

	filter := bson.M{"_id": m.ID, "tenantId": m.TenantID}
	_, err = r.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &model.PersistenceError{Op: "message upsert", Err: err}
	}
	return nil
}

// List returns up to limit messages of a conversation older than before, in
// chronological order. A record that fails to decrypt is returned with
// DecryptError set instead of failing the page.
func (r *Repo) List(ctx context.Context, tenantID, conversationID string, limit int, before *time.Time) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	filter := bson.M{
		"tenantId":       tenantID,
		"conversationId": conversationID,
	}
	if before != nil {
		filter["sentAt"] = bson.M{"$lt": *before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "sentAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, &model.PersistenceError{Op: "message list", Err: err}
	}
	defer cursor.Close(ctx)

	var docs []stored
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, &model.PersistenceError{Op: "message list decode", Err: err}
	}

	// newest-first from the query, flipped into chronological order
	out := make([]model.Message, len(docs))
	for i, doc := range docs {
		m := model.Message{
			ID:             doc.ID,
			TenantID:       doc.TenantID,
			ConversationID: doc.ConversationID,
			SenderID:       doc.SenderID,
			SenderDeviceID: doc.SenderDeviceID,
			SentAt:         doc.SentAt,
			DeliveredAt:    doc.DeliveredAt,
			ReadAt:         doc.ReadAt,
			Type:           doc.Type,
		}
		if err := OpenPayload(r.cipher, doc.Box, doc.ID, &m); err != nil {
			m.DecryptError = err.Error()
		}
		out[len(docs)-1-i] = m
	}
	return out, nil
}
