package conversation

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ngoclp2000/VIChat/internal/model"
)

type (
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("conversations"),
	}
}

// EnsureIndexes creates the unique dmKey index backing DM dedup. Called once
// at startup.
func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "dmKey", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"type": model.ConversationDM}),
		},
		{
			Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "members", Value: 1}, {Key: "updatedAt", Value: -1}},
		},
	})
	return err
}

func (r *Repo) Create(ctx context.Context, conv *model.Conversation) error {
	_, err := r.collection.InsertOne(ctx, conv)
	if mongo.IsDuplicateKeyError(err) {
		return model.ErrConversationExists
	}
	if err != nil {
		return &model.PersistenceError{Op: "conversation insert", Err: err}
	}
	return nil
}

func (r *Repo) GetByID(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	filter := bson.M{
		"_id":      id,
		"tenantId": tenantID,
	}

	var conv model.Conversation
	err := r.collection.FindOne(ctx, filter).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, &model.PersistenceError{Op: "conversation get", Err: err}
	}
	return &conv, nil
}

// FindDM looks up an existing dm conversation by its dedup key.
func (r *Repo) FindDM(ctx context.Context, tenantID, dmKey string) (*model.Conversation, error) {
	filter := bson.M{
		"tenantId": tenantID,
		"type":     model.ConversationDM,
		"dmKey":    dmKey,
	}

	var conv model.Conversation
	err := r.collection.FindOne(ctx, filter).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, &model.PersistenceError{Op: "conversation dm lookup", Err: err}
	}
	return &conv, nil
}

// ListForMember returns the member's conversations, most recently active
// first.
func (r *Repo) ListForMember(ctx context.Context, tenantID, userID string) ([]model.Conversation, error) {
	filter := bson.M{
		"tenantId": tenantID,
		"members":  userID,
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, &model.PersistenceError{Op: "conversation list", Err: err}
	}
	defer cursor.Close(ctx)

	var convs []model.Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, &model.PersistenceError{Op: "conversation list decode", Err: err}
	}
	return convs, nil
}

// Touch bumps updatedAt when a message lands, driving recency ordering.
func (r *Repo) Touch(ctx context.Context, tenantID, id string, at time.Time) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "tenantId": tenantID},
		bson.M{"$set": bson.M{"updatedAt": at}},
	)
	if err != nil {
		return &model.PersistenceError{Op: "conversation touch", Err: err}
	}
	return nil
}
