package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	rise "github.com/rise-support/rise-go"
)

// DefaultAlertCollection is the collection MongoAlertStore uses by default.
const DefaultAlertCollection = "alerts"

const mongoOperationTimeout = 5 * time.Second

type alertDocument struct {
	ConversationID string    `bson:"_id"`
	IsActive       bool      `bson:"isActive"`
	InitiatorID    *string   `bson:"initiatorId"`
	UpdatedBy      string    `bson:"updatedBy,omitempty"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func toAlertDocument(st rise.AlertStatus) alertDocument {
	return alertDocument{
		ConversationID: st.ConversationID,
		IsActive:       st.IsActive,
		InitiatorID:    st.InitiatorID,
		UpdatedBy:      st.UpdatedBy,
		UpdatedAt:      st.UpdatedAt,
	}
}

func (d alertDocument) status() rise.AlertStatus {
	return rise.AlertStatus{
		ConversationID: d.ConversationID,
		IsActive:       d.IsActive,
		InitiatorID:    d.InitiatorID,
		UpdatedBy:      d.UpdatedBy,
		UpdatedAt:      d.UpdatedAt,
	}
}

// MongoAlertStore keeps alert records in MongoDB so several hub instances
// can share them. Conditional writes rely on single-document atomicity.
type MongoAlertStore struct {
	coll *mongo.Collection
}

var _ AlertStore = (*MongoAlertStore)(nil)

// NewMongoAlertStore uses collection name of db.
func NewMongoAlertStore(db *mongo.Database, name string) *MongoAlertStore {
	if name == "" {
		name = DefaultAlertCollection
	}
	return &MongoAlertStore{coll: db.Collection(name)}
}

// ConnectMongoAlertStore dials uri and returns a store on database dbName.
func ConnectMongoAlertStore(ctx context.Context, uri, dbName string) (*MongoAlertStore, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewMongoAlertStore(client.Database(dbName), ""), client.Disconnect, nil
}

func (s *MongoAlertStore) TryGet(ctx context.Context, conversationID string) (rise.AlertStatus, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	var doc alertDocument
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: conversationID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return rise.AlertStatus{}, false, nil
	}
	if err != nil {
		return rise.AlertStatus{}, false, fmt.Errorf("database operation failed: %w", err)
	}
	return doc.status(), true, nil
}

func (s *MongoAlertStore) Put(ctx context.Context, status rise.AlertStatus) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "_id", Value: status.ConversationID}}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, filter, toAlertDocument(status), opts); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

// PutIfInactive upserts against a filter that excludes active records. When
// an active record exists the upsert collides on _id, which means "not stored".
func (s *MongoAlertStore) PutIfInactive(ctx context.Context, status rise.AlertStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "_id", Value: status.ConversationID},
		{Key: "isActive", Value: bson.D{{Key: "$ne", Value: true}}},
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, filter, toAlertDocument(status), opts)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database operation failed: %w", err)
	}
	return true, nil
}

func (s *MongoAlertStore) CompareAndClear(ctx context.Context, conversationID, initiatorID string, cleared rise.AlertStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "_id", Value: conversationID},
		{Key: "isActive", Value: true},
		{Key: "initiatorId", Value: initiatorID},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "isActive", Value: false},
		{Key: "initiatorId", Value: nil},
		{Key: "updatedBy", Value: cleared.UpdatedBy},
		{Key: "updatedAt", Value: cleared.UpdatedAt},
	}}}
	err := s.coll.FindOneAndUpdate(ctx, filter, update).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database operation failed: %w", err)
	}
	return true, nil
}

// Drop removes every record. Used by tests.
func (s *MongoAlertStore) Drop(ctx context.Context) error {
	return s.coll.Drop(ctx)
}
