package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	UsersCollection      = "users"
	AssignmentCollection = "event_organizers"
)

// ConnectMongo opens a connection and returns the client. Caller should call client.Disconnect(ctx).
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique indexes the reconciler and the assignment
// store rely on. Creating an existing index is a no-op.
//
// users.subjectId is partial so legacy records without a canonical subject do
// not collide on null.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	users := mongo.IndexModel{
		Keys: bson.D{{Key: "subjectId", Value: 1}},
		Options: options.Index().
			SetName("uniq_subjectId").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"subjectId": bson.M{"$type": "string"}}),
	}
	if _, err := db.Collection(UsersCollection).Indexes().CreateOne(ctx, users); err != nil {
		return fmt.Errorf("users index: %w", err)
	}

	// legacy alias lookups
	aliases := []mongo.IndexModel{
		{Keys: bson.D{{Key: "sub", Value: 1}}, Options: options.Index().SetName("sub").SetSparse(true)},
		{Keys: bson.D{{Key: "oidcId", Value: 1}}, Options: options.Index().SetName("oidcId").SetSparse(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetName("email").SetSparse(true)},
	}
	if _, err := db.Collection(UsersCollection).Indexes().CreateMany(ctx, aliases); err != nil {
		return fmt.Errorf("users alias indexes: %w", err)
	}

	assignments := mongo.IndexModel{
		Keys:    bson.D{{Key: "subjectId", Value: 1}, {Key: "resourceId", Value: 1}},
		Options: options.Index().SetName("uniq_subject_resource").SetUnique(true),
	}
	if _, err := db.Collection(AssignmentCollection).Indexes().CreateOne(ctx, assignments); err != nil {
		return fmt.Errorf("event_organizers index: %w", err)
	}
	return nil
}
