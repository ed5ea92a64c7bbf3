package users

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/eventide/eventide/backend/go-services/internal/apperr"
	"github.com/eventide/eventide/backend/go-services/internal/models"
)

// CreateResult tags the outcome of Create. A duplicate key is an expected
// outcome of concurrent first logins, not an error.
type CreateResult int

const (
	Created CreateResult = iota
	AlreadyExists
)

func (r CreateResult) String() string {
	if r == AlreadyExists {
		return "already_exists"
	}
	return "created"
}

// UserRepository defines persistence operations for users.
// Finders return (nil, nil) when nothing matches.
type UserRepository interface {
	FindBySubject(ctx context.Context, subjectID string) (*models.User, error)
	// FindByLegacyAlias matches records written before subjectId existed: by
	// the sub or oidcId fields, or by email when email is non-empty. Records
	// that already carry a subjectId never match.
	FindByLegacyAlias(ctx context.Context, subjectID, email string) (*models.User, error)
	Create(ctx context.Context, u *models.User) (CreateResult, error)
	// MarkLogin stamps lastLogin and backfills subjectId on the record with id.
	MarkLogin(ctx context.Context, id, subjectID string, at time.Time) (*models.User, error)
	SetRole(ctx context.Context, subjectID string, role models.Role, at time.Time) (*models.User, error)
}

// MongoUserRepository implements UserRepository using MongoDB
type MongoUserRepository struct {
	col *mongo.Collection
}

// NewMongoUserRepository creates a new repository for the given collection
func NewMongoUserRepository(col *mongo.Collection) *MongoUserRepository {
	return &MongoUserRepository{col: col}
}

func (r *MongoUserRepository) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	var u models.User
	if err := r.col.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (r *MongoUserRepository) FindBySubject(ctx context.Context, subjectID string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"subjectId": subjectID})
}

func (r *MongoUserRepository) FindByLegacyAlias(ctx context.Context, subjectID, email string) (*models.User, error) {
	or := bson.A{bson.M{"sub": subjectID}, bson.M{"oidcId": subjectID}}
	if email != "" {
		or = append(or, bson.M{"email": email})
	}
	return r.findOne(ctx, bson.M{
		"$or":       or,
		"subjectId": bson.M{"$in": bson.A{nil, ""}},
	})
}

func (r *MongoUserRepository) Create(ctx context.Context, u *models.User) (CreateResult, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if _, err := r.col.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return AlreadyExists, nil
		}
		return Created, err
	}
	return Created, nil
}

func (r *MongoUserRepository) MarkLogin(ctx context.Context, id, subjectID string, at time.Time) (*models.User, error) {
	upd := bson.M{"$set": bson.M{
		"subjectId": subjectID,
		"lastLogin": at,
		"updatedAt": at,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated models.User
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": id}, upd, opts).Decode(&updated); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			// another record was backfilled with this subject first
			return r.FindBySubject(ctx, subjectID)
		}
		return nil, err
	}
	return &updated, nil
}

func (r *MongoUserRepository) SetRole(ctx context.Context, subjectID string, role models.Role, at time.Time) (*models.User, error) {
	upd := bson.M{"$set": bson.M{"role": role, "updatedAt": at}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated models.User
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"subjectId": subjectID}, upd, opts).Decode(&updated); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}
