package assignments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/eventide/eventide/backend/go-services/internal/models"
)

// ErrDuplicate reports that the (subject, resource) pair is already assigned.
var ErrDuplicate = errors.New("assignment already exists")

// Repository defines persistence operations for organizer assignments
type Repository interface {
	Insert(ctx context.Context, a *models.Assignment) error
	Delete(ctx context.Context, subjectID, resourceID string) (bool, error)
	Find(ctx context.Context, subjectID, resourceID string) (*models.Assignment, error)
	ListByResource(ctx context.Context, resourceID string) ([]models.Assignment, error)
}

// MongoRepository implements Repository on the event_organizers collection.
type MongoRepository struct {
	col *mongo.Collection
}

func NewMongoRepository(col *mongo.Collection) *MongoRepository {
	return &MongoRepository{col: col}
}

func (r *MongoRepository) Insert(ctx context.Context, a *models.Assignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, err := r.col.InsertOne(ctx, a); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *MongoRepository) Delete(ctx context.Context, subjectID, resourceID string) (bool, error) {
	res, err := r.col.DeleteOne(ctx, bson.M{"subjectId": subjectID, "resourceId": resourceID})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (r *MongoRepository) Find(ctx context.Context, subjectID, resourceID string) (*models.Assignment, error) {
	var a models.Assignment
	if err := r.col.FindOne(ctx, bson.M{"subjectId": subjectID, "resourceId": resourceID}).Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *MongoRepository) ListByResource(ctx context.Context, resourceID string) ([]models.Assignment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "assignedAt", Value: 1}})
	cur, err := r.col.Find(ctx, bson.M{"resourceId": resourceID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []models.Assignment{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
