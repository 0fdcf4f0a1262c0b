package repository

import (
	"context"
	"errors"

	"kpitracker/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	UserCollection       = "users"
	DepartmentCollection = "departments"
)

type UserRepository interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
	GetByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error)
}

type userRepository struct {
	collection *mongo.Collection
}

func NewUserRepository(db *mongo.Database) UserRepository {
	return &userRepository{collection: db.Collection(UserCollection)}
}

func (r *userRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	var u models.User
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	cursor, err := r.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	users := []models.User{}
	if err = cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

type DepartmentRepository interface {
	// AccessibleIDs returns the departments a user may target: their own,
	// the ones they head or supervise, and the direct children of those.
	AccessibleIDs(ctx context.Context, userID primitive.ObjectID, ownDepartment primitive.ObjectID) ([]primitive.ObjectID, error)
	ExistingIDs(ctx context.Context, ids []primitive.ObjectID) ([]primitive.ObjectID, error)
}

type departmentRepository struct {
	collection *mongo.Collection
}

func NewDepartmentRepository(db *mongo.Database) DepartmentRepository {
	return &departmentRepository{collection: db.Collection(DepartmentCollection)}
}

func (r *departmentRepository) AccessibleIDs(ctx context.Context, userID primitive.ObjectID, ownDepartment primitive.ObjectID) ([]primitive.ObjectID, error) {
	managed, err := r.ids(ctx, bson.M{"$or": bson.A{
		bson.M{"head_id": userID},
		bson.M{"supervisor_ids": userID},
	}})
	if err != nil {
		return nil, err
	}

	roots := managed
	if !ownDepartment.IsZero() {
		roots = append(roots, ownDepartment)
	}
	if len(roots) == 0 {
		return []primitive.ObjectID{}, nil
	}

	children, err := r.ids(ctx, bson.M{"parent_id": bson.M{"$in": managed}})
	if err != nil {
		return nil, err
	}

	seen := make(map[primitive.ObjectID]struct{})
	out := []primitive.ObjectID{}
	for _, id := range append(roots, children...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (r *departmentRepository) ExistingIDs(ctx context.Context, ids []primitive.ObjectID) ([]primitive.ObjectID, error) {
	if len(ids) == 0 {
		return []primitive.ObjectID{}, nil
	}
	return r.ids(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

func (r *departmentRepository) ids(ctx context.Context, filter bson.M) ([]primitive.ObjectID, error) {
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var departments []models.Department
	if err = cursor.All(ctx, &departments); err != nil {
		return nil, err
	}
	out := make([]primitive.ObjectID, 0, len(departments))
	for _, d := range departments {
		out = append(out, d.ID)
	}
	return out, nil
}
