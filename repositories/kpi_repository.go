package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kpitracker/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

const KPICollection = "kpis"

// KPIFilter selects the KPIs visible to a user. All bypasses targeting.
type KPIFilter struct {
	All           bool
	UserID        primitive.ObjectID
	Role          string
	DepartmentIDs []primitive.ObjectID
	CreatedBy     primitive.ObjectID
}

type KPIRepository interface {
	Create(ctx context.Context, kpi *models.KPI) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.KPI, error)
	List(ctx context.Context, filter KPIFilter) ([]models.KPI, error)
	ListByAcademicYear(ctx context.Context, year string) ([]models.KPI, error)
	// Save replaces the whole document if its revision is unchanged since it
	// was loaded, and bumps kpi.Revision. A stale revision yields ErrRevisionConflict.
	Save(ctx context.Context, kpi *models.KPI) error
	UpdateWeights(ctx context.Context, kpis []*models.KPI) error
	SoftDelete(ctx context.Context, id primitive.ObjectID, updatedBy primitive.ObjectID) error
}

type kpiRepository struct {
	collection *mongo.Collection
}

func NewKPIRepository(db *mongo.Database) KPIRepository {
	return &kpiRepository{
		collection: db.Collection(KPICollection),
	}
}

func (r *kpiRepository) Create(ctx context.Context, kpi *models.KPI) error {
	if kpi.ID.IsZero() {
		kpi.ID = primitive.NewObjectID()
	}
	kpi.Revision = 0

	_, err := r.collection.InsertOne(ctx, kpi)
	return err
}

func (r *kpiRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.KPI, error) {
	var kpi models.KPI
	err := r.collection.FindOne(ctx, bson.M{"_id": id, "is_deleted": bson.M{"$ne": true}}).Decode(&kpi)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &kpi, nil
}

func (r *kpiRepository) List(ctx context.Context, filter KPIFilter) ([]models.KPI, error) {
	query := bson.M{"is_deleted": bson.M{"$ne": true}}
	if !filter.All {
		or := bson.A{}
		if !filter.UserID.IsZero() {
			or = append(or,
				bson.M{"created_by": filter.UserID},
				bson.M{"assigned_users": filter.UserID},
			)
		}
		if filter.Role != "" {
			or = append(or, bson.M{"assigned_roles": filter.Role})
		}
		if len(filter.DepartmentIDs) > 0 {
			or = append(or, bson.M{"departments": bson.M{"$in": filter.DepartmentIDs}})
		}
		if len(or) == 0 {
			return []models.KPI{}, nil
		}
		query["$or"] = or
	}
	if !filter.CreatedBy.IsZero() {
		query["created_by"] = filter.CreatedBy
	}
	return r.find(ctx, query)
}

func (r *kpiRepository) ListByAcademicYear(ctx context.Context, year string) ([]models.KPI, error) {
	return r.find(ctx, bson.M{"academic_year": year, "is_deleted": bson.M{"$ne": true}})
}

func (r *kpiRepository) find(ctx context.Context, query bson.M) ([]models.KPI, error) {
	cursor, err := r.collection.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	kpis := []models.KPI{}
	if err = cursor.All(ctx, &kpis); err != nil {
		return nil, err
	}
	return kpis, nil
}

func (r *kpiRepository) Save(ctx context.Context, kpi *models.KPI) error {
	expected := kpi.Revision
	kpi.Revision = expected + 1

	filter := bson.M{"_id": kpi.ID, "is_deleted": bson.M{"$ne": true}}
	if expected == 0 {
		filter["$or"] = bson.A{
			bson.M{"revision": 0},
			bson.M{"revision": bson.M{"$exists": false}},
		}
	} else {
		filter["revision"] = expected
	}

	result, err := r.collection.ReplaceOne(ctx, filter, kpi)
	if err != nil {
		kpi.Revision = expected
		return err
	}
	if result.MatchedCount == 0 {
		kpi.Revision = expected
		if _, err := r.GetByID(ctx, kpi.ID); err != nil {
			return err
		}
		return ErrRevisionConflict
	}
	return nil
}

// UpdateWeights writes recomputed weights and bumps each revision so that
// writers holding an older copy retry instead of restoring stale weights.
func (r *kpiRepository) UpdateWeights(ctx context.Context, kpis []*models.KPI) error {
	if len(kpis) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(kpis))
	for _, k := range kpis {
		perDeliverable := 0.0
		if len(k.Deliverables) > 0 {
			perDeliverable = k.Deliverables[0].Weight
		}
		update := bson.M{
			"$set": bson.M{
				"weight":                  k.Weight,
				"deliverables.$[].weight": perDeliverable,
			},
			"$inc": bson.M{"revision": 1},
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": k.ID}).
			SetUpdate(update))
	}

	if _, err := r.collection.BulkWrite(ctx, writes); err != nil {
		return fmt.Errorf("failed to update KPI weights: %w", err)
	}
	for _, k := range kpis {
		k.Revision++
	}
	return nil
}

func (r *kpiRepository) SoftDelete(ctx context.Context, id primitive.ObjectID, updatedBy primitive.ObjectID) error {
	update := bson.M{
		"$set": bson.M{
			"is_deleted":          true,
			"metadata.updated_at": time.Now(),
			"metadata.updated_by": updatedBy,
		},
		"$inc": bson.M{"revision": 1},
	}

	filter := bson.M{"_id": id, "is_deleted": bson.M{"$ne": true}}
	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
