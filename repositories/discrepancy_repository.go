package repository

import (
	"context"
	"errors"

	"kpitracker/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DiscrepancyCollection = "discrepancies"

type DiscrepancyRepository interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Discrepancy, error)
	FindByKey(ctx context.Context, key models.DiscrepancyKey) (*models.Discrepancy, error)
	// Upsert writes d under its uniqueness key. Concurrent inserts of the same
	// key surface as ErrRevisionConflict.
	Upsert(ctx context.Context, d *models.Discrepancy) error
	// MoveDeliverable sets the stored position of every record of one
	// deliverable without touching the rest of the document.
	MoveDeliverable(ctx context.Context, kpiID, deliverableID primitive.ObjectID, index int) error
	List(ctx context.Context, filter models.DiscrepancyFilter) ([]models.Discrepancy, error)
	Stats(ctx context.Context, filter models.DiscrepancyFilter) ([]models.DiscrepancyStats, error)
}

type discrepancyRepository struct {
	collection *mongo.Collection
}

func NewDiscrepancyRepository(db *mongo.Database) DiscrepancyRepository {
	return &discrepancyRepository{
		collection: db.Collection(DiscrepancyCollection),
	}
}

func keyFilter(key models.DiscrepancyKey) bson.M {
	return bson.M{
		"kpi_id":           key.KPIID,
		"deliverable_id":   key.DeliverableID,
		"assignee_id":      key.AssigneeID,
		"occurrence_label": key.OccurrenceLabel,
	}
}

func (r *discrepancyRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Discrepancy, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *discrepancyRepository) FindByKey(ctx context.Context, key models.DiscrepancyKey) (*models.Discrepancy, error) {
	return r.findOne(ctx, keyFilter(key))
}

func (r *discrepancyRepository) findOne(ctx context.Context, filter bson.M) (*models.Discrepancy, error) {
	var d models.Discrepancy
	err := r.collection.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *discrepancyRepository) Upsert(ctx context.Context, d *models.Discrepancy) error {
	if d.ID.IsZero() {
		d.ID = primitive.NewObjectID()
	}
	_, err := r.collection.ReplaceOne(ctx, keyFilter(d.Key()), d, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrRevisionConflict
	}
	return err
}

func (r *discrepancyRepository) MoveDeliverable(ctx context.Context, kpiID, deliverableID primitive.ObjectID, index int) error {
	filter := bson.M{
		"kpi_id":            kpiID,
		"deliverable_id":    deliverableID,
		"deliverable_index": bson.M{"$ne": index},
	}
	_, err := r.collection.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"deliverable_index": index}})
	return err
}

func listQuery(filter models.DiscrepancyFilter) bson.M {
	query := bson.M{}
	if !filter.KPIID.IsZero() {
		query["kpi_id"] = filter.KPIID
	} else if len(filter.KPIIDs) > 0 {
		query["kpi_id"] = bson.M{"$in": filter.KPIIDs}
	}
	if !filter.AssigneeID.IsZero() {
		query["assignee_id"] = filter.AssigneeID
	}
	if filter.Resolved != nil {
		query["resolved"] = *filter.Resolved
	}
	if !filter.Participant.IsZero() {
		query["$or"] = bson.A{
			bson.M{"assignee_id": filter.Participant},
			bson.M{"creator_id": filter.Participant},
		}
	}
	return query
}

func (r *discrepancyRepository) List(ctx context.Context, filter models.DiscrepancyFilter) ([]models.Discrepancy, error) {
	opts := options.Find().SetSort(bson.D{{Key: "flagged_at", Value: -1}})
	cursor, err := r.collection.Find(ctx, listQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []models.Discrepancy{}
	if err = cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats groups discrepancies per KPI with open/resolved counts and the mean
// gap between assignee and creator scores at flag time.
func (r *discrepancyRepository) Stats(ctx context.Context, filter models.DiscrepancyFilter) ([]models.DiscrepancyStats, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: listQuery(filter)}},

		bson.D{{Key: "$addFields", Value: bson.M{
			"score_gap": bson.M{
				"$cond": bson.M{
					"if": bson.M{"$and": bson.A{
						bson.M{"$gt": bson.A{"$assignee_score", nil}},
						bson.M{"$gt": bson.A{"$creator_score", nil}},
					}},
					"then": bson.M{"$subtract": bson.A{"$assignee_score.value", "$creator_score.value"}},
					"else": nil,
				},
			},
		}}},

		bson.D{{Key: "$group", Value: bson.M{
			"_id":             "$kpi_id",
			"total":           bson.M{"$sum": 1},
			"open":            bson.M{"$sum": bson.M{"$cond": bson.A{"$resolved", 0, 1}}},
			"resolved":        bson.M{"$sum": bson.M{"$cond": bson.A{"$resolved", 1, 0}}},
			"average_gap":     bson.M{"$avg": "$score_gap"},
			"last_flagged_at": bson.M{"$max": "$flagged_at"},
		}}},

		bson.D{{Key: "$sort", Value: bson.M{"open": -1}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	results := []models.DiscrepancyStats{}
	if err = cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}
