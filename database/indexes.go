package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateIndexes creates every index the service relies on.
func CreateIndexes(db *mongo.Database) error {
	if err := CreateKPIIndexes(db); err != nil {
		return err
	}
	if err := CreateDiscrepancyIndexes(db); err != nil {
		return err
	}
	return CreateDepartmentIndexes(db)
}

func CreateKPIIndexes(db *mongo.Database) error {
	indexes := []mongo.IndexModel{
		// WEIGHTS: all KPIs of one academic year
		// Used by: ListByAcademicYear during weight recomputation
		{
			Keys: bson.D{
				{Key: "academic_year", Value: 1},
				{Key: "is_deleted", Value: 1},
			},
			Options: options.Index().SetName("idx_academic_year_is_deleted"),
		},

		// VISIBILITY: KPIs created by or assigned to a user
		// Used by: List for the caller's scope
		{
			Keys:    bson.D{{Key: "created_by", Value: 1}},
			Options: options.Index().SetName("idx_created_by"),
		},
		{
			Keys:    bson.D{{Key: "assigned_users", Value: 1}},
			Options: options.Index().SetName("idx_assigned_users"),
		},
		{
			Keys:    bson.D{{Key: "assigned_roles", Value: 1}},
			Options: options.Index().SetName("idx_assigned_roles"),
		},
		{
			Keys:    bson.D{{Key: "departments", Value: 1}},
			Options: options.Index().SetName("idx_departments"),
		},

		// SAVE: compare-and-swap on revision
		// Used by: Save
		{
			Keys: bson.D{
				{Key: "_id", Value: 1},
				{Key: "revision", Value: 1},
			},
			Options: options.Index().SetName("idx_id_revision"),
		},
	}
	return createMany(db.Collection("kpis"), indexes, "KPI")
}

func CreateDiscrepancyIndexes(db *mongo.Database) error {
	indexes := []mongo.IndexModel{
		// UNIQUENESS: one record per (kpi, deliverable id, assignee, occurrence)
		// Template ids survive reordering, positions do not
		// Used by: FindByKey, Upsert
		{
			Keys: bson.D{
				{Key: "kpi_id", Value: 1},
				{Key: "deliverable_id", Value: 1},
				{Key: "assignee_id", Value: 1},
				{Key: "occurrence_label", Value: 1},
			},
			Options: options.Index().SetName("uniq_discrepancy_deliverable_key").SetUnique(true),
		},

		// LISTING: per assignee / creator, newest first
		// Used by: List with participant or assignee filters
		{
			Keys: bson.D{
				{Key: "assignee_id", Value: 1},
				{Key: "flagged_at", Value: -1},
			},
			Options: options.Index().SetName("idx_assignee_flagged_at"),
		},
		{
			Keys: bson.D{
				{Key: "creator_id", Value: 1},
				{Key: "flagged_at", Value: -1},
			},
			Options: options.Index().SetName("idx_creator_flagged_at"),
		},

		// ANALYTICS: open/resolved split
		// Used by: Stats aggregation
		{
			Keys: bson.D{
				{Key: "resolved", Value: 1},
				{Key: "kpi_id", Value: 1},
			},
			Options: options.Index().SetName("idx_resolved_kpi_id"),
		},
	}
	return createMany(db.Collection("discrepancies"), indexes, "discrepancy")
}

func CreateDepartmentIndexes(db *mongo.Database) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "head_id", Value: 1}},
			Options: options.Index().SetName("idx_head_id"),
		},
		{
			Keys:    bson.D{{Key: "supervisor_ids", Value: 1}},
			Options: options.Index().SetName("idx_supervisor_ids"),
		},
		{
			Keys:    bson.D{{Key: "parent_id", Value: 1}},
			Options: options.Index().SetName("idx_parent_id"),
		},
	}
	return createMany(db.Collection("departments"), indexes, "department")
}

func createMany(collection *mongo.Collection, indexes []mongo.IndexModel, label string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", label, err)
	}
	return nil
}
