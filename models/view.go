package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// KPIView is a KPI shaped for one viewer: templates merged with that viewer's
// state and discrepancy summaries.
type KPIView struct {
	ID            primitive.ObjectID   `json:"id"`
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Header        primitive.ObjectID   `json:"header"`
	Departments   []primitive.ObjectID `json:"departments"`
	AssignedUsers []primitive.ObjectID `json:"assignedUsers"`
	AssignedRoles []string             `json:"assignedRoles"`
	CreatedBy     primitive.ObjectID   `json:"createdBy"`
	AcademicYear  string               `json:"academicYear"`
	Weight        float64              `json:"weight"`
	Status        Status               `json:"status"`
	ViewedUserID  primitive.ObjectID   `json:"viewedUserId"`
	Deliverables  []DeliverableView    `json:"deliverables"`
	UserStatuses  map[string]Status    `json:"userStatuses,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

type DeliverableView struct {
	ID                primitive.ObjectID  `json:"id"`
	Index             int                 `json:"index"`
	Title             string              `json:"title"`
	Action            string              `json:"action"`
	Indicator         string              `json:"indicator"`
	PerformanceTarget string              `json:"performanceTarget"`
	Timeline          *time.Time          `json:"timeline,omitempty"`
	Priority          string              `json:"priority"`
	IsRecurring       bool                `json:"isRecurring"`
	RecurrencePattern RecurrencePattern   `json:"recurrencePattern,omitempty"`
	Weight            float64             `json:"weight"`
	Status            Status              `json:"status"`
	AssigneeScore     *ScoreSnapshot      `json:"assigneeScore,omitempty"`
	CreatorScore      *ScoreSnapshot      `json:"creatorScore,omitempty"`
	Evidence          []string            `json:"evidence"`
	Occurrences       []OccurrenceView    `json:"occurrences,omitempty"`
	Discrepancy       *DiscrepancySummary `json:"discrepancy,omitempty"`
}

type OccurrenceView struct {
	PeriodLabel   string             `json:"periodLabel"`
	DueDate       time.Time          `json:"dueDate"`
	Status        Status             `json:"status"`
	AssigneeScore *ScoreSnapshot     `json:"assigneeScore,omitempty"`
	CreatorScore  *ScoreSnapshot     `json:"creatorScore,omitempty"`
	Evidence      []string           `json:"evidence"`
	Discrepancy   DiscrepancySummary `json:"discrepancy"`
}

type DiscrepancySummary struct {
	HasOpen   bool                `json:"hasOpen"`
	OpenCount int                 `json:"openCount"`
	LatestID  *primitive.ObjectID `json:"latestId,omitempty"`
	LatestAt  *time.Time          `json:"latestAt,omitempty"`
}
