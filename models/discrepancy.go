package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	ActionFlagged       = "flagged"
	ActionReFlagged     = "re-flagged"
	ActionUpdated       = "updated"
	ActionMeetingBooked = "meeting-booked"
	ActionResolved      = "resolved"
	ActionAutoResolved  = "auto-resolved"
)

// Discrepancy records a disagreement between the assignee's self-score and
// the creator's review score for one deliverable (or one occurrence of it).
// OccurrenceLabel is empty for non-recurring deliverables.
type Discrepancy struct {
	ID               primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	KPIID            primitive.ObjectID  `json:"kpiId" bson:"kpi_id"`
	DeliverableIndex int                 `json:"deliverableIndex" bson:"deliverable_index"`
	DeliverableID    primitive.ObjectID  `json:"deliverableId" bson:"deliverable_id"`
	AssigneeID       primitive.ObjectID  `json:"assigneeId" bson:"assignee_id"`
	OccurrenceLabel  string              `json:"occurrenceLabel" bson:"occurrence_label"`
	CreatorID        primitive.ObjectID  `json:"creatorId" bson:"creator_id"`
	AssigneeScore    *ScoreSnapshot      `json:"assigneeScore,omitempty" bson:"assignee_score,omitempty"`
	CreatorScore     *ScoreSnapshot      `json:"creatorScore,omitempty" bson:"creator_score,omitempty"`
	Reason           string              `json:"reason" bson:"reason"`
	Resolved         bool                `json:"resolved" bson:"resolved"`
	ResolutionNotes  string              `json:"resolutionNotes,omitempty" bson:"resolution_notes,omitempty"`
	PreviousScore    *ScoreSnapshot      `json:"previousScore,omitempty" bson:"previous_score,omitempty"`
	ResolvedScore    *ScoreSnapshot      `json:"resolvedScore,omitempty" bson:"resolved_score,omitempty"`
	ResolvedBy       *primitive.ObjectID `json:"resolvedBy,omitempty" bson:"resolved_by,omitempty"`
	ResolvedAt       *time.Time          `json:"resolvedAt,omitempty" bson:"resolved_at,omitempty"`
	FlaggedAt        time.Time           `json:"flaggedAt" bson:"flagged_at"`
	Meeting          *Meeting            `json:"meeting,omitempty" bson:"meeting,omitempty"`
	History          []DiscrepancyEvent  `json:"history" bson:"history"`
	CreatedAt        time.Time           `json:"createdAt" bson:"created_at"`
	UpdatedAt        time.Time           `json:"updatedAt" bson:"updated_at"`
}

type Meeting struct {
	BookedBy  primitive.ObjectID `json:"bookedBy" bson:"booked_by"`
	Timestamp time.Time          `json:"timestamp" bson:"timestamp"`
	Notes     string             `json:"notes" bson:"notes"`
}

type DiscrepancyEvent struct {
	Action    string             `json:"action" bson:"action"`
	By        primitive.ObjectID `json:"by" bson:"by"`
	Timestamp time.Time          `json:"timestamp" bson:"timestamp"`
}

// DiscrepancyKey is the uniqueness key of a discrepancy record. Deliverables
// are identified by template id; DeliverableIndex on the record only mirrors
// the template's current position.
type DiscrepancyKey struct {
	KPIID           primitive.ObjectID
	DeliverableID   primitive.ObjectID
	AssigneeID      primitive.ObjectID
	OccurrenceLabel string
}

func (d *Discrepancy) Key() DiscrepancyKey {
	return DiscrepancyKey{
		KPIID:           d.KPIID,
		DeliverableID:   d.DeliverableID,
		AssigneeID:      d.AssigneeID,
		OccurrenceLabel: d.OccurrenceLabel,
	}
}

func (d *Discrepancy) AppendHistory(action string, by primitive.ObjectID, at time.Time) {
	d.History = append(d.History, DiscrepancyEvent{Action: action, By: by, Timestamp: at})
}

// DiscrepancyFilter narrows discrepancy listings. Zero values match everything.
type DiscrepancyFilter struct {
	KPIID       primitive.ObjectID
	KPIIDs      []primitive.ObjectID
	AssigneeID  primitive.ObjectID
	Resolved    *bool
	Participant primitive.ObjectID // assignee or creator
}

type DiscrepancyStats struct {
	KPIID         primitive.ObjectID `json:"kpiId" bson:"_id"`
	Open          int                `json:"open" bson:"open"`
	Resolved      int                `json:"resolved" bson:"resolved"`
	Total         int                `json:"total" bson:"total"`
	AverageGap    float64            `json:"averageGap" bson:"average_gap"`
	LastFlaggedAt time.Time          `json:"lastFlaggedAt" bson:"last_flagged_at"`
}
