package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusSubmitted  Status = "Submitted"
	StatusCompleted  Status = "Completed"
	StatusApproved   Status = "Approved"
	StatusRejected   Status = "Rejected"
)

// Rank orders statuses along the review workflow. Rejected sits beside
// In Progress since a rejected item goes back to the assignee.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress, StatusRejected:
		return 1
	case StatusSubmitted:
		return 2
	case StatusCompleted:
		return 3
	case StatusApproved:
		return 4
	default:
		return -1
	}
}

func (s Status) Valid() bool {
	return s.Rank() >= 0
}

type RecurrencePattern string

const (
	RecurrenceDaily   RecurrencePattern = "daily"
	RecurrenceWeekly  RecurrencePattern = "weekly"
	RecurrenceMonthly RecurrencePattern = "monthly"
	RecurrenceYearly  RecurrencePattern = "yearly"
)

// KPI is the root aggregate stored in the kpis collection. Deliverables hold
// the shared templates; everything a viewer can change lives in UserSpecific.
type KPI struct {
	ID            primitive.ObjectID    `json:"id" bson:"_id,omitempty"`
	Name          string                `json:"name" bson:"name"`
	Description   string                `json:"description" bson:"description"`
	Header        primitive.ObjectID    `json:"header" bson:"header"`
	Departments   []primitive.ObjectID  `json:"departments" bson:"departments"`
	AssignedUsers []primitive.ObjectID  `json:"assignedUsers" bson:"assigned_users"`
	AssignedRoles []string              `json:"assignedRoles" bson:"assigned_roles"`
	Deliverables  []DeliverableTemplate `json:"deliverables" bson:"deliverables"`
	Status        Status                `json:"status" bson:"status"`
	UserSpecific  UserSpecific          `json:"userSpecific" bson:"user_specific"`
	CreatedBy     primitive.ObjectID    `json:"createdBy" bson:"created_by"`
	AcademicYear  string                `json:"academicYear" bson:"academic_year"`
	Weight        float64               `json:"weight" bson:"weight"`
	Revision      int64                 `json:"revision" bson:"revision"`
	IsDeleted     bool                  `json:"isDeleted" bson:"is_deleted"`
	Metadata      Metadata              `json:"metadata" bson:"metadata"`
}

type Metadata struct {
	UpdatedBy primitive.ObjectID `json:"updatedBy" bson:"updated_by"`
	CreatedAt time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time          `json:"updatedAt" bson:"updated_at"`
}

// UserSpecific holds per-viewer state keyed by user id hex.
type UserSpecific struct {
	Statuses     UserMap[Status]                 `json:"statuses" bson:"statuses"`
	Deliverables UserMap[[]UserDeliverableState] `json:"deliverables" bson:"deliverables"`
}

type DeliverableTemplate struct {
	ID                primitive.ObjectID `json:"id" bson:"_id"`
	Title             string             `json:"title" bson:"title" validate:"required"`
	Action            string             `json:"action" bson:"action"`
	Indicator         string             `json:"indicator" bson:"indicator"`
	PerformanceTarget string             `json:"performanceTarget" bson:"performance_target"`
	Timeline          *time.Time         `json:"timeline,omitempty" bson:"timeline,omitempty" validate:"required_unless=IsRecurring true"`
	Priority          string             `json:"priority" bson:"priority" validate:"omitempty,oneof=low medium high"`
	IsRecurring       bool               `json:"isRecurring" bson:"is_recurring"`
	RecurrencePattern RecurrencePattern  `json:"recurrencePattern,omitempty" bson:"recurrence_pattern,omitempty" validate:"required_if=IsRecurring true,omitempty,oneof=daily weekly monthly yearly"`
	Weight            float64            `json:"weight" bson:"weight"`
}

type UserDeliverableState struct {
	DeliverableID primitive.ObjectID          `json:"deliverableId" bson:"deliverable_id"`
	Status        Status                      `json:"status" bson:"status"`
	AssigneeScore *ScoreSnapshot              `json:"assigneeScore,omitempty" bson:"assignee_score,omitempty"`
	CreatorScore  *ScoreSnapshot              `json:"creatorScore,omitempty" bson:"creator_score,omitempty"`
	Evidence      []string                    `json:"evidence" bson:"evidence"`
	Occurrences   []UserDeliverableOccurrence `json:"occurrences" bson:"occurrences"`
}

// UserDeliverableOccurrence is one dated period of a recurring deliverable.
// PeriodLabel is unique within its parent state.
type UserDeliverableOccurrence struct {
	PeriodLabel   string         `json:"periodLabel" bson:"period_label"`
	DueDate       time.Time      `json:"dueDate" bson:"due_date"`
	Status        Status         `json:"status" bson:"status"`
	AssigneeScore *ScoreSnapshot `json:"assigneeScore,omitempty" bson:"assignee_score,omitempty"`
	CreatorScore  *ScoreSnapshot `json:"creatorScore,omitempty" bson:"creator_score,omitempty"`
	Evidence      []string       `json:"evidence" bson:"evidence"`
}

// ScoreSnapshot is never edited in place; a new submission replaces it.
type ScoreSnapshot struct {
	Value               float64            `json:"value" bson:"value"`
	EnteredBy           primitive.ObjectID `json:"enteredBy" bson:"entered_by"`
	Notes               string             `json:"notes" bson:"notes"`
	SupportingDocuments []string           `json:"supportingDocuments" bson:"supporting_documents"`
	Timestamp           time.Time          `json:"timestamp" bson:"timestamp"`
}

// SameContent reports whether two snapshots carry the same submission,
// ignoring when it was entered.
func (s *ScoreSnapshot) SameContent(o *ScoreSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Value != o.Value || s.Notes != o.Notes || s.EnteredBy != o.EnteredBy {
		return false
	}
	if len(s.SupportingDocuments) != len(o.SupportingDocuments) {
		return false
	}
	seen := make(map[string]struct{}, len(s.SupportingDocuments))
	for _, d := range s.SupportingDocuments {
		seen[d] = struct{}{}
	}
	for _, d := range o.SupportingDocuments {
		if _, ok := seen[d]; !ok {
			return false
		}
	}
	return true
}

func (k *KPI) TemplateIndex(id primitive.ObjectID) int {
	for i := range k.Deliverables {
		if k.Deliverables[i].ID == id {
			return i
		}
	}
	return -1
}

func (k *KPI) IsCreator(userID primitive.ObjectID) bool {
	return !userID.IsZero() && k.CreatedBy == userID
}

// EffectiveStatus returns the viewer's own status, falling back to the global one.
func (k *KPI) EffectiveStatus(userID primitive.ObjectID) Status {
	if s, ok := k.UserSpecific.Statuses[userID.Hex()]; ok && s != "" {
		return s
	}
	return k.Status
}
