package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	ScoreTypeAssignee = "assigneeScore"
	ScoreTypeCreator  = "creatorScore"
)

// ScoreInput accepts either a bare number ("80", 80) or a partial snapshot
// object ({"value": 80, "notes": "..."}).
type ScoreInput struct {
	Value               *float64
	Notes               *string
	EnteredBy           *primitive.ObjectID
	SupportingDocuments []string
	Timestamp           *time.Time
}

func (s *ScoreInput) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '{':
		var aux struct {
			Value               json.RawMessage     `json:"value"`
			Notes               *string             `json:"notes"`
			EnteredBy           *primitive.ObjectID `json:"enteredBy"`
			SupportingDocuments []string            `json:"supportingDocuments"`
			Timestamp           *time.Time          `json:"timestamp"`
		}
		if err := json.Unmarshal(trimmed, &aux); err != nil {
			return err
		}
		if len(aux.Value) > 0 && string(aux.Value) != "null" {
			v, err := parseScoreNumber(aux.Value)
			if err != nil {
				return err
			}
			s.Value = &v
		}
		s.Notes = aux.Notes
		s.EnteredBy = aux.EnteredBy
		s.SupportingDocuments = aux.SupportingDocuments
		s.Timestamp = aux.Timestamp
		return nil
	default:
		v, err := parseScoreNumber(trimmed)
		if err != nil {
			return err
		}
		s.Value = &v
		return nil
	}
}

func parseScoreNumber(raw []byte) (float64, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return 0, fmt.Errorf("score %q is not a number", str)
		}
		return v, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("score is not a number: %w", err)
	}
	return v, nil
}

type DeliverableUpdate struct {
	OccurrenceLabel  string      `json:"occurrenceLabel"`
	Status           Status      `json:"status" validate:"omitempty,kpistatus"`
	AssigneeScore    *ScoreInput `json:"assigneeScore"`
	CreatorScore     *ScoreInput `json:"creatorScore"`
	Evidence         []string    `json:"evidence"`
	HasSavedAssignee bool        `json:"hasSavedAssignee"`
}

type LegacyDeliverableUpdate struct {
	DeliverableID string `json:"deliverableId" validate:"required"`
	Scope         string `json:"scope" validate:"omitempty,oneof=deliverable occurrence"`
	DeliverableUpdate
	Occurrences []DeliverableUpdate `json:"occurrences" validate:"dive"`
}

// UpdateKPIRequest carries any of the accepted patch shapes: the targeted
// form (DeliverableID + Updates), the legacy batch form (Deliverables), or
// neither when the request only uploads files.
type UpdateKPIRequest struct {
	EvaluatedUserID string                    `json:"evaluatedUserId" validate:"omitempty,mongodb"`
	AssigneeID      string                    `json:"assigneeId" validate:"omitempty,mongodb"`
	ScoreType       string                    `json:"scoreType" validate:"omitempty,oneof=assigneeScore creatorScore"`
	DeliverableID   string                    `json:"deliverableId"`
	OccurrenceLabel string                    `json:"occurrenceLabel"`
	Updates         *DeliverableUpdate        `json:"updates"`
	Occurrences     []DeliverableUpdate       `json:"occurrences" validate:"dive"`
	Deliverables    []LegacyDeliverableUpdate `json:"deliverables" validate:"dive"`
	DeliverableIDs  []string                  `json:"deliverableIds"`
}

type DeliverableInput struct {
	ID                string            `json:"id" validate:"omitempty,mongodb"`
	Title             string            `json:"title" validate:"required"`
	Action            string            `json:"action"`
	Indicator         string            `json:"indicator"`
	PerformanceTarget string            `json:"performanceTarget"`
	Timeline          *time.Time        `json:"timeline" validate:"required_unless=IsRecurring true"`
	Priority          string            `json:"priority" validate:"omitempty,oneof=low medium high"`
	IsRecurring       bool              `json:"isRecurring"`
	RecurrencePattern RecurrencePattern `json:"recurrencePattern" validate:"required_if=IsRecurring true,omitempty,oneof=daily weekly monthly yearly"`
}

// KPIDefinitionRequest is used both to create a KPI and to replace its definition.
type KPIDefinitionRequest struct {
	Name          string             `json:"name" validate:"required"`
	Description   string             `json:"description"`
	Header        string             `json:"header" validate:"omitempty,mongodb"`
	Departments   []string           `json:"departments" validate:"dive,mongodb"`
	AssignedUsers []string           `json:"assignedUsers" validate:"dive,mongodb"`
	AssignedRoles []string           `json:"assignedRoles" validate:"dive,required"`
	Deliverables  []DeliverableInput `json:"deliverables" validate:"required,min=1,dive"`
	AcademicYear  string             `json:"academicYear" validate:"omitempty,len=9"`
	Status        Status             `json:"status" validate:"omitempty,kpistatus"`
}

type StatusUpdateRequest struct {
	Status Status `json:"status" validate:"required,kpistatus"`
	UserID string `json:"userId" validate:"omitempty,mongodb"`
}

type BookMeetingRequest struct {
	Notes     string     `json:"notes" validate:"max=2000"`
	Timestamp *time.Time `json:"timestamp"`
}

type ResolveDiscrepancyRequest struct {
	ResolutionNotes string   `json:"resolutionNotes" validate:"required"`
	NewScore        *float64 `json:"newScore" validate:"required,min=0,max=100"`
}
