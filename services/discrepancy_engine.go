package services

import (
	"fmt"
	"strings"
	"time"

	"kpitracker/models"
	"kpitracker/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	// LowScoreThreshold flags any creator score below it.
	LowScoreThreshold = 60.0
	// GapThresholdPercent flags a creator score at least this far below the
	// assignee's self-score, relative to the self-score.
	GapThresholdPercent = 30.0
)

// FlagReason describes why a creator score diverges from the assignee score,
// or returns "" when the pair does not need review.
func FlagReason(assignee, creator float64) string {
	var reasons []string
	if creator < LowScoreThreshold {
		reasons = append(reasons, fmt.Sprintf("creator score %.1f is below %.0f", creator, LowScoreThreshold))
	}
	if assignee > 0 {
		gap := (assignee - creator) / assignee * 100
		if gap >= GapThresholdPercent {
			reasons = append(reasons, fmt.Sprintf("creator score %.1f is %.1f%% below assignee score %.1f", creator, gap, assignee))
		}
	}
	return strings.Join(reasons, "; ")
}

// DiscrepancyInput is the state of one deliverable or occurrence after a
// creator score was written to it.
type DiscrepancyInput struct {
	Key models.DiscrepancyKey
	// DeliverableIndex is the template's current position in the KPI.
	DeliverableIndex int
	CreatorID        primitive.ObjectID
	AssigneeScore    *models.ScoreSnapshot
	CreatorScore     *models.ScoreSnapshot
	Actor            primitive.ObjectID
	Now              time.Time
}

// EvaluateDiscrepancy runs the flag/auto-resolve state machine for one key.
// existing is the current record for the key, if any. It returns the record
// to persist and the history action appended, or (nil, "") when nothing
// changes. A resolved record is only reopened by a creator score other than
// the one it was resolved with, so evaluating the same state twice is a no-op.
func EvaluateDiscrepancy(existing *models.Discrepancy, in DiscrepancyInput) (*models.Discrepancy, string) {
	if in.CreatorScore == nil || in.AssigneeScore == nil {
		return nil, ""
	}

	reason := FlagReason(in.AssigneeScore.Value, in.CreatorScore.Value)
	if reason == "" {
		if existing == nil || existing.Resolved {
			return nil, ""
		}
		d := copyDiscrepancy(existing)
		d.Resolved = true
		d.ResolutionNotes = fmt.Sprintf("Automatically resolved: creator score %.1f no longer diverges from assignee score %.1f",
			in.CreatorScore.Value, in.AssigneeScore.Value)
		d.ResolvedScore = cloneSnapshot(in.CreatorScore)
		d.ResolvedBy = &in.Actor
		d.ResolvedAt = &in.Now
		d.UpdatedAt = in.Now
		d.AppendHistory(models.ActionAutoResolved, in.Actor, in.Now)
		return d, models.ActionAutoResolved
	}

	if existing == nil {
		d := &models.Discrepancy{
			ID:               primitive.NewObjectID(),
			KPIID:            in.Key.KPIID,
			DeliverableIndex: in.DeliverableIndex,
			DeliverableID:    in.Key.DeliverableID,
			AssigneeID:       in.Key.AssigneeID,
			OccurrenceLabel:  in.Key.OccurrenceLabel,
			CreatorID:        in.CreatorID,
			AssigneeScore:    cloneSnapshot(in.AssigneeScore),
			CreatorScore:     cloneSnapshot(in.CreatorScore),
			Reason:           reason,
			FlaggedAt:        in.Now,
			History:          []models.DiscrepancyEvent{},
			CreatedAt:        in.Now,
			UpdatedAt:        in.Now,
		}
		d.AppendHistory(models.ActionFlagged, in.Actor, in.Now)
		return d, models.ActionFlagged
	}

	if existing.Resolved && existing.ResolvedScore.SameContent(in.CreatorScore) {
		return nil, ""
	}

	d := copyDiscrepancy(existing)
	action := models.ActionUpdated
	if d.Resolved {
		action = models.ActionReFlagged
		d.Resolved = false
		d.ResolutionNotes = ""
		d.ResolvedScore = nil
		d.ResolvedBy = nil
		d.ResolvedAt = nil
	} else if d.AssigneeScore.SameContent(in.AssigneeScore) && d.CreatorScore.SameContent(in.CreatorScore) {
		return nil, ""
	}

	d.DeliverableIndex = in.DeliverableIndex
	d.AssigneeScore = cloneSnapshot(in.AssigneeScore)
	d.CreatorScore = cloneSnapshot(in.CreatorScore)
	d.Reason = reason
	d.FlaggedAt = in.Now
	d.UpdatedAt = in.Now
	d.AppendHistory(action, in.Actor, in.Now)
	return d, action
}

func copyDiscrepancy(src *models.Discrepancy) *models.Discrepancy {
	d := *src
	d.History = append([]models.DiscrepancyEvent(nil), src.History...)
	return &d
}

// ResolveDiscrepancy applies a creator's manual resolution and returns the
// new authoritative score snapshot.
func ResolveDiscrepancy(d *models.Discrepancy, resolver primitive.ObjectID, newScore float64, notes string, docs []string, now time.Time) (*models.ScoreSnapshot, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, utils.NewValidationError("resolutionNotes is required")
	}
	if newScore < 0 || newScore > 100 {
		return nil, utils.NewValidationError("newScore must be between 0 and 100")
	}

	snap := &models.ScoreSnapshot{
		Value:               newScore,
		EnteredBy:           resolver,
		Notes:               notes,
		SupportingDocuments: unionStrings(nil, docs),
		Timestamp:           now,
	}

	d.PreviousScore = cloneSnapshot(d.CreatorScore)
	d.ResolvedScore = snap
	d.CreatorScore = cloneSnapshot(snap)
	d.Resolved = true
	d.ResolutionNotes = notes
	d.ResolvedBy = &resolver
	d.ResolvedAt = &now
	d.UpdatedAt = now
	d.AppendHistory(models.ActionResolved, resolver, now)
	return snap, nil
}

// BookMeeting records a review meeting without touching resolution state.
func BookMeeting(d *models.Discrepancy, by primitive.ObjectID, notes string, at *time.Time, now time.Time) {
	when := now
	if at != nil && !at.IsZero() {
		when = at.UTC().Truncate(time.Millisecond)
	}
	d.Meeting = &models.Meeting{BookedBy: by, Timestamp: when, Notes: strings.TrimSpace(notes)}
	d.UpdatedAt = now
	d.AppendHistory(models.ActionMeetingBooked, by, now)
}

// WriteBackResolution copies a resolved score into the live state of both the
// assignee and the creator, promoting status to Completed unless Approved.
func WriteBackResolution(kpi *models.KPI, d *models.Discrepancy, snap *models.ScoreSnapshot) error {
	tpl, err := discrepancyTemplate(kpi, d)
	if err != nil {
		return err
	}

	store := NewUserStateStore(kpi)
	users := []primitive.ObjectID{d.AssigneeID}
	if kpi.CreatedBy != d.AssigneeID {
		users = append(users, kpi.CreatedBy)
	}
	for _, userID := range users {
		st := store.FindOrCreate(userID, tpl.ID)
		target := stateSlot(st)
		if d.OccurrenceLabel != "" {
			start, err := PeriodStart(tpl.RecurrencePattern, d.OccurrenceLabel, snap.Timestamp.Location())
			if err != nil {
				return utils.NewValidationError("%v", err)
			}
			_, due, _ := OccurrenceFor(tpl.RecurrencePattern, start)
			target = occurrenceSlot(FindOrCreateOccurrence(st, d.OccurrenceLabel, due))
		}
		*target.creator = cloneSnapshot(snap)
		if target.status.Rank() < models.StatusCompleted.Rank() {
			*target.status = models.StatusCompleted
		}
	}
	return nil
}

// discrepancyTemplate finds the template a discrepancy refers to by id. Only
// records written without a deliverable id fall back to the stored index.
func discrepancyTemplate(kpi *models.KPI, d *models.Discrepancy) (models.DeliverableTemplate, error) {
	if idx := discrepancyTemplateIndex(kpi, d); idx >= 0 {
		return kpi.Deliverables[idx], nil
	}
	return models.DeliverableTemplate{}, utils.NewNotFoundError("deliverable for discrepancy %s no longer exists", d.ID.Hex())
}

func discrepancyTemplateIndex(kpi *models.KPI, d *models.Discrepancy) int {
	if !d.DeliverableID.IsZero() {
		return kpi.TemplateIndex(d.DeliverableID)
	}
	if d.DeliverableIndex >= 0 && d.DeliverableIndex < len(kpi.Deliverables) {
		return d.DeliverableIndex
	}
	return -1
}
