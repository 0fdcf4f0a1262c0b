package services

import (
	"time"

	"kpitracker/models"
	"kpitracker/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ApplyInput struct {
	Patches      []Patch
	CallerID     primitive.ObjectID
	IsCreator    bool
	ViewedUserID primitive.ObjectID
	Now          time.Time
}

// ScoreTarget identifies a deliverable or occurrence a creator score was
// written to. Unchanged writes are reported too so that a retried request
// re-evaluates discrepancies from stored state.
type ScoreTarget struct {
	DeliverableID    primitive.ObjectID
	DeliverableIndex int
	OccurrenceLabel  string
}

type ApplyResult struct {
	DeliverablesUpdated bool
	CreatorScoreTargets []ScoreTarget
}

// slot addresses the mutable fields shared by deliverable and occurrence state.
type slot struct {
	status   *models.Status
	assignee **models.ScoreSnapshot
	creator  **models.ScoreSnapshot
	evidence *[]string
}

func stateSlot(st *models.UserDeliverableState) slot {
	return slot{status: &st.Status, assignee: &st.AssigneeScore, creator: &st.CreatorScore, evidence: &st.Evidence}
}

func occurrenceSlot(occ *models.UserDeliverableOccurrence) slot {
	return slot{status: &occ.Status, assignee: &occ.AssigneeScore, creator: &occ.CreatorScore, evidence: &occ.Evidence}
}

// ApplyPatches writes patches into the viewed user's state. All patches are
// checked before the first mutation, so a rejected request changes nothing.
// Creator scores are attributed to the caller and mirrored into the KPI
// creator's own slice; assignee scores are attributed to the viewed user.
func ApplyPatches(kpi *models.KPI, in ApplyInput) (ApplyResult, error) {
	for _, p := range in.Patches {
		if kpi.TemplateIndex(p.DeliverableID) < 0 {
			return ApplyResult{}, utils.NewNotFoundError("deliverable %s not found in KPI", p.DeliverableID.Hex())
		}
		if (p.CreatorScore != nil || len(p.CreatorDocuments) > 0) && !in.IsCreator {
			return ApplyResult{}, utils.NewForbiddenError("only the KPI creator can submit a creator score")
		}
		if IsReviewStatus(p.Status) && !in.IsCreator {
			return ApplyResult{}, utils.NewForbiddenError("only the KPI creator can set status %q", p.Status)
		}
	}

	store := NewUserStateStore(kpi)
	var result ApplyResult

	for _, p := range in.Patches {
		idx := kpi.TemplateIndex(p.DeliverableID)
		tpl := kpi.Deliverables[idx]

		target, created, err := locateSlot(store, tpl, in.ViewedUserID, p, in.Now)
		if err != nil {
			return ApplyResult{}, err
		}
		changed := created

		if p.Status != "" && *target.status != p.Status {
			*target.status = p.Status
			changed = true
		}

		if p.AssigneeScore != nil {
			snap := buildSnapshot(p.AssigneeScore, *target.assignee, in.ViewedUserID, p.AssigneeDocuments, in.Now)
			if !snap.SameContent(*target.assignee) {
				*target.assignee = snap
				changed = true
			}
		} else if len(p.AssigneeDocuments) > 0 {
			changed = attachDocuments(target.assignee, target.evidence, p.AssigneeDocuments) || changed
		}

		if p.Status == "" && p.HasSavedAssignee && target.status.Rank() <= models.StatusInProgress.Rank() {
			*target.status = models.StatusSubmitted
			changed = true
		}

		creatorChanged := false
		if p.CreatorScore != nil {
			snap := buildSnapshot(p.CreatorScore, *target.creator, in.CallerID, p.CreatorDocuments, in.Now)
			if !snap.SameContent(*target.creator) {
				*target.creator = snap
				creatorChanged = true
			}
		} else if len(p.CreatorDocuments) > 0 {
			creatorChanged = attachDocuments(target.creator, target.evidence, p.CreatorDocuments)
		}

		if len(p.Evidence) > 0 {
			merged := unionStrings(*target.evidence, p.Evidence)
			if len(merged) != len(*target.evidence) {
				*target.evidence = merged
				changed = true
			}
		}

		if creatorChanged {
			changed = true
			if kpi.CreatedBy != in.ViewedUserID {
				mirror, _, err := locateSlot(store, tpl, kpi.CreatedBy, p, in.Now)
				if err != nil {
					return ApplyResult{}, err
				}
				*mirror.creator = cloneSnapshot(*target.creator)
			}
		}
		if p.CreatorScore != nil || len(p.CreatorDocuments) > 0 {
			result.CreatorScoreTargets = append(result.CreatorScoreTargets, ScoreTarget{
				DeliverableID:    tpl.ID,
				DeliverableIndex: idx,
				OccurrenceLabel:  p.OccurrenceLabel,
			})
		}

		if changed {
			result.DeliverablesUpdated = true
		}
	}
	return result, nil
}

// IsReviewStatus reports whether s is a reviewer's verdict rather than
// assignee progress.
func IsReviewStatus(s models.Status) bool {
	return s == models.StatusCompleted || s == models.StatusApproved || s == models.StatusRejected
}

// locateSlot finds or creates the state a patch addresses in userID's slice.
// created reports whether a new occurrence had to be added.
func locateSlot(store *UserStateStore, tpl models.DeliverableTemplate, userID primitive.ObjectID, p Patch, now time.Time) (slot, bool, error) {
	st := store.FindOrCreate(userID, tpl.ID)
	if st == nil {
		return slot{}, false, utils.NewNotFoundError("deliverable %s not found in KPI", tpl.ID.Hex())
	}
	if p.Scope != ScopeOccurrence {
		return stateSlot(st), false, nil
	}
	if occ := FindOccurrence(st, p.OccurrenceLabel); occ != nil {
		return occurrenceSlot(occ), false, nil
	}
	start, err := PeriodStart(tpl.RecurrencePattern, p.OccurrenceLabel, now.Location())
	if err != nil {
		return slot{}, false, utils.NewValidationError("%v", err)
	}
	_, due, _ := OccurrenceFor(tpl.RecurrencePattern, start)
	return occurrenceSlot(FindOrCreateOccurrence(st, p.OccurrenceLabel, due)), true, nil
}

// buildSnapshot turns score input into a complete snapshot attributed to
// enteredBy. Supporting documents default to the previous snapshot's when the
// input names none.
func buildSnapshot(in *models.ScoreInput, prev *models.ScoreSnapshot, enteredBy primitive.ObjectID, docs []string, now time.Time) *models.ScoreSnapshot {
	snap := &models.ScoreSnapshot{
		Value:     *in.Value,
		EnteredBy: enteredBy,
		Timestamp: now,
	}
	if in.Notes != nil {
		snap.Notes = *in.Notes
	}
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		snap.Timestamp = in.Timestamp.UTC().Truncate(time.Millisecond)
	}
	base := in.SupportingDocuments
	if base == nil && prev != nil {
		base = prev.SupportingDocuments
	}
	snap.SupportingDocuments = unionStrings(base, docs)
	return snap
}

// attachDocuments adds docs to an existing snapshot, replacing it with a copy.
// Without a snapshot the documents become plain evidence.
func attachDocuments(score **models.ScoreSnapshot, evidence *[]string, docs []string) bool {
	if *score == nil {
		merged := unionStrings(*evidence, docs)
		if len(merged) == len(*evidence) {
			return false
		}
		*evidence = merged
		return true
	}
	merged := unionStrings((*score).SupportingDocuments, docs)
	if len(merged) == len((*score).SupportingDocuments) {
		return false
	}
	next := cloneSnapshot(*score)
	next.SupportingDocuments = merged
	*score = next
	return true
}

func cloneSnapshot(s *models.ScoreSnapshot) *models.ScoreSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.SupportingDocuments = append([]string(nil), s.SupportingDocuments...)
	if c.SupportingDocuments == nil {
		c.SupportingDocuments = []string{}
	}
	return &c
}
