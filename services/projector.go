package services

import (
	"sort"
	"time"

	"kpitracker/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type summaryKey struct {
	deliverable primitive.ObjectID
	label       string
}

// BuildCallerResponse shapes kpi for viewedUserID. Scores, statuses and
// evidence come from the viewer's own state; recurring deliverables list the
// stored occurrences plus the current period. The KPI is not modified.
func BuildCallerResponse(kpi *models.KPI, viewedUserID primitive.ObjectID, discrepancies []models.Discrepancy, now time.Time) models.KPIView {
	summaries := summarizeDiscrepancies(kpi, viewedUserID, discrepancies)
	store := NewUserStateStore(kpi)

	view := models.KPIView{
		ID:            kpi.ID,
		Name:          kpi.Name,
		Description:   kpi.Description,
		Header:        kpi.Header,
		Departments:   nonNilIDs(kpi.Departments),
		AssignedUsers: nonNilIDs(kpi.AssignedUsers),
		AssignedRoles: append([]string{}, kpi.AssignedRoles...),
		CreatedBy:     kpi.CreatedBy,
		AcademicYear:  kpi.AcademicYear,
		Weight:        kpi.Weight,
		Status:        kpi.EffectiveStatus(viewedUserID),
		ViewedUserID:  viewedUserID,
		Deliverables:  make([]models.DeliverableView, 0, len(kpi.Deliverables)),
		CreatedAt:     kpi.Metadata.CreatedAt,
		UpdatedAt:     kpi.Metadata.UpdatedAt,
	}
	if kpi.IsCreator(viewedUserID) && len(kpi.UserSpecific.Statuses) > 0 {
		view.UserStatuses = make(map[string]models.Status, len(kpi.UserSpecific.Statuses))
		for id, s := range kpi.UserSpecific.Statuses {
			view.UserStatuses[id] = s
		}
	}

	for i, tpl := range kpi.Deliverables {
		st := seedState(tpl)
		if found := store.Find(viewedUserID, tpl.ID); found != nil {
			st = *found
		}

		dv := models.DeliverableView{
			ID:                tpl.ID,
			Index:             i,
			Title:             tpl.Title,
			Action:            tpl.Action,
			Indicator:         tpl.Indicator,
			PerformanceTarget: tpl.PerformanceTarget,
			Timeline:          tpl.Timeline,
			Priority:          tpl.Priority,
			IsRecurring:       tpl.IsRecurring,
			RecurrencePattern: tpl.RecurrencePattern,
			Weight:            tpl.Weight,
			Status:            st.Status,
			AssigneeScore:     cloneSnapshot(st.AssigneeScore),
			CreatorScore:      cloneSnapshot(st.CreatorScore),
			Evidence:          append([]string{}, st.Evidence...),
		}

		// Non-recurring deliverables always carry a summary object. Recurring
		// ones summarize per occurrence and only get a deliverable-level
		// summary when a record without an occurrence label exists.
		deliverableSummary, hasDeliverableSummary := summaries[summaryKey{deliverable: tpl.ID}]
		if !tpl.IsRecurring || hasDeliverableSummary {
			s := deliverableSummary
			dv.Discrepancy = &s
		}

		if tpl.IsRecurring {
			dv.Occurrences = projectOccurrences(tpl, st.Occurrences, now, func(label string) models.DiscrepancySummary {
				return summaries[summaryKey{deliverable: tpl.ID, label: label}]
			})
		}
		view.Deliverables = append(view.Deliverables, dv)
	}
	return view
}

// projectOccurrences unions stored occurrences with the current-period seed
// by label. Stored data wins on collision. Output is in label order, which is
// chronological within one pattern.
func projectOccurrences(tpl models.DeliverableTemplate, stored []models.UserDeliverableOccurrence, now time.Time, summary func(string) models.DiscrepancySummary) []models.OccurrenceView {
	byLabel := make(map[string]models.UserDeliverableOccurrence, len(stored)+1)
	for _, seed := range SeedOccurrences(tpl, now) {
		byLabel[seed.PeriodLabel] = seed
	}
	for _, occ := range stored {
		byLabel[occ.PeriodLabel] = occ
	}

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	out := make([]models.OccurrenceView, 0, len(labels))
	for _, label := range labels {
		occ := byLabel[label]
		status := occ.Status
		if status == "" {
			status = models.StatusPending
		}
		out = append(out, models.OccurrenceView{
			PeriodLabel:   label,
			DueDate:       occ.DueDate,
			Status:        status,
			AssigneeScore: cloneSnapshot(occ.AssigneeScore),
			CreatorScore:  cloneSnapshot(occ.CreatorScore),
			Evidence:      append([]string{}, occ.Evidence...),
			Discrepancy:   summary(label),
		})
	}
	return out
}

// summarizeDiscrepancies aggregates the viewer's discrepancy records by
// (deliverable id, occurrence label). Open records are counted; the most
// recently flagged record of any state is surfaced. Records of removed
// templates are dropped.
func summarizeDiscrepancies(kpi *models.KPI, assigneeID primitive.ObjectID, discrepancies []models.Discrepancy) map[summaryKey]models.DiscrepancySummary {
	out := make(map[summaryKey]models.DiscrepancySummary)
	for i := range discrepancies {
		d := &discrepancies[i]
		if d.KPIID != kpi.ID || d.AssigneeID != assigneeID {
			continue
		}
		idx := discrepancyTemplateIndex(kpi, d)
		if idx < 0 {
			continue
		}
		key := summaryKey{deliverable: kpi.Deliverables[idx].ID, label: d.OccurrenceLabel}
		s := out[key]
		if !d.Resolved {
			s.HasOpen = true
			s.OpenCount++
		}
		if s.LatestAt == nil || d.FlaggedAt.After(*s.LatestAt) {
			id := d.ID
			at := d.FlaggedAt
			s.LatestID = &id
			s.LatestAt = &at
		}
		out[key] = s
	}
	return out
}

func nonNilIDs(ids []primitive.ObjectID) []primitive.ObjectID {
	return append([]primitive.ObjectID{}, ids...)
}
