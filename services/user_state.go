package services

import (
	"time"

	"kpitracker/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UserStateStore is the per-viewer view over a KPI's userSpecific data. It is
// the only code that creates or looks up per-user deliverable state.
type UserStateStore struct {
	kpi *models.KPI
}

func NewUserStateStore(kpi *models.KPI) *UserStateStore {
	return &UserStateStore{kpi: kpi}
}

// Normalize brings userSpecific in line with the current templates: maps are
// allocated, states for removed templates are dropped, and every user that
// already has a slice gets seeded entries for templates it lacks.
// It reports whether anything changed.
func (s *UserStateStore) Normalize() bool {
	k := s.kpi
	changed := false
	if k.UserSpecific.Statuses == nil {
		k.UserSpecific.Statuses = make(models.UserMap[models.Status])
	}
	if k.UserSpecific.Deliverables == nil {
		k.UserSpecific.Deliverables = make(models.UserMap[[]models.UserDeliverableState])
	}

	for userID, states := range k.UserSpecific.Deliverables {
		byID := make(map[primitive.ObjectID]models.UserDeliverableState, len(states))
		for _, st := range states {
			if _, dup := byID[st.DeliverableID]; dup {
				changed = true
				continue
			}
			byID[st.DeliverableID] = st
		}

		normalized := make([]models.UserDeliverableState, 0, len(k.Deliverables))
		for _, tpl := range k.Deliverables {
			st, ok := byID[tpl.ID]
			if !ok {
				st = seedState(tpl)
				changed = true
			}
			if st.Status == "" {
				st.Status = models.StatusPending
				changed = true
			}
			if st.Evidence == nil {
				st.Evidence = []string{}
			}
			if st.Occurrences == nil {
				st.Occurrences = []models.UserDeliverableOccurrence{}
			}
			normalized = append(normalized, st)
		}
		if len(normalized) != len(states) {
			changed = true
		}
		k.UserSpecific.Deliverables[userID] = normalized
	}
	return changed
}

// GetOrSeed returns the user's state slice, creating it from the current
// templates when the user has none yet.
func (s *UserStateStore) GetOrSeed(userID primitive.ObjectID) []models.UserDeliverableState {
	key := userID.Hex()
	if states, ok := s.kpi.UserSpecific.Deliverables[key]; ok {
		return states
	}
	if s.kpi.UserSpecific.Deliverables == nil {
		s.kpi.UserSpecific.Deliverables = make(models.UserMap[[]models.UserDeliverableState])
	}
	states := make([]models.UserDeliverableState, 0, len(s.kpi.Deliverables))
	for _, tpl := range s.kpi.Deliverables {
		states = append(states, seedState(tpl))
	}
	s.kpi.UserSpecific.Deliverables[key] = states
	return states
}

// Find returns the user's state for deliverableID without creating anything.
func (s *UserStateStore) Find(userID, deliverableID primitive.ObjectID) *models.UserDeliverableState {
	states, ok := s.kpi.UserSpecific.Deliverables[userID.Hex()]
	if !ok {
		return nil
	}
	for i := range states {
		if states[i].DeliverableID == deliverableID {
			return &states[i]
		}
	}
	return nil
}

// FindOrCreate returns the user's state for deliverableID, seeding the user's
// slice or the single entry when missing. It returns nil when the KPI has no
// such template.
func (s *UserStateStore) FindOrCreate(userID, deliverableID primitive.ObjectID) *models.UserDeliverableState {
	idx := s.kpi.TemplateIndex(deliverableID)
	if idx < 0 {
		return nil
	}
	s.GetOrSeed(userID)
	if st := s.Find(userID, deliverableID); st != nil {
		return st
	}
	key := userID.Hex()
	s.kpi.UserSpecific.Deliverables[key] = append(s.kpi.UserSpecific.Deliverables[key], seedState(s.kpi.Deliverables[idx]))
	return s.Find(userID, deliverableID)
}

func FindOccurrence(st *models.UserDeliverableState, label string) *models.UserDeliverableOccurrence {
	for i := range st.Occurrences {
		if st.Occurrences[i].PeriodLabel == label {
			return &st.Occurrences[i]
		}
	}
	return nil
}

// FindOrCreateOccurrence returns the occurrence labelled label, appending a
// pending one with the given due date when missing.
func FindOrCreateOccurrence(st *models.UserDeliverableState, label string, due time.Time) *models.UserDeliverableOccurrence {
	if occ := FindOccurrence(st, label); occ != nil {
		return occ
	}
	st.Occurrences = append(st.Occurrences, models.UserDeliverableOccurrence{
		PeriodLabel: label,
		DueDate:     due,
		Status:      models.StatusPending,
		Evidence:    []string{},
	})
	return &st.Occurrences[len(st.Occurrences)-1]
}

func seedState(tpl models.DeliverableTemplate) models.UserDeliverableState {
	return models.UserDeliverableState{
		DeliverableID: tpl.ID,
		Status:        models.StatusPending,
		Evidence:      []string{},
		Occurrences:   []models.UserDeliverableOccurrence{},
	}
}
