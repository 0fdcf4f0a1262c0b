package services

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"kpitracker/models"
	"kpitracker/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type PatchScope string

const (
	ScopeDeliverable PatchScope = "deliverable"
	ScopeOccurrence  PatchScope = "occurrence"
)

// Patch is one atomic change against a deliverable, or one occurrence of it,
// in a single user's view. Every accepted request shape is reduced to Patches
// before anything is mutated.
type Patch struct {
	DeliverableID     primitive.ObjectID
	Scope             PatchScope
	OccurrenceLabel   string
	Status            models.Status
	AssigneeScore     *models.ScoreInput
	CreatorScore      *models.ScoreInput
	Evidence          []string
	AssigneeDocuments []string
	CreatorDocuments  []string
	HasSavedAssignee  bool

	fileEvidence []string
}

type patchKey struct {
	deliverableID primitive.ObjectID
	scope         PatchScope
	label         string
}

func (p *Patch) key() patchKey {
	return patchKey{deliverableID: p.DeliverableID, scope: p.Scope, label: p.OccurrenceLabel}
}

// EvidenceTarget is where an uploaded file belongs.
type EvidenceTarget struct {
	DeliverableID   primitive.ObjectID
	OccurrenceLabel string
	OriginalName    string
}

// UploadedEvidence is a stored file ready to be referenced by a patch.
type UploadedEvidence struct {
	Target EvidenceTarget
	URL    string
}

var (
	objectIDFilename = regexp.MustCompile(`^([0-9a-fA-F]{24})(?:[@_](\d{4}-\d{2}-\d{2}))?-(.+)$`)
	indexFilename    = regexp.MustCompile(`^(\d+)(?:[@_](\d{4}-\d{2}-\d{2}))?-(.+)$`)
)

// ResolveViewedUser picks whose view a request patches: evaluatedUserId, then
// assigneeId, then the caller.
func ResolveViewedUser(req *models.UpdateKPIRequest, callerID primitive.ObjectID) (primitive.ObjectID, error) {
	for _, raw := range []string{req.EvaluatedUserID, req.AssigneeID} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			return primitive.NilObjectID, utils.NewValidationError("invalid user id %q", raw)
		}
		return id, nil
	}
	return callerID, nil
}

// ResolveEvidenceTarget works out which deliverable (and occurrence) an
// uploaded file belongs to. Filenames may encode it as
// <deliverableId>[@|_<YYYY-MM-DD>]-<name> or, for older clients,
// <index>[@|_<YYYY-MM-DD>]-<name> with the index pointing into
// req.DeliverableIDs. Otherwise the request's own deliverableId is used.
func ResolveEvidenceTarget(kpi *models.KPI, req *models.UpdateKPIRequest, filename string, loc *time.Location) (EvidenceTarget, error) {
	var (
		rawID   string
		rawDate string
		name    = filename
	)

	if m := objectIDFilename.FindStringSubmatch(filename); m != nil {
		rawID, rawDate, name = m[1], m[2], m[3]
	} else if m := indexFilename.FindStringSubmatch(filename); m != nil && len(req.DeliverableIDs) > 0 {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 0 || idx >= len(req.DeliverableIDs) {
			return EvidenceTarget{}, utils.NewValidationError("file %q refers to deliverable index %s which is out of range", filename, m[1])
		}
		rawID, rawDate, name = req.DeliverableIDs[idx], m[2], m[3]
	} else if req.DeliverableID != "" {
		rawID = req.DeliverableID
	} else {
		return EvidenceTarget{}, utils.NewValidationError("cannot determine the deliverable for file %q", filename)
	}

	tpl, err := lookupTemplate(kpi, rawID)
	if err != nil {
		return EvidenceTarget{}, err
	}
	target := EvidenceTarget{DeliverableID: tpl.ID, OriginalName: name}

	switch {
	case rawDate != "" && tpl.IsRecurring:
		day, err := time.ParseInLocation("2006-01-02", rawDate, loc)
		if err != nil {
			return EvidenceTarget{}, utils.NewValidationError("file %q has an invalid date", filename)
		}
		target.OccurrenceLabel, _, _ = OccurrenceFor(tpl.RecurrencePattern, day)
	case rawDate == "" && req.DeliverableID != "" && sameHex(req.DeliverableID, tpl.ID):
		target.OccurrenceLabel = strings.TrimSpace(req.OccurrenceLabel)
	}
	return target, nil
}

// ParsePatches reduces a request and its uploaded files to de-duplicated
// patches. now must be in the location used for period labels.
func ParsePatches(kpi *models.KPI, req *models.UpdateKPIRequest, files []UploadedEvidence, now time.Time) ([]Patch, error) {
	var raw []Patch

	if id := strings.TrimSpace(req.DeliverableID); id != "" {
		if req.Updates != nil {
			label := firstNonEmpty(req.OccurrenceLabel, req.Updates.OccurrenceLabel)
			p, err := patchFromUpdate(kpi, id, "", label, req.Updates, now)
			if err != nil {
				return nil, err
			}
			raw = append(raw, p)
		}
		for i := range req.Occurrences {
			occ := &req.Occurrences[i]
			label := firstNonEmpty(occ.OccurrenceLabel, req.OccurrenceLabel)
			p, err := patchFromUpdate(kpi, id, ScopeOccurrence, label, occ, now)
			if err != nil {
				return nil, err
			}
			raw = append(raw, p)
		}
	}

	for i := range req.Deliverables {
		entry := &req.Deliverables[i]
		if hasFields(&entry.DeliverableUpdate) || len(entry.Occurrences) == 0 {
			p, err := patchFromUpdate(kpi, entry.DeliverableID, PatchScope(entry.Scope), entry.OccurrenceLabel, &entry.DeliverableUpdate, now)
			if err != nil {
				return nil, err
			}
			raw = append(raw, p)
		}
		for j := range entry.Occurrences {
			occ := &entry.Occurrences[j]
			label := firstNonEmpty(occ.OccurrenceLabel, entry.OccurrenceLabel)
			p, err := patchFromUpdate(kpi, entry.DeliverableID, ScopeOccurrence, label, occ, now)
			if err != nil {
				return nil, err
			}
			raw = append(raw, p)
		}
	}

	for _, f := range files {
		p, err := newPatch(kpi, f.Target.DeliverableID.Hex(), "", f.Target.OccurrenceLabel, now)
		if err != nil {
			return nil, err
		}
		p.fileEvidence = []string{f.URL}
		raw = append(raw, p)
	}

	merged := mergePatches(raw)
	for i := range merged {
		routeFileEvidence(&merged[i], req.ScoreType)
	}
	return merged, nil
}

func patchFromUpdate(kpi *models.KPI, rawID string, scope PatchScope, label string, u *models.DeliverableUpdate, now time.Time) (Patch, error) {
	p, err := newPatch(kpi, rawID, scope, label, now)
	if err != nil {
		return Patch{}, err
	}
	if u.Status != "" {
		if !u.Status.Valid() {
			return Patch{}, utils.NewValidationError("invalid status %q", u.Status)
		}
		p.Status = u.Status
	}
	for _, s := range []*models.ScoreInput{u.AssigneeScore, u.CreatorScore} {
		if s == nil {
			continue
		}
		if s.Value == nil {
			return Patch{}, utils.NewValidationError("score for deliverable %s has no value", rawID)
		}
		if *s.Value < 0 || *s.Value > 100 {
			return Patch{}, utils.NewValidationError("score %v for deliverable %s is outside 0-100", *s.Value, rawID)
		}
	}
	p.AssigneeScore = u.AssigneeScore
	p.CreatorScore = u.CreatorScore
	p.Evidence = unionStrings(nil, u.Evidence)
	p.HasSavedAssignee = u.HasSavedAssignee || u.AssigneeScore != nil
	return p, nil
}

// newPatch validates the target and fixes scope and label. An occurrence
// scope without a label targets the current period.
func newPatch(kpi *models.KPI, rawID string, scope PatchScope, label string, now time.Time) (Patch, error) {
	tpl, err := lookupTemplate(kpi, rawID)
	if err != nil {
		return Patch{}, err
	}
	label = strings.TrimSpace(label)

	switch scope {
	case "":
		if label != "" {
			scope = ScopeOccurrence
		} else {
			scope = ScopeDeliverable
		}
	case ScopeDeliverable, ScopeOccurrence:
	default:
		return Patch{}, utils.NewValidationError("invalid scope %q", scope)
	}

	if scope == ScopeDeliverable {
		return Patch{DeliverableID: tpl.ID, Scope: ScopeDeliverable}, nil
	}

	if !tpl.IsRecurring {
		return Patch{}, utils.NewValidationError("deliverable %s is not recurring and has no occurrences", tpl.ID.Hex())
	}
	if label == "" {
		current, _, ok := OccurrenceFor(tpl.RecurrencePattern, now)
		if !ok {
			return Patch{}, utils.NewValidationError("deliverable %s has no usable recurrence pattern", tpl.ID.Hex())
		}
		label = current
	} else if _, err := PeriodStart(tpl.RecurrencePattern, label, now.Location()); err != nil {
		return Patch{}, utils.NewValidationError("%v", err)
	}
	return Patch{DeliverableID: tpl.ID, Scope: ScopeOccurrence, OccurrenceLabel: label}, nil
}

// mergePatches collapses patches with the same target. Later scalar fields
// win; evidence lists are unioned. First-seen order is kept.
func mergePatches(raw []Patch) []Patch {
	index := make(map[patchKey]int, len(raw))
	out := make([]Patch, 0, len(raw))
	for _, p := range raw {
		i, ok := index[p.key()]
		if !ok {
			index[p.key()] = len(out)
			out = append(out, p)
			continue
		}
		dst := &out[i]
		if p.Status != "" {
			dst.Status = p.Status
		}
		if p.AssigneeScore != nil {
			dst.AssigneeScore = p.AssigneeScore
		}
		if p.CreatorScore != nil {
			dst.CreatorScore = p.CreatorScore
		}
		dst.HasSavedAssignee = dst.HasSavedAssignee || p.HasSavedAssignee
		dst.Evidence = unionStrings(dst.Evidence, p.Evidence)
		dst.fileEvidence = unionStrings(dst.fileEvidence, p.fileEvidence)
	}
	return out
}

// routeFileEvidence attaches uploaded files to a score's supporting documents
// when the request says which score they back (or the patch carries exactly
// one score); otherwise they are plain evidence.
func routeFileEvidence(p *Patch, scoreType string) {
	if len(p.fileEvidence) == 0 {
		return
	}
	if scoreType == "" {
		switch {
		case p.AssigneeScore != nil && p.CreatorScore == nil:
			scoreType = models.ScoreTypeAssignee
		case p.CreatorScore != nil && p.AssigneeScore == nil:
			scoreType = models.ScoreTypeCreator
		}
	}
	switch scoreType {
	case models.ScoreTypeAssignee:
		p.AssigneeDocuments = unionStrings(p.AssigneeDocuments, p.fileEvidence)
	case models.ScoreTypeCreator:
		p.CreatorDocuments = unionStrings(p.CreatorDocuments, p.fileEvidence)
	default:
		p.Evidence = unionStrings(p.Evidence, p.fileEvidence)
	}
	p.fileEvidence = nil
}

func lookupTemplate(kpi *models.KPI, rawID string) (*models.DeliverableTemplate, error) {
	id, err := primitive.ObjectIDFromHex(strings.TrimSpace(rawID))
	if err != nil {
		return nil, utils.NewValidationError("invalid deliverable id %q", rawID)
	}
	idx := kpi.TemplateIndex(id)
	if idx < 0 {
		return nil, utils.NewNotFoundError("deliverable %s not found in KPI", rawID)
	}
	return &kpi.Deliverables[idx], nil
}

func hasFields(u *models.DeliverableUpdate) bool {
	return u.Status != "" || u.AssigneeScore != nil || u.CreatorScore != nil || len(u.Evidence) > 0 || u.HasSavedAssignee
}

func sameHex(raw string, id primitive.ObjectID) bool {
	return strings.EqualFold(strings.TrimSpace(raw), id.Hex())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// unionStrings appends the members of add missing from base, skipping blanks.
func unionStrings(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
