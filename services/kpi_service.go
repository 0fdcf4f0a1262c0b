package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"kpitracker/models"
	repository "kpitracker/repositories"
	"kpitracker/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type KPIService interface {
	CreateKPI(ctx context.Context, caller models.Caller, req *models.KPIDefinitionRequest) (*models.KPIView, error)
	GetKPI(ctx context.Context, caller models.Caller, id primitive.ObjectID, viewedUser string) (*models.KPIView, error)
	ListKPIs(ctx context.Context, caller models.Caller) ([]models.KPIView, error)
	GetUserKPIs(ctx context.Context, caller models.Caller, userID primitive.ObjectID) ([]models.KPIView, error)
	UpdateKPIDefinition(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.KPIDefinitionRequest) (*models.KPIView, error)
	DeleteKPI(ctx context.Context, caller models.Caller, id primitive.ObjectID) error

	SubmitUpdates(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.UpdateKPIRequest, files []EvidenceUpload) (*models.KPIView, error)
	UpdateStatus(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.StatusUpdateRequest) (*models.KPIView, error)
	UploadEvidence(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.UpdateKPIRequest, files []EvidenceUpload) (*models.KPIView, error)
	OpenEvidence(ctx context.Context, fileID primitive.ObjectID) (io.ReadCloser, *repository.StoredFile, error)
}

type kpiService struct {
	deps Dependencies
}

func NewKPIService(deps Dependencies) KPIService {
	deps.defaults()
	return &kpiService{deps: deps}
}

func (s *kpiService) CreateKPI(ctx context.Context, caller models.Caller, req *models.KPIDefinitionRequest) (*models.KPIView, error) {
	now := s.deps.Clock()

	kpi := &models.KPI{
		ID:        primitive.NewObjectID(),
		CreatedBy: caller.ID,
		Status:    models.StatusPending,
		Metadata: models.Metadata{
			UpdatedBy: caller.ID,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	if err := s.applyDefinition(ctx, caller, kpi, req); err != nil {
		return nil, err
	}
	if kpi.AcademicYear == "" {
		kpi.AcademicYear = AcademicYearFor(now, s.deps.AcademicYearStartMonth)
	}
	NewUserStateStore(kpi).Normalize()

	if err := s.deps.KPIs.Create(ctx, kpi); err != nil {
		return nil, utils.NewInternalError(err)
	}
	s.deps.Log.Info("KPI created", "kpi_id", kpi.ID.Hex(), "created_by", caller.ID.Hex(), "academic_year", kpi.AcademicYear)

	if err := s.deps.recomputeWeights(ctx, kpi.AcademicYear); err != nil {
		return nil, err
	}
	return s.GetKPI(ctx, caller, kpi.ID, "")
}

// applyDefinition validates targeting against the caller's authority and
// copies the definition onto kpi. Existing template ids are preserved when
// the request repeats them.
func (s *kpiService) applyDefinition(ctx context.Context, caller models.Caller, kpi *models.KPI, req *models.KPIDefinitionRequest) error {
	departments, err := parseObjectIDs(req.Departments, "department id")
	if err != nil {
		return err
	}
	users, err := parseObjectIDs(req.AssignedUsers, "user id")
	if err != nil {
		return err
	}
	var header primitive.ObjectID
	if req.Header != "" {
		if header, err = parseObjectID(req.Header, "header id"); err != nil {
			return err
		}
	}

	if err := s.checkDepartments(ctx, caller, departments); err != nil {
		return err
	}
	for _, role := range req.AssignedRoles {
		if !s.deps.Roles.CanAssignTo(caller.Role, role) {
			return utils.NewForbiddenError("role %q cannot assign KPIs to role %q", caller.Role, role)
		}
	}
	if err := s.checkUsers(ctx, caller, users); err != nil {
		return err
	}

	templates := make([]models.DeliverableTemplate, 0, len(req.Deliverables))
	seen := make(map[primitive.ObjectID]struct{}, len(req.Deliverables))
	for _, in := range req.Deliverables {
		tpl := models.DeliverableTemplate{
			ID:                primitive.NewObjectID(),
			Title:             strings.TrimSpace(in.Title),
			Action:            in.Action,
			Indicator:         in.Indicator,
			PerformanceTarget: in.PerformanceTarget,
			Timeline:          in.Timeline,
			Priority:          in.Priority,
			IsRecurring:       in.IsRecurring,
			RecurrencePattern: in.RecurrencePattern,
		}
		if in.ID != "" {
			id, err := parseObjectID(in.ID, "deliverable id")
			if err != nil {
				return err
			}
			if kpi.TemplateIndex(id) < 0 {
				return utils.NewNotFoundError("deliverable %s not found in KPI", in.ID)
			}
			if _, dup := seen[id]; dup {
				return utils.NewValidationError("deliverable %s listed twice", in.ID)
			}
			tpl.ID = id
			tpl.Weight = kpi.Deliverables[kpi.TemplateIndex(id)].Weight
		}
		if !tpl.IsRecurring {
			tpl.RecurrencePattern = ""
		}
		if tpl.Priority == "" {
			tpl.Priority = "medium"
		}
		seen[tpl.ID] = struct{}{}
		templates = append(templates, tpl)
	}

	kpi.Name = strings.TrimSpace(req.Name)
	kpi.Description = req.Description
	kpi.Header = header
	kpi.Departments = departments
	kpi.AssignedUsers = users
	kpi.AssignedRoles = append([]string{}, req.AssignedRoles...)
	kpi.Deliverables = templates
	if req.AcademicYear != "" {
		kpi.AcademicYear = req.AcademicYear
	}
	if req.Status != "" {
		kpi.Status = req.Status
	}
	return nil
}

func (s *kpiService) checkDepartments(ctx context.Context, caller models.Caller, ids []primitive.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	existing, err := s.deps.Departments.ExistingIDs(ctx, ids)
	if err != nil {
		return utils.NewInternalError(err)
	}
	for _, id := range ids {
		if !slices.Contains(existing, id) {
			return utils.NewNotFoundError("department %s not found", id.Hex())
		}
	}
	if s.deps.privileged(caller) {
		return nil
	}

	accessible, err := s.deps.Departments.AccessibleIDs(ctx, caller.ID, caller.DepartmentID)
	if err != nil {
		return utils.NewInternalError(err)
	}
	for _, id := range ids {
		if !slices.Contains(accessible, id) {
			return utils.NewForbiddenError("department %s is outside your scope", id.Hex())
		}
	}
	return nil
}

func (s *kpiService) checkUsers(ctx context.Context, caller models.Caller, ids []primitive.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.deps.Users.GetByIDs(ctx, ids)
	if err != nil {
		return utils.NewInternalError(err)
	}
	byID := make(map[primitive.ObjectID]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			return utils.NewNotFoundError("user %s not found", id.Hex())
		}
		if id != caller.ID && !s.deps.Roles.CanAssignTo(caller.Role, u.Role) {
			return utils.NewForbiddenError("role %q cannot assign KPIs to %s (%s)", caller.Role, u.Name, u.Role)
		}
	}
	return nil
}

func (s *kpiService) GetKPI(ctx context.Context, caller models.Caller, id primitive.ObjectID, viewedUser string) (*models.KPIView, error) {
	viewedID := caller.ID
	if strings.TrimSpace(viewedUser) != "" {
		var err error
		if viewedID, err = parseObjectID(viewedUser, "user id"); err != nil {
			return nil, err
		}
	}

	kpi, err := s.deps.KPIs.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "KPI %s", id.Hex())
	}
	if err := s.authorizeView(kpi, caller, viewedID); err != nil {
		return nil, err
	}
	NewUserStateStore(kpi).Normalize()
	return s.project(ctx, kpi, viewedID)
}

func (s *kpiService) ListKPIs(ctx context.Context, caller models.Caller) ([]models.KPIView, error) {
	filter := repository.KPIFilter{All: s.deps.Roles.IsSuperAdmin(caller.Role)}
	if !filter.All {
		filter = scopeFilter(caller.ID, caller.Role, caller.DepartmentID)
	}
	kpis, err := s.deps.KPIs.List(ctx, filter)
	if err != nil {
		return nil, utils.NewInternalError(err)
	}
	return s.projectAll(ctx, kpis, caller.ID)
}

// GetUserKPIs lists the KPIs targeting userID as that user sees them. Callers
// other than the user and privileged roles only see KPIs they created.
func (s *kpiService) GetUserKPIs(ctx context.Context, caller models.Caller, userID primitive.ObjectID) ([]models.KPIView, error) {
	if userID == caller.ID {
		return s.ListKPIs(ctx, caller)
	}
	user, err := s.deps.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, mapRepoError(err, "user %s", userID.Hex())
	}

	var dept primitive.ObjectID
	if user.DepartmentID != nil {
		dept = *user.DepartmentID
	}
	filter := scopeFilter(user.ID, user.Role, dept)
	if !s.deps.privileged(caller) {
		filter.CreatedBy = caller.ID
	}

	kpis, err := s.deps.KPIs.List(ctx, filter)
	if err != nil {
		return nil, utils.NewInternalError(err)
	}
	return s.projectAll(ctx, kpis, userID)
}

func scopeFilter(userID primitive.ObjectID, role string, department primitive.ObjectID) repository.KPIFilter {
	filter := repository.KPIFilter{UserID: userID, Role: role}
	if !department.IsZero() {
		filter.DepartmentIDs = []primitive.ObjectID{department}
	}
	return filter
}

func (s *kpiService) UpdateKPIDefinition(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.KPIDefinitionRequest) (*models.KPIView, error) {
	var previousYear string
	kpi, err := s.deps.updateKPI(ctx, id, primitive.NilObjectID, func(ctx context.Context, kpi *models.KPI) (bool, []*models.Discrepancy, error) {
		if !s.deps.actsAsCreator(kpi, caller) {
			return false, nil, utils.NewForbiddenError("only the KPI creator can change its definition")
		}
		previousYear = kpi.AcademicYear
		if err := s.applyDefinition(ctx, caller, kpi, req); err != nil {
			return false, nil, err
		}
		NewUserStateStore(kpi).Normalize()
		kpi.Metadata.UpdatedBy = caller.ID
		kpi.Metadata.UpdatedAt = s.deps.Clock()
		return true, nil, nil
	})
	if err != nil {
		return nil, err
	}

	for i, tpl := range kpi.Deliverables {
		if err := s.deps.Discrepancies.MoveDeliverable(ctx, kpi.ID, tpl.ID, i); err != nil {
			return nil, utils.NewInternalError(fmt.Errorf("failed to reindex discrepancies of KPI %s: %w", kpi.ID.Hex(), err))
		}
	}

	for _, year := range []string{previousYear, kpi.AcademicYear} {
		if err := s.deps.recomputeWeights(ctx, year); err != nil {
			return nil, err
		}
		if previousYear == kpi.AcademicYear {
			break
		}
	}
	return s.GetKPI(ctx, caller, id, "")
}

func (s *kpiService) DeleteKPI(ctx context.Context, caller models.Caller, id primitive.ObjectID) error {
	kpi, err := s.deps.KPIs.GetByID(ctx, id)
	if err != nil {
		return mapRepoError(err, "KPI %s", id.Hex())
	}
	if !s.deps.actsAsCreator(kpi, caller) {
		return utils.NewForbiddenError("only the KPI creator can delete it")
	}
	if err := s.deps.KPIs.SoftDelete(ctx, id, caller.ID); err != nil {
		return mapRepoError(err, "KPI %s", id.Hex())
	}
	s.deps.Log.Info("KPI deleted", "kpi_id", id.Hex(), "deleted_by", caller.ID.Hex())
	return s.deps.recomputeWeights(ctx, kpi.AcademicYear)
}

// SubmitUpdates patches one user's view of a KPI. Files are stored before the
// KPI is locked; if anything fails afterwards they are deleted again, so a
// request either lands completely or leaves no trace.
func (s *kpiService) SubmitUpdates(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.UpdateKPIRequest, files []EvidenceUpload) (*models.KPIView, error) {
	viewedID, err := ResolveViewedUser(req, caller.ID)
	if err != nil {
		return nil, err
	}

	kpi, err := s.deps.KPIs.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "KPI %s", id.Hex())
	}
	if err := s.authorizeWrite(kpi, caller, viewedID); err != nil {
		return nil, err
	}

	uploaded, fileIDs, err := s.storeRequestFiles(ctx, kpi, caller, req, files)
	if err != nil {
		return nil, err
	}

	saved, err := s.deps.updateKPI(ctx, id, viewedID, func(ctx context.Context, kpi *models.KPI) (bool, []*models.Discrepancy, error) {
		now := s.deps.Clock()
		patches, err := ParsePatches(kpi, req, uploaded, now)
		if err != nil {
			return false, nil, err
		}
		result, err := ApplyPatches(kpi, ApplyInput{
			Patches:      patches,
			CallerID:     caller.ID,
			IsCreator:    s.deps.actsAsCreator(kpi, caller),
			ViewedUserID: viewedID,
			Now:          now,
		})
		if err != nil {
			return false, nil, err
		}

		records, err := s.evaluateTargets(ctx, kpi, viewedID, caller.ID, result.CreatorScoreTargets, now)
		if err != nil || !result.DeliverablesUpdated {
			return false, records, err
		}
		kpi.Metadata.UpdatedBy = caller.ID
		kpi.Metadata.UpdatedAt = now
		return true, records, nil
	})
	if err != nil {
		s.deps.discardEvidence(ctx, fileIDs)
		return nil, err
	}
	return s.project(ctx, saved, viewedID)
}

// storeRequestFiles resolves each file's target against kpi and stores it.
func (s *kpiService) storeRequestFiles(ctx context.Context, kpi *models.KPI, caller models.Caller, req *models.UpdateKPIRequest, files []EvidenceUpload) ([]UploadedEvidence, []primitive.ObjectID, error) {
	if len(files) == 0 {
		return nil, nil, nil
	}
	loc := s.deps.Clock().Location()
	targets := make([]EvidenceTarget, len(files))
	names := make([]string, len(files))
	for i, f := range files {
		target, err := ResolveEvidenceTarget(kpi, req, f.Filename, loc)
		if err != nil {
			return nil, nil, err
		}
		targets[i] = target
		names[i] = target.OriginalName
	}

	ids, err := s.deps.storeEvidence(ctx, caller.ID, files, names)
	if err != nil {
		return nil, nil, err
	}
	uploaded := make([]UploadedEvidence, len(ids))
	for i, fileID := range ids {
		uploaded[i] = UploadedEvidence{Target: targets[i], URL: EvidenceURL(fileID)}
	}
	return uploaded, ids, nil
}

// evaluateTargets reconciles the discrepancy record of every target whose
// creator score changed in assigneeID's view.
func (s *kpiService) evaluateTargets(ctx context.Context, kpi *models.KPI, assigneeID, actor primitive.ObjectID, targets []ScoreTarget, now time.Time) ([]*models.Discrepancy, error) {
	store := NewUserStateStore(kpi)
	var records []*models.Discrepancy
	for _, t := range targets {
		st := store.Find(assigneeID, t.DeliverableID)
		if st == nil {
			continue
		}
		current := stateSlot(st)
		if t.OccurrenceLabel != "" {
			occ := FindOccurrence(st, t.OccurrenceLabel)
			if occ == nil {
				continue
			}
			current = occurrenceSlot(occ)
		}

		key := models.DiscrepancyKey{
			KPIID:           kpi.ID,
			DeliverableID:   t.DeliverableID,
			AssigneeID:      assigneeID,
			OccurrenceLabel: t.OccurrenceLabel,
		}
		existing, err := s.deps.Discrepancies.FindByKey(ctx, key)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, utils.NewInternalError(err)
		}

		record, action := EvaluateDiscrepancy(existing, DiscrepancyInput{
			Key:              key,
			DeliverableIndex: t.DeliverableIndex,
			CreatorID:        kpi.CreatedBy,
			AssigneeScore:    *current.assignee,
			CreatorScore:     *current.creator,
			Actor:            actor,
			Now:              now,
		})
		if record == nil {
			continue
		}
		s.deps.Log.Info("discrepancy "+action,
			"kpi_id", kpi.ID.Hex(),
			"deliverable_index", t.DeliverableIndex,
			"assignee_id", assigneeID.Hex(),
			"occurrence", t.OccurrenceLabel,
			"reason", record.Reason,
		)
		records = append(records, record)
	}
	return records, nil
}

// UpdateStatus sets the global status when the creator targets nobody in
// particular, otherwise the status of one user's view.
func (s *kpiService) UpdateStatus(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.StatusUpdateRequest) (*models.KPIView, error) {
	targetID := primitive.NilObjectID
	if strings.TrimSpace(req.UserID) != "" {
		var err error
		if targetID, err = parseObjectID(req.UserID, "user id"); err != nil {
			return nil, err
		}
	}

	kpi, err := s.deps.KPIs.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "KPI %s", id.Hex())
	}
	creator := s.deps.actsAsCreator(kpi, caller)
	if targetID.IsZero() && !creator {
		targetID = caller.ID
	}
	if !targetID.IsZero() {
		if err := s.authorizeWrite(kpi, caller, targetID); err != nil {
			return nil, err
		}
	}
	if IsReviewStatus(req.Status) && !creator {
		return nil, utils.NewForbiddenError("only the KPI creator can set status %q", req.Status)
	}

	saved, err := s.deps.updateKPI(ctx, id, targetID, func(ctx context.Context, kpi *models.KPI) (bool, []*models.Discrepancy, error) {
		if targetID.IsZero() {
			if kpi.Status == req.Status {
				return false, nil, nil
			}
			kpi.Status = req.Status
		} else {
			NewUserStateStore(kpi).GetOrSeed(targetID)
			if kpi.UserSpecific.Statuses[targetID.Hex()] == req.Status {
				return false, nil, nil
			}
			kpi.UserSpecific.Statuses[targetID.Hex()] = req.Status
		}
		kpi.Metadata.UpdatedBy = caller.ID
		kpi.Metadata.UpdatedAt = s.deps.Clock()
		return true, nil, nil
	})
	if err != nil {
		return nil, err
	}

	viewed := targetID
	if viewed.IsZero() {
		viewed = caller.ID
	}
	return s.project(ctx, saved, viewed)
}

func (s *kpiService) UploadEvidence(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.UpdateKPIRequest, files []EvidenceUpload) (*models.KPIView, error) {
	if len(files) == 0 {
		return nil, utils.NewValidationError("at least one file is required")
	}
	return s.SubmitUpdates(ctx, caller, id, req, files)
}

func (s *kpiService) OpenEvidence(ctx context.Context, fileID primitive.ObjectID) (io.ReadCloser, *repository.StoredFile, error) {
	rc, file, err := s.deps.Evidence.Open(ctx, fileID)
	if err != nil {
		return nil, nil, mapRepoError(err, "evidence file %s", fileID.Hex())
	}
	return rc, file, nil
}

// authorizeView allows a user to read their own view of a KPI that targets
// them, and the creator or a privileged role to read anyone's.
func (s *kpiService) authorizeView(kpi *models.KPI, caller models.Caller, viewedID primitive.ObjectID) error {
	if s.deps.actsAsCreator(kpi, caller) || s.deps.privileged(caller) {
		return nil
	}
	if viewedID != caller.ID {
		return utils.NewForbiddenError("you cannot view another user's KPI")
	}
	if !targets(kpi, caller) {
		return utils.NewForbiddenError("this KPI is not assigned to you")
	}
	return nil
}

// authorizeWrite allows a user to patch their own view of a KPI that targets
// them; only the creator may patch someone else's.
func (s *kpiService) authorizeWrite(kpi *models.KPI, caller models.Caller, viewedID primitive.ObjectID) error {
	if s.deps.actsAsCreator(kpi, caller) {
		return nil
	}
	if viewedID != caller.ID {
		return utils.NewForbiddenError("only the KPI creator can update another user's KPI")
	}
	if !targets(kpi, caller) {
		return utils.NewForbiddenError("this KPI is not assigned to you")
	}
	return nil
}

func targets(kpi *models.KPI, caller models.Caller) bool {
	if kpi.IsCreator(caller.ID) || slices.Contains(kpi.AssignedUsers, caller.ID) {
		return true
	}
	if !caller.DepartmentID.IsZero() && slices.Contains(kpi.Departments, caller.DepartmentID) {
		return true
	}
	return slices.ContainsFunc(kpi.AssignedRoles, func(role string) bool {
		return strings.EqualFold(strings.TrimSpace(role), strings.TrimSpace(caller.Role))
	})
}

func (s *kpiService) project(ctx context.Context, kpi *models.KPI, viewedID primitive.ObjectID) (*models.KPIView, error) {
	discrepancies, err := s.deps.Discrepancies.List(ctx, models.DiscrepancyFilter{KPIID: kpi.ID, AssigneeID: viewedID})
	if err != nil {
		return nil, utils.NewInternalError(err)
	}
	view := BuildCallerResponse(kpi, viewedID, discrepancies, s.deps.Clock())
	return &view, nil
}

func (s *kpiService) projectAll(ctx context.Context, kpis []models.KPI, viewedID primitive.ObjectID) ([]models.KPIView, error) {
	views := make([]models.KPIView, 0, len(kpis))
	if len(kpis) == 0 {
		return views, nil
	}
	ids := make([]primitive.ObjectID, len(kpis))
	for i := range kpis {
		ids[i] = kpis[i].ID
	}
	discrepancies, err := s.deps.Discrepancies.List(ctx, models.DiscrepancyFilter{KPIIDs: ids, AssigneeID: viewedID})
	if err != nil {
		return nil, utils.NewInternalError(err)
	}

	now := s.deps.Clock()
	for i := range kpis {
		NewUserStateStore(&kpis[i]).Normalize()
		views = append(views, BuildCallerResponse(&kpis[i], viewedID, discrepancies, now))
	}
	return views, nil
}
