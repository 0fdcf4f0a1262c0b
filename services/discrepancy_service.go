package services

import (
	"context"
	"strings"

	"kpitracker/locks"
	"kpitracker/models"
	"kpitracker/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type DiscrepancyService interface {
	List(ctx context.Context, caller models.Caller, filter models.DiscrepancyFilter) ([]models.Discrepancy, error)
	Stats(ctx context.Context, caller models.Caller, filter models.DiscrepancyFilter) ([]models.DiscrepancyStats, error)
	BookMeeting(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.BookMeetingRequest) (*models.Discrepancy, error)
	Resolve(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.ResolveDiscrepancyRequest, file *EvidenceUpload) (*models.Discrepancy, error)
}

type discrepancyService struct {
	deps Dependencies
}

func NewDiscrepancyService(deps Dependencies) DiscrepancyService {
	deps.defaults()
	return &discrepancyService{deps: deps}
}

// List returns matching records. Unprivileged callers only see records they
// are the assignee or creator of.
func (s *discrepancyService) List(ctx context.Context, caller models.Caller, filter models.DiscrepancyFilter) ([]models.Discrepancy, error) {
	if !s.deps.privileged(caller) {
		filter.Participant = caller.ID
	}
	out, err := s.deps.Discrepancies.List(ctx, filter)
	if err != nil {
		return nil, utils.NewInternalError(err)
	}
	return out, nil
}

func (s *discrepancyService) Stats(ctx context.Context, caller models.Caller, filter models.DiscrepancyFilter) ([]models.DiscrepancyStats, error) {
	if !s.deps.privileged(caller) {
		filter.Participant = caller.ID
	}
	out, err := s.deps.Discrepancies.Stats(ctx, filter)
	if err != nil {
		return nil, utils.NewInternalError(err)
	}
	return out, nil
}

// BookMeeting records a review meeting. Either party of the discrepancy may
// book one; resolution state is left alone.
func (s *discrepancyService) BookMeeting(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.BookMeetingRequest) (*models.Discrepancy, error) {
	d, err := s.deps.Discrepancies.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "discrepancy %s", id.Hex())
	}
	if caller.ID != d.AssigneeID && caller.ID != d.CreatorID && !s.deps.Roles.IsSuperAdmin(caller.Role) {
		return nil, utils.NewForbiddenError("only the assignee or the KPI creator can book a meeting")
	}

	release, err := s.deps.Locker.Lock(ctx, locks.KPIUserKey(d.KPIID, d.AssigneeID))
	if err != nil {
		return nil, utils.NewInternalError(err)
	}
	defer release()

	// Reload under the lock so concurrent bookings append to the same history.
	d, err = s.deps.Discrepancies.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "discrepancy %s", id.Hex())
	}
	BookMeeting(d, caller.ID, req.Notes, req.Timestamp, s.deps.Clock())
	if err := s.deps.Discrepancies.Upsert(ctx, d); err != nil {
		return nil, mapRepoError(err, "discrepancy %s", id.Hex())
	}
	s.deps.Log.Info("discrepancy meeting booked", "discrepancy_id", id.Hex(), "booked_by", caller.ID.Hex())
	return d, nil
}

// Resolve applies the creator's verdict: the new score becomes the creator
// score in both the assignee's and the creator's view, and the record and KPI
// are saved together.
func (s *discrepancyService) Resolve(ctx context.Context, caller models.Caller, id primitive.ObjectID, req *models.ResolveDiscrepancyRequest, file *EvidenceUpload) (*models.Discrepancy, error) {
	if strings.TrimSpace(req.ResolutionNotes) == "" {
		return nil, utils.NewValidationError("resolutionNotes is required")
	}
	if req.NewScore == nil || *req.NewScore < 0 || *req.NewScore > 100 {
		return nil, utils.NewValidationError("newScore must be between 0 and 100")
	}

	d, err := s.deps.Discrepancies.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "discrepancy %s", id.Hex())
	}
	kpi, err := s.deps.KPIs.GetByID(ctx, d.KPIID)
	if err != nil {
		return nil, mapRepoError(err, "KPI %s", d.KPIID.Hex())
	}
	if !s.deps.actsAsCreator(kpi, caller) {
		return nil, utils.NewForbiddenError("only the KPI creator can resolve a discrepancy")
	}

	var (
		docs    []string
		fileIDs []primitive.ObjectID
	)
	if file != nil {
		fileIDs, err = s.deps.storeEvidence(ctx, caller.ID, []EvidenceUpload{*file}, []string{file.Filename})
		if err != nil {
			return nil, err
		}
		docs = []string{EvidenceURL(fileIDs[0])}
	}

	var resolved *models.Discrepancy
	_, err = s.deps.updateKPI(ctx, d.KPIID, d.AssigneeID, func(ctx context.Context, kpi *models.KPI) (bool, []*models.Discrepancy, error) {
		current, err := s.deps.Discrepancies.GetByID(ctx, id)
		if err != nil {
			return false, nil, mapRepoError(err, "discrepancy %s", id.Hex())
		}
		now := s.deps.Clock()
		snap, err := ResolveDiscrepancy(current, caller.ID, *req.NewScore, req.ResolutionNotes, docs, now)
		if err != nil {
			return false, nil, err
		}
		if err := WriteBackResolution(kpi, current, snap); err != nil {
			return false, nil, err
		}
		kpi.Metadata.UpdatedBy = caller.ID
		kpi.Metadata.UpdatedAt = now
		resolved = current
		return true, []*models.Discrepancy{current}, nil
	})
	if err != nil {
		s.deps.discardEvidence(ctx, fileIDs)
		return nil, err
	}

	s.deps.Log.Info("discrepancy resolved",
		"discrepancy_id", id.Hex(),
		"kpi_id", d.KPIID.Hex(),
		"resolved_by", caller.ID.Hex(),
		"score", *req.NewScore,
	)
	return resolved, nil
}
