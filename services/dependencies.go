package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"kpitracker/locks"
	"kpitracker/logger"
	"kpitracker/models"
	repository "kpitracker/repositories"
	"kpitracker/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"
)

// RoleOracle answers role-hierarchy questions. access.Hierarchy implements it.
type RoleOracle interface {
	CanAssignTo(callerRole, targetRole string) bool
	IsTopRole(role string) bool
	IsSuperAdmin(role string) bool
}

// Clock returns the current instant in the location used for period labels,
// truncated to what MongoDB stores.
type Clock func() time.Time

func SystemClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return func() time.Time {
		return time.Now().In(loc).Truncate(time.Millisecond)
	}
}

type Dependencies struct {
	KPIs          repository.KPIRepository
	Discrepancies repository.DiscrepancyRepository
	Users         repository.UserRepository
	Departments   repository.DepartmentRepository
	Evidence      repository.EvidenceStore
	Tx            repository.TxRunner
	Locker        locks.Locker
	Roles         RoleOracle
	Log           *logger.Logger
	Clock         Clock

	AcademicYearStartMonth time.Month
	SaveRetries            int
}

func (d *Dependencies) defaults() {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Clock == nil {
		d.Clock = SystemClock(time.Local)
	}
	if d.Locker == nil {
		d.Locker = locks.NewMemoryLocker()
	}
	if d.AcademicYearStartMonth < time.January || d.AcademicYearStartMonth > time.December {
		d.AcademicYearStartMonth = time.September
	}
	if d.SaveRetries < 1 {
		d.SaveRetries = 1
	}
}

func (d *Dependencies) privileged(caller models.Caller) bool {
	return d.Roles.IsSuperAdmin(caller.Role) || d.Roles.IsTopRole(caller.Role)
}

// actsAsCreator reports whether caller may write creator scores and review statuses on kpi.
func (d *Dependencies) actsAsCreator(kpi *models.KPI, caller models.Caller) bool {
	return kpi.IsCreator(caller.ID) || d.Roles.IsSuperAdmin(caller.Role)
}

// mutation changes a freshly loaded, normalized KPI and reports whether the
// document must be saved along with any discrepancy records to upsert.
type mutation func(ctx context.Context, kpi *models.KPI) (kpiChanged bool, records []*models.Discrepancy, err error)

// updateKPI runs load, mutate and save for one KPI while holding the lock for
// (kpiID, userID). Revision conflicts reload and rerun fn up to SaveRetries times.
func (d *Dependencies) updateKPI(ctx context.Context, kpiID, userID primitive.ObjectID, fn mutation) (*models.KPI, error) {
	release, err := d.Locker.Lock(ctx, locks.KPIUserKey(kpiID, userID))
	if err != nil {
		return nil, utils.NewInternalError(fmt.Errorf("failed to lock KPI %s: %w", kpiID.Hex(), err))
	}
	defer release()

	for attempt := 1; ; attempt++ {
		kpi, err := d.KPIs.GetByID(ctx, kpiID)
		if err != nil {
			return nil, mapRepoError(err, "KPI %s", kpiID.Hex())
		}
		NewUserStateStore(kpi).Normalize()

		changed, records, err := fn(ctx, kpi)
		if err != nil {
			return nil, err
		}
		if !changed && len(records) == 0 {
			return kpi, nil
		}

		err = d.Tx.RunInTransaction(ctx, func(txCtx context.Context) error {
			if changed {
				if err := d.KPIs.Save(txCtx, kpi); err != nil {
					return err
				}
			}
			for _, rec := range records {
				if err := d.Discrepancies.Upsert(txCtx, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return kpi, nil
		}
		if !errors.Is(err, repository.ErrRevisionConflict) || attempt >= d.SaveRetries {
			return nil, mapRepoError(err, "KPI %s", kpiID.Hex())
		}
		d.Log.Warn("KPI write conflicted, retrying", "kpi_id", kpiID.Hex(), "attempt", attempt)
	}
}

// recomputeWeights rebalances every KPI of an academic year.
func (d *Dependencies) recomputeWeights(ctx context.Context, year string) error {
	if year == "" {
		return nil
	}
	kpis, err := d.KPIs.ListByAcademicYear(ctx, year)
	if err != nil {
		return utils.NewInternalError(fmt.Errorf("failed to list KPIs for %s: %w", year, err))
	}
	ptrs := make([]*models.KPI, len(kpis))
	for i := range kpis {
		ptrs[i] = &kpis[i]
	}
	changed := RecomputeWeights(ptrs)
	if len(changed) == 0 {
		return nil
	}
	if err := d.KPIs.UpdateWeights(ctx, changed); err != nil {
		return utils.NewInternalError(err)
	}
	d.Log.Info("KPI weights recomputed", "academic_year", year, "kpis", len(kpis), "changed", len(changed))
	return nil
}

// EvidenceUpload is one file received with a request.
type EvidenceUpload struct {
	Filename    string
	ContentType string
	Data        io.Reader
}

// EvidenceURL is the download path stored in evidence lists.
func EvidenceURL(fileID primitive.ObjectID) string {
	return "/api/kpis/evidence/" + fileID.Hex()
}

// storeEvidence uploads files in parallel under the given names. Either every
// file is stored or none is: a failure deletes whatever already made it.
func (d *Dependencies) storeEvidence(ctx context.Context, uploader primitive.ObjectID, files []EvidenceUpload, names []string) ([]primitive.ObjectID, error) {
	ids := make([]primitive.ObjectID, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i := range files {
		g.Go(func() error {
			contentType := files[i].ContentType
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			id, err := d.Evidence.Upload(gctx, names[i], files[i].Data, uploader, contentType)
			if err != nil {
				return fmt.Errorf("failed to store %q: %w", files[i].Filename, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.discardEvidence(ctx, ids)
		return nil, utils.NewInternalError(err)
	}
	return ids, nil
}

// discardEvidence removes files whose request failed after upload.
func (d *Dependencies) discardEvidence(ctx context.Context, ids []primitive.ObjectID) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if err := d.Evidence.Delete(ctx, id); err != nil {
			d.Log.Warn("failed to delete orphaned evidence", "file_id", id.Hex(), "error", err)
		}
	}
}

func mapRepoError(err error, format string, args ...interface{}) error {
	var appErr *utils.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return utils.NewNotFoundError(format+" not found", args...)
	case errors.Is(err, repository.ErrRevisionConflict):
		return utils.NewConflictError(format+" was modified concurrently, please retry", args...)
	default:
		return utils.NewInternalError(err)
	}
}

func parseObjectID(raw, field string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(strings.TrimSpace(raw))
	if err != nil {
		return primitive.NilObjectID, utils.NewValidationError("invalid %s %q", field, raw)
	}
	return id, nil
}

func parseObjectIDs(raw []string, field string) ([]primitive.ObjectID, error) {
	out := make([]primitive.ObjectID, 0, len(raw))
	seen := make(map[primitive.ObjectID]struct{}, len(raw))
	for _, r := range raw {
		id, err := parseObjectID(r, field)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
