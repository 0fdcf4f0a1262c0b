package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"kpitracker/access"
	"kpitracker/locks"
	"kpitracker/logger"
	"kpitracker/models"
	repository "kpitracker/repositories"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memoryKPIRepo keeps documents as BSON so every load goes through the same
// codecs as MongoDB.
type memoryKPIRepo struct {
	mu   sync.Mutex
	docs map[primitive.ObjectID][]byte
	// conflicts makes the next n saves fail with a revision conflict.
	conflicts int
	saves     int
}

func newMemoryKPIRepo() *memoryKPIRepo {
	return &memoryKPIRepo{docs: make(map[primitive.ObjectID][]byte)}
}

func (r *memoryKPIRepo) put(kpi *models.KPI) {
	data, err := bson.Marshal(kpi)
	if err != nil {
		panic(err)
	}
	r.docs[kpi.ID] = data
}

func (r *memoryKPIRepo) load(id primitive.ObjectID) (*models.KPI, bool) {
	data, ok := r.docs[id]
	if !ok {
		return nil, false
	}
	var kpi models.KPI
	if err := bson.Unmarshal(data, &kpi); err != nil {
		panic(err)
	}
	return &kpi, true
}

func (r *memoryKPIRepo) Create(ctx context.Context, kpi *models.KPI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kpi.ID.IsZero() {
		kpi.ID = primitive.NewObjectID()
	}
	kpi.Revision = 0
	r.put(kpi)
	return nil
}

func (r *memoryKPIRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.KPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kpi, ok := r.load(id)
	if !ok || kpi.IsDeleted {
		return nil, repository.ErrNotFound
	}
	return kpi, nil
}

func (r *memoryKPIRepo) all() []models.KPI {
	out := []models.KPI{}
	for id := range r.docs {
		kpi, _ := r.load(id)
		if !kpi.IsDeleted {
			out = append(out, *kpi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

func (r *memoryKPIRepo) List(ctx context.Context, filter repository.KPIFilter) ([]models.KPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.KPI{}
	for _, k := range r.all() {
		if !filter.CreatedBy.IsZero() && k.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.All ||
			(!filter.UserID.IsZero() && (k.CreatedBy == filter.UserID || slices.Contains(k.AssignedUsers, filter.UserID))) ||
			(filter.Role != "" && slices.Contains(k.AssignedRoles, filter.Role)) ||
			slices.ContainsFunc(filter.DepartmentIDs, func(id primitive.ObjectID) bool { return slices.Contains(k.Departments, id) }) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *memoryKPIRepo) ListByAcademicYear(ctx context.Context, year string) ([]models.KPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.KPI{}
	for _, k := range r.all() {
		if k.AcademicYear == year {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *memoryKPIRepo) Save(ctx context.Context, kpi *models.KPI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.load(kpi.ID)
	if !ok || stored.IsDeleted {
		return repository.ErrNotFound
	}
	if r.conflicts > 0 {
		r.conflicts--
		return repository.ErrRevisionConflict
	}
	if stored.Revision != kpi.Revision {
		return repository.ErrRevisionConflict
	}
	kpi.Revision++
	r.saves++
	r.put(kpi)
	return nil
}

func (r *memoryKPIRepo) UpdateWeights(ctx context.Context, kpis []*models.KPI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kpis {
		stored, ok := r.load(k.ID)
		if !ok {
			continue
		}
		stored.Weight = k.Weight
		for i := range stored.Deliverables {
			if i < len(k.Deliverables) {
				stored.Deliverables[i].Weight = k.Deliverables[i].Weight
			}
		}
		stored.Revision++
		r.put(stored)
	}
	return nil
}

func (r *memoryKPIRepo) SoftDelete(ctx context.Context, id primitive.ObjectID, updatedBy primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.load(id)
	if !ok || stored.IsDeleted {
		return repository.ErrNotFound
	}
	stored.IsDeleted = true
	stored.Metadata.UpdatedBy = updatedBy
	stored.Revision++
	r.put(stored)
	return nil
}

type memoryDiscrepancyRepo struct {
	mu   sync.Mutex
	docs map[models.DiscrepancyKey][]byte
	// failUpserts makes the next n upserts fail with a revision conflict.
	failUpserts int
}

func newMemoryDiscrepancyRepo() *memoryDiscrepancyRepo {
	return &memoryDiscrepancyRepo{docs: make(map[models.DiscrepancyKey][]byte)}
}

func decodeDiscrepancy(data []byte) *models.Discrepancy {
	var d models.Discrepancy
	if err := bson.Unmarshal(data, &d); err != nil {
		panic(err)
	}
	return &d
}

func (r *memoryDiscrepancyRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Discrepancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, data := range r.docs {
		if d := decodeDiscrepancy(data); d.ID == id {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memoryDiscrepancyRepo) FindByKey(ctx context.Context, key models.DiscrepancyKey) (*models.Discrepancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.docs[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return decodeDiscrepancy(data), nil
}

func (r *memoryDiscrepancyRepo) Upsert(ctx context.Context, d *models.Discrepancy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID.IsZero() {
		d.ID = primitive.NewObjectID()
	}
	if r.failUpserts > 0 {
		r.failUpserts--
		return repository.ErrRevisionConflict
	}
	if existing, ok := r.docs[d.Key()]; ok && decodeDiscrepancy(existing).ID != d.ID {
		return repository.ErrRevisionConflict
	}
	data, err := bson.Marshal(d)
	if err != nil {
		return err
	}
	r.docs[d.Key()] = data
	return nil
}

func (r *memoryDiscrepancyRepo) MoveDeliverable(ctx context.Context, kpiID, deliverableID primitive.ObjectID, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, data := range r.docs {
		if key.KPIID != kpiID || key.DeliverableID != deliverableID {
			continue
		}
		d := decodeDiscrepancy(data)
		d.DeliverableIndex = index
		moved, err := bson.Marshal(d)
		if err != nil {
			return err
		}
		r.docs[key] = moved
	}
	return nil
}

func (r *memoryDiscrepancyRepo) List(ctx context.Context, filter models.DiscrepancyFilter) ([]models.Discrepancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Discrepancy{}
	for _, data := range r.docs {
		d := decodeDiscrepancy(data)
		switch {
		case !filter.KPIID.IsZero() && d.KPIID != filter.KPIID:
		case len(filter.KPIIDs) > 0 && !slices.Contains(filter.KPIIDs, d.KPIID):
		case !filter.AssigneeID.IsZero() && d.AssigneeID != filter.AssigneeID:
		case filter.Resolved != nil && d.Resolved != *filter.Resolved:
		case !filter.Participant.IsZero() && d.AssigneeID != filter.Participant && d.CreatorID != filter.Participant:
		default:
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlaggedAt.After(out[j].FlaggedAt) })
	return out, nil
}

func (r *memoryDiscrepancyRepo) Stats(ctx context.Context, filter models.DiscrepancyFilter) ([]models.DiscrepancyStats, error) {
	list, _ := r.List(ctx, filter)
	byKPI := map[primitive.ObjectID]*models.DiscrepancyStats{}
	for _, d := range list {
		s, ok := byKPI[d.KPIID]
		if !ok {
			s = &models.DiscrepancyStats{KPIID: d.KPIID}
			byKPI[d.KPIID] = s
		}
		s.Total++
		if d.Resolved {
			s.Resolved++
		} else {
			s.Open++
		}
	}
	out := []models.DiscrepancyStats{}
	for _, s := range byKPI {
		out = append(out, *s)
	}
	return out, nil
}

func (r *memoryDiscrepancyRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

type memoryEvidenceStore struct {
	mu      sync.Mutex
	files   map[primitive.ObjectID][]byte
	names   map[primitive.ObjectID]string
	failOn  string
	deleted []primitive.ObjectID
}

func newMemoryEvidenceStore() *memoryEvidenceStore {
	return &memoryEvidenceStore{
		files: make(map[primitive.ObjectID][]byte),
		names: make(map[primitive.ObjectID]string),
	}
}

func (s *memoryEvidenceStore) Upload(ctx context.Context, filename string, data io.Reader, uploadedBy primitive.ObjectID, contentType string) (primitive.ObjectID, error) {
	if s.failOn != "" && filename == s.failOn {
		return primitive.NilObjectID, errors.New("storage unavailable")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return primitive.NilObjectID, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := primitive.NewObjectID()
	s.files[id] = body
	s.names[id] = filename
	return id, nil
}

func (s *memoryEvidenceStore) Open(ctx context.Context, fileID primitive.ObjectID) (io.ReadCloser, *repository.StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.files[fileID]
	if !ok {
		return nil, nil, repository.ErrNotFound
	}
	file := &repository.StoredFile{ID: fileID, Name: s.names[fileID], Length: int64(len(body)), ContentType: "text/plain"}
	return io.NopCloser(bytes.NewReader(body)), file, nil
}

func (s *memoryEvidenceStore) Delete(ctx context.Context, fileID primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileID)
	s.deleted = append(s.deleted, fileID)
	return nil
}

func (s *memoryEvidenceStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type memoryUserRepo struct {
	users map[primitive.ObjectID]models.User
}

func (r *memoryUserRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *memoryUserRepo) GetByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error) {
	out := []models.User{}
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

type memoryDepartmentRepo struct {
	existing   []primitive.ObjectID
	accessible map[primitive.ObjectID][]primitive.ObjectID
}

func (r *memoryDepartmentRepo) AccessibleIDs(ctx context.Context, userID primitive.ObjectID, ownDepartment primitive.ObjectID) ([]primitive.ObjectID, error) {
	out := append([]primitive.ObjectID{}, r.accessible[userID]...)
	if !ownDepartment.IsZero() {
		out = append(out, ownDepartment)
	}
	return out, nil
}

func (r *memoryDepartmentRepo) ExistingIDs(ctx context.Context, ids []primitive.ObjectID) ([]primitive.ObjectID, error) {
	out := []primitive.ObjectID{}
	for _, id := range ids {
		if slices.Contains(r.existing, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

type directTx struct{}

func (directTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// testClock is a settable clock for services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	kpis          *memoryKPIRepo
	discrepancies *memoryDiscrepancyRepo
	evidence      *memoryEvidenceStore
	users         *memoryUserRepo
	departments   *memoryDepartmentRepo
	clock         *testClock

	kpiService         KPIService
	discrepancyService DiscrepancyService

	creator  models.Caller
	assignee models.Caller
	outsider models.Caller
	admin    models.Caller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		kpis:          newMemoryKPIRepo(),
		discrepancies: newMemoryDiscrepancyRepo(),
		evidence:      newMemoryEvidenceStore(),
		departments:   &memoryDepartmentRepo{accessible: map[primitive.ObjectID][]primitive.ObjectID{}},
		clock:         &testClock{now: time.Date(2025, time.October, 15, 9, 30, 0, 0, time.UTC)},
		creator:       models.Caller{ID: primitive.NewObjectID(), Role: "head_of_department", DepartmentID: primitive.NewObjectID()},
		assignee:      models.Caller{ID: primitive.NewObjectID(), Role: "staff"},
		outsider:      models.Caller{ID: primitive.NewObjectID(), Role: "staff"},
		admin:         models.Caller{ID: primitive.NewObjectID(), Role: "superadmin"},
	}
	env.assignee.DepartmentID = env.creator.DepartmentID
	env.departments.existing = []primitive.ObjectID{env.creator.DepartmentID}
	env.users = &memoryUserRepo{users: map[primitive.ObjectID]models.User{}}
	for _, c := range []models.Caller{env.creator, env.assignee, env.outsider, env.admin} {
		dept := c.DepartmentID
		u := models.User{ID: c.ID, Name: c.Role, Role: c.Role}
		if !dept.IsZero() {
			u.DepartmentID = &dept
		}
		env.users.users[c.ID] = u
	}

	deps := Dependencies{
		KPIs:          env.kpis,
		Discrepancies: env.discrepancies,
		Users:         env.users,
		Departments:   env.departments,
		Evidence:      env.evidence,
		Tx:            directTx{},
		Locker:        locks.NewMemoryLocker(),
		Roles:         access.DefaultHierarchy(),
		Log:           logger.Nop(),
		Clock:         env.clock.Now,
		SaveRetries:   3,
	}
	env.kpiService = NewKPIService(deps)
	env.discrepancyService = NewDiscrepancyService(deps)
	return env
}

// createKPI creates a KPI owned by env.creator and assigned to env.assignee
// with one plain and one monthly deliverable.
func (env *testEnv) createKPI(t *testing.T) *models.KPIView {
	t.Helper()
	due := time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC)
	view, err := env.kpiService.CreateKPI(context.Background(), env.creator, &models.KPIDefinitionRequest{
		Name:          "Research output",
		AssignedUsers: []string{env.assignee.ID.Hex()},
		Deliverables: []models.DeliverableInput{
			{Title: "Publish paper", Timeline: &due, Priority: "high"},
			{Title: "Monthly report", IsRecurring: true, RecurrencePattern: models.RecurrenceMonthly},
		},
	})
	require.NoError(t, err)
	return view
}

func score(v float64) *models.ScoreInput {
	return &models.ScoreInput{Value: &v}
}
