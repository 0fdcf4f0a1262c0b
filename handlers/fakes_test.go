package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	middleware "kpitracker/middlewares"
	"kpitracker/models"
	repository "kpitracker/repositories"
	"kpitracker/services"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type uploadedFile struct {
	name        string
	contentType string
	body        string
}

// stubKPIService records the arguments it was called with.
type stubKPIService struct {
	err error

	caller     models.Caller
	id         primitive.ObjectID
	viewedUser string
	definition *models.KPIDefinitionRequest
	update     *models.UpdateKPIRequest
	status     *models.StatusUpdateRequest
	files      []uploadedFile
	evidence   string
}

func (s *stubKPIService) view() (*models.KPIView, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.KPIView{ID: s.id, Name: "stub"}, nil
}

func (s *stubKPIService) readFiles(files []services.EvidenceUpload) {
	for _, f := range files {
		data, _ := io.ReadAll(f.Data)
		s.files = append(s.files, uploadedFile{name: f.Filename, contentType: f.ContentType, body: string(data)})
	}
}

func (s *stubKPIService) CreateKPI(_ context.Context, caller models.Caller, req *models.KPIDefinitionRequest) (*models.KPIView, error) {
	s.caller, s.definition = caller, req
	return s.view()
}

func (s *stubKPIService) GetKPI(_ context.Context, caller models.Caller, id primitive.ObjectID, viewedUser string) (*models.KPIView, error) {
	s.caller, s.id, s.viewedUser = caller, id, viewedUser
	return s.view()
}

func (s *stubKPIService) ListKPIs(_ context.Context, caller models.Caller) ([]models.KPIView, error) {
	s.caller = caller
	return []models.KPIView{}, s.err
}

func (s *stubKPIService) GetUserKPIs(_ context.Context, caller models.Caller, userID primitive.ObjectID) ([]models.KPIView, error) {
	s.caller, s.id = caller, userID
	return []models.KPIView{}, s.err
}

func (s *stubKPIService) UpdateKPIDefinition(_ context.Context, caller models.Caller, id primitive.ObjectID, req *models.KPIDefinitionRequest) (*models.KPIView, error) {
	s.caller, s.id, s.definition = caller, id, req
	return s.view()
}

func (s *stubKPIService) DeleteKPI(_ context.Context, caller models.Caller, id primitive.ObjectID) error {
	s.caller, s.id = caller, id
	return s.err
}

func (s *stubKPIService) SubmitUpdates(_ context.Context, caller models.Caller, id primitive.ObjectID, req *models.UpdateKPIRequest, files []services.EvidenceUpload) (*models.KPIView, error) {
	s.caller, s.id, s.update = caller, id, req
	s.readFiles(files)
	return s.view()
}

func (s *stubKPIService) UpdateStatus(_ context.Context, caller models.Caller, id primitive.ObjectID, req *models.StatusUpdateRequest) (*models.KPIView, error) {
	s.caller, s.id, s.status = caller, id, req
	return s.view()
}

func (s *stubKPIService) UploadEvidence(_ context.Context, caller models.Caller, id primitive.ObjectID, req *models.UpdateKPIRequest, files []services.EvidenceUpload) (*models.KPIView, error) {
	s.caller, s.id, s.update = caller, id, req
	s.readFiles(files)
	return s.view()
}

func (s *stubKPIService) OpenEvidence(_ context.Context, fileID primitive.ObjectID) (io.ReadCloser, *repository.StoredFile, error) {
	s.id = fileID
	if s.err != nil {
		return nil, nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.evidence)), &repository.StoredFile{
		ID:          fileID,
		Name:        "report.pdf",
		Length:      int64(len(s.evidence)),
		ContentType: "application/pdf",
	}, nil
}

type stubDiscrepancyService struct {
	err error

	caller  models.Caller
	id      primitive.ObjectID
	filter  models.DiscrepancyFilter
	meeting *models.BookMeetingRequest
	resolve *models.ResolveDiscrepancyRequest
	file    *uploadedFile
}

func (s *stubDiscrepancyService) List(_ context.Context, caller models.Caller, filter models.DiscrepancyFilter) ([]models.Discrepancy, error) {
	s.caller, s.filter = caller, filter
	return []models.Discrepancy{}, s.err
}

func (s *stubDiscrepancyService) Stats(_ context.Context, caller models.Caller, filter models.DiscrepancyFilter) ([]models.DiscrepancyStats, error) {
	s.caller, s.filter = caller, filter
	return []models.DiscrepancyStats{}, s.err
}

func (s *stubDiscrepancyService) BookMeeting(_ context.Context, caller models.Caller, id primitive.ObjectID, req *models.BookMeetingRequest) (*models.Discrepancy, error) {
	s.caller, s.id, s.meeting = caller, id, req
	if s.err != nil {
		return nil, s.err
	}
	return &models.Discrepancy{ID: id}, nil
}

func (s *stubDiscrepancyService) Resolve(_ context.Context, caller models.Caller, id primitive.ObjectID, req *models.ResolveDiscrepancyRequest, file *services.EvidenceUpload) (*models.Discrepancy, error) {
	s.caller, s.id, s.resolve = caller, id, req
	if file != nil {
		data, _ := io.ReadAll(file.Data)
		s.file = &uploadedFile{name: file.Filename, contentType: file.ContentType, body: string(data)}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &models.Discrepancy{ID: id, Resolved: true}, nil
}

var testCaller = models.Caller{ID: primitive.NewObjectID(), Role: "staff"}

// serve routes a single request through a mux registered with pattern,
// attaching testCaller the way the JWT middleware would.
func serve(pattern string, handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.Handle(pattern, handler)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req.WithContext(middleware.WithCaller(req.Context(), testCaller)))
	return rec
}
