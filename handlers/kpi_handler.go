package handlers

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"kpitracker/models"
	"kpitracker/services"
	"kpitracker/utils"
)

type KPIHandler struct {
	service        services.KPIService
	maxUploadBytes int64
}

func NewKPIHandler(service services.KPIService, maxUploadBytes int64) *KPIHandler {
	return &KPIHandler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *KPIHandler) CreateKPI(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req models.KPIDefinitionRequest
	if err := utils.DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	view, err := h.service.CreateKPI(ctx, caller, &req)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "KPI created successfully", view, http.StatusCreated)
}

func (h *KPIHandler) GetKPI(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathObjectID(w, r, "id", "KPI")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	view, err := h.service.GetKPI(ctx, caller, id, r.URL.Query().Get("userId"))
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "KPI retrieved successfully", view, http.StatusOK)
}

func (h *KPIHandler) ListKPIs(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	views, err := h.service.ListKPIs(ctx, caller)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "KPIs retrieved successfully", views, http.StatusOK)
}

func (h *KPIHandler) GetUserKPIs(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	userID, ok := pathObjectID(w, r, "userId", "user")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	views, err := h.service.GetUserKPIs(ctx, caller, userID)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "User KPIs retrieved successfully", views, http.StatusOK)
}

func (h *KPIHandler) UpdateKPI(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathObjectID(w, r, "id", "KPI")
	if !ok {
		return
	}
	var req models.KPIDefinitionRequest
	if err := utils.DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	view, err := h.service.UpdateKPIDefinition(ctx, caller, id, &req)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "KPI updated successfully", view, http.StatusOK)
}

func (h *KPIHandler) DeleteKPI(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathObjectID(w, r, "id", "KPI")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.service.DeleteKPI(ctx, caller, id); err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleMessageResponse(w, "KPI deleted successfully", http.StatusOK)
}

// SubmitUpdates accepts a JSON patch body, or multipart with the same body
// in the "payload" field plus evidence files.
func (h *KPIHandler) SubmitUpdates(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathObjectID(w, r, "id", "KPI")
	if !ok {
		return
	}

	var req models.UpdateKPIRequest
	var files []services.EvidenceUpload
	if isMultipart(r) {
		body, err := parseMultipart(w, r, h.maxUploadBytes)
		if err != nil {
			return
		}
		defer body.Close()
		if err := body.decodePayload(w, &req); err != nil {
			return
		}
		if files, err = body.uploads(); err != nil {
			utils.HandleMessageResponse(w, "Failed to read uploaded file", http.StatusBadRequest)
			return
		}
	} else if err := utils.DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	view, err := h.service.SubmitUpdates(ctx, caller, id, &req, files)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "KPI updated successfully", view, http.StatusOK)
}

func (h *KPIHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathObjectID(w, r, "id", "KPI")
	if !ok {
		return
	}
	var req models.StatusUpdateRequest
	if err := utils.DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	view, err := h.service.UpdateStatus(ctx, caller, id, &req)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "KPI status updated successfully", view, http.StatusOK)
}

func (h *KPIHandler) UploadEvidence(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathObjectID(w, r, "id", "KPI")
	if !ok {
		return
	}
	if !isMultipart(r) {
		utils.HandleMessageResponse(w, "Expected multipart/form-data", http.StatusBadRequest)
		return
	}

	body, err := parseMultipart(w, r, h.maxUploadBytes)
	if err != nil {
		return
	}
	defer body.Close()

	var req models.UpdateKPIRequest
	if err := body.decodePayload(w, &req); err != nil {
		return
	}
	// Plain form fields are accepted too when no payload is sent.
	if req.DeliverableID == "" {
		req.DeliverableID = body.value("deliverableId")
	}
	if req.OccurrenceLabel == "" {
		req.OccurrenceLabel = body.value("occurrenceLabel")
	}
	if req.ScoreType == "" {
		req.ScoreType = body.value("scoreType")
	}
	if req.EvaluatedUserID == "" {
		req.EvaluatedUserID = body.value("evaluatedUserId")
	}
	if err := utils.ValidateAndRespond(w, &req); err != nil {
		return
	}

	files, err := body.uploads()
	if err != nil {
		utils.HandleMessageResponse(w, "Failed to read uploaded file", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	view, err := h.service.UploadEvidence(ctx, caller, id, &req, files)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "Evidence uploaded successfully", view, http.StatusOK)
}

func (h *KPIHandler) DownloadEvidence(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerFrom(w, r); !ok {
		return
	}
	fileID, ok := pathObjectID(w, r, "fileId", "file")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	rc, file, err := h.service.OpenEvidence(ctx, fileID)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	defer rc.Close()

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": file.Name}))
	if file.Length > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Length, 10))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
