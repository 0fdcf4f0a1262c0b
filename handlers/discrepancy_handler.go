package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kpitracker/models"
	"kpitracker/services"
	"kpitracker/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type DiscrepancyHandler struct {
	service        services.DiscrepancyService
	maxUploadBytes int64
}

func NewDiscrepancyHandler(service services.DiscrepancyService, maxUploadBytes int64) *DiscrepancyHandler {
	return &DiscrepancyHandler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *DiscrepancyHandler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	filter, ok := discrepancyFilter(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	list, err := h.service.List(ctx, caller, filter)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "Discrepancies retrieved successfully", list, http.StatusOK)
}

func (h *DiscrepancyHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	filter, ok := discrepancyFilter(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := h.service.Stats(ctx, caller, filter)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "Discrepancy statistics retrieved successfully", stats, http.StatusOK)
}

func (h *DiscrepancyHandler) BookMeeting(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathObjectID(w, r, "id", "discrepancy")
	if !ok {
		return
	}
	var req models.BookMeetingRequest
	if err := decodeOptional(w, r, &req); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	d, err := h.service.BookMeeting(ctx, caller, id, &req)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "Meeting booked successfully", d, http.StatusOK)
}

// Resolve accepts JSON, or multipart with the same fields (or a "payload"
// JSON field) and an optional "file".
func (h *DiscrepancyHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathObjectID(w, r, "id", "discrepancy")
	if !ok {
		return
	}

	var req models.ResolveDiscrepancyRequest
	var file *services.EvidenceUpload
	if isMultipart(r) {
		body, err := parseMultipart(w, r, h.maxUploadBytes)
		if err != nil {
			return
		}
		defer body.Close()
		if body.value(payloadField) == "" {
			req.ResolutionNotes = body.value("resolutionNotes")
			if raw := strings.TrimSpace(body.value("newScore")); raw != "" {
				score, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					utils.HandleMessageResponse(w, "newScore must be a number", http.StatusBadRequest)
					return
				}
				req.NewScore = &score
			}
		}
		if err := body.decodePayload(w, &req); err != nil {
			return
		}
		uploads, err := body.uploads("file")
		if err != nil {
			utils.HandleMessageResponse(w, "Failed to read uploaded file", http.StatusBadRequest)
			return
		}
		if len(uploads) > 0 {
			file = &uploads[0]
		}
	} else if err := utils.DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	d, err := h.service.Resolve(ctx, caller, id, &req, file)
	if err != nil {
		utils.HandleError(w, err)
		return
	}
	utils.HandleDataResponse(w, "Discrepancy resolved successfully", d, http.StatusOK)
}

func discrepancyFilter(w http.ResponseWriter, r *http.Request) (models.DiscrepancyFilter, bool) {
	q := r.URL.Query()
	var filter models.DiscrepancyFilter

	if raw := q.Get("kpiId"); raw != "" {
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			utils.HandleMessageResponse(w, "Invalid kpiId format", http.StatusBadRequest)
			return filter, false
		}
		filter.KPIID = id
	}
	if raw := q.Get("assigneeId"); raw != "" {
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			utils.HandleMessageResponse(w, "Invalid assigneeId format", http.StatusBadRequest)
			return filter, false
		}
		filter.AssigneeID = id
	}
	if raw := q.Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			utils.HandleMessageResponse(w, "resolved must be true or false", http.StatusBadRequest)
			return filter, false
		}
		filter.Resolved = &resolved
	}
	return filter, true
}
