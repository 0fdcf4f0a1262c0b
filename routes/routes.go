package routes

import (
	"net/http"

	"kpitracker/handlers"
	"kpitracker/logger"
	"kpitracker/middlewares"
)

func SetupRoutes(kpiHandler *handlers.KPIHandler, discrepancyHandler *handlers.DiscrepancyHandler, jwtSecret string, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Apply JWT middleware to all API routes
	jwtMiddleware := middlewares.JWTMiddleware(jwtSecret)

	// KPI routes
	mux.Handle("POST /api/kpis", jwtMiddleware(http.HandlerFunc(kpiHandler.CreateKPI)))
	mux.Handle("GET /api/kpis", jwtMiddleware(http.HandlerFunc(kpiHandler.ListKPIs)))
	mux.Handle("GET /api/kpis/{id}", jwtMiddleware(http.HandlerFunc(kpiHandler.GetKPI)))
	mux.Handle("PUT /api/kpis/{id}", jwtMiddleware(http.HandlerFunc(kpiHandler.UpdateKPI)))
	mux.Handle("DELETE /api/kpis/{id}", jwtMiddleware(http.HandlerFunc(kpiHandler.DeleteKPI)))
	mux.Handle("PATCH /api/kpis/{id}", jwtMiddleware(http.HandlerFunc(kpiHandler.SubmitUpdates)))
	mux.Handle("PATCH /api/kpis/{id}/status", jwtMiddleware(http.HandlerFunc(kpiHandler.UpdateStatus)))
	mux.Handle("GET /api/kpis/user/{userId}", jwtMiddleware(http.HandlerFunc(kpiHandler.GetUserKPIs)))
	// Evidence routes
	mux.Handle("POST /api/kpis/{id}/upload", jwtMiddleware(http.HandlerFunc(kpiHandler.UploadEvidence)))
	mux.Handle("GET /api/kpis/evidence/{fileId}", jwtMiddleware(http.HandlerFunc(kpiHandler.DownloadEvidence)))
	// Discrepancy routes
	mux.Handle("GET /api/discrepancies", jwtMiddleware(http.HandlerFunc(discrepancyHandler.ListDiscrepancies)))
	mux.Handle("GET /api/discrepancies/stats", jwtMiddleware(http.HandlerFunc(discrepancyHandler.GetStats)))
	mux.Handle("POST /api/discrepancies/{id}/meeting", jwtMiddleware(http.HandlerFunc(discrepancyHandler.BookMeeting)))
	mux.Handle("POST /api/discrepancies/{id}/resolve", jwtMiddleware(http.HandlerFunc(discrepancyHandler.Resolve)))

	return middlewares.RequestLogger(log)(mux)
}
