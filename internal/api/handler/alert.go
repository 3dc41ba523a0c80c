package handler

import (
	"net/http"

	"github.com/agromet/agromet/internal/api/models"
	"github.com/agromet/agromet/internal/api/response"
	"github.com/agromet/agromet/internal/store"
)

// AlertHandler serves active alert episodes.
type AlertHandler struct {
	store store.Store
}

// NewAlertHandler creates a new AlertHandler.
func NewAlertHandler(st store.Store) *AlertHandler {
	return &AlertHandler{store: st}
}

// ListActive handles GET /v1/alerts. The optional station query parameter
// narrows the listing to one station.
func (h *AlertHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	stationID := r.URL.Query().Get("station")

	alerts, err := h.store.OpenAlerts(r.Context(), stationID)
	if err != nil {
		response.InternalError(w, r, "failed to list alerts")
		return
	}

	body := models.AlertList{Alerts: make([]models.Alert, 0, len(alerts))}
	for _, a := range alerts {
		body.Alerts = append(body.Alerts, models.AlertFromDomain(a))
	}

	response.JSON(w, r, http.StatusOK, body)
}
