// Package handler provides HTTP handlers for the agromet read API.
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agromet/agromet/internal/api/models"
	"github.com/agromet/agromet/internal/api/response"
	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/store"
)

// maxRangeWindow bounds a single range query. Wider windows are served by
// repeated calls, which keeps one request from scanning unbounded history.
const maxRangeWindow = 96 * time.Hour

// ObservationHandler serves stored observations.
type ObservationHandler struct {
	store    store.Store
	stations map[string]obs.Station
}

// NewObservationHandler creates a new ObservationHandler.
func NewObservationHandler(st store.Store, stations []obs.Station) *ObservationHandler {
	byID := make(map[string]obs.Station, len(stations))
	for _, s := range stations {
		byID[s.ID] = s
	}
	return &ObservationHandler{store: st, stations: byID}
}

// GetObservations handles GET /v1/stations/{station}/observations.
// Query parameters: variable (required), from and to (RFC3339, default to
// the last 24 hours).
func (h *ObservationHandler) GetObservations(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "station")
	if _, ok := h.stations[stationID]; !ok {
		response.NotFound(w, r, "unknown station: "+stationID)
		return
	}

	var fieldErrs []models.FieldError

	variable := obs.Variable(r.URL.Query().Get("variable"))
	if variable == "" {
		fieldErrs = append(fieldErrs, models.FieldError{
			Field: "variable", Message: "required", Code: "missing",
		})
	} else if !variable.IsValid() {
		fieldErrs = append(fieldErrs, models.FieldError{
			Field: "variable", Message: "unknown variable: " + string(variable), Code: "invalid",
		})
	}

	to := time.Now().UTC()
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fieldErrs = append(fieldErrs, models.FieldError{
				Field: "to", Message: "must be RFC3339", Code: "invalid",
			})
		} else {
			to = parsed.UTC()
		}
	}

	from := to.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fieldErrs = append(fieldErrs, models.FieldError{
				Field: "from", Message: "must be RFC3339", Code: "invalid",
			})
		} else {
			from = parsed.UTC()
		}
	}

	if len(fieldErrs) == 0 {
		if !from.Before(to) {
			fieldErrs = append(fieldErrs, models.FieldError{
				Field: "from", Message: "must be before to", Code: "invalid",
			})
		} else if to.Sub(from) > maxRangeWindow {
			fieldErrs = append(fieldErrs, models.FieldError{
				Field: "from", Message: "window exceeds 96h", Code: "range_too_wide",
			})
		}
	}

	if len(fieldErrs) > 0 {
		response.BadRequest(w, r, "invalid query parameters", fieldErrs)
		return
	}

	observations, err := h.store.ReadObservations(r.Context(), stationID, variable, from, to)
	if err != nil {
		response.InternalError(w, r, "failed to read observations")
		return
	}

	body := models.ObservationList{
		StationID:    stationID,
		Variable:     string(variable),
		From:         models.Timestamp(from),
		To:           models.Timestamp(to),
		Observations: make([]models.Observation, 0, len(observations)),
	}
	for _, o := range observations {
		body.Observations = append(body.Observations, models.ObservationFromDomain(o))
	}

	response.JSON(w, r, http.StatusOK, body)
}

// GetLatest handles GET /v1/stations/{station}/latest. It returns the most
// recent reading per variable together with its age; variables that have
// never been written are omitted.
func (h *ObservationHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "station")
	if _, ok := h.stations[stationID]; !ok {
		response.NotFound(w, r, "unknown station: "+stationID)
		return
	}

	body := models.Latest{
		StationID: stationID,
		Readings:  make(map[string]models.LatestEntry),
	}

	for _, variable := range obs.AllVariables {
		latest, err := h.store.Latest(r.Context(), stationID, variable)
		if err != nil {
			response.InternalError(w, r, "failed to read latest observation")
			return
		}
		if latest == nil {
			continue
		}

		age, err := h.store.Freshness(r.Context(), stationID, variable)
		if err != nil {
			response.InternalError(w, r, "failed to read freshness")
			return
		}

		entry := models.LatestEntry{Observation: models.ObservationFromDomain(*latest)}
		if age != nil {
			entry.AgeSeconds = age.Seconds()
		}
		body.Readings[string(variable)] = entry
	}

	response.JSON(w, r, http.StatusOK, body)
}
