package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agromet/agromet/internal/alert"
	"github.com/agromet/agromet/internal/api"
	"github.com/agromet/agromet/internal/api/models"
	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/store"
)

var quillota = obs.Station{
	ID:          "quillota_centro",
	DisplayName: "Quillota Centro",
	Latitude:    -32.8833,
	Longitude:   -71.2667,
	ElevationM:  462,
	Timezone:    "America/Santiago",
}

func ptr(v float64) *float64 { return &v }

// seedStore returns an in-memory store with a few hours of temperature
// readings and one active frost alert.
func seedStore(t *testing.T, now time.Time) *store.InMemoryStore {
	t.Helper()

	st := store.NewInMemoryStore()

	var batch []obs.Observation
	for i := 0; i < 6; i++ {
		batch = append(batch, obs.Observation{
			StationID:        quillota.ID,
			ObservedAt:       now.Add(-time.Duration(i) * time.Hour),
			Variable:         obs.VarTempC,
			Value:            ptr(14.0 - float64(i)),
			SourceProviderID: "openmeteo",
			IngestAt:         now,
			Quality:          obs.QualityRaw,
		})
	}
	_, err := st.PutObservations(context.Background(), batch)
	require.NoError(t, err)

	_, err = st.UpsertAlert(context.Background(), alert.Alert{
		ID:              "b2f7d6a0-0000-4000-8000-000000000001",
		StationID:       quillota.ID,
		Kind:            alert.KindFrostModerate,
		Severity:        alert.SeverityWarning,
		OpenedAt:        now.Add(-30 * time.Minute),
		LastEvaluatedAt: now,
		CauseSummary:    "frost_risk_class=moderate",
	})
	require.NoError(t, err)

	return st
}

func newTestRouter(t *testing.T, st store.Store) http.Handler {
	t.Helper()
	return api.NewRouter(api.RouterConfig{
		Logger:   zerolog.New(io.Discard),
		Store:    st,
		Stations: []obs.Station{quillota},
	})
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	router := newTestRouter(t, seedStore(t, now))

	w := get(t, router, "/healthz")

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var health models.Health
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, 1, health.Store.SchemaVersion)
	assert.Equal(t, int64(6), health.Store.Inserted)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, store.NewInMemoryStore())

	w := get(t, router, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agromet_")
}

func TestGetObservations(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	router := newTestRouter(t, seedStore(t, now))

	from := now.Add(-3 * time.Hour).Format(time.RFC3339)
	to := now.Format(time.RFC3339)
	w := get(t, router, "/v1/stations/quillota_centro/observations?variable=temp_c&from="+from+"&to="+to)

	require.Equal(t, http.StatusOK, w.Code)

	var body models.ObservationList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "quillota_centro", body.StationID)
	assert.Equal(t, "temp_c", body.Variable)
	require.Len(t, body.Observations, 4)

	// Ascending by observed time.
	oldest := body.Observations[0]
	assert.Equal(t, "openmeteo", oldest.Provider)
	require.NotNil(t, oldest.Value)
	assert.InDelta(t, 11.0, *oldest.Value, 0.001)
}

func TestGetObservationsValidation(t *testing.T) {
	now := time.Now().UTC()
	router := newTestRouter(t, seedStore(t, now))

	tests := []struct {
		name  string
		path  string
		field string
	}{
		{"missing variable", "/v1/stations/quillota_centro/observations", "variable"},
		{"unknown variable", "/v1/stations/quillota_centro/observations?variable=banana", "variable"},
		{"bad from", "/v1/stations/quillota_centro/observations?variable=temp_c&from=yesterday", "from"},
		{
			"window too wide",
			"/v1/stations/quillota_centro/observations?variable=temp_c" +
				"&from=" + now.Add(-120*time.Hour).Format(time.RFC3339) +
				"&to=" + now.Format(time.RFC3339),
			"from",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := get(t, router, tc.path)

			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

			var problem models.Problem
			require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
			require.NotEmpty(t, problem.Errors)
			assert.Equal(t, tc.field, problem.Errors[0].Field)
		})
	}
}

func TestGetObservationsUnknownStation(t *testing.T) {
	router := newTestRouter(t, store.NewInMemoryStore())

	w := get(t, router, "/v1/stations/valparaiso/observations?variable=temp_c")

	require.Equal(t, http.StatusNotFound, w.Code)

	var problem models.Problem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Contains(t, problem.Detail, "valparaiso")
}

func TestGetLatest(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	router := newTestRouter(t, seedStore(t, now))

	w := get(t, router, "/v1/stations/quillota_centro/latest")

	require.Equal(t, http.StatusOK, w.Code)

	var body models.Latest
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Contains(t, body.Readings, "temp_c")

	reading := body.Readings["temp_c"]
	require.NotNil(t, reading.Observation.Value)
	assert.InDelta(t, 14.0, *reading.Observation.Value, 0.001)
	assert.GreaterOrEqual(t, reading.AgeSeconds, 0.0)

	// Variables never written are omitted.
	assert.NotContains(t, body.Readings, "uv_index")
}

func TestListActiveAlerts(t *testing.T) {
	now := time.Now().UTC()
	router := newTestRouter(t, seedStore(t, now))

	w := get(t, router, "/v1/alerts")

	require.Equal(t, http.StatusOK, w.Code)

	var body models.AlertList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, "frost_moderate", body.Alerts[0].Kind)
	assert.Equal(t, "warning", body.Alerts[0].Severity)
	assert.Nil(t, body.Alerts[0].ClosedAt)

	w = get(t, router, "/v1/alerts?station=hijuelas")
	require.Equal(t, http.StatusOK, w.Code)

	body = models.AlertList{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Empty(t, body.Alerts)
}

func TestWriteMethodsAreNotRouted(t *testing.T) {
	router := newTestRouter(t, store.NewInMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/v1/alerts", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	router := newTestRouter(t, store.NewInMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req_fixed_for_test")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req_fixed_for_test", w.Header().Get("X-Request-Id"))
}
