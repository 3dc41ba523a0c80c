package handler

import (
	"net/http"
	"time"

	"github.com/agromet/agromet/internal/api/models"
	"github.com/agromet/agromet/internal/api/response"
	"github.com/agromet/agromet/internal/scheduler"
	"github.com/agromet/agromet/internal/store"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	store store.Store
	sched *scheduler.Scheduler
}

// NewOpsHandler creates a new OpsHandler. The scheduler may be nil when the
// process runs without ingestion.
func NewOpsHandler(st store.Store, sched *scheduler.Scheduler) *OpsHandler {
	return &OpsHandler{store: st, sched: sched}
}

// HealthCheck handles GET /healthz. The status is DEGRADED when any
// ingestion pair is broken or degraded; the store counters and the pair
// snapshot give the detail.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.store.Health(r.Context())
	if err != nil {
		response.ServiceUnavailable(w, r, "store unavailable")
		return
	}

	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Store:  models.StoreHealthFromDomain(snapshot),
	}

	if h.sched != nil {
		health.Pairs = h.sched.Snapshot()
		for _, p := range health.Pairs {
			if p.State == scheduler.StateBroken || p.State == scheduler.StateDegraded {
				health.Status = models.HealthStatusDegraded
			}
		}
	}

	response.JSON(w, r, http.StatusOK, health)
}
