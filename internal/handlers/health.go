package handlers

import (
	"net/http"
	"time"

	"github.com/eval-hub/iteration-hub/internal/executioncontext"
	"github.com/eval-hub/iteration-hub/internal/http_wrappers"
)

const (
	STATUS_HEALTHY   = "healthy"
	STATUS_UNHEALTHY = "unhealthy"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Build     string    `json:"build,omitempty"`
	BuildDate string    `json:"build_date,omitempty"`
	Storage   string    `json:"storage,omitempty"`
}

func (h *Handlers) HandleHealth(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	healthInfo := HealthResponse{
		Status:    STATUS_HEALTHY,
		Timestamp: time.Now().UTC(),
	}
	if h.serviceConfig != nil && h.serviceConfig.Service != nil {
		// for now we only want a real build number and not the default value
		if h.serviceConfig.Service.Build != "0.0.1" {
			healthInfo.Build = h.serviceConfig.Service.Build
		}
		healthInfo.BuildDate = h.serviceConfig.Service.BuildDate
	}
	code := http.StatusOK
	if h.storage != nil {
		healthInfo.Storage = h.storage.GetDatasourceName()
		if err := h.storage.Ping(2 * time.Second); err != nil {
			ctx.Logger.Warn("Storage ping failed", "error", err.Error())
			healthInfo.Status = STATUS_UNHEALTHY
			code = http.StatusServiceUnavailable
		}
	}
	w.WriteJSON(healthInfo, code)
}
