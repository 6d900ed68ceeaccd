package handler

import (
	"net/http"
)

// StatusHandler serves the process mode and scheduler health.
type StatusHandler struct {
	Mode string
	// Healthy reports the scheduler's store health flag; nil when no
	// scheduler runs in this process.
	Healthy func() bool
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, healthy func() bool) *StatusHandler {
	return &StatusHandler{Mode: mode, Healthy: healthy}
}

// GetStatus responds with the run mode and, when scheduling, whether tasks
// are running or suspended.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":       h.Mode,
		"scheduling": h.Healthy != nil,
	}
	if h.Healthy != nil {
		body["tasks_suspended"] = !h.Healthy()
	}
	writeJSON(w, http.StatusOK, body)
}
