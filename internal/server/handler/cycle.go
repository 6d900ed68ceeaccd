package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// CycleReader is the read side the cycle endpoints need.
type CycleReader interface {
	Current(ctx context.Context) (domain.MarketCycle, error)
	Cycle(ctx context.Context, id int64) (domain.MarketCycle, error)
	DeploymentStatus(ctx context.Context, entityID string) (domain.DeploymentStatus, error)
	RecentEvents(ctx context.Context, n int) ([]domain.Event, error)
	Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// CycleHandler serves cycle, deployment, event and audit queries.
type CycleHandler struct {
	svc    CycleReader
	now    func() time.Time
	logger *slog.Logger
}

// NewCycleHandler creates a CycleHandler.
func NewCycleHandler(svc CycleReader, logger *slog.Logger) *CycleHandler {
	return &CycleHandler{svc: svc, now: time.Now, logger: logHandler(logger, "cycle")}
}

type cycleResponse struct {
	domain.MarketCycle
	Markets    []string `json:"markets"`
	RemainingS int64    `json:"remaining_seconds"`
}

func (h *CycleHandler) respondCycle(w http.ResponseWriter, c domain.MarketCycle) {
	resp := cycleResponse{MarketCycle: c, Markets: c.Markets()}
	if resp.Markets == nil {
		resp.Markets = []string{}
	}
	if c.Status == domain.CycleStatusActive {
		resp.RemainingS = max(0, int64(c.EndTime.Sub(h.now()).Seconds()))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCurrent returns the current cycle.
// GET /api/cycle
func (h *CycleHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Current(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	h.respondCycle(w, c)
}

// GetCycle returns a cycle by id, live or archived.
// GET /api/cycles/{id}
func (h *CycleHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid cycle id")
		return
	}
	c, err := h.svc.Cycle(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	h.respondCycle(w, c)
}

// GetDeployment returns the deployment status of an entity.
// GET /api/deployments/{entity}
func (h *CycleHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	st, err := h.svc.DeploymentStatus(r.Context(), entity)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"entity_id": entity,
		"status":    string(st),
	})
}

// ListRecentEvents returns recently published events, newest first.
// GET /api/events/recent?limit=N
func (h *CycleHandler) ListRecentEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.svc.RecentEvents(r.Context(), parseLimit(r, 50))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

type auditEntryJSON struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns audit log entries.
// GET /api/audit?limit=&offset=&since=&until=
func (h *CycleHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Audit(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	out := make([]auditEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
