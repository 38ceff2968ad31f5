package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"satukolab/internal/access"
	"satukolab/middleware"
	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

type Handler struct {
	Resolver *Resolver
	Access   access.Checker
}

func NewHandler(resolver *Resolver, checker access.Checker) *Handler {
	return &Handler{Resolver: resolver, Access: checker}
}

type resolveRequest struct {
	ConflictID string           `json:"conflict_id"`
	Resolution model.Resolution `json:"resolution"`
}

type infoRequest struct {
	ConflictID string `json:"conflict_id"`
	Message    string `json:"message"`
}

// ListActive returns the open conflicts of an entity, most urgent first.
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.Resolver.ListActive)
}

// History returns resolved and cancelled conflicts of an entity.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.Resolver.History)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, fetch func(ctx context.Context, e model.EntityRef) ([]model.ConflictRecord, error)) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entity := model.EntityRef{Type: r.URL.Query().Get("entityType"), ID: r.URL.Query().Get("entityId")}
	if entity.Type == "" || entity.ID == "" {
		http.Error(w, "Missing entityType or entityId parameter", http.StatusBadRequest)
		return
	}
	identity, _ := middleware.IdentityFrom(r.Context())
	if _, err := h.Access.Role(r.Context(), entity, identity.UserID); err != nil {
		writeError(w, err)
		return
	}

	recs, err := fetch(r.Context(), entity)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to list conflicts for %s: %v", entity.Key(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConflictID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	identity, ok := h.authorizeTriage(w, r, req.ConflictID)
	if !ok {
		return
	}

	rec, err := h.Resolver.Resolve(r.Context(), req.ConflictID, req.Resolution, identity)
	if err != nil {
		logger.Sugar.Warnf("Handler: Failed to resolve conflict %s: %v", req.ConflictID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req infoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConflictID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	identity, ok := h.authorizeTriage(w, r, req.ConflictID)
	if !ok {
		return
	}

	rec, err := h.Resolver.Cancel(r.Context(), req.ConflictID, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// RequestInfo asks the participants of a conflict for more context.
func (h *Handler) RequestInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req infoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConflictID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	identity, ok := h.authorizeTriage(w, r, req.ConflictID)
	if !ok {
		return
	}

	if err := h.Resolver.RequestMoreInfo(r.Context(), req.ConflictID, identity, req.Message); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// authorizeTriage loads the record to find its entity and checks that the
// caller may triage conflicts there. It writes the error response itself.
func (h *Handler) authorizeTriage(w http.ResponseWriter, r *http.Request, id string) (model.Identity, bool) {
	identity, _ := middleware.IdentityFrom(r.Context())
	rec, err := h.Resolver.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return identity, false
	}
	role, err := h.Access.Role(r.Context(), rec.Entity, identity.UserID)
	if err != nil {
		writeError(w, err)
		return identity, false
	}
	if !role.CanTriage() {
		http.Error(w, "Role "+string(role)+" cannot triage conflicts", http.StatusForbidden)
		return identity, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrConflictNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrStaleConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidResolution):
		status = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), status)
}
