package lock

import (
	"encoding/json"
	"errors"
	"net/http"

	"satukolab/internal/access"
	"satukolab/middleware"
	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

type Handler struct {
	Authority *Authority
	Access    access.Checker
}

func NewHandler(authority *Authority, checker access.Checker) *Handler {
	return &Handler{Authority: authority, Access: checker}
}

// ListLocks returns the live leases of one entity.
func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
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
		if errors.Is(err, model.ErrForbidden) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		http.Error(w, "Failed to check access", http.StatusInternalServerError)
		return
	}

	locks, err := h.Authority.Locks(r.Context(), entity)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to list locks for %s: %v", entity.Key(), err)
		http.Error(w, "Failed to list locks", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(locks)
}
