package access

import (
	"encoding/json"
	"errors"
	"net/http"

	"satukolab/middleware"
	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

type Handler struct {
	Repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{Repo: repo}
}

type inviteRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	UserID     string `json:"user_id"`
	Role       Role   `json:"role"`
}

// Invite adds a member to an entity. Only the entity's owner may invite.
func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	entity := model.EntityRef{Type: req.EntityType, ID: req.EntityID}
	if entity.Type == "" || entity.ID == "" || req.UserID == "" {
		http.Error(w, "entity_type, entity_id and user_id are required", http.StatusBadRequest)
		return
	}
	if req.Role != RoleWriter && req.Role != RoleReviewer && req.Role != RoleReader {
		http.Error(w, "Invalid role. Must be writer, reviewer, or reader", http.StatusBadRequest)
		return
	}

	identity, _ := middleware.IdentityFrom(r.Context())
	role, err := h.Repo.Role(r.Context(), entity, identity.UserID)
	if errors.Is(err, model.ErrForbidden) || (err == nil && role != RoleOwner) {
		http.Error(w, "unauthorized: only owner can invite", http.StatusForbidden)
		return
	} else if err != nil {
		http.Error(w, "Failed to check access", http.StatusInternalServerError)
		return
	}

	if err := h.Repo.AddMember(r.Context(), entity, req.UserID, req.Role); err != nil {
		logger.Sugar.Errorf("Handler: Failed to invite %s to %s: %v", req.UserID, entity.Key(), err)
		http.Error(w, "Failed to add member", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Member added successfully"))
}

// Members lists the members of an entity to any of its members.
func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
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
	if _, err := h.Repo.Role(r.Context(), entity, identity.UserID); err != nil {
		http.Error(w, "Unauthorized or entity not found", http.StatusForbidden)
		return
	}

	members, err := h.Repo.Members(r.Context(), entity)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(members)
}
