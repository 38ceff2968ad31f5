package conflict

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satukolab/internal/access"
	"satukolab/middleware"
	"satukolab/pkg/model"
)

type roles map[string]access.Role

func (r roles) Role(_ context.Context, _ model.EntityRef, userID string) (access.Role, error) {
	role, ok := r[userID]
	if !ok {
		return "", model.ErrForbidden
	}
	return role, nil
}

func serve(h http.HandlerFunc, method, target, body string, who model.Identity) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req = req.WithContext(middleware.WithIdentity(req.Context(), who))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHandlerResolveFlow(t *testing.T) {
	r, _, _, _ := newResolver(t)
	h := NewHandler(r, roles{"a": access.RoleWriter, "c": access.RoleReviewer, "r": access.RoleReader})

	rec, err := r.Escalate(context.Background(), client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: "x"}, {UserID: "b", Value: "y"}},
	})
	require.NoError(t, err)

	w := serve(h.ListActive, http.MethodGet, "/api/conflicts?entityType=client&entityId=42", "", alice)
	require.Equal(t, http.StatusOK, w.Code)
	var active []model.ConflictRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&active))
	assert.Len(t, active, 1)

	w = serve(h.ListActive, http.MethodGet, "/api/conflicts?entityType=client", "", alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h.ListActive, http.MethodGet, "/api/conflicts?entityType=client&entityId=42", "", model.Identity{UserID: "stranger"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	body := `{"conflict_id":"` + rec.ID + `","resolution":{"kind":"accept_user","selected_user_id":"a"}}`
	w = serve(h.Resolve, http.MethodPost, "/api/conflicts/resolve", body, model.Identity{UserID: "r"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(h.Resolve, http.MethodPost, "/api/conflicts/resolve", `{"conflict_id":"`+rec.ID+`","resolution":{"kind":"merge_values"}}`, carol)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = serve(h.Resolve, http.MethodPost, "/api/conflicts/resolve", body, carol)
	require.Equal(t, http.StatusOK, w.Code)
	var resolved model.ConflictRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resolved))
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	assert.Equal(t, "x", resolved.ResolvedValue)

	w = serve(h.Cancel, http.MethodPost, "/api/conflicts/cancel", `{"conflict_id":"`+rec.ID+`"}`, carol)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(h.History, http.MethodGet, "/api/conflicts/history?entityType=client&entityId=42", "", alice)
	require.Equal(t, http.StatusOK, w.Code)
	var history []model.ConflictRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	assert.Len(t, history, 1)
}

func TestHandlerRequestInfo(t *testing.T) {
	r, _, n, _ := newResolver(t)
	h := NewHandler(r, roles{"c": access.RoleReviewer})

	rec, err := r.Escalate(context.Background(), client, Escalation{
		Kind:      model.FieldConflict,
		FieldName: "nome",
		Values:    []model.CompetingValue{{UserID: "a", Value: "x"}, {UserID: "b", Value: "y"}},
	})
	require.NoError(t, err)

	w := serve(h.RequestInfo, http.MethodPost, "/api/conflicts/request-info", `{"conflict_id":"`+rec.ID+`","message":"why?"}`, carol)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{rec.ID + ":c:why?"}, n.info)

	w = serve(h.RequestInfo, http.MethodPost, "/api/conflicts/request-info", `{"conflict_id":"nope"}`, carol)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(h.RequestInfo, http.MethodGet, "/api/conflicts/request-info", "", carol)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
