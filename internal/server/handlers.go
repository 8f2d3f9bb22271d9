package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/model"
	"github.com/pedromerinno/mnnoschool/internal/tenantctx"
	"go.uber.org/zap"
)

// SessionRequest is the body of POST /v1/session
type SessionRequest struct {
	UserID string `json:"user_id"`
	Resume bool   `json:"resume"`
}

// SelectRequest is the body of PUT /v1/tenants/selected
type SelectRequest struct {
	TenantID string `json:"tenant_id"`
}

// StateResponse is the tenant context snapshot returned by most routes
type StateResponse struct {
	UserID    string          `json:"user_id"`
	Tenants   model.TenantSet `json:"tenants"`
	Selected  *model.Tenant   `json:"selected"`
	IsLoading bool            `json:"is_loading"`
	Error     string          `json:"error,omitempty"`
}

// SelectedResponse is returned by GET /v1/tenants/selected
type SelectedResponse struct {
	Selected *model.Tenant `json:"selected"`
}

// AdminResponse is returned by GET /v1/tenants/selected/admin
type AdminResponse struct {
	TenantID string `json:"tenant_id,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
}

// Handlers serves the tenant context of the process session.
type Handlers struct {
	tc     *tenantctx.Context
	errors *errorHandler
	logger *zap.Logger

	mu      sync.Mutex
	unmount func()
}

// NewHandlers creates handlers over tc
func NewHandlers(tc *tenantctx.Context, logger *zap.Logger) *Handlers {
	return &Handlers{
		tc:     tc,
		errors: &errorHandler{logger: logger},
		logger: logger,
	}
}

// StartSession handles POST /v1/session.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errors.WriteErrorResponse(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseLocked()

	var err error
	if req.Resume {
		err = h.tc.Resume(r.Context(), req.UserID)
	} else {
		err = h.tc.SignIn(r.Context(), req.UserID)
	}
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.unmount = h.tc.Mount(r.Context())
	writeJSON(w, http.StatusOK, h.state())
}

// EndSession handles DELETE /v1/session.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.releaseLocked()
	h.mu.Unlock()

	h.tc.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// Close releases the session mount
func (h *Handlers) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseLocked()
}

func (h *Handlers) releaseLocked() {
	if h.unmount != nil {
		h.unmount()
		h.unmount = nil
	}
}

// GetState handles GET /v1/tenants.
func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

// Refresh handles POST /v1/tenants/refresh.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.errors.WriteErrorResponse(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "force must be a boolean")
			return
		}
		force = parsed
	}

	if _, err := h.tc.Refresh(r.Context(), force); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

// GetSelected handles GET /v1/tenants/selected.
func (h *Handlers) GetSelected(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, SelectedResponse{Selected: h.tc.Selected()})
}

// Select handles PUT /v1/tenants/selected.
func (h *Handlers) Select(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}

	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errors.WriteErrorResponse(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		h.errors.HandleError(w, r, apperrors.Validation("Select", "tenant_id is required", nil))
		return
	}

	if err := h.tc.Select(r.Context(), req.TenantID); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SelectedResponse{Selected: h.tc.Selected()})
}

// IsAdmin handles GET /v1/tenants/selected/admin.
func (h *Handlers) IsAdmin(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}

	admin, err := h.tc.IsAdmin(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	resp := AdminResponse{IsAdmin: admin}
	if selected := h.tc.Selected(); selected != nil {
		resp.TenantID = selected.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) requireSession(w http.ResponseWriter, r *http.Request) bool {
	if h.tc.UserID() == "" {
		h.errors.WriteErrorResponse(w, r, http.StatusUnauthorized, ErrorCodeNoSession, "no user is signed in")
		return false
	}
	return true
}

func (h *Handlers) state() StateResponse {
	tenants := h.tc.Tenants()
	if tenants == nil {
		tenants = model.TenantSet{}
	}
	return StateResponse{
		UserID:    h.tc.UserID(),
		Tenants:   tenants,
		Selected:  h.tc.Selected(),
		IsLoading: h.tc.IsLoading(),
		Error:     tenantctx.UserError(h.tc.LastError()),
	}
}
