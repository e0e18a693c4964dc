package httpapi

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"workdesk.org/internal/access"
	"workdesk.org/internal/netutil"
)

type roleChangeRequest struct {
	Role string `json:"role"`
}

type statusChangeRequest struct {
	Status string `json:"status"`
}

// handleAdminUserScoped serves /v1/admin/users/{id}/role and
// /v1/admin/users/{id}/status. Targets are looked up within the caller's
// tenant only, so admins cannot reach across tenants even by id guessing.
func (a *API) handleAdminUserScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/admin/users/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID, ok := parseID(parts[0])
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch parts[1] {
	case "role":
		a.changeUserRole(w, r, userID)
	case "status":
		a.changeUserStatus(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) changeUserRole(w http.ResponseWriter, r *http.Request, userID int64) {
	principal, err := access.RequirePermission(r.Context(), access.PermUsersManage)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req roleChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !validRole(req.Role) {
		writeError(w, r, http.StatusBadRequest, "unknown role")
		return
	}
	target, err := a.Users.FindUserInTenant(r.Context(), principal.TenantID, userID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if err := a.Users.SetLegacyRole(r.Context(), principal.TenantID, target.ID, req.Role); err != nil {
		handleAccessError(w, r, err)
		return
	}
	ip := netutil.ClientIP(r, a.Cfg.TrustedProxies)
	if err := a.Events.ObservePrivilegeChange(r.Context(), principal.UserID, principal.TenantID,
		target.Email, target.LegacyRole, req.Role); err != nil {
		a.Log.Warn("privilege change event failed", zap.Error(err))
	}
	if err := a.Events.ObserveAdminAction(r.Context(), principal.UserID, principal.TenantID,
		"user_role_changed", target.Email, ip); err != nil {
		a.Log.Warn("admin action event failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": target.ID,
		"role":    req.Role,
	})
}

func (a *API) changeUserStatus(w http.ResponseWriter, r *http.Request, userID int64) {
	principal, err := access.RequirePermission(r.Context(), access.PermUsersManage)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req statusChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status != access.UserStatusActive && req.Status != access.UserStatusDisabled {
		writeError(w, r, http.StatusBadRequest, "unknown status")
		return
	}
	target, err := a.Users.FindUserInTenant(r.Context(), principal.TenantID, userID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if target.ID == principal.UserID && req.Status == access.UserStatusDisabled {
		writeError(w, r, http.StatusConflict, "cannot disable own account")
		return
	}
	if err := a.Users.SetUserStatus(r.Context(), principal.TenantID, target.ID, req.Status); err != nil {
		handleAccessError(w, r, err)
		return
	}
	if err := a.Events.ObserveAdminAction(r.Context(), principal.UserID, principal.TenantID,
		"user_status_changed", target.Email, netutil.ClientIP(r, a.Cfg.TrustedProxies)); err != nil {
		a.Log.Warn("admin action event failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": target.ID,
		"status":  req.Status,
	})
}

// handleAuditVerify replays the event chain and reports the first corrupt
// row, if any.
func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, err := access.RequirePermission(r.Context(), access.PermAuditView)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	res, err := a.Events.Verify(r.Context())
	if err != nil {
		a.Log.Error("audit verification failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.Events.ObserveAdminAction(r.Context(), principal.UserID, principal.TenantID,
		"audit_verified", "checked="+strconv.Itoa(res.Checked), netutil.ClientIP(r, a.Cfg.TrustedProxies)); err != nil {
		a.Log.Warn("admin action event failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        res.OK,
		"checked":   res.Checked,
		"bad_id":    res.BadID,
		"reason":    res.Reason,
		"chain_tip": res.ChainTip,
	})
}

func validRole(role string) bool {
	switch role {
	case access.RoleAdmin, access.RoleManager, access.RoleClient:
		return true
	}
	return false
}
