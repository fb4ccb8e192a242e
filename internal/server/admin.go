package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/app"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError maps an error to a response. Validation and conflict errors
// carry their message so the caller learns what to fix; everything else is
// logged server-side and sanitized to avoid leaking driver internals.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, gateway.ErrConflict), errors.Is(err, gateway.ErrBadRequest),
		errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrForbidden):
		writeJSON(w, status, errorResponse(err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// audit appends a record of an admin mutation. Failures are logged, never
// surfaced: the mutation already happened.
func (s *server) audit(r *http.Request, action, targetType, targetID string, meta any) {
	e := &gateway.AuditEntry{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}
	if p := gateway.PrincipalFromContext(r.Context()); p != nil {
		e.ActorKeyID = p.KeyID
	}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			e.Meta = b
		}
	}
	if err := s.deps.Store.AppendAudit(r.Context(), e); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "audit append failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil reads the optional since/until query params for usage
// reads. Absent values default to the last 30 days. Writes 400 and returns
// false on a malformed timestamp.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until time.Time, ok bool) {
	q := r.URL.Query()
	now := time.Now().UTC()
	since, until = now.AddDate(0, 0, -30), now
	if raw := q.Get("since"); raw != "" {
		t, err := parseDay(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
		since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := parseDay(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid until format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
		until = t
	}
	return since, until, true
}

// parseDay accepts bare YYYY-MM-DD dates as well as full RFC3339 timestamps;
// usage is aggregated per day, so either granularity addresses the same rows.
func parseDay(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at format"))
		return nil, false
	}
	return &t, true
}

// --- Organizations ---

type orgCreateRequest struct {
	Name              string         `json:"name"`
	MonthlyTokenQuota *int64         `json:"monthly_token_quota,omitempty"`
	Settings          map[string]any `json:"settings,omitempty"`
}

func (s *server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req orgCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	org := &gateway.Organization{
		ID:                gateway.NewID(),
		Name:              req.Name,
		Status:            "active",
		MonthlyTokenQuota: req.MonthlyTokenQuota,
		Settings:          req.Settings,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.deps.Store.CreateOrg(r.Context(), org); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "org.create", "organization", org.ID, map[string]string{"name": org.Name})
	w.Header().Set("Location", "/admin/v1/orgs/"+org.ID)
	writeJSON(w, http.StatusCreated, org)
}

func (s *server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	orgs, err := s.deps.Store.ListOrgs(r.Context(), offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list organizations"))
		return
	}
	total, _ := s.deps.Store.CountOrgs(r.Context())
	if orgs == nil {
		orgs = []*gateway.Organization{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       orgs,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	org, err := s.deps.Store.GetOrg(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *server) handleUpdateOrg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	org, err := s.deps.Store.GetOrg(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	// Patch semantics: present fields replace, absent fields keep.
	var update struct {
		Name              *string        `json:"name,omitempty"`
		Status            *string        `json:"status,omitempty"`
		MonthlyTokenQuota *int64         `json:"monthly_token_quota,omitempty"`
		Settings          map[string]any `json:"settings,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}
	if update.Name != nil {
		if *update.Name == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse("name cannot be empty"))
			return
		}
		org.Name = *update.Name
	}
	if update.Status != nil {
		org.Status = *update.Status
	}
	if update.MonthlyTokenQuota != nil {
		org.MonthlyTokenQuota = update.MonthlyTokenQuota
	}
	if update.Settings != nil {
		org.Settings = update.Settings
	}

	if err := s.deps.Store.UpdateOrg(r.Context(), org); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "org.update", "organization", id, nil)
	writeJSON(w, http.StatusOK, org)
}

func (s *server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteOrg(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "org.delete", "organization", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- Teams ---

type teamCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	var req teamCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	// Resolve the org first so an unknown org is a clean 404 instead of a
	// foreign key error.
	if _, err := s.deps.Store.GetOrg(r.Context(), orgID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	team := &gateway.Team{
		ID:          gateway.NewID(),
		OrgID:       orgID,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Store.CreateTeam(r.Context(), team); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "team.create", "team", team.ID, map[string]string{"name": team.Name, "org_id": orgID})
	w.Header().Set("Location", "/admin/v1/teams/"+team.ID)
	writeJSON(w, http.StatusCreated, team)
}

func (s *server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.deps.Store.ListTeams(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list teams"))
		return
	}
	if teams == nil {
		teams = []*gateway.Team{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       teams,
		Pagination: pagination{Offset: 0, Limit: len(teams), Total: len(teams)},
	})
}

func (s *server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteTeam(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "team.delete", "team", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- Memberships ---

type memberAddRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

func (s *server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "id")
	var req memberAddRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("user_id is required"))
		return
	}
	if _, err := s.deps.Store.GetTeam(r.Context(), teamID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if _, err := s.deps.Store.GetUser(r.Context(), req.UserID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	role := req.Role
	if role == "" {
		role = "member"
	}
	m := &gateway.Membership{
		ID:     gateway.NewID(),
		TeamID: teamID,
		UserID: req.UserID,
		Role:   role,
	}
	if err := s.deps.Store.AddMembership(r.Context(), m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "member.add", "team", teamID, map[string]string{"user_id": req.UserID})
	writeJSON(w, http.StatusCreated, m)
}

func (s *server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")
	if err := s.deps.Store.RemoveMembership(r.Context(), teamID, userID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "member.remove", "team", teamID, map[string]string{"user_id": userID})
	w.WriteHeader(http.StatusNoContent)
}

// --- Users ---

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	offset, limit := parsePagination(r)
	users, err := s.deps.Store.ListUsers(r.Context(), status, offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list users"))
		return
	}
	total, _ := s.deps.Store.CountUsers(r.Context(), status)
	if users == nil {
		users = []*gateway.User{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       users,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, gateway.UserStatusApproved, "user.approve")
}

func (s *server) handleDisableUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, gateway.UserStatusDisabled, "user.disable")
}

func (s *server) setUserStatus(w http.ResponseWriter, r *http.Request, status, action string) {
	id := chi.URLParam(r, "id")
	u, err := s.deps.Store.GetUser(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Store.UpdateUserStatus(r.Context(), id, status); err != nil {
		writeAdminError(w, r, err)
		return
	}
	u.Status = status
	s.audit(r, action, "user", id, nil)
	writeJSON(w, http.StatusOK, u)
}

// --- Keys ---

// keyCreateRequest is the payload for minting a new API key.
type keyCreateRequest struct {
	OwnerType         string  `json:"owner_type"`
	OwnerID           string  `json:"owner_id"`
	Name              string  `json:"name,omitempty"`
	Role              string  `json:"role,omitempty"`
	MonthlyTokenQuota *int64  `json:"monthly_token_quota,omitempty"`
	DailyRequestQuota *int64  `json:"daily_request_quota,omitempty"`
	ExpiresAt         *string `json:"expires_at,omitempty"` // RFC3339
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*gateway.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}

	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		OwnerType:         req.OwnerType,
		OwnerID:           req.OwnerID,
		Name:              req.Name,
		Role:              req.Role,
		MonthlyTokenQuota: req.MonthlyTokenQuota,
		DailyRequestQuota: req.DailyRequestQuota,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	s.audit(r, "key.create", "api_key", key.ID, map[string]string{
		"owner_type": key.OwnerType,
		"owner_id":   key.OwnerID,
	})
	w.Header().Set("Location", "/admin/v1/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		APIKey:       key,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ownerType, ownerID := q.Get("owner_type"), q.Get("owner_id")
	if !gateway.ValidOwnerType(ownerType) || ownerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("owner_type and owner_id are required"))
		return
	}
	keys, err := s.deps.Keys.ListKeys(r.Context(), ownerType, ownerID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list keys"))
		return
	}
	if keys == nil {
		keys = []*gateway.APIKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: 0, Limit: len(keys), Total: len(keys)},
	})
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.RevokeKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "key.revoke", "api_key", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

func (s *server) handleKeyUsage(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	rollups, err := s.deps.Store.ListRollupsByKey(r.Context(), chi.URLParam(r, "keyID"), since, until)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to query usage"))
		return
	}
	if rollups == nil {
		rollups = []*gateway.UsageRollup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rollups})
}

func (s *server) handleOrgUsage(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	usage, err := s.deps.Store.ListOrgUsage(r.Context(), chi.URLParam(r, "orgID"), since, until)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to query usage"))
		return
	}
	if usage == nil {
		usage = []*gateway.APIUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": usage})
}

// --- Audits ---

func (s *server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	audits, err := s.deps.Store.ListAudits(r.Context(), offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list audits"))
		return
	}
	total, _ := s.deps.Store.CountAudits(r.Context())
	if audits == nil {
		audits = []*gateway.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       audits,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}
