package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/app"
)

// Self-service plane. Accounts register here, wait for admin approval, then
// mint and manage their own user-owned keys with bearer-token sessions.

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.deps.Users.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	access, refresh, _, err := s.deps.Users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	access, err := s.deps.Users.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
	})
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Users.Get(r.Context(), gateway.SessionUserFromContext(r.Context()))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type ownKeyCreateRequest struct {
	Name string `json:"name"`
}

func (s *server) handleCreateOwnKey(w http.ResponseWriter, r *http.Request) {
	var req ownKeyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Self-minted keys are always user-owned and never carry the admin role.
	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		OwnerType: gateway.OwnerTypeUser,
		OwnerID:   gateway.SessionUserFromContext(r.Context()),
		Name:      req.Name,
		Role:      gateway.RoleUser,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		APIKey:       key,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleListOwnKeys(w http.ResponseWriter, r *http.Request) {
	uid := gateway.SessionUserFromContext(r.Context())
	keys, err := s.deps.Keys.ListKeys(r.Context(), gateway.OwnerTypeUser, uid)
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

func (s *server) handleRevokeOwnKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := s.deps.Store.GetKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	// Someone else's key looks identical to a missing one.
	uid := gateway.SessionUserFromContext(r.Context())
	if key.OwnerType != gateway.OwnerTypeUser || key.OwnerID != uid {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	if err := s.deps.Keys.RevokeKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleOwnUsage(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	uid := gateway.SessionUserFromContext(r.Context())
	rollups, err := s.deps.Store.ListRollupsByUser(r.Context(), uid, since, until)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to query usage"))
		return
	}
	if rollups == nil {
		rollups = []*gateway.UsageRollup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rollups})
}
