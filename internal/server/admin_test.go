package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// adminDo drives one admin-plane request with the default admin principal.
func adminDo(e *env, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Api-Key", "hmd_admin")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestAdminOrgCRUD(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})

	// Create
	rec := adminDo(e, http.MethodPost, "/admin/v1/orgs", `{"name":"acme","monthly_token_quota":1000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, want 201; body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") == "" {
		t.Error("Location header should be set on create")
	}
	var org gateway.Organization
	if err := json.Unmarshal(rec.Body.Bytes(), &org); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if org.Status != "active" {
		t.Errorf("status = %q, want active", org.Status)
	}
	if org.MonthlyTokenQuota == nil || *org.MonthlyTokenQuota != 1000 {
		t.Errorf("quota = %v, want 1000", org.MonthlyTokenQuota)
	}

	// List
	rec = adminDo(e, http.MethodGet, "/admin/v1/orgs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "acme") {
		t.Error("list should contain created org")
	}
	if !strings.Contains(rec.Body.String(), `"pagination"`) {
		t.Error("list should include pagination")
	}

	// Get
	rec = adminDo(e, http.MethodGet, "/admin/v1/orgs/"+org.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	// Patch: rename, keep quota.
	rec = adminDo(e, http.MethodPatch, "/admin/v1/orgs/"+org.ID, `{"name":"acme-renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var patched gateway.Organization
	if err := json.Unmarshal(rec.Body.Bytes(), &patched); err != nil {
		t.Fatalf("decode patch response: %v", err)
	}
	if patched.Name != "acme-renamed" {
		t.Errorf("name = %q, want acme-renamed", patched.Name)
	}
	if patched.MonthlyTokenQuota == nil || *patched.MonthlyTokenQuota != 1000 {
		t.Errorf("quota = %v, want untouched 1000", patched.MonthlyTokenQuota)
	}

	// Delete
	rec = adminDo(e, http.MethodDelete, "/admin/v1/orgs/"+org.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	// Get after delete -> 404
	rec = adminDo(e, http.MethodGet, "/admin/v1/orgs/"+org.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted: status = %d, want 404", rec.Code)
	}
}

func TestAdminCreateOrgDuplicate(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})

	rec := adminDo(e, http.MethodPost, "/admin/v1/orgs", `{"name":"acme"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create: status = %d", rec.Code)
	}
	rec = adminDo(e, http.MethodPost, "/admin/v1/orgs", `{"name":"acme"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create: status = %d, want 409; body = %s", rec.Code, rec.Body.String())
	}
}

func TestAdminCreateOrgMissingName(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})

	rec := adminDo(e, http.MethodPost, "/admin/v1/orgs", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
}

func TestAdminTeamFlow(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})
	e.store.AddOrg(&gateway.Organization{ID: "org-1", Name: "acme", Status: "active"})
	e.store.AddUser(&gateway.User{ID: "user-1", Name: "Ada", Email: "ada@acme.test", Status: gateway.UserStatusApproved})

	// Create a team in an unknown org -> 404.
	rec := adminDo(e, http.MethodPost, "/admin/v1/orgs/nope/teams", `{"name":"research"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown org: status = %d, want 404", rec.Code)
	}

	// Create
	rec = adminDo(e, http.MethodPost, "/admin/v1/orgs/org-1/teams", `{"name":"research","description":"ml"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create team: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var team gateway.Team
	if err := json.Unmarshal(rec.Body.Bytes(), &team); err != nil {
		t.Fatal(err)
	}
	if team.OrgID != "org-1" {
		t.Errorf("team org = %q, want org-1", team.OrgID)
	}

	// List
	rec = adminDo(e, http.MethodGet, "/admin/v1/orgs/org-1/teams", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "research") {
		t.Fatalf("list teams: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	// Add member
	rec = adminDo(e, http.MethodPost, "/admin/v1/teams/"+team.ID+"/members", `{"user_id":"user-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add member: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	// Duplicate member -> 409
	rec = adminDo(e, http.MethodPost, "/admin/v1/teams/"+team.ID+"/members", `{"user_id":"user-1"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate member: status = %d, want 409; body = %s", rec.Code, rec.Body.String())
	}

	// Remove member
	rec = adminDo(e, http.MethodDelete, "/admin/v1/teams/"+team.ID+"/members/user-1", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("remove member: status = %d, want 204", rec.Code)
	}

	// Delete team
	rec = adminDo(e, http.MethodDelete, "/admin/v1/teams/"+team.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete team: status = %d, want 204", rec.Code)
	}
}

func TestAdminUserApproval(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})
	e.store.AddUser(&gateway.User{ID: "user-1", Name: "Ada", Email: "ada@acme.test", Status: gateway.UserStatusPending})

	// Pending users show up in the filtered list.
	rec := adminDo(e, http.MethodGet, "/admin/v1/users?status=pending", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ada@acme.test") {
		t.Fatalf("list pending: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec = adminDo(e, http.MethodPost, "/admin/v1/users/user-1/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"approved"`) {
		t.Errorf("approve body = %s, want approved status", rec.Body.String())
	}

	rec = adminDo(e, http.MethodPost, "/admin/v1/users/user-1/disable", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"disabled"`) {
		t.Fatalf("disable: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec = adminDo(e, http.MethodPost, "/admin/v1/users/nope/approve", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("approve unknown: status = %d, want 404", rec.Code)
	}
}

func TestAdminKeyLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})
	e.store.AddUser(&gateway.User{ID: "user-1", Name: "Ada", Status: gateway.UserStatusApproved})

	// Mint
	rec := adminDo(e, http.MethodPost, "/admin/v1/keys", `{"owner_type":"user","owner_id":"user-1","name":"ci"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		gateway.APIKey
		Key string `json:"key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.Key, gateway.APIKeyPrefix) {
		t.Errorf("plaintext = %q, want %q prefix", created.Key, gateway.APIKeyPrefix)
	}
	if created.KeyLast4 != created.Key[len(created.Key)-4:] {
		t.Errorf("key_last4 = %q does not match plaintext suffix", created.KeyLast4)
	}
	if strings.Contains(rec.Body.String(), "key_hash") {
		t.Error("response must not expose the key hash")
	}

	// List requires the owner filter.
	rec = adminDo(e, http.MethodGet, "/admin/v1/keys", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("list without owner: status = %d, want 400", rec.Code)
	}
	rec = adminDo(e, http.MethodGet, "/admin/v1/keys?owner_type=user&owner_id=user-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), created.ID) {
		t.Fatalf("list: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	// The plaintext is shown exactly once, at mint time.
	if strings.Contains(rec.Body.String(), created.Key) {
		t.Error("list must not repeat the plaintext key")
	}

	// Revoke
	rec = adminDo(e, http.MethodDelete, "/admin/v1/keys/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	k, err := e.store.GetKey(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if k.Status != gateway.KeyStatusRevoked {
		t.Errorf("key status = %q, want revoked", k.Status)
	}

	// Unknown key -> 404.
	rec = adminDo(e, http.MethodDelete, "/admin/v1/keys/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("revoke unknown: status = %d, want 404", rec.Code)
	}
}

func TestAdminCreateKeyValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})

	for name, body := range map[string]string{
		"bad owner type": `{"owner_type":"robot","owner_id":"x"}`,
		"missing owner":  `{"owner_type":"user"}`,
		"bad role":       `{"owner_type":"user","owner_id":"x","role":"root"}`,
		"past expiry":    `{"owner_type":"user","owner_id":"x","expires_at":"2000-01-01T00:00:00Z"}`,
	} {
		rec := adminDo(e, http.MethodPost, "/admin/v1/keys", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400; body = %s", name, rec.Code, rec.Body.String())
		}
	}

	rec := adminDo(e, http.MethodPost, "/admin/v1/keys", `{"owner_type":"user","owner_id":"x","expires_at":"not-a-time"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad expires_at: status = %d, want 400", rec.Code)
	}
}

func TestAdminKeyUsage(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})

	// Seed two days of traffic through the accounting write path.
	for _, day := range []string{"2026-03-01T10:00:00Z", "2026-03-02T10:00:00Z"} {
		ts, _ := time.Parse(time.RFC3339, day)
		err := e.store.RecordRequest(context.Background(), &gateway.RequestRecord{
			ID:          gateway.NewID(),
			KeyID:       "key-1",
			OrgID:       "org-1",
			OwnerType:   gateway.OwnerTypeUser,
			OwnerID:     "user-1",
			StatusCode:  http.StatusOK,
			TotalTokens: 10,
			CreatedAt:   ts,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := adminDo(e, http.MethodGet, "/admin/v1/usage/keys/key-1?since=2026-03-01&until=2026-03-02", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data []*gateway.UsageRollup `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("rollups = %d, want 2 (window is inclusive on both ends)", len(resp.Data))
	}

	// Org usage over the same window.
	rec = adminDo(e, http.MethodGet, "/admin/v1/usage/orgs/org-1?since=2026-03-01&until=2026-03-01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("org usage: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var orgResp struct {
		Data []*gateway.APIUsage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &orgResp); err != nil {
		t.Fatal(err)
	}
	if len(orgResp.Data) != 1 {
		t.Errorf("org usage rows = %d, want 1", len(orgResp.Data))
	}

	// Garbage timestamps -> 400.
	rec = adminDo(e, http.MethodGet, "/admin/v1/usage/keys/key-1?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: status = %d, want 400", rec.Code)
	}
}

func TestAdminAuditTrail(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envConfig{})

	rec := adminDo(e, http.MethodPost, "/admin/v1/orgs", `{"name":"acme"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}
	rec = adminDo(e, http.MethodPost, "/admin/v1/orgs", `{"name":"globex"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	rec = adminDo(e, http.MethodGet, "/admin/v1/audits", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("audits: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data []*gateway.AuditEntry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(resp.Data))
	}
	// Newest first.
	if resp.Data[0].Action != "org.create" || resp.Data[0].ActorKeyID != "key-test" {
		t.Errorf("entry = %+v, want org.create by key-test", resp.Data[0])
	}
	if !strings.Contains(string(resp.Data[0].Meta), "globex") {
		t.Errorf("newest entry meta = %s, want the second org", resp.Data[0].Meta)
	}
}
