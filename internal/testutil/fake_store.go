package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
// Collections behave like the real schema: RecordRequest is additive on the
// rollup tables, owner lookups resolve through orgs, and missing rows return
// gateway.ErrNotFound.
type FakeStore struct {
	mu          sync.RWMutex
	keys        map[string]*gateway.APIKey
	orgs        map[string]*gateway.Organization
	teams       map[string]*gateway.Team
	users       map[string]*gateway.User
	memberships []*gateway.Membership
	records     []*gateway.RequestRecord
	rollups     map[string]*gateway.UsageRollup
	usage       map[string]*gateway.APIUsage
	audits      []*gateway.AuditEntry

	// RecordErr, when set, is returned by RecordRequest instead of writing.
	RecordErr error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:    make(map[string]*gateway.APIKey),
		orgs:    make(map[string]*gateway.Organization),
		teams:   make(map[string]*gateway.Team),
		users:   make(map[string]*gateway.User),
		rollups: make(map[string]*gateway.UsageRollup),
		usage:   make(map[string]*gateway.APIUsage),
	}
}

// AddKey inserts a key directly, bypassing validation.
func (s *FakeStore) AddKey(k *gateway.APIKey) {
	s.mu.Lock()
	s.keys[k.ID] = k
	s.mu.Unlock()
}

// AddOrg inserts an organization directly.
func (s *FakeStore) AddOrg(o *gateway.Organization) {
	s.mu.Lock()
	s.orgs[o.ID] = o
	s.mu.Unlock()
}

// AddUser inserts a user directly.
func (s *FakeStore) AddUser(u *gateway.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// Records returns a copy of all recorded requests.
func (s *FakeStore) Records() []*gateway.RequestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*gateway.RequestRecord(nil), s.records...)
}

// --- CredentialStore ---

// ListKeysByLast4 returns keys whose last4 column matches.
func (s *FakeStore) ListKeysByLast4(_ context.Context, last4 string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.KeyLast4 == last4 {
			out = append(out, k)
		}
	}
	return out, nil
}

// OwnerOrgID resolves a key owner to its organization.
func (s *FakeStore) OwnerOrgID(_ context.Context, ownerType, ownerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch ownerType {
	case gateway.OwnerTypeUser:
		if u, ok := s.users[ownerID]; ok {
			return u.OrgID, nil
		}
	case gateway.OwnerTypeTeam:
		if t, ok := s.teams[ownerID]; ok {
			return t.OrgID, nil
		}
	}
	return "", nil
}

// TouchKeyUsed stamps the key's last-used time.
func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

// --- KeyStore ---

// CreateKey stores a key.
func (s *FakeStore) CreateKey(_ context.Context, k *gateway.APIKey) error {
	s.AddKey(k)
	return nil
}

// GetKey looks up a key by ID.
func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.mu.RLock()
	k, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

// ListKeysByOwner returns keys for one owner, oldest first.
func (s *FakeStore) ListKeysByOwner(_ context.Context, ownerType, ownerID string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.OwnerType == ownerType && k.OwnerID == ownerID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RevokeKey marks a key revoked.
func (s *FakeStore) RevokeKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.Status = gateway.KeyStatusRevoked
	return nil
}

// --- OrgStore ---

// CreateOrg stores an organization, rejecting duplicate names.
func (s *FakeStore) CreateOrg(_ context.Context, org *gateway.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Name == org.Name {
			return gateway.ErrConflict
		}
	}
	s.orgs[org.ID] = org
	return nil
}

// GetOrg looks up an organization by ID.
func (s *FakeStore) GetOrg(_ context.Context, id string) (*gateway.Organization, error) {
	s.mu.RLock()
	o, ok := s.orgs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return o, nil
}

// GetOrgByName looks up an organization by name.
func (s *FakeStore) GetOrgByName(_ context.Context, name string) (*gateway.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orgs {
		if o.Name == name {
			return o, nil
		}
	}
	return nil, gateway.ErrNotFound
}

// ListOrgs returns organizations ordered by ID with offset/limit paging.
func (s *FakeStore) ListOrgs(_ context.Context, offset, limit int) ([]*gateway.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, offset, limit), nil
}

// CountOrgs returns the number of organizations.
func (s *FakeStore) CountOrgs(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orgs), nil
}

// UpdateOrg replaces a stored organization.
func (s *FakeStore) UpdateOrg(_ context.Context, org *gateway.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.orgs[org.ID] = org
	return nil
}

// DeleteOrg removes an organization.
func (s *FakeStore) DeleteOrg(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.orgs, id)
	return nil
}

// CreateTeam stores a team.
func (s *FakeStore) CreateTeam(_ context.Context, team *gateway.Team) error {
	s.mu.Lock()
	s.teams[team.ID] = team
	s.mu.Unlock()
	return nil
}

// GetTeam looks up a team by ID.
func (s *FakeStore) GetTeam(_ context.Context, id string) (*gateway.Team, error) {
	s.mu.RLock()
	t, ok := s.teams[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return t, nil
}

// ListTeams returns the teams of one organization, oldest first.
func (s *FakeStore) ListTeams(_ context.Context, orgID string) ([]*gateway.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Team
	for _, t := range s.teams {
		if t.OrgID == orgID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteTeam removes a team.
func (s *FakeStore) DeleteTeam(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.teams, id)
	return nil
}

// --- UserStore ---

// CreateUser stores a user, rejecting duplicate emails.
func (s *FakeStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return gateway.ErrConflict
		}
	}
	s.users[u.ID] = u
	return nil
}

// GetUser looks up a user by ID.
func (s *FakeStore) GetUser(_ context.Context, id string) (*gateway.User, error) {
	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return u, nil
}

// GetUserByEmail looks up a user by email.
func (s *FakeStore) GetUserByEmail(_ context.Context, email string) (*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, gateway.ErrNotFound
}

// ListUsers returns users ordered by ID, optionally filtered by status.
func (s *FakeStore) ListUsers(_ context.Context, status string, offset, limit int) ([]*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.User
	for _, u := range s.users {
		if status == "" || u.Status == status {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, offset, limit), nil
}

// CountUsers counts users, optionally filtered by status.
func (s *FakeStore) CountUsers(_ context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.users {
		if status == "" || u.Status == status {
			n++
		}
	}
	return n, nil
}

// UpdateUserStatus sets a user's approval status.
func (s *FakeStore) UpdateUserStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return gateway.ErrNotFound
	}
	u.Status = status
	return nil
}

// AddMembership adds a user to a team.
func (s *FakeStore) AddMembership(_ context.Context, m *gateway.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.memberships {
		if existing.TeamID == m.TeamID && existing.UserID == m.UserID {
			return gateway.ErrConflict
		}
	}
	s.memberships = append(s.memberships, m)
	return nil
}

// RemoveMembership removes a user from a team.
func (s *FakeStore) RemoveMembership(_ context.Context, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.memberships {
		if m.TeamID == teamID && m.UserID == userID {
			s.memberships = append(s.memberships[:i], s.memberships[i+1:]...)
			return nil
		}
	}
	return gateway.ErrNotFound
}

// ListTeamMembers returns the memberships of one team.
func (s *FakeStore) ListTeamMembers(_ context.Context, teamID string) ([]*gateway.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Membership
	for _, m := range s.memberships {
		if m.TeamID == teamID {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- AccountingStore ---

// RecordRequest appends the record and bumps both rollup tables, mirroring
// the transactional UPSERTs of the real store.
func (s *FakeStore) RecordRequest(_ context.Context, rec *gateway.RequestRecord) error {
	if s.RecordErr != nil {
		return s.RecordErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)

	day := rec.CreatedAt.UTC().Truncate(24 * time.Hour)
	rk := rec.KeyID + "|" + day.Format("2006-01-02")
	r, ok := s.rollups[rk]
	if !ok {
		r = &gateway.UsageRollup{KeyID: rec.KeyID, UserID: rec.UserID, Day: day}
		s.rollups[rk] = r
	}
	r.RequestCount++
	r.PromptTokens += rec.PromptTokens
	r.CompletionTokens += rec.CompletionTokens
	r.TotalTokens += rec.TotalTokens

	if rec.OrgID == "" {
		return nil
	}
	uk := rec.OrgID + "|" + rec.OwnerType + "|" + rec.OwnerID + "|" + rec.KeyID + "|" + day.Format("2006-01-02")
	u, ok := s.usage[uk]
	if !ok {
		u = &gateway.APIUsage{
			OrgID:     rec.OrgID,
			OwnerType: rec.OwnerType,
			OwnerID:   rec.OwnerID,
			KeyID:     rec.KeyID,
			Day:       day,
		}
		s.usage[uk] = u
	}
	u.RequestCount++
	u.PromptTokens += rec.PromptTokens
	u.CompletionTokens += rec.CompletionTokens
	u.TotalTokens += rec.TotalTokens
	return nil
}

// ListRollupsByKey returns daily rollups for one key in the inclusive day window.
func (s *FakeStore) ListRollupsByKey(_ context.Context, keyID string, since, until time.Time) ([]*gateway.UsageRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.UsageRollup
	for _, r := range s.rollups {
		if r.KeyID == keyID && inWindow(r.Day, since, until) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// ListRollupsByUser returns daily rollups for one user in the inclusive day window.
func (s *FakeStore) ListRollupsByUser(_ context.Context, userID string, since, until time.Time) ([]*gateway.UsageRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.UsageRollup
	for _, r := range s.rollups {
		if r.UserID == userID && inWindow(r.Day, since, until) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// ListOrgUsage returns per-owner usage rows for one org in the inclusive day window.
func (s *FakeStore) ListOrgUsage(_ context.Context, orgID string, since, until time.Time) ([]*gateway.APIUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIUsage
	for _, u := range s.usage {
		if u.OrgID == orgID && inWindow(u.Day, since, until) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// --- QuotaStore ---

// SumOrgTokens totals tokens used by an org in the inclusive day window.
func (s *FakeStore) SumOrgTokens(_ context.Context, orgID string, since, until time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, u := range s.usage {
		if u.OrgID == orgID && inWindow(u.Day, since, until) {
			total += u.TotalTokens
		}
	}
	return total, nil
}

// SumKeyTokens totals tokens used by a key in the inclusive day window.
func (s *FakeStore) SumKeyTokens(_ context.Context, keyID string, since, until time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, r := range s.rollups {
		if r.KeyID == keyID && inWindow(r.Day, since, until) {
			total += r.TotalTokens
		}
	}
	return total, nil
}

// CountKeyRequests returns the key's request count for one day.
func (s *FakeStore) CountKeyRequests(_ context.Context, keyID string, day time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day = day.UTC().Truncate(24 * time.Hour)
	if r, ok := s.rollups[keyID+"|"+day.Format("2006-01-02")]; ok {
		return r.RequestCount, nil
	}
	return 0, nil
}

// --- AuditStore ---

// AppendAudit appends an audit entry.
func (s *FakeStore) AppendAudit(_ context.Context, e *gateway.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.audits) + 1)
	s.audits = append(s.audits, e)
	return nil
}

// ListAudits returns audit entries, newest first.
func (s *FakeStore) ListAudits(_ context.Context, offset, limit int) ([]*gateway.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.AuditEntry, len(s.audits))
	for i, e := range s.audits {
		out[len(s.audits)-1-i] = e
	}
	return page(out, offset, limit), nil
}

// CountAudits returns the number of audit entries.
func (s *FakeStore) CountAudits(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.audits), nil
}

// Ping reports the store healthy.
func (s *FakeStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }

// inWindow matches the SQL predicate day >= since AND day <= until.
func inWindow(day, since, until time.Time) bool {
	return !day.Before(since) && !day.After(until)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
