// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// CredentialStore is the read path used by API key resolution.
type CredentialStore interface {
	// ListKeysByLast4 returns candidate keys whose plaintext ended in last4.
	ListKeysByLast4(ctx context.Context, last4 string) ([]*gateway.APIKey, error)
	// OwnerOrgID resolves a key owner to its organization. Missing owners
	// resolve to "" without error.
	OwnerOrgID(ctx context.Context, ownerType, ownerID string) (string, error)
	TouchKeyUsed(ctx context.Context, id string) error
}

// KeyStore manages API key persistence.
type KeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	ListKeysByOwner(ctx context.Context, ownerType, ownerID string) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, id string) error
}

// OrgStore manages organization and team persistence.
type OrgStore interface {
	CreateOrg(ctx context.Context, org *gateway.Organization) error
	GetOrg(ctx context.Context, id string) (*gateway.Organization, error)
	GetOrgByName(ctx context.Context, name string) (*gateway.Organization, error)
	ListOrgs(ctx context.Context, offset, limit int) ([]*gateway.Organization, error)
	CountOrgs(ctx context.Context) (int, error)
	UpdateOrg(ctx context.Context, org *gateway.Organization) error
	DeleteOrg(ctx context.Context, id string) error
	CreateTeam(ctx context.Context, team *gateway.Team) error
	GetTeam(ctx context.Context, id string) (*gateway.Team, error)
	ListTeams(ctx context.Context, orgID string) ([]*gateway.Team, error)
	DeleteTeam(ctx context.Context, id string) error
}

// UserStore manages user accounts and team memberships.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	GetUserByEmail(ctx context.Context, email string) (*gateway.User, error)
	ListUsers(ctx context.Context, status string, offset, limit int) ([]*gateway.User, error)
	CountUsers(ctx context.Context, status string) (int, error)
	UpdateUserStatus(ctx context.Context, id, status string) error
	AddMembership(ctx context.Context, m *gateway.Membership) error
	RemoveMembership(ctx context.Context, teamID, userID string) error
	ListTeamMembers(ctx context.Context, teamID string) ([]*gateway.Membership, error)
}

// AccountingStore records completed requests and serves usage reads.
type AccountingStore interface {
	// RecordRequest inserts the request row and bumps both rollup tables in
	// one transaction.
	RecordRequest(ctx context.Context, rec *gateway.RequestRecord) error
	ListRollupsByKey(ctx context.Context, keyID string, since, until time.Time) ([]*gateway.UsageRollup, error)
	ListRollupsByUser(ctx context.Context, userID string, since, until time.Time) ([]*gateway.UsageRollup, error)
	ListOrgUsage(ctx context.Context, orgID string, since, until time.Time) ([]*gateway.APIUsage, error)
}

// QuotaStore serves the reads the quota guard performs per request.
type QuotaStore interface {
	GetOrg(ctx context.Context, id string) (*gateway.Organization, error)
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	SumOrgTokens(ctx context.Context, orgID string, since, until time.Time) (int64, error)
	SumKeyTokens(ctx context.Context, keyID string, since, until time.Time) (int64, error)
	CountKeyRequests(ctx context.Context, keyID string, day time.Time) (int64, error)
}

// AuditStore appends and lists admin audit records.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *gateway.AuditEntry) error
	ListAudits(ctx context.Context, offset, limit int) ([]*gateway.AuditEntry, error)
	CountAudits(ctx context.Context) (int, error)
}

// Store combines all storage interfaces.
type Store interface {
	CredentialStore
	KeyStore
	OrgStore
	UserStore
	AccountingStore
	QuotaStore
	AuditStore
	Ping(ctx context.Context) error
	Close() error
}
