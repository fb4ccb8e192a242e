package testutil

import (
	"context"

	gateway "github.com/eugener/heimdall/internal"
)

// TestPrincipal returns the admin principal FakeAuth resolves by default.
func TestPrincipal() *gateway.Principal {
	return &gateway.Principal{
		KeyID:     "key-test",
		OrgID:     "org-test",
		OwnerType: gateway.OwnerTypeUser,
		OwnerID:   "user-test",
		UserID:    "user-test",
		Role:      gateway.RoleAdmin,
	}
}

// FakeAuth resolves every token to a fixed principal.
type FakeAuth struct {
	// Principal overrides the default admin test principal.
	Principal *gateway.Principal
}

// Resolve returns the configured principal.
func (f *FakeAuth) Resolve(context.Context, string) (*gateway.Principal, error) {
	if f.Principal != nil {
		return f.Principal, nil
	}
	return TestPrincipal(), nil
}

// RejectAuth rejects every token.
type RejectAuth struct{}

// Resolve always returns ErrUnauthorized.
func (RejectAuth) Resolve(context.Context, string) (*gateway.Principal, error) {
	return nil, gateway.ErrUnauthorized
}

// FakeLimiter admits everything unless Deny is set.
type FakeLimiter struct {
	Deny bool
}

// Allow reports the configured decision.
func (f *FakeLimiter) Allow(context.Context, string) bool { return !f.Deny }

// FakeQuota passes every check unless Err is set.
type FakeQuota struct {
	Err error
}

// Check returns the configured error.
func (f *FakeQuota) Check(context.Context, *gateway.Principal) error { return f.Err }

// FakeSessions verifies every session token as the configured user.
type FakeSessions struct {
	UserID string
	Err    error
}

// VerifyAccess returns the configured user ID.
func (f *FakeSessions) VerifyAccess(string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.UserID, nil
}
