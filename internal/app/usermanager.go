package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/auth"
	"github.com/eugener/heimdall/internal/config"
	"github.com/eugener/heimdall/internal/storage"
)

const minPasswordLen = 8

// UserManager handles self-service account flows: registration, login, and
// session refresh. Admin-side status changes go through the store directly.
type UserManager struct {
	store  storage.UserStore
	orgs   storage.OrgStore
	tokens *auth.TokenIssuer
}

// NewUserManager returns a UserManager backed by the given stores and token
// issuer.
func NewUserManager(store storage.UserStore, orgs storage.OrgStore, tokens *auth.TokenIssuer) *UserManager {
	return &UserManager{store: store, orgs: orgs, tokens: tokens}
}

// Register creates a pending account in the default organization. The user
// cannot log in until an admin approves it.
func (um *UserManager) Register(ctx context.Context, name, email, password string) (*gateway.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", gateway.ErrBadRequest)
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email", gateway.ErrBadRequest)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", gateway.ErrBadRequest, minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &gateway.User{
		ID:           gateway.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Status:       gateway.UserStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	// New accounts land in the default organization when it exists; a missing
	// default org leaves the account unattached rather than failing signup.
	if org, err := um.orgs.GetOrgByName(ctx, config.DefaultOrgName); err == nil {
		u.OrgID = org.ID
	}

	if err := um.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies the password and returns an access/refresh token pair.
// Unknown emails and wrong passwords both yield ErrUnauthorized; accounts not
// yet approved (or disabled) yield ErrForbidden.
func (um *UserManager) Login(ctx context.Context, email, password string) (access, refresh string, user *gateway.User, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := um.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a bcrypt verification anyway so unknown emails take as long as
		// wrong passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password)) //nolint:errcheck
		return "", "", nil, gateway.ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", "", nil, gateway.ErrUnauthorized
	}
	if u.Status != gateway.UserStatusApproved {
		return "", "", nil, fmt.Errorf("%w: account not approved", gateway.ErrForbidden)
	}

	access, refresh, err = um.tokens.IssuePair(u.ID)
	if err != nil {
		return "", "", nil, err
	}
	return access, refresh, u, nil
}

// Refresh exchanges a refresh token for a fresh access token. The account
// must still be approved.
func (um *UserManager) Refresh(ctx context.Context, refreshToken string) (string, error) {
	userID, err := um.tokens.Verify(refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return "", err
	}
	u, err := um.store.GetUser(ctx, userID)
	if err != nil {
		return "", gateway.ErrUnauthorized
	}
	if u.Status != gateway.UserStatusApproved {
		return "", fmt.Errorf("%w: account not approved", gateway.ErrForbidden)
	}
	return um.tokens.IssueAccess(u.ID)
}

// Get returns a user by ID.
func (um *UserManager) Get(ctx context.Context, id string) (*gateway.User, error) {
	return um.store.GetUser(ctx, id)
}
