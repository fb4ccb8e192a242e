// Package auth resolves API keys and dashboard session tokens to principals.
// Verified keys are cached in a W-TinyLFU cache to skip repeated bcrypt work.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

type cacheEntry struct {
	principal *gateway.Principal
	expiresAt *time.Time
}

// CredentialResolver authenticates x-api-key tokens against the store.
type CredentialResolver struct {
	store        storage.CredentialStore
	bootstrapKey []byte // empty disables the bootstrap path
	cache        *otter.Cache[string, cacheEntry]
	keyIDToHash  sync.Map // keyID -> token hash for cache invalidation by key ID
}

// NewCredentialResolver returns a resolver backed by store. bootstrapKey is
// the plaintext admin key from configuration; pass "" to disable it.
func NewCredentialResolver(store storage.CredentialStore, bootstrapKey string) (*CredentialResolver, error) {
	c, err := otter.New(&otter.Options[string, cacheEntry]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cacheEntry](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &CredentialResolver{
		store:        store,
		bootstrapKey: []byte(bootstrapKey),
		cache:        c,
	}, nil
}

// Resolve validates a presented API key and returns the caller's Principal.
// Every failure mode -- missing token, unknown key, revoked, expired, and
// store errors alike -- collapses to ErrUnauthorized so the response never
// reveals whether a key exists.
func (a *CredentialResolver) Resolve(ctx context.Context, token string) (*gateway.Principal, error) {
	if token == "" {
		return nil, gateway.ErrUnauthorized
	}

	// The bootstrap key never touches the database, so operators keep access
	// while the store is down.
	if len(a.bootstrapKey) > 0 && subtle.ConstantTimeCompare(a.bootstrapKey, []byte(token)) == 1 {
		return bootstrapPrincipal(), nil
	}

	hash := gateway.HashToken(token)
	if e, ok := a.cache.GetIfPresent(hash); ok {
		if e.expiresAt == nil || e.expiresAt.After(time.Now()) {
			return e.principal, nil
		}
		a.cache.Invalidate(hash)
	}

	if len(token) < 4 {
		return nil, gateway.ErrUnauthorized
	}
	candidates, err := a.store.ListKeysByLast4(ctx, token[len(token)-4:])
	if err != nil {
		slog.Warn("api key lookup failed", "error", err)
		return nil, gateway.ErrUnauthorized
	}

	now := time.Now()
	for _, key := range candidates {
		if key.Status != gateway.KeyStatusActive {
			continue
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(token)) != nil {
			continue
		}
		return a.admit(ctx, hash, key)
	}
	return nil, gateway.ErrUnauthorized
}

// admit builds the Principal for a verified key, caches it, and touches
// last_used_at off the request context.
func (a *CredentialResolver) admit(ctx context.Context, hash string, key *gateway.APIKey) (*gateway.Principal, error) {
	orgID, err := a.store.OwnerOrgID(ctx, key.OwnerType, key.OwnerID)
	if err != nil {
		slog.Warn("owner org lookup failed", "key_id", key.ID, "error", err)
		return nil, gateway.ErrUnauthorized
	}

	p := &gateway.Principal{
		KeyID:     key.ID,
		OrgID:     orgID,
		OwnerType: key.OwnerType,
		OwnerID:   key.OwnerID,
		UserID:    key.UserID,
		Role:      key.Role,
	}
	if p.Role == "" {
		p.Role = gateway.RoleUser
	}

	a.cache.Set(hash, cacheEntry{principal: p, expiresAt: key.ExpiresAt})
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return p, nil
}

// Invalidate removes a cached principal by its key ID. Called when admin
// operations revoke or reassign a key.
func (a *CredentialResolver) Invalidate(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

func bootstrapPrincipal() *gateway.Principal {
	return &gateway.Principal{
		KeyID:     gateway.BootstrapKeyID,
		OwnerType: gateway.OwnerTypeUser,
		OwnerID:   gateway.BootstrapKeyID,
		Role:      gateway.RoleAdmin,
	}
}
