// Package app implements application services for the heimdall gateway: API
// key lifecycle and user account flows.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/storage"
)

// CacheInvalidator drops cached credentials after a key mutation so revoked
// keys stop resolving within one request rather than one cache TTL.
type CacheInvalidator interface {
	Invalidate(keyID string)
}

// KeyManager handles API key lifecycle: mint, list, revoke.
type KeyManager struct {
	store       storage.KeyStore
	invalidator CacheInvalidator // nil = no cache to invalidate
}

// NewKeyManager returns a KeyManager backed by store. invalidator may be nil.
func NewKeyManager(store storage.KeyStore, invalidator CacheInvalidator) *KeyManager {
	return &KeyManager{store: store, invalidator: invalidator}
}

// CreateKeyOpts holds all fields for API key creation.
type CreateKeyOpts struct {
	OwnerType         string
	OwnerID           string
	Name              string
	Role              string
	MonthlyTokenQuota *int64
	DailyRequestQuota *int64
	ExpiresAt         *time.Time
}

// CreateKey mints a new API key, stores its bcrypt hash and last four
// characters, and returns the plaintext. The plaintext is shown exactly once;
// only the hash and the last4 narrowing column are persisted.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.APIKey, error) {
	if !gateway.ValidOwnerType(opts.OwnerType) {
		return "", nil, fmt.Errorf("%w: invalid owner_type %q", gateway.ErrBadRequest, opts.OwnerType)
	}
	if opts.OwnerID == "" {
		return "", nil, fmt.Errorf("%w: owner_id is required", gateway.ErrBadRequest)
	}
	role := opts.Role
	if role == "" {
		role = gateway.RoleUser
	}
	if !gateway.ValidRole(role) {
		return "", nil, fmt.Errorf("%w: invalid role %q", gateway.ErrBadRequest, role)
	}
	if opts.ExpiresAt != nil && opts.ExpiresAt.Before(time.Now()) {
		return "", nil, fmt.Errorf("%w: expires_at is in the past", gateway.ErrBadRequest)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	key := &gateway.APIKey{
		ID:                gateway.NewID(),
		OwnerType:         opts.OwnerType,
		OwnerID:           opts.OwnerID,
		Name:              opts.Name,
		KeyHash:           string(hash),
		KeyLast4:          plaintext[len(plaintext)-4:],
		Role:              role,
		Status:            gateway.KeyStatusActive,
		MonthlyTokenQuota: opts.MonthlyTokenQuota,
		DailyRequestQuota: opts.DailyRequestQuota,
		ExpiresAt:         opts.ExpiresAt,
		CreatedAt:         time.Now().UTC(),
	}
	// The legacy user_id column is populated only for user-owned keys.
	if opts.OwnerType == gateway.OwnerTypeUser {
		key.UserID = opts.OwnerID
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// RevokeKey marks the key revoked and drops it from the credential cache.
func (km *KeyManager) RevokeKey(ctx context.Context, id string) error {
	if err := km.store.RevokeKey(ctx, id); err != nil {
		return err
	}
	if km.invalidator != nil {
		km.invalidator.Invalidate(id)
	}
	return nil
}

// ListKeys returns the keys owned by a user or team.
func (km *KeyManager) ListKeys(ctx context.Context, ownerType, ownerID string) ([]*gateway.APIKey, error) {
	return km.store.ListKeysByOwner(ctx, ownerType, ownerID)
}
