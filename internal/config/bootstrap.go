package config

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// DefaultOrgName is the organization self-registered users land in.
const DefaultOrgName = "default"

// BootstrapStore is the slice of storage the bootstrap step needs.
type BootstrapStore interface {
	GetOrgByName(ctx context.Context, name string) (*gateway.Organization, error)
	CreateOrg(ctx context.Context, org *gateway.Organization) error
}

// Bootstrap seeds the default organization on first run. It is idempotent and
// safe to race between concurrently starting instances.
func Bootstrap(ctx context.Context, store BootstrapStore) error {
	existing, _ := store.GetOrgByName(ctx, DefaultOrgName)
	if existing != nil {
		return nil
	}
	org := &gateway.Organization{
		ID:        gateway.NewID(),
		Name:      DefaultOrgName,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	err := store.CreateOrg(ctx, org)
	if errors.Is(err, gateway.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("bootstrapped organization", "name", DefaultOrgName)
	return nil
}
