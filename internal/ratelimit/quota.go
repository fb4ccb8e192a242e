package ratelimit

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/storage"
)

// QuotaGuard enforces monthly token budgets and daily request budgets from
// accounting rollups. Checks are eventually consistent: a request in flight
// when a quota trips is not clawed back.
type QuotaGuard struct {
	store storage.QuotaStore

	now func() time.Time // test hook
}

// NewQuotaGuard creates a guard backed by the accounting store.
func NewQuotaGuard(store storage.QuotaStore) *QuotaGuard {
	return &QuotaGuard{store: store, now: time.Now}
}

// Check returns gateway.ErrQuotaExceeded when one of the principal's budgets
// is exhausted. Store errors pass the request through and log.
func (g *QuotaGuard) Check(ctx context.Context, p *gateway.Principal) error {
	now := g.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if p.OrgID != "" {
		if err := g.checkOrg(ctx, p.OrgID, monthStart, now); err != nil {
			return err
		}
	}
	// The bootstrap key is synthetic and has no row to carry quotas.
	if p.KeyID == gateway.BootstrapKeyID {
		return nil
	}
	return g.checkKey(ctx, p.KeyID, monthStart, now)
}

func (g *QuotaGuard) checkOrg(ctx context.Context, orgID string, monthStart, now time.Time) error {
	org, err := g.store.GetOrg(ctx, orgID)
	if err != nil {
		slog.Warn("org quota check skipped", "org_id", orgID, "error", err)
		return nil
	}
	if org.MonthlyTokenQuota == nil {
		return nil
	}
	used, err := g.store.SumOrgTokens(ctx, orgID, monthStart, now)
	if err != nil {
		slog.Warn("org quota check skipped", "org_id", orgID, "error", err)
		return nil
	}
	if used >= *org.MonthlyTokenQuota {
		return gateway.ErrQuotaExceeded
	}
	return nil
}

func (g *QuotaGuard) checkKey(ctx context.Context, keyID string, monthStart, now time.Time) error {
	key, err := g.store.GetKey(ctx, keyID)
	if err != nil {
		slog.Warn("key quota check skipped", "key_id", keyID, "error", err)
		return nil
	}
	if key.MonthlyTokenQuota != nil {
		used, err := g.store.SumKeyTokens(ctx, keyID, monthStart, now)
		switch {
		case err != nil:
			slog.Warn("key quota check skipped", "key_id", keyID, "error", err)
		case used >= *key.MonthlyTokenQuota:
			return gateway.ErrQuotaExceeded
		}
	}
	if key.DailyRequestQuota != nil {
		n, err := g.store.CountKeyRequests(ctx, keyID, now)
		switch {
		case err != nil:
			slog.Warn("key quota check skipped", "key_id", keyID, "error", err)
		case n >= *key.DailyRequestQuota:
			return gateway.ErrQuotaExceeded
		}
	}
	return nil
}
