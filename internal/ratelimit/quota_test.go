package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

type fakeQuotaStore struct {
	org       *gateway.Organization
	key       *gateway.APIKey
	orgTokens int64
	keyTokens int64
	keyReqs   int64

	failOrgs bool
	failSums bool

	orgCalls int
	keyCalls int
	sumSince time.Time
	sumUntil time.Time
}

func (s *fakeQuotaStore) GetOrg(_ context.Context, id string) (*gateway.Organization, error) {
	s.orgCalls++
	if s.failOrgs {
		return nil, errors.New("store down")
	}
	if s.org == nil || s.org.ID != id {
		return nil, gateway.ErrNotFound
	}
	return s.org, nil
}

func (s *fakeQuotaStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.keyCalls++
	if s.key == nil || s.key.ID != id {
		return nil, gateway.ErrNotFound
	}
	return s.key, nil
}

func (s *fakeQuotaStore) SumOrgTokens(_ context.Context, _ string, since, until time.Time) (int64, error) {
	if s.failSums {
		return 0, errors.New("store down")
	}
	s.sumSince, s.sumUntil = since, until
	return s.orgTokens, nil
}

func (s *fakeQuotaStore) SumKeyTokens(_ context.Context, _ string, _, _ time.Time) (int64, error) {
	if s.failSums {
		return 0, errors.New("store down")
	}
	return s.keyTokens, nil
}

func (s *fakeQuotaStore) CountKeyRequests(_ context.Context, _ string, _ time.Time) (int64, error) {
	if s.failSums {
		return 0, errors.New("store down")
	}
	return s.keyReqs, nil
}

var quotaNow = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func newQuotaGuard(store *fakeQuotaStore) *QuotaGuard {
	g := NewQuotaGuard(store)
	g.now = func() time.Time { return quotaNow }
	return g
}

func i64(n int64) *int64 { return &n }

func quotaPrincipal() *gateway.Principal {
	return &gateway.Principal{
		KeyID:     "key1",
		OrgID:     "org1",
		OwnerType: gateway.OwnerTypeUser,
		OwnerID:   "u1",
	}
}

func TestQuotaGuard_WithinBudget(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{
		org:       &gateway.Organization{ID: "org1", MonthlyTokenQuota: i64(1000)},
		key:       &gateway.APIKey{ID: "key1"},
		orgTokens: 500,
	}
	g := newQuotaGuard(store)

	if err := g.Check(context.Background(), quotaPrincipal()); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

func TestQuotaGuard_OrgExhausted(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{
		org:       &gateway.Organization{ID: "org1", MonthlyTokenQuota: i64(1000)},
		key:       &gateway.APIKey{ID: "key1"},
		orgTokens: 1000,
	}
	g := newQuotaGuard(store)

	err := g.Check(context.Background(), quotaPrincipal())
	if !errors.Is(err, gateway.ErrQuotaExceeded) {
		t.Errorf("Check() = %v, want ErrQuotaExceeded", err)
	}
}

func TestQuotaGuard_UnlimitedOrg(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{
		org:       &gateway.Organization{ID: "org1"},
		key:       &gateway.APIKey{ID: "key1"},
		orgTokens: 1 << 40,
	}
	g := newQuotaGuard(store)

	if err := g.Check(context.Background(), quotaPrincipal()); err != nil {
		t.Errorf("null quota should be unlimited, got %v", err)
	}
}

func TestQuotaGuard_NoOrgSkipsOrgCheck(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{key: &gateway.APIKey{ID: "key1"}}
	g := newQuotaGuard(store)

	p := quotaPrincipal()
	p.OrgID = ""
	if err := g.Check(context.Background(), p); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
	if store.orgCalls != 0 {
		t.Errorf("orgCalls = %d, want 0", store.orgCalls)
	}
}

func TestQuotaGuard_KeyMonthlyExhausted(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{
		org:       &gateway.Organization{ID: "org1"},
		key:       &gateway.APIKey{ID: "key1", MonthlyTokenQuota: i64(100)},
		keyTokens: 100,
	}
	g := newQuotaGuard(store)

	err := g.Check(context.Background(), quotaPrincipal())
	if !errors.Is(err, gateway.ErrQuotaExceeded) {
		t.Errorf("Check() = %v, want ErrQuotaExceeded", err)
	}
}

func TestQuotaGuard_KeyDailyExhausted(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{
		org:     &gateway.Organization{ID: "org1"},
		key:     &gateway.APIKey{ID: "key1", DailyRequestQuota: i64(10)},
		keyReqs: 10,
	}
	g := newQuotaGuard(store)

	err := g.Check(context.Background(), quotaPrincipal())
	if !errors.Is(err, gateway.ErrQuotaExceeded) {
		t.Errorf("Check() = %v, want ErrQuotaExceeded", err)
	}
}

func TestQuotaGuard_KeyWithinBudget(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{
		org:       &gateway.Organization{ID: "org1"},
		key:       &gateway.APIKey{ID: "key1", MonthlyTokenQuota: i64(100), DailyRequestQuota: i64(10)},
		keyTokens: 99,
		keyReqs:   9,
	}
	g := newQuotaGuard(store)

	if err := g.Check(context.Background(), quotaPrincipal()); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

func TestQuotaGuard_FailOpen(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{
		org:      &gateway.Organization{ID: "org1", MonthlyTokenQuota: i64(1)},
		key:      &gateway.APIKey{ID: "key1", MonthlyTokenQuota: i64(1)},
		failSums: true,
	}
	g := newQuotaGuard(store)

	if err := g.Check(context.Background(), quotaPrincipal()); err != nil {
		t.Errorf("sum failure should pass the request, got %v", err)
	}

	store.failOrgs = true
	if err := g.Check(context.Background(), quotaPrincipal()); err != nil {
		t.Errorf("org lookup failure should pass the request, got %v", err)
	}
}

func TestQuotaGuard_BootstrapSkipsKeyLookup(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{}
	g := newQuotaGuard(store)

	p := &gateway.Principal{KeyID: gateway.BootstrapKeyID, Role: gateway.RoleAdmin}
	if err := g.Check(context.Background(), p); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
	if store.keyCalls != 0 {
		t.Errorf("keyCalls = %d, want 0", store.keyCalls)
	}
}

func TestQuotaGuard_MonthWindow(t *testing.T) {
	t.Parallel()
	store := &fakeQuotaStore{
		org: &gateway.Organization{ID: "org1", MonthlyTokenQuota: i64(1000)},
		key: &gateway.APIKey{ID: "key1"},
	}
	g := newQuotaGuard(store)

	if err := g.Check(context.Background(), quotaPrincipal()); err != nil {
		t.Fatalf("Check() = %v, want nil", err)
	}

	wantSince := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if !store.sumSince.Equal(wantSince) {
		t.Errorf("since = %v, want %v", store.sumSince, wantSince)
	}
	if !store.sumUntil.Equal(quotaNow) {
		t.Errorf("until = %v, want %v", store.sumUntil, quotaNow)
	}
}
