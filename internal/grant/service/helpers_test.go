package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/aussiebroadwan/grantstore/internal/grant/store/drivers/sqlite"
	"github.com/aussiebroadwan/grantstore/pkg/cryptox"
	"github.com/aussiebroadwan/grantstore/pkg/jwtx"
	"github.com/aussiebroadwan/grantstore/pkg/slogx"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store        *sqlite.Store
	clock        *fakeClock
	signer       *jwtx.EdDSASigner
	contexts     *ContextService
	tokens       *TokenService
	tickets      *TicketService
	housekeeping *HousekeepingService
}

func newFixture(t *testing.T, st *sqlite.Store) *fixture {
	t.Helper()

	key, err := cryptox.GenerateEd25519Key()
	require.NoError(t, err)
	signer, err := jwtx.NewSignerEdDSA("test", key)
	require.NoError(t, err)

	clk := &fakeClock{now: t0}
	tokens := &TokenService{
		Store:     st,
		Signer:    signer,
		Issuer:    "https://issuer.test",
		AccessTTL: time.Hour,
		Now:       clk.Now,
	}
	hk := NewHousekeepingService(st, slogx.Discard(), time.Hour, time.Minute, nil)
	hk.Now = clk.Now

	return &fixture{
		store:        st,
		clock:        clk,
		signer:       signer,
		contexts:     &ContextService{Store: st, GracePeriod: time.Minute, Now: clk.Now},
		tokens:       tokens,
		tickets:      &TicketService{Store: st, Tokens: tokens, Now: clk.Now},
		housekeeping: hk,
	}
}

func newMemoryFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })
	return newFixture(t, st)
}

// newFileFixture is for tests that race several connections.
func newFileFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.NewStore(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })
	return newFixture(t, st)
}

func (f *fixture) client(t *testing.T, id string, grants ...string) domain.Client {
	t.Helper()
	c := domain.Client{
		ID:         id,
		Name:       "client " + id,
		Scopes:     []string{"openid", "read", "write"},
		GrantTypes: grants,
		Enabled:    true,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	require.NoError(t, f.store.Clients().CreateClient(context.Background(), c))
	return c
}

// grant builds an unsaved context for alice on clientID.
func grant(clientID string, scopes ...string) *domain.AuthorizationContext {
	return domain.NewAuthorizationContext(
		&domain.Principal{Name: "alice", Authenticated: true},
		domain.AuthorizationRequest{
			ClientID:      clientID,
			RedirectURI:   "https://app.example/cb",
			ResponseTypes: []string{"code"},
			Scopes:        scopes,
			ResourceIDs:   []string{"api"},
			Approved:      true,
			State:         "xyz",
		},
	)
}

func ptr[T any](v T) *T { return &v }
