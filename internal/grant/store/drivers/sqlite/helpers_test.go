package sqlite_test

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/aussiebroadwan/grantstore/internal/grant/store/drivers/sqlite"
	"github.com/aussiebroadwan/grantstore/pkg/idx"
	"github.com/aussiebroadwan/grantstore/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMemoryStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newFileStore is for tests that need real concurrency across connections.
func newFileStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeToken is an unsecured JWT; the store never looks at signatures.
func fakeToken(t *testing.T) jwtx.SignedToken {
	t.Helper()
	enc := base64.RawURLEncoding
	raw := enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." +
		enc.EncodeToString([]byte(`{"jti":"`+idx.New().String()+`"}`)) + "."
	tok, err := jwtx.Decode(raw)
	require.NoError(t, err)
	return tok
}

func ptr[T any](v T) *T { return &v }

func seedClient(t *testing.T, s *sqlite.Store, id string) domain.Client {
	t.Helper()
	c := domain.Client{
		ID:         id,
		Name:       "client " + id,
		Scopes:     []string{"read", "write"},
		GrantTypes: []string{domain.GrantTypeRefreshToken},
		Enabled:    true,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	require.NoError(t, s.Clients().CreateClient(context.Background(), c))
	return c
}

func seedContext(t *testing.T, s *sqlite.Store, clientID, principal string, created time.Time) *domain.AuthorizationContext {
	t.Helper()
	var p *domain.Principal
	if principal != "" {
		p = &domain.Principal{Name: principal, Authenticated: true}
	}
	ac := domain.NewAuthorizationContext(p, domain.AuthorizationRequest{
		ClientID:    clientID,
		RedirectURI: "https://app.example/cb",
		Scopes:      []string{"read"},
		Approved:    true,
	})
	ac.ID = idx.New().String()
	ac.CreatedAt = created
	require.NoError(t, s.AuthorizationContexts().CreateContext(context.Background(), ac))
	return ac
}

func seedAccessToken(t *testing.T, s *sqlite.Store, ac *domain.AuthorizationContext, exp *time.Time, refreshID *string, perms ...domain.Permission) domain.AccessToken {
	t.Helper()
	at := domain.AccessToken{
		ID:             idx.New().String(),
		Token:          fakeToken(t),
		Expiration:     exp,
		TokenType:      domain.TokenTypeBearer,
		Scopes:         ac.Scopes,
		ClientID:       ac.ClientID,
		ContextID:      ac.ID,
		RefreshTokenID: refreshID,
		Permissions:    perms,
		CreatedAt:      t0,
	}
	require.NoError(t, s.AccessTokens().CreateAccessToken(context.Background(), at))
	return at
}

func seedRefreshToken(t *testing.T, s *sqlite.Store, ac *domain.AuthorizationContext, exp *time.Time) domain.RefreshToken {
	t.Helper()
	rt := domain.RefreshToken{
		ID:         idx.New().String(),
		Token:      fakeToken(t),
		Expiration: exp,
		ClientID:   ac.ClientID,
		ContextID:  ac.ID,
		CreatedAt:  t0,
	}
	require.NoError(t, s.RefreshTokens().CreateRefreshToken(context.Background(), rt))
	return rt
}

func seedTicket(t *testing.T, s *sqlite.Store, ticket, rsid string, exp time.Time) domain.PermissionTicket {
	t.Helper()
	pt := domain.PermissionTicket{
		ID:     idx.New().String(),
		Ticket: ticket,
		Permission: domain.Permission{
			ID:            idx.New().String(),
			ResourceSetID: rsid,
			Scopes:        []string{"view"},
		},
		Expiration: exp,
		CreatedAt:  t0,
	}
	require.NoError(t, s.PermissionTickets().CreatePermissionTicket(context.Background(), pt))
	return pt
}
