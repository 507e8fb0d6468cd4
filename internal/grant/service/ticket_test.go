package service

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/aussiebroadwan/grantstore/pkg/idx"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTicketService_Create(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)

	pt, err := f.tickets.Create(ctx, domain.Permission{ResourceSetID: "rs-1", Scopes: []string{"view", "edit"}}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pt.Ticket, 36)
	require.Equal(t, domain.TicketIssued, pt.State(t0))

	got, err := f.tickets.Get(ctx, pt.Ticket)
	require.NoError(t, err)
	if diff := cmp.Diff(pt.Permission, got.Permission); diff != "" {
		t.Fatalf("permission mismatch (-want +got):\n%s", diff)
	}

	all, err := f.tickets.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestTicketService_AppendClaimsIsSetUnion(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)

	require.NoError(t, f.store.PermissionTickets().CreatePermissionTicket(ctx, domain.PermissionTicket{
		ID:         idx.New().String(),
		Ticket:     "T1",
		Permission: domain.Permission{ID: idx.New().String(), ResourceSetID: "rs-1", Scopes: []string{"view"}},
		Expiration: t0.Add(time.Hour),
		CreatedAt:  t0,
	}))

	alice := domain.MustClaim(map[string]any{"sub": "alice"})

	pt, err := f.tickets.AppendClaims(ctx, "T1", []domain.Claim{alice})
	require.NoError(t, err)
	require.Len(t, pt.Claims, 1)
	require.Equal(t, domain.TicketClaimsGathering, pt.State(t0))

	pt, err = f.tickets.AppendClaims(ctx, "T1", []domain.Claim{domain.MustClaim(map[string]any{"sub": "alice"})})
	require.NoError(t, err)
	require.Len(t, pt.Claims, 1)
	require.True(t, pt.HasClaim(alice))

	t.Run("unknown ticket", func(t *testing.T) {
		_, err := f.tickets.AppendClaims(ctx, "T2", []domain.Claim{alice})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired ticket", func(t *testing.T) {
		f.clock.Advance(2 * time.Hour)
		_, err := f.tickets.AppendClaims(ctx, "T1", []domain.Claim{domain.MustClaim(map[string]any{"sub": "bob"})})
		require.ErrorIs(t, err, ErrExpiredTicket)
	})
}

func TestTicketService_AppendClaimsConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFileFixture(t)

	pt, err := f.tickets.Create(ctx, domain.Permission{ResourceSetID: "rs-1", Scopes: []string{"view"}}, t0.Add(time.Hour))
	require.NoError(t, err)

	claims := []domain.Claim{
		domain.MustClaim(map[string]any{"sub": "alice"}),
		domain.MustClaim(map[string]any{"email": "alice@example.com"}),
	}

	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			_, err := f.tickets.AppendClaims(ctx, pt.Ticket, claims)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := f.tickets.Get(ctx, pt.Ticket)
	require.NoError(t, err)
	require.Len(t, got.Claims, 2)
}

func TestTicketService_Redeem(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	f.client(t, "rp", domain.GrantTypeUMATicket)

	pt, err := f.tickets.Create(ctx, domain.Permission{ResourceSetID: "rs-1", Scopes: []string{"view"}}, t0.Add(time.Hour))
	require.NoError(t, err)

	got, err := f.tickets.Redeem(ctx, RedeemRequest{Ticket: pt.Ticket, ClientID: "rp"})
	require.NoError(t, err)
	require.True(t, got.Ticket.Redeemed)
	require.Equal(t, domain.TicketRedeemed, got.Ticket.State(t0))
	require.Equal(t, []string{"view"}, got.AccessToken.Scopes)
	require.Equal(t, []domain.Permission{pt.Permission}, got.AccessToken.Permissions)

	stored, err := f.tokens.GetAccessToken(ctx, got.AccessToken.Value())
	require.NoError(t, err)
	require.Equal(t, []domain.Permission{pt.Permission}, stored.Permissions)

	held, err := f.contexts.Get(ctx, stored.ContextID)
	require.NoError(t, err)
	require.True(t, held.IsClientOnly())
	require.Equal(t, []string{"view"}, held.Scopes)

	_, err = f.tickets.Get(ctx, pt.Ticket)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.tickets.Redeem(ctx, RedeemRequest{Ticket: pt.Ticket, ClientID: "rp"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTicketService_RedeemExpiredCreatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	f.client(t, "rp", domain.GrantTypeUMATicket)

	pt, err := f.tickets.Create(ctx, domain.Permission{ResourceSetID: "rs-1", Scopes: []string{"view"}}, t0.Add(time.Minute))
	require.NoError(t, err)

	f.clock.Advance(time.Minute + time.Second)

	_, err = f.tickets.Redeem(ctx, RedeemRequest{Ticket: pt.Ticket, ClientID: "rp"})
	require.ErrorIs(t, err, ErrExpiredTicket)

	tokens, err := f.tokens.ListAccessTokensByResourceSet(ctx, "rs-1")
	require.NoError(t, err)
	require.Empty(t, tokens)

	contexts, err := f.store.AuthorizationContexts().ListUnreferencedContexts(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, contexts)

	still, err := f.tickets.Get(ctx, pt.Ticket)
	require.NoError(t, err)
	require.Equal(t, domain.TicketExpired, still.State(f.clock.Now()))
}

func TestTicketService_RedeemRequiresGrant(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	f.client(t, "web", domain.GrantTypeAuthorizationCode)

	pt, err := f.tickets.Create(ctx, domain.Permission{ResourceSetID: "rs-1", Scopes: []string{"view"}}, t0.Add(time.Hour))
	require.NoError(t, err)

	_, err = f.tickets.Redeem(ctx, RedeemRequest{Ticket: pt.Ticket, ClientID: "web"})
	require.ErrorIs(t, err, ErrInvalidClient)

	_, err = f.tickets.Get(ctx, pt.Ticket)
	require.NoError(t, err)
}

func TestTicketService_ResourceSets(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	f.client(t, "rp", domain.GrantTypeUMATicket)

	redeemed, err := f.tickets.Create(ctx, domain.Permission{ResourceSetID: "rs-1", Scopes: []string{"view"}}, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.tickets.Redeem(ctx, RedeemRequest{Ticket: redeemed.Ticket, ClientID: "rp"})
	require.NoError(t, err)

	_, err = f.tickets.Create(ctx, domain.Permission{ResourceSetID: "rs-1", Scopes: []string{"edit"}}, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.tickets.Create(ctx, domain.Permission{ResourceSetID: "rs-2", Scopes: []string{"view"}}, t0.Add(time.Hour))
	require.NoError(t, err)

	found, err := f.tickets.FindByResourceSet(ctx, "rs-1")
	require.NoError(t, err)
	require.Len(t, found, 1)

	tickets, tokens, err := f.tickets.RevokeByResourceSet(ctx, "rs-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), tickets)
	require.Equal(t, int64(1), tokens)

	left, err := f.tickets.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "rs-2", left[0].Permission.ResourceSetID)
}
