package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/aussiebroadwan/grantstore/internal/grant/store"
	"github.com/aussiebroadwan/grantstore/pkg/idx"
	"github.com/aussiebroadwan/grantstore/pkg/slogx"
)

// TicketService runs the UMA permission ticket lifecycle: a ticket is
// created for one permission, gathers claims, and is finally exchanged for
// a requesting party token (an access token carrying the permission).
type TicketService struct {
	Store  store.Store
	Tokens *TokenService
	Now    func() time.Time
}

// Create registers a ticket for perm. The ticket string is a random UUID.
func (s *TicketService) Create(ctx context.Context, perm domain.Permission, expiresAt time.Time) (*domain.PermissionTicket, error) {
	now := clock(s.Now)

	pt := &domain.PermissionTicket{
		ID:     idx.New().String(),
		Ticket: domain.NewTicketString(),
		Permission: domain.Permission{
			ID:            idx.New().String(),
			ResourceSetID: perm.ResourceSetID,
			Scopes:        slices.Clone(perm.Scopes),
		},
		Expiration: expiresAt.UTC(),
		CreatedAt:  now,
	}
	if err := s.Store.PermissionTickets().CreatePermissionTicket(ctx, *pt); err != nil {
		return nil, fmt.Errorf("create permission ticket: %w", err)
	}
	return pt, nil
}

// AppendClaims merges claims into the ticket's collection and returns the
// ticket as stored afterwards. Claims already present are not duplicated.
func (s *TicketService) AppendClaims(ctx context.Context, ticket string, claims []domain.Claim) (*domain.PermissionTicket, error) {
	now := clock(s.Now)

	var pt domain.PermissionTicket
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.PermissionTickets().GetPermissionTicket(ctx, ticket)
		if err != nil {
			return err
		}
		if cur.IsExpired(now) {
			return ErrExpiredTicket
		}

		added, err := tx.PermissionTickets().AddClaims(ctx, cur.ID, claims)
		if err != nil {
			return err
		}
		if added == 0 {
			pt = cur
			return nil
		}

		pt, err = tx.PermissionTickets().GetPermissionTicket(ctx, ticket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pt, nil
}

// RedeemRequest asks for a ticket to be exchanged for a token.
type RedeemRequest struct {
	Ticket   string
	ClientID string

	// Context is the grant the token is issued under. When nil a client-only
	// context scoped to the permission is created.
	Context *domain.AuthorizationContext

	ExpiresAt *time.Time
}

// Redemption is the outcome of a successful Redeem.
type Redemption struct {
	// Ticket is the ticket as it was, marked redeemed. It no longer exists in
	// the store.
	Ticket domain.PermissionTicket

	AccessToken *domain.AccessToken
}

// Redeem exchanges a ticket for an access token that takes over the
// ticket's permission. The ticket is deleted in the same transaction, so of
// concurrent redeemers one wins and the rest see ErrNotFound. An expired
// ticket yields ErrExpiredTicket and nothing is written.
func (s *TicketService) Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	now := clock(s.Now)
	l := slogx.FromContext(ctx)

	ac := req.Context
	if ac == nil {
		ac = domain.NewAuthorizationContext(nil, domain.AuthorizationRequest{
			ClientID: req.ClientID,
			Approved: true,
		})
	}
	persist, err := prepareContext(req.ClientID, ac, now)
	if err != nil {
		return nil, err
	}

	var out Redemption
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		pt, err := tx.PermissionTickets().GetPermissionTicket(ctx, req.Ticket)
		if err != nil {
			return err
		}
		if pt.IsExpired(now) {
			return ErrExpiredTicket
		}

		client, err := activeClient(ctx, tx, req.ClientID)
		if err != nil {
			return err
		}
		if !client.AllowsGrant(domain.GrantTypeUMATicket) {
			l.Info("uma ticket grant not allowed", slog.String("client_id", client.ID))
			return ErrInvalidClient
		}

		if persist {
			if req.Context == nil {
				ac.Scopes = slices.Clone(pt.Permission.Scopes)
			}
			if err := tx.AuthorizationContexts().CreateContext(ctx, ac); err != nil {
				return err
			}
		}

		at, err := s.Tokens.issueAccess(ctx, tx, accessParams{
			client:    client,
			context:   ac,
			scopes:    pt.Permission.Scopes,
			expiresAt: req.ExpiresAt,
			now:       now,
		})
		if err != nil {
			return err
		}

		if err := tx.PermissionTickets().ReassignPermission(ctx, pt.Permission.ID, pt.ID, at.ID); err != nil {
			return fmt.Errorf("reassign permission: %w", err)
		}
		if err := tx.PermissionTickets().DeletePermissionTicket(ctx, pt.ID); err != nil {
			return fmt.Errorf("delete redeemed ticket: %w", err)
		}

		at.Permissions = []domain.Permission{pt.Permission}
		pt.Redeemed = true
		out = Redemption{Ticket: pt, AccessToken: at}
		return nil
	})
	if err != nil {
		if persist {
			ac.ID = ""
		}
		return nil, err
	}

	l.Debug("permission ticket redeemed",
		slog.String("resource_set_id", out.Ticket.Permission.ResourceSetID),
		slog.String("access_token_id", out.AccessToken.ID),
	)
	return &out, nil
}

func (s *TicketService) Get(ctx context.Context, ticket string) (*domain.PermissionTicket, error) {
	pt, err := s.Store.PermissionTickets().GetPermissionTicket(ctx, ticket)
	if err != nil {
		return nil, err
	}
	return &pt, nil
}

func (s *TicketService) List(ctx context.Context) ([]domain.PermissionTicket, error) {
	return s.Store.PermissionTickets().ListPermissionTickets(ctx)
}

func (s *TicketService) FindByResourceSet(ctx context.Context, resourceSetID string) ([]domain.PermissionTicket, error) {
	return s.Store.PermissionTickets().ListPermissionTicketsByResourceSet(ctx, resourceSetID)
}

// RevokeByResourceSet drops every outstanding ticket and every token that
// carries a permission for the resource set, e.g. when the set is deleted.
func (s *TicketService) RevokeByResourceSet(ctx context.Context, resourceSetID string) (tickets, tokens int64, err error) {
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		tickets, err = tx.PermissionTickets().DeletePermissionTicketsByResourceSet(ctx, resourceSetID)
		if err != nil {
			return err
		}
		tokens, err = tx.AccessTokens().DeleteAccessTokensByResourceSet(ctx, resourceSetID)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return tickets, tokens, nil
}
