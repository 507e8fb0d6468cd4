package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/aussiebroadwan/grantstore/internal/grant/store"
	"github.com/aussiebroadwan/grantstore/pkg/idx"
	"github.com/aussiebroadwan/grantstore/pkg/jwtx"
	"github.com/aussiebroadwan/grantstore/pkg/slogx"
)

// RefreshPolicy decides what happens to a refresh token once redeemed.
type RefreshPolicy int

const (
	// RotateRefreshTokens removes the presented token and issues a successor
	// with the same lifetime. Of concurrent redeemers only one succeeds.
	RotateRefreshTokens RefreshPolicy = iota

	// ReuseRefreshTokens keeps the presented token valid until it expires.
	ReuseRefreshTokens
)

type TokenService struct {
	Store  store.Store
	Signer jwtx.Signer
	Issuer string

	// AccessTTL bounds access tokens minted by Redeem. Zero means they never
	// expire.
	AccessTTL time.Duration

	RefreshPolicy RefreshPolicy

	Now func() time.Time
}

// IssueRequest describes one access token issuance.
type IssueRequest struct {
	ClientID string

	// Context is persisted in the issuing transaction when its ID is empty.
	Context *domain.AuthorizationContext

	// Scopes defaults to the context's scopes.
	Scopes []string

	// ExpiresAt nil issues a token that never expires.
	ExpiresAt *time.Time

	// RefreshToken links the new access token to an existing refresh token.
	RefreshToken *domain.RefreshToken
}

// accessParams is the validated input to issueAccess.
type accessParams struct {
	client         domain.Client
	context        *domain.AuthorizationContext
	scopes         []string
	expiresAt      *time.Time
	refreshTokenID *string
	now            time.Time
}

// Issue signs and stores a new access token.
func (s *TokenService) Issue(ctx context.Context, req IssueRequest) (*domain.AccessToken, error) {
	now := clock(s.Now)

	persist, err := prepareContext(req.ClientID, req.Context, now)
	if err != nil {
		return nil, err
	}

	var at *domain.AccessToken
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		client, err := activeClient(ctx, tx, req.ClientID)
		if err != nil {
			return err
		}
		scopes, err := s.grantScopes(ctx, client, req.Scopes, req.Context.Scopes)
		if err != nil {
			return err
		}

		var refreshID *string
		if req.RefreshToken != nil {
			rt, err := s.linkedRefresh(ctx, tx, req.RefreshToken.ID, client.ID, req.Context.ID)
			if err != nil {
				return err
			}
			refreshID = &rt.ID
		}

		if persist {
			if err := tx.AuthorizationContexts().CreateContext(ctx, req.Context); err != nil {
				return err
			}
		}

		at, err = s.issueAccess(ctx, tx, accessParams{
			client:         client,
			context:        req.Context,
			scopes:         scopes,
			expiresAt:      req.ExpiresAt,
			refreshTokenID: refreshID,
			now:            now,
		})
		return err
	})
	if err != nil {
		if persist {
			req.Context.ID = ""
		}
		return nil, err
	}
	return at, nil
}

// IssueRefresh signs and stores a refresh token. The client must be allowed
// the refresh_token grant.
func (s *TokenService) IssueRefresh(
	ctx context.Context,
	clientID string,
	ac *domain.AuthorizationContext,
	expiresAt *time.Time,
) (*domain.RefreshToken, error) {
	now := clock(s.Now)

	persist, err := prepareContext(clientID, ac, now)
	if err != nil {
		return nil, err
	}

	var rt *domain.RefreshToken
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		client, err := activeClient(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if !client.AllowsGrant(domain.GrantTypeRefreshToken) {
			return ErrInvalidClient
		}
		if persist {
			if err := tx.AuthorizationContexts().CreateContext(ctx, ac); err != nil {
				return err
			}
		}

		rt, err = s.issueRefresh(ctx, tx, ac, expiresAt, now)
		return err
	})
	if err != nil {
		if persist {
			ac.ID = ""
		}
		return nil, err
	}
	return rt, nil
}

// IssuePair issues an access token and the refresh token it is linked to in
// one transaction.
func (s *TokenService) IssuePair(
	ctx context.Context,
	req IssueRequest,
	refreshExpiresAt *time.Time,
) (*domain.AccessToken, *domain.RefreshToken, error) {
	now := clock(s.Now)

	persist, err := prepareContext(req.ClientID, req.Context, now)
	if err != nil {
		return nil, nil, err
	}

	var (
		at *domain.AccessToken
		rt *domain.RefreshToken
	)
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		client, err := activeClient(ctx, tx, req.ClientID)
		if err != nil {
			return err
		}
		if !client.AllowsGrant(domain.GrantTypeRefreshToken) {
			return ErrInvalidClient
		}
		scopes, err := s.grantScopes(ctx, client, req.Scopes, req.Context.Scopes)
		if err != nil {
			return err
		}
		if persist {
			if err := tx.AuthorizationContexts().CreateContext(ctx, req.Context); err != nil {
				return err
			}
		}

		rt, err = s.issueRefresh(ctx, tx, req.Context, refreshExpiresAt, now)
		if err != nil {
			return err
		}

		at, err = s.issueAccess(ctx, tx, accessParams{
			client:         client,
			context:        req.Context,
			scopes:         scopes,
			expiresAt:      req.ExpiresAt,
			refreshTokenID: &rt.ID,
			now:            now,
		})
		return err
	})
	if err != nil {
		if persist {
			req.Context.ID = ""
		}
		return nil, nil, err
	}
	return at, rt, nil
}

// Redeem exchanges a refresh token for a new access token bound to the same
// authorization context. scopes may narrow the original grant, never widen
// it; empty keeps it as is.
//
// Under RotateRefreshTokens the presented token is taken out of the store by
// the transaction's first statement and its successor is returned; otherwise
// the presented token is returned unchanged.
func (s *TokenService) Redeem(
	ctx context.Context,
	refreshValue string,
	scopes []string,
) (*domain.AccessToken, *domain.RefreshToken, error) {
	if _, err := jwtx.Decode(refreshValue); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	now := clock(s.Now)
	l := slogx.FromContext(ctx)
	rotate := s.RefreshPolicy == RotateRefreshTokens

	var (
		at *domain.AccessToken
		rt *domain.RefreshToken
	)
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var (
			old domain.RefreshToken
			err error
		)
		if rotate {
			old, err = tx.RefreshTokens().TakeRefreshToken(ctx, refreshValue)
		} else {
			old, err = tx.RefreshTokens().GetRefreshTokenByValue(ctx, refreshValue)
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrRevoked
		}
		if err != nil {
			return s.corrupt(ctx, err)
		}
		if old.IsExpired(now) {
			return ErrExpired
		}

		client, err := activeClient(ctx, tx, old.ClientID)
		if err != nil {
			return err
		}
		if !client.AllowsGrant(domain.GrantTypeRefreshToken) {
			l.Info("refresh grant not allowed", slog.String("client_id", client.ID))
			return ErrInvalidClient
		}

		ac, err := tx.AuthorizationContexts().GetContext(ctx, old.ContextID)
		if err != nil {
			return fmt.Errorf("load context %s: %w", old.ContextID, err)
		}

		granted := ac.Scopes
		if len(scopes) > 0 {
			if !subset(scopes, ac.Scopes) {
				l.Info("refresh requested scope outside original grant", slog.String("client_id", client.ID))
				return ErrInvalidScope
			}
			granted = scopes
		}
		granted, err = s.grantScopes(ctx, client, granted, nil)
		if err != nil {
			return err
		}

		rt = &old
		if rotate {
			rt, err = s.issueRefresh(ctx, tx, &ac, expiryAfter(now, old.Window()), now)
			if err != nil {
				return err
			}
		}

		at, err = s.issueAccess(ctx, tx, accessParams{
			client:         client,
			context:        &ac,
			scopes:         granted,
			expiresAt:      expiryAfter(now, s.AccessTTL),
			refreshTokenID: &rt.ID,
			now:            now,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return at, rt, nil
}

// Revoke deletes t at once. Revoking an access token takes the permissions
// it carries with it. Revoking a refresh token also revokes every access
// token minted from it.
func (s *TokenService) Revoke(ctx context.Context, t domain.Token) error {
	switch t := t.(type) {
	case *domain.AccessToken:
		return s.Store.AccessTokens().DeleteAccessToken(ctx, t.ID)
	case *domain.RefreshToken:
		return s.Store.WithTx(ctx, func(tx store.Tx) error {
			if _, err := tx.AccessTokens().DeleteAccessTokensByRefreshToken(ctx, t.ID); err != nil {
				return err
			}
			return tx.RefreshTokens().DeleteRefreshToken(ctx, t.ID)
		})
	default:
		return fmt.Errorf("revoke: unsupported token type %T", t)
	}
}

func (s *TokenService) GetAccessToken(ctx context.Context, value string) (*domain.AccessToken, error) {
	at, err := s.Store.AccessTokens().GetAccessTokenByValue(ctx, value)
	if err != nil {
		return nil, s.corrupt(ctx, err)
	}
	return &at, nil
}

func (s *TokenService) GetAccessTokenByID(ctx context.Context, id string) (*domain.AccessToken, error) {
	at, err := s.Store.AccessTokens().GetAccessTokenByID(ctx, id)
	if err != nil {
		return nil, s.corrupt(ctx, err)
	}
	return &at, nil
}

func (s *TokenService) GetRefreshToken(ctx context.Context, value string) (*domain.RefreshToken, error) {
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByValue(ctx, value)
	if err != nil {
		return nil, s.corrupt(ctx, err)
	}
	return &rt, nil
}

func (s *TokenService) ListAccessTokensByClient(ctx context.Context, clientID string) ([]domain.AccessToken, error) {
	ts, err := s.Store.AccessTokens().ListAccessTokensByClient(ctx, clientID)
	return ts, s.corrupt(ctx, err)
}

func (s *TokenService) ListAccessTokensByPrincipal(ctx context.Context, name string) ([]domain.AccessToken, error) {
	ts, err := s.Store.AccessTokens().ListAccessTokensByPrincipal(ctx, name)
	return ts, s.corrupt(ctx, err)
}

func (s *TokenService) ListAccessTokensByRefreshToken(ctx context.Context, refreshTokenID string) ([]domain.AccessToken, error) {
	ts, err := s.Store.AccessTokens().ListAccessTokensByRefreshToken(ctx, refreshTokenID)
	return ts, s.corrupt(ctx, err)
}

func (s *TokenService) ListAccessTokensByResourceSet(ctx context.Context, resourceSetID string) ([]domain.AccessToken, error) {
	ts, err := s.Store.AccessTokens().ListAccessTokensByResourceSet(ctx, resourceSetID)
	return ts, s.corrupt(ctx, err)
}

func (s *TokenService) ListRefreshTokensByClient(ctx context.Context, clientID string) ([]domain.RefreshToken, error) {
	ts, err := s.Store.RefreshTokens().ListRefreshTokensByClient(ctx, clientID)
	return ts, s.corrupt(ctx, err)
}

func (s *TokenService) ListRefreshTokensByPrincipal(ctx context.Context, name string) ([]domain.RefreshToken, error) {
	ts, err := s.Store.RefreshTokens().ListRefreshTokensByPrincipal(ctx, name)
	return ts, s.corrupt(ctx, err)
}

func (s *TokenService) issueAccess(ctx context.Context, tx store.Store, p accessParams) (*domain.AccessToken, error) {
	signed, err := s.Signer.Sign(jwtx.NewClaims(jwtx.ClaimsParams{
		Issuer:    s.Issuer,
		Subject:   subject(p.context),
		ClientID:  p.client.ID,
		Audience:  p.context.ResourceIDs,
		Scopes:    p.scopes,
		ExpiresAt: p.expiresAt,
		TokenUse:  jwtx.TokenUseAccess,
		Now:       p.now,
	}))
	if err != nil {
		return nil, err
	}

	at := &domain.AccessToken{
		ID:             idx.New().String(),
		Token:          signed,
		Expiration:     p.expiresAt,
		TokenType:      domain.TokenTypeBearer,
		Scopes:         slices.Clone(p.scopes),
		ClientID:       p.client.ID,
		ContextID:      p.context.ID,
		RefreshTokenID: p.refreshTokenID,
		CreatedAt:      p.now,
	}
	if err := tx.AccessTokens().CreateAccessToken(ctx, *at); err != nil {
		return nil, fmt.Errorf("store access token: %w", err)
	}
	return at, nil
}

func (s *TokenService) issueRefresh(
	ctx context.Context,
	tx store.Store,
	ac *domain.AuthorizationContext,
	expiresAt *time.Time,
	now time.Time,
) (*domain.RefreshToken, error) {
	signed, err := s.Signer.Sign(jwtx.NewClaims(jwtx.ClaimsParams{
		Issuer:    s.Issuer,
		Subject:   subject(ac),
		ClientID:  ac.ClientID,
		ExpiresAt: expiresAt,
		TokenUse:  jwtx.TokenUseRefresh,
		Now:       now,
	}))
	if err != nil {
		return nil, err
	}

	rt := &domain.RefreshToken{
		ID:         idx.New().String(),
		Token:      signed,
		Expiration: expiresAt,
		ClientID:   ac.ClientID,
		ContextID:  ac.ID,
		CreatedAt:  now,
	}
	if err := tx.RefreshTokens().CreateRefreshToken(ctx, *rt); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return rt, nil
}

// linkedRefresh re-reads the refresh token an access token is to be linked
// to. It must still exist and belong to the same client and context.
func (s *TokenService) linkedRefresh(ctx context.Context, tx store.Store, id, clientID, contextID string) (domain.RefreshToken, error) {
	rt, err := tx.RefreshTokens().GetRefreshTokenByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.RefreshToken{}, fmt.Errorf("%w: refresh token %s not found", ErrInvalidGrant, id)
	}
	if err != nil {
		return domain.RefreshToken{}, s.corrupt(ctx, err)
	}
	if rt.ClientID != clientID || rt.ContextID != contextID {
		slogx.FromContext(ctx).Info("refresh token belongs to another grant",
			slog.String("client_id", clientID),
			slog.String("refresh_token_id", id),
		)
		return domain.RefreshToken{}, ErrInvalidGrant
	}
	return rt, nil
}

// grantScopes resolves the scopes to put on a token and checks the client
// may use every one of them.
func (s *TokenService) grantScopes(ctx context.Context, client domain.Client, requested, fallback []string) ([]string, error) {
	scopes := requested
	if len(scopes) == 0 {
		scopes = fallback
	}
	if bad, ok := client.AllowsScopes(scopes); !ok {
		slogx.FromContext(ctx).Info("scope not allowed for client",
			slog.String("client_id", client.ID),
			slog.String("scope", bad),
		)
		return nil, ErrInvalidScope
	}
	return scopes, nil
}

// corrupt logs stored values that no longer decode. The error is returned
// untouched either way.
func (s *TokenService) corrupt(ctx context.Context, err error) error {
	if errors.Is(err, jwtx.ErrDecode) {
		slogx.FromContext(ctx).Error("stored token value is corrupt", "error", err)
	}
	return err
}

// prepareContext assigns an ID to a context that has not been stored yet and
// reports whether the caller has to persist it.
func prepareContext(clientID string, ac *domain.AuthorizationContext, now time.Time) (bool, error) {
	if ac == nil {
		return false, fmt.Errorf("%w: missing authorization context", ErrInvalidGrant)
	}
	if ac.ClientID != clientID {
		return false, ErrInvalidClient
	}
	if ac.ID != "" {
		return false, nil
	}
	ac.ID = idx.New().String()
	ac.CreatedAt = now
	return true, nil
}

func activeClient(ctx context.Context, st store.Store, id string) (domain.Client, error) {
	client, err := st.Clients().GetClientByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Client{}, ErrInvalidClient
		}
		return domain.Client{}, err
	}
	if !client.Enabled {
		slogx.FromContext(ctx).Info("client disabled", slog.String("client_id", id))
		return domain.Client{}, ErrInvalidClient
	}
	return client, nil
}

func subject(ac *domain.AuthorizationContext) string {
	if name := ac.PrincipalName(); name != "" {
		return name
	}
	return ac.ClientID
}

func subset(requested, granted []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

// expiryAfter returns nil for a zero window, i.e. never expires.
func expiryAfter(now time.Time, window time.Duration) *time.Time {
	if window <= 0 {
		return nil
	}
	exp := now.Add(window)
	return &exp
}
