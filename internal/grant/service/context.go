package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/aussiebroadwan/grantstore/internal/grant/store"
	"github.com/aussiebroadwan/grantstore/pkg/cryptox"
	"github.com/aussiebroadwan/grantstore/pkg/idx"
	"github.com/aussiebroadwan/grantstore/pkg/slogx"
)

// DefaultCodeTTL is how long an authorization code stays redeemable.
const DefaultCodeTTL = 5 * time.Minute

// ContextService owns authorization contexts and the short-lived codes that
// point at them.
type ContextService struct {
	Store store.Store

	// GracePeriod hides contexts younger than this from FindUnreferenced, so
	// a context persisted just ahead of its first token is not reported.
	GracePeriod time.Duration

	Now func() time.Time
}

// Create captures the approved request as a new context and persists it.
func (s *ContextService) Create(
	ctx context.Context,
	principal *domain.Principal,
	req domain.AuthorizationRequest,
) (*domain.AuthorizationContext, error) {
	ac := domain.NewAuthorizationContext(principal, req)
	ac.ID = idx.New().String()
	ac.CreatedAt = clock(s.Now)

	if err := s.Store.AuthorizationContexts().CreateContext(ctx, ac); err != nil {
		if errors.Is(err, store.ErrConstraint) {
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("create authorization context: %w", err)
	}
	return ac, nil
}

func (s *ContextService) Get(ctx context.Context, id string) (domain.AuthorizationContext, error) {
	return s.Store.AuthorizationContexts().GetContext(ctx, id)
}

func (s *ContextService) ListByPrincipal(ctx context.Context, principalName string) ([]domain.AuthorizationContext, error) {
	return s.Store.AuthorizationContexts().ListContextsByPrincipal(ctx, principalName)
}

// FindUnreferenced returns the contexts no token or code points at. With a
// zero GracePeriod that is every such context; otherwise contexts created
// within the last GracePeriod are left out, even when unreferenced.
func (s *ContextService) FindUnreferenced(ctx context.Context) ([]domain.AuthorizationContext, error) {
	cutoff := clock(s.Now).Add(-s.GracePeriod)
	return s.Store.AuthorizationContexts().ListUnreferencedContexts(ctx, cutoff)
}

// IssueCode mints an authorization code for contextID. Only the code's
// fingerprint is stored; the plain code is returned once.
func (s *ContextService) IssueCode(ctx context.Context, contextID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}

	code, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	now := clock(s.Now)
	err = s.Store.AuthorizationCodes().CreateAuthorizationCode(ctx, domain.AuthorizationCode{
		ID:        idx.New().String(),
		CodeHash:  cryptox.FingerprintToken(code),
		ContextID: contextID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
	if err != nil {
		if errors.Is(err, store.ErrConstraint) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("create authorization code: %w", err)
	}
	return code, nil
}

// ConsumeCode exchanges a code for the context it was issued from. A code
// works once. An expired code or a redirect URI that does not match the one
// approved leaves the code in place for the sweep.
func (s *ContextService) ConsumeCode(ctx context.Context, code, redirectURI string) (domain.AuthorizationContext, error) {
	now := clock(s.Now)
	l := slogx.FromContext(ctx)

	var ac domain.AuthorizationContext
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.AuthorizationCodes().ConsumeAuthorizationCode(ctx, cryptox.FingerprintToken(code))
		if err != nil {
			return err
		}
		if c.IsExpired(now) {
			return ErrExpired
		}

		ac, err = tx.AuthorizationContexts().GetContext(ctx, c.ContextID)
		if err != nil {
			return err
		}
		if ac.RedirectURI != "" && ac.RedirectURI != redirectURI {
			l.Info("authorization code redirect mismatch", slog.String("client_id", ac.ClientID))
			return ErrInvalidGrant
		}
		return nil
	})
	if err != nil {
		return domain.AuthorizationContext{}, err
	}
	return ac, nil
}

func clock(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now().UTC()
}
