package sqlite

import (
	"context"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
)

type authorizationCodesRepo struct {
	db dbtx
}

func (r *authorizationCodesRepo) CreateAuthorizationCode(ctx context.Context, c domain.AuthorizationCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (id, code_hash, context_id, expiration, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.CodeHash, c.ContextID, unixNano(c.ExpiresAt), unixNano(c.CreatedAt),
	)
	return mapConstraint(err)
}

func (r *authorizationCodesRepo) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (domain.AuthorizationCode, error) {
	var (
		c                   domain.AuthorizationCode
		expiration, created int64
	)
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM authorization_codes
		WHERE code_hash = ?
		RETURNING id, code_hash, context_id, expiration, created_at`, codeHash,
	).Scan(&c.ID, &c.CodeHash, &c.ContextID, &expiration, &created)
	if err != nil {
		return domain.AuthorizationCode{}, mapNotFound(err)
	}

	c.ExpiresAt = fromUnixNano(expiration)
	c.CreatedAt = fromUnixNano(created)
	return c, nil
}

func (r *authorizationCodesRepo) ListExpiredAuthorizationCodeIDs(ctx context.Context, now time.Time) ([]string, error) {
	return collectStrings(r.db.QueryContext(ctx, `
		SELECT id FROM authorization_codes
		WHERE expiration <= ?
		ORDER BY expiration, id`, unixNano(now)))
}

func (r *authorizationCodesRepo) DeleteAuthorizationCode(ctx context.Context, id string) error {
	return requireAffected(r.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE id = ?`, id))
}
