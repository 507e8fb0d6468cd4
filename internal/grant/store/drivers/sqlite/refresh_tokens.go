package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/aussiebroadwan/grantstore/pkg/cryptox"
	"github.com/aussiebroadwan/grantstore/pkg/jwtx"
)

type refreshTokensRepo struct {
	db dbtx
}

const refreshTokenColumns = `t.id, t.token_value, t.client_id, t.context_id, t.expiration, t.created_at`

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	value := t.Value()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, token_hash, token_value, client_id, context_id, expiration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, cryptox.FingerprintToken(value), value, t.ClientID, t.ContextID,
		mapOptionalTime(t.Expiration), unixNano(t.CreatedAt),
	)
	return mapConstraint(err)
}

func (r *refreshTokensRepo) GetRefreshTokenByValue(ctx context.Context, value string) (domain.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+refreshTokenColumns+` FROM refresh_tokens t
		WHERE t.token_hash = ? AND t.token_value = ?`,
		cryptox.FingerprintToken(value), value)
	t, err := scanRefreshToken(row)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	return t, nil
}

func (r *refreshTokensRepo) GetRefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens t WHERE t.id = ?`, id)
	t, err := scanRefreshToken(row)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	return t, nil
}

func (r *refreshTokensRepo) ListRefreshTokensByClient(ctx context.Context, clientID string) ([]domain.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+refreshTokenColumns+` FROM refresh_tokens t
		WHERE t.client_id = ?
		ORDER BY t.created_at, t.id`, clientID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRefreshToken)
}

func (r *refreshTokensRepo) ListRefreshTokensByPrincipal(ctx context.Context, principalName string) ([]domain.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+refreshTokenColumns+` FROM refresh_tokens t
		JOIN authorization_contexts c ON c.id = t.context_id
		WHERE c.principal_name = ?
		ORDER BY t.created_at, t.id`, principalName)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRefreshToken)
}

// TakeRefreshToken is a single DELETE ... RETURNING, so the read and the
// removal cannot be split by a concurrent caller.
func (r *refreshTokensRepo) TakeRefreshToken(ctx context.Context, value string) (domain.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE token_hash = ? AND token_value = ?
		RETURNING id, token_value, client_id, context_id, expiration, created_at`,
		cryptox.FingerprintToken(value), value)
	t, err := scanRefreshToken(row)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	return t, nil
}

func (r *refreshTokensRepo) ListExpiredRefreshTokenIDs(ctx context.Context, now time.Time) ([]string, error) {
	return collectStrings(r.db.QueryContext(ctx, `
		SELECT id FROM refresh_tokens
		WHERE expiration IS NOT NULL AND expiration <= ?
		ORDER BY expiration, id`, unixNano(now)))
}

func (r *refreshTokensRepo) DeleteRefreshToken(ctx context.Context, id string) error {
	return requireAffected(r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, id))
}

func scanRefreshToken(sc scanner) (domain.RefreshToken, error) {
	var (
		t          domain.RefreshToken
		value      string
		expiration sql.NullInt64
		created    int64
	)
	if err := sc.Scan(&t.ID, &value, &t.ClientID, &t.ContextID, &expiration, &created); err != nil {
		return domain.RefreshToken{}, err
	}

	tok, err := jwtx.Decode(value)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("refresh token %s: %w", t.ID, err)
	}

	t.Token = tok
	t.Expiration = mapNullTimePtr(expiration)
	t.CreatedAt = fromUnixNano(created)
	return t, nil
}
