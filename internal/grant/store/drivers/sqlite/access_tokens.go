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

type accessTokensRepo struct {
	db dbtx
}

const accessTokenColumns = `t.id, t.token_value, t.token_type, t.scopes, t.client_id,
	t.context_id, t.refresh_token_id, t.expiration, t.created_at`

func (r *accessTokensRepo) CreateAccessToken(ctx context.Context, t domain.AccessToken) error {
	value := t.Value()
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = domain.TokenTypeBearer
	}

	return inTx(ctx, r.db, len(t.Permissions) > 0, func(db dbtx) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO access_tokens (
				id, token_hash, token_value, token_type, scopes, client_id,
				context_id, refresh_token_id, expiration, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, cryptox.FingerprintToken(value), value, string(tokenType), joinSet(t.Scopes), t.ClientID,
			t.ContextID, mapOptionalString(t.RefreshTokenID), mapOptionalTime(t.Expiration), unixNano(t.CreatedAt),
		)
		if err != nil {
			return mapConstraint(err)
		}

		for _, p := range t.Permissions {
			_, err := db.ExecContext(ctx, `
				INSERT INTO permissions (id, resource_set_id, scopes, access_token_id)
				VALUES (?, ?, ?, ?)`,
				p.ID, p.ResourceSetID, joinSet(p.Scopes), t.ID,
			)
			if err != nil {
				return mapConstraint(err)
			}
		}
		return nil
	})
}

func (r *accessTokensRepo) GetAccessTokenByValue(ctx context.Context, value string) (domain.AccessToken, error) {
	return r.getOne(ctx, `WHERE t.token_hash = ? AND t.token_value = ?`, cryptox.FingerprintToken(value), value)
}

func (r *accessTokensRepo) GetAccessTokenByID(ctx context.Context, id string) (domain.AccessToken, error) {
	return r.getOne(ctx, `WHERE t.id = ?`, id)
}

func (r *accessTokensRepo) ListAccessTokensByClient(ctx context.Context, clientID string) ([]domain.AccessToken, error) {
	return r.list(ctx, `WHERE t.client_id = ?`, clientID)
}

func (r *accessTokensRepo) ListAccessTokensByPrincipal(ctx context.Context, principalName string) ([]domain.AccessToken, error) {
	return r.list(ctx, `
		JOIN authorization_contexts c ON c.id = t.context_id
		WHERE c.principal_name = ?`, principalName)
}

func (r *accessTokensRepo) ListAccessTokensByRefreshToken(ctx context.Context, refreshTokenID string) ([]domain.AccessToken, error) {
	return r.list(ctx, `WHERE t.refresh_token_id = ?`, refreshTokenID)
}

func (r *accessTokensRepo) ListAccessTokensByResourceSet(ctx context.Context, resourceSetID string) ([]domain.AccessToken, error) {
	return r.list(ctx, `
		WHERE t.id IN (
			SELECT access_token_id FROM permissions
			WHERE resource_set_id = ? AND access_token_id IS NOT NULL
		)`, resourceSetID)
}

func (r *accessTokensRepo) ListExpiredAccessTokenIDs(ctx context.Context, now time.Time) ([]string, error) {
	return collectStrings(r.db.QueryContext(ctx, `
		SELECT id FROM access_tokens
		WHERE expiration IS NOT NULL AND expiration <= ?
		ORDER BY expiration, id`, unixNano(now)))
}

func (r *accessTokensRepo) DeleteAccessToken(ctx context.Context, id string) error {
	return requireAffected(r.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE id = ?`, id))
}

func (r *accessTokensRepo) DeleteAccessTokensByRefreshToken(ctx context.Context, refreshTokenID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE refresh_token_id = ?`, refreshTokenID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *accessTokensRepo) DeleteAccessTokensByResourceSet(ctx context.Context, resourceSetID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM access_tokens
		WHERE id IN (
			SELECT access_token_id FROM permissions
			WHERE resource_set_id = ? AND access_token_id IS NOT NULL
		)`, resourceSetID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *accessTokensRepo) getOne(ctx context.Context, where string, args ...any) (domain.AccessToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accessTokenColumns+` FROM access_tokens t `+where, args...)
	t, err := scanAccessToken(row)
	if err != nil {
		return domain.AccessToken{}, mapNotFound(err)
	}

	perms, err := loadTokenPermissions(ctx, r.db, `?`, t.ID)
	if err != nil {
		return domain.AccessToken{}, err
	}
	t.Permissions = perms[t.ID]
	return t, nil
}

func (r *accessTokensRepo) list(ctx context.Context, clause string, args ...any) ([]domain.AccessToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accessTokenColumns+` FROM access_tokens t `+clause+` ORDER BY t.created_at, t.id`, args...)
	if err != nil {
		return nil, err
	}
	tokens, err := collect(rows, scanAccessToken)
	if err != nil || len(tokens) == 0 {
		return tokens, err
	}

	perms, err := loadTokenPermissions(ctx, r.db, `SELECT t.id FROM access_tokens t `+clause, args...)
	if err != nil {
		return nil, err
	}
	for i := range tokens {
		tokens[i].Permissions = perms[tokens[i].ID]
	}
	return tokens, nil
}

// loadTokenPermissions fetches in one query the permissions of every token
// id the tokenIDs expression yields. Bind only the parent filter's args here,
// never one per token: SQLite caps bound variables at 32766.
func loadTokenPermissions(ctx context.Context, db dbtx, tokenIDs string, args ...any) (map[string][]domain.Permission, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, resource_set_id, scopes, access_token_id
		FROM permissions
		WHERE access_token_id IN (`+tokenIDs+`)
		ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.Permission)
	for rows.Next() {
		var (
			p       domain.Permission
			scopes  string
			tokenID string
		)
		if err := rows.Scan(&p.ID, &p.ResourceSetID, &scopes, &tokenID); err != nil {
			return nil, err
		}
		p.Scopes = splitSet(scopes)
		out[tokenID] = append(out[tokenID], p)
	}
	return out, rows.Err()
}

func scanAccessToken(sc scanner) (domain.AccessToken, error) {
	var (
		t                domain.AccessToken
		value, tokenType string
		scopes           string
		refreshID        sql.NullString
		expiration       sql.NullInt64
		created          int64
	)
	err := sc.Scan(&t.ID, &value, &tokenType, &scopes, &t.ClientID,
		&t.ContextID, &refreshID, &expiration, &created)
	if err != nil {
		return domain.AccessToken{}, err
	}

	tok, err := jwtx.Decode(value)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("access token %s: %w", t.ID, err)
	}

	t.Token = tok
	t.TokenType = domain.TokenType(tokenType)
	t.Scopes = splitSet(scopes)
	t.RefreshTokenID = mapNullStringPtr(refreshID)
	t.Expiration = mapNullTimePtr(expiration)
	t.CreatedAt = fromUnixNano(created)
	return t, nil
}

// inTx runs fn atomically. Inside an existing transaction it just runs; on
// the bare pool it opens one when the work spans several statements.
func inTx(ctx context.Context, db dbtx, multi bool, fn func(dbtx) error) error {
	pool, ok := db.(*sql.DB)
	if !ok || !multi {
		return fn(db)
	}

	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
