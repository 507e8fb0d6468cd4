package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
)

type contextsRepo struct {
	db dbtx
}

const contextColumns = `c.id, c.client_id, c.principal_name, c.principal, c.authorities,
	c.resource_ids, c.approved, c.redirect_uri, c.response_types, c.scopes,
	c.extensions, c.request_parameters, c.created_at`

func (r *contextsRepo) CreateContext(ctx context.Context, c *domain.AuthorizationContext) error {
	var principal sql.NullString
	if c.Principal != nil {
		b, err := json.Marshal(c.Principal)
		if err != nil {
			return fmt.Errorf("marshal principal: %w", err)
		}
		principal = sql.NullString{String: string(b), Valid: true}
	}

	extensions, err := marshalMap(c.Extensions)
	if err != nil {
		return fmt.Errorf("marshal extensions: %w", err)
	}
	params, err := marshalMap(c.RequestParameters)
	if err != nil {
		return fmt.Errorf("marshal request parameters: %w", err)
	}

	var principalName sql.NullString
	if c.Principal != nil {
		principalName = sql.NullString{String: c.Principal.Name, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO authorization_contexts (
			id, client_id, principal_name, principal, authorities, resource_ids,
			approved, redirect_uri, response_types, scopes, extensions,
			request_parameters, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, principalName, principal, joinSet(c.Authorities), joinSet(c.ResourceIDs),
		c.Approved, c.RedirectURI, joinSet(c.ResponseTypes), joinSet(c.Scopes), extensions,
		params, unixNano(c.CreatedAt),
	)
	return mapConstraint(err)
}

func (r *contextsRepo) GetContext(ctx context.Context, id string) (domain.AuthorizationContext, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM authorization_contexts c WHERE c.id = ?`, id)
	c, err := scanContext(row)
	if err != nil {
		return domain.AuthorizationContext{}, mapNotFound(err)
	}
	return c, nil
}

func (r *contextsRepo) ListContextsByPrincipal(ctx context.Context, principalName string) ([]domain.AuthorizationContext, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+contextColumns+`
		FROM authorization_contexts c
		WHERE c.principal_name = ?
		ORDER BY c.created_at, c.id`, principalName)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanContext)
}

// The referenced set is the union of every foreign key that points at a
// context; the answer is everything else.
const unreferencedContextsQuery = `
	WITH referenced(id) AS (
		SELECT context_id FROM access_tokens
		UNION
		SELECT context_id FROM refresh_tokens
		UNION
		SELECT context_id FROM authorization_codes
	),
	unreferenced(id) AS (
		SELECT id FROM authorization_contexts WHERE created_at <= ?
		EXCEPT
		SELECT id FROM referenced
	)
	SELECT ` + contextColumns + `
	FROM authorization_contexts c
	JOIN unreferenced u ON u.id = c.id
	ORDER BY c.id`

func (r *contextsRepo) ListUnreferencedContexts(ctx context.Context, cutoff time.Time) ([]domain.AuthorizationContext, error) {
	rows, err := r.db.QueryContext(ctx, unreferencedContextsQuery, unixNano(cutoff))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanContext)
}

func (r *contextsRepo) DeleteContextIfUnreferenced(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM authorization_contexts
		WHERE id = ?1
		  AND NOT EXISTS (SELECT 1 FROM access_tokens WHERE context_id = ?1)
		  AND NOT EXISTS (SELECT 1 FROM refresh_tokens WHERE context_id = ?1)
		  AND NOT EXISTS (SELECT 1 FROM authorization_codes WHERE context_id = ?1)`, id)
	if err != nil {
		return false, mapConstraint(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanContext(sc scanner) (domain.AuthorizationContext, error) {
	var (
		c                                       domain.AuthorizationContext
		principalName, principal                sql.NullString
		authorities, resourceIDs, responseTypes string
		scopes, extensions, params              string
		created                                 int64
	)
	err := sc.Scan(
		&c.ID, &c.ClientID, &principalName, &principal, &authorities,
		&resourceIDs, &c.Approved, &c.RedirectURI, &responseTypes, &scopes,
		&extensions, &params, &created,
	)
	if err != nil {
		return domain.AuthorizationContext{}, err
	}

	if principal.Valid {
		var p domain.Principal
		if err := json.Unmarshal([]byte(principal.String), &p); err != nil {
			return domain.AuthorizationContext{}, fmt.Errorf("context %s: decode principal: %w", c.ID, err)
		}
		c.Principal = &p
	}
	if err := unmarshalMap(extensions, &c.Extensions); err != nil {
		return domain.AuthorizationContext{}, fmt.Errorf("context %s: decode extensions: %w", c.ID, err)
	}
	if err := unmarshalMap(params, &c.RequestParameters); err != nil {
		return domain.AuthorizationContext{}, fmt.Errorf("context %s: decode request parameters: %w", c.ID, err)
	}

	c.Authorities = splitSet(authorities)
	c.ResourceIDs = splitSet(resourceIDs)
	c.ResponseTypes = splitSet(responseTypes)
	c.Scopes = splitSet(scopes)
	c.CreatedAt = fromUnixNano(created)
	return c, nil
}

func marshalMap[M ~map[string]V, V any](m M) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalMap leaves *m nil for an empty object.
func unmarshalMap[M ~map[string]V, V any](s string, m *M) error {
	if s == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), m)
}
