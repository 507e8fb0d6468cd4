package sqlite

import (
	"context"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
)

type clientsRepo struct {
	db dbtx
}

const clientColumns = `id, name, scopes, grant_types, enabled, created_at, updated_at`

func (r *clientsRepo) GetClientByID(ctx context.Context, id string) (domain.Client, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	c, err := scanClient(row)
	if err != nil {
		return domain.Client{}, mapNotFound(err)
	}
	return c, nil
}

func (r *clientsRepo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanClient)
}

func (r *clientsRepo) CreateClient(ctx context.Context, c domain.Client) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, scopes, grant_types, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, joinSet(c.Scopes), joinSet(c.GrantTypes), c.Enabled,
		unixNano(created), unixNano(updated),
	)
	return mapConstraint(err)
}

func (r *clientsRepo) SetClientEnabled(ctx context.Context, clientID string, enabled bool) error {
	return requireAffected(r.db.ExecContext(ctx,
		`UPDATE clients SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, unixNano(time.Now()), clientID,
	))
}

func (r *clientsRepo) DeleteClient(ctx context.Context, clientID string) error {
	return requireAffected(r.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, clientID))
}

func scanClient(sc scanner) (domain.Client, error) {
	var (
		c                  domain.Client
		scopes, grantTypes string
		created, updated   int64
	)
	if err := sc.Scan(&c.ID, &c.Name, &scopes, &grantTypes, &c.Enabled, &created, &updated); err != nil {
		return domain.Client{}, err
	}
	c.Scopes = splitSet(scopes)
	c.GrantTypes = splitSet(grantTypes)
	c.CreatedAt = fromUnixNano(created)
	c.UpdatedAt = fromUnixNano(updated)
	return c, nil
}
