package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/aussiebroadwan/grantstore/internal/grant/store"
)

type permissionTicketsRepo struct {
	db dbtx
}

const ticketColumns = `k.id, k.ticket, k.expiration, k.created_at,
	p.id, p.resource_set_id, p.scopes`

// A ticket always has its permission while it exists; the join is inner.
const ticketFrom = `FROM permission_tickets k JOIN permissions p ON p.ticket_id = k.id`

func (r *permissionTicketsRepo) CreatePermissionTicket(ctx context.Context, t domain.PermissionTicket) error {
	return inTx(ctx, r.db, true, func(db dbtx) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO permission_tickets (id, ticket, expiration, created_at)
			VALUES (?, ?, ?, ?)`,
			t.ID, t.Ticket, unixNano(t.Expiration), unixNano(t.CreatedAt),
		)
		if err != nil {
			return mapConstraint(err)
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO permissions (id, resource_set_id, scopes, ticket_id)
			VALUES (?, ?, ?, ?)`,
			t.Permission.ID, t.Permission.ResourceSetID, joinSet(t.Permission.Scopes), t.ID,
		)
		if err != nil {
			return mapConstraint(err)
		}

		_, err = insertClaims(ctx, db, t.ID, t.Claims, t.CreatedAt)
		return err
	})
}

func (r *permissionTicketsRepo) GetPermissionTicket(ctx context.Context, ticket string) (domain.PermissionTicket, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` `+ticketFrom+` WHERE k.ticket = ?`, ticket)
	t, err := scanTicket(row)
	if err != nil {
		return domain.PermissionTicket{}, mapNotFound(err)
	}

	claims, err := loadClaims(ctx, r.db, `?`, t.ID)
	if err != nil {
		return domain.PermissionTicket{}, err
	}
	t.Claims = claims[t.ID]
	return t, nil
}

func (r *permissionTicketsRepo) ListPermissionTickets(ctx context.Context) ([]domain.PermissionTicket, error) {
	return r.list(ctx, ``)
}

func (r *permissionTicketsRepo) ListPermissionTicketsByResourceSet(ctx context.Context, resourceSetID string) ([]domain.PermissionTicket, error) {
	return r.list(ctx, `WHERE p.resource_set_id = ?`, resourceSetID)
}

func (r *permissionTicketsRepo) AddClaims(ctx context.Context, ticketID string, claims []domain.Claim) (int, error) {
	var added int
	err := inTx(ctx, r.db, len(claims) > 1, func(db dbtx) error {
		n, err := insertClaims(ctx, db, ticketID, claims, time.Now())
		added = n
		return err
	})
	return added, err
}

func (r *permissionTicketsRepo) ReassignPermission(ctx context.Context, permissionID, ticketID, accessTokenID string) error {
	return requireAffected(r.db.ExecContext(ctx, `
		UPDATE permissions
		SET access_token_id = ?, ticket_id = NULL
		WHERE id = ? AND ticket_id = ?`,
		accessTokenID, permissionID, ticketID,
	))
}

func (r *permissionTicketsRepo) ListExpiredPermissionTicketIDs(ctx context.Context, now time.Time) ([]string, error) {
	return collectStrings(r.db.QueryContext(ctx, `
		SELECT id FROM permission_tickets
		WHERE expiration <= ?
		ORDER BY expiration, id`, unixNano(now)))
}

func (r *permissionTicketsRepo) DeletePermissionTicket(ctx context.Context, id string) error {
	return requireAffected(r.db.ExecContext(ctx, `DELETE FROM permission_tickets WHERE id = ?`, id))
}

func (r *permissionTicketsRepo) DeletePermissionTicketsByResourceSet(ctx context.Context, resourceSetID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM permission_tickets
		WHERE id IN (
			SELECT ticket_id FROM permissions
			WHERE resource_set_id = ? AND ticket_id IS NOT NULL
		)`, resourceSetID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *permissionTicketsRepo) list(ctx context.Context, where string, args ...any) ([]domain.PermissionTicket, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` `+ticketFrom+` `+where+` ORDER BY k.created_at, k.id`, args...)
	if err != nil {
		return nil, err
	}
	tickets, err := collect(rows, scanTicket)
	if err != nil || len(tickets) == 0 {
		return tickets, err
	}

	claims, err := loadClaims(ctx, r.db, `SELECT k.id `+ticketFrom+` `+where, args...)
	if err != nil {
		return nil, err
	}
	for i := range tickets {
		tickets[i].Claims = claims[tickets[i].ID]
	}
	return tickets, nil
}

// insertClaims relies on the (ticket_id, digest) key: a claim already in
// the collection is a no-op, whichever appender got there first.
func insertClaims(ctx context.Context, db dbtx, ticketID string, claims []domain.Claim, now time.Time) (int, error) {
	var added int
	for _, c := range claims {
		res, err := db.ExecContext(ctx, `
			INSERT INTO ticket_claims (ticket_id, digest, claim, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (ticket_id, digest) DO NOTHING`,
			ticketID, c.Digest(), c.String(), unixNano(now),
		)
		if err != nil {
			err = mapConstraint(err)
			if errors.Is(err, store.ErrConstraint) {
				return added, fmt.Errorf("ticket %s: %w", ticketID, store.ErrNotFound)
			}
			return added, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return added, err
		}
		added += int(n)
	}
	return added, nil
}

// loadClaims fetches the claims of every ticket the ticketIDs expression
// yields, in append order.
func loadClaims(ctx context.Context, db dbtx, ticketIDs string, args ...any) (map[string][]domain.Claim, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ticket_id, claim FROM ticket_claims
		WHERE ticket_id IN (`+ticketIDs+`)
		ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.Claim)
	for rows.Next() {
		var ticketID, raw string
		if err := rows.Scan(&ticketID, &raw); err != nil {
			return nil, err
		}
		c, err := domain.ParseClaim([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("ticket %s: %w", ticketID, err)
		}
		out[ticketID] = append(out[ticketID], c)
	}
	return out, rows.Err()
}

func scanTicket(sc scanner) (domain.PermissionTicket, error) {
	var (
		t                   domain.PermissionTicket
		expiration, created int64
		scopes              string
	)
	err := sc.Scan(&t.ID, &t.Ticket, &expiration, &created,
		&t.Permission.ID, &t.Permission.ResourceSetID, &scopes)
	if err != nil {
		return domain.PermissionTicket{}, err
	}
	t.Expiration = fromUnixNano(expiration)
	t.CreatedAt = fromUnixNano(created)
	t.Permission.Scopes = splitSet(scopes)
	return t, nil
}
