package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConstraint covers foreign key and check violations, e.g. issuing a
	// token against a context or client that does not exist.
	ErrConstraint = errors.New("store: constraint violation")
)

// Store is the root data access interface. Drivers implement it and expose
// one sub-repository per table group. Multi-step work goes through WithTx so
// the repositories handed to fn all share one transaction.
type Store interface {
	Clients() Clients
	AuthorizationContexts() AuthorizationContexts
	AccessTokens() AccessTokens
	RefreshTokens() RefreshTokens
	AuthorizationCodes() AuthorizationCodes
	PermissionTickets() PermissionTickets

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise. Drivers may run fn more than once when the
	// backend reports transient lock contention, so fn must not have side
	// effects outside tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Clients interface {
	GetClientByID(ctx context.Context, id string) (domain.Client, error)

	// ListClients returns all clients ordered by creation date (newest first).
	ListClients(ctx context.Context) ([]domain.Client, error)

	CreateClient(ctx context.Context, c domain.Client) error
	SetClientEnabled(ctx context.Context, clientID string, enabled bool) error

	// DeleteClient cascades to the client's contexts, tokens and codes.
	DeleteClient(ctx context.Context, clientID string) error
}

type AuthorizationContexts interface {
	// CreateContext inserts c; c.ID and c.CreatedAt must already be set.
	CreateContext(ctx context.Context, c *domain.AuthorizationContext) error

	GetContext(ctx context.Context, id string) (domain.AuthorizationContext, error)
	ListContextsByPrincipal(ctx context.Context, principalName string) ([]domain.AuthorizationContext, error)

	// ListUnreferencedContexts returns contexts created at or before cutoff
	// that no access token, refresh token or authorization code points at.
	// It is one set-difference statement, so the result is a snapshot.
	ListUnreferencedContexts(ctx context.Context, cutoff time.Time) ([]domain.AuthorizationContext, error)

	// DeleteContextIfUnreferenced deletes the context only if it is still
	// unreferenced at the moment of deletion. It reports whether a row went.
	DeleteContextIfUnreferenced(ctx context.Context, id string) (bool, error)
}

type AccessTokens interface {
	// CreateAccessToken inserts the token and any permissions it carries.
	CreateAccessToken(ctx context.Context, t domain.AccessToken) error

	GetAccessTokenByValue(ctx context.Context, value string) (domain.AccessToken, error)
	GetAccessTokenByID(ctx context.Context, id string) (domain.AccessToken, error)

	ListAccessTokensByClient(ctx context.Context, clientID string) ([]domain.AccessToken, error)
	ListAccessTokensByPrincipal(ctx context.Context, principalName string) ([]domain.AccessToken, error)
	ListAccessTokensByRefreshToken(ctx context.Context, refreshTokenID string) ([]domain.AccessToken, error)
	ListAccessTokensByResourceSet(ctx context.Context, resourceSetID string) ([]domain.AccessToken, error)

	// ListExpiredAccessTokenIDs selects every token with expiration <= now.
	ListExpiredAccessTokenIDs(ctx context.Context, now time.Time) ([]string, error)

	// DeleteAccessToken cascades to the permissions the token owns.
	DeleteAccessToken(ctx context.Context, id string) error

	DeleteAccessTokensByRefreshToken(ctx context.Context, refreshTokenID string) (int64, error)
	DeleteAccessTokensByResourceSet(ctx context.Context, resourceSetID string) (int64, error)
}

type RefreshTokens interface {
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	GetRefreshTokenByValue(ctx context.Context, value string) (domain.RefreshToken, error)
	GetRefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, error)

	ListRefreshTokensByClient(ctx context.Context, clientID string) ([]domain.RefreshToken, error)
	ListRefreshTokensByPrincipal(ctx context.Context, principalName string) ([]domain.RefreshToken, error)

	// TakeRefreshToken deletes the row holding value and returns what it held.
	// Of any number of concurrent callers at most one gets the row; the rest
	// get ErrNotFound.
	TakeRefreshToken(ctx context.Context, value string) (domain.RefreshToken, error)

	// ListExpiredRefreshTokenIDs selects every token with expiration <= now.
	ListExpiredRefreshTokenIDs(ctx context.Context, now time.Time) ([]string, error)

	// DeleteRefreshToken leaves dependent access tokens in place with their
	// refresh link cleared.
	DeleteRefreshToken(ctx context.Context, id string) error
}

type AuthorizationCodes interface {
	CreateAuthorizationCode(ctx context.Context, c domain.AuthorizationCode) error

	// ConsumeAuthorizationCode deletes and returns the code with this hash.
	// A second consumer gets ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string) (domain.AuthorizationCode, error)

	ListExpiredAuthorizationCodeIDs(ctx context.Context, now time.Time) ([]string, error)
	DeleteAuthorizationCode(ctx context.Context, id string) error
}

type PermissionTickets interface {
	// CreatePermissionTicket inserts the ticket, its permission and any
	// initial claims. IDs must already be set.
	CreatePermissionTicket(ctx context.Context, t domain.PermissionTicket) error

	// GetPermissionTicket looks a ticket up by its ticket string.
	GetPermissionTicket(ctx context.Context, ticket string) (domain.PermissionTicket, error)

	ListPermissionTickets(ctx context.Context) ([]domain.PermissionTicket, error)
	ListPermissionTicketsByResourceSet(ctx context.Context, resourceSetID string) ([]domain.PermissionTicket, error)

	// AddClaims merges claims into the ticket's collection. Claims already
	// present are skipped; it returns how many were new.
	AddClaims(ctx context.Context, ticketID string, claims []domain.Claim) (int, error)

	// ReassignPermission moves a permission from its ticket to an access
	// token. ErrNotFound if the ticket no longer owns it.
	ReassignPermission(ctx context.Context, permissionID, ticketID, accessTokenID string) error

	ListExpiredPermissionTicketIDs(ctx context.Context, now time.Time) ([]string, error)

	// DeletePermissionTicket cascades to claims and a still-owned permission.
	DeletePermissionTicket(ctx context.Context, id string) error

	DeletePermissionTicketsByResourceSet(ctx context.Context, resourceSetID string) (int64, error)
}
