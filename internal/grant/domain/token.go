package domain

import (
	"maps"
	"time"

	"github.com/aussiebroadwan/grantstore/pkg/jwtx"
)

// Token is the shape access and refresh tokens share.
type Token interface {
	Value() string
	ExpiresAt() *time.Time
	IsExpired(now time.Time) bool
}

// TokenType is the OAuth token_type.
type TokenType string

const TokenTypeBearer TokenType = "Bearer"

// AdditionalIDToken is the additional-information key an OIDC id_token is
// returned under.
const AdditionalIDToken = "id_token"

// expired is the single expiry rule: a nil expiration never expires, and a
// token is still valid at exactly its expiration instant.
func expired(exp *time.Time, now time.Time) bool {
	return exp != nil && now.After(*exp)
}

// AccessToken models the stored access token row.
type AccessToken struct {
	ID             string
	Token          jwtx.SignedToken
	Expiration     *time.Time // nil = never expires
	TokenType      TokenType
	Scopes         []string
	ClientID       string
	ContextID      string
	RefreshTokenID *string
	Permissions    []Permission // UMA only
	CreatedAt      time.Time

	additional map[string]any
}

func (t *AccessToken) Value() string                { return t.Token.String() }
func (t *AccessToken) ExpiresAt() *time.Time        { return t.Expiration }
func (t *AccessToken) IsExpired(now time.Time) bool { return expired(t.Expiration, now) }

// ExpiresIn returns the whole seconds left: -1 when the token never expires
// and 0 once it has.
func (t *AccessToken) ExpiresIn(now time.Time) int64 {
	if t.Expiration == nil {
		return -1
	}
	left := t.Expiration.Sub(now)
	if left <= 0 {
		return 0
	}
	return int64(left / time.Second)
}

// AttachIDToken adds an id_token to the response-only information. Nothing
// here is written to storage.
func (t *AccessToken) AttachIDToken(idToken string) {
	t.SetAdditional(AdditionalIDToken, idToken)
}

func (t *AccessToken) SetAdditional(key string, v any) {
	if t.additional == nil {
		t.additional = make(map[string]any)
	}
	t.additional[key] = v
}

// AdditionalInformation returns a copy of the response-only information.
func (t *AccessToken) AdditionalInformation() map[string]any {
	return maps.Clone(t.additional)
}

// IDToken is "" when none was attached.
func (t *AccessToken) IDToken() string {
	s, _ := t.additional[AdditionalIDToken].(string)
	return s
}

// RefreshToken models the stored refresh token row.
type RefreshToken struct {
	ID         string
	Token      jwtx.SignedToken
	Expiration *time.Time // nil = never expires
	ClientID   string
	ContextID  string
	CreatedAt  time.Time
}

func (t *RefreshToken) Value() string                { return t.Token.String() }
func (t *RefreshToken) ExpiresAt() *time.Time        { return t.Expiration }
func (t *RefreshToken) IsExpired(now time.Time) bool { return expired(t.Expiration, now) }

// Window is the lifetime this token was issued with, or 0 when it never
// expires.
func (t *RefreshToken) Window() time.Duration {
	if t.Expiration == nil {
		return 0
	}
	return t.Expiration.Sub(t.CreatedAt)
}

var (
	_ Token = (*AccessToken)(nil)
	_ Token = (*RefreshToken)(nil)
)
