package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload handed to the signer for both access and refresh
// tokens. Additions must stay optional so previously stored values keep
// decoding.
type Claims struct {
	jwt.RegisteredClaims

	// Scope is space-delimited, as in RFC 8693 / RFC 9068.
	Scope string `json:"scope,omitempty"`

	ClientID string `json:"client_id,omitempty"`

	// TokenUse distinguishes "access" from "refresh" values so one can never
	// be replayed as the other.
	TokenUse string `json:"token_use,omitempty"`
}

const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
)

// ClaimsParams collects what issuance knows when it asks for a signature.
type ClaimsParams struct {
	Issuer    string
	Subject   string
	ClientID  string
	Audience  []string
	Scopes    []string
	ExpiresAt *time.Time // nil means the token never expires
	TokenUse  string
	Now       time.Time
}

// NewClaims builds the unsigned claim set.
func NewClaims(p ClaimsParams) Claims {
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   p.Issuer,
			Subject:  p.Subject,
			IssuedAt: jwt.NewNumericDate(p.Now),
			ID:       NewJTI(),
		},
		Scope:    strings.Join(p.Scopes, " "),
		ClientID: p.ClientID,
		TokenUse: p.TokenUse,
	}
	if len(p.Audience) > 0 {
		c.Audience = jwt.ClaimStrings(p.Audience)
	}
	if p.ExpiresAt != nil {
		c.ExpiresAt = jwt.NewNumericDate(*p.ExpiresAt)
	}
	return c
}

// Scopes splits Scope back into a slice.
func (c Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// NewJTI returns a random "jti". It also guarantees two tokens minted for
// the same grant in the same second still encode to different values.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
