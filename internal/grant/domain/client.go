package domain

import (
	"slices"
	"time"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeUMATicket         = "urn:ietf:params:oauth:grant-type:uma-ticket"
)

// Client is the read model of a registered client. Registration itself
// happens elsewhere; this core only asks what a client is allowed to do.
type Client struct {
	ID         string
	Name       string
	Scopes     []string
	GrantTypes []string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AllowsScopes returns the first requested scope the client may not use.
func (c *Client) AllowsScopes(requested []string) (string, bool) {
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return s, false
		}
	}
	return "", true
}

func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}
