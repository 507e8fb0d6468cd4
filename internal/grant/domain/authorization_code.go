package domain

import "time"

// AuthorizationCode is an outstanding code. Its only job in this core is to
// keep the context it points at alive until the code is exchanged or expires.
type AuthorizationCode struct {
	ID        string
	CodeHash  string
	ContextID string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (c *AuthorizationCode) IsExpired(now time.Time) bool { return now.After(c.ExpiresAt) }
