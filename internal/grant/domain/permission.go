package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aussiebroadwan/grantstore/pkg/cryptox"
	"github.com/google/uuid"
)

// Permission grants scopes on one resource set. It belongs to exactly one
// access token or exactly one permission ticket, never both.
type Permission struct {
	ID            string
	ResourceSetID string
	Scopes        []string
}

// Claim is one opaque assertion gathered for a ticket. Two claims are the
// same claim when their canonical JSON is byte-equal.
type Claim struct {
	raw json.RawMessage
}

var ErrInvalidClaim = errors.New("domain: invalid claim")

// NewClaim canonicalizes any JSON-serializable value.
func NewClaim(v any) (Claim, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}
	return ParseClaim(b)
}

// ParseClaim canonicalizes raw JSON: object keys sorted, insignificant
// whitespace dropped, numbers kept exactly as written.
func ParseClaim(data []byte) (Claim, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Claim{}, fmt.Errorf("%w: trailing data", ErrInvalidClaim)
	}

	canon, err := json.Marshal(v)
	if err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}
	return Claim{raw: canon}, nil
}

// MustClaim is for fixtures only.
func MustClaim(v any) Claim {
	c, err := NewClaim(v)
	if err != nil {
		panic(err)
	}
	return c
}

// JSON returns the canonical form.
func (c Claim) JSON() json.RawMessage { return c.raw }

// Digest identifies the claim within a ticket's collection.
func (c Claim) Digest() string { return cryptox.FingerprintToken(string(c.raw)) }

func (c Claim) Equal(o Claim) bool { return bytes.Equal(c.raw, o.raw) }

func (c Claim) String() string { return string(c.raw) }

// Decode unmarshals the claim into v.
func (c Claim) Decode(v any) error { return json.Unmarshal(c.raw, v) }

// TicketState is derived, never stored.
type TicketState string

const (
	TicketIssued          TicketState = "ISSUED"
	TicketClaimsGathering TicketState = "CLAIMS_GATHERING"
	TicketRedeemed        TicketState = "REDEEMED"
	TicketExpired         TicketState = "EXPIRED"
)

// PermissionTicket is a UMA permission ticket. Its permission is fixed at
// creation; only the claim collection grows.
type PermissionTicket struct {
	ID         string
	Ticket     string
	Permission Permission
	Expiration time.Time
	Claims     []Claim
	CreatedAt  time.Time

	// Redeemed is set on the value returned by a successful redemption. The
	// row itself is gone by then.
	Redeemed bool
}

// NewTicketString returns a random (version 4) UUID.
func NewTicketString() string { return uuid.NewString() }

func (t *PermissionTicket) IsExpired(now time.Time) bool { return now.After(t.Expiration) }

func (t *PermissionTicket) State(now time.Time) TicketState {
	switch {
	case t.Redeemed:
		return TicketRedeemed
	case t.IsExpired(now):
		return TicketExpired
	case len(t.Claims) > 0:
		return TicketClaimsGathering
	default:
		return TicketIssued
	}
}

// HasClaim reports whether c is already in the collection.
func (t *PermissionTicket) HasClaim(c Claim) bool {
	for _, have := range t.Claims {
		if have.Equal(c) {
			return true
		}
	}
	return false
}
