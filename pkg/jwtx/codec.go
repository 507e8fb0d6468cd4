package jwtx

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("jwtx: malformed token")

// DecodeError reports a stored or presented token string that is not a
// well-formed compact JWS. Callers treat it as data corruption.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jwtx: malformed token: %s: %v", e.Reason, e.Err)
	}
	return "jwtx: malformed token: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// SignedToken is a signed (or unsecured, alg "none") JWT held as its three
// raw segments. Keeping the raw bytes instead of parsed maps is what makes
// Encode deterministic and Decode(Encode(t)) == t.
type SignedToken struct {
	Header    []byte
	Payload   []byte
	Signature []byte
}

var segment = base64.RawURLEncoding.Strict()

// unverified only checks structure; signature checks belong to whoever holds
// the verification keys.
var unverified = jwt.NewParser()

// Encode renders t in compact serialization.
func Encode(t SignedToken) string {
	var b strings.Builder
	b.WriteString(segment.EncodeToString(t.Header))
	b.WriteByte('.')
	b.WriteString(segment.EncodeToString(t.Payload))
	b.WriteByte('.')
	b.WriteString(segment.EncodeToString(t.Signature))
	return b.String()
}

// Decode parses a compact JWS. It never returns a partially populated token:
// any failure yields the zero SignedToken and a *DecodeError.
func Decode(s string) (SignedToken, error) {
	if s == "" {
		return SignedToken{}, &DecodeError{Reason: "empty"}
	}

	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return SignedToken{}, &DecodeError{Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}

	var raw [3][]byte
	for i, part := range parts {
		b, err := segment.DecodeString(part)
		if err != nil {
			return SignedToken{}, &DecodeError{Reason: fmt.Sprintf("segment %d", i), Err: err}
		}
		raw[i] = b
	}

	if _, _, err := unverified.ParseUnverified(s, jwt.MapClaims{}); err != nil {
		return SignedToken{}, &DecodeError{Reason: "structure", Err: err}
	}

	return SignedToken{
		Header:    nilIfEmpty(raw[0]),
		Payload:   nilIfEmpty(raw[1]),
		Signature: nilIfEmpty(raw[2]),
	}, nil
}

// MustDecode is for fixtures only.
func MustDecode(s string) SignedToken {
	t, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t SignedToken) String() string { return Encode(t) }

// IsZero reports whether t holds no token at all.
func (t SignedToken) IsZero() bool {
	return len(t.Header) == 0 && len(t.Payload) == 0 && len(t.Signature) == 0
}

// Alg returns the header "alg", or "" when the header is unreadable.
func (t SignedToken) Alg() string {
	var h struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(t.Header, &h); err != nil {
		return ""
	}
	return h.Alg
}

// Claims unmarshals the payload.
func (t SignedToken) Claims() (Claims, error) {
	var c Claims
	if err := json.Unmarshal(t.Payload, &c); err != nil {
		return Claims{}, &DecodeError{Reason: "claims", Err: err}
	}
	return c, nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
