package domain_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestParseClaimCanonical(t *testing.T) {
	a, err := domain.ParseClaim([]byte(`{ "sub": "alice", "age": 30.0, "nested": {"b": 1, "a": 2} }`))
	require.NoError(t, err)
	b, err := domain.ParseClaim([]byte(`{"nested":{"a":2,"b":1},"age":30.0,"sub":"alice"}`))
	require.NoError(t, err)

	require.True(t, a.Equal(b))
	require.Equal(t, a.Digest(), b.Digest())
	require.JSONEq(t, `{"age":30.0,"nested":{"a":2,"b":1},"sub":"alice"}`, a.String())
	require.Equal(t, `{"age":30.0,"nested":{"a":2,"b":1},"sub":"alice"}`, a.String(), "numbers keep their literal form")
}

func TestParseClaimDistinct(t *testing.T) {
	a := domain.MustClaim(map[string]any{"sub": "alice"})
	b := domain.MustClaim(map[string]any{"sub": "bob"})
	require.False(t, a.Equal(b))
	require.NotEqual(t, a.Digest(), b.Digest())

	var got map[string]string
	require.NoError(t, a.Decode(&got))
	require.Equal(t, "alice", got["sub"])
}

func TestParseClaimInvalid(t *testing.T) {
	for _, in := range []string{``, `{`, `{"a":1} {"b":2}`, `nope`} {
		_, err := domain.ParseClaim([]byte(in))
		require.ErrorIs(t, err, domain.ErrInvalidClaim, in)
	}
}

func TestPermissionTicketState(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tk := &domain.PermissionTicket{Expiration: now.Add(time.Minute)}

	require.Equal(t, domain.TicketIssued, tk.State(now))

	tk.Claims = append(tk.Claims, domain.MustClaim(map[string]string{"sub": "alice"}))
	require.Equal(t, domain.TicketClaimsGathering, tk.State(now))
	require.True(t, tk.HasClaim(domain.MustClaim(map[string]string{"sub": "alice"})))

	require.Equal(t, domain.TicketExpired, tk.State(now.Add(2*time.Minute)))

	tk.Redeemed = true
	require.Equal(t, domain.TicketRedeemed, tk.State(now))
}

func TestNewTicketString(t *testing.T) {
	a, b := domain.NewTicketString(), domain.NewTicketString()
	require.NotEqual(t, a, b)

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(4), id.Version())
}
