package jwtx_test

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/aussiebroadwan/grantstore/pkg/cryptox"
	"github.com/aussiebroadwan/grantstore/pkg/jwtx"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// {"alg":"none"} . {} . <empty>
const unsecured = "eyJhbGciOiJub25lIn0.e30."

func b64(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func newSigner(t *testing.T) *jwtx.EdDSASigner {
	t.Helper()
	pemKey, err := cryptox.GenerateEd25519Key()
	require.NoError(t, err)
	s, err := jwtx.NewSignerEdDSA("k1", pemKey)
	require.NoError(t, err)
	return s
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	signer := newSigner(t)
	exp := time.Now().Add(time.Hour)

	signed, err := signer.Sign(jwtx.NewClaims(jwtx.ClaimsParams{
		Issuer:    "https://issuer.example",
		Subject:   "alice",
		ClientID:  "c1",
		Scopes:    []string{"openid", "profile"},
		ExpiresAt: &exp,
		TokenUse:  jwtx.TokenUseAccess,
		Now:       time.Now(),
	}))
	require.NoError(t, err)

	inputs := []string{
		unsecured,
		b64(`{"alg":"HS256","typ":"JWT"}`) + "." + b64(`{"sub":"bob","n":1.50}`) + ".QQ",
		signed.String(),
	}

	for _, in := range inputs {
		tok, err := jwtx.Decode(in)
		require.NoError(t, err, in)
		require.Equal(t, in, jwtx.Encode(tok), "encode(decode(s)) must be the identity")

		again, err := jwtx.Decode(jwtx.Encode(tok))
		require.NoError(t, err)
		if diff := cmp.Diff(tok, again); diff != "" {
			t.Fatalf("decode(encode(t)) mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	tok := jwtx.MustDecode(unsecured)
	require.Equal(t, jwtx.Encode(tok), jwtx.Encode(tok))
	require.Equal(t, unsecured, tok.String())
	require.Equal(t, "none", tok.Alg())
	require.Nil(t, tok.Signature)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	header := b64(`{"alg":"none"}`)

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"two segments", header + ".e30"},
		{"four segments", header + ".e30.."},
		{"not base64", "!!!.e30."},
		{"padded segment", header + ".e30=."},
		{"non-canonical trailing bits", header + ".e30.QR"},
		{"header not json", b64("nope") + ".e30."},
		{"header without alg", b64(`{"typ":"JWT"}`) + ".e30."},
		{"unknown alg", b64(`{"alg":"XX999"}`) + ".e30."},
		{"payload not an object", header + "." + b64(`[1,2]`) + "."},
		{"surrounding whitespace", " " + unsecured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := jwtx.Decode(tt.in)
			require.ErrorIs(t, err, jwtx.ErrDecode)
			require.True(t, tok.IsZero(), "no partial token on failure")

			var de *jwtx.DecodeError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestSignedTokenClaims(t *testing.T) {
	signer := newSigner(t)
	now := time.Unix(1_700_000_000, 0)

	tok, err := signer.Sign(jwtx.NewClaims(jwtx.ClaimsParams{
		Subject:  "alice",
		ClientID: "c1",
		Audience: []string{"api"},
		Scopes:   []string{"read", "write"},
		TokenUse: jwtx.TokenUseRefresh,
		Now:      now,
	}))
	require.NoError(t, err)
	require.Equal(t, "EdDSA", tok.Alg())

	claims, err := tok.Claims()
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "c1", claims.ClientID)
	require.Equal(t, []string{"read", "write"}, claims.Scopes())
	require.Equal(t, jwtx.TokenUseRefresh, claims.TokenUse)
	require.Nil(t, claims.ExpiresAt, "no exp claim when the token never expires")
	require.NotEmpty(t, claims.ID)
}
