package cryptox_test

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/aussiebroadwan/grantstore/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestGenerateEd25519Key(t *testing.T) {
	pemBytes, err := cryptox.GenerateEd25519Key()
	require.NoError(t, err)

	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	require.Equal(t, "PRIVATE KEY", block.Type)

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)

	edKey, ok := key.(ed25519.PrivateKey)
	require.True(t, ok)
	require.Len(t, edKey, ed25519.PrivateKeySize)
}

func TestLoadOrGenerateEd25519Key(t *testing.T) {
	t.Run("empty path generates", func(t *testing.T) {
		pemBytes, err := cryptox.LoadOrGenerateEd25519Key("")
		require.NoError(t, err)
		require.NotEmpty(t, pemBytes)
	})

	t.Run("reads existing file", func(t *testing.T) {
		want, err := cryptox.GenerateEd25519Key()
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "signing.pem")
		require.NoError(t, os.WriteFile(path, want, 0o600))

		got, err := cryptox.LoadOrGenerateEd25519Key(path)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := cryptox.LoadOrGenerateEd25519Key(filepath.Join(t.TempDir(), "nope.pem"))
		require.Error(t, err)
	})
}

func TestEd25519KeyID(t *testing.T) {
	key, err := cryptox.GenerateEd25519Key()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, os.WriteFile(path, key, 0o600))

	first, err := cryptox.Ed25519KeyID(key)
	require.NoError(t, err)
	require.Len(t, first, 64)

	reloaded, err := cryptox.LoadOrGenerateEd25519Key(path)
	require.NoError(t, err)
	again, err := cryptox.Ed25519KeyID(reloaded)
	require.NoError(t, err)
	require.Equal(t, first, again, "same key file, same kid")

	other, err := cryptox.GenerateEd25519Key()
	require.NoError(t, err)
	otherID, err := cryptox.Ed25519KeyID(other)
	require.NoError(t, err)
	require.NotEqual(t, first, otherID)

	_, err = cryptox.Ed25519KeyID([]byte("not pem"))
	require.Error(t, err)
}
