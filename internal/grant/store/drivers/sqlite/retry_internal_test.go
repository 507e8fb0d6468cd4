package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRetryStopsOnOrdinaryErrors(t *testing.T) {
	s := &Store{retry: DefaultRetryConfig()}
	boom := errors.New("boom")

	calls := 0
	err := s.withRetry(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestWithRetrySucceeds(t *testing.T) {
	s := &Store{retry: DefaultRetryConfig()}

	calls := 0
	require.NoError(t, s.withRetry(context.Background(), func() error {
		calls++
		return nil
	}))
	require.Equal(t, 1, calls)
}

func TestIsBusy(t *testing.T) {
	require.False(t, isBusy(nil))
	require.False(t, isBusy(errors.New("database is locked")))
}

func TestDSN(t *testing.T) {
	require.Equal(t,
		":memory:?_pragma=busy_timeout%285000%29&_pragma=foreign_keys%281%29&_txlock=immediate",
		dsn(":memory:"))
	require.Contains(t, dsn("/tmp/x.db"), "journal_mode%28WAL%29")
}

func TestSplitSet(t *testing.T) {
	require.Nil(t, splitSet(""))
	require.Nil(t, splitSet("   "))
	require.Equal(t, []string{"a", "b"}, splitSet(" a  b a "))
	require.Equal(t, "a b", joinSet([]string{"a", "b"}))
}
