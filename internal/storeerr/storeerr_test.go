package storeerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	err := Wrap(KindWriteConflict, fmt.Errorf("boom"))
	require.True(t, Is(err, KindWriteConflict))
	require.False(t, Is(err, KindTimeout))
	require.ErrorContains(t, err, "boom")
}

func TestRetryableAndTerminal(t *testing.T) {
	require.True(t, Retryable(New(KindWriteConflict)))
	require.True(t, Retryable(New(KindTimeout)))
	require.False(t, Retryable(New(KindRecordNotFound)))

	require.True(t, Terminal(New(KindStoreFatal)))
	require.True(t, Terminal(New(KindDatabaseFilesCorrupted)))
	require.False(t, Terminal(New(KindWriteConflict)))
}

func TestKindOfNilIsUnexpected(t *testing.T) {
	require.Equal(t, KindUnexpected, KindOf(nil))
}
