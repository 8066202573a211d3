package replicatedstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenTransitionsFromCreated(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Open())
	require.Equal(t, StateOpened, m.State())

	require.Error(t, m.Open())
}

func TestChangeToPrimaryThenStartTx(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Open())
	require.NoError(t, m.ChangeToPrimary())
	require.Equal(t, StatePrimaryPassive, m.State())

	require.NoError(t, m.StartTx())
	require.Equal(t, StatePrimaryActive, m.State())
	require.Equal(t, 1, m.TransactionCount())
}

func TestStartTxRejectedWhenNotPrimary(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Open())
	require.NoError(t, m.ChangeToSecondary())
	require.Error(t, m.StartTx())
}

func TestChangeToSecondaryDefersUntilTxDrain(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Open())
	require.NoError(t, m.ChangeToPrimary())
	require.NoError(t, m.StartTx())
	require.NoError(t, m.StartTx())

	require.NoError(t, m.ChangeToSecondary())
	require.Equal(t, StatePrimaryActiveChange, m.State())

	require.NoError(t, m.FinishTx())
	require.Equal(t, StatePrimaryActiveChange, m.State(), "role change should stay deferred until tx count reaches zero")

	require.NoError(t, m.FinishTx())
	require.Equal(t, StateSecondaryActive, m.State())
}

func TestCloseWhileActiveDefersToActiveClose(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Open())
	require.NoError(t, m.ChangeToPrimary())
	require.NoError(t, m.StartTx())

	require.NoError(t, m.Close())
	require.Equal(t, StatePrimaryActiveClose, m.State())

	require.NoError(t, m.FinishTx())
	require.Equal(t, StateClosed, m.State())
	require.True(t, m.IsClosed())
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Open())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.True(t, m.IsClosed())
}

func TestSameRoleChangeIsNoOp(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Open())
	require.NoError(t, m.ChangeToPrimary())
	require.NoError(t, m.StartTx())

	require.NoError(t, m.ChangeToPrimary())
	require.Equal(t, StatePrimaryActive, m.State(), "changing to the role already held must not defer")
}

func TestSecondaryPumpNullTransitions(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Open())
	require.NoError(t, m.ChangeToSecondary())
	require.Equal(t, StateSecondaryActive, m.State())

	require.NoError(t, m.SecondaryPumpNull())
	require.Equal(t, StateSecondaryPassive, m.State())
}
