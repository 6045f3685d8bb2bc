package walsender

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotTableAcquireAndRelease(t *testing.T) {
	table := NewSlotTable(2)

	s1, err := table.Acquire(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, s1.Owned())

	pid, state, sentPtr := s1.Snapshot()
	assert.Equal(t, int64(100), pid)
	assert.Equal(t, StateStartup, state)
	assert.Equal(t, LogPos{}, sentPtr)

	table.Release(s1)
	assert.False(t, s1.Owned())
}

func TestSlotTableEnforcesMaxSenders(t *testing.T) {
	table := NewSlotTable(1)

	_, err := table.Acquire(context.Background(), 1)
	require.NoError(t, err)

	_, err = table.Acquire(context.Background(), 2)
	assert.ErrorIs(t, err, ErrTooManySenders)
}

func TestSlotTableZeroCapacityAlwaysFails(t *testing.T) {
	table := NewSlotTable(0)
	_, err := table.Acquire(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTooManySenders)
}

func TestSlotTableReleaseFreesCapacity(t *testing.T) {
	table := NewSlotTable(1)

	s1, err := table.Acquire(context.Background(), 1)
	require.NoError(t, err)
	table.Release(s1)

	s2, err := table.Acquire(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s2.pid)
}

func TestSlotTableWakeAllSignalsEverySlot(t *testing.T) {
	table := NewSlotTable(2)
	table.WakeAll()
	for _, s := range table.Slots() {
		select {
		case <-s.Latch().C():
		default:
			t.Fatal("slot latch not set by WakeAll")
		}
	}
}

func TestSlotSetStateNoOpWhenUnchanged(t *testing.T) {
	table := NewSlotTable(1)
	s, err := table.Acquire(context.Background(), 1)
	require.NoError(t, err)

	s.setState(StateStartup) // already STARTUP
	_, state, _ := s.Snapshot()
	assert.Equal(t, StateStartup, state)

	s.setState(StateStreaming)
	_, state, _ = s.Snapshot()
	assert.Equal(t, StateStreaming, state)
}

func TestSlotStateString(t *testing.T) {
	assert.Equal(t, "STARTUP", StateStartup.String())
	assert.Equal(t, "BACKUP", StateBackup.String())
	assert.Equal(t, "CATCHUP", StateCatchup.String())
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "UNKNOWN", SlotState(99).String())
}
