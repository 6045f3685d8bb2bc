package walsender

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentifySystem(t *testing.T) {
	cmd, err := NewCommandParser().Parse("IDENTIFY_SYSTEM")
	require.NoError(t, err)
	assert.Equal(t, CmdIdentifySystem, cmd.Kind)
}

func TestParseIdentifySystemRejectsArguments(t *testing.T) {
	_, err := NewCommandParser().Parse("IDENTIFY_SYSTEM extra")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestParseStartReplication(t *testing.T) {
	cmd, err := NewCommandParser().Parse("START_REPLICATION 1A/FF00")
	require.NoError(t, err)
	assert.Equal(t, CmdStartReplication, cmd.Kind)
	assert.Equal(t, LogPos{LogID: 0x1A, RecOff: 0xFF00}, cmd.Start)
}

func TestParseStartReplicationLowercase(t *testing.T) {
	cmd, err := NewCommandParser().Parse("start_replication 0/0")
	require.NoError(t, err)
	assert.Equal(t, LogPos{}, cmd.Start)
	assert.Equal(t, CmdStartReplication, cmd.Kind)
}

func TestParseStartReplicationMalformed(t *testing.T) {
	cases := []string{
		"START_REPLICATION",
		"START_REPLICATION notaposition",
		"START_REPLICATION 1A",
		"START_REPLICATION 1A/FF/00",
		"START_REPLICATION ZZ/00",
	}
	for _, query := range cases {
		_, err := NewCommandParser().Parse(query)
		assert.ErrorIsf(t, err, ErrProtocolViolation, "query %q", query)
	}
}

func TestParseBaseBackup(t *testing.T) {
	cmd, err := NewCommandParser().Parse("BASE_BACKUP mylabel PROGRESS FAST")
	require.NoError(t, err)
	assert.Equal(t, CmdBaseBackup, cmd.Kind)
	assert.Equal(t, "mylabel", cmd.Label)
	assert.True(t, cmd.Progress)
	assert.True(t, cmd.Fast)
}

func TestParseBaseBackupNoFlags(t *testing.T) {
	cmd, err := NewCommandParser().Parse("BASE_BACKUP mylabel")
	require.NoError(t, err)
	assert.False(t, cmd.Progress)
	assert.False(t, cmd.Fast)
}

func TestParseBaseBackupMissingLabel(t *testing.T) {
	_, err := NewCommandParser().Parse("BASE_BACKUP")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestParseBaseBackupUnknownFlag(t *testing.T) {
	_, err := NewCommandParser().Parse("BASE_BACKUP mylabel BOGUS")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := NewCommandParser().Parse("DROP TABLE foo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
}

func TestParseEmpty(t *testing.T) {
	_, err := NewCommandParser().Parse("   ")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}
