package walsender

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoggerQuiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSupervisor struct {
	inRecovery bool
}

func (f *fakeSupervisor) RecoveryInProgress(_ context.Context) (bool, error) { return f.inRecovery, nil }
func (f *fakeSupervisor) MarkAsSender(int64)                                {}
func (f *fakeSupervisor) UnmarkAsSender(int64)                              {}
func (f *fakeSupervisor) Alive(_ context.Context) (bool, error)             { return true, nil }

func TestSenderIdentifySystemThenStartReplicationStreams(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	src := newFakeWALSource()
	src.append(0, []byte("0123456789"))

	layout := Layout{PageSize: 1, SegSize: 1024, FileSize: 4096, MaxFrame: 4}
	table := NewSlotTable(1)
	sender := NewSender(1, serverConn, table, src, layout, &fakeSupervisor{}, NewCommandParser(), 42, 1, 5*time.Millisecond, testLoggerQuiet())

	done := make(chan error, 1)
	go func() { done <- sender.Run(context.Background()) }()

	client := pgproto3.NewFrontend(bufio.NewReader(clientConn), clientConn)

	client.Send(&pgproto3.Query{String: "IDENTIFY_SYSTEM"})
	require.NoError(t, client.Flush())

	_, ok := receiveUntil[*pgproto3.RowDescription](t, client)
	require.True(t, ok)
	_, ok = receiveUntil[*pgproto3.CommandComplete](t, client)
	require.True(t, ok)
	_, ok = receiveUntil[*pgproto3.ReadyForQuery](t, client)
	require.True(t, ok)

	client.Send(&pgproto3.Query{String: "START_REPLICATION 0/0"})
	require.NoError(t, client.Flush())

	_, ok = receiveUntil[*pgproto3.CopyBothResponse](t, client)
	require.True(t, ok)

	var collected []byte
	for i := 0; i < 10; i++ {
		msg, ok := receiveUntil[*pgproto3.CopyData](t, client)
		if !ok {
			break
		}
		require.True(t, len(msg.Data) >= 1+headerSize)
		assert.Equal(t, byte(walMarker), msg.Data[0])
		collected = append(collected, msg.Data[1+headerSize:]...)
		if len(collected) >= 10 {
			break
		}
	}
	assert.Equal(t, []byte("0123456789"), collected)

	client.Send(&pgproto3.Terminate{})
	require.NoError(t, client.Flush())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not exit after Terminate")
	}
}

func TestSenderRejectsWhenRecoveryInProgress(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	table := NewSlotTable(1)
	sender := NewSender(1, serverConn, table, newFakeWALSource(), testLayout(), &fakeSupervisor{inRecovery: true}, NewCommandParser(), 1, 1, time.Millisecond, testLoggerQuiet())

	err := sender.Run(context.Background())
	assert.ErrorIs(t, err, ErrCannotConnectNow)
}

func TestSenderTooManySenders(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	table := NewSlotTable(0)
	sender := NewSender(1, serverConn, table, newFakeWALSource(), testLayout(), &fakeSupervisor{}, NewCommandParser(), 1, 1, time.Millisecond, testLoggerQuiet())

	err := sender.Run(context.Background())
	assert.ErrorIs(t, err, ErrTooManySenders)
}

// receiveUntil drains backend messages until one of type T arrives or the
// connection errors, skipping anything else (used because pgproto3 framing
// detail is otherwise brittle to assert on message-by-message).
func receiveUntil[T pgproto3.BackendMessage](t *testing.T, client *pgproto3.Frontend) (T, bool) {
	t.Helper()
	var zero T
	for i := 0; i < 20; i++ {
		msg, err := client.Receive()
		if err != nil {
			return zero, false
		}
		if m, ok := msg.(T); ok {
			return m, true
		}
	}
	return zero, false
}
