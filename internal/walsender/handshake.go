package walsender

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgproto3"
)

// HandshakeResult tells the caller what the client asked for after the
// query-protocol dispatch loop in §4.4 exits normally (not via error).
type HandshakeResult struct {
	Kind          CommandKind
	StartPos      LogPos // CmdStartReplication only
	BackupLabel   string // CmdBaseBackup only
	BackupProg    bool
	BackupFast    bool
}

// Handshake drives the pre-streaming dispatch loop over a pgproto3.Backend:
// receive a query-protocol message, and for a simple Query ('Q') message
// parse and act on IDENTIFY_SYSTEM / START_REPLICATION / BASE_BACKUP;
// Terminate ('X') and EOF end the connection cleanly; anything else is a
// protocol violation (§4.4). IDENTIFY_SYSTEM is answered in place (it
// doesn't change connection mode) and the loop continues; START_REPLICATION
// and BASE_BACKUP return to the caller, which takes over the connection for
// streaming or backup respectively.
type Handshake struct {
	backend    *pgproto3.Backend
	parser     CommandParser
	super      Supervisor
	systemID   uint64
	timelineID uint32
	logger     *slog.Logger
}

// NewHandshake wraps rw in a pgproto3.Backend and returns a ready Handshake.
// The caller has already completed pgproto3 startup negotiation (out of
// scope for this spec, per §1) before constructing this.
func NewHandshake(r io.Reader, w io.Writer, parser CommandParser, super Supervisor, systemID uint64, timelineID uint32, logger *slog.Logger) *Handshake {
	return &Handshake{
		backend:    pgproto3.NewBackend(bufio.NewReader(r), w),
		parser:     parser,
		super:      super,
		systemID:   systemID,
		timelineID: timelineID,
		logger:     logger,
	}
}

// Run executes the dispatch loop until a streaming/backup command is
// returned, the client disconnects, or an error terminates the connection.
func (h *Handshake) Run(ctx context.Context) (HandshakeResult, error) {
	for {
		alive, err := h.super.Alive(ctx)
		if err != nil {
			return HandshakeResult{}, fmt.Errorf("%w: liveness probe: %v", ErrSupervisorGone, err)
		}
		if !alive {
			return HandshakeResult{}, ErrSupervisorGone
		}

		msg, err := h.backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return HandshakeResult{}, ErrTransportClosed
			}
			return HandshakeResult{}, fmt.Errorf("%w: receive: %v", ErrProtocolViolation, err)
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			cmd, err := h.parser.Parse(m.String)
			if err != nil {
				if sendErr := h.sendError(err); sendErr != nil {
					return HandshakeResult{}, sendErr
				}
				continue
			}

			switch cmd.Kind {
			case CmdIdentifySystem:
				if err := h.replyIdentifySystem(); err != nil {
					return HandshakeResult{}, err
				}
			case CmdStartReplication:
				return HandshakeResult{Kind: CmdStartReplication, StartPos: cmd.Start}, nil
			case CmdBaseBackup:
				return HandshakeResult{
					Kind:        CmdBaseBackup,
					BackupLabel: cmd.Label,
					BackupProg:  cmd.Progress,
					BackupFast:  cmd.Fast,
				}, nil
			}

		case *pgproto3.Terminate:
			return HandshakeResult{}, ErrTransportClosed

		default:
			return HandshakeResult{}, fmt.Errorf("%w: unexpected message type %T in handshake", ErrProtocolViolation, msg)
		}
	}
}

// replyIdentifySystem answers IDENTIFY_SYSTEM with the two-column,
// one-row result §4.4 specifies (systemId, timelineId, both decimal text),
// terminated by CommandComplete("SELECT") + ReadyForQuery as the simple
// query protocol requires.
func (h *Handshake) replyIdentifySystem() error {
	rd := &pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{Name: []byte("systemid")},
		{Name: []byte("timelineid")},
	}}
	row := &pgproto3.DataRow{Values: [][]byte{
		[]byte(fmt.Sprintf("%d", h.systemID)),
		[]byte(fmt.Sprintf("%d", h.timelineID)),
	}}
	h.backend.Send(rd)
	h.backend.Send(row)
	h.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT")})
	h.backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return h.backend.Flush()
}

func (h *Handshake) sendError(cause error) error {
	h.backend.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     "08P01", // protocol_violation
		Message:  cause.Error(),
	})
	h.backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return h.backend.Flush()
}
