package walsender

import "errors"

// Sentinel errors for the sender's fatal/terminal conditions (SPEC_FULL.md §7).
// Each terminates the owning Sender; there is no local recovery within the
// streaming loop.
var (
	// ErrCannotConnectNow is returned at startup when the server is still
	// doing crash recovery (§4.5 step 1).
	ErrCannotConnectNow = errors.New("walsender: cannot connect now, server is starting up")

	// ErrTooManySenders is returned by the slot table when no free slot
	// remains (§4.1 acquire).
	ErrTooManySenders = errors.New("walsender: too many senders, max_senders reached")

	// ErrProtocolViolation marks an unexpected byte, malformed message, or
	// invalid command in context (§4.4, §7). The follower is assumed
	// misbehaving; the connection is fatal.
	ErrProtocolViolation = errors.New("walsender: protocol violation")

	// ErrWALRemoved marks a requested byte range that has been recycled,
	// either via ENOENT on segment open or the post-read watermark check
	// (§4.2).
	ErrWALRemoved = errors.New("walsender: requested WAL segment has been removed")

	// ErrIOError marks any other segment I/O failure (§4.2).
	ErrIOError = errors.New("walsender: WAL segment I/O error")

	// ErrTransportClosed marks a flush failure or a gone peer (§4.3 step 8,
	// §7). The sender suppresses further outbound messages and exits 0.
	ErrTransportClosed = errors.New("walsender: transport closed")

	// ErrSupervisorGone marks a failed liveness probe: the collaborating
	// process lifecycle manager this sender registered with is no longer
	// alive (§4.4, §4.5 step 1, §6).
	ErrSupervisorGone = errors.New("walsender: supervisor is no longer alive")
)
