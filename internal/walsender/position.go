// Package walsender implements the streaming WAL-shipping sender: a
// long-lived per-connection state machine that reads a write-ahead log from
// durable local storage and transmits framed segments of it to a remote
// follower over a single bidirectional byte stream (SPEC_FULL.md §§1-5).
package walsender

import "fmt"

// LogPos identifies a byte offset in a linear, append-only WAL (SPEC_FULL.md
// §3). Ordering is lexicographic on (LogID, RecOff).
type LogPos struct {
	LogID  uint32
	RecOff uint32
}

// Less reports whether p sorts strictly before q.
func (p LogPos) Less(q LogPos) bool {
	if p.LogID != q.LogID {
		return p.LogID < q.LogID
	}
	return p.RecOff < q.RecOff
}

// LessEqual reports whether p sorts at or before q.
func (p LogPos) LessEqual(q LogPos) bool {
	return p == q || p.Less(q)
}

// Sub returns the byte distance from q to p. Both positions must share the
// same LogID; callers (the framer) never subtract across a logId boundary.
func (p LogPos) Sub(q LogPos) uint32 {
	if p.LogID != q.LogID {
		panic("walsender: Sub across logId boundary")
	}
	return p.RecOff - q.RecOff
}

// Add advances p by n bytes within the same logId, without wrapping at
// FileSize. Callers must clamp to a FileSize boundary themselves (§4.3 step 3).
func (p LogPos) Add(n uint32) LogPos {
	return LogPos{LogID: p.LogID, RecOff: p.RecOff + n}
}

// NextLogID returns the position (LogID+1, 0) — the skip performed when
// RecOff reaches FileSize, since the last segment of each LogID is reserved
// (§3).
func (p LogPos) NextLogID() LogPos {
	return LogPos{LogID: p.LogID + 1, RecOff: 0}
}

// String renders the position in the "%X/%X" form used by the stats
// snapshot (§4.6) and by WAL_REMOVED diagnostics (§7).
func (p LogPos) String() string {
	return fmt.Sprintf("%X/%X", p.LogID, p.RecOff)
}

// Pack returns the 64-bit packed representation of p used on the wire in a
// 'd' frame's header (§6): the high 32 bits hold LogID, the low 32 hold
// RecOff.
func (p LogPos) Pack() uint64 {
	return uint64(p.LogID)<<32 | uint64(p.RecOff)
}

// Layout bundles the four configuration constants the log reader and framer
// rely on: PageSize | SegSize and SegSize | FileSize must both hold (§4.3).
type Layout struct {
	PageSize uint32
	SegSize  uint32
	FileSize uint32
	MaxFrame uint32 // must be <= SegSize, see §9's open question
}

// SegOf returns the segment number within LogID that pos falls in.
func (l Layout) SegOf(pos LogPos) uint32 {
	return pos.RecOff / l.SegSize
}

// OffsetInSeg returns the byte offset of pos within its segment.
func (l Layout) OffsetInSeg(pos LogPos) uint32 {
	return pos.RecOff % l.SegSize
}

// SkipReservedSegment advances pos to (LogID+1, 0) if RecOff has reached
// FileSize — the reserved last segment of each LogID (§3, §4.3 step 2).
func (l Layout) SkipReservedSegment(pos LogPos) LogPos {
	if pos.RecOff >= l.FileSize {
		return pos.NextLogID()
	}
	return pos
}

// EndOfLogID returns the clamp position (LogID, FileSize) — the exclusive
// end of the current logId (§4.3 step 3).
func (l Layout) EndOfLogID(pos LogPos) LogPos {
	return LogPos{LogID: pos.LogID, RecOff: l.FileSize}
}

// PageFloor rounds off down to the nearest PageSize multiple within its
// LogID (§4.3 step 4).
func (l Layout) PageFloor(off LogPos) LogPos {
	return LogPos{LogID: off.LogID, RecOff: off.RecOff - (off.RecOff % l.PageSize)}
}
