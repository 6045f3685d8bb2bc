package walsender

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is the result of one buildFrame call: the wire-ready 'w' payload
// (marker byte + header + raw WAL bytes, §6) and the new sentPtr it
// advances to (§4.3).
type Frame struct {
	Start   LogPos
	End     LogPos
	Payload []byte
}

// walMarker is the single byte that opens every streaming CopyData payload
// (§6).
const walMarker = 'w'

// headerSize is the size in bytes of the {dataStart, walEnd, sendTime}
// header that follows walMarker: two packed LogPos values and a
// microsecond timestamp, each 8 bytes (§6).
const headerSize = 24

// Framer turns a WALSource into a sequence of bounded frames, applying the
// segment/page boundary arithmetic from §3/§4.3: never cross a reserved
// last segment, never read past the durably flushed position, never exceed
// MaxFrame bytes in one frame. Its output buffer is sized once, as
// 1 + headerSize + MaxFrame, and reused across calls (SPEC_FULL.md §3) —
// callers must be done with one Frame's Payload before calling BuildFrame
// again.
type Framer struct {
	source WALSource
	layout Layout
	buf    []byte
}

// NewFramer returns a Framer reading from source under layout.
func NewFramer(source WALSource, layout Layout) *Framer {
	return &Framer{
		source: source,
		layout: layout,
		buf:    make([]byte, 1+headerSize+int(layout.MaxFrame)),
	}
}

// BuildFrame attempts to build one frame starting at from. It returns
// caughtUp=true (and a zero-length Frame) when from has already reached the
// flushed position, so the sender waits on the latch instead of busily
// rebuilding empty frames (§4.3 step 1, §4.5 step 5). It also returns
// caughtUp=true alongside a non-empty frame when that frame's end reaches
// the flushed position exactly — the two aren't mutually exclusive.
//
// Steps, matching §4.3:
//  1. Read the durable flush position (req); never send past it.
//  2. Skip the reserved last segment of a logId, rolling to (logId+1, 0).
//  3. Clamp the end of the frame to at most MaxFrame bytes, and to the end
//     of the current logId — a frame never spans two logIds.
//  4. If that clamp already reaches req, clamp to req exactly and mark
//     caughtUp; otherwise round the end down to a page boundary, since a
//     frame that doesn't reach req must never end mid-page.
//  5. Read the bytes, write the header, and return the framed payload.
func (fr *Framer) BuildFrame(ctx context.Context, from LogPos) (caughtUp bool, frame Frame, err error) {
	from = fr.layout.SkipReservedSegment(from)

	req, err := fr.source.FlushedPos(ctx)
	if err != nil {
		return false, Frame{}, fmt.Errorf("%w: read flush position: %v", ErrIOError, err)
	}
	if req.LessEqual(from) {
		return true, Frame{}, nil
	}

	end := from.Add(fr.layout.MaxFrame)
	if endOfLogID := fr.layout.EndOfLogID(from); endOfLogID.Less(end) {
		end = endOfLogID
	}

	reachesReq := req.LessEqual(end)
	if reachesReq {
		end = req
	} else {
		end = fr.layout.PageFloor(end)
	}
	if end.LessEqual(from) {
		return true, Frame{}, nil
	}

	n := end.Sub(from)
	payload := fr.buf[1+headerSize : 1+headerSize+int(n)]
	read, err := fr.source.ReadBytes(ctx, payload, from)
	if err != nil {
		return false, Frame{}, err
	}
	if read == 0 {
		return true, Frame{}, nil
	}

	actualEnd := from.Add(uint32(read)) //nolint:gosec // read <= len(payload) <= MaxFrame
	caughtUp = actualEnd == req

	fr.buf[0] = walMarker
	binary.BigEndian.PutUint64(fr.buf[1:9], from.Pack())
	binary.BigEndian.PutUint64(fr.buf[9:17], req.Pack())
	binary.BigEndian.PutUint64(fr.buf[17:1+headerSize], uint64(time.Now().UnixMicro())) //nolint:gosec // i64 wire value, always positive

	total := 1 + headerSize + read
	return caughtUp, Frame{Start: from, End: actualEnd, Payload: fr.buf[:total]}, nil
}
