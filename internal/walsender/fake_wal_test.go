package walsender

import (
	"context"
	"sync"
)

// fakeWALSource is an in-memory WALSource double, letting framer/reader
// tests exercise catch-up and frame-building logic without touching the
// filesystem (SPEC_FULL.md §8).
type fakeWALSource struct {
	mu         sync.Mutex
	data       map[uint32][]byte // logId -> contiguous bytes from offset 0
	flushed    LogPos
	oldest     LogPos
	removedErr error // if set, ReadBytes always returns this for positions < oldest
}

func newFakeWALSource() *fakeWALSource {
	return &fakeWALSource{data: make(map[uint32][]byte)}
}

// append adds bytes to logID's stream starting at whatever offset is
// already populated, and advances flushed to match.
func (f *fakeWALSource) append(logID uint32, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[logID] = append(f.data[logID], b...)
	f.flushed = LogPos{LogID: logID, RecOff: uint32(len(f.data[logID]))}
}

func (f *fakeWALSource) setOldest(pos LogPos) {
	f.mu.Lock()
	f.oldest = pos
	f.mu.Unlock()
}

func (f *fakeWALSource) FlushedPos(_ context.Context) (LogPos, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushed, nil
}

func (f *fakeWALSource) OldestRetainedPos(_ context.Context) (LogPos, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.oldest, nil
}

func (f *fakeWALSource) ReadBytes(_ context.Context, dst []byte, pos LogPos) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if pos.Less(f.oldest) {
		if f.removedErr != nil {
			return 0, f.removedErr
		}
		return 0, ErrWALRemoved
	}
	buf, ok := f.data[pos.LogID]
	if !ok || pos.RecOff >= uint32(len(buf)) {
		return 0, nil
	}
	n := copy(dst, buf[pos.RecOff:])
	return n, nil
}
