package walsender

import (
	"log/slog"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSignalable struct {
	latch       *Latch
	shutdown    atomic.Bool
	reload      atomic.Bool
	wakeup      atomic.Bool
	readyToStop atomic.Bool
}

func newFakeSignalable() *fakeSignalable {
	return &fakeSignalable{latch: NewLatch()}
}

func (f *fakeSignalable) Latch() *Latch        { return f.latch }
func (f *fakeSignalable) RequestShutdown()     { f.shutdown.Store(true) }
func (f *fakeSignalable) RequestConfigReload() { f.reload.Store(true) }
func (f *fakeSignalable) RequestWakeup()       { f.wakeup.Store(true) }
func (f *fakeSignalable) RequestReadyToStop()  { f.readyToStop.Store(true) }

func newTestBroadcaster() *SignalBroadcaster {
	return &SignalBroadcaster{
		senders: make(map[int64]Signalable),
		logger:  slog.Default(),
	}
}

func TestSignalBroadcasterDispatchesTerm(t *testing.T) {
	b := newTestBroadcaster()
	f := newFakeSignalable()
	b.Register(1, f)

	b.dispatch(syscall.SIGTERM)

	assert.True(t, f.shutdown.Load())
	select {
	case <-f.latch.C():
	default:
		t.Fatal("expected latch to be set after dispatch")
	}
}

func TestSignalBroadcasterDispatchesHup(t *testing.T) {
	b := newTestBroadcaster()
	f := newFakeSignalable()
	b.Register(1, f)

	b.dispatch(syscall.SIGHUP)

	assert.True(t, f.reload.Load())
	assert.False(t, f.shutdown.Load())
}

func TestSignalBroadcasterDispatchesUsr1(t *testing.T) {
	b := newTestBroadcaster()
	f := newFakeSignalable()
	b.Register(1, f)

	b.dispatch(syscall.SIGUSR1)

	assert.True(t, f.wakeup.Load())
}

func TestSignalBroadcasterDispatchesUsr2(t *testing.T) {
	b := newTestBroadcaster()
	f := newFakeSignalable()
	b.Register(1, f)

	b.dispatch(syscall.SIGUSR2)

	assert.True(t, f.readyToStop.Load())
	assert.False(t, f.wakeup.Load())
}

func TestSignalBroadcasterUnregisterStopsDelivery(t *testing.T) {
	b := newTestBroadcaster()
	f := newFakeSignalable()
	b.Register(1, f)
	b.Unregister(1)

	b.dispatch(syscall.SIGTERM)

	assert.False(t, f.shutdown.Load())
}
