package walsender

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Signalable is the subset of *Sender the broadcaster needs: every signal
// handler in SPEC_FULL.md §0/§4.5 ultimately reduces to "set a flag and poke
// the latch," so registrants only need to expose their latch plus the four
// flag setters.
type Signalable interface {
	Latch() *Latch
	RequestShutdown()       // SIGTERM: exit after the current frame (§4.5 step 9)
	RequestConfigReload()   // SIGHUP: re-read configuration on next loop iteration
	RequestWakeup()         // SIGUSR1: re-check wake conditions without a state change
	RequestReadyToStop()    // SIGUSR2: final-flush mode, §4.5 step 3, §5
}

// SignalBroadcaster fans a process-wide signal out to every registered
// sender. The original design delivers each signal to one backend process;
// since every connection here is a goroutine in the same process, os/signal
// only ever sees the signal once and this broadcasts it onward (SPEC_FULL.md
// §0).
type SignalBroadcaster struct {
	mu        sync.Mutex
	senders   map[int64]Signalable
	logger    *slog.Logger
	sigCh     chan os.Signal
	stopCh    chan struct{}
}

// NewSignalBroadcaster installs the five-signal table from SPEC_FULL.md §4.5
// (HUP, TERM, USR1, USR2, QUIT) and starts its dispatch goroutine. Callers
// must call Stop to release the underlying os/signal registration.
func NewSignalBroadcaster(logger *slog.Logger) *SignalBroadcaster {
	b := &SignalBroadcaster{
		senders: make(map[int64]Signalable),
		logger:  logger,
		sigCh:   make(chan os.Signal, 8),
		stopCh:  make(chan struct{}),
	}
	signal.Notify(b.sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGQUIT)
	go b.run()
	return b
}

// Register adds a sender to the fan-out set under id (the connection/slot
// pid). Unregister must be called when the sender exits.
func (b *SignalBroadcaster) Register(id int64, s Signalable) {
	b.mu.Lock()
	b.senders[id] = s
	b.mu.Unlock()
}

// Unregister removes a sender from the fan-out set.
func (b *SignalBroadcaster) Unregister(id int64) {
	b.mu.Lock()
	delete(b.senders, id)
	b.mu.Unlock()
}

// Stop releases the os/signal registration and terminates the dispatch
// goroutine.
func (b *SignalBroadcaster) Stop() {
	signal.Stop(b.sigCh)
	close(b.stopCh)
}

func (b *SignalBroadcaster) run() {
	for {
		select {
		case sig := <-b.sigCh:
			b.dispatch(sig)
		case <-b.stopCh:
			return
		}
	}
}

func (b *SignalBroadcaster) dispatch(sig os.Signal) {
	switch sig {
	case syscall.SIGQUIT:
		// SIGQUIT is immediate-die-no-cleanup in the original design: no
		// frame flush, no clean shutdown of the listener (§4.5). os.Exit(2)
		// mirrors that, bypassing every deferred cleanup in the process.
		b.logger.Warn("sigquit received, terminating immediately")
		os.Exit(2)
	case syscall.SIGHUP:
		b.forEach(func(s Signalable) { s.RequestConfigReload() })
	case syscall.SIGTERM:
		b.forEach(func(s Signalable) { s.RequestShutdown() })
	case syscall.SIGUSR1:
		b.forEach(func(s Signalable) { s.RequestWakeup() })
	case syscall.SIGUSR2:
		b.forEach(func(s Signalable) { s.RequestReadyToStop() })
	}
}

func (b *SignalBroadcaster) forEach(fn func(Signalable)) {
	b.mu.Lock()
	targets := make([]Signalable, 0, len(b.senders))
	for _, s := range b.senders {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		fn(s)
		s.Latch().Set()
	}
}
