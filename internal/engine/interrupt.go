package engine

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"
)

// Inflight is a snapshot of the item currently executing. The engine
// writes it once per attempt; the interrupt handler only reads it. This
// keeps the cross-goroutine surface to one small, mutex-guarded value.
type Inflight struct {
	mu     sync.Mutex
	active bool
	index  int
	logRef string
}

// NewInflight returns an empty snapshot.
func NewInflight() *Inflight {
	return &Inflight{}
}

// Set records the item index and log reference of the attempt about to
// run.
func (f *Inflight) Set(index int, logRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.index = index
	f.logRef = logRef
}

// Clear marks that no attempt is running.
func (f *Inflight) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.index = 0
	f.logRef = ""
}

// Get returns the current snapshot. ok is false when no attempt is
// running.
func (f *Inflight) Get() (index int, logRef string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index, f.logRef, f.active
}

// InterruptHandler turns the first cancellation signal into a context
// cancellation and masks every signal after it. The engine observes the
// cancellation at its next blocking point, persists the in-flight item
// as interrupted, and unwinds; the handler itself never touches run
// state.
type InterruptHandler struct {
	cancel   context.CancelFunc
	inflight *Inflight
	logger   *zap.Logger
	once     sync.Once
}

// NewInterruptHandler wires a handler to the run's cancel function.
func NewInterruptHandler(cancel context.CancelFunc, inflight *Inflight, logger *zap.Logger) *InterruptHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterruptHandler{
		cancel:   cancel,
		inflight: inflight,
		logger:   logger.Named("interrupt"),
	}
}

// Watch installs the signal listener. It returns immediately. The
// listener stays installed for the life of the process: after the first
// signal cancels the run, the engine is still killing the worker,
// rolling back the checkpoint, and persisting the interrupted item, and
// a repeated signal in that window must be swallowed rather than
// restored to its fatal default.
func (h *InterruptHandler) Watch(signals ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go func() {
		for range ch {
			h.Trigger()
		}
	}()
}

// Trigger requests cancellation. Only the first call has any effect;
// repeated signals while the engine is unwinding are ignored.
func (h *InterruptHandler) Trigger() {
	h.once.Do(func() {
		if idx, logRef, ok := h.inflight.Get(); ok {
			h.logger.Info("interrupt received, stopping after in-flight item",
				zap.Int("item", idx),
				zap.String("log", logRef))
		} else {
			h.logger.Info("interrupt received")
		}
		h.cancel()
	})
}
