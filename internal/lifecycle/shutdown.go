// Package lifecycle coordinates graceful shutdown of the server.
package lifecycle

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ShutdownFunc performs cleanup during shutdown. It receives the reason
// shutdown was triggered.
type ShutdownFunc func(reason string)

// ShutdownManager runs cleanup functions exactly once, on a signal or an
// explicit Shutdown call. It is safe for concurrent use.
type ShutdownManager struct {
	logger *slog.Logger

	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []ShutdownFunc
}

// NewShutdownManager creates a shutdown manager. Signal handling starts
// with Start.
func NewShutdownManager(logger *slog.Logger) *ShutdownManager {
	return &ShutdownManager{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// AddCleanup adds a cleanup function. Cleanups run in the order added.
func (sm *ShutdownManager) AddCleanup(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cleanups = append(sm.cleanups, fn)
}

// Start begins listening for SIGINT and SIGTERM.
func (sm *ShutdownManager) Start() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			sm.logger.Info("Signal received, initiating shutdown", "signal", sig.String())
			sm.Shutdown("signal:" + sig.String())
		case <-sm.done:
		}
		signal.Stop(sigChan)
	}()
}

// Shutdown runs the cleanups with the given reason. Only the first call
// does anything; every call blocks until cleanup is complete.
func (sm *ShutdownManager) Shutdown(reason string) {
	sm.once.Do(func() {
		sm.doShutdown(reason)
	})
	<-sm.done
}

func (sm *ShutdownManager) doShutdown(reason string) {
	sm.logger.Info("Starting shutdown sequence", "reason", reason)

	sm.mu.Lock()
	sm.reason = reason
	cleanups := make([]ShutdownFunc, len(sm.cleanups))
	copy(cleanups, sm.cleanups)
	sm.mu.Unlock()

	for i, fn := range cleanups {
		sm.logger.Debug("Running cleanup function", "index", i, "total", len(cleanups))
		fn(reason)
	}

	sm.logger.Info("Shutdown sequence complete", "reason", reason)
	close(sm.done)
}

// Done is closed when shutdown is complete.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Reason returns why shutdown happened, or "" before it has.
func (sm *ShutdownManager) Reason() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reason
}
