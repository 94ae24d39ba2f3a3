package replica

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// worker is the background loop state. Callers raise request flags; the
// loop picks them up on its next tick and runs one pass at a time.
type worker struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	toServer   atomic.Bool
	fromServer atomic.Bool
	force      atomic.Bool
	// active covers the gap between taking a request and starting its pass
	active atomic.Bool
}

func (w *worker) pending() bool {
	return w.active.Load() || w.toServer.Load() || w.fromServer.Load()
}

// Start runs the worker loop until Stop is called or ctx is done
func (s *Store) Start(ctx context.Context) {
	s.worker.mu.Lock()
	defer s.worker.mu.Unlock()
	if s.worker.done != nil {
		return
	}
	s.worker.stop = make(chan struct{})
	s.worker.done = make(chan struct{})
	go s.loop(ctx, s.worker.stop, s.worker.done)
}

// Stop asks the loop to exit and waits for the current pass to finish
func (s *Store) Stop() {
	s.worker.mu.Lock()
	stop, done := s.worker.stop, s.worker.done
	s.worker.stop, s.worker.done = nil, nil
	s.worker.mu.Unlock()
	if done == nil {
		return
	}
	close(stop)
	<-done
}

// IsRunning reports whether the worker loop is active
func (s *Store) IsRunning() bool {
	s.worker.mu.Lock()
	defer s.worker.mu.Unlock()
	return s.worker.done != nil
}

// RequestSyncToServer asks the worker to push local modifications
func (s *Store) RequestSyncToServer() {
	s.worker.toServer.Store(true)
}

// RequestSyncFromServer asks the worker to refresh from the server
func (s *Store) RequestSyncFromServer(force bool) {
	if force {
		s.worker.force.Store(true)
	}
	s.worker.fromServer.Store(true)
}

func (s *Store) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Debug("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		// Requests are taken before the pass runs so one raised during the
		// pass is serviced on the next tick. A rebuild always pushes pending
		// modifications first, so a combined request only needs the
		// from-server pass.
		s.worker.active.Store(true)
		switch {
		case s.worker.fromServer.Swap(false):
			s.worker.toServer.Store(false)
			force := s.worker.force.Swap(false)
			s.runPass(ctx, "sync_from_server", func(ctx context.Context) error {
				return s.SyncFromServer(ctx, force)
			})
		case s.worker.toServer.Swap(false):
			s.runPass(ctx, "sync_to_server", s.SyncToServer)
		}
		s.worker.active.Store(false)
	}
}

// runPass is the worker boundary: errors and panics are logged, never
// propagated. Failures reach callers through the sticky sync error.
func (s *Store) runPass(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s: %v", name, r)
			s.logger.Error("pass crashed", "pass", name, "err", err)
			s.updateState(func(st *ServiceState) { st.SyncError = err.Error() })
		}
	}()
	if err := fn(ctx); err != nil {
		s.logger.Warn("pass failed", "pass", name, "err", err)
	}
}
