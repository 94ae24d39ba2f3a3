package productcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Request describes one caching pass for the worker
type Request struct {
	ProductIDs       []string
	MaxBandwidth     int64
	DynamicBandwidth bool
	ProductObserver  Observer
	OverallObserver  Observer
}

type worker struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	request   *Request
	notBefore time.Time
}

func (w *worker) pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.request != nil
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

// Stop asks the loop to exit and waits for the current pass to finish.
// A pending request is dropped.
func (s *Store) Stop() {
	s.worker.mu.Lock()
	stop, done := s.worker.stop, s.worker.done
	s.worker.stop, s.worker.done = nil, nil
	s.worker.request = nil
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

// RequestCacheProducts queues a caching pass. A newer request replaces one
// that has not started yet.
func (s *Store) RequestCacheProducts(req Request) {
	s.worker.mu.Lock()
	defer s.worker.mu.Unlock()
	s.worker.request = &req
	s.worker.notBefore = time.Time{}
}

// next hands out the pending request once its backoff has elapsed
func (w *worker) next(now time.Time) *Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.request == nil || now.Before(w.notBefore) {
		return nil
	}
	return w.request
}

// finish clears req unless it was replaced in the meantime
func (w *worker) finish(req *Request, retryAfter time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.request != req {
		return
	}
	if retryAfter > 0 {
		w.notBefore = time.Now().Add(retryAfter)
		return
	}
	w.request = nil
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
		case now := <-ticker.C:
			req := s.worker.next(now)
			if req == nil {
				continue
			}
			s.worker.finish(req, s.runPass(ctx, req))
		}
	}
}

// runPass runs one request and returns how long to wait before retrying
// it, zero when the request is done
func (s *Store) runPass(ctx context.Context, req *Request) (retryAfter time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pass crashed", "err", fmt.Errorf("panic in caching pass: %v", r))
			retryAfter = 0
		}
	}()

	err := s.CacheProducts(ctx, req.ProductIDs, req.MaxBandwidth, req.DynamicBandwidth, req.ProductObserver, req.OverallObserver)
	var unavailable *TransferSlotUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return max(unavailable.RetryAfter, s.opts.PollInterval)
	case err != nil:
		s.logger.Warn("caching pass failed", "err", err)
	}
	return 0
}
