package productcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/depot"
	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/observability"
)

const releaseTimeout = 10 * time.Second

// job is a product that needs downloading in the current pass
type job struct {
	pod      models.ProductOnDepot
	manifest *depot.Manifest
}

// CacheProducts caches the given products in input order. Products already
// cached at the depot's version are skipped. A failing product is marked
// failed and the pass continues with the next one. The returned error joins
// the per-product failures, or reports why the pass could not run at all.
func (s *Store) CacheProducts(ctx context.Context, productIDs []string, maxBandwidth int64, dynamic bool, productObs, overallObs Observer) (err error) {
	if s.opts.SyncGate != nil {
		if err := s.opts.SyncGate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.working.Store(true)
	defer s.working.Store(false)

	start := time.Now()
	logger := s.logger.With("pass", uuid.NewString())
	defer func() {
		observability.PassDuration.WithLabelValues("product_cache").Observe(time.Since(start).Seconds())
		logger.Debug("caching pass finished", "duration", time.Since(start), "err", err)
	}()

	productIDs = dedupe(productIDs)
	depotID, err := s.depotID(ctx, s.master)
	if err != nil {
		return err
	}
	pods, err := productsOnDepot(ctx, s.master, depotID, productIDs)
	if err != nil {
		return err
	}

	st, err := s.State()
	if err != nil {
		return err
	}

	var jobs []*job
	var failures []error
	for _, pid := range productIDs {
		pod, ok := pods[pid]
		if !ok {
			perr := fmt.Errorf("product %s not available on depot %s", pid, depotID)
			s.markFailed(pid, perr)
			failures = append(failures, perr)
			continue
		}
		if s.isCached(st.Products[pid], pod) {
			logger.Debug("product already cached", "product", pid, "version", pod.ProductVersion+"-"+pod.PackageVersion)
			continue
		}
		jobs = append(jobs, &job{pod: pod})
	}

	if len(jobs) == 0 {
		s.finishPass(productIDs)
		return errors.Join(failures...)
	}

	hosts, err := s.master.HostGetObjects(ctx, depotID)
	if err != nil {
		return fmt.Errorf("get depot %s: %w", depotID, err)
	}
	if len(hosts) == 0 {
		return fmt.Errorf("depot %s: %w", depotID, backend.ErrNotFound)
	}
	transport, err := s.opts.Transport(ctx, hosts[0])
	if err != nil {
		return fmt.Errorf("open depot transport: %w", err)
	}

	req := backend.SlotRequest{DepotID: depotID, ClientID: s.opts.ClientID, SlotType: SlotType}
	slot, err := s.master.AcquireTransferSlot(ctx, req)
	if err != nil {
		return fmt.Errorf("acquire transfer slot: %w", err)
	}
	if !slot.Granted() {
		observability.SlotWaits.Inc()
		logger.Info("no transfer slot available", "retry_after", slot.RetryAfter)
		return &TransferSlotUnavailableError{RetryAfter: slot.RetryAfter}
	}
	req.SlotID = slot.SlotID
	logger = logger.With("slot", slot.SlotID)

	passCtx, cancel := context.WithCancelCause(ctx)
	hbDone := make(chan struct{})
	go s.heartbeat(passCtx, cancel, req, slot.Retention, logger, hbDone)
	defer func() {
		cancel(nil)
		<-hbDone
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer relCancel()
		if err := s.master.ReleaseTransferSlot(relCtx, req); err != nil {
			logger.Warn("release transfer slot", "err", err)
		}
	}()

	// Manifests first, so the overall observer knows the pass total.
	var overallTotal int64
	var ready []*job
	for _, j := range jobs {
		m, err := transport.Manifest(passCtx, j.pod.ProductID)
		if err != nil {
			if lost := slotLost(passCtx); lost != nil {
				return lost
			}
			perr := fmt.Errorf("manifest of %s: %w", j.pod.ProductID, err)
			s.markStarted(j.pod)
			s.markFailed(j.pod.ProductID, perr)
			failures = append(failures, perr)
			continue
		}
		j.manifest = m
		overallTotal += m.TotalSize()
		ready = append(ready, j)
	}

	throttle := depot.NewThrottle(maxBandwidth, dynamic)
	var overallDone atomic.Int64
	notifyOverall := func(n int64) {
		done := overallDone.Add(n)
		if overallObs != nil {
			overallObs(Progress{Transferred: done, Total: overallTotal})
		}
	}
	protected := make([]string, 0, len(ready))
	for _, j := range ready {
		protected = append(protected, j.pod.ProductID)
	}

	for _, j := range ready {
		pid := j.pod.ProductID
		s.markStarted(j.pod)
		plog := logger.With("product", pid)
		plog.Info("caching product", "size", humanize.Bytes(uint64(j.manifest.TotalSize())))

		copied, perr := s.cacheProduct(passCtx, transport, throttle, j, protected, productObs, notifyOverall)
		if lost := slotLost(passCtx); lost != nil {
			s.markFailed(pid, lost)
			observability.ProductsCached.WithLabelValues("error").Inc()
			return lost
		}
		if perr != nil {
			plog.Warn("caching product failed", "err", perr)
			s.markFailed(pid, perr)
			observability.ProductsCached.WithLabelValues("error").Inc()
			failures = append(failures, fmt.Errorf("cache %s: %w", pid, perr))
			// Running out of space is not specific to this product.
			var insufficient *InsufficientCacheSpaceError
			if errors.As(perr, &insufficient) {
				s.refreshSizeMetric()
				s.finishPass(productIDs)
				return errors.Join(failures...)
			}
			continue
		}

		now := time.Now().UTC()
		s.updateEntry(pid, func(e *models.CacheEntry) {
			e.Completed = &now
			e.Failure = ""
		})
		observability.ProductsCached.WithLabelValues("success").Inc()
		plog.Info("product cached", "downloaded", humanize.Bytes(uint64(copied)))
		s.reportCached(passCtx, pid, plog)
	}

	s.refreshSizeMetric()
	s.finishPass(productIDs)
	return errors.Join(failures...)
}

// cacheProduct brings the product directory in line with its manifest and
// writes the manifest copy last. It returns the number of bytes downloaded.
func (s *Store) cacheProduct(ctx context.Context, t depot.Transport, throttle *depot.Throttle, j *job, protected []string, productObs Observer, overall func(int64)) (int64, error) {
	pid := j.pod.ProductID
	dir := s.ProductDir(pid)

	var pending []depot.Entry
	var needed int64
	for _, e := range j.manifest.Files() {
		ok, err := depot.FileMatches(depot.LocalPath(dir, e), e)
		if err != nil {
			return 0, err
		}
		if ok {
			overall(e.Size)
			continue
		}
		pending = append(pending, e)
		needed += e.Size
	}

	toFree, err := s.spaceToFree(needed)
	if err != nil {
		return 0, err
	}
	if toFree > 0 {
		if _, err := s.evictForSpace(toFree, protected); err != nil {
			return 0, err
		}
	}

	// A missing manifest marks the product as incomplete while copying.
	if err := os.Remove(s.manifestPath(pid)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	for _, e := range j.manifest.Entries {
		if e.Type == depot.EntryFile {
			continue
		}
		if err := depot.MakeEntry(dir, e); err != nil {
			return 0, fmt.Errorf("create %s: %w", e.Path, err)
		}
	}

	total := j.manifest.TotalSize()
	done := total - needed
	var copied int64
	for _, e := range pending {
		n, err := depot.CopyFile(ctx, t, throttle, pid, e, dir, func(n int64) {
			done += n
			overall(n)
			if productObs != nil {
				productObs(Progress{ProductID: pid, Transferred: done, Total: total})
			}
		})
		copied += n
		observability.BytesTransferred.Add(float64(n))
		if err != nil {
			return copied, err
		}
	}

	if err := removeStale(dir, j.manifest); err != nil {
		return copied, fmt.Errorf("remove stale files: %w", err)
	}

	f, err := os.Create(s.manifestPath(pid))
	if err != nil {
		return copied, err
	}
	if _, err := j.manifest.WriteTo(f); err != nil {
		f.Close()
		return copied, err
	}
	return copied, f.Close()
}

// removeStale deletes files under dir that the manifest does not list
func removeStale(dir string, m *depot.Manifest) error {
	keep := map[string]bool{depot.ManifestName(m.ProductID): true}
	for _, e := range m.Entries {
		for p := e.Path; p != "." && p != "/" && !keep[p]; p = path.Dir(p) {
			keep[p] = true
		}
	}
	var stale []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keep[rel] {
			return nil
		}
		stale = append(stale, p)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

// reportCached tells the server the product is staged on the client
func (s *Store) reportCached(ctx context.Context, productID string, logger *slog.Logger) {
	pocs, err := s.master.ProductOnClientGetObjects(ctx, []string{s.opts.ClientID}, productID)
	if err != nil {
		logger.Warn("report cached state", "err", err)
		return
	}
	if len(pocs) == 0 {
		return
	}
	poc := pocs[0]
	poc.ActionProgress = ActionProgressCached
	if err := s.master.ProductOnClientUpdateObjects(ctx, []models.ProductOnClient{poc}); err != nil {
		logger.Warn("report cached state", "err", err)
	}
}

// heartbeat renews the slot until ctx ends. Failing to renew cancels the
// pass with a TransferSlotLostError.
func (s *Store) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, req backend.SlotRequest, retention time.Duration, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)

	interval := s.heartbeatInterval(retention)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		slot, err := s.master.AcquireTransferSlot(ctx, req)
		if ctx.Err() != nil {
			return
		}
		if err != nil || !slot.Granted() {
			logger.Error("transfer slot lost", "err", err)
			cancel(&TransferSlotLostError{SlotID: req.SlotID, Err: err})
			return
		}
		logger.Debug("transfer slot renewed", "retention", slot.Retention)
		timer.Reset(s.heartbeatInterval(slot.Retention))
	}
}

func (s *Store) heartbeatInterval(retention time.Duration) time.Duration {
	return max(retention-s.opts.SlotSafetyMargin, time.Second)
}

func slotLost(ctx context.Context) error {
	var lost *TransferSlotLostError
	if errors.As(context.Cause(ctx), &lost) {
		return lost
	}
	return nil
}

func (s *Store) markStarted(pod models.ProductOnDepot) {
	now := time.Now().UTC()
	s.updateEntry(pod.ProductID, func(e *models.CacheEntry) {
		e.Started = &now
		e.Completed = nil
		e.Failure = ""
		e.ProductVersion = pod.ProductVersion
		e.PackageVersion = pod.PackageVersion
	})
}

func (s *Store) markFailed(productID string, err error) {
	now := time.Now().UTC()
	s.updateEntry(productID, func(e *models.CacheEntry) {
		if e.Started == nil {
			e.Started = &now
		}
		e.Completed = nil
		e.Failure = err.Error()
	})
}

// finishPass records whether every requested product is now cached
func (s *Store) finishPass(productIDs []string) {
	s.updateState(func(st *ServiceState) {
		st.ProductsCached = true
		for _, pid := range productIDs {
			if st.Products[pid].Status() != models.CacheCompleted {
				st.ProductsCached = false
				return
			}
		}
	})
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
