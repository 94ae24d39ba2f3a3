package productcache

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marcus/cacheagent/internal/observability"
)

type evictCandidate struct {
	productID string
	size      int64
	// zero when the manifest is missing
	mtime time.Time
}

// EvictForSpace removes cached products not in protected until at least
// needed bytes were freed. Products without a manifest go first, then the
// product whose manifest is oldest. It fails without deleting anything when
// the unprotected products cannot free enough.
func (s *Store) EvictForSpace(needed int64, protected []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictForSpace(needed, protected)
}

func (s *Store) evictForSpace(needed int64, protected []string) (int64, error) {
	if needed <= 0 {
		return 0, nil
	}

	ids, err := s.cachedProducts()
	if err != nil {
		return 0, fmt.Errorf("list cached products: %w", err)
	}

	var candidates []evictCandidate
	var available int64
	for _, pid := range ids {
		if slices.Contains(protected, pid) {
			continue
		}
		size, err := dirSize(s.ProductDir(pid))
		if err != nil {
			return 0, fmt.Errorf("size of %s: %w", pid, err)
		}
		c := evictCandidate{productID: pid, size: size}
		if info, err := os.Stat(s.manifestPath(pid)); err == nil {
			c.mtime = info.ModTime()
		}
		candidates = append(candidates, c)
		available += size
	}

	if available < needed {
		return 0, &InsufficientCacheSpaceError{Needed: needed, Available: available}
	}

	slices.SortStableFunc(candidates, func(a, b evictCandidate) int {
		return a.mtime.Compare(b.mtime)
	})

	var freed int64
	for _, c := range candidates {
		if freed >= needed {
			break
		}
		if err := os.RemoveAll(filepath.Join(s.dir, c.productID)); err != nil {
			return freed, fmt.Errorf("evict %s: %w", c.productID, err)
		}
		s.updateState(func(st *ServiceState) { delete(st.Products, c.productID) })
		freed += c.size
		observability.Evictions.Inc()
		s.logger.Info("product evicted", "product", c.productID,
			"size", humanize.Bytes(uint64(c.size)), "corrupt", c.mtime.IsZero())
	}
	s.refreshSizeMetric()
	return freed, nil
}

// spaceToFree computes how many bytes must be evicted before needed bytes
// can be written, honoring both the size bound and the filesystem.
func (s *Store) spaceToFree(needed int64) (int64, error) {
	if needed <= 0 {
		return 0, nil
	}
	size, err := s.Size()
	if err != nil {
		return 0, fmt.Errorf("cache size: %w", err)
	}
	var toFree int64
	if s.opts.MaxSize > 0 {
		toFree = needed - (s.opts.MaxSize - size)
	}
	free, err := s.opts.FreeSpace(s.dir)
	if err != nil {
		s.logger.Warn("free space check failed", "err", err)
	} else {
		toFree = max(toFree, needed-free)
	}
	return max(toFree, 0), nil
}
