// Package productcache stages the files of software products from the
// depot onto local disk, bounded by a maximum cache size and admitted by
// server-leased transfer slots.
package productcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/depot"
	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/observability"
	"github.com/marcus/cacheagent/internal/state"
)

// SlotType is the transfer slot type requested for caching passes
const SlotType = "product_cache"

// ActionProgressCached is reported to the server once a product is cached
const ActionProgressCached = "cached"

// Master is what the store needs from the config server
type Master interface {
	backend.ObjectBackend
	backend.SlotBackend
}

// TransportFunc opens a transport to the given depot
type TransportFunc func(ctx context.Context, depotHost models.Host) (depot.Transport, error)

// Progress is one observer notification. ProductID is empty for the
// overall pass.
type Progress struct {
	ProductID   string
	Transferred int64
	Total       int64
}

// Observer receives progress notifications
type Observer func(Progress)

// ServiceState is the durable product_cache_service record
type ServiceState struct {
	Products       map[string]*models.CacheEntry `json:"products"`
	ProductsCached bool                          `json:"products_cached"`
}

// Options configures a Store
type Options struct {
	ClientID         string
	MaxSize          int64
	SlotSafetyMargin time.Duration
	PollInterval     time.Duration
	Logger           *slog.Logger

	Transport TransportFunc
	// Catalog answers version checks when the server is unreachable;
	// defaults to the master
	Catalog backend.ObjectBackend
	// SyncGate refuses caching while it returns an error
	SyncGate func() error
	// FreeSpace reports the bytes available on the filesystem holding a path
	FreeSpace func(path string) (int64, error)
}

// Store owns the product cache directory
type Store struct {
	master Master
	state  *state.Store
	dir    string
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex // serializes caching passes and eviction
	working atomic.Bool

	worker worker
}

// New creates a store caching into dir
func New(dir string, master Master, st *state.Store, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create product cache dir: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = diskFree
	}
	if opts.Catalog == nil {
		opts.Catalog = master
	}
	return &Store{
		master: master,
		state:  st,
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.With("component", "product_cache"),
	}, nil
}

// Dir is the root of the product cache
func (s *Store) Dir() string {
	return s.dir
}

// ProductDir is where the content of one product is cached
func (s *Store) ProductDir(productID string) string {
	return filepath.Join(s.dir, productID)
}

func (s *Store) manifestPath(productID string) string {
	return filepath.Join(s.ProductDir(productID), depot.ManifestName(productID))
}

// State returns the durable state record
func (s *Store) State() (ServiceState, error) {
	var st ServiceState
	_, err := s.state.Get(state.ProductCacheService, &st)
	if st.Products == nil {
		st.Products = make(map[string]*models.CacheEntry)
	}
	return st, err
}

func (s *Store) updateState(fn func(*ServiceState)) {
	err := state.Update(s.state, state.ProductCacheService, func(st *ServiceState) {
		if st.Products == nil {
			st.Products = make(map[string]*models.CacheEntry)
		}
		fn(st)
	})
	if err != nil {
		s.logger.Error("persist state", "err", err)
	}
}

func (s *Store) updateEntry(productID string, fn func(*models.CacheEntry)) {
	s.updateState(func(st *ServiceState) {
		e := st.Products[productID]
		if e == nil {
			e = &models.CacheEntry{}
			st.Products[productID] = e
		}
		fn(e)
	})
}

// IsWorking reports whether a pass is running or requested
func (s *Store) IsWorking() bool {
	return s.working.Load() || s.worker.pending()
}

// ProductCacheCompleted reports whether every product is cached. With
// checkVersion the cached versions must also match the depot.
func (s *Store) ProductCacheCompleted(ctx context.Context, productIDs []string, checkVersion bool) (bool, error) {
	st, err := s.State()
	if err != nil {
		return false, err
	}

	var pods map[string]models.ProductOnDepot
	if checkVersion && len(productIDs) > 0 {
		depotID, err := s.depotID(ctx, s.opts.Catalog)
		if err != nil {
			return false, err
		}
		if pods, err = productsOnDepot(ctx, s.opts.Catalog, depotID, productIDs); err != nil {
			return false, err
		}
	}

	for _, pid := range productIDs {
		entry := st.Products[pid]
		if entry.Status() != models.CacheCompleted {
			return false, nil
		}
		if !checkVersion {
			continue
		}
		pod, ok := pods[pid]
		if !ok || !versionMatches(entry, pod) {
			return false, nil
		}
	}
	return true, nil
}

// ClearCache removes every cached product and resets the state record
func (s *Store) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read product cache: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := state.Update(s.state, state.ProductCacheService, func(st *ServiceState) {
		*st = ServiceState{Products: make(map[string]*models.CacheEntry)}
	}); err != nil {
		errs = append(errs, err)
	}
	s.refreshSizeMetric()
	s.logger.Info("product cache cleared", "removed", len(entries))
	return errors.Join(errs...)
}

func (s *Store) depotID(ctx context.Context, b backend.ObjectBackend) (string, error) {
	mappings, err := b.ConfigStateGetClientToDepotserver(ctx, s.opts.ClientID)
	if err != nil {
		return "", fmt.Errorf("resolve depot: %w", err)
	}
	for _, m := range mappings {
		if m.ClientID == s.opts.ClientID && m.DepotID != "" {
			return m.DepotID, nil
		}
	}
	return "", fmt.Errorf("no depot assigned to %s", s.opts.ClientID)
}

func productsOnDepot(ctx context.Context, b backend.ObjectBackend, depotID string, productIDs []string) (map[string]models.ProductOnDepot, error) {
	pods, err := b.ProductOnDepotGetObjects(ctx, []string{depotID}, productIDs...)
	if err != nil {
		return nil, fmt.Errorf("get products on depot: %w", err)
	}
	out := make(map[string]models.ProductOnDepot, len(pods))
	for _, pod := range pods {
		out[pod.ProductID] = pod
	}
	return out, nil
}

func versionMatches(e *models.CacheEntry, pod models.ProductOnDepot) bool {
	return e != nil && e.ProductVersion == pod.ProductVersion && e.PackageVersion == pod.PackageVersion
}

// isCached reports whether the product is completely cached at the depot's version
func (s *Store) isCached(entry *models.CacheEntry, pod models.ProductOnDepot) bool {
	if entry.Status() != models.CacheCompleted || !versionMatches(entry, pod) {
		return false
	}
	_, err := os.Stat(s.manifestPath(pod.ProductID))
	return err == nil
}

// cachedProducts lists the product directories in the cache
func (s *Store) cachedProducts() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Size is the total size of the cache directory
func (s *Store) Size() (int64, error) {
	return dirSize(s.dir)
}

func (s *Store) refreshSizeMetric() {
	if n, err := s.Size(); err == nil {
		observability.CacheSize.Set(float64(n))
	}
}
