// Package coordinator is the single entry point the rest of the agent uses
// to drive the config cache, the product cache and the action resolver.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/productcache"
	"github.com/marcus/cacheagent/internal/replica"
	"github.com/marcus/cacheagent/internal/resolver"
)

// ErrNotConfigured is returned when an operation needs a cache service that
// was not wired in
var ErrNotConfigured = errors.New("cache service not configured")

// Options configures a Coordinator
type Options struct {
	ClientID                 string
	ActionProcessorProductID string
	// Master serves reads while the config cache holds no usable data
	Master backend.ObjectBackend
	// Delegate is shared with components that must follow the switch
	// between Master and the config cache; created when nil
	Delegate     *backend.Delegate
	WaitInterval time.Duration
	Logger       *slog.Logger
}

// Coordinator owns both cache services
type Coordinator struct {
	config   *replica.Store
	products *productcache.Store
	backend  *backend.Delegate
	opts     Options
	logger   *slog.Logger
}

// New creates a coordinator. Either store may be nil; operations needing a
// missing store return ErrNotConfigured.
func New(config *replica.Store, products *productcache.Store, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 100 * time.Millisecond
	}
	if opts.Delegate == nil {
		opts.Delegate = backend.NewDelegate(opts.Master)
	}
	c := &Coordinator{
		config:   config,
		products: products,
		backend:  opts.Delegate,
		opts:     opts,
		logger:   opts.Logger.With("component", "coordinator"),
	}
	c.refreshBackend()
	return c
}

// Start runs the background workers of both services
func (c *Coordinator) Start(ctx context.Context) {
	if c.config != nil {
		c.config.Start(ctx)
	}
	if c.products != nil {
		c.products.Start(ctx)
	}
}

// Close stops the workers and closes the config stores
func (c *Coordinator) Close() error {
	if c.products != nil {
		c.products.Stop()
	}
	if c.config != nil {
		return c.config.Close()
	}
	return nil
}

func (c *Coordinator) configStore() (*replica.Store, error) {
	if c.config == nil {
		return nil, fmt.Errorf("config cache: %w", ErrNotConfigured)
	}
	return c.config, nil
}

func (c *Coordinator) productStore() (*productcache.Store, error) {
	if c.products == nil {
		return nil, fmt.Errorf("product cache: %w", ErrNotConfigured)
	}
	return c.products, nil
}

// refreshBackend points the delegate at the work store once it holds
// usable data, at the master otherwise
func (c *Coordinator) refreshBackend() {
	switch {
	case c.config != nil && c.config.Completed():
		if _, ok := c.backend.Target().(*replica.WorkBackend); !ok {
			c.logger.Debug("serving reads from config cache")
		}
		c.backend.SetTarget(c.config.Backend())
	case c.opts.Master != nil:
		c.backend.SetTarget(c.opts.Master)
	}
}

// waitForEnding polls isWorking until it reports false or ctx ends
func (c *Coordinator) waitForEnding(ctx context.Context, isWorking func() bool) error {
	ticker := time.NewTicker(c.opts.WaitInterval)
	defer ticker.Stop()
	for isWorking() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// --- Config cache ---

// SyncConfig pushes local modifications and refreshes from the server.
// Without a running worker the sync runs inline.
func (c *Coordinator) SyncConfig(ctx context.Context, wait, force bool) error {
	return c.syncConfig(ctx, wait, func(s *replica.Store) error {
		return s.SyncFromServer(ctx, force)
	}, func(s *replica.Store) {
		s.RequestSyncToServer()
		s.RequestSyncFromServer(force)
	})
}

// SyncConfigToServer pushes local modifications to the server
func (c *Coordinator) SyncConfigToServer(ctx context.Context, wait bool) error {
	return c.syncConfig(ctx, wait, func(s *replica.Store) error {
		return s.SyncToServer(ctx)
	}, (*replica.Store).RequestSyncToServer)
}

// SyncConfigFromServer refreshes the config cache from the server
func (c *Coordinator) SyncConfigFromServer(ctx context.Context, wait bool) error {
	return c.syncConfig(ctx, wait, func(s *replica.Store) error {
		return s.SyncFromServer(ctx, false)
	}, func(s *replica.Store) {
		s.RequestSyncFromServer(false)
	})
}

func (c *Coordinator) syncConfig(ctx context.Context, wait bool, inline func(*replica.Store) error, request func(*replica.Store)) error {
	s, err := c.configStore()
	if err != nil {
		return err
	}
	defer c.refreshBackend()

	if !s.IsRunning() {
		return inline(s)
	}
	request(s)
	if !wait {
		return nil
	}
	if err := c.waitForEnding(ctx, s.IsWorking); err != nil {
		return err
	}
	return s.SyncError()
}

// IsConfigCacheServiceWorking reports whether a config sync runs or is requested
func (c *Coordinator) IsConfigCacheServiceWorking() bool {
	return c.config != nil && c.config.IsWorking()
}

// ConfigCacheCompleted reports whether the config cache holds usable data
func (c *Coordinator) ConfigCacheCompleted() bool {
	return c.config != nil && c.config.Completed()
}

// ConfigBackend returns the backend serving reads and writes for this
// client: the config cache once completed, the server before that
func (c *Coordinator) ConfigBackend() (backend.ObjectBackend, error) {
	c.refreshBackend()
	if c.backend.Target() == nil {
		return nil, fmt.Errorf("config backend: %w", ErrNotConfigured)
	}
	return c.backend, nil
}

// ConfigModifications returns the pending modification log
func (c *Coordinator) ConfigModifications() ([]models.ModificationRecord, error) {
	s, err := c.configStore()
	if err != nil {
		return nil, err
	}
	return s.Modifications()
}

// ConfigCacheState returns the durable state of the config cache
func (c *Coordinator) ConfigCacheState() (replica.ServiceState, replica.State, error) {
	s, err := c.configStore()
	if err != nil {
		return replica.ServiceState{}, replica.StateObsolete, err
	}
	st, err := s.ServiceState()
	if err != nil {
		return st, replica.StateObsolete, err
	}
	freshness, err := s.State()
	return st, freshness, err
}

// SetConfigObsolete marks the config cache obsolete. Reads fall back to
// the server until the next sync from the server rebuilds it.
func (c *Coordinator) SetConfigObsolete() error {
	s, err := c.configStore()
	if err != nil {
		return err
	}
	if err := s.SetObsolete(); err != nil {
		return err
	}
	c.refreshBackend()
	return nil
}

// SetConfigFaulty marks the config cache faulty and clears the product
// cache, as after a host key rotation
func (c *Coordinator) SetConfigFaulty() error {
	s, err := c.configStore()
	if err != nil {
		return err
	}
	if err := s.SetFaulty(); err != nil {
		return err
	}
	c.refreshBackend()
	if c.products != nil {
		return c.products.ClearCache()
	}
	return nil
}

// --- Product cache ---

// CacheRequest selects the products of a caching pass. An empty ProductIDs
// caches every product with a pending action on this client.
type CacheRequest struct {
	ProductIDs       []string
	Wait             bool
	MaxBandwidth     int64
	DynamicBandwidth bool
	ProductObserver  productcache.Observer
	OverallObserver  productcache.Observer
}

// CacheProducts starts a caching pass. Without a running worker the pass
// runs inline.
func (c *Coordinator) CacheProducts(ctx context.Context, req CacheRequest) error {
	p, err := c.productStore()
	if err != nil {
		return err
	}
	if c.config != nil {
		if err := c.config.SyncError(); err != nil {
			return err
		}
	}

	productIDs := req.ProductIDs
	if len(productIDs) == 0 {
		if productIDs, err = c.PendingProducts(ctx); err != nil {
			return err
		}
	}
	if len(productIDs) == 0 {
		c.logger.Info("no products to cache")
		return nil
	}

	if !p.IsRunning() {
		return p.CacheProducts(ctx, productIDs, req.MaxBandwidth, req.DynamicBandwidth, req.ProductObserver, req.OverallObserver)
	}
	p.RequestCacheProducts(productcache.Request{
		ProductIDs:       productIDs,
		MaxBandwidth:     req.MaxBandwidth,
		DynamicBandwidth: req.DynamicBandwidth,
		ProductObserver:  req.ProductObserver,
		OverallObserver:  req.OverallObserver,
	})
	if !req.Wait {
		return nil
	}
	return c.waitForEnding(ctx, p.IsWorking)
}

// PendingProducts lists the products needed to run this client's pending
// actions, in execution order, followed by the action processor
func (c *Coordinator) PendingProducts(ctx context.Context) ([]string, error) {
	b, err := c.ConfigBackend()
	if err != nil {
		return nil, err
	}
	pocs, err := b.ProductOnClientGetObjects(ctx, []string{c.opts.ClientID})
	if err != nil {
		return nil, fmt.Errorf("get product states: %w", err)
	}
	pending := slices.DeleteFunc(pocs, func(poc models.ProductOnClient) bool {
		return !poc.ActionRequest.IsSet()
	})
	if len(pending) == 0 {
		return nil, nil
	}

	groups, err := resolver.New(b, c.opts.Logger).ProductActionGroups(ctx, pending, true)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, g := range groups[c.opts.ClientID] {
		for _, a := range g.Actions {
			if a.Action.IsSet() && !slices.Contains(ids, a.ProductID) {
				ids = append(ids, a.ProductID)
			}
		}
	}
	if ap := c.opts.ActionProcessorProductID; ap != "" && len(ids) > 0 && !slices.Contains(ids, ap) {
		ids = append(ids, ap)
	}
	return ids, nil
}

// IsProductCacheServiceWorking reports whether a caching pass runs or is requested
func (c *Coordinator) IsProductCacheServiceWorking() bool {
	return c.products != nil && c.products.IsWorking()
}

// ProductCacheCompleted reports whether every product is cached
func (c *Coordinator) ProductCacheCompleted(ctx context.Context, productIDs []string, checkVersion bool) (bool, error) {
	p, err := c.productStore()
	if err != nil {
		return false, err
	}
	return p.ProductCacheCompleted(ctx, productIDs, checkVersion)
}

// ProductCacheState returns the durable state of the product cache
func (c *Coordinator) ProductCacheState() (productcache.ServiceState, error) {
	p, err := c.productStore()
	if err != nil {
		return productcache.ServiceState{}, err
	}
	return p.State()
}

// ProductCacheDir returns the root of the product cache
func (c *Coordinator) ProductCacheDir() (string, error) {
	p, err := c.productStore()
	if err != nil {
		return "", err
	}
	return p.Dir(), nil
}

// ClearCache evicts every cached product
func (c *Coordinator) ClearCache() error {
	p, err := c.productStore()
	if err != nil {
		return err
	}
	return p.ClearCache()
}

// --- Resolver ---

// ProductActionGroups orders pocs into action groups per client, reading
// the catalog through the config backend
func (c *Coordinator) ProductActionGroups(ctx context.Context, pocs []models.ProductOnClient, ignoreUnavailable bool) (map[string][]resolver.ActionGroup, error) {
	b, err := c.ConfigBackend()
	if err != nil {
		return nil, err
	}
	return resolver.New(b, c.opts.Logger).ProductActionGroups(ctx, pocs, ignoreUnavailable)
}
