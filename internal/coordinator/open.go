package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/config"
	"github.com/marcus/cacheagent/internal/depot"
	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/productcache"
	"github.com/marcus/cacheagent/internal/replica"
	"github.com/marcus/cacheagent/internal/state"
)

// Open wires both cache services from cfg against the config server
func Open(cfg *config.Config, master backend.Backend, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, err
	}

	configStore, err := replica.Open(cfg.ConfigStoreDir(), master, st, replica.Options{
		ClientID:                 cfg.Global.HostID,
		ActionProcessorProductID: cfg.ConfigCache.ActionProcessorProductID,
		ProductFilter:            cfg.ConfigCache.ProductFilter,
		PollInterval:             cfg.ConfigPollInterval(),
		Logger:                   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open config cache: %w", err)
	}

	delegate := backend.NewDelegate(master)
	products, err := productcache.New(cfg.ProductCacheDir(), master, st, productcache.Options{
		ClientID:         cfg.Global.HostID,
		MaxSize:          cfg.MaxCacheSize(),
		SlotSafetyMargin: cfg.SlotSafetyMargin(),
		PollInterval:     cfg.ProductPollInterval(),
		Logger:           logger,
		Transport:        depotTransport(cfg),
		Catalog:          delegate,
		SyncGate:         configStore.SyncError,
	})
	if err != nil {
		configStore.Close()
		return nil, fmt.Errorf("open product cache: %w", err)
	}

	return New(configStore, products, Options{
		ClientID:                 cfg.Global.HostID,
		ActionProcessorProductID: cfg.ConfigCache.ActionProcessorProductID,
		Master:                   master,
		Delegate:                 delegate,
		Logger:                   logger,
	}), nil
}

// depotTransport prefers the mounted depot share and falls back to the
// depot's remote url, authenticating as this client
func depotTransport(cfg *config.Config) productcache.TransportFunc {
	return func(ctx context.Context, depotHost models.Host) (depot.Transport, error) {
		return depot.NewTransport(cfg.ProductCache.DepotPath, depotHost.DepotURL,
			cfg.Global.HostID, cfg.Global.HostKey, cfg.ServiceTimeout())
	}
}
