package replica

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/observability"
)

// setupAfterInstallProperty lists products to set up once a product is installed
const setupAfterInstallProperty = "setup_after_install"

// clientDepot asks the server which depot the client is assigned to
func (s *Store) clientDepot(ctx context.Context) (string, error) {
	assignments, err := s.master.ConfigStateGetClientToDepotserver(ctx, s.opts.ClientID)
	if err != nil {
		return "", fmt.Errorf("get client depot: %w", err)
	}
	for _, a := range assignments {
		if a.ClientID == s.opts.ClientID {
			return a.DepotID, nil
		}
	}
	return "", fmt.Errorf("no depot assigned to %s", s.opts.ClientID)
}

func (s *Store) replicateFromMaster(ctx context.Context, filterProductIDs []string) (err error) {
	start := time.Now()
	defer func() {
		observability.SyncRuns.WithLabelValues("from_server", observability.Result(err)).Inc()
		observability.PassDuration.WithLabelValues("config_cache").Observe(time.Since(start).Seconds())
	}()

	if err := s.settleModifications(ctx); err != nil {
		return err
	}

	clientID := s.opts.ClientID
	depotID, err := s.clientDepot(ctx)
	if err != nil {
		return err
	}

	pocs, err := s.master.ProductOnClientGetObjects(ctx, []string{clientID})
	if err != nil {
		return fmt.Errorf("get products on client: %w", err)
	}

	filter := filterProductIDs
	if filter == nil {
		filter = s.opts.ProductFilter
	}
	if len(filter) == 0 {
		if filter, err = s.defaultProductFilter(ctx, depotID, pocs); err != nil {
			return err
		}
	}
	s.logger.Info("replicating from server", "client", clientID, "depot", depotID, "products", len(filter))

	objs, err := s.fetchObjects(ctx, clientID, depotID, filter, pocs)
	if err != nil {
		return err
	}
	fp, err := s.fingerprint(ctx, depotID, pocs)
	if err != nil {
		return err
	}

	if err := s.work.ReplaceObjects(objs...); err != nil {
		return fmt.Errorf("rebuild work store: %w", err)
	}
	if err := s.work.CopyTo(s.snapshot); err != nil {
		return fmt.Errorf("reset snapshot: %w", err)
	}

	s.refreshAuxCaches(ctx, clientID)

	now := time.Now().UTC()
	err = s.updateState(func(st *ServiceState) {
		st.ConfigCached = true
		st.Faulty = false
		st.DepotID = depotID
		st.SyncError = ""
		st.Fingerprint = fp
		st.LastSyncFromServer = &now
	})
	if err != nil {
		return err
	}
	s.logger.Info("replication done", "objects", len(objs), "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// defaultProductFilter selects the products with a pending action, their
// setup_after_install companions, the action processor and everything
// those require
func (s *Store) defaultProductFilter(ctx context.Context, depotID string, pocs []models.ProductOnClient) ([]string, error) {
	var ids []string
	add := func(id string) bool {
		if id == "" || slices.Contains(ids, id) {
			return false
		}
		ids = append(ids, id)
		return true
	}

	for _, poc := range pocs {
		if poc.ActionRequest.IsSet() {
			add(poc.ProductID)
		}
	}

	if len(ids) > 0 {
		states, err := s.master.ProductPropertyStateGetObjects(ctx, []string{s.opts.ClientID, depotID}, ids...)
		if err != nil {
			return nil, fmt.Errorf("get property states: %w", err)
		}
		for _, companion := range setupAfterInstall(states, s.opts.ClientID) {
			add(companion)
		}
	}
	add(s.opts.ActionProcessorProductID)

	// Required products, transitively, so actions can be resolved offline.
	pending := slices.Clone(ids)
	for len(pending) > 0 {
		deps, err := s.master.ProductDependencyGetObjects(ctx, pending...)
		if err != nil {
			return nil, fmt.Errorf("get product dependencies: %w", err)
		}
		pending = nil
		for _, d := range deps {
			if add(d.RequiredProductID) {
				pending = append(pending, d.RequiredProductID)
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// setupAfterInstall collects companion product ids, preferring the
// client's values over the depot defaults
func setupAfterInstall(states []models.ProductPropertyState, clientID string) []string {
	chosen := make(map[string]models.ProductPropertyState)
	for _, st := range states {
		if st.PropertyID != setupAfterInstallProperty {
			continue
		}
		if cur, ok := chosen[st.ProductID]; ok && cur.ObjectID == clientID {
			continue
		}
		chosen[st.ProductID] = st
	}
	var out []string
	for _, st := range chosen {
		out = append(out, st.Values...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// fetchObjects reads everything the work store is built from
func (s *Store) fetchObjects(ctx context.Context, clientID, depotID string, filter []string, pocs []models.ProductOnClient) ([]models.Object, error) {
	var objs []models.Object
	appendAll := func(n int, at func(int) models.Object) {
		for i := range n {
			objs = append(objs, at(i))
		}
	}

	hosts, err := s.master.HostGetObjects(ctx, clientID, depotID)
	if err != nil {
		return nil, fmt.Errorf("get hosts: %w", err)
	}
	appendAll(len(hosts), func(i int) models.Object { return hosts[i] })

	pods, err := s.master.ProductOnDepotGetObjects(ctx, []string{depotID}, filter...)
	if err != nil {
		return nil, fmt.Errorf("get products on depot: %w", err)
	}
	appendAll(len(pods), func(i int) models.Object { return pods[i] })

	products, err := s.master.ProductGetObjects(ctx, filter...)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	onDepot := make(map[string]bool)
	for _, pod := range pods {
		onDepot[models.MakeIdent(pod.ProductID, pod.ProductVersion, pod.PackageVersion)] = true
	}
	for _, p := range products {
		if onDepot[p.Ident()] {
			objs = append(objs, p)
		}
	}

	deps, err := s.master.ProductDependencyGetObjects(ctx, filter...)
	if err != nil {
		return nil, fmt.Errorf("get product dependencies: %w", err)
	}
	appendAll(len(deps), func(i int) models.Object { return deps[i] })

	for _, poc := range pocs {
		if slices.Contains(filter, poc.ProductID) {
			objs = append(objs, poc)
		}
	}

	ppss, err := s.master.ProductPropertyStateGetObjects(ctx, []string{clientID, depotID}, filter...)
	if err != nil {
		return nil, fmt.Errorf("get property states: %w", err)
	}
	appendAll(len(ppss), func(i int) models.Object { return ppss[i] })

	configs, err := s.master.ConfigGetObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("get configs: %w", err)
	}
	appendAll(len(configs), func(i int) models.Object { return configs[i] })

	states, err := s.master.ConfigStateGetObjects(ctx, []string{clientID})
	if err != nil {
		return nil, fmt.Errorf("get config states: %w", err)
	}
	hasDepotState := false
	for _, st := range states {
		if st.ConfigID == DepotConfigID {
			hasDepotState = true
		}
		objs = append(objs, st)
	}
	if !hasDepotState {
		objs = append(objs, models.ConfigState{ConfigID: DepotConfigID, ObjectID: clientID, Values: []string{depotID}})
	}

	licenses, err := s.fetchLicenses(ctx, clientID, filter, pocs, products)
	if err != nil {
		return nil, err
	}
	return append(objs, licenses...), nil
}

// fetchLicenses acquires licenses for pending products that need one and
// copies the license objects needed to keep them valid offline. A product
// without a free license is logged and skipped.
func (s *Store) fetchLicenses(ctx context.Context, clientID string, filter []string, pocs []models.ProductOnClient, products []models.Product) ([]models.Object, error) {
	needsLicense := make(map[string]bool)
	for _, p := range products {
		if p.LicenseRequired {
			needsLicense[p.ID] = true
		}
	}
	for _, poc := range pocs {
		if !poc.ActionRequest.IsSet() || !needsLicense[poc.ProductID] || !slices.Contains(filter, poc.ProductID) {
			continue
		}
		if _, err := s.master.LicenseOnClientGetOrCreate(ctx, clientID, poc.ProductID); err != nil {
			s.logger.Warn("no license for product", "product", poc.ProductID, "err", err)
		}
	}

	locs, err := s.master.LicenseOnClientGetObjects(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get licenses on client: %w", err)
	}
	if len(locs) == 0 {
		return nil, nil
	}

	var objs []models.Object
	var licenseIDs, poolIDs []string
	for _, l := range locs {
		objs = append(objs, l)
		licenseIDs = append(licenseIDs, l.SoftwareLicenseID)
		poolIDs = append(poolIDs, l.LicensePoolID)
	}

	licenses, err := s.master.SoftwareLicenseGetObjects(ctx, licenseIDs...)
	if err != nil {
		return nil, fmt.Errorf("get software licenses: %w", err)
	}
	var contractIDs []string
	for _, l := range licenses {
		objs = append(objs, l)
		contractIDs = append(contractIDs, l.LicenseContractID)
	}

	contracts, err := s.master.LicenseContractGetObjects(ctx, contractIDs...)
	if err != nil {
		return nil, fmt.Errorf("get license contracts: %w", err)
	}
	for _, c := range contracts {
		objs = append(objs, c)
	}

	pools, err := s.master.LicensePoolGetObjects(ctx, poolIDs...)
	if err != nil {
		return nil, fmt.Errorf("get license pools: %w", err)
	}
	for _, p := range pools {
		objs = append(objs, p)
	}
	return objs, nil
}

// settleModifications empties the modification log before the work store
// is replaced. Pending writes are pushed to the server; a faulty cache
// discards them instead.
func (s *Store) settleModifications(ctx context.Context) error {
	n, err := s.tracker.CountModifications()
	if err != nil || n == 0 {
		return err
	}
	st, err := s.ServiceState()
	if err != nil {
		return err
	}
	if st.Faulty {
		s.logger.Warn("discarding local modifications of faulty cache", "pending", n)
		if err := s.tracker.DiscardModifications(); err != nil {
			return fmt.Errorf("discard modifications: %w", err)
		}
		s.modified()
		return nil
	}
	s.logger.Info("pushing local modifications before rebuild", "pending", n)
	if err := s.syncToServer(ctx); err != nil {
		return fmt.Errorf("sync to server before rebuild: %w", err)
	}
	return nil
}

// syncFromServer runs under the pass lock
func (s *Store) syncFromServer(ctx context.Context, force bool) error {
	if err := s.settleModifications(ctx); err != nil {
		return err
	}

	st, err := s.ServiceState()
	if err != nil {
		return err
	}
	depotID, err := s.clientDepot(ctx)
	if err != nil {
		return err
	}

	switch {
	case force:
		s.logger.Info("forced rebuild")
	case st.Faulty:
		s.logger.Info("rebuild, cache is faulty")
	case !st.ConfigCached:
		s.logger.Info("rebuild, cache is obsolete")
	case st.DepotID != depotID:
		s.logger.Info("rebuild, depot changed", "from", st.DepotID, "to", depotID)
	default:
		pocs, err := s.master.ProductOnClientGetObjects(ctx, []string{s.opts.ClientID})
		if err != nil {
			return fmt.Errorf("get products on client: %w", err)
		}
		fp, err := s.fingerprint(ctx, depotID, pocs)
		if err != nil {
			return err
		}
		if fp == st.Fingerprint {
			s.logger.Info("config cache up to date")
			now := time.Now().UTC()
			return s.updateState(func(st *ServiceState) { st.LastSyncFromServer = &now })
		}
		s.logger.Info("rebuild, pending actions changed")
	}

	return s.replicateFromMaster(ctx, nil)
}
