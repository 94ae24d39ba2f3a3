package replica

import (
	"context"
	"fmt"
	"slices"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/db"
	"github.com/marcus/cacheagent/internal/models"
)

// DepotConfigID is the config key naming a client's depot
const DepotConfigID = "clientconfig.depot.id"

// WorkBackend serves object reads from the work store and records every
// write in the modification log
type WorkBackend struct {
	work     *db.DB
	tracker  *db.DB
	onModify func()
}

var _ backend.ObjectBackend = (*WorkBackend)(nil)

// listWhere loads all objects of T's class that satisfy keep
func listWhere[T models.Object](d *db.DB, keep func(T) bool) ([]T, error) {
	all, err := db.ListObjects[T](d)
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return all, nil
	}
	out := all[:0]
	for _, o := range all {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

// in reports whether v is in filter; an empty filter matches everything
func in(filter []string, v string) bool {
	return len(filter) == 0 || slices.Contains(filter, v)
}

func (w *WorkBackend) HostGetObjects(ctx context.Context, ids ...string) ([]models.Host, error) {
	return listWhere(w.work, func(h models.Host) bool { return in(ids, h.ID) })
}

func (w *WorkBackend) ProductGetObjects(ctx context.Context, ids ...string) ([]models.Product, error) {
	return listWhere(w.work, func(p models.Product) bool { return in(ids, p.ID) })
}

func (w *WorkBackend) ProductOnDepotGetObjects(ctx context.Context, depotIDs []string, productIDs ...string) ([]models.ProductOnDepot, error) {
	return listWhere(w.work, func(p models.ProductOnDepot) bool {
		return in(depotIDs, p.DepotID) && in(productIDs, p.ProductID)
	})
}

func (w *WorkBackend) ProductOnClientGetObjects(ctx context.Context, clientIDs []string, productIDs ...string) ([]models.ProductOnClient, error) {
	return listWhere(w.work, func(p models.ProductOnClient) bool {
		return in(clientIDs, p.ClientID) && in(productIDs, p.ProductID)
	})
}

func (w *WorkBackend) ProductDependencyGetObjects(ctx context.Context, productIDs ...string) ([]models.ProductDependency, error) {
	return listWhere(w.work, func(d models.ProductDependency) bool { return in(productIDs, d.ProductID) })
}

func (w *WorkBackend) ProductPropertyStateGetObjects(ctx context.Context, objectIDs []string, productIDs ...string) ([]models.ProductPropertyState, error) {
	return listWhere(w.work, func(s models.ProductPropertyState) bool {
		return in(objectIDs, s.ObjectID) && in(productIDs, s.ProductID)
	})
}

func (w *WorkBackend) ConfigGetObjects(ctx context.Context, ids ...string) ([]models.Config, error) {
	return listWhere(w.work, func(c models.Config) bool { return in(ids, c.ID) })
}

func (w *WorkBackend) ConfigStateGetObjects(ctx context.Context, objectIDs []string, configIDs ...string) ([]models.ConfigState, error) {
	return listWhere(w.work, func(s models.ConfigState) bool {
		return in(objectIDs, s.ObjectID) && in(configIDs, s.ConfigID)
	})
}

// ConfigStateGetClientToDepotserver answers from the replicated depot
// config state, falling back to the config default
func (w *WorkBackend) ConfigStateGetClientToDepotserver(ctx context.Context, clientIDs ...string) ([]models.ClientToDepot, error) {
	cfg, err := db.GetObject[models.Config](w.work, DepotConfigID)
	if err != nil {
		return nil, err
	}
	states, err := w.ConfigStateGetObjects(ctx, clientIDs, DepotConfigID)
	if err != nil {
		return nil, err
	}
	byClient := make(map[string]*models.ConfigState)
	for i := range states {
		byClient[states[i].ObjectID] = &states[i]
	}

	if len(clientIDs) == 0 {
		for id := range byClient {
			clientIDs = append(clientIDs, id)
		}
		slices.Sort(clientIDs)
	}

	var out []models.ClientToDepot
	for _, clientID := range clientIDs {
		var defaults models.Config
		if cfg != nil {
			defaults = *cfg
		}
		values := models.EffectiveValues(defaults, byClient[clientID])
		if len(values) == 0 {
			continue
		}
		out = append(out, models.ClientToDepot{ClientID: clientID, DepotID: values[0]})
	}
	return out, nil
}

// LicenseOnClientGetOrCreate only returns licenses replicated earlier;
// new seats cannot be assigned offline
func (w *WorkBackend) LicenseOnClientGetOrCreate(ctx context.Context, clientID, productID string) (*models.LicenseOnClient, error) {
	pools, err := listWhere(w.work, func(p models.LicensePool) bool { return slices.Contains(p.ProductIDs, productID) })
	if err != nil {
		return nil, err
	}
	licenses, err := w.LicenseOnClientGetObjects(ctx, clientID)
	if err != nil {
		return nil, err
	}
	for _, l := range licenses {
		for _, pool := range pools {
			if l.LicensePoolID == pool.ID {
				return &l, nil
			}
		}
	}
	return nil, fmt.Errorf("license for %s on %s: %w", productID, clientID, backend.ErrNotFound)
}

func (w *WorkBackend) LicenseOnClientGetObjects(ctx context.Context, clientIDs ...string) ([]models.LicenseOnClient, error) {
	return listWhere(w.work, func(l models.LicenseOnClient) bool { return in(clientIDs, l.ClientID) })
}

func (w *WorkBackend) SoftwareLicenseGetObjects(ctx context.Context, ids ...string) ([]models.SoftwareLicense, error) {
	return listWhere(w.work, func(l models.SoftwareLicense) bool { return in(ids, l.ID) })
}

func (w *WorkBackend) LicenseContractGetObjects(ctx context.Context, ids ...string) ([]models.LicenseContract, error) {
	return listWhere(w.work, func(l models.LicenseContract) bool { return in(ids, l.ID) })
}

func (w *WorkBackend) LicensePoolGetObjects(ctx context.Context, ids ...string) ([]models.LicensePool, error) {
	return listWhere(w.work, func(l models.LicensePool) bool { return in(ids, l.ID) })
}

// --- Writes ---

func updateObjects[T models.Object](w *WorkBackend, objs []T) error {
	for _, obj := range objs {
		raw, err := w.work.GetRaw(obj.ObjectClass(), obj.Ident())
		if err != nil {
			return err
		}
		cmd := models.CommandUpdate
		if raw == nil {
			cmd = models.CommandInsert
		}
		if err := w.work.PutObjects(obj); err != nil {
			return err
		}
		if _, err := w.tracker.AppendModification(cmd, obj); err != nil {
			return err
		}
	}
	w.notify()
	return nil
}

func deleteObjects[T models.Object](w *WorkBackend, objs []T) error {
	for _, obj := range objs {
		existed, err := w.work.DeleteObject(obj.ObjectClass(), obj.Ident())
		if err != nil {
			return err
		}
		if !existed {
			continue
		}
		if _, err := w.tracker.AppendModification(models.CommandDelete, obj); err != nil {
			return err
		}
	}
	w.notify()
	return nil
}

func (w *WorkBackend) notify() {
	if w.onModify != nil {
		w.onModify()
	}
}

func (w *WorkBackend) ProductOnClientUpdateObjects(ctx context.Context, objs []models.ProductOnClient) error {
	for _, poc := range objs {
		if !models.IsValidActionRequest(poc.ActionRequest) {
			return fmt.Errorf("product %s on %s: invalid action request %q", poc.ProductID, poc.ClientID, poc.ActionRequest)
		}
	}
	return updateObjects(w, objs)
}

func (w *WorkBackend) ProductOnClientDeleteObjects(ctx context.Context, objs []models.ProductOnClient) error {
	return deleteObjects(w, objs)
}

func (w *WorkBackend) ConfigStateUpdateObjects(ctx context.Context, objs []models.ConfigState) error {
	return updateObjects(w, objs)
}

func (w *WorkBackend) ConfigStateDeleteObjects(ctx context.Context, objs []models.ConfigState) error {
	return deleteObjects(w, objs)
}

func (w *WorkBackend) ProductPropertyStateUpdateObjects(ctx context.Context, objs []models.ProductPropertyState) error {
	return updateObjects(w, objs)
}

func (w *WorkBackend) ProductPropertyStateDeleteObjects(ctx context.Context, objs []models.ProductPropertyState) error {
	return deleteObjects(w, objs)
}

func (w *WorkBackend) LicenseOnClientUpdateObjects(ctx context.Context, objs []models.LicenseOnClient) error {
	return updateObjects(w, objs)
}

func (w *WorkBackend) LicenseOnClientDeleteObjects(ctx context.Context, objs []models.LicenseOnClient) error {
	return deleteObjects(w, objs)
}
