package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/marcus/cacheagent/internal/db"
	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/observability"
)

// classMerge describes how one writable object class is reconciled with
// the server
type classMerge[T models.Object] struct {
	// current fetches the server's values for the given local objects
	current func(ctx context.Context, locals []T) ([]T, error)
	// equal compares the fields that carry state
	equal func(a, b T) bool
	// adjust may rewrite a local object before it is pushed
	adjust func(ctx context.Context, local *T) (bool, error)
	update func(ctx context.Context, objs []T) error
	delete func(ctx context.Context, objs []T) error
}

// MergeResult counts what happened to one class's modifications
type MergeResult struct {
	Pushed    int
	Deleted   int
	Conflicts int
	Skipped   int
	Adjusted  int
}

type pendingChange[T models.Object] struct {
	record models.ModificationRecord
	local  T
}

func sameObject[T any](a, b *T, equal func(a, b T) bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return equal(*a, *b)
}

// mergeClass three-way merges the modifications of one class against the
// snapshot (base) and the server (theirs). An object the server changed
// since the snapshot keeps the server value; the local write is dropped.
func mergeClass[T models.Object](ctx context.Context, s *Store, class string, records []models.ModificationRecord, m classMerge[T]) (MergeResult, error) {
	var res MergeResult
	var ids []int64
	var order []string
	last := make(map[string]pendingChange[T])
	for _, rec := range records {
		ids = append(ids, rec.ID)
		var local T
		if err := json.Unmarshal(rec.Object, &local); err != nil {
			return res, fmt.Errorf("decode %s %s: %w", class, rec.Ident, err)
		}
		if _, ok := last[rec.Ident]; !ok {
			order = append(order, rec.Ident)
		}
		last[rec.Ident] = pendingChange[T]{record: rec, local: local}
	}

	locals := make([]T, 0, len(order))
	for _, ident := range order {
		locals = append(locals, last[ident].local)
	}
	current, err := m.current(ctx, locals)
	if err != nil {
		return res, fmt.Errorf("get current %s: %w", class, err)
	}
	onServer := make(map[string]T, len(current))
	for _, obj := range current {
		onServer[obj.Ident()] = obj
	}

	var toUpdate, toDelete, serverWins []T
	var serverGone []string
	for _, ident := range order {
		change := last[ident]
		base, err := db.GetObject[T](s.snapshot, ident)
		if err != nil {
			return res, err
		}
		var theirs *T
		if obj, ok := onServer[ident]; ok {
			theirs = &obj
		}
		diverged := !sameObject(base, theirs, m.equal)

		if change.record.Command == models.CommandDelete {
			switch {
			case theirs == nil:
				res.Skipped++
				serverGone = append(serverGone, ident)
			case diverged:
				res.Conflicts++
				serverWins = append(serverWins, *theirs)
				s.logger.Info("server changed object since snapshot, keeping it", "class", class, "ident", ident)
			default:
				toDelete = append(toDelete, change.local)
			}
			continue
		}

		if diverged {
			res.Conflicts++
			if theirs != nil {
				serverWins = append(serverWins, *theirs)
			} else {
				serverGone = append(serverGone, ident)
			}
			s.logger.Info("server changed object since snapshot, dropping local write", "class", class, "ident", ident)
			continue
		}

		local := change.local
		if m.adjust != nil {
			adjusted, err := m.adjust(ctx, &local)
			if err != nil {
				return res, err
			}
			if adjusted {
				res.Adjusted++
			}
		}
		toUpdate = append(toUpdate, local)
	}

	if len(toDelete) > 0 {
		if err := m.delete(ctx, toDelete); err != nil {
			return res, fmt.Errorf("delete %s on server: %w", class, err)
		}
	}
	if len(toUpdate) > 0 {
		if err := m.update(ctx, toUpdate); err != nil {
			return res, fmt.Errorf("update %s on server: %w", class, err)
		}
	}
	res.Pushed = len(toUpdate)
	res.Deleted = len(toDelete)

	// The server now holds these values; they become the new merge base.
	baseline := make([]models.Object, 0, len(toUpdate)+len(serverWins))
	for _, obj := range toUpdate {
		baseline = append(baseline, obj)
	}
	for _, obj := range serverWins {
		baseline = append(baseline, obj)
	}
	if err := s.snapshot.PutObjects(baseline...); err != nil {
		return res, fmt.Errorf("update snapshot: %w", err)
	}
	// Adjusted and rejected objects must read back as the server has them.
	if err := s.work.PutObjects(baseline...); err != nil {
		return res, fmt.Errorf("update work store: %w", err)
	}
	for _, obj := range toDelete {
		serverGone = append(serverGone, obj.Ident())
	}
	for _, ident := range serverGone {
		if _, err := s.snapshot.DeleteObject(class, ident); err != nil {
			return res, err
		}
		if _, err := s.work.DeleteObject(class, ident); err != nil {
			return res, err
		}
	}

	if err := s.tracker.ClearModifications(ids); err != nil {
		return res, fmt.Errorf("clear %s modifications: %w", class, err)
	}
	if res.Conflicts > 0 {
		observability.SyncConflicts.WithLabelValues(class).Add(float64(res.Conflicts))
	}
	return res, nil
}

// syncToServer runs under the pass lock
func (s *Store) syncToServer(ctx context.Context) (err error) {
	records, err := s.tracker.Modifications("")
	if err != nil {
		return err
	}
	if len(records) == 0 {
		s.logger.Debug("no local modifications to sync")
		return nil
	}

	start := time.Now()
	defer func() {
		observability.SyncRuns.WithLabelValues("to_server", observability.Result(err)).Inc()
		observability.PassDuration.WithLabelValues("config_cache").Observe(time.Since(start).Seconds())
		s.modified()
	}()

	byClass := make(map[string][]models.ModificationRecord)
	var classes []string
	for _, rec := range records {
		if _, ok := byClass[rec.ObjectClass]; !ok {
			classes = append(classes, rec.ObjectClass)
		}
		byClass[rec.ObjectClass] = append(byClass[rec.ObjectClass], rec)
	}
	s.logger.Info("syncing to server", "modifications", len(records), "classes", len(classes))

	var errs []error
	for _, class := range classes {
		res, err := s.mergeByClass(ctx, class, byClass[class])
		if err != nil {
			s.logger.Warn("sync class failed", "class", class, "err", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Info("class synced", "class", class,
			"pushed", res.Pushed, "deleted", res.Deleted, "conflicts", res.Conflicts,
			"skipped", res.Skipped, "adjusted", res.Adjusted)
	}

	now := time.Now().UTC()
	if len(errs) > 0 {
		syncErr := errors.Join(errs...)
		if stErr := s.updateState(func(st *ServiceState) { st.SyncError = syncErr.Error() }); stErr != nil {
			return errors.Join(syncErr, stErr)
		}
		return syncErr
	}
	return s.updateState(func(st *ServiceState) {
		st.SyncError = ""
		st.LastSyncToServer = &now
	})
}

func (s *Store) mergeByClass(ctx context.Context, class string, records []models.ModificationRecord) (MergeResult, error) {
	switch class {
	case models.ClassProductOnClient:
		return mergeClass(ctx, s, class, records, classMerge[models.ProductOnClient]{
			current: func(ctx context.Context, locals []models.ProductOnClient) ([]models.ProductOnClient, error) {
				var clients, products []string
				for _, l := range locals {
					clients = appendUnique(clients, l.ClientID)
					products = appendUnique(products, l.ProductID)
				}
				return s.master.ProductOnClientGetObjects(ctx, clients, products...)
			},
			equal:  models.ProductOnClient.EqualState,
			adjust: s.discardStaleAction,
			update: s.master.ProductOnClientUpdateObjects,
			delete: s.master.ProductOnClientDeleteObjects,
		})
	case models.ClassConfigState:
		return mergeClass(ctx, s, class, records, classMerge[models.ConfigState]{
			current: func(ctx context.Context, locals []models.ConfigState) ([]models.ConfigState, error) {
				var objects, configs []string
				for _, l := range locals {
					objects = appendUnique(objects, l.ObjectID)
					configs = appendUnique(configs, l.ConfigID)
				}
				return s.master.ConfigStateGetObjects(ctx, objects, configs...)
			},
			equal:  func(a, b models.ConfigState) bool { return models.SameValues(a.Values, b.Values) },
			update: s.master.ConfigStateUpdateObjects,
			delete: s.master.ConfigStateDeleteObjects,
		})
	case models.ClassProductPropertyState:
		return mergeClass(ctx, s, class, records, classMerge[models.ProductPropertyState]{
			current: func(ctx context.Context, locals []models.ProductPropertyState) ([]models.ProductPropertyState, error) {
				var objects, products []string
				for _, l := range locals {
					objects = appendUnique(objects, l.ObjectID)
					products = appendUnique(products, l.ProductID)
				}
				return s.master.ProductPropertyStateGetObjects(ctx, objects, products...)
			},
			equal:  func(a, b models.ProductPropertyState) bool { return models.SameValues(a.Values, b.Values) },
			update: s.master.ProductPropertyStateUpdateObjects,
			delete: s.master.ProductPropertyStateDeleteObjects,
		})
	case models.ClassLicenseOnClient:
		return mergeClass(ctx, s, class, records, classMerge[models.LicenseOnClient]{
			current: func(ctx context.Context, locals []models.LicenseOnClient) ([]models.LicenseOnClient, error) {
				var clients []string
				for _, l := range locals {
					clients = appendUnique(clients, l.ClientID)
				}
				return s.master.LicenseOnClientGetObjects(ctx, clients...)
			},
			equal:  func(a, b models.LicenseOnClient) bool { return a == b },
			update: s.master.LicenseOnClientUpdateObjects,
			delete: s.master.LicenseOnClientDeleteObjects,
		})
	}

	// Read-only classes have nothing to push; drop their records.
	s.logger.Warn("dropping modifications of read-only class", "class", class, "count", len(records))
	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return MergeResult{Skipped: len(records)}, s.tracker.ClearModifications(ids)
}

// discardStaleAction resets the queued action of a ProductOnClient when
// the depot's version of the product changed since the snapshot. The
// action was chosen against catalog data that no longer holds.
func (s *Store) discardStaleAction(ctx context.Context, poc *models.ProductOnClient) (bool, error) {
	if !poc.ActionRequest.IsSet() {
		return false, nil
	}
	st, err := s.ServiceState()
	if err != nil {
		return false, err
	}

	snapPods, err := listWhere(s.snapshot, func(p models.ProductOnDepot) bool {
		return p.ProductID == poc.ProductID && p.DepotID == st.DepotID
	})
	if err != nil {
		return false, err
	}
	masterPods, err := s.master.ProductOnDepotGetObjects(ctx, []string{st.DepotID}, poc.ProductID)
	if err != nil {
		return false, fmt.Errorf("get product on depot: %w", err)
	}

	if len(snapPods) == 1 && len(masterPods) == 1 && snapPods[0].SameVersion(masterPods[0]) {
		return false, nil
	}
	s.logger.Info("depot version changed since snapshot, discarding action",
		"product", poc.ProductID, "action", poc.ActionRequest)
	poc.ActionRequest = models.ActionNone
	return true, nil
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
