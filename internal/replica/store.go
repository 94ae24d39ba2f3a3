// Package replica keeps a locally queryable copy of the server's
// configuration for one client and reconciles local writes back to the
// server with a snapshot-based three-way merge.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/db"
	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/observability"
	"github.com/marcus/cacheagent/internal/state"
)

// ErrSyncBlocked is returned while a failed sync to the server is unresolved
var ErrSyncBlocked = errors.New("config cache has an unresolved sync error")

// State is the freshness of the cached configuration
type State string

const (
	StateObsolete State = "obsolete"
	StateFresh    State = "fresh"
	StateDirty    State = "dirty"
)

// ServiceState is the durable config_cache_service record
type ServiceState struct {
	ConfigCached       bool       `json:"config_cached"`
	Faulty             bool       `json:"faulty"`
	DepotID            string     `json:"depot_id,omitempty"`
	SyncError          string     `json:"sync_error,omitempty"`
	Fingerprint        string     `json:"fingerprint,omitempty"`
	LastSyncFromServer *time.Time `json:"last_sync_from_server,omitempty"`
	LastSyncToServer   *time.Time `json:"last_sync_to_server,omitempty"`
}

// Master is what the store needs from the config server
type Master interface {
	backend.ObjectBackend
	backend.AuxBackend
}

// Options configures a Store
type Options struct {
	ClientID                 string
	ActionProcessorProductID string
	// ProductFilter replaces the default product selection when set
	ProductFilter []string
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Store owns the work, snapshot and tracker stores of one client
type Store struct {
	master   Master
	work     *db.DB
	snapshot *db.DB
	tracker  *db.DB
	state    *state.Store
	dir      string
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex // serializes sync passes
	working atomic.Bool

	worker worker
}

// Open opens or creates the stores under dir
func Open(dir string, master Master, st *state.Store, opts Options) (*Store, error) {
	work, err := db.Open(filepath.Join(dir, db.WorkFile))
	if err != nil {
		return nil, fmt.Errorf("open work store: %w", err)
	}
	snapshot, err := db.Open(filepath.Join(dir, db.SnapshotFile))
	if err != nil {
		work.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	tracker, err := db.Open(filepath.Join(dir, db.TrackerFile))
	if err != nil {
		work.Close()
		snapshot.Close()
		return nil, fmt.Errorf("open tracker: %w", err)
	}
	return New(dir, work, snapshot, tracker, master, st, opts), nil
}

// New assembles a store from already opened databases
func New(dir string, work, snapshot, tracker *db.DB, master Master, st *state.Store, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Store{
		master:   master,
		work:     work,
		snapshot: snapshot,
		tracker:  tracker,
		state:    st,
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger.With("component", "config_cache"),
	}
}

// Close stops the worker and closes the stores
func (s *Store) Close() error {
	s.Stop()
	return errors.Join(s.work.Close(), s.snapshot.Close(), s.tracker.Close())
}

// Dir is the directory holding the store files and auxiliary caches
func (s *Store) Dir() string {
	return s.dir
}

// Backend returns the offline backend reading from and writing to the work store
func (s *Store) Backend() *WorkBackend {
	return &WorkBackend{work: s.work, tracker: s.tracker, onModify: s.modified}
}

func (s *Store) modified() {
	if n, err := s.tracker.CountModifications(); err == nil {
		observability.PendingModifications.Set(float64(n))
	}
}

// Modifications returns the pending modification log
func (s *Store) Modifications() ([]models.ModificationRecord, error) {
	return s.tracker.Modifications("")
}

// ServiceState returns the durable state record
func (s *Store) ServiceState() (ServiceState, error) {
	var st ServiceState
	_, err := s.state.Get(state.ConfigCacheService, &st)
	return st, err
}

func (s *Store) updateState(fn func(*ServiceState)) error {
	return state.Update(s.state, state.ConfigCacheService, fn)
}

// State derives the freshness of the cache
func (s *Store) State() (State, error) {
	st, err := s.ServiceState()
	if err != nil {
		return StateObsolete, err
	}
	if !st.ConfigCached || st.Faulty {
		return StateObsolete, nil
	}
	n, err := s.tracker.CountModifications()
	if err != nil {
		return StateObsolete, err
	}
	if n > 0 {
		return StateDirty, nil
	}
	return StateFresh, nil
}

// Completed reports whether the cache holds usable data
func (s *Store) Completed() bool {
	st, err := s.ServiceState()
	return err == nil && st.ConfigCached && !st.Faulty
}

// SyncError returns ErrSyncBlocked wrapping the sticky error, nil when clear
func (s *Store) SyncError() error {
	st, err := s.ServiceState()
	if err != nil {
		return err
	}
	if st.SyncError != "" {
		return fmt.Errorf("%w: %s", ErrSyncBlocked, st.SyncError)
	}
	return nil
}

// SetObsolete marks the cached configuration as not fresh so the next
// sync from the server rebuilds it
func (s *Store) SetObsolete() error {
	s.logger.Info("config cache marked obsolete")
	return s.updateState(func(st *ServiceState) { st.ConfigCached = false })
}

// SetFaulty marks the cache obsolete and forces the next sync from the
// server to rebuild unconditionally
func (s *Store) SetFaulty() error {
	s.logger.Warn("config cache marked faulty")
	return s.updateState(func(st *ServiceState) {
		st.ConfigCached = false
		st.Faulty = true
	})
}

// IsWorking reports whether a sync pass is in progress or requested
func (s *Store) IsWorking() bool {
	return s.working.Load() || s.worker.pending()
}

// begin takes the pass lock for an exported sync operation
func (s *Store) begin() func() {
	s.mu.Lock()
	s.working.Store(true)
	return func() {
		s.working.Store(false)
		s.mu.Unlock()
	}
}

// SyncToServer pushes pending local modifications to the server
func (s *Store) SyncToServer(ctx context.Context) error {
	defer s.begin()()
	return s.syncToServer(ctx)
}

// SyncFromServer refreshes the work store from the server when the server
// side changed, or unconditionally when forced or faulty. Pending local
// modifications are pushed first.
func (s *Store) SyncFromServer(ctx context.Context, force bool) error {
	defer s.begin()()
	return s.recordOutcome(ctx, s.syncFromServer(ctx, force))
}

// ReplicateFromMaster rebuilds the work store from the server. A nil
// filter selects the default product set. Pending modifications are
// pushed first, or discarded when the cache is faulty.
func (s *Store) ReplicateFromMaster(ctx context.Context, filterProductIDs []string) error {
	defer s.begin()()
	return s.recordOutcome(ctx, s.replicateFromMaster(ctx, filterProductIDs))
}

// recordOutcome keeps the sticky sync error in step with the last pass:
// set on failure, cleared on success. A pass cut short by ctx leaves it
// untouched.
func (s *Store) recordOutcome(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return err
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if stErr := s.updateState(func(st *ServiceState) { st.SyncError = msg }); stErr != nil {
		return errors.Join(err, stErr)
	}
	return err
}
