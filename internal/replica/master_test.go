package replica

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/db"
	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/state"
)

const (
	testClient = "client1.example.org"
	testDepot  = "depot1.example.org"
)

// fakeMaster is an in-memory config server
type fakeMaster struct {
	mu       sync.Mutex
	depot    string
	hosts    []models.Host
	products []models.Product
	pods     []models.ProductOnDepot
	deps     []models.ProductDependency
	pocs     []models.ProductOnClient
	ppss     []models.ProductPropertyState
	configs  []models.Config
	states   []models.ConfigState

	writes    int
	failPush  error
	failDepot error
	// onWrite runs inside every server write, with the master locked
	onWrite func()
}

var _ Master = (*fakeMaster)(nil)

func newFakeMaster() *fakeMaster {
	product := func(id string, licensed bool) models.Product {
		return models.Product{ID: id, ProductVersion: "1.0", PackageVersion: "1", SetupScript: "setup.ins", LicenseRequired: licensed}
	}
	pod := func(id string) models.ProductOnDepot {
		return models.ProductOnDepot{ProductID: id, ProductType: "LocalbootProduct", ProductVersion: "1.0", PackageVersion: "1", DepotID: testDepot}
	}
	return &fakeMaster{
		depot: testDepot,
		hosts: []models.Host{
			{ID: testClient, Type: models.HostTypeClient},
			{ID: testDepot, Type: models.HostTypeDepot, DepotURL: "webdavs://depot1.example.org:4447/depot"},
		},
		products: []models.Product{product("firefox", false), product("vcredist", false), product("opsi-script", false), product("unused", false), product("office", true)},
		pods:     []models.ProductOnDepot{pod("firefox"), pod("vcredist"), pod("opsi-script"), pod("unused"), pod("office")},
		deps: []models.ProductDependency{{
			ProductID: "firefox", ProductVersion: "1.0", PackageVersion: "1", ProductAction: models.ActionSetup,
			RequiredProductID: "vcredist", RequiredInstallationStatus: models.StatusInstalled, RequirementType: models.RequirementBefore,
		}},
		pocs: []models.ProductOnClient{
			{ProductID: "firefox", ProductType: "LocalbootProduct", ClientID: testClient, ActionRequest: models.ActionSetup, InstallationStatus: models.StatusNotInstalled},
			{ProductID: "unused", ProductType: "LocalbootProduct", ClientID: testClient, ActionRequest: models.ActionNone, InstallationStatus: models.StatusInstalled},
		},
		configs: []models.Config{
			{ID: DepotConfigID, DefaultValues: []string{testDepot}},
			{ID: "opsiclientd.event_timer.active", DefaultValues: []string{"false"}},
		},
		states: []models.ConfigState{{ConfigID: "opsiclientd.event_timer.active", ObjectID: testClient, Values: []string{"true"}}},
	}
}

func filterBy[T any](all []T, keep func(T) bool) []T {
	var out []T
	for _, o := range all {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

func match(filter []string, v string) bool {
	return len(filter) == 0 || slices.Contains(filter, v)
}

func (m *fakeMaster) HostGetObjects(ctx context.Context, ids ...string) ([]models.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBy(m.hosts, func(h models.Host) bool { return match(ids, h.ID) }), nil
}

func (m *fakeMaster) ProductGetObjects(ctx context.Context, ids ...string) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBy(m.products, func(p models.Product) bool { return match(ids, p.ID) }), nil
}

func (m *fakeMaster) ProductOnDepotGetObjects(ctx context.Context, depotIDs []string, productIDs ...string) ([]models.ProductOnDepot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBy(m.pods, func(p models.ProductOnDepot) bool { return match(depotIDs, p.DepotID) && match(productIDs, p.ProductID) }), nil
}

func (m *fakeMaster) ProductOnClientGetObjects(ctx context.Context, clientIDs []string, productIDs ...string) ([]models.ProductOnClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBy(m.pocs, func(p models.ProductOnClient) bool { return match(clientIDs, p.ClientID) && match(productIDs, p.ProductID) }), nil
}

func (m *fakeMaster) ProductDependencyGetObjects(ctx context.Context, productIDs ...string) ([]models.ProductDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBy(m.deps, func(d models.ProductDependency) bool { return match(productIDs, d.ProductID) }), nil
}

func (m *fakeMaster) ProductPropertyStateGetObjects(ctx context.Context, objectIDs []string, productIDs ...string) ([]models.ProductPropertyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBy(m.ppss, func(s models.ProductPropertyState) bool { return match(objectIDs, s.ObjectID) && match(productIDs, s.ProductID) }), nil
}

func (m *fakeMaster) ConfigGetObjects(ctx context.Context, ids ...string) ([]models.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBy(m.configs, func(c models.Config) bool { return match(ids, c.ID) }), nil
}

func (m *fakeMaster) ConfigStateGetObjects(ctx context.Context, objectIDs []string, configIDs ...string) ([]models.ConfigState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBy(m.states, func(s models.ConfigState) bool { return match(objectIDs, s.ObjectID) && match(configIDs, s.ConfigID) }), nil
}

func (m *fakeMaster) ConfigStateGetClientToDepotserver(ctx context.Context, clientIDs ...string) ([]models.ClientToDepot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDepot != nil {
		return nil, m.failDepot
	}
	return []models.ClientToDepot{{ClientID: testClient, DepotID: m.depot}}, nil
}

func (m *fakeMaster) LicenseOnClientGetOrCreate(ctx context.Context, clientID, productID string) (*models.LicenseOnClient, error) {
	return nil, backend.ErrNotFound
}

func (m *fakeMaster) LicenseOnClientGetObjects(ctx context.Context, clientIDs ...string) ([]models.LicenseOnClient, error) {
	return nil, nil
}

func (m *fakeMaster) SoftwareLicenseGetObjects(ctx context.Context, ids ...string) ([]models.SoftwareLicense, error) {
	return nil, nil
}

func (m *fakeMaster) LicenseContractGetObjects(ctx context.Context, ids ...string) ([]models.LicenseContract, error) {
	return nil, nil
}

func (m *fakeMaster) LicensePoolGetObjects(ctx context.Context, ids ...string) ([]models.LicensePool, error) {
	return nil, nil
}

func upsert[T models.Object](list []T, objs []T) []T {
	for _, obj := range objs {
		i := slices.IndexFunc(list, func(o T) bool { return o.Ident() == obj.Ident() })
		if i >= 0 {
			list[i] = obj
		} else {
			list = append(list, obj)
		}
	}
	return list
}

func remove[T models.Object](list []T, objs []T) []T {
	return slices.DeleteFunc(list, func(o T) bool {
		return slices.ContainsFunc(objs, func(d T) bool { return d.Ident() == o.Ident() })
	})
}

func (m *fakeMaster) write() error {
	m.writes++
	if m.onWrite != nil {
		m.onWrite()
	}
	return m.failPush
}

func (m *fakeMaster) setFailDepot(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDepot = err
}

func (m *fakeMaster) ProductOnClientUpdateObjects(ctx context.Context, objs []models.ProductOnClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	m.pocs = upsert(m.pocs, objs)
	return nil
}

func (m *fakeMaster) ProductOnClientDeleteObjects(ctx context.Context, objs []models.ProductOnClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	m.pocs = remove(m.pocs, objs)
	return nil
}

func (m *fakeMaster) ConfigStateUpdateObjects(ctx context.Context, objs []models.ConfigState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	m.states = upsert(m.states, objs)
	return nil
}

func (m *fakeMaster) ConfigStateDeleteObjects(ctx context.Context, objs []models.ConfigState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	m.states = remove(m.states, objs)
	return nil
}

func (m *fakeMaster) ProductPropertyStateUpdateObjects(ctx context.Context, objs []models.ProductPropertyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	m.ppss = upsert(m.ppss, objs)
	return nil
}

func (m *fakeMaster) ProductPropertyStateDeleteObjects(ctx context.Context, objs []models.ProductPropertyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	m.ppss = remove(m.ppss, objs)
	return nil
}

func (m *fakeMaster) LicenseOnClientUpdateObjects(ctx context.Context, objs []models.LicenseOnClient) error {
	return errors.New("not implemented")
}

func (m *fakeMaster) LicenseOnClientDeleteObjects(ctx context.Context, objs []models.LicenseOnClient) error {
	return errors.New("not implemented")
}

func (m *fakeMaster) BackendModules(ctx context.Context) (map[string]any, error) {
	return map[string]any{"license_management": true}, nil
}

func (m *fakeMaster) UserCredentials(ctx context.Context, username, hostID string) (*backend.Credentials, error) {
	return &backend.Credentials{Username: username, Password: "secret"}, nil
}

func (m *fakeMaster) HardwareAudit(ctx context.Context, hostID string) ([]map[string]any, error) {
	return []map[string]any{{"hardwareClass": "COMPUTER_SYSTEM", "hostId": hostID}}, nil
}

func (m *fakeMaster) setPOC(productID string, fn func(*models.ProductOnClient)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pocs {
		if m.pocs[i].ProductID == productID {
			fn(&m.pocs[i])
		}
	}
}

func (m *fakeMaster) poc(productID string) models.ProductOnClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pocs {
		if p.ProductID == productID {
			return p
		}
	}
	return models.ProductOnClient{}
}

func (m *fakeMaster) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func memDB(t *testing.T) *db.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	d, err := db.New(conn, "")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestStore(t *testing.T, master *fakeMaster) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(filepath.Join(dir, state.FileName))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	s := New(dir, memDB(t), memDB(t), memDB(t), master, st, Options{
		ClientID:                 testClient,
		ActionProcessorProductID: "opsi-script",
		PollInterval:             10 * time.Millisecond,
	})
	t.Cleanup(s.Stop)
	return s
}

func replicated(t *testing.T, master *fakeMaster) *Store {
	t.Helper()
	s := newTestStore(t, master)
	if err := s.ReplicateFromMaster(context.Background(), nil); err != nil {
		t.Fatalf("replicate: %v", err)
	}
	return s
}
