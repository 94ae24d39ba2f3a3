package productcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/depot"
	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/state"
)

const (
	testClient = "client1.test"
	testDepot  = "depot1.test"
)

type fakeMaster struct {
	backend.ObjectBackend

	mu         sync.Mutex
	pods       map[string]models.ProductOnDepot
	pocs       map[string]models.ProductOnClient
	slotID     string
	retention  time.Duration
	retryAfter time.Duration
	denyRenew  bool

	acquired int
	renewed  int
	released int
}

func newFakeMaster() *fakeMaster {
	return &fakeMaster{
		pods:      make(map[string]models.ProductOnDepot),
		pocs:      make(map[string]models.ProductOnClient),
		slotID:    "slot-1",
		retention: time.Minute,
	}
}

func (m *fakeMaster) addProduct(productID, productVersion, packageVersion string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pods[productID] = models.ProductOnDepot{
		ProductID:      productID,
		ProductVersion: productVersion,
		PackageVersion: packageVersion,
		DepotID:        testDepot,
	}
	m.pocs[productID] = models.ProductOnClient{
		ProductID:     productID,
		ClientID:      testClient,
		ActionRequest: models.ActionSetup,
	}
}

func (m *fakeMaster) ConfigStateGetClientToDepotserver(ctx context.Context, clientIDs ...string) ([]models.ClientToDepot, error) {
	return []models.ClientToDepot{{ClientID: testClient, DepotID: testDepot}}, nil
}

func (m *fakeMaster) HostGetObjects(ctx context.Context, ids ...string) ([]models.Host, error) {
	return []models.Host{{ID: testDepot, Type: models.HostTypeDepot}}, nil
}

func (m *fakeMaster) ProductOnDepotGetObjects(ctx context.Context, depotIDs []string, productIDs ...string) ([]models.ProductOnDepot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProductOnDepot
	for _, pid := range productIDs {
		if pod, ok := m.pods[pid]; ok {
			out = append(out, pod)
		}
	}
	return out, nil
}

func (m *fakeMaster) ProductOnClientGetObjects(ctx context.Context, clientIDs []string, productIDs ...string) ([]models.ProductOnClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProductOnClient
	for _, pid := range productIDs {
		if poc, ok := m.pocs[pid]; ok {
			out = append(out, poc)
		}
	}
	return out, nil
}

func (m *fakeMaster) ProductOnClientUpdateObjects(ctx context.Context, objs []models.ProductOnClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range objs {
		m.pocs[o.ProductID] = o
	}
	return nil
}

func (m *fakeMaster) AcquireTransferSlot(ctx context.Context, req backend.SlotRequest) (*backend.TransferSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.SlotID != "" {
		m.renewed++
		if m.denyRenew {
			return &backend.TransferSlot{}, nil
		}
		return &backend.TransferSlot{SlotID: req.SlotID, Retention: m.retention}, nil
	}
	m.acquired++
	if m.slotID == "" {
		return &backend.TransferSlot{RetryAfter: m.retryAfter}, nil
	}
	return &backend.TransferSlot{SlotID: m.slotID, Retention: m.retention}, nil
}

func (m *fakeMaster) ReleaseTransferSlot(ctx context.Context, req backend.SlotRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

func (m *fakeMaster) counts() (acquired, renewed, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.renewed, m.released
}

// writeProduct lays out a product with its manifest the way depots and the
// cache both store it
func writeProduct(t *testing.T, root, productID string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, productID)
	var manifest strings.Builder
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		sum := md5.Sum([]byte(content))
		manifest.WriteString("f '" + name + "' " + strconv.Itoa(len(content)) + " " + hex.EncodeToString(sum[:]) + "\n")
	}
	if err := os.WriteFile(filepath.Join(dir, depot.ManifestName(productID)), []byte(manifest.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

func setManifestTime(t *testing.T, root, productID string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(filepath.Join(root, productID, depot.ManifestName(productID)), mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

type testEnv struct {
	master    *fakeMaster
	depotRoot string
	store     *Store
}

func newTestEnv(t *testing.T, maxSize int64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(filepath.Join(dir, state.FileName))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	env := &testEnv{master: newFakeMaster(), depotRoot: filepath.Join(dir, "depot-share")}
	env.store, err = New(filepath.Join(dir, "cache"), env.master, st, Options{
		ClientID:     testClient,
		MaxSize:      maxSize,
		PollInterval: 10 * time.Millisecond,
		Transport: func(ctx context.Context, h models.Host) (depot.Transport, error) {
			return &depot.FileTransport{Root: env.depotRoot}, nil
		},
		FreeSpace: func(string) (int64, error) { return 1 << 40, nil },
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(env.store.Stop)
	return env
}

func (env *testEnv) status(t *testing.T, productID string) models.CacheStatus {
	t.Helper()
	st, err := env.store.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return st.Products[productID].Status()
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func TestCacheProductsCopiesContent(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	writeProduct(t, env.depotRoot, "firefox", map[string]string{
		"CLIENT_DATA/setup.opsiscript": "Files_install",
		"CLIENT_DATA/firefox.msi":      strings.Repeat("x", 4096),
	})

	var overall []Progress
	var perProduct int
	err := env.store.CacheProducts(context.Background(), []string{"firefox"}, 0, false,
		func(Progress) { perProduct++ },
		func(p Progress) { overall = append(overall, p) })
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	dir := env.store.ProductDir("firefox")
	if !exists(filepath.Join(dir, "CLIENT_DATA", "firefox.msi")) {
		t.Error("payload not copied")
	}
	if !exists(filepath.Join(dir, depot.ManifestName("firefox"))) {
		t.Error("manifest not written")
	}
	if got := env.status(t, "firefox"); got != models.CacheCompleted {
		t.Errorf("status: got %s, want completed", got)
	}
	if perProduct == 0 || len(overall) == 0 {
		t.Fatal("observers not called")
	}
	last := overall[len(overall)-1]
	if last.Transferred != last.Total || last.Total != 4096+int64(len("Files_install")) {
		t.Errorf("overall progress: %+v", last)
	}

	acquired, _, released := env.master.counts()
	if acquired != 1 || released != 1 {
		t.Errorf("slot acquired %d released %d, want 1/1", acquired, released)
	}
	if poc := env.master.pocs["firefox"]; poc.ActionProgress != ActionProgressCached {
		t.Errorf("server action progress: got %q", poc.ActionProgress)
	}
	st, _ := env.store.State()
	if !st.ProductsCached {
		t.Error("products_cached not set")
	}
}

func TestCacheProductsSkipsCachedProducts(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	writeProduct(t, env.depotRoot, "firefox", map[string]string{"a.txt": "hello"})

	ctx := context.Background()
	if err := env.store.CacheProducts(ctx, []string{"firefox"}, 0, false, nil, nil); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := env.store.CacheProducts(ctx, []string{"firefox"}, 0, false, nil, nil); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if acquired, _, _ := env.master.counts(); acquired != 1 {
		t.Errorf("second pass requested a slot: acquired=%d", acquired)
	}

	// A new package version on the depot makes the cached copy stale.
	env.master.addProduct("firefox", "115.0", "2")
	if err := env.store.CacheProducts(ctx, []string{"firefox"}, 0, false, nil, nil); err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if acquired, _, _ := env.master.counts(); acquired != 2 {
		t.Errorf("version change did not trigger a download: acquired=%d", acquired)
	}
}

func TestCacheProductsRemovesStaleFiles(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	writeProduct(t, env.depotRoot, "firefox", map[string]string{"CLIENT_DATA/new.txt": "new"})

	stale := filepath.Join(env.store.ProductDir("firefox"), "CLIENT_DATA", "old.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := env.store.CacheProducts(context.Background(), []string{"firefox"}, 0, false, nil, nil); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if exists(stale) {
		t.Error("stale file kept")
	}
	if !exists(filepath.Join(env.store.ProductDir("firefox"), "CLIENT_DATA", "new.txt")) {
		t.Error("listed file removed")
	}
}

func TestCacheProductsContinuesAfterFailure(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("broken", "1.0", "1")
	env.master.addProduct("firefox", "115.0", "1")
	writeProduct(t, env.depotRoot, "firefox", map[string]string{"a.txt": "hello"})

	err := env.store.CacheProducts(context.Background(), []string{"broken", "firefox", "unknown"}, 0, false, nil, nil)
	if err == nil {
		t.Fatal("expected the joined per-product errors")
	}
	if got := env.status(t, "broken"); got != models.CacheFailed {
		t.Errorf("broken: got %s, want failed", got)
	}
	if got := env.status(t, "unknown"); got != models.CacheFailed {
		t.Errorf("unknown: got %s, want failed", got)
	}
	if got := env.status(t, "firefox"); got != models.CacheCompleted {
		t.Errorf("firefox: got %s, want completed", got)
	}
	if _, _, released := env.master.counts(); released != 1 {
		t.Errorf("slot released %d times", released)
	}

	// Failed does not block a later attempt.
	writeProduct(t, env.depotRoot, "broken", map[string]string{"b.txt": "fixed"})
	if err := env.store.CacheProducts(context.Background(), []string{"broken"}, 0, false, nil, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := env.status(t, "broken"); got != models.CacheCompleted {
		t.Errorf("broken after retry: got %s", got)
	}
}

func TestCacheProductsRejectsLinkOutsideCache(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	outside := t.TempDir()

	dir := filepath.Join(env.depotRoot, "firefox")
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "payload"), []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	sum := md5.Sum([]byte("abc"))
	manifest := "l 'sub' 0 '" + filepath.ToSlash(outside) + "'\nf 'sub/payload' 3 " + hex.EncodeToString(sum[:]) + "\n"
	if err := os.WriteFile(filepath.Join(dir, depot.ManifestName("firefox")), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	if err := env.store.CacheProducts(context.Background(), []string{"firefox"}, 0, false, nil, nil); err == nil {
		t.Fatal("expected caching to fail")
	}
	if got := env.status(t, "firefox"); got != models.CacheFailed {
		t.Errorf("status: got %s, want failed", got)
	}
	if exists(filepath.Join(outside, "payload")) {
		t.Error("payload written outside the product cache")
	}
}

func TestCacheProductsWithoutSlotDoesNotDownload(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	env.master.slotID = ""
	env.master.retryAfter = 30 * time.Second
	writeProduct(t, env.depotRoot, "firefox", map[string]string{"a.txt": "hello"})

	err := env.store.CacheProducts(context.Background(), []string{"firefox"}, 0, false, nil, nil)
	var unavailable *TransferSlotUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected TransferSlotUnavailableError, got %v", err)
	}
	if unavailable.RetryAfter != 30*time.Second {
		t.Errorf("retry after: got %v", unavailable.RetryAfter)
	}
	if exists(env.store.ProductDir("firefox")) {
		t.Error("content downloaded without a slot")
	}
	acquired, renewed, released := env.master.counts()
	if acquired != 1 || renewed != 0 || released != 0 {
		t.Errorf("slot calls: acquired=%d renewed=%d released=%d", acquired, renewed, released)
	}
	if got := env.status(t, "firefox"); got != models.CacheNotCached {
		t.Errorf("status: got %s, want not_cached", got)
	}
}

// blockingTransport waits for the pass to be canceled
type blockingTransport struct{}

func (blockingTransport) Manifest(ctx context.Context, productID string) (*depot.Manifest, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingTransport) Open(ctx context.Context, productID, relPath string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLostSlotAbortsPass(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	env.master.retention = 0
	env.master.denyRenew = true
	env.store.opts.Transport = func(context.Context, models.Host) (depot.Transport, error) {
		return blockingTransport{}, nil
	}

	err := env.store.CacheProducts(context.Background(), []string{"firefox"}, 0, false, nil, nil)
	var lost *TransferSlotLostError
	if !errors.As(err, &lost) {
		t.Fatalf("expected TransferSlotLostError, got %v", err)
	}
	if lost.SlotID != "slot-1" {
		t.Errorf("slot id: got %q", lost.SlotID)
	}
	if _, renewed, released := env.master.counts(); renewed != 1 || released != 1 {
		t.Errorf("renewed=%d released=%d, want 1/1", renewed, released)
	}
}

func TestHeartbeatInterval(t *testing.T) {
	s := &Store{opts: Options{SlotSafetyMargin: 10 * time.Second}}
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{60 * time.Second, 50 * time.Second},
		{10 * time.Second, time.Second},
		{0, time.Second},
	}
	for _, tt := range tests {
		if got := s.heartbeatInterval(tt.retention); got != tt.want {
			t.Errorf("retention %v: got %v, want %v", tt.retention, got, tt.want)
		}
	}
}

func TestSyncGateRefusesCaching(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	gateErr := errors.New("sync blocked")
	env.store.opts.SyncGate = func() error { return gateErr }

	err := env.store.CacheProducts(context.Background(), []string{"firefox"}, 0, false, nil, nil)
	if !errors.Is(err, gateErr) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if acquired, _, _ := env.master.counts(); acquired != 0 {
		t.Error("slot requested while gated")
	}
}

func TestEvictForSpaceOldestFirst(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	cache := env.store.Dir()
	now := time.Now()
	writeProduct(t, cache, "new", map[string]string{"x": strings.Repeat("x", 400)})
	writeProduct(t, cache, "y", map[string]string{"y": strings.Repeat("y", 500)})
	writeProduct(t, cache, "z", map[string]string{"z": strings.Repeat("z", 300)})
	setManifestTime(t, cache, "y", now.Add(-2*time.Hour))
	setManifestTime(t, cache, "z", now.Add(-time.Hour))
	setManifestTime(t, cache, "new", now.Add(-3*time.Hour))

	freed, err := env.store.EvictForSpace(400, []string{"new"})
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if freed < 500 {
		t.Errorf("freed %d, want at least 500", freed)
	}
	if exists(filepath.Join(cache, "y")) {
		t.Error("oldest unprotected product kept")
	}
	if !exists(filepath.Join(cache, "z")) {
		t.Error("newer product evicted")
	}
	if !exists(filepath.Join(cache, "new")) {
		t.Error("protected product evicted")
	}
}

func TestEvictForSpaceCorruptFirst(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	cache := env.store.Dir()
	writeProduct(t, cache, "old", map[string]string{"o": strings.Repeat("o", 300)})
	writeProduct(t, cache, "corrupt", map[string]string{"c": strings.Repeat("c", 300)})
	setManifestTime(t, cache, "old", time.Now().Add(-24*time.Hour))
	if err := os.Remove(filepath.Join(cache, "corrupt", depot.ManifestName("corrupt"))); err != nil {
		t.Fatal(err)
	}

	if _, err := env.store.EvictForSpace(100, nil); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if exists(filepath.Join(cache, "corrupt")) {
		t.Error("product without manifest kept")
	}
	if !exists(filepath.Join(cache, "old")) {
		t.Error("old product evicted although corrupt one sufficed")
	}
}

func TestEvictForSpaceFailsFast(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	cache := env.store.Dir()
	writeProduct(t, cache, "y", map[string]string{"y": strings.Repeat("y", 500)})
	writeProduct(t, cache, "z", map[string]string{"z": strings.Repeat("z", 300)})

	_, err := env.store.EvictForSpace(900, []string{"z"})
	var insufficient *InsufficientCacheSpaceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCacheSpaceError, got %v", err)
	}
	if insufficient.Needed != 900 || insufficient.Available >= 900 {
		t.Errorf("error fields: %+v", insufficient)
	}
	if !exists(filepath.Join(cache, "y")) || !exists(filepath.Join(cache, "z")) {
		t.Error("products deleted although eviction could not succeed")
	}
}

func TestCacheProductsEvictsToStayWithinMaxSize(t *testing.T) {
	env := newTestEnv(t, 1000)
	cache := env.store.Dir()
	writeProduct(t, cache, "y", map[string]string{"y": strings.Repeat("y", 500)})
	writeProduct(t, cache, "z", map[string]string{"z": strings.Repeat("z", 300)})
	setManifestTime(t, cache, "y", time.Now().Add(-2*time.Hour))
	setManifestTime(t, cache, "z", time.Now().Add(-time.Hour))

	env.master.addProduct("n", "1.0", "1")
	writeProduct(t, env.depotRoot, "n", map[string]string{"n": strings.Repeat("n", 600)})

	if err := env.store.CacheProducts(context.Background(), []string{"n"}, 0, false, nil, nil); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if exists(filepath.Join(cache, "y")) {
		t.Error("y should have been evicted")
	}
	if !exists(filepath.Join(cache, "z")) {
		t.Error("z should be untouched")
	}
	if got := env.status(t, "n"); got != models.CacheCompleted {
		t.Errorf("n: got %s", got)
	}
}

func TestCacheProductsFailsWhenEvictionCannotHelp(t *testing.T) {
	env := newTestEnv(t, 500)
	env.master.addProduct("huge", "1.0", "1")
	env.master.addProduct("small", "1.0", "1")
	writeProduct(t, env.depotRoot, "huge", map[string]string{"h": strings.Repeat("h", 800)})
	writeProduct(t, env.depotRoot, "small", map[string]string{"s": "s"})

	err := env.store.CacheProducts(context.Background(), []string{"huge", "small"}, 0, false, nil, nil)
	var insufficient *InsufficientCacheSpaceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCacheSpaceError, got %v", err)
	}
	if got := env.status(t, "huge"); got != models.CacheFailed {
		t.Errorf("huge: got %s, want failed", got)
	}
	if got := env.status(t, "small"); got != models.CacheNotCached {
		t.Errorf("small: got %s, want the pass aborted before it", got)
	}
}

func TestProductCacheCompletedChecksVersion(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	writeProduct(t, env.depotRoot, "firefox", map[string]string{"a.txt": "hello"})
	ctx := context.Background()

	if ok, _ := env.store.ProductCacheCompleted(ctx, []string{"firefox"}, false); ok {
		t.Error("completed before caching")
	}
	if err := env.store.CacheProducts(ctx, []string{"firefox"}, 0, false, nil, nil); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if ok, err := env.store.ProductCacheCompleted(ctx, []string{"firefox"}, true); !ok || err != nil {
		t.Errorf("completed with version check: ok=%v err=%v", ok, err)
	}

	env.master.addProduct("firefox", "116.0", "1")
	if ok, _ := env.store.ProductCacheCompleted(ctx, []string{"firefox"}, true); ok {
		t.Error("stale version reported as completed")
	}
	if ok, _ := env.store.ProductCacheCompleted(ctx, []string{"firefox"}, false); !ok {
		t.Error("completion without version check should ignore the depot")
	}
}

func TestClearCache(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	writeProduct(t, env.depotRoot, "firefox", map[string]string{"a.txt": "hello"})
	if err := env.store.CacheProducts(context.Background(), []string{"firefox"}, 0, false, nil, nil); err != nil {
		t.Fatalf("cache: %v", err)
	}

	if err := env.store.ClearCache(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if exists(env.store.ProductDir("firefox")) {
		t.Error("product dir kept")
	}
	if got := env.status(t, "firefox"); got != models.CacheNotCached {
		t.Errorf("status after clear: %s", got)
	}
}

func TestWorkerRunsRequestedPass(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	writeProduct(t, env.depotRoot, "firefox", map[string]string{"a.txt": "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.store.Start(ctx)
	env.store.RequestCacheProducts(Request{ProductIDs: []string{"firefox"}})

	deadline := time.Now().Add(5 * time.Second)
	for env.store.IsWorking() {
		if time.Now().After(deadline) {
			t.Fatal("worker did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := env.status(t, "firefox"); got != models.CacheCompleted {
		t.Errorf("status: got %s", got)
	}
	env.store.Stop()
	if env.store.IsRunning() {
		t.Error("worker still running after Stop")
	}
}

func TestWorkerKeepsRequestWhileNoSlot(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.master.addProduct("firefox", "115.0", "1")
	env.master.slotID = ""
	env.master.retryAfter = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.store.Start(ctx)
	env.store.RequestCacheProducts(Request{ProductIDs: []string{"firefox"}})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if acquired, _, _ := env.master.counts(); acquired > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never tried to acquire a slot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if !env.store.IsWorking() {
		t.Error("request dropped while waiting for a slot")
	}
	if acquired, _, _ := env.master.counts(); acquired != 1 {
		t.Errorf("worker retried before retry_after: acquired=%d", acquired)
	}
}
