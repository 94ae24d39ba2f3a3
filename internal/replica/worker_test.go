package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus/cacheagent/internal/models"
)

func waitIdle(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.IsWorking() {
		if time.Now().After(deadline) {
			t.Fatal("worker did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerFailureIsSticky(t *testing.T) {
	master := newFakeMaster()
	s := newTestStore(t, master)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	master.setFailDepot(errors.New("server unavailable"))
	s.Start(ctx)
	s.RequestSyncFromServer(true)
	waitIdle(t, s)

	if !errors.Is(s.SyncError(), ErrSyncBlocked) {
		t.Errorf("sync error: got %v, want ErrSyncBlocked", s.SyncError())
	}
	if s.Completed() {
		t.Error("failed rebuild reported completed")
	}

	master.setFailDepot(nil)
	s.RequestSyncFromServer(false)
	waitIdle(t, s)

	if err := s.SyncError(); err != nil {
		t.Errorf("sync error not cleared after a good pass: %v", err)
	}
	if !s.Completed() {
		t.Error("config cache not completed after retry")
	}
}

func TestWorkerKeepsRequestRaisedDuringPass(t *testing.T) {
	master := newFakeMaster()
	s := replicated(t, master)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setResult := func(result string) {
		t.Helper()
		poc := mustPOC(t, s, "firefox")
		poc.ActionResult = result
		if err := s.Backend().ProductOnClientUpdateObjects(context.Background(), []models.ProductOnClient{poc}); err != nil {
			t.Fatal(err)
		}
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	master.onWrite = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	setResult("first")
	s.Start(ctx)
	s.RequestSyncToServer()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("push never reached the server")
	}
	setResult("second")
	s.RequestSyncToServer()
	close(release)
	waitIdle(t, s)

	if got := master.poc("firefox").ActionResult; got != "second" {
		t.Errorf("master action result: got %q, want second", got)
	}
	if mods, _ := s.Modifications(); len(mods) != 0 {
		t.Errorf("modifications left: %d", len(mods))
	}
}
