package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/productcache"
	"github.com/marcus/cacheagent/internal/replica"
	"github.com/marcus/cacheagent/internal/resolver"
)

func TestParseProductIDs(t *testing.T) {
	got := parseProductIDs([]string{"firefox,vcredist", " firefox ", "", "opsi-script"})
	want := []string{"firefox", "vcredist", "opsi-script"}
	if !slices.Equal(got, want) {
		t.Errorf("parseProductIDs = %v, want %v", got, want)
	}
	if ids := parseProductIDs(nil); ids != nil {
		t.Errorf("no args should yield nil, got %v", ids)
	}
}

func TestParseBandwidth(t *testing.T) {
	tests := []struct {
		in   string
		def  int64
		want int64
	}{
		{"", 42, 42},
		{"0", 42, 0},
		{"5 MB", 0, 5_000_000},
		{"1KiB", 0, 1024},
	}
	for _, tt := range tests {
		got, err := parseBandwidth(tt.in, tt.def)
		if err != nil {
			t.Fatalf("parseBandwidth(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseBandwidth(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if _, err := parseBandwidth("fast", 0); err == nil {
		t.Error("expected error for invalid rate")
	}
}

func TestCacheLinesSorted(t *testing.T) {
	now := time.Now()
	st := productcache.ServiceState{Products: map[string]*models.CacheEntry{
		"vcredist": {Started: &now, Completed: &now},
		"firefox":  {Started: &now, Failure: "depot unreachable"},
	}}
	lines := cacheLines(st)
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "firefox") || !strings.Contains(lines[0], "depot unreachable") {
		t.Errorf("first line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "vcredist") || !strings.Contains(lines[1], "completed") {
		t.Errorf("second line: %q", lines[1])
	}
}

func TestStatusLines(t *testing.T) {
	cs := replica.ServiceState{ConfigCached: true, DepotID: "depot1.test", SyncError: "conflict"}
	ps := productcache.ServiceState{ProductsCached: true}
	out := strings.Join(statusLines(cs, replica.StateFresh, ps, "/var/lib/cacheagent/depot"), "\n")
	for _, want := range []string{"CONFIG CACHE", "fresh", "depot1.test", "conflict", "PRODUCT CACHE", "/var/lib/cacheagent/depot", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestBuildPlanMarksDependencies(t *testing.T) {
	poc := &models.ProductOnClient{ProductID: "firefox", ActionRequest: models.ActionSetup}
	groups := []resolver.ActionGroup{{
		Priority: 0,
		Actions: []*resolver.Action{
			{ProductID: "vcredist", Action: models.ActionSetup, Sequence: 0},
			{ProductID: "firefox", Action: models.ActionSetup, Sequence: 1, Source: poc},
		},
	}}
	plan := buildPlan(groups)
	if len(plan) != 1 || len(plan[0].Actions) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan[0].Actions[0].Requested || !plan[0].Actions[1].Requested {
		t.Errorf("requested flags wrong: %+v", plan[0].Actions)
	}

	lines := planLines(plan)
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "GROUP 1") {
		t.Errorf("missing group header:\n%s", joined)
	}
	if strings.Count(joined, "(dependency)") != 1 {
		t.Errorf("expected one dependency marker:\n%s", joined)
	}
}

func TestNewLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "product", "firefox")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info leaked at warn level: %s", out)
	}
	if !strings.Contains(out, `"product":"firefox"`) {
		t.Errorf("expected json record: %s", out)
	}

	buf.Reset()
	l = newLogger(&buf, "bogus", "text")
	if !l.Enabled(context.Background(), slog.LevelInfo) || l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("unknown level should default to info")
	}
}

func TestUnknownProductLines(t *testing.T) {
	lines := unknownProductLines([]string{"firefox", "firefx", "zzzzzzzzzzzzzzzzzzzz"}, []string{"firefox", "vcredist"})
	if len(lines) != 2 {
		t.Fatalf("got %v", lines)
	}
	if !strings.Contains(lines[0], `"firefx"`) || !strings.Contains(lines[0], "did you mean firefox?") {
		t.Errorf("first line: %q", lines[0])
	}
	if strings.Contains(lines[1], "did you mean") {
		t.Errorf("no suggestion expected: %q", lines[1])
	}
}
