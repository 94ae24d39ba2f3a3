package depot

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const sampleManifest = `d 'CLIENT_DATA' 0
f 'CLIENT_DATA/setup.opsiscript' 12 0c7e6f2d3ab2e1a1c6d6a0a9b7f9e4c1
f 'CLIENT_DATA/files/my app.msi' 1048576 9e107d9d372bb6826bd81d3542a419d6
l 'CLIENT_DATA/current' 0 'files'
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest("firefox", strings.NewReader(sampleManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(m.Entries) != 4 {
		t.Fatalf("entries: got %d, want 4", len(m.Entries))
	}
	if got := m.Entries[2]; got.Path != "CLIENT_DATA/files/my app.msi" || got.Size != 1048576 {
		t.Errorf("file entry: got %+v", got)
	}
	if got := m.Entries[3]; got.Type != EntryLink || got.Target != "files" {
		t.Errorf("link entry: got %+v", got)
	}
	if m.TotalSize() != 1048588 {
		t.Errorf("total size: got %d", m.TotalSize())
	}
	if len(m.Files()) != 2 {
		t.Errorf("files: got %d, want 2", len(m.Files()))
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != sampleManifest {
		t.Errorf("round trip mismatch:\n%s", buf.String())
	}
}

func TestParseManifestRejectsBadLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"escaping path", "f '../etc/passwd' 10 abc"},
		{"absolute path", "f '/etc/passwd' 10 abc"},
		{"missing checksum", "f 'a.txt' 10"},
		{"bad size", "f 'a.txt' ten abc"},
		{"unknown type", "x 'a.txt' 0"},
		{"unquoted", "d a 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest("p", strings.NewReader(tt.line+"\n")); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestParseManifestRejectsEscapingLinks(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"absolute target", "l 'sub' 0 '/elsewhere'\n"},
		{"drive target", "l 'sub' 0 'C:\\elsewhere'\n"},
		{"escaping target", "l 'CLIENT_DATA/up' 0 '../../outside'\n"},
		{"file below link", "l 'sub' 0 'real'\nf 'sub/payload' 3 abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest("p", strings.NewReader(tt.manifest))
			if !errors.Is(err, ErrBadPath) {
				t.Errorf("got %v, want ErrBadPath", err)
			}
		})
	}

	m, err := ParseManifest("p", strings.NewReader("l 'CLIENT_DATA/current' 0 '../files'\n"))
	if err != nil || m.Entries[0].Target != "../files" {
		t.Errorf("link inside the product rejected: %v", err)
	}
}

func TestCopyFileRefusesLinkedParent(t *testing.T) {
	root := t.TempDir()
	writeDepotProduct(t, root, "p", map[string]string{"sub/payload": "abc"})

	dst := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(dst, "sub")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	sum := md5.Sum([]byte("abc"))
	e := Entry{Type: EntryFile, Path: "sub/payload", Size: 3, MD5: hex.EncodeToString(sum[:])}
	_, err := CopyFile(context.Background(), &FileTransport{Root: root}, nil, "p", e, dst, nil)
	if !errors.Is(err, ErrBadPath) {
		t.Fatalf("got %v, want ErrBadPath", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "payload")); !os.IsNotExist(err) {
		t.Error("file written through link outside the product directory")
	}
	if err := MakeEntry(dst, Entry{Type: EntryDir, Path: "sub/nested"}); !errors.Is(err, ErrBadPath) {
		t.Errorf("MakeEntry: got %v, want ErrBadPath", err)
	}
}

func writeDepotProduct(t *testing.T, root, productID string, files map[string]string) {
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
	if err := os.WriteFile(filepath.Join(dir, ManifestName(productID)), []byte(manifest.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFileTransportCopy(t *testing.T) {
	root := t.TempDir()
	writeDepotProduct(t, root, "firefox", map[string]string{"CLIENT_DATA/setup.txt": "hello depot"})

	tr := &FileTransport{Root: root}
	ctx := context.Background()
	m, err := tr.Manifest(ctx, "firefox")
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}

	dst := t.TempDir()
	e := m.Files()[0]
	if ok, _ := FileMatches(LocalPath(dst, e), e); ok {
		t.Fatal("file should not match before copy")
	}

	var progressed int64
	n, err := CopyFile(ctx, tr, NewThrottle(0, false), "firefox", e, dst, func(n int64) { progressed += n })
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != int64(len("hello depot")) || progressed != n {
		t.Errorf("copied %d, progress %d", n, progressed)
	}
	if ok, err := FileMatches(LocalPath(dst, e), e); !ok || err != nil {
		t.Errorf("file should match after copy: %v", err)
	}
}

func TestCopyFileDetectsChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	writeDepotProduct(t, root, "p", map[string]string{"a.txt": "abc"})

	e := Entry{Type: EntryFile, Path: "a.txt", Size: 3, MD5: "00000000000000000000000000000000"}
	dst := t.TempDir()
	_, err := CopyFile(context.Background(), &FileTransport{Root: root}, nil, "p", e, dst, nil)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
	if _, err := os.Stat(LocalPath(dst, e)); !os.IsNotExist(err) {
		t.Error("corrupt download must not be installed")
	}
}

func TestThrottleDynamicBackoffAndRecovery(t *testing.T) {
	th := NewThrottle(1_000_000, true)

	th.adjust(100_000)
	if got := th.Limit(); got != 500_000 {
		t.Errorf("after congestion: got %d, want 500000", got)
	}
	th.adjust(480_000)
	if got := th.Limit(); got != 600_000 {
		t.Errorf("after recovery: got %d, want 600000", got)
	}
	for range 10 {
		th.adjust(1_000_000)
	}
	if got := th.Limit(); got != 1_000_000 {
		t.Errorf("limit must not exceed max: got %d", got)
	}
}

func TestThrottleUnlimited(t *testing.T) {
	th := NewThrottle(0, true)
	if th.Limit() != 0 {
		t.Errorf("got %d, want unlimited", th.Limit())
	}
	r := strings.NewReader("x")
	if th.Reader(context.Background(), r) != r {
		t.Error("unlimited throttle should not wrap readers")
	}
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport("", "webdavs://depot.example.org:4447/depot", "c", "k", 0)
	if err != nil {
		t.Fatal(err)
	}
	ht, ok := tr.(*HTTPTransport)
	if !ok || ht.BaseURL != "https://depot.example.org:4447/depot" {
		t.Errorf("got %#v", tr)
	}
	if _, err := NewTransport("", "smb://depot/share", "", "", 0); err == nil {
		t.Error("expected unsupported scheme error")
	}
	if _, ok := mustTransport(t, "/mnt/depot").(*FileTransport); !ok {
		t.Error("mounted path should use FileTransport")
	}
}

func mustTransport(t *testing.T, p string) Transport {
	t.Helper()
	tr, err := NewTransport(p, "", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}
