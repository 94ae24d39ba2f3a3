package depot

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrChecksumMismatch is returned when downloaded content does not match the manifest
var ErrChecksumMismatch = errors.New("checksum mismatch")

// checkNoLinks fails when a directory between dir and the entry is a
// symlink, so nothing is written through a link to outside dir
func checkNoLinks(dir string, e Entry) error {
	cur := dir
	for _, part := range strings.Split(path.Dir(e.Path), "/") {
		if part == "." {
			return nil
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%s: parent %s is a link: %w", e.Path, cur, ErrBadPath)
		}
	}
	return nil
}

// LocalPath maps a manifest entry to its location under dir
func LocalPath(dir string, e Entry) string {
	return filepath.Join(dir, filepath.FromSlash(e.Path))
}

// FileMatches reports whether the local file already has the entry's size and checksum
func FileMatches(localPath string, e Entry) (bool, error) {
	info, err := os.Stat(localPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() || info.Size() != e.Size {
		return false, nil
	}
	if e.MD5 == "" {
		return true, nil
	}
	sum, err := fileMD5(localPath)
	if err != nil {
		return false, err
	}
	return sum == e.MD5, nil
}

func fileMD5(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CopyFile downloads one file entry into dir through throttle. The file is
// written to a temp name and renamed into place once its checksum is
// verified. progress, when set, receives the byte count of every chunk.
func CopyFile(ctx context.Context, t Transport, throttle *Throttle, productID string, e Entry, dir string, progress func(n int64)) (int64, error) {
	if err := checkNoLinks(dir, e); err != nil {
		return 0, err
	}
	dst := LocalPath(dir, e)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", e.Path, err)
	}

	src, err := t.Open(ctx, productID, e.Path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := md5.New()
	w := io.MultiWriter(tmp, h, progressWriter(progress))
	n, err := io.Copy(w, throttle.Reader(ctx, src))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", e.Path, err)
	}
	if n != e.Size {
		return n, fmt.Errorf("copy %s: got %d bytes, want %d", e.Path, n, e.Size)
	}
	if e.MD5 != "" && hex.EncodeToString(h.Sum(nil)) != e.MD5 {
		return n, fmt.Errorf("copy %s: %w", e.Path, ErrChecksumMismatch)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return n, fmt.Errorf("install %s: %w", e.Path, err)
	}
	return n, nil
}

type progressWriter func(n int64)

func (p progressWriter) Write(b []byte) (int, error) {
	if p != nil {
		p(int64(len(b)))
	}
	return len(b), nil
}

// MakeEntry creates directories and links of the manifest that are not files
func MakeEntry(dir string, e Entry) error {
	if err := checkNoLinks(dir, e); err != nil {
		return err
	}
	dst := LocalPath(dir, e)
	switch e.Type {
	case EntryDir:
		return os.MkdirAll(dst, 0755)
	case EntryLink:
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if cur, err := os.Readlink(dst); err == nil && cur == e.Target {
			return nil
		}
		os.Remove(dst)
		return os.Symlink(e.Target, dst)
	}
	return nil
}
