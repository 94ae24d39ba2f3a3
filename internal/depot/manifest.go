package depot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// ManifestSuffix is appended to the product id to name the content listing
const ManifestSuffix = ".files"

// ManifestName returns the file name of a product's content listing
func ManifestName(productID string) string {
	return productID + ManifestSuffix
}

// EntryType is the kind of a manifest entry
type EntryType byte

const (
	EntryDir  EntryType = 'd'
	EntryFile EntryType = 'f'
	EntryLink EntryType = 'l'
)

// Entry is one line of a product manifest. Paths are relative to the
// product directory and always use forward slashes.
type Entry struct {
	Type   EntryType
	Path   string
	Size   int64
	MD5    string
	Target string
}

// Manifest lists the content of one product on the depot
type Manifest struct {
	ProductID string
	Entries   []Entry
}

// TotalSize is the sum of all file sizes
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.Entries {
		if e.Type == EntryFile {
			total += e.Size
		}
	}
	return total
}

// Files returns the file entries in manifest order
func (m *Manifest) Files() []Entry {
	var files []Entry
	for _, e := range m.Entries {
		if e.Type == EntryFile {
			files = append(files, e)
		}
	}
	return files
}

// ErrBadPath is returned for manifest paths and link targets that leave
// the product directory
var ErrBadPath = errors.New("path escapes product directory")

// ParseManifest reads the line format:
//
//	d '<path>' 0
//	f '<path>' <size> <md5>
//	l '<path>' 0 '<target>'
func ParseManifest(productID string, r io.Reader) (*Manifest, error) {
	m := &Manifest{ProductID: productID}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("manifest %s line %d: %w", productID, lineNo, err)
		}
		m.Entries = append(m.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", productID, err)
	}
	if err := checkBelowLinks(m.Entries); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", productID, err)
	}
	return m, nil
}

// checkBelowLinks rejects entries placed below a link entry
func checkBelowLinks(entries []Entry) error {
	links := make(map[string]bool)
	for _, e := range entries {
		if e.Type == EntryLink {
			links[e.Path] = true
		}
	}
	if len(links) == 0 {
		return nil
	}
	for _, e := range entries {
		for dir := path.Dir(e.Path); dir != "."; dir = path.Dir(dir) {
			if links[dir] {
				return fmt.Errorf("%q lies below link %q: %w", e.Path, dir, ErrBadPath)
			}
		}
	}
	return nil
}

func parseEntry(line string) (Entry, error) {
	if len(line) < 5 || line[1] != ' ' {
		return Entry{}, fmt.Errorf("malformed entry %q", line)
	}
	e := Entry{Type: EntryType(line[0])}

	p, rest, err := quoted(line[2:])
	if err != nil {
		return Entry{}, err
	}
	if e.Path, err = cleanPath(p); err != nil {
		return Entry{}, err
	}
	fields := strings.Fields(rest)

	switch e.Type {
	case EntryDir:
		return e, nil
	case EntryFile:
		if len(fields) < 2 {
			return Entry{}, fmt.Errorf("file entry %q: missing size or checksum", e.Path)
		}
		if e.Size, err = strconv.ParseInt(fields[0], 10, 64); err != nil || e.Size < 0 {
			return Entry{}, fmt.Errorf("file entry %q: bad size %q", e.Path, fields[0])
		}
		e.MD5 = strings.ToLower(fields[1])
		return e, nil
	case EntryLink:
		idx := strings.IndexByte(rest, '\'')
		if idx < 0 {
			return Entry{}, fmt.Errorf("link entry %q: missing target", e.Path)
		}
		if e.Target, _, err = quoted(rest[idx:]); err != nil {
			return Entry{}, err
		}
		if err := checkLinkTarget(e.Path, e.Target); err != nil {
			return Entry{}, err
		}
		return e, nil
	}
	return Entry{}, fmt.Errorf("unknown entry type %q", string(line[0]))
}

// quoted splits a leading '...' token from the rest of s
func quoted(s string) (string, string, error) {
	if !strings.HasPrefix(s, "'") {
		return "", "", fmt.Errorf("expected quoted path in %q", s)
	}
	end := strings.Index(s[1:], "' ")
	if end < 0 {
		if strings.HasSuffix(s, "'") && len(s) > 1 {
			return s[1 : len(s)-1], "", nil
		}
		return "", "", fmt.Errorf("unterminated quote in %q", s)
	}
	return s[1 : end+1], s[end+2:], nil
}

func cleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	clean := path.Clean(p)
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%q: %w", p, ErrBadPath)
	}
	return clean, nil
}

// checkLinkTarget accepts relative targets that resolve inside the
// product directory
func checkLinkTarget(linkPath, target string) error {
	t := strings.ReplaceAll(target, "\\", "/")
	if t == "" || path.IsAbs(t) || (len(t) > 1 && t[1] == ':') {
		return fmt.Errorf("link %q target %q: %w", linkPath, target, ErrBadPath)
	}
	if _, err := cleanPath(path.Join(path.Dir(linkPath), t)); err != nil {
		return fmt.Errorf("link %q target %q: %w", linkPath, target, ErrBadPath)
	}
	return nil
}

// WriteTo writes the manifest in its line format
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var written int64
	for _, e := range m.Entries {
		var line string
		switch e.Type {
		case EntryDir:
			line = fmt.Sprintf("d '%s' 0\n", e.Path)
		case EntryFile:
			line = fmt.Sprintf("f '%s' %d %s\n", e.Path, e.Size, e.MD5)
		case EntryLink:
			line = fmt.Sprintf("l '%s' 0 '%s'\n", e.Path, e.Target)
		default:
			continue
		}
		n, err := bw.WriteString(line)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}
