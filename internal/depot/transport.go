package depot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Transport reads product content from a depot
type Transport interface {
	Manifest(ctx context.Context, productID string) (*Manifest, error)
	Open(ctx context.Context, productID, relPath string) (io.ReadCloser, error)
}

// FileTransport reads from a mounted depot share
type FileTransport struct {
	Root string
}

func (t *FileTransport) Manifest(ctx context.Context, productID string) (*Manifest, error) {
	rc, err := t.Open(ctx, productID, ManifestName(productID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseManifest(productID, rc)
}

func (t *FileTransport) Open(ctx context.Context, productID, relPath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(t.Root, productID, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", productID, relPath, err)
	}
	return f, nil
}

// HTTPTransport reads from the depot's WebDAV/HTTP share
type HTTPTransport struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client
}

// NewHTTPTransport creates a transport for depotURL. webdav and webdavs
// schemes are mapped to http and https.
func NewHTTPTransport(depotURL, username, password string, timeout time.Duration) (*HTTPTransport, error) {
	u, err := url.Parse(depotURL)
	if err != nil {
		return nil, fmt.Errorf("parse depot url: %w", err)
	}
	switch u.Scheme {
	case "webdav":
		u.Scheme = "http"
	case "webdavs":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported depot url scheme %q", u.Scheme)
	}
	// Only the header phase is bounded; file bodies can take arbitrarily long.
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = timeout
	return &HTTPTransport{
		BaseURL:  strings.TrimRight(u.String(), "/"),
		Username: username,
		Password: password,
		HTTP:     &http.Client{Transport: tr},
	}, nil
}

func (t *HTTPTransport) Manifest(ctx context.Context, productID string) (*Manifest, error) {
	rc, err := t.Open(ctx, productID, ManifestName(productID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseManifest(productID, rc)
}

func (t *HTTPTransport) Open(ctx context.Context, productID, relPath string) (io.ReadCloser, error) {
	u := t.BaseURL + "/" + url.PathEscape(productID) + "/" + escapePath(relPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", productID, relPath, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s/%s: HTTP %d", productID, relPath, resp.StatusCode)
	}
	return resp.Body, nil
}

func escapePath(p string) string {
	parts := strings.Split(path.Clean(p), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// NewTransport picks a FileTransport when a mounted share is configured,
// the HTTP transport otherwise
func NewTransport(depotPath, depotURL, username, password string, timeout time.Duration) (Transport, error) {
	if depotPath != "" {
		return &FileTransport{Root: depotPath}, nil
	}
	if depotURL == "" {
		return nil, fmt.Errorf("depot has neither a mounted path nor a remote url")
	}
	return NewHTTPTransport(depotURL, username, password, timeout)
}
