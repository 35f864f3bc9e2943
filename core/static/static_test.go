package static

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/searchktools/loom/core/http"
	"github.com/searchktools/loom/core/pools"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileCacheLRU(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a", "1")
	b := writeFile(t, dir, "b", "2")
	c := writeFile(t, dir, "c", "3")

	fc := NewFileCache(2)
	defer fc.Close()

	fa, _ := fc.Get(a)
	fc.Get(b)
	if again, _ := fc.Get(a); again != fa {
		t.Error("cached file not reused")
	}
	fc.Get(c) // evicts b, the least recently used

	if fc.Len() != 2 {
		t.Errorf("Len = %d, want 2", fc.Len())
	}
	if _, ok := fc.cache[b]; ok {
		t.Error("b should have been evicted")
	}
	if _, ok := fc.cache[a]; !ok {
		t.Error("a was used recently and should stay")
	}
}

const testMaxBody = 64

func newServer(t *testing.T) *Server {
	fc := NewFileCache(8)
	t.Cleanup(fc.Close)
	return NewServer(fc, pools.NewBytePool(), testMaxBody)
}

func TestServerFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "index.html", "<h1>hi</h1>")
	empty := writeFile(t, dir, "empty.html", "")
	limit := writeFile(t, dir, "limit.html", strings.Repeat("a", testMaxBody))
	s := newServer(t)

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{path, http.StatusOK, "<h1>hi</h1>"},
		{limit, http.StatusOK, strings.Repeat("a", testMaxBody)},
		{empty, http.StatusNotFound, "Not Found"},
		{filepath.Join(dir, "missing"), http.StatusNotFound, "Not Found"},
		{dir, http.StatusNotFound, "Not Found"},
	}

	for _, tt := range tests {
		var resp http.Response
		if err := s.File(tt.path, http.ContentTextHTML)(nil, &resp); err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		if resp.StatusCode != tt.status || string(resp.Body) != tt.body {
			t.Errorf("%s: %d %q, want %d %q", tt.path, resp.StatusCode, resp.Body, tt.status, tt.body)
		}
		if tt.status == http.StatusOK && (resp.BodyOwnership != http.Owned || resp.ContentType != http.ContentTextHTML) {
			t.Errorf("%s: ownership=%v type=%v", tt.path, resp.BodyOwnership, resp.ContentType)
		}
	}
}

func TestServerFileTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.bin", strings.Repeat("x", testMaxBody+1))

	pool := pools.NewBytePool()
	fc := NewFileCache(8)
	defer fc.Close()
	s := NewServer(fc, pool, testMaxBody)

	var resp http.Response
	if err := s.File(path, http.ContentNone)(nil, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusPayloadTooLarge || !resp.ConnectionClose {
		t.Fatalf("status = %d close=%v, want 413 and close", resp.StatusCode, resp.ConnectionClose)
	}
	if resp.BodyOwnership == http.Owned || string(resp.Body) != http.StatusText(http.StatusPayloadTooLarge) {
		t.Errorf("file contents served: %d bytes, ownership=%v", len(resp.Body), resp.BodyOwnership)
	}
	if gets, _ := pool.Stats(); gets != 0 {
		t.Errorf("pool gets = %d, want no buffer for an oversized file", gets)
	}
}

func TestServerDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "css/site.css", "body{}")
	writeFile(t, dir, "notes.txt", "plain")
	writeFile(t, dir, "logo.png", "\x89PNG")
	writeFile(t, dir, "blob.loomdata", "data")
	s := newServer(t)
	h := s.Dir(dir, "path")

	tests := []struct {
		rel    string
		status int
		ct     http.ContentType
		header string
	}{
		{"notes.txt", http.StatusOK, http.ContentTextPlain, ""},
		{"logo.png", http.StatusOK, http.ContentNone, "image/png"},
		{"blob.loomdata", http.StatusOK, http.ContentNone, "application/octet-stream"},
		{"css/site.css", http.StatusOK, http.ContentNone, "text/css; charset=utf-8"},
		{"../etc/passwd", http.StatusNotFound, http.ContentTextPlain, ""},
		{"", http.StatusNotFound, http.ContentTextPlain, ""},
	}

	for _, tt := range tests {
		req := http.NewRequest(4)
		req.SetParam("path", tt.rel)
		var resp http.Response
		h(req, &resp)
		if resp.StatusCode != tt.status || resp.ContentType != tt.ct {
			t.Errorf("%q: status=%d type=%v", tt.rel, resp.StatusCode, resp.ContentType)
		}
		if tt.header != "" {
			if len(resp.Headers) != 1 || string(resp.Headers[0].Value) != tt.header {
				t.Errorf("%q: headers = %+v", tt.rel, resp.Headers)
			}
		}
	}
}
