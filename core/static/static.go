// Package static serves files from disk as owned response bodies.
package static

import (
	"container/list"
	"errors"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/searchktools/loom/core/http"
	"github.com/searchktools/loom/core/pools"
)

// FileCache caches open files using LRU, so repeated requests skip open(2).
type FileCache struct {
	mu       sync.Mutex
	cache    map[string]*cacheEntry
	lruList  *list.List
	maxFiles int
}

type cacheEntry struct {
	file    *os.File
	element *list.Element
}

// NewFileCache creates a new file cache
func NewFileCache(maxFiles int) *FileCache {
	if maxFiles <= 0 {
		maxFiles = 1
	}
	return &FileCache{
		cache:    make(map[string]*cacheEntry),
		lruList:  list.New(),
		maxFiles: maxFiles,
	}
}

// Get gets a file from cache or opens it
func (fc *FileCache) Get(path string) (*os.File, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if entry, ok := fc.cache[path]; ok {
		fc.lruList.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	element := fc.lruList.PushFront(path)
	fc.cache[path] = &cacheEntry{
		file:    file,
		element: element,
	}

	// Evict oldest if over limit
	if fc.lruList.Len() > fc.maxFiles {
		if oldest := fc.lruList.Back(); oldest != nil {
			fc.evict(oldest.Value.(string))
		}
	}

	return file, nil
}

// Forget closes and drops path, e.g. after the file vanished.
func (fc *FileCache) Forget(path string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.evict(path)
}

func (fc *FileCache) evict(path string) {
	entry, ok := fc.cache[path]
	if !ok {
		return
	}
	entry.file.Close()
	fc.lruList.Remove(entry.element)
	delete(fc.cache, path)
}

// Len returns the number of open files.
func (fc *FileCache) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lruList.Len()
}

// Close closes all cached files
func (fc *FileCache) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for _, entry := range fc.cache {
		entry.file.Close()
	}
	fc.cache = make(map[string]*cacheEntry)
	fc.lruList.Init()
}

// Server answers requests with file contents read into pooled buffers.
type Server struct {
	cache   *FileCache
	pool    *pools.BytePool
	maxBody int64
}

// NewServer creates a file server backed by cache and pool. Files larger than
// maxBody are answered with 413 without being read.
func NewServer(cache *FileCache, pool *pools.BytePool, maxBody int) *Server {
	return &Server{cache: cache, pool: pool, maxBody: int64(maxBody)}
}

// File returns a handler that always serves path with content type ct.
// A missing or empty file is answered with 404, one over the body limit with
// 413, a read failure with 500.
func (s *Server) File(path string, ct http.ContentType) http.HandlerFunc {
	return func(req *http.Request, resp *http.Response) error {
		s.serve(path, resp)
		if resp.StatusCode == http.StatusOK {
			resp.ContentType = ct
		}
		return nil
	}
}

// Dir returns a handler serving files below root. It must be registered on a
// pattern ending in *name; the catch-all parameter is the relative path.
func (s *Server) Dir(root, name string) http.HandlerFunc {
	return func(req *http.Request, resp *http.Response) error {
		rel := req.Param(name)
		if rel == "" || !fs.ValidPath(rel) {
			resp.MakeError(http.StatusNotFound)
			return nil
		}
		path := filepath.Join(root, filepath.FromSlash(rel))
		s.serve(path, resp)
		if resp.StatusCode == http.StatusOK {
			setContentType(resp, path)
		}
		return nil
	}
}

func (s *Server) serve(path string, resp *http.Response) {
	f, err := s.cache.Get(path)
	if err != nil {
		resp.MakeError(http.StatusNotFound)
		return
	}

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		if err != nil {
			s.cache.Forget(path)
		}
		resp.MakeError(http.StatusNotFound)
		return
	}
	if info.Size() > s.maxBody {
		resp.MakeError(http.StatusPayloadTooLarge)
		return
	}

	size := int(info.Size())
	buf := s.pool.Get(size)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == size) {
		s.pool.Put(buf)
		s.cache.Forget(path)
		resp.MakeError(http.StatusInternalServerError)
		return
	}

	resp.StatusCode = http.StatusOK
	resp.Body = buf[:n]
	resp.BodyOwnership = http.Owned
}

// Types outside the response enum go out as an explicit header line.
func setContentType(resp *http.Response, path string) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".html", ".htm":
		resp.ContentType = http.ContentTextHTML
	case ".txt":
		resp.ContentType = http.ContentTextPlain
	case ".json":
		resp.ContentType = http.ContentJSON
	default:
		resp.ContentType = http.ContentNone
		resp.SetHeader(http.HeaderContentType, mimeType(ext))
	}
}

func mimeType(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
