package memory

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/sirupsen/logrus"
)

type object struct {
	data        []byte
	contentType string
	storedAt    time.Time
}

// ObjectStore keeps uploaded objects in memory.
type ObjectStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]object
}

// NewObjectStore creates an in-memory object store whose public URLs are
// rooted at baseURL.
func NewObjectStore(baseURL string) *ObjectStore {
	return &ObjectStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]object),
	}
}

func objectKey(bucket, path string) string {
	return bucket + "/" + strings.TrimLeft(path, "/")
}

func (s *ObjectStore) Upload(ctx context.Context, bucket, path string, data []byte, opts core.UploadOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := objectKey(bucket, path)
	if _, exists := s.objects[key]; exists && !opts.Upsert {
		return "", fmt.Errorf("upload %s: %w", key, core.ErrObjectExists)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = object{data: buf, contentType: opts.ContentType, storedAt: time.Now()}

	logrus.WithFields(logrus.Fields{"bucket": bucket, "path": path, "size": len(data)}).Debug("Object stored in memory")
	return path, nil
}

func (s *ObjectStore) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, objectKey(bucket, path))
}

// Remove deletes the given paths. Missing paths are ignored.
func (s *ObjectStore) Remove(ctx context.Context, bucket string, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		delete(s.objects, objectKey(bucket, p))
	}
	return nil
}

// Object returns a stored object's bytes and content type.
func (s *ObjectStore) Object(bucket, path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[objectKey(bucket, path)]
	return o.data, o.contentType, ok
}

// Len returns the number of stored objects.
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// ServeHTTP serves an object by its "bucket/path" key, which is what is
// left of a PublicURL once the base URL is stripped.
func (s *ObjectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimLeft(path.Clean("/"+r.URL.Path), "/")
	s.mu.RLock()
	o, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if o.contentType != "" {
		w.Header().Set("Content-Type", o.contentType)
	}
	http.ServeContent(w, r, path.Base(key), o.storedAt, bytes.NewReader(o.data))
}
