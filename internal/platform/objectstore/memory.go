package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and local development.
type MemoryStore struct {
	bucket string

	mu      sync.Mutex
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	updated     time.Time
}

func NewMemoryStore(bucket string) *MemoryStore {
	if strings.TrimSpace(bucket) == "" {
		bucket = "local"
	}
	return &MemoryStore{bucket: bucket, objects: map[string]memObject{}}
}

func (m *MemoryStore) Bucket() string { return m.bucket }

func (m *MemoryStore) Upload(ctx context.Context, key, contentType string, body io.Reader, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, contentType: contentType, metadata: md, updated: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (m *MemoryStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[srcKey]
	if !ok {
		return fmt.Errorf("%s: %w", srcKey, ErrNotFound)
	}
	obj.updated = time.Now().UTC()
	m.objects[dstKey] = obj
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ObjectInfo{}
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(obj.data)), ContentType: obj.contentType, Updated: obj.updated})
		}
	}
	return out, nil
}

func (m *MemoryStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?expires=%d", m.bucket, url.PathEscape(key), int64(ttl.Seconds())), nil
}

// Metadata returns the metadata stored with key.
func (m *MemoryStore) Metadata(key string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return obj.metadata, true
}
