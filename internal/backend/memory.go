package backend

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for local development and tests.
type MemoryStore struct {
	name string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data         []byte
	etag         string
	contentType  string
	lastModified time.Time
	metadata     map[string]string
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:    name,
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryStore) Name() string { return m.name }

func (m *MemoryStore) HeadBucket(ctx context.Context) error { return nil }

func (m *MemoryStore) HeadObject(ctx context.Context, key string) (Object, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return Object{}, m.notFound("HeadObject", key)
	}
	return m.objectInfo(key, obj), nil
}

func (m *MemoryStore) GetObject(ctx context.Context, key, byteRange string) (*Reader, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, m.notFound("GetObject", key)
	}

	data := obj.data
	contentRange := ""
	if byteRange != "" {
		start, end, err := parseByteRange(byteRange, int64(len(data)))
		if err != nil {
			return nil, &Error{Kind: KindPermanent, Backend: m.name, Op: "GetObject", Key: key, Err: err}
		}
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))
		data = data[start : end+1]
	}

	return &Reader{
		Object: Object{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         obj.etag,
			ContentType:  obj.contentType,
			LastModified: obj.lastModified,
			Metadata:     obj.metadata,
		},
		ContentRange: contentRange,
		Body:         io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (m *MemoryStore) PutObject(ctx context.Context, key string, in PutInput) (string, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return "", &Error{Kind: KindTransient, Backend: m.name, Op: "PutObject", Key: key, Err: err}
	}
	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	m.mu.Lock()
	m.objects[key] = memoryObject{
		data:         data,
		etag:         etag,
		contentType:  in.ContentType,
		lastModified: time.Now().UTC(),
		metadata:     in.Metadata,
	}
	m.mu.Unlock()
	return etag, nil
}

func (m *MemoryStore) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListObjects(ctx context.Context, opts ListOptions) (ListPage, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	page := ListPage{}
	seenPrefixes := map[string]bool{}
	count := 0
	for _, key := range keys {
		if opts.ContinuationToken != "" && key <= opts.ContinuationToken {
			continue
		}
		if count >= maxKeys {
			page.IsTruncated = true
			break
		}
		if opts.Delimiter != "" {
			rest := strings.TrimPrefix(key, opts.Prefix)
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				cp := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					page.CommonPrefixes = append(page.CommonPrefixes, cp)
					count++
					page.NextContinuationToken = key
				}
				continue
			}
		}
		m.mu.RLock()
		obj := m.objects[key]
		m.mu.RUnlock()
		page.Objects = append(page.Objects, m.objectInfo(key, obj))
		page.NextContinuationToken = key
		count++
	}
	if !page.IsTruncated {
		page.NextContinuationToken = ""
	}
	return page, nil
}

func (m *MemoryStore) objectInfo(key string, obj memoryObject) Object {
	return Object{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		ContentType:  obj.contentType,
		LastModified: obj.lastModified,
		Metadata:     obj.metadata,
	}
}

func (m *MemoryStore) notFound(op, key string) *Error {
	return &Error{Kind: KindNotFound, Backend: m.name, Op: op, Key: key, Err: errors.New("no such key")}
}

// parseByteRange resolves an HTTP Range header value against an object of
// the given size, returning inclusive start and end offsets.
func parseByteRange(value string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("unsupported range %q", value)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", value)
	}
	if first == "" {
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed range %q", value)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", value)
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("malformed range %q", value)
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, nil
}
