// Package memory is an in-process storage.Backend used by tests, the
// simulate command and single-process deployments that accept losing records
// on exit.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/stride/internal/storage"
	"pkt.systems/stride/internal/uuidv7"
)

type object struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

type namespace struct {
	objects map[string]*object
	keys    []string
}

// Store keeps objects in maps keyed by namespace.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace

	subMu sync.Mutex
	subs  map[string]map[*subscription]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		namespaces: make(map[string]*namespace),
		subs:       make(map[string]map[*subscription]struct{}),
	}
}

// Close drops all subscriptions. Stored objects stay readable.
func (s *Store) Close() error {
	s.subMu.Lock()
	subs := s.subs
	s.subs = make(map[string]map[*subscription]struct{})
	s.subMu.Unlock()
	for _, set := range subs {
		for sub := range set {
			sub.close()
		}
	}
	return nil
}

func (s *Store) ns(name string, create bool) *namespace {
	n := s.namespaces[name]
	if n == nil && create {
		n = &namespace{objects: make(map[string]*object)}
		s.namespaces[name] = n
	}
	return n
}

// GetObject returns a copy of the stored payload.
func (s *Store) GetObject(_ context.Context, ns, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.ns(ns, false)
	if n == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	obj, ok := n.objects[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(obj.payload)),
		Info:   info(key, obj),
	}, nil
}

// PutObject writes key honouring opts.ExpectedETag and opts.IfNotExists.
func (s *Store) PutObject(_ context.Context, ns, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if key == "" {
		return nil, fmt.Errorf("memory: empty key")
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	n := s.ns(ns, true)
	current, exists := n.objects[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if current.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	obj := &object{
		payload:     payload,
		etag:        uuidv7.NewString(),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	n.objects[key] = obj
	if !exists {
		idx := sort.SearchStrings(n.keys, key)
		n.keys = append(n.keys, "")
		copy(n.keys[idx+1:], n.keys[idx:])
		n.keys[idx] = key
	}
	out := info(key, obj)
	s.mu.Unlock()
	s.notify(ns)
	return out, nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(_ context.Context, ns, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	n := s.ns(ns, false)
	var obj *object
	if n != nil {
		obj = n.objects[key]
	}
	if obj == nil {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && obj.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(n.objects, key)
	if idx := sort.SearchStrings(n.keys, key); idx < len(n.keys) && n.keys[idx] == key {
		n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	}
	s.mu.Unlock()
	s.notify(ns)
	return nil
}

// ListObjects pages keys in lexical order.
func (s *Store) ListObjects(_ context.Context, ns string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := &storage.ListResult{}
	n := s.ns(ns, false)
	if n == nil {
		return res, nil
	}
	start := 0
	if opts.StartAfter != "" {
		start = sort.Search(len(n.keys), func(i int) bool { return n.keys[i] > opts.StartAfter })
	}
	for i := start; i < len(n.keys); i++ {
		key := n.keys[i]
		if !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.Limit > 0 && len(res.Objects) == opts.Limit {
			res.Truncated = true
			res.NextStartAfter = res.Objects[len(res.Objects)-1].Key
			break
		}
		res.Objects = append(res.Objects, *info(key, n.objects[key]))
	}
	return res, nil
}

// Subscribe signals on every write or delete in namespace.
func (s *Store) Subscribe(ns string) (storage.Subscription, error) {
	sub := &subscription{store: s, ns: ns, events: make(chan struct{}, 1)}
	s.subMu.Lock()
	set := s.subs[ns]
	if set == nil {
		set = make(map[*subscription]struct{})
		s.subs[ns] = set
	}
	set[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

func (s *Store) notify(ns string) {
	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs[ns]))
	for sub := range s.subs[ns] {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func info(key string, obj *object) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         obj.etag,
		Size:         int64(len(obj.payload)),
		LastModified: obj.updated,
		ContentType:  obj.contentType,
	}
}

type subscription struct {
	store  *Store
	ns     string
	mu     sync.Mutex
	closed bool
	events chan struct{}
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	s.store.subMu.Lock()
	delete(s.store.subs[s.ns], s)
	s.store.subMu.Unlock()
	s.close()
	return nil
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
