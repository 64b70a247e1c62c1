// Package disk stores objects as files below a root directory. Each object
// has a JSON sidecar holding its ETag and content type; writes go through a
// temp file and rename so readers never see partial payloads.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/storage"
)

const infoSuffix = ".info.json"

// Config configures the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	objectDir string
	tmpDir    string
	lockDir   string
	now       func() time.Time
	locks     sync.Map
}

type objectInfo struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New prepares the directory layout below cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare %s: %w", dir, err)
		}
	}
	return s, nil
}

// Close is a no-op; open subscriptions are closed by their owners.
func (s *Store) Close() error { return nil }

func logger(ctx context.Context) pslog.Logger {
	l := pslog.LoggerFromContext(ctx)
	if l == nil {
		l = pslog.NoopLogger()
	}
	return l.With("storage_backend", "disk")
}

func segment(kind, v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("disk: %s required", kind)
	}
	encoded := url.PathEscape(v)
	if encoded == "." || strings.Contains(encoded, "..") {
		return "", fmt.Errorf("disk: invalid %s %q", kind, v)
	}
	return encoded, nil
}

func (s *Store) paths(ns, key string) (data, info string, err error) {
	nsSeg, err := segment("namespace", ns)
	if err != nil {
		return "", "", err
	}
	keySeg, err := segment("key", key)
	if err != nil {
		return "", "", err
	}
	data = filepath.Join(s.objectDir, nsSeg, keySeg)
	return data, data + infoSuffix, nil
}

// lock serializes conditional writes to one key across goroutines and, on
// unix, across processes sharing the root.
func (s *Store) lock(ns, key string) (func(), error) {
	name := url.PathEscape(ns) + "~" + url.PathEscape(key)
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	f, err := os.OpenFile(filepath.Join(s.lockDir, name+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.(*sync.Mutex).Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.(*sync.Mutex).Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return func() {
		_ = unlockFile(f)
		f.Close()
		mu.(*sync.Mutex).Unlock()
	}, nil
}

func (s *Store) loadInfo(ns, key string) (*storage.ObjectInfo, error) {
	dataPath, infoPath, err := s.paths(ns, key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat %s/%s: %w", ns, key, err)
	}
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, fmt.Errorf("disk: read object info %s/%s: %w", ns, key, err)
	}
	var rec objectInfo
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object info %s/%s: %w", ns, key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

// GetObject opens the object file.
func (s *Store) GetObject(ctx context.Context, ns, key string) (storage.GetObjectResult, error) {
	dataPath, _, err := s.paths(ns, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger(ctx).Debug("disk.get_object.open_error", "namespace", ns, "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open %s/%s: %w", ns, key, err)
	}
	info, err := s.loadInfo(ns, key)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes the payload; the ETag is the sha256 of the payload plus
// the write time so identical rewrites still change it.
func (s *Store) PutObject(ctx context.Context, ns, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	dataPath, infoPath, err := s.paths(ns, key)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ns, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.loadInfo(ns, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	switch {
	case opts.ExpectedETag != "":
		if current == nil {
			return nil, storage.ErrNotFound
		}
		if current.ETag != opts.ExpectedETag {
			logger(ctx).Debug("disk.put_object.cas_mismatch", "namespace", ns, "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && current != nil:
		return nil, storage.ErrCASMismatch
	}

	now := s.now().UTC()
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%d:", now.UnixNano())
	tmpName, written, err := s.writeTemp("object-*", io.TeeReader(body, hasher))
	if err != nil {
		return nil, fmt.Errorf("disk: write %s/%s: %w", ns, key, err)
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("disk: prepare namespace %s: %w", ns, err)
	}
	etag := hex.EncodeToString(hasher.Sum(nil))
	rec, _ := json.Marshal(objectInfo{ETag: etag, ContentType: opts.ContentType, UpdatedAtUnix: now.Unix()})
	infoTmp, _, err := s.writeTemp("info-*", strings.NewReader(string(rec)))
	if err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("disk: write info %s/%s: %w", ns, key, err)
	}
	if err := os.Rename(tmpName, dataPath); err != nil {
		os.Remove(tmpName)
		os.Remove(infoTmp)
		return nil, fmt.Errorf("disk: rename %s/%s: %w", ns, key, err)
	}
	if err := os.Rename(infoTmp, infoPath); err != nil {
		os.Remove(infoTmp)
		return nil, fmt.Errorf("disk: rename info %s/%s: %w", ns, key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	logger(ctx).Trace("disk.put_object.success", "namespace", ns, "key", key, "etag", etag, "size", written)
	return &storage.ObjectInfo{Key: key, ETag: etag, Size: written, LastModified: now, ContentType: opts.ContentType}, nil
}

func (s *Store) writeTemp(pattern string, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.tmpDir, pattern)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return tmp.Name(), n, nil
}

// DeleteObject removes the payload and its sidecar.
func (s *Store) DeleteObject(ctx context.Context, ns, key string, opts storage.DeleteObjectOptions) error {
	dataPath, infoPath, err := s.paths(ns, key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ns, key)
	if err != nil {
		return err
	}
	defer unlock()
	current, err := s.loadInfo(ns, key)
	if errors.Is(err, storage.ErrNotFound) {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger(ctx).Debug("disk.delete_object.remove_error", "namespace", ns, "key", key, "error", err)
		return fmt.Errorf("disk: remove %s/%s: %w", ns, key, err)
	}
	if err := os.Remove(infoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove info %s/%s: %w", ns, key, err)
	}
	return nil
}

// ListObjects reads the namespace directory and pages keys lexically.
func (s *Store) ListObjects(ctx context.Context, ns string, opts storage.ListOptions) (*storage.ListResult, error) {
	nsSeg, err := segment("namespace", ns)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.objectDir, nsSeg))
	if errors.Is(err, os.ErrNotExist) {
		return &storage.ListResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("disk: list %s: %w", ns, err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, infoSuffix) {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(key, opts.Prefix) || (opts.StartAfter != "" && key <= opts.StartAfter) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	res := &storage.ListResult{}
	for i, key := range keys {
		if opts.Limit > 0 && i == opts.Limit {
			res.Truncated = true
			res.NextStartAfter = keys[i-1]
			break
		}
		info, err := s.loadInfo(ns, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			logger(ctx).Debug("disk.list_objects.load_error", "namespace", ns, "key", key, "error", err)
			return nil, err
		}
		res.Objects = append(res.Objects, *info)
	}
	return res, nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
