package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/storage"
)

var (
	// ErrDuplicate is returned by Create when the txn_id already exists.
	ErrDuplicate = errors.New("record: duplicate txn_id")
	// ErrNotFound is returned when no record exists for a txn_id.
	ErrNotFound = errors.New("record: not found")
	// ErrUnchanged may be returned from a Transition mutator to skip the write.
	ErrUnchanged = errors.New("record: unchanged")
)

const defaultCASRetries = 16

// Observer is called after every durable status change.
type Observer func(ctx context.Context, rec *Record)

// Store reads and writes records over a storage backend.
type Store struct {
	backend    storage.Backend
	crypto     *storage.Crypto
	clock      clock.Clock
	logger     pslog.Logger
	casRetries int
	observers  []Observer
}

// Option customises a Store.
type Option func(*Store)

// WithCrypto encrypts record payloads at rest.
func WithCrypto(c *storage.Crypto) Option {
	return func(s *Store) { s.crypto = c }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.Or(c) }
}

// WithLogger sets the store logger.
func WithLogger(l pslog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers fn for status changes.
func WithObserver(fn Observer) Option {
	return func(s *Store) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// New returns a Store over backend.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		clock:      clock.Real{},
		logger:     pslog.NoopLogger(),
		casRetries: defaultCASRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend exposes the underlying object store.
func (s *Store) Backend() storage.Backend { return s.backend }

// Create persists a new record. The first history entry is written from
// rec.Status.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec == nil || rec.TxnID == "" {
		return fmt.Errorf("record: txn_id required")
	}
	if !rec.Role.Valid() {
		return fmt.Errorf("record: invalid role %q", rec.Role)
	}
	if rec.Status == "" {
		return fmt.Errorf("record: initial status required")
	}
	now := s.clock.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.History = []HistoryEntry{{Status: rec.Status, At: now, Note: rec.Reason}}
	payload, err := s.encode(rec)
	if err != nil {
		return err
	}
	_, err = s.backend.PutObject(ctx, string(rec.Role), rec.TxnID, bytes.NewReader(payload), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: s.crypto.ContentType(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return ErrDuplicate
		}
		return fmt.Errorf("record: create %s: %w", rec.TxnID, err)
	}
	s.logger.Debug("record.create", "role", rec.Role, "txn_id", rec.TxnID, "status", rec.Status)
	s.notify(ctx, rec)
	return nil
}

// Get loads one record.
func (s *Store) Get(ctx context.Context, role Role, txnID string) (*Record, error) {
	rec, _, err := s.load(ctx, role, txnID)
	return rec, err
}

// Transition applies fn to the current record and writes it back with a CAS
// on the object's ETag, retrying when another write got there first. A
// status change is appended to the history with rec.Reason as the note.
func (s *Store) Transition(ctx context.Context, role Role, txnID string, fn func(*Record) error) (*Record, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		current, etag, err := s.load(ctx, role, txnID)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return current, nil
			}
			return nil, err
		}
		now := s.clock.Now()
		next.TxnID, next.Role, next.CreatedAt = current.TxnID, current.Role, current.CreatedAt
		next.UpdatedAt = now
		changed := next.Status != current.Status
		if changed {
			next.History = append(next.History, HistoryEntry{Status: next.Status, At: now, Note: next.Reason})
		}
		payload, err := s.encode(next)
		if err != nil {
			return nil, err
		}
		_, err = s.backend.PutObject(ctx, string(role), txnID, bytes.NewReader(payload), storage.PutObjectOptions{
			ExpectedETag: etag,
			ContentType:  s.crypto.ContentType(),
		})
		if errors.Is(err, storage.ErrCASMismatch) {
			s.logger.Debug("record.transition.cas_retry", "role", role, "txn_id", txnID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("record: write %s: %w", txnID, err)
		}
		if changed {
			s.logger.Info("record.transition", "role", role, "txn_id", txnID, "from", current.Status, "to", next.Status, "note", next.Reason)
			s.notify(ctx, next)
		}
		return next, nil
	}
	return nil, fmt.Errorf("record: transition %s: too many concurrent updates", txnID)
}

// Filter selects records for List.
type Filter struct {
	// ActiveOnly skips terminal records.
	ActiveOnly bool
	Status     Status
	Limit      int
}

// List returns records of role in txn_id order. UUIDv7 ids make this
// creation order as well.
func (s *Store) List(ctx context.Context, role Role, filter Filter) ([]*Record, error) {
	objects, err := storage.ListAll(ctx, s.backend, string(role), "")
	if err != nil {
		return nil, fmt.Errorf("record: list %s: %w", role, err)
	}
	out := make([]*Record, 0, len(objects))
	for _, obj := range objects {
		rec, err := s.Get(ctx, role, obj.Key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.ActiveOnly && rec.Terminal() {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Watch returns a channel signalled whenever records of role change, or nil
// when the backend cannot push changes.
func (s *Store) Watch(role Role) (storage.Subscription, error) {
	feed, ok := s.backend.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.Subscribe(string(role))
}

func (s *Store) load(ctx context.Context, role Role, txnID string) (*Record, string, error) {
	res, err := s.backend.GetObject(ctx, string(role), txnID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("record: read %s: %w", txnID, err)
	}
	defer res.Reader.Close()
	payload, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("record: read %s: %w", txnID, err)
	}
	rec, err := s.decode(payload, res.Info.ContentType)
	if err != nil {
		return nil, "", fmt.Errorf("record: decode %s: %w", txnID, err)
	}
	return rec, res.Info.ETag, nil
}

func (s *Store) encode(rec *Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}
	return s.crypto.Seal(payload)
}

func (s *Store) decode(payload []byte, contentType string) (*Record, error) {
	encrypted := strings.HasPrefix(contentType, storage.ContentTypeJSONEncrypted) ||
		(contentType == "" && s.crypto.Enabled() && !json.Valid(payload))
	if encrypted {
		if !s.crypto.Enabled() {
			return nil, fmt.Errorf("record is encrypted but no key material is configured")
		}
		plain, err := s.crypto.Open(payload)
		if err != nil {
			return nil, err
		}
		payload = plain
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) notify(ctx context.Context, rec *Record) {
	if len(s.observers) == 0 {
		return
	}
	snapshot := rec.Redacted()
	for _, fn := range s.observers {
		fn(ctx, snapshot)
	}
}

// Age reports how long ago rec was last updated according to now.
func Age(rec *Record, now time.Time) time.Duration {
	if rec == nil || rec.UpdatedAt.IsZero() {
		return 0
	}
	return now.Sub(rec.UpdatedAt)
}
