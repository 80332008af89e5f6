package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

// CredentialWriter is the narrow view handed to the token manager, the only
// component allowed to replace the credential set.
type CredentialWriter interface {
	Credentials() *CredentialSet
	SaveCredentials(ctx context.Context, creds *CredentialSet) error
}

// ProgressStore is the view handed to the extraction engine. It cannot touch credentials.
type ProgressStore interface {
	Object(name string) ObjectState
	Checkpoint(ctx context.Context, name string, cp Checkpoint) error
	CommitWatermark(ctx context.Context, name, watermark string) error
	ResetProgress(ctx context.Context, name string) error
}

// Store owns the state document. Every mutation is saved to the backend before
// it becomes visible; a failed save leaves the previous document in place.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	doc     *Document
	now     func() time.Time
	logger  *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNowFunc overrides the clock used for UpdatedAt stamps.
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore loads the current document from backend.
func NewStore(ctx context.Context, backend Backend, opts ...StoreOption) (*Store, error) {
	s := &Store{
		backend: backend,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	doc, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	s.logger = s.logger.With(zap.String("component", "state"))
	s.logger.Debug("state loaded",
		zap.Int64("version", doc.Version),
		zap.Int("objects", len(doc.Objects)),
		zap.Bool("has_credentials", doc.Credentials != nil))
	return s, nil
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// Credentials returns a copy of the persisted credential set, or nil.
func (s *Store) Credentials() *CredentialSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Credentials.Clone()
}

// SaveCredentials replaces the credential set.
func (s *Store) SaveCredentials(ctx context.Context, creds *CredentialSet) error {
	if creds == nil || creds.RefreshToken == "" || creds.AuthID == "" {
		return errors.New(errors.ErrorTypeInternal, "credential set requires refresh token and auth id")
	}
	return s.mutate(ctx, func(doc *Document) {
		doc.Credentials = creds.Clone()
	})
}

// Object returns the progress record of name (zero value when absent).
func (s *Store) Object(name string) ObjectState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Objects[name]
}

// Checkpoint records a mid-run position for name.
func (s *Store) Checkpoint(ctx context.Context, name string, cp Checkpoint) error {
	return s.mutate(ctx, func(doc *Document) {
		obj := doc.Objects[name]
		obj.PageCursor = cp.Cursor
		obj.PendingWatermark = cp.PendingWatermark
		obj.RunLowerBound = cp.RunLowerBound
		obj.PagesDone = cp.PagesDone
		obj.OutputOffset = cp.OutputOffset
		obj.InProgress = true
		obj.UpdatedAt = s.now().UTC()
		doc.Objects[name] = obj
	})
}

// CommitWatermark stores the final watermark of a completed object run and
// clears its checkpoint. An empty watermark keeps the previous one.
func (s *Store) CommitWatermark(ctx context.Context, name, watermark string) error {
	return s.mutate(ctx, func(doc *Document) {
		obj := doc.Objects[name]
		if watermark != "" {
			obj.LastWatermark = watermark
		}
		clearProgress(&obj)
		obj.UpdatedAt = s.now().UTC()
		doc.Objects[name] = obj
	})
}

// ResetProgress discards any checkpoint of name without touching its watermark.
func (s *Store) ResetProgress(ctx context.Context, name string) error {
	s.mu.RLock()
	obj, ok := s.doc.Objects[name]
	s.mu.RUnlock()
	if !ok || (!obj.InProgress && obj.PageCursor == "") {
		return nil
	}
	return s.mutate(ctx, func(doc *Document) {
		obj := doc.Objects[name]
		clearProgress(&obj)
		obj.UpdatedAt = s.now().UTC()
		doc.Objects[name] = obj
	})
}

// MarkRun stamps the completion time of a run.
func (s *Store) MarkRun(ctx context.Context) error {
	return s.mutate(ctx, func(doc *Document) {
		doc.LastRun = s.now().UTC()
	})
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func clearProgress(obj *ObjectState) {
	obj.PageCursor = ""
	obj.PendingWatermark = ""
	obj.RunLowerBound = ""
	obj.PagesDone = 0
	obj.OutputOffset = 0
	obj.InProgress = false
}

func (s *Store) mutate(ctx context.Context, apply func(doc *Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	apply(next)
	next.Version = s.doc.Version + 1

	if err := s.backend.Save(ctx, next); err != nil {
		if errors.IsType(err, errors.ErrorTypeState) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeState, "failed to persist state")
	}
	s.doc = next
	return nil
}
