package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

const defaultSourcePollInterval = 2 * time.Second

// GormSource is the authoritative document store backed by a SQL database.
// Listeners poll the collection version and are woken early by the
// ChangeNotifier, when one is configured.
type GormSource struct {
	db           *gorm.DB
	notifier     ChangeNotifier
	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// GormSourceOption configures a GormSource
type GormSourceOption func(*GormSource)

// WithChangeNotifier sets the notifier used to wake listeners after writes
func WithChangeNotifier(n ChangeNotifier) GormSourceOption {
	return func(s *GormSource) {
		s.notifier = n
	}
}

// WithSourcePollInterval sets how often listeners check for changes
func WithSourcePollInterval(d time.Duration) GormSourceOption {
	return func(s *GormSource) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithSourceLogger sets the logger
func WithSourceLogger(logger *zap.Logger) GormSourceOption {
	return func(s *GormSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSourceClock overrides the clock used for document timestamps
func WithSourceClock(now func() time.Time) GormSourceOption {
	return func(s *GormSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewGormSource creates a document store on db. The schema must already exist
// (see Database.Migrate).
func NewGormSource(db *gorm.DB, opts ...GormSourceOption) *GormSource {
	s := &GormSource{
		db:           db,
		pollInterval: defaultSourcePollInterval,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("document-source")
	return s
}

// mapError translates database errors into the store's error classes. Any
// failure that is not a definitive answer counts as the store being unreachable.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *shared.DomainError
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return shared.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, shared.ErrConflict)
	default:
		return fmt.Errorf("%s: %w: %w", op, shared.ErrUnavailable, err)
	}
}

// Get implements document.Source. Filtering and ordering run in memory so that
// queries behave the same on every SQL dialect.
func (s *GormSource) Get(ctx context.Context, collection string, q document.Query) ([]document.Document, error) {
	if err := document.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var rows []DocumentModel
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Order("id").Find(&rows).Error; err != nil {
		return nil, mapError("get "+collection, err)
	}
	docs := make([]document.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.toDocument()
		if err != nil {
			s.logger.Warn("Skipping undecodable document",
				zap.String("collection", collection),
				zap.String("id", row.ID),
				zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return q.Apply(docs), nil
}

// GetDoc implements document.Source
func (s *GormSource) GetDoc(ctx context.Context, collection, id string) (document.Document, error) {
	if err := document.ValidateCollection(collection); err != nil {
		return document.Document{}, err
	}
	var row DocumentModel
	err := s.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if err != nil {
		return document.Document{}, mapError("get "+collection+"/"+id, err)
	}
	doc, err := row.toDocument()
	if err != nil {
		return document.Document{}, fmt.Errorf("%w: %v", shared.ErrSerialization, err)
	}
	return doc, nil
}

// Set implements document.Source
func (s *GormSource) Set(ctx context.Context, collection string, doc document.Document) error {
	b := document.NewBatch().Set(collection, doc)
	return s.Commit(ctx, b)
}

// Update implements document.Source
func (s *GormSource) Update(ctx context.Context, collection, id string, fields document.Fields) error {
	return s.Commit(ctx, document.NewBatch().Update(collection, id, fields))
}

// Delete implements document.Source
func (s *GormSource) Delete(ctx context.Context, collection, id string) error {
	return s.Commit(ctx, document.NewBatch().Delete(collection, id))
}

// Commit implements document.Source. All writes share one transaction, and
// each touched collection gets one version bump.
func (s *GormSource) Commit(ctx context.Context, b *document.Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	if err := b.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	var changed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		touched := make(map[string]bool)
		changed = changed[:0]
		for _, w := range b.Writes() {
			ok, err := applyWrite(tx, w, now)
			if err != nil {
				return err
			}
			if ok && !touched[w.Collection] {
				touched[w.Collection] = true
				changed = append(changed, w.Collection)
			}
		}
		for _, coll := range changed {
			if err := bumpVersion(tx, coll, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapError("commit", err)
	}

	s.announce(ctx, changed)
	return nil
}

func (s *GormSource) announce(ctx context.Context, collections []string) {
	if s.notifier == nil {
		return
	}
	for _, coll := range collections {
		if err := s.notifier.Notify(ctx, coll); err != nil {
			s.logger.Debug("Change notification failed, listeners will poll",
				zap.String("collection", coll),
				zap.Error(err))
		}
	}
}

// applyWrite performs one batch write and reports whether anything changed.
func applyWrite(tx *gorm.DB, w document.Write, now time.Time) (bool, error) {
	var existing DocumentModel
	err := tx.Where("collection = ? AND id = ?", w.Collection, w.ID).Take(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	switch w.Kind {
	case document.WriteDelete:
		if !found {
			return false, nil
		}
		return true, tx.Where("collection = ? AND id = ?", w.Collection, w.ID).Delete(&DocumentModel{}).Error

	case document.WriteUpdate:
		if !found {
			return false, shared.NewDomainError("NOT_FOUND",
				fmt.Sprintf("document %s/%s not found", w.Collection, w.ID))
		}
		current, err := existing.toDocument()
		if err != nil {
			return false, err
		}
		current.Fields = current.Fields.Merge(stripReserved(w.Fields))
		current.UpdatedAt = now
		row, err := toModel(w.Collection, current)
		if err != nil {
			return false, err
		}
		return true, tx.Save(&row).Error

	case document.WriteSet:
		createdAt := w.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
			if found {
				createdAt = existing.CreatedAt
			}
		}
		row, err := toModel(w.Collection, document.Document{
			ID:        w.ID,
			Fields:    stripReserved(w.Fields),
			CreatedAt: createdAt,
			UpdatedAt: now,
		})
		if err != nil {
			return false, err
		}
		return true, tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "created_at", "updated_at"}),
		}).Create(&row).Error

	default:
		return false, shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("unknown write kind %q", w.Kind))
	}
}

// stripReserved drops metadata names that live in their own columns.
func stripReserved(f document.Fields) document.Fields {
	out := f.Clone()
	if out == nil {
		return document.Fields{}
	}
	delete(out, document.FieldID)
	delete(out, document.FieldCreatedAt)
	delete(out, document.FieldUpdatedAt)
	return out
}

func bumpVersion(tx *gorm.DB, collection string, now time.Time) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "collection"}},
		DoUpdates: clause.Assignments(map[string]any{
			"version":    gorm.Expr("collection_versions.version + 1"),
			"updated_at": now,
		}),
	}).Create(&CollectionVersionModel{Collection: collection, Version: 1, UpdatedAt: now}).Error
}

// Version returns the number of committed writes to collection.
func (s *GormSource) Version(ctx context.Context, collection string) (int64, error) {
	var versions []int64
	err := s.db.WithContext(ctx).Model(&CollectionVersionModel{}).
		Where("collection = ?", collection).
		Limit(1).
		Pluck("version", &versions).Error
	if err != nil {
		return 0, mapError("version "+collection, err)
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[0], nil
}

// Ping implements document.Source
func (s *GormSource) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return mapError("ping", err)
	}
	return mapError("ping", sqlDB.PingContext(ctx))
}

// Listen implements document.Source. The first query runs before Listen
// returns, so establishment failures are reported synchronously. ctx only
// bounds establishment; the listener lives until Stop or its first error.
func (s *GormSource) Listen(ctx context.Context, collection string, q document.Query, onSnapshot document.SnapshotFunc, onError document.ErrorFunc) (document.Listener, error) {
	version, err := s.Version(ctx, collection)
	if err != nil {
		return nil, err
	}
	docs, err := s.Get(ctx, collection, q)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &pollListener{cancel: cancel, done: make(chan struct{})}

	var wake <-chan struct{}
	release := func() {}
	if s.notifier != nil {
		wake, release = s.notifier.Changes(collection)
	}

	go func() {
		defer close(l.done)
		defer release()

		if !l.deliver(func() { onSnapshot(docs) }) {
			return
		}

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
			case <-wake:
			}

			v, err := s.Version(lctx, collection)
			if err == nil && v == version {
				continue
			}
			var next []document.Document
			if err == nil {
				next, err = s.Get(lctx, collection, q)
			}
			if err != nil {
				if lctx.Err() != nil {
					return
				}
				s.logger.Warn("Listener failed",
					zap.String("collection", collection),
					zap.Error(err))
				l.deliver(func() { onError(err) })
				return
			}
			version = v
			if !l.deliver(func() { onSnapshot(next) }) {
				return
			}
		}
	}()
	return l, nil
}

// pollListener is the handle returned by Listen.
type pollListener struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// deliver runs fn unless the listener was stopped and reports whether
// delivery may continue.
func (l *pollListener) deliver(fn func()) bool {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return false
	}
	fn()
	return true
}

// Stop implements document.Listener
func (l *pollListener) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.cancel()
}

var _ document.Source = (*GormSource)(nil)
