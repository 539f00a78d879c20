package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storefront/backend/internal/domain/shared"
)

const (
	defaultGormPollInterval = time.Second
	defaultTombstoneTTL     = time.Hour
	compactEvery            = 10 * time.Minute
)

// kvEntry is one profile key. A nil Value is a tombstone kept so that other
// handles can observe the removal.
type kvEntry struct {
	Key       string  `gorm:"column:entry_key;primaryKey;type:varchar(255)"`
	Value     *string `gorm:"type:text"`
	Rev       int64   `gorm:"not null;index"`
	Writer    string  `gorm:"type:varchar(64);not null"`
	UpdatedAt time.Time
}

// TableName returns the table name for GORM
func (kvEntry) TableName() string {
	return "kv_entries"
}

// GormStorage is a profile stored in a SQL table, typically a SQLite file
// shared by several processes. Every write bumps a global revision; handles
// find foreign writes by scanning revisions newer than the last one seen.
type GormStorage struct {
	db           *gorm.DB
	ownsDB       bool
	writerID     string
	watchPath    string
	pollInterval time.Duration
	tombstoneTTL time.Duration
	logger       *zap.Logger
	events       *dispatcher

	mu        sync.Mutex
	lastRev   int64
	closed    bool
	startOnce sync.Once
	cancelFn  context.CancelFunc
	wg        sync.WaitGroup
}

// GormStorageOption configures a GormStorage
type GormStorageOption func(*GormStorage)

// WithPollInterval sets how often foreign writes are scanned for
func WithPollInterval(d time.Duration) GormStorageOption {
	return func(s *GormStorage) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithWatchPath enables file system notifications on the database file, so
// foreign writes are picked up before the next poll.
func WithWatchPath(path string) GormStorageOption {
	return func(s *GormStorage) {
		s.watchPath = path
	}
}

// WithTombstoneTTL sets how long removed keys are remembered
func WithTombstoneTTL(d time.Duration) GormStorageOption {
	return func(s *GormStorage) {
		s.tombstoneTTL = d
	}
}

// WithStorageLogger sets the logger
func WithStorageLogger(logger *zap.Logger) GormStorageOption {
	return func(s *GormStorage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewGormStorage creates a handle on the profile table of db, creating the
// table when missing. The caller keeps ownership of db.
func NewGormStorage(db *gorm.DB, opts ...GormStorageOption) (*GormStorage, error) {
	s := &GormStorage{
		db:           db,
		writerID:     uuid.NewString(),
		pollInterval: defaultGormPollInterval,
		tombstoneTTL: defaultTombstoneTTL,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("profile-storage")
	s.events = newDispatcher(s.logger)

	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("migrate profile storage: %w", err)
	}
	var maxRev int64
	if err := db.Model(&kvEntry{}).Select("COALESCE(MAX(rev), 0)").Scan(&maxRev).Error; err != nil {
		return nil, fmt.Errorf("read profile revision: %w", err)
	}
	s.lastRev = maxRev
	return s, nil
}

// OwnDB makes Close also close the underlying database connection.
func (s *GormStorage) OwnDB() *GormStorage {
	s.ownsDB = true
	return s
}

// WriterID returns the identity this handle stamps on its writes.
func (s *GormStorage) WriterID() string {
	return s.writerID
}

func (s *GormStorage) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return shared.ErrClosed
	}
	return nil
}

// Get implements Storage
func (s *GormStorage) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	var entry kvEntry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	if entry.Value == nil {
		return "", false, nil
	}
	return *entry.Value, true, nil
}

// Set implements Storage
func (s *GormStorage) Set(ctx context.Context, key, value string) error {
	_, err := s.write(ctx, key, &value, false)
	return err
}

// SetIfAbsent implements Storage
func (s *GormStorage) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	return s.write(ctx, key, &value, true)
}

// Remove implements Storage
func (s *GormStorage) Remove(ctx context.Context, key string) error {
	_, err := s.write(ctx, key, nil, false)
	return err
}

func (s *GormStorage) write(ctx context.Context, key string, value *string, onlyIfAbsent bool) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	wrote := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing kvEntry
		err := tx.Where("entry_key = ?", key).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if value == nil {
				return nil
			}
		case err != nil:
			return err
		case existing.Value == nil && value == nil:
			return nil
		case onlyIfAbsent && existing.Value != nil:
			return nil
		}

		var maxRev int64
		if err := tx.Model(&kvEntry{}).Select("COALESCE(MAX(rev), 0)").Scan(&maxRev).Error; err != nil {
			return err
		}
		entry := kvEntry{
			Key:       key,
			Value:     value,
			Rev:       maxRev + 1,
			Writer:    s.writerID,
			UpdatedAt: time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "rev", "writer", "updated_at"}),
		}).Create(&entry).Error; err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}
	return wrote, nil
}

// Keys implements Storage
func (s *GormStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.WithContext(ctx).Model(&kvEntry{}).
		Where("entry_key LIKE ? ESCAPE '\\' AND value IS NOT NULL", escapeLike(prefix)+"%").
		Order("entry_key").
		Pluck("entry_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("list keys %q: %w", prefix, err)
	}
	// LIKE ignores case on SQLite.
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Watch implements Storage. The scan loop starts with the first watcher.
func (s *GormStorage) Watch(fn WatchFunc) func() {
	cancel := s.events.add(fn)
	s.startOnce.Do(s.startWatcher)
	return cancel
}

func (s *GormStorage) startWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelFn = cancel
	s.mu.Unlock()

	wake := make(chan struct{}, 1)
	if s.watchPath != "" {
		if err := s.watchFile(ctx, wake); err != nil {
			s.logger.Warn("File notifications unavailable, polling only",
				zap.String("path", s.watchPath),
				zap.Error(err))
		}
	}

	s.wg.Add(1)
	go s.scanLoop(ctx, wake)
}

func (s *GormStorage) watchFile(ctx context.Context, wake chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.watchPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	base := filepath.Base(s.watchPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// SQLite writes land in the main file, its -wal or its -journal.
				if !strings.HasPrefix(filepath.Base(ev.Name), base) || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("File watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *GormStorage) scanLoop(ctx context.Context, wake <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	compact := time.NewTicker(compactEvery)
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		case <-wake:
			s.scan(ctx)
		case <-compact.C:
			if n, err := s.Compact(ctx, time.Now().Add(-s.tombstoneTTL)); err != nil {
				s.logger.Warn("Tombstone compaction failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("Compacted tombstones", zap.Int64("count", n))
			}
		}
	}
}

// scan emits every foreign write newer than the last revision seen.
func (s *GormStorage) scan(ctx context.Context) {
	s.mu.Lock()
	since := s.lastRev
	s.mu.Unlock()

	var rows []kvEntry
	if err := s.db.WithContext(ctx).Where("rev > ?", since).Order("rev").Find(&rows).Error; err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Profile scan failed", zap.Error(err))
		}
		return
	}
	if len(rows) == 0 {
		return
	}

	s.mu.Lock()
	s.lastRev = rows[len(rows)-1].Rev
	s.mu.Unlock()

	for _, row := range rows {
		if row.Writer == s.writerID {
			continue
		}
		ev := ChangeEvent{Key: row.Key, Deleted: row.Value == nil}
		if row.Value != nil {
			ev.Value = *row.Value
		}
		s.events.emit(ev)
	}
}

// Compact deletes tombstones last written before cutoff.
func (s *GormStorage) Compact(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("value IS NULL AND updated_at < ?", cutoff.UTC()).
		Delete(&kvEntry{})
	return res.RowsAffected, res.Error
}

// Close stops the scan loop. The database is closed only when owned.
func (s *GormStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancelFn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.events.stop()

	if s.ownsDB {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

var _ Storage = (*GormStorage)(nil)
