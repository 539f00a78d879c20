package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/shared"
)

const defaultCloseTimeout = 5 * time.Second

// changeNotice is published on the profile change channel after every write.
type changeNotice struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Writer  string `json:"writer"`
}

// RedisStorage keeps a profile in one Redis hash and announces writes on a
// Pub/Sub channel, so handles on different hosts can share a profile.
type RedisStorage struct {
	client     redis.UniversalClient
	ownsClient bool
	hashKey    string
	channel    string
	writerID   string
	logger     *zap.Logger
	events     *dispatcher

	mu        sync.Mutex
	closed    bool
	startOnce sync.Once
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
}

// RedisStorageOption configures a RedisStorage
type RedisStorageOption func(*RedisStorage)

// WithRedisStorageLogger sets the logger
func WithRedisStorageLogger(logger *zap.Logger) RedisStorageOption {
	return func(s *RedisStorage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStorageWithClient creates a handle on the profile namespace using an
// existing client. The caller retains ownership of the client.
func NewRedisStorageWithClient(client redis.UniversalClient, namespace string, opts ...RedisStorageOption) *RedisStorage {
	s := &RedisStorage{
		client:   client,
		hashKey:  namespace,
		channel:  namespace + ":changes",
		writerID: uuid.NewString(),
		logger:   zap.NewNop(),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("profile-storage")
	s.events = newDispatcher(s.logger)
	return s
}

// NewRedisStorage connects to Redis and creates a handle that owns its client.
func NewRedisStorage(ctx context.Context, addr, password string, db int, namespace string, opts ...RedisStorageOption) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisStorageWithClient(client, namespace, opts...)
	s.ownsClient = true
	return s, nil
}

func (s *RedisStorage) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return shared.ErrClosed
	}
	return nil
}

// Get implements Storage
func (s *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	v, err := s.client.HGet(ctx, s.hashKey, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements Storage
func (s *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	notice, err := s.notice(changeNotice{Key: key, Value: value})
	if err != nil {
		return err
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey, key, value)
		pipe.Publish(ctx, s.channel, notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent implements Storage
func (s *RedisStorage) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	ok, err := s.client.HSetNX(ctx, s.hashKey, key, value).Result()
	if err != nil {
		return false, fmt.Errorf("set %s: %w", key, err)
	}
	if ok {
		s.publish(ctx, changeNotice{Key: key, Value: value})
	}
	return ok, nil
}

// Remove implements Storage
func (s *RedisStorage) Remove(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	n, err := s.client.HDel(ctx, s.hashKey, key).Result()
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	if n > 0 {
		s.publish(ctx, changeNotice{Key: key, Deleted: true})
	}
	return nil
}

// Keys implements Storage
func (s *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	all, err := s.client.HKeys(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys %q: %w", prefix, err)
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStorage) notice(n changeNotice) (string, error) {
	n.Writer = s.writerID
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal change notice: %w", err)
	}
	return string(data), nil
}

// publish announces a write that already happened. Failures only delay
// other handles until their next read.
func (s *RedisStorage) publish(ctx context.Context, n changeNotice) {
	data, err := s.notice(n)
	if err != nil {
		s.logger.Warn("Failed to encode change notice", zap.Error(err))
		return
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		s.logger.Warn("Failed to publish change notice",
			zap.String("key", n.Key),
			zap.Error(err))
	}
}

// Watch implements Storage. The subscription starts with the first watcher
// and is confirmed before Watch returns.
func (s *RedisStorage) Watch(fn WatchFunc) func() {
	cancel := s.events.add(fn)
	s.startOnce.Do(s.subscribe)
	return cancel
}

func (s *RedisStorage) subscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(s.doneCh)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFn = cancel
	s.mu.Unlock()

	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		s.logger.Error("Failed to subscribe to profile changes",
			zap.String("channel", s.channel),
			zap.Error(err))
		pubsub.Close()
		close(s.doneCh)
		return
	}

	go func() {
		defer close(s.doneCh)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.logger.Warn("Profile change channel closed")
					return
				}
				var n changeNotice
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					s.logger.Warn("Dropping malformed change notice", zap.Error(err))
					continue
				}
				if n.Writer == s.writerID {
					continue
				}
				s.events.emit(ChangeEvent{Key: n.Key, Value: n.Value, Deleted: n.Deleted})
			}
		}
	}()
}

// Close stops the subscription and closes the client when owned.
func (s *RedisStorage) Close() error {
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
		select {
		case <-s.doneCh:
		case <-time.After(defaultCloseTimeout):
			s.logger.Warn("Timeout waiting for profile subscription to stop")
		}
	}
	s.events.stop()

	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

var _ Storage = (*RedisStorage)(nil)
