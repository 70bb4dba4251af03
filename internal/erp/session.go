package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore keeps the Service Layer session shared by every caller.
type SessionStore interface {
	Load(ctx context.Context) (Session, bool, error)
	Save(ctx context.Context, sess Session) error
	Clear(ctx context.Context) error
}

// MemorySessionStore holds the session in process memory.
type MemorySessionStore struct {
	mu   sync.RWMutex
	sess Session
}

// NewMemorySessionStore constructs an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

// Load returns the cached session.
func (s *MemorySessionStore) Load(context.Context) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess, s.sess.ID != "", nil
}

// Save replaces the cached session.
func (s *MemorySessionStore) Save(_ context.Context, sess Session) error {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	return nil
}

// Clear drops the cached session.
func (s *MemorySessionStore) Clear(context.Context) error {
	s.mu.Lock()
	s.sess = Session{}
	s.mu.Unlock()
	return nil
}

// RedisSessionStore shares the session across server and worker processes.
type RedisSessionStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisSessionStore constructs a store writing under key.
func NewRedisSessionStore(client *redis.Client, key string) *RedisSessionStore {
	return &RedisSessionStore{client: client, key: key, now: time.Now}
}

// Load reads the session; a missing key is not an error.
func (s *RedisSessionStore) Load(ctx context.Context) (Session, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("erp: load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, false, nil
	}
	return sess, sess.ID != "", nil
}

// Save writes the session with a TTL matching its expiry.
func (s *RedisSessionStore) Save(ctx context.Context, sess Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Clear(ctx)
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("erp: save session: %w", err)
	}
	return nil
}

// Clear removes the session.
func (s *RedisSessionStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("erp: clear session: %w", err)
	}
	return nil
}
