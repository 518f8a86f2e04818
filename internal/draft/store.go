// Package draft persists in-progress wizard state so a session can be
// resumed after the client goes away.
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/offerdesk/model"
)

// Draft is the persisted snapshot of a wizard session.
type Draft struct {
	SchemaID    string           `json:"schema_id"`
	FormValues  model.FormValues `json:"form_values"`
	CurrentStep int              `json:"current_step"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Store is a key-value slot for drafts. Values are stored as JSON so every
// implementation restores the same generic shapes.
type Store interface {
	Save(ctx context.Context, key string, d Draft) error
	// Load returns found=false when no draft exists under key.
	Load(ctx context.Context, key string) (d *Draft, found bool, err error)
	Delete(ctx context.Context, key string) error
}

// FormatKey builds the draft key "draft:{tenant}:{subject}:{schema}", so
// concurrent wizards of different users or schemas never share a slot.
func FormatKey(tenantID, subjectID, schemaID string) string {
	return fmt.Sprintf("draft:%s:%s:%s", tenantID, subjectID, schemaID)
}

func encode(d Draft) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal draft: %w", err)
	}
	return data, nil
}

func decode(key string, data []byte) (*Draft, error) {
	var d Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal draft %q: %w", key, err)
	}
	return &d, nil
}

// --- MemoryStore ---

// MemoryStore keeps drafts in process memory with an optional TTL.
type MemoryStore struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory draft store. A zero ttl keeps drafts
// until deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[string]memEntry)}
}

// Save stores d under key, replacing any previous draft.
func (s *MemoryStore) Save(_ context.Context, key string, d Draft) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	entry := memEntry{data: data}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Load returns the draft stored under key.
func (s *MemoryStore) Load(_ context.Context, key string) (*Draft, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	d, err := decode(key, entry.data)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// Delete removes the draft under key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored drafts, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps drafts in Redis so any instance can resume a session.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed draft store. A zero ttl stores drafts
// without expiry.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// HealthCheck pings the Redis server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save stores d under key.
func (s *RedisStore) Save(ctx context.Context, key string, d Draft) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Load returns the draft stored under key.
func (s *RedisStore) Load(ctx context.Context, key string) (*Draft, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	d, err := decode(key, raw)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// Delete removes the draft under key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
