// Package prefs keeps per-user payment preferences: the default top-up method
// and remembered card metadata. Card numbers are never stored.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/boleia/backend/internal/payments"
)

type Card struct {
	ID      string    `json:"id"`
	Brand   string    `json:"brand"`
	Last4   string    `json:"last4"`
	Expiry  string    `json:"expiry"`
	Holder  string    `json:"holder,omitempty"`
	Token   string    `json:"token,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

type Preferences struct {
	UserID        uuid.UUID       `json:"user_id"`
	DefaultMethod payments.Method `json:"default_method,omitempty"`
	Cards         []Card          `json:"cards"`
}

// Store loads and atomically updates one user's preferences.
type Store interface {
	Load(ctx context.Context, userID uuid.UUID) (*Preferences, error)
	// Update applies fn to the current preferences and saves the result.
	// Concurrent updates for the same user do not overwrite each other.
	Update(ctx context.Context, userID uuid.UUID, fn func(*Preferences) error) (*Preferences, error)
}

func empty(userID uuid.UUID) *Preferences {
	return &Preferences{UserID: userID, Cards: []Card{}}
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

const maxUpdateRetries = 5

// RedisStore keeps each user's preferences as one JSON value under
// prefs:<user id>.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(userID uuid.UUID) string {
	return "prefs:" + userID.String()
}

func (s *RedisStore) Load(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	return load(ctx, s.rdb, userID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, userID uuid.UUID) (*Preferences, error) {
	raw, err := c.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return empty(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get prefs: %w", err)
	}
	p := empty(userID)
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode prefs: %w", err)
	}
	return p, nil
}

// Update uses WATCH/MULTI so a concurrent writer makes the transaction fail
// and the update is retried on fresh data.
func (s *RedisStore) Update(ctx context.Context, userID uuid.UUID, fn func(*Preferences) error) (*Preferences, error) {
	key := redisKey(userID)
	var out *Preferences
	txf := func(tx *redis.Tx) error {
		p, err := load(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			out = p
		}
		return err
	}
	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update prefs for %s: too much contention", userID)
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// MemoryStore is used when no Redis address is configured.
type MemoryStore struct {
	mu    sync.Mutex
	prefs map[uuid.UUID][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prefs: make(map[uuid.UUID][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, userID uuid.UUID) (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(userID)
}

func (s *MemoryStore) Update(_ context.Context, userID uuid.UUID, fn func(*Preferences) error) (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(userID)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	s.prefs[userID] = data
	return p, nil
}

// get decodes a fresh copy so callers never share state with the store.
func (s *MemoryStore) get(userID uuid.UUID) (*Preferences, error) {
	p := empty(userID)
	raw, ok := s.prefs[userID]
	if !ok {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}
