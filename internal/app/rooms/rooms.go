// Package rooms issues and looks up the room codes peers meet under.
package rooms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long an unused room code stays valid.
const DefaultTTL = 24 * time.Hour

// codeAlphabet leaves out characters that are easy to misread aloud.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 6

// Room is a table peers can join by code.
type Room struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store describes room creation and lookup operations.
type Store interface {
	Create(ctx context.Context) (*Room, error)
	Get(ctx context.Context, code string) (*Room, error)
	Delete(ctx context.Context, code string) error
}

var (
	// ErrNotFound is returned when a room code does not exist.
	ErrNotFound = errors.New("room not found")
	// ErrExhausted is returned when no free code was found.
	ErrExhausted = errors.New("failed to generate unique room code")
)

// RedisStore keeps rooms as Redis hashes that expire after TTL.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a room store scoped under prefix (e.g. "tablesync").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "tablesync"
	}
	return &RedisStore{rdb: rdb, prefix: p, ttl: DefaultTTL}
}

// WithTTL changes how long new rooms live.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *RedisStore) roomKey(code string) string {
	return fmt.Sprintf("%s:rooms:%s", s.prefix, code)
}

// Create claims a fresh code. HSETNX on the code field makes the claim
// atomic across brokers sharing one Redis.
func (s *RedisStore) Create(ctx context.Context) (*Room, error) {
	for range 5 {
		code := NewCode()
		key := s.roomKey(code)
		claimed, err := s.rdb.HSetNX(ctx, key, "code", code).Result()
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		now := time.Now().UTC()
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "created_at", now.Format(time.RFC3339))
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &Room{Code: code, CreatedAt: now}, nil
	}
	return nil, ErrExhausted
}

// Get fetches a room by code and extends its lifetime.
func (s *RedisStore) Get(ctx context.Context, code string) (*Room, error) {
	code = Normalize(code)
	if code == "" {
		return nil, ErrNotFound
	}

	key := s.roomKey(code)
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC()
	if ts, ok := vals["created_at"]; ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			createdAt = parsed
		}
	}
	return &Room{Code: code, CreatedAt: createdAt}, nil
}

// Delete removes a room, returning ErrNotFound when it does not exist.
func (s *RedisStore) Delete(ctx context.Context, code string) error {
	code = Normalize(code)
	if code == "" {
		return ErrNotFound
	}
	deleted, err := s.rdb.Del(ctx, s.roomKey(code)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryStore keeps rooms in process, for brokers run without Redis. Rooms
// do not expire.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]Room
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]Room), now: time.Now}
}

func (s *MemoryStore) Create(context.Context) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range 5 {
		code := NewCode()
		if _, exists := s.rooms[code]; exists {
			continue
		}
		room := Room{Code: code, CreatedAt: s.now().UTC()}
		s.rooms[code] = room
		return &room, nil
	}
	return nil, ErrExhausted
}

func (s *MemoryStore) Get(_ context.Context, code string) (*Room, error) {
	code = Normalize(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (s *MemoryStore) Delete(_ context.Context, code string) error {
	code = Normalize(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[code]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, code)
	return nil
}

// NewCode returns a random room code.
func NewCode() string {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("rooms: read random: %v", err))
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}

// Normalize trims and upper-cases a code typed by a person.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
