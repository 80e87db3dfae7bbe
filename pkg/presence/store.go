// Package presence tracks which peers are live, both on the broker (Store)
// and across the mesh (Tracker).
package presence

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store tracks peers connected to one broker room.
type Store interface {
	Reset(ctx context.Context) error
	AddPeer(ctx context.Context, id string) error
	RemovePeer(ctx context.Context, id string) error
	Peers(ctx context.Context) ([]string, error)
}

// RedisStore implements Store using a Redis set.
type RedisStore struct {
	rdb      *redis.Client
	keyPeers string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional
// (e.g., "tablesync:room:abc123").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "tablesync"
	}
	return &RedisStore{
		rdb:      rdb,
		keyPeers: fmt.Sprintf("%s:peers", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyPeers).Err()
}

func (s *RedisStore) AddPeer(ctx context.Context, id string) error {
	return s.rdb.SAdd(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) RemovePeer(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) Peers(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.keyPeers).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(vals)
	return vals, nil
}

// MemoryStore implements Store in process, for brokers run without Redis.
type MemoryStore struct {
	mu    sync.Mutex
	peers map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]struct{})}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	s.peers = make(map[string]struct{})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddPeer(_ context.Context, id string) error {
	s.mu.Lock()
	s.peers[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Peers(context.Context) ([]string, error) {
	s.mu.Lock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out, nil
}
