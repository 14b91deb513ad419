package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-sync-service/internal/models"
)

// ErrStateNotFound is returned when a state is unknown, expired or already used
var ErrStateNotFound = errors.New("oauth state not found")

// OAuthState is what a connect request leaves behind for its callback
type OAuthState struct {
	TenantID    string             `json:"tenantId"`
	Marketplace models.Marketplace `json:"marketplace"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// StateStore holds pending OAuth states. Consume is single use.
type StateStore interface {
	Save(ctx context.Context, state string, data OAuthState, ttl time.Duration) error
	Consume(ctx context.Context, state string) (*OAuthState, error)
}

// RedisStateStore keeps states under oauth_state:<state> with a TTL
type RedisStateStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateStore creates a store over an existing client
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, keyPrefix: "oauth_state:"}
}

func (s *RedisStateStore) Save(ctx context.Context, state string, data OAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyPrefix+state, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save oauth state: %w", err)
	}
	return nil
}

// Consume reads and deletes the state in one round trip
func (s *RedisStateStore) Consume(ctx context.Context, state string) (*OAuthState, error) {
	raw, err := s.client.GetDel(ctx, s.keyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth state: %w", err)
	}
	var data OAuthState
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("corrupt oauth state: %w", err)
	}
	return &data, nil
}

type memoryState struct {
	data      OAuthState
	expiresAt time.Time
}

// MemoryStateStore is the single-instance fallback when Redis is not configured
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]memoryState
	now    func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]memoryState), now: time.Now}
}

func (s *MemoryStateStore) Save(_ context.Context, state string, data OAuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.states {
		if now.After(v.expiresAt) {
			delete(s.states, k)
		}
	}
	s.states[state] = memoryState{data: data, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (*OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.states[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.states, state)
	if s.now().After(v.expiresAt) {
		return nil, ErrStateNotFound
	}
	return &v.data, nil
}

var (
	_ StateStore = (*RedisStateStore)(nil)
	_ StateStore = (*MemoryStateStore)(nil)
)
