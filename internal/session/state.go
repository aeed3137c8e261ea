package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
)

type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// State is the persisted login for one account. It is replaced wholesale on
// every login and deleted on logout.
type State struct {
	Account      string    `json:"account"`
	Cookies      []Cookie  `json:"cookies"`
	CookieString string    `json:"cookie_string"`
	CSRFToken    string    `json:"csrf_token"`
	UserID       string    `json:"platform_user_id"`
	LSDToken     string    `json:"lsd_token"`
	LoginTime    time.Time `json:"login_time"`
	ExpiresAt    time.Time `json:"expires_at"`
	LoggedIn     bool      `json:"is_logged_in"`
}

// Valid reports whether the state is a live login at now.
func (s *State) Valid(now time.Time) bool {
	return s != nil && s.LoggedIn && now.Before(s.ExpiresAt)
}

func cookieString(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// StateStore keeps State outside the shared relational store.
// Load returns (nil, nil) when no state exists.
type StateStore interface {
	Load(ctx context.Context, account string) (*State, error)
	Save(ctx context.Context, st *State) error
	Delete(ctx context.Context, account string) error
}

// Locker is implemented by stores that can serialize logins across processes.
type Locker interface {
	Lock(ctx context.Context, account string, ttl time.Duration) (unlock func(), err error)
}

var ErrLocked = errors.New("session: login in progress elsewhere")

type MemoryStateStore struct {
	mu sync.Mutex
	m  map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{m: map[string]State{}}
}

func (s *MemoryStateStore) Load(_ context.Context, account string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[account]
	if !ok {
		return nil, nil
	}
	cp := st
	cp.Cookies = append([]Cookie(nil), st.Cookies...)
	return &cp, nil
}

func (s *MemoryStateStore) Save(_ context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	cp.Cookies = append([]Cookie(nil), st.Cookies...)
	s.m[st.Account] = cp
	return nil
}

func (s *MemoryStateStore) Delete(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, account)
	return nil
}

// RedisStateStore keeps one key per account, expiring with the session.
type RedisStateStore struct {
	client rueidis.Client
	prefix string
	grace  time.Duration
}

func NewRedisStateStore(client rueidis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "postbot:"
	}
	return &RedisStateStore{client: client, prefix: prefix, grace: time.Hour}
}

func (s *RedisStateStore) key(account string) string { return s.prefix + "session:" + account }

func (s *RedisStateStore) lockKey(account string) string { return s.prefix + "session-lock:" + account }

func (s *RedisStateStore) Load(ctx context.Context, account string) (*State, error) {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(account)).Build()).ToString()
	if rueidis.IsRedisNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("session: decode state: %w", err)
	}
	return &st, nil
}

func (s *RedisStateStore) Save(ctx context.Context, st *State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ttl := time.Until(st.ExpiresAt) + s.grace
	if ttl < time.Second {
		ttl = s.grace
	}
	cmd := s.client.B().Set().Key(s.key(st.Account)).Value(string(b)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("session: save state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, account string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(account)).Build()).Error(); err != nil {
		return fmt.Errorf("session: delete state: %w", err)
	}
	return nil
}

// Lock takes a SET NX lease; unlock only deletes the lease it owns.
func (s *RedisStateStore) Lock(ctx context.Context, account string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := s.lockKey(account)
	err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(token).Nx().Px(ttl).Build()).Error()
	if rueidis.IsRedisNil(err) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("session: lock: %w", err)
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		cur, err := s.client.Do(uctx, s.client.B().Get().Key(key).Build()).ToString()
		if err == nil && cur == token {
			_ = s.client.Do(uctx, s.client.B().Del().Key(key).Build()).Error()
		}
	}, nil
}
