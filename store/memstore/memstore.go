// Package memstore provides in-process store implementations, used as the
// default backend and by tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/networkmesh/meshchat/store"
)

// Users is an in-memory store.UserStore.
type Users struct {
	mu    sync.RWMutex
	users map[string]store.User
}

func NewUsers() *Users {
	return &Users{users: make(map[string]store.User)}
}

func (s *Users) Upsert(_ context.Context, u store.User) error {
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else if u.CreatedAt == 0 {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = u
	return nil
}

func (s *Users) SetOnline(_ context.Context, userID string, online bool, lastSeenMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		// Idempotent: marking an unknown user offline is not an error.
		return nil
	}
	u.IsOnline = online
	u.LastSeen = lastSeenMillis
	u.UpdatedAt = time.Now().UnixMilli()
	s.users[userID] = u
	return nil
}

func (s *Users) Get(_ context.Context, userID string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Users) List(_ context.Context) ([]store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Users) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *Users) Close(context.Context) error { return nil }

// Messages is an in-memory store.MessageStore.
type Messages struct {
	mu   sync.RWMutex
	msgs []store.Message
}

func NewMessages() *Messages {
	return &Messages{}
}

func (s *Messages) Append(_ context.Context, m store.Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *Messages) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs), nil
}

func (s *Messages) Recent(_ context.Context, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.msgs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]store.Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.msgs[i])
	}
	return out, nil
}

func (s *Messages) Close(context.Context) error { return nil }
