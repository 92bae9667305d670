package settings

import (
	"context"
	"sync"
)

type MemStore struct {
	lk   sync.RWMutex
	data map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]string),
	}
}

func (s *MemStore) Get(ctx context.Context, key string) (string, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.data[key], nil
}

func (s *MemStore) Set(ctx context.Context, key, val string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.data[key] = val
	return nil
}

func (s *MemStore) List(ctx context.Context) (map[string]string, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}
