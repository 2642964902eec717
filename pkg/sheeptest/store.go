// pkg/sheeptest/store.go
// sheeptest 是一个进程内的单节点对象存储，说和生产集群一样的线上协议。
// 它存在的意义是让客户端栈可以在没有真集群的环境里被完整地测到；
// 没有成员管理、没有复制、没有跨节点一致性。
package sheeptest

import (
	"context"
	"errors"
	"sync"

	"sheepvault/pkg/types"
)

var ErrNotFound = errors.New("object not found")

// Store 是对象表的后端接口：oid → 完整的对象字节。
// 部分写由上层做 read-modify-write，后端只认整个对象。
type Store interface {
	Get(ctx context.Context, oid types.ObjectID) ([]byte, error)
	Put(ctx context.Context, oid types.ObjectID, data []byte) error
	Has(ctx context.Context, oid types.ObjectID) (bool, error)
	Delete(ctx context.Context, oid types.ObjectID) error
}

// MemStore 是默认的内存后端 (单测用)
type MemStore struct {
	mu      sync.RWMutex
	objects map[types.ObjectID][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[types.ObjectID][]byte)}
}

func (s *MemStore) Get(ctx context.Context, oid types.ObjectID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[oid]
	if !ok {
		return nil, ErrNotFound
	}
	// 返回副本，防止调用方改到表里的数据
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemStore) Put(ctx context.Context, oid types.ObjectID, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.objects[oid] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Has(ctx context.Context, oid types.ObjectID) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[oid]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemStore) Delete(ctx context.Context, oid types.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[oid]; !ok {
		return ErrNotFound
	}
	delete(s.objects, oid)
	return nil
}
