// pkg/sheeptest/cache.go
package sheeptest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sheepvault/pkg/types"

	"github.com/redis/go-redis/v9"
)

// CachedStore 是一个装饰器，为底层 Store 加一层 Redis。
// 只缓存小对象 (inode 之外的控制面数据一般都很小) 和存在性，
// 4 MiB 的数据对象不进 Redis——内存太宝贵，收益最高的是存在性判断。
type CachedStore struct {
	backend Store
	client  *redis.Client
	ttl     time.Duration

	maxCachedSize int // 超过这个大小的对象只缓存存在性
}

type CacheConfig struct {
	RedisURL string        // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 缓存过期时间
}

func NewCachedStore(backend Store, cfg CacheConfig) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		backend:       backend,
		client:        client,
		ttl:           cfg.TTL,
		maxCachedSize: 64 * 1024,
	}, nil
}

// cacheKey 生成 Redis Key，加前缀防冲突
func (s *CachedStore) cacheKey(oid types.ObjectID) string {
	return "sv:obj:" + oid.String()
}

// Has 优先查 Redis
func (s *CachedStore) Has(ctx context.Context, oid types.ObjectID) (bool, error) {
	key := s.cacheKey(oid)

	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		// 缓存故障降级：Redis 挂了就退化成直查后端，不让整个节点倒下
		slog.Warn("redis error, falling back to backend", "err", err)
	} else if val > 0 {
		return true, nil
	}

	found, err := s.backend.Has(ctx, oid)
	if err != nil {
		return false, err
	}

	// 缓存回填：异步写，不阻塞主流程
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}

	return found, nil
}

func (s *CachedStore) Get(ctx context.Context, oid types.ObjectID) ([]byte, error) {
	key := s.cacheKey(oid) + ":data"

	if data, err := s.client.Get(ctx, key).Bytes(); err == nil {
		return data, nil
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("redis error, falling back to backend", "err", err)
	}

	data, err := s.backend.Get(ctx, oid)
	if err != nil {
		return nil, err
	}

	if len(data) <= s.maxCachedSize {
		s.client.Set(ctx, key, data, s.ttl) // 错误可以忽略，不影响主流程
	}
	return data, nil
}

func (s *CachedStore) Put(ctx context.Context, oid types.ObjectID, data []byte) error {
	if err := s.backend.Put(ctx, oid, data); err != nil {
		return err
	}

	// 只有后端落盘成功才更新缓存
	key := s.cacheKey(oid)
	s.client.Set(ctx, key, "1", s.ttl)
	if len(data) <= s.maxCachedSize {
		s.client.Set(ctx, key+":data", data, s.ttl)
	} else {
		// 对象变大出缓存范围时要把旧数据顶掉
		s.client.Del(ctx, key+":data")
	}
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, oid types.ObjectID) error {
	if err := s.backend.Delete(ctx, oid); err != nil {
		return err
	}
	key := s.cacheKey(oid)
	s.client.Del(ctx, key, key+":data")
	return nil
}
