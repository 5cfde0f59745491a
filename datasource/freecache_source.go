package datasource

import (
	"context"
	"encoding/json"

	"github.com/coocood/freecache"
	"github.com/pkg/errors"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// 默认 64MB 缓存容量
const defaultCacheSize = 64 * 1024 * 1024

// FreeCacheSource 进程内缓存适配器，语义与 RedisSource 对齐但只支持单键
type FreeCacheSource struct {
	cache     *freecache.Cache
	keyPrefix string
}

// NewFreeCacheSourceWithOptions 创建 FreeCacheSource
func NewFreeCacheSourceWithOptions(opts *schema.DataSourceOptions) (*FreeCacheSource, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	return &FreeCacheSource{
		cache:     freecache.NewCache(size),
		keyPrefix: opts.KeyPrefix,
	}, nil
}

func (s *FreeCacheSource) applyPrefix(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + ":" + key
}

func (s *FreeCacheSource) ExecuteQuery(ctx context.Context, key string, params record.Record) ([]record.Record, error) {
	if key == "" {
		return []record.Record{}, nil
	}
	prefixed := s.applyPrefix(key)

	value, err := s.cache.Get([]byte(prefixed))
	if err != nil {
		// 未命中不算错误
		return []record.Record{}, nil
	}
	return filterByParams([]record.Record{keyValueRecord(prefixed, string(value))}, params), nil
}

// ExecuteQueryPaginated 进程内缓存没有分页概念，参数被忽略
func (s *FreeCacheSource) ExecuteQueryPaginated(ctx context.Context, key string, params record.Record, page *Pagination) ([]record.Record, error) {
	return s.ExecuteQuery(ctx, key, params)
}

// ExecuteMutation 约定与 RedisSource 相同：value（可选 ttl 秒）或 delete:true
func (s *FreeCacheSource) ExecuteMutation(ctx context.Context, key string, data record.Record) (any, error) {
	prefixed := s.applyPrefix(key)

	if data.Has("value") {
		buf, err := json.Marshal(data["value"])
		if err != nil {
			return nil, errors.WithMessage(err, "failed to serialize value")
		}
		var ttl int
		if seconds, ok := data.Float("ttl"); ok {
			ttl = int(seconds)
		}
		if err := s.cache.Set([]byte(prefixed), buf, ttl); err != nil {
			return nil, errors.WithMessagef(err, "failed to set cache key: %s", prefixed)
		}
		return record.Record{"key": prefixed, "success": true}, nil
	}

	if deleted, _ := data.Bool("delete"); deleted {
		affected := s.cache.Del([]byte(prefixed))
		n := int64(0)
		if affected {
			n = 1
		}
		return record.Record{"deleted": n, "success": true}, nil
	}

	return nil, errors.New("cache mutation requires 'value' field or 'delete: true' flag")
}

func (s *FreeCacheSource) Close() error {
	s.cache.Clear()
	return nil
}
