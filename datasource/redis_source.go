package datasource

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// RedisSource 键值缓存适配器
// 查询字符串是键，带 * 或 ? 时按模式匹配多键；无分页概念
type RedisSource struct {
	client    *redis.Client
	keyPrefix string
	log       logx.Logger
}

// NewRedisSourceWithOptions 创建 RedisSource，构造时 ping 校验连通性
func NewRedisSourceWithOptions(opts *schema.DataSourceOptions) (*RedisSource, error) {
	if opts.ConnectionString == "" && opts.Endpoint == "" {
		return nil, errors.New("redis source requires connection_string or endpoint")
	}

	var client *redis.Client
	if opts.ConnectionString != "" {
		redisOpts, err := redis.ParseURL(opts.ConnectionString)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to parse redis connection string")
		}
		client = redis.NewClient(redisOpts)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Endpoint,
			Username: opts.Username,
			Password: opts.Password,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithMessage(err, "failed to ping redis")
	}

	return &RedisSource{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		log:       logx.Default(),
	}, nil
}

func (s *RedisSource) applyPrefix(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + ":" + key
}

func (s *RedisSource) ExecuteQuery(ctx context.Context, key string, params record.Record) ([]record.Record, error) {
	prefixed := s.applyPrefix(key)

	var results []record.Record
	if strings.ContainsAny(key, "*?") || key == "" {
		if key == "" {
			prefixed = s.applyPrefix("*")
		}
		keys, err := s.client.Keys(ctx, prefixed).Result()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to list redis keys")
		}
		for _, k := range keys {
			value, err := s.client.Get(ctx, k).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to get redis key: %s", k)
			}
			results = append(results, keyValueRecord(k, value))
		}
	} else {
		value, err := s.client.Get(ctx, prefixed).Result()
		if err == redis.Nil {
			return []record.Record{}, nil
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to get redis key: %s", prefixed)
		}
		results = append(results, keyValueRecord(prefixed, value))
	}

	return filterByParams(results, params), nil
}

// ExecuteQueryPaginated 键值后端没有分页概念，参数被忽略
func (s *RedisSource) ExecuteQueryPaginated(ctx context.Context, key string, params record.Record, page *Pagination) ([]record.Record, error) {
	return s.ExecuteQuery(ctx, key, params)
}

// ExecuteMutation data 中带 value 字段为 SET（可选 ttl 秒），带 delete:true 为 DEL
func (s *RedisSource) ExecuteMutation(ctx context.Context, key string, data record.Record) (any, error) {
	prefixed := s.applyPrefix(key)

	if data.Has("value") {
		buf, err := json.Marshal(data["value"])
		if err != nil {
			return nil, errors.WithMessage(err, "failed to serialize value")
		}

		var ttl time.Duration
		if seconds, ok := data.Float("ttl"); ok {
			ttl = time.Duration(seconds) * time.Second
		}
		if err := s.client.Set(ctx, prefixed, string(buf), ttl).Err(); err != nil {
			return nil, errors.WithMessagef(err, "failed to set redis key: %s", prefixed)
		}
		s.log.Debug("redis key set", "key", prefixed, "ttl", ttl)
		return record.Record{"key": prefixed, "success": true}, nil
	}

	if deleted, _ := data.Bool("delete"); deleted {
		n, err := s.client.Del(ctx, prefixed).Result()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to delete redis key: %s", prefixed)
		}
		return record.Record{"deleted": n, "success": true}, nil
	}

	return nil, errors.New("redis mutation requires 'value' field or 'delete: true' flag")
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

// keyValueRecord 把键值对包装成 {key, value} 记录，值尽力按 JSON 解析
func keyValueRecord(key, value string) record.Record {
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	return record.Record{"key": key, "value": parsed}
}

// filterByParams 按字段相等关系对结果做一次后过滤
func filterByParams(results []record.Record, params record.Record) []record.Record {
	if len(params) == 0 {
		if results == nil {
			return []record.Record{}
		}
		return results
	}
	filtered := []record.Record{}
	for _, item := range results {
		match := true
		for k, v := range params {
			if !record.Equal(item[k], v) {
				match = false
				break
			}
		}
		if match {
			filtered = append(filtered, item)
		}
	}
	return filtered
}
