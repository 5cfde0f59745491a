package datasource

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

const defaultBucketName = "records"

// BoltSource 嵌入式键值适配器，值以 msgpack 编码的 Record 存储
// 查询字符串是键，带 * 时按前缀扫描；无分页概念
type BoltSource struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltSourceWithOptions 创建 BoltSource，打开失败即失败
func NewBoltSourceWithOptions(opts *schema.DataSourceOptions) (*BoltSource, error) {
	if opts.Path == "" {
		return nil, errors.New("bolt source requires path")
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = defaultBucketName
	}

	db, err := bolt.Open(opts.Path, 0600, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open bolt database: %s", opts.Path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "failed to create bolt bucket: %s", bucket)
	}

	return &BoltSource{db: db, bucket: []byte(bucket)}, nil
}

func (s *BoltSource) ExecuteQuery(ctx context.Context, key string, params record.Record) ([]record.Record, error) {
	results := []record.Record{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}

		if key == "" || strings.Contains(key, "*") {
			prefix := []byte(strings.TrimSuffix(key, "*"))
			c := b.Cursor()
			for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
				results = append(results, decodeBoltValue(string(k), v))
			}
			return nil
		}

		v := b.Get([]byte(key))
		if v != nil {
			results = append(results, decodeBoltValue(key, v))
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read from bolt")
	}

	return filterByParams(results, params), nil
}

// ExecuteQueryPaginated 嵌入式键值后端没有分页概念，参数被忽略
func (s *BoltSource) ExecuteQueryPaginated(ctx context.Context, key string, params record.Record, page *Pagination) ([]record.Record, error) {
	return s.ExecuteQuery(ctx, key, params)
}

// ExecuteMutation data 含 delete:true 为删除，否则整条 data 作为值写入
func (s *BoltSource) ExecuteMutation(ctx context.Context, key string, data record.Record) (any, error) {
	if key == "" {
		return nil, errors.New("bolt mutation requires a key")
	}

	if deleted, _ := data.Bool("delete"); deleted {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(s.bucket).Delete([]byte(key))
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to delete bolt key: %s", key)
		}
		return record.Record{"key": key, "deleted": true, "success": true}, nil
	}

	buf, err := msgpack.Marshal(map[string]any(data))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode record")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), buf)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to put bolt key: %s", key)
	}
	return record.Record{"key": key, "success": true}, nil
}

func (s *BoltSource) Close() error {
	return s.db.Close()
}

// decodeBoltValue 解码失败时退化为 {key, value} 原始串，坏数据不放大为错误
func decodeBoltValue(key string, v []byte) record.Record {
	var data map[string]any
	if err := msgpack.Unmarshal(v, &data); err != nil {
		return record.Record{"key": key, "value": string(v)}
	}
	out := record.Record(data)
	if !out.Has("key") {
		out["key"] = key
	}
	return out
}
