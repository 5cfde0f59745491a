package datasource

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// S3Source 对象存储适配器，查询字符串是对象键或 '*' 结尾的前缀
// JSON 对象内容解析为记录，其余内容按文本返回
type S3Source struct {
	client *minio.Client
	bucket string
	prefix string
	log    logx.Logger
}

// NewS3SourceWithOptions 创建 S3Source，构造时校验桶存在
func NewS3SourceWithOptions(opts *schema.DataSourceOptions) (*S3Source, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("s3 source requires endpoint")
	}
	if opts.Bucket == "" {
		return nil, errors.New("s3 source requires bucket")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create s3 client for %s", opts.Endpoint)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to check bucket %s", opts.Bucket)
	}
	if !exists {
		return nil, errors.Errorf("bucket does not exist: %s", opts.Bucket)
	}

	return &S3Source{
		client: client,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		log:    logx.Default(),
	}, nil
}

func (s *S3Source) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	return s.ExecuteQueryPaginated(ctx, query, params, nil)
}

// ExecuteQueryPaginated 列举查询做客户端截断，单对象查询忽略分页
func (s *S3Source) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	if query == "" || strings.HasSuffix(query, "*") {
		return s.list(ctx, strings.TrimSuffix(query, "*"), page)
	}
	return s.getObject(ctx, query)
}

func (s *S3Source) list(ctx context.Context, pattern string, page *Pagination) ([]record.Record, error) {
	records := []record.Record{}
	skip, limit := page.Skip(), page.Limit()
	count := 0
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix + pattern,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, errors.WithMessagef(object.Err, "failed to list objects in %s", s.bucket)
		}
		count++
		if count <= skip {
			continue
		}
		records = append(records, record.Record{
			"key":           strings.TrimPrefix(object.Key, s.prefix),
			"size":          object.Size,
			"last_modified": object.LastModified,
			"etag":          object.ETag,
		})
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (s *S3Source) getObject(ctx context.Context, key string) ([]record.Record, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.prefix+key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get object %s", key)
	}
	defer object.Close()

	body, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return []record.Record{}, nil
		}
		return nil, errors.WithMessagef(err, "failed to read object %s", key)
	}

	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		rec := record.Record(parsed)
		rec["key"] = key
		return []record.Record{rec}, nil
	}
	return []record.Record{{"key": key, "content": string(body)}}, nil
}

// ExecuteMutation 查询字符串是对象键，data 携带 content/encoding/content_type
// data 带 delete:true 时删除对象
func (s *S3Source) ExecuteMutation(ctx context.Context, key string, data record.Record) (any, error) {
	if del, ok := data.Bool("delete"); ok && del {
		if err := s.client.RemoveObject(ctx, s.bucket, s.prefix+key, minio.RemoveObjectOptions{}); err != nil {
			return nil, errors.WithMessagef(err, "failed to remove object %s", key)
		}
		return record.Record{"key": key, "deleted": true, "success": true}, nil
	}

	content, ok := data.String("content")
	if !ok {
		// 没有 content 字段时整个 data 序列化为 JSON 对象写入
		buf, err := json.Marshal(map[string]any(data))
		if err != nil {
			return nil, errors.WithMessage(err, "failed to encode object body")
		}
		return s.putObject(ctx, key, buf, "application/json")
	}

	body := []byte(content)
	if enc, ok := data.String("encoding"); ok && enc == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to decode base64 content")
		}
		body = decoded
	}
	contentType, ok := data.String("content_type")
	if !ok {
		contentType = "application/octet-stream"
	}
	return s.putObject(ctx, key, body, contentType)
}

func (s *S3Source) putObject(ctx context.Context, key string, body []byte, contentType string) (any, error) {
	info, err := s.client.PutObject(ctx, s.bucket, s.prefix+key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to put object %s", key)
	}
	return record.Record{"key": key, "size": info.Size, "etag": info.ETag, "success": true}, nil
}

func (s *S3Source) Close() error {
	return nil
}
