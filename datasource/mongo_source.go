package datasource

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// MongoSource 文档库适配器，查询字符串按 JSON 过滤器解释
type MongoSource struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        logx.Logger
}

// NewMongoSourceWithOptions 创建 MongoSource，构造时 ping 校验连通性
func NewMongoSourceWithOptions(opts *schema.DataSourceOptions) (*MongoSource, error) {
	if opts.ConnectionString == "" {
		return nil, errors.New("mongodb source requires connection_string")
	}
	if opts.Database == "" || opts.Collection == "" {
		return nil, errors.New("mongodb source requires database and collection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.ConnectionString))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to connect to mongodb")
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.WithMessage(err, "failed to ping mongodb")
	}

	return &MongoSource{
		client:     client,
		collection: client.Database(opts.Database).Collection(opts.Collection),
		log:        logx.Default(),
	}, nil
}

func (s *MongoSource) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	return s.find(ctx, query, params, nil)
}

func (s *MongoSource) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	return s.find(ctx, query, params, page)
}

func (s *MongoSource) find(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	filter, err := parseFilter(query)
	if err != nil {
		return nil, err
	}
	for k, v := range params {
		filter[k] = v
	}

	findOpts := options.Find()
	if page.Limit() > 0 {
		findOpts.SetSkip(int64(page.Skip()))
		findOpts.SetLimit(int64(page.Limit()))
	}

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute mongodb find")
	}
	defer cursor.Close(ctx)

	results := []record.Record{}
	for cursor.Next(ctx) {
		doc := make(bson.M)
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.WithMessage(err, "failed to decode mongodb document")
		}
		results = append(results, normalizeDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.WithMessage(err, "failed to iterate mongodb cursor")
	}
	return results, nil
}

// ExecuteMutation 操作种类由查询字符串的约定决定：空或含 insert 为插入，含 update 为更新，含 delete 为删除
func (s *MongoSource) ExecuteMutation(ctx context.Context, query string, data record.Record) (any, error) {
	doc := make(bson.M, len(data))
	for k, v := range data {
		doc[k] = v
	}

	switch {
	case query == "" || strings.Contains(query, "insert"):
		result, err := s.collection.InsertOne(ctx, doc)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to insert mongodb document")
		}
		s.log.Debug("mongodb document inserted", "inserted_id", result.InsertedID)
		return record.Record{
			"inserted_id": toIDString(result.InsertedID),
			"success":     true,
		}, nil

	case strings.Contains(query, "update"):
		filter, err := parseFilter(strings.TrimPrefix(strings.TrimSpace(query), "update"))
		if err != nil {
			return nil, err
		}
		result, err := s.collection.UpdateMany(ctx, filter, bson.M{"$set": doc})
		if err != nil {
			return nil, errors.WithMessage(err, "failed to update mongodb documents")
		}
		return record.Record{
			"matched_count":  result.MatchedCount,
			"modified_count": result.ModifiedCount,
			"success":        true,
		}, nil

	case strings.Contains(query, "delete"):
		filter, err := parseFilter(strings.TrimPrefix(strings.TrimSpace(query), "delete"))
		if err != nil {
			return nil, err
		}
		result, err := s.collection.DeleteMany(ctx, filter)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to delete mongodb documents")
		}
		return record.Record{
			"deleted_count": result.DeletedCount,
			"success":       true,
		}, nil
	}

	return nil, errors.Errorf("unknown mongodb operation: %s", query)
}

func (s *MongoSource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// parseFilter 把查询字符串解析为 BSON 过滤器，空串为匹配全部
// 非 JSON 文本必须报错，退化成全匹配会让引用检查凭空通过
func parseFilter(query string) (bson.M, error) {
	query = strings.TrimSpace(query)
	filter := bson.M{}
	if query == "" {
		return filter, nil
	}
	if err := json.Unmarshal([]byte(query), &filter); err != nil {
		return nil, errors.WithMessage(err, "failed to parse mongodb query as JSON")
	}
	return filter, nil
}

// normalizeDoc 把 BSON 文档归一化为 Record，ObjectID 转字符串
func normalizeDoc(doc bson.M) record.Record {
	out := make(record.Record, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return map[string]any(normalizeDoc(t))
	case bson.A:
		arr := make([]any, 0, len(t))
		for _, item := range t {
			arr = append(arr, normalizeValue(item))
		}
		return arr
	case int32:
		return int64(t)
	}
	if s := toIDString(v); s != "" {
		return s
	}
	return v
}

// toIDString ObjectID 等带 Hex 方法的 id 类型转字符串
func toIDString(v any) string {
	if h, ok := v.(interface{ Hex() string }); ok {
		return h.Hex()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
