package datasource

import (
	"context"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
	"github.com/pkg/errors"
)

// DataSource 所有后端适配器实现的统一能力集
// 入参出参只允许 Record 和原始查询字符串，后端原生类型不得越过该边界
type DataSource interface {
	// ExecuteQuery 只读操作，query 按后端各自的惯例解释
	// 空查询返回全量或空集，不返回错误
	ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error)
	// ExecuteQueryPaginated 将统一的分页参数翻译为后端的原生分页习惯
	// 无分页概念的后端忽略参数返回全量
	ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error)
	// ExecuteMutation 写操作，操作种类由查询字符串或 data 中的约定字段决定
	// 返回值是归一化后的后端确认信息
	ExecuteMutation(ctx context.Context, query string, data record.Record) (any, error)
	Close() error
}

// Pagination 后端无关的分页三元组
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Offset   int `json:"offset"`
}

// Limit 返回单页大小，未设置时为 0 表示不限
func (p *Pagination) Limit() int {
	if p == nil {
		return 0
	}
	return p.PageSize
}

// Skip 返回跳过条数，显式 Offset 优先于 page 计算
func (p *Pagination) Skip() int {
	if p == nil {
		return 0
	}
	if p.Offset > 0 {
		return p.Offset
	}
	if p.Page > 1 && p.PageSize > 0 {
		return (p.Page - 1) * p.PageSize
	}
	return 0
}

// New 根据数据源配置构造对应的适配器，构造时做连通性检查
// 新增后端种类时扩展这里的分支
func New(options *schema.DataSourceOptions) (DataSource, error) {
	if options == nil {
		return nil, errors.New("data source options cannot be nil")
	}

	switch options.Type {
	case schema.SourceSQL:
		return NewSQLSourceWithOptions(options)
	case schema.SourceREST:
		return NewRESTSourceWithOptions(options)
	case schema.SourceGraphQL:
		return NewGraphQLSourceWithOptions(options)
	case schema.SourceMongo:
		return NewMongoSourceWithOptions(options)
	case schema.SourceRedis:
		return NewRedisSourceWithOptions(options)
	case schema.SourceFreeCache:
		return NewFreeCacheSourceWithOptions(options)
	case schema.SourceBolt:
		return NewBoltSourceWithOptions(options)
	case schema.SourceES:
		return NewESSourceWithOptions(options)
	case schema.SourceKafka:
		return NewKafkaSourceWithOptions(options)
	case schema.SourceS3:
		return NewS3SourceWithOptions(options)
	case schema.SourceWebSocket:
		return NewWebSocketSourceWithOptions(options)
	case schema.SourceMemory:
		return NewMemorySourceWithOptions(options)
	}
	return nil, errors.Errorf("unsupported data source type: %s", options.Type)
}

// Registry 启动时按数据源 id 构建一次的适配器池
// 之后只读共享，请求之间不重复建连
type Registry struct {
	sources map[string]DataSource
	log     logx.Logger
}

// NewRegistry 逐个构造数据源，任一后端不可达则整体失败
func NewRegistry(configs map[string]schema.DataSourceOptions) (*Registry, error) {
	r := &Registry{
		sources: make(map[string]DataSource, len(configs)),
		log:     logx.Default(),
	}

	for id := range configs {
		options := configs[id]
		source, err := New(&options)
		if err != nil {
			r.CloseAll()
			return nil, errors.WithMessagef(err, "failed to create data source: %s", id)
		}
		if options.Observable {
			source = NewObservableSource(id, source)
		}
		r.sources[id] = source
		r.log.Info("data source ready", "id", id, "type", options.Type)
	}

	return r, nil
}

// Get 按 id 取数据源
func (r *Registry) Get(id string) (DataSource, error) {
	source, ok := r.sources[id]
	if !ok {
		return nil, errors.Errorf("data source not found: %s", id)
	}
	return source, nil
}

// Sources 返回内部映射，关系引擎按 id 寻址时使用
func (r *Registry) Sources() map[string]DataSource {
	return r.sources
}

// Put 注入数据源，测试场景使用
func (r *Registry) Put(id string, source DataSource) {
	r.sources[id] = source
}

// CloseAll 关闭所有数据源
func (r *Registry) CloseAll() {
	for id, source := range r.sources {
		if err := source.Close(); err != nil {
			r.log.Warn("failed to close data source", "id", id, "error", err)
		}
	}
}
