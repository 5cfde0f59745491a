package schema

// 数据源类型标签
const (
	SourceSQL       = "sql"
	SourceREST      = "rest"
	SourceGraphQL   = "graphql"
	SourceMongo     = "mongodb"
	SourceRedis     = "redis"
	SourceFreeCache = "freecache"
	SourceBolt      = "bolt"
	SourceES        = "elasticsearch"
	SourceKafka     = "kafka"
	SourceS3        = "s3"
	SourceWebSocket = "websocket"
	SourceMemory    = "memory"
)

// DataSourceOptions 数据源配置，Type 决定哪组参数生效
// 加载后不可变，生命周期与进程一致
type DataSourceOptions struct {
	Type string `yaml:"type" json:"type" toml:"type" validate:"required,oneof=sql rest graphql mongodb redis freecache bolt elasticsearch kafka s3 websocket memory"`

	// Observable 为 true 时包一层观测装饰器
	Observable bool `yaml:"observable" json:"observable" toml:"observable"`

	// sql
	Driver   string `yaml:"driver" json:"driver" toml:"driver" validate:"omitempty,oneof=mysql sqlite3"`
	DSN      string `yaml:"dsn" json:"dsn" toml:"dsn"`
	MaxConns int    `yaml:"max_conns" json:"max_conns" toml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle" json:"max_idle" toml:"max_idle"`

	// rest / graphql / websocket
	BaseURL   string            `yaml:"base_url" json:"base_url" toml:"base_url"`
	Endpoint  string            `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	URL       string            `yaml:"url" json:"url" toml:"url"`
	Headers   map[string]string `yaml:"headers" json:"headers" toml:"headers"`
	Timeout   string            `yaml:"timeout" json:"timeout" toml:"timeout"`
	Retries   int               `yaml:"retries" json:"retries" toml:"retries"`
	Reconnect bool              `yaml:"reconnect" json:"reconnect" toml:"reconnect"`

	// mongodb
	ConnectionString string `yaml:"connection_string" json:"connection_string" toml:"connection_string"`
	Database         string `yaml:"database" json:"database" toml:"database"`
	Collection       string `yaml:"collection" json:"collection" toml:"collection"`

	// redis / freecache / bolt
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" toml:"key_prefix"`
	CacheSize int    `yaml:"cache_size" json:"cache_size" toml:"cache_size"`
	Path      string `yaml:"path" json:"path" toml:"path"`
	Bucket    string `yaml:"bucket" json:"bucket" toml:"bucket"`

	// elasticsearch
	Addresses []string `yaml:"addresses" json:"addresses" toml:"addresses"`
	Index     string   `yaml:"index" json:"index" toml:"index"`
	Username  string   `yaml:"username" json:"username" toml:"username"`
	Password  string   `yaml:"password" json:"password" toml:"password"`

	// kafka
	Brokers []string `yaml:"brokers" json:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" json:"topic" toml:"topic"`
	GroupID string   `yaml:"group_id" json:"group_id" toml:"group_id"`

	// s3（bucket 复用上面的 Bucket 字段）
	Region    string `yaml:"region" json:"region" toml:"region"`
	AccessKey string `yaml:"access_key" json:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key" toml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl" toml:"use_ssl"`
	Prefix    string `yaml:"prefix" json:"prefix" toml:"prefix"`
}
