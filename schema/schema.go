package schema

import (
	"github.com/pkg/errors"
)

// Backoffice 一份后台配置：数据源、业务段、关系声明
// 启动时加载一次，进程生命周期内只读共享
type Backoffice struct {
	ID            string                       `yaml:"id" json:"id" toml:"id" validate:"required"`
	Name          string                       `yaml:"name" json:"name" toml:"name" validate:"required"`
	Description   string                       `yaml:"description" json:"description" toml:"description"`
	DataSources   map[string]DataSourceOptions `yaml:"data_sources" json:"data_sources" toml:"data_sources" validate:"required,dive"`
	Sections      []Section                    `yaml:"sections" json:"sections" toml:"sections" validate:"required,dive"`
	Relationships []Relationship               `yaml:"relationships" json:"relationships" toml:"relationships" validate:"dive"`
}

// Section 业务段：字段结构加动作路由，本身不承载数据
type Section struct {
	ID      string       `yaml:"id" json:"id" toml:"id" validate:"required"`
	Name    string       `yaml:"name" json:"name" toml:"name" validate:"required"`
	Icon    string       `yaml:"icon" json:"icon" toml:"icon"`
	Actions []Action     `yaml:"actions" json:"actions" toml:"actions" validate:"required,min=1,dive"`
	Audit   *AuditPolicy `yaml:"audit" json:"audit" toml:"audit"`
}

// AuditPolicy 业务段的审计开关，缺省不记录
type AuditPolicy struct {
	TrackCreated bool `yaml:"track_created" json:"track_created" toml:"track_created"`
	TrackUpdated bool `yaml:"track_updated" json:"track_updated" toml:"track_updated"`
	TrackDeleted bool `yaml:"track_deleted" json:"track_deleted" toml:"track_deleted"`
}

// Action 单个动作，绑定到唯一的数据源
// Query 带 ? 占位符时参数按键名升序绑定，SQL 里的占位符顺序必须按字段 id 升序书写
type Action struct {
	ID         string  `yaml:"id" json:"id" toml:"id" validate:"required"`
	Name       string  `yaml:"name" json:"name" toml:"name"`
	Type       string  `yaml:"type" json:"type" toml:"type" validate:"required,oneof=list form view custom"`
	DataSource string  `yaml:"data_source" json:"data_source" toml:"data_source" validate:"required"`
	Query      string  `yaml:"query" json:"query" toml:"query"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	Fields     []Field `yaml:"fields" json:"fields" toml:"fields" validate:"dive"`
	PageSize   int     `yaml:"page_size" json:"page_size" toml:"page_size"`
}

// Field 字段定义
type Field struct {
	ID             string           `yaml:"id" json:"id" toml:"id" validate:"required"`
	Name           string           `yaml:"name" json:"name" toml:"name"`
	Type           string           `yaml:"type" json:"type" toml:"type"`
	Required       bool             `yaml:"required" json:"required" toml:"required"`
	Editable       bool             `yaml:"editable" json:"editable" toml:"editable"`
	Visible        bool             `yaml:"visible" json:"visible" toml:"visible"`
	Default        any              `yaml:"default" json:"default" toml:"default"`
	Placeholder    string           `yaml:"placeholder" json:"placeholder" toml:"placeholder"`
	HelpText       string           `yaml:"help_text" json:"help_text" toml:"help_text"`
	Validations    []ValidationRule `yaml:"validations" json:"validations" toml:"validations" validate:"dive"`
	RelationshipID string           `yaml:"relationship_id" json:"relationship_id" toml:"relationship_id"`
}

// 校验规则类型标签
const (
	RuleRequired       = "required"
	RuleMinLength      = "min_length"
	RuleMaxLength      = "max_length"
	RulePattern        = "pattern"
	RuleMin            = "min"
	RuleMax            = "max"
	RuleBetween        = "between"
	RuleEmail          = "email"
	RuleURL            = "url"
	RulePhone          = "phone"
	RuleCustomFunction = "custom_function"
	RuleDependsOn      = "depends_on"
	RuleUniqueIn       = "unique_in"
	RuleMatchField     = "match_field"
	RuleCreditCard     = "credit_card"
	RuleIPv4           = "ipv4"
	RuleIPv6           = "ipv6"
	RuleUUID           = "uuid"
	RuleDateRange      = "date_range"
	RuleFileSize       = "file_size"
	RuleFileType       = "file_type"
	RuleStrongPassword = "strong_password"
	RuleAlphaNumeric   = "alphanumeric"
	RuleLuhn           = "luhn"
	RuleMacAddress     = "mac_address"
	RuleISBN           = "isbn"
	RuleIBAN           = "iban"
	RuleSSN            = "ssn"
	RulePostalCode     = "postal_code"
	RuleBase64         = "base64"
	RuleJSON           = "json"
	RuleHex            = "hex"
	RuleASCII          = "ascii"
	RuleNotEmpty       = "not_empty"
	RuleFuture         = "future"
	RulePast           = "past"
	RuleMinAge         = "min_age"
	RuleMaxAge         = "max_age"
)

// ValidationRule 单条校验规则，Type 决定哪些参数生效
// Condition 非空时规则按条件激活
type ValidationRule struct {
	Type string `yaml:"type" json:"type" toml:"type" validate:"required"`

	// 通用参数
	Value  any     `yaml:"value" json:"value" toml:"value"`
	Min    float64 `yaml:"min" json:"min" toml:"min"`
	Max    float64 `yaml:"max" json:"max" toml:"max"`
	Length int     `yaml:"length" json:"length" toml:"length"`
	Regex  string  `yaml:"regex" json:"regex" toml:"regex"`

	// 跨字段参数
	Field      string `yaml:"field" json:"field" toml:"field"`
	StartField string `yaml:"start_field" json:"start_field" toml:"start_field"`
	EndField   string `yaml:"end_field" json:"end_field" toml:"end_field"`

	// 日期与地域参数
	Years       int    `yaml:"years" json:"years" toml:"years"`
	CountryCode string `yaml:"country_code" json:"country_code" toml:"country_code"`

	// 文件与密码参数
	MaxSizeMB        float64  `yaml:"max_size_mb" json:"max_size_mb" toml:"max_size_mb"`
	AllowedTypes     []string `yaml:"allowed_types" json:"allowed_types" toml:"allowed_types"`
	FieldList        []string `yaml:"field_list" json:"field_list" toml:"field_list"`
	FunctionName     string   `yaml:"function_name" json:"function_name" toml:"function_name"`
	MinLength        int      `yaml:"min_length" json:"min_length" toml:"min_length"`
	RequireUppercase bool     `yaml:"require_uppercase" json:"require_uppercase" toml:"require_uppercase"`
	RequireLowercase bool     `yaml:"require_lowercase" json:"require_lowercase" toml:"require_lowercase"`
	RequireNumber    bool     `yaml:"require_number" json:"require_number" toml:"require_number"`
	RequireSpecial   bool     `yaml:"require_special" json:"require_special" toml:"require_special"`

	// 自定义错误消息，为空时使用默认消息
	Message string `yaml:"message" json:"message" toml:"message"`

	Condition *Condition `yaml:"condition" json:"condition" toml:"condition"`
}

// Condition 规则激活条件，针对整条记录求值
type Condition struct {
	Field    string `yaml:"field" json:"field" toml:"field" validate:"required"`
	Operator string `yaml:"operator" json:"operator" toml:"operator" validate:"required,oneof=eq ne gt lt gte lte contains not_contains in not_in"`
	Value    any    `yaml:"value" json:"value" toml:"value"`
}

// 条件比较操作符
const (
	OpEquals      = "eq"
	OpNotEquals   = "ne"
	OpGreater     = "gt"
	OpLess        = "lt"
	OpGreaterEq   = "gte"
	OpLessEq      = "lte"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
	OpNotIn       = "not_in"
)

// 关系类型标签
const (
	RelOneToOne   = "one_to_one"
	RelOneToMany  = "one_to_many"
	RelManyToOne  = "many_to_one"
	RelManyToMany = "many_to_many"
)

// Relationship 两个业务段字段之间的引用声明
// 关系图允许成环，级联遍历时按图搜索处理
type Relationship struct {
	ID            string    `yaml:"id" json:"id" toml:"id" validate:"required"`
	FromSection   string    `yaml:"from_section" json:"from_section" toml:"from_section" validate:"required"`
	FromField     string    `yaml:"from_field" json:"from_field" toml:"from_field" validate:"required"`
	ToSection     string    `yaml:"to_section" json:"to_section" toml:"to_section" validate:"required"`
	ToField       string    `yaml:"to_field" json:"to_field" toml:"to_field" validate:"required"`
	Type          string    `yaml:"type" json:"type" toml:"type" validate:"required,oneof=one_to_one one_to_many many_to_one many_to_many"`
	Junction      *Junction `yaml:"junction" json:"junction" toml:"junction"`
	CascadeDelete bool      `yaml:"cascade_delete" json:"cascade_delete" toml:"cascade_delete"`
}

// Junction 多对多关系的中间表描述
type Junction struct {
	Table     string `yaml:"table" json:"table" toml:"table" validate:"required"`
	FromField string `yaml:"from_field" json:"from_field" toml:"from_field" validate:"required"`
	ToField   string `yaml:"to_field" json:"to_field" toml:"to_field" validate:"required"`
}

// Section 按 id 查找业务段
func (b *Backoffice) Section(id string) (*Section, error) {
	for i := range b.Sections {
		if b.Sections[i].ID == id {
			return &b.Sections[i], nil
		}
	}
	return nil, errors.Errorf("section not found: %s", id)
}

// Relationship 按 id 查找关系
func (b *Backoffice) Relationship(id string) (*Relationship, error) {
	for i := range b.Relationships {
		if b.Relationships[i].ID == id {
			return &b.Relationships[i], nil
		}
	}
	return nil, errors.Errorf("relationship not found: %s", id)
}

// RelationshipsFrom 过滤出以指定业务段为源的关系
func (b *Backoffice) RelationshipsFrom(sectionID string) []*Relationship {
	var out []*Relationship
	for i := range b.Relationships {
		if b.Relationships[i].FromSection == sectionID {
			out = append(out, &b.Relationships[i])
		}
	}
	return out
}

// RelationshipsTo 过滤出以指定业务段为目标的关系
func (b *Backoffice) RelationshipsTo(sectionID string) []*Relationship {
	var out []*Relationship
	for i := range b.Relationships {
		if b.Relationships[i].ToSection == sectionID {
			out = append(out, &b.Relationships[i])
		}
	}
	return out
}

// Action 按 id 查找动作
func (s *Section) Action(id string) (*Action, error) {
	for i := range s.Actions {
		if s.Actions[i].ID == id {
			return &s.Actions[i], nil
		}
	}
	return nil, errors.Errorf("action not found in section %s: %s", s.ID, id)
}

// PrimaryDataSource 返回业务段第一个动作绑定的数据源 id
// 关系校验与级联删除都通过它定位后端
func (s *Section) PrimaryDataSource() (string, error) {
	if len(s.Actions) == 0 {
		return "", errors.Errorf("no actions found in section: %s", s.ID)
	}
	return s.Actions[0].DataSource, nil
}
