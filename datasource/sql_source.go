package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// SQLSource 关系型数据库适配器，SQL 文本原样透传
type SQLSource struct {
	db     *sql.DB
	driver string
	log    logx.Logger
}

// NewSQLSourceWithOptions 创建 SQLSource，构造时 ping 校验连通性
func NewSQLSourceWithOptions(options *schema.DataSourceOptions) (*SQLSource, error) {
	driver := options.Driver
	if driver == "" {
		driver = "mysql"
	}
	if options.DSN == "" {
		return nil, errors.New("sql source requires dsn")
	}

	db, err := sql.Open(driver, options.DSN)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open database: %s", driver)
	}

	if options.MaxConns > 0 {
		db.SetMaxOpenConns(options.MaxConns)
	}
	if options.MaxIdle > 0 {
		db.SetMaxIdleConns(options.MaxIdle)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "failed to connect to database: %s", driver)
	}

	return &SQLSource{db: db, driver: driver, log: logx.Default()}, nil
}

func (s *SQLSource) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	if strings.TrimSpace(query) == "" {
		return []record.Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, query, bindArgs(query, params)...)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute sql query")
	}
	defer rows.Close()

	return s.scanRows(rows)
}

func (s *SQLSource) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	if page.Limit() > 0 && !strings.Contains(strings.ToLower(query), " limit ") {
		query = fmt.Sprintf("%s LIMIT %d OFFSET %d", query, page.Limit(), page.Skip())
	}
	return s.ExecuteQuery(ctx, query, params)
}

func (s *SQLSource) ExecuteMutation(ctx context.Context, query string, data record.Record) (any, error) {
	result, err := s.db.ExecContext(ctx, query, bindArgs(query, data)...)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute sql mutation")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		affected = 0
	}
	s.log.Debug("sql mutation executed", "rows_affected", affected)

	ack := record.Record{
		"rows_affected": affected,
		"success":       true,
	}
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		ack["last_insert_id"] = id
	}
	return ack, nil
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

// bindArgs 仅当查询带 ? 占位符时绑定参数
// 绑定顺序是参数键名升序，配置里的占位符顺序必须遵守同一约定，见 schema.Action.Query
func bindArgs(query string, params record.Record) []any {
	n := strings.Count(query, "?")
	if n == 0 || len(params) == 0 {
		return nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, n)
	for _, k := range keys {
		if len(args) == n {
			break
		}
		args = append(args, params[k])
	}
	return args
}

// scanRows 把结果集逐行转成 Record
// 列类型按家族尽力转换，未识别的类型回退为字符串并告警，单列失败置 nil 不中断整行
func (s *SQLSource) scanRows(rows *sql.Rows) ([]record.Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read result columns")
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read column types")
	}

	results := []record.Record{}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, errors.WithMessage(err, "failed to scan row")
		}

		row := make(record.Record, len(columns))
		for i, name := range columns {
			row[name] = s.coerceColumn(values[i], columnTypes[i].DatabaseTypeName())
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithMessage(err, "failed to iterate rows")
	}
	return results, nil
}

func (s *SQLSource) coerceColumn(v any, typeName string) any {
	if v == nil {
		return nil
	}

	switch strings.ToUpper(typeName) {
	case "TEXT", "VARCHAR", "CHAR", "NVARCHAR", "LONGTEXT", "MEDIUMTEXT", "TINYTEXT":
		return asString(v)
	case "INTEGER", "INT", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT", "UNSIGNED BIGINT":
		return asInt(v)
	case "REAL", "FLOAT", "DOUBLE", "NUMERIC", "DECIMAL":
		return asFloat(v)
	case "BOOLEAN", "BOOL":
		return asBool(v)
	case "TIMESTAMP", "DATETIME", "DATE":
		if t, ok := v.(time.Time); ok {
			return t.Format(time.RFC3339)
		}
		return asString(v)
	default:
		s.log.Warn("unrecognized column type, falling back to string", "type", typeName)
		return asString(v)
	}
}

func asString(v any) any {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	}
	return nil
}

func asInt(v any) any {
	switch t := v.(type) {
	case int64:
		return t
	case []byte:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i
		}
	case string:
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i
		}
	case float64:
		return int64(t)
	}
	return nil
}

func asFloat(v any) any {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case []byte:
		if f, err := strconv.ParseFloat(string(t), 64); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return nil
}

func asBool(v any) any {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case []byte:
		if b, err := strconv.ParseBool(string(t)); err == nil {
			return b
		}
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return nil
}
