package datasource

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// MemorySource 进程内表格适配器，测试和演示用
// 查询支持裸表名和一个极小的 SQL 子集，等值过滤走 JSON 归一化比较
type MemorySource struct {
	mu     sync.RWMutex
	tables map[string][]record.Record
}

// NewMemorySourceWithOptions 创建 MemorySource
func NewMemorySourceWithOptions(opts *schema.DataSourceOptions) (*MemorySource, error) {
	return &MemorySource{
		tables: map[string][]record.Record{},
	}, nil
}

var (
	memSelectRe = regexp.MustCompile(`(?i)^select\s+.+?\s+from\s+(\S+)(?:\s+where\s+(\w+)\s*=\s*'([^']*)')?`)
	memDeleteRe = regexp.MustCompile(`(?i)^delete\s+from\s+(\S+)(?:\s+where\s+(\w+)\s*=\s*'([^']*)')?`)
	memInsertRe = regexp.MustCompile(`(?i)^insert\s+into\s+(\S+)`)
	memUpdateRe = regexp.MustCompile(`(?i)^update\s+(\S+)(?:\s+where\s+(\w+)\s*=\s*'([^']*)')?`)
)

func (s *MemorySource) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	return s.ExecuteQueryPaginated(ctx, query, params, nil)
}

// ExecuteQueryPaginated 过滤后按 Skip/Limit 切片
func (s *MemorySource) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	table, field, value := parseMemoryQuery(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := []record.Record{}
	for _, rec := range s.tables[table] {
		if field != "" && !record.Equal(rec[field], value) {
			continue
		}
		if !matchParams(rec, params) {
			continue
		}
		records = append(records, rec.Clone())
	}

	skip := page.Skip()
	if skip >= len(records) {
		return []record.Record{}, nil
	}
	records = records[skip:]
	if limit := page.Limit(); limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

// ExecuteMutation 按查询动词分派，裸表名等同 insert
func (s *MemorySource) ExecuteMutation(ctx context.Context, query string, data record.Record) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := memDeleteRe.FindStringSubmatch(query); m != nil {
		return s.delete(m[1], m[2], m[3], data)
	}
	if m := memUpdateRe.FindStringSubmatch(query); m != nil {
		return s.update(m[1], m[2], m[3], data)
	}
	if m := memInsertRe.FindStringSubmatch(query); m != nil {
		return s.insert(m[1], data)
	}
	if strings.ContainsAny(query, " \t") {
		return nil, errors.Errorf("unsupported mutation query: %s", query)
	}

	if del, ok := data.Bool("delete"); ok && del {
		return s.delete(query, "", "", data)
	}
	return s.insert(query, data)
}

func (s *MemorySource) insert(table string, data record.Record) (any, error) {
	s.tables[table] = append(s.tables[table], data.Clone())
	return record.Record{"rows_affected": int64(1), "success": true}, nil
}

// update WHERE 条件缺失时退回用 data 的 id 字段定位
func (s *MemorySource) update(table, field, value string, data record.Record) (any, error) {
	if field == "" {
		if id, ok := data.String("id"); ok {
			field, value = "id", id
		}
	}

	var affected int64
	for i, rec := range s.tables[table] {
		if field != "" && !record.Equal(rec[field], value) {
			continue
		}
		updated := rec.Clone()
		for k, v := range data {
			updated[k] = v
		}
		s.tables[table][i] = updated
		affected++
	}
	return record.Record{"rows_affected": affected, "success": true}, nil
}

func (s *MemorySource) delete(table, field, value string, data record.Record) (any, error) {
	if field == "" {
		if id, ok := data.String("id"); ok {
			field, value = "id", id
		}
	}

	kept := s.tables[table][:0]
	var affected int64
	for _, rec := range s.tables[table] {
		if field != "" && !record.Equal(rec[field], value) {
			kept = append(kept, rec)
			continue
		}
		affected++
	}
	s.tables[table] = kept
	return record.Record{"rows_affected": affected, "success": true}, nil
}

// parseMemoryQuery 空查询和 '*' 匹配全表，裸字符串当作表名
func parseMemoryQuery(query string) (table, field, value string) {
	query = strings.TrimSpace(query)
	if query == "" || query == "*" {
		return "", "", ""
	}
	if m := memSelectRe.FindStringSubmatch(query); m != nil {
		return m[1], m[2], m[3]
	}
	return query, "", ""
}

func matchParams(rec record.Record, params record.Record) bool {
	for k, v := range params {
		if !record.Equal(rec[k], v) {
			return false
		}
	}
	return true
}

// Seed 直接写入一张表，测试夹具用
func (s *MemorySource) Seed(table string, records ...record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.tables[table] = append(s.tables[table], rec.Clone())
	}
}

func (s *MemorySource) Close() error {
	return nil
}
