package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// 审计操作类型
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Entry 一条审计记录，按 JSONL 追加落盘
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Operation string            `json:"operation"`
	SectionID string            `json:"section_id"`
	RecordID  string            `json:"record_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	OldValues record.Record     `json:"old_values,omitempty"`
	NewValues record.Record     `json:"new_values,omitempty"`
	Changes   []FieldChange     `json:"changes"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FieldChange 单字段变更
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// LoggerOptions 审计日志配置
type LoggerOptions struct {
	Dir           string `yaml:"dir" json:"dir" toml:"dir" validate:"required"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days" toml:"retention_days"`
}

// Logger 按天滚动的 JSONL 审计日志
type Logger struct {
	dir           string
	retentionDays int
	log           logx.Logger

	mu sync.Mutex
}

// NewLoggerWithOptions 创建审计日志，目录不存在时创建
func NewLoggerWithOptions(options *LoggerOptions) (*Logger, error) {
	if options == nil || options.Dir == "" {
		return nil, errors.New("audit logger requires dir")
	}
	if err := os.MkdirAll(options.Dir, 0755); err != nil {
		return nil, errors.WithMessagef(err, "failed to create audit log directory: %s", options.Dir)
	}
	return &Logger{
		dir:           options.Dir,
		retentionDays: options.RetentionDays,
		log:           logx.Default(),
	}, nil
}

// Log 追加一条审计记录并立即刷盘
func (l *Logger) Log(entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.WithMessage(err, "failed to serialize audit entry")
	}

	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl", entry.Timestamp.UTC().Format("2006-01-02")))

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithMessagef(err, "failed to open audit log file: %s", path)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return errors.WithMessage(err, "failed to write audit entry")
	}
	if err := file.Sync(); err != nil {
		return errors.WithMessage(err, "failed to flush audit log")
	}

	l.log.Debug("audit entry logged", "id", entry.ID, "operation", entry.Operation, "section", entry.SectionID)
	return nil
}

// Cleanup 删除超过保留期的日志文件，文件名里的日期早于截止日即删
func (l *Logger) Cleanup() error {
	if l.retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays).Format("2006-01-02")

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.WithMessagef(err, "failed to read audit log directory: %s", l.dir)
	}

	deleted := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, "audit-"), ".jsonl")
		if date < cutoff {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				return errors.WithMessagef(err, "failed to delete audit log: %s", name)
			}
			deleted++
		}
	}
	l.log.Info("audit log cleanup finished", "deleted", deleted, "cutoff", cutoff)
	return nil
}

// CreateEntry 新建操作的审计记录，所有字段记为新增
func CreateEntry(sectionID, recordID string, data record.Record, userID string) *Entry {
	changes := make([]FieldChange, 0, len(data))
	for _, field := range sortedKeys(data) {
		changes = append(changes, FieldChange{Field: field, NewValue: data[field]})
	}
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Operation: OpCreate,
		SectionID: sectionID,
		RecordID:  recordID,
		UserID:    userID,
		NewValues: data,
		Changes:   changes,
	}
}

// UpdateEntry 更新操作的审计记录，只记录有差异的字段
func UpdateEntry(sectionID, recordID string, oldData, newData record.Record, userID string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Operation: OpUpdate,
		SectionID: sectionID,
		RecordID:  recordID,
		UserID:    userID,
		OldValues: oldData,
		NewValues: newData,
		Changes:   ComputeChanges(oldData, newData),
	}
}

// DeleteEntry 删除操作的审计记录，旧值全部记为移除
func DeleteEntry(sectionID, recordID string, oldData record.Record, userID string) *Entry {
	changes := make([]FieldChange, 0, len(oldData))
	for _, field := range sortedKeys(oldData) {
		changes = append(changes, FieldChange{Field: field, OldValue: oldData[field]})
	}
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Operation: OpDelete,
		SectionID: sectionID,
		RecordID:  recordID,
		UserID:    userID,
		OldValues: oldData,
		Changes:   changes,
	}
}

// ComputeChanges 新旧记录逐字段对比，无差异的字段不进结果
func ComputeChanges(oldData, newData record.Record) []FieldChange {
	fields := map[string]struct{}{}
	for k := range oldData {
		fields[k] = struct{}{}
	}
	for k := range newData {
		fields[k] = struct{}{}
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var changes []FieldChange
	for _, field := range names {
		oldValue, newValue := oldData[field], newData[field]
		if record.Equal(oldValue, newValue) {
			continue
		}
		changes = append(changes, FieldChange{Field: field, OldValue: oldValue, NewValue: newValue})
	}
	return changes
}

// ShouldAudit 判断业务段对该操作是否开启审计
func ShouldAudit(policy *schema.AuditPolicy, operation string) bool {
	if policy == nil {
		return false
	}
	switch operation {
	case OpCreate:
		return policy.TrackCreated
	case OpUpdate:
		return policy.TrackUpdated
	case OpDelete:
		return policy.TrackDeleted
	}
	return false
}

func sortedKeys(data record.Record) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
