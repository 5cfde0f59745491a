package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

func TestLoggerLog(t *testing.T) {
	Convey("Logger.Log", t, func() {
		dir := t.TempDir()
		logger, err := NewLoggerWithOptions(&LoggerOptions{Dir: dir})
		So(err, ShouldBeNil)

		Convey("记录以 JSONL 追加到当天的文件", func() {
			entry := CreateEntry("users", "u1", record.Record{"name": "Alice"}, "admin")
			So(logger.Log(entry), ShouldBeNil)
			So(logger.Log(CreateEntry("users", "u2", record.Record{"name": "Bob"}, "")), ShouldBeNil)

			path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", time.Now().UTC().Format("2006-01-02")))
			raw, err := os.ReadFile(path)
			So(err, ShouldBeNil)

			lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
			So(lines, ShouldHaveLength, 2)

			var decoded Entry
			So(json.Unmarshal([]byte(lines[0]), &decoded), ShouldBeNil)
			So(decoded.ID, ShouldEqual, entry.ID)
			So(decoded.Operation, ShouldEqual, OpCreate)
			So(decoded.SectionID, ShouldEqual, "users")
			So(decoded.RecordID, ShouldEqual, "u1")
			So(decoded.UserID, ShouldEqual, "admin")
			So(decoded.NewValues["name"], ShouldEqual, "Alice")
		})

		Convey("目录不存在时构造报错", func() {
			_, err := NewLoggerWithOptions(&LoggerOptions{})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestLoggerCleanup(t *testing.T) {
	Convey("Logger.Cleanup", t, func() {
		dir := t.TempDir()
		logger, err := NewLoggerWithOptions(&LoggerOptions{Dir: dir, RetentionDays: 7})
		So(err, ShouldBeNil)

		today := time.Now().UTC().Format("2006-01-02")
		stale := time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
		for _, date := range []string{today, stale} {
			path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", date))
			So(os.WriteFile(path, []byte("{}\n"), 0644), ShouldBeNil)
		}
		So(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0644), ShouldBeNil)

		Convey("只删除超出保留期的审计文件", func() {
			So(logger.Cleanup(), ShouldBeNil)

			entries, err := os.ReadDir(dir)
			So(err, ShouldBeNil)
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				names = append(names, entry.Name())
			}
			So(names, ShouldContain, fmt.Sprintf("audit-%s.jsonl", today))
			So(names, ShouldContain, "notes.txt")
			So(names, ShouldNotContain, fmt.Sprintf("audit-%s.jsonl", stale))
		})

		Convey("未配置保留期时不做清理", func() {
			logger, err := NewLoggerWithOptions(&LoggerOptions{Dir: dir})
			So(err, ShouldBeNil)
			So(logger.Cleanup(), ShouldBeNil)

			entries, err := os.ReadDir(dir)
			So(err, ShouldBeNil)
			So(entries, ShouldHaveLength, 3)
		})
	})
}

func TestComputeChanges(t *testing.T) {
	Convey("ComputeChanges", t, func() {
		Convey("记录修改、新增和移除的字段", func() {
			changes := ComputeChanges(
				record.Record{"name": "Alice", "age": 30, "city": "Berlin"},
				record.Record{"name": "Alice", "age": 31, "email": "alice@example.com"},
			)
			So(changes, ShouldHaveLength, 3)
			So(changes[0], ShouldResemble, FieldChange{Field: "age", OldValue: 30, NewValue: 31})
			So(changes[1], ShouldResemble, FieldChange{Field: "city", OldValue: "Berlin"})
			So(changes[2], ShouldResemble, FieldChange{Field: "email", NewValue: "alice@example.com"})
		})

		Convey("数值类型差异不算变更", func() {
			changes := ComputeChanges(
				record.Record{"age": int64(30)},
				record.Record{"age": float64(30)},
			)
			So(changes, ShouldBeEmpty)
		})

		Convey("无差异时结果为空", func() {
			So(ComputeChanges(record.Record{"a": 1}, record.Record{"a": 1}), ShouldBeEmpty)
		})
	})
}

func TestEntryBuilders(t *testing.T) {
	Convey("审计记录构造", t, func() {
		Convey("CreateEntry 所有字段记为新增", func() {
			entry := CreateEntry("users", "u1", record.Record{"b": 2, "a": 1}, "")
			So(entry.Operation, ShouldEqual, OpCreate)
			So(entry.ID, ShouldNotBeEmpty)
			So(entry.Changes, ShouldResemble, []FieldChange{
				{Field: "a", NewValue: 1},
				{Field: "b", NewValue: 2},
			})
		})

		Convey("UpdateEntry 只记录差异", func() {
			entry := UpdateEntry("users", "u1",
				record.Record{"name": "Alice", "age": 30},
				record.Record{"name": "Alice", "age": 31}, "admin")
			So(entry.Operation, ShouldEqual, OpUpdate)
			So(entry.Changes, ShouldResemble, []FieldChange{{Field: "age", OldValue: 30, NewValue: 31}})
		})

		Convey("DeleteEntry 旧值全部记为移除", func() {
			entry := DeleteEntry("users", "u1", record.Record{"name": "Alice"}, "")
			So(entry.Operation, ShouldEqual, OpDelete)
			So(entry.Changes, ShouldResemble, []FieldChange{{Field: "name", OldValue: "Alice"}})
		})
	})
}

func TestShouldAudit(t *testing.T) {
	Convey("ShouldAudit", t, func() {
		Convey("无策略时不审计", func() {
			So(ShouldAudit(nil, OpCreate), ShouldBeFalse)
		})

		Convey("按操作类型取对应开关", func() {
			policy := &schema.AuditPolicy{TrackCreated: true, TrackDeleted: true}
			So(ShouldAudit(policy, OpCreate), ShouldBeTrue)
			So(ShouldAudit(policy, OpUpdate), ShouldBeFalse)
			So(ShouldAudit(policy, OpDelete), ShouldBeTrue)
			So(ShouldAudit(policy, "reindex"), ShouldBeFalse)
		})
	})
}
