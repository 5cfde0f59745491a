package datasource

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

func TestMemorySource(t *testing.T) {
	Convey("MemorySource", t, func() {
		ctx := context.Background()
		source, err := NewMemorySourceWithOptions(&schema.DataSourceOptions{Type: schema.SourceMemory})
		So(err, ShouldBeNil)

		Convey("裸表名写入等同 insert", func() {
			_, err := source.ExecuteMutation(ctx, "users", record.Record{"id": "u1", "name": "Alice"})
			So(err, ShouldBeNil)

			records, err := source.ExecuteQuery(ctx, "users", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["name"], ShouldEqual, "Alice")
		})

		Convey("params 作为等值过滤条件", func() {
			source.Seed("users",
				record.Record{"id": "u1", "status": "active"},
				record.Record{"id": "u2", "status": "inactive"},
			)

			records, err := source.ExecuteQuery(ctx, "users", record.Record{"status": "active"})
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["id"], ShouldEqual, "u1")
		})

		Convey("SQL 子集查询按 where 过滤", func() {
			source.Seed("users",
				record.Record{"id": "u1"},
				record.Record{"id": "u2"},
			)

			records, err := source.ExecuteQuery(ctx, "SELECT * FROM users WHERE id = 'u2'", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["id"], ShouldEqual, "u2")
		})

		Convey("update 动词按条件改写", func() {
			source.Seed("users", record.Record{"id": "u1", "name": "Alice"})

			ack, err := source.ExecuteMutation(ctx, "UPDATE users WHERE id = 'u1'", record.Record{"name": "Bob"})
			So(err, ShouldBeNil)
			So(ack.(record.Record)["rows_affected"], ShouldEqual, int64(1))

			records, _ := source.ExecuteQuery(ctx, "users", nil)
			So(records[0]["name"], ShouldEqual, "Bob")
		})

		Convey("delete 动词按条件删除", func() {
			source.Seed("users",
				record.Record{"id": "u1"},
				record.Record{"id": "u2"},
			)

			ack, err := source.ExecuteMutation(ctx, "DELETE FROM users WHERE id = 'u1'", nil)
			So(err, ShouldBeNil)
			So(ack.(record.Record)["rows_affected"], ShouldEqual, int64(1))

			records, _ := source.ExecuteQuery(ctx, "users", nil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["id"], ShouldEqual, "u2")
		})

		Convey("查询结果是副本，改动不影响存储", func() {
			source.Seed("users", record.Record{"id": "u1", "name": "Alice"})

			records, _ := source.ExecuteQuery(ctx, "users", nil)
			records[0]["name"] = "Mallory"

			again, _ := source.ExecuteQuery(ctx, "users", nil)
			So(again[0]["name"], ShouldEqual, "Alice")
		})

		Convey("分页按切片截取", func() {
			for i := 0; i < 25; i++ {
				source.Seed("nums", record.Record{"n": i})
			}

			page2, err := source.ExecuteQueryPaginated(ctx, "nums", nil, &Pagination{Page: 2, PageSize: 10})
			So(err, ShouldBeNil)
			So(page2, ShouldHaveLength, 10)
			So(page2[0]["n"], ShouldEqual, 10)

			tail, err := source.ExecuteQueryPaginated(ctx, "nums", nil, &Pagination{Offset: 20, PageSize: 10})
			So(err, ShouldBeNil)
			So(tail, ShouldHaveLength, 5)
		})

		Convey("越界分页返回空集", func() {
			source.Seed("nums", record.Record{"n": 1})
			records, err := source.ExecuteQueryPaginated(ctx, "nums", nil, &Pagination{Page: 9, PageSize: 10})
			So(err, ShouldBeNil)
			So(records, ShouldBeEmpty)
		})
	})
}
