package datasource

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

func TestFreeCacheSource(t *testing.T) {
	Convey("FreeCacheSource", t, func() {
		ctx := context.Background()
		source, err := NewFreeCacheSourceWithOptions(&schema.DataSourceOptions{Type: schema.SourceFreeCache})
		So(err, ShouldBeNil)
		defer source.Close()

		Convey("写入后按键读回，JSON 值解析为结构", func() {
			_, err := source.ExecuteMutation(ctx, "user:1", record.Record{
				"value": map[string]any{"name": "Alice"},
			})
			So(err, ShouldBeNil)

			records, err := source.ExecuteQuery(ctx, "user:1", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["key"], ShouldEqual, "user:1")
			So(records[0]["value"], ShouldResemble, map[string]any{"name": "Alice"})
		})

		Convey("未命中与空键返回空集", func() {
			records, err := source.ExecuteQuery(ctx, "ghost", nil)
			So(err, ShouldBeNil)
			So(records, ShouldBeEmpty)

			records, err = source.ExecuteQuery(ctx, "", nil)
			So(err, ShouldBeNil)
			So(records, ShouldBeEmpty)
		})

		Convey("delete:true 删除键", func() {
			_, err := source.ExecuteMutation(ctx, "user:1", record.Record{"value": "x"})
			So(err, ShouldBeNil)

			result, err := source.ExecuteMutation(ctx, "user:1", record.Record{"delete": true})
			So(err, ShouldBeNil)
			So(result.(record.Record)["deleted"], ShouldEqual, int64(1))

			records, err := source.ExecuteQuery(ctx, "user:1", nil)
			So(err, ShouldBeNil)
			So(records, ShouldBeEmpty)

			result, err = source.ExecuteMutation(ctx, "user:1", record.Record{"delete": true})
			So(err, ShouldBeNil)
			So(result.(record.Record)["deleted"], ShouldEqual, int64(0))
		})

		Convey("既无 value 也无 delete 报错", func() {
			_, err := source.ExecuteMutation(ctx, "user:1", record.Record{"name": "Alice"})
			So(err, ShouldNotBeNil)
		})

		Convey("键前缀自动拼接", func() {
			prefixed, err := NewFreeCacheSourceWithOptions(&schema.DataSourceOptions{
				Type:      schema.SourceFreeCache,
				KeyPrefix: "app",
			})
			So(err, ShouldBeNil)
			defer prefixed.Close()

			_, err = prefixed.ExecuteMutation(ctx, "user:1", record.Record{"value": "x"})
			So(err, ShouldBeNil)

			records, err := prefixed.ExecuteQuery(ctx, "user:1", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["key"], ShouldEqual, "app:user:1")
		})
	})
}
