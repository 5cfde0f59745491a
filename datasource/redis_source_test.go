package datasource

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

func TestRedisSource(t *testing.T) {
	Convey("RedisSource", t, func() {
		mr := miniredis.RunT(t)
		ctx := context.Background()

		source, err := NewRedisSourceWithOptions(&schema.DataSourceOptions{
			Type:     schema.SourceRedis,
			Endpoint: mr.Addr(),
		})
		So(err, ShouldBeNil)
		defer source.Close()

		Convey("单键读写", func() {
			_, err := source.ExecuteMutation(ctx, "user:1", record.Record{
				"value": map[string]any{"name": "Alice"},
			})
			So(err, ShouldBeNil)

			records, err := source.ExecuteQuery(ctx, "user:1", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["value"], ShouldResemble, map[string]any{"name": "Alice"})
		})

		Convey("不存在的键返回空集而不是错误", func() {
			records, err := source.ExecuteQuery(ctx, "missing", nil)
			So(err, ShouldBeNil)
			So(records, ShouldBeEmpty)
		})

		Convey("模式查询匹配多键", func() {
			for _, key := range []string{"user:1", "user:2", "order:1"} {
				_, err := source.ExecuteMutation(ctx, key, record.Record{"value": key})
				So(err, ShouldBeNil)
			}

			records, err := source.ExecuteQuery(ctx, "user:*", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 2)
		})

		Convey("带 ttl 的写入设置过期时间", func() {
			_, err := source.ExecuteMutation(ctx, "session", record.Record{
				"value": "token",
				"ttl":   float64(60),
			})
			So(err, ShouldBeNil)
			So(mr.TTL("session").Seconds(), ShouldBeGreaterThan, 0)
		})

		Convey("delete:true 删除键", func() {
			_, err := source.ExecuteMutation(ctx, "gone", record.Record{"value": "x"})
			So(err, ShouldBeNil)

			ack, err := source.ExecuteMutation(ctx, "gone", record.Record{"delete": true})
			So(err, ShouldBeNil)
			So(ack.(record.Record)["deleted"], ShouldEqual, int64(1))

			records, err := source.ExecuteQuery(ctx, "gone", nil)
			So(err, ShouldBeNil)
			So(records, ShouldBeEmpty)
		})

		Convey("缺少 value 和 delete 的写入报错", func() {
			_, err := source.ExecuteMutation(ctx, "key", record.Record{"other": 1})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestRedisSourceKeyPrefix(t *testing.T) {
	Convey("RedisSource 键前缀", t, func() {
		mr := miniredis.RunT(t)
		ctx := context.Background()

		source, err := NewRedisSourceWithOptions(&schema.DataSourceOptions{
			Type:      schema.SourceRedis,
			Endpoint:  mr.Addr(),
			KeyPrefix: "app",
		})
		So(err, ShouldBeNil)
		defer source.Close()

		_, err = source.ExecuteMutation(ctx, "user:1", record.Record{"value": "x"})
		So(err, ShouldBeNil)
		So(mr.Exists("app:user:1"), ShouldBeTrue)
	})
}
