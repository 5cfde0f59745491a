package datasource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

func TestRESTSource(t *testing.T) {
	Convey("RESTSource", t, func() {
		ctx := context.Background()

		Convey("数组响应转多条记录", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.So(r.URL.Path, ShouldEqual, "/users")
				c.So(r.URL.Query().Get("status"), ShouldEqual, "active")
				_ = json.NewEncoder(w).Encode([]map[string]any{
					{"id": "u1", "name": "Alice"},
					{"id": "u2", "name": "Bob"},
				})
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			records, err := source.ExecuteQuery(ctx, "/users", record.Record{"status": "active"})
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 2)
			So(records[0]["name"], ShouldEqual, "Alice")
		})

		Convey("非字符串参数序列化为查询参数", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.So(r.URL.Query().Get("age"), ShouldEqual, "30")
				c.So(r.URL.Query().Get("active"), ShouldEqual, "true")
				c.So(r.URL.Query().Has("tags"), ShouldBeFalse)
				_ = json.NewEncoder(w).Encode([]map[string]any{})
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			_, err = source.ExecuteQuery(ctx, "/users", record.Record{
				"age":    int64(30),
				"active": true,
				"tags":   []any{"a"},
			})
			So(err, ShouldBeNil)
		})

		Convey("对象响应转单条记录", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{"id": "u1"})
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			records, err := source.ExecuteQuery(ctx, "/users/u1", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["id"], ShouldEqual, "u1")
		})

		Convey("分页翻译为 page/page_size 查询参数", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.So(r.URL.Query().Get("page"), ShouldEqual, "3")
				c.So(r.URL.Query().Get("page_size"), ShouldEqual, "20")
				_ = json.NewEncoder(w).Encode([]map[string]any{})
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			_, err = source.ExecuteQueryPaginated(ctx, "/users", nil, &Pagination{Page: 3, PageSize: 20})
			So(err, ShouldBeNil)
		})

		Convey("写入走 POST 并携带 JSON 请求体", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.So(r.Method, ShouldEqual, http.MethodPost)
				var body map[string]any
				c.So(json.NewDecoder(r.Body).Decode(&body), ShouldBeNil)
				c.So(body["name"], ShouldEqual, "Alice")
				_ = json.NewEncoder(w).Encode(map[string]any{"id": "u1", "created": true})
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			result, err := source.ExecuteMutation(ctx, "/users", record.Record{"name": "Alice"})
			So(err, ShouldBeNil)
			So(result.(map[string]any)["created"], ShouldEqual, true)
		})

		Convey("自定义请求头随请求发送", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.So(r.Header.Get("Authorization"), ShouldEqual, "Bearer token")
				_ = json.NewEncoder(w).Encode([]map[string]any{})
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
				Headers: map[string]string{"Authorization": "Bearer token"},
			})
			So(err, ShouldBeNil)
			defer source.Close()

			_, err = source.ExecuteQuery(ctx, "/users", nil)
			So(err, ShouldBeNil)
		})
	})
}

func TestRESTSourceRetry(t *testing.T) {
	Convey("RESTSource 重试", t, func() {
		ctx := context.Background()

		Convey("5xx 按次数重试后成功", func() {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "u1"}})
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
				Retries: 3,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			records, err := source.ExecuteQuery(ctx, "/users", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(calls.Load(), ShouldEqual, int32(3))
		})

		Convey("重试耗尽后返回最后一次错误", func() {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
				Retries: 2,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			_, err = source.ExecuteQuery(ctx, "/users", nil)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "retries exhausted")
			So(calls.Load(), ShouldEqual, int32(2))
		})

		Convey("4xx 不重试直接失败", func() {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusNotFound)
			}))
			defer server.Close()

			source, err := NewRESTSourceWithOptions(&schema.DataSourceOptions{
				Type:    schema.SourceREST,
				BaseURL: server.URL,
				Retries: 3,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			_, err = source.ExecuteQuery(ctx, "/users", nil)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "client error")
			So(calls.Load(), ShouldEqual, int32(1))
		})
	})
}
