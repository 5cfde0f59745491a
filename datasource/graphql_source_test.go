package datasource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

func TestGraphQLSource(t *testing.T) {
	Convey("GraphQLSource", t, func() {
		ctx := context.Background()

		Convey("单字段数组响应展开为多条记录", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				c.So(json.NewDecoder(r.Body).Decode(&body), ShouldBeNil)
				c.So(body["query"], ShouldEqual, "query { users { id } }")
				c.So(body["variables"].(map[string]any)["status"], ShouldEqual, "active")

				_ = json.NewEncoder(w).Encode(map[string]any{
					"data": map[string]any{
						"users": []map[string]any{
							{"id": "u1"},
							{"id": "u2"},
						},
					},
				})
			}))
			defer server.Close()

			source, err := NewGraphQLSourceWithOptions(&schema.DataSourceOptions{
				Type:     schema.SourceGraphQL,
				Endpoint: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			records, err := source.ExecuteQuery(ctx, "query { users { id } }", record.Record{"status": "active"})
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 2)
			So(records[0]["id"], ShouldEqual, "u1")
		})

		Convey("多字段 data 作为单条记录返回", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"data": map[string]any{"total": 5, "active": 3},
				})
			}))
			defer server.Close()

			source, err := NewGraphQLSourceWithOptions(&schema.DataSourceOptions{
				Type:     schema.SourceGraphQL,
				Endpoint: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			records, err := source.ExecuteQuery(ctx, "query { total active }", nil)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0]["total"], ShouldEqual, float64(5))
		})

		Convey("errors 数组作为错误返回", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]any{{"message": "field not found"}},
				})
			}))
			defer server.Close()

			source, err := NewGraphQLSourceWithOptions(&schema.DataSourceOptions{
				Type:     schema.SourceGraphQL,
				Endpoint: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			_, err = source.ExecuteQuery(ctx, "query { nope }", nil)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "field not found")
		})

		Convey("分页并入 variables", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				c.So(json.NewDecoder(r.Body).Decode(&body), ShouldBeNil)
				variables := body["variables"].(map[string]any)
				c.So(variables["page"], ShouldEqual, float64(2))
				c.So(variables["pageSize"], ShouldEqual, float64(10))
				_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
			}))
			defer server.Close()

			source, err := NewGraphQLSourceWithOptions(&schema.DataSourceOptions{
				Type:     schema.SourceGraphQL,
				Endpoint: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			_, err = source.ExecuteQueryPaginated(ctx, "query { users { id } }", nil, &Pagination{Page: 2, PageSize: 10})
			So(err, ShouldBeNil)
		})

		Convey("mutation 同样作为 variables 发送", func(c C) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				c.So(json.NewDecoder(r.Body).Decode(&body), ShouldBeNil)
				c.So(body["variables"].(map[string]any)["name"], ShouldEqual, "Alice")
				_ = json.NewEncoder(w).Encode(map[string]any{
					"data": map[string]any{"createUser": map[string]any{"id": "u1"}},
				})
			}))
			defer server.Close()

			source, err := NewGraphQLSourceWithOptions(&schema.DataSourceOptions{
				Type:     schema.SourceGraphQL,
				Endpoint: server.URL,
			})
			So(err, ShouldBeNil)
			defer source.Close()

			result, err := source.ExecuteMutation(ctx, "mutation { createUser }", record.Record{"name": "Alice"})
			So(err, ShouldBeNil)
			So(result.(record.Record)["createUser"], ShouldNotBeNil)
		})
	})
}
