package relationship

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/backo/datasource"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

func testBackoffice() *schema.Backoffice {
	return &schema.Backoffice{
		ID:   "shop",
		Name: "Shop",
		Sections: []schema.Section{
			{ID: "users", Name: "Users", Actions: []schema.Action{{ID: "list", Type: "list", DataSource: "mem"}}},
			{ID: "orders", Name: "Orders", Actions: []schema.Action{{ID: "list", Type: "list", DataSource: "mem"}}},
			{ID: "items", Name: "Items", Actions: []schema.Action{{ID: "list", Type: "list", DataSource: "mem"}}},
			{ID: "tags", Name: "Tags", Actions: []schema.Action{{ID: "list", Type: "list", DataSource: "mem"}}},
		},
		Relationships: []schema.Relationship{
			{
				ID: "order_user", FromSection: "orders", FromField: "user_id",
				ToSection: "users", ToField: "id", Type: schema.RelManyToOne,
			},
			{
				ID: "item_order", FromSection: "items", FromField: "order_id",
				ToSection: "orders", ToField: "id", Type: schema.RelOneToMany, CascadeDelete: true,
			},
			{
				ID: "order_tags", FromSection: "orders", FromField: "tag_ids",
				ToSection: "tags", ToField: "id", Type: schema.RelManyToMany,
				Junction: &schema.Junction{Table: "order_tags", FromField: "order_id", ToField: "tag_id"},
			},
		},
	}
}

func testRegistry() (*datasource.Registry, *datasource.MemorySource) {
	registry, err := datasource.NewRegistry(map[string]schema.DataSourceOptions{
		"mem": {Type: schema.SourceMemory},
	})
	if err != nil {
		panic(err)
	}
	source, _ := registry.Get("mem")
	return registry, source.(*datasource.MemorySource)
}

func TestValidateForeignKeys(t *testing.T) {
	Convey("ValidateForeignKeys", t, func() {
		bo := testBackoffice()
		registry, mem := testRegistry()
		mem.Seed("users", record.Record{"id": "u1", "name": "Alice"})

		Convey("引用存在时无错误", func() {
			errs, err := ValidateForeignKeys(context.Background(), record.Record{"user_id": "u1"}, "orders", bo, registry)
			So(err, ShouldBeNil)
			So(errs, ShouldBeEmpty)
		})

		Convey("引用不存在时产生错误", func() {
			errs, err := ValidateForeignKeys(context.Background(), record.Record{"user_id": "u404"}, "orders", bo, registry)
			So(err, ShouldBeNil)
			So(errs, ShouldHaveLength, 1)
			So(errs[0].RelationshipID, ShouldEqual, "order_user")
			So(errs[0].Field, ShouldEqual, "user_id")
		})

		Convey("外键字段缺失或为空时跳过", func() {
			errs, err := ValidateForeignKeys(context.Background(), record.Record{}, "orders", bo, registry)
			So(err, ShouldBeNil)
			So(errs, ShouldBeEmpty)

			errs, err = ValidateForeignKeys(context.Background(), record.Record{"user_id": nil}, "orders", bo, registry)
			So(err, ShouldBeNil)
			So(errs, ShouldBeEmpty)
		})

		Convey("无关系的业务段直接通过", func() {
			errs, err := ValidateForeignKeys(context.Background(), record.Record{"id": "u9"}, "users", bo, registry)
			So(err, ShouldBeNil)
			So(errs, ShouldBeEmpty)
		})
	})
}

func TestValidateManyToMany(t *testing.T) {
	Convey("ValidateManyToMany", t, func() {
		bo := testBackoffice()
		registry, mem := testRegistry()
		mem.Seed("tags", record.Record{"id": "t1"}, record.Record{"id": "t2"})

		Convey("全部引用存在时无错误", func() {
			data := record.Record{"tag_ids": []any{"t1", "t2"}}
			errs, err := ValidateManyToMany(context.Background(), data, "orders", bo, registry)
			So(err, ShouldBeNil)
			So(errs, ShouldBeEmpty)
		})

		Convey("缺失的引用逐个累积", func() {
			data := record.Record{"tag_ids": []any{"t1", "t404", "t405"}}
			errs, err := ValidateManyToMany(context.Background(), data, "orders", bo, registry)
			So(err, ShouldBeNil)
			So(errs, ShouldHaveLength, 2)
			So(errs[0].RelationshipID, ShouldEqual, "order_tags")
		})

		Convey("字段不是数组时跳过", func() {
			data := record.Record{"tag_ids": "t1"}
			errs, err := ValidateManyToMany(context.Background(), data, "orders", bo, registry)
			So(err, ShouldBeNil)
			So(errs, ShouldBeEmpty)
		})
	})
}

func TestPlanCascadeDelete(t *testing.T) {
	Convey("PlanCascadeDelete", t, func() {
		bo := testBackoffice()
		registry, mem := testRegistry()
		mem.Seed("orders", record.Record{"id": "o1", "user_id": "u1"})
		mem.Seed("items",
			record.Record{"id": "i1", "order_id": "o1"},
			record.Record{"id": "i2", "order_id": "o1"},
			record.Record{"id": "i3", "order_id": "o2"},
		)

		Convey("规划订单删除时带出全部条目", func() {
			ops, err := PlanCascadeDelete(context.Background(), "o1", "orders", bo, registry)
			So(err, ShouldBeNil)
			So(ops, ShouldHaveLength, 2)
			So(ops[0].Type, ShouldEqual, OpDelete)
			So(ops[0].Section, ShouldEqual, "items")
			So(ops[0].RecordID, ShouldEqual, "i1")
			So(ops[1].RecordID, ShouldEqual, "i2")
		})

		Convey("规划是纯函数，不修改任何数据", func() {
			_, err := PlanCascadeDelete(context.Background(), "o1", "orders", bo, registry)
			So(err, ShouldBeNil)
			left, _ := mem.ExecuteQuery(context.Background(), "items", nil)
			So(left, ShouldHaveLength, 3)
		})

		Convey("many_to_many 生成中间表删除操作", func() {
			bo.Relationships[2].CascadeDelete = true
			ops, err := PlanCascadeDelete(context.Background(), "t1", "tags", bo, registry)
			So(err, ShouldBeNil)
			So(ops, ShouldHaveLength, 1)
			So(ops[0].Type, ShouldEqual, OpDeleteJunction)
			So(ops[0].Section, ShouldEqual, "order_tags")
		})

		Convey("无级联关系时计划为空", func() {
			ops, err := PlanCascadeDelete(context.Background(), "u1", "users", bo, registry)
			So(err, ShouldBeNil)
			So(ops, ShouldBeEmpty)
		})
	})
}

func TestPlanCascadeDeleteCycle(t *testing.T) {
	Convey("关系图带环时规划仍然终止", t, func() {
		bo := &schema.Backoffice{
			ID:   "cyclic",
			Name: "Cyclic",
			Sections: []schema.Section{
				{ID: "a", Name: "A", Actions: []schema.Action{{ID: "list", Type: "list", DataSource: "mem"}}},
				{ID: "b", Name: "B", Actions: []schema.Action{{ID: "list", Type: "list", DataSource: "mem"}}},
			},
			Relationships: []schema.Relationship{
				{ID: "a_b", FromSection: "a", FromField: "b_id", ToSection: "b", ToField: "id", Type: schema.RelOneToMany, CascadeDelete: true},
				{ID: "b_a", FromSection: "b", FromField: "a_id", ToSection: "a", ToField: "id", Type: schema.RelOneToMany, CascadeDelete: true},
			},
		}
		registry, mem := testRegistry()
		mem.Seed("a", record.Record{"id": "a1", "b_id": "b1"})
		mem.Seed("b", record.Record{"id": "b1", "a_id": "a1"})

		ops, err := PlanCascadeDelete(context.Background(), "b1", "b", bo, registry)
		So(err, ShouldBeNil)
		So(ops, ShouldHaveLength, 2)
		So(ops[0].RecordID, ShouldEqual, "a1")
		So(ops[1].RecordID, ShouldEqual, "b1")
	})
}

func TestExecuteCascade(t *testing.T) {
	Convey("ExecuteCascade", t, func() {
		bo := testBackoffice()
		registry, mem := testRegistry()
		mem.Seed("items",
			record.Record{"id": "i1", "order_id": "o1"},
			record.Record{"id": "i2", "order_id": "o1"},
		)

		Convey("按计划顺序执行删除", func() {
			ops := []Operation{
				{Type: OpDelete, Section: "items", RecordID: "i1", RelationshipID: "item_order"},
				{Type: OpDelete, Section: "items", RecordID: "i2", RelationshipID: "item_order"},
			}
			So(ExecuteCascade(context.Background(), ops, bo, registry), ShouldBeNil)

			left, _ := mem.ExecuteQuery(context.Background(), "items", nil)
			So(left, ShouldBeEmpty)
		})

		Convey("中间表删除清掉整个来源侧", func() {
			mem.Seed("order_tags",
				record.Record{"order_id": "o1", "tag_id": "t1"},
				record.Record{"order_id": "o2", "tag_id": "t1"},
			)
			ops := []Operation{{Type: OpDeleteJunction, Section: "order_tags", RecordID: "o1", RelationshipID: "order_tags"}}
			So(ExecuteCascade(context.Background(), ops, bo, registry), ShouldBeNil)

			left, _ := mem.ExecuteQuery(context.Background(), "order_tags", nil)
			So(left, ShouldHaveLength, 1)
		})

		Convey("未知操作类型立即失败", func() {
			ops := []Operation{{Type: "explode", Section: "items", RecordID: "i1"}}
			So(ExecuteCascade(context.Background(), ops, bo, registry), ShouldNotBeNil)
		})

		Convey("set_null 只记录不执行", func() {
			ops := []Operation{{Type: OpSetNull, Section: "items", RecordID: "i1"}}
			So(ExecuteCascade(context.Background(), ops, bo, registry), ShouldBeNil)
		})
	})
}

func TestQuote(t *testing.T) {
	Convey("Quote", t, func() {
		So(Quote("o1"), ShouldEqual, "o1")
		So(Quote("o'1"), ShouldEqual, "o''1")
		So(Quote(""), ShouldEqual, "")
	})
}
