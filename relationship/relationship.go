package relationship

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/backo/datasource"
	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/schema"
)

// Error 关系校验失败，定位到关系和引用字段
type Error struct {
	RelationshipID string `json:"relationship_id"`
	Field          string `json:"field"`
	Message        string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// 级联操作类型
const (
	OpDelete         = "delete"
	OpDeleteJunction = "delete_junction"
	OpSetNull        = "set_null"
)

// Operation 级联计划中的一步，先全部规划再按序执行
type Operation struct {
	Type           string `json:"type"`
	Section        string `json:"section"`
	RecordID       string `json:"record_id"`
	RelationshipID string `json:"relationship_id"`
}

// ValidateForeignKeys 写入前校验出向外键引用
// one_to_one/many_to_one 检查目标记录存在，one_to_many 和 many_to_many 不在此处处理
// 查找失败同样记为校验错误，不静默放行
func ValidateForeignKeys(ctx context.Context, data record.Record, sectionID string, bo *schema.Backoffice, sources *datasource.Registry) ([]Error, error) {
	var errs []Error
	log := logx.Default()

	for _, rel := range bo.RelationshipsFrom(sectionID) {
		if rel.Type != schema.RelOneToOne && rel.Type != schema.RelManyToOne {
			continue
		}
		value, present := data[rel.FromField]
		if !present || value == nil {
			continue
		}

		source, err := sectionSource(bo, rel.ToSection, sources)
		if err != nil {
			return nil, err
		}

		query := existenceQuery(rel, value)
		log.DebugContext(ctx, "validating foreign key", "relationship", rel.ID, "query", query)

		results, err := source.ExecuteQuery(ctx, query, nil)
		if err != nil {
			log.WarnContext(ctx, "failed to validate foreign key", "relationship", rel.ID, "error", err)
			errs = append(errs, Error{
				RelationshipID: rel.ID,
				Field:          rel.FromField,
				Message:        fmt.Sprintf("failed to validate relationship: %v", err),
			})
			continue
		}
		if len(results) == 0 {
			errs = append(errs, notFoundError(rel, value))
		}
	}
	return errs, nil
}

// ValidateManyToMany 校验多对多字段里的每个引用 id
// 错误逐个累积，包括查找失败
func ValidateManyToMany(ctx context.Context, data record.Record, sectionID string, bo *schema.Backoffice, sources *datasource.Registry) ([]Error, error) {
	var errs []Error
	log := logx.Default()

	for _, rel := range bo.RelationshipsFrom(sectionID) {
		if rel.Type != schema.RelManyToMany {
			continue
		}
		ids, ok := data[rel.FromField].([]any)
		if !ok {
			continue
		}

		source, err := sectionSource(bo, rel.ToSection, sources)
		if err != nil {
			return nil, err
		}

		for _, idValue := range ids {
			id, ok := idValue.(string)
			if !ok {
				continue
			}
			query := existenceQuery(rel, id)
			log.DebugContext(ctx, "validating many-to-many reference", "relationship", rel.ID, "id", id)

			results, err := source.ExecuteQuery(ctx, query, nil)
			if err != nil {
				log.WarnContext(ctx, "failed to validate many-to-many reference", "relationship", rel.ID, "error", err)
				errs = append(errs, Error{
					RelationshipID: rel.ID,
					Field:          rel.FromField,
					Message:        fmt.Sprintf("failed to validate relationship: %v", err),
				})
				continue
			}
			if len(results) == 0 {
				errs = append(errs, notFoundError(rel, id))
			}
		}
	}
	return errs, nil
}

// PlanCascadeDelete 规划删除一条记录引发的全部级联操作，只读不执行
// visited 集合保证关系图带环时规划仍然终止
func PlanCascadeDelete(ctx context.Context, recordID, sectionID string, bo *schema.Backoffice, sources *datasource.Registry) ([]Operation, error) {
	visited := map[visitKey]struct{}{}
	return planCascade(ctx, recordID, sectionID, bo, sources, visited)
}

type visitKey struct {
	section string
	id      string
}

func planCascade(ctx context.Context, recordID, sectionID string, bo *schema.Backoffice, sources *datasource.Registry, visited map[visitKey]struct{}) ([]Operation, error) {
	key := visitKey{section: sectionID, id: recordID}
	if _, seen := visited[key]; seen {
		return nil, nil
	}
	visited[key] = struct{}{}

	var ops []Operation
	log := logx.Default()

	for _, rel := range bo.RelationshipsTo(sectionID) {
		if !rel.CascadeDelete {
			continue
		}
		log.InfoContext(ctx, "processing cascade delete", "relationship", rel.ID, "record_id", recordID)

		switch rel.Type {
		case schema.RelOneToOne, schema.RelOneToMany:
			source, err := sectionSource(bo, rel.FromSection, sources)
			if err != nil {
				return nil, err
			}

			query := fmt.Sprintf("SELECT * FROM %s WHERE %s = '%s'", rel.FromSection, rel.FromField, Quote(recordID))
			dependents, err := source.ExecuteQuery(ctx, query, nil)
			if err != nil {
				// 依赖查找失败不阻断其余关系的规划
				log.WarnContext(ctx, "failed to find dependent records", "relationship", rel.ID, "error", err)
				continue
			}

			for _, dep := range dependents {
				depID, ok := dep.String("id")
				if !ok {
					continue
				}
				ops = append(ops, Operation{
					Type:           OpDelete,
					Section:        rel.FromSection,
					RecordID:       depID,
					RelationshipID: rel.ID,
				})
				nested, err := planCascade(ctx, depID, rel.FromSection, bo, sources, visited)
				if err != nil {
					return nil, err
				}
				ops = append(ops, nested...)
			}
		case schema.RelManyToOne:
			// 删除被引用方通常不应连带删除引用方指向的记录
			log.DebugContext(ctx, "skipping cascade for many_to_one relationship", "relationship", rel.ID)
		case schema.RelManyToMany:
			if rel.Junction == nil {
				return nil, errors.Errorf("many_to_many relationship without junction: %s", rel.ID)
			}
			ops = append(ops, Operation{
				Type:           OpDeleteJunction,
				Section:        rel.Junction.Table,
				RecordID:       recordID,
				RelationshipID: rel.ID,
			})
		}
	}
	return ops, nil
}

// ExecuteCascade 按计划顺序执行级联操作，任一步失败立即中止
func ExecuteCascade(ctx context.Context, ops []Operation, bo *schema.Backoffice, sources *datasource.Registry) error {
	log := logx.Default()

	for _, op := range ops {
		log.InfoContext(ctx, "executing cascade operation",
			"type", op.Type, "section", op.Section, "record_id", op.RecordID)

		switch op.Type {
		case OpDelete:
			source, err := sectionSource(bo, op.Section, sources)
			if err != nil {
				return err
			}
			query := fmt.Sprintf("DELETE FROM %s WHERE id = '%s'", op.Section, Quote(op.RecordID))
			if _, err := source.ExecuteMutation(ctx, query, record.Record{"id": op.RecordID}); err != nil {
				return errors.WithMessagef(err, "cascade delete failed for %s/%s", op.Section, op.RecordID)
			}
		case OpDeleteJunction:
			rel, err := bo.Relationship(op.RelationshipID)
			if err != nil {
				return err
			}
			if rel.Junction == nil {
				return errors.Errorf("many_to_many relationship without junction: %s", rel.ID)
			}
			// 中间表与关系源侧共用数据源
			source, err := sectionSource(bo, rel.FromSection, sources)
			if err != nil {
				return err
			}
			query := fmt.Sprintf("DELETE FROM %s WHERE %s = '%s'", rel.Junction.Table, rel.Junction.FromField, Quote(op.RecordID))
			if _, err := source.ExecuteMutation(ctx, query, record.Record{rel.Junction.FromField: op.RecordID}); err != nil {
				return errors.WithMessagef(err, "junction delete failed for %s/%s", rel.Junction.Table, op.RecordID)
			}
		case OpSetNull:
			log.WarnContext(ctx, "set_null cascade not implemented, skipped",
				"section", op.Section, "record_id", op.RecordID)
		default:
			return errors.Errorf("unknown cascade operation type: %s", op.Type)
		}
	}
	return nil
}

// sectionSource 解析小节的主数据源
func sectionSource(bo *schema.Backoffice, sectionID string, sources *datasource.Registry) (datasource.DataSource, error) {
	section, err := bo.Section(sectionID)
	if err != nil {
		return nil, err
	}
	sourceID, err := section.PrimaryDataSource()
	if err != nil {
		return nil, err
	}
	return sources.Get(sourceID)
}

func existenceQuery(rel *schema.Relationship, value any) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = '%s'", rel.ToField, rel.ToSection, rel.ToField, Quote(fmt.Sprintf("%v", value)))
}

// Quote 拼接 SQL 片段前对值做单引号转义，所有插值统一走这里
func Quote(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

func notFoundError(rel *schema.Relationship, value any) Error {
	return Error{
		RelationshipID: rel.ID,
		Field:          rel.FromField,
		Message:        fmt.Sprintf("referenced %s with %s = %v does not exist", rel.ToSection, rel.ToField, value),
	}
}
