package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/backo/audit"
	"github.com/hatlonely/backo/datasource"
	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
	"github.com/hatlonely/backo/relationship"
	"github.com/hatlonely/backo/schema"
	"github.com/hatlonely/backo/validation"
)

// ValidationFailed 字段校验未通过，属于客户端错误
type ValidationFailed struct {
	Errors []validation.Error
}

func (e *ValidationFailed) Error() string {
	return fmt.Sprintf("validation failed with %d errors", len(e.Errors))
}

// RelationshipFailed 关系校验未通过，属于客户端错误
type RelationshipFailed struct {
	Errors []relationship.Error
}

func (e *RelationshipFailed) Error() string {
	return fmt.Sprintf("relationship validation failed with %d errors", len(e.Errors))
}

// Engine 按配置编排查询、校验、写入、级联和审计
// 配置和数据源池启动后只读，Engine 本身无锁可并发使用
type Engine struct {
	bo      *schema.Backoffice
	sources *datasource.Registry
	audit   *audit.Logger
	log     logx.Logger
}

// NewEngine 创建引擎，audit 可以为 nil 表示不落审计
func NewEngine(bo *schema.Backoffice, sources *datasource.Registry, auditLogger *audit.Logger) *Engine {
	return &Engine{
		bo:      bo,
		sources: sources,
		audit:   auditLogger,
		log:     logx.Default().With("backoffice", bo.ID),
	}
}

// Backoffice 返回引擎所属的后台配置
func (e *Engine) Backoffice() *schema.Backoffice {
	return e.bo
}

// Query 解析动作并执行只读查询
func (e *Engine) Query(ctx context.Context, sectionID, actionID string, params record.Record, page *datasource.Pagination) ([]record.Record, error) {
	_, action, source, err := e.resolve(sectionID, actionID)
	if err != nil {
		return nil, err
	}

	query := actionQuery(action)
	e.log.DebugContext(ctx, "executing query", "section", sectionID, "action", actionID, "query", query)
	return source.ExecuteQueryPaginated(ctx, query, params, page)
}

// Mutate 写入一条记录，顺序固定：字段校验、关系校验、执行、审计
// 校验错误在任何 I/O 写入前返回
func (e *Engine) Mutate(ctx context.Context, sectionID, actionID string, data record.Record) (any, error) {
	section, action, source, err := e.resolve(sectionID, actionID)
	if err != nil {
		return nil, err
	}

	if errs := validation.Validate(data, actionFields(action)); len(errs) > 0 {
		e.log.WarnContext(ctx, "validation failed", "section", sectionID, "errors", len(errs))
		return nil, &ValidationFailed{Errors: errs}
	}

	fkErrs, err := relationship.ValidateForeignKeys(ctx, data, sectionID, e.bo, e.sources)
	if err != nil {
		return nil, errors.WithMessage(err, "foreign key validation error")
	}
	m2mErrs, err := relationship.ValidateManyToMany(ctx, data, sectionID, e.bo, e.sources)
	if err != nil {
		return nil, errors.WithMessage(err, "many-to-many validation error")
	}
	if relErrs := append(fkErrs, m2mErrs...); len(relErrs) > 0 {
		e.log.WarnContext(ctx, "relationship validation failed", "section", sectionID, "errors", len(relErrs))
		return nil, &RelationshipFailed{Errors: relErrs}
	}

	query := actionQuery(action)
	e.log.InfoContext(ctx, "executing mutation", "section", sectionID, "action", actionID, "query", query)
	result, err := source.ExecuteMutation(ctx, query, data)
	if err != nil {
		return nil, errors.WithMessagef(err, "mutation failed for section %s", sectionID)
	}

	e.auditMutation(section, query, data)
	return result, nil
}

// Delete 删除一条记录：先规划并执行级联，再删除记录本身
func (e *Engine) Delete(ctx context.Context, sectionID, actionID, recordID string) (any, error) {
	section, _, source, err := e.resolve(sectionID, actionID)
	if err != nil {
		return nil, err
	}

	ops, err := relationship.PlanCascadeDelete(ctx, recordID, sectionID, e.bo, e.sources)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to plan cascade delete")
	}
	if len(ops) > 0 {
		e.log.InfoContext(ctx, "executing cascade operations", "section", sectionID, "count", len(ops))
		if err := relationship.ExecuteCascade(ctx, ops, e.bo, e.sources); err != nil {
			return nil, errors.WithMessage(err, "failed to execute cascade operations")
		}
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = '%s'", sectionID, relationship.Quote(recordID))
	e.log.InfoContext(ctx, "executing delete", "section", sectionID, "record_id", recordID)
	result, err := source.ExecuteMutation(ctx, query, record.Record{"id": recordID})
	if err != nil {
		return nil, errors.WithMessagef(err, "delete failed for %s/%s", sectionID, recordID)
	}

	if audit.ShouldAudit(section.Audit, audit.OpDelete) {
		e.logAudit(audit.DeleteEntry(sectionID, recordID, nil, ""))
	}
	return result, nil
}

// resolve 定位动作并取它绑定的数据源
func (e *Engine) resolve(sectionID, actionID string) (*schema.Section, *schema.Action, datasource.DataSource, error) {
	section, err := e.bo.Section(sectionID)
	if err != nil {
		return nil, nil, nil, err
	}
	action, err := section.Action(actionID)
	if err != nil {
		return nil, nil, nil, err
	}
	source, err := e.sources.Get(action.DataSource)
	if err != nil {
		return nil, nil, nil, err
	}
	return section, action, source, nil
}

// auditMutation 按查询动词区分 create/update，审计失败只告警不影响主流程
func (e *Engine) auditMutation(section *schema.Section, query string, data record.Record) {
	recordID, _ := data.String("id")
	if strings.Contains(strings.ToLower(query), "update") {
		if audit.ShouldAudit(section.Audit, audit.OpUpdate) {
			e.logAudit(audit.UpdateEntry(section.ID, recordID, nil, data, ""))
		}
		return
	}
	if audit.ShouldAudit(section.Audit, audit.OpCreate) {
		e.logAudit(audit.CreateEntry(section.ID, recordID, data, ""))
	}
}

func (e *Engine) logAudit(entry *audit.Entry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(entry); err != nil {
		e.log.Warn("failed to log audit entry", "error", err)
	}
}

// actionQuery 动作的查询文本，REST 类动作退回到 endpoint
func actionQuery(action *schema.Action) string {
	if action.Query != "" {
		return action.Query
	}
	return action.Endpoint
}

// actionFields 动作的字段配置，无字段的动作不做字段校验
func actionFields(action *schema.Action) []schema.Field {
	return action.Fields
}
