package plan

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/sqlparser"
	"github.com/zhukovaskychina/xengine/tuple"
)

// Build 把解析树降为逻辑计划
func Build(stmt *sqlparser.Statement) (*LogicalPlan, error) {
	switch {
	case stmt.CreateTable != nil:
		return buildCreateTable(stmt.CreateTable)
	case stmt.CreateIndex != nil:
		return &LogicalPlan{Kind: PlanCreateIndex, CreateIndex: &CreateIndexPlan{
			Name:    stmt.CreateIndex.Name,
			Table:   stmt.CreateIndex.Table,
			Columns: stmt.CreateIndex.Columns,
			Unique:  stmt.CreateIndex.Unique,
		}}, nil
	case stmt.DropTable != nil:
		return &LogicalPlan{Kind: PlanDropTable, DropTable: &DropTablePlan{
			Name:     stmt.DropTable.Name,
			IfExists: stmt.DropTable.IfExists,
		}}, nil
	case stmt.AlterTable != nil:
		return buildAlterTable(stmt.AlterTable)
	case stmt.Insert != nil:
		return buildInsert(stmt.Insert)
	case stmt.Update != nil:
		return buildUpdate(stmt.Update)
	case stmt.Delete != nil:
		return buildDelete(stmt.Delete)
	case stmt.Select != nil:
		return buildSelect(stmt.Select)
	case stmt.Begin != nil:
		return &LogicalPlan{Kind: PlanBegin}, nil
	case stmt.Commit != nil:
		return &LogicalPlan{Kind: PlanCommit}, nil
	case stmt.Rollback != nil:
		return &LogicalPlan{Kind: PlanRollback}, nil
	}
	return nil, errors.Annotatef(basic.ErrPlan, "empty statement")
}

func buildCreateTable(stmt *sqlparser.CreateTableStmt) (*LogicalPlan, error) {
	p := &CreateTablePlan{Name: stmt.Name}
	for _, item := range stmt.Items {
		if item.Constraint != nil {
			if len(item.Constraint.PrimaryColumns) > 0 {
				if len(p.PrimaryColumns) > 0 {
					return nil, errors.Annotatef(basic.ErrPlan, "multiple primary keys for table %s", stmt.Name)
				}
				p.PrimaryColumns = item.Constraint.PrimaryColumns
			} else {
				p.UniqueSets = append(p.UniqueSets, item.Constraint.UniqueColumns)
			}
			continue
		}
		spec, err := columnSpecOf(item.Column)
		if err != nil {
			return nil, err
		}
		if spec.PrimaryKey {
			if len(p.PrimaryColumns) > 0 {
				return nil, errors.Annotatef(basic.ErrPlan, "multiple primary keys for table %s", stmt.Name)
			}
			p.PrimaryColumns = []string{spec.Name}
		}
		p.Columns = append(p.Columns, *spec)
	}
	if len(p.Columns) == 0 {
		return nil, errors.Annotatef(basic.ErrPlan, "table %s has no columns", stmt.Name)
	}
	return &LogicalPlan{Kind: PlanCreateTable, CreateTable: p}, nil
}

func columnSpecOf(def *sqlparser.ColumnDef) (*ColumnSpec, error) {
	spec := &ColumnSpec{
		Name:     def.Name,
		Type:     def.NormalizedType(),
		Nullable: true,
	}
	if spec.Type == "null" {
		return nil, errors.Annotatef(basic.ErrPlan, "column %s has unsupported type %s", def.Name, def.Type)
	}
	for _, option := range def.Options {
		switch {
		case option.PrimaryKey:
			spec.PrimaryKey = true
			spec.Nullable = false
		case option.NotNull:
			spec.Nullable = false
		case option.Null:
			spec.Nullable = true
		case option.Unique:
			spec.Unique = true
		case option.Default != nil:
			value, err := literalValue(option.Default)
			if err != nil {
				return nil, err
			}
			spec.Default = &value
		}
	}
	return spec, nil
}

func buildAlterTable(stmt *sqlparser.AlterTableStmt) (*LogicalPlan, error) {
	p := &AlterTablePlan{Table: stmt.Table}
	switch {
	case stmt.AddColumn != nil:
		spec, err := columnSpecOf(stmt.AddColumn)
		if err != nil {
			return nil, err
		}
		if spec.PrimaryKey {
			return nil, errors.Annotatef(basic.ErrPlan, "cannot add primary key column %s", spec.Name)
		}
		p.Kind = AlterAddColumn
		p.NewColumn = spec
	case stmt.DropColumn != nil:
		p.Kind = AlterDropColumn
		p.Column = *stmt.DropColumn
	case stmt.RenameColumn != nil:
		p.Kind = AlterRenameColumn
		p.Column = stmt.RenameColumn.From
		p.NewName = stmt.RenameColumn.To
	case stmt.RenameTo != nil:
		p.Kind = AlterRenameTable
		p.NewName = *stmt.RenameTo
	default:
		return nil, errors.Annotatef(basic.ErrPlan, "empty alter table statement")
	}
	return &LogicalPlan{Kind: PlanAlterTable, AlterTable: p}, nil
}

func buildInsert(stmt *sqlparser.InsertStmt) (*LogicalPlan, error) {
	p := &InsertPlan{Table: stmt.Table, Columns: stmt.Columns}
	for _, row := range stmt.Rows {
		exprs := make([]*Expr, 0, len(row.Values))
		for _, value := range row.Values {
			expr, err := convertExpr(value)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, expr)
		}
		p.Rows = append(p.Rows, exprs)
	}
	return &LogicalPlan{Kind: PlanInsert, Insert: p}, nil
}

func buildUpdate(stmt *sqlparser.UpdateStmt) (*LogicalPlan, error) {
	p := &UpdatePlan{Table: stmt.Table}
	for _, assign := range stmt.Assignments {
		value, err := convertExpr(assign.Value)
		if err != nil {
			return nil, err
		}
		p.Assignments = append(p.Assignments, AssignmentPlan{Column: assign.Column, Value: value})
	}
	where, err := convertOptionalExpr(stmt.Where)
	if err != nil {
		return nil, err
	}
	p.Where = where
	return &LogicalPlan{Kind: PlanUpdate, Update: p}, nil
}

func buildDelete(stmt *sqlparser.DeleteStmt) (*LogicalPlan, error) {
	where, err := convertOptionalExpr(stmt.Where)
	if err != nil {
		return nil, err
	}
	return &LogicalPlan{Kind: PlanDelete, Delete: &DeletePlan{Table: stmt.Table, Where: where}}, nil
}

func buildSelect(stmt *sqlparser.SelectStmt) (*LogicalPlan, error) {
	p := &SelectPlan{
		From: TableRefPlan{Table: stmt.From.Name, Alias: stmt.From.Alias},
	}
	for _, item := range stmt.Items {
		converted, err := convertSelectItem(item)
		if err != nil {
			return nil, err
		}
		p.Items = append(p.Items, *converted)
	}
	for _, join := range stmt.Joins {
		on, err := convertExpr(join.On)
		if err != nil {
			return nil, err
		}
		p.Joins = append(p.Joins, JoinPlan{
			Left:  join.Left,
			Table: TableRefPlan{Table: join.Table.Name, Alias: join.Table.Alias},
			On:    on,
		})
	}
	where, err := convertOptionalExpr(stmt.Where)
	if err != nil {
		return nil, err
	}
	p.Where = where
	for _, group := range stmt.GroupBy {
		p.GroupBy = append(p.GroupBy, ColumnRefPlan{Table: group.Table(), Column: group.Column()})
	}
	for _, order := range stmt.OrderBy {
		p.OrderBy = append(p.OrderBy, OrderKeyPlan{
			Table:  order.Column.Table(),
			Column: order.Column.Column(),
			Desc:   order.Desc,
		})
	}
	if stmt.Limit != nil {
		limit, err := strconv.ParseInt(*stmt.Limit, 10, 64)
		if err != nil {
			return nil, errors.Annotatef(basic.ErrPlan, "bad limit %s", *stmt.Limit)
		}
		p.Limit = &limit
	}
	if stmt.Offset != nil {
		offset, err := strconv.ParseInt(*stmt.Offset, 10, 64)
		if err != nil {
			return nil, errors.Annotatef(basic.ErrPlan, "bad offset %s", *stmt.Offset)
		}
		p.Offset = &offset
	}
	if p.HasAggregates() || len(p.GroupBy) > 0 {
		for _, item := range p.Items {
			if item.Star {
				return nil, errors.Annotatef(basic.ErrPlan, "SELECT * cannot be combined with aggregates")
			}
		}
	}
	return &LogicalPlan{Kind: PlanSelect, Select: p}, nil
}

func convertSelectItem(item *sqlparser.SelectItem) (*SelectItemPlan, error) {
	if item.Star {
		return &SelectItemPlan{Star: true}, nil
	}
	// 聚合调用出现在表达式最外层原子时降为AggCall
	if call := extractFuncCall(item.Expr); call != nil {
		agg := &AggCall{Func: strings.ToLower(call.Name), Star: call.Star}
		if !call.Star {
			arg, err := convertExpr(call.Arg)
			if err != nil {
				return nil, err
			}
			agg.Arg = arg
		} else if agg.Func != "count" {
			return nil, errors.Annotatef(basic.ErrPlan, "%s(*) is not supported", call.Name)
		}
		return &SelectItemPlan{Agg: agg, Alias: item.Alias}, nil
	}
	expr, err := convertExpr(item.Expr)
	if err != nil {
		return nil, err
	}
	return &SelectItemPlan{Expr: expr, Alias: item.Alias}, nil
}

// extractFuncCall 表达式恰为单个函数调用时返回之
func extractFuncCall(e *sqlparser.Expr) *sqlparser.FuncCall {
	if e == nil || len(e.Terms) != 1 {
		return nil
	}
	and := e.Terms[0]
	if len(and.Terms) != 1 || and.Terms[0].Not {
		return nil
	}
	cmp := and.Terms[0].Term
	if cmp.Rest != nil {
		return nil
	}
	add := cmp.Left
	if len(add.Rest) != 0 {
		return nil
	}
	mul := add.Left
	if len(mul.Rest) != 0 {
		return nil
	}
	unary := mul.Left
	if unary.Minus {
		return nil
	}
	return unary.Primary.Func
}

func convertOptionalExpr(e *sqlparser.Expr) (*Expr, error) {
	if e == nil {
		return nil, nil
	}
	return convertExpr(e)
}

// convertExpr 解析树表达式降为求值树
func convertExpr(e *sqlparser.Expr) (*Expr, error) {
	if e == nil {
		return nil, errors.Annotatef(basic.ErrPlan, "missing expression")
	}
	var result *Expr
	for _, andTerm := range e.Terms {
		converted, err := convertAnd(andTerm)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = converted
		} else {
			result = NewBinaryExpr(OpOr, result, converted)
		}
	}
	return result, nil
}

func convertAnd(e *sqlparser.AndExpr) (*Expr, error) {
	var result *Expr
	for _, notTerm := range e.Terms {
		converted, err := convertNot(notTerm)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = converted
		} else {
			result = NewBinaryExpr(OpAnd, result, converted)
		}
	}
	return result, nil
}

func convertNot(e *sqlparser.NotExpr) (*Expr, error) {
	converted, err := convertCmp(e.Term)
	if err != nil {
		return nil, err
	}
	if e.Not {
		return &Expr{Kind: ExprNot, Left: converted, ColumnIndex: -1}, nil
	}
	return converted, nil
}

func convertCmp(e *sqlparser.CmpExpr) (*Expr, error) {
	left, err := convertAdd(e.Left)
	if err != nil {
		return nil, err
	}
	if e.Rest == nil {
		return left, nil
	}
	if e.Rest.Is != nil {
		kind := ExprIsNull
		if e.Rest.Is.Not {
			kind = ExprIsNotNull
		}
		return &Expr{Kind: kind, Left: left, ColumnIndex: -1}, nil
	}
	right, err := convertAdd(e.Rest.Binary.Right)
	if err != nil {
		return nil, err
	}
	return NewBinaryExpr(NormalizeOp(e.Rest.Binary.Op), left, right), nil
}

func convertAdd(e *sqlparser.AddExpr) (*Expr, error) {
	result, err := convertMul(e.Left)
	if err != nil {
		return nil, err
	}
	for _, rest := range e.Rest {
		term, err := convertMul(rest.Term)
		if err != nil {
			return nil, err
		}
		result = NewBinaryExpr(rest.Op, result, term)
	}
	return result, nil
}

func convertMul(e *sqlparser.MulExpr) (*Expr, error) {
	result, err := convertUnary(e.Left)
	if err != nil {
		return nil, err
	}
	for _, rest := range e.Rest {
		term, err := convertUnary(rest.Term)
		if err != nil {
			return nil, err
		}
		result = NewBinaryExpr(rest.Op, result, term)
	}
	return result, nil
}

func convertUnary(e *sqlparser.UnaryExpr) (*Expr, error) {
	primary, err := convertPrimary(e.Primary)
	if err != nil {
		return nil, err
	}
	if e.Minus {
		return &Expr{Kind: ExprNegate, Left: primary, ColumnIndex: -1}, nil
	}
	return primary, nil
}

func convertPrimary(e *sqlparser.PrimaryExpr) (*Expr, error) {
	switch {
	case e.Func != nil:
		return nil, errors.Annotatef(basic.ErrPlan, "aggregate %s not allowed here", e.Func.Name)
	case e.Literal != nil:
		value, err := literalValue(e.Literal)
		if err != nil {
			return nil, err
		}
		return NewLiteralExpr(value), nil
	case e.Column != nil:
		return NewColumnExpr(e.Column.Table(), e.Column.Column()), nil
	case e.Sub != nil:
		return convertExpr(e.Sub)
	}
	return nil, errors.Annotatef(basic.ErrPlan, "empty primary expression")
}

func literalValue(l *sqlparser.Literal) (tuple.Value, error) {
	switch {
	case l.Null:
		return tuple.NewNullValue(), nil
	case l.True:
		return tuple.NewBoolValue(true), nil
	case l.False:
		return tuple.NewBoolValue(false), nil
	case l.Number != nil:
		text := *l.Number
		if strings.Contains(text, ".") {
			number, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return tuple.Value{}, errors.Annotatef(basic.ErrPlan, "bad number %s", text)
			}
			return tuple.NewRealValue(number), nil
		}
		number, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return tuple.Value{}, errors.Annotatef(basic.ErrPlan, "bad number %s", text)
		}
		return tuple.NewIntValue(number), nil
	case l.Str != nil:
		return tuple.NewTextValue(string(*l.Str)), nil
	}
	return tuple.Value{}, errors.Annotatef(basic.ErrPlan, "empty literal")
}
