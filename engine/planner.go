package engine

import (
	"fmt"
	"strings"

	"github.com/zhukovaskychina/xengine/index"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/plan"
	"github.com/zhukovaskychina/xengine/tuple"
)

// buildSelectOperator 物理规划：产出算子树与输出列名
func (x *XEngine) buildSelectOperator(ctx *manager.TxnContext, p *plan.SelectPlan) (Operator, []string, error) {
	base, err := x.loadTable(p.From.Table)
	if err != nil {
		return nil, nil, err
	}
	schema := schemaOfTable(base.meta, p.From.Binding())

	var root Operator
	// 无连接时尝试用WHERE命中索引
	if len(p.Joins) == 0 && p.Where != nil {
		root = x.chooseIndexScan(ctx, base, schema, p.Where)
	}
	if root == nil {
		root = &seqScanExec{ctx: ctx, heap: base.heap, columnTypes: base.meta.ColumnTypes()}
	}

	for _, join := range p.Joins {
		right, err := x.loadTable(join.Table.Table)
		if err != nil {
			return nil, nil, err
		}
		rightSchema := schemaOfTable(right.meta, join.Table.Binding())
		combined := schema.concat(rightSchema)
		if err := join.On.Bind(combined.resolve); err != nil {
			return nil, nil, err
		}
		root = &nestedLoopJoinExec{
			left:      root,
			right:     &seqScanExec{ctx: ctx, heap: right.heap, columnTypes: right.meta.ColumnTypes()},
			on:        join.On,
			leftJoin:  join.Left,
			rightCols: len(rightSchema),
		}
		schema = combined
	}

	if p.Where != nil {
		if err := p.Where.Bind(schema.resolve); err != nil {
			return nil, nil, err
		}
		root = &filterExec{child: root, predicate: p.Where}
	}

	if p.HasAggregates() || len(p.GroupBy) > 0 {
		return x.buildAggregatePipeline(root, schema, p)
	}
	return x.buildScalarPipeline(root, schema, p)
}

// buildScalarPipeline 非聚合查询：排序于投影之前，截断于最后
func (x *XEngine) buildScalarPipeline(root Operator, schema execSchema, p *plan.SelectPlan) (Operator, []string, error) {
	if len(p.OrderBy) > 0 {
		keys := make([]sortKeySpec, 0, len(p.OrderBy))
		for _, order := range p.OrderBy {
			position, err := schema.resolve(order.Table, order.Column)
			if err != nil {
				return nil, nil, err
			}
			keys = append(keys, sortKeySpec{position: position, desc: order.Desc})
		}
		root = &sortExec{child: root, keys: keys}
	}

	var exprs []*plan.Expr
	var columns []string
	for _, item := range p.Items {
		if item.Star {
			for position, col := range schema {
				exprs = append(exprs, &plan.Expr{
					Kind: plan.ExprColumn, Column: col.name, ColumnIndex: position,
				})
				columns = append(columns, col.name)
			}
			continue
		}
		if err := item.Expr.Bind(schema.resolve); err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, item.Expr)
		columns = append(columns, scalarItemName(item))
	}
	root = &projectExec{child: root, exprs: exprs}

	if p.Limit != nil || p.Offset != nil {
		root = wrapLimit(root, p)
	}
	return root, columns, nil
}

// buildAggregatePipeline 聚合查询：分组聚合后按输出列排序
func (x *XEngine) buildAggregatePipeline(root Operator, schema execSchema, p *plan.SelectPlan) (Operator, []string, error) {
	groupExprs := make([]*plan.Expr, 0, len(p.GroupBy))
	for _, group := range p.GroupBy {
		position, err := schema.resolve(group.Table, group.Column)
		if err != nil {
			return nil, nil, err
		}
		groupExprs = append(groupExprs, &plan.Expr{
			Kind: plan.ExprColumn, Column: group.Column, ColumnIndex: position,
		})
	}

	var columns []string
	for i := range p.Items {
		item := &p.Items[i]
		if item.Agg != nil {
			if !item.Agg.Star {
				if err := item.Agg.Arg.Bind(schema.resolve); err != nil {
					return nil, nil, err
				}
			}
			columns = append(columns, aggItemName(item))
			continue
		}
		if err := item.Expr.Bind(schema.resolve); err != nil {
			return nil, nil, err
		}
		columns = append(columns, scalarItemName(*item))
	}

	root = &hashAggExec{child: root, groupBy: groupExprs, items: p.Items}

	if len(p.OrderBy) > 0 {
		outSchema := make(execSchema, len(columns))
		for i, name := range columns {
			outSchema[i] = colInfo{name: name}
		}
		keys := make([]sortKeySpec, 0, len(p.OrderBy))
		for _, order := range p.OrderBy {
			// 聚合输出列无表限定，按输出名匹配
			position, err := outSchema.resolve("", order.Column)
			if err != nil {
				return nil, nil, err
			}
			keys = append(keys, sortKeySpec{position: position, desc: order.Desc})
		}
		root = &sortExec{child: root, keys: keys}
	}

	if p.Limit != nil || p.Offset != nil {
		root = wrapLimit(root, p)
	}
	return root, columns, nil
}

func wrapLimit(root Operator, p *plan.SelectPlan) Operator {
	limit := int64(-1)
	if p.Limit != nil {
		limit = *p.Limit
	}
	offset := int64(0)
	if p.Offset != nil {
		offset = *p.Offset
	}
	return &limitExec{child: root, limit: limit, offset: offset}
}

func scalarItemName(item plan.SelectItemPlan) string {
	if item.Alias != "" {
		return item.Alias
	}
	if item.Expr != nil && item.Expr.Kind == plan.ExprColumn {
		return item.Expr.Column
	}
	return "expr"
}

func aggItemName(item *plan.SelectItemPlan) string {
	if item.Alias != "" {
		return item.Alias
	}
	if item.Agg.Star {
		return fmt.Sprintf("%s(*)", item.Agg.Func)
	}
	argName := "expr"
	if item.Agg.Arg != nil && item.Agg.Arg.Kind == plan.ExprColumn {
		argName = item.Agg.Arg.Column
	}
	return fmt.Sprintf("%s(%s)", item.Agg.Func, argName)
}

// conjunct 单个合取项
type conjunct struct {
	column  string
	table   string
	op      string
	literal tuple.Value
}

// splitConjuncts 把WHERE拆为 col op literal 形式的合取项
func splitConjuncts(e *plan.Expr, out *[]conjunct) {
	if e == nil {
		return
	}
	if e.Kind == plan.ExprBinary && e.Op == plan.OpAnd {
		splitConjuncts(e.Left, out)
		splitConjuncts(e.Right, out)
		return
	}
	if e.Kind != plan.ExprBinary {
		return
	}
	switch e.Op {
	case plan.OpEq, plan.OpLt, plan.OpLe, plan.OpGt, plan.OpGe:
	default:
		return
	}
	left, right := e.Left, e.Right
	if left.Kind == plan.ExprColumn && right.Kind == plan.ExprLiteral {
		*out = append(*out, conjunct{column: left.Column, table: left.Table, op: e.Op, literal: right.Literal})
	} else if left.Kind == plan.ExprLiteral && right.Kind == plan.ExprColumn {
		*out = append(*out, conjunct{column: right.Column, table: right.Table, op: flipOp(e.Op), literal: left.Literal})
	}
}

func flipOp(op string) string {
	switch op {
	case plan.OpLt:
		return plan.OpGt
	case plan.OpLe:
		return plan.OpGe
	case plan.OpGt:
		return plan.OpLt
	case plan.OpGe:
		return plan.OpLe
	}
	return op
}

// chooseIndexScan 谓词对全部键列给出等值，或对单列索引给出范围时选择索引扫描；
// 只覆盖复合索引前导列的谓词不会选中该索引。
// 等值覆盖全部键列的候选优先；并列时唯一索引优先，再取键宽较小者。
func (x *XEngine) chooseIndexScan(ctx *manager.TxnContext, binding *tableBinding,
	schema execSchema, where *plan.Expr) Operator {
	var conjuncts []conjunct
	probe := cloneExprForProbe(where, schema)
	if probe == nil {
		return nil
	}
	splitConjuncts(probe, &conjuncts)
	if len(conjuncts) == 0 {
		return nil
	}

	type candidate struct {
		ib        *indexBinding
		predicate indexPredicate
	}
	var candidates []candidate
	for _, ib := range binding.indexes {
		// 全键列等值：构造完整键做点查
		if key, ok := equalityKeyFor(ib, binding, conjuncts); ok {
			candidates = append(candidates, candidate{
				ib:        ib,
				predicate: indexPredicate{equal: key},
			})
			continue
		}
		// 单列索引上的范围
		if len(ib.meta.Columns) == 1 {
			if predicate, ok := rangePredicateFor(ib, binding, conjuncts); ok {
				candidates = append(candidates, candidate{ib: ib, predicate: predicate})
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		cEqual, bestEqual := c.predicate.equal != nil, best.predicate.equal != nil
		if cEqual != bestEqual {
			if cEqual {
				best = c
			}
			continue
		}
		if betterCandidate(c.ib, best.ib) {
			best = c
		}
	}
	return &indexScanExec{
		ctx:         ctx,
		heap:        binding.heap,
		tree:        best.ib.tree,
		columnTypes: binding.meta.ColumnTypes(),
		predicate:   best.predicate,
	}
}

// cloneExprForProbe 校验谓词列都属于本表后返回原树（探测不改绑定状态）
func cloneExprForProbe(e *plan.Expr, schema execSchema) *plan.Expr {
	valid := true
	e.Walk(func(node *plan.Expr) {
		if node.Kind == plan.ExprColumn {
			if _, err := schema.resolve(node.Table, node.Column); err != nil {
				valid = false
			}
		}
	})
	if !valid {
		return nil
	}
	return e
}

func betterCandidate(a, b *indexBinding) bool {
	if a.meta.Unique != b.meta.Unique {
		return a.meta.Unique
	}
	return a.tree.Layout().KeySize() < b.tree.Layout().KeySize()
}

// equalityKeyFor 全部键列均有等值合取项时构造完整键
func equalityKeyFor(ib *indexBinding, binding *tableBinding, conjuncts []conjunct) (*index.IndexKey, bool) {
	values := make([]tuple.Value, 0, len(ib.meta.Columns))
	for _, column := range ib.meta.Columns {
		found := false
		for _, c := range conjuncts {
			if c.op == plan.OpEq && strings.EqualFold(c.column, column) {
				position := binding.meta.ColumnIndex(column)
				if position < 0 {
					return nil, false
				}
				coerced, err := coerceValue(c.literal, &binding.meta.Columns[position])
				if err != nil || coerced.IsNull() {
					return nil, false
				}
				values = append(values, coerced)
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	key, err := index.KeyFromValues(values)
	if err != nil {
		return nil, false
	}
	return &key, true
}

// rangePredicateFor 单列索引上的范围谓词
func rangePredicateFor(ib *indexBinding, binding *tableBinding, conjuncts []conjunct) (indexPredicate, bool) {
	column := ib.meta.Columns[0]
	position := binding.meta.ColumnIndex(column)
	if position < 0 {
		return indexPredicate{}, false
	}
	predicate := indexPredicate{}
	matched := false
	for _, c := range conjuncts {
		if !strings.EqualFold(c.column, column) {
			continue
		}
		coerced, err := coerceValue(c.literal, &binding.meta.Columns[position])
		if err != nil || coerced.IsNull() {
			continue
		}
		key, err := index.KeyFromValue(coerced)
		if err != nil {
			continue
		}
		switch c.op {
		case plan.OpGt:
			predicate.low = &key
			predicate.lowInclusive = false
			matched = true
		case plan.OpGe:
			predicate.low = &key
			predicate.lowInclusive = true
			matched = true
		case plan.OpLt:
			predicate.high = &key
			predicate.highInclusive = false
			matched = true
		case plan.OpLe:
			predicate.high = &key
			predicate.highInclusive = true
			matched = true
		}
	}
	if !matched {
		return indexPredicate{}, false
	}
	return predicate, true
}

// collectOutput 跑空算子树收集全部行
func collectOutput(root Operator) ([][]tuple.Value, error) {
	if err := root.Open(); err != nil {
		root.Close()
		return nil, err
	}
	var rows [][]tuple.Value
	for {
		row, err := root.Next()
		if err != nil {
			root.Close()
			return nil, err
		}
		if row == nil {
			break
		}
		rows = append(rows, row.Values())
	}
	if err := root.Close(); err != nil {
		return nil, err
	}
	return rows, nil
}
