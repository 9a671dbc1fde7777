package engine

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/plan"
	"github.com/zhukovaskychina/xengine/tuple"
)

// noColumnsResolver INSERT值列表中不允许列引用
func noColumnsResolver(table, column string) (int, error) {
	return -1, errors.Annotatef(basic.ErrPlan, "column reference %s not allowed in VALUES", column)
}

var emptyRow = tuple.NewTuple(nil)

func (x *XEngine) executeInsert(ctx *manager.TxnContext, p *plan.InsertPlan) (*Result, error) {
	binding, err := x.loadTable(p.Table)
	if err != nil {
		return nil, err
	}
	meta := binding.meta

	// 目标列序：省略列表时按表序
	positions := make([]int, 0, len(p.Columns))
	if len(p.Columns) == 0 {
		for i := range meta.Columns {
			positions = append(positions, i)
		}
	} else {
		for _, name := range p.Columns {
			position := meta.ColumnIndex(name)
			if position < 0 {
				return nil, errors.Annotatef(basic.ErrUnknownColumn, "%s.%s", meta.Name, name)
			}
			positions = append(positions, position)
		}
	}

	inserted := int64(0)
	for _, rowExprs := range p.Rows {
		if len(rowExprs) != len(positions) {
			return nil, errors.Annotatef(basic.ErrPlan,
				"expected %d values, got %d", len(positions), len(rowExprs))
		}
		provided := make(map[int]tuple.Value, len(rowExprs))
		for i, expr := range rowExprs {
			if err := expr.Bind(noColumnsResolver); err != nil {
				return nil, err
			}
			value, err := expr.Eval(emptyRow)
			if err != nil {
				return nil, err
			}
			provided[positions[i]] = value
		}

		values := make([]tuple.Value, len(meta.Columns))
		for i := range meta.Columns {
			column := &meta.Columns[i]
			value, ok := provided[i]
			if !ok {
				if column.Default != nil {
					value = column.Default.ToValue()
				} else {
					value = tuple.NewNullValue()
				}
			}
			coerced, err := coerceValue(value, column)
			if err != nil {
				return nil, err
			}
			values[i] = coerced
		}
		if _, err := binding.insertRow(ctx, tuple.NewTuple(values)); err != nil {
			return nil, err
		}
		inserted++
	}
	return execResult(inserted, fmt.Sprintf("INSERT %d", inserted)), nil
}

func (x *XEngine) executeUpdate(ctx *manager.TxnContext, p *plan.UpdatePlan) (*Result, error) {
	binding, err := x.loadTable(p.Table)
	if err != nil {
		return nil, err
	}
	meta := binding.meta
	schema := schemaOfTable(meta, meta.Name)

	assignPositions := make([]int, 0, len(p.Assignments))
	for i := range p.Assignments {
		position := meta.ColumnIndex(p.Assignments[i].Column)
		if position < 0 {
			return nil, errors.Annotatef(basic.ErrUnknownColumn, "%s.%s", meta.Name, p.Assignments[i].Column)
		}
		assignPositions = append(assignPositions, position)
		if err := p.Assignments[i].Value.Bind(schema.resolve); err != nil {
			return nil, err
		}
	}
	if p.Where != nil {
		if err := p.Where.Bind(schema.resolve); err != nil {
			return nil, err
		}
	}

	rows, err := binding.heap.Scan(ctx, meta.ColumnTypes())
	if err != nil {
		return nil, err
	}
	updated := int64(0)
	for _, item := range rows {
		match, err := plan.EvalPredicate(p.Where, item.Tuple)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		newValues := append([]tuple.Value(nil), item.Tuple.Values()...)
		for i := range p.Assignments {
			value, err := p.Assignments[i].Value.Eval(item.Tuple)
			if err != nil {
				return nil, err
			}
			coerced, err := coerceValue(value, &meta.Columns[assignPositions[i]])
			if err != nil {
				return nil, err
			}
			newValues[assignPositions[i]] = coerced
		}
		if _, err := binding.updateRow(ctx, item.RID, item.Tuple, tuple.NewTuple(newValues)); err != nil {
			return nil, err
		}
		updated++
	}
	return execResult(updated, fmt.Sprintf("UPDATE %d", updated)), nil
}

func (x *XEngine) executeDelete(ctx *manager.TxnContext, p *plan.DeletePlan) (*Result, error) {
	binding, err := x.loadTable(p.Table)
	if err != nil {
		return nil, err
	}
	meta := binding.meta
	schema := schemaOfTable(meta, meta.Name)
	if p.Where != nil {
		if err := p.Where.Bind(schema.resolve); err != nil {
			return nil, err
		}
	}

	rows, err := binding.heap.Scan(ctx, meta.ColumnTypes())
	if err != nil {
		return nil, err
	}
	deleted := int64(0)
	for _, item := range rows {
		match, err := plan.EvalPredicate(p.Where, item.Tuple)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		if err := binding.deleteRow(ctx, item.RID, item.Tuple); err != nil {
			return nil, err
		}
		deleted++
	}
	return execResult(deleted, fmt.Sprintf("DELETE %d", deleted)), nil
}

func (x *XEngine) executeSelect(ctx *manager.TxnContext, p *plan.SelectPlan) (*Result, error) {
	root, columns, err := x.buildSelectOperator(ctx, p)
	if err != nil {
		return nil, err
	}
	rows, err := collectOutput(root)
	if err != nil {
		return nil, err
	}
	return queryResult(columns, rows), nil
}
