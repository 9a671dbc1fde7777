package engine

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/heap"
	"github.com/zhukovaskychina/xengine/index"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/metadata"
	"github.com/zhukovaskychina/xengine/plan"
	"github.com/zhukovaskychina/xengine/tuple"
)

func defaultValueOf(v *tuple.Value) (*metadata.DefaultValue, error) {
	if v == nil {
		return nil, nil
	}
	switch v.Type() {
	case tuple.TypeNull:
		return &metadata.DefaultValue{Kind: "null"}, nil
	case tuple.TypeInt:
		number, _ := v.Int()
		return &metadata.DefaultValue{Kind: "int", Int: number}, nil
	case tuple.TypeReal:
		number, _ := v.Real()
		return &metadata.DefaultValue{Kind: "float", Real: number}, nil
	case tuple.TypeBool:
		flag, _ := v.Bool()
		return &metadata.DefaultValue{Kind: "bool", Bool: flag}, nil
	case tuple.TypeText:
		text, _ := v.Text()
		return &metadata.DefaultValue{Kind: "text", Text: text}, nil
	}
	return nil, errors.Annotatef(basic.ErrPlan, "unsupported default value type %s", v.Type())
}

func (x *XEngine) executeCreateTable(ctx *manager.TxnContext, p *plan.CreateTablePlan) (*Result, error) {
	if x.catalog.HasTable(p.Name) {
		return nil, errors.Annotatef(basic.ErrDuplicateName, "table %s already exists", p.Name)
	}

	columns := make([]metadata.Column, 0, len(p.Columns))
	for _, spec := range p.Columns {
		def, err := defaultValueOf(spec.Default)
		if err != nil {
			return nil, err
		}
		columns = append(columns, metadata.Column{
			Name:       spec.Name,
			Type:       spec.Type,
			Nullable:   spec.Nullable && !isPrimary(spec.Name, p.PrimaryColumns),
			PrimaryKey: isPrimary(spec.Name, p.PrimaryColumns),
			Unique:     spec.Unique,
			Default:    def,
		})
	}

	tableHeap, err := heap.CreateTableHeap(ctx, x.bufferPool, x.cfg.BlobInlineLimit)
	if err != nil {
		return nil, err
	}
	meta, err := x.catalog.CreateTable(p.Name, columns, tableHeap.FirstPageID())
	if err != nil {
		return nil, err
	}
	if err := ctx.LockTable(meta.ID, manager.LockExclusive); err != nil {
		return nil, err
	}

	// 主键与唯一约束都落成唯一索引
	if len(p.PrimaryColumns) > 0 {
		name := fmt.Sprintf("pk_%s", strings.ToLower(p.Name))
		if err := x.createIndexOn(ctx, meta, name, p.PrimaryColumns, true, true); err != nil {
			return nil, err
		}
	}
	for _, spec := range p.Columns {
		if spec.Unique && !isPrimary(spec.Name, p.PrimaryColumns) {
			name := fmt.Sprintf("uq_%s_%s", strings.ToLower(p.Name), strings.ToLower(spec.Name))
			if err := x.createIndexOn(ctx, meta, name, []string{spec.Name}, true, false); err != nil {
				return nil, err
			}
		}
	}
	for _, set := range p.UniqueSets {
		name := fmt.Sprintf("uq_%s_%s", strings.ToLower(p.Name), strings.ToLower(strings.Join(set, "_")))
		if err := x.createIndexOn(ctx, meta, name, set, true, false); err != nil {
			return nil, err
		}
	}
	return execResult(0, fmt.Sprintf("CREATE TABLE %s", p.Name)), nil
}

// createIndexOn 建树、回填既有行、登记目录
func (x *XEngine) createIndexOn(ctx *manager.TxnContext, meta *metadata.TableMeta,
	name string, columns []string, unique, primary bool) error {
	layout, err := indexLayoutFor(meta, columns, x.cfg.TextIndexKeySize)
	if err != nil {
		return err
	}
	tree, err := index.CreateBTree(ctx, x.bufferPool, layout, unique)
	if err != nil {
		return err
	}

	// 回填
	tableHeap := heap.LoadTableHeap(x.bufferPool, basic.PageID(meta.HeapRootPageID), x.cfg.BlobInlineLimit)
	rows, err := tableHeap.Scan(ctx, meta.ColumnTypes())
	if err != nil {
		return err
	}
	positions := make([]int, 0, len(columns))
	for _, column := range columns {
		positions = append(positions, meta.ColumnIndex(column))
	}
	for _, item := range rows {
		values := make([]tuple.Value, 0, len(positions))
		skip := false
		for _, position := range positions {
			value := item.Tuple.Get(position)
			if value.IsNull() {
				skip = true
				break
			}
			values = append(values, value)
		}
		if skip {
			continue
		}
		key, err := index.KeyFromValues(values)
		if err != nil {
			return err
		}
		if err := tree.Insert(ctx, key, item.RID); err != nil {
			if errors.Is(err, basic.ErrDuplicateKey) {
				return errors.Annotatef(basic.ErrConstraintViolation,
					"cannot create unique index %s: duplicate key in existing rows", name)
			}
			return err
		}
	}

	return x.catalog.AddIndex(meta.Name, &metadata.IndexMeta{
		Name:         name,
		Columns:      columns,
		Unique:       unique,
		Primary:      primary,
		HeaderPageID: uint64(tree.HeaderPageID()),
	})
}

func (x *XEngine) executeCreateIndex(ctx *manager.TxnContext, p *plan.CreateIndexPlan) (*Result, error) {
	meta, err := x.catalog.Table(p.Table)
	if err != nil {
		return nil, err
	}
	if err := ctx.LockTable(meta.ID, manager.LockExclusive); err != nil {
		return nil, err
	}
	if meta.FindIndex(p.Name) != nil {
		return nil, errors.Annotatef(basic.ErrDuplicateName, "index %s", p.Name)
	}
	if err := x.createIndexOn(ctx, meta, p.Name, p.Columns, p.Unique, false); err != nil {
		return nil, err
	}
	return execResult(0, fmt.Sprintf("CREATE INDEX %s", p.Name)), nil
}

func (x *XEngine) executeDropTable(ctx *manager.TxnContext, p *plan.DropTablePlan) (*Result, error) {
	meta, err := x.catalog.Table(p.Name)
	if err != nil {
		if p.IfExists && errors.Is(err, basic.ErrUnknownTable) {
			return execResult(0, "DROP TABLE (no-op)"), nil
		}
		return nil, err
	}
	if err := ctx.LockTable(meta.ID, manager.LockExclusive); err != nil {
		return nil, err
	}
	// 逻辑删除：页面不回收，文件不收缩
	if err := x.catalog.DropTable(p.Name); err != nil {
		return nil, err
	}
	return execResult(0, fmt.Sprintf("DROP TABLE %s", p.Name)), nil
}

func (x *XEngine) executeAlterTable(ctx *manager.TxnContext, p *plan.AlterTablePlan) (*Result, error) {
	meta, err := x.catalog.Table(p.Table)
	if err != nil {
		return nil, err
	}
	// ALTER持有目录项与堆根的排他锁，同表DML等待
	if err := ctx.LockTable(meta.ID, manager.LockExclusive); err != nil {
		return nil, err
	}
	if err := ctx.LockPage(basic.PageID(meta.HeapRootPageID), manager.LockExclusive); err != nil {
		return nil, err
	}

	switch p.Kind {
	case plan.AlterRenameTable:
		if err := x.catalog.RenameTable(p.Table, p.NewName); err != nil {
			return nil, err
		}
		return execResult(0, fmt.Sprintf("RENAME TABLE %s TO %s", p.Table, p.NewName)), nil
	case plan.AlterRenameColumn:
		if err := x.catalog.RenameColumn(p.Table, p.Column, p.NewName); err != nil {
			return nil, err
		}
		return execResult(0, fmt.Sprintf("RENAME COLUMN %s TO %s", p.Column, p.NewName)), nil
	case plan.AlterAddColumn:
		return x.alterAddColumn(ctx, meta, p)
	case plan.AlterDropColumn:
		return x.alterDropColumn(ctx, meta, p)
	}
	return nil, errors.Annotatef(basic.ErrPlan, "unknown alter kind")
}

// alterAddColumn 追加列并重写全部行（旧行按旧模式解码，新列以默认值补齐）
func (x *XEngine) alterAddColumn(ctx *manager.TxnContext, meta *metadata.TableMeta, p *plan.AlterTablePlan) (*Result, error) {
	def, err := defaultValueOf(p.NewColumn.Default)
	if err != nil {
		return nil, err
	}
	newColumn := metadata.Column{
		Name:     p.NewColumn.Name,
		Type:     p.NewColumn.Type,
		Nullable: p.NewColumn.Nullable,
		Unique:   p.NewColumn.Unique,
		Default:  def,
	}
	fill := newColumn.Default.ToValue()
	if fill.IsNull() && !newColumn.Nullable {
		return nil, errors.Annotatef(basic.ErrNotNullViolation,
			"new column %s needs a default", newColumn.Name)
	}

	if err := x.catalog.AddColumn(meta.Name, newColumn); err != nil {
		return nil, err
	}
	oldTypes := meta.ColumnTypes()[:len(meta.Columns)-1]
	err = x.rewriteTable(ctx, meta, oldTypes, func(old *tuple.Tuple) *tuple.Tuple {
		values := append([]tuple.Value(nil), old.Values()...)
		values = append(values, fill)
		return tuple.NewTuple(values)
	})
	if err != nil {
		return nil, err
	}
	return execResult(0, fmt.Sprintf("ADD COLUMN %s", newColumn.Name)), nil
}

// alterDropColumn 删除列并重写全部行
func (x *XEngine) alterDropColumn(ctx *manager.TxnContext, meta *metadata.TableMeta, p *plan.AlterTablePlan) (*Result, error) {
	dropPosition := meta.ColumnIndex(p.Column)
	if dropPosition < 0 {
		return nil, errors.Annotatef(basic.ErrUnknownColumn, "%s.%s", meta.Name, p.Column)
	}
	oldTypes := meta.ColumnTypes()
	if err := x.catalog.DropColumn(meta.Name, p.Column); err != nil {
		return nil, err
	}
	err := x.rewriteTable(ctx, meta, oldTypes, func(old *tuple.Tuple) *tuple.Tuple {
		values := append([]tuple.Value(nil), old.Values()[:dropPosition]...)
		values = append(values, old.Values()[dropPosition+1:]...)
		return tuple.NewTuple(values)
	})
	if err != nil {
		return nil, err
	}
	return execResult(0, fmt.Sprintf("DROP COLUMN %s", p.Column)), nil
}

// rewriteTable 列集变化后整表重写：新堆重灌行，索引原树重建
func (x *XEngine) rewriteTable(ctx *manager.TxnContext, meta *metadata.TableMeta,
	oldTypes []tuple.ValueType, transform func(*tuple.Tuple) *tuple.Tuple) error {
	oldHeap := heap.LoadTableHeap(x.bufferPool, basic.PageID(meta.HeapRootPageID), x.cfg.BlobInlineLimit)
	oldRows, err := oldHeap.Scan(ctx, oldTypes)
	if err != nil {
		return err
	}

	newHeap, err := heap.CreateTableHeap(ctx, x.bufferPool, x.cfg.BlobInlineLimit)
	if err != nil {
		return err
	}
	newTypes := meta.ColumnTypes()
	type rewritten struct {
		rid basic.RID
		row *tuple.Tuple
	}
	newRows := make([]rewritten, 0, len(oldRows))
	for _, item := range oldRows {
		row := transform(item.Tuple)
		rid, err := newHeap.InsertTuple(ctx, newTypes, row)
		if err != nil {
			return err
		}
		newRows = append(newRows, rewritten{rid: rid, row: row})
	}
	meta.HeapRootPageID = uint64(newHeap.FirstPageID())

	for _, indexMeta := range meta.Indexes {
		tree, err := index.LoadBTree(x.bufferPool, basic.PageID(indexMeta.HeaderPageID))
		if err != nil {
			return err
		}
		positions := make([]int, 0, len(indexMeta.Columns))
		for _, column := range indexMeta.Columns {
			positions = append(positions, meta.ColumnIndex(column))
		}
		var items []index.KeyRID
		for _, entry := range newRows {
			values := make([]tuple.Value, 0, len(positions))
			skip := false
			for _, position := range positions {
				value := entry.row.Get(position)
				if value.IsNull() {
					skip = true
					break
				}
				values = append(values, value)
			}
			if skip {
				continue
			}
			key, err := index.KeyFromValues(values)
			if err != nil {
				return err
			}
			items = append(items, index.KeyRID{Key: key, RID: entry.rid})
		}
		if err := tree.Rebuild(ctx, items); err != nil {
			return err
		}
	}
	return nil
}

func isPrimary(name string, primaryColumns []string) bool {
	for _, column := range primaryColumns {
		if strings.EqualFold(column, name) {
			return true
		}
	}
	return false
}
