package engine

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/heap"
	"github.com/zhukovaskychina/xengine/index"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/metadata"
	"github.com/zhukovaskychina/xengine/tuple"
)

// tableBinding 一张表的运行期装配：元数据、堆、全部索引树
type tableBinding struct {
	meta    *metadata.TableMeta
	heap    *heap.TableHeap
	indexes []*indexBinding
}

// loadTable 装配表
func (x *XEngine) loadTable(name string) (*tableBinding, error) {
	meta, err := x.catalog.Table(name)
	if err != nil {
		return nil, err
	}
	binding := &tableBinding{
		meta: meta,
		heap: heap.LoadTableHeap(x.bufferPool, basic.PageID(meta.HeapRootPageID), x.cfg.BlobInlineLimit),
	}
	for _, indexMeta := range meta.Indexes {
		tree, err := index.LoadBTree(x.bufferPool, basic.PageID(indexMeta.HeaderPageID))
		if err != nil {
			return nil, err
		}
		positions := make([]int, 0, len(indexMeta.Columns))
		for _, column := range indexMeta.Columns {
			position := meta.ColumnIndex(column)
			if position < 0 {
				return nil, errors.Annotatef(basic.ErrCatalog,
					"index %s references missing column %s", indexMeta.Name, column)
			}
			positions = append(positions, position)
		}
		binding.indexes = append(binding.indexes, &indexBinding{
			meta:          indexMeta,
			tree:          tree,
			columnIndices: positions,
		})
	}
	return binding, nil
}

// coerceValue 值向列类型归一
func coerceValue(value tuple.Value, column *metadata.Column) (tuple.Value, error) {
	if value.IsNull() {
		if !column.Nullable {
			return tuple.Value{}, errors.Annotatef(basic.ErrNotNullViolation, "column %s", column.Name)
		}
		return value, nil
	}
	target := column.ValueType()
	if value.Type() == target {
		return value, nil
	}
	// 整型字面量落浮点列
	if target == tuple.TypeReal && value.Type() == tuple.TypeInt {
		number, _ := value.Int()
		return tuple.NewRealValue(float64(number)), nil
	}
	// 文本字面量落blob列
	if target == tuple.TypeBlob && value.Type() == tuple.TypeText {
		text, _ := value.Text()
		return tuple.NewBlobValue([]byte(text)), nil
	}
	return tuple.Value{}, errors.Annotatef(basic.ErrTypeMismatch,
		"column %s is %s, value is %s", column.Name, column.Type, value.Type())
}

// uniqueProbe 唯一索引探测。excludeRID排除被更新中的行。
func (b *tableBinding) uniqueProbe(ctx *manager.TxnContext, row *tuple.Tuple, excludeRID *basic.RID) error {
	for _, ib := range b.indexes {
		if !ib.meta.Unique {
			continue
		}
		key, ok, err := ib.keyOf(row)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rids, err := ib.tree.Search(ctx, key)
		if err != nil {
			return err
		}
		for _, rid := range rids {
			if excludeRID != nil && rid == *excludeRID {
				continue
			}
			return errors.Annotatef(basic.ErrConstraintViolation,
				"unique index %s rejects duplicate key", ib.meta.Name)
		}
	}
	return nil
}

// insertRow 行插入：先探测全部唯一索引，再写堆，再维护每个索引。
// 任一索引插入失败时把堆槽打回墓碑并上抛。
func (b *tableBinding) insertRow(ctx *manager.TxnContext, row *tuple.Tuple) (basic.RID, error) {
	if err := b.uniqueProbe(ctx, row, nil); err != nil {
		return basic.RID{}, err
	}
	rid, err := b.heap.InsertTuple(ctx, b.meta.ColumnTypes(), row)
	if err != nil {
		return basic.RID{}, err
	}
	var inserted []struct {
		ib  *indexBinding
		key index.IndexKey
	}
	for _, ib := range b.indexes {
		key, ok, err := ib.keyOf(row)
		if err == nil && ok {
			err = ib.tree.Insert(ctx, key, rid)
		}
		if err != nil {
			for _, done := range inserted {
				done.ib.tree.Delete(ctx, done.key, rid)
			}
			b.heap.DeleteTuple(ctx, rid)
			if errors.Is(err, basic.ErrDuplicateKey) {
				err = errors.Annotatef(basic.ErrConstraintViolation,
					"unique index %s rejects duplicate key", ib.meta.Name)
			}
			return basic.RID{}, err
		}
		if ok {
			inserted = append(inserted, struct {
				ib  *indexBinding
				key index.IndexKey
			}{ib, key})
		}
	}
	return rid, nil
}

// deleteRow 行删除：打墓碑并移除全部索引项
func (b *tableBinding) deleteRow(ctx *manager.TxnContext, rid basic.RID, row *tuple.Tuple) error {
	deleted, err := b.heap.DeleteTuple(ctx, rid)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	for _, ib := range b.indexes {
		key, ok, err := ib.keyOf(row)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := ib.tree.Delete(ctx, key, rid); err != nil {
			return err
		}
	}
	return nil
}

// updateRow 行更新：放得下原地覆写，放不下搬移；索引键或RID变化时换项
func (b *tableBinding) updateRow(ctx *manager.TxnContext, rid basic.RID, oldRow, newRow *tuple.Tuple) (basic.RID, error) {
	if err := b.uniqueProbe(ctx, newRow, &rid); err != nil {
		return basic.RID{}, err
	}
	newRID, _, err := b.heap.UpdateTuple(ctx, b.meta.ColumnTypes(), rid, newRow)
	if err != nil {
		return basic.RID{}, err
	}
	for _, ib := range b.indexes {
		oldKey, oldOK, err := ib.keyOf(oldRow)
		if err != nil {
			return basic.RID{}, err
		}
		newKey, newOK, err := ib.keyOf(newRow)
		if err != nil {
			return basic.RID{}, err
		}
		keyUnchanged := oldOK && newOK && oldKey.Equal(newKey)
		if keyUnchanged && newRID == rid {
			continue
		}
		if oldOK {
			if _, err := ib.tree.Delete(ctx, oldKey, rid); err != nil {
				return basic.RID{}, err
			}
		}
		if newOK {
			if err := ib.tree.Insert(ctx, newKey, newRID); err != nil {
				if errors.Is(err, basic.ErrDuplicateKey) {
					err = errors.Annotatef(basic.ErrConstraintViolation,
						"unique index %s rejects duplicate key", ib.meta.Name)
				}
				return basic.RID{}, err
			}
		}
	}
	return newRID, nil
}

// indexableColumn 索引键列类型校验
func indexableColumn(column *metadata.Column) bool {
	switch column.ValueType() {
	case tuple.TypeInt, tuple.TypeText, tuple.TypeBool:
		return true
	}
	return false
}

// indexLayoutFor 索引键布局
func indexLayoutFor(meta *metadata.TableMeta, columns []string, textSize int) (index.KeyLayout, error) {
	kinds := make([]index.KeyKind, 0, len(columns))
	for _, name := range columns {
		position := meta.ColumnIndex(name)
		if position < 0 {
			return index.KeyLayout{}, errors.Annotatef(basic.ErrUnknownColumn, "%s.%s", meta.Name, name)
		}
		column := &meta.Columns[position]
		if !indexableColumn(column) {
			return index.KeyLayout{}, errors.Annotatef(basic.ErrCatalog,
				"column %s of type %s cannot be indexed", name, column.Type)
		}
		if column.ValueType() == tuple.TypeText {
			kinds = append(kinds, index.KeyKindText)
		} else {
			kinds = append(kinds, index.KeyKindInt)
		}
	}
	return index.KeyLayout{Kinds: kinds, TextSize: textSize}, nil
}
