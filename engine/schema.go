package engine

import (
	"strings"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/index"
	"github.com/zhukovaskychina/xengine/metadata"
	"github.com/zhukovaskychina/xengine/tuple"
)

// colInfo 执行期输出列：binding为表别名（或表名），name为列名
type colInfo struct {
	binding string
	name    string
	typ     tuple.ValueType
}

// execSchema 算子输出行的列集合
type execSchema []colInfo

// resolve 把(表限定, 列名)定位到行内位置；无限定时要求全局唯一
func (s execSchema) resolve(table, column string) (int, error) {
	found := -1
	for i, col := range s {
		if table != "" && !strings.EqualFold(col.binding, table) {
			continue
		}
		if !strings.EqualFold(col.name, column) {
			continue
		}
		if found >= 0 {
			return -1, errors.Annotatef(basic.ErrPlan, "ambiguous column %s", column)
		}
		found = i
	}
	if found < 0 {
		if table != "" {
			return -1, errors.Annotatef(basic.ErrUnknownColumn, "%s.%s", table, column)
		}
		return -1, errors.Annotatef(basic.ErrUnknownColumn, "%s", column)
	}
	return found, nil
}

// concat 连接两侧输出
func (s execSchema) concat(other execSchema) execSchema {
	out := make(execSchema, 0, len(s)+len(other))
	out = append(out, s...)
	out = append(out, other...)
	return out
}

func schemaOfTable(meta *metadata.TableMeta, binding string) execSchema {
	out := make(execSchema, 0, len(meta.Columns))
	for i := range meta.Columns {
		out = append(out, colInfo{
			binding: binding,
			name:    meta.Columns[i].Name,
			typ:     meta.Columns[i].ValueType(),
		})
	}
	return out
}

// indexBinding 运行期索引：元数据+树+键列位置
type indexBinding struct {
	meta          *metadata.IndexMeta
	tree          *index.BTree
	columnIndices []int
}

// keyOf 由整行抽取索引键；任一键列为NULL返回(nil,false)
func (ib *indexBinding) keyOf(row *tuple.Tuple) (index.IndexKey, bool, error) {
	values := make([]tuple.Value, 0, len(ib.columnIndices))
	for _, position := range ib.columnIndices {
		value := row.Get(position)
		if value.IsNull() {
			return index.IndexKey{}, false, nil
		}
		values = append(values, value)
	}
	key, err := index.KeyFromValues(values)
	if err != nil {
		return index.IndexKey{}, false, err
	}
	return key, true, nil
}
