package engine

import (
	"sort"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/heap"
	"github.com/zhukovaskychina/xengine/index"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/plan"
	"github.com/zhukovaskychina/xengine/tuple"
)

// Operator 火山模型算子
type Operator interface {
	Open() error
	Next() (*tuple.Tuple, error) // 耗尽返回(nil, nil)
	Close() error
}

// ---- 顺序扫描 ----

type seqScanExec struct {
	ctx         *manager.TxnContext
	heap        *heap.TableHeap
	columnTypes []tuple.ValueType
	rows        []heap.RowItem
	cursor      int
}

func (e *seqScanExec) Open() error {
	rows, err := e.heap.Scan(e.ctx, e.columnTypes)
	if err != nil {
		return err
	}
	e.rows = rows
	e.cursor = 0
	return nil
}

func (e *seqScanExec) Next() (*tuple.Tuple, error) {
	if e.cursor >= len(e.rows) {
		return nil, nil
	}
	row := e.rows[e.cursor].Tuple
	e.cursor++
	return row, nil
}

func (e *seqScanExec) Close() error {
	e.rows = nil
	return nil
}

// ---- 索引扫描 ----

// indexPredicate 命中索引前缀的谓词
type indexPredicate struct {
	equal         *index.IndexKey
	low           *index.IndexKey
	high          *index.IndexKey
	lowInclusive  bool
	highInclusive bool
}

type indexScanExec struct {
	ctx         *manager.TxnContext
	heap        *heap.TableHeap
	tree        *index.BTree
	columnTypes []tuple.ValueType
	predicate   indexPredicate
	rows        []*tuple.Tuple
	cursor      int
}

func (e *indexScanExec) Open() error {
	var rids []basic.RID
	if e.predicate.equal != nil {
		found, err := e.tree.Search(e.ctx, *e.predicate.equal)
		if err != nil {
			return err
		}
		rids = found
	} else {
		items, err := e.tree.Range(e.ctx, e.predicate.low, e.predicate.high,
			e.predicate.lowInclusive, e.predicate.highInclusive)
		if err != nil {
			return err
		}
		for _, item := range items {
			rids = append(rids, item.RID)
		}
	}
	e.rows = e.rows[:0]
	for _, rid := range rids {
		row, err := e.heap.GetTuple(e.ctx, e.columnTypes, rid)
		if err != nil {
			return err
		}
		if row != nil {
			e.rows = append(e.rows, row)
		}
	}
	e.cursor = 0
	return nil
}

func (e *indexScanExec) Next() (*tuple.Tuple, error) {
	if e.cursor >= len(e.rows) {
		return nil, nil
	}
	row := e.rows[e.cursor]
	e.cursor++
	return row, nil
}

func (e *indexScanExec) Close() error {
	e.rows = nil
	return nil
}

// ---- 过滤 ----

type filterExec struct {
	child     Operator
	predicate *plan.Expr
}

func (e *filterExec) Open() error { return e.child.Open() }

func (e *filterExec) Next() (*tuple.Tuple, error) {
	for {
		row, err := e.child.Next()
		if err != nil || row == nil {
			return nil, err
		}
		match, err := plan.EvalPredicate(e.predicate, row)
		if err != nil {
			return nil, err
		}
		if match {
			return row, nil
		}
	}
}

func (e *filterExec) Close() error { return e.child.Close() }

// ---- 投影 ----

type projectExec struct {
	child Operator
	exprs []*plan.Expr
}

func (e *projectExec) Open() error { return e.child.Open() }

func (e *projectExec) Next() (*tuple.Tuple, error) {
	row, err := e.child.Next()
	if err != nil || row == nil {
		return nil, err
	}
	values := make([]tuple.Value, 0, len(e.exprs))
	for _, expr := range e.exprs {
		value, err := expr.Eval(row)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return tuple.NewTuple(values), nil
}

func (e *projectExec) Close() error { return e.child.Close() }

// ---- 嵌套循环连接 ----

type nestedLoopJoinExec struct {
	left      Operator
	right     Operator
	on        *plan.Expr
	leftJoin  bool
	rightCols int

	rightRows []*tuple.Tuple
	current   *tuple.Tuple
	rightPos  int
	matched   bool
}

func (e *nestedLoopJoinExec) Open() error {
	if err := e.left.Open(); err != nil {
		return err
	}
	if err := e.right.Open(); err != nil {
		return err
	}
	// 右侧物化一次，逐行嵌套探查
	e.rightRows = e.rightRows[:0]
	for {
		row, err := e.right.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		e.rightRows = append(e.rightRows, row)
	}
	e.current = nil
	e.rightPos = 0
	return nil
}

func (e *nestedLoopJoinExec) Next() (*tuple.Tuple, error) {
	for {
		if e.current == nil {
			row, err := e.left.Next()
			if err != nil || row == nil {
				return nil, err
			}
			e.current = row
			e.rightPos = 0
			e.matched = false
		}
		for e.rightPos < len(e.rightRows) {
			rightRow := e.rightRows[e.rightPos]
			e.rightPos++
			combined := e.current.Concat(rightRow)
			match, err := plan.EvalPredicate(e.on, combined)
			if err != nil {
				return nil, err
			}
			if match {
				e.matched = true
				return combined, nil
			}
		}
		leftRow := e.current
		e.current = nil
		if e.leftJoin && !e.matched {
			nulls := make([]tuple.Value, e.rightCols)
			for i := range nulls {
				nulls[i] = tuple.NewNullValue()
			}
			return leftRow.Concat(tuple.NewTuple(nulls)), nil
		}
	}
}

func (e *nestedLoopJoinExec) Close() error {
	leftErr := e.left.Close()
	rightErr := e.right.Close()
	if leftErr != nil {
		return leftErr
	}
	return rightErr
}

// ---- 哈希聚合 ----

// aggState 单组累加器
type aggState struct {
	count   int64
	sum     decimal.Decimal
	sumReal bool
	sawAny  bool
	min     tuple.Value
	max     tuple.Value
}

type hashAggExec struct {
	child   Operator
	groupBy []*plan.Expr
	items   []plan.SelectItemPlan

	groups map[string][]*aggState
	order  []string
	keyRow map[string]*tuple.Tuple
	cursor int
}

func (e *hashAggExec) Open() error {
	if err := e.child.Open(); err != nil {
		return err
	}
	e.groups = make(map[string][]*aggState)
	e.keyRow = make(map[string]*tuple.Tuple)
	e.order = e.order[:0]
	e.cursor = 0

	for {
		row, err := e.child.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		key, err := e.groupKey(row)
		if err != nil {
			return err
		}
		states, ok := e.groups[key]
		if !ok {
			states = make([]*aggState, len(e.items))
			for i := range states {
				states[i] = &aggState{}
			}
			e.groups[key] = states
			e.keyRow[key] = row
			e.order = append(e.order, key)
		}
		for i, item := range e.items {
			if item.Agg == nil {
				continue
			}
			if err := states[i].accumulate(item.Agg, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// groupKey 分组键的规范化编码
func (e *hashAggExec) groupKey(row *tuple.Tuple) (string, error) {
	if len(e.groupBy) == 0 {
		return "", nil
	}
	var encoded []byte
	for _, expr := range e.groupBy {
		value, err := expr.Eval(row)
		if err != nil {
			return "", err
		}
		encoded = append(encoded, byte(value.Type()))
		encoded = append(encoded, []byte(value.ToString())...)
		encoded = append(encoded, 0)
	}
	return string(encoded), nil
}

func (s *aggState) accumulate(agg *plan.AggCall, row *tuple.Tuple) error {
	if agg.Star {
		s.count++
		return nil
	}
	value, err := agg.Arg.Eval(row)
	if err != nil {
		return err
	}
	if value.IsNull() {
		return nil
	}
	s.count++
	switch agg.Func {
	case "sum", "avg":
		switch value.Type() {
		case tuple.TypeInt:
			number, _ := value.Int()
			s.sum = s.sum.Add(decimal.NewFromInt(number))
		case tuple.TypeReal:
			number, _ := value.Real()
			s.sum = s.sum.Add(decimal.NewFromFloat(number))
			s.sumReal = true
		default:
			return errors.Annotatef(basic.ErrTypeMismatch, "%s over %s", agg.Func, value.Type())
		}
	case "min":
		if !s.sawAny {
			s.min = value
		} else if cmp, err := value.Compare(s.min); err == nil && cmp < 0 {
			s.min = value
		}
	case "max":
		if !s.sawAny {
			s.max = value
		} else if cmp, err := value.Compare(s.max); err == nil && cmp > 0 {
			s.max = value
		}
	}
	s.sawAny = true
	return nil
}

func (s *aggState) result(agg *plan.AggCall) tuple.Value {
	switch agg.Func {
	case "count":
		return tuple.NewIntValue(s.count)
	case "sum":
		if !s.sawAny {
			return tuple.NewNullValue()
		}
		if s.sumReal {
			number, _ := s.sum.Float64()
			return tuple.NewRealValue(number)
		}
		return tuple.NewIntValue(s.sum.IntPart())
	case "avg":
		if !s.sawAny || s.count == 0 {
			return tuple.NewNullValue()
		}
		number, _ := s.sum.Div(decimal.NewFromInt(s.count)).Float64()
		return tuple.NewRealValue(number)
	case "min":
		if !s.sawAny {
			return tuple.NewNullValue()
		}
		return s.min
	case "max":
		if !s.sawAny {
			return tuple.NewNullValue()
		}
		return s.max
	}
	return tuple.NewNullValue()
}

func (e *hashAggExec) Next() (*tuple.Tuple, error) {
	// 空输入的无分组聚合仍产出一行
	if len(e.order) == 0 && len(e.groupBy) == 0 && e.cursor == 0 {
		e.cursor++
		values := make([]tuple.Value, 0, len(e.items))
		empty := &aggState{}
		for _, item := range e.items {
			if item.Agg != nil {
				values = append(values, empty.result(item.Agg))
			} else {
				values = append(values, tuple.NewNullValue())
			}
		}
		return tuple.NewTuple(values), nil
	}
	if e.cursor >= len(e.order) {
		return nil, nil
	}
	key := e.order[e.cursor]
	e.cursor++
	states := e.groups[key]
	representative := e.keyRow[key]

	values := make([]tuple.Value, 0, len(e.items))
	for i, item := range e.items {
		if item.Agg != nil {
			values = append(values, states[i].result(item.Agg))
			continue
		}
		value, err := item.Expr.Eval(representative)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return tuple.NewTuple(values), nil
}

func (e *hashAggExec) Close() error { return e.child.Close() }

// ---- 排序 ----

type sortKeySpec struct {
	position int
	desc     bool
}

type sortExec struct {
	child  Operator
	keys   []sortKeySpec
	rows   []*tuple.Tuple
	cursor int
}

func (e *sortExec) Open() error {
	if err := e.child.Open(); err != nil {
		return err
	}
	e.rows = e.rows[:0]
	for {
		row, err := e.child.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		e.rows = append(e.rows, row)
	}
	sort.SliceStable(e.rows, func(i, j int) bool {
		for _, key := range e.keys {
			a := e.rows[i].Get(key.position)
			b := e.rows[j].Get(key.position)
			cmp := compareForSort(a, b)
			if cmp == 0 {
				continue
			}
			if key.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	e.cursor = 0
	return nil
}

// compareForSort NULL排最前，类型不可比时按类型标签
func compareForSort(a, b tuple.Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return -1
	}
	if b.IsNull() {
		return 1
	}
	cmp, err := a.Compare(b)
	if err != nil {
		return int(a.Type()) - int(b.Type())
	}
	return cmp
}

func (e *sortExec) Next() (*tuple.Tuple, error) {
	if e.cursor >= len(e.rows) {
		return nil, nil
	}
	row := e.rows[e.cursor]
	e.cursor++
	return row, nil
}

func (e *sortExec) Close() error { return e.child.Close() }

// ---- LIMIT / OFFSET ----

type limitExec struct {
	child   Operator
	limit   int64
	offset  int64
	skipped int64
	emitted int64
}

func (e *limitExec) Open() error {
	e.skipped = 0
	e.emitted = 0
	return e.child.Open()
}

func (e *limitExec) Next() (*tuple.Tuple, error) {
	for e.skipped < e.offset {
		row, err := e.child.Next()
		if err != nil || row == nil {
			return nil, err
		}
		e.skipped++
	}
	if e.limit >= 0 && e.emitted >= e.limit {
		return nil, nil
	}
	row, err := e.child.Next()
	if err != nil || row == nil {
		return nil, err
	}
	e.emitted++
	return row, nil
}

func (e *limitExec) Close() error { return e.child.Close() }
