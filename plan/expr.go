package plan

import (
	"strings"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/tuple"
)

// ExprKind 表达式节点类型
type ExprKind int

const (
	ExprLiteral ExprKind = iota
	ExprColumn
	ExprBinary
	ExprNot
	ExprNegate
	ExprIsNull
	ExprIsNotNull
)

// 二元运算符
const (
	OpEq  = "="
	OpNe  = "!="
	OpLt  = "<"
	OpLe  = "<="
	OpGt  = ">"
	OpGe  = ">="
	OpAnd = "and"
	OpOr  = "or"
	OpAdd = "+"
	OpSub = "-"
	OpMul = "*"
	OpDiv = "/"
	OpMod = "%"
)

// Expr 标量表达式。列引用在物理规划时绑定到输出行的位置。
type Expr struct {
	Kind ExprKind

	// ExprLiteral
	Literal tuple.Value

	// ExprColumn
	Table  string
	Column string
	// 绑定后的行内位置，未绑定为-1
	ColumnIndex int

	// ExprBinary
	Op    string
	Left  *Expr
	Right *Expr

	// ExprNot / ExprNegate / ExprIsNull / ExprIsNotNull 的操作数复用Left
}

// NewLiteralExpr 字面量
func NewLiteralExpr(v tuple.Value) *Expr {
	return &Expr{Kind: ExprLiteral, Literal: v, ColumnIndex: -1}
}

// NewColumnExpr 列引用
func NewColumnExpr(table, column string) *Expr {
	return &Expr{Kind: ExprColumn, Table: table, Column: column, ColumnIndex: -1}
}

// NewBinaryExpr 二元运算
func NewBinaryExpr(op string, left, right *Expr) *Expr {
	return &Expr{Kind: ExprBinary, Op: op, Left: left, Right: right, ColumnIndex: -1}
}

// ColumnResolver 把(表限定, 列名)解析为行内位置
type ColumnResolver func(table, column string) (int, error)

// Bind 解析表达式树中的全部列引用
func (e *Expr) Bind(resolver ColumnResolver) error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case ExprColumn:
		index, err := resolver(e.Table, e.Column)
		if err != nil {
			return err
		}
		e.ColumnIndex = index
		return nil
	case ExprBinary:
		if err := e.Left.Bind(resolver); err != nil {
			return err
		}
		return e.Right.Bind(resolver)
	case ExprNot, ExprNegate, ExprIsNull, ExprIsNotNull:
		return e.Left.Bind(resolver)
	}
	return nil
}

// Walk 前序遍历
func (e *Expr) Walk(visit func(*Expr)) {
	if e == nil {
		return
	}
	visit(e)
	e.Left.Walk(visit)
	e.Right.Walk(visit)
}

// Eval 对一行求值
func (e *Expr) Eval(row *tuple.Tuple) (tuple.Value, error) {
	switch e.Kind {
	case ExprLiteral:
		return e.Literal, nil
	case ExprColumn:
		if e.ColumnIndex < 0 || e.ColumnIndex >= row.Len() {
			return tuple.Value{}, errors.Annotatef(basic.ErrPlan,
				"unbound column %s (index %d)", e.Column, e.ColumnIndex)
		}
		return row.Get(e.ColumnIndex), nil
	case ExprNot:
		operand, err := e.Left.Eval(row)
		if err != nil {
			return tuple.Value{}, err
		}
		if operand.IsNull() {
			return tuple.NewNullValue(), nil
		}
		flag, err := operand.Bool()
		if err != nil {
			return tuple.Value{}, err
		}
		return tuple.NewBoolValue(!flag), nil
	case ExprNegate:
		operand, err := e.Left.Eval(row)
		if err != nil {
			return tuple.Value{}, err
		}
		switch operand.Type() {
		case tuple.TypeInt:
			number, _ := operand.Int()
			return tuple.NewIntValue(-number), nil
		case tuple.TypeReal:
			number, _ := operand.Real()
			return tuple.NewRealValue(-number), nil
		case tuple.TypeNull:
			return tuple.NewNullValue(), nil
		}
		return tuple.Value{}, errors.Annotatef(basic.ErrTypeMismatch, "cannot negate %s", operand.Type())
	case ExprIsNull, ExprIsNotNull:
		operand, err := e.Left.Eval(row)
		if err != nil {
			return tuple.Value{}, err
		}
		isNull := operand.IsNull()
		if e.Kind == ExprIsNotNull {
			isNull = !isNull
		}
		return tuple.NewBoolValue(isNull), nil
	case ExprBinary:
		return e.evalBinary(row)
	}
	return tuple.Value{}, errors.Annotatef(basic.ErrPlan, "unknown expression kind %d", e.Kind)
}

func (e *Expr) evalBinary(row *tuple.Tuple) (tuple.Value, error) {
	switch e.Op {
	case OpAnd, OpOr:
		left, err := e.Left.Eval(row)
		if err != nil {
			return tuple.Value{}, err
		}
		leftBool := false
		if !left.IsNull() {
			if leftBool, err = left.Bool(); err != nil {
				return tuple.Value{}, err
			}
		}
		// 短路
		if e.Op == OpAnd && !leftBool {
			return tuple.NewBoolValue(false), nil
		}
		if e.Op == OpOr && leftBool {
			return tuple.NewBoolValue(true), nil
		}
		right, err := e.Right.Eval(row)
		if err != nil {
			return tuple.Value{}, err
		}
		rightBool := false
		if !right.IsNull() {
			if rightBool, err = right.Bool(); err != nil {
				return tuple.Value{}, err
			}
		}
		return tuple.NewBoolValue(rightBool), nil
	}

	left, err := e.Left.Eval(row)
	if err != nil {
		return tuple.Value{}, err
	}
	right, err := e.Right.Eval(row)
	if err != nil {
		return tuple.Value{}, err
	}

	switch e.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		// NULL参与比较即为假
		if left.IsNull() || right.IsNull() {
			return tuple.NewBoolValue(false), nil
		}
		cmp, err := left.Compare(right)
		if err != nil {
			return tuple.Value{}, err
		}
		var result bool
		switch e.Op {
		case OpEq:
			result = cmp == 0
		case OpNe:
			result = cmp != 0
		case OpLt:
			result = cmp < 0
		case OpLe:
			result = cmp <= 0
		case OpGt:
			result = cmp > 0
		case OpGe:
			result = cmp >= 0
		}
		return tuple.NewBoolValue(result), nil
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return evalArithmetic(e.Op, left, right)
	}
	return tuple.Value{}, errors.Annotatef(basic.ErrPlan, "unknown operator %s", e.Op)
}

func evalArithmetic(op string, left, right tuple.Value) (tuple.Value, error) {
	if left.IsNull() || right.IsNull() {
		return tuple.NewNullValue(), nil
	}
	if left.Type() == tuple.TypeInt && right.Type() == tuple.TypeInt {
		a, _ := left.Int()
		b, _ := right.Int()
		switch op {
		case OpAdd:
			return tuple.NewIntValue(a + b), nil
		case OpSub:
			return tuple.NewIntValue(a - b), nil
		case OpMul:
			return tuple.NewIntValue(a * b), nil
		case OpDiv:
			if b == 0 {
				return tuple.Value{}, errors.Trace(basic.ErrDivisionByZero)
			}
			return tuple.NewIntValue(a / b), nil
		case OpMod:
			if b == 0 {
				return tuple.Value{}, errors.Trace(basic.ErrDivisionByZero)
			}
			return tuple.NewIntValue(a % b), nil
		}
	}
	a, err := left.Real()
	if err != nil {
		return tuple.Value{}, err
	}
	b, err := right.Real()
	if err != nil {
		return tuple.Value{}, err
	}
	switch op {
	case OpAdd:
		return tuple.NewRealValue(a + b), nil
	case OpSub:
		return tuple.NewRealValue(a - b), nil
	case OpMul:
		return tuple.NewRealValue(a * b), nil
	case OpDiv:
		if b == 0 {
			return tuple.Value{}, errors.Trace(basic.ErrDivisionByZero)
		}
		return tuple.NewRealValue(a / b), nil
	case OpMod:
		return tuple.Value{}, errors.Annotatef(basic.ErrTypeMismatch, "modulo requires integers")
	}
	return tuple.Value{}, errors.Annotatef(basic.ErrPlan, "unknown operator %s", op)
}

// EvalPredicate 谓词求值：NULL按假处理
func EvalPredicate(e *Expr, row *tuple.Tuple) (bool, error) {
	if e == nil {
		return true, nil
	}
	value, err := e.Eval(row)
	if err != nil {
		return false, err
	}
	if value.IsNull() {
		return false, nil
	}
	flag, err := value.Bool()
	if err != nil {
		return false, errors.Annotatef(basic.ErrTypeMismatch, "predicate is %s, not bool", value.Type())
	}
	return flag, nil
}

// NormalizeOp 比较运算符归一
func NormalizeOp(op string) string {
	switch op {
	case "<>":
		return OpNe
	}
	return strings.ToLower(op)
}
