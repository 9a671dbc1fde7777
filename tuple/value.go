package tuple

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
)

// ValueType 值类型
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeInt
	TypeReal
	TypeBool
	TypeText
	TypeBlob
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInt:
		return "int"
	case TypeReal:
		return "float"
	case TypeBool:
		return "bool"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Value 带类型标签的标量值。零值为NULL。
type Value struct {
	t ValueType
	i int64
	f float64
	b bool
	s string
	r []byte
}

// NewNullValue NULL值
func NewNullValue() Value {
	return Value{t: TypeNull}
}

// NewIntValue 整型值
func NewIntValue(v int64) Value {
	return Value{t: TypeInt, i: v}
}

// NewRealValue 浮点值
func NewRealValue(v float64) Value {
	return Value{t: TypeReal, f: v}
}

// NewBoolValue 布尔值
func NewBoolValue(v bool) Value {
	return Value{t: TypeBool, b: v}
}

// NewTextValue 文本值
func NewTextValue(v string) Value {
	return Value{t: TypeText, s: v}
}

// NewBlobValue 字节值
func NewBlobValue(v []byte) Value {
	return Value{t: TypeBlob, r: v}
}

// Type 值类型
func (v Value) Type() ValueType {
	return v.t
}

// IsNull 是否为NULL
func (v Value) IsNull() bool {
	return v.t == TypeNull
}

// Int 整型内容
func (v Value) Int() (int64, error) {
	if v.t != TypeInt {
		return 0, errors.Annotatef(basic.ErrTypeMismatch, "expected int, got %s", v.t)
	}
	return v.i, nil
}

// Real 浮点内容
func (v Value) Real() (float64, error) {
	switch v.t {
	case TypeReal:
		return v.f, nil
	case TypeInt:
		return float64(v.i), nil
	}
	return 0, errors.Annotatef(basic.ErrTypeMismatch, "expected float, got %s", v.t)
}

// Bool 布尔内容
func (v Value) Bool() (bool, error) {
	if v.t != TypeBool {
		return false, errors.Annotatef(basic.ErrTypeMismatch, "expected bool, got %s", v.t)
	}
	return v.b, nil
}

// Text 文本内容
func (v Value) Text() (string, error) {
	if v.t != TypeText {
		return "", errors.Annotatef(basic.ErrTypeMismatch, "expected text, got %s", v.t)
	}
	return v.s, nil
}

// Blob 字节内容
func (v Value) Blob() ([]byte, error) {
	if v.t != TypeBlob {
		return nil, errors.Annotatef(basic.ErrTypeMismatch, "expected blob, got %s", v.t)
	}
	return v.r, nil
}

// Raw 原始内容
func (v Value) Raw() interface{} {
	switch v.t {
	case TypeNull:
		return nil
	case TypeInt:
		return v.i
	case TypeReal:
		return v.f
	case TypeBool:
		return v.b
	case TypeText:
		return v.s
	case TypeBlob:
		return v.r
	}
	return nil
}

// ToString 显示用文本
func (v Value) ToString() string {
	switch v.t {
	case TypeNull:
		return "NULL"
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeBool:
		if v.b {
			return "true"
		}
		return "false"
	case TypeText:
		return v.s
	case TypeBlob:
		return fmt.Sprintf("x'%x'", v.r)
	}
	return "?"
}

// Compare 同类或数值互比。NULL与任何值（含NULL）不可比，由调用方先行处理。
func (v Value) Compare(other Value) (int, error) {
	if v.IsNull() || other.IsNull() {
		return 0, errors.Annotatef(basic.ErrTypeMismatch, "cannot compare null values")
	}
	// 数值互比
	if (v.t == TypeInt || v.t == TypeReal) && (other.t == TypeInt || other.t == TypeReal) {
		if v.t == TypeInt && other.t == TypeInt {
			return compareInt64(v.i, other.i), nil
		}
		left, _ := v.Real()
		right, _ := other.Real()
		return compareFloat64(left, right), nil
	}
	if v.t != other.t {
		return 0, errors.Annotatef(basic.ErrTypeMismatch, "cannot compare %s with %s", v.t, other.t)
	}
	switch v.t {
	case TypeBool:
		return compareBool(v.b, other.b), nil
	case TypeText:
		return bytes.Compare([]byte(v.s), []byte(other.s)), nil
	case TypeBlob:
		return bytes.Compare(v.r, other.r), nil
	}
	return 0, errors.Annotatef(basic.ErrTypeMismatch, "cannot compare %s", v.t)
}

// Equal 相等判定，类型不可比时视为不等
func (v Value) Equal(other Value) bool {
	if v.IsNull() || other.IsNull() {
		return false
	}
	cmp, err := v.Compare(other)
	return err == nil && cmp == 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBool(a, b bool) int {
	switch {
	case !a && b:
		return -1
	case a && !b:
		return 1
	}
	return 0
}

// Tuple 一行按列序排列的值
type Tuple struct {
	values []Value
}

// NewTuple 由值序列构造元组
func NewTuple(values []Value) *Tuple {
	return &Tuple{values: values}
}

// Len 列数
func (t *Tuple) Len() int {
	return len(t.values)
}

// Values 全部值
func (t *Tuple) Values() []Value {
	return t.values
}

// Get 取第i列
func (t *Tuple) Get(i int) Value {
	return t.values[i]
}

// Concat 拼接两行（连接使用）
func (t *Tuple) Concat(other *Tuple) *Tuple {
	values := make([]Value, 0, len(t.values)+len(other.values))
	values = append(values, t.values...)
	values = append(values, other.values...)
	return NewTuple(values)
}
