package index

import (
	"strconv"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/tuple"
	"github.com/zhukovaskychina/xengine/util"
)

// KeyKind 索引键成分类型
type KeyKind uint8

const (
	KeyKindInt  KeyKind = 1
	KeyKindText KeyKind = 2
)

// DefaultTextKeySize 文本键定宽负载默认值（不含2字节长度前缀）
const DefaultTextKeySize = 128

// 组合键最多成分数，受头页布局限制
const maxKeyComponents = 16

// KeyLayout 索引键的固定宽度编码布局
type KeyLayout struct {
	// 成分类型，单成分即标量键
	Kinds []KeyKind
	// 文本成分的定宽负载
	TextSize int
}

// ComponentSize 单成分编码宽度
func (l KeyLayout) ComponentSize(kind KeyKind) int {
	if kind == KeyKindInt {
		return 8
	}
	return 2 + l.TextSize
}

// KeySize 键编码总宽度
func (l KeyLayout) KeySize() int {
	total := 0
	for _, kind := range l.Kinds {
		total += l.ComponentSize(kind)
	}
	return total
}

// IndexKey 解码形式的索引键。组合键按成分字典序比较。
type IndexKey struct {
	parts []keyPart
}

type keyPart struct {
	kind KeyKind
	i    int64
	s    string
}

// NewIntKey 整型键
func NewIntKey(v int64) IndexKey {
	return IndexKey{parts: []keyPart{{kind: KeyKindInt, i: v}}}
}

// NewTextKey 文本键
func NewTextKey(v string) IndexKey {
	return IndexKey{parts: []keyPart{{kind: KeyKindText, s: v}}}
}

// NewCompositeKey 组合键
func NewCompositeKey(parts ...IndexKey) IndexKey {
	var combined []keyPart
	for _, p := range parts {
		combined = append(combined, p.parts...)
	}
	return IndexKey{parts: combined}
}

// KeyFromValue 由列值构造键成分。NULL不可入键。
func KeyFromValue(v tuple.Value) (IndexKey, error) {
	switch v.Type() {
	case tuple.TypeInt:
		number, _ := v.Int()
		return NewIntKey(number), nil
	case tuple.TypeBool:
		flag, _ := v.Bool()
		if flag {
			return NewIntKey(1), nil
		}
		return NewIntKey(0), nil
	case tuple.TypeText:
		text, _ := v.Text()
		return NewTextKey(text), nil
	case tuple.TypeNull:
		return IndexKey{}, errors.Annotatef(basic.ErrInvalidKey, "null value cannot be an index key")
	}
	return IndexKey{}, errors.Annotatef(basic.ErrInvalidKey, "value type %s cannot be an index key", v.Type())
}

// KeyFromValues 由多列值构造（组合）键
func KeyFromValues(values []tuple.Value) (IndexKey, error) {
	keys := make([]IndexKey, 0, len(values))
	for _, v := range values {
		k, err := KeyFromValue(v)
		if err != nil {
			return IndexKey{}, err
		}
		keys = append(keys, k)
	}
	return NewCompositeKey(keys...), nil
}

// Compare 成分字典序比较。定宽填充不参与排序。
func (k IndexKey) Compare(other IndexKey) int {
	n := len(k.parts)
	if len(other.parts) < n {
		n = len(other.parts)
	}
	for i := 0; i < n; i++ {
		a, b := k.parts[i], other.parts[i]
		if a.kind == KeyKindInt && b.kind == KeyKindInt {
			switch {
			case a.i < b.i:
				return -1
			case a.i > b.i:
				return 1
			}
			continue
		}
		if a.s < b.s {
			return -1
		}
		if a.s > b.s {
			return 1
		}
	}
	switch {
	case len(k.parts) < len(other.parts):
		return -1
	case len(k.parts) > len(other.parts):
		return 1
	}
	return 0
}

// Equal 键相等
func (k IndexKey) Equal(other IndexKey) bool {
	return k.Compare(other) == 0
}

// Encode 定宽编码：int为8字节小端；text为2字节长度前缀+定宽零填充负载
func (k IndexKey) Encode(layout KeyLayout) ([]byte, error) {
	if len(k.parts) != len(layout.Kinds) {
		return nil, errors.Annotatef(basic.ErrInvalidKey,
			"key has %d components, layout expects %d", len(k.parts), len(layout.Kinds))
	}
	buf := make([]byte, 0, layout.KeySize())
	for i, part := range k.parts {
		kind := layout.Kinds[i]
		if part.kind != kind {
			return nil, errors.Annotatef(basic.ErrInvalidKey, "component %d kind mismatch", i)
		}
		switch kind {
		case KeyKindInt:
			buf = util.WriteUB8(buf, uint64(part.i))
		case KeyKindText:
			content := []byte(part.s)
			if len(content) > layout.TextSize {
				return nil, errors.Annotatef(basic.ErrValueTooLarge,
					"text key length %d exceeds fixed width %d", len(content), layout.TextSize)
			}
			buf = util.WriteUB2(buf, uint16(len(content)))
			buf = util.WriteBytes(buf, content)
			buf = util.WriteBytes(buf, make([]byte, layout.TextSize-len(content)))
		}
	}
	return buf, nil
}

// DecodeKey 从定宽编码还原键
func DecodeKey(data []byte, layout KeyLayout) IndexKey {
	parts := make([]keyPart, 0, len(layout.Kinds))
	cursor := 0
	for _, kind := range layout.Kinds {
		switch kind {
		case KeyKindInt:
			var raw uint64
			cursor, raw = util.ReadUB8(data, cursor)
			parts = append(parts, keyPart{kind: KeyKindInt, i: int64(raw)})
		case KeyKindText:
			var length uint16
			cursor, length = util.ReadUB2(data, cursor)
			if int(length) > layout.TextSize {
				length = uint16(layout.TextSize)
			}
			content := data[cursor : cursor+int(length)]
			cursor += layout.TextSize
			parts = append(parts, keyPart{kind: KeyKindText, s: string(content)})
		}
	}
	return IndexKey{parts: parts}
}

// String 调试显示
func (k IndexKey) String() string {
	out := "("
	for i, part := range k.parts {
		if i > 0 {
			out += ","
		}
		if part.kind == KeyKindInt {
			out += strconv.FormatInt(part.i, 10)
		} else {
			out += part.s
		}
	}
	return out + ")"
}
