package tuple

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTupleCodec(t *testing.T) {
	t.Run("各类型编码解码往返", func(t *testing.T) {
		columnTypes := []ValueType{TypeInt, TypeReal, TypeBool, TypeText, TypeBlob}
		row := NewTuple([]Value{
			NewIntValue(-42),
			NewRealValue(3.25),
			NewBoolValue(true),
			NewTextValue("你好, world"),
			NewBlobValue([]byte{0, 1, 2, 255}),
		})
		encoded, err := Encode(row, columnTypes, 512, nil)
		require.NoError(t, err)
		decoded, err := Decode(encoded, columnTypes, nil)
		require.NoError(t, err)
		require.Equal(t, row.Len(), decoded.Len())
		for i := 0; i < row.Len(); i++ {
			assert.Equal(t, row.Get(i).Raw(), decoded.Get(i).Raw(), "column %d", i)
		}
	})

	t.Run("空值位图", func(t *testing.T) {
		columnTypes := []ValueType{TypeInt, TypeText, TypeInt}
		row := NewTuple([]Value{NewNullValue(), NewTextValue("x"), NewNullValue()})
		encoded, err := Encode(row, columnTypes, 512, nil)
		require.NoError(t, err)
		decoded, err := Decode(encoded, columnTypes, nil)
		require.NoError(t, err)
		assert.True(t, decoded.Get(0).IsNull())
		assert.False(t, decoded.Get(1).IsNull())
		assert.True(t, decoded.Get(2).IsNull())
	})

	t.Run("空文本与空blob", func(t *testing.T) {
		columnTypes := []ValueType{TypeText, TypeBlob}
		row := NewTuple([]Value{NewTextValue(""), NewBlobValue(nil)})
		encoded, err := Encode(row, columnTypes, 512, nil)
		require.NoError(t, err)
		decoded, err := Decode(encoded, columnTypes, nil)
		require.NoError(t, err)
		text, err := decoded.Get(0).Text()
		require.NoError(t, err)
		assert.Equal(t, "", text)
	})

	t.Run("列数不符报错", func(t *testing.T) {
		row := NewTuple([]Value{NewIntValue(1)})
		_, err := Encode(row, []ValueType{TypeInt, TypeInt}, 512, nil)
		assert.Error(t, err)
	})

	t.Run("截断数据报损坏", func(t *testing.T) {
		columnTypes := []ValueType{TypeText}
		row := NewTuple([]Value{NewTextValue(strings.Repeat("a", 100))})
		encoded, err := Encode(row, columnTypes, 512, nil)
		require.NoError(t, err)
		_, err = Decode(encoded[:10], columnTypes, nil)
		assert.Error(t, err)
	})
}

func TestValueCompare(t *testing.T) {
	t.Run("整型与浮点互比", func(t *testing.T) {
		cmp, err := NewIntValue(2).Compare(NewRealValue(2.5))
		require.NoError(t, err)
		assert.Equal(t, -1, cmp)
		cmp, err = NewRealValue(3.0).Compare(NewIntValue(3))
		require.NoError(t, err)
		assert.Equal(t, 0, cmp)
	})

	t.Run("文本按字节序", func(t *testing.T) {
		cmp, err := NewTextValue("abc").Compare(NewTextValue("abd"))
		require.NoError(t, err)
		assert.Equal(t, -1, cmp)
	})

	t.Run("NULL不可比", func(t *testing.T) {
		_, err := NewNullValue().Compare(NewIntValue(1))
		assert.Error(t, err)
		assert.False(t, NewNullValue().Equal(NewNullValue()))
	})

	t.Run("跨类型不可比", func(t *testing.T) {
		_, err := NewTextValue("1").Compare(NewIntValue(1))
		assert.Error(t, err)
	})
}
