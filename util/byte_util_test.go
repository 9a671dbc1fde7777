package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteUtil(t *testing.T) {
	t.Run("UB2读写往返", func(t *testing.T) {
		buf := WriteUB2(nil, 0xBEEF)
		cursor, v := ReadUB2(buf, 0)
		assert.Equal(t, 2, cursor)
		assert.Equal(t, uint16(0xBEEF), v)
	})

	t.Run("UB4读写往返", func(t *testing.T) {
		buf := WriteUB4(nil, 0xDEADBEEF)
		cursor, v := ReadUB4(buf, 0)
		assert.Equal(t, 4, cursor)
		assert.Equal(t, uint32(0xDEADBEEF), v)
	})

	t.Run("UB8读写往返", func(t *testing.T) {
		buf := WriteUB8(nil, 0x1122334455667788)
		cursor, v := ReadUB8(buf, 0)
		assert.Equal(t, 8, cursor)
		assert.Equal(t, uint64(0x1122334455667788), v)
	})

	t.Run("小端字节序", func(t *testing.T) {
		buf := WriteUB4(nil, 1)
		assert.Equal(t, []byte{1, 0, 0, 0}, buf)
	})

	t.Run("Put原地写入", func(t *testing.T) {
		buff := make([]byte, 16)
		PutUB8(buff, 4, 0xCAFEBABE)
		cursor, v := ReadUB8(buff, 4)
		assert.Equal(t, 12, cursor)
		assert.Equal(t, uint64(0xCAFEBABE), v)
	})

	t.Run("有符号转换", func(t *testing.T) {
		buf := ConvertLong8Bytes(-1)
		_, v := ReadUB8(buf, 0)
		assert.Equal(t, int64(-1), int64(v))
	})
}
