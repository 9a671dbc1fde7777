package tuple

import (
	"math"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/util"
)

// BlobStore 溢出大对象读写口。编码时超过内联阈值的blob走溢出链。
type BlobStore interface {
	WriteBlob(data []byte) (basic.PageID, uint32, error)
	ReadBlob(firstPage basic.PageID, length uint32) ([]byte, error)
}

const (
	blobInline   = 0
	blobOverflow = 1
)

// 元组编码：列序小端。
// 前置每元组空值位图（每列1位，置位表示NULL），其后逐个非NULL列：
//
//	int  8字节  real 8字节  bool 1字节
//	text u32长度 + 字节
//	blob 1字节存储标记 + 内联(u32长度+字节) 或 溢出(u64首页+u32总长)

// Encode 按列类型序列化元组。blobs为nil时所有blob强制内联。
func Encode(t *Tuple, columnTypes []ValueType, inlineLimit int, blobs BlobStore) ([]byte, error) {
	if t.Len() != len(columnTypes) {
		return nil, errors.Annotatef(basic.ErrExecution,
			"tuple has %d values, schema has %d columns", t.Len(), len(columnTypes))
	}

	bitmap := make([]byte, (len(columnTypes)+7)/8)
	for i, v := range t.Values() {
		if v.IsNull() {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	buf := append([]byte(nil), bitmap...)

	for i, v := range t.Values() {
		if v.IsNull() {
			continue
		}
		columnType := columnTypes[i]
		switch columnType {
		case TypeInt:
			number, err := v.Int()
			if err != nil {
				return nil, err
			}
			buf = util.WriteUB8(buf, uint64(number))
		case TypeReal:
			number, err := v.Real()
			if err != nil {
				return nil, err
			}
			buf = util.WriteUB8(buf, math.Float64bits(number))
		case TypeBool:
			flag, err := v.Bool()
			if err != nil {
				return nil, err
			}
			buf = util.WriteByte(buf, util.ConvertBool2Byte(flag))
		case TypeText:
			text, err := v.Text()
			if err != nil {
				return nil, err
			}
			if len(text) > math.MaxUint32 {
				return nil, errors.Annotatef(basic.ErrValueTooLarge, "text length %d", len(text))
			}
			buf = util.WriteUB4(buf, uint32(len(text)))
			buf = util.WriteBytes(buf, []byte(text))
		case TypeBlob:
			data, err := v.Blob()
			if err != nil {
				return nil, err
			}
			if blobs == nil || len(data) <= inlineLimit {
				buf = util.WriteByte(buf, blobInline)
				buf = util.WriteUB4(buf, uint32(len(data)))
				buf = util.WriteBytes(buf, data)
			} else {
				firstPage, total, err := blobs.WriteBlob(data)
				if err != nil {
					return nil, err
				}
				buf = util.WriteByte(buf, blobOverflow)
				buf = util.WriteUB8(buf, uint64(firstPage))
				buf = util.WriteUB4(buf, total)
			}
		default:
			return nil, errors.Annotatef(basic.ErrTypeMismatch, "column %d has unknown type %d", i, columnType)
		}
	}
	return buf, nil
}

// Decode 按列类型反序列化元组
func Decode(data []byte, columnTypes []ValueType, blobs BlobStore) (*Tuple, error) {
	bitmapLen := (len(columnTypes) + 7) / 8
	if len(data) < bitmapLen {
		return nil, errors.Annotatef(basic.ErrCorrupted, "tuple shorter than null bitmap")
	}
	bitmap := data[:bitmapLen]
	cursor := bitmapLen

	values := make([]Value, 0, len(columnTypes))
	for i, columnType := range columnTypes {
		if bitmap[i/8]&(1<<(i%8)) != 0 {
			values = append(values, NewNullValue())
			continue
		}
		switch columnType {
		case TypeInt:
			if cursor+8 > len(data) {
				return nil, truncated()
			}
			var raw uint64
			cursor, raw = util.ReadUB8(data, cursor)
			values = append(values, NewIntValue(int64(raw)))
		case TypeReal:
			if cursor+8 > len(data) {
				return nil, truncated()
			}
			var raw uint64
			cursor, raw = util.ReadUB8(data, cursor)
			values = append(values, NewRealValue(math.Float64frombits(raw)))
		case TypeBool:
			if cursor+1 > len(data) {
				return nil, truncated()
			}
			var flag byte
			cursor, flag = util.ReadByte(data, cursor)
			values = append(values, NewBoolValue(flag != 0))
		case TypeText:
			if cursor+4 > len(data) {
				return nil, truncated()
			}
			var length uint32
			cursor, length = util.ReadUB4(data, cursor)
			if cursor+int(length) > len(data) {
				return nil, truncated()
			}
			var raw []byte
			cursor, raw = util.ReadBytes(data, cursor, int(length))
			values = append(values, NewTextValue(string(raw)))
		case TypeBlob:
			if cursor+1 > len(data) {
				return nil, truncated()
			}
			var flag byte
			cursor, flag = util.ReadByte(data, cursor)
			switch flag {
			case blobInline:
				if cursor+4 > len(data) {
					return nil, truncated()
				}
				var length uint32
				cursor, length = util.ReadUB4(data, cursor)
				if cursor+int(length) > len(data) {
					return nil, truncated()
				}
				var raw []byte
				cursor, raw = util.ReadBytes(data, cursor, int(length))
				values = append(values, NewBlobValue(append([]byte(nil), raw...)))
			case blobOverflow:
				if cursor+12 > len(data) {
					return nil, truncated()
				}
				var firstPage uint64
				var length uint32
				cursor, firstPage = util.ReadUB8(data, cursor)
				cursor, length = util.ReadUB4(data, cursor)
				if blobs == nil {
					return nil, errors.Annotatef(basic.ErrExecution, "overflow blob without blob store")
				}
				raw, err := blobs.ReadBlob(basic.PageID(firstPage), length)
				if err != nil {
					return nil, err
				}
				values = append(values, NewBlobValue(raw))
			default:
				return nil, errors.Annotatef(basic.ErrCorrupted, "invalid blob storage flag %d", flag)
			}
		default:
			return nil, errors.Annotatef(basic.ErrTypeMismatch, "column %d has unknown type %d", i, columnType)
		}
	}
	return NewTuple(values), nil
}

func truncated() error {
	return errors.Annotatef(basic.ErrCorrupted, "tuple bytes truncated")
}
