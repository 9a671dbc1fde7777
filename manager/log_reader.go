package manager

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/util"
)

// LogReader 按追加顺序迭代日志记录。
// 打开前LogManager已截断残缺尾部，读取中途的损坏视为致命。
type LogReader struct {
	file   *os.File
	offset int64
	size   int64
	// 小于该LSN的记录被跳过
	fromLSN basic.LSN
}

// OpenLogReader 从fromLSN开始迭代（0表示从头）
func OpenLogReader(path string, fromLSN basic.LSN) (*LogReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(basic.ErrIO, "open wal for replay: %v", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Annotatef(basic.ErrIO, "stat wal: %v", err)
	}
	return &LogReader{file: file, size: info.Size(), fromLSN: fromLSN}, nil
}

// Next 返回下一条记录，读尽返回 (nil, nil)
func (r *LogReader) Next() (*LogRecord, error) {
	for {
		if r.offset+4 > r.size {
			return nil, nil
		}
		lenBuf := make([]byte, 4)
		if _, err := r.file.ReadAt(lenBuf, r.offset); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, errors.Annotatef(basic.ErrIO, "read wal frame length: %v", err)
		}
		_, frameLen := util.ReadUB4(lenBuf, 0)
		if frameLen < uint32(25+logFrameOverhead) || r.offset+int64(frameLen) > r.size {
			return nil, errors.Annotatef(basic.ErrCorrupted, "wal frame length %d at offset %d", frameLen, r.offset)
		}
		frame := make([]byte, frameLen-4)
		if _, err := r.file.ReadAt(frame, r.offset+4); err != nil {
			return nil, errors.Annotatef(basic.ErrIO, "read wal frame: %v", err)
		}
		body := frame[:len(frame)-4]
		_, crc := util.ReadUB4(frame, len(frame)-4)
		if crc32.ChecksumIEEE(body) != crc {
			return nil, errors.Annotatef(basic.ErrChecksumMismatch, "wal frame at offset %d", r.offset)
		}
		r.offset += int64(frameLen)

		record, err := DecodeLogRecord(body)
		if err != nil {
			return nil, err
		}
		if record.LSN < r.fromLSN {
			continue
		}
		return record, nil
	}
}

// Close 关闭底层文件
func (r *LogReader) Close() error {
	return r.file.Close()
}

// ReadAllRecords 读取fromLSN起的全部记录
func ReadAllRecords(path string, fromLSN basic.LSN) ([]*LogRecord, error) {
	reader, err := OpenLogReader(path, fromLSN)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var records []*LogRecord
	for {
		record, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if record == nil {
			return records, nil
		}
		records = append(records, record)
	}
}
