package manager

import (
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/util"
)

// LogManager 预写日志管理器。
//
// 追加在内部互斥锁下串行化，LSN单调递增。记录先进入内存缓冲，
// FlushUpTo 返回后到该LSN为止的记录保证落盘（写前日志规则的"日志先行"一半）。
type LogManager struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	nextLSN    basic.LSN
	flushedLSN basic.LSN
	buffer     []byte
	// 缓冲中最大的LSN
	bufferedLSN basic.LSN
}

// OpenLogManager 打开或创建日志文件。
// 打开时扫描全文件定位有效尾部：残缺或校验失败的尾部记录被截断；
// 校验通过但类型未知的记录视为致命损坏。
func OpenLogManager(path string) (*LogManager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(basic.ErrIO, "open wal %s: %v", path, err)
	}

	lm := &LogManager{
		file:    file,
		path:    path,
		nextLSN: 1,
	}
	if err := lm.scanAndTruncate(); err != nil {
		file.Close()
		return nil, err
	}
	return lm, nil
}

// scanAndTruncate 扫描定位最后一条完整记录，截断残缺尾部
func (lm *LogManager) scanAndTruncate() error {
	info, err := lm.file.Stat()
	if err != nil {
		return errors.Annotatef(basic.ErrIO, "stat wal: %v", err)
	}
	size := info.Size()
	var validEnd int64
	var lastLSN basic.LSN

	offset := int64(0)
	lenBuf := make([]byte, 4)
	for offset+4 <= size {
		if _, err := lm.file.ReadAt(lenBuf, offset); err != nil {
			break
		}
		_, frameLen := util.ReadUB4(lenBuf, 0)
		if frameLen < uint32(25+logFrameOverhead) || offset+int64(frameLen) > size {
			break
		}
		frame := make([]byte, frameLen-4)
		if _, err := lm.file.ReadAt(frame, offset+4); err != nil {
			break
		}
		body := frame[:len(frame)-4]
		_, crc := util.ReadUB4(frame, len(frame)-4)
		if crc32.ChecksumIEEE(body) != crc {
			break
		}
		record, err := DecodeLogRecord(body)
		if err != nil {
			if errors.Is(err, basic.ErrUnknownLogRecord) {
				// 完整但无法识别，拒绝打开
				return err
			}
			break
		}
		if record.LSN > lastLSN {
			lastLSN = record.LSN
		}
		offset += int64(frameLen)
		validEnd = offset
	}

	if validEnd < size {
		logger.Warnf("wal %s: truncating %d unreadable trailing bytes", lm.path, size-validEnd)
		if err := lm.file.Truncate(validEnd); err != nil {
			return errors.Annotatef(basic.ErrIO, "truncate wal: %v", err)
		}
	}
	if _, err := lm.file.Seek(validEnd, io.SeekStart); err != nil {
		return errors.Annotatef(basic.ErrIO, "seek wal: %v", err)
	}
	lm.nextLSN = lastLSN + 1
	lm.flushedLSN = lastLSN
	lm.bufferedLSN = lastLSN
	return nil
}

// Append 追加一条日志记录并分配LSN。记录尚未落盘。
func (lm *LogManager) Append(record *LogRecord) (basic.LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return basic.InvalidLSN, errors.Annotatef(basic.ErrIO, "wal already closed")
	}

	record.LSN = lm.nextLSN
	lm.nextLSN++
	lm.buffer = append(lm.buffer, record.Encode()...)
	lm.bufferedLSN = record.LSN
	return record.LSN, nil
}

// FlushUpTo 确保到lsn为止的记录全部落盘
func (lm *LogManager) FlushUpTo(lsn basic.LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsn <= lm.flushedLSN {
		return nil
	}
	return lm.flushLocked()
}

// FlushAll 刷出全部缓冲记录
func (lm *LogManager) FlushAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

func (lm *LogManager) flushLocked() error {
	if len(lm.buffer) == 0 {
		return nil
	}
	if lm.file == nil {
		return errors.Annotatef(basic.ErrIO, "wal already closed")
	}
	written := 0
	for written < len(lm.buffer) {
		n, err := lm.file.Write(lm.buffer[written:])
		written += n
		if err != nil {
			return errors.Annotatef(basic.ErrIO, "write wal: %v", err)
		}
	}
	if err := lm.file.Sync(); err != nil {
		return errors.Annotatef(basic.ErrIO, "sync wal: %v", err)
	}
	lm.buffer = lm.buffer[:0]
	lm.flushedLSN = lm.bufferedLSN
	return nil
}

// FlushedLSN 已持久化的最大LSN
func (lm *LogManager) FlushedLSN() basic.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// NextLSN 下一个待分配LSN
func (lm *LogManager) NextLSN() basic.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// Path 日志文件路径
func (lm *LogManager) Path() string {
	return lm.path
}

// Close 刷出缓冲并关闭文件
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	if err := lm.flushLocked(); err != nil {
		return err
	}
	err := lm.file.Close()
	lm.file = nil
	if err != nil {
		return errors.Annotatef(basic.ErrIO, "close wal: %v", err)
	}
	return nil
}
