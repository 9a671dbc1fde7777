package manager

import (
	"hash/crc32"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/util"
)

// LogRecordType 日志记录类型
type LogRecordType uint8

const (
	LogRecordBegin      LogRecordType = 1
	LogRecordCommit     LogRecordType = 2
	LogRecordAbort      LogRecordType = 3
	LogRecordEnd        LogRecordType = 4
	LogRecordPageUpdate LogRecordType = 5
	LogRecordCLR        LogRecordType = 6
	LogRecordCheckpoint LogRecordType = 7
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordBegin:
		return "BEGIN"
	case LogRecordCommit:
		return "COMMIT"
	case LogRecordAbort:
		return "ABORT"
	case LogRecordEnd:
		return "END"
	case LogRecordPageUpdate:
		return "PAGE_UPDATE"
	case LogRecordCLR:
		return "CLR"
	case LogRecordCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// LogRecord WAL日志记录。
//
// 帧格式: u32 总长 | u8 类型 | u64 LSN | u64 事务ID | u64 PrevLSN | 载荷 | u32 CRC。
// 总长包含长度字段自身与CRC。CRC覆盖类型到载荷的全部字节。
type LogRecord struct {
	LSN     basic.LSN
	TxnID   basic.TxnID
	PrevLSN basic.LSN
	Type    LogRecordType

	// PAGE_UPDATE / CLR
	PageID basic.PageID
	Offset uint32
	Before []byte
	After  []byte
	// CLR：补偿完成后继续回滚的位置
	UndoNextLSN basic.LSN

	// CHECKPOINT
	DirtyPages map[basic.PageID]basic.LSN
	ActiveTxns map[basic.TxnID]basic.LSN
}

const logFrameOverhead = 4 + 4 // 长度字段 + CRC

// NewBeginRecord 构造BEGIN记录
func NewBeginRecord(txnID basic.TxnID) *LogRecord {
	return &LogRecord{Type: LogRecordBegin, TxnID: txnID}
}

// NewCommitRecord 构造COMMIT记录
func NewCommitRecord(txnID basic.TxnID, prevLSN basic.LSN) *LogRecord {
	return &LogRecord{Type: LogRecordCommit, TxnID: txnID, PrevLSN: prevLSN}
}

// NewAbortRecord 构造ABORT记录
func NewAbortRecord(txnID basic.TxnID, prevLSN basic.LSN) *LogRecord {
	return &LogRecord{Type: LogRecordAbort, TxnID: txnID, PrevLSN: prevLSN}
}

// NewEndRecord 构造END记录
func NewEndRecord(txnID basic.TxnID, prevLSN basic.LSN) *LogRecord {
	return &LogRecord{Type: LogRecordEnd, TxnID: txnID, PrevLSN: prevLSN}
}

// NewPageUpdateRecord 构造页更新记录，携带前像与后像
func NewPageUpdateRecord(txnID basic.TxnID, prevLSN basic.LSN, pageID basic.PageID,
	offset uint32, before, after []byte) *LogRecord {
	return &LogRecord{
		Type:    LogRecordPageUpdate,
		TxnID:   txnID,
		PrevLSN: prevLSN,
		PageID:  pageID,
		Offset:  offset,
		Before:  before,
		After:   after,
	}
}

// NewCLRRecord 构造补偿记录。补偿记录只做重做，永不回滚。
func NewCLRRecord(txnID basic.TxnID, prevLSN basic.LSN, pageID basic.PageID,
	offset uint32, after []byte, undoNextLSN basic.LSN) *LogRecord {
	return &LogRecord{
		Type:        LogRecordCLR,
		TxnID:       txnID,
		PrevLSN:     prevLSN,
		PageID:      pageID,
		Offset:      offset,
		After:       after,
		UndoNextLSN: undoNextLSN,
	}
}

// NewCheckpointRecord 构造检查点记录，携带脏页表与活跃事务表
func NewCheckpointRecord(dirtyPages map[basic.PageID]basic.LSN,
	activeTxns map[basic.TxnID]basic.LSN) *LogRecord {
	return &LogRecord{
		Type:       LogRecordCheckpoint,
		DirtyPages: dirtyPages,
		ActiveTxns: activeTxns,
	}
}

// Encode 序列化为完整帧
func (r *LogRecord) Encode() []byte {
	body := make([]byte, 0, 25+len(r.Before)+len(r.After))
	body = util.WriteByte(body, byte(r.Type))
	body = util.WriteUB8(body, uint64(r.LSN))
	body = util.WriteUB8(body, uint64(r.TxnID))
	body = util.WriteUB8(body, uint64(r.PrevLSN))

	switch r.Type {
	case LogRecordPageUpdate:
		body = util.WriteUB8(body, uint64(r.PageID))
		body = util.WriteUB4(body, r.Offset)
		body = util.WriteUB4(body, uint32(len(r.Before)))
		body = util.WriteUB4(body, uint32(len(r.After)))
		body = util.WriteBytes(body, r.Before)
		body = util.WriteBytes(body, r.After)
	case LogRecordCLR:
		body = util.WriteUB8(body, uint64(r.PageID))
		body = util.WriteUB4(body, r.Offset)
		body = util.WriteUB4(body, uint32(len(r.After)))
		body = util.WriteUB8(body, uint64(r.UndoNextLSN))
		body = util.WriteBytes(body, r.After)
	case LogRecordCheckpoint:
		body = util.WriteUB4(body, uint32(len(r.DirtyPages)))
		for pageID, recLSN := range r.DirtyPages {
			body = util.WriteUB8(body, uint64(pageID))
			body = util.WriteUB8(body, uint64(recLSN))
		}
		body = util.WriteUB4(body, uint32(len(r.ActiveTxns)))
		for txnID, lastLSN := range r.ActiveTxns {
			body = util.WriteUB8(body, uint64(txnID))
			body = util.WriteUB8(body, uint64(lastLSN))
		}
	}

	frame := make([]byte, 0, len(body)+logFrameOverhead)
	frame = util.WriteUB4(frame, uint32(len(body)+logFrameOverhead))
	frame = util.WriteBytes(frame, body)
	frame = util.WriteUB4(frame, crc32.ChecksumIEEE(body))
	return frame
}

// DecodeLogRecord 从帧体反序列化（不含长度字段与CRC，CRC已由调用方校验）
func DecodeLogRecord(body []byte) (*LogRecord, error) {
	if len(body) < 25 {
		return nil, errors.Annotatef(basic.ErrCorrupted, "log record body too small: %d", len(body))
	}
	cursor := 0
	var b byte
	cursor, b = util.ReadByte(body, cursor)
	recordType := LogRecordType(b)

	var lsn, txnID, prevLSN uint64
	cursor, lsn = util.ReadUB8(body, cursor)
	cursor, txnID = util.ReadUB8(body, cursor)
	cursor, prevLSN = util.ReadUB8(body, cursor)

	record := &LogRecord{
		LSN:     basic.LSN(lsn),
		TxnID:   basic.TxnID(txnID),
		PrevLSN: basic.LSN(prevLSN),
		Type:    recordType,
	}

	switch recordType {
	case LogRecordBegin, LogRecordCommit, LogRecordAbort, LogRecordEnd:
		return record, nil
	case LogRecordPageUpdate:
		if len(body) < cursor+20 {
			return nil, errors.Annotatef(basic.ErrCorrupted, "page update record truncated")
		}
		var pageID uint64
		var offset, beforeLen, afterLen uint32
		cursor, pageID = util.ReadUB8(body, cursor)
		cursor, offset = util.ReadUB4(body, cursor)
		cursor, beforeLen = util.ReadUB4(body, cursor)
		cursor, afterLen = util.ReadUB4(body, cursor)
		if len(body) < cursor+int(beforeLen)+int(afterLen) {
			return nil, errors.Annotatef(basic.ErrCorrupted, "page update payload truncated")
		}
		var before, after []byte
		cursor, before = util.ReadBytes(body, cursor, int(beforeLen))
		_, after = util.ReadBytes(body, cursor, int(afterLen))
		record.PageID = basic.PageID(pageID)
		record.Offset = offset
		record.Before = append([]byte(nil), before...)
		record.After = append([]byte(nil), after...)
		return record, nil
	case LogRecordCLR:
		if len(body) < cursor+24 {
			return nil, errors.Annotatef(basic.ErrCorrupted, "clr record truncated")
		}
		var pageID, undoNext uint64
		var offset, afterLen uint32
		cursor, pageID = util.ReadUB8(body, cursor)
		cursor, offset = util.ReadUB4(body, cursor)
		cursor, afterLen = util.ReadUB4(body, cursor)
		cursor, undoNext = util.ReadUB8(body, cursor)
		if len(body) < cursor+int(afterLen) {
			return nil, errors.Annotatef(basic.ErrCorrupted, "clr payload truncated")
		}
		var after []byte
		_, after = util.ReadBytes(body, cursor, int(afterLen))
		record.PageID = basic.PageID(pageID)
		record.Offset = offset
		record.After = append([]byte(nil), after...)
		record.UndoNextLSN = basic.LSN(undoNext)
		return record, nil
	case LogRecordCheckpoint:
		if len(body) < cursor+4 {
			return nil, errors.Annotatef(basic.ErrCorrupted, "checkpoint record truncated")
		}
		var dpCount uint32
		cursor, dpCount = util.ReadUB4(body, cursor)
		if len(body) < cursor+int(dpCount)*16+4 {
			return nil, errors.Annotatef(basic.ErrCorrupted, "checkpoint dirty page table truncated")
		}
		record.DirtyPages = make(map[basic.PageID]basic.LSN, dpCount)
		for i := uint32(0); i < dpCount; i++ {
			var pageID, recLSN uint64
			cursor, pageID = util.ReadUB8(body, cursor)
			cursor, recLSN = util.ReadUB8(body, cursor)
			record.DirtyPages[basic.PageID(pageID)] = basic.LSN(recLSN)
		}
		var txCount uint32
		cursor, txCount = util.ReadUB4(body, cursor)
		if len(body) < cursor+int(txCount)*16 {
			return nil, errors.Annotatef(basic.ErrCorrupted, "checkpoint txn table truncated")
		}
		record.ActiveTxns = make(map[basic.TxnID]basic.LSN, txCount)
		for i := uint32(0); i < txCount; i++ {
			var id, lastLSN uint64
			cursor, id = util.ReadUB8(body, cursor)
			cursor, lastLSN = util.ReadUB8(body, cursor)
			record.ActiveTxns[basic.TxnID(id)] = basic.LSN(lastLSN)
		}
		return record, nil
	default:
		return nil, errors.Annotatef(basic.ErrUnknownLogRecord, "type %d", recordType)
	}
}
