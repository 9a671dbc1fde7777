package manager

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/logger"
)

// txnStatus 分析阶段的事务终态
type txnStatus int

const (
	txnStatusRunning txnStatus = iota
	txnStatusCommitted
	txnStatusAborted
)

// analyzedTxn 分析阶段汇总的单事务状态
type analyzedTxn struct {
	status  txnStatus
	lastLSN basic.LSN
}

// RecoveryManager ARIES式恢复：分析、重做、回滚。
// 活跃事务的回滚与重启回滚走同一条undo路径，每条被补偿的
// 页更新都写CLR，崩溃于回滚中途时可以干净续作。
type RecoveryManager struct {
	logMgr     *LogManager
	bufferPool *BufferPoolManager
}

// NewRecoveryManager 创建恢复管理器
func NewRecoveryManager(logMgr *LogManager, bufferPool *BufferPoolManager) *RecoveryManager {
	return &RecoveryManager{logMgr: logMgr, bufferPool: bufferPool}
}

// Recover 启动恢复，必须在任何用户事务之前执行一次。
// 返回日志中出现过的最大事务ID，供事务ID分配器推进。
func (rm *RecoveryManager) Recover() (basic.TxnID, error) {
	records, txnTable, dirtyPages, err := rm.analyze()
	if err != nil {
		return basic.InvalidTxnID, err
	}
	logger.Infof("recovery: %d log records, %d unfinished txns, %d dirty pages",
		len(records), len(txnTable), len(dirtyPages))

	if err := rm.redo(records, dirtyPages); err != nil {
		return basic.InvalidTxnID, err
	}
	if err := rm.undoLosers(records, txnTable); err != nil {
		return basic.InvalidTxnID, err
	}
	if err := rm.bufferPool.FlushAll(FlushForce); err != nil {
		return basic.InvalidTxnID, err
	}

	maxTxnID := basic.InvalidTxnID
	for _, record := range records {
		if record.TxnID > maxTxnID {
			maxTxnID = record.TxnID
		}
	}
	return maxTxnID, nil
}

// analyze 扫描日志重建活跃事务表与脏页表
func (rm *RecoveryManager) analyze() ([]*LogRecord, map[basic.TxnID]*analyzedTxn, map[basic.PageID]basic.LSN, error) {
	records, err := ReadAllRecords(rm.logMgr.Path(), 0)
	if err != nil {
		return nil, nil, nil, err
	}

	txnTable := make(map[basic.TxnID]*analyzedTxn)
	dirtyPages := make(map[basic.PageID]basic.LSN)
	for _, record := range records {
		switch record.Type {
		case LogRecordCheckpoint:
			for txnID, lastLSN := range record.ActiveTxns {
				if _, ok := txnTable[txnID]; !ok {
					txnTable[txnID] = &analyzedTxn{status: txnStatusRunning, lastLSN: lastLSN}
				}
			}
			for pageID, recLSN := range record.DirtyPages {
				if _, ok := dirtyPages[pageID]; !ok {
					dirtyPages[pageID] = recLSN
				}
			}
			continue
		}

		entry, ok := txnTable[record.TxnID]
		if !ok {
			entry = &analyzedTxn{status: txnStatusRunning}
			txnTable[record.TxnID] = entry
		}
		entry.lastLSN = record.LSN

		switch record.Type {
		case LogRecordCommit:
			entry.status = txnStatusCommitted
		case LogRecordAbort:
			entry.status = txnStatusAborted
		case LogRecordEnd:
			delete(txnTable, record.TxnID)
		case LogRecordPageUpdate, LogRecordCLR:
			if record.PageID != basic.InvalidPageID {
				if _, ok := dirtyPages[record.PageID]; !ok {
					dirtyPages[record.PageID] = record.LSN
				}
			}
		}
	}
	return records, txnTable, dirtyPages, nil
}

// redo 从最早recLSN起重放页更新与补偿记录
func (rm *RecoveryManager) redo(records []*LogRecord, dirtyPages map[basic.PageID]basic.LSN) error {
	if len(dirtyPages) == 0 {
		return nil
	}
	startLSN := basic.LSN(0)
	for _, recLSN := range dirtyPages {
		if startLSN == 0 || recLSN < startLSN {
			startLSN = recLSN
		}
	}
	for _, record := range records {
		if record.LSN < startLSN {
			continue
		}
		if record.Type != LogRecordPageUpdate && record.Type != LogRecordCLR {
			continue
		}
		if record.PageID == basic.InvalidPageID {
			continue
		}
		if err := rm.applyRedo(record); err != nil {
			return err
		}
	}
	return nil
}

// applyRedo 仅当记录LSN大于页面当前LSN时应用后像（幂等）
func (rm *RecoveryManager) applyRedo(record *LogRecord) error {
	page, err := rm.bufferPool.FetchPage(record.PageID)
	if err != nil {
		return err
	}
	if record.LSN <= page.LSN() {
		// 盘上内容已包含该更新，保持不动
		return rm.bufferPool.UnpinPage(record.PageID, false)
	}
	if !page.WriteBytes(int(record.Offset), record.After) {
		rm.bufferPool.UnpinPage(record.PageID, false)
		return errors.Annotatef(basic.ErrCorrupted, "redo write out of bounds: page %d offset %d", record.PageID, record.Offset)
	}
	page.SetLSN(record.LSN)
	return rm.bufferPool.UnpinPage(record.PageID, true)
}

// undoLosers 回滚崩溃时未完成的事务
func (rm *RecoveryManager) undoLosers(records []*LogRecord, txnTable map[basic.TxnID]*analyzedTxn) error {
	recordMap := buildRecordMap(records)
	for txnID, entry := range txnTable {
		if entry.status == txnStatusCommitted {
			// COMMIT已落盘但END缺失，补写END即可
			txn := &Transaction{id: txnID, state: basic.TxnStateCommitting, lastLSN: entry.lastLSN}
			if _, err := txn.appendLinked(rm.logMgr, NewEndRecord(txnID, 0)); err != nil {
				return err
			}
			continue
		}
		logger.Infof("recovery: rolling back loser txn %d from lsn %d", txnID, entry.lastLSN)
		txn := &Transaction{id: txnID, state: basic.TxnStateAborting, lastLSN: entry.lastLSN}
		if err := rm.undoChain(txn, recordMap); err != nil {
			return err
		}
		if _, err := txn.appendLinked(rm.logMgr, NewEndRecord(txnID, 0)); err != nil {
			return err
		}
	}
	return rm.logMgr.FlushAll()
}

// RollbackTransaction 活跃事务回滚（abort路径），与重启undo共用链回放
func (rm *RecoveryManager) RollbackTransaction(txn *Transaction) error {
	if err := rm.logMgr.FlushUpTo(txn.LastLSN()); err != nil {
		return err
	}
	records, err := ReadAllRecords(rm.logMgr.Path(), 0)
	if err != nil {
		return err
	}
	if err := rm.undoChain(txn, buildRecordMap(records)); err != nil {
		return err
	}
	endLSN, err := txn.appendLinked(rm.logMgr, NewEndRecord(txn.ID(), 0))
	if err != nil {
		return err
	}
	return rm.logMgr.FlushUpTo(endLSN)
}

// undoChain 沿prev_lsn链回放前像。每条被补偿的页更新写一条CLR，
// CLR的undo_next_lsn越过被补偿记录；CLR自身只重做不回滚。
func (rm *RecoveryManager) undoChain(txn *Transaction, recordMap map[basic.LSN]*LogRecord) error {
	currentLSN := txn.LastLSN()
	for currentLSN != basic.InvalidLSN {
		record, ok := recordMap[currentLSN]
		if !ok {
			logger.Warnf("recovery: missing log record at lsn %d, stopping undo", currentLSN)
			break
		}
		switch record.Type {
		case LogRecordPageUpdate:
			if record.PageID != basic.InvalidPageID {
				clr := NewCLRRecord(txn.ID(), 0, record.PageID, record.Offset, record.Before, record.PrevLSN)
				clrLSN, err := txn.appendLinked(rm.logMgr, clr)
				if err != nil {
					return err
				}
				if err := rm.applyUndo(record, clrLSN); err != nil {
					return err
				}
			}
			currentLSN = record.PrevLSN
		case LogRecordCLR:
			currentLSN = record.UndoNextLSN
		default:
			currentLSN = record.PrevLSN
		}
	}
	return nil
}

// applyUndo 把前像写回页面并推进页LSN到CLR的LSN
func (rm *RecoveryManager) applyUndo(record *LogRecord, clrLSN basic.LSN) error {
	page, err := rm.bufferPool.FetchPage(record.PageID)
	if err != nil {
		return err
	}
	if !page.WriteBytes(int(record.Offset), record.Before) {
		rm.bufferPool.UnpinPage(record.PageID, false)
		return errors.Annotatef(basic.ErrCorrupted, "undo write out of bounds: page %d offset %d", record.PageID, record.Offset)
	}
	if clrLSN > page.LSN() {
		page.SetLSN(clrLSN)
	}
	return rm.bufferPool.UnpinPage(record.PageID, true)
}

func buildRecordMap(records []*LogRecord) map[basic.LSN]*LogRecord {
	recordMap := make(map[basic.LSN]*LogRecord, len(records))
	for _, record := range records {
		recordMap[record.LSN] = record
	}
	return recordMap
}
