package manager

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/storage"
)

// Transaction 事务句柄
type Transaction struct {
	mu      sync.Mutex
	id      basic.TxnID
	state   basic.TxnState
	lastLSN basic.LSN
	// 回滚过程中下一条待补偿记录
	undoNextLSN basic.LSN
}

// ID 事务ID
func (t *Transaction) ID() basic.TxnID {
	return t.id
}

// State 当前状态
func (t *Transaction) State() basic.TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastLSN 该事务最近一条日志记录
func (t *Transaction) LastLSN() basic.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}

func (t *Transaction) setState(state basic.TxnState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// closed 事务是否已终结
func (t *Transaction) closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == basic.TxnStateCommitted || t.state == basic.TxnStateAborted
}

// appendLinked 以prev_lsn链接方式追加该事务的一条日志记录
func (t *Transaction) appendLinked(logMgr *LogManager, record *LogRecord) (basic.LSN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record.PrevLSN = t.lastLSN
	lsn, err := logMgr.Append(record)
	if err != nil {
		return basic.InvalidLSN, err
	}
	t.lastLSN = lsn
	return lsn, nil
}

// TxnContext 当前事务绑定。
//
// 执行树中修改页面的算子必须持有一个非nil的TxnContext才允许写日志；
// 没有绑定时变更在触达页面前即被拒绝。绑定是显式传递的窄能力，
// 不存在隐藏的线程全局。
type TxnContext struct {
	txn     *Transaction
	logMgr  *LogManager
	lockMgr *LockManager
}

// Txn 绑定的事务
func (ctx *TxnContext) Txn() *Transaction {
	if ctx == nil {
		return nil
	}
	return ctx.txn
}

// TxnID 绑定事务ID，无绑定返回InvalidTxnID
func (ctx *TxnContext) TxnID() basic.TxnID {
	if ctx == nil || ctx.txn == nil {
		return basic.InvalidTxnID
	}
	return ctx.txn.id
}

// LogPageUpdate 在当前事务下记录一次页面更新。
// 无绑定时不产生LSN也不写日志，调用方必须拒绝该变更。
func (ctx *TxnContext) LogPageUpdate(pageID basic.PageID, offset uint32, before, after []byte) (basic.LSN, error) {
	if ctx == nil || ctx.txn == nil {
		return basic.InvalidLSN, errors.Trace(basic.ErrNoActiveTransaction)
	}
	if ctx.txn.closed() {
		return basic.InvalidLSN, errors.Trace(basic.ErrTransactionClosed)
	}
	record := NewPageUpdateRecord(ctx.txn.id, 0, pageID, offset, before, after)
	return ctx.txn.appendLinked(ctx.logMgr, record)
}

// WritePageLogged 记日志后应用页内写。
// 顺序固定：追加日志取得LSN，改页内字节，再推进页LSN。
func (ctx *TxnContext) WritePageLogged(page *storage.Page, offset int, after []byte) error {
	before, ok := page.ReadBytes(offset, len(after))
	if !ok {
		return errors.Annotatef(basic.ErrExecution, "page %d read out of bounds at %d", page.ID(), offset)
	}
	beforeCopy := append([]byte(nil), before...)
	lsn, err := ctx.LogPageUpdate(page.ID(), uint32(offset), beforeCopy, after)
	if err != nil {
		return err
	}
	if !page.WriteBytes(offset, after) {
		return errors.Annotatef(basic.ErrExecution, "page %d write out of bounds at %d", page.ID(), offset)
	}
	if lsn > page.LSN() {
		page.SetLSN(lsn)
	}
	return nil
}

// LockRow 对行加锁
func (ctx *TxnContext) LockRow(pageID basic.PageID, slot uint16, mode LockMode) error {
	if ctx == nil || ctx.txn == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	return ctx.lockMgr.Lock(ctx.txn.id, RowResource(pageID, slot), mode)
}

// LockPage 对页加锁
func (ctx *TxnContext) LockPage(pageID basic.PageID, mode LockMode) error {
	if ctx == nil || ctx.txn == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	return ctx.lockMgr.Lock(ctx.txn.id, PageResource(pageID), mode)
}

// LockTable 对表目录项加锁，DDL使用
func (ctx *TxnContext) LockTable(tableID uint64, mode LockMode) error {
	if ctx == nil || ctx.txn == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	return ctx.lockMgr.Lock(ctx.txn.id, TableResource(tableID), mode)
}

// TransactionManager 事务生命周期管理。
//
// 每事务恰好记录COMMIT或ABORT之一；二者对调用方幂等，
// 对已关闭句柄的重复调用是no-op成功。
type TransactionManager struct {
	mu        sync.Mutex
	nextTxnID uint64
	logMgr    *LogManager
	lockMgr   *LockManager
	recovery  *RecoveryManager
	active    map[basic.TxnID]*Transaction
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(logMgr *LogManager, lockMgr *LockManager) *TransactionManager {
	return &TransactionManager{
		logMgr:  logMgr,
		lockMgr: lockMgr,
		active:  make(map[basic.TxnID]*Transaction),
	}
}

// SetRecoveryManager 注入恢复管理器（回滚的唯一路径）
func (tm *TransactionManager) SetRecoveryManager(rm *RecoveryManager) {
	tm.recovery = rm
}

// SetNextTxnID 恢复后推进事务ID分配起点，避免与日志中出现过的ID重复
func (tm *TransactionManager) SetNextTxnID(id basic.TxnID) {
	for {
		current := atomic.LoadUint64(&tm.nextTxnID)
		if uint64(id) <= current+1 {
			return
		}
		if atomic.CompareAndSwapUint64(&tm.nextTxnID, current, uint64(id)-1) {
			return
		}
	}
}

// Begin 开启新事务：分配ID，写BEGIN记录
func (tm *TransactionManager) Begin() (*Transaction, error) {
	id := basic.TxnID(atomic.AddUint64(&tm.nextTxnID, 1))
	txn := &Transaction{id: id, state: basic.TxnStateActive}
	lsn, err := tm.logMgr.Append(NewBeginRecord(id))
	if err != nil {
		return nil, err
	}
	txn.lastLSN = lsn

	tm.mu.Lock()
	tm.active[id] = txn
	tm.mu.Unlock()
	return txn, nil
}

// Context 为事务建立绑定
func (tm *TransactionManager) Context(txn *Transaction) *TxnContext {
	if txn == nil {
		return nil
	}
	return &TxnContext{txn: txn, logMgr: tm.logMgr, lockMgr: tm.lockMgr}
}

// WithTransaction 在body执行期间重建事务绑定，
// 使跨算子边界的变更仍然记账在该事务之下
func (tm *TransactionManager) WithTransaction(txn *Transaction, body func(ctx *TxnContext) error) error {
	if txn == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	return body(tm.Context(txn))
}

// Commit 提交：写COMMIT并刷盘到提交点，释放锁，写END。
// 已提交句柄的重复提交是no-op；中止中/已中止的句柄返回事务错误。
func (tm *TransactionManager) Commit(txn *Transaction) error {
	if txn == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	switch txn.State() {
	case basic.TxnStateCommitted:
		return nil
	case basic.TxnStateAborting, basic.TxnStateAborted:
		return errors.Trace(basic.ErrTransactionAborted)
	}

	txn.setState(basic.TxnStateCommitting)
	commitLSN, err := txn.appendLinked(tm.logMgr, NewCommitRecord(txn.id, 0))
	if err != nil {
		return err
	}
	// 持久点：COMMIT落盘后事务的写入保证可见
	if err := tm.logMgr.FlushUpTo(commitLSN); err != nil {
		return err
	}
	tm.lockMgr.UnlockAll(txn.id)
	if _, err := txn.appendLinked(tm.logMgr, NewEndRecord(txn.id, 0)); err != nil {
		return err
	}
	txn.setState(basic.TxnStateCommitted)

	tm.mu.Lock()
	delete(tm.active, txn.id)
	tm.mu.Unlock()
	logger.Debugf("txn %d committed at lsn %d", txn.id, commitLSN)
	return nil
}

// Abort 中止：写ABORT，经恢复管理器回滚（CLR+前像）并写END，再释放锁。
// 已中止句柄的重复中止是no-op；提交后中止亦是no-op成功。
func (tm *TransactionManager) Abort(txn *Transaction) error {
	if txn == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	switch txn.State() {
	case basic.TxnStateAborted, basic.TxnStateCommitted:
		return nil
	}

	txn.setState(basic.TxnStateAborting)
	if _, err := txn.appendLinked(tm.logMgr, NewAbortRecord(txn.id, 0)); err != nil {
		return err
	}
	if tm.recovery != nil {
		if err := tm.recovery.RollbackTransaction(txn); err != nil {
			return err
		}
	}
	tm.lockMgr.UnlockAll(txn.id)
	txn.setState(basic.TxnStateAborted)

	tm.mu.Lock()
	delete(tm.active, txn.id)
	tm.mu.Unlock()
	logger.Debugf("txn %d aborted", txn.id)
	return nil
}

// ActiveTransactions 当前活跃事务表（事务ID→lastLSN），供检查点使用
func (tm *TransactionManager) ActiveTransactions() map[basic.TxnID]basic.LSN {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	table := make(map[basic.TxnID]basic.LSN, len(tm.active))
	for id, txn := range tm.active {
		table[id] = txn.LastLSN()
	}
	return table
}

// ActiveCount 活跃事务数
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}
