package manager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/storage"
)

// testStack 事务/恢复测试的完整子系统组合
type testStack struct {
	dir      string
	disk     *storage.DiskManager
	logMgr   *LogManager
	lockMgr  *LockManager
	bufPool  *BufferPoolManager
	txnMgr   *TransactionManager
	recovery *RecoveryManager
}

func newTestStack(t *testing.T, dir string) *testStack {
	t.Helper()
	disk, err := storage.OpenDiskManager(filepath.Join(dir, "test.db"), storage.DefaultPageSize)
	require.NoError(t, err)
	logMgr, err := OpenLogManager(filepath.Join(dir, "test.wal"))
	require.NoError(t, err)
	lockMgr := NewLockManager(5 * time.Second)
	bufPool := NewBufferPoolManager(disk, 16, logMgr)
	txnMgr := NewTransactionManager(logMgr, lockMgr)
	recovery := NewRecoveryManager(logMgr, bufPool)
	txnMgr.SetRecoveryManager(recovery)
	return &testStack{
		dir: dir, disk: disk, logMgr: logMgr, lockMgr: lockMgr,
		bufPool: bufPool, txnMgr: txnMgr, recovery: recovery,
	}
}

func (s *testStack) close(t *testing.T) {
	require.NoError(t, s.logMgr.Close())
	require.NoError(t, s.disk.Close())
}

// writeInTxn 在事务下对页面做一次带日志的写入
func writeInTxn(t *testing.T, s *testStack, ctx *TxnContext, pageID basic.PageID, offset int, after []byte) {
	page, err := s.bufPool.FetchPage(pageID)
	require.NoError(t, err)
	before, ok := page.ReadBytes(offset, len(after))
	require.True(t, ok)
	beforeCopy := append([]byte(nil), before...)
	lsn, err := ctx.LogPageUpdate(pageID, uint32(offset), beforeCopy, after)
	require.NoError(t, err)
	require.True(t, page.WriteBytes(offset, after))
	page.SetLSN(lsn)
	require.NoError(t, s.bufPool.UnpinPage(pageID, true))
}

func readPageBytes(t *testing.T, s *testStack, pageID basic.PageID, offset, length int) []byte {
	page, err := s.bufPool.FetchPage(pageID)
	require.NoError(t, err)
	data, ok := page.ReadBytes(offset, length)
	require.True(t, ok)
	result := append([]byte(nil), data...)
	require.NoError(t, s.bufPool.UnpinPage(pageID, false))
	return result
}

func TestTransactionManager(t *testing.T) {
	t.Run("提交幂等且中止后提交报错", func(t *testing.T) {
		s := newTestStack(t, t.TempDir())
		defer s.close(t)

		txn, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.Commit(txn))
		require.NoError(t, s.txnMgr.Commit(txn)) // 重复提交 no-op

		txn2, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.Abort(txn2))
		require.NoError(t, s.txnMgr.Abort(txn2)) // 重复中止 no-op
		err = s.txnMgr.Commit(txn2)
		assert.ErrorIs(t, err, basic.ErrTransactionAborted)

		// 提交后中止是no-op成功
		txn3, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.Commit(txn3))
		require.NoError(t, s.txnMgr.Abort(txn3))
	})

	t.Run("无绑定时变更被拒绝", func(t *testing.T) {
		var ctx *TxnContext
		_, err := ctx.LogPageUpdate(1, 16, []byte{0}, []byte{1})
		assert.ErrorIs(t, err, basic.ErrNoActiveTransaction)
	})

	t.Run("事务日志按prev_lsn成链", func(t *testing.T) {
		s := newTestStack(t, t.TempDir())
		defer s.close(t)

		page, err := s.bufPool.NewPage()
		require.NoError(t, err)
		pageID := page.ID()
		require.NoError(t, s.bufPool.UnpinPage(pageID, false))

		txn, err := s.txnMgr.Begin()
		require.NoError(t, err)
		err = s.txnMgr.WithTransaction(txn, func(ctx *TxnContext) error {
			writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize, []byte{1})
			writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize+1, []byte{2})
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.Commit(txn))
		// Commit只刷盘到COMMIT，END仍在日志缓冲中
		require.NoError(t, s.logMgr.FlushAll())

		records, err := ReadAllRecords(s.logMgr.Path(), 0)
		require.NoError(t, err)
		var chain []*LogRecord
		for _, r := range records {
			if r.TxnID == txn.ID() {
				chain = append(chain, r)
			}
		}
		require.Len(t, chain, 5) // BEGIN, PU, PU, COMMIT, END
		assert.Equal(t, basic.InvalidLSN, chain[0].PrevLSN)
		for i := 1; i < len(chain); i++ {
			assert.Equal(t, chain[i-1].LSN, chain[i].PrevLSN)
		}
	})

	t.Run("中止回滚恢复前像并写CLR与END", func(t *testing.T) {
		s := newTestStack(t, t.TempDir())
		defer s.close(t)

		page, err := s.bufPool.NewPage()
		require.NoError(t, err)
		pageID := page.ID()
		require.NoError(t, s.bufPool.UnpinPage(pageID, false))

		// 初始值 100
		setup, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.WithTransaction(setup, func(ctx *TxnContext) error {
			writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize, []byte{100})
			return nil
		}))
		require.NoError(t, s.txnMgr.Commit(setup))

		// 更新为 200 后中止
		txn, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.WithTransaction(txn, func(ctx *TxnContext) error {
			writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize, []byte{200})
			return nil
		}))
		assert.Equal(t, []byte{200}, readPageBytes(t, s, pageID, storage.PageHeaderSize, 1))
		require.NoError(t, s.txnMgr.Abort(txn))
		assert.Equal(t, []byte{100}, readPageBytes(t, s, pageID, storage.PageHeaderSize, 1))

		// WAL中该事务的记录依次为 BEGIN, PAGE_UPDATE, (ABORT), CLR, END
		records, err := ReadAllRecords(s.logMgr.Path(), 0)
		require.NoError(t, err)
		var kinds []LogRecordType
		for _, r := range records {
			if r.TxnID == txn.ID() {
				kinds = append(kinds, r.Type)
			}
		}
		expected := []LogRecordType{LogRecordBegin, LogRecordPageUpdate, LogRecordAbort, LogRecordCLR, LogRecordEnd}
		assert.Equal(t, expected, kinds)

		// 锁表清空
		assert.True(t, s.lockMgr.IsEmpty())
	})
}

func TestRecovery(t *testing.T) {
	t.Run("崩溃后重做已提交更新", func(t *testing.T) {
		dir := t.TempDir()
		s := newTestStack(t, dir)

		page, err := s.bufPool.NewPage()
		require.NoError(t, err)
		pageID := page.ID()
		require.NoError(t, s.bufPool.UnpinPage(pageID, false))

		txn, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.WithTransaction(txn, func(ctx *TxnContext) error {
			writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize, []byte{0xAB})
			return nil
		}))
		require.NoError(t, s.txnMgr.Commit(txn))
		// 不刷脏页直接"崩溃"
		s.close(t)

		s2 := newTestStack(t, dir)
		defer s2.close(t)
		_, err = s2.recovery.Recover()
		require.NoError(t, err)
		assert.Equal(t, []byte{0xAB}, readPageBytes(t, s2, pageID, storage.PageHeaderSize, 1))
	})

	t.Run("崩溃后回滚未提交更新", func(t *testing.T) {
		dir := t.TempDir()
		s := newTestStack(t, dir)

		page, err := s.bufPool.NewPage()
		require.NoError(t, err)
		pageID := page.ID()
		require.NoError(t, s.bufPool.UnpinPage(pageID, false))

		committed, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.WithTransaction(committed, func(ctx *TxnContext) error {
			writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize, []byte{1})
			return nil
		}))
		require.NoError(t, s.txnMgr.Commit(committed))

		loser, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.WithTransaction(loser, func(ctx *TxnContext) error {
			writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize, []byte{2})
			return nil
		}))
		// 把败者的日志也刷出去再崩溃，脏页本身不落盘
		require.NoError(t, s.logMgr.FlushAll())
		s.close(t)

		s2 := newTestStack(t, dir)
		defer s2.close(t)
		maxTxn, err := s2.recovery.Recover()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint64(maxTxn), uint64(loser.ID()))
		assert.Equal(t, []byte{1}, readPageBytes(t, s2, pageID, storage.PageHeaderSize, 1))

		// 败者现在有END记录
		records, err := ReadAllRecords(s2.logMgr.Path(), 0)
		require.NoError(t, err)
		sawEnd := false
		for _, r := range records {
			if r.TxnID == loser.ID() && r.Type == LogRecordEnd {
				sawEnd = true
			}
		}
		assert.True(t, sawEnd)
	})

	t.Run("恢复两次结果一致", func(t *testing.T) {
		dir := t.TempDir()
		s := newTestStack(t, dir)

		page, err := s.bufPool.NewPage()
		require.NoError(t, err)
		pageID := page.ID()
		require.NoError(t, s.bufPool.UnpinPage(pageID, false))

		txn, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.WithTransaction(txn, func(ctx *TxnContext) error {
			writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize, []byte{0x5A})
			return nil
		}))
		require.NoError(t, s.txnMgr.Commit(txn))
		s.close(t)

		s2 := newTestStack(t, dir)
		_, err = s2.recovery.Recover()
		require.NoError(t, err)
		first := readPageBytes(t, s2, pageID, storage.PageHeaderSize, 1)
		s2.close(t)

		s3 := newTestStack(t, dir)
		defer s3.close(t)
		_, err = s3.recovery.Recover()
		require.NoError(t, err)
		assert.Equal(t, first, readPageBytes(t, s3, pageID, storage.PageHeaderSize, 1))
	})

	t.Run("多页事务崩溃回滚", func(t *testing.T) {
		dir := t.TempDir()
		s := newTestStack(t, dir)

		var pageIDs []basic.PageID
		for i := 0; i < 10; i++ {
			page, err := s.bufPool.NewPage()
			require.NoError(t, err)
			pageIDs = append(pageIDs, page.ID())
			require.NoError(t, s.bufPool.UnpinPage(page.ID(), false))
		}

		// 初始镜像：每页5行，各写1字节
		setup, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.WithTransaction(setup, func(ctx *TxnContext) error {
			for _, pageID := range pageIDs {
				for slot := 0; slot < 5; slot++ {
					writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize+slot, []byte{0x11})
				}
			}
			return nil
		}))
		require.NoError(t, s.txnMgr.Commit(setup))

		// 败者改写50行后崩溃
		loser, err := s.txnMgr.Begin()
		require.NoError(t, err)
		require.NoError(t, s.txnMgr.WithTransaction(loser, func(ctx *TxnContext) error {
			for _, pageID := range pageIDs {
				for slot := 0; slot < 5; slot++ {
					writeInTxn(t, s, ctx, pageID, storage.PageHeaderSize+slot, []byte{0x22})
				}
			}
			return nil
		}))
		require.NoError(t, s.logMgr.FlushAll())
		s.close(t)

		s2 := newTestStack(t, dir)
		defer s2.close(t)
		_, err = s2.recovery.Recover()
		require.NoError(t, err)
		for _, pageID := range pageIDs {
			for slot := 0; slot < 5; slot++ {
				assert.Equal(t, []byte{0x11}, readPageBytes(t, s2, pageID, storage.PageHeaderSize+slot, 1))
			}
		}
	})
}
