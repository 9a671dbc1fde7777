package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/index"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/tuple"
)

func openTestEngine(t *testing.T, dir string) *XEngine {
	t.Helper()
	x, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	return x
}

func mustExec(t *testing.T, x *XEngine, sql string) *Result {
	t.Helper()
	result, err := x.Execute(sql)
	require.NoError(t, err, sql)
	return result
}

func intAt(t *testing.T, rows [][]tuple.Value, row, col int) int64 {
	t.Helper()
	number, err := rows[row][col].Int()
	require.NoError(t, err)
	return number
}

func TestEngineBasic(t *testing.T) {
	t.Run("建表插入查询", func(t *testing.T) {
		x := openTestEngine(t, t.TempDir())
		defer x.Close()
		mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
		mustExec(t, x, "INSERT INTO t VALUES (1, 100), (2, 200)")
		result := mustExec(t, x, "SELECT v FROM t WHERE id = 1")
		require.Len(t, result.Rows, 1)
		assert.Equal(t, int64(100), intAt(t, result.Rows, 0, 0))
	})

	t.Run("投影表达式与别名", func(t *testing.T) {
		x := openTestEngine(t, t.TempDir())
		defer x.Close()
		mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
		mustExec(t, x, "INSERT INTO t VALUES (1, 10)")
		result := mustExec(t, x, "SELECT v * 2 + 1 AS doubled FROM t")
		assert.Equal(t, []string{"doubled"}, result.Columns)
		assert.Equal(t, int64(21), intAt(t, result.Rows, 0, 0))
	})

	t.Run("默认值与NULL约束", func(t *testing.T) {
		x := openTestEngine(t, t.TempDir())
		defer x.Close()
		mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT DEFAULT 7, name TEXT)")
		mustExec(t, x, "INSERT INTO t (id) VALUES (1)")
		result := mustExec(t, x, "SELECT v, name FROM t WHERE id = 1")
		assert.Equal(t, int64(7), intAt(t, result.Rows, 0, 0))
		assert.True(t, result.Rows[0][1].IsNull())

		_, err := x.Execute("INSERT INTO t (id) VALUES (NULL)")
		assert.ErrorIs(t, err, basic.ErrNotNullViolation)
	})

	t.Run("更新与删除", func(t *testing.T) {
		x := openTestEngine(t, t.TempDir())
		defer x.Close()
		mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
		mustExec(t, x, "INSERT INTO t VALUES (1, 1), (2, 2), (3, 3)")

		result := mustExec(t, x, "UPDATE t SET v = v * 10 WHERE id >= 2")
		assert.Equal(t, int64(2), result.RowsAffected)

		result = mustExec(t, x, "SELECT v FROM t ORDER BY id")
		assert.Equal(t, int64(1), intAt(t, result.Rows, 0, 0))
		assert.Equal(t, int64(20), intAt(t, result.Rows, 1, 0))
		assert.Equal(t, int64(30), intAt(t, result.Rows, 2, 0))

		result = mustExec(t, x, "DELETE FROM t WHERE v = 20")
		assert.Equal(t, int64(1), result.RowsAffected)
		result = mustExec(t, x, "SELECT COUNT(*) FROM t")
		assert.Equal(t, int64(2), intAt(t, result.Rows, 0, 0))
	})

	t.Run("聚合分组排序限额", func(t *testing.T) {
		x := openTestEngine(t, t.TempDir())
		defer x.Close()
		mustExec(t, x, "CREATE TABLE s (id INT PRIMARY KEY, grp TEXT, v INT)")
		mustExec(t, x, `INSERT INTO s VALUES
			(1, 'a', 10), (2, 'a', 20), (3, 'b', 5), (4, 'b', 15), (5, 'c', 100)`)

		result := mustExec(t, x,
			"SELECT grp, COUNT(*) AS cnt, SUM(v) AS total, AVG(v) AS mean, MIN(v) AS lo, MAX(v) AS hi FROM s GROUP BY grp ORDER BY grp")
		require.Len(t, result.Rows, 3)
		text, _ := result.Rows[0][0].Text()
		assert.Equal(t, "a", text)
		assert.Equal(t, int64(2), intAt(t, result.Rows, 0, 1))
		assert.Equal(t, int64(30), intAt(t, result.Rows, 0, 2))
		mean, err := result.Rows[0][3].Real()
		require.NoError(t, err)
		assert.InDelta(t, 15.0, mean, 1e-9)
		assert.Equal(t, int64(10), intAt(t, result.Rows, 0, 4))
		assert.Equal(t, int64(20), intAt(t, result.Rows, 0, 5))

		result = mustExec(t, x, "SELECT id FROM s ORDER BY v DESC LIMIT 2 OFFSET 1")
		require.Len(t, result.Rows, 2)
		assert.Equal(t, int64(2), intAt(t, result.Rows, 0, 0))
		assert.Equal(t, int64(4), intAt(t, result.Rows, 1, 0))
	})

	t.Run("连接", func(t *testing.T) {
		x := openTestEngine(t, t.TempDir())
		defer x.Close()
		mustExec(t, x, "CREATE TABLE dept (id INT PRIMARY KEY, name TEXT)")
		mustExec(t, x, "CREATE TABLE emp (id INT PRIMARY KEY, dept_id INT, name TEXT)")
		mustExec(t, x, "INSERT INTO dept VALUES (1, 'dev'), (2, 'ops'), (3, 'empty')")
		mustExec(t, x, "INSERT INTO emp VALUES (1, 1, 'alice'), (2, 1, 'bob'), (3, 2, 'carol')")

		result := mustExec(t, x,
			"SELECT d.name, e.name FROM dept AS d JOIN emp AS e ON d.id = e.dept_id ORDER BY e.id")
		require.Len(t, result.Rows, 3)

		result = mustExec(t, x,
			"SELECT d.name, COUNT(e.id) AS cnt FROM dept AS d LEFT JOIN emp AS e ON d.id = e.dept_id GROUP BY d.name ORDER BY d.name")
		require.Len(t, result.Rows, 3)
		// empty部门COUNT(e.id)=0（NULL不计数）
		for _, row := range result.Rows {
			name, _ := row[0].Text()
			if name == "empty" {
				count, _ := row[1].Int()
				assert.Equal(t, int64(0), count)
			}
		}
	})

	t.Run("DDL变体", func(t *testing.T) {
		x := openTestEngine(t, t.TempDir())
		defer x.Close()
		mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
		mustExec(t, x, "INSERT INTO t VALUES (1, 10)")

		mustExec(t, x, "ALTER TABLE t ADD COLUMN note TEXT")
		result := mustExec(t, x, "SELECT note FROM t WHERE id = 1")
		assert.True(t, result.Rows[0][0].IsNull())

		mustExec(t, x, "ALTER TABLE t RENAME COLUMN note TO remark")
		mustExec(t, x, "UPDATE t SET remark = 'hi' WHERE id = 1")

		mustExec(t, x, "ALTER TABLE t DROP COLUMN remark")
		_, err := x.Execute("SELECT remark FROM t")
		assert.ErrorIs(t, err, basic.ErrUnknownColumn)

		mustExec(t, x, "ALTER TABLE t RENAME TO t2")
		result = mustExec(t, x, "SELECT v FROM t2 WHERE id = 1")
		assert.Equal(t, int64(10), intAt(t, result.Rows, 0, 0))

		mustExec(t, x, "DROP TABLE t2")
		_, err = x.Execute("SELECT * FROM t2")
		assert.ErrorIs(t, err, basic.ErrUnknownTable)
		mustExec(t, x, "DROP TABLE IF EXISTS t2")
	})
}

func TestCommitPersistence(t *testing.T) {
	dir := t.TempDir()
	x := openTestEngine(t, dir)
	mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
	mustExec(t, x, "INSERT INTO t VALUES (1, 100)")
	require.NoError(t, x.Close())

	reopened := openTestEngine(t, dir)
	defer reopened.Close()
	result := mustExec(t, reopened, "SELECT v FROM t WHERE id = 1")
	require.Len(t, result.Rows, 1)
	assert.Equal(t, int64(100), intAt(t, result.Rows, 0, 0))
}

func TestAbortRollback(t *testing.T) {
	x := openTestEngine(t, t.TempDir())
	defer x.Close()
	mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
	mustExec(t, x, "INSERT INTO t VALUES (1, 100)")

	txn, err := x.BeginTransaction()
	require.NoError(t, err)
	_, err = x.ExecuteInTransaction("UPDATE t SET v = 200 WHERE id = 1", txn)
	require.NoError(t, err)

	// 事务内读到自己的写
	result, err := x.ExecuteInTransaction("SELECT v FROM t WHERE id = 1", txn)
	require.NoError(t, err)
	assert.Equal(t, int64(200), intAt(t, result.Rows, 0, 0))

	txnID := txn.inner.ID()
	_, err = x.ExecuteInTransaction("ABORT", txn)
	require.NoError(t, err)

	// 回滚后自动提交读回前像
	after := mustExec(t, x, "SELECT v FROM t WHERE id = 1")
	assert.Equal(t, int64(100), intAt(t, after.Rows, 0, 0))

	// WAL中该事务依次出现 BEGIN, PAGE_UPDATE, CLR, END
	records, err := manager.ReadAllRecords(x.logMgr.Path(), 0)
	require.NoError(t, err)
	var kinds []manager.LogRecordType
	for _, record := range records {
		if record.TxnID == txnID {
			kinds = append(kinds, record.Type)
		}
	}
	assertSubsequence(t, kinds, []manager.LogRecordType{
		manager.LogRecordBegin, manager.LogRecordPageUpdate, manager.LogRecordCLR, manager.LogRecordEnd,
	})
	assert.True(t, x.lockMgr.IsEmpty())
}

func assertSubsequence(t *testing.T, have, want []manager.LogRecordType) {
	t.Helper()
	position := 0
	for _, kind := range have {
		if position < len(want) && kind == want[position] {
			position++
		}
	}
	assert.Equal(t, len(want), position, "WAL记录顺序不符: %v", have)
}

func TestCrashRedo(t *testing.T) {
	dir := t.TempDir()
	x := openTestEngine(t, dir)
	mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, name TEXT)")
	mustExec(t, x, "INSERT INTO t VALUES (1, 'A')")
	mustExec(t, x, "INSERT INTO t VALUES (2, 'B')")
	// 不Close：脏页尚未落盘，模拟kill -9

	reopened := openTestEngine(t, dir)
	defer reopened.Close()
	result := mustExec(t, reopened, "SELECT id, name FROM t ORDER BY id")
	require.Len(t, result.Rows, 2)
	assert.Equal(t, int64(1), intAt(t, result.Rows, 0, 0))
	nameA, _ := result.Rows[0][1].Text()
	assert.Equal(t, "A", nameA)
	assert.Equal(t, int64(2), intAt(t, result.Rows, 1, 0))
	nameB, _ := result.Rows[1][1].Text()
	assert.Equal(t, "B", nameB)
}

func TestCrashUndo(t *testing.T) {
	dir := t.TempDir()
	x := openTestEngine(t, dir)
	mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
	var inserts []string
	for i := 1; i <= 50; i++ {
		inserts = append(inserts, fmt.Sprintf("(%d, %d)", i, i))
	}
	mustExec(t, x, "INSERT INTO t VALUES "+strings.Join(inserts, ", "))
	require.NoError(t, x.Checkpoint())

	// 未提交事务改写全部50行后崩溃；把其日志刷出去再弃置引擎
	txn, err := x.BeginTransaction()
	require.NoError(t, err)
	_, err = x.ExecuteInTransaction("UPDATE t SET v = v + 1000", txn)
	require.NoError(t, err)
	require.NoError(t, x.logMgr.FlushAll())

	reopened := openTestEngine(t, dir)
	defer reopened.Close()
	result := mustExec(t, reopened, "SELECT id, v FROM t ORDER BY id")
	require.Len(t, result.Rows, 50)
	for i, row := range result.Rows {
		v, _ := row[1].Int()
		assert.Equal(t, int64(i+1), v, "row %d shows partial update", i+1)
	}
}

func TestDeadlockVictim(t *testing.T) {
	x := openTestEngine(t, t.TempDir())
	defer x.Close()
	mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
	mustExec(t, x, "INSERT INTO t VALUES (1, 1), (2, 2)")

	txnA, err := x.BeginTransaction()
	require.NoError(t, err)
	txnB, err := x.BeginTransaction()
	require.NoError(t, err)

	_, err = x.ExecuteInTransaction("UPDATE t SET v = 11 WHERE id = 1", txnA)
	require.NoError(t, err)
	_, err = x.ExecuteInTransaction("UPDATE t SET v = 22 WHERE id = 2", txnB)
	require.NoError(t, err)

	// 牺牲者在各自的goroutine里立即回滚，幸存者随后完成
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = x.ExecuteInTransaction("UPDATE t SET v = 12 WHERE id = 2", txnA)
		if errs[0] != nil {
			x.AbortTransaction(txnA)
		}
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = x.ExecuteInTransaction("UPDATE t SET v = 21 WHERE id = 1", txnB)
		if errs[1] != nil {
			x.AbortTransaction(txnB)
		}
	}()
	wg.Wait()

	deadlocks := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, basic.ErrDeadlockDetected)
			deadlocks++
		}
	}
	assert.Equal(t, 1, deadlocks, "恰好一个事务是死锁牺牲者")

	// 对幸存者提交，对牺牲者的重复回滚是no-op
	if errs[0] == nil {
		require.NoError(t, x.CommitTransaction(txnA))
	} else {
		require.NoError(t, x.AbortTransaction(txnA))
	}
	if errs[1] == nil {
		require.NoError(t, x.CommitTransaction(txnB))
	} else {
		require.NoError(t, x.AbortTransaction(txnB))
	}
	assert.True(t, x.lockMgr.IsEmpty())
}

func TestUniqueIndexEnforcement(t *testing.T) {
	x := openTestEngine(t, t.TempDir())
	defer x.Close()
	mustExec(t, x, "CREATE TABLE t (id INT, v INT)")
	mustExec(t, x, "CREATE UNIQUE INDEX ix ON t (id)")

	mustExec(t, x, "INSERT INTO t VALUES (1, 10)")
	_, err := x.Execute("INSERT INTO t VALUES (1, 20)")
	assert.ErrorIs(t, err, basic.ErrConstraintViolation)

	// 堆里只有第一行，没有残留墓碑与孤儿索引项
	result := mustExec(t, x, "SELECT v FROM t")
	require.Len(t, result.Rows, 1)
	assert.Equal(t, int64(10), intAt(t, result.Rows, 0, 0))

	binding, err := x.loadTable("t")
	require.NoError(t, err)
	txn, err := x.txnMgr.Begin()
	require.NoError(t, err)
	require.NoError(t, x.txnMgr.WithTransaction(txn, func(ctx *manager.TxnContext) error {
		rows, err := binding.heap.Scan(ctx, binding.meta.ColumnTypes())
		require.NoError(t, err)
		require.Len(t, rows, 1)
		rids, err := binding.indexes[0].tree.Search(ctx, index.NewIntKey(1))
		require.NoError(t, err)
		require.Len(t, rids, 1)
		assert.Equal(t, rows[0].RID, rids[0])
		return nil
	}))
	require.NoError(t, x.txnMgr.Commit(txn))
}

func TestExplicitTransactionFlow(t *testing.T) {
	x := openTestEngine(t, t.TempDir())
	defer x.Close()
	mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")

	t.Run("提交后可见", func(t *testing.T) {
		txn, err := x.BeginTransaction()
		require.NoError(t, err)
		_, err = x.ExecuteInTransaction("INSERT INTO t VALUES (1, 1)", txn)
		require.NoError(t, err)
		require.NoError(t, x.CommitTransaction(txn))
		result := mustExec(t, x, "SELECT COUNT(*) FROM t")
		assert.Equal(t, int64(1), intAt(t, result.Rows, 0, 0))
	})

	t.Run("失败后只许回滚", func(t *testing.T) {
		txn, err := x.BeginTransaction()
		require.NoError(t, err)
		// 主键冲突
		_, err = x.ExecuteInTransaction("INSERT INTO t VALUES (1, 9)", txn)
		require.ErrorIs(t, err, basic.ErrConstraintViolation)

		_, err = x.ExecuteInTransaction("INSERT INTO t VALUES (2, 2)", txn)
		assert.True(t, basic.IsTransactionError(err))
		err = x.CommitTransaction(txn)
		assert.True(t, basic.IsTransactionError(err))
		require.NoError(t, x.AbortTransaction(txn))
	})

	t.Run("提交与中止幂等", func(t *testing.T) {
		txn, err := x.BeginTransaction()
		require.NoError(t, err)
		require.NoError(t, x.CommitTransaction(txn))
		require.NoError(t, x.CommitTransaction(txn))
		require.NoError(t, x.AbortTransaction(txn)) // 提交后中止是no-op成功
	})

	t.Run("DDL回滚还原目录", func(t *testing.T) {
		txn, err := x.BeginTransaction()
		require.NoError(t, err)
		_, err = x.ExecuteInTransaction("CREATE TABLE doomed (id INT PRIMARY KEY)", txn)
		require.NoError(t, err)
		_, err = x.ExecuteInTransaction("INSERT INTO doomed VALUES (1)", txn)
		require.NoError(t, err)
		require.NoError(t, x.AbortTransaction(txn))

		_, err = x.Execute("SELECT * FROM doomed")
		assert.ErrorIs(t, err, basic.ErrUnknownTable)
	})
}

func TestIndexScanCost(t *testing.T) {
	if testing.Short() {
		t.Skip("50k行数据集，短测试跳过")
	}
	x := openTestEngine(t, t.TempDir())
	defer x.Close()
	mustExec(t, x, "CREATE TABLE big (id INT PRIMARY KEY, v INT)")

	const total = 50000
	txn, err := x.BeginTransaction()
	require.NoError(t, err)
	const batch = 1000
	for start := 0; start < total; start += batch {
		var rows []string
		for i := start; i < start+batch; i++ {
			rows = append(rows, fmt.Sprintf("(%d, %d)", i, i*3))
		}
		_, err := x.ExecuteInTransaction("INSERT INTO big VALUES "+strings.Join(rows, ","), txn)
		require.NoError(t, err)
	}
	require.NoError(t, x.CommitTransaction(txn))

	// 顺序计划：谓词列无索引
	x.bufferPool.ResetFetchCount()
	result := mustExec(t, x, "SELECT id FROM big WHERE v = 30000")
	require.Len(t, result.Rows, 1)
	seqFetches := x.bufferPool.FetchCount()

	// 索引计划：主键等值
	x.bufferPool.ResetFetchCount()
	result = mustExec(t, x, "SELECT v FROM big WHERE id = 10000")
	require.Len(t, result.Rows, 1)
	indexFetches := x.bufferPool.FetchCount()

	assert.LessOrEqual(t, indexFetches*20, seqFetches,
		"index plan fetches=%d, seq plan fetches=%d", indexFetches, seqFetches)
}

func TestIndexRangeScan(t *testing.T) {
	x := openTestEngine(t, t.TempDir())
	defer x.Close()
	mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY, v INT)")
	var rows []string
	for i := 0; i < 500; i++ {
		rows = append(rows, fmt.Sprintf("(%d, %d)", i, i))
	}
	mustExec(t, x, "INSERT INTO t VALUES "+strings.Join(rows, ","))

	result := mustExec(t, x, "SELECT id FROM t WHERE id >= 100 AND id < 110 ORDER BY id")
	require.Len(t, result.Rows, 10)
	assert.Equal(t, int64(100), intAt(t, result.Rows, 0, 0))
	assert.Equal(t, int64(109), intAt(t, result.Rows, 9, 0))
}

func TestEngineClosedState(t *testing.T) {
	dir := t.TempDir()
	x := openTestEngine(t, dir)
	mustExec(t, x, "CREATE TABLE t (id INT PRIMARY KEY)")
	mustExec(t, x, "INSERT INTO t VALUES (1)")

	// 无活跃事务时锁表为空、固定计数归零
	assert.True(t, x.lockMgr.IsEmpty())
	assert.Equal(t, 0, x.bufferPool.PinnedCount())
	assert.Equal(t, 0, x.txnMgr.ActiveCount())
	require.NoError(t, x.Close())
	require.NoError(t, x.Close()) // 幂等
	_, err := x.Execute("SELECT * FROM t")
	assert.Error(t, err)
}
