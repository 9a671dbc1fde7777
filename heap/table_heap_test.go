package heap

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/storage"
	"github.com/zhukovaskychina/xengine/tuple"
)

type heapEnv struct {
	bufPool *manager.BufferPoolManager
	txnMgr  *manager.TransactionManager
	lockMgr *manager.LockManager
}

func newHeapEnv(t *testing.T) *heapEnv {
	t.Helper()
	dir := t.TempDir()
	disk, err := storage.OpenDiskManager(filepath.Join(dir, "test.db"), storage.DefaultPageSize)
	require.NoError(t, err)
	logMgr, err := manager.OpenLogManager(filepath.Join(dir, "test.wal"))
	require.NoError(t, err)
	lockMgr := manager.NewLockManager(5 * time.Second)
	bufPool := manager.NewBufferPoolManager(disk, 64, logMgr)
	txnMgr := manager.NewTransactionManager(logMgr, lockMgr)
	recovery := manager.NewRecoveryManager(logMgr, bufPool)
	txnMgr.SetRecoveryManager(recovery)
	t.Cleanup(func() {
		logMgr.Close()
		disk.Close()
	})
	return &heapEnv{bufPool: bufPool, txnMgr: txnMgr, lockMgr: lockMgr}
}

func (env *heapEnv) inTxn(t *testing.T, body func(ctx *manager.TxnContext)) {
	t.Helper()
	txn, err := env.txnMgr.Begin()
	require.NoError(t, err)
	require.NoError(t, env.txnMgr.WithTransaction(txn, func(ctx *manager.TxnContext) error {
		body(ctx)
		return nil
	}))
	require.NoError(t, env.txnMgr.Commit(txn))
}

var testTypes = []tuple.ValueType{tuple.TypeInt, tuple.TypeText}

// rowValues 构造两列测试行
func rowValues(id int64, name string) []tuple.Value {
	return []tuple.Value{tuple.NewIntValue(id), tuple.NewTextValue(name)}
}

func TestTableHeap(t *testing.T) {
	t.Run("插入读取删除", func(t *testing.T) {
		env := newHeapEnv(t)
		var th *TableHeap
		var rid basic.RID
		env.inTxn(t, func(ctx *manager.TxnContext) {
			var err error
			th, err = CreateTableHeap(ctx, env.bufPool, 512)
			require.NoError(t, err)
			rid, err = th.InsertTuple(ctx, testTypes, tuple.NewTuple(rowValues(1, "alice")))
			require.NoError(t, err)
		})

		env.inTxn(t, func(ctx *manager.TxnContext) {
			row, err := th.GetTuple(ctx, testTypes, rid)
			require.NoError(t, err)
			require.NotNil(t, row)
			id, _ := row.Get(0).Int()
			assert.Equal(t, int64(1), id)

			deleted, err := th.DeleteTuple(ctx, rid)
			require.NoError(t, err)
			assert.True(t, deleted)
			gone, err := th.GetTuple(ctx, testTypes, rid)
			require.NoError(t, err)
			assert.Nil(t, gone)
		})
		assert.True(t, env.lockMgr.IsEmpty())
	})

	t.Run("墓碑保留且RID不复用", func(t *testing.T) {
		env := newHeapEnv(t)
		var th *TableHeap
		env.inTxn(t, func(ctx *manager.TxnContext) {
			var err error
			th, err = CreateTableHeap(ctx, env.bufPool, 512)
			require.NoError(t, err)
			r0, err := th.InsertTuple(ctx, testTypes, tuple.NewTuple(rowValues(1, "a")))
			require.NoError(t, err)
			_, err = th.DeleteTuple(ctx, r0)
			require.NoError(t, err)
			r1, err := th.InsertTuple(ctx, testTypes, tuple.NewTuple(rowValues(2, "b")))
			require.NoError(t, err)
			// 新插入获得新槽位，不占用墓碑
			assert.NotEqual(t, r0.Slot, r1.Slot)

			rows, err := th.Scan(ctx, testTypes)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, r1, rows[0].RID)
		})
	})

	t.Run("跨页扫描按页槽序", func(t *testing.T) {
		env := newHeapEnv(t)
		var th *TableHeap
		const rowCount = 300
		env.inTxn(t, func(ctx *manager.TxnContext) {
			var err error
			th, err = CreateTableHeap(ctx, env.bufPool, 512)
			require.NoError(t, err)
			for i := 0; i < rowCount; i++ {
				_, err := th.InsertTuple(ctx, testTypes,
					tuple.NewTuple(rowValues(int64(i), strings.Repeat("v", 40))))
				require.NoError(t, err)
			}
		})
		env.inTxn(t, func(ctx *manager.TxnContext) {
			rows, err := th.Scan(ctx, testTypes)
			require.NoError(t, err)
			require.Len(t, rows, rowCount)
			for i := 1; i < len(rows); i++ {
				assert.True(t, rows[i-1].RID.Less(rows[i].RID), "RID序错乱于 %d", i)
			}
			// 核对内容连续
			for i, row := range rows {
				id, _ := row.Tuple.Get(0).Int()
				assert.Equal(t, int64(i), id)
			}
		})
	})

	t.Run("原地更新与搬移更新", func(t *testing.T) {
		env := newHeapEnv(t)
		var th *TableHeap
		env.inTxn(t, func(ctx *manager.TxnContext) {
			var err error
			th, err = CreateTableHeap(ctx, env.bufPool, 512)
			require.NoError(t, err)
			rid, err := th.InsertTuple(ctx, testTypes, tuple.NewTuple(rowValues(1, "aaaaaaaa")))
			require.NoError(t, err)

			// 等长改写：原地，RID不变
			newRID, moved, err := th.UpdateTuple(ctx, testTypes, rid, tuple.NewTuple(rowValues(1, "bbbbbbbb")))
			require.NoError(t, err)
			assert.False(t, moved)
			assert.Equal(t, rid, newRID)

			// 变长改写：搬移
			bigRID, moved, err := th.UpdateTuple(ctx, testTypes, newRID,
				tuple.NewTuple(rowValues(1, strings.Repeat("c", 200))))
			require.NoError(t, err)
			assert.True(t, moved)
			assert.NotEqual(t, newRID, bigRID)

			rows, err := th.Scan(ctx, testTypes)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			name, _ := rows[0].Tuple.Get(1).Text()
			assert.Equal(t, strings.Repeat("c", 200), name)
		})
	})

	t.Run("恰好填满剩余空间不分新页", func(t *testing.T) {
		env := newHeapEnv(t)
		var th *TableHeap
		env.inTxn(t, func(ctx *manager.TxnContext) {
			var err error
			th, err = CreateTableHeap(ctx, env.bufPool, 512)
			require.NoError(t, err)

			page, err := env.bufPool.FetchPage(th.FirstPageID())
			require.NoError(t, err)
			header := readHeapHeader(page)
			free := availableSpace(page, header)
			require.NoError(t, env.bufPool.UnpinPage(th.FirstPageID(), false))

			// 文本编码开销：位图1 + 长度前缀4
			padding := free - 5
			blobTypes := []tuple.ValueType{tuple.TypeText}
			rid, err := th.InsertTuple(ctx, blobTypes,
				tuple.NewTuple([]tuple.Value{tuple.NewTextValue(strings.Repeat("z", padding))}))
			require.NoError(t, err)
			assert.Equal(t, th.FirstPageID(), rid.PageID, "恰好放满时不应另开新页")
		})
	})

	t.Run("无事务绑定的变更被拒绝", func(t *testing.T) {
		env := newHeapEnv(t)
		var th *TableHeap
		env.inTxn(t, func(ctx *manager.TxnContext) {
			var err error
			th, err = CreateTableHeap(ctx, env.bufPool, 512)
			require.NoError(t, err)
		})
		_, err := th.InsertTuple(nil, testTypes, tuple.NewTuple(rowValues(1, "x")))
		assert.ErrorIs(t, err, basic.ErrNoActiveTransaction)
	})
}

func TestBlobStore(t *testing.T) {
	t.Run("溢出大对象压缩往返", func(t *testing.T) {
		env := newHeapEnv(t)
		var th *TableHeap
		payload := bytes.Repeat([]byte("abcdefgh12345678"), 2048) // 32KB，超过内联阈值走溢出链（snappy压缩后远小于32KB）
		blobTypes := []tuple.ValueType{tuple.TypeInt, tuple.TypeBlob}
		env.inTxn(t, func(ctx *manager.TxnContext) {
			var err error
			th, err = CreateTableHeap(ctx, env.bufPool, 512)
			require.NoError(t, err)
			rid, err := th.InsertTuple(ctx, blobTypes, tuple.NewTuple([]tuple.Value{
				tuple.NewIntValue(1), tuple.NewBlobValue(payload),
			}))
			require.NoError(t, err)

			row, err := th.GetTuple(ctx, blobTypes, rid)
			require.NoError(t, err)
			data, err := row.Get(1).Blob()
			require.NoError(t, err)
			assert.Equal(t, payload, data)
		})
	})

	t.Run("小对象保持内联", func(t *testing.T) {
		env := newHeapEnv(t)
		blobTypes := []tuple.ValueType{tuple.TypeBlob}
		env.inTxn(t, func(ctx *manager.TxnContext) {
			th, err := CreateTableHeap(ctx, env.bufPool, 512)
			require.NoError(t, err)
			rid, err := th.InsertTuple(ctx, blobTypes, tuple.NewTuple([]tuple.Value{
				tuple.NewBlobValue([]byte("inline")),
			}))
			require.NoError(t, err)
			row, err := th.GetTuple(ctx, blobTypes, rid)
			require.NoError(t, err)
			data, _ := row.Get(0).Blob()
			assert.Equal(t, []byte("inline"), data)
		})
	})
}
