package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xengine/basic"
)

func TestLockManager(t *testing.T) {
	t.Run("共享锁相容", func(t *testing.T) {
		lm := NewLockManager(time.Second)
		resource := PageResource(42)
		require.NoError(t, lm.Lock(1, resource, LockShared))
		require.NoError(t, lm.Lock(2, resource, LockShared))
		assert.True(t, lm.HoldsLock(1, resource))
		assert.True(t, lm.HoldsLock(2, resource))
		lm.UnlockAll(1)
		lm.UnlockAll(2)
		assert.True(t, lm.IsEmpty())
	})

	t.Run("排他锁阻塞直至释放", func(t *testing.T) {
		lm := NewLockManager(time.Second)
		resource := RowResource(1, 0)
		require.NoError(t, lm.Lock(1, resource, LockExclusive))

		acquired := make(chan error, 1)
		go func() {
			acquired <- lm.Lock(2, resource, LockExclusive)
		}()

		select {
		case <-acquired:
			t.Fatal("排他锁不应在释放前被授予")
		case <-time.After(50 * time.Millisecond):
		}

		lm.UnlockAll(1)
		require.NoError(t, <-acquired)
		lm.UnlockAll(2)
		assert.True(t, lm.IsEmpty())
	})

	t.Run("重复加锁与锁升级", func(t *testing.T) {
		lm := NewLockManager(time.Second)
		resource := RowResource(3, 1)
		require.NoError(t, lm.Lock(1, resource, LockShared))
		require.NoError(t, lm.Lock(1, resource, LockShared))
		// 唯一持有者直接升级
		require.NoError(t, lm.Lock(1, resource, LockExclusive))
		// 已持有X时申请S立即成功
		require.NoError(t, lm.Lock(1, resource, LockShared))
		lm.UnlockAll(1)
		assert.True(t, lm.IsEmpty())
	})

	t.Run("共享持有者存在时升级需等待", func(t *testing.T) {
		lm := NewLockManager(time.Second)
		resource := PageResource(9)
		require.NoError(t, lm.Lock(1, resource, LockShared))
		require.NoError(t, lm.Lock(2, resource, LockShared))

		upgraded := make(chan error, 1)
		go func() {
			upgraded <- lm.Lock(1, resource, LockExclusive)
		}()
		select {
		case <-upgraded:
			t.Fatal("升级不应在其他共享持有者退出前完成")
		case <-time.After(50 * time.Millisecond):
		}
		lm.UnlockAll(2)
		require.NoError(t, <-upgraded)
		assert.True(t, lm.HoldsLock(1, resource))
		lm.UnlockAll(1)
		assert.True(t, lm.IsEmpty())
	})

	t.Run("死锁恰好牺牲一个事务", func(t *testing.T) {
		lm := NewLockManager(5 * time.Second)
		r1 := RowResource(1, 1)
		r2 := RowResource(2, 2)
		require.NoError(t, lm.Lock(1, r1, LockExclusive))
		require.NoError(t, lm.Lock(2, r2, LockExclusive))

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		// 成功者结束、牺牲者中止，二者都释放全部锁
		go func() {
			defer wg.Done()
			results[0] = lm.Lock(1, r2, LockExclusive)
			lm.UnlockAll(1)
		}()
		go func() {
			defer wg.Done()
			time.Sleep(30 * time.Millisecond)
			results[1] = lm.Lock(2, r1, LockExclusive)
			lm.UnlockAll(2)
		}()
		wg.Wait()

		deadlocks := 0
		for _, err := range results {
			if err != nil {
				assert.ErrorIs(t, err, basic.ErrDeadlockDetected)
				deadlocks++
			}
		}
		assert.Equal(t, 1, deadlocks, "恰好一个事务收到死锁错误")

		// 牺牲者释放其持有的锁后锁表应为空
		lm.UnlockAll(1)
		lm.UnlockAll(2)
		assert.True(t, lm.IsEmpty())
	})

	t.Run("无环等待不误报死锁", func(t *testing.T) {
		lm := NewLockManager(time.Second)
		resource := PageResource(5)
		require.NoError(t, lm.Lock(1, resource, LockExclusive))

		done := make(chan error, 2)
		go func() { done <- lm.Lock(2, resource, LockShared) }()
		go func() { done <- lm.Lock(3, resource, LockShared) }()
		time.Sleep(30 * time.Millisecond)
		lm.UnlockAll(1)
		require.NoError(t, <-done)
		require.NoError(t, <-done)
		lm.UnlockAll(2)
		lm.UnlockAll(3)
		assert.True(t, lm.IsEmpty())
	})

	t.Run("等待超时", func(t *testing.T) {
		lm := NewLockManager(50 * time.Millisecond)
		resource := RowResource(7, 7)
		require.NoError(t, lm.Lock(1, resource, LockExclusive))
		err := lm.Lock(2, resource, LockExclusive)
		assert.ErrorIs(t, err, basic.ErrLockTimeout)
		lm.UnlockAll(1)
		assert.True(t, lm.IsEmpty())
	})

	t.Run("FIFO唤醒顺序", func(t *testing.T) {
		lm := NewLockManager(2 * time.Second)
		resource := PageResource(77)
		require.NoError(t, lm.Lock(1, resource, LockExclusive))

		order := make(chan basic.TxnID, 2)
		var started sync.WaitGroup
		started.Add(1)
		go func() {
			started.Done()
			if lm.Lock(2, resource, LockExclusive) == nil {
				order <- 2
				lm.UnlockAll(2)
			}
		}()
		started.Wait()
		time.Sleep(30 * time.Millisecond)
		go func() {
			if lm.Lock(3, resource, LockExclusive) == nil {
				order <- 3
				lm.UnlockAll(3)
			}
		}()
		time.Sleep(30 * time.Millisecond)
		lm.UnlockAll(1)

		first := <-order
		second := <-order
		assert.Equal(t, basic.TxnID(2), first)
		assert.Equal(t, basic.TxnID(3), second)
		assert.True(t, lm.IsEmpty())
	})
}
