package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/logger"
)

// LockMode 锁模式
type LockMode int

const (
	// LockShared 共享锁
	LockShared LockMode = iota
	// LockExclusive 排他锁
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockShared {
		return "S"
	}
	return "X"
}

// RowResource 行粒度资源ID
func RowResource(pageID basic.PageID, slot uint16) string {
	return fmt.Sprintf("row:%d:%d", pageID, slot)
}

// PageResource 页粒度资源ID
func PageResource(pageID basic.PageID) string {
	return fmt.Sprintf("page:%d", pageID)
}

// TableResource 表粒度资源ID，DDL使用
func TableResource(tableID uint64) string {
	return fmt.Sprintf("table:%d", tableID)
}

// lockRequest 锁请求，按到达顺序排入资源队列
type lockRequest struct {
	txnID   basic.TxnID
	mode    LockMode
	granted bool
	// 升级请求：事务已持有S，等待升为X
	upgrade bool
	// 阻塞等待的唤醒通道
	wait chan error
}

// lockInfo 单个资源的请求队列，已授予的与等待中的混排，顺序即到达顺序
type lockInfo struct {
	requests []*lockRequest
}

func (info *lockInfo) grantedOf(txnID basic.TxnID) *lockRequest {
	for _, req := range info.requests {
		if req.granted && req.txnID == txnID {
			return req
		}
	}
	return nil
}

func (info *lockInfo) grantedCount() int {
	count := 0
	for _, req := range info.requests {
		if req.granted {
			count++
		}
	}
	return count
}

// LockManager 行/页粒度的S/X锁管理器。
//
// 等待策略：每资源FIFO队列。每次请求阻塞时从锁表推导等待图并做环检测，
// 成环时取环中最年轻的事务作为牺牲者，其锁调用返回ErrDeadlockDetected。
// 等待图按当下的队列状态推导，正常的无环等待不会误报。
type LockManager struct {
	mu        sync.Mutex
	lockTable map[string]*lockInfo
	// 事务持有的资源集合
	txnLocks map[basic.TxnID]map[string]struct{}
	// 0 表示无限等待
	timeout time.Duration
}

// NewLockManager 创建锁管理器
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		lockTable: make(map[string]*lockInfo),
		txnLocks:  make(map[basic.TxnID]map[string]struct{}),
		timeout:   timeout,
	}
}

// Lock 申请锁，可能挂起。死锁牺牲者得到ErrDeadlockDetected，超时得到ErrLockTimeout。
// 重入：已持有等同或更强模式时立即成功；持有S申请X时为升级，
// 唯一持有者立即升级，否则按到达顺序排队。
func (lm *LockManager) Lock(txnID basic.TxnID, resource string, mode LockMode) error {
	lm.mu.Lock()

	info, ok := lm.lockTable[resource]
	if !ok {
		info = &lockInfo{}
		lm.lockTable[resource] = info
	}

	if held := info.grantedOf(txnID); held != nil {
		if held.mode == LockExclusive || held.mode == mode {
			lm.mu.Unlock()
			return nil
		}
		// S -> X 升级
		if info.grantedCount() == 1 {
			held.mode = LockExclusive
			lm.mu.Unlock()
			return nil
		}
		req := &lockRequest{txnID: txnID, mode: LockExclusive, upgrade: true, wait: make(chan error, 1)}
		info.requests = append(info.requests, req)
		return lm.blockOn(txnID, resource, info, req)
	}

	req := &lockRequest{txnID: txnID, mode: mode}
	info.requests = append(info.requests, req)
	lm.grantWaiters(resource, info)
	if req.granted {
		lm.mu.Unlock()
		return nil
	}
	req.wait = make(chan error, 1)
	return lm.blockOn(txnID, resource, info, req)
}

// blockOn 进入等待。调用时持有lm.mu，返回前释放。
func (lm *LockManager) blockOn(txnID basic.TxnID, resource string, info *lockInfo, req *lockRequest) error {
	if victim, ok := lm.detectCycleFrom(txnID); ok {
		if victim == txnID {
			lm.removeRequest(info, req)
			lm.grantWaiters(resource, info)
			lm.mu.Unlock()
			logger.Debugf("lock manager: txn %d chosen as deadlock victim on %s", txnID, resource)
			return errors.Trace(basic.ErrDeadlockDetected)
		}
		lm.cancelVictim(victim)
	}
	lm.mu.Unlock()

	var timeoutCh <-chan time.Time
	if lm.timeout > 0 {
		timer := time.NewTimer(lm.timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case err := <-req.wait:
		return err
	case <-timeoutCh:
		lm.mu.Lock()
		if req.granted {
			// 超时与授予竞争，以授予为准
			lm.mu.Unlock()
			return nil
		}
		lm.removeRequest(info, req)
		lm.grantWaiters(resource, info)
		lm.mu.Unlock()
		return errors.Trace(basic.ErrLockTimeout)
	}
}

// buildWaitGraph 从锁表推导等待图：等待者指向不相容的持有者与排在它前面的等待者
func (lm *LockManager) buildWaitGraph() map[basic.TxnID]map[basic.TxnID]struct{} {
	graph := make(map[basic.TxnID]map[basic.TxnID]struct{})
	edge := func(from, to basic.TxnID) {
		if from == to {
			return
		}
		if graph[from] == nil {
			graph[from] = make(map[basic.TxnID]struct{})
		}
		graph[from][to] = struct{}{}
	}
	for _, info := range lm.lockTable {
		for i, req := range info.requests {
			if req.granted {
				continue
			}
			for _, prior := range info.requests[:i] {
				if prior.txnID == req.txnID {
					continue
				}
				if prior.granted {
					if req.mode == LockExclusive || prior.mode == LockExclusive {
						edge(req.txnID, prior.txnID)
					}
				} else {
					// FIFO：前面的等待者会先于自己拿到锁
					edge(req.txnID, prior.txnID)
				}
			}
		}
	}
	return graph
}

// detectCycleFrom 从start出发找环，返回环中最年轻（ID最大）的事务
func (lm *LockManager) detectCycleFrom(start basic.TxnID) (basic.TxnID, bool) {
	graph := lm.buildWaitGraph()
	visited := make(map[basic.TxnID]bool)
	onStack := make(map[basic.TxnID]int)
	var stack []basic.TxnID

	var dfs func(node basic.TxnID) (basic.TxnID, bool)
	dfs = func(node basic.TxnID) (basic.TxnID, bool) {
		if pos, ok := onStack[node]; ok {
			// stack[pos:] 构成环
			victim := node
			for _, member := range stack[pos:] {
				if member > victim {
					victim = member
				}
			}
			return victim, true
		}
		if visited[node] {
			return 0, false
		}
		visited[node] = true
		onStack[node] = len(stack)
		stack = append(stack, node)
		for next := range graph[node] {
			if victim, ok := dfs(next); ok {
				return victim, ok
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, node)
		return 0, false
	}

	return dfs(start)
}

// cancelVictim 取消牺牲者的等待请求并以死锁错误唤醒它
func (lm *LockManager) cancelVictim(victim basic.TxnID) {
	logger.Debugf("lock manager: cancelling deadlock victim txn %d", victim)
	for resource, info := range lm.lockTable {
		var cancelled *lockRequest
		for _, req := range info.requests {
			if req.txnID == victim && !req.granted {
				cancelled = req
				break
			}
		}
		if cancelled != nil {
			lm.removeRequest(info, cancelled)
			if cancelled.wait != nil {
				cancelled.wait <- errors.Trace(basic.ErrDeadlockDetected)
			}
			lm.grantWaiters(resource, info)
		}
	}
}

// removeRequest 从队列移除请求
func (lm *LockManager) removeRequest(info *lockInfo, target *lockRequest) {
	for i, req := range info.requests {
		if req == target {
			info.requests = append(info.requests[:i], info.requests[i+1:]...)
			return
		}
	}
}

// grantWaiters FIFO授予：从队首起授予所有可授予的等待请求，遇到不相容即停
func (lm *LockManager) grantWaiters(resource string, info *lockInfo) {
	i := 0
	for i < len(info.requests) {
		req := info.requests[i]
		if req.granted {
			i++
			continue
		}
		if !lm.canGrant(info, req) {
			break
		}
		req.granted = true
		if req.upgrade {
			if held := info.grantedOf(req.txnID); held != nil && held != req {
				held.mode = LockExclusive
				lm.removeRequest(info, req)
			} else {
				req.mode = LockExclusive
				lm.recordHolding(req.txnID, resource)
				i++
			}
		} else {
			lm.recordHolding(req.txnID, resource)
			i++
		}
		if req.wait != nil {
			req.wait <- nil
		}
	}
	if len(info.requests) == 0 {
		delete(lm.lockTable, resource)
	}
}

// canGrant 请求与全部已授予请求相容即可授予
func (lm *LockManager) canGrant(info *lockInfo, candidate *lockRequest) bool {
	for _, req := range info.requests {
		if !req.granted || req.txnID == candidate.txnID {
			continue
		}
		if candidate.mode == LockExclusive || req.mode == LockExclusive {
			return false
		}
	}
	return true
}

func (lm *LockManager) recordHolding(txnID basic.TxnID, resource string) {
	held := lm.txnLocks[txnID]
	if held == nil {
		held = make(map[string]struct{})
		lm.txnLocks[txnID] = held
	}
	held[resource] = struct{}{}
}

// Unlock 释放单个资源上的锁并唤醒后继等待者
func (lm *LockManager) Unlock(txnID basic.TxnID, resource string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	info, ok := lm.lockTable[resource]
	if !ok {
		return errors.Annotatef(basic.ErrExecution, "unlock %s not held", resource)
	}
	released := false
	for _, req := range info.requests {
		if req.granted && req.txnID == txnID {
			lm.removeRequest(info, req)
			released = true
			break
		}
	}
	if !released {
		return errors.Annotatef(basic.ErrExecution, "unlock %s: txn %d holds no lock", resource, txnID)
	}
	if held := lm.txnLocks[txnID]; held != nil {
		delete(held, resource)
		if len(held) == 0 {
			delete(lm.txnLocks, txnID)
		}
	}
	lm.grantWaiters(resource, info)
	return nil
}

// UnlockAll 释放事务持有的全部锁
func (lm *LockManager) UnlockAll(txnID basic.TxnID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	held := lm.txnLocks[txnID]
	delete(lm.txnLocks, txnID)
	for resource := range held {
		info, ok := lm.lockTable[resource]
		if !ok {
			continue
		}
		for _, req := range info.requests {
			if req.granted && req.txnID == txnID {
				lm.removeRequest(info, req)
				break
			}
		}
		lm.grantWaiters(resource, info)
	}
}

// HoldsLock 事务是否持有资源上的锁
func (lm *LockManager) HoldsLock(txnID basic.TxnID, resource string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	info, ok := lm.lockTable[resource]
	if !ok {
		return false
	}
	return info.grantedOf(txnID) != nil
}

// HeldCount 事务持有的锁数
func (lm *LockManager) HeldCount(txnID basic.TxnID) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.txnLocks[txnID])
}

// IsEmpty 锁表为空（全部事务静止时应成立）
func (lm *LockManager) IsEmpty() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.lockTable) == 0 && len(lm.txnLocks) == 0
}
