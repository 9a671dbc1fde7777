package manager

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/storage"
)

// FlushMode 刷盘模式
type FlushMode int

const (
	// FlushLazy 写回但延迟sync
	FlushLazy FlushMode = iota
	// FlushForce 写回并立即sync
	FlushForce
)

// BufferPoolManager 固定容量的页面缓存。
//
// 相同页号的并发Fetch返回同一缓冲；准入路径由内部互斥锁串行化。
// 淘汰或刷出脏页前必须先把WAL刷到该页LSN（写前日志规则）。
type BufferPoolManager struct {
	mu        sync.Mutex
	disk      *storage.DiskManager
	logMgr    *LogManager
	frames    []*storage.Page
	pageTable map[basic.PageID]FrameID
	freeList  []FrameID
	replacer  *LRUReplacer

	fetchCount uint64
}

// NewBufferPoolManager 创建缓冲池。logMgr可为nil（仅测试）。
func NewBufferPoolManager(disk *storage.DiskManager, poolSize int, logMgr *LogManager) *BufferPoolManager {
	frames := make([]*storage.Page, poolSize)
	freeList := make([]FrameID, 0, poolSize)
	for i := poolSize - 1; i >= 0; i-- {
		frames[i] = storage.NewPage(disk.PageSize())
		freeList = append(freeList, i)
	}
	return &BufferPoolManager{
		disk:      disk,
		logMgr:    logMgr,
		frames:    frames,
		pageTable: make(map[basic.PageID]FrameID),
		freeList:  freeList,
		replacer:  NewLRUReplacer(poolSize),
	}
}

// FetchCount 自上次重置以来的页面访问次数
func (bp *BufferPoolManager) FetchCount() uint64 {
	return atomic.LoadUint64(&bp.fetchCount)
}

// ResetFetchCount 重置访问计数
func (bp *BufferPoolManager) ResetFetchCount() {
	atomic.StoreUint64(&bp.fetchCount, 0)
}

// FetchPage 取出页面并固定。调用方负责UnpinPage。
func (bp *BufferPoolManager) FetchPage(pageID basic.PageID) (*storage.Page, error) {
	atomic.AddUint64(&bp.fetchCount, 1)
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frameID, ok := bp.pageTable[pageID]; ok {
		page := bp.frames[frameID]
		bp.pin(page, frameID)
		return page, nil
	}

	frameID, err := bp.takeFrameLocked()
	if err != nil {
		return nil, err
	}
	page := bp.frames[frameID]
	page.Reset()
	if err := bp.disk.ReadPage(pageID, page.Data()); err != nil {
		bp.freeList = append(bp.freeList, frameID)
		return nil, err
	}
	page.SetID(pageID)
	bp.pageTable[pageID] = frameID
	bp.pin(page, frameID)
	return page, nil
}

// NewPage 在磁盘上分配一个新页并固定在缓冲池中
func (bp *BufferPoolManager) NewPage() (*storage.Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, err := bp.takeFrameLocked()
	if err != nil {
		return nil, err
	}
	pageID, err := bp.disk.AllocatePage()
	if err != nil {
		bp.freeList = append(bp.freeList, frameID)
		return nil, err
	}
	page := bp.frames[frameID]
	page.Reset()
	page.SetID(pageID)
	bp.pageTable[pageID] = frameID
	bp.pin(page, frameID)
	return page, nil
}

// pin 固定页面并移出淘汰候选，调用方持有bp.mu
func (bp *BufferPoolManager) pin(page *storage.Page, frameID FrameID) {
	bp.setPinCount(page, page.PinCount()+1)
	bp.replacer.Pin(frameID)
}

// takeFrameLocked 取一个空闲帧，必要时淘汰。全部固定时返回ErrBufferPoolExhausted。
func (bp *BufferPoolManager) takeFrameLocked() (FrameID, error) {
	if n := len(bp.freeList); n > 0 {
		frameID := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return frameID, nil
	}
	frameID, ok := bp.replacer.Victim()
	if !ok {
		return 0, errors.Trace(basic.ErrBufferPoolExhausted)
	}
	if err := bp.evictLocked(frameID); err != nil {
		// 淘汰失败，归还候选资格
		bp.replacer.Unpin(frameID)
		return 0, err
	}
	return frameID, nil
}

// evictLocked 驱逐帧内旧页。脏页先保证WAL刷到页LSN再写回。
func (bp *BufferPoolManager) evictLocked(frameID FrameID) error {
	page := bp.frames[frameID]
	if page.ID() == basic.InvalidPageID {
		return nil
	}
	if page.IsDirty() {
		if bp.logMgr != nil {
			if err := bp.logMgr.FlushUpTo(page.LSN()); err != nil {
				return err
			}
		}
		if err := bp.disk.WritePage(page.ID(), page.Data()); err != nil {
			return err
		}
		logger.Debugf("buffer pool: evicted dirty page %d (lsn=%d)", page.ID(), page.LSN())
	}
	delete(bp.pageTable, page.ID())
	return nil
}

// UnpinPage 解除固定并按需标脏
func (bp *BufferPoolManager) UnpinPage(pageID basic.PageID, dirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTable[pageID]
	if !ok {
		return errors.Annotatef(basic.ErrPageNotFound, "unpin page %d", pageID)
	}
	page := bp.frames[frameID]
	if page.PinCount() <= 0 {
		return errors.Annotatef(basic.ErrExecution, "unpin page %d with zero pin count", pageID)
	}
	if dirty {
		bp.setDirty(page, true)
	}
	bp.setPinCount(page, page.PinCount()-1)
	if page.PinCount() == 0 {
		bp.replacer.Unpin(frameID)
	}
	return nil
}

// FlushPage 写回指定页
func (bp *BufferPoolManager) FlushPage(pageID basic.PageID, mode FlushMode) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	frameID, ok := bp.pageTable[pageID]
	if !ok {
		return nil
	}
	return bp.flushFrameLocked(frameID, mode)
}

// FlushAll 写回全部脏页
func (bp *BufferPoolManager) FlushAll(mode FlushMode) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, frameID := range bp.pageTable {
		if err := bp.flushFrameLocked(frameID, FlushLazy); err != nil {
			return err
		}
	}
	if mode == FlushForce {
		return bp.disk.Sync()
	}
	return nil
}

func (bp *BufferPoolManager) flushFrameLocked(frameID FrameID, mode FlushMode) error {
	page := bp.frames[frameID]
	if page.ID() == basic.InvalidPageID {
		return nil
	}
	if page.IsDirty() {
		if bp.logMgr != nil {
			if err := bp.logMgr.FlushUpTo(page.LSN()); err != nil {
				return err
			}
		}
		if err := bp.disk.WritePage(page.ID(), page.Data()); err != nil {
			return err
		}
		bp.setDirty(page, false)
	}
	if mode == FlushForce {
		return bp.disk.Sync()
	}
	return nil
}

// DirtyPageTable 当前脏页表（页号→页LSN），供检查点使用
func (bp *BufferPoolManager) DirtyPageTable() map[basic.PageID]basic.LSN {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	table := make(map[basic.PageID]basic.LSN)
	for pageID, frameID := range bp.pageTable {
		page := bp.frames[frameID]
		if page.IsDirty() {
			table[pageID] = page.LSN()
		}
	}
	return table
}

// PinnedCount 当前固定页总数，供泄漏检查
func (bp *BufferPoolManager) PinnedCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	count := 0
	for _, frameID := range bp.pageTable {
		if bp.frames[frameID].PinCount() > 0 {
			count++
		}
	}
	return count
}

// setPinCount / setDirty 通过storage.Page的包内访问器维护元信息。
// Page未导出这两个字段的写入口，集中在此处修改。
func (bp *BufferPoolManager) setPinCount(page *storage.Page, count int32) {
	storage.SetPinCount(page, count)
}

func (bp *BufferPoolManager) setDirty(page *storage.Page, dirty bool) {
	storage.SetDirty(page, dirty)
}
