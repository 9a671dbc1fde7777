package heap

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/storage"
	"github.com/zhukovaskychina/xengine/tuple"
	"github.com/zhukovaskychina/xengine/util"
)

// 堆页类型相关头，紧随通用页头：
//
//	[16,24) next_page_id
//	[24,26) slot_count
//	[26,28) free_space_ptr   负载区低水位，负载从页尾向低地址增长
//	[28,32) 保留
//
// 槽目录从32起，每槽4字节（offset u16, len u16），len为0表示墓碑。
const (
	heapNextPageOffset  = storage.PageHeaderSize
	heapSlotCountOffset = storage.PageHeaderSize + 8
	heapFreePtrOffset   = storage.PageHeaderSize + 10
	heapSlotArrayOffset = storage.PageHeaderSize + 16
	slotSize            = 4
)

// heapPageHeader 堆页头
type heapPageHeader struct {
	nextPageID basic.PageID
	slotCount  uint16
	freePtr    uint16
}

func readHeapHeader(page *storage.Page) heapPageHeader {
	_, next := util.ReadUB8(page.Data(), heapNextPageOffset)
	_, count := util.ReadUB2(page.Data(), heapSlotCountOffset)
	_, freePtr := util.ReadUB2(page.Data(), heapFreePtrOffset)
	return heapPageHeader{
		nextPageID: basic.PageID(next),
		slotCount:  count,
		freePtr:    freePtr,
	}
}

func encodeHeapHeader(header heapPageHeader) []byte {
	buf := make([]byte, 0, 12)
	buf = util.WriteUB8(buf, uint64(header.nextPageID))
	buf = util.WriteUB2(buf, header.slotCount)
	buf = util.WriteUB2(buf, header.freePtr)
	return buf
}

// heapSlot 槽目录项
type heapSlot struct {
	offset uint16
	length uint16
}

func slotPosition(index uint16) int {
	return heapSlotArrayOffset + int(index)*slotSize
}

func readSlot(page *storage.Page, index uint16) heapSlot {
	pos := slotPosition(index)
	_, offset := util.ReadUB2(page.Data(), pos)
	_, length := util.ReadUB2(page.Data(), pos+2)
	return heapSlot{offset: offset, length: length}
}

func encodeSlot(slot heapSlot) []byte {
	buf := make([]byte, 0, slotSize)
	buf = util.WriteUB2(buf, slot.offset)
	buf = util.WriteUB2(buf, slot.length)
	return buf
}

// RowItem 扫描产出：RID与解码后的元组
type RowItem struct {
	RID   basic.RID
	Tuple *tuple.Tuple
}

// TableHeap 一张表的槽式堆页链
type TableHeap struct {
	bufferPool  *manager.BufferPoolManager
	blobStore   *BlobStore
	firstPageID basic.PageID
	inlineLimit int
	// 追加位置提示，纯内存，不持久化
	lastPageID basic.PageID
}

// CreateTableHeap 在事务下创建堆并初始化首页
func CreateTableHeap(ctx *manager.TxnContext, bufferPool *manager.BufferPoolManager, inlineLimit int) (*TableHeap, error) {
	heap := &TableHeap{
		bufferPool:  bufferPool,
		blobStore:   NewBlobStore(bufferPool),
		inlineLimit: inlineLimit,
	}
	pageID, err := heap.allocatePage(ctx)
	if err != nil {
		return nil, err
	}
	heap.firstPageID = pageID
	return heap, nil
}

// LoadTableHeap 按目录中的根页装载已有堆
func LoadTableHeap(bufferPool *manager.BufferPoolManager, firstPageID basic.PageID, inlineLimit int) *TableHeap {
	return &TableHeap{
		bufferPool:  bufferPool,
		blobStore:   NewBlobStore(bufferPool),
		firstPageID: firstPageID,
		inlineLimit: inlineLimit,
	}
}

// FirstPageID 堆首页
func (h *TableHeap) FirstPageID() basic.PageID {
	return h.firstPageID
}

// BlobStore 该堆使用的大对象存储
func (h *TableHeap) BlobStore() *BlobStore {
	return h.blobStore
}

// allocatePage 分配并初始化一个空堆页
func (h *TableHeap) allocatePage(ctx *manager.TxnContext) (basic.PageID, error) {
	page, err := h.bufferPool.NewPage()
	if err != nil {
		return basic.InvalidPageID, err
	}
	pageID := page.ID()
	if err := ctx.LockPage(pageID, manager.LockExclusive); err != nil {
		h.bufferPool.UnpinPage(pageID, false)
		return basic.InvalidPageID, err
	}

	page.Lock()
	err = func() error {
		// 类型字节与堆页头作为一次写入记日志，重做可完整重建空页
		init := make([]byte, 0, 24)
		init = util.WriteByte(init, byte(basic.PageTypeHeap))
		init = util.WriteBytes(init, make([]byte, 7)) // 保留区
		header := heapPageHeader{freePtr: uint16(page.Size())}
		init = util.WriteBytes(init, encodeHeapHeader(header))
		init = util.WriteBytes(init, make([]byte, 4))
		return ctx.WritePageLogged(page, storage.PageTypeOffset, init)
	}()
	page.Unlock()

	if unpinErr := h.bufferPool.UnpinPage(pageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		return basic.InvalidPageID, err
	}
	return pageID, nil
}

// availableSpace 为新元组保留槽位后的可用负载空间
func availableSpace(page *storage.Page, header heapPageHeader) int {
	slotArrayEnd := slotPosition(header.slotCount) + slotSize
	return int(header.freePtr) - slotArrayEnd
}

// InsertTuple 追加元组，返回RID。目标页取X锁。
func (h *TableHeap) InsertTuple(ctx *manager.TxnContext, columnTypes []tuple.ValueType, t *tuple.Tuple) (basic.RID, error) {
	if ctx == nil || ctx.Txn() == nil {
		return basic.RID{}, errors.Trace(basic.ErrNoActiveTransaction)
	}
	encoded, err := tuple.Encode(t, columnTypes, h.inlineLimit, h.blobStore)
	if err != nil {
		return basic.RID{}, err
	}

	currentPageID := h.firstPageID
	if h.lastPageID != basic.InvalidPageID {
		currentPageID = h.lastPageID
	}
	for {
		if err := ctx.LockPage(currentPageID, manager.LockExclusive); err != nil {
			return basic.RID{}, err
		}
		page, err := h.bufferPool.FetchPage(currentPageID)
		if err != nil {
			return basic.RID{}, err
		}

		page.Lock()
		header := readHeapHeader(page)
		var rid basic.RID
		inserted := false
		if availableSpace(page, header) >= len(encoded) {
			payloadOffset := int(header.freePtr) - len(encoded)
			slotIndex := header.slotCount
			err = func() error {
				if err := ctx.WritePageLogged(page, payloadOffset, encoded); err != nil {
					return err
				}
				slot := heapSlot{offset: uint16(payloadOffset), length: uint16(len(encoded))}
				if err := ctx.WritePageLogged(page, slotPosition(slotIndex), encodeSlot(slot)); err != nil {
					return err
				}
				header.slotCount++
				header.freePtr = uint16(payloadOffset)
				return ctx.WritePageLogged(page, heapNextPageOffset, encodeHeapHeader(header))
			}()
			if err == nil {
				rid = basic.RID{PageID: currentPageID, Slot: slotIndex}
				inserted = true
			}
		}
		nextPageID := header.nextPageID
		page.Unlock()

		if unpinErr := h.bufferPool.UnpinPage(currentPageID, inserted); unpinErr != nil && err == nil {
			err = unpinErr
		}
		if err != nil {
			return basic.RID{}, err
		}
		if inserted {
			h.lastPageID = rid.PageID
			return rid, nil
		}

		if nextPageID == basic.InvalidPageID {
			newPageID, err := h.allocatePage(ctx)
			if err != nil {
				return basic.RID{}, err
			}
			if err := h.linkNextPage(ctx, currentPageID, newPageID); err != nil {
				return basic.RID{}, err
			}
			currentPageID = newPageID
		} else {
			currentPageID = nextPageID
		}
	}
}

// linkNextPage 将newPageID挂到page的链尾指针（仅当仍为空）
func (h *TableHeap) linkNextPage(ctx *manager.TxnContext, pageID, newPageID basic.PageID) error {
	page, err := h.bufferPool.FetchPage(pageID)
	if err != nil {
		return err
	}
	page.Lock()
	header := readHeapHeader(page)
	dirty := false
	if header.nextPageID == basic.InvalidPageID {
		header.nextPageID = newPageID
		err = ctx.WritePageLogged(page, heapNextPageOffset, encodeHeapHeader(header))
		dirty = err == nil
	}
	page.Unlock()
	if unpinErr := h.bufferPool.UnpinPage(pageID, dirty); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return err
}

// GetTuple 读取RID处的元组。行取S锁，墓碑返回nil。
func (h *TableHeap) GetTuple(ctx *manager.TxnContext, columnTypes []tuple.ValueType, rid basic.RID) (*tuple.Tuple, error) {
	if ctx != nil && ctx.Txn() != nil {
		if err := ctx.LockRow(rid.PageID, rid.Slot, manager.LockShared); err != nil {
			return nil, err
		}
	}
	page, err := h.bufferPool.FetchPage(rid.PageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	var encoded []byte
	header := readHeapHeader(page)
	if rid.Slot < header.slotCount {
		slot := readSlot(page, rid.Slot)
		if slot.length != 0 {
			data, ok := page.ReadBytes(int(slot.offset), int(slot.length))
			if ok {
				encoded = append([]byte(nil), data...)
			}
		}
	}
	page.RUnlock()
	if err := h.bufferPool.UnpinPage(rid.PageID, false); err != nil {
		return nil, err
	}
	if encoded == nil {
		return nil, nil
	}
	return tuple.Decode(encoded, columnTypes, h.blobStore)
}

// DeleteTuple 打墓碑。行取X锁，槽目录保持密实，RID不被改写。
func (h *TableHeap) DeleteTuple(ctx *manager.TxnContext, rid basic.RID) (bool, error) {
	if ctx == nil || ctx.Txn() == nil {
		return false, errors.Trace(basic.ErrNoActiveTransaction)
	}
	if err := ctx.LockRow(rid.PageID, rid.Slot, manager.LockExclusive); err != nil {
		return false, err
	}
	page, err := h.bufferPool.FetchPage(rid.PageID)
	if err != nil {
		return false, err
	}
	page.Lock()
	deleted := false
	header := readHeapHeader(page)
	if rid.Slot < header.slotCount {
		slot := readSlot(page, rid.Slot)
		if slot.length != 0 {
			slot.length = 0
			err = ctx.WritePageLogged(page, slotPosition(rid.Slot), encodeSlot(slot))
			deleted = err == nil
		}
	}
	page.Unlock()
	if unpinErr := h.bufferPool.UnpinPage(rid.PageID, deleted); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return deleted, err
}

// UpdateTuple 更新RID处的元组。
// 新编码放得进原槽时原地覆写，RID不变；否则打墓碑并重插，返回新RID与moved=true。
func (h *TableHeap) UpdateTuple(ctx *manager.TxnContext, columnTypes []tuple.ValueType,
	rid basic.RID, t *tuple.Tuple) (basic.RID, bool, error) {
	if ctx == nil || ctx.Txn() == nil {
		return basic.RID{}, false, errors.Trace(basic.ErrNoActiveTransaction)
	}
	encoded, err := tuple.Encode(t, columnTypes, h.inlineLimit, h.blobStore)
	if err != nil {
		return basic.RID{}, false, err
	}
	if err := ctx.LockRow(rid.PageID, rid.Slot, manager.LockExclusive); err != nil {
		return basic.RID{}, false, err
	}

	page, err := h.bufferPool.FetchPage(rid.PageID)
	if err != nil {
		return basic.RID{}, false, err
	}
	page.Lock()
	updated := false
	needsMove := false
	header := readHeapHeader(page)
	if rid.Slot >= header.slotCount {
		err = errors.Annotatef(basic.ErrExecution, "update slot %d out of range", rid.Slot)
	} else {
		slot := readSlot(page, rid.Slot)
		if slot.length == 0 {
			err = errors.Annotatef(basic.ErrExecution, "update of deleted tuple at %s", rid)
		} else if len(encoded) <= int(slot.length) {
			// 临界场合优先走原地路径，避免RID漂移
			err = func() error {
				if err := ctx.WritePageLogged(page, int(slot.offset), encoded); err != nil {
					return err
				}
				slot.length = uint16(len(encoded))
				return ctx.WritePageLogged(page, slotPosition(rid.Slot), encodeSlot(slot))
			}()
			updated = err == nil
		} else {
			needsMove = true
		}
	}
	page.Unlock()
	if unpinErr := h.bufferPool.UnpinPage(rid.PageID, updated); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		return basic.RID{}, false, err
	}
	if updated {
		return rid, false, nil
	}
	if needsMove {
		if _, err := h.DeleteTuple(ctx, rid); err != nil {
			return basic.RID{}, false, err
		}
		newRID, err := h.InsertTuple(ctx, columnTypes, t)
		if err != nil {
			return basic.RID{}, false, err
		}
		return newRID, true, nil
	}
	return rid, false, nil
}

// Scan 全堆扫描，访问页取S锁。
// 页内按槽号升序，跨页按链序（页号分配序）产出活元组。
func (h *TableHeap) Scan(ctx *manager.TxnContext, columnTypes []tuple.ValueType) ([]RowItem, error) {
	var output []RowItem
	currentPageID := h.firstPageID
	for currentPageID != basic.InvalidPageID {
		if ctx != nil && ctx.Txn() != nil {
			if err := ctx.LockPage(currentPageID, manager.LockShared); err != nil {
				return nil, err
			}
		}
		page, err := h.bufferPool.FetchPage(currentPageID)
		if err != nil {
			return nil, err
		}
		page.RLock()
		header := readHeapHeader(page)
		type rawRow struct {
			rid  basic.RID
			data []byte
		}
		var raws []rawRow
		for slotIndex := uint16(0); slotIndex < header.slotCount; slotIndex++ {
			slot := readSlot(page, slotIndex)
			if slot.length == 0 {
				continue
			}
			data, ok := page.ReadBytes(int(slot.offset), int(slot.length))
			if !ok {
				continue
			}
			raws = append(raws, rawRow{
				rid:  basic.RID{PageID: currentPageID, Slot: slotIndex},
				data: append([]byte(nil), data...),
			})
		}
		nextPageID := header.nextPageID
		page.RUnlock()
		if err := h.bufferPool.UnpinPage(currentPageID, false); err != nil {
			return nil, err
		}
		for _, raw := range raws {
			decoded, err := tuple.Decode(raw.data, columnTypes, h.blobStore)
			if err != nil {
				return nil, err
			}
			output = append(output, RowItem{RID: raw.rid, Tuple: decoded})
		}
		currentPageID = nextPageID
	}
	return output, nil
}
