package index

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/storage"
	"github.com/zhukovaskychina/xengine/util"
)

// 头页类型相关头：
//
//	[16,24) root_page_id
//	[24,25) 成分数
//	[25,27) key_size
//	[27,28) unique
//	[28,30) text_size
//	[30,46) 成分类型表
//
// 叶子页：
//
//	[16,24) parent  [24,32) next_leaf  [32,34) key_count
//	条目自40起：键编码 + RID(u64页号+u16槽位)
//
// 内部页：
//
//	[16,24) parent  [24,32) 最左子页  [32,34) key_count
//	条目自40起：键编码 + u64子页号
const (
	headerRootOffset      = storage.PageHeaderSize
	headerComponentOffset = storage.PageHeaderSize + 8
	headerKeySizeOffset   = storage.PageHeaderSize + 9
	headerUniqueOffset    = storage.PageHeaderSize + 11
	headerTextSizeOffset  = storage.PageHeaderSize + 12
	headerKindsOffset     = storage.PageHeaderSize + 14

	nodeParentOffset  = storage.PageHeaderSize
	nodeSpecialOffset = storage.PageHeaderSize + 8
	nodeCountOffset   = storage.PageHeaderSize + 16
	nodeEntryOffset   = storage.PageHeaderSize + 24

	ridEncodedSize = 10
)

// KeyRID 键与指向的记录
type KeyRID struct {
	Key IndexKey
	RID basic.RID
}

// BTree 单列或组合键的B+树二级索引。
// 叶子单向链接成键序全序；非唯一索引叶子条目保存完整(key, RID)对。
type BTree struct {
	bufferPool   *manager.BufferPoolManager
	headerPageID basic.PageID
	layout       KeyLayout
	unique       bool
	keySize      int
}

// CreateBTree 创建索引：头页+空叶根
func CreateBTree(ctx *manager.TxnContext, bufferPool *manager.BufferPoolManager,
	layout KeyLayout, unique bool) (*BTree, error) {
	if len(layout.Kinds) == 0 || len(layout.Kinds) > maxKeyComponents {
		return nil, errors.Annotatef(basic.ErrInvalidKey, "index key has %d components", len(layout.Kinds))
	}
	if layout.TextSize <= 0 {
		layout.TextSize = DefaultTextKeySize
	}
	tree := &BTree{
		bufferPool: bufferPool,
		layout:     layout,
		unique:     unique,
		keySize:    layout.KeySize(),
	}

	headerPage, err := bufferPool.NewPage()
	if err != nil {
		return nil, err
	}
	tree.headerPageID = headerPage.ID()

	rootPage, err := bufferPool.NewPage()
	if err != nil {
		bufferPool.UnpinPage(tree.headerPageID, false)
		return nil, err
	}
	rootPageID := rootPage.ID()

	rootPage.Lock()
	err = tree.writeLeaf(ctx, rootPage, &leafNode{})
	rootPage.Unlock()
	if unpinErr := bufferPool.UnpinPage(rootPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		bufferPool.UnpinPage(tree.headerPageID, false)
		return nil, err
	}

	headerPage.Lock()
	err = tree.writeHeader(ctx, headerPage, rootPageID)
	headerPage.Unlock()
	if unpinErr := bufferPool.UnpinPage(tree.headerPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// LoadBTree 从头页装载既有索引
func LoadBTree(bufferPool *manager.BufferPoolManager, headerPageID basic.PageID) (*BTree, error) {
	page, err := bufferPool.FetchPage(headerPageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	if page.PageType() != basic.PageTypeBTreeHeader {
		page.RUnlock()
		bufferPool.UnpinPage(headerPageID, false)
		return nil, errors.Annotatef(basic.ErrInvalidPageType,
			"page %d is %s, expected BTREE_HEADER", headerPageID, page.PageType())
	}
	data := page.Data()
	_, componentCount := util.ReadByte(data, headerComponentOffset)
	_, unique := util.ReadByte(data, headerUniqueOffset)
	_, textSize := util.ReadUB2(data, headerTextSizeOffset)
	kinds := make([]KeyKind, componentCount)
	for i := range kinds {
		kinds[i] = KeyKind(data[headerKindsOffset+i])
	}
	page.RUnlock()
	if err := bufferPool.UnpinPage(headerPageID, false); err != nil {
		return nil, err
	}

	layout := KeyLayout{Kinds: kinds, TextSize: int(textSize)}
	return &BTree{
		bufferPool:   bufferPool,
		headerPageID: headerPageID,
		layout:       layout,
		unique:       unique != 0,
		keySize:      layout.KeySize(),
	}, nil
}

// HeaderPageID 头页页号（目录持久化用）
func (t *BTree) HeaderPageID() basic.PageID {
	return t.headerPageID
}

// Unique 唯一索引标记
func (t *BTree) Unique() bool {
	return t.unique
}

// Layout 键布局
func (t *BTree) Layout() KeyLayout {
	return t.layout
}

func (t *BTree) writeHeader(ctx *manager.TxnContext, page *storage.Page, rootPageID basic.PageID) error {
	buf := make([]byte, 0, 38)
	buf = util.WriteByte(buf, byte(basic.PageTypeBTreeHeader))
	buf = util.WriteBytes(buf, make([]byte, 7))
	buf = util.WriteUB8(buf, uint64(rootPageID))
	buf = util.WriteByte(buf, byte(len(t.layout.Kinds)))
	buf = util.WriteUB2(buf, uint16(t.keySize))
	buf = util.WriteByte(buf, util.ConvertBool2Byte(t.unique))
	buf = util.WriteUB2(buf, uint16(t.layout.TextSize))
	kinds := make([]byte, maxKeyComponents)
	for i, kind := range t.layout.Kinds {
		kinds[i] = byte(kind)
	}
	buf = util.WriteBytes(buf, kinds)
	return ctx.WritePageLogged(page, storage.PageTypeOffset, buf)
}

// rootPageID 读头页取当前根
func (t *BTree) rootPageID() (basic.PageID, error) {
	page, err := t.bufferPool.FetchPage(t.headerPageID)
	if err != nil {
		return basic.InvalidPageID, err
	}
	page.RLock()
	_, root := util.ReadUB8(page.Data(), headerRootOffset)
	page.RUnlock()
	if err := t.bufferPool.UnpinPage(t.headerPageID, false); err != nil {
		return basic.InvalidPageID, err
	}
	return basic.PageID(root), nil
}

// setRootPageID 更新头页根指针
func (t *BTree) setRootPageID(ctx *manager.TxnContext, rootPageID basic.PageID) error {
	page, err := t.bufferPool.FetchPage(t.headerPageID)
	if err != nil {
		return err
	}
	page.Lock()
	err = ctx.WritePageLogged(page, headerRootOffset, util.WriteUB8(nil, uint64(rootPageID)))
	page.Unlock()
	if unpinErr := t.bufferPool.UnpinPage(t.headerPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return err
}

// ---- 节点编解码 ----

type leafEntry struct {
	key IndexKey
	rid basic.RID
}

type leafNode struct {
	parent  basic.PageID
	next    basic.PageID
	entries []leafEntry
}

type internalEntry struct {
	key   IndexKey
	child basic.PageID
}

type internalNode struct {
	parent   basic.PageID
	leftmost basic.PageID
	entries  []internalEntry
}

func (t *BTree) leafEntrySize() int {
	return t.keySize + ridEncodedSize
}

func (t *BTree) internalEntrySize() int {
	return t.keySize + 8
}

// maxLeafEntries 叶子容量
func (t *BTree) maxLeafEntries(pageSize int) int {
	return (pageSize - nodeEntryOffset) / t.leafEntrySize()
}

func (t *BTree) maxInternalEntries(pageSize int) int {
	return (pageSize - nodeEntryOffset) / t.internalEntrySize()
}

func (t *BTree) readLeaf(page *storage.Page) *leafNode {
	data := page.Data()
	_, parent := util.ReadUB8(data, nodeParentOffset)
	_, next := util.ReadUB8(data, nodeSpecialOffset)
	_, count := util.ReadUB2(data, nodeCountOffset)
	node := &leafNode{
		parent:  basic.PageID(parent),
		next:    basic.PageID(next),
		entries: make([]leafEntry, 0, count),
	}
	entrySize := t.leafEntrySize()
	for i := 0; i < int(count); i++ {
		base := nodeEntryOffset + i*entrySize
		key := DecodeKey(data[base:base+t.keySize], t.layout)
		_, pageID := util.ReadUB8(data, base+t.keySize)
		_, slot := util.ReadUB2(data, base+t.keySize+8)
		node.entries = append(node.entries, leafEntry{
			key: key,
			rid: basic.RID{PageID: basic.PageID(pageID), Slot: slot},
		})
	}
	return node
}

// writeLeaf 整节点落页（类型+头+条目区一次记日志）
func (t *BTree) writeLeaf(ctx *manager.TxnContext, page *storage.Page, node *leafNode) error {
	buf := make([]byte, 0, nodeEntryOffset-storage.PageTypeOffset+len(node.entries)*t.leafEntrySize())
	buf = util.WriteByte(buf, byte(basic.PageTypeBTreeLeaf))
	buf = util.WriteBytes(buf, make([]byte, 7))
	buf = util.WriteUB8(buf, uint64(node.parent))
	buf = util.WriteUB8(buf, uint64(node.next))
	buf = util.WriteUB2(buf, uint16(len(node.entries)))
	buf = util.WriteBytes(buf, make([]byte, 6))
	for _, entry := range node.entries {
		encoded, err := entry.key.Encode(t.layout)
		if err != nil {
			return err
		}
		buf = util.WriteBytes(buf, encoded)
		buf = util.WriteUB8(buf, uint64(entry.rid.PageID))
		buf = util.WriteUB2(buf, entry.rid.Slot)
	}
	return ctx.WritePageLogged(page, storage.PageTypeOffset, buf)
}

func (t *BTree) readInternal(page *storage.Page) *internalNode {
	data := page.Data()
	_, parent := util.ReadUB8(data, nodeParentOffset)
	_, leftmost := util.ReadUB8(data, nodeSpecialOffset)
	_, count := util.ReadUB2(data, nodeCountOffset)
	node := &internalNode{
		parent:   basic.PageID(parent),
		leftmost: basic.PageID(leftmost),
		entries:  make([]internalEntry, 0, count),
	}
	entrySize := t.internalEntrySize()
	for i := 0; i < int(count); i++ {
		base := nodeEntryOffset + i*entrySize
		key := DecodeKey(data[base:base+t.keySize], t.layout)
		_, child := util.ReadUB8(data, base+t.keySize)
		node.entries = append(node.entries, internalEntry{key: key, child: basic.PageID(child)})
	}
	return node
}

func (t *BTree) writeInternal(ctx *manager.TxnContext, page *storage.Page, node *internalNode) error {
	buf := make([]byte, 0, nodeEntryOffset-storage.PageTypeOffset+len(node.entries)*t.internalEntrySize())
	buf = util.WriteByte(buf, byte(basic.PageTypeBTreeInternal))
	buf = util.WriteBytes(buf, make([]byte, 7))
	buf = util.WriteUB8(buf, uint64(node.parent))
	buf = util.WriteUB8(buf, uint64(node.leftmost))
	buf = util.WriteUB2(buf, uint16(len(node.entries)))
	buf = util.WriteBytes(buf, make([]byte, 6))
	for _, entry := range node.entries {
		encoded, err := entry.key.Encode(t.layout)
		if err != nil {
			return err
		}
		buf = util.WriteBytes(buf, encoded)
		buf = util.WriteUB8(buf, uint64(entry.child))
	}
	return ctx.WritePageLogged(page, storage.PageTypeOffset, buf)
}

// ---- 下降 ----

// findLeaf 下降到可能包含key的叶子，返回叶子页号与经过的内部页路径
func (t *BTree) findLeaf(key IndexKey, leftmostOnly bool) (basic.PageID, []basic.PageID, error) {
	current, err := t.rootPageID()
	if err != nil {
		return basic.InvalidPageID, nil, err
	}
	var path []basic.PageID
	for {
		page, err := t.bufferPool.FetchPage(current)
		if err != nil {
			return basic.InvalidPageID, nil, err
		}
		page.RLock()
		pageType := page.PageType()
		if pageType == basic.PageTypeBTreeLeaf {
			page.RUnlock()
			if err := t.bufferPool.UnpinPage(current, false); err != nil {
				return basic.InvalidPageID, nil, err
			}
			return current, path, nil
		}
		if pageType != basic.PageTypeBTreeInternal {
			page.RUnlock()
			t.bufferPool.UnpinPage(current, false)
			return basic.InvalidPageID, nil, errors.Annotatef(basic.ErrInvalidPageType,
				"page %d is %s inside btree", current, pageType)
		}
		node := t.readInternal(page)
		page.RUnlock()
		if err := t.bufferPool.UnpinPage(current, false); err != nil {
			return basic.InvalidPageID, nil, err
		}

		path = append(path, current)
		next := node.leftmost
		if !leftmostOnly {
			// 严格小于：与分隔键相等时走左侧，等键连续段沿叶链向右延续
			for _, entry := range node.entries {
				if entry.key.Compare(key) < 0 {
					next = entry.child
				} else {
					break
				}
			}
		}
		current = next
	}
}

// Insert 插入(key, rid)。唯一索引键重复返回ErrDuplicateKey。
func (t *BTree) Insert(ctx *manager.TxnContext, key IndexKey, rid basic.RID) error {
	if ctx == nil || ctx.Txn() == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	leafPageID, path, err := t.findLeaf(key, false)
	if err != nil {
		return err
	}
	if err := ctx.LockPage(leafPageID, manager.LockExclusive); err != nil {
		return err
	}

	page, err := t.bufferPool.FetchPage(leafPageID)
	if err != nil {
		return err
	}
	page.Lock()
	node := t.readLeaf(page)

	if t.unique {
		duplicate := false
		sawGreater := false
		for _, entry := range node.entries {
			cmp := entry.key.Compare(key)
			if cmp == 0 {
				duplicate = true
				break
			}
			if cmp > 0 {
				sawGreater = true
				break
			}
		}
		if !duplicate && !sawGreater && node.next != basic.InvalidPageID {
			// 键可能正好是下一叶的首键（等于上层分隔键的情形）
			dup, err := t.firstKeyEquals(node.next, key)
			if err != nil {
				page.Unlock()
				t.bufferPool.UnpinPage(leafPageID, false)
				return err
			}
			duplicate = dup
		}
		if duplicate {
			page.Unlock()
			t.bufferPool.UnpinPage(leafPageID, false)
			return errors.Annotatef(basic.ErrDuplicateKey, "key %s", key)
		}
	}

	// 有序位置插入，同键按RID续序
	insertAt := len(node.entries)
	for i, entry := range node.entries {
		cmp := entry.key.Compare(key)
		if cmp > 0 || (cmp == 0 && !entry.rid.Less(rid)) {
			insertAt = i
			break
		}
	}
	node.entries = append(node.entries, leafEntry{})
	copy(node.entries[insertAt+1:], node.entries[insertAt:])
	node.entries[insertAt] = leafEntry{key: key, rid: rid}

	if len(node.entries) <= t.maxLeafEntries(page.Size()) {
		err = t.writeLeaf(ctx, page, node)
		page.Unlock()
		if unpinErr := t.bufferPool.UnpinPage(leafPageID, err == nil); unpinErr != nil && err == nil {
			err = unpinErr
		}
		return err
	}

	// 叶子分裂：按条数对半，右半迁新页，右叶首键上提为分隔键
	mid := len(node.entries) / 2
	rightEntries := append([]leafEntry(nil), node.entries[mid:]...)
	node.entries = node.entries[:mid]

	rightPage, err := t.bufferPool.NewPage()
	if err != nil {
		page.Unlock()
		t.bufferPool.UnpinPage(leafPageID, false)
		return err
	}
	rightPageID := rightPage.ID()
	if err := ctx.LockPage(rightPageID, manager.LockExclusive); err != nil {
		page.Unlock()
		t.bufferPool.UnpinPage(leafPageID, false)
		t.bufferPool.UnpinPage(rightPageID, false)
		return err
	}
	rightNode := &leafNode{parent: node.parent, next: node.next, entries: rightEntries}
	node.next = rightPageID

	rightPage.Lock()
	err = t.writeLeaf(ctx, rightPage, rightNode)
	rightPage.Unlock()
	if unpinErr := t.bufferPool.UnpinPage(rightPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		page.Unlock()
		t.bufferPool.UnpinPage(leafPageID, false)
		return err
	}

	err = t.writeLeaf(ctx, page, node)
	page.Unlock()
	if unpinErr := t.bufferPool.UnpinPage(leafPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		return err
	}

	separator := rightEntries[0].key
	return t.insertIntoParent(ctx, path, leafPageID, separator, rightPageID)
}

// firstKeyEquals 下一叶首键是否等于key
func (t *BTree) firstKeyEquals(leafPageID basic.PageID, key IndexKey) (bool, error) {
	page, err := t.bufferPool.FetchPage(leafPageID)
	if err != nil {
		return false, err
	}
	page.RLock()
	node := t.readLeaf(page)
	page.RUnlock()
	if err := t.bufferPool.UnpinPage(leafPageID, false); err != nil {
		return false, err
	}
	return len(node.entries) > 0 && node.entries[0].key.Equal(key), nil
}

// insertIntoParent 分裂上推。path为下降经过的内部页，尾部是直接父节点。
func (t *BTree) insertIntoParent(ctx *manager.TxnContext, path []basic.PageID,
	leftPageID basic.PageID, separator IndexKey, rightPageID basic.PageID) error {
	if len(path) == 0 {
		// 根分裂：新建内部根
		rootPage, err := t.bufferPool.NewPage()
		if err != nil {
			return err
		}
		rootPageID := rootPage.ID()
		if err := ctx.LockPage(rootPageID, manager.LockExclusive); err != nil {
			t.bufferPool.UnpinPage(rootPageID, false)
			return err
		}
		rootNode := &internalNode{
			leftmost: leftPageID,
			entries:  []internalEntry{{key: separator, child: rightPageID}},
		}
		rootPage.Lock()
		err = t.writeInternal(ctx, rootPage, rootNode)
		rootPage.Unlock()
		if unpinErr := t.bufferPool.UnpinPage(rootPageID, err == nil); unpinErr != nil && err == nil {
			err = unpinErr
		}
		if err != nil {
			return err
		}
		if err := t.updateParentPointer(ctx, leftPageID, rootPageID); err != nil {
			return err
		}
		if err := t.updateParentPointer(ctx, rightPageID, rootPageID); err != nil {
			return err
		}
		return t.setRootPageID(ctx, rootPageID)
	}

	parentPageID := path[len(path)-1]
	remaining := path[:len(path)-1]
	if err := ctx.LockPage(parentPageID, manager.LockExclusive); err != nil {
		return err
	}
	page, err := t.bufferPool.FetchPage(parentPageID)
	if err != nil {
		return err
	}
	page.Lock()
	node := t.readInternal(page)

	insertAt := len(node.entries)
	for i, entry := range node.entries {
		if entry.key.Compare(separator) > 0 {
			insertAt = i
			break
		}
	}
	node.entries = append(node.entries, internalEntry{})
	copy(node.entries[insertAt+1:], node.entries[insertAt:])
	node.entries[insertAt] = internalEntry{key: separator, child: rightPageID}

	if len(node.entries) <= t.maxInternalEntries(page.Size()) {
		err = t.writeInternal(ctx, page, node)
		page.Unlock()
		if unpinErr := t.bufferPool.UnpinPage(parentPageID, err == nil); unpinErr != nil && err == nil {
			err = unpinErr
		}
		return err
	}

	// 内部分裂：中间键整体上提，不留在任一半
	mid := len(node.entries) / 2
	promoted := node.entries[mid].key
	rightNode := &internalNode{
		parent:   node.parent,
		leftmost: node.entries[mid].child,
		entries:  append([]internalEntry(nil), node.entries[mid+1:]...),
	}
	node.entries = node.entries[:mid]

	rightPage, err := t.bufferPool.NewPage()
	if err != nil {
		page.Unlock()
		t.bufferPool.UnpinPage(parentPageID, false)
		return err
	}
	newRightID := rightPage.ID()
	if err := ctx.LockPage(newRightID, manager.LockExclusive); err != nil {
		page.Unlock()
		t.bufferPool.UnpinPage(parentPageID, false)
		t.bufferPool.UnpinPage(newRightID, false)
		return err
	}

	rightPage.Lock()
	err = t.writeInternal(ctx, rightPage, rightNode)
	rightPage.Unlock()
	if unpinErr := t.bufferPool.UnpinPage(newRightID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		page.Unlock()
		t.bufferPool.UnpinPage(parentPageID, false)
		return err
	}

	err = t.writeInternal(ctx, page, node)
	page.Unlock()
	if unpinErr := t.bufferPool.UnpinPage(parentPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		return err
	}

	// 迁移子节点的parent指针
	if err := t.updateParentPointer(ctx, rightNode.leftmost, newRightID); err != nil {
		return err
	}
	for _, entry := range rightNode.entries {
		if err := t.updateParentPointer(ctx, entry.child, newRightID); err != nil {
			return err
		}
	}

	return t.insertIntoParent(ctx, remaining, parentPageID, promoted, newRightID)
}

// updateParentPointer 改写子页的parent字段
func (t *BTree) updateParentPointer(ctx *manager.TxnContext, childPageID, parentPageID basic.PageID) error {
	page, err := t.bufferPool.FetchPage(childPageID)
	if err != nil {
		return err
	}
	page.Lock()
	err = ctx.WritePageLogged(page, nodeParentOffset, util.WriteUB8(nil, uint64(parentPageID)))
	page.Unlock()
	if unpinErr := t.bufferPool.UnpinPage(childPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return err
}

// Search 等值查找，返回该键全部RID（唯一索引至多一个）
func (t *BTree) Search(ctx *manager.TxnContext, key IndexKey) ([]basic.RID, error) {
	leafPageID, _, err := t.findLeaf(key, false)
	if err != nil {
		return nil, err
	}
	var rids []basic.RID
	current := leafPageID
	for current != basic.InvalidPageID {
		if ctx != nil && ctx.Txn() != nil {
			if err := ctx.LockPage(current, manager.LockShared); err != nil {
				return nil, err
			}
		}
		page, err := t.bufferPool.FetchPage(current)
		if err != nil {
			return nil, err
		}
		page.RLock()
		node := t.readLeaf(page)
		page.RUnlock()
		if err := t.bufferPool.UnpinPage(current, false); err != nil {
			return nil, err
		}

		pastKey := false
		for _, entry := range node.entries {
			cmp := entry.key.Compare(key)
			if cmp == 0 {
				rids = append(rids, entry.rid)
			} else if cmp > 0 {
				pastKey = true
				break
			}
		}
		if pastKey || node.next == basic.InvalidPageID {
			break
		}
		// 键可能延续到下一叶
		current = node.next
	}
	return rids, nil
}

// Delete 删除精确的(key, rid)对，无合并（占用衰减交由Rebuild处理）
func (t *BTree) Delete(ctx *manager.TxnContext, key IndexKey, rid basic.RID) (bool, error) {
	if ctx == nil || ctx.Txn() == nil {
		return false, errors.Trace(basic.ErrNoActiveTransaction)
	}
	leafPageID, _, err := t.findLeaf(key, false)
	if err != nil {
		return false, err
	}
	current := leafPageID
	for current != basic.InvalidPageID {
		if err := ctx.LockPage(current, manager.LockExclusive); err != nil {
			return false, err
		}
		page, err := t.bufferPool.FetchPage(current)
		if err != nil {
			return false, err
		}
		page.Lock()
		node := t.readLeaf(page)
		removed := false
		pastKey := false
		for i, entry := range node.entries {
			cmp := entry.key.Compare(key)
			if cmp == 0 && entry.rid == rid {
				node.entries = append(node.entries[:i], node.entries[i+1:]...)
				removed = true
				break
			}
			if cmp > 0 {
				pastKey = true
				break
			}
		}
		if removed {
			err = t.writeLeaf(ctx, page, node)
		}
		next := node.next
		page.Unlock()
		if unpinErr := t.bufferPool.UnpinPage(current, removed); unpinErr != nil && err == nil {
			err = unpinErr
		}
		if err != nil {
			return false, err
		}
		if removed {
			return true, nil
		}
		if pastKey {
			return false, nil
		}
		current = next
	}
	return false, nil
}

// Range 区间扫描：沿叶链自low起步，越过high即止。nil边界表示开放端。
func (t *BTree) Range(ctx *manager.TxnContext, low, high *IndexKey, lowInclusive, highInclusive bool) ([]KeyRID, error) {
	var startLeaf basic.PageID
	var err error
	if low == nil {
		startLeaf, _, err = t.findLeaf(IndexKey{}, true)
	} else {
		startLeaf, _, err = t.findLeaf(*low, false)
	}
	if err != nil {
		return nil, err
	}

	var output []KeyRID
	current := startLeaf
	for current != basic.InvalidPageID {
		if ctx != nil && ctx.Txn() != nil {
			if err := ctx.LockPage(current, manager.LockShared); err != nil {
				return nil, err
			}
		}
		page, err := t.bufferPool.FetchPage(current)
		if err != nil {
			return nil, err
		}
		page.RLock()
		node := t.readLeaf(page)
		page.RUnlock()
		if err := t.bufferPool.UnpinPage(current, false); err != nil {
			return nil, err
		}

		for _, entry := range node.entries {
			if low != nil {
				cmp := entry.key.Compare(*low)
				if cmp < 0 || (cmp == 0 && !lowInclusive) {
					continue
				}
			}
			if high != nil {
				cmp := entry.key.Compare(*high)
				if cmp > 0 || (cmp == 0 && !highInclusive) {
					return output, nil
				}
			}
			output = append(output, KeyRID{Key: entry.key, RID: entry.rid})
		}
		current = node.next
	}
	return output, nil
}

// Rebuild 由堆扫描重建整棵树（恢复或维护之后使用）
func (t *BTree) Rebuild(ctx *manager.TxnContext, items []KeyRID) error {
	rootPage, err := t.bufferPool.NewPage()
	if err != nil {
		return err
	}
	rootPageID := rootPage.ID()
	if err := ctx.LockPage(rootPageID, manager.LockExclusive); err != nil {
		t.bufferPool.UnpinPage(rootPageID, false)
		return err
	}
	rootPage.Lock()
	err = t.writeLeaf(ctx, rootPage, &leafNode{})
	rootPage.Unlock()
	if unpinErr := t.bufferPool.UnpinPage(rootPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		return err
	}
	if err := t.setRootPageID(ctx, rootPageID); err != nil {
		return err
	}
	for _, item := range items {
		if err := t.Insert(ctx, item.Key, item.RID); err != nil {
			return err
		}
	}
	return nil
}
