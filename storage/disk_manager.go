package storage

import (
	"io"
	"os"
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/util"
)

// 超级块（0号页）布局：
//
//	[0,8)   魔数
//	[8,12)  页大小
//	[12,20) next_page_id
//	[20,28) catalog_root（目录所在页，0表示使用旁路目录文件）
//	[28,36) last_checkpoint_lsn
const (
	superMagicOffset      = 0
	superPageSizeOffset   = 8
	superNextPageOffset   = 12
	superCatalogOffset    = 20
	superCheckpointOffset = 28
)

// Magic 数据文件魔数
var Magic = [8]byte{'X', 'E', 'N', 'G', 'I', 'N', 'E', 0}

// Superblock 超级块内容
type Superblock struct {
	PageSize          int
	NextPageID        basic.PageID
	CatalogRoot       basic.PageID
	LastCheckpointLSN basic.LSN
}

// DiskManager 管理单一数据文件的定长页读写与分配
type DiskManager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	super    Superblock
}

// OpenDiskManager 打开或创建数据文件并加载超级块
func OpenDiskManager(path string, pageSize int) (*DiskManager, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(basic.ErrIO, "open data file %s: %v", path, err)
	}
	dm := &DiskManager{
		file:     file,
		path:     path,
		pageSize: pageSize,
	}
	if err := dm.loadOrInitSuperblock(); err != nil {
		file.Close()
		return nil, err
	}
	return dm, nil
}

func (dm *DiskManager) loadOrInitSuperblock() error {
	info, err := dm.file.Stat()
	if err != nil {
		return errors.Annotatef(basic.ErrIO, "stat %s: %v", dm.path, err)
	}
	if info.Size() < int64(dm.pageSize) {
		// 新文件，写入初始超级块
		dm.super = Superblock{
			PageSize:   dm.pageSize,
			NextPageID: 1,
		}
		return dm.persistSuperblock()
	}

	buf := make([]byte, dm.pageSize)
	if err := dm.readAt(buf, 0); err != nil {
		return err
	}
	for i := 0; i < 8; i++ {
		if buf[superMagicOffset+i] != Magic[i] {
			return errors.Annotatef(basic.ErrCorrupted, "bad superblock magic in %s", dm.path)
		}
	}
	_, pageSize := util.ReadUB4(buf, superPageSizeOffset)
	if int(pageSize) != dm.pageSize {
		return errors.Annotatef(basic.ErrCorrupted,
			"page size mismatch: file %d, configured %d", pageSize, dm.pageSize)
	}
	_, nextPage := util.ReadUB8(buf, superNextPageOffset)
	_, catalogRoot := util.ReadUB8(buf, superCatalogOffset)
	_, checkpointLSN := util.ReadUB8(buf, superCheckpointOffset)
	dm.super = Superblock{
		PageSize:          int(pageSize),
		NextPageID:        basic.PageID(nextPage),
		CatalogRoot:       basic.PageID(catalogRoot),
		LastCheckpointLSN: basic.LSN(checkpointLSN),
	}
	return nil
}

func (dm *DiskManager) persistSuperblock() error {
	buf := make([]byte, dm.pageSize)
	copy(buf[superMagicOffset:], Magic[:])
	util.PutUB4(buf, superPageSizeOffset, uint32(dm.super.PageSize))
	util.PutUB8(buf, superNextPageOffset, uint64(dm.super.NextPageID))
	util.PutUB8(buf, superCatalogOffset, uint64(dm.super.CatalogRoot))
	util.PutUB8(buf, superCheckpointOffset, uint64(dm.super.LastCheckpointLSN))
	if err := dm.writeAt(buf, 0); err != nil {
		return err
	}
	return dm.syncLocked()
}

// readAt 精确读，部分读重试
func (dm *DiskManager) readAt(buf []byte, offset int64) error {
	read := 0
	for read < len(buf) {
		n, err := dm.file.ReadAt(buf[read:], offset+int64(read))
		read += n
		if err == io.EOF && read == len(buf) {
			break
		}
		if err != nil {
			return errors.Annotatef(basic.ErrIO, "read %s at %d: %v", dm.path, offset, err)
		}
	}
	return nil
}

// writeAt 精确写，部分写重试
func (dm *DiskManager) writeAt(buf []byte, offset int64) error {
	written := 0
	for written < len(buf) {
		n, err := dm.file.WriteAt(buf[written:], offset+int64(written))
		written += n
		if err != nil {
			return errors.Annotatef(basic.ErrIO, "write %s at %d: %v", dm.path, offset, err)
		}
	}
	return nil
}

// AllocatePage 扩展文件一页（零填充），返回新页号
func (dm *DiskManager) AllocatePage() (basic.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	pageID := dm.super.NextPageID
	zero := make([]byte, dm.pageSize)
	if err := dm.writeAt(zero, int64(pageID)*int64(dm.pageSize)); err != nil {
		return basic.InvalidPageID, err
	}
	dm.super.NextPageID++
	if err := dm.persistSuperblock(); err != nil {
		return basic.InvalidPageID, err
	}
	return pageID, nil
}

// ReadPage 读取整页到buf
func (dm *DiskManager) ReadPage(pageID basic.PageID, buf []byte) error {
	if len(buf) != dm.pageSize {
		return errors.Annotatef(basic.ErrIO, "read buffer size %d != page size %d", len(buf), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if pageID >= dm.super.NextPageID {
		return errors.Annotatef(basic.ErrPageNotFound, "page %d beyond allocation %d", pageID, dm.super.NextPageID)
	}
	return dm.readAt(buf, int64(pageID)*int64(dm.pageSize))
}

// WritePage 将整页buf写回磁盘
func (dm *DiskManager) WritePage(pageID basic.PageID, buf []byte) error {
	if len(buf) != dm.pageSize {
		return errors.Annotatef(basic.ErrIO, "write buffer size %d != page size %d", len(buf), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writeAt(buf, int64(pageID)*int64(dm.pageSize))
}

// Sync 刷盘
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.syncLocked()
}

func (dm *DiskManager) syncLocked() error {
	if err := dm.file.Sync(); err != nil {
		return errors.Annotatef(basic.ErrIO, "sync %s: %v", dm.path, err)
	}
	return nil
}

// PageSize 页大小
func (dm *DiskManager) PageSize() int {
	return dm.pageSize
}

// NextPageID 下一个待分配页号
func (dm *DiskManager) NextPageID() basic.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.super.NextPageID
}

// CatalogRoot 超级块中的目录根页
func (dm *DiskManager) CatalogRoot() basic.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.super.CatalogRoot
}

// SetCatalogRoot 更新目录根页并持久化超级块
func (dm *DiskManager) SetCatalogRoot(pageID basic.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.super.CatalogRoot = pageID
	return dm.persistSuperblock()
}

// LastCheckpointLSN 超级块中的最近检查点LSN
func (dm *DiskManager) LastCheckpointLSN() basic.LSN {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.super.LastCheckpointLSN
}

// SetLastCheckpointLSN 更新检查点LSN并持久化超级块
func (dm *DiskManager) SetLastCheckpointLSN(lsn basic.LSN) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.super.LastCheckpointLSN = lsn
	return dm.persistSuperblock()
}

// Close 关闭底层文件
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		logger.Warnf("sync on close failed: %v", err)
	}
	err := dm.file.Close()
	dm.file = nil
	if err != nil {
		return errors.Annotatef(basic.ErrIO, "close %s: %v", dm.path, err)
	}
	return nil
}
