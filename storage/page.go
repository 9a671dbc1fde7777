package storage

import (
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/latch"
	"github.com/zhukovaskychina/xengine/util"
)

// 页面通用头布局。所有页类型共享前16字节：
//
//	[0,8)   页面LSN，最后一次修改该页的日志记录LSN
//	[8,9)   页类型
//	[9,16)  保留
//
// 类型相关头从 PageHeaderSize 开始，由 heap/index 各自定义。
const (
	PageLSNOffset  = 0
	PageTypeOffset = 8
	PageHeaderSize = 16
)

// DefaultPageSize 默认页大小
const DefaultPageSize = 4096

// Page 内存中的定长页面缓冲
type Page struct {
	latch.Latch

	data []byte
	id   basic.PageID

	// 以下字段由缓冲池在其内部锁保护下维护
	pinCount int32
	dirty    bool
}

// NewPage 创建一个零填充的无身份页面
func NewPage(pageSize int) *Page {
	return &Page{data: make([]byte, pageSize)}
}

// ID 返回页号
func (p *Page) ID() basic.PageID {
	return p.id
}

// SetID 设置页号
func (p *Page) SetID(id basic.PageID) {
	p.id = id
}

// Size 页大小
func (p *Page) Size() int {
	return len(p.data)
}

// Data 返回整页字节
func (p *Page) Data() []byte {
	return p.data
}

// LSN 返回页头中记录的LSN
func (p *Page) LSN() basic.LSN {
	_, v := util.ReadUB8(p.data, PageLSNOffset)
	return basic.LSN(v)
}

// SetLSN 更新页头LSN
func (p *Page) SetLSN(lsn basic.LSN) {
	util.PutUB8(p.data, PageLSNOffset, uint64(lsn))
}

// PageType 返回页类型
func (p *Page) PageType() basic.PageType {
	return basic.PageType(p.data[PageTypeOffset])
}

// SetPageType 设置页类型
func (p *Page) SetPageType(t basic.PageType) {
	p.data[PageTypeOffset] = byte(t)
}

// ReadBytes 读取页内区间，越界返回false
func (p *Page) ReadBytes(offset, length int) ([]byte, bool) {
	if offset < 0 || length < 0 || offset+length > len(p.data) {
		return nil, false
	}
	return p.data[offset : offset+length], true
}

// WriteBytes 写入页内区间。越界返回false，调用方视为编程错误而非可恢复故障。
func (p *Page) WriteBytes(offset int, bytes []byte) bool {
	if offset < 0 || offset+len(bytes) > len(p.data) {
		return false
	}
	copy(p.data[offset:], bytes)
	return true
}

// IsDirty 页面是否被修改过
func (p *Page) IsDirty() bool {
	return p.dirty
}

// PinCount 当前引用计数
func (p *Page) PinCount() int32 {
	return p.pinCount
}

// Reset 清空数据与元信息，供帧复用
func (p *Page) Reset() {
	for i := range p.data {
		p.data[i] = 0
	}
	p.id = basic.InvalidPageID
	p.pinCount = 0
	p.dirty = false
}
