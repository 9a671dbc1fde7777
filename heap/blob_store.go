package heap

import (
	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/storage"
	"github.com/zhukovaskychina/xengine/util"
)

// 溢出页类型相关头：
//
//	[16,24) next_page_id
//	[24,28) chunk_len   本页负载字节数
//
// 整个大对象先做snappy压缩再切块进链。溢出页不走WAL：写入即强制落盘，
// 页LSN恒为0，崩溃后指向它的元组要么被重做（链已持久），要么被回滚。
const (
	blobNextPageOffset = storage.PageHeaderSize
	blobChunkLenOffset = storage.PageHeaderSize + 8
	blobPayloadOffset  = storage.PageHeaderSize + 12
)

// BlobStore 大对象溢出链存储
type BlobStore struct {
	bufferPool *manager.BufferPoolManager
}

// NewBlobStore 创建大对象存储
func NewBlobStore(bufferPool *manager.BufferPoolManager) *BlobStore {
	return &BlobStore{bufferPool: bufferPool}
}

// WriteBlob 压缩后写入溢出链，返回首页与原始长度
func (bs *BlobStore) WriteBlob(data []byte) (basic.PageID, uint32, error) {
	if len(data) == 0 {
		return basic.InvalidPageID, 0, nil
	}
	compressed := snappy.Encode(nil, data)

	var pageIDs []basic.PageID
	remaining := len(compressed)
	capacityGuess := storage.DefaultPageSize - blobPayloadOffset
	for remaining > 0 {
		page, err := bs.bufferPool.NewPage()
		if err != nil {
			return basic.InvalidPageID, 0, err
		}
		capacityGuess = page.Size() - blobPayloadOffset
		pageIDs = append(pageIDs, page.ID())
		if err := bs.bufferPool.UnpinPage(page.ID(), false); err != nil {
			return basic.InvalidPageID, 0, err
		}
		chunk := remaining
		if chunk > capacityGuess {
			chunk = capacityGuess
		}
		remaining -= chunk
	}

	offset := 0
	for i, pageID := range pageIDs {
		nextPage := basic.InvalidPageID
		if i+1 < len(pageIDs) {
			nextPage = pageIDs[i+1]
		}
		chunk := len(compressed) - offset
		if chunk > capacityGuess {
			chunk = capacityGuess
		}
		page, err := bs.bufferPool.FetchPage(pageID)
		if err != nil {
			return basic.InvalidPageID, 0, err
		}
		page.Lock()
		page.SetPageType(basic.PageTypeBlob)
		page.SetLSN(0)
		header := make([]byte, 0, 12)
		header = util.WriteUB8(header, uint64(nextPage))
		header = util.WriteUB4(header, uint32(chunk))
		page.WriteBytes(blobNextPageOffset, header)
		page.WriteBytes(blobPayloadOffset, compressed[offset:offset+chunk])
		page.Unlock()
		offset += chunk
		if err := bs.bufferPool.UnpinPage(pageID, true); err != nil {
			return basic.InvalidPageID, 0, err
		}
		if err := bs.bufferPool.FlushPage(pageID, manager.FlushForce); err != nil {
			return basic.InvalidPageID, 0, err
		}
	}
	return pageIDs[0], uint32(len(data)), nil
}

// ReadBlob 沿链读出并解压，校验原始长度
func (bs *BlobStore) ReadBlob(firstPage basic.PageID, length uint32) ([]byte, error) {
	if length == 0 || firstPage == basic.InvalidPageID {
		return nil, nil
	}
	var compressed []byte
	pageID := firstPage
	for pageID != basic.InvalidPageID {
		page, err := bs.bufferPool.FetchPage(pageID)
		if err != nil {
			return nil, err
		}
		page.RLock()
		if page.PageType() != basic.PageTypeBlob {
			page.RUnlock()
			bs.bufferPool.UnpinPage(pageID, false)
			return nil, errors.Annotatef(basic.ErrCorrupted, "page %d is not a blob page", pageID)
		}
		_, nextPage := util.ReadUB8(page.Data(), blobNextPageOffset)
		_, chunkLen := util.ReadUB4(page.Data(), blobChunkLenOffset)
		if int(chunkLen) > page.Size()-blobPayloadOffset {
			page.RUnlock()
			bs.bufferPool.UnpinPage(pageID, false)
			return nil, errors.Annotatef(basic.ErrCorrupted, "blob chunk length %d exceeds page capacity", chunkLen)
		}
		data, _ := page.ReadBytes(blobPayloadOffset, int(chunkLen))
		compressed = append(compressed, data...)
		page.RUnlock()
		if err := bs.bufferPool.UnpinPage(pageID, false); err != nil {
			return nil, err
		}
		pageID = basic.PageID(nextPage)
	}
	decoded, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Annotatef(basic.ErrCorrupted, "blob decompress: %v", err)
	}
	if uint32(len(decoded)) != length {
		return nil, errors.Annotatef(basic.ErrCorrupted,
			"blob length mismatch: expected %d, got %d", length, len(decoded))
	}
	return decoded, nil
}
