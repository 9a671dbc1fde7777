package storage

// 页面的固定计数与脏标记只应由缓冲池在其内部锁下维护，
// 通过包级函数而非方法暴露，避免出现在Page的常规API面上。

// SetPinCount 设置固定计数
func SetPinCount(p *Page, count int32) {
	p.pinCount = count
}

// SetDirty 设置脏标记
func SetDirty(p *Page, dirty bool) {
	p.dirty = dirty
}
