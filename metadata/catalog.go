package metadata

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/tuple"
)

// DefaultValue 列默认值（可序列化形态）
type DefaultValue struct {
	Kind string  `json:"kind"` // null|int|float|bool|text
	Int  int64   `json:"int,omitempty"`
	Real float64 `json:"real,omitempty"`
	Bool bool    `json:"bool,omitempty"`
	Text string  `json:"text,omitempty"`
}

// ToValue 转运行时值
func (d *DefaultValue) ToValue() tuple.Value {
	if d == nil {
		return tuple.NewNullValue()
	}
	switch d.Kind {
	case "int":
		return tuple.NewIntValue(d.Int)
	case "float":
		return tuple.NewRealValue(d.Real)
	case "bool":
		return tuple.NewBoolValue(d.Bool)
	case "text":
		return tuple.NewTextValue(d.Text)
	}
	return tuple.NewNullValue()
}

// Column 列定义
type Column struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"` // int|float|bool|text|blob
	Nullable   bool          `json:"nullable"`
	PrimaryKey bool          `json:"primary_key"`
	Unique     bool          `json:"unique"`
	Default    *DefaultValue `json:"default,omitempty"`
}

// ValueType 列的运行时类型
func (c *Column) ValueType() tuple.ValueType {
	return TypeFromName(c.Type)
}

// TypeFromName 类型名转运行时类型
func TypeFromName(name string) tuple.ValueType {
	switch strings.ToLower(name) {
	case "int":
		return tuple.TypeInt
	case "float":
		return tuple.TypeReal
	case "bool":
		return tuple.TypeBool
	case "text":
		return tuple.TypeText
	case "blob":
		return tuple.TypeBlob
	}
	return tuple.TypeNull
}

// TypeName 运行时类型转类型名
func TypeName(t tuple.ValueType) string {
	switch t {
	case tuple.TypeInt:
		return "int"
	case tuple.TypeReal:
		return "float"
	case tuple.TypeBool:
		return "bool"
	case tuple.TypeText:
		return "text"
	case tuple.TypeBlob:
		return "blob"
	}
	return "null"
}

// IndexMeta 索引元数据
type IndexMeta struct {
	Name         string   `json:"name"`
	Columns      []string `json:"columns"`
	Unique       bool     `json:"unique"`
	Primary      bool     `json:"primary"`
	HeaderPageID uint64   `json:"header_page_id"`
}

// TableMeta 表元数据
type TableMeta struct {
	ID             uint64       `json:"id"`
	Name           string       `json:"name"`
	Columns        []Column     `json:"columns"`
	HeapRootPageID uint64       `json:"heap_root_page_id"`
	Indexes        []*IndexMeta `json:"indexes"`
}

// ColumnIndex 按名定位列，不区分大小写
func (t *TableMeta) ColumnIndex(name string) int {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return i
		}
	}
	return -1
}

// ColumnTypes 列类型序列（元组编解码用）
func (t *TableMeta) ColumnTypes() []tuple.ValueType {
	types := make([]tuple.ValueType, len(t.Columns))
	for i := range t.Columns {
		types[i] = t.Columns[i].ValueType()
	}
	return types
}

// FindIndex 按名定位索引
func (t *TableMeta) FindIndex(name string) *IndexMeta {
	for _, idx := range t.Indexes {
		if strings.EqualFold(idx.Name, name) {
			return idx
		}
	}
	return nil
}

// catalogFile 旁路目录文件的持久化形态
type catalogFile struct {
	NextTableID uint64       `json:"next_table_id"`
	Tables      []*TableMeta `json:"tables"`
}

// Catalog 持久化的表/列/索引元数据。
// DDL变更参与调用事务：引擎在事务首次DDL时做快照，回滚时整体还原；
// 落盘仅发生在提交与检查点。
type Catalog struct {
	mu          sync.RWMutex
	path        string
	tables      map[string]*TableMeta // 键为小写表名
	nextTableID uint64
}

// NewCatalog 创建空目录
func NewCatalog(path string) *Catalog {
	return &Catalog{
		path:        path,
		tables:      make(map[string]*TableMeta),
		nextTableID: 1,
	}
}

// Load 从旁路文件装载；文件缺失视为空库
func (c *Catalog) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Annotatef(basic.ErrIO, "read catalog %s: %v", c.path, err)
	}
	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return errors.Annotatef(basic.ErrCorrupted, "parse catalog %s: %v", c.path, err)
	}
	c.tables = make(map[string]*TableMeta, len(file.Tables))
	for _, table := range file.Tables {
		c.tables[strings.ToLower(table.Name)] = table
	}
	c.nextTableID = file.NextTableID
	if c.nextTableID == 0 {
		c.nextTableID = 1
	}
	return nil
}

// Persist 原子写回旁路文件
func (c *Catalog) Persist() error {
	c.mu.RLock()
	file := catalogFile{NextTableID: c.nextTableID}
	for _, table := range c.tables {
		file.Tables = append(file.Tables, table)
	}
	c.mu.RUnlock()
	sort.Slice(file.Tables, func(i, j int) bool { return file.Tables[i].ID < file.Tables[j].ID })

	raw, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return errors.Annotatef(basic.ErrIO, "encode catalog: %v", err)
	}
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return errors.Annotatef(basic.ErrIO, "write catalog: %v", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return errors.Annotatef(basic.ErrIO, "rename catalog: %v", err)
	}
	return nil
}

// Table 取表元数据
func (c *Catalog) Table(name string) (*TableMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table, ok := c.tables[strings.ToLower(name)]
	if !ok {
		return nil, errors.Annotatef(basic.ErrUnknownTable, "%s", name)
	}
	return table, nil
}

// HasTable 表是否存在
func (c *Catalog) HasTable(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[strings.ToLower(name)]
	return ok
}

// Tables 全部表，按ID序
func (c *Catalog) Tables() []*TableMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TableMeta, 0, len(c.tables))
	for _, table := range c.tables {
		out = append(out, table)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateTable 注册新表
func (c *Catalog) CreateTable(name string, columns []Column, heapRoot basic.PageID) (*TableMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	if _, exists := c.tables[key]; exists {
		return nil, errors.Annotatef(basic.ErrDuplicateName, "table %s already exists", name)
	}
	seen := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		lower := strings.ToLower(column.Name)
		if _, dup := seen[lower]; dup {
			return nil, errors.Annotatef(basic.ErrDuplicateName, "column %s", column.Name)
		}
		seen[lower] = struct{}{}
	}
	table := &TableMeta{
		ID:             c.nextTableID,
		Name:           name,
		Columns:        columns,
		HeapRootPageID: uint64(heapRoot),
	}
	c.nextTableID++
	c.tables[key] = table
	return table, nil
}

// DropTable 注销表（逻辑删除，文件不回收）
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := c.tables[key]; !ok {
		return errors.Annotatef(basic.ErrUnknownTable, "%s", name)
	}
	delete(c.tables, key)
	return nil
}

// RenameTable 重命名表
func (c *Catalog) RenameTable(oldName, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldKey, newKey := strings.ToLower(oldName), strings.ToLower(newName)
	table, ok := c.tables[oldKey]
	if !ok {
		return errors.Annotatef(basic.ErrUnknownTable, "%s", oldName)
	}
	if _, exists := c.tables[newKey]; exists && oldKey != newKey {
		return errors.Annotatef(basic.ErrDuplicateName, "table %s", newName)
	}
	delete(c.tables, oldKey)
	table.Name = newName
	c.tables[newKey] = table
	return nil
}

// AddColumn 追加列
func (c *Catalog) AddColumn(tableName string, column Column) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.tables[strings.ToLower(tableName)]
	if !ok {
		return errors.Annotatef(basic.ErrUnknownTable, "%s", tableName)
	}
	if table.ColumnIndex(column.Name) >= 0 {
		return errors.Annotatef(basic.ErrDuplicateName, "column %s", column.Name)
	}
	table.Columns = append(table.Columns, column)
	return nil
}

// DropColumn 删除列；被索引引用的列不可删
func (c *Catalog) DropColumn(tableName, columnName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.tables[strings.ToLower(tableName)]
	if !ok {
		return errors.Annotatef(basic.ErrUnknownTable, "%s", tableName)
	}
	position := table.ColumnIndex(columnName)
	if position < 0 {
		return errors.Annotatef(basic.ErrUnknownColumn, "%s.%s", tableName, columnName)
	}
	for _, idx := range table.Indexes {
		for _, col := range idx.Columns {
			if strings.EqualFold(col, columnName) {
				return errors.Annotatef(basic.ErrCatalog,
					"column %s is referenced by index %s", columnName, idx.Name)
			}
		}
	}
	table.Columns = append(table.Columns[:position], table.Columns[position+1:]...)
	return nil
}

// RenameColumn 重命名列
func (c *Catalog) RenameColumn(tableName, oldName, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.tables[strings.ToLower(tableName)]
	if !ok {
		return errors.Annotatef(basic.ErrUnknownTable, "%s", tableName)
	}
	position := table.ColumnIndex(oldName)
	if position < 0 {
		return errors.Annotatef(basic.ErrUnknownColumn, "%s.%s", tableName, oldName)
	}
	if table.ColumnIndex(newName) >= 0 {
		return errors.Annotatef(basic.ErrDuplicateName, "column %s", newName)
	}
	table.Columns[position].Name = newName
	for _, idx := range table.Indexes {
		for i, col := range idx.Columns {
			if strings.EqualFold(col, oldName) {
				idx.Columns[i] = newName
			}
		}
	}
	return nil
}

// AddIndex 登记索引
func (c *Catalog) AddIndex(tableName string, meta *IndexMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.tables[strings.ToLower(tableName)]
	if !ok {
		return errors.Annotatef(basic.ErrUnknownTable, "%s", tableName)
	}
	if table.FindIndex(meta.Name) != nil {
		return errors.Annotatef(basic.ErrDuplicateName, "index %s", meta.Name)
	}
	for _, col := range meta.Columns {
		if table.ColumnIndex(col) < 0 {
			return errors.Annotatef(basic.ErrUnknownColumn, "%s.%s", tableName, col)
		}
	}
	table.Indexes = append(table.Indexes, meta)
	return nil
}

// Snapshot DDL前像：深拷贝全部元数据
func (c *Catalog) Snapshot() *CatalogSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, _ := json.Marshal(&catalogFile{
		NextTableID: c.nextTableID,
		Tables:      tablesOf(c.tables),
	})
	return &CatalogSnapshot{raw: raw}
}

// Restore 还原到快照（DDL事务中止路径）
func (c *Catalog) Restore(snapshot *CatalogSnapshot) error {
	if snapshot == nil {
		return nil
	}
	var file catalogFile
	if err := json.Unmarshal(snapshot.raw, &file); err != nil {
		return errors.Annotatef(basic.ErrCorrupted, "restore catalog snapshot: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[string]*TableMeta, len(file.Tables))
	for _, table := range file.Tables {
		c.tables[strings.ToLower(table.Name)] = table
	}
	c.nextTableID = file.NextTableID
	return nil
}

// CatalogSnapshot 目录前像
type CatalogSnapshot struct {
	raw []byte
}

func tablesOf(tables map[string]*TableMeta) []*TableMeta {
	out := make([]*TableMeta, 0, len(tables))
	for _, table := range tables {
		out = append(out, table)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
