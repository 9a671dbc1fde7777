package plan

import "github.com/zhukovaskychina/xengine/tuple"

// PlanKind 逻辑计划类型
type PlanKind int

const (
	PlanCreateTable PlanKind = iota
	PlanCreateIndex
	PlanDropTable
	PlanAlterTable
	PlanInsert
	PlanUpdate
	PlanDelete
	PlanSelect
	PlanBegin
	PlanCommit
	PlanRollback
)

// ColumnSpec 建表列说明
type ColumnSpec struct {
	Name       string
	Type       string // 目录类型名
	Nullable   bool
	PrimaryKey bool
	Unique     bool
	Default    *tuple.Value
}

// CreateTablePlan CREATE TABLE
type CreateTablePlan struct {
	Name           string
	Columns        []ColumnSpec
	PrimaryColumns []string
	UniqueSets     [][]string
}

// CreateIndexPlan CREATE INDEX
type CreateIndexPlan struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// DropTablePlan DROP TABLE
type DropTablePlan struct {
	Name     string
	IfExists bool
}

// AlterKind ALTER TABLE 变体
type AlterKind int

const (
	AlterAddColumn AlterKind = iota
	AlterDropColumn
	AlterRenameColumn
	AlterRenameTable
)

// AlterTablePlan ALTER TABLE
type AlterTablePlan struct {
	Table     string
	Kind      AlterKind
	NewColumn *ColumnSpec
	Column    string
	NewName   string
}

// InsertPlan INSERT
type InsertPlan struct {
	Table   string
	Columns []string
	Rows    [][]*Expr
}

// AssignmentPlan UPDATE赋值
type AssignmentPlan struct {
	Column string
	Value  *Expr
}

// UpdatePlan UPDATE
type UpdatePlan struct {
	Table       string
	Assignments []AssignmentPlan
	Where       *Expr
}

// DeletePlan DELETE
type DeletePlan struct {
	Table string
	Where *Expr
}

// TableRefPlan 表引用
type TableRefPlan struct {
	Table string
	Alias string
}

// Binding 输出名：别名优先
func (t TableRefPlan) Binding() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Table
}

// JoinPlan 连接
type JoinPlan struct {
	Left  bool
	Table TableRefPlan
	On    *Expr
}

// AggCall 聚合调用
type AggCall struct {
	Func string // count|sum|avg|min|max
	Star bool
	Arg  *Expr
}

// SelectItemPlan 选择项：星号、聚合或标量表达式
type SelectItemPlan struct {
	Star  bool
	Agg   *AggCall
	Expr  *Expr
	Alias string
}

// OrderKeyPlan 排序键
type OrderKeyPlan struct {
	Table  string
	Column string
	Desc   bool
}

// ColumnRefPlan 分组列
type ColumnRefPlan struct {
	Table  string
	Column string
}

// SelectPlan SELECT
type SelectPlan struct {
	Items   []SelectItemPlan
	From    TableRefPlan
	Joins   []JoinPlan
	Where   *Expr
	GroupBy []ColumnRefPlan
	OrderBy []OrderKeyPlan
	Limit   *int64
	Offset  *int64
}

// HasAggregates 是否含聚合
func (p *SelectPlan) HasAggregates() bool {
	for _, item := range p.Items {
		if item.Agg != nil {
			return true
		}
	}
	return false
}

// LogicalPlan 逻辑计划
type LogicalPlan struct {
	Kind        PlanKind
	CreateTable *CreateTablePlan
	CreateIndex *CreateIndexPlan
	DropTable   *DropTablePlan
	AlterTable  *AlterTablePlan
	Insert      *InsertPlan
	Update      *UpdatePlan
	Delete      *DeletePlan
	Select      *SelectPlan
}
