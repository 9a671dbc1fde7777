package engine

import "github.com/zhukovaskychina/xengine/tuple"

// Result 语句执行结果：查询返回列与行，变更返回影响行数与消息
type Result struct {
	Columns      []string
	Rows         [][]tuple.Value
	RowsAffected int64
	Message      string
}

// queryResult 查询结果
func queryResult(columns []string, rows [][]tuple.Value) *Result {
	return &Result{Columns: columns, Rows: rows}
}

// execResult 变更结果
func execResult(affected int64, message string) *Result {
	return &Result{RowsAffected: affected, Message: message}
}
