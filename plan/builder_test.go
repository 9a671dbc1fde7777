package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xengine/sqlparser"
	"github.com/zhukovaskychina/xengine/tuple"
)

func mustBuild(t *testing.T, sql string) *LogicalPlan {
	t.Helper()
	stmt, err := sqlparser.Parse(sql)
	require.NoError(t, err)
	logical, err := Build(stmt)
	require.NoError(t, err)
	return logical
}

func TestBuilder(t *testing.T) {
	t.Run("建表计划", func(t *testing.T) {
		p := mustBuild(t, "CREATE TABLE t (id INT PRIMARY KEY, v INT, name TEXT UNIQUE DEFAULT 'x')")
		require.Equal(t, PlanCreateTable, p.Kind)
		create := p.CreateTable
		assert.Equal(t, []string{"id"}, create.PrimaryColumns)
		require.Len(t, create.Columns, 3)
		assert.False(t, create.Columns[0].Nullable)
		assert.True(t, create.Columns[2].Unique)
		require.NotNil(t, create.Columns[2].Default)
		text, err := create.Columns[2].Default.Text()
		require.NoError(t, err)
		assert.Equal(t, "x", text)
	})

	t.Run("查询计划与聚合识别", func(t *testing.T) {
		p := mustBuild(t, "SELECT name, COUNT(*), SUM(v) FROM t GROUP BY name ORDER BY name LIMIT 3 OFFSET 1")
		require.Equal(t, PlanSelect, p.Kind)
		query := p.Select
		require.Len(t, query.Items, 3)
		assert.Nil(t, query.Items[0].Agg)
		require.NotNil(t, query.Items[1].Agg)
		assert.Equal(t, "count", query.Items[1].Agg.Func)
		assert.True(t, query.Items[1].Agg.Star)
		require.NotNil(t, query.Items[2].Agg)
		assert.Equal(t, "sum", query.Items[2].Agg.Func)
		assert.True(t, query.HasAggregates())
		assert.Equal(t, int64(3), *query.Limit)
		assert.Equal(t, int64(1), *query.Offset)
	})

	t.Run("表达式求值", func(t *testing.T) {
		p := mustBuild(t, "SELECT v FROM t WHERE (v + 1) * 2 >= 10 AND name != 'no'")
		where := p.Select.Where
		require.NotNil(t, where)
		err := where.Bind(func(table, column string) (int, error) {
			if column == "v" {
				return 0, nil
			}
			return 1, nil
		})
		require.NoError(t, err)

		row := tuple.NewTuple([]tuple.Value{tuple.NewIntValue(4), tuple.NewTextValue("yes")})
		match, err := EvalPredicate(where, row)
		require.NoError(t, err)
		assert.True(t, match)

		row2 := tuple.NewTuple([]tuple.Value{tuple.NewIntValue(1), tuple.NewTextValue("yes")})
		match, err = EvalPredicate(where, row2)
		require.NoError(t, err)
		assert.False(t, match)
	})

	t.Run("NULL比较为假", func(t *testing.T) {
		p := mustBuild(t, "SELECT v FROM t WHERE v = 1")
		where := p.Select.Where
		require.NoError(t, where.Bind(func(string, string) (int, error) { return 0, nil }))
		row := tuple.NewTuple([]tuple.Value{tuple.NewNullValue()})
		match, err := EvalPredicate(where, row)
		require.NoError(t, err)
		assert.False(t, match)
	})

	t.Run("IS NULL求值", func(t *testing.T) {
		p := mustBuild(t, "SELECT v FROM t WHERE v IS NULL OR v IS NOT NULL")
		where := p.Select.Where
		require.NoError(t, where.Bind(func(string, string) (int, error) { return 0, nil }))
		row := tuple.NewTuple([]tuple.Value{tuple.NewNullValue()})
		match, err := EvalPredicate(where, row)
		require.NoError(t, err)
		assert.True(t, match)
	})

	t.Run("除零报错", func(t *testing.T) {
		p := mustBuild(t, "SELECT v FROM t WHERE v / 0 = 1")
		where := p.Select.Where
		require.NoError(t, where.Bind(func(string, string) (int, error) { return 0, nil }))
		row := tuple.NewTuple([]tuple.Value{tuple.NewIntValue(3)})
		_, err := EvalPredicate(where, row)
		assert.Error(t, err)
	})

	t.Run("一元负号", func(t *testing.T) {
		p := mustBuild(t, "SELECT v FROM t WHERE v = -5")
		where := p.Select.Where
		require.NoError(t, where.Bind(func(string, string) (int, error) { return 0, nil }))
		row := tuple.NewTuple([]tuple.Value{tuple.NewIntValue(-5)})
		match, err := EvalPredicate(where, row)
		require.NoError(t, err)
		assert.True(t, match)
	})
}
