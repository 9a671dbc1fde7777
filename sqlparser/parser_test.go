package sqlparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xengine/basic"
)

func TestParser(t *testing.T) {
	t.Run("建表语句", func(t *testing.T) {
		stmt, err := Parse(`CREATE TABLE t (
			id INT PRIMARY KEY,
			name VARCHAR(64) NOT NULL,
			score REAL DEFAULT 0.5,
			active BOOLEAN DEFAULT TRUE,
			payload BLOB,
			UNIQUE (name)
		);`)
		require.NoError(t, err)
		require.NotNil(t, stmt.CreateTable)
		assert.Equal(t, "t", stmt.CreateTable.Name)
		require.Len(t, stmt.CreateTable.Items, 6)

		first := stmt.CreateTable.Items[0].Column
		require.NotNil(t, first)
		assert.Equal(t, "id", first.Name)
		assert.Equal(t, "int", first.NormalizedType())
		require.Len(t, first.Options, 1)
		assert.True(t, first.Options[0].PrimaryKey)

		constraint := stmt.CreateTable.Items[5].Constraint
		require.NotNil(t, constraint)
		assert.Equal(t, []string{"name"}, constraint.UniqueColumns)
	})

	t.Run("大小写不敏感关键字", func(t *testing.T) {
		stmt, err := Parse("select v from t where id = 1")
		require.NoError(t, err)
		require.NotNil(t, stmt.Select)
		assert.Equal(t, "t", stmt.Select.From.Name)
	})

	t.Run("插入语句", func(t *testing.T) {
		stmt, err := Parse("INSERT INTO t (id, name) VALUES (1, 'a''b'), (2, NULL)")
		require.NoError(t, err)
		require.NotNil(t, stmt.Insert)
		assert.Equal(t, []string{"id", "name"}, stmt.Insert.Columns)
		require.Len(t, stmt.Insert.Rows, 2)
		require.Len(t, stmt.Insert.Rows[0].Values, 2)

		// 字符串转义还原
		literal := stmt.Insert.Rows[0].Values[1].Terms[0].Terms[0].Term.Left.Left.Left.Primary.Literal
		require.NotNil(t, literal)
		assert.Equal(t, StringVal("a'b"), *literal.Str)
	})

	t.Run("查询全家桶", func(t *testing.T) {
		stmt, err := Parse(`SELECT e.name, COUNT(*) AS cnt
			FROM event AS e
			LEFT JOIN ticket AS tk ON e.id = tk.event_id
			WHERE e.price >= 10 AND NOT tk.sold
			GROUP BY e.name
			ORDER BY e.name DESC
			LIMIT 10 OFFSET 5`)
		require.NoError(t, err)
		query := stmt.Select
		require.NotNil(t, query)
		require.Len(t, query.Items, 2)
		assert.Equal(t, "cnt", query.Items[1].Alias)
		require.Len(t, query.Joins, 1)
		assert.True(t, query.Joins[0].Left)
		assert.Equal(t, "tk", query.Joins[0].Table.Alias)
		require.Len(t, query.GroupBy, 1)
		require.Len(t, query.OrderBy, 1)
		assert.True(t, query.OrderBy[0].Desc)
		assert.Equal(t, "10", *query.Limit)
		assert.Equal(t, "5", *query.Offset)
	})

	t.Run("更新与删除", func(t *testing.T) {
		stmt, err := Parse("UPDATE t SET v = v + 1, w = 'x' WHERE id = 3")
		require.NoError(t, err)
		require.NotNil(t, stmt.Update)
		require.Len(t, stmt.Update.Assignments, 2)

		stmt, err = Parse("DELETE FROM t WHERE id IS NOT NULL")
		require.NoError(t, err)
		require.NotNil(t, stmt.Delete)
		require.NotNil(t, stmt.Delete.Where)
	})

	t.Run("DDL变体", func(t *testing.T) {
		stmt, err := Parse("CREATE UNIQUE INDEX ix_name ON t (name, id)")
		require.NoError(t, err)
		require.NotNil(t, stmt.CreateIndex)
		assert.True(t, stmt.CreateIndex.Unique)
		assert.Equal(t, []string{"name", "id"}, stmt.CreateIndex.Columns)

		stmt, err = Parse("DROP TABLE IF EXISTS t")
		require.NoError(t, err)
		require.NotNil(t, stmt.DropTable)
		assert.True(t, stmt.DropTable.IfExists)

		stmt, err = Parse("ALTER TABLE t ADD COLUMN age INT")
		require.NoError(t, err)
		require.NotNil(t, stmt.AlterTable.AddColumn)

		stmt, err = Parse("ALTER TABLE t DROP COLUMN age")
		require.NoError(t, err)
		require.NotNil(t, stmt.AlterTable.DropColumn)

		stmt, err = Parse("ALTER TABLE t RENAME COLUMN a TO b")
		require.NoError(t, err)
		require.NotNil(t, stmt.AlterTable.RenameColumn)

		stmt, err = Parse("ALTER TABLE t RENAME TO t2")
		require.NoError(t, err)
		require.NotNil(t, stmt.AlterTable.RenameTo)
	})

	t.Run("事务语句", func(t *testing.T) {
		for _, sql := range []string{"BEGIN", "BEGIN TRANSACTION", "START TRANSACTION"} {
			stmt, err := Parse(sql)
			require.NoError(t, err, sql)
			require.NotNil(t, stmt.Begin, sql)
		}
		stmt, err := Parse("COMMIT;")
		require.NoError(t, err)
		require.NotNil(t, stmt.Commit)
		for _, sql := range []string{"ROLLBACK", "ABORT"} {
			stmt, err := Parse(sql)
			require.NoError(t, err, sql)
			require.NotNil(t, stmt.Rollback, sql)
		}
	})

	t.Run("非法语句报解析错误", func(t *testing.T) {
		_, err := Parse("SELECT FROM WHERE")
		assert.ErrorIs(t, err, basic.ErrSQLParse)
		_, err = Parse("")
		assert.ErrorIs(t, err, basic.ErrSQLParse)
	})
}
