package sqlparser

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
)

var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\n]*`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "Number", Pattern: `\d+(?:\.\d+)?`},
	{Name: "Ident", Pattern: "`[^`]+`|[a-zA-Z_][a-zA-Z0-9_]*"},
	{Name: "Punct", Pattern: `<=|>=|<>|!=|[-+*/%(),.;=<>]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var sqlParser = participle.MustBuild[Statement](
	participle.Lexer(sqlLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(4),
)

// Parse 解析单条SQL语句
func Parse(sql string) (*Statement, error) {
	statement, err := sqlParser.ParseString("", sql)
	if err != nil {
		return nil, errors.Annotatef(basic.ErrSQLParse, "%v", err)
	}
	return statement, nil
}
