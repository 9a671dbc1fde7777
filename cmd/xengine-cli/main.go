package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/conf"
	"github.com/zhukovaskychina/xengine/engine"
	"github.com/zhukovaskychina/xengine/logger"
)

const banner = `
******************************************************************
* XEngine - 嵌入式事务存储引擎
* 用法: xengine-cli --db <file> "SQL; SQL; ..."
*       echo "SQL" | xengine-cli --db <file>
******************************************************************
`

// 退出码: 0 成功; 1 SQL/语义错误; 2 IO或恢复失败
const (
	exitOK    = 0
	exitSQL   = 1
	exitFatal = 2
)

var cli struct {
	DB         string   `help:"数据库文件路径" required:"" short:"d"`
	ConfigPath string   `help:"my.ini风格配置文件" optional:""`
	Quiet      bool     `help:"不打印横幅" short:"q"`
	SQL        []string `arg:"" optional:"" help:"要执行的SQL，缺省读标准输入"`
}

func main() {
	kong.Parse(&cli)
	if !cli.Quiet {
		fmt.Print(banner)
	}

	cfg := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: cli.ConfigPath})
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(exitFatal)
	}

	db, err := engine.OpenWithConfig(cli.DB, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", cli.DB, err)
		os.Exit(exitFatal)
	}
	defer db.Close()

	var input string
	if len(cli.SQL) > 0 {
		input = strings.Join(cli.SQL, " ")
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		input = strings.Join(lines, "\n")
	}

	os.Exit(run(db, input))
}

// run 逐条执行语句，维护当前显式事务
func run(db *engine.XEngine, input string) int {
	var current *engine.Txn
	for _, sql := range splitStatements(input) {
		var result *engine.Result
		var err error
		if isBegin(sql) {
			if current != nil {
				fmt.Fprintln(os.Stderr, "error: transaction already started")
				return exitSQL
			}
			current, err = db.BeginTransaction()
			if err == nil {
				fmt.Println("BEGIN")
				continue
			}
		} else if current != nil {
			result, err = db.ExecuteInTransaction(sql, current)
			if err == nil && isTxnEnd(sql) {
				current = nil
			}
		} else {
			result, err = db.Execute(sql)
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if current != nil {
				db.AbortTransaction(current)
			}
			if basic.IsFatalOnOpen(err) {
				return exitFatal
			}
			return exitSQL
		}
		printResult(result)
	}
	if current != nil {
		// 输入耗尽仍未提交，按回滚处理
		db.AbortTransaction(current)
		fmt.Println("ROLLBACK (implicit)")
	}
	return exitOK
}

func splitStatements(input string) []string {
	var out []string
	for _, piece := range strings.Split(input, ";") {
		piece = strings.TrimSpace(piece)
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

func isBegin(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return upper == "BEGIN" || upper == "BEGIN TRANSACTION" || upper == "START TRANSACTION"
}

func isTxnEnd(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return upper == "COMMIT" || upper == "ROLLBACK" || upper == "ABORT"
}

func printResult(result *engine.Result) {
	if result == nil {
		return
	}
	if len(result.Columns) > 0 {
		fmt.Println(strings.Join(result.Columns, "\t"))
		for _, row := range result.Rows {
			cells := make([]string, 0, len(row))
			for _, value := range row {
				cells = append(cells, value.ToString())
			}
			fmt.Println(strings.Join(cells, "\t"))
		}
		return
	}
	if result.Message != "" {
		fmt.Println(result.Message)
	}
}
