package engine

import (
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xengine/basic"
	"github.com/zhukovaskychina/xengine/conf"
	"github.com/zhukovaskychina/xengine/logger"
	"github.com/zhukovaskychina/xengine/manager"
	"github.com/zhukovaskychina/xengine/metadata"
	"github.com/zhukovaskychina/xengine/plan"
	"github.com/zhukovaskychina/xengine/sqlparser"
	"github.com/zhukovaskychina/xengine/storage"
)

// XEngine 嵌入式事务存储引擎。
// 所有子系统组合成一个值，互不共享进程级全局状态；
// 测试可在各自的临时目录上建立彼此独立的引擎。
type XEngine struct {
	cfg        *conf.Cfg
	path       string
	disk       *storage.DiskManager
	logMgr     *manager.LogManager
	lockMgr    *manager.LockManager
	bufferPool *manager.BufferPoolManager
	txnMgr     *manager.TransactionManager
	recovery   *manager.RecoveryManager
	catalog    *metadata.Catalog

	// SQL文本到解析树的缓存，键为SQL的xxhash64
	planCache *ristretto.Cache[uint64, *sqlparser.Statement]

	mu     sync.Mutex
	closed bool
}

// Txn 暴露给调用方的事务句柄
type Txn struct {
	mu     sync.Mutex
	engine *XEngine
	inner  *manager.Transaction
	// DDL首次发生时的目录前像，回滚用
	catalogSnapshot *metadata.CatalogSnapshot
	// 语句失败后事务只接受回滚
	failed bool
}

// Open 打开（或创建）数据库并执行恢复
func Open(path string) (*XEngine, error) {
	return OpenWithConfig(path, conf.NewCfg().Load(nil))
}

// OpenWithConfig 按配置打开。恢复在任何用户事务前运行一次，
// 恢复失败时拒绝打开。
func OpenWithConfig(path string, cfg *conf.Cfg) (*XEngine, error) {
	if logger.Logger == nil {
		logger.InitLogger(logger.LogConfig{
			ErrorLogPath: cfg.LogError,
			InfoLogPath:  cfg.LogInfos,
			LogLevel:     cfg.LogLevel,
		})
	}

	walPath := cfg.WalPath
	if walPath == "" {
		walPath = path + ".wal"
	}
	catalogPath := cfg.CatalogPath
	if catalogPath == "" {
		catalogPath = path + ".catalog"
	}

	disk, err := storage.OpenDiskManager(path, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	logMgr, err := manager.OpenLogManager(walPath)
	if err != nil {
		disk.Close()
		return nil, err
	}
	lockMgr := manager.NewLockManager(cfg.LockWaitTimeoutDuration)
	bufferPool := manager.NewBufferPoolManager(disk, cfg.BufferPoolPages, logMgr)
	txnMgr := manager.NewTransactionManager(logMgr, lockMgr)
	recovery := manager.NewRecoveryManager(logMgr, bufferPool)
	txnMgr.SetRecoveryManager(recovery)

	maxTxnID, err := recovery.Recover()
	if err != nil {
		logMgr.Close()
		disk.Close()
		return nil, err
	}
	txnMgr.SetNextTxnID(maxTxnID + 1)

	catalog := metadata.NewCatalog(catalogPath)
	if err := catalog.Load(); err != nil {
		logMgr.Close()
		disk.Close()
		return nil, err
	}

	planCache, err := ristretto.NewCache(&ristretto.Config[uint64, *sqlparser.Statement]{
		NumCounters: 1 << 12,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		logMgr.Close()
		disk.Close()
		return nil, err
	}

	engine := &XEngine{
		cfg:        cfg,
		path:       path,
		disk:       disk,
		logMgr:     logMgr,
		lockMgr:    lockMgr,
		bufferPool: bufferPool,
		txnMgr:     txnMgr,
		recovery:   recovery,
		catalog:    catalog,
		planCache:  planCache,
	}
	logger.Infof("xengine opened %s (wal=%s)", path, walPath)
	return engine, nil
}

// BufferPool 缓冲池访问（性能测试用）
func (x *XEngine) BufferPool() *manager.BufferPoolManager {
	return x.bufferPool
}

// LockManager 锁管理器访问（不变量检查用）
func (x *XEngine) LockManager() *manager.LockManager {
	return x.lockMgr
}

// Catalog 目录访问
func (x *XEngine) Catalog() *metadata.Catalog {
	return x.catalog
}

// parseStatement 解析SQL，命中缓存则复用解析树（解析树只读）
func (x *XEngine) parseStatement(sql string) (*sqlparser.Statement, error) {
	key := xxhash.Checksum64([]byte(sql))
	if cached, ok := x.planCache.Get(key); ok {
		return cached, nil
	}
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, err
	}
	x.planCache.Set(key, stmt, int64(len(sql)))
	return stmt, nil
}

// Execute 自动提交执行单条语句。
// 语句出错时自动中止包裹事务并原样上抛错误。
func (x *XEngine) Execute(sql string) (*Result, error) {
	if x.isClosed() {
		return nil, errors.Annotatef(basic.ErrExecution, "engine is closed")
	}
	stmt, err := x.parseStatement(sql)
	if err != nil {
		return nil, err
	}
	logical, err := plan.Build(stmt)
	if err != nil {
		return nil, err
	}
	switch logical.Kind {
	case plan.PlanBegin:
		return nil, errors.Annotatef(basic.ErrNoActiveTransaction,
			"BEGIN requires BeginTransaction/ExecuteInTransaction")
	case plan.PlanCommit, plan.PlanRollback:
		return nil, errors.Annotatef(basic.ErrNoActiveTransaction,
			"no transaction to end in autocommit mode")
	}

	txn, err := x.txnMgr.Begin()
	if err != nil {
		return nil, err
	}
	var snapshot *metadata.CatalogSnapshot
	var result *Result
	execErr := x.txnMgr.WithTransaction(txn, func(ctx *manager.TxnContext) error {
		var innerErr error
		result, innerErr = x.executePlan(ctx, logical, func() {
			if snapshot == nil {
				snapshot = x.catalog.Snapshot()
			}
		})
		return innerErr
	})
	if execErr != nil {
		if snapshot != nil {
			x.catalog.Restore(snapshot)
		}
		if abortErr := x.txnMgr.Abort(txn); abortErr != nil {
			logger.Errorf("autocommit abort failed: %v", abortErr)
		}
		return nil, execErr
	}
	if err := x.txnMgr.Commit(txn); err != nil {
		if snapshot != nil {
			x.catalog.Restore(snapshot)
		}
		x.txnMgr.Abort(txn)
		return nil, err
	}
	if snapshot != nil {
		if err := x.catalog.Persist(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// BeginTransaction 开启显式事务
func (x *XEngine) BeginTransaction() (*Txn, error) {
	if x.isClosed() {
		return nil, errors.Annotatef(basic.ErrExecution, "engine is closed")
	}
	inner, err := x.txnMgr.Begin()
	if err != nil {
		return nil, err
	}
	return &Txn{engine: x, inner: inner}, nil
}

// ExecuteInTransaction 在既有事务下执行语句。
// COMMIT/ROLLBACK语句直接终结事务；变更语句出错后事务进入
// 待回滚状态，后续语句一律返回事务错误直至调用方回滚。
func (x *XEngine) ExecuteInTransaction(sql string, txn *Txn) (*Result, error) {
	if txn == nil {
		return nil, errors.Trace(basic.ErrNoActiveTransaction)
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	stmt, err := x.parseStatement(sql)
	if err != nil {
		return nil, err
	}
	logical, err := plan.Build(stmt)
	if err != nil {
		return nil, err
	}

	switch logical.Kind {
	case plan.PlanBegin:
		return nil, errors.Annotatef(basic.ErrExecution, "transaction already started")
	case plan.PlanCommit:
		if err := x.commitLocked(txn); err != nil {
			return nil, err
		}
		return execResult(0, "COMMIT"), nil
	case plan.PlanRollback:
		if err := x.abortLocked(txn); err != nil {
			return nil, err
		}
		return execResult(0, "ROLLBACK"), nil
	}

	switch txn.inner.State() {
	case basic.TxnStateCommitted, basic.TxnStateAborted:
		return nil, errors.Trace(basic.ErrTransactionClosed)
	}
	if txn.failed {
		return nil, errors.Trace(basic.ErrTransactionAborted)
	}

	var result *Result
	execErr := x.txnMgr.WithTransaction(txn.inner, func(ctx *manager.TxnContext) error {
		var innerErr error
		result, innerErr = x.executePlan(ctx, logical, func() {
			if txn.catalogSnapshot == nil {
				txn.catalogSnapshot = x.catalog.Snapshot()
			}
		})
		return innerErr
	})
	if execErr != nil {
		if isMutation(logical.Kind) {
			txn.failed = true
		}
		return nil, execErr
	}
	return result, nil
}

func isMutation(kind plan.PlanKind) bool {
	switch kind {
	case plan.PlanInsert, plan.PlanUpdate, plan.PlanDelete,
		plan.PlanCreateTable, plan.PlanCreateIndex, plan.PlanDropTable, plan.PlanAlterTable:
		return true
	}
	return false
}

// CommitTransaction 提交显式事务
func (x *XEngine) CommitTransaction(txn *Txn) error {
	if txn == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return x.commitLocked(txn)
}

func (x *XEngine) commitLocked(txn *Txn) error {
	if txn.failed && txn.inner.State() == basic.TxnStateActive {
		return errors.Trace(basic.ErrTransactionAborted)
	}
	if err := x.txnMgr.Commit(txn.inner); err != nil {
		return err
	}
	if txn.catalogSnapshot != nil {
		txn.catalogSnapshot = nil
		return x.catalog.Persist()
	}
	return nil
}

// AbortTransaction 回滚显式事务
func (x *XEngine) AbortTransaction(txn *Txn) error {
	if txn == nil {
		return errors.Trace(basic.ErrNoActiveTransaction)
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return x.abortLocked(txn)
}

func (x *XEngine) abortLocked(txn *Txn) error {
	if txn.catalogSnapshot != nil {
		if err := x.catalog.Restore(txn.catalogSnapshot); err != nil {
			return err
		}
		txn.catalogSnapshot = nil
	}
	if err := x.txnMgr.Abort(txn.inner); err != nil {
		return err
	}
	txn.failed = false
	return nil
}

// executePlan 分派逻辑计划。DDL在动手前通过onFirstDDL捕获目录前像。
func (x *XEngine) executePlan(ctx *manager.TxnContext, logical *plan.LogicalPlan,
	onFirstDDL func()) (*Result, error) {
	switch logical.Kind {
	case plan.PlanSelect:
		return x.executeSelect(ctx, logical.Select)
	case plan.PlanInsert:
		return x.executeInsert(ctx, logical.Insert)
	case plan.PlanUpdate:
		return x.executeUpdate(ctx, logical.Update)
	case plan.PlanDelete:
		return x.executeDelete(ctx, logical.Delete)
	case plan.PlanCreateTable:
		onFirstDDL()
		return x.executeCreateTable(ctx, logical.CreateTable)
	case plan.PlanCreateIndex:
		onFirstDDL()
		return x.executeCreateIndex(ctx, logical.CreateIndex)
	case plan.PlanDropTable:
		onFirstDDL()
		return x.executeDropTable(ctx, logical.DropTable)
	case plan.PlanAlterTable:
		onFirstDDL()
		return x.executeAlterTable(ctx, logical.AlterTable)
	}
	return nil, errors.Annotatef(basic.ErrPlan, "unsupported plan kind %d", logical.Kind)
}

// Checkpoint 刷全部脏页，写检查点记录并推进超级块
func (x *XEngine) Checkpoint() error {
	if err := x.bufferPool.FlushAll(manager.FlushForce); err != nil {
		return err
	}
	record := manager.NewCheckpointRecord(x.bufferPool.DirtyPageTable(), x.txnMgr.ActiveTransactions())
	lsn, err := x.logMgr.Append(record)
	if err != nil {
		return err
	}
	if err := x.logMgr.FlushUpTo(lsn); err != nil {
		return err
	}
	if err := x.disk.SetLastCheckpointLSN(lsn); err != nil {
		return err
	}
	return x.catalog.Persist()
}

func (x *XEngine) isClosed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

// Close 落盘并关闭。要求调用方已结束全部显式事务。
func (x *XEngine) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	x.mu.Unlock()

	if err := x.Checkpoint(); err != nil {
		return err
	}
	x.planCache.Close()
	if err := x.logMgr.Close(); err != nil {
		return err
	}
	if err := x.disk.Close(); err != nil {
		return err
	}
	logger.Infof("xengine closed %s", x.path)
	return nil
}
