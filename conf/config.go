package conf

import (
	"time"

	"github.com/zhukovaskychina/xengine/logger"

	"gopkg.in/ini.v1"
)

// CommandLineArgs 命令行参数
type CommandLineArgs struct {
	ConfigPath string
}

/*
*
[engine]
page_size            = 4096
buffer_pool_pages    = 256
wal_path             =
lock_wait_timeout    = 10s
text_index_key_size  = 128

[logs]
log_error =
log_infos =
log_level = info
*/
type Cfg struct {
	Raw *ini.File

	// engine
	PageSize        int    `default:"4096"`
	BufferPoolPages int    `default:"256"`
	WalPath         string `default:""`
	CatalogPath     string `default:""`

	LockWaitTimeout         string `default:"10s"`
	LockWaitTimeoutDuration time.Duration

	// 文本索引键定宽负载（不含2字节长度前缀）
	TextIndexKeySize int `default:"128"`

	// 大对象内联阈值，超过则走溢出链
	BlobInlineLimit int `default:"512"`

	// logs
	LogError string `default:""`
	LogInfos string `default:""`
	LogLevel string `default:"info"`
}

// NewCfg 返回带默认值的配置
func NewCfg() *Cfg {
	return &Cfg{
		Raw:              ini.Empty(),
		PageSize:         4096,
		BufferPoolPages:  256,
		LockWaitTimeout:  "10s",
		TextIndexKeySize: 128,
		BlobInlineLimit:  512,
		LogLevel:         "info",
	}
}

// Load 加载ini配置文件，未给路径时仅使用默认值
func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	if args != nil && args.ConfigPath != "" {
		iniFile, err := ini.Load(args.ConfigPath)
		if err != nil {
			logger.Errorf("加载配置文件时有异常: %v", err)
		} else {
			cfg.Raw = iniFile
			cfg.parseEngineCfg(cfg.Raw.Section("engine"))
			cfg.parseLogsCfg(cfg.Raw.Section("logs"))
		}
	}

	duration, err := time.ParseDuration(cfg.LockWaitTimeout)
	if err != nil {
		duration = 10 * time.Second
	}
	cfg.LockWaitTimeoutDuration = duration
	return cfg
}

func (cfg *Cfg) parseEngineCfg(section *ini.Section) {
	if key, err := section.GetKey("page_size"); err == nil {
		cfg.PageSize = key.MustInt(cfg.PageSize)
	}
	if key, err := section.GetKey("buffer_pool_pages"); err == nil {
		cfg.BufferPoolPages = key.MustInt(cfg.BufferPoolPages)
	}
	if key, err := section.GetKey("wal_path"); err == nil {
		cfg.WalPath = key.MustString(cfg.WalPath)
	}
	if key, err := section.GetKey("catalog_path"); err == nil {
		cfg.CatalogPath = key.MustString(cfg.CatalogPath)
	}
	if key, err := section.GetKey("lock_wait_timeout"); err == nil {
		cfg.LockWaitTimeout = key.MustString(cfg.LockWaitTimeout)
	}
	if key, err := section.GetKey("text_index_key_size"); err == nil {
		cfg.TextIndexKeySize = key.MustInt(cfg.TextIndexKeySize)
	}
	if key, err := section.GetKey("blob_inline_limit"); err == nil {
		cfg.BlobInlineLimit = key.MustInt(cfg.BlobInlineLimit)
	}
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	if key, err := section.GetKey("log_error"); err == nil {
		cfg.LogError = key.MustString(cfg.LogError)
	}
	if key, err := section.GetKey("log_infos"); err == nil {
		cfg.LogInfos = key.MustString(cfg.LogInfos)
	}
	if key, err := section.GetKey("log_level"); err == nil {
		cfg.LogLevel = key.MustString(cfg.LogLevel)
	}
}
