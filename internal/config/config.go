package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了账本守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Ledger     LedgerConfig     `json:"ledger"`
	Capability CapabilityConfig `json:"capability"`
	Events     EventsConfig     `json:"events"`
	Transfer   TransferConfig   `json:"transfer"`
	Archive    ArchiveConfig    `json:"archive"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LedgerConfig 控制账本核心的初始参数。
type LedgerConfig struct {
	ProtocolFeeBps  uint64 `json:"protocol_fee_bps"`
	GovernorAddress string `json:"governor_address"`
	PaymentAddress  string `json:"payment_address"`
}

// CapabilityConfig 指定角色授权的种子文件。
type CapabilityConfig struct {
	SeedFile string `json:"seed_file"`
}

// EventsConfig 选择事件通道的驱动。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisOptions   `json:"redis"`
	RabbitMQ RabbitMQOption `json:"rabbitmq"`
}

// RedisOptions 描述 Redis 事件通道的连接信息。
type RedisOptions struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQOption 描述 RabbitMQ 事件通道的连接信息。
type RabbitMQOption struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// TransferConfig 选择价值转移服务的驱动。
type TransferConfig struct {
	Driver         string `json:"driver"`
	RPCURL         string `json:"rpc_url"`
	CustodyAddress string `json:"custody_address"`
	ChainID        int64  `json:"chain_id"`
	SignerKeyEnv   string `json:"signer_key_env"`
}

// ArchiveConfig 选择支付归档的驱动。
type ArchiveConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Transfer.Driver == "" {
		c.Transfer.Driver = "memory"
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = "memory"
	}

	// 治理与支付子系统转发调用时使用的服务身份。
	if c.Ledger.GovernorAddress == "" {
		c.Ledger.GovernorAddress = "0x0000000000000000000000000000000000000101"
	}
	if c.Ledger.PaymentAddress == "" {
		c.Ledger.PaymentAddress = "0x0000000000000000000000000000000000000102"
	}

	if c.Transfer.SignerKeyEnv == "" {
		c.Transfer.SignerKeyEnv = "AGENTLEDGER_SIGNER_KEY"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Capability.SeedFile != "" && !filepath.IsAbs(c.Capability.SeedFile) {
		c.Capability.SeedFile = filepath.Join(baseDir, c.Capability.SeedFile)
	}
}
