package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentOps-Ledger/internal/api"
	"AgentOps-Ledger/internal/capability"
	"AgentOps-Ledger/internal/config"
	"AgentOps-Ledger/internal/event"
	"AgentOps-Ledger/internal/ledger"
	"AgentOps-Ledger/internal/payment"
	"AgentOps-Ledger/internal/registry"
	"AgentOps-Ledger/internal/safeguard"
	"AgentOps-Ledger/internal/storage/mysql"
	"AgentOps-Ledger/internal/transfer"
	"AgentOps-Ledger/pkg/logger"
)

// main 是账本守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentledgerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTLEDGER_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentledger.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 能力授权：加载种子文件，并为两个服务身份授予治理能力。
	caps := capability.NewMemoryStore()
	seeds, err := capability.LoadSeedFile(cfg.Capability.SeedFile)
	if err != nil {
		return err
	}
	if err := caps.ApplySeeds(seeds); err != nil {
		return err
	}

	governorSelf, err := parseIdentity("governor_address", cfg.Ledger.GovernorAddress)
	if err != nil {
		return err
	}
	paymentSelf, err := parseIdentity("payment_address", cfg.Ledger.PaymentAddress)
	if err != nil {
		return err
	}
	caps.Bootstrap(governorSelf, capability.RoleGovernance)
	caps.Bootstrap(paymentSelf, capability.RoleGovernance)

	pause := ledger.NewPause(caps)

	bus, err := createEventBus(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Printf("关闭事件通道失败: %v", err)
		}
	}()

	transferSvc, err := createTransferService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := transferSvc.Close(); err != nil {
			log.Printf("关闭划转服务失败: %v", err)
		}
	}()

	reg := registry.New(caps, pause, bus)
	gov := safeguard.New(caps, pause, bus, reg, governorSelf)

	paymentOpts := []payment.Option{payment.WithProtocolFee(cfg.Ledger.ProtocolFeeBps)}
	archive, err := createPaymentArchive(cfg)
	if err != nil {
		return err
	}
	if archive != nil {
		paymentOpts = append(paymentOpts, payment.WithArchive(archive))
		if closer, ok := archive.(interface{ Close() error }); ok {
			defer closer.Close()
		}
	}
	pay := payment.New(caps, pause, bus, reg, transferSvc, paymentSelf, paymentOpts...)

	server := api.NewServer(cfg.Server.Address, reg, gov, pay, pause)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseIdentity(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("配置项 %s 不是有效地址: %s", field, raw)
	}
	return common.HexToAddress(raw), nil
}

func createEventBus(cfg *config.Config) (event.Bus, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return event.NewMemoryBus(1024), nil
	case "redis":
		return event.NewRedisBus(event.RedisBusConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Channel,
		})
	case "rabbitmq":
		return event.NewRabbitMQBus(event.RabbitMQBusConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

func createTransferService(ctx context.Context, cfg *config.Config) (transfer.Service, error) {
	switch cfg.Transfer.Driver {
	case "", "memory":
		return transfer.NewMemoryService(), nil
	case "ethereum":
		signer, err := createSigner(cfg)
		if err != nil {
			return nil, err
		}
		return transfer.NewEVMService(ctx, transfer.EVMConfig{
			RPCURL:  cfg.Transfer.RPCURL,
			Custody: common.HexToAddress(cfg.Transfer.CustodyAddress),
		}, signer)
	default:
		return nil, fmt.Errorf("未知的划转驱动: %s", cfg.Transfer.Driver)
	}
}

// createSigner 从环境变量读取签名私钥。密钥管理不进配置文件。
func createSigner(cfg *config.Config) (*bind.TransactOpts, error) {
	raw := strings.TrimSpace(os.Getenv(cfg.Transfer.SignerKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("ethereum 划转驱动需要在环境变量 %s 中提供签名私钥", cfg.Transfer.SignerKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	if cfg.Transfer.ChainID <= 0 {
		return nil, errors.New("ethereum 划转驱动需要配置 chain_id")
	}
	return bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.Transfer.ChainID))
}

func createPaymentArchive(cfg *config.Config) (mysql.PaymentArchive, error) {
	switch cfg.Archive.Driver {
	case "", "memory":
		return mysql.NewMemoryPaymentArchive(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLPaymentArchive(cfg.Archive.DSN)
	default:
		return nil, fmt.Errorf("未知的归档驱动: %s", cfg.Archive.Driver)
	}
}
