package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentOps-Ledger/internal/errors"
)

// custodyABI 是托管合约对外暴露的最小接口。
const custodyABI = `[
  {"type":"function","name":"pull","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"push","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// EVMConfig describes how to reach the custody contract on an EVM chain.
type EVMConfig struct {
	RPCURL  string
	Custody common.Address
}

// EVMService settles pulls and pushes against a custody contract through a
// go-ethereum client. Transaction signing is delegated to the injected
// TransactOpts; key management stays outside the ledger core.
type EVMService struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
	signer    *bind.TransactOpts
}

// NewEVMService 连接 RPC 节点并绑定托管合约。
func NewEVMService(ctx context.Context, cfg EVMConfig, signer *bind.TransactOpts) (*EVMService, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("evm rpc url cannot be empty")
	}
	if signer == nil {
		return nil, errors.New("evm transfer service requires a transaction signer")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm node: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("parse custody abi: %w", err)
	}

	return &EVMService{
		rpcClient: rpcClient,
		eth:       eth,
		contract:  bind.NewBoundContract(cfg.Custody, parsed, eth, eth, eth),
		signer:    signer,
	}, nil
}

// Pull 实现 Service 接口，提交托管合约的 pull 交易并等待上链。
func (s *EVMService) Pull(ctx context.Context, from common.Address, amount uint64) error {
	return s.transact(ctx, "pull", from, amount)
}

// Push 实现 Service 接口，提交托管合约的 push 交易并等待上链。
func (s *EVMService) Push(ctx context.Context, to common.Address, amount uint64) error {
	return s.transact(ctx, "push", to, amount)
}

func (s *EVMService) transact(ctx context.Context, method string, subject common.Address, amount uint64) error {
	if s == nil || s.contract == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "evm transfer service not initialized")
	}

	opts := *s.signer
	opts.Context = ctx

	tx, err := s.contract.Transact(&opts, method, subject, new(big.Int).SetUint64(amount))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransferFailed, err, "submit "+method+" transaction")
	}

	receipt, err := bind.WaitMined(ctx, s.eth, tx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransferFailed, err, "await "+method+" transaction")
	}
	if receipt.Status == 0 {
		return xerrors.New(xerrors.CodeTransferFailed, method+" transaction reverted",
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	return nil
}

// Close 释放底层网络连接。
func (s *EVMService) Close() error {
	if s == nil {
		return nil
	}
	if s.eth != nil {
		s.eth.Close()
	}
	if s.rpcClient != nil {
		s.rpcClient.Close()
	}
	return nil
}

var _ Service = (*EVMService)(nil)
