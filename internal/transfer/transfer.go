package transfer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentOps-Ledger/internal/errors"
)

// Service moves fungible value between external identities and the ledger's
// custody. Both calls are synchronous and fallible; the payment ledger treats
// any error as whole-operation failure.
type Service interface {
	// Pull 将 amount 从 from 划入账本托管。
	Pull(ctx context.Context, from common.Address, amount uint64) error
	// Push 将 amount 从账本托管划给 to。
	Push(ctx context.Context, to common.Address, amount uint64) error
	Close() error
}

// MemoryService 以内存余额模拟价值转移，主要用于测试与开发环境。
type MemoryService struct {
	mu       sync.Mutex
	balances map[common.Address]uint64
	custody  uint64
	pullErr  error
	pushErr  error
}

// NewMemoryService 创建 MemoryService。
func NewMemoryService() *MemoryService {
	return &MemoryService{balances: make(map[common.Address]uint64)}
}

// Credit 为指定身份充值，仅供测试与开发装配使用。
func (m *MemoryService) Credit(identity common.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[identity] += amount
}

// BalanceOf 返回指定身份的外部余额。
func (m *MemoryService) BalanceOf(identity common.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[identity]
}

// Custody 返回当前托管总额。
func (m *MemoryService) Custody() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.custody
}

// FailPullWith 注入下一次 Pull 调用的错误。
func (m *MemoryService) FailPullWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullErr = err
}

// FailPushWith 注入下一次 Push 调用的错误。
func (m *MemoryService) FailPushWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushErr = err
}

// Pull 实现 Service 接口。
func (m *MemoryService) Pull(_ context.Context, from common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pullErr != nil {
		err := m.pullErr
		m.pullErr = nil
		return err
	}
	if m.balances[from] < amount {
		return xerrors.New(xerrors.CodeTransferFailed, "payer balance insufficient")
	}
	m.balances[from] -= amount
	m.custody += amount
	return nil
}

// Push 实现 Service 接口。
func (m *MemoryService) Push(_ context.Context, to common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		err := m.pushErr
		m.pushErr = nil
		return err
	}
	if m.custody < amount {
		return xerrors.New(xerrors.CodeTransferFailed, "custody balance insufficient")
	}
	m.custody -= amount
	m.balances[to] += amount
	return nil
}

// Close 对内存实现无需操作。
func (m *MemoryService) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Service = (*MemoryService)(nil)
