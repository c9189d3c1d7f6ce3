package ledger

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentOps-Ledger/internal/capability"
	xerrors "AgentOps-Ledger/internal/errors"
)

// Clock supplies "now" to the ledger components. Injected so the budget
// window and throttle arithmetic can be exercised deterministically.
type Clock func() time.Time

// Pause 持有全局暂停标志。所有组件的写操作在入口处检查它，
// 读操作不受影响。
type Pause struct {
	mu     sync.RWMutex
	paused bool
	caps   capability.Checker
}

// NewPause 创建暂停控制器。
func NewPause(caps capability.Checker) *Pause {
	return &Pause{caps: caps}
}

// SetPaused 切换全局暂停标志。调用者必须持有 admin 能力。
func (p *Pause) SetPaused(caller common.Address, paused bool) error {
	if p == nil || p.caps == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "pause controller not initialized")
	}
	if !p.caps.Has(caller, capability.RoleAdmin) {
		return xerrors.New(xerrors.CodeUnauthorized, "pause control requires admin capability")
	}
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	return nil
}

// Paused 返回当前暂停状态。
func (p *Pause) Paused() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Check 在写操作入口处调用。暂停时返回 SYSTEM_PAUSED。
func (p *Pause) Check() error {
	if p.Paused() {
		return xerrors.New(xerrors.CodeSystemPaused, "")
	}
	return nil
}
