package capability

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentOps-Ledger/internal/errors"
)

// Role names a permission an identity may hold. Gated ledger operations
// declare the role they require and resolve it through a Checker.
type Role string

const (
	RoleGovernance Role = "governance"
	RoleFeeManager Role = "fee-manager"
	RoleAdmin      Role = "admin"
	RoleUpgrader   Role = "upgrader"
)

// Checker resolves whether an identity holds a role. Implementations must be
// safe for concurrent use.
type Checker interface {
	Has(identity common.Address, role Role) bool
}

// IsValidRole 检查给定角色是否为支持的枚举值。
func IsValidRole(role Role) bool {
	switch role {
	case RoleGovernance, RoleFeeManager, RoleAdmin, RoleUpgrader:
		return true
	default:
		return false
	}
}

// ParseRole 将外部输入归一化为角色枚举。
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	return role, IsValidRole(role)
}

// MemoryStore 以内存方式保存身份与角色的授权关系。
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[common.Address]map[Role]struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[common.Address]map[Role]struct{})}
}

// Has 实现 Checker 接口。
func (m *MemoryStore) Has(identity common.Address, role Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roles, ok := m.grants[identity]
	if !ok {
		return false
	}
	_, ok = roles[role]
	return ok
}

// Bootstrap 在初始化阶段写入授权，不做权限校验。仅供启动装配使用。
func (m *MemoryStore) Bootstrap(identity common.Address, roles ...Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootstrapLocked(identity, roles...)
}

func (m *MemoryStore) bootstrapLocked(identity common.Address, roles ...Role) {
	set, ok := m.grants[identity]
	if !ok {
		set = make(map[Role]struct{})
		m.grants[identity] = set
	}
	for _, role := range roles {
		set[role] = struct{}{}
	}
}

// Grant 为身份授予角色。调用者必须持有 admin 能力。
func (m *MemoryStore) Grant(caller, identity common.Address, role Role) error {
	if !IsValidRole(role) {
		return xerrors.New(xerrors.CodeInvalidParameter, "unknown role: "+string(role))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasLocked(caller, RoleAdmin) {
		return xerrors.New(xerrors.CodeUnauthorized, "role grants require admin capability")
	}
	m.bootstrapLocked(identity, role)
	return nil
}

// Revoke 撤销身份的角色。调用者必须持有 admin 能力。
func (m *MemoryStore) Revoke(caller, identity common.Address, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasLocked(caller, RoleAdmin) {
		return xerrors.New(xerrors.CodeUnauthorized, "role revocation requires admin capability")
	}
	if roles, ok := m.grants[identity]; ok {
		delete(roles, role)
		if len(roles) == 0 {
			delete(m.grants, identity)
		}
	}
	return nil
}

func (m *MemoryStore) hasLocked(identity common.Address, role Role) bool {
	roles, ok := m.grants[identity]
	if !ok {
		return false
	}
	_, ok = roles[role]
	return ok
}

// ensure interface compliance at compile time
var _ Checker = (*MemoryStore)(nil)
