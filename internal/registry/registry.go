package registry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentOps-Ledger/internal/capability"
	xerrors "AgentOps-Ledger/internal/errors"
	"AgentOps-Ledger/internal/event"
	"AgentOps-Ledger/internal/ledger"
	"AgentOps-Ledger/pkg/logger"
)

// Registry 管理智能体的身份、归属、活动日志与实例计数，
// 是三个子系统中唯一不依赖其他组件的叶子模块。
type Registry struct {
	mu    sync.RWMutex
	caps  capability.Checker
	pause *ledger.Pause
	bus   event.Bus
	now   ledger.Clock
	log   *slog.Logger

	agents    map[uint64]*Agent
	activity  map[uint64][]ActivityLogEntry
	instances map[uint64]uint64
	nextID    uint64
}

// Option 定义可选的 Registry 配置。
type Option func(*Registry)

// WithClock 注入时钟，主要用于测试。
func WithClock(clock ledger.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// New 创建 Registry。
func New(caps capability.Checker, pause *ledger.Pause, bus event.Bus, opts ...Option) *Registry {
	r := &Registry{
		caps:      caps,
		pause:     pause,
		bus:       bus,
		now:       time.Now,
		log:       logger.Named("registry"),
		agents:    make(map[uint64]*Agent),
		activity:  make(map[uint64][]ActivityLogEntry),
		instances: make(map[uint64]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterAgent 注册一个新的智能体并返回其编号。编号单调递增且永不复用。
func (r *Registry) RegisterAgent(ctx context.Context, caller common.Address, metadataHash string, royaltyPercentage uint64, workflowHash, llmDetailsHash, dataSourceHash string) (uint64, error) {
	if err := r.pause.Check(); err != nil {
		return 0, err
	}
	if royaltyPercentage > maxPercentage {
		return 0, xerrors.New(xerrors.CodeInvalidParameter, "royalty percentage exceeds 100")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	now := r.now().Unix()
	r.agents[id] = &Agent{
		ID:                id,
		Owner:             caller,
		MetadataHash:      metadataHash,
		Active:            true,
		RegistrationTime:  now,
		RoyaltyPercentage: royaltyPercentage,
		WorkflowHash:      workflowHash,
		LLMDetailsHash:    llmDetailsHash,
		DataSourceHash:    dataSourceHash,
	}

	r.emit(ctx, event.New(EventAgentRegistered, id, now, map[string]string{
		"owner": caller.Hex(),
	}))
	logger.Audit().Info("agent registered",
		slog.Uint64("agent_id", id),
		slog.String("owner", caller.Hex()),
	)
	return id, nil
}

// UpdateAgentMetadata 原子地替换智能体的四个内容哈希。
func (r *Registry) UpdateAgentMetadata(ctx context.Context, caller common.Address, agentID uint64, metadataHash, workflowHash, llmDetailsHash, dataSourceHash string) error {
	if err := r.pause.Check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.Owner != caller {
		return xerrors.New(xerrors.CodeUnauthorized, "only the agent owner may update metadata")
	}
	if !agent.Active {
		return ErrAgentInactive
	}

	agent.MetadataHash = metadataHash
	agent.WorkflowHash = workflowHash
	agent.LLMDetailsHash = llmDetailsHash
	agent.DataSourceHash = dataSourceHash

	r.emit(ctx, event.New(EventMetadataUpdated, agentID, r.now().Unix(), nil))
	return nil
}

// SetAgentActive 切换智能体的激活标志。拥有者或治理角色可调用。
func (r *Registry) SetAgentActive(ctx context.Context, caller common.Address, agentID uint64, active bool) error {
	if err := r.pause.Check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.Owner != caller && !r.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "activation toggle requires owner or governance capability")
	}

	agent.Active = active

	name := EventAgentDeactivated
	if active {
		name = EventAgentReactivated
	}
	r.emit(ctx, event.New(name, agentID, r.now().Unix(), nil))
	logger.Audit().Info("agent active flag changed",
		slog.Uint64("agent_id", agentID),
		slog.Bool("active", active),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// CreateNewInstance 为激活状态的智能体递增实例计数并返回新值。
func (r *Registry) CreateNewInstance(ctx context.Context, agentID uint64) (uint64, error) {
	if err := r.pause.Check(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return 0, ErrAgentNotFound
	}
	if !agent.Active {
		return 0, ErrAgentInactive
	}

	r.instances[agentID]++
	count := r.instances[agentID]

	r.emit(ctx, event.New(EventInstanceCreated, agentID, r.now().Unix(), map[string]string{
		"instance_count": strconv.FormatUint(count, 10),
	}))
	return count, nil
}

// SetRoyaltyAmount 由拥有者设置分成比例（0-100）。
func (r *Registry) SetRoyaltyAmount(ctx context.Context, caller common.Address, agentID uint64, percentage uint64) error {
	if err := r.pause.Check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.Owner != caller {
		return xerrors.New(xerrors.CodeUnauthorized, "only the agent owner may set royalty")
	}
	if percentage > maxPercentage {
		return xerrors.New(xerrors.CodeInvalidParameter, "royalty percentage exceeds 100")
	}

	agent.RoyaltyPercentage = percentage
	r.emit(ctx, event.New(EventRoyaltySet, agentID, r.now().Unix(), map[string]string{
		"percentage": strconv.FormatUint(percentage, 10),
	}))
	return nil
}

// UpdateReputation 由治理角色更新声誉分（0-100）。
func (r *Registry) UpdateReputation(ctx context.Context, caller common.Address, agentID uint64, score uint64) error {
	if err := r.pause.Check(); err != nil {
		return err
	}
	if !r.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "reputation updates require governance capability")
	}
	if score > maxPercentage {
		return xerrors.New(xerrors.CodeInvalidParameter, "reputation score exceeds 100")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	agent.ReputationScore = score

	r.emit(ctx, event.New(EventReputationUpdated, agentID, r.now().Unix(), map[string]string{
		"score": strconv.FormatUint(score, 10),
	}))
	return nil
}

// DistributeRoyalty 记录一次分成发放。资金划转发生在支付账本，
// 此处仅作为通知挂钩，不做任何余额变更。
func (r *Registry) DistributeRoyalty(ctx context.Context, caller common.Address, agentID uint64, amount uint64) error {
	if err := r.pause.Check(); err != nil {
		return err
	}
	if !r.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "royalty distribution requires governance capability")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if !agent.Active {
		return ErrAgentInactive
	}

	r.emit(ctx, event.New(EventRoyaltyDistributed, agentID, r.now().Unix(), map[string]string{
		"amount": strconv.FormatUint(amount, 10),
	}))
	logger.Audit().Info("royalty distribution recorded",
		slog.Uint64("agent_id", agentID),
		slog.Uint64("amount", amount),
	)
	return nil
}

// LogActivity 由治理角色为智能体追加一条活动日志。
func (r *Registry) LogActivity(ctx context.Context, caller common.Address, agentID uint64, activityType, activityData string) error {
	if err := r.pause.Check(); err != nil {
		return err
	}
	if !r.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "activity logging requires governance capability")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return ErrAgentNotFound
	}

	r.activity[agentID] = append(r.activity[agentID], ActivityLogEntry{
		Timestamp:    r.now().Unix(),
		ActivityType: activityType,
		ActivityData: activityData,
	})

	r.emit(ctx, event.New(EventActivityLogged, agentID, r.now().Unix(), map[string]string{
		"activity_type": activityType,
	}))
	return nil
}

// GetAgentMetadataHash 返回智能体的元数据哈希。
func (r *Registry) GetAgentMetadataHash(agentID uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return "", ErrAgentNotFound
	}
	return agent.MetadataHash, nil
}

// GetAgentDetails 返回智能体记录的副本。
func (r *Registry) GetAgentDetails(agentID uint64) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

// GetActivityLog 返回 [start, end) 区间内的活动日志。
// start >= end 或 end 超出日志长度时返回 RANGE_ERROR。
func (r *Registry) GetActivityLog(agentID uint64, start, end uint64) ([]ActivityLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.agents[agentID]; !ok {
		return nil, ErrAgentNotFound
	}
	entries := r.activity[agentID]
	if start >= end || end > uint64(len(entries)) {
		return nil, xerrors.New(xerrors.CodeRangeError, "activity log range out of bounds")
	}

	out := make([]ActivityLogEntry, end-start)
	copy(out, entries[start:end])
	return out, nil
}

// GetActivityLogLength 返回智能体活动日志的长度。
func (r *Registry) GetActivityLogLength(agentID uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[agentID]; !ok {
		return 0, ErrAgentNotFound
	}
	return uint64(len(r.activity[agentID])), nil
}

// GetInstanceCount 返回智能体的实例计数。
func (r *Registry) GetInstanceCount(agentID uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[agentID]; !ok {
		return 0, ErrAgentNotFound
	}
	return r.instances[agentID], nil
}

// emit 发布事件。总线失败只记录日志，不回滚已提交的状态。
func (r *Registry) emit(ctx context.Context, evt event.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, evt); err != nil {
		r.log.Warn("event publish failed",
			slog.String("event", evt.Name),
			slog.Any("error", err),
		)
	}
}
