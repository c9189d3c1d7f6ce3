package safeguard

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

// Governor 管理每个智能体的配额、滚动预算窗口与使用统计，
// 并在每次计量动作前执行组合安全检查。
type Governor struct {
	mu       sync.RWMutex
	caps     capability.Checker
	pause    *ledger.Pause
	bus      event.Bus
	registry Directory
	self     common.Address
	now      ledger.Clock
	log      *slog.Logger

	params  map[uint64]SafeguardParams
	budgets map[uint64]BudgetInfo
	stats   map[uint64]AgentStats
}

// Option 定义可选的 Governor 配置。
type Option func(*Governor)

// WithClock 注入时钟，主要用于测试。
func WithClock(clock ledger.Clock) Option {
	return func(g *Governor) {
		if clock != nil {
			g.now = clock
		}
	}
}

// New 创建 Governor。self 是它转发注册表调用时使用的服务身份，
// 装配阶段需要为其授予治理能力。
func New(caps capability.Checker, pause *ledger.Pause, bus event.Bus, registry Directory, self common.Address, opts ...Option) *Governor {
	g := &Governor{
		caps:     caps,
		pause:    pause,
		bus:      bus,
		registry: registry,
		self:     self,
		now:      time.Now,
		log:      logger.Named("safeguard"),
		params:   make(map[uint64]SafeguardParams),
		budgets:  make(map[uint64]BudgetInfo),
		stats:    make(map[uint64]AgentStats),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// SetSafeguards 由治理角色整体替换智能体的安全参数。
func (g *Governor) SetSafeguards(ctx context.Context, caller common.Address, agentID uint64, params SafeguardParams) error {
	if err := g.pause.Check(); err != nil {
		return err
	}
	if !g.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "safeguard configuration requires governance capability")
	}

	g.mu.Lock()
	g.params[agentID] = params
	g.mu.Unlock()

	g.emit(ctx, event.New(EventSafeguardsSet, agentID, g.now().Unix(), map[string]string{
		"max_daily_requests":     strconv.FormatUint(params.MaxDailyRequests, 10),
		"max_budget":             strconv.FormatUint(params.MaxBudget, 10),
		"max_tokens_per_request": strconv.FormatUint(params.MaxTokensPerRequest, 10),
		"require_human_approval": strconv.FormatBool(params.RequireHumanApproval),
	}))
	return nil
}

// ApproveAction 记录治理角色对某个动作的批准。纯审计动作，不改变状态。
func (g *Governor) ApproveAction(ctx context.Context, caller common.Address, agentID uint64, actionDescriptor string) error {
	if err := g.pause.Check(); err != nil {
		return err
	}
	if !g.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "action approval requires governance capability")
	}

	g.emit(ctx, event.New(EventActionApproved, agentID, g.now().Unix(), map[string]string{
		"action": actionDescriptor,
	}))
	logger.Audit().Info("action approved",
		slog.Uint64("agent_id", agentID),
		slog.String("action", actionDescriptor),
		slog.String("approver", caller.Hex()),
	)
	return nil
}

// PauseAgent 由治理角色暂停智能体，通过注册表停用其激活标志。
func (g *Governor) PauseAgent(ctx context.Context, caller common.Address, agentID uint64) error {
	if err := g.pause.Check(); err != nil {
		return err
	}
	if !g.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "agent pause requires governance capability")
	}

	if err := g.registry.SetAgentActive(ctx, g.self, agentID, false); err != nil {
		return err
	}

	g.emit(ctx, event.New(EventAgentPaused, agentID, g.now().Unix(), nil))
	return nil
}

// SetBudget 由治理角色设置总预算。无条件清零已花费金额并重置窗口起点。
func (g *Governor) SetBudget(ctx context.Context, caller common.Address, agentID uint64, totalBudget uint64) error {
	if err := g.pause.Check(); err != nil {
		return err
	}
	if !g.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "budget configuration requires governance capability")
	}

	now := g.now().Unix()
	g.mu.Lock()
	g.budgets[agentID] = BudgetInfo{
		TotalBudget:        totalBudget,
		SpentBudget:        0,
		LastResetTimestamp: now,
	}
	g.mu.Unlock()

	g.emit(ctx, event.New(EventBudgetSet, agentID, now, map[string]string{
		"total_budget": strconv.FormatUint(totalBudget, 10),
	}))
	return nil
}

// RecordAgentAction 记录一次计量动作。组合安全检查先行，
// 统计、预算、注册表日志与事件要么全部生效，要么全部不生效。
func (g *Governor) RecordAgentAction(ctx context.Context, agentID uint64, cost, tokensRequested, tokensResponded uint64, isNewInstance bool) error {
	if err := g.pause.Check(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	params := g.params[agentID]
	budget := g.budgets[agentID]
	stats := g.stats[agentID]
	now := g.now()

	if err := checkSafeguards(params, budget, stats, now, cost, tokensRequested, tokensResponded); err != nil {
		return err
	}

	// 先转发注册表日志：它失败时本地状态尚未变更，整个操作原子失败。
	if err := g.registry.LogActivity(ctx, g.self, agentID, "agent_action", ""); err != nil {
		return err
	}

	stats.TotalRequests++
	if isNewInstance {
		stats.TotalInstances++
	}
	stats.LastRequestTimestamp = now.Unix()
	stats.TotalTokensRequested += tokensRequested
	stats.TotalTokensResponded += tokensResponded
	g.stats[agentID] = stats

	// 滚动窗口：越界时把已花费金额重置为本次费用并推进窗口起点。
	if now.Sub(time.Unix(budget.LastResetTimestamp, 0)) >= budgetWindow {
		budget.SpentBudget = cost
		budget.LastResetTimestamp = now.Unix()
	} else {
		budget.SpentBudget += cost
	}
	g.budgets[agentID] = budget

	g.emit(ctx, event.New(EventActionRecorded, agentID, now.Unix(), map[string]string{
		"cost":             strconv.FormatUint(cost, 10),
		"tokens_requested": strconv.FormatUint(tokensRequested, 10),
		"tokens_responded": strconv.FormatUint(tokensResponded, 10),
		"new_instance":     strconv.FormatBool(isNewInstance),
	}))
	return nil
}

// checkSafeguards 执行组合安全检查。纯函数，无任何副作用。
// requireHumanApproval 只被记录，批准流程由外部组件负责。
func checkSafeguards(params SafeguardParams, budget BudgetInfo, stats AgentStats, now time.Time, cost, tokensRequested, tokensResponded uint64) error {
	// 日请求配额以上一次请求的时间为基准，而非固定的日历日。
	if stats.TotalRequests >= params.MaxDailyRequests &&
		now.Sub(time.Unix(stats.LastRequestTimestamp, 0)) < dailyWindow {
		return xerrors.New(xerrors.CodeSafeguardViolation, "daily request quota exceeded")
	}
	// 预算检查使用滚动前的已花费金额，不考虑窗口是否即将越界。
	if budget.SpentBudget+cost > budget.TotalBudget {
		return xerrors.New(xerrors.CodeSafeguardViolation, "budget exceeded")
	}
	if tokensRequested > params.MaxTokensPerRequest || tokensResponded > params.MaxTokensPerRequest {
		return xerrors.New(xerrors.CodeSafeguardViolation, "token limit exceeded")
	}
	return nil
}

// LogMetadata 记录一条外部元数据哈希。纯审计动作，不改变状态。
func (g *Governor) LogMetadata(ctx context.Context, caller common.Address, agentID uint64, externalHash string) error {
	if err := g.pause.Check(); err != nil {
		return err
	}
	if !g.caps.Has(caller, capability.RoleGovernance) {
		return xerrors.New(xerrors.CodeUnauthorized, "metadata logging requires governance capability")
	}

	g.emit(ctx, event.New(EventMetadataLogged, agentID, g.now().Unix(), map[string]string{
		"external_hash": externalHash,
	}))
	return nil
}

// GetSafeguardParams 返回智能体的安全参数。未配置时为全零默认值。
func (g *Governor) GetSafeguardParams(agentID uint64) SafeguardParams {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params[agentID]
}

// GetBudgetInfo 返回智能体的预算信息。未配置时为全零默认值。
func (g *Governor) GetBudgetInfo(agentID uint64) BudgetInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.budgets[agentID]
}

// GetAgentStats 返回智能体的使用统计。
func (g *Governor) GetAgentStats(agentID uint64) AgentStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stats[agentID]
}

// emit 发布事件。总线失败只记录日志，不回滚已提交的状态。
func (g *Governor) emit(ctx context.Context, evt event.Event) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(ctx, evt); err != nil {
		g.log.Warn("event publish failed",
			slog.String("event", evt.Name),
			slog.Any("error", err),
		)
	}
}
