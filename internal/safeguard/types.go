package safeguard

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SafeguardParams bounds an agent's permitted action rate, budget and
// per-action token usage. All-zero until explicitly configured; zeroed
// quotas mean no budget has been granted.
type SafeguardParams struct {
	MaxDailyRequests     uint64 `json:"max_daily_requests"`
	MaxBudget            uint64 `json:"max_budget"`
	RequireHumanApproval bool   `json:"require_human_approval"`
	MaxTokensPerRequest  uint64 `json:"max_tokens_per_request"`
}

// BudgetInfo tracks spend within the rolling budget window.
type BudgetInfo struct {
	TotalBudget        uint64 `json:"total_budget"`
	SpentBudget        uint64 `json:"spent_budget"`
	LastResetTimestamp int64  `json:"last_reset_timestamp"`
}

// AgentStats holds cumulative usage counters. None of them ever reset.
type AgentStats struct {
	TotalRequests        uint64 `json:"total_requests"`
	TotalInstances       uint64 `json:"total_instances"`
	LastRequestTimestamp int64  `json:"last_request_timestamp"`
	TotalTokensRequested uint64 `json:"total_tokens_requested"`
	TotalTokensResponded uint64 `json:"total_tokens_responded"`
}

// Directory is the narrow registry surface the governor consumes.
type Directory interface {
	SetAgentActive(ctx context.Context, caller common.Address, agentID uint64, active bool) error
	LogActivity(ctx context.Context, caller common.Address, agentID uint64, activityType, activityData string) error
}

// Event names emitted by the governor.
const (
	EventSafeguardsSet  = "safeguards_set"
	EventActionApproved = "action_approved"
	EventAgentPaused    = "agent_paused"
	EventBudgetSet      = "budget_set"
	EventActionRecorded = "action_recorded"
	EventMetadataLogged = "metadata_logged"
)

const (
	// budgetWindow 是滚动预算窗口的长度。
	budgetWindow = 30 * 24 * time.Hour
	// dailyWindow 是请求限流参照的时间窗口。
	dailyWindow = 24 * time.Hour
)
