package payment

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentOps-Ledger/internal/errors"
	"AgentOps-Ledger/internal/registry"
)

// WalletInfo holds one identity's spendable balance and cumulative audit
// figures. TotalEarned and TotalPaid never decrease.
type WalletInfo struct {
	Balance     uint64 `json:"balance"`
	TotalEarned uint64 `json:"total_earned"`
	TotalPaid   uint64 `json:"total_paid"`
}

// PaymentRecord is an immutable settled payment, keyed by a 1-based
// sequential payment id that is never reused.
type PaymentRecord struct {
	AgentID   uint64         `json:"agent_id"`
	Payer     common.Address `json:"payer"`
	Amount    uint64         `json:"amount"`
	Timestamp int64          `json:"timestamp"`
}

// Directory is the narrow registry surface the payment ledger consumes.
type Directory interface {
	GetAgentDetails(agentID uint64) (*registry.Agent, error)
	DistributeRoyalty(ctx context.Context, caller common.Address, agentID uint64, amount uint64) error
	LogActivity(ctx context.Context, caller common.Address, agentID uint64, activityType, activityData string) error
}

// Event names emitted by the payment ledger.
const (
	EventPaymentProcessed  = "payment_processed"
	EventRoyaltyPaid       = "royalty_paid"
	EventUsageChargeSet    = "usage_charge_set"
	EventFundsWithdrawn    = "funds_withdrawn"
	EventProtocolFeeUpdate = "protocol_fee_updated"
)

const (
	// BasisPoints 是费率运算的分母，10000 即 100%。
	BasisPoints = 10000
	// MaxFeePercentage 是协议费的上限（2000 bps = 20%）。
	MaxFeePercentage = 2000
)

var (
	// ErrInsufficientBalance 表示提现金额超出钱包余额。
	ErrInsufficientBalance = xerrors.New(xerrors.CodeInsufficientBalance, "withdrawal exceeds wallet balance")
	// ErrPaymentNotFound 表示指定的支付记录不存在。
	ErrPaymentNotFound = xerrors.New(xerrors.CodeNotFound, "payment not found")
)

// CalculateRoyaltyAmount 按基点比例对金额取整数下限。
func CalculateRoyaltyAmount(amount, royaltyBps uint64) uint64 {
	return amount * royaltyBps / BasisPoints
}
