package payment

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
	"AgentOps-Ledger/internal/storage/mysql"
	"AgentOps-Ledger/internal/transfer"
	"AgentOps-Ledger/pkg/logger"
)

// Ledger 管理钱包余额、费率运算、支付记录与提现。
type Ledger struct {
	mu       sync.RWMutex
	caps     capability.Checker
	pause    *ledger.Pause
	bus      event.Bus
	registry Directory
	transfer transfer.Service
	archive  mysql.PaymentArchive
	self     common.Address
	now      ledger.Clock
	log      *slog.Logger

	protocolFeeBps uint64
	wallets        map[common.Address]WalletInfo
	payments       map[uint64]*PaymentRecord
	charges        map[uint64]uint64
	nextPaymentID  uint64
}

// Option 定义可选的 Ledger 配置。
type Option func(*Ledger)

// WithClock 注入时钟，主要用于测试。
func WithClock(clock ledger.Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithArchive 配置支付归档。归档写入发生在提交之后，失败不影响账本。
func WithArchive(archive mysql.PaymentArchive) Option {
	return func(l *Ledger) {
		l.archive = archive
	}
}

// WithProtocolFee 设置初始协议费（基点）。超出上限时被忽略。
func WithProtocolFee(feeBps uint64) Option {
	return func(l *Ledger) {
		if feeBps <= MaxFeePercentage {
			l.protocolFeeBps = feeBps
		}
	}
}

// New 创建 Ledger。self 是它转发注册表调用时使用的服务身份，
// 装配阶段需要为其授予治理能力。
func New(caps capability.Checker, pause *ledger.Pause, bus event.Bus, registry Directory, svc transfer.Service, self common.Address, opts ...Option) *Ledger {
	l := &Ledger{
		caps:     caps,
		pause:    pause,
		bus:      bus,
		registry: registry,
		transfer: svc,
		self:     self,
		now:      time.Now,
		log:      logger.Named("payment"),
		wallets:  make(map[common.Address]WalletInfo),
		payments: make(map[uint64]*PaymentRecord),
		charges:  make(map[uint64]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// ProcessPayment 结算一笔计量支付：从付款方划入金额，扣除协议费，
// 按分成比例入账给智能体拥有者，并记录支付流水。
// 任何一步失败都不会留下部分入账；划款之后的失败会触发补偿退款。
func (l *Ledger) ProcessPayment(ctx context.Context, payer common.Address, agentID uint64, amount uint64) (uint64, error) {
	if err := l.pause.Check(); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, xerrors.New(xerrors.CodeInvalidParameter, "payment amount must be positive")
	}

	agent, err := l.registry.GetAgentDetails(agentID)
	if err != nil {
		return 0, err
	}
	if !agent.Active {
		return 0, xerrors.New(xerrors.CodeAgentInactive, "")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.transfer.Pull(ctx, payer, amount); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTransferFailed, err, "pull payment funds")
	}

	protocolFee := amount * l.protocolFeeBps / BasisPoints
	remaining := amount - protocolFee
	// 注册表的分成比例是 0-100 标度，先换算成基点再套用费率公式。
	royalty := CalculateRoyaltyAmount(remaining, agent.RoyaltyPercentage*100)

	paymentID := l.nextPaymentID + 1
	now := l.now().Unix()

	// 注册表通知先行：失败时本地状态尚未提交，退还已划入的款项。
	if err := l.notifyRegistry(ctx, agentID, royalty, paymentID); err != nil {
		l.compensate(ctx, payer, amount)
		return 0, err
	}

	owner := l.wallets[agent.Owner]
	owner.Balance += royalty
	owner.TotalEarned += royalty
	l.wallets[agent.Owner] = owner

	wallet := l.wallets[payer]
	wallet.TotalPaid += amount
	l.wallets[payer] = wallet

	l.nextPaymentID = paymentID
	l.payments[paymentID] = &PaymentRecord{
		AgentID:   agentID,
		Payer:     payer,
		Amount:    amount,
		Timestamp: now,
	}

	l.emit(ctx, event.New(EventPaymentProcessed, agentID, now, map[string]string{
		"payment_id": strconv.FormatUint(paymentID, 10),
		"payer":      payer.Hex(),
		"amount":     strconv.FormatUint(amount, 10),
		"fee":        strconv.FormatUint(protocolFee, 10),
	}))
	l.emit(ctx, event.New(EventRoyaltyPaid, agentID, now, map[string]string{
		"owner":   agent.Owner.Hex(),
		"royalty": strconv.FormatUint(royalty, 10),
	}))
	logger.Audit().Info("payment settled",
		slog.Uint64("payment_id", paymentID),
		slog.Uint64("agent_id", agentID),
		slog.String("payer", payer.Hex()),
		slog.Uint64("amount", amount),
		slog.Uint64("royalty", royalty),
	)

	if l.archive != nil {
		if err := l.archive.Save(ctx, mysql.PaymentRow{
			PaymentID: paymentID,
			AgentID:   agentID,
			Payer:     payer.Hex(),
			Amount:    amount,
			Fee:       protocolFee,
			Royalty:   royalty,
			Timestamp: now,
		}); err != nil {
			l.log.Warn("payment archive write failed",
				slog.Uint64("payment_id", paymentID),
				slog.Any("error", err),
			)
		}
	}
	return paymentID, nil
}

// notifyRegistry 向注册表转发分成通知与活动日志。
func (l *Ledger) notifyRegistry(ctx context.Context, agentID, royalty, paymentID uint64) error {
	if err := l.registry.DistributeRoyalty(ctx, l.self, agentID, royalty); err != nil {
		return err
	}
	return l.registry.LogActivity(ctx, l.self, agentID, "payment_received", strconv.FormatUint(paymentID, 10))
}

// compensate 在划款后的失败路径上退还付款方。退款失败只能告警，
// 资金滞留在托管中等待人工处理。
func (l *Ledger) compensate(ctx context.Context, payer common.Address, amount uint64) {
	if err := l.transfer.Push(ctx, payer, amount); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeCompensationFailure, err, "refund pulled payment")
		l.log.Error("compensating refund failed",
			slog.String("payer", payer.Hex()),
			slog.Uint64("amount", amount),
			slog.Any("error", wrapped),
		)
	}
}

// SetUsageCharge 由拥有者或费率管理角色设置智能体的计次报价。
func (l *Ledger) SetUsageCharge(ctx context.Context, caller common.Address, agentID uint64, charge uint64) error {
	if err := l.pause.Check(); err != nil {
		return err
	}

	agent, err := l.registry.GetAgentDetails(agentID)
	if err != nil {
		return err
	}
	if agent.Owner != caller && !l.caps.Has(caller, capability.RoleFeeManager) {
		return xerrors.New(xerrors.CodeUnauthorized, "usage charge requires owner or fee-manager capability")
	}
	if !agent.Active {
		return xerrors.New(xerrors.CodeAgentInactive, "")
	}

	l.mu.Lock()
	l.charges[agentID] = charge
	l.mu.Unlock()

	l.emit(ctx, event.New(EventUsageChargeSet, agentID, l.now().Unix(), map[string]string{
		"charge": strconv.FormatUint(charge, 10),
	}))
	return nil
}

// RequestPayment 返回智能体当前的计次报价。
func (l *Ledger) RequestPayment(agentID uint64) (uint64, error) {
	if _, err := l.registry.GetAgentDetails(agentID); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.charges[agentID], nil
}

// WithdrawFunds 将调用者钱包中的金额划出。外部划转成功后才提交扣减，
// 划转失败时余额保持不变。
func (l *Ledger) WithdrawFunds(ctx context.Context, caller common.Address, amount uint64) error {
	if err := l.pause.Check(); err != nil {
		return err
	}
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidParameter, "withdrawal amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	wallet := l.wallets[caller]
	if wallet.Balance < amount {
		return ErrInsufficientBalance
	}

	if err := l.transfer.Push(ctx, caller, amount); err != nil {
		return xerrors.Wrap(xerrors.CodeTransferFailed, err, "push withdrawal funds")
	}

	wallet.Balance -= amount
	l.wallets[caller] = wallet

	l.emit(ctx, event.New(EventFundsWithdrawn, 0, l.now().Unix(), map[string]string{
		"identity": caller.Hex(),
		"amount":   strconv.FormatUint(amount, 10),
	}))
	logger.Audit().Info("funds withdrawn",
		slog.String("identity", caller.Hex()),
		slog.Uint64("amount", amount),
	)
	return nil
}

// UpdateProtocolFee 由费率管理角色更新协议费（基点），上限 2000。
func (l *Ledger) UpdateProtocolFee(ctx context.Context, caller common.Address, feeBps uint64) error {
	if err := l.pause.Check(); err != nil {
		return err
	}
	if !l.caps.Has(caller, capability.RoleFeeManager) {
		return xerrors.New(xerrors.CodeUnauthorized, "protocol fee updates require fee-manager capability")
	}
	if feeBps > MaxFeePercentage {
		return xerrors.New(xerrors.CodeInvalidParameter, "protocol fee exceeds maximum")
	}

	l.mu.Lock()
	l.protocolFeeBps = feeBps
	l.mu.Unlock()

	l.emit(ctx, event.New(EventProtocolFeeUpdate, 0, l.now().Unix(), map[string]string{
		"fee_bps": strconv.FormatUint(feeBps, 10),
	}))
	return nil
}

// ProtocolFee 返回当前协议费（基点）。
func (l *Ledger) ProtocolFee() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.protocolFeeBps
}

// GetWalletInfo 返回钱包信息的副本。未知身份返回全零钱包。
func (l *Ledger) GetWalletInfo(identity common.Address) WalletInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.wallets[identity]
}

// GetWalletBalance 返回可提现余额。
func (l *Ledger) GetWalletBalance(identity common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.wallets[identity].Balance
}

// LatestPayments 返回归档中最近的支付记录，供报表查询使用。
// 未配置归档时返回空列表。
func (l *Ledger) LatestPayments(ctx context.Context, limit int) ([]mysql.PaymentRow, error) {
	if l.archive == nil {
		return []mysql.PaymentRow{}, nil
	}
	return l.archive.ListLatest(ctx, limit)
}

// GetPaymentDetails 返回支付记录的副本。
func (l *Ledger) GetPaymentDetails(paymentID uint64) (*PaymentRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	record, ok := l.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	clone := *record
	return &clone, nil
}

// emit 发布事件。总线失败只记录日志，不回滚已提交的状态。
func (l *Ledger) emit(ctx context.Context, evt event.Event) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, evt); err != nil {
		l.log.Warn("event publish failed",
			slog.String("event", evt.Name),
			slog.Any("error", err),
		)
	}
}
