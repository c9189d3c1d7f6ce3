package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentOps-Ledger/internal/errors"
	"AgentOps-Ledger/internal/ledger"
	"AgentOps-Ledger/internal/payment"
	"AgentOps-Ledger/internal/registry"
	"AgentOps-Ledger/internal/safeguard"
)

// callerHeader 携带经过上游认证的调用者身份。认证组件不在本核心范围内。
const callerHeader = "X-Caller-Address"

// Server 负责暴露 REST 接口，供外部驱动账本的三个子系统。
type Server struct {
	addr     string
	registry *registry.Registry
	governor *safeguard.Governor
	payments *payment.Ledger
	pause    *ledger.Pause
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, reg *registry.Registry, gov *safeguard.Governor, pay *payment.Ledger, pause *ledger.Pause) *Server {
	return &Server{addr: addr, registry: reg, governor: gov, payments: pay, pause: pause}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/active", s.handleAgentActive)
	mux.HandleFunc("/api/v1/agents/metadata", s.handleAgentMetadata)
	mux.HandleFunc("/api/v1/agents/royalty", s.handleAgentRoyalty)
	mux.HandleFunc("/api/v1/agents/reputation", s.handleAgentReputation)
	mux.HandleFunc("/api/v1/agents/instances", s.handleAgentInstances)
	mux.HandleFunc("/api/v1/agents/activity", s.handleActivityLog)
	mux.HandleFunc("/api/v1/safeguards", s.handleSafeguards)
	mux.HandleFunc("/api/v1/budgets", s.handleBudgets)
	mux.HandleFunc("/api/v1/actions", s.handleActions)
	mux.HandleFunc("/api/v1/approvals", s.handleApprovals)
	mux.HandleFunc("/api/v1/metadata-logs", s.handleMetadataLogs)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/payments", s.handlePayments)
	mux.HandleFunc("/api/v1/payments/latest", s.handleLatestPayments)
	mux.HandleFunc("/api/v1/charges", s.handleCharges)
	mux.HandleFunc("/api/v1/fees", s.handleFees)
	mux.HandleFunc("/api/v1/withdrawals", s.handleWithdrawals)
	mux.HandleFunc("/api/v1/wallets", s.handleWallets)
	mux.HandleFunc("/api/v1/pause", s.handlePause)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type registerAgentRequest struct {
	MetadataHash      string `json:"metadata_hash"`
	RoyaltyPercentage uint64 `json:"royalty_percentage"`
	WorkflowHash      string `json:"workflow_hash"`
	LLMDetailsHash    string `json:"llm_details_hash"`
	DataSourceHash    string `json:"data_source_hash"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		var req registerAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		id, err := s.registry.RegisterAgent(r.Context(), caller, req.MetadataHash, req.RoyaltyPercentage, req.WorkflowHash, req.LLMDetailsHash, req.DataSourceHash)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]uint64{"agent_id": id})
	case http.MethodGet:
		id, ok := agentIDFrom(w, r)
		if !ok {
			return
		}
		agent, err := s.registry.GetAgentDetails(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, agent)
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentActive(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePost(w, r)
	if !ok {
		return
	}
	var req struct {
		AgentID uint64 `json:"agent_id"`
		Active  bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.SetAgentActive(r.Context(), caller, req.AgentID, req.Active); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentMetadata(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePost(w, r)
	if !ok {
		return
	}
	var req struct {
		AgentID        uint64 `json:"agent_id"`
		MetadataHash   string `json:"metadata_hash"`
		WorkflowHash   string `json:"workflow_hash"`
		LLMDetailsHash string `json:"llm_details_hash"`
		DataSourceHash string `json:"data_source_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.UpdateAgentMetadata(r.Context(), caller, req.AgentID, req.MetadataHash, req.WorkflowHash, req.LLMDetailsHash, req.DataSourceHash); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentReputation(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePost(w, r)
	if !ok {
		return
	}
	var req struct {
		AgentID uint64 `json:"agent_id"`
		Score   uint64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.UpdateReputation(r.Context(), caller, req.AgentID, req.Score); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			AgentID uint64 `json:"agent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		count, err := s.registry.CreateNewInstance(r.Context(), req.AgentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]uint64{"instance_count": count})
	case http.MethodGet:
		id, ok := agentIDFrom(w, r)
		if !ok {
			return
		}
		count, err := s.registry.GetInstanceCount(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]uint64{"instance_count": count})
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentRoyalty(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePost(w, r)
	if !ok {
		return
	}
	var req struct {
		AgentID    uint64 `json:"agent_id"`
		Percentage uint64 `json:"percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.SetRoyaltyAmount(r.Context(), caller, req.AgentID, req.Percentage); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivityLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	id, ok := agentIDFrom(w, r)
	if !ok {
		return
	}
	start, err := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	if err != nil {
		http.Error(w, "invalid start index", http.StatusBadRequest)
		return
	}
	end, err := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
	if err != nil {
		http.Error(w, "invalid end index", http.StatusBadRequest)
		return
	}
	entries, err := s.registry.GetActivityLog(id, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleSafeguards(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		var req struct {
			AgentID uint64                    `json:"agent_id"`
			Params  safeguard.SafeguardParams `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if err := s.governor.SetSafeguards(r.Context(), caller, req.AgentID, req.Params); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		id, ok := agentIDFrom(w, r)
		if !ok {
			return
		}
		writeJSON(w, s.governor.GetSafeguardParams(id))
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		var req struct {
			AgentID     uint64 `json:"agent_id"`
			TotalBudget uint64 `json:"total_budget"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if err := s.governor.SetBudget(r.Context(), caller, req.AgentID, req.TotalBudget); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		id, ok := agentIDFrom(w, r)
		if !ok {
			return
		}
		writeJSON(w, s.governor.GetBudgetInfo(id))
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID         uint64 `json:"agent_id"`
		Cost            uint64 `json:"cost"`
		TokensRequested uint64 `json:"tokens_requested"`
		TokensResponded uint64 `json:"tokens_responded"`
		NewInstance     bool   `json:"new_instance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.governor.RecordAgentAction(r.Context(), req.AgentID, req.Cost, req.TokensRequested, req.TokensResponded, req.NewInstance); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePost(w, r)
	if !ok {
		return
	}
	var req struct {
		AgentID uint64 `json:"agent_id"`
		Action  string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.governor.ApproveAction(r.Context(), caller, req.AgentID, req.Action); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetadataLogs(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePost(w, r)
	if !ok {
		return
	}
	var req struct {
		AgentID      uint64 `json:"agent_id"`
		ExternalHash string `json:"external_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.governor.LogMetadata(r.Context(), caller, req.AgentID, req.ExternalHash); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	id, ok := agentIDFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.governor.GetAgentStats(id))
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		var req struct {
			AgentID uint64 `json:"agent_id"`
			Amount  uint64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		id, err := s.payments.ProcessPayment(r.Context(), caller, req.AgentID, req.Amount)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]uint64{"payment_id": id})
	case http.MethodGet:
		raw := r.URL.Query().Get("id")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid payment id", http.StatusBadRequest)
			return
		}
		record, err := s.payments.GetPaymentDetails(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, record)
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLatestPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	rows, err := s.payments.LatestPayments(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleCharges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		var req struct {
			AgentID uint64 `json:"agent_id"`
			Charge  uint64 `json:"charge"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if err := s.payments.SetUsageCharge(r.Context(), caller, req.AgentID, req.Charge); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		id, ok := agentIDFrom(w, r)
		if !ok {
			return
		}
		charge, err := s.payments.RequestPayment(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]uint64{"charge": charge})
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		var req struct {
			FeeBps uint64 `json:"fee_bps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if err := s.payments.UpdateProtocolFee(r.Context(), caller, req.FeeBps); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		writeJSON(w, map[string]uint64{"fee_bps": s.payments.ProtocolFee()})
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePost(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.payments.WithdrawFunds(r.Context(), caller, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	raw := r.URL.Query().Get("address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.payments.GetWalletInfo(common.HexToAddress(raw)))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePost(w, r)
	if !ok {
		return
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.pause.SetPaused(caller, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// callerFrom 解析请求头中的调用者身份。
func callerFrom(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(callerHeader)
	if !common.IsHexAddress(raw) {
		http.Error(w, "missing or invalid caller address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func requirePost(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
		return common.Address{}, false
	}
	return callerFrom(w, r)
}

func agentIDFrom(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将统一错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidParameter, xerrors.CodeRangeError:
		status = http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		status = http.StatusForbidden
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeAgentInactive, xerrors.CodeSafeguardViolation, xerrors.CodeInsufficientBalance:
		status = http.StatusConflict
	case xerrors.CodeSystemPaused:
		status = http.StatusServiceUnavailable
	case xerrors.CodeTransferFailed:
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
