package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AgentOps-Ledger/internal/capability"
	"AgentOps-Ledger/internal/event"
	"AgentOps-Ledger/internal/ledger"
	"AgentOps-Ledger/internal/payment"
	"AgentOps-Ledger/internal/registry"
	"AgentOps-Ledger/internal/safeguard"
	"AgentOps-Ledger/internal/storage/mysql"
	"AgentOps-Ledger/internal/transfer"
)

var (
	ownerAddr      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payerAddr      = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	governorAddr   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	adminAddr      = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	feeManagerAddr = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	govSelf        = common.HexToAddress("0x0000000000000000000000000000000000000101")
	paySelf        = common.HexToAddress("0x0000000000000000000000000000000000000102")
)

func newTestServer(t *testing.T) (*Server, *transfer.MemoryService) {
	t.Helper()
	caps := capability.NewMemoryStore()
	caps.Bootstrap(governorAddr, capability.RoleGovernance)
	caps.Bootstrap(adminAddr, capability.RoleAdmin)
	caps.Bootstrap(feeManagerAddr, capability.RoleFeeManager)
	caps.Bootstrap(govSelf, capability.RoleGovernance)
	caps.Bootstrap(paySelf, capability.RoleGovernance)
	pause := ledger.NewPause(caps)
	bus := event.NewMemoryBus(128)
	svc := transfer.NewMemoryService()

	archive, err := mysql.NewMemoryPaymentArchive(t.TempDir())
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}

	reg := registry.New(caps, pause, bus)
	gov := safeguard.New(caps, pause, bus, reg, govSelf)
	pay := payment.New(caps, pause, bus, reg, svc, paySelf,
		payment.WithProtocolFee(500), payment.WithArchive(archive))
	return NewServer(":0", reg, gov, pay, pause), svc
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, caller common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if caller != (common.Address{}) {
		req.Header.Set(callerHeader, caller.Hex())
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestAgentRegistrationEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{
		MetadataHash:      "meta",
		RoyaltyPercentage: 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created["agent_id"] != 1 {
		t.Fatalf("expected agent id 1, got %d", created["agent_id"])
	}

	rec = doJSON(t, server.handleAgents, http.MethodGet, "/api/v1/agents?id=1", common.Address{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var agent registry.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.Owner != ownerAddr || !agent.Active {
		t.Fatalf("unexpected agent: %+v", agent)
	}
}

func TestAgentRegistrationRequiresCallerHeader(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", common.Address{}, registerAgentRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without caller header, got %d", rec.Code)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	server, _ := newTestServer(t)

	// Unknown agent resolves to 404.
	rec := doJSON(t, server.handleAgents, http.MethodGet, "/api/v1/agents?id=99", common.Address{}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	// Royalty above 100 resolves to 400.
	rec = doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{
		RoyaltyPercentage: 101,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	// Ungated safeguard configuration resolves to 403.
	rec = doJSON(t, server.handleSafeguards, http.MethodPost, "/api/v1/safeguards", ownerAddr, map[string]any{
		"agent_id": 1,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestPaymentEndpointSettlesAndPays(t *testing.T) {
	server, svc := newTestServer(t)
	svc.Credit(payerAddr, 5000)

	rec := doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{
		MetadataHash:      "meta",
		RoyaltyPercentage: 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register agent: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, server.handlePayments, http.MethodPost, "/api/v1/payments", payerAddr, map[string]any{
		"agent_id": 1,
		"amount":   1000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("process payment: %d %s", rec.Code, rec.Body.String())
	}
	var settled map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &settled); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if settled["payment_id"] != 1 {
		t.Fatalf("expected payment id 1, got %d", settled["payment_id"])
	}

	rec = doJSON(t, server.handleWallets, http.MethodGet, "/api/v1/wallets?address="+ownerAddr.Hex(), common.Address{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("wallet read: %d %s", rec.Code, rec.Body.String())
	}
	var wallet payment.WalletInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &wallet); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	if wallet.Balance != 95 {
		t.Fatalf("expected royalty balance 95, got %d", wallet.Balance)
	}

	// Insufficient external funds resolve to 502.
	rec = doJSON(t, server.handlePayments, http.MethodPost, "/api/v1/payments", payerAddr, map[string]any{
		"agent_id": 1,
		"amount":   100000,
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestPauseEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.handlePause, http.MethodPost, "/api/v1/pause", ownerAddr, map[string]bool{"paused": true})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	rec = doJSON(t, server.handlePause, http.MethodPost, "/api/v1/pause", adminAddr, map[string]bool{"paused": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin pause: %d %s", rec.Code, rec.Body.String())
	}

	// Mutations now resolve to 503; reads keep working.
	rec = doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while paused, got %d", rec.Code)
	}
	rec = doJSON(t, server.handleStats, http.MethodGet, "/api/v1/stats?id=1", common.Address{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats read while paused: %d", rec.Code)
	}
}

func TestAgentMaintenanceEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{
		MetadataHash: "meta", RoyaltyPercentage: 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register agent: %d", rec.Code)
	}

	rec = doJSON(t, server.handleAgentMetadata, http.MethodPost, "/api/v1/agents/metadata", ownerAddr, map[string]any{
		"agent_id":         1,
		"metadata_hash":    "m2",
		"workflow_hash":    "wf2",
		"llm_details_hash": "llm2",
		"data_source_hash": "data2",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update metadata: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, server.handleAgentReputation, http.MethodPost, "/api/v1/agents/reputation", governorAddr, map[string]any{
		"agent_id": 1,
		"score":    77,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update reputation: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, server.handleAgentReputation, http.MethodPost, "/api/v1/agents/reputation", ownerAddr, map[string]any{
		"agent_id": 1,
		"score":    99,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ungated reputation update, got %d", rec.Code)
	}

	rec = doJSON(t, server.handleAgents, http.MethodGet, "/api/v1/agents?id=1", common.Address{}, nil)
	var agent registry.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.MetadataHash != "m2" || agent.ReputationScore != 77 {
		t.Fatalf("mutations not visible: %+v", agent)
	}
}

func TestInstanceEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{MetadataHash: "meta"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register agent: %d", rec.Code)
	}

	for want := uint64(1); want <= 2; want++ {
		rec = doJSON(t, server.handleAgentInstances, http.MethodPost, "/api/v1/agents/instances", common.Address{}, map[string]any{
			"agent_id": 1,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("create instance: %d %s", rec.Code, rec.Body.String())
		}
		var created map[string]uint64
		if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if created["instance_count"] != want {
			t.Fatalf("expected count %d, got %d", want, created["instance_count"])
		}
	}

	rec = doJSON(t, server.handleAgentInstances, http.MethodGet, "/api/v1/agents/instances?id=1", common.Address{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read count: %d", rec.Code)
	}
	var read map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &read); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if read["instance_count"] != 2 {
		t.Fatalf("expected count 2, got %d", read["instance_count"])
	}
}

func TestGovernorAuditEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.handleApprovals, http.MethodPost, "/api/v1/approvals", governorAddr, map[string]any{
		"agent_id": 1,
		"action":   "deploy-v2",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("approve action: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, server.handleApprovals, http.MethodPost, "/api/v1/approvals", ownerAddr, map[string]any{
		"agent_id": 1,
		"action":   "deploy-v2",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ungated approval, got %d", rec.Code)
	}

	rec = doJSON(t, server.handleMetadataLogs, http.MethodPost, "/api/v1/metadata-logs", governorAddr, map[string]any{
		"agent_id":      1,
		"external_hash": "0xabc",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("log metadata: %d %s", rec.Code, rec.Body.String())
	}
}

func TestChargeAndFeeEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{MetadataHash: "meta"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register agent: %d", rec.Code)
	}

	rec = doJSON(t, server.handleCharges, http.MethodPost, "/api/v1/charges", ownerAddr, map[string]any{
		"agent_id": 1,
		"charge":   40,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set charge: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, server.handleCharges, http.MethodGet, "/api/v1/charges?id=1", common.Address{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read charge: %d", rec.Code)
	}
	var charge map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &charge); err != nil {
		t.Fatalf("decode charge: %v", err)
	}
	if charge["charge"] != 40 {
		t.Fatalf("expected charge 40, got %d", charge["charge"])
	}

	rec = doJSON(t, server.handleFees, http.MethodPost, "/api/v1/fees", ownerAddr, map[string]any{"fee_bps": 100})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ungated fee update, got %d", rec.Code)
	}
	rec = doJSON(t, server.handleFees, http.MethodPost, "/api/v1/fees", feeManagerAddr, map[string]any{"fee_bps": 100})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update fee: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, server.handleFees, http.MethodGet, "/api/v1/fees", common.Address{}, nil)
	var fee map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &fee); err != nil {
		t.Fatalf("decode fee: %v", err)
	}
	if fee["fee_bps"] != 100 {
		t.Fatalf("expected fee 100, got %d", fee["fee_bps"])
	}
}

func TestLatestPaymentsEndpoint(t *testing.T) {
	server, svc := newTestServer(t)
	svc.Credit(payerAddr, 5000)

	rec := doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{
		MetadataHash: "meta", RoyaltyPercentage: 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register agent: %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		rec = doJSON(t, server.handlePayments, http.MethodPost, "/api/v1/payments", payerAddr, map[string]any{
			"agent_id": 1,
			"amount":   1000,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("payment %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, server.handleLatestPayments, http.MethodGet, "/api/v1/payments/latest?limit=1", common.Address{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest payments: %d %s", rec.Code, rec.Body.String())
	}
	var rows []mysql.PaymentRow
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 1 || rows[0].PaymentID != 2 {
		t.Fatalf("expected newest archived payment, got %+v", rows)
	}
	if rows[0].Fee != 50 || rows[0].Royalty != 95 {
		t.Fatalf("unexpected archived split: %+v", rows[0])
	}

	rec = doJSON(t, server.handleLatestPayments, http.MethodGet, "/api/v1/payments/latest?limit=-1", common.Address{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestActionEndpointSafeguardConflict(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.handleAgents, http.MethodPost, "/api/v1/agents", ownerAddr, registerAgentRequest{MetadataHash: "meta"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register agent: %d", rec.Code)
	}

	// No quotas configured: the composite check rejects with 409.
	rec = doJSON(t, server.handleActions, http.MethodPost, "/api/v1/actions", common.Address{}, map[string]any{
		"agent_id": 1,
		"cost":     10,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}
