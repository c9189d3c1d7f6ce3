package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentOps-Ledger/internal/errors"
)

var holder = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func TestMemoryServicePullPush(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()
	svc.Credit(holder, 500)

	if err := svc.Pull(ctx, holder, 200); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if svc.BalanceOf(holder) != 300 || svc.Custody() != 200 {
		t.Fatalf("unexpected balances: %d custody %d", svc.BalanceOf(holder), svc.Custody())
	}

	if err := svc.Pull(ctx, holder, 301); xerrors.CodeOf(err) != xerrors.CodeTransferFailed {
		t.Fatalf("expected TRANSFER_FAILED, got %v", err)
	}

	if err := svc.Push(ctx, holder, 150); err != nil {
		t.Fatalf("push: %v", err)
	}
	if svc.BalanceOf(holder) != 450 || svc.Custody() != 50 {
		t.Fatalf("unexpected balances after push: %d custody %d", svc.BalanceOf(holder), svc.Custody())
	}

	if err := svc.Push(ctx, holder, 51); xerrors.CodeOf(err) != xerrors.CodeTransferFailed {
		t.Fatalf("custody overdraw must fail, got %v", err)
	}
}

func TestMemoryServiceInjectedFailuresAreOneShot(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()
	svc.Credit(holder, 100)

	boom := errors.New("boom")
	svc.FailPullWith(boom)
	if err := svc.Pull(ctx, holder, 10); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := svc.Pull(ctx, holder, 10); err != nil {
		t.Fatalf("second pull must succeed: %v", err)
	}

	svc.FailPushWith(boom)
	if err := svc.Push(ctx, holder, 5); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := svc.Push(ctx, holder, 5); err != nil {
		t.Fatalf("second push must succeed: %v", err)
	}
}
