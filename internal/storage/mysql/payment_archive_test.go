package mysql

import (
	"context"
	"testing"
)

func TestMemoryPaymentArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewMemoryPaymentArchive(dir)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	ctx := context.Background()

	rows := []PaymentRow{
		{PaymentID: 1, AgentID: 7, Payer: "0xaa", Amount: 1000, Fee: 50, Royalty: 95, Timestamp: 100},
		{PaymentID: 2, AgentID: 7, Payer: "0xbb", Amount: 500, Fee: 25, Royalty: 47, Timestamp: 200},
	}
	for _, row := range rows {
		if err := archive.Save(ctx, row); err != nil {
			t.Fatalf("save payment %d: %v", row.PaymentID, err)
		}
	}

	latest, err := archive.ListLatest(ctx, 1)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 1 || latest[0].PaymentID != 2 {
		t.Fatalf("expected newest row first, got %+v", latest)
	}

	// A new archive over the same directory restores the rows from disk.
	restored, err := NewMemoryPaymentArchive(dir)
	if err != nil {
		t.Fatalf("reopen archive: %v", err)
	}
	all, err := restored.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list restored: %v", err)
	}
	if len(all) != 2 || all[0].PaymentID != 2 || all[1].PaymentID != 1 {
		t.Fatalf("unexpected restored rows: %+v", all)
	}
}
