package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"partsdesk/backend/internal/domain"
	"partsdesk/backend/internal/store"
)

func TestClosePurchaseOrderMovesSurplusToStock(t *testing.T) {
	databaseURL := os.Getenv("PARTSDESK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PARTSDESK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, decimal.New(9, 0))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	partNumber := fmt.Sprintf("IT-CLOSE-%d", stamp)
	vendorID := fmt.Sprintf("vend-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM vendor_part_usage WHERE vendor_id = $1`, vendorID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchase_line_items WHERE part_number = $1`, partNumber)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchase_orders WHERE vendor_id = $1`, vendorID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_parts WHERE part_number = $1`, partNumber)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM vendors WHERE id = $1`, vendorID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, name, phone, created_at)
		VALUES ($1, 'Integration Vendor', '555-0100', now())
	`, vendorID); err != nil {
		t.Fatalf("insert vendor: %v", err)
	}

	_, err = s.CreatePart(ctx, domain.PartCreateRequest{
		PartNumber:   partNumber,
		Description:  "integration widget",
		Unit:         "ea",
		Type:         domain.PartTypeStock,
		QtyOnHand:    10,
		LastUnitCost: decimal.New(100, -2),
	})
	if err != nil {
		t.Fatalf("create part: %v", err)
	}

	po, err := s.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		VendorID: vendorID,
		Items: []domain.PurchaseLineInput{
			{PartNumber: partNumber, Description: "integration widget", Unit: "ea", Qty: 4, UnitCost: decimal.New(250, -2)},
		},
	})
	if err != nil {
		t.Fatalf("create purchase order: %v", err)
	}

	res, err := s.ClosePurchaseOrder(ctx, po.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Status != domain.PurchaseOrderStatusClosed {
		t.Fatalf("expected closed status, got %s", res.Status)
	}

	got, err := s.GetPartByNumber(ctx, partNumber)
	if err != nil {
		t.Fatalf("get part: %v", err)
	}
	if got.QtyOnHand != 14 {
		t.Fatalf("expected on hand 14 after close, got %f", got.QtyOnHand)
	}
	if !got.LastUnitCost.Equal(decimal.New(250, -2)) {
		t.Fatalf("expected last unit cost updated to 2.50, got %s", got.LastUnitCost)
	}

	if _, err := s.ClosePurchaseOrder(ctx, po.ID); !errors.Is(err, store.ErrAlreadyClosed) {
		t.Fatalf("expected second close to fail with already closed, got %v", err)
	}
}
