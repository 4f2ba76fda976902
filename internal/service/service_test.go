package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"partsdesk/backend/internal/allocation"
	"partsdesk/backend/internal/cache"
	"partsdesk/backend/internal/domain"
	"partsdesk/backend/internal/store"
	"partsdesk/backend/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.New(decimal.New(9, 0))
	return New(repo, cache.NoopSuggestionCache{}, 5*time.Second)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func mustVendor(t *testing.T, svc *Service) domain.Vendor {
	t.Helper()
	v, err := svc.CreateVendor(adminCtx(), domain.VendorCreateRequest{Name: "Acme Industrial"})
	if err != nil {
		t.Fatalf("create vendor: %v", err)
	}
	return v
}

func mustPart(t *testing.T, svc *Service, number string, typ domain.PartType, onHand float64) domain.InventoryPart {
	t.Helper()
	p, err := svc.CreatePart(adminCtx(), domain.PartCreateRequest{
		PartNumber:   number,
		Description:  "test part " + number,
		Unit:         "ea",
		Type:         typ,
		QtyOnHand:    onHand,
		LastUnitCost: decimal.New(100, -2),
	})
	if err != nil {
		t.Fatalf("create part %s: %v", number, err)
	}
	return p
}

func mustSalesOrder(t *testing.T, svc *Service, number, part string, qtyToOrder float64) domain.SalesOrder {
	t.Helper()
	so, err := svc.CreateSalesOrder(adminCtx(), domain.SalesOrderCreateRequest{
		Number:     number,
		CustomerID: "cust-1",
		Items: []domain.SalesLineInput{
			{PartNumber: part, Description: "test part " + part, Unit: "ea", QtySold: qtyToOrder, UnitPrice: decimal.New(500, -2), QtyToOrder: qtyToOrder},
		},
	})
	if err != nil {
		t.Fatalf("create sales order %s: %v", number, err)
	}
	return so
}

func mustPurchaseOrder(t *testing.T, svc *Service, vendorID, part string, qty float64) domain.PurchaseOrder {
	t.Helper()
	po, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		VendorID: vendorID,
		Items: []domain.PurchaseLineInput{
			{PartNumber: part, Description: "test part " + part, Unit: "ea", Qty: qty, UnitCost: decimal.New(300, -2)},
		},
	})
	if err != nil {
		t.Fatalf("create purchase order: %v", err)
	}
	return po
}

func TestCloseAllocatesFIFOAcrossSalesOrders(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-100", domain.PartTypeStock, 0)
	so1 := mustSalesOrder(t, svc, "SO-2026-00001", "P-100", 5)
	so2 := mustSalesOrder(t, svc, "SO-2026-00002", "P-100", 3)
	po := mustPurchaseOrder(t, svc, v.ID, "P-100", 6)

	if _, err := svc.ClosePurchaseOrder(adminCtx(), po.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	got1, _ := svc.GetSalesOrder(adminCtx(), so1.ID)
	if !allocation.QtyEqual(got1.Items[0].QtyCommitted, 5) {
		t.Fatalf("oldest order should be fully served, committed %f", got1.Items[0].QtyCommitted)
	}
	got2, _ := svc.GetSalesOrder(adminCtx(), so2.ID)
	if !allocation.QtyEqual(got2.Items[0].QtyCommitted, 1) {
		t.Fatalf("second order gets the remaining 1, committed %f", got2.Items[0].QtyCommitted)
	}

	p, _ := svc.GetPartByNumber(adminCtx(), "P-100")
	if !allocation.QtyZero(p.QtyOnHand) {
		t.Fatalf("no remainder should reach inventory, on hand %f", p.QtyOnHand)
	}

	agg, _ := svc.PartsToOrder(adminCtx())
	if len(agg.Parts) != 1 || !allocation.QtyEqual(agg.Parts[0].QtyNeeded, 2) {
		t.Fatalf("aggregate should show the 2 still needed by the second order: %+v", agg.Parts)
	}
}

func TestCloseWithNoDemandAddsSurplusToStock(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "WIDGET-1", domain.PartTypeStock, 10)
	po := mustPurchaseOrder(t, svc, v.ID, "WIDGET-1", 4)

	if _, err := svc.ClosePurchaseOrder(adminCtx(), po.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	p, _ := svc.GetPartByNumber(adminCtx(), "WIDGET-1")
	if !allocation.QtyEqual(p.QtyOnHand, 14) {
		t.Fatalf("expected on hand 14, got %f", p.QtyOnHand)
	}
	if !p.LastUnitCost.Equal(decimal.New(300, -2)) {
		t.Fatalf("expected last unit cost refreshed to 3.00, got %s", p.LastUnitCost)
	}
	allocs, _ := svc.ListAllocations(adminCtx(), po.ID)
	if len(allocs) != 0 {
		t.Fatalf("expected no allocation rows, got %d", len(allocs))
	}
}

func TestCloseTwiceFailsAlreadyClosed(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-200", domain.PartTypeStock, 0)
	po := mustPurchaseOrder(t, svc, v.ID, "P-200", 2)

	if _, err := svc.ClosePurchaseOrder(adminCtx(), po.ID); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := svc.ClosePurchaseOrder(adminCtx(), po.ID); !errors.Is(err, store.ErrAlreadyClosed) {
		t.Fatalf("expected already closed, got %v", err)
	}
}

func TestReopenAlwaysFails(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-300", domain.PartTypeStock, 0)
	po := mustPurchaseOrder(t, svc, v.ID, "P-300", 2)
	if _, err := svc.ClosePurchaseOrder(adminCtx(), po.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := svc.EditPurchaseOrder(adminCtx(), po.ID, domain.PurchaseOrderEditRequest{
		Status: domain.PurchaseOrderStatusOpen,
		Items: []domain.PurchaseLineInput{
			{LineItemID: po.Items[0].ID, PartNumber: "P-300", Qty: 2, UnitCost: decimal.New(300, -2)},
		},
	}, func(string) bool { return true })
	if !errors.Is(err, store.ErrReopenNotAllowed) {
		t.Fatalf("expected reopen not allowed, got %v", err)
	}
	got, _ := svc.GetPurchaseOrder(adminCtx(), po.ID)
	if got.Status != domain.PurchaseOrderStatusClosed {
		t.Fatalf("status must stay closed, got %s", got.Status)
	}
}

func TestCloseServicePartRequiresFullAllocation(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "SVC-INSTALL", domain.PartTypeService, 0)
	po := mustPurchaseOrder(t, svc, v.ID, "SVC-INSTALL", 3)

	_, err := svc.ClosePurchaseOrder(adminCtx(), po.ID)
	if !errors.Is(err, store.ErrServiceAllocationRequired) {
		t.Fatalf("expected service allocation required, got %v", err)
	}
	got, _ := svc.GetPurchaseOrder(adminCtx(), po.ID)
	if got.Status != domain.PurchaseOrderStatusOpen {
		t.Fatalf("failed close must leave the order open, got %s", got.Status)
	}
}

func TestCloseFullyPreAllocatedLeavesInventoryUntouched(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-400", domain.PartTypeStock, 7)
	so := mustSalesOrder(t, svc, "SO-2026-00010", "P-400", 5)
	po := mustPurchaseOrder(t, svc, v.ID, "P-400", 5)

	if _, err := svc.SaveAllocations(adminCtx(), po.ID, domain.SaveAllocationsRequest{
		Allocations: []domain.AllocationInput{{SalesOrderID: so.ID, PartNumber: "P-400", Qty: 5}},
	}); err != nil {
		t.Fatalf("save allocations: %v", err)
	}
	if _, err := svc.CloseWithAllocations(adminCtx(), po.ID, domain.SaveAllocationsRequest{
		Allocations: []domain.AllocationInput{{SalesOrderID: so.ID, PartNumber: "P-400", Qty: 5}},
	}); err != nil {
		t.Fatalf("close with allocations: %v", err)
	}

	p, _ := svc.GetPartByNumber(adminCtx(), "P-400")
	if !allocation.QtyEqual(p.QtyOnHand, 7) {
		t.Fatalf("fully pre-allocated close must not move inventory, on hand %f", p.QtyOnHand)
	}
	agg, _ := svc.PartsToOrder(adminCtx())
	if len(agg.Parts) != 0 {
		t.Fatalf("expected no outstanding demand, got %+v", agg.Parts)
	}
}

func TestSaveAllocationsRejectsOverCommitment(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-500", domain.PartTypeStock, 0)
	so := mustSalesOrder(t, svc, "SO-2026-00020", "P-500", 10)
	po := mustPurchaseOrder(t, svc, v.ID, "P-500", 4)

	_, err := svc.SaveAllocations(adminCtx(), po.ID, domain.SaveAllocationsRequest{
		Allocations: []domain.AllocationInput{{SalesOrderID: so.ID, PartNumber: "P-500", Qty: 3}},
		Surplus:     map[string]float64{"P-500": 2},
	})
	if !errors.Is(err, store.ErrAllocationExceedsOrdered) {
		t.Fatalf("expected allocation exceeds ordered, got %v", err)
	}
	allocs, _ := svc.ListAllocations(adminCtx(), po.ID)
	if len(allocs) != 0 {
		t.Fatalf("failed save must persist nothing, got %d rows", len(allocs))
	}
}

func TestCloseInsufficientInventoryForUnservedCommitment(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-600", domain.PartTypeStock, 1)
	mustSalesOrder(t, svc, "SO-2026-00030", "P-600", 4)
	soB, err := svc.CreateSalesOrder(adminCtx(), domain.SalesOrderCreateRequest{
		Number:     "SO-2026-00031",
		CustomerID: "cust-2",
		Items: []domain.SalesLineInput{
			{PartNumber: "P-600", Unit: "ea", QtySold: 4, UnitPrice: decimal.New(500, -2)},
		},
	})
	if err != nil {
		t.Fatalf("create sales order: %v", err)
	}
	po := mustPurchaseOrder(t, svc, v.ID, "P-600", 4)

	// The queue order soaks up the whole receipt, leaving the manual
	// commitment to ship from the single unit on hand. It cannot.
	if _, err := svc.SaveAllocations(adminCtx(), po.ID, domain.SaveAllocationsRequest{
		Allocations: []domain.AllocationInput{{SalesOrderID: soB.ID, PartNumber: "P-600", Qty: 4}},
	}); err != nil {
		t.Fatalf("save allocations: %v", err)
	}
	_, err = svc.ClosePurchaseOrder(adminCtx(), po.ID)
	if !errors.Is(err, store.ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}
	got, _ := svc.GetPurchaseOrder(adminCtx(), po.ID)
	if got.Status != domain.PurchaseOrderStatusOpen {
		t.Fatalf("failed close must leave the order open, got %s", got.Status)
	}
	p, _ := svc.GetPartByNumber(adminCtx(), "P-600")
	if !allocation.QtyEqual(p.QtyOnHand, 1) {
		t.Fatalf("failed close must not move inventory, on hand %f", p.QtyOnHand)
	}
}

func TestAllocationSuggestionsDoNotMutate(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-700", domain.PartTypeStock, 0)
	mustSalesOrder(t, svc, "SO-2026-00040", "P-700", 3)
	po := mustPurchaseOrder(t, svc, v.ID, "P-700", 5)

	resp, err := svc.AllocationSuggestions(adminCtx(), po.ID)
	if err != nil {
		t.Fatalf("suggestions: %v", err)
	}
	if len(resp.Parts) != 1 {
		t.Fatalf("expected one suggested part, got %d", len(resp.Parts))
	}
	s := resp.Parts[0]
	if !allocation.QtyEqual(s.SuggestedAllocate, 3) || !allocation.QtyEqual(s.SuggestedSurplus, 2) {
		t.Fatalf("expected 3 allocated / 2 surplus, got %f / %f", s.SuggestedAllocate, s.SuggestedSurplus)
	}

	agg, _ := svc.PartsToOrder(adminCtx())
	if len(agg.Parts) != 1 || !allocation.QtyEqual(agg.Parts[0].QtyNeeded, 3) {
		t.Fatalf("preview must not consume demand: %+v", agg.Parts)
	}
	got, _ := svc.GetPurchaseOrder(adminCtx(), po.ID)
	if got.Status != domain.PurchaseOrderStatusOpen {
		t.Fatalf("preview must not close the order, got %s", got.Status)
	}
}

func TestPartsToOrderAggregateIsIdempotent(t *testing.T) {
	svc := newTestService()
	mustPart(t, svc, "P-800", domain.PartTypeStock, 0)
	mustSalesOrder(t, svc, "SO-2026-00050", "P-800", 2.5)

	first, err := svc.PartsToOrder(adminCtx())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	second, err := svc.PartsToOrder(adminCtx())
	if err != nil {
		t.Fatalf("aggregate again: %v", err)
	}
	if len(first.Parts) != len(second.Parts) {
		t.Fatalf("aggregate changed between reads: %d vs %d", len(first.Parts), len(second.Parts))
	}
	for i := range first.Parts {
		a, b := first.Parts[i], second.Parts[i]
		if a.PartNumber != b.PartNumber || !allocation.QtyEqual(a.QtyNeeded, b.QtyNeeded) || !a.TotalLineAmount.Equal(b.TotalLineAmount) {
			t.Fatalf("aggregate row drifted: %+v vs %+v", a, b)
		}
	}
}

func TestEditClosedOrderAppliesNetDelta(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-900", domain.PartTypeStock, 0)
	po := mustPurchaseOrder(t, svc, v.ID, "P-900", 4)
	if _, err := svc.ClosePurchaseOrder(adminCtx(), po.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	p, _ := svc.GetPartByNumber(adminCtx(), "P-900")
	if !allocation.QtyEqual(p.QtyOnHand, 4) {
		t.Fatalf("expected 4 on hand after close, got %f", p.QtyOnHand)
	}

	closed, _ := svc.GetPurchaseOrder(adminCtx(), po.ID)
	if _, err := svc.EditPurchaseOrder(adminCtx(), po.ID, domain.PurchaseOrderEditRequest{
		ManagerPIN: "4321",
		Items: []domain.PurchaseLineInput{
			{LineItemID: closed.Items[0].ID, PartNumber: "P-900", Unit: "ea", Qty: 6, UnitCost: decimal.New(350, -2)},
		},
	}, func(pin string) bool { return pin == "4321" }); err != nil {
		t.Fatalf("edit closed order: %v", err)
	}

	p, _ = svc.GetPartByNumber(adminCtx(), "P-900")
	if !allocation.QtyEqual(p.QtyOnHand, 6) {
		t.Fatalf("expected delta +2 applied, on hand %f", p.QtyOnHand)
	}
	if !p.LastUnitCost.Equal(decimal.New(350, -2)) {
		t.Fatalf("expected last unit cost 3.50, got %s", p.LastUnitCost)
	}
}

func TestNextPurchaseOrderNumberFillsGaps(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-950", domain.PartTypeStock, 0)

	resp, err := svc.NextPurchaseOrderNumber(adminCtx(), 2026)
	if err != nil {
		t.Fatalf("next number: %v", err)
	}
	if resp.Number != "PO-2026-00001" {
		t.Fatalf("expected PO-2026-00001, got %s", resp.Number)
	}

	po, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		VendorID: v.ID,
		Year:     2026,
		Items: []domain.PurchaseLineInput{
			{PartNumber: "P-950", Unit: "ea", Qty: 1, UnitCost: decimal.New(100, -2)},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if po.Number != "PO-2026-00001" {
		t.Fatalf("expected first order numbered PO-2026-00001, got %s", po.Number)
	}

	resp, _ = svc.NextPurchaseOrderNumber(adminCtx(), 2026)
	if resp.Number != "PO-2026-00002" {
		t.Fatalf("expected PO-2026-00002 next, got %s", resp.Number)
	}
}

func TestDuplicatePartSalesLinesMergeIntoOneDemandRow(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-960", domain.PartTypeStock, 0)
	so, err := svc.CreateSalesOrder(adminCtx(), domain.SalesOrderCreateRequest{
		Number:     "SO-2026-00060",
		CustomerID: "cust-1",
		Items: []domain.SalesLineInput{
			{PartNumber: "P-960", Unit: "ea", QtySold: 2, UnitPrice: decimal.New(500, -2), QtyToOrder: 2},
			{PartNumber: "P-960", Unit: "ea", QtySold: 3, UnitPrice: decimal.New(500, -2), QtyToOrder: 3},
		},
	})
	if err != nil {
		t.Fatalf("create sales order: %v", err)
	}

	agg, _ := svc.PartsToOrder(adminCtx())
	if len(agg.Parts) != 1 || !allocation.QtyEqual(agg.Parts[0].QtyNeeded, 5) {
		t.Fatalf("duplicate lines should merge into one demand row of 5: %+v", agg.Parts)
	}

	po := mustPurchaseOrder(t, svc, v.ID, "P-960", 5)
	if _, err := svc.ClosePurchaseOrder(adminCtx(), po.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	agg, _ = svc.PartsToOrder(adminCtx())
	if len(agg.Parts) != 0 {
		t.Fatalf("receiving the full 5 must clear the demand, got %+v", agg.Parts)
	}
	got, _ := svc.GetSalesOrder(adminCtx(), so.ID)
	var committed float64
	for _, it := range got.Items {
		committed += it.QtyCommitted
	}
	if !allocation.QtyEqual(committed, 5) {
		t.Fatalf("expected 5 committed across the order's lines, got %f", committed)
	}
	p, _ := svc.GetPartByNumber(adminCtx(), "P-960")
	if !allocation.QtyZero(p.QtyOnHand) {
		t.Fatalf("no remainder should reach inventory, on hand %f", p.QtyOnHand)
	}
}

func TestEditRejectsDuplicateBillNumber(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-970", domain.PartTypeStock, 0)
	line := []domain.PurchaseLineInput{
		{PartNumber: "P-970", Unit: "ea", Qty: 1, UnitCost: decimal.New(100, -2)},
	}
	if _, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		VendorID: v.ID, BillNumber: "INV-100", Items: line,
	}); err != nil {
		t.Fatalf("create first: %v", err)
	}
	po2, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		VendorID: v.ID, BillNumber: "INV-200", Items: line,
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	_, err = svc.EditPurchaseOrder(adminCtx(), po2.ID, domain.PurchaseOrderEditRequest{
		BillNumber: "INV-100",
		Items:      []domain.PurchaseLineInput{{LineItemID: po2.Items[0].ID, PartNumber: "P-970", Unit: "ea", Qty: 1, UnitCost: decimal.New(100, -2)}},
	}, nil)
	if !errors.Is(err, store.ErrDuplicateBill) {
		t.Fatalf("expected duplicate bill on edit, got %v", err)
	}

	// Moving to a fresh bill releases the old one for reuse.
	if _, err := svc.EditPurchaseOrder(adminCtx(), po2.ID, domain.PurchaseOrderEditRequest{
		BillNumber: "INV-300",
		Items:      []domain.PurchaseLineInput{{LineItemID: po2.Items[0].ID, PartNumber: "P-970", Unit: "ea", Qty: 1, UnitCost: decimal.New(100, -2)}},
	}, nil); err != nil {
		t.Fatalf("edit to fresh bill: %v", err)
	}
	if _, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		VendorID: v.ID, BillNumber: "INV-200", Items: line,
	}); err != nil {
		t.Fatalf("old bill should be free after the edit: %v", err)
	}
}

func TestEditRequiresLineItems(t *testing.T) {
	svc := newTestService()
	v := mustVendor(t, svc)
	mustPart(t, svc, "P-980", domain.PartTypeStock, 0)
	po := mustPurchaseOrder(t, svc, v.ID, "P-980", 2)

	_, err := svc.EditPurchaseOrder(adminCtx(), po.ID, domain.PurchaseOrderEditRequest{}, nil)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for an empty edit, got %v", err)
	}
	got, _ := svc.GetPurchaseOrder(adminCtx(), po.ID)
	if len(got.Items) != 1 {
		t.Fatalf("rejected edit must not touch line items, got %d", len(got.Items))
	}

	if _, err := svc.ClosePurchaseOrder(adminCtx(), po.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = svc.EditPurchaseOrder(adminCtx(), po.ID, domain.PurchaseOrderEditRequest{ManagerPIN: "4321"},
		func(pin string) bool { return pin == "4321" })
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for an empty closed edit, got %v", err)
	}
	p, _ := svc.GetPartByNumber(adminCtx(), "P-980")
	if !allocation.QtyEqual(p.QtyOnHand, 2) {
		t.Fatalf("rejected closed edit must not move inventory, on hand %f", p.QtyOnHand)
	}
}
