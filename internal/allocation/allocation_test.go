package allocation

import (
	"testing"

	"github.com/shopspring/decimal"

	"partsdesk/backend/internal/domain"
)

func TestAllocateServesOldestOrderFirst(t *testing.T) {
	plan := Allocate(6, []Candidate{
		{SalesOrderID: "so-2", SalesOrderNumber: "SO-2024-00031", QtyNeeded: 4, FromDemandQueue: true},
		{SalesOrderID: "so-1", SalesOrderNumber: "SO-2024-00017", QtyNeeded: 5, FromDemandQueue: true},
	})
	if len(plan.Assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(plan.Assignments))
	}
	if plan.Assignments[0].SalesOrderID != "so-1" || !QtyEqual(plan.Assignments[0].Qty, 5) {
		t.Fatalf("first assignment wrong: %+v", plan.Assignments[0])
	}
	if plan.Assignments[1].SalesOrderID != "so-2" || !QtyEqual(plan.Assignments[1].Qty, 1) {
		t.Fatalf("second assignment wrong: %+v", plan.Assignments[1])
	}
	if !QtyZero(plan.Surplus) {
		t.Fatalf("expected no surplus, got %f", plan.Surplus)
	}
}

func TestAllocateLeavesSurplus(t *testing.T) {
	plan := Allocate(10, []Candidate{
		{SalesOrderID: "so-1", SalesOrderNumber: "SO-2024-00001", QtyNeeded: 3, FromDemandQueue: true},
	})
	if !QtyEqual(plan.Surplus, 7) {
		t.Fatalf("expected surplus 7, got %f", plan.Surplus)
	}
}

func TestAllocatePrefersQueueEntryOverManualForSameOrder(t *testing.T) {
	plan := Allocate(5, []Candidate{
		{SalesOrderID: "so-1", SalesOrderNumber: "SO-2024-00001", QtyNeeded: 2, FromDemandQueue: false},
		{SalesOrderID: "so-1", SalesOrderNumber: "SO-2024-00001", QtyNeeded: 3, FromDemandQueue: true, DemandEntryID: "de-1"},
	})
	if len(plan.Assignments) != 1 {
		t.Fatalf("expected the duplicate order served once, got %d assignments", len(plan.Assignments))
	}
	a := plan.Assignments[0]
	if !a.FromDemandQueue || a.DemandEntryID != "de-1" || !QtyEqual(a.Qty, 3) {
		t.Fatalf("queue entry should win: %+v", a)
	}
	if !QtyEqual(plan.Surplus, 2) {
		t.Fatalf("expected surplus 2, got %f", plan.Surplus)
	}
}

func TestAllocateReportsUnservedManualCommitments(t *testing.T) {
	plan := Allocate(4, []Candidate{
		{SalesOrderID: "so-1", SalesOrderNumber: "SO-2024-00001", QtyNeeded: 3, FromDemandQueue: true},
		{SalesOrderID: "so-2", SalesOrderNumber: "SO-2024-00002", QtyNeeded: 5, FromDemandQueue: false},
	})
	// so-1 takes 3, so-2 gets the remaining 1 and is short 4.
	if !QtyEqual(plan.UnservedManual, 4) {
		t.Fatalf("expected 4 unserved manual qty, got %f", plan.UnservedManual)
	}
	if len(plan.ManualShortfalls) != 1 || plan.ManualShortfalls[0].SalesOrderID != "so-2" {
		t.Fatalf("expected the shortfall attributed to so-2: %+v", plan.ManualShortfalls)
	}
	if !QtyZero(plan.Surplus) {
		t.Fatalf("expected no surplus, got %f", plan.Surplus)
	}
}

func TestAllocateFractionalQuantities(t *testing.T) {
	plan := Allocate(2.5, []Candidate{
		{SalesOrderID: "so-1", SalesOrderNumber: "SO-2024-00001", QtyNeeded: 1.2, FromDemandQueue: true},
		{SalesOrderID: "so-2", SalesOrderNumber: "SO-2024-00002", QtyNeeded: 1.3, FromDemandQueue: true},
	})
	if !QtyZero(plan.Surplus) {
		t.Fatalf("fractional sums should net to zero surplus, got %f", plan.Surplus)
	}
	if !QtyEqual(plan.Assignments[0].Qty+plan.Assignments[1].Qty, 2.5) {
		t.Fatal("assignments should sum to the received quantity")
	}
}

func items(parts ...string) []domain.PurchaseLineItem {
	out := make([]domain.PurchaseLineItem, 0, len(parts))
	for _, p := range parts {
		out = append(out, domain.PurchaseLineItem{PartNumber: p, Qty: 10, UnitCost: decimal.New(5, 0)})
	}
	return out
}

func TestValidateCommitmentsWithinOrdered(t *testing.T) {
	err := ValidateCommitments(items("AB-1020"),
		[]domain.AllocationInput{{SalesOrderID: "so-1", PartNumber: "ab1020", Qty: 6}},
		map[string]float64{"AB 1020": 4})
	if err != nil {
		t.Fatalf("expected commitments at exactly ordered qty to pass: %v", err)
	}
}

func TestValidateCommitmentsExceedsOrdered(t *testing.T) {
	err := ValidateCommitments(items("AB-1020"),
		[]domain.AllocationInput{{SalesOrderID: "so-1", PartNumber: "AB-1020", Qty: 8}},
		map[string]float64{"AB-1020": 4})
	if err == nil {
		t.Fatal("expected over-commitment to fail")
	}
}

func TestValidateCommitmentsUnknownPart(t *testing.T) {
	err := ValidateCommitments(items("AB-1020"),
		[]domain.AllocationInput{{SalesOrderID: "so-1", PartNumber: "ZZ-9", Qty: 1}}, nil)
	if err == nil {
		t.Fatal("expected unknown part to fail")
	}
}

func TestReconcileFor(t *testing.T) {
	if ReconcileFor(domain.PartTypeStock) != ReconcileAddOnHand {
		t.Fatal("stock parts keep a remainder on hand")
	}
	if ReconcileFor(domain.PartTypeSupply) != ReconcileCostOnly {
		t.Fatal("supplies are consumed on arrival")
	}
	if ReconcileFor(domain.PartTypeService) != ReconcileCostOnlyWarn {
		t.Fatal("service surplus is a caller mistake, cost still tracked")
	}
}
