// Package allocation implements the FIFO planner that distributes a received
// purchase quantity across sales-order demand, plus the quantity comparisons
// and inventory reconciliation rules shared by every storage backend.
package allocation

import (
	"fmt"
	"math"
	"sort"

	"partsdesk/backend/internal/domain"
	"partsdesk/backend/internal/partnum"
)

// Epsilon is the tolerance for all quantity comparisons. Quantities are
// fractional (e.g. 2.5 liters) and accumulate float error across sums.
const Epsilon = 1e-4

// QtyEqual reports whether two quantities are equal within Epsilon.
func QtyEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// QtyZero reports whether q is zero within Epsilon.
func QtyZero(q float64) bool {
	return math.Abs(q) < Epsilon
}

// Candidate is one unit of demand competing for a received quantity: either
// an automatic parts-to-order queue entry or a manual pre-close commitment.
type Candidate struct {
	SalesOrderID     string
	SalesOrderNumber string
	QtyNeeded        float64
	FromDemandQueue  bool
	DemandEntryID    string
	Description      string
	Unit             string
	UnitPrice        float64
}

// Assignment is one planned handoff of quantity to a sales order.
type Assignment struct {
	SalesOrderID     string
	SalesOrderNumber string
	Qty              float64
	FromDemandQueue  bool
	DemandEntryID    string
}

// Plan is the outcome of distributing a received quantity for one part.
type Plan struct {
	Assignments []Assignment
	// Surplus is what remains after all candidates are served.
	Surplus float64
	// ManualShortfalls lists, per sales order, manual commitment quantity the
	// received amount could not cover. The caller serves these from on-hand
	// stock or fails the close.
	ManualShortfalls []Assignment
	// UnservedManual is the sum of ManualShortfalls quantities.
	UnservedManual float64
}

// Allocate walks sales orders oldest-first (by order number, which embeds the
// creation sequence) and hands each one up to its needed quantity until the
// received amount runs out. When the same sales order appears both as a
// queue entry and a manual commitment, the queue entry wins and the manual
// one is dropped so the order is not served twice.
func Allocate(received float64, candidates []Candidate) Plan {
	byOrder := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		prev, ok := byOrder[c.SalesOrderID]
		if !ok || (!prev.FromDemandQueue && c.FromDemandQueue) {
			byOrder[c.SalesOrderID] = c
		}
	}
	deduped := make([]Candidate, 0, len(byOrder))
	for _, c := range byOrder {
		deduped = append(deduped, c)
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].SalesOrderNumber != deduped[j].SalesOrderNumber {
			return deduped[i].SalesOrderNumber < deduped[j].SalesOrderNumber
		}
		return deduped[i].SalesOrderID < deduped[j].SalesOrderID
	})

	plan := Plan{}
	remaining := received
	for _, c := range deduped {
		if c.QtyNeeded <= Epsilon {
			continue
		}
		if remaining <= Epsilon {
			if !c.FromDemandQueue {
				plan.ManualShortfalls = append(plan.ManualShortfalls, Assignment{
					SalesOrderID:     c.SalesOrderID,
					SalesOrderNumber: c.SalesOrderNumber,
					Qty:              c.QtyNeeded,
				})
				plan.UnservedManual += c.QtyNeeded
			}
			continue
		}
		give := math.Min(remaining, c.QtyNeeded)
		plan.Assignments = append(plan.Assignments, Assignment{
			SalesOrderID:     c.SalesOrderID,
			SalesOrderNumber: c.SalesOrderNumber,
			Qty:              give,
			FromDemandQueue:  c.FromDemandQueue,
			DemandEntryID:    c.DemandEntryID,
		})
		remaining -= give
		if short := c.QtyNeeded - give; short > Epsilon && !c.FromDemandQueue {
			plan.ManualShortfalls = append(plan.ManualShortfalls, Assignment{
				SalesOrderID:     c.SalesOrderID,
				SalesOrderNumber: c.SalesOrderNumber,
				Qty:              short,
			})
			plan.UnservedManual += short
		}
	}
	if remaining > Epsilon {
		plan.Surplus = remaining
	}
	return plan
}

// OrderedQty sums purchase line quantities per normalized part number.
func OrderedQty(items []domain.PurchaseLineItem) map[string]float64 {
	out := make(map[string]float64, len(items))
	for _, it := range items {
		out[partnum.Normalize(it.PartNumber)] += it.Qty
	}
	return out
}

// ValidateCommitments checks that for every part, the manual allocations plus
// the declared surplus do not exceed the ordered quantity. Allocations and
// surplus keys are matched to line items by normalized part number.
func ValidateCommitments(items []domain.PurchaseLineItem, allocations []domain.AllocationInput, surplus map[string]float64) error {
	ordered := OrderedQty(items)
	committed := make(map[string]float64)
	display := make(map[string]string)
	for _, a := range allocations {
		key := partnum.Normalize(a.PartNumber)
		committed[key] += a.Qty
		display[key] = a.PartNumber
	}
	for pn, q := range surplus {
		key := partnum.Normalize(pn)
		committed[key] += q
		display[key] = pn
	}
	for key, got := range committed {
		have, ok := ordered[key]
		if !ok {
			return fmt.Errorf("part %s is not on this purchase order", display[key])
		}
		if got > have+Epsilon {
			return fmt.Errorf("part %s: allocated %.4f exceeds ordered %.4f by %.4f",
				display[key], got, have, got-have)
		}
	}
	return nil
}

// ReconcileAction says what to do with a quantity arriving into inventory for
// a part of the given type. It is the single dispatch point for the
// type-dependent branch of receiving.
type ReconcileAction int

const (
	// ReconcileAddOnHand applies the delta to on-hand stock and refreshes
	// the last unit cost.
	ReconcileAddOnHand ReconcileAction = iota
	// ReconcileCostOnly refreshes last unit cost; the quantity is not
	// inventory-managed. Supplies are consumed on arrival.
	ReconcileCostOnly
	// ReconcileCostOnlyWarn is ReconcileCostOnly plus a warning log when a
	// positive remainder arrives: a service has no physical remainder, so a
	// surplus here is a caller mistake.
	ReconcileCostOnlyWarn
)

// ReconcileFor maps a part type to its receiving rule. It is the only place
// the part-type branch lives; callers apply the returned action rather than
// switching on the type themselves.
func ReconcileFor(t domain.PartType) ReconcileAction {
	switch t {
	case domain.PartTypeSupply:
		return ReconcileCostOnly
	case domain.PartTypeService:
		return ReconcileCostOnlyWarn
	default:
		return ReconcileAddOnHand
	}
}
