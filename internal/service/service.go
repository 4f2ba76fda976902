// Package service orchestrates the purchasing engine: validation, role
// checks, audit logging and suggestion caching sit here, while the
// transactional work lives in the Repository implementations.
package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"partsdesk/backend/internal/allocation"
	"partsdesk/backend/internal/cache"
	"partsdesk/backend/internal/domain"
	"partsdesk/backend/internal/partnum"
	"partsdesk/backend/internal/store"
	"partsdesk/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo          store.Repository
	suggestions   cache.SuggestionCache
	suggestionTTL time.Duration
}

func New(repo store.Repository, suggestions cache.SuggestionCache, suggestionTTL time.Duration) *Service {
	if suggestions == nil {
		suggestions = cache.NoopSuggestionCache{}
	}
	if suggestionTTL <= 0 {
		suggestionTTL = 30 * time.Second
	}

	return &Service{
		repo:          repo,
		suggestions:   suggestions,
		suggestionTTL: suggestionTTL,
	}
}

func (s *Service) ListVendors(ctx context.Context) ([]domain.Vendor, error) {
	return s.repo.ListVendors(ctx)
}

func (s *Service) CreateVendor(ctx context.Context, req domain.VendorCreateRequest) (domain.Vendor, error) {
	v, err := s.repo.CreateVendor(ctx, req)
	if err != nil {
		return domain.Vendor{}, err
	}
	s.logAudit(ctx, "create_vendor", "vendor", v.ID, v.Name)
	return v, nil
}

func (s *Service) ListParts(ctx context.Context) ([]domain.InventoryPart, error) {
	return s.repo.ListParts(ctx)
}

func (s *Service) GetPartByNumber(ctx context.Context, partNumber string) (domain.InventoryPart, error) {
	return s.repo.GetPartByNumber(ctx, partNumber)
}

func (s *Service) CreatePart(ctx context.Context, req domain.PartCreateRequest) (domain.InventoryPart, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.InventoryPart{}, fmt.Errorf("admin role required")
	}
	if req.QtyOnHand < 0 {
		return domain.InventoryPart{}, fmt.Errorf("%w: quantity on hand cannot be negative", store.ErrInvalidInput)
	}
	if req.Type != domain.PartTypeStock && req.QtyOnHand > allocation.Epsilon {
		return domain.InventoryPart{}, fmt.Errorf("%w: only stock parts carry on-hand quantity", store.ErrInvalidInput)
	}
	p, err := s.repo.CreatePart(ctx, req)
	if err != nil {
		return domain.InventoryPart{}, err
	}
	s.logAudit(ctx, "create_part", "part", p.ID, p.PartNumber)
	return p, nil
}

func (s *Service) CreateSalesOrder(ctx context.Context, req domain.SalesOrderCreateRequest) (domain.SalesOrder, error) {
	so, err := s.repo.CreateSalesOrder(ctx, req)
	if err != nil {
		return domain.SalesOrder{}, err
	}
	s.logAudit(ctx, "create_sales_order", "sales_order", so.ID, so.Number)
	return so, nil
}

func (s *Service) GetSalesOrder(ctx context.Context, id string) (domain.SalesOrder, error) {
	return s.repo.GetSalesOrder(ctx, id)
}

func (s *Service) ListSalesOrders(ctx context.Context) ([]domain.SalesOrder, error) {
	return s.repo.ListSalesOrders(ctx)
}

func (s *Service) PartsToOrder(ctx context.Context) (domain.DemandAggregateResponse, error) {
	parts, err := s.repo.DemandAggregates(ctx)
	if err != nil {
		return domain.DemandAggregateResponse{}, err
	}
	return domain.DemandAggregateResponse{Parts: parts}, nil
}

func (s *Service) NextPurchaseOrderNumber(ctx context.Context, year int) (domain.NextNumberResponse, error) {
	if year == 0 {
		year = time.Now().UTC().Year()
	}
	if year < 2000 || year > 2200 {
		return domain.NextNumberResponse{}, fmt.Errorf("%w: year %d out of range", store.ErrInvalidInput, year)
	}
	number, err := s.repo.NextPurchaseOrderNumber(ctx, year)
	if err != nil {
		return domain.NextNumberResponse{}, err
	}
	return domain.NextNumberResponse{Year: year, Number: number}, nil
}

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	if strings.TrimSpace(req.VendorID) == "" {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: vendor is required", store.ErrInvalidInput)
	}
	po, err := s.repo.CreatePurchaseOrder(ctx, req)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.logAudit(ctx, "create_purchase_order", "purchase_order", po.ID, po.Number)
	return po, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	return s.repo.GetPurchaseOrder(ctx, id)
}

func (s *Service) ListPurchaseOrders(ctx context.Context, status string) ([]domain.PurchaseOrder, error) {
	if status != "" && status != domain.PurchaseOrderStatusOpen && status != domain.PurchaseOrderStatusClosed {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidInput, status)
	}
	return s.repo.ListPurchaseOrders(ctx, status)
}

// EditPurchaseOrder routes to the open or closed edit path based on the
// current status. Editing a closed order moves inventory, so it is gated on
// the manager PIN the same way close is.
func (s *Service) EditPurchaseOrder(ctx context.Context, id string, req domain.PurchaseOrderEditRequest, pinOK func(string) bool) (domain.PurchaseOrder, error) {
	current, err := s.repo.GetPurchaseOrder(ctx, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if current.Status == domain.PurchaseOrderStatusClosed {
		if req.Status == domain.PurchaseOrderStatusOpen {
			return domain.PurchaseOrder{}, store.ErrReopenNotAllowed
		}
		if pinOK != nil && !pinOK(req.ManagerPIN) {
			return domain.PurchaseOrder{}, fmt.Errorf("manager pin required to edit a closed order")
		}
		po, err := s.repo.UpdateClosedPurchaseOrder(ctx, id, req)
		if err != nil {
			return domain.PurchaseOrder{}, err
		}
		s.logAudit(ctx, "edit_closed_purchase_order", "purchase_order", po.ID, po.Number)
		s.invalidateSuggestions(ctx, id)
		return po, nil
	}

	po, err := s.repo.UpdatePurchaseOrder(ctx, id, req)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.logAudit(ctx, "edit_purchase_order", "purchase_order", po.ID, po.Number)
	s.invalidateSuggestions(ctx, id)
	return po, nil
}

func (s *Service) SaveAllocations(ctx context.Context, poID string, req domain.SaveAllocationsRequest) (domain.SaveAllocationsResponse, error) {
	accepted, err := s.repo.SaveAllocations(ctx, poID, req)
	if err != nil {
		return domain.SaveAllocationsResponse{}, err
	}
	s.logAudit(ctx, "save_allocations", "purchase_order", poID, fmt.Sprintf("%d allocations", accepted))
	s.invalidateSuggestions(ctx, poID)
	return domain.SaveAllocationsResponse{Accepted: accepted}, nil
}

func (s *Service) ListAllocations(ctx context.Context, poID string) ([]domain.AllocationCommitment, error) {
	return s.repo.ListAllocations(ctx, poID)
}

func (s *Service) ClosePurchaseOrder(ctx context.Context, poID string) (domain.CloseResult, error) {
	res, err := s.repo.ClosePurchaseOrder(ctx, poID)
	if err != nil {
		return domain.CloseResult{}, err
	}
	s.logAudit(ctx, "close_purchase_order", "purchase_order", poID, res.Total.String())
	s.invalidateSuggestions(ctx, poID)
	return res, nil
}

func (s *Service) CloseWithAllocations(ctx context.Context, poID string, req domain.SaveAllocationsRequest) (domain.CloseWithAllocationsResult, error) {
	res, err := s.repo.CloseWithAllocations(ctx, poID, req)
	if err != nil {
		return domain.CloseWithAllocationsResult{}, err
	}
	s.logAudit(ctx, "close_with_allocations", "purchase_order", poID,
		fmt.Sprintf("%d allocations, %d surplus parts", res.AllocationsProcessed, res.SurplusProcessed))
	s.invalidateSuggestions(ctx, poID)
	return res, nil
}

func suggestionCacheKey(poID string) string {
	return "suggest:" + poID
}

func (s *Service) invalidateSuggestions(ctx context.Context, poID string) {
	if err := s.suggestions.Invalidate(ctx, suggestionCacheKey(poID)); err != nil {
		log.Printf("[service] WARN: suggestion cache invalidate for %s: %v", poID, err)
	}
}

// AllocationSuggestions previews what closing the order right now would
// assign per part, without mutating anything. Results are cached briefly and
// invalidated by any write against the order.
func (s *Service) AllocationSuggestions(ctx context.Context, poID string) (domain.AllocationSuggestionsResponse, error) {
	key := suggestionCacheKey(poID)
	if cached, ok, err := s.suggestions.Get(ctx, key); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: suggestion cache read for %s: %v", poID, err)
	}

	po, err := s.repo.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return domain.AllocationSuggestionsResponse{}, err
	}
	if po.Status == domain.PurchaseOrderStatusClosed {
		return domain.AllocationSuggestionsResponse{}, store.ErrAlreadyClosed
	}

	partKeys := make([]string, 0, len(po.Items))
	seen := map[string]bool{}
	for _, it := range po.Items {
		key := partnum.Normalize(it.PartNumber)
		if !seen[key] {
			seen[key] = true
			partKeys = append(partKeys, key)
		}
	}
	demand, err := s.repo.ListDemandForParts(ctx, partKeys)
	if err != nil {
		return domain.AllocationSuggestionsResponse{}, err
	}
	commitments, err := s.repo.ListAllocations(ctx, poID)
	if err != nil {
		return domain.AllocationSuggestionsResponse{}, err
	}

	ordered := allocation.OrderedQty(po.Items)
	resp := domain.AllocationSuggestionsResponse{PurchaseOrderID: poID}
	for _, it := range po.Items {
		partKey := partnum.Normalize(it.PartNumber)
		if _, done := ordered[partKey]; !done {
			continue
		}
		received := ordered[partKey]
		delete(ordered, partKey)

		var candidates []allocation.Candidate
		var totalNeeded float64
		for _, de := range demand {
			if partnum.Normalize(de.PartNumber) != partKey {
				continue
			}
			totalNeeded += de.QtyNeeded
			candidates = append(candidates, allocation.Candidate{
				SalesOrderID:     de.SalesOrderID,
				SalesOrderNumber: de.SalesOrderNumber,
				QtyNeeded:        de.QtyNeeded,
				FromDemandQueue:  true,
				DemandEntryID:    de.ID,
			})
		}
		for _, ac := range commitments {
			if partnum.Normalize(ac.PartNumber) != partKey {
				continue
			}
			so, err := s.repo.GetSalesOrder(ctx, ac.SalesOrderID)
			if err != nil {
				continue
			}
			candidates = append(candidates, allocation.Candidate{
				SalesOrderID:     ac.SalesOrderID,
				SalesOrderNumber: so.Number,
				QtyNeeded:        ac.Qty,
			})
		}

		plan := allocation.Allocate(received, candidates)
		suggestion := domain.AllocationSuggestion{
			PartNumber:       it.PartNumber,
			QtyOrdered:       received,
			TotalNeeded:      totalNeeded,
			SuggestedSurplus: plan.Surplus,
		}
		for _, a := range plan.Assignments {
			suggestion.SuggestedAllocate += a.Qty
			suggestion.Suggestions = append(suggestion.Suggestions, domain.SuggestionLine{
				SalesOrderID:     a.SalesOrderID,
				SalesOrderNumber: a.SalesOrderNumber,
				Qty:              a.Qty,
			})
		}
		resp.Parts = append(resp.Parts, suggestion)
	}
	sort.Slice(resp.Parts, func(i, j int) bool { return resp.Parts[i].PartNumber < resp.Parts[j].PartNumber })

	if err := s.suggestions.Set(ctx, key, &resp, s.suggestionTTL); err != nil {
		log.Printf("[service] WARN: suggestion cache write for %s: %v", poID, err)
	}
	return resp, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.InsertAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
