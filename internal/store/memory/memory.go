// Package memory is the in-memory Repository used for dev mode and unit
// tests. Mutations validate everything up front and only then write, so a
// failed call leaves the maps untouched, mirroring the transactional
// all-or-nothing behavior of the Postgres implementation.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"partsdesk/backend/internal/allocation"
	"partsdesk/backend/internal/domain"
	"partsdesk/backend/internal/partnum"
	"partsdesk/backend/internal/store"
	"partsdesk/backend/internal/xid"
)

type Store struct {
	mu      sync.RWMutex
	taxRate decimal.Decimal

	vendors            map[string]domain.Vendor
	partsByID          map[string]domain.InventoryPart
	partIDByKey        map[string]string
	salesOrdersByID    map[string]*domain.SalesOrder
	demandByID         map[string]domain.DemandEntry
	aggregatesByKey    map[string]domain.DemandAggregate
	purchaseOrdersByID map[string]*domain.PurchaseOrder
	poSequences        map[int]map[int]bool
	allocationsByPO    map[string][]domain.AllocationCommitment
	returnsByLineItem  map[string][]domain.ReturnOrderLine
	vendorPartUsage    map[string]map[string]int
	billsByVendor      map[string]bool
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD; hardcoded dev defaults
// are used with a warning when unset. Production runs against PostgreSQL.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"clerk", clerkPwd, "clerk"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func New(taxRate decimal.Decimal) *Store {
	return &Store{
		taxRate:            taxRate,
		vendors:            make(map[string]domain.Vendor),
		partsByID:          make(map[string]domain.InventoryPart),
		partIDByKey:        make(map[string]string),
		salesOrdersByID:    make(map[string]*domain.SalesOrder),
		demandByID:         make(map[string]domain.DemandEntry),
		aggregatesByKey:    make(map[string]domain.DemandAggregate),
		purchaseOrdersByID: make(map[string]*domain.PurchaseOrder),
		poSequences:        make(map[int]map[int]bool),
		allocationsByPO:    make(map[string][]domain.AllocationCommitment),
		returnsByLineItem:  make(map[string][]domain.ReturnOrderLine),
		vendorPartUsage:    make(map[string]map[string]int),
		billsByVendor:      make(map[string]bool),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		usersByUsername:    seedUsers(),
	}
}

// NewSeeded returns a store pre-loaded with a small parts catalog, two
// vendors and one open sales order so the API is usable out of the box.
func NewSeeded(taxRate decimal.Decimal) *Store {
	s := New(taxRate)
	now := time.Now().UTC()

	for _, v := range []domain.Vendor{
		{ID: "vend-acme", Name: "Acme Industrial Supply", Phone: "555-0142", CreatedAt: now},
		{ID: "vend-norcal", Name: "NorCal Fasteners", Phone: "555-0187", CreatedAt: now},
	} {
		s.vendors[v.ID] = v
	}

	for _, p := range []domain.InventoryPart{
		{ID: "part-widget1", PartNumber: "WIDGET-1", Description: "Widget, standard", Unit: "ea", Type: domain.PartTypeStock, QtyOnHand: 10, LastUnitCost: decimal.New(450, -2), UpdatedAt: now},
		{ID: "part-ab1020", PartNumber: "AB-1020", Description: "Bearing assembly", Unit: "ea", Type: domain.PartTypeStock, QtyOnHand: 4, LastUnitCost: decimal.New(1275, -2), UpdatedAt: now},
		{ID: "part-grease", PartNumber: "GR-55", Description: "Lithium grease", Unit: "tube", Type: domain.PartTypeSupply, QtyOnHand: 0, LastUnitCost: decimal.New(625, -2), UpdatedAt: now},
		{ID: "part-install", PartNumber: "SVC-INSTALL", Description: "On-site installation", Unit: "hr", Type: domain.PartTypeService, QtyOnHand: 0, LastUnitCost: decimal.New(9500, -2), UpdatedAt: now},
	} {
		s.partsByID[p.ID] = p
		s.partIDByKey[partnum.Normalize(p.PartNumber)] = p.ID
	}

	so := &domain.SalesOrder{
		ID:         "so-seed-1",
		Number:     "SO-2026-00001",
		CustomerID: "cust-seed",
		Status:     domain.SalesOrderStatusOpen,
		CreatedAt:  now,
		Items: []domain.SalesLineItem{
			{ID: "soli-seed-1", PartNumber: "AB-1020", Description: "Bearing assembly", Unit: "ea", QtySold: 6, UnitPrice: decimal.New(1899, -2), PartID: "part-ab1020"},
		},
	}
	s.salesOrdersByID[so.ID] = so
	s.demandByID["de-seed-1"] = domain.DemandEntry{
		ID:               "de-seed-1",
		SalesOrderID:     so.ID,
		SalesOrderNumber: so.Number,
		PartNumber:       "AB-1020",
		Description:      "Bearing assembly",
		Unit:             "ea",
		QtyNeeded:        2,
		UnitPrice:        decimal.New(1899, -2),
		PartID:           "part-ab1020",
	}
	s.rebuildAggregate(partnum.Normalize("AB-1020"))
	return s
}

func (s *Store) CreateVendor(_ context.Context, req domain.VendorCreateRequest) (domain.Vendor, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Vendor{}, fmt.Errorf("%w: vendor name is required", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := domain.Vendor{ID: xid.New("vend"), Name: name, Phone: strings.TrimSpace(req.Phone), CreatedAt: time.Now().UTC()}
	s.vendors[v.ID] = v
	return v, nil
}

func (s *Store) ListVendors(_ context.Context) ([]domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Vendor, 0, len(s.vendors))
	for _, v := range s.vendors {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetVendor(_ context.Context, id string) (domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[id]
	if !ok {
		return domain.Vendor{}, fmt.Errorf("%w: vendor %s", store.ErrNotFound, id)
	}
	return v, nil
}

func (s *Store) CreatePart(_ context.Context, req domain.PartCreateRequest) (domain.InventoryPart, error) {
	pn := strings.TrimSpace(req.PartNumber)
	if pn == "" {
		return domain.InventoryPart{}, fmt.Errorf("%w: part number is required", store.ErrInvalidInput)
	}
	if !domain.ValidPartType(req.Type) {
		return domain.InventoryPart{}, fmt.Errorf("%w: unknown part type %q", store.ErrInvalidInput, req.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partnum.Normalize(pn)
	if _, exists := s.partIDByKey[key]; exists {
		return domain.InventoryPart{}, fmt.Errorf("%w: part %s already exists", store.ErrInvalidInput, pn)
	}
	p := domain.InventoryPart{
		ID:           xid.New("part"),
		PartNumber:   pn,
		Description:  strings.TrimSpace(req.Description),
		Unit:         strings.TrimSpace(req.Unit),
		Type:         req.Type,
		QtyOnHand:    req.QtyOnHand,
		LastUnitCost: req.LastUnitCost,
		UpdatedAt:    time.Now().UTC(),
	}
	s.partsByID[p.ID] = p
	s.partIDByKey[key] = p.ID
	return p, nil
}

func (s *Store) ListParts(_ context.Context) ([]domain.InventoryPart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.InventoryPart, 0, len(s.partsByID))
	for _, p := range s.partsByID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func (s *Store) GetPartByNumber(_ context.Context, partNumber string) (domain.InventoryPart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.lookupPart(partNumber)
	if !ok {
		return domain.InventoryPart{}, fmt.Errorf("%w: part %s", store.ErrNotFound, partNumber)
	}
	return p, nil
}

// lookupPart resolves by normalized part number. Callers hold the lock.
func (s *Store) lookupPart(partNumber string) (domain.InventoryPart, bool) {
	id, ok := s.partIDByKey[partnum.Normalize(partNumber)]
	if !ok {
		return domain.InventoryPart{}, false
	}
	p, ok := s.partsByID[id]
	return p, ok
}

func (s *Store) CreateSalesOrder(_ context.Context, req domain.SalesOrderCreateRequest) (domain.SalesOrder, error) {
	if strings.TrimSpace(req.Number) == "" {
		return domain.SalesOrder{}, fmt.Errorf("%w: sales order number is required", store.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return domain.SalesOrder{}, fmt.Errorf("%w: at least one line item is required", store.ErrInvalidInput)
	}
	for _, it := range req.Items {
		if it.QtySold < 0 || it.QtyToOrder < 0 {
			return domain.SalesOrder{}, fmt.Errorf("%w: negative quantity on part %s", store.ErrInvalidInput, it.PartNumber)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	so := &domain.SalesOrder{
		ID:         xid.New("so"),
		Number:     strings.TrimSpace(req.Number),
		CustomerID: req.CustomerID,
		Status:     domain.SalesOrderStatusOpen,
		CreatedAt:  now,
	}
	// One demand row per (order, part): duplicate lines merge their
	// to-order quantities so the queue stays keyed on that pair.
	demand := map[string]*domain.DemandEntry{}
	var demandKeys []string
	for _, in := range req.Items {
		partID := ""
		if p, ok := s.lookupPart(in.PartNumber); ok {
			partID = p.ID
		}
		so.Items = append(so.Items, domain.SalesLineItem{
			ID:          xid.New("soli"),
			PartNumber:  in.PartNumber,
			Description: in.Description,
			Unit:        in.Unit,
			QtySold:     in.QtySold,
			UnitPrice:   in.UnitPrice,
			PartID:      partID,
		})
		if in.QtyToOrder > allocation.Epsilon {
			key := partnum.Normalize(in.PartNumber)
			if de, ok := demand[key]; ok {
				de.QtyNeeded += in.QtyToOrder
				continue
			}
			demand[key] = &domain.DemandEntry{
				ID:               xid.New("de"),
				SalesOrderID:     so.ID,
				SalesOrderNumber: so.Number,
				PartNumber:       in.PartNumber,
				Description:      in.Description,
				Unit:             in.Unit,
				QtyNeeded:        in.QtyToOrder,
				UnitPrice:        in.UnitPrice,
				PartID:           partID,
			}
			demandKeys = append(demandKeys, key)
		}
	}
	s.salesOrdersByID[so.ID] = so
	for _, key := range demandKeys {
		s.demandByID[demand[key].ID] = *demand[key]
		s.rebuildAggregate(key)
	}
	return *so, nil
}

func (s *Store) GetSalesOrder(_ context.Context, id string) (domain.SalesOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	so, ok := s.salesOrdersByID[id]
	if !ok {
		return domain.SalesOrder{}, fmt.Errorf("%w: sales order %s", store.ErrNotFound, id)
	}
	return *so, nil
}

func (s *Store) ListSalesOrders(_ context.Context) ([]domain.SalesOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SalesOrder, 0, len(s.salesOrdersByID))
	for _, so := range s.salesOrdersByID {
		out = append(out, *so)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) ListDemandForParts(_ context.Context, partKeys []string) ([]domain.DemandEntry, error) {
	want := make(map[string]bool, len(partKeys))
	for _, k := range partKeys {
		want[partnum.Normalize(k)] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DemandEntry
	for _, de := range s.demandByID {
		if !want[partnum.Normalize(de.PartNumber)] {
			continue
		}
		if so, ok := s.salesOrdersByID[de.SalesOrderID]; !ok || so.Status != domain.SalesOrderStatusOpen {
			continue
		}
		out = append(out, de)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SalesOrderNumber < out[j].SalesOrderNumber })
	return out, nil
}

func (s *Store) DemandAggregates(_ context.Context) ([]domain.DemandAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DemandAggregate, 0, len(s.aggregatesByKey))
	for _, a := range s.aggregatesByKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

// rebuildAggregate recomputes the denormalized demand row for one normalized
// part key from the surviving queue entries. Idempotent; callers hold the
// lock.
func (s *Store) rebuildAggregate(key string) {
	var sum float64
	var sample domain.DemandEntry
	for _, de := range s.demandByID {
		if partnum.Normalize(de.PartNumber) != key {
			continue
		}
		if so, ok := s.salesOrdersByID[de.SalesOrderID]; !ok || so.Status != domain.SalesOrderStatusOpen {
			continue
		}
		sum += de.QtyNeeded
		sample = de
	}
	if sum <= allocation.Epsilon {
		delete(s.aggregatesByKey, key)
		return
	}
	s.aggregatesByKey[key] = domain.DemandAggregate{
		PartNumber:      sample.PartNumber,
		Description:     sample.Description,
		Unit:            sample.Unit,
		QtyNeeded:       sum,
		UnitPrice:       sample.UnitPrice,
		TotalLineAmount: sample.UnitPrice.Mul(decimal.NewFromFloat(sum)),
	}
}

func (s *Store) nextSequence(year int) int {
	used := s.poSequences[year]
	seq := 1
	for used[seq] {
		seq++
	}
	return seq
}

func formatPONumber(year, seq int) string {
	return fmt.Sprintf("PO-%04d-%05d", year, seq)
}

func (s *Store) NextPurchaseOrderNumber(_ context.Context, year int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return formatPONumber(year, s.nextSequence(year)), nil
}

func (s *Store) totals(items []domain.PurchaseLineItem) (subtotal, tax, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.LineTotal)
	}
	tax = subtotal.Mul(s.taxRate).Div(decimal.New(100, 0)).Round(2)
	return subtotal, tax, subtotal.Add(tax)
}

func (s *Store) buildLineItems(inputs []domain.PurchaseLineInput) ([]domain.PurchaseLineItem, error) {
	items := make([]domain.PurchaseLineItem, 0, len(inputs))
	for _, in := range inputs {
		if strings.TrimSpace(in.PartNumber) == "" {
			return nil, fmt.Errorf("%w: line item part number is required", store.ErrInvalidInput)
		}
		if in.Qty <= 0 {
			return nil, fmt.Errorf("%w: part %s: quantity must be positive", store.ErrInvalidInput, in.PartNumber)
		}
		partID := ""
		if p, ok := s.lookupPart(in.PartNumber); ok {
			partID = p.ID
		}
		id := in.LineItemID
		if id == "" {
			id = xid.New("poli")
		}
		items = append(items, domain.PurchaseLineItem{
			ID:          id,
			PartNumber:  in.PartNumber,
			Description: in.Description,
			Unit:        in.Unit,
			Qty:         in.Qty,
			UnitCost:    in.UnitCost,
			LineTotal:   in.UnitCost.Mul(decimal.NewFromFloat(in.Qty)).Round(2),
			PartID:      partID,
		})
	}
	return items, nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vendors[req.VendorID]; !ok {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: vendor %s", store.ErrNotFound, req.VendorID)
	}
	if len(req.Items) == 0 {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: at least one line item is required", store.ErrInvalidInput)
	}
	bill := strings.TrimSpace(req.BillNumber)
	if bill != "" && s.billsByVendor[req.VendorID+"|"+bill] {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: bill %s", store.ErrDuplicateBill, bill)
	}
	items, err := s.buildLineItems(req.Items)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	year := req.Year
	if year == 0 {
		year = time.Now().UTC().Year()
	}
	seq := s.nextSequence(year)
	if s.poSequences[year] == nil {
		s.poSequences[year] = make(map[int]bool)
	}
	s.poSequences[year][seq] = true

	now := time.Now().UTC()
	subtotal, tax, total := s.totals(items)
	po := &domain.PurchaseOrder{
		ID:         xid.New("po"),
		Number:     formatPONumber(year, seq),
		Year:       year,
		VendorID:   req.VendorID,
		Status:     domain.PurchaseOrderStatusOpen,
		BillNumber: bill,
		Subtotal:   subtotal,
		Tax:        tax,
		Total:      total,
		CreatedAt:  now,
		UpdatedAt:  now,
		Items:      items,
	}
	s.purchaseOrdersByID[po.ID] = po
	if bill != "" {
		s.billsByVendor[req.VendorID+"|"+bill] = true
	}
	return *po, nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, id string) (domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	po, ok := s.purchaseOrdersByID[id]
	if !ok {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", store.ErrNotFound, id)
	}
	return *po, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, status string) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PurchaseOrder, 0, len(s.purchaseOrdersByID))
	for _, po := range s.purchaseOrdersByID {
		if status != "" && po.Status != status {
			continue
		}
		out = append(out, *po)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (s *Store) UpdatePurchaseOrder(_ context.Context, id string, req domain.PurchaseOrderEditRequest) (domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	po, ok := s.purchaseOrdersByID[id]
	if !ok {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", store.ErrNotFound, id)
	}
	if po.Status == domain.PurchaseOrderStatusClosed {
		return domain.PurchaseOrder{}, store.ErrReopenNotAllowed
	}
	if req.Status == domain.PurchaseOrderStatusClosed {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: use the close operation to close an order", store.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: at least one line item is required", store.ErrInvalidInput)
	}
	items, err := s.buildLineItems(req.Items)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	vendorID := po.VendorID
	if req.VendorID != "" {
		if _, ok := s.vendors[req.VendorID]; !ok {
			return domain.PurchaseOrder{}, fmt.Errorf("%w: vendor %s", store.ErrNotFound, req.VendorID)
		}
		vendorID = req.VendorID
	}
	bill := po.BillNumber
	if req.BillNumber != "" {
		bill = strings.TrimSpace(req.BillNumber)
	}
	if err := s.rebindBill(po, vendorID, bill); err != nil {
		return domain.PurchaseOrder{}, err
	}
	po.VendorID = vendorID
	po.BillNumber = bill
	po.Items = items
	po.Subtotal, po.Tax, po.Total = s.totals(items)
	po.UpdatedAt = time.Now().UTC()
	return *po, nil
}

// rebindBill moves the vendor-scoped bill reservation when an edit changes
// the vendor or bill number. Callers hold the lock.
func (s *Store) rebindBill(po *domain.PurchaseOrder, vendorID, bill string) error {
	oldKey, newKey := "", ""
	if po.BillNumber != "" {
		oldKey = po.VendorID + "|" + po.BillNumber
	}
	if bill != "" {
		newKey = vendorID + "|" + bill
	}
	if newKey == oldKey {
		return nil
	}
	if newKey != "" && s.billsByVendor[newKey] {
		return fmt.Errorf("%w: bill %s", store.ErrDuplicateBill, bill)
	}
	if oldKey != "" {
		delete(s.billsByVendor, oldKey)
	}
	if newKey != "" {
		s.billsByVendor[newKey] = true
	}
	return nil
}

// reconcile applies a signed quantity delta for one part, dispatching on the
// part type. Unknown parts are created as stock on a positive delta and
// ignored otherwise. Callers hold the lock.
func (s *Store) reconcile(partNumber, description, unit string, delta float64, unitCost decimal.Decimal) error {
	now := time.Now().UTC()
	p, ok := s.lookupPart(partNumber)
	if !ok {
		if delta <= allocation.Epsilon {
			return nil
		}
		np := domain.InventoryPart{
			ID:           xid.New("part"),
			PartNumber:   partNumber,
			Description:  description,
			Unit:         unit,
			Type:         domain.PartTypeStock,
			QtyOnHand:    delta,
			LastUnitCost: unitCost,
			UpdatedAt:    now,
		}
		s.partsByID[np.ID] = np
		s.partIDByKey[partnum.Normalize(partNumber)] = np.ID
		return nil
	}
	switch allocation.ReconcileFor(p.Type) {
	case allocation.ReconcileAddOnHand:
		next := p.QtyOnHand + delta
		if next < -allocation.Epsilon {
			return fmt.Errorf("%w: part %s has %.4f on hand, delta %.4f", store.ErrInsufficientQuantity, p.PartNumber, p.QtyOnHand, delta)
		}
		p.QtyOnHand = next
	case allocation.ReconcileCostOnlyWarn:
		if delta > allocation.Epsilon {
			log.Printf("[memory-store] service part %s received surplus %.4f, not applied", p.PartNumber, delta)
		}
	case allocation.ReconcileCostOnly:
	}
	p.LastUnitCost = unitCost
	p.UpdatedAt = now
	s.partsByID[p.ID] = p
	return nil
}

// partGroup is one part's worth of close work: the summed received quantity
// and a representative line for descriptions and cost.
type partGroup struct {
	key      string
	received float64
	line     domain.PurchaseLineItem
}

func groupLineItems(items []domain.PurchaseLineItem) []partGroup {
	order := make([]string, 0, len(items))
	byKey := make(map[string]*partGroup, len(items))
	for _, it := range items {
		key := partnum.Normalize(it.PartNumber)
		g, ok := byKey[key]
		if !ok {
			g = &partGroup{key: key, line: it}
			byKey[key] = g
			order = append(order, key)
		}
		g.received += it.Qty
	}
	out := make([]partGroup, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// candidatesFor gathers automatic demand and manual commitments for one part
// of one purchase order. Callers hold the lock.
func (s *Store) candidatesFor(poID, key string) []allocation.Candidate {
	var out []allocation.Candidate
	for _, de := range s.demandByID {
		if partnum.Normalize(de.PartNumber) != key {
			continue
		}
		so, ok := s.salesOrdersByID[de.SalesOrderID]
		if !ok || so.Status != domain.SalesOrderStatusOpen {
			continue
		}
		out = append(out, allocation.Candidate{
			SalesOrderID:     de.SalesOrderID,
			SalesOrderNumber: de.SalesOrderNumber,
			QtyNeeded:        de.QtyNeeded,
			FromDemandQueue:  true,
			DemandEntryID:    de.ID,
			Description:      de.Description,
			Unit:             de.Unit,
		})
	}
	for _, ac := range s.allocationsByPO[poID] {
		if partnum.Normalize(ac.PartNumber) != key {
			continue
		}
		so, ok := s.salesOrdersByID[ac.SalesOrderID]
		if !ok {
			continue
		}
		out = append(out, allocation.Candidate{
			SalesOrderID:     ac.SalesOrderID,
			SalesOrderNumber: so.Number,
			QtyNeeded:        ac.Qty,
			FromDemandQueue:  false,
		})
	}
	return out
}

// applyAssignment accumulates committed quantity on the sales order's line
// for the part, creating the line when the order has none. Description,
// unit and price fall back from the demand entry to the inventory record to
// the purchase line. Callers hold the lock.
func (s *Store) applyAssignment(a allocation.Assignment, g partGroup) {
	so, ok := s.salesOrdersByID[a.SalesOrderID]
	if !ok {
		return
	}
	for i := range so.Items {
		if partnum.Equal(so.Items[i].PartNumber, g.line.PartNumber) {
			so.Items[i].QtyCommitted += a.Qty
			return
		}
	}
	desc, unit := g.line.Description, g.line.Unit
	price := g.line.UnitCost
	if de, dok := s.demandByID[a.DemandEntryID]; dok {
		desc, unit, price = de.Description, de.Unit, de.UnitPrice
	} else if p, pok := s.lookupPart(g.line.PartNumber); pok {
		if p.Description != "" {
			desc = p.Description
		}
		if p.Unit != "" {
			unit = p.Unit
		}
	}
	partID := g.line.PartID
	if partID == "" {
		if p, pok := s.lookupPart(g.line.PartNumber); pok {
			partID = p.ID
		}
	}
	so.Items = append(so.Items, domain.SalesLineItem{
		ID:           xid.New("soli"),
		PartNumber:   g.line.PartNumber,
		Description:  desc,
		Unit:         unit,
		QtySold:      a.Qty,
		QtyCommitted: a.Qty,
		UnitPrice:    price,
		PartID:       partID,
	})
}

// checkServiceAllocations enforces that every service line is fully covered
// by manual commitments before a close may proceed. Callers hold the lock.
func (s *Store) checkServiceAllocations(po *domain.PurchaseOrder) error {
	committed := make(map[string]float64)
	for _, ac := range s.allocationsByPO[po.ID] {
		committed[partnum.Normalize(ac.PartNumber)] += ac.Qty
	}
	ordered := allocation.OrderedQty(po.Items)
	seen := map[string]bool{}
	for _, it := range po.Items {
		key := partnum.Normalize(it.PartNumber)
		if seen[key] {
			continue
		}
		seen[key] = true
		p, ok := s.lookupPart(it.PartNumber)
		if !ok || p.Type != domain.PartTypeService {
			continue
		}
		if committed[key]+allocation.Epsilon < ordered[key] {
			return fmt.Errorf("%w: part %s ordered %.4f, allocated %.4f",
				store.ErrServiceAllocationRequired, it.PartNumber, ordered[key], committed[key])
		}
	}
	return nil
}

func (s *Store) ClosePurchaseOrder(_ context.Context, poID string) (domain.CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(poID)
}

func (s *Store) closeLocked(poID string) (domain.CloseResult, error) {
	po, ok := s.purchaseOrdersByID[poID]
	if !ok {
		return domain.CloseResult{}, fmt.Errorf("%w: purchase order %s", store.ErrNotFound, poID)
	}
	if po.Status == domain.PurchaseOrderStatusClosed {
		return domain.CloseResult{}, store.ErrAlreadyClosed
	}
	if err := s.checkServiceAllocations(po); err != nil {
		return domain.CloseResult{}, err
	}

	groups := groupLineItems(po.Items)

	// Plan every part before touching anything, so a failed precondition
	// leaves no partial writes.
	plans := make([]allocation.Plan, len(groups))
	for i, g := range groups {
		plans[i] = allocation.Allocate(g.received, s.candidatesFor(poID, g.key))
		if plans[i].UnservedManual > allocation.Epsilon {
			p, ok := s.lookupPart(g.line.PartNumber)
			if !ok || p.Type != domain.PartTypeStock || p.QtyOnHand+allocation.Epsilon < plans[i].UnservedManual {
				avail := 0.0
				if ok {
					avail = p.QtyOnHand
				}
				return domain.CloseResult{}, fmt.Errorf("%w: part %s available %.4f, required %.4f",
					store.ErrInsufficientInventory, g.line.PartNumber, avail, plans[i].UnservedManual)
			}
		}
	}

	now := time.Now().UTC()
	for i, g := range groups {
		plan := plans[i]
		for _, a := range plan.Assignments {
			s.applyAssignment(a, g)
			if a.FromDemandQueue {
				de := s.demandByID[a.DemandEntryID]
				de.QtyNeeded -= a.Qty
				if de.QtyNeeded <= allocation.Epsilon {
					delete(s.demandByID, a.DemandEntryID)
				} else {
					s.demandByID[a.DemandEntryID] = de
				}
			}
		}
		for _, short := range plan.ManualShortfalls {
			s.applyAssignment(short, g)
			p, _ := s.lookupPart(g.line.PartNumber)
			p.QtyOnHand -= short.Qty
			p.UpdatedAt = now
			s.partsByID[p.ID] = p
		}
		if err := s.reconcile(g.line.PartNumber, g.line.Description, g.line.Unit, plan.Surplus, g.line.UnitCost); err != nil {
			return domain.CloseResult{}, err
		}
		s.rebuildAggregate(g.key)
	}

	// Vendor-to-part usage.
	if s.vendorPartUsage[po.VendorID] == nil {
		s.vendorPartUsage[po.VendorID] = make(map[string]int)
	}
	for _, g := range groups {
		if p, ok := s.lookupPart(g.line.PartNumber); ok {
			s.vendorPartUsage[po.VendorID][p.ID]++
		}
	}

	delete(s.allocationsByPO, poID)
	po.Status = domain.PurchaseOrderStatusClosed
	po.ClosedAt = &now
	po.UpdatedAt = now
	po.Subtotal, po.Tax, po.Total = s.totals(po.Items)
	for i := range po.Items {
		if po.Items[i].PartID == "" {
			if p, ok := s.lookupPart(po.Items[i].PartNumber); ok {
				po.Items[i].PartID = p.ID
			}
		}
	}
	return domain.CloseResult{
		Status:   po.Status,
		Subtotal: po.Subtotal,
		Tax:      po.Tax,
		Total:    po.Total,
	}, nil
}

func (s *Store) SaveAllocations(_ context.Context, poID string, req domain.SaveAllocationsRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAllocationsLocked(poID, req)
}

func (s *Store) saveAllocationsLocked(poID string, req domain.SaveAllocationsRequest) (int, error) {
	po, ok := s.purchaseOrdersByID[poID]
	if !ok {
		return 0, fmt.Errorf("%w: purchase order %s", store.ErrNotFound, poID)
	}
	if po.Status == domain.PurchaseOrderStatusClosed {
		return 0, store.ErrAlreadyClosed
	}
	for _, a := range req.Allocations {
		if a.Qty <= 0 {
			return 0, fmt.Errorf("%w: part %s: allocation quantity must be positive", store.ErrInvalidInput, a.PartNumber)
		}
		if _, ok := s.salesOrdersByID[a.SalesOrderID]; !ok {
			return 0, fmt.Errorf("%w: sales order %s", store.ErrNotFound, a.SalesOrderID)
		}
	}
	if err := allocation.ValidateCommitments(po.Items, req.Allocations, req.Surplus); err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrAllocationExceedsOrdered, err)
	}

	now := time.Now().UTC()
	rows := make([]domain.AllocationCommitment, 0, len(req.Allocations))
	for _, a := range req.Allocations {
		partID := ""
		if p, ok := s.lookupPart(a.PartNumber); ok {
			partID = p.ID
		}
		rows = append(rows, domain.AllocationCommitment{
			ID:              xid.New("alloc"),
			PurchaseOrderID: poID,
			SalesOrderID:    a.SalesOrderID,
			PartNumber:      a.PartNumber,
			Qty:             a.Qty,
			PartID:          partID,
			CreatedAt:       now,
		})
	}
	s.allocationsByPO[poID] = rows
	return len(rows), nil
}

func (s *Store) ListAllocations(_ context.Context, poID string) ([]domain.AllocationCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AllocationCommitment, len(s.allocationsByPO[poID]))
	copy(out, s.allocationsByPO[poID])
	return out, nil
}

func (s *Store) CloseWithAllocations(_ context.Context, poID string, req domain.SaveAllocationsRequest) (domain.CloseWithAllocationsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.allocationsByPO[poID]
	accepted, err := s.saveAllocationsLocked(poID, req)
	if err != nil {
		return domain.CloseWithAllocationsResult{}, err
	}
	res, err := s.closeLocked(poID)
	if err != nil {
		// Restore the commitment set the failed close consumed nothing of.
		if prior == nil {
			delete(s.allocationsByPO, poID)
		} else {
			s.allocationsByPO[poID] = prior
		}
		return domain.CloseWithAllocationsResult{}, err
	}
	return domain.CloseWithAllocationsResult{
		CloseResult:          res,
		AllocationsProcessed: accepted,
		SurplusProcessed:     len(req.Surplus),
	}, nil
}

func (s *Store) returnedQty(lineItemID string) float64 {
	var sum float64
	for _, r := range s.returnsByLineItem[lineItemID] {
		sum += r.Qty
	}
	return sum
}

func (s *Store) UpdateClosedPurchaseOrder(_ context.Context, id string, req domain.PurchaseOrderEditRequest) (domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	po, ok := s.purchaseOrdersByID[id]
	if !ok {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", store.ErrNotFound, id)
	}
	if po.Status != domain.PurchaseOrderStatusClosed {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: purchase order %s is not closed", store.ErrInvalidInput, id)
	}
	if req.Status == domain.PurchaseOrderStatusOpen {
		return domain.PurchaseOrder{}, store.ErrReopenNotAllowed
	}
	if len(req.Items) == 0 {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: at least one line item is required", store.ErrInvalidInput)
	}
	items, err := s.buildLineItems(req.Items)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	oldByID := make(map[string]domain.PurchaseLineItem, len(po.Items))
	for _, it := range po.Items {
		oldByID[it.ID] = it
	}

	// Validate return conflicts and compute per-part net deltas before
	// applying anything.
	type deltaEntry struct {
		line  domain.PurchaseLineItem
		delta float64
	}
	var deltas []deltaEntry
	newIDs := make(map[string]bool, len(items))
	for _, it := range items {
		newIDs[it.ID] = true
		old, existed := oldByID[it.ID]
		if !existed {
			deltas = append(deltas, deltaEntry{line: it, delta: it.Qty})
			continue
		}
		if returned := s.returnedQty(it.ID); returned > allocation.Epsilon {
			if !partnum.Equal(it.PartNumber, old.PartNumber) {
				return domain.PurchaseOrder{}, fmt.Errorf("%w: line %s has vendor returns, part cannot change", store.ErrReturnConflict, it.ID)
			}
			if it.Qty+allocation.Epsilon < returned {
				return domain.PurchaseOrder{}, fmt.Errorf("%w: line %s has %.4f returned, quantity cannot drop below that", store.ErrReturnConflict, it.ID, returned)
			}
		}
		if partnum.Equal(it.PartNumber, old.PartNumber) {
			if d := it.Qty - old.Qty; !allocation.QtyZero(d) {
				deltas = append(deltas, deltaEntry{line: it, delta: d})
			}
		} else {
			// Part changed: back the old part out, bring the new one in.
			deltas = append(deltas, deltaEntry{line: old, delta: -old.Qty})
			deltas = append(deltas, deltaEntry{line: it, delta: it.Qty})
		}
	}
	for _, old := range po.Items {
		if newIDs[old.ID] {
			continue
		}
		if s.returnedQty(old.ID) > allocation.Epsilon {
			return domain.PurchaseOrder{}, fmt.Errorf("%w: line %s has vendor returns and cannot be removed", store.ErrReturnConflict, old.ID)
		}
		deltas = append(deltas, deltaEntry{line: old, delta: -old.Qty})
	}

	// Dry-run the stock decrements so a failure applies nothing.
	pending := make(map[string]float64)
	for _, d := range deltas {
		if d.delta >= 0 {
			continue
		}
		p, ok := s.lookupPart(d.line.PartNumber)
		if !ok || p.Type != domain.PartTypeStock {
			continue
		}
		key := partnum.Normalize(d.line.PartNumber)
		pending[key] += d.delta
		if p.QtyOnHand+pending[key] < -allocation.Epsilon {
			return domain.PurchaseOrder{}, fmt.Errorf("%w: part %s has %.4f on hand, delta %.4f",
				store.ErrInsufficientQuantity, p.PartNumber, p.QtyOnHand, pending[key])
		}
	}

	vendorID := po.VendorID
	if req.VendorID != "" {
		if _, ok := s.vendors[req.VendorID]; !ok {
			return domain.PurchaseOrder{}, fmt.Errorf("%w: vendor %s", store.ErrNotFound, req.VendorID)
		}
		vendorID = req.VendorID
	}
	bill := po.BillNumber
	if req.BillNumber != "" {
		bill = strings.TrimSpace(req.BillNumber)
	}
	if err := s.rebindBill(po, vendorID, bill); err != nil {
		return domain.PurchaseOrder{}, err
	}

	for _, d := range deltas {
		if err := s.reconcile(d.line.PartNumber, d.line.Description, d.line.Unit, d.delta, d.line.UnitCost); err != nil {
			return domain.PurchaseOrder{}, err
		}
	}

	po.VendorID = vendorID
	po.BillNumber = bill
	po.Items = items
	po.Subtotal, po.Tax, po.Total = s.totals(items)
	po.UpdatedAt = time.Now().UTC()
	return *po, nil
}

func (s *Store) InsertAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.auditLogs) {
		limit = len(s.auditLogs)
	}
	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.auditLogs[i])
	}
	return out, nil
}

func (s *Store) GetUser(_ context.Context, username string) (domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByUsername[username]
	if !ok || !u.Active {
		return domain.UserAccount{}, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	return u, nil
}

func (s *Store) CreateClerk(_ context.Context, username, passwordHash string) (domain.ClerkUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return domain.ClerkUser{}, fmt.Errorf("%w: %s", store.ErrDuplicateUser, username)
	}
	now := time.Now().UTC()
	s.usersByUsername[username] = domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      "clerk",
		Active:    true,
		CreatedAt: now,
	}
	return domain.ClerkUser{Username: username, Role: "clerk", Active: true, CreatedAt: now}, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.ClerkUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ClerkUser, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		out = append(out, domain.ClerkUser{Username: u.Username, Role: u.Role, Active: u.Active, CreatedAt: u.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
