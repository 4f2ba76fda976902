// Package postgres is the production Repository. Every multi-step mutation
// runs in one transaction with the purchase-order row locked FOR UPDATE, so
// a failure at any step rolls the whole call back.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"partsdesk/backend/internal/allocation"
	"partsdesk/backend/internal/domain"
	"partsdesk/backend/internal/partnum"
	"partsdesk/backend/internal/store"
	"partsdesk/backend/internal/xid"
)

type Store struct {
	db      *sql.DB
	taxRate decimal.Decimal
}

func New(ctx context.Context, databaseURL string, taxRate decimal.Decimal) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, taxRate: taxRate}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateVendor(ctx context.Context, req domain.VendorCreateRequest) (domain.Vendor, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Vendor{}, fmt.Errorf("%w: vendor name is required", store.ErrInvalidInput)
	}
	v := domain.Vendor{ID: xid.New("vend"), Name: name, Phone: strings.TrimSpace(req.Phone), CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, v.ID, v.Name, v.Phone, v.CreatedAt)
	if err != nil {
		return domain.Vendor{}, err
	}
	return v, nil
}

func (s *Store) ListVendors(ctx context.Context) ([]domain.Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, created_at
		FROM vendors
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Vendor, 0, 32)
	for rows.Next() {
		var v domain.Vendor
		if err := rows.Scan(&v.ID, &v.Name, &v.Phone, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) GetVendor(ctx context.Context, id string) (domain.Vendor, error) {
	var v domain.Vendor
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, created_at
		FROM vendors
		WHERE id = $1
	`, id).Scan(&v.ID, &v.Name, &v.Phone, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Vendor{}, fmt.Errorf("%w: vendor %s", store.ErrNotFound, id)
	}
	if err != nil {
		return domain.Vendor{}, err
	}
	return v, nil
}

func (s *Store) CreatePart(ctx context.Context, req domain.PartCreateRequest) (domain.InventoryPart, error) {
	pn := strings.TrimSpace(req.PartNumber)
	if pn == "" {
		return domain.InventoryPart{}, fmt.Errorf("%w: part number is required", store.ErrInvalidInput)
	}
	if !domain.ValidPartType(req.Type) {
		return domain.InventoryPart{}, fmt.Errorf("%w: unknown part type %q", store.ErrInvalidInput, req.Type)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_parts (id, part_number, norm_key, description, unit, part_type, qty_on_hand, last_unit_cost, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, p.ID, p.PartNumber, partnum.Normalize(pn), p.Description, p.Unit, string(p.Type), p.QtyOnHand, p.LastUnitCost, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.InventoryPart{}, fmt.Errorf("%w: part %s already exists", store.ErrInvalidInput, pn)
		}
		return domain.InventoryPart{}, err
	}
	return p, nil
}

func (s *Store) ListParts(ctx context.Context) ([]domain.InventoryPart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, part_number, description, unit, part_type, qty_on_hand, last_unit_cost, updated_at
		FROM inventory_parts
		ORDER BY part_number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.InventoryPart, 0, 64)
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPart(r rowScanner) (domain.InventoryPart, error) {
	var p domain.InventoryPart
	var typ string
	err := r.Scan(&p.ID, &p.PartNumber, &p.Description, &p.Unit, &typ, &p.QtyOnHand, &p.LastUnitCost, &p.UpdatedAt)
	if err != nil {
		return domain.InventoryPart{}, err
	}
	p.Type = domain.PartType(typ)
	return p, nil
}

func (s *Store) GetPartByNumber(ctx context.Context, partNumber string) (domain.InventoryPart, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, part_number, description, unit, part_type, qty_on_hand, last_unit_cost, updated_at
		FROM inventory_parts
		WHERE norm_key = $1
	`, partnum.Normalize(partNumber))
	p, err := scanPart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryPart{}, fmt.Errorf("%w: part %s", store.ErrNotFound, partNumber)
	}
	if err != nil {
		return domain.InventoryPart{}, err
	}
	return p, nil
}

func (s *Store) CreateSalesOrder(ctx context.Context, req domain.SalesOrderCreateRequest) (domain.SalesOrder, error) {
	number := strings.TrimSpace(req.Number)
	if number == "" {
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.SalesOrder{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	so := domain.SalesOrder{
		ID:         xid.New("so"),
		Number:     number,
		CustomerID: req.CustomerID,
		Status:     domain.SalesOrderStatusOpen,
		CreatedAt:  now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales_orders (id, number, customer_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, so.ID, so.Number, so.CustomerID, so.Status, so.CreatedAt)
	if err != nil {
		return domain.SalesOrder{}, err
	}

	// One demand row per (order, part): duplicate lines merge their
	// to-order quantities so the queue stays keyed on that pair.
	type demandSeed struct {
		in     domain.SalesLineInput
		partID string
		qty    float64
	}
	demand := map[string]*demandSeed{}
	var demandKeys []string
	for _, in := range req.Items {
		key := partnum.Normalize(in.PartNumber)
		partID, err := resolvePartIDTx(ctx, tx, key)
		if err != nil {
			return domain.SalesOrder{}, err
		}
		item := domain.SalesLineItem{
			ID:          xid.New("soli"),
			PartNumber:  in.PartNumber,
			Description: in.Description,
			Unit:        in.Unit,
			QtySold:     in.QtySold,
			UnitPrice:   in.UnitPrice,
			PartID:      partID,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sales_line_items (id, sales_order_id, part_number, norm_key, description, unit, qty_sold, qty_committed, unit_price, part_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9)
		`, item.ID, so.ID, item.PartNumber, key, item.Description, item.Unit, item.QtySold, item.UnitPrice, nullIfEmpty(partID))
		if err != nil {
			return domain.SalesOrder{}, err
		}
		so.Items = append(so.Items, item)

		if in.QtyToOrder > allocation.Epsilon {
			if d, ok := demand[key]; ok {
				d.qty += in.QtyToOrder
				continue
			}
			demand[key] = &demandSeed{in: in, partID: partID, qty: in.QtyToOrder}
			demandKeys = append(demandKeys, key)
		}
	}
	for _, key := range demandKeys {
		d := demand[key]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO parts_to_order (id, sales_order_id, part_number, norm_key, description, unit, qty_needed, unit_price, part_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, xid.New("de"), so.ID, d.in.PartNumber, key, d.in.Description, d.in.Unit, d.qty, d.in.UnitPrice, nullIfEmpty(d.partID))
		if err != nil {
			return domain.SalesOrder{}, err
		}
		if err := rebuildAggregateTx(ctx, tx, key); err != nil {
			return domain.SalesOrder{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.SalesOrder{}, err
	}
	return so, nil
}

// resolvePartIDTx maps a normalized part key to its canonical inventory id,
// or "" when the part is not yet in inventory.
func resolvePartIDTx(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM inventory_parts WHERE norm_key = $1`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetSalesOrder(ctx context.Context, id string) (domain.SalesOrder, error) {
	var so domain.SalesOrder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, customer_id, status, created_at
		FROM sales_orders
		WHERE id = $1
	`, id).Scan(&so.ID, &so.Number, &so.CustomerID, &so.Status, &so.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SalesOrder{}, fmt.Errorf("%w: sales order %s", store.ErrNotFound, id)
	}
	if err != nil {
		return domain.SalesOrder{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, part_number, description, unit, qty_sold, qty_committed, unit_price, COALESCE(part_id, '')
		FROM sales_line_items
		WHERE sales_order_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return domain.SalesOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.SalesLineItem
		if err := rows.Scan(&it.ID, &it.PartNumber, &it.Description, &it.Unit, &it.QtySold, &it.QtyCommitted, &it.UnitPrice, &it.PartID); err != nil {
			return domain.SalesOrder{}, err
		}
		so.Items = append(so.Items, it)
	}
	return so, rows.Err()
}

func (s *Store) ListSalesOrders(ctx context.Context) ([]domain.SalesOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, customer_id, status, created_at
		FROM sales_orders
		ORDER BY number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.SalesOrder, 0, 32)
	for rows.Next() {
		var so domain.SalesOrder
		if err := rows.Scan(&so.ID, &so.Number, &so.CustomerID, &so.Status, &so.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, so)
	}
	return out, rows.Err()
}

func (s *Store) ListDemandForParts(ctx context.Context, partKeys []string) ([]domain.DemandEntry, error) {
	keys := make([]string, 0, len(partKeys))
	for _, k := range partKeys {
		keys = append(keys, partnum.Normalize(k))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sales_order_id, so.number, p.part_number, p.description, p.unit, p.qty_needed, p.unit_price, COALESCE(p.part_id, '')
		FROM parts_to_order p
		JOIN sales_orders so ON so.id = p.sales_order_id
		WHERE so.status = 'open' AND p.norm_key = ANY($1)
		ORDER BY so.number ASC
	`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DemandEntry
	for rows.Next() {
		var de domain.DemandEntry
		if err := rows.Scan(&de.ID, &de.SalesOrderID, &de.SalesOrderNumber, &de.PartNumber, &de.Description, &de.Unit, &de.QtyNeeded, &de.UnitPrice, &de.PartID); err != nil {
			return nil, err
		}
		out = append(out, de)
	}
	return out, rows.Err()
}

func (s *Store) DemandAggregates(ctx context.Context) ([]domain.DemandAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT part_number, description, unit, qty_needed, unit_price, total_line_amount
		FROM aggregated_parts_to_order
		ORDER BY part_number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DemandAggregate, 0, 32)
	for rows.Next() {
		var a domain.DemandAggregate
		if err := rows.Scan(&a.PartNumber, &a.Description, &a.Unit, &a.QtyNeeded, &a.UnitPrice, &a.TotalLineAmount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// rebuildAggregateTx recomputes the denormalized demand row for one part
// from the surviving queue rows of open sales orders. Upserts when the sum
// is positive, deletes otherwise. Idempotent.
func rebuildAggregateTx(ctx context.Context, tx *sql.Tx, key string) error {
	var sum float64
	var pn, desc, unit string
	var price decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT SUM(p.qty_needed), MAX(p.part_number), MAX(p.description), MAX(p.unit), MAX(p.unit_price)
		FROM parts_to_order p
		JOIN sales_orders so ON so.id = p.sales_order_id
		WHERE so.status = 'open' AND p.norm_key = $1
		GROUP BY p.norm_key
	`, key).Scan(&sum, &pn, &desc, &unit, &price)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && sum <= allocation.Epsilon) {
		_, derr := tx.ExecContext(ctx, `DELETE FROM aggregated_parts_to_order WHERE norm_key = $1`, key)
		return derr
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregated_parts_to_order (norm_key, part_number, description, unit, qty_needed, unit_price, total_line_amount)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (norm_key) DO UPDATE SET
			part_number = EXCLUDED.part_number,
			description = EXCLUDED.description,
			unit = EXCLUDED.unit,
			qty_needed = EXCLUDED.qty_needed,
			unit_price = EXCLUDED.unit_price,
			total_line_amount = EXCLUDED.total_line_amount
	`, key, pn, desc, unit, sum, price, price.Mul(decimal.NewFromFloat(sum)))
	return err
}

const poNumberRetries = 3

func formatPONumber(year, seq int) string {
	return fmt.Sprintf("PO-%04d-%05d", year, seq)
}

// lowestGapTx finds the smallest unused sequence number for a year, so that
// deleted orders leave no permanent holes in the numbering.
func lowestGapTx(ctx context.Context, q queryer, year int) (int, error) {
	var seq int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(s.seq + 1), 1)
		FROM (SELECT seq FROM purchase_orders WHERE year = $1 UNION SELECT 0) s
		WHERE NOT EXISTS (
			SELECT 1 FROM purchase_orders p WHERE p.year = $1 AND p.seq = s.seq + 1
		)
	`, year).Scan(&seq)
	return seq, err
}

func maxSeqTx(ctx context.Context, q queryer, year int) (int, error) {
	var seq int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM purchase_orders WHERE year = $1
	`, year).Scan(&seq)
	return seq, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) NextPurchaseOrderNumber(ctx context.Context, year int) (string, error) {
	seq, err := lowestGapTx(ctx, s.db, year)
	if err != nil {
		return "", err
	}
	return formatPONumber(year, seq), nil
}

func (s *Store) totals(items []domain.PurchaseLineItem) (subtotal, tax, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.LineTotal)
	}
	tax = subtotal.Mul(s.taxRate).Div(decimal.New(100, 0)).Round(2)
	return subtotal, tax, subtotal.Add(tax)
}

func buildLineItems(inputs []domain.PurchaseLineInput) ([]domain.PurchaseLineItem, error) {
	items := make([]domain.PurchaseLineItem, 0, len(inputs))
	for _, in := range inputs {
		if strings.TrimSpace(in.PartNumber) == "" {
			return nil, fmt.Errorf("%w: line item part number is required", store.ErrInvalidInput)
		}
		if in.Qty <= 0 {
			return nil, fmt.Errorf("%w: part %s: quantity must be positive", store.ErrInvalidInput, in.PartNumber)
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
		})
	}
	return items, nil
}

func insertLineItemsTx(ctx context.Context, tx *sql.Tx, poID string, items []domain.PurchaseLineItem) error {
	for i := range items {
		key := partnum.Normalize(items[i].PartNumber)
		partID, err := resolvePartIDTx(ctx, tx, key)
		if err != nil {
			return err
		}
		items[i].PartID = partID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_line_items (id, purchase_order_id, part_number, norm_key, description, unit, qty, unit_cost, line_total, part_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, items[i].ID, poID, items[i].PartNumber, key, items[i].Description, items[i].Unit,
			items[i].Qty, items[i].UnitCost, items[i].LineTotal, nullIfEmpty(partID))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	if len(req.Items) == 0 {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: at least one line item is required", store.ErrInvalidInput)
	}
	items, err := buildLineItems(req.Items)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	year := req.Year
	if year == 0 {
		year = time.Now().UTC().Year()
	}
	bill := strings.TrimSpace(req.BillNumber)
	now := time.Now().UTC()
	subtotal, tax, total := s.totals(items)

	po := domain.PurchaseOrder{
		ID:         xid.New("po"),
		Year:       year,
		VendorID:   req.VendorID,
		Status:     domain.PurchaseOrderStatusOpen,
		BillNumber: bill,
		Subtotal:   subtotal,
		Tax:        tax,
		Total:      total,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The number is not guarded by a row lock, so concurrent creates can
	// compute the same gap. Retry with a fresh gap on unique violation and
	// fall back to max+1 when retries run out.
	for attempt := 0; ; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			return domain.PurchaseOrder{}, err
		}

		var seq int
		if attempt < poNumberRetries {
			seq, err = lowestGapTx(ctx, tx, year)
		} else {
			seq, err = maxSeqTx(ctx, tx, year)
			seq++
		}
		if err != nil {
			_ = tx.Rollback()
			return domain.PurchaseOrder{}, err
		}
		po.Number = formatPONumber(year, seq)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_orders (id, number, year, seq, vendor_id, status, bill_number, subtotal, tax, total, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, po.ID, po.Number, year, seq, po.VendorID, po.Status, po.BillNumber, po.Subtotal, po.Tax, po.Total, po.CreatedAt, po.UpdatedAt)
		if err != nil {
			_ = tx.Rollback()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch {
				case pgErr.Code == "23503":
					return domain.PurchaseOrder{}, fmt.Errorf("%w: vendor %s", store.ErrNotFound, req.VendorID)
				case pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "bill"):
					return domain.PurchaseOrder{}, fmt.Errorf("%w: bill %s", store.ErrDuplicateBill, bill)
				case pgErr.Code == "23505" && attempt <= poNumberRetries:
					continue
				}
			}
			return domain.PurchaseOrder{}, err
		}

		if err := insertLineItemsTx(ctx, tx, po.ID, items); err != nil {
			_ = tx.Rollback()
			return domain.PurchaseOrder{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.PurchaseOrder{}, err
		}
		po.Items = items
		return po, nil
	}
}

func scanPurchaseOrder(r rowScanner) (domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	var closedAt sql.NullTime
	err := r.Scan(&po.ID, &po.Number, &po.Year, &po.VendorID, &po.Status, &po.BillNumber,
		&po.Subtotal, &po.Tax, &po.Total, &po.CreatedAt, &po.UpdatedAt, &closedAt)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		po.ClosedAt = &t
	}
	return po, nil
}

const poColumns = `id, number, year, vendor_id, status, bill_number, subtotal, tax, total, created_at, updated_at, closed_at`

func loadLineItems(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, poID string) ([]domain.PurchaseLineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, part_number, description, unit, qty, unit_cost, line_total, COALESCE(part_id, '')
		FROM purchase_line_items
		WHERE purchase_order_id = $1
		ORDER BY id ASC
	`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.PurchaseLineItem
	for rows.Next() {
		var it domain.PurchaseLineItem
		if err := rows.Scan(&it.ID, &it.PartNumber, &it.Description, &it.Unit, &it.Qty, &it.UnitCost, &it.LineTotal, &it.PartID); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = $1`, id)
	po, err := scanPurchaseOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", store.ErrNotFound, id)
	}
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	po.Items, err = loadLineItems(ctx, s.db, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return po, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, status string) ([]domain.PurchaseOrder, error) {
	query := `SELECT ` + poColumns + ` FROM purchase_orders`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY number DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PurchaseOrder, 0, 32)
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items, err = loadLineItems(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// lockPurchaseOrderTx row-locks the order for the duration of the
// transaction, serializing concurrent closes and edits of the same order.
func lockPurchaseOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.PurchaseOrder, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = $1 FOR UPDATE`, id)
	po, err := scanPurchaseOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", store.ErrNotFound, id)
	}
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, part_number, description, unit, qty, unit_cost, line_total, COALESCE(part_id, '')
		FROM purchase_line_items
		WHERE purchase_order_id = $1
		ORDER BY id ASC
		FOR UPDATE
	`, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.PurchaseLineItem
		if err := rows.Scan(&it.ID, &it.PartNumber, &it.Description, &it.Unit, &it.Qty, &it.UnitCost, &it.LineTotal, &it.PartID); err != nil {
			return domain.PurchaseOrder{}, err
		}
		po.Items = append(po.Items, it)
	}
	return po, rows.Err()
}

func (s *Store) UpdatePurchaseOrder(ctx context.Context, id string, req domain.PurchaseOrderEditRequest) (domain.PurchaseOrder, error) {
	if req.Status == domain.PurchaseOrderStatusClosed {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: use the close operation to close an order", store.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: at least one line item is required", store.ErrInvalidInput)
	}
	items, err := buildLineItems(req.Items)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	defer func() { _ = tx.Rollback() }()

	po, err := lockPurchaseOrderTx(ctx, tx, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if po.Status == domain.PurchaseOrderStatusClosed {
		return domain.PurchaseOrder{}, store.ErrReopenNotAllowed
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM purchase_line_items WHERE purchase_order_id = $1`, id); err != nil {
		return domain.PurchaseOrder{}, err
	}
	if err := insertLineItemsTx(ctx, tx, id, items); err != nil {
		return domain.PurchaseOrder{}, err
	}

	if req.VendorID != "" {
		po.VendorID = req.VendorID
	}
	if req.BillNumber != "" {
		po.BillNumber = strings.TrimSpace(req.BillNumber)
	}
	po.Items = items
	po.Subtotal, po.Tax, po.Total = s.totals(items)
	po.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders
		SET vendor_id = $2, bill_number = $3, subtotal = $4, tax = $5, total = $6, updated_at = $7
		WHERE id = $1
	`, id, po.VendorID, po.BillNumber, po.Subtotal, po.Tax, po.Total, po.UpdatedAt)
	if err != nil {
		return domain.PurchaseOrder{}, mapHeaderUpdateErr(err, po)
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseOrder{}, err
	}
	return po, nil
}

// mapHeaderUpdateErr translates constraint violations on the purchase-order
// header update: a missing vendor FK and a vendor-scoped duplicate bill.
func mapHeaderUpdateErr(err error, po domain.PurchaseOrder) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23503":
			return fmt.Errorf("%w: vendor %s", store.ErrNotFound, po.VendorID)
		case pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "bill"):
			return fmt.Errorf("%w: bill %s", store.ErrDuplicateBill, po.BillNumber)
		}
	}
	return err
}

func (s *Store) SaveAllocations(ctx context.Context, poID string, req domain.SaveAllocationsRequest) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := saveAllocationsTx(ctx, tx, poID, req)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// saveAllocationsTx replaces the order's whole commitment set after
// validating against the ordered quantities. Records intent only; inventory
// and sales lines stay untouched until close.
func saveAllocationsTx(ctx context.Context, tx *sql.Tx, poID string, req domain.SaveAllocationsRequest) (int, error) {
	po, err := lockPurchaseOrderTx(ctx, tx, poID)
	if err != nil {
		return 0, err
	}
	if po.Status == domain.PurchaseOrderStatusClosed {
		return 0, store.ErrAlreadyClosed
	}
	for _, a := range req.Allocations {
		if a.Qty <= 0 {
			return 0, fmt.Errorf("%w: part %s: allocation quantity must be positive", store.ErrInvalidInput, a.PartNumber)
		}
	}
	if err := allocation.ValidateCommitments(po.Items, req.Allocations, req.Surplus); err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrAllocationExceedsOrdered, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM allocation_commitments WHERE purchase_order_id = $1`, poID); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for _, a := range req.Allocations {
		key := partnum.Normalize(a.PartNumber)
		partID, err := resolvePartIDTx(ctx, tx, key)
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO allocation_commitments (id, purchase_order_id, sales_order_id, part_number, norm_key, qty, part_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, xid.New("alloc"), poID, a.SalesOrderID, a.PartNumber, key, a.Qty, nullIfEmpty(partID), now)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return 0, fmt.Errorf("%w: sales order %s", store.ErrNotFound, a.SalesOrderID)
			}
			return 0, err
		}
	}
	return len(req.Allocations), nil
}

func (s *Store) ListAllocations(ctx context.Context, poID string) ([]domain.AllocationCommitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, purchase_order_id, sales_order_id, part_number, qty, COALESCE(part_id, ''), created_at
		FROM allocation_commitments
		WHERE purchase_order_id = $1
		ORDER BY created_at ASC, id ASC
	`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AllocationCommitment
	for rows.Next() {
		var ac domain.AllocationCommitment
		if err := rows.Scan(&ac.ID, &ac.PurchaseOrderID, &ac.SalesOrderID, &ac.PartNumber, &ac.Qty, &ac.PartID, &ac.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

func (s *Store) ClosePurchaseOrder(ctx context.Context, poID string) (domain.CloseResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.CloseResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.closeTx(ctx, tx, poID)
	if err != nil {
		return domain.CloseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CloseResult{}, err
	}
	return res, nil
}

func (s *Store) CloseWithAllocations(ctx context.Context, poID string, req domain.SaveAllocationsRequest) (domain.CloseWithAllocationsResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.CloseWithAllocationsResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	accepted, err := saveAllocationsTx(ctx, tx, poID, req)
	if err != nil {
		return domain.CloseWithAllocationsResult{}, err
	}
	res, err := s.closeTx(ctx, tx, poID)
	if err != nil {
		return domain.CloseWithAllocationsResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CloseWithAllocationsResult{}, err
	}
	return domain.CloseWithAllocationsResult{
		CloseResult:          res,
		AllocationsProcessed: accepted,
		SurplusProcessed:     len(req.Surplus),
	}, nil
}

// lockedPart is a FOR UPDATE snapshot of one inventory row during a close.
type lockedPart struct {
	id        string
	number    string
	typ       domain.PartType
	qtyOnHand float64
}

func lockPartsTx(ctx context.Context, tx *sql.Tx, keys []string) (map[string]lockedPart, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, part_number, norm_key, part_type, qty_on_hand
		FROM inventory_parts
		WHERE norm_key = ANY($1)
		FOR UPDATE
	`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]lockedPart, len(keys))
	for rows.Next() {
		var lp lockedPart
		var key, typ string
		if err := rows.Scan(&lp.id, &lp.number, &key, &typ, &lp.qtyOnHand); err != nil {
			return nil, err
		}
		lp.typ = domain.PartType(typ)
		out[key] = lp
	}
	return out, rows.Err()
}

// closeGroup is one part's worth of close work inside the transaction.
type closeGroup struct {
	key      string
	received float64
	line     domain.PurchaseLineItem
	plan     allocation.Plan
}

func (s *Store) closeTx(ctx context.Context, tx *sql.Tx, poID string) (domain.CloseResult, error) {
	po, err := lockPurchaseOrderTx(ctx, tx, poID)
	if err != nil {
		return domain.CloseResult{}, err
	}
	if po.Status == domain.PurchaseOrderStatusClosed {
		return domain.CloseResult{}, store.ErrAlreadyClosed
	}

	// Group line items per normalized part and lock the inventory rows.
	groupOrder := make([]string, 0, len(po.Items))
	groups := make(map[string]*closeGroup, len(po.Items))
	for _, it := range po.Items {
		key := partnum.Normalize(it.PartNumber)
		g, ok := groups[key]
		if !ok {
			g = &closeGroup{key: key, line: it}
			groups[key] = g
			groupOrder = append(groupOrder, key)
		}
		g.received += it.Qty
	}
	parts, err := lockPartsTx(ctx, tx, groupOrder)
	if err != nil {
		return domain.CloseResult{}, err
	}

	commitments, err := loadCommitmentsTx(ctx, tx, poID)
	if err != nil {
		return domain.CloseResult{}, err
	}

	// Service lines must be fully covered by commitments before anything
	// else happens.
	for _, key := range groupOrder {
		g := groups[key]
		lp, ok := parts[key]
		if !ok || lp.typ != domain.PartTypeService {
			continue
		}
		var committed float64
		for _, c := range commitments[key] {
			committed += c.qty
		}
		if committed+allocation.Epsilon < g.received {
			return domain.CloseResult{}, fmt.Errorf("%w: part %s ordered %.4f, allocated %.4f",
				store.ErrServiceAllocationRequired, g.line.PartNumber, g.received, committed)
		}
	}

	// Plan all parts before writing, so every precondition failure rolls
	// back an untouched transaction.
	for _, key := range groupOrder {
		g := groups[key]
		demand, err := lockDemandTx(ctx, tx, key)
		if err != nil {
			return domain.CloseResult{}, err
		}
		candidates := make([]allocation.Candidate, 0, len(demand)+len(commitments[key]))
		for _, d := range demand {
			candidates = append(candidates, allocation.Candidate{
				SalesOrderID:     d.SalesOrderID,
				SalesOrderNumber: d.SalesOrderNumber,
				QtyNeeded:        d.QtyNeeded,
				FromDemandQueue:  true,
				DemandEntryID:    d.ID,
				Description:      d.Description,
				Unit:             d.Unit,
			})
		}
		for _, c := range commitments[key] {
			candidates = append(candidates, allocation.Candidate{
				SalesOrderID:     c.salesOrderID,
				SalesOrderNumber: c.salesOrderNumber,
				QtyNeeded:        c.qty,
			})
		}
		g.plan = allocation.Allocate(g.received, candidates)

		if g.plan.UnservedManual > allocation.Epsilon {
			lp, ok := parts[key]
			if !ok || lp.typ != domain.PartTypeStock || lp.qtyOnHand+allocation.Epsilon < g.plan.UnservedManual {
				avail := 0.0
				if ok {
					avail = lp.qtyOnHand
				}
				return domain.CloseResult{}, fmt.Errorf("%w: part %s available %.4f, required %.4f",
					store.ErrInsufficientInventory, g.line.PartNumber, avail, g.plan.UnservedManual)
			}
		}
	}

	now := time.Now().UTC()
	for _, key := range groupOrder {
		g := groups[key]
		for _, a := range g.plan.Assignments {
			if err := applyAssignmentTx(ctx, tx, a, g); err != nil {
				return domain.CloseResult{}, err
			}
			if a.FromDemandQueue {
				if err := consumeDemandTx(ctx, tx, a.DemandEntryID, a.Qty); err != nil {
					return domain.CloseResult{}, err
				}
			}
		}
		for _, short := range g.plan.ManualShortfalls {
			if err := applyAssignmentTx(ctx, tx, short, g); err != nil {
				return domain.CloseResult{}, err
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE inventory_parts SET qty_on_hand = qty_on_hand - $2, updated_at = $3 WHERE id = $1
			`, parts[key].id, short.Qty, now)
			if err != nil {
				return domain.CloseResult{}, err
			}
		}
		if err := s.reconcileTx(ctx, tx, g.line, g.plan.Surplus); err != nil {
			return domain.CloseResult{}, err
		}
		if err := rebuildAggregateTx(ctx, tx, key); err != nil {
			return domain.CloseResult{}, err
		}
	}

	// Vendor-to-part usage for vendor suggestions on later orders.
	for _, key := range groupOrder {
		partID, err := resolvePartIDTx(ctx, tx, key)
		if err != nil {
			return domain.CloseResult{}, err
		}
		if partID == "" {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vendor_part_usage (vendor_id, part_id, usage_count)
			VALUES ($1,$2,1)
			ON CONFLICT (vendor_id, part_id) DO UPDATE SET usage_count = vendor_part_usage.usage_count + 1
		`, po.VendorID, partID)
		if err != nil {
			return domain.CloseResult{}, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE purchase_line_items SET part_id = $3
			WHERE purchase_order_id = $1 AND norm_key = $2 AND part_id IS NULL
		`, poID, key, partID)
		if err != nil {
			return domain.CloseResult{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM allocation_commitments WHERE purchase_order_id = $1`, poID); err != nil {
		return domain.CloseResult{}, err
	}

	subtotal, tax, total := s.totals(po.Items)
	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders
		SET status = $2, subtotal = $3, tax = $4, total = $5, closed_at = $6, updated_at = $6
		WHERE id = $1
	`, poID, domain.PurchaseOrderStatusClosed, subtotal, tax, total, now)
	if err != nil {
		return domain.CloseResult{}, err
	}
	return domain.CloseResult{
		Status:   domain.PurchaseOrderStatusClosed,
		Subtotal: subtotal,
		Tax:      tax,
		Total:    total,
	}, nil
}

type commitmentRow struct {
	salesOrderID     string
	salesOrderNumber string
	qty              float64
}

func loadCommitmentsTx(ctx context.Context, tx *sql.Tx, poID string) (map[string][]commitmentRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT ac.norm_key, ac.sales_order_id, so.number, ac.qty
		FROM allocation_commitments ac
		JOIN sales_orders so ON so.id = ac.sales_order_id
		WHERE ac.purchase_order_id = $1
	`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]commitmentRow)
	for rows.Next() {
		var key string
		var c commitmentRow
		if err := rows.Scan(&key, &c.salesOrderID, &c.salesOrderNumber, &c.qty); err != nil {
			return nil, err
		}
		out[key] = append(out[key], c)
	}
	return out, rows.Err()
}

func lockDemandTx(ctx context.Context, tx *sql.Tx, key string) ([]domain.DemandEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT p.id, p.sales_order_id, so.number, p.part_number, p.description, p.unit, p.qty_needed, p.unit_price
		FROM parts_to_order p
		JOIN sales_orders so ON so.id = p.sales_order_id
		WHERE so.status = 'open' AND p.norm_key = $1
		ORDER BY so.number ASC
		FOR UPDATE OF p
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DemandEntry
	for rows.Next() {
		var de domain.DemandEntry
		if err := rows.Scan(&de.ID, &de.SalesOrderID, &de.SalesOrderNumber, &de.PartNumber, &de.Description, &de.Unit, &de.QtyNeeded, &de.UnitPrice); err != nil {
			return nil, err
		}
		out = append(out, de)
	}
	return out, rows.Err()
}

func consumeDemandTx(ctx context.Context, tx *sql.Tx, entryID string, qty float64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE parts_to_order SET qty_needed = qty_needed - $2
		WHERE id = $1 AND qty_needed - $2 > $3
	`, entryID, qty, allocation.Epsilon)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM parts_to_order WHERE id = $1`, entryID)
	}
	return err
}

// applyAssignmentTx accumulates committed quantity on the sales order's line
// for the part, inserting a new line when the order has none. Description,
// unit and price fall back from the demand entry to the inventory record to
// the purchase line.
func applyAssignmentTx(ctx context.Context, tx *sql.Tx, a allocation.Assignment, g *closeGroup) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE sales_line_items SET qty_committed = qty_committed + $3
		WHERE id = (
			SELECT id FROM sales_line_items
			WHERE sales_order_id = $1 AND norm_key = $2
			ORDER BY id ASC
			LIMIT 1
		)
	`, a.SalesOrderID, g.key, a.Qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	desc, unit := g.line.Description, g.line.Unit
	price := g.line.UnitCost
	var partID string
	if a.DemandEntryID != "" {
		err := tx.QueryRowContext(ctx, `
			SELECT description, unit, unit_price, COALESCE(part_id, '')
			FROM parts_to_order WHERE id = $1
		`, a.DemandEntryID).Scan(&desc, &unit, &price, &partID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	if partID == "" {
		var pdesc, punit string
		err := tx.QueryRowContext(ctx, `
			SELECT id, description, unit FROM inventory_parts WHERE norm_key = $1
		`, g.key).Scan(&partID, &pdesc, &punit)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if a.DemandEntryID == "" && err == nil {
			if pdesc != "" {
				desc = pdesc
			}
			if punit != "" {
				unit = punit
			}
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales_line_items (id, sales_order_id, part_number, norm_key, description, unit, qty_sold, qty_committed, unit_price, part_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7,$8,$9)
	`, xid.New("soli"), a.SalesOrderID, g.line.PartNumber, g.key, desc, unit, a.Qty, price, nullIfEmpty(partID))
	return err
}

// reconcileTx applies a signed delta to inventory for one purchase line,
// dispatching on the part type. Unknown parts are created as stock on a
// positive delta and skipped otherwise.
func (s *Store) reconcileTx(ctx context.Context, tx *sql.Tx, line domain.PurchaseLineItem, delta float64) error {
	key := partnum.Normalize(line.PartNumber)
	now := time.Now().UTC()

	var id, typ string
	var onHand float64
	err := tx.QueryRowContext(ctx, `
		SELECT id, part_type, qty_on_hand FROM inventory_parts WHERE norm_key = $1 FOR UPDATE
	`, key).Scan(&id, &typ, &onHand)
	if errors.Is(err, sql.ErrNoRows) {
		if delta <= allocation.Epsilon {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_parts (id, part_number, norm_key, description, unit, part_type, qty_on_hand, last_unit_cost, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, xid.New("part"), line.PartNumber, key, line.Description, line.Unit, string(domain.PartTypeStock), delta, line.UnitCost, now)
		return err
	}
	if err != nil {
		return err
	}

	switch allocation.ReconcileFor(domain.PartType(typ)) {
	case allocation.ReconcileAddOnHand:
		next := onHand + delta
		if next < -allocation.Epsilon {
			return fmt.Errorf("%w: part %s has %.4f on hand, delta %.4f", store.ErrInsufficientQuantity, line.PartNumber, onHand, delta)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE inventory_parts SET qty_on_hand = $2, last_unit_cost = $3, updated_at = $4 WHERE id = $1
		`, id, next, line.UnitCost, now)
	case allocation.ReconcileCostOnlyWarn:
		if delta > allocation.Epsilon {
			log.Printf("[postgres-store] service part %s received surplus %.4f, not applied", line.PartNumber, delta)
		}
		fallthrough
	case allocation.ReconcileCostOnly:
		_, err = tx.ExecContext(ctx, `
			UPDATE inventory_parts SET last_unit_cost = $2, updated_at = $3 WHERE id = $1
		`, id, line.UnitCost, now)
	}
	return err
}

func (s *Store) UpdateClosedPurchaseOrder(ctx context.Context, id string, req domain.PurchaseOrderEditRequest) (domain.PurchaseOrder, error) {
	if req.Status == domain.PurchaseOrderStatusOpen {
		return domain.PurchaseOrder{}, store.ErrReopenNotAllowed
	}
	if len(req.Items) == 0 {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: at least one line item is required", store.ErrInvalidInput)
	}
	items, err := buildLineItems(req.Items)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	defer func() { _ = tx.Rollback() }()

	po, err := lockPurchaseOrderTx(ctx, tx, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if po.Status != domain.PurchaseOrderStatusClosed {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: purchase order %s is not closed", store.ErrInvalidInput, id)
	}

	oldByID := make(map[string]domain.PurchaseLineItem, len(po.Items))
	for _, it := range po.Items {
		oldByID[it.ID] = it
	}

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
		returned, err := returnedQtyTx(ctx, tx, it.ID)
		if err != nil {
			return domain.PurchaseOrder{}, err
		}
		if returned > allocation.Epsilon {
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
			deltas = append(deltas, deltaEntry{line: old, delta: -old.Qty})
			deltas = append(deltas, deltaEntry{line: it, delta: it.Qty})
		}
	}
	for _, old := range po.Items {
		if newIDs[old.ID] {
			continue
		}
		returned, err := returnedQtyTx(ctx, tx, old.ID)
		if err != nil {
			return domain.PurchaseOrder{}, err
		}
		if returned > allocation.Epsilon {
			return domain.PurchaseOrder{}, fmt.Errorf("%w: line %s has vendor returns and cannot be removed", store.ErrReturnConflict, old.ID)
		}
		deltas = append(deltas, deltaEntry{line: old, delta: -old.Qty})
	}

	for _, d := range deltas {
		if err := s.reconcileTx(ctx, tx, d.line, d.delta); err != nil {
			return domain.PurchaseOrder{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM purchase_line_items WHERE purchase_order_id = $1`, id); err != nil {
		return domain.PurchaseOrder{}, err
	}
	if err := insertLineItemsTx(ctx, tx, id, items); err != nil {
		return domain.PurchaseOrder{}, err
	}

	if req.VendorID != "" {
		po.VendorID = req.VendorID
	}
	if req.BillNumber != "" {
		po.BillNumber = strings.TrimSpace(req.BillNumber)
	}
	po.Items = items
	po.Subtotal, po.Tax, po.Total = s.totals(items)
	po.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders
		SET vendor_id = $2, bill_number = $3, subtotal = $4, tax = $5, total = $6, updated_at = $7
		WHERE id = $1
	`, id, po.VendorID, po.BillNumber, po.Subtotal, po.Tax, po.Total, po.UpdatedAt)
	if err != nil {
		return domain.PurchaseOrder{}, mapHeaderUpdateErr(err, po)
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseOrder{}, err
	}
	return po, nil
}

func returnedQtyTx(ctx context.Context, tx *sql.Tx, lineItemID string) (float64, error) {
	var sum float64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM return_order_lines WHERE line_item_id = $1
	`, lineItemID).Scan(&sum)
	return sum, err
}

func (s *Store) InsertAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var e domain.AuditLog
		if err := rows.Scan(&e.ID, &e.ActorUsername, &e.ActorRole, &e.Action, &e.EntityType, &e.EntityID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, username string) (domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1 AND active = true
	`, username).Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserAccount{}, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	if err != nil {
		return domain.UserAccount{}, err
	}
	return u, nil
}

func (s *Store) CreateClerk(ctx context.Context, username, passwordHash string) (domain.ClerkUser, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,'clerk',true,$3)
	`, username, passwordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ClerkUser{}, fmt.Errorf("%w: %s", store.ErrDuplicateUser, username)
		}
		return domain.ClerkUser{}, err
	}
	return domain.ClerkUser{Username: username, Role: "clerk", Active: true, CreatedAt: now}, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.ClerkUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ClerkUser, 0, 16)
	for rows.Next() {
		var u domain.ClerkUser
		if err := rows.Scan(&u.Username, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
