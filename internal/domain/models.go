package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PartType string

const (
	PartTypeStock   PartType = "stock"
	PartTypeSupply  PartType = "supply"
	PartTypeService PartType = "service"
)

// ValidPartType reports whether t is one of the three known part types.
func ValidPartType(t PartType) bool {
	return t == PartTypeStock || t == PartTypeSupply || t == PartTypeService
}

const (
	PurchaseOrderStatusOpen   = "open"
	PurchaseOrderStatusClosed = "closed"
)

const (
	SalesOrderStatusOpen   = "open"
	SalesOrderStatusClosed = "closed"
)

type Vendor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type VendorCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type InventoryPart struct {
	ID           string          `json:"id"`
	PartNumber   string          `json:"part_number"`
	Description  string          `json:"description"`
	Unit         string          `json:"unit"`
	Type         PartType        `json:"type"`
	QtyOnHand    float64         `json:"qty_on_hand"`
	LastUnitCost decimal.Decimal `json:"last_unit_cost"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type PartCreateRequest struct {
	PartNumber   string          `json:"part_number"`
	Description  string          `json:"description"`
	Unit         string          `json:"unit"`
	Type         PartType        `json:"type"`
	QtyOnHand    float64         `json:"qty_on_hand"`
	LastUnitCost decimal.Decimal `json:"last_unit_cost"`
}

type PurchaseLineItem struct {
	ID          string          `json:"id"`
	PartNumber  string          `json:"part_number"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	Qty         float64         `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	LineTotal   decimal.Decimal `json:"line_total"`
	// PartID is the resolved inventory part, cached after the first
	// normalized lookup. Empty while the part is unknown to inventory.
	PartID string `json:"part_id,omitempty"`
}

type PurchaseOrder struct {
	ID         string             `json:"id"`
	Number     string             `json:"number"`
	Year       int                `json:"year"`
	VendorID   string             `json:"vendor_id"`
	Status     string             `json:"status"`
	BillNumber string             `json:"bill_number,omitempty"`
	Subtotal   decimal.Decimal    `json:"subtotal"`
	Tax        decimal.Decimal    `json:"tax"`
	Total      decimal.Decimal    `json:"total"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	ClosedAt   *time.Time         `json:"closed_at,omitempty"`
	Items      []PurchaseLineItem `json:"items"`
}

type PurchaseLineInput struct {
	// LineItemID is set when editing an existing line; empty for new lines.
	LineItemID  string          `json:"line_item_id,omitempty"`
	PartNumber  string          `json:"part_number"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	Qty         float64         `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type PurchaseOrderCreateRequest struct {
	VendorID   string              `json:"vendor_id"`
	Year       int                 `json:"year"`
	BillNumber string              `json:"bill_number"`
	Items      []PurchaseLineInput `json:"items"`
}

type PurchaseOrderEditRequest struct {
	VendorID   string              `json:"vendor_id,omitempty"`
	BillNumber string              `json:"bill_number,omitempty"`
	Status     string              `json:"status,omitempty"`
	ManagerPIN string              `json:"manager_pin,omitempty"`
	Items      []PurchaseLineInput `json:"items"`
}

type PurchaseOrderResponse struct {
	PurchaseOrder PurchaseOrder `json:"purchase_order"`
}

type PurchaseOrderListResponse struct {
	PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
}

type SalesLineItem struct {
	ID           string          `json:"id"`
	PartNumber   string          `json:"part_number"`
	Description  string          `json:"description"`
	Unit         string          `json:"unit"`
	QtySold      float64         `json:"qty_sold"`
	QtyCommitted float64         `json:"qty_committed"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	PartID       string          `json:"part_id,omitempty"`
}

type SalesOrder struct {
	ID         string          `json:"id"`
	Number     string          `json:"number"`
	CustomerID string          `json:"customer_id"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	Items      []SalesLineItem `json:"items"`
}

type SalesLineInput struct {
	PartNumber  string          `json:"part_number"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	QtySold     float64         `json:"qty_sold"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	// QtyToOrder is the portion of the sold quantity the shop still has to
	// purchase; it seeds the parts-to-order queue.
	QtyToOrder float64 `json:"qty_to_order"`
}

type SalesOrderCreateRequest struct {
	Number     string           `json:"number"`
	CustomerID string           `json:"customer_id"`
	Items      []SalesLineInput `json:"items"`
}

type SalesOrderResponse struct {
	SalesOrder SalesOrder `json:"sales_order"`
}

// DemandEntry is one parts-to-order queue row: the quantity of one part a
// single open sales order still needs purchased.
type DemandEntry struct {
	ID               string          `json:"id"`
	SalesOrderID     string          `json:"sales_order_id"`
	SalesOrderNumber string          `json:"sales_order_number"`
	PartNumber       string          `json:"part_number"`
	Description      string          `json:"description"`
	Unit             string          `json:"unit"`
	QtyNeeded        float64         `json:"qty_needed"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	PartID           string          `json:"part_id,omitempty"`
}

// DemandAggregate is the denormalized per-part sum of DemandEntry rows across
// open sales orders. Fully derivable; rebuilt after every queue mutation.
type DemandAggregate struct {
	PartNumber      string          `json:"part_number"`
	Description     string          `json:"description"`
	Unit            string          `json:"unit"`
	QtyNeeded       float64         `json:"qty_needed"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TotalLineAmount decimal.Decimal `json:"total_line_amount"`
}

type DemandAggregateResponse struct {
	Parts []DemandAggregate `json:"parts"`
}

// AllocationCommitment is a persisted manual allocation: before a purchase
// order closes, a clerk may commit part of its incoming quantity to a
// specific sales order, independent of the automatic demand queue.
type AllocationCommitment struct {
	ID              string    `json:"id"`
	PurchaseOrderID string    `json:"purchase_order_id"`
	SalesOrderID    string    `json:"sales_order_id"`
	PartNumber      string    `json:"part_number"`
	Qty             float64   `json:"qty"`
	PartID          string    `json:"part_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type AllocationInput struct {
	SalesOrderID string  `json:"sales_order_id"`
	PartNumber   string  `json:"part_number"`
	Qty          float64 `json:"qty"`
}

type SaveAllocationsRequest struct {
	Allocations []AllocationInput  `json:"allocations"`
	Surplus     map[string]float64 `json:"surplus"`
}

type SaveAllocationsResponse struct {
	Accepted int `json:"accepted"`
}

type CloseRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

type CloseWithAllocationsRequest struct {
	ManagerPIN string             `json:"manager_pin"`
	Surplus    map[string]float64 `json:"surplus"`
}

type CloseResult struct {
	Status   string          `json:"status"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

type CloseWithAllocationsResult struct {
	CloseResult
	AllocationsProcessed int `json:"allocations_processed"`
	SurplusProcessed     int `json:"surplus_processed"`
}

type SuggestionLine struct {
	SalesOrderID     string  `json:"sales_order_id"`
	SalesOrderNumber string  `json:"sales_order_number"`
	Qty              float64 `json:"qty"`
}

// AllocationSuggestion is the read-only FIFO preview for one part on an open
// purchase order: what closing right now would assign and leave over.
type AllocationSuggestion struct {
	PartNumber        string           `json:"part_number"`
	QtyOrdered        float64          `json:"qty_ordered"`
	TotalNeeded       float64          `json:"total_needed"`
	SuggestedAllocate float64          `json:"suggested_allocate"`
	SuggestedSurplus  float64          `json:"suggested_surplus"`
	Suggestions       []SuggestionLine `json:"allocation_suggestions"`
}

type AllocationSuggestionsResponse struct {
	PurchaseOrderID string                 `json:"purchase_order_id"`
	Parts           []AllocationSuggestion `json:"parts"`
}

type NextNumberResponse struct {
	Year   int    `json:"year"`
	Number string `json:"number"`
}

// ReturnOrderLine records quantity sent back to a vendor against a specific
// purchase line item. Closed-order edits must not reduce a line below its
// returned quantity nor change its part while a return references it.
type ReturnOrderLine struct {
	ID             string    `json:"id"`
	ReturnOrderID  string    `json:"return_order_id"`
	LineItemID     string    `json:"line_item_id"`
	PartNumber     string    `json:"part_number"`
	Qty            float64   `json:"qty"`
	CreatedAt      time.Time `json:"created_at"`
}

type VendorPartUsage struct {
	VendorID   string `json:"vendor_id"`
	PartID     string `json:"part_id"`
	UsageCount int    `json:"usage_count"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type ClerkCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ClerkUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
