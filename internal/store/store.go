// Package store defines the persistence contract and the error taxonomy the
// service and HTTP layers map onto responses.
package store

import (
	"context"
	"errors"

	"partsdesk/backend/internal/domain"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidInput              = errors.New("invalid input")
	ErrAlreadyClosed             = errors.New("purchase order already closed")
	ErrReopenNotAllowed          = errors.New("closed purchase orders cannot be reopened")
	ErrServiceAllocationRequired = errors.New("service parts must be fully allocated to sales orders")
	ErrInsufficientInventory     = errors.New("insufficient inventory to cover committed allocations")
	ErrInsufficientQuantity      = errors.New("allocation exceeds quantity remaining on the line")
	ErrAllocationExceedsOrdered  = errors.New("allocations plus surplus exceed ordered quantity")
	ErrReturnConflict            = errors.New("line item conflicts with an existing vendor return")
	ErrDuplicateBill             = errors.New("bill number already recorded for this vendor")
	ErrDuplicateUser             = errors.New("username already exists")
)

// Repository is the full persistence surface. Both the Postgres and the
// in-memory implementations satisfy it; all mutating methods that touch more
// than one table run inside a single transaction.
type Repository interface {
	// Vendors.
	CreateVendor(ctx context.Context, req domain.VendorCreateRequest) (domain.Vendor, error)
	ListVendors(ctx context.Context) ([]domain.Vendor, error)
	GetVendor(ctx context.Context, id string) (domain.Vendor, error)

	// Inventory parts. Lookups match on the normalized part number.
	CreatePart(ctx context.Context, req domain.PartCreateRequest) (domain.InventoryPart, error)
	ListParts(ctx context.Context) ([]domain.InventoryPart, error)
	GetPartByNumber(ctx context.Context, partNumber string) (domain.InventoryPart, error)

	// Sales orders and the parts-to-order demand queue.
	CreateSalesOrder(ctx context.Context, req domain.SalesOrderCreateRequest) (domain.SalesOrder, error)
	GetSalesOrder(ctx context.Context, id string) (domain.SalesOrder, error)
	ListSalesOrders(ctx context.Context) ([]domain.SalesOrder, error)
	ListDemandForParts(ctx context.Context, partKeys []string) ([]domain.DemandEntry, error)
	DemandAggregates(ctx context.Context) ([]domain.DemandAggregate, error)

	// Purchase orders.
	CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, status string) ([]domain.PurchaseOrder, error)
	UpdatePurchaseOrder(ctx context.Context, id string, req domain.PurchaseOrderEditRequest) (domain.PurchaseOrder, error)
	UpdateClosedPurchaseOrder(ctx context.Context, id string, req domain.PurchaseOrderEditRequest) (domain.PurchaseOrder, error)
	NextPurchaseOrderNumber(ctx context.Context, year int) (string, error)

	// Manual allocation commitments against an open purchase order.
	SaveAllocations(ctx context.Context, poID string, req domain.SaveAllocationsRequest) (int, error)
	ListAllocations(ctx context.Context, poID string) ([]domain.AllocationCommitment, error)

	// Closing. ClosePurchaseOrder runs the full receive pipeline in one
	// transaction; CloseWithAllocations persists allocations first, then
	// closes, atomically.
	ClosePurchaseOrder(ctx context.Context, poID string) (domain.CloseResult, error)
	CloseWithAllocations(ctx context.Context, poID string, req domain.SaveAllocationsRequest) (domain.CloseWithAllocationsResult, error)

	// Audit trail.
	InsertAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	// Accounts.
	GetUser(ctx context.Context, username string) (domain.UserAccount, error)
	CreateClerk(ctx context.Context, username, passwordHash string) (domain.ClerkUser, error)
	ListUsers(ctx context.Context) ([]domain.ClerkUser, error)
}
