// Package stock tracks per-location inventory positions and serialized
// units, with two-phase allocation: reservations taken at order
// confirmation and committed at conversion to sale, or committed
// directly when a sale skips the order stage.
package stock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SerialStatus is the lifecycle state of a serialized unit.
type SerialStatus string

const (
	SerialInStock  SerialStatus = "en_stock"
	SerialReserved SerialStatus = "reservado"
	SerialSold     SerialStatus = "vendido"
	SerialReturned SerialStatus = "devuelto"
)

// MovementType classifies a stock movement row.
type MovementType string

const (
	MovementIn      MovementType = "entrada"
	MovementOut     MovementType = "salida"
	MovementReserve MovementType = "reserva"
	MovementRelease MovementType = "liberacion"
	MovementReturn  MovementType = "devolucion"
)

// Position is the quantity state of one item at one location.
// Available stock is OnHand minus Reserved.
type Position struct {
	TenantID   int64     `json:"tenant_id"`
	ItemID     int64     `json:"item_id"`
	LocationID int64     `json:"location_id"`
	OnHand     int       `json:"on_hand"`
	Reserved   int       `json:"reserved"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Available returns the quantity free for new allocations.
func (p Position) Available() int {
	return p.OnHand - p.Reserved
}

// SerializedUnit is an individually tracked physical unit.
type SerializedUnit struct {
	ID         int64        `json:"id"`
	TenantID   int64        `json:"tenant_id"`
	ItemID     int64        `json:"item_id"`
	LocationID int64        `json:"location_id"`
	Serial     string       `json:"serial"`
	Status     SerialStatus `json:"status"`
	Deleted    bool         `json:"-"`
}

// Movement is an audit row for every quantity change.
type Movement struct {
	ID         int64        `json:"id"`
	TenantID   int64        `json:"tenant_id"`
	ItemID     int64        `json:"item_id"`
	LocationID int64        `json:"location_id"`
	Type       MovementType `json:"type"`
	Quantity   int          `json:"quantity"`
	RefKind    string       `json:"ref_kind,omitempty"`
	RefID      int64        `json:"ref_id,omitempty"`
	Note       string       `json:"note,omitempty"`
	ActorID    int64        `json:"actor_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Request is one requested allocation as the caller states it, before
// kit expansion. ComponentSerials maps a kit component item id to the
// serials supplied for that component.
type Request struct {
	ItemID           int64
	Quantity         int
	Serials          []string
	ComponentSerials map[int64][]string
}

// PlannedLine is a stock-bearing line after kit expansion. ParentItemID
// is set on kit component lines so receipts can group them back under
// the kit they came from; it has no effect on allocation.
type PlannedLine struct {
	ItemID         int64
	ParentItemID   int64
	Quantity       int
	Serials        []string
	RequiresSerial bool
}

type MovementFilter struct {
	ItemID     int64
	LocationID int64
	Limit      int
}

// ErrPositionNotFound indicates no position row for the item/location.
var ErrPositionNotFound = errors.New("stock: position not found")

// InsufficientStockError reports a line that could not be covered.
type InsufficientStockError struct {
	ItemID     int64
	LocationID int64
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for item %d at location %d: requested %d, available %d",
		e.ItemID, e.LocationID, e.Requested, e.Available)
}

// Deficit is how many units short the request was.
func (e *InsufficientStockError) Deficit() int {
	return e.Requested - e.Available
}

// SerialIssueReason distinguishes why a requested serial was rejected.
type SerialIssueReason string

const (
	SerialIssueNotFound      SerialIssueReason = "not_found"
	SerialIssueUnavailable   SerialIssueReason = "unavailable"
	SerialIssueWrongLocation SerialIssueReason = "wrong_location"
)

// SerialIssue names one bad serial and why it was rejected.
type SerialIssue struct {
	Serial string            `json:"serial"`
	Reason SerialIssueReason `json:"reason"`
	Status SerialStatus      `json:"status,omitempty"`
}

// SerialUnavailableError lists every requested serial that could not be
// allocated. Serials at the wrong location are reported, never moved.
type SerialUnavailableError struct {
	ItemID int64
	Issues []SerialIssue
}

func (e *SerialUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s (%s)", issue.Serial, issue.Reason))
	}
	return fmt.Sprintf("stock: serials unavailable for item %d: %s", e.ItemID, strings.Join(parts, ", "))
}

// SerialCountError reports a serial count that does not match the
// requested quantity.
type SerialCountError struct {
	ItemID int64
	Want   int
	Got    int
}

func (e *SerialCountError) Error() string {
	return fmt.Sprintf("stock: item %d requires %d serials, got %d", e.ItemID, e.Want, e.Got)
}
