package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jesusaln/asistenciavircom-sub007/internal/catalog"
	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
)

// StorePort abstracts the store for the service.
type StorePort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	GetPosition(ctx context.Context, tenantID, itemID, locationID int64) (Position, error)
	ListPositions(ctx context.Context, tenantID, itemID int64) ([]Position, error)
	ListMovements(ctx context.Context, tenantID int64, filter MovementFilter) ([]Movement, error)
	ListSerials(ctx context.Context, tenantID, itemID, locationID int64) ([]SerializedUnit, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service exposes inbound receipts and stock queries. Allocation for
// documents goes through the package-level functions inside the sales
// transaction, not through this service.
type Service struct {
	store   StorePort
	catalog catalog.Reader
	audit   AuditPort
}

// NewService builds Service.
func NewService(store StorePort, cat catalog.Reader, audit AuditPort) *Service {
	return &Service{store: store, catalog: cat, audit: audit}
}

// ReceiveInput is one inbound receipt line.
type ReceiveInput struct {
	ItemID     int64    `json:"item_id" validate:"required"`
	LocationID int64    `json:"location_id" validate:"required"`
	Quantity   int      `json:"quantity" validate:"required,gt=0"`
	Serials    []string `json:"serials"`
	Note       string   `json:"note"`
	ActorID    int64    `json:"-"`
}

// Receive registers stock arriving at a location. Serialized items
// require one serial per unit; each serial gets a live en_stock row.
func (s *Service) Receive(ctx context.Context, tenantID int64, input ReceiveInput) (Position, error) {
	item, err := s.catalog.GetItem(ctx, tenantID, input.ItemID)
	if err != nil {
		return Position{}, err
	}
	if !item.IsProduct() {
		return Position{}, errors.New("stock: only products carry stock")
	}
	if item.IsKit {
		return Position{}, errors.New("stock: kits are assembled from components, receive the components instead")
	}
	if item.RequiresSerial && len(input.Serials) != input.Quantity {
		return Position{}, &SerialCountError{ItemID: item.ID, Want: input.Quantity, Got: len(input.Serials)}
	}

	var result Position
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		pos, err := tx.GetPositionForUpdate(ctx, tenantID, input.ItemID, input.LocationID)
		if err != nil && !errors.Is(err, ErrPositionNotFound) {
			return err
		}
		if errors.Is(err, ErrPositionNotFound) {
			pos = Position{TenantID: tenantID, ItemID: input.ItemID, LocationID: input.LocationID}
		}
		if item.RequiresSerial {
			for _, serial := range input.Serials {
				existing, found, err := tx.FindSerialAnywhere(ctx, tenantID, input.ItemID, serial)
				if err != nil {
					return err
				}
				if found && !existing.Deleted {
					return fmt.Errorf("stock: serial %s already registered for item %d", serial, input.ItemID)
				}
				if err := tx.InsertSerial(ctx, SerializedUnit{
					TenantID: tenantID, ItemID: input.ItemID, LocationID: input.LocationID,
					Serial: serial, Status: SerialInStock,
				}); err != nil {
					return err
				}
			}
		}
		pos.OnHand += input.Quantity
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		result = pos
		return tx.InsertMovement(ctx, Movement{
			TenantID: tenantID, ItemID: input.ItemID, LocationID: input.LocationID,
			Type: MovementIn, Quantity: input.Quantity, Note: input.Note, ActorID: input.ActorID,
		})
	})
	if err != nil {
		return Position{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: tenantID,
			ActorID:  input.ActorID,
			Action:   "stock:receive",
			Entity:   "inventory_position",
			EntityID: fmt.Sprintf("%d:%d", input.ItemID, input.LocationID),
			Meta:     map[string]any{"quantity": input.Quantity, "serials": len(input.Serials)},
		})
	}
	return result, nil
}

// Positions lists an item's positions across locations.
func (s *Service) Positions(ctx context.Context, tenantID, itemID int64) ([]Position, error) {
	return s.store.ListPositions(ctx, tenantID, itemID)
}

// Movements lists recent movement rows.
func (s *Service) Movements(ctx context.Context, tenantID int64, filter MovementFilter) ([]Movement, error) {
	return s.store.ListMovements(ctx, tenantID, filter)
}

// Serials lists live serialized units at a location.
func (s *Service) Serials(ctx context.Context, tenantID, itemID, locationID int64) ([]SerializedUnit, error) {
	return s.store.ListSerials(ctx, tenantID, itemID, locationID)
}
