package stock

import (
	"context"
	"errors"
	"sort"

	"github.com/jesusaln/asistenciavircom-sub007/internal/catalog"
)

// TxStore is the transactional surface the allocation functions need.
// Implementations share the caller's database transaction so document
// writes and stock mutations commit or roll back together.
type TxStore interface {
	GetPositionForUpdate(ctx context.Context, tenantID, itemID, locationID int64) (Position, error)
	UpsertPosition(ctx context.Context, p Position) error
	GetSerialsForUpdate(ctx context.Context, tenantID, itemID, locationID int64, serials []string) ([]SerializedUnit, error)
	FindSerialAnywhere(ctx context.Context, tenantID, itemID int64, serial string) (SerializedUnit, bool, error)
	SetSerialStatus(ctx context.Context, unitID int64, status SerialStatus) error
	InsertSerial(ctx context.Context, unit SerializedUnit) error
	InsertMovement(ctx context.Context, m Movement) error
}

// Config carries allocation policy.
type Config struct {
	AllowNegative bool
}

// Plan expands requests into stock-bearing lines, replacing each kit
// with its component list multiplied by the requested quantity. Kits
// expand one level only; a kit containing another kit is rejected.
func Plan(ctx context.Context, reader catalog.Reader, tenantID int64, reqs []Request) ([]PlannedLine, error) {
	lines := make([]PlannedLine, 0, len(reqs))
	for _, req := range reqs {
		item, err := reader.GetItem(ctx, tenantID, req.ItemID)
		if err != nil {
			return nil, err
		}
		if !item.IsKit {
			if !item.IsProduct() {
				continue
			}
			if item.RequiresSerial && len(req.Serials) != req.Quantity {
				return nil, &SerialCountError{ItemID: item.ID, Want: req.Quantity, Got: len(req.Serials)}
			}
			lines = append(lines, PlannedLine{
				ItemID:         item.ID,
				Quantity:       req.Quantity,
				Serials:        req.Serials,
				RequiresSerial: item.RequiresSerial,
			})
			continue
		}
		for _, comp := range item.Components {
			child, err := reader.GetItem(ctx, tenantID, comp.ItemID)
			if err != nil {
				return nil, err
			}
			if child.IsKit {
				return nil, catalog.ErrNestedKit
			}
			if !child.IsProduct() {
				continue
			}
			qty := comp.Quantity * req.Quantity
			serials := req.ComponentSerials[comp.ItemID]
			if child.RequiresSerial && len(serials) != qty {
				return nil, &SerialCountError{ItemID: child.ID, Want: qty, Got: len(serials)}
			}
			lines = append(lines, PlannedLine{
				ItemID:         child.ID,
				ParentItemID:   item.ID,
				Quantity:       qty,
				Serials:        serials,
				RequiresSerial: child.RequiresSerial,
			})
		}
	}
	// Lock order is ascending item id so concurrent allocations against
	// overlapping item sets cannot deadlock.
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].ItemID < lines[j].ItemID })
	return mergeLines(lines), nil
}

// mergeLines folds duplicate (item, parent) entries so each position
// row is locked once per transaction.
func mergeLines(lines []PlannedLine) []PlannedLine {
	merged := make([]PlannedLine, 0, len(lines))
	for _, ln := range lines {
		if n := len(merged); n > 0 && merged[n-1].ItemID == ln.ItemID && merged[n-1].ParentItemID == ln.ParentItemID {
			merged[n-1].Quantity += ln.Quantity
			merged[n-1].Serials = append(merged[n-1].Serials, ln.Serials...)
			continue
		}
		merged = append(merged, ln)
	}
	return merged
}

// Reserve places a reservation on every line or none of them. Serialized
// lines validate and flip each supplied serial to reservado; plain lines
// require available >= quantity.
func Reserve(ctx context.Context, tx TxStore, tenantID, locationID int64, lines []PlannedLine, refKind string, refID int64) error {
	for _, ln := range lines {
		pos, err := lockPosition(ctx, tx, tenantID, ln.ItemID, locationID)
		if err != nil {
			return err
		}
		if ln.RequiresSerial {
			units, err := checkSerials(ctx, tx, tenantID, locationID, ln, SerialInStock)
			if err != nil {
				return err
			}
			for _, u := range units {
				if err := tx.SetSerialStatus(ctx, u.ID, SerialReserved); err != nil {
					return err
				}
			}
		} else if pos.Available() < ln.Quantity {
			return &InsufficientStockError{ItemID: ln.ItemID, LocationID: locationID, Requested: ln.Quantity, Available: pos.Available()}
		}
		pos.Reserved += ln.Quantity
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, Movement{
			TenantID: tenantID, ItemID: ln.ItemID, LocationID: locationID,
			Type: MovementReserve, Quantity: ln.Quantity, RefKind: refKind, RefID: refID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Release is the inverse of Reserve and tolerates double release: the
// reserved counter never goes below zero and only serials still in
// reservado are flipped back.
func Release(ctx context.Context, tx TxStore, tenantID, locationID int64, lines []PlannedLine, refKind string, refID int64) error {
	for _, ln := range lines {
		pos, err := lockPosition(ctx, tx, tenantID, ln.ItemID, locationID)
		if err != nil {
			return err
		}
		released := ln.Quantity
		if pos.Reserved < released {
			released = pos.Reserved
		}
		if ln.RequiresSerial {
			units, err := tx.GetSerialsForUpdate(ctx, tenantID, ln.ItemID, locationID, ln.Serials)
			if err != nil {
				return err
			}
			for _, u := range units {
				if u.Status != SerialReserved {
					continue
				}
				if err := tx.SetSerialStatus(ctx, u.ID, SerialInStock); err != nil {
					return err
				}
			}
		}
		if released == 0 {
			continue
		}
		pos.Reserved -= released
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, Movement{
			TenantID: tenantID, ItemID: ln.ItemID, LocationID: locationID,
			Type: MovementRelease, Quantity: released, RefKind: refKind, RefID: refID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Commit removes stock directly, without a prior reservation. Used when
// a sale is created without going through a confirmed order.
func Commit(ctx context.Context, tx TxStore, cfg Config, tenantID, locationID int64, lines []PlannedLine, refKind string, refID int64) error {
	for _, ln := range lines {
		pos, err := lockPosition(ctx, tx, tenantID, ln.ItemID, locationID)
		if err != nil {
			return err
		}
		if ln.RequiresSerial {
			units, err := checkSerials(ctx, tx, tenantID, locationID, ln, SerialInStock)
			if err != nil {
				return err
			}
			for _, u := range units {
				if err := tx.SetSerialStatus(ctx, u.ID, SerialSold); err != nil {
					return err
				}
			}
		} else if !cfg.AllowNegative && pos.Available() < ln.Quantity {
			return &InsufficientStockError{ItemID: ln.ItemID, LocationID: locationID, Requested: ln.Quantity, Available: pos.Available()}
		}
		pos.OnHand -= ln.Quantity
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, Movement{
			TenantID: tenantID, ItemID: ln.ItemID, LocationID: locationID,
			Type: MovementOut, Quantity: ln.Quantity, RefKind: refKind, RefID: refID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeReservation converts a held reservation into an outbound
// movement: reserved and on-hand both drop, reserved serials become
// sold.
func ConsumeReservation(ctx context.Context, tx TxStore, tenantID, locationID int64, lines []PlannedLine, refKind string, refID int64) error {
	for _, ln := range lines {
		pos, err := lockPosition(ctx, tx, tenantID, ln.ItemID, locationID)
		if err != nil {
			return err
		}
		if ln.RequiresSerial {
			units, err := checkSerials(ctx, tx, tenantID, locationID, ln, SerialReserved)
			if err != nil {
				return err
			}
			for _, u := range units {
				if err := tx.SetSerialStatus(ctx, u.ID, SerialSold); err != nil {
					return err
				}
			}
		}
		if pos.Reserved >= ln.Quantity {
			pos.Reserved -= ln.Quantity
		} else {
			pos.Reserved = 0
		}
		pos.OnHand -= ln.Quantity
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, Movement{
			TenantID: tenantID, ItemID: ln.ItemID, LocationID: locationID,
			Type: MovementOut, Quantity: ln.Quantity, RefKind: refKind, RefID: refID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Restock returns previously committed stock, used when a sale is
// cancelled. Sold serials flip back to en_stock; a sold serial whose
// row was soft-deleted in the meantime gets a fresh live row so the
// unit is sellable again.
func Restock(ctx context.Context, tx TxStore, tenantID, locationID int64, lines []PlannedLine, refKind string, refID int64) error {
	for _, ln := range lines {
		pos, err := lockPosition(ctx, tx, tenantID, ln.ItemID, locationID)
		if err != nil {
			return err
		}
		if ln.RequiresSerial {
			for _, serial := range ln.Serials {
				unit, found, err := tx.FindSerialAnywhere(ctx, tenantID, ln.ItemID, serial)
				if err != nil {
					return err
				}
				switch {
				case found && !unit.Deleted:
					if err := tx.SetSerialStatus(ctx, unit.ID, SerialInStock); err != nil {
						return err
					}
				default:
					if err := tx.InsertSerial(ctx, SerializedUnit{
						TenantID: tenantID, ItemID: ln.ItemID, LocationID: locationID,
						Serial: serial, Status: SerialInStock,
					}); err != nil {
						return err
					}
				}
			}
		}
		pos.OnHand += ln.Quantity
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.InsertMovement(ctx, Movement{
			TenantID: tenantID, ItemID: ln.ItemID, LocationID: locationID,
			Type: MovementReturn, Quantity: ln.Quantity, RefKind: refKind, RefID: refID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func lockPosition(ctx context.Context, tx TxStore, tenantID, itemID, locationID int64) (Position, error) {
	pos, err := tx.GetPositionForUpdate(ctx, tenantID, itemID, locationID)
	if err == nil {
		return pos, nil
	}
	if errors.Is(err, ErrPositionNotFound) {
		return Position{TenantID: tenantID, ItemID: itemID, LocationID: locationID}, nil
	}
	return Position{}, err
}

// checkSerials locks the requested serials and verifies each is present
// at the location in the wanted status. Every failing serial is named
// in the returned error with the reason it failed.
func checkSerials(ctx context.Context, tx TxStore, tenantID, locationID int64, ln PlannedLine, want SerialStatus) ([]SerializedUnit, error) {
	if len(ln.Serials) != ln.Quantity {
		return nil, &SerialCountError{ItemID: ln.ItemID, Want: ln.Quantity, Got: len(ln.Serials)}
	}
	units, err := tx.GetSerialsForUpdate(ctx, tenantID, ln.ItemID, locationID, ln.Serials)
	if err != nil {
		return nil, err
	}
	bySerial := make(map[string]SerializedUnit, len(units))
	for _, u := range units {
		bySerial[u.Serial] = u
	}
	var issues []SerialIssue
	good := make([]SerializedUnit, 0, len(ln.Serials))
	for _, serial := range ln.Serials {
		unit, ok := bySerial[serial]
		if !ok {
			// Not at this location: report wrong_location if the serial
			// lives elsewhere, not_found if it does not exist at all.
			other, found, err := tx.FindSerialAnywhere(ctx, tenantID, ln.ItemID, serial)
			switch {
			case err != nil:
				return nil, err
			case found && !other.Deleted && other.LocationID != locationID:
				issues = append(issues, SerialIssue{Serial: serial, Reason: SerialIssueWrongLocation, Status: other.Status})
			default:
				issues = append(issues, SerialIssue{Serial: serial, Reason: SerialIssueNotFound})
			}
			continue
		}
		if unit.Status != want {
			issues = append(issues, SerialIssue{Serial: serial, Reason: SerialIssueUnavailable, Status: unit.Status})
			continue
		}
		good = append(good, unit)
	}
	if len(issues) > 0 {
		return nil, &SerialUnavailableError{ItemID: ln.ItemID, Issues: issues}
	}
	return good, nil
}
