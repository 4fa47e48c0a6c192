package stock

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/db"
)

// Store provides PostgreSQL backed persistence for positions, serials
// and movements.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx wraps the callback in a repeatable-read transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

// GetPosition reads one position without locking.
func (s *Store) GetPosition(ctx context.Context, tenantID, itemID, locationID int64) (Position, error) {
	var p Position
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, item_id, location_id, on_hand, reserved, updated_at
		 FROM inventory_positions WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3`,
		tenantID, itemID, locationID).
		Scan(&p.TenantID, &p.ItemID, &p.LocationID, &p.OnHand, &p.Reserved, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrPositionNotFound
		}
		return Position{}, err
	}
	return p, nil
}

// ListPositions returns every position for an item across locations.
func (s *Store) ListPositions(ctx context.Context, tenantID, itemID int64) ([]Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, item_id, location_id, on_hand, reserved, updated_at
		 FROM inventory_positions WHERE tenant_id = $1 AND item_id = $2 ORDER BY location_id`,
		tenantID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.TenantID, &p.ItemID, &p.LocationID, &p.OnHand, &p.Reserved, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListMovements returns recent movements, newest first.
func (s *Store) ListMovements(ctx context.Context, tenantID int64, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, item_id, location_id, movement_type, quantity, ref_kind, ref_id, note, actor_id, created_at
		 FROM stock_movements
		 WHERE tenant_id = $1
		   AND ($2 = 0 OR item_id = $2)
		   AND ($3 = 0 OR location_id = $3)
		 ORDER BY id DESC LIMIT $4`,
		tenantID, filter.ItemID, filter.LocationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var moves []Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ItemID, &m.LocationID, &m.Type, &m.Quantity,
			&m.RefKind, &m.RefID, &m.Note, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// ListSerials returns live serialized units for an item at a location.
func (s *Store) ListSerials(ctx context.Context, tenantID, itemID, locationID int64) ([]SerializedUnit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, item_id, location_id, serial, status
		 FROM serialized_units
		 WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 AND deleted_at IS NULL
		 ORDER BY serial`,
		tenantID, itemID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var units []SerializedUnit
	for rows.Next() {
		var u SerializedUnit
		if err := rows.Scan(&u.ID, &u.TenantID, &u.ItemID, &u.LocationID, &u.Serial, &u.Status); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

type txStore struct {
	tx pgx.Tx
}

// NewTxStore wraps an open transaction in a TxStore. Callers in other
// packages use this to run stock mutations inside their own
// transaction.
func NewTxStore(tx pgx.Tx) TxStore {
	return &txStore{tx: tx}
}

func (t *txStore) GetPositionForUpdate(ctx context.Context, tenantID, itemID, locationID int64) (Position, error) {
	var p Position
	err := t.tx.QueryRow(ctx,
		`SELECT tenant_id, item_id, location_id, on_hand, reserved, updated_at
		 FROM inventory_positions WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3
		 FOR UPDATE`,
		tenantID, itemID, locationID).
		Scan(&p.TenantID, &p.ItemID, &p.LocationID, &p.OnHand, &p.Reserved, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrPositionNotFound
		}
		return Position{}, err
	}
	return p, nil
}

func (t *txStore) UpsertPosition(ctx context.Context, p Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_positions (tenant_id, item_id, location_id, on_hand, reserved, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (tenant_id, item_id, location_id)
		 DO UPDATE SET on_hand = EXCLUDED.on_hand, reserved = EXCLUDED.reserved, updated_at = now()`,
		p.TenantID, p.ItemID, p.LocationID, p.OnHand, p.Reserved)
	return err
}

func (t *txStore) GetSerialsForUpdate(ctx context.Context, tenantID, itemID, locationID int64, serials []string) ([]SerializedUnit, error) {
	if len(serials) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT id, tenant_id, item_id, location_id, serial, status
		 FROM serialized_units
		 WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 AND serial = ANY($4) AND deleted_at IS NULL
		 ORDER BY serial
		 FOR UPDATE`,
		tenantID, itemID, locationID, serials)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var units []SerializedUnit
	for rows.Next() {
		var u SerializedUnit
		if err := rows.Scan(&u.ID, &u.TenantID, &u.ItemID, &u.LocationID, &u.Serial, &u.Status); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (t *txStore) FindSerialAnywhere(ctx context.Context, tenantID, itemID int64, serial string) (SerializedUnit, bool, error) {
	var u SerializedUnit
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, item_id, location_id, serial, status, deleted_at IS NOT NULL
		 FROM serialized_units
		 WHERE tenant_id = $1 AND item_id = $2 AND serial = $3
		 ORDER BY (deleted_at IS NULL) DESC, id DESC
		 LIMIT 1
		 FOR UPDATE`,
		tenantID, itemID, serial).
		Scan(&u.ID, &u.TenantID, &u.ItemID, &u.LocationID, &u.Serial, &u.Status, &u.Deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SerializedUnit{}, false, nil
		}
		return SerializedUnit{}, false, err
	}
	return u, true, nil
}

func (t *txStore) SetSerialStatus(ctx context.Context, unitID int64, status SerialStatus) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE serialized_units SET status = $2, updated_at = now() WHERE id = $1`,
		unitID, status)
	return err
}

func (t *txStore) InsertSerial(ctx context.Context, unit SerializedUnit) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO serialized_units (tenant_id, item_id, location_id, serial, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())`,
		unit.TenantID, unit.ItemID, unit.LocationID, unit.Serial, unit.Status)
	return err
}

func (t *txStore) InsertMovement(ctx context.Context, m Movement) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stock_movements (tenant_id, item_id, location_id, movement_type, quantity, ref_kind, ref_id, note, actor_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		m.TenantID, m.ItemID, m.LocationID, m.Type, m.Quantity, m.RefKind, m.RefID, m.Note, m.ActorID)
	return err
}
