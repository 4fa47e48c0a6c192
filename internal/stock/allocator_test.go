package stock

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jesusaln/asistenciavircom-sub007/internal/catalog"
)

type memoryStore struct {
	positions map[string]Position
	serials   []*SerializedUnit
	moves     []Movement
	nextID    int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{positions: make(map[string]Position)}
}

func posKey(tenantID, itemID, locationID int64) string {
	return fmt.Sprintf("%d:%d:%d", tenantID, itemID, locationID)
}

func (m *memoryStore) GetPositionForUpdate(ctx context.Context, tenantID, itemID, locationID int64) (Position, error) {
	if p, ok := m.positions[posKey(tenantID, itemID, locationID)]; ok {
		return p, nil
	}
	return Position{}, ErrPositionNotFound
}

func (m *memoryStore) UpsertPosition(ctx context.Context, p Position) error {
	m.positions[posKey(p.TenantID, p.ItemID, p.LocationID)] = p
	return nil
}

func (m *memoryStore) GetSerialsForUpdate(ctx context.Context, tenantID, itemID, locationID int64, serials []string) ([]SerializedUnit, error) {
	want := make(map[string]bool, len(serials))
	for _, s := range serials {
		want[s] = true
	}
	var out []SerializedUnit
	for _, u := range m.serials {
		if u.TenantID == tenantID && u.ItemID == itemID && u.LocationID == locationID && !u.Deleted && want[u.Serial] {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m *memoryStore) FindSerialAnywhere(ctx context.Context, tenantID, itemID int64, serial string) (SerializedUnit, bool, error) {
	var deleted *SerializedUnit
	for _, u := range m.serials {
		if u.TenantID != tenantID || u.ItemID != itemID || u.Serial != serial {
			continue
		}
		if !u.Deleted {
			return *u, true, nil
		}
		deleted = u
	}
	if deleted != nil {
		return *deleted, true, nil
	}
	return SerializedUnit{}, false, nil
}

func (m *memoryStore) SetSerialStatus(ctx context.Context, unitID int64, status SerialStatus) error {
	for _, u := range m.serials {
		if u.ID == unitID {
			u.Status = status
			return nil
		}
	}
	return fmt.Errorf("serial %d not found", unitID)
}

func (m *memoryStore) InsertSerial(ctx context.Context, unit SerializedUnit) error {
	m.nextID++
	unit.ID = m.nextID
	m.serials = append(m.serials, &unit)
	return nil
}

func (m *memoryStore) InsertMovement(ctx context.Context, mv Movement) error {
	m.moves = append(m.moves, mv)
	return nil
}

func (m *memoryStore) addPosition(tenantID, itemID, locationID int64, onHand, reserved int) {
	m.positions[posKey(tenantID, itemID, locationID)] = Position{
		TenantID: tenantID, ItemID: itemID, LocationID: locationID, OnHand: onHand, Reserved: reserved,
	}
}

func (m *memoryStore) addSerial(tenantID, itemID, locationID int64, serial string, status SerialStatus) {
	m.nextID++
	m.serials = append(m.serials, &SerializedUnit{
		ID: m.nextID, TenantID: tenantID, ItemID: itemID, LocationID: locationID, Serial: serial, Status: status,
	})
}

func (m *memoryStore) serialStatus(serial string) SerialStatus {
	for _, u := range m.serials {
		if u.Serial == serial && !u.Deleted {
			return u.Status
		}
	}
	return ""
}

type memoryCatalog struct {
	items map[int64]*catalog.Item
}

func (c *memoryCatalog) GetItem(ctx context.Context, tenantID, id int64) (*catalog.Item, error) {
	item, ok := c.items[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return item, nil
}

func (c *memoryCatalog) GetItems(ctx context.Context, tenantID int64, ids []int64) (map[int64]*catalog.Item, error) {
	out := make(map[int64]*catalog.Item, len(ids))
	for _, id := range ids {
		if item, ok := c.items[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func testCatalog() *memoryCatalog {
	return &memoryCatalog{items: map[int64]*catalog.Item{
		1: {ID: 1, Kind: catalog.KindProducto, SKU: "CAM-01", Name: "Camara"},
		2: {ID: 2, Kind: catalog.KindProducto, SKU: "DVR-01", Name: "Grabador", RequiresSerial: true},
		3: {ID: 3, Kind: catalog.KindProducto, SKU: "KIT-CCTV", Name: "Kit CCTV", IsKit: true, Components: []catalog.Component{
			{ItemID: 1, Quantity: 4},
			{ItemID: 2, Quantity: 1},
		}},
		4: {ID: 4, Kind: catalog.KindServicio, SKU: "INST-01", Name: "Instalacion"},
	}}
}

const (
	tenant = int64(7)
	bodega = int64(1)
)

func TestPlanExpandsKitOneLevel(t *testing.T) {
	ctx := context.Background()
	lines, err := Plan(ctx, testCatalog(), tenant, []Request{
		{ItemID: 3, Quantity: 2, ComponentSerials: map[int64][]string{2: {"DVR-A", "DVR-B"}}},
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)

	require.Equal(t, int64(1), lines[0].ItemID)
	require.Equal(t, 8, lines[0].Quantity)
	require.Equal(t, int64(3), lines[0].ParentItemID)

	require.Equal(t, int64(2), lines[1].ItemID)
	require.Equal(t, 2, lines[1].Quantity)
	require.True(t, lines[1].RequiresSerial)
	require.Equal(t, []string{"DVR-A", "DVR-B"}, lines[1].Serials)
}

func TestPlanSkipsServices(t *testing.T) {
	lines, err := Plan(context.Background(), testCatalog(), tenant, []Request{
		{ItemID: 4, Quantity: 1},
		{ItemID: 1, Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, int64(1), lines[0].ItemID)
}

func TestPlanRejectsSerialCountMismatch(t *testing.T) {
	_, err := Plan(context.Background(), testCatalog(), tenant, []Request{
		{ItemID: 2, Quantity: 2, Serials: []string{"DVR-A"}},
	})
	var count *SerialCountError
	require.ErrorAs(t, err, &count)
	require.Equal(t, 2, count.Want)
	require.Equal(t, 1, count.Got)
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.addPosition(tenant, 1, bodega, 10, 0)
	store.addSerial(tenant, 2, bodega, "DVR-A", SerialInStock)

	lines := []PlannedLine{
		{ItemID: 1, Quantity: 4},
		{ItemID: 2, Quantity: 1, Serials: []string{"DVR-A"}, RequiresSerial: true},
	}
	require.NoError(t, Reserve(ctx, store, tenant, bodega, lines, "order", 100))

	pos := store.positions[posKey(tenant, 1, bodega)]
	require.Equal(t, 4, pos.Reserved)
	require.Equal(t, 10, pos.OnHand)
	require.Equal(t, SerialReserved, store.serialStatus("DVR-A"))

	require.NoError(t, Release(ctx, store, tenant, bodega, lines, "order", 100))
	pos = store.positions[posKey(tenant, 1, bodega)]
	require.Equal(t, 0, pos.Reserved)
	require.Equal(t, 10, pos.OnHand)
	require.Equal(t, SerialInStock, store.serialStatus("DVR-A"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.addPosition(tenant, 1, bodega, 10, 0)

	lines := []PlannedLine{{ItemID: 1, Quantity: 3}}
	require.NoError(t, Reserve(ctx, store, tenant, bodega, lines, "order", 1))
	require.NoError(t, Release(ctx, store, tenant, bodega, lines, "order", 1))
	require.NoError(t, Release(ctx, store, tenant, bodega, lines, "order", 1))

	pos := store.positions[posKey(tenant, 1, bodega)]
	require.Equal(t, 0, pos.Reserved)
	require.Equal(t, 10, pos.OnHand)
}

func TestReserveInsufficientStock(t *testing.T) {
	store := newMemoryStore()
	store.addPosition(tenant, 1, bodega, 2, 1)

	err := Reserve(context.Background(), store, tenant, bodega,
		[]PlannedLine{{ItemID: 1, Quantity: 3}}, "order", 1)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 2, insufficient.Deficit())
}

func TestReserveDistinguishesSerialFailures(t *testing.T) {
	store := newMemoryStore()
	store.addSerial(tenant, 2, bodega, "SOLD-1", SerialSold)
	store.addSerial(tenant, 2, 99, "FAR-1", SerialInStock)

	err := Reserve(context.Background(), store, tenant, bodega,
		[]PlannedLine{{ItemID: 2, Quantity: 3, Serials: []string{"SOLD-1", "FAR-1", "GHOST-1"}, RequiresSerial: true}},
		"order", 1)

	var serialErr *SerialUnavailableError
	require.ErrorAs(t, err, &serialErr)
	require.Len(t, serialErr.Issues, 3)

	reasons := make(map[string]SerialIssueReason)
	for _, issue := range serialErr.Issues {
		reasons[issue.Serial] = issue.Reason
	}
	require.Equal(t, SerialIssueUnavailable, reasons["SOLD-1"])
	require.Equal(t, SerialIssueWrongLocation, reasons["FAR-1"])
	require.Equal(t, SerialIssueNotFound, reasons["GHOST-1"])
}

func TestCommitDirectSale(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.addPosition(tenant, 1, bodega, 10, 0)
	store.addSerial(tenant, 2, bodega, "DVR-A", SerialInStock)

	lines := []PlannedLine{
		{ItemID: 1, Quantity: 4},
		{ItemID: 2, Quantity: 1, Serials: []string{"DVR-A"}, RequiresSerial: true},
	}
	require.NoError(t, Commit(ctx, store, Config{}, tenant, bodega, lines, "sale", 5))

	pos := store.positions[posKey(tenant, 1, bodega)]
	require.Equal(t, 6, pos.OnHand)
	require.Equal(t, 0, pos.Reserved)
	require.Equal(t, SerialSold, store.serialStatus("DVR-A"))
}

func TestCommitNegativeStockGuard(t *testing.T) {
	store := newMemoryStore()
	store.addPosition(tenant, 1, bodega, 1, 0)
	lines := []PlannedLine{{ItemID: 1, Quantity: 3}}

	err := Commit(context.Background(), store, Config{}, tenant, bodega, lines, "sale", 5)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	require.NoError(t, Commit(context.Background(), store, Config{AllowNegative: true}, tenant, bodega, lines, "sale", 5))
	require.Equal(t, -2, store.positions[posKey(tenant, 1, bodega)].OnHand)
}

func TestConsumeReservation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.addPosition(tenant, 1, bodega, 10, 0)
	store.addSerial(tenant, 2, bodega, "DVR-A", SerialInStock)

	lines := []PlannedLine{
		{ItemID: 1, Quantity: 4},
		{ItemID: 2, Quantity: 1, Serials: []string{"DVR-A"}, RequiresSerial: true},
	}
	require.NoError(t, Reserve(ctx, store, tenant, bodega, lines, "order", 9))
	require.NoError(t, ConsumeReservation(ctx, store, tenant, bodega, lines, "sale", 10))

	pos := store.positions[posKey(tenant, 1, bodega)]
	require.Equal(t, 6, pos.OnHand)
	require.Equal(t, 0, pos.Reserved)
	require.Equal(t, SerialSold, store.serialStatus("DVR-A"))
}

func TestRestockAfterCancellation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.addPosition(tenant, 1, bodega, 6, 0)
	store.addSerial(tenant, 2, bodega, "DVR-A", SerialSold)

	lines := []PlannedLine{
		{ItemID: 1, Quantity: 4},
		{ItemID: 2, Quantity: 1, Serials: []string{"DVR-A"}, RequiresSerial: true},
	}
	require.NoError(t, Restock(ctx, store, tenant, bodega, lines, "sale", 5))

	pos := store.positions[posKey(tenant, 1, bodega)]
	require.Equal(t, 10, pos.OnHand)
	require.Equal(t, SerialInStock, store.serialStatus("DVR-A"))
}

func TestRestockRecreatesDeletedSerial(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.addPosition(tenant, 2, bodega, 0, 0)
	store.addSerial(tenant, 2, bodega, "DVR-GONE", SerialSold)
	store.serials[0].Deleted = true

	lines := []PlannedLine{{ItemID: 2, Quantity: 1, Serials: []string{"DVR-GONE"}, RequiresSerial: true}}
	require.NoError(t, Restock(ctx, store, tenant, bodega, lines, "sale", 5))

	require.Equal(t, SerialInStock, store.serialStatus("DVR-GONE"))
	require.Equal(t, 1, store.positions[posKey(tenant, 2, bodega)].OnHand)
}
