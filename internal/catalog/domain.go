package catalog

import "errors"

// Kind distinguishes the two sellable variants.
type Kind string

const (
	// KindProducto is a physical or digital product carrying stock.
	KindProducto Kind = "producto"
	// KindServicio is a service line with no stock effect.
	KindServicio Kind = "servicio"
)

// Component is one entry of a kit's bill of materials.
type Component struct {
	ItemID   int64
	Quantity int
}

// Item is a read-only snapshot of a sellable catalog entry. The engine
// references items but never mutates them; catalog administration lives
// outside this core.
type Item struct {
	ID             int64
	TenantID       int64
	Kind           Kind
	SKU            string
	Name           string
	UnitCost       float64
	UnitPrice      float64
	TaxRate        float64
	RequiresSerial bool
	IsKit          bool
	Components     []Component
	Active         bool
}

// IsProduct reports whether the item carries stock.
func (i *Item) IsProduct() bool { return i.Kind == KindProducto }

// ErrNotFound indicates the requested item does not exist for the tenant.
var ErrNotFound = errors.New("catalog: item not found")

// ErrNestedKit indicates a kit component that is itself a kit.
var ErrNestedKit = errors.New("catalog: kit components may not be kits")
