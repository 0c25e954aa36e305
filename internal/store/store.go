// Package store implements core.Store on top of an in-memory map,
// PostgreSQL and SQLite.
//
// All three keep imported records in one generic table keyed by tenant,
// import type and record key, with the typed field values stored as JSON.
// Records without a key (stock movements) get a generated one. Persisting a
// movement adjusts the stock_quantity of the product it references in the
// same transaction.
package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// ErrDuplicate is returned when a record key already exists and the import
// does not allow overwriting.
var ErrDuplicate = errors.New("record already exists")

// ErrUnknownProduct is returned when a movement references a product that
// does not exist for the tenant.
var ErrUnknownProduct = errors.New("referenced product does not exist")

// recordKey returns the storage key of rec, generating one for keyless types.
func recordKey(rec core.Record) string {
	if rec.Key != "" {
		return rec.Key
	}
	return uuid.NewString()
}

// stockChange is the effect of a movement on its product.
type stockChange struct {
	SKU   string
	Set   bool // Replace the quantity instead of adding Delta
	Delta int64
}

// movementEffect returns the stock change of a movement record.
// ok is false for records that are not movements.
//
//	in          +quantity
//	out         -quantity
//	adjustment  quantity becomes the new stock level
//	transfer    no change within the tenant
func movementEffect(rec core.Record) (stockChange, bool, error) {
	if rec.Type != core.ImportMovements {
		return stockChange{}, false, nil
	}
	sku, _ := rec.Fields["product_sku"].(string)
	qty, ok := asInt(rec.Fields["quantity"])
	if sku == "" || !ok {
		return stockChange{}, false, fmt.Errorf("movement without product_sku or quantity")
	}
	c := stockChange{SKU: core.NormalizeKey(sku)}
	switch rec.Fields["movement_type"] {
	case "in":
		c.Delta = qty
	case "out":
		c.Delta = -qty
	case "adjustment":
		c.Set, c.Delta = true, qty
	case "transfer":
	default:
		return stockChange{}, false, fmt.Errorf("unknown movement type %v", rec.Fields["movement_type"])
	}
	return c, true, nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// clone copies a field map so stored records never alias caller memory.
func clone(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
