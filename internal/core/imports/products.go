package imports

import "github.com/JonMunkholm/stockimport/internal/core"

// Units are the canonical stock units of a product.
var Units = []string{"unit", "kg", "g", "l", "ml", "box", "pack"}

func init() {
	registerProducts()
}

func registerProducts() {
	core.Register(core.ImportDefinition{
		Type:     core.ImportProducts,
		Label:    "Products",
		KeyField: "sku",
		Fields: []core.FieldRule{
			{Name: "sku", Type: core.FieldCode, Required: true, Unique: true, MaxLength: 64},
			{Name: "name", Type: core.FieldText, Required: true, MaxLength: 255},
			{Name: "category", Type: core.FieldText, MaxLength: 100},
			{Name: "unit_price", Type: core.FieldDecimal, Required: true, Min: core.Bound(0)},
			{Name: "cost_price", Type: core.FieldDecimal, Min: core.Bound(0)},
			{Name: "stock_quantity", Type: core.FieldInteger, Min: core.Bound(0)},
			{Name: "min_stock", Type: core.FieldInteger, Min: core.Bound(0)},
			{Name: "unit", Type: core.FieldEnum, EnumValues: Units},
			{Name: "supplier_code", Type: core.FieldCode, MaxLength: 32, References: core.ImportSuppliers},
		},
	})
}
