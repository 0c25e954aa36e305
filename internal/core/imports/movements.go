package imports

import "github.com/JonMunkholm/stockimport/internal/core"

// MovementTypes are the kinds of stock movement. Writers apply "in" as an
// increase, "out" and "transfer" as a decrease and "adjustment" as a signed
// correction of the product's stock quantity.
var MovementTypes = []string{"in", "out", "adjustment", "transfer"}

func init() {
	registerMovements()
}

// Movements have no key: every row is a new movement.
func registerMovements() {
	core.Register(core.ImportDefinition{
		Type:  core.ImportMovements,
		Label: "Stock movements",
		Fields: []core.FieldRule{
			{Name: "product_sku", Type: core.FieldCode, Required: true, MaxLength: 64, References: core.ImportProducts},
			{Name: "movement_type", Type: core.FieldEnum, Required: true, EnumValues: MovementTypes},
			{Name: "quantity", Type: core.FieldInteger, Required: true, Min: core.Bound(1)},
			{Name: "movement_date", Type: core.FieldDate},
			{Name: "reference", Type: core.FieldText, MaxLength: 100},
			{Name: "notes", Type: core.FieldText, MaxLength: 1000},
		},
	})
}
