package imports

import "github.com/JonMunkholm/stockimport/internal/core"

func init() {
	registerSuppliers()
}

func registerSuppliers() {
	core.Register(core.ImportDefinition{
		Type:     core.ImportSuppliers,
		Label:    "Suppliers",
		KeyField: "code",
		Fields: []core.FieldRule{
			{Name: "code", Type: core.FieldCode, Required: true, Unique: true, MaxLength: 32},
			{Name: "name", Type: core.FieldText, Required: true, MaxLength: 255},
			{Name: "email", Type: core.FieldEmail, MaxLength: 255},
			{Name: "phone", Type: core.FieldText, MaxLength: 32},
			{Name: "tax_id", Type: core.FieldText, MaxLength: 32},
			{Name: "lead_time_days", Type: core.FieldInteger, Min: core.Bound(0), Max: core.Bound(365)},
		},
	})
}
