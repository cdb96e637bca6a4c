package testutil

import (
	"testing"

	"entitycore/pkg/metadata"
)

// Fixture type names.
const (
	TypeCustomer  = "Customer"
	TypeOrder     = "Order"
	TypeOrderLine = "OrderLine"
	TypeProduct   = "Product"
	TypeEmployee  = "Employee"
	TypeManager   = "Manager"
	TypeTag       = "Tag"
)

// SalesTypes returns a small sales-order model covering client GUID keys,
// server identity keys, a composite key containing a foreign key, a subtype,
// cascade delete, and every validator kind.
func SalesTypes() []metadata.EntityType {
	return []metadata.EntityType{
		{
			Name:          TypeCustomer,
			KeyProperties: []string{"CustomerID"},
			KeyGeneration: metadata.KeyGenerationClient,
			DataProperties: []metadata.DataProperty{
				{Name: "CustomerID", Type: metadata.TypeGUID},
				{Name: "CompanyName", Type: metadata.TypeString, MaxLength: 40, Validators: []metadata.ValidatorSpec{{Kind: metadata.ValidatorRequired}}},
				{Name: "City", Type: metadata.TypeString, Nullable: true},
				{Name: "RowVersion", Type: metadata.TypeInt, ConcurrencyCheck: true},
			},
			NavigationProperties: []metadata.NavigationProperty{
				{Name: "Orders", Target: TypeOrder, Cardinality: metadata.Many, InverseForeignKeys: []string{"CustomerID"}},
			},
		},
		{
			Name:          TypeOrder,
			KeyProperties: []string{"OrderID"},
			KeyGeneration: metadata.KeyGenerationIdentity,
			DataProperties: []metadata.DataProperty{
				{Name: "OrderID", Type: metadata.TypeInt},
				{Name: "CustomerID", Type: metadata.TypeGUID, Nullable: true},
				{Name: "EmployeeID", Type: metadata.TypeInt, Nullable: true},
				{Name: "OrderDate", Type: metadata.TypeTime, Nullable: true},
				{Name: "Freight", Type: metadata.TypeFloat, Default: 0, Validators: []metadata.ValidatorSpec{{Kind: metadata.ValidatorRange, Min: metadata.Float(0)}}},
				{Name: "ShipCity", Type: metadata.TypeString, Nullable: true},
			},
			NavigationProperties: []metadata.NavigationProperty{
				{Name: "Customer", Target: TypeCustomer, Cardinality: metadata.One, ForeignKeys: []string{"CustomerID"}},
				{Name: "Employee", Target: TypeEmployee, Cardinality: metadata.One, ForeignKeys: []string{"EmployeeID"}},
				{Name: "Lines", Target: TypeOrderLine, Cardinality: metadata.Many, InverseForeignKeys: []string{"OrderID"}, CascadeDelete: true},
			},
			Validators: []metadata.ValidatorSpec{
				{Kind: metadata.ValidatorCustom, Name: "freightCap", Expr: "entity.Freight < 10000", Message: "freight must stay below 10000"},
			},
		},
		{
			Name:          TypeOrderLine,
			KeyProperties: []string{"OrderID", "ProductID"},
			DataProperties: []metadata.DataProperty{
				{Name: "OrderID", Type: metadata.TypeInt},
				{Name: "ProductID", Type: metadata.TypeInt},
				{Name: "Quantity", Type: metadata.TypeInt, Default: 1, Validators: []metadata.ValidatorSpec{{Kind: metadata.ValidatorRange, Min: metadata.Float(1), Max: metadata.Float(1000)}}},
				{Name: "UnitPrice", Type: metadata.TypeFloat},
			},
			NavigationProperties: []metadata.NavigationProperty{
				{Name: "Order", Target: TypeOrder, Cardinality: metadata.One, ForeignKeys: []string{"OrderID"}},
				{Name: "Product", Target: TypeProduct, Cardinality: metadata.One, ForeignKeys: []string{"ProductID"}},
			},
		},
		{
			Name:          TypeProduct,
			KeyProperties: []string{"ProductID"},
			DataProperties: []metadata.DataProperty{
				{Name: "ProductID", Type: metadata.TypeInt},
				{Name: "Name", Type: metadata.TypeString, Validators: []metadata.ValidatorSpec{{Kind: metadata.ValidatorRequired}}},
				{Name: "UnitPrice", Type: metadata.TypeFloat},
			},
		},
		{
			Name:          TypeEmployee,
			KeyProperties: []string{"EmployeeID"},
			KeyGeneration: metadata.KeyGenerationIdentity,
			DataProperties: []metadata.DataProperty{
				{Name: "EmployeeID", Type: metadata.TypeInt},
				{Name: "FirstName", Type: metadata.TypeString},
				{Name: "LastName", Type: metadata.TypeString, Validators: []metadata.ValidatorSpec{{Kind: metadata.ValidatorRequired}}},
				{Name: "ReportsToID", Type: metadata.TypeInt, Nullable: true},
			},
			NavigationProperties: []metadata.NavigationProperty{
				{Name: "Orders", Target: TypeOrder, Cardinality: metadata.Many, InverseForeignKeys: []string{"EmployeeID"}},
				{Name: "Manager", Target: TypeManager, Cardinality: metadata.One, ForeignKeys: []string{"ReportsToID"}, Association: "Employee_Manager"},
			},
		},
		{
			Name:     TypeManager,
			BaseType: TypeEmployee,
			DataProperties: []metadata.DataProperty{
				{Name: "Level", Type: metadata.TypeInt},
			},
			NavigationProperties: []metadata.NavigationProperty{
				{Name: "DirectReports", Target: TypeEmployee, Cardinality: metadata.Many, InverseForeignKeys: []string{"ReportsToID"}, Association: "Employee_Manager"},
			},
		},
		{
			Name:          TypeTag,
			KeyProperties: []string{"TagID"},
			KeyGeneration: metadata.KeyGenerationClient,
			DataProperties: []metadata.DataProperty{
				{Name: "TagID", Type: metadata.TypeGUID},
				{Name: "Label", Type: metadata.TypeString, Validators: []metadata.ValidatorSpec{
					{Kind: metadata.ValidatorRegex, Pattern: "^[a-z-]+$", Message: "labels are lowercase words"},
					{Kind: metadata.ValidatorCustom, Name: "notReserved", Expr: `value != "reserved"`},
				}},
				{Name: "OrderID", Type: metadata.TypeInt, Nullable: true},
			},
			NavigationProperties: []metadata.NavigationProperty{
				{Name: "Order", Target: TypeOrder, Cardinality: metadata.One, ForeignKeys: []string{"OrderID"}},
			},
		},
	}
}

// SalesRegistry registers SalesTypes in a fresh registry.
func SalesRegistry(t testing.TB) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	if err := reg.Register(SalesTypes()...); err != nil {
		t.Fatalf("register sales types: %v", err)
	}
	return reg
}
