package spacemap_test

import (
	"fmt"

	"github.com/likearthian/spacemap"
)

type Order struct {
	ID       string `space:"id,key"`
	Customer string
	Lines    []OrderLine
}

type OrderLine struct {
	Product  string
	Quantity int
}

func ExampleConverter_ToMap() {
	c, err := spacemap.New()
	if err != nil {
		panic(err)
	}

	rec, err := c.ToMap(Order{
		ID:       "o-1",
		Customer: "ACME",
		Lines:    []OrderLine{{Product: "bolt", Quantity: 10}},
	})
	if err != nil {
		panic(err)
	}

	fmt.Println(rec)
	// Output: map[customer:ACME id:o-1 lines:[map[product:bolt quantity:10]]]
}

func ExampleReadAs() {
	c, err := spacemap.New()
	if err != nil {
		panic(err)
	}

	order, err := spacemap.ReadAs[Order](c, spacemap.MapRecord{
		"id":       "o-2",
		"customer": "Initech",
		"lines":    []any{map[string]any{"product": "stapler", "quantity": int64(1)}},
	})
	if err != nil {
		panic(err)
	}

	fmt.Printf("%+v\n", order)
	// Output: {ID:o-2 Customer:Initech Lines:[{Product:stapler Quantity:1}]}
}

func ExampleConverter_ToTuple() {
	c, err := spacemap.New()
	if err != nil {
		panic(err)
	}

	format := spacemap.Format{
		{Name: "id", Type: spacemap.FieldTypeString},
		{Name: "customer", Type: spacemap.FieldTypeString, IsNullable: true},
		{Name: "lines", Type: spacemap.FieldTypeArray, IsNullable: true},
	}

	tuple, err := c.ToTuple(Order{ID: "o-3", Customer: "Hooli"}, format)
	if err != nil {
		panic(err)
	}

	fmt.Println(tuple.Values())
	// Output: [o-3 Hooli <nil>]
}

func ExampleDynamicID() {
	id := spacemap.NewDynamicID().With("sensor", "s-1").With("at", 1700000000000)
	fmt.Println(id, id.Len())
	// Output: {sensor: s-1, at: 1700000000000} 2
}
