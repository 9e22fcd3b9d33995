// Package kernels holds the stateless per-element transforms compute kernels
// apply to pages of decoded values.
package kernels

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Op names a transform.
type Op uint8

const (
	Exp Op = iota + 1
	Tanh
	Gelu
	Relu
	Sigmoid
	Neg
	// Softmax normalizes a whole row. It needs pages that hold complete
	// rows, which only row-major tensors have.
	Softmax
)

type entry struct {
	name    string
	rowWise bool
	apply   func(vals []float32)
}

var table = map[Op]entry{
	Exp:     {name: "exp", apply: elementwise(ExpFast)},
	Tanh:    {name: "tanh", apply: elementwise(TanhFast)},
	Gelu:    {name: "gelu", apply: elementwise(GeluFast)},
	Relu:    {name: "relu", apply: relu},
	Sigmoid: {name: "sigmoid", apply: elementwise(SigmoidFast)},
	Neg:     {name: "neg", apply: neg},
	Softmax: {name: "softmax", rowWise: true, apply: softmax},
}

// Lookup finds an op by name.
func Lookup(name string) (Op, bool) {
	for op, e := range table {
		if e.name == name {
			return op, true
		}
	}
	return 0, false
}

// Names lists every op name.
func Names() []string {
	out := make([]string, 0, len(table))
	for op := Exp; op <= Softmax; op++ {
		out = append(out, table[op].name)
	}
	return out
}

func (o Op) String() string {
	if e, ok := table[o]; ok {
		return e.name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid reports whether o is a known op.
func (o Op) Valid() bool {
	_, ok := table[o]
	return ok
}

// RowWise reports whether the op reads across a whole row.
func (o Op) RowWise() bool {
	return table[o].rowWise
}

// Apply transforms vals in place.
func (o Op) Apply(vals []float32) {
	e, ok := table[o]
	if !ok {
		panic(fmt.Sprintf("kernels: unknown op %d", uint8(o)))
	}
	e.apply(vals)
}

func elementwise(f func(float64) float64) func([]float32) {
	return func(vals []float32) {
		for i, v := range vals {
			vals[i] = float32(f(float64(v)))
		}
	}
}

func relu(vals []float32) {
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
	}
}

func neg(vals []float32) {
	for i, v := range vals {
		vals[i] = -v
	}
}

func softmax(vals []float32) {
	if len(vals) == 0 {
		return
	}
	row := make([]float64, len(vals))
	for i, v := range vals {
		row[i] = float64(v)
	}
	floats.AddConst(-floats.Max(row), row)
	for i, v := range row {
		row[i] = ExpFast(v)
	}
	floats.Scale(1/floats.Sum(row), row)
	for i, v := range row {
		vals[i] = float32(v)
	}
}
