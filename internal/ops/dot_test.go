package ops

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

func TestDot_SingleValue(t *testing.T) {
	tests := []struct {
		name  string
		dt    tensor.DataType
		width uint32
	}{
		{"bfloat16 one tile", tensor.BFloat16, 32},
		{"float32 partial tiles", tensor.Float32, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2, nil)
			x := ramp(uint64(tt.width), 5)
			y := ramp(uint64(tt.width), 3)
			a := h.upload(t, spec(tt.dt, tensor.Tile, 1, 1, 1, tt.width), x)
			b := h.upload(t, spec(tt.dt, tensor.Tile, 1, 1, 1, tt.width), y)

			out := h.dispatch(t, DotAttrs{}, a, b)
			assert.Equal(t, tensor.Shape{1, 1, 1, 1}, out.Spec().Shape)
			assert.Equal(t, tensor.Tile, out.Spec().Layout)

			x64, y64 := widen(x), widen(y)
			h.checkAllChips(t, []float32{float32(floats.Dot(x64, y64))}, out)
		})
	}
}

func TestDot_Rejects(t *testing.T) {
	h := newHarness(t, 2, nil)
	vec := h.upload(t, spec(tensor.BFloat16, tensor.Tile, 1, 1, 1, 32), ramp(32, 4))
	wide := h.upload(t, spec(tensor.BFloat16, tensor.Tile, 1, 1, 1, 64), ramp(64, 4))
	mat := h.upload(t, spec(tensor.BFloat16, tensor.Tile, 1, 1, 2, 32), ramp(64, 4))
	rm := h.upload(t, spec(tensor.BFloat16, tensor.RowMajor, 1, 1, 1, 32), ramp(32, 4))
	f32 := h.upload(t, spec(tensor.Float32, tensor.Tile, 1, 1, 1, 32), ramp(32, 4))
	ints := h.upload(t, spec(tensor.UInt32, tensor.Tile, 1, 1, 1, 32), make([]float32, 32))

	for name, pair := range map[string][2]*tensor.Tensor{
		"widths":     {vec, wide},
		"not 1-D":    {mat, mat},
		"row major":  {rm, rm},
		"data types": {vec, f32},
		"integers":   {ints, ints},
	} {
		_, err := h.d.Dispatch(context.Background(), DotAttrs{}, TensorArgs{Inputs: pair[:]})
		assert.True(t, errors.Is(err, ErrValidation), "%s: %v", name, err)
	}
}
