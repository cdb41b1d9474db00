// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/backends"
	_ "github.com/gomlx/gotile/backends/simplego"
	. "github.com/gomlx/gotile/graph"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/gomlx/gotile/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T, config string) backends.Device {
	backend, err := backends.NewWithConfig(config)
	require.NoError(t, err)
	t.Cleanup(backend.Finalize)
	return must.M1(backends.OpenFirstDevice(backend))
}

// run compiles the graph, binds the input tensors, allocates the outputs and invokes the program once.
func run(t *testing.T, device backends.Device, inputs []Port, outputs []Port, values ...*tensors.Tensor) []*tensors.Tensor {
	program, err := Compile(device, inputs, outputs)
	require.NoError(t, err)
	defer program.Finalize()
	invoker := NewInvoker(program)
	for ii, port := range inputs {
		require.NoError(t, invoker.SetInput(port.Name, values[ii]))
	}
	results := make([]*tensors.Tensor, len(outputs))
	for ii, port := range outputs {
		results[ii] = must.M1(tensors.New(device, must.M1(invoker.OutputShape(port.Name))))
		require.NoError(t, invoker.SetOutput(port.Name, results[ii]))
	}
	require.NoError(t, invoker.Invoke())
	return results
}

func TestPlaceholder(t *testing.T) {
	g := NewGraph("placeholders")
	x := Placeholder(g, "x", shapes.Make(shapes.Float32, 2))
	require.True(t, x.IsPlaceholder())
	require.Equal(t, "x", x.Name())
	require.Same(t, x, g.PlaceholderByName("x"))

	err := exceptions.TryCatch[error](func() { Placeholder(g, "x", shapes.Make(shapes.Int32)) })
	require.True(t, errors.Is(err, ErrDuplicateName))
	err = exceptions.TryCatch[error](func() { Placeholder(g, "y", shapes.Make(shapes.Float32, -1)) })
	require.True(t, errors.Is(err, shapes.ErrInvalidShape))
	require.Len(t, g.Placeholders(), 1)
	require.Equal(t, 1, g.NumNodes())
}

func TestShapeInference(t *testing.T) {
	g := NewGraph("shapes")
	a := Placeholder(g, "a", shapes.Make(shapes.Float32, 3, 4))
	b := Placeholder(g, "b", shapes.Make(shapes.Float32, 4, 5))
	require.Equal(t, []int{3, 5}, MatMul(a, b).Shape().Dimensions)
	require.Equal(t, []int{4, 3}, Transpose(a).Shape().Dimensions)
	require.True(t, ReduceSum(a).Shape().IsScalar())
	require.Equal(t, shapes.Custom, ConvertDType(a, shapes.Custom).DType())
	require.Same(t, a, ConvertDType(a, shapes.Float32))
	require.Equal(t, []int{3, 4}, MulScalar(a, 2).Shape().Dimensions)

	numNodes := g.NumNodes()
	err := exceptions.TryCatch[error](func() { MatMul(a, a) })
	require.True(t, errors.Is(err, shapes.ErrShapeMismatch))
	err = exceptions.TryCatch[error](func() { Add(a, b) })
	require.True(t, errors.Is(err, shapes.ErrShapeMismatch))
	err = exceptions.TryCatch[error](func() { Add(a, ConvertDType(a, shapes.Float64)) })
	require.True(t, errors.Is(err, shapes.ErrTypeMismatch))
	numNodes++ // The ConvertDType above is valid and stays in the graph.
	err = exceptions.TryCatch[error](func() { Exp(Placeholder(g, "i", shapes.Make(shapes.Int32))) })
	require.True(t, errors.Is(err, shapes.ErrTypeMismatch))
	numNodes++ // The placeholder "i".
	require.Equal(t, numNodes, g.NumNodes(), "invalid nodes must not be added to the graph")

	other := NewGraph("other")
	c := Placeholder(other, "c", shapes.Make(shapes.Float32, 3, 4))
	require.Panics(t, func() { Add(a, c) })
}

func TestScalarCache(t *testing.T) {
	g := NewGraph("scalars")
	one := Scalar(g, shapes.Float32, 1)
	require.Same(t, one, Scalar(g, shapes.Float32, 1))
	require.NotSame(t, one, Scalar(g, shapes.Float64, 1))
	custom := Scalar(g, shapes.Custom, 1)
	require.Equal(t, backends.OpTypeConvertDType, custom.Type())
	require.Same(t, custom, Scalar(g, shapes.Custom, 1))
}

func TestConstants(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("constants")
	results := run(t, device, nil, []Port{
		Named("const", Const(g, []int32{1, 2, 3, 4}, 2, 2)),
		Named("ones", Ones(g, shapes.Make(shapes.Float64, 3))),
		Named("zeros", Zeros(g, shapes.Make(shapes.Uint8, 2))),
		Named("half", AddScalar(Ones(g, shapes.Make(shapes.Float16, 2)), 1)),
	})
	require.Equal(t, []int32{1, 2, 3, 4}, must.M1(tensors.ToFlat[int32](results[0])))
	require.Equal(t, []float64{1, 1, 1}, must.M1(tensors.ToFlat[float64](results[1])))
	require.Equal(t, []uint8{0, 0}, must.M1(tensors.ToFlat[uint8](results[2])))
	require.Equal(t, []byte{0x00, 0x40, 0x00, 0x40}, must.M1(tensors.ToBytes(results[3]))) // 2.0 as float16.

	err := exceptions.TryCatch[error](func() { Const(g, []float32{1, 2, 3}, 2, 2) })
	require.True(t, errors.Is(err, shapes.ErrShapeMismatch))
}

func TestGradient_MatMulExp(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("gradient")
	a := DivScalar(AddScalar(Ones(g, shapes.Make(shapes.Float32, 1, 26)), 1), 52)
	b := DivScalar(AddScalar(Ones(g, shapes.Make(shapes.Float32, 26, 1)), 1), 52)
	y := Exp(MulScalar(MatMul(a, b), 10))
	grads := Gradient(y, b)
	require.Len(t, grads, 1)
	require.True(t, grads[0].Shape().Equal(b.Shape()))
	newB := Sub(b, MulScalar(grads[0], 0.1))

	results := run(t, device, nil, []Port{Named("new_b", newB)})
	got := must.M1(tensors.ToFlat[float32](results[0]))
	require.Len(t, got, 26)
	want := 1.0/26 - 0.1*math.Exp(10.0/26)*10/26
	for _, v := range got {
		require.InDelta(t, want, v, 1e-4)
	}
}

func TestGradient_Rules(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("rules")
	x := Placeholder(g, "x", shapes.Make(shapes.Float32, 2))
	y := Placeholder(g, "y", shapes.Make(shapes.Float32))
	z := Placeholder(g, "z", shapes.Make(shapes.Float32, 3))

	// f = sum(x*x/y) + sum(log(x)) + sum(x - (-x))
	f := Add(ReduceSum(Div(Mul(x, x), y)), ReduceSum(Log(x)))
	f = Add(f, ReduceSum(Sub(x, Neg(x))))
	grads := Gradient(f, x, y, z)

	xT := must.M1(tensors.FromFlat(device, []float32{1, 2}, 2))
	yT := must.M1(tensors.FromFlat(device, []float32{2}))
	zT := must.M1(tensors.FromFlat(device, []float32{1, 2, 3}, 3))
	inputs := []Port{Named("x", x), Named("y", y), Named("z", z)}
	results := run(t, device, inputs, []Port{Named("dx", grads[0]), Named("dy", grads[1]), Named("dz", grads[2])},
		xT, yT, zT)
	// dx = 2x/y + 1/x + 2, dy = -sum(x²)/y², z doesn't influence f.
	require.InDeltaSlice(t, []float32{4, 4.5}, must.M1(tensors.ToFlat[float32](results[0])), 1e-5)
	require.InDeltaSlice(t, []float32{-1.25}, must.M1(tensors.ToFlat[float32](results[1])), 1e-5)
	require.Equal(t, []float32{0, 0, 0}, must.M1(tensors.ToFlat[float32](results[2])))
}

func TestGradient_NonScalarSeed(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("seed")
	w := Placeholder(g, "w", shapes.Make(shapes.Float64, 2, 2))
	v := Placeholder(g, "v", shapes.Make(shapes.Int32, 2, 1))
	out := MatMul(Transpose(w), ConvertDType(v, shapes.Float64))
	grads := Gradient(out, w)

	wT := must.M1(tensors.FromFlat(device, []float64{1, 2, 3, 4}, 2, 2))
	vT := must.M1(tensors.FromFlat(device, []int32{5, 7}, 2, 1))
	results := run(t, device, []Port{Named("w", w), Named("v", v)}, []Port{Named("dw", grads[0])}, wT, vT)
	// d(sum(wᵀ·v))/dw[i][j] = v[i].
	require.Equal(t, []float64{5, 5, 7, 7}, must.M1(tensors.ToFlat[float64](results[0])))
}

func TestGradient_NotDifferentiable(t *testing.T) {
	g := NewGraph("not_differentiable")
	x := Placeholder(g, "x", shapes.Make(shapes.Float32, 2))
	i := Placeholder(g, "i", shapes.Make(shapes.Int32, 2))

	err := exceptions.TryCatch[error](func() { Gradient(ReduceSum(Mul(Floor(x), x)), x) })
	require.True(t, errors.Is(err, ErrNotDifferentiable))
	err = exceptions.TryCatch[error](func() { Gradient(ReduceSum(Sign(x)), x) })
	require.True(t, errors.Is(err, ErrNotDifferentiable))
	err = exceptions.TryCatch[error](func() { Gradient(ReduceSum(x), i) })
	require.True(t, errors.Is(err, ErrNotDifferentiable))
	err = exceptions.TryCatch[error](func() {
		Gradient(ConvertDType(ReduceSum(ConvertDType(x, shapes.Int32)), shapes.Float32), x)
	})
	require.True(t, errors.Is(err, ErrNotDifferentiable))

	// Floor off the path to x is fine.
	err = exceptions.TryCatch[error](func() { Gradient(Add(ReduceSum(x), ReduceSum(Floor(Ones(g, x.Shape())))), x) })
	require.NoError(t, err)
}
