// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/gotile/backends"
	. "github.com/gomlx/gotile/graph"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/gomlx/gotile/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestCompile_Errors(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("compile_errors")
	x := Placeholder(g, "x", shapes.Make(shapes.Float32, 2))
	y := Placeholder(g, "y", shapes.Make(shapes.Float32, 2))
	sum := Add(x, y)

	_, err := Compile(device, []Port{Named("x", x)}, []Port{Named("sum", sum)})
	require.True(t, errors.Is(err, ErrUnboundPlaceholder))
	require.Contains(t, err.Error(), `"y"`)

	_, err = Compile(device, []Port{Named("x", x), Named("x", y)}, []Port{Named("sum", sum)})
	require.True(t, errors.Is(err, ErrDuplicateName))
	_, err = Compile(device, []Port{Named("x", x), Named("y", y)}, []Port{Named("s", sum), Named("s", x)})
	require.True(t, errors.Is(err, ErrDuplicateName))
	_, err = Compile(device, []Port{Named("x", x), Named("sum", sum)}, []Port{Named("sum", sum)})
	require.Error(t, err, "inputs must be placeholders")
	_, err = Compile(device, nil, nil)
	require.Error(t, err)

	other := NewGraph("other")
	z := Placeholder(other, "z", shapes.Make(shapes.Float32, 2))
	_, err = Compile(device, []Port{Named("z", z)}, []Port{Named("sum", sum)})
	require.Error(t, err)

	// Unreachable inputs are accepted.
	program, err := Compile(device, []Port{Named("x", x), Named("y", y), Named("z", Placeholder(g, "z", x.Shape()))},
		[]Port{Named("sum", sum)})
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y", "z"}, program.InputNames())
	require.Equal(t, []string{"sum"}, program.OutputNames())
	program.Finalize()
}

func TestCompile_Unsupported(t *testing.T) {
	device := newDevice(t, "go")
	opaque := must.M1(shapes.RegisterCustom("graph_test_opaque", 2))
	g := NewGraph("unsupported")
	x := Placeholder(g, "x", shapes.Make(shapes.Float32, 2))
	_, err := Compile(device, []Port{Named("x", x)}, []Port{Named("y", ConvertDType(x, opaque))})
	require.True(t, errors.Is(err, backends.ErrUnsupported))
}

func TestCompile_Listing(t *testing.T) {
	device := newDevice(t, "go")
	dumpDir := t.TempDir()
	g := NewGraph("listing")
	a := Placeholder(g, "a", shapes.Make(shapes.Float32, 2, 3))
	b := Placeholder(g, "b", shapes.Make(shapes.Float32, 3, 4))
	_ = Exp(a) // Not used by the outputs, not in the program.
	program, err := Compile(device, []Port{Named("a", a), Named("b", b)}, []Port{Named("c", MatMul(a, b))},
		WithName("matmul"), WithDumpDir(dumpDir))
	require.NoError(t, err)
	defer program.Finalize()

	listing := program.Listing()
	require.Contains(t, listing, `Parameter "a"`)
	require.Contains(t, listing, "MatMul %0, %1")
	require.NotContains(t, listing, "Exp")
	require.True(t, strings.HasPrefix(listing, "   1: "))

	contents, err := os.ReadFile(filepath.Join(dumpDir, "matmul-"+program.ID().String()+".txt"))
	require.NoError(t, err)
	require.Equal(t, listing, string(contents))

	shape, err := program.OutputShape("c")
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, shape.Dimensions)
	_, err = program.InputShape("c")
	require.True(t, errors.Is(err, ErrUnknownPort))
	require.Equal(t, "matmul", program.Name())
	require.Equal(t, device, program.Device())
}

// decodeCustom decodes the half-precision values stored in the low 2 bytes of each 4-byte custom element.
func decodeCustom(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for ii := range values {
		values[ii] = float16.Frombits(binary.LittleEndian.Uint16(data[4*ii:])).Float32()
	}
	return values
}

func TestInvoke_CustomMatMul(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("custom")
	a := DivScalar(AddScalar(Ones(g, shapes.Make(shapes.Float32, 1, 26)), 1), 52)
	b := DivScalar(AddScalar(Ones(g, shapes.Make(shapes.Float32, 26, 1)), 1), 52)
	c := MatMul(ConvertDType(a, shapes.Custom), ConvertDType(b, shapes.Custom))
	program, err := Compile(device, nil, []Port{Named("C", c)})
	require.NoError(t, err)
	defer program.Finalize()

	invoker := NewInvoker(program)
	shape := must.M1(invoker.OutputShape("C"))
	require.True(t, shape.Equal(shapes.Make(shapes.Custom, 1, 1)))
	output := must.M1(tensors.New(device, shape))
	require.NoError(t, invoker.SetOutput("C", output))

	require.NoError(t, invoker.Invoke())
	first := must.M1(tensors.ToBytes(output))
	require.NoError(t, invoker.Invoke())
	second := must.M1(tensors.ToBytes(output))
	require.Equal(t, first, second)
	require.Len(t, first, 4)
	require.Equal(t, []byte{0, 0}, first[2:], "upper bytes of the custom slot must be zero")
	require.InDelta(t, 1.0/26, decodeCustom(first)[0], 1e-3)
}

// writeFlat writes the values to the tensor through a discard view.
func writeFlat[T shapes.Supported](t *testing.T, tensor *tensors.Tensor, values []T) {
	require.NoError(t, tensors.WithDiscard(tensor, func(v *tensors.View) error {
		if err := tensors.CopyFlatToView(v, values); err != nil {
			return err
		}
		return v.Writeback()
	}))
}

func TestInvoke_CustomAddBoundInputs(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("add")
	shape := shapes.Make(shapes.Float32, 2, 3)
	s := Placeholder(g, "S", shape)
	tt := Placeholder(g, "T", shape)
	r := ConvertDType(Add(ConvertDType(s, shapes.Custom), ConvertDType(tt, shapes.Custom)), shapes.Float32)
	program := must.M1(Compile(device, []Port{Named("T", tt), Named("S", s)}, []Port{Named("R", r)}))
	defer program.Finalize()

	sT := must.M1(tensors.New(device, shape))
	defer func() { require.NoError(t, sT.Finalize()) }()
	writeFlat(t, sT, []float32{1.0 / 52, 2.0 / 52, 1.5 / 52, 1, 2, 3})
	tT := must.M1(tensors.New(device, shape))
	defer func() { require.NoError(t, tT.Finalize()) }()
	writeFlat(t, tT, []float32{2.0 / 52, 1.0 / 52, 1.5 / 52, 0.5, 0.25, -3})
	rT := must.M1(tensors.New(device, must.M1(program.OutputShape("R"))))
	defer func() { require.NoError(t, rT.Finalize()) }()

	invoker := NewInvoker(program)
	require.NoError(t, invoker.SetInput("S", sT))
	require.NoError(t, invoker.SetInput("T", tT))
	require.NoError(t, invoker.SetOutput("R", rT))
	require.NoError(t, invoker.Invoke())
	require.Equal(t, shapes.Float32, rT.DType())
	require.InDeltaSlice(t, []float32{3.0 / 52, 3.0 / 52, 3.0 / 52, 1.5, 2.25, 0}, must.M1(tensors.ToFlat[float32](rT)), 1e-3)
}

func TestInvoke_CustomGradientBoundInputs(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("custom")
	x := Placeholder(g, "X", shapes.Make(shapes.Float32, 1, 26))
	w := Placeholder(g, "W", shapes.Make(shapes.Float32, 26, 1))
	u := ConvertDType(x, shapes.Custom)
	v := ConvertDType(w, shapes.Custom)
	e := Exp(MulScalar(MatMul(u, v), 10))
	grad := Gradient(e, v)[0]
	require.Equal(t, shapes.Custom, grad.DType())
	o := Sub(v, MulScalar(grad, 0.1))
	program := must.M1(Compile(device, []Port{Named("W", w), Named("X", x)}, []Port{Named("O", o)}))
	defer program.Finalize()

	values := make([]float32, 26)
	for ii := range values {
		values[ii] = (1 + 1) / 52.0
	}
	a := must.M1(tensors.New(device, x.Shape()))
	defer func() { require.NoError(t, a.Finalize()) }()
	writeFlat(t, a, values)
	b := must.M1(tensors.New(device, w.Shape()))
	defer func() { require.NoError(t, b.Finalize()) }()
	writeFlat(t, b, values)

	invoker := NewInvoker(program)
	require.NoError(t, invoker.SetInput("X", a))
	require.NoError(t, invoker.SetInput("W", b))
	shape := must.M1(invoker.OutputShape("O"))
	require.True(t, shape.Equal(shapes.Make(shapes.Custom, 26, 1)))
	d := must.M1(tensors.New(device, shape))
	defer func() { require.NoError(t, d.Finalize()) }()
	require.NoError(t, invoker.SetOutput("O", d))
	require.NoError(t, invoker.Invoke())

	var data []byte
	require.NoError(t, tensors.WithCurrent(d, func(view *tensors.View) error {
		data = slices.Clone(view.Bytes())
		return nil
	}))
	want := 1.0/26 - 0.1*math.Exp(10.0/26)*10/26
	for _, value := range decodeCustom(data) {
		require.InDelta(t, want, value, 2e-4)
	}
}

func TestInvoke_Bindings(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("bindings")
	x := Placeholder(g, "x", shapes.Make(shapes.Int32, 3))
	program := must.M1(Compile(device, []Port{Named("x", x)}, []Port{Named("y", MulScalar(x, 2))}))
	defer program.Finalize()
	invoker := NewInvoker(program)

	xT := must.M1(tensors.FromFlat(device, []int32{1, 2, 3}, 3))
	yT := must.M1(tensors.New(device, shapes.Make(shapes.Int32, 3)))
	require.True(t, errors.Is(invoker.Invoke(), ErrUnboundPort))
	require.NoError(t, invoker.SetInput("x", xT))
	err := invoker.Invoke()
	require.True(t, errors.Is(err, ErrUnboundPort))
	require.Contains(t, err.Error(), "output y")

	require.True(t, errors.Is(invoker.SetOutput("z", yT), ErrUnknownPort))
	_, err = invoker.OutputShape("z")
	require.True(t, errors.Is(err, ErrUnknownPort))
	require.NoError(t, invoker.SetOutput("y", yT))
	require.NoError(t, invoker.Invoke())
	require.Equal(t, []int32{2, 4, 6}, must.M1(tensors.ToFlat[int32](yT)))

	// Failed bindings keep the previous binding.
	wrongDims := must.M1(tensors.New(device, shapes.Make(shapes.Int32, 4)))
	require.True(t, errors.Is(invoker.SetInput("x", wrongDims), shapes.ErrShapeMismatch))
	wrongDType := must.M1(tensors.New(device, shapes.Make(shapes.Float32, 3)))
	require.True(t, errors.Is(invoker.SetInput("x", wrongDType), shapes.ErrShapeMismatch))
	otherBackend := must.M1(backends.NewWithConfig("go:devices=2"))
	defer otherBackend.Finalize()
	otherDevice := backends.Devices(otherBackend)[1]
	remote := must.M1(tensors.New(otherDevice, shapes.Make(shapes.Int32, 3)))
	require.True(t, errors.Is(invoker.SetInput("x", remote), backends.ErrDeviceMismatch))
	require.True(t, errors.Is(invoker.SetOutput("y", remote), backends.ErrDeviceMismatch))

	// Rebinding needs no recompilation.
	xT2 := must.M1(tensors.FromFlat(device, []int32{-1, 0, 1}, 3))
	require.NoError(t, invoker.SetInput("x", xT2))
	require.NoError(t, invoker.Invoke())
	require.Equal(t, []int32{-2, 0, 2}, must.M1(tensors.ToFlat[int32](yT)))
}

func TestInvoke_Views(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("views")
	x := Placeholder(g, "x", shapes.Make(shapes.Float32, 2))
	program := must.M1(Compile(device, []Port{Named("x", x)}, []Port{Named("y", AddScalar(x, 1))}))
	defer program.Finalize()
	invoker := NewInvoker(program)

	// The same tensor bound as input and output.
	xT := must.M1(tensors.FromFlat(device, []float32{1, 2}, 2))
	require.NoError(t, invoker.SetInput("x", xT))
	require.NoError(t, invoker.SetOutput("y", xT))
	require.NoError(t, invoker.Invoke())
	require.NoError(t, invoker.Invoke())
	require.Equal(t, []float32{3, 4}, must.M1(tensors.ToFlat[float32](xT)))

	// A tensor with an open view can't be used, and is released on failure.
	v := must.M1(xT.OpenCurrent())
	require.True(t, errors.Is(invoker.Invoke(), tensors.ErrViewAlreadyOpen))
	v.Close()
	yT := must.M1(tensors.New(device, x.Shape()))
	require.NoError(t, invoker.SetOutput("y", yT))
	v = must.M1(yT.OpenDiscard())
	require.True(t, errors.Is(invoker.Invoke(), tensors.ErrViewAlreadyOpen))
	v.Close()
	require.NoError(t, invoker.Invoke())
	require.Equal(t, []float32{4, 5}, must.M1(tensors.ToFlat[float32](yT)))
	require.NoError(t, xT.Finalize(), "claims must be released after invocation")

	// Finalized tensors and programs.
	require.True(t, errors.Is(invoker.Invoke(), backends.ErrFinalized))
	require.NoError(t, invoker.SetInput("x", must.M1(tensors.FromFlat(device, []float32{0, 0}, 2))))
	require.NoError(t, invoker.Invoke())
	program.Finalize()
	require.True(t, errors.Is(invoker.Invoke(), backends.ErrFinalized))
}

func TestInvoke_ExecutionError(t *testing.T) {
	device := newDevice(t, "go")
	g := NewGraph("division")
	x := Placeholder(g, "x", shapes.Make(shapes.Int64, 2))
	y := Placeholder(g, "y", shapes.Make(shapes.Int64, 2))
	program := must.M1(Compile(device, []Port{Named("x", x), Named("y", y)}, []Port{Named("q", Div(x, y))}))
	defer program.Finalize()
	invoker := NewInvoker(program)
	require.NoError(t, invoker.SetInput("x", must.M1(tensors.FromFlat(device, []int64{1, 2}, 2))))
	require.NoError(t, invoker.SetInput("y", must.M1(tensors.FromFlat(device, []int64{1, 0}, 2))))
	output := must.M1(tensors.New(device, shapes.Make(shapes.Int64, 2)))
	require.NoError(t, invoker.SetOutput("q", output))
	require.True(t, errors.Is(invoker.Invoke(), backends.ErrExecution))

	// The output is released even after a failure.
	require.NoError(t, output.Finalize())
}
