// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/graph"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/gomlx/gotile/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// demo builds a graph, and returns its inputs with the host values to feed them, and its outputs.
type demo struct {
	description string
	build       func(g *graph.Graph) (inputs []graph.Port, values [][]float32, outputs []graph.Port)
}

var demos = map[string]demo{
	"add": {
		description: "element-wise sum of two [10, 20] float32 inputs, computed in the custom dtype",
		build: func(g *graph.Graph) (inputs []graph.Port, values [][]float32, outputs []graph.Port) {
			shape := shapes.Make(shapes.Float32, 10, 20)
			s := graph.Placeholder(g, "S", shape)
			t := graph.Placeholder(g, "T", shape)
			sum := graph.Add(graph.ConvertDType(s, shapes.Custom), graph.ConvertDType(t, shapes.Custom))
			inputs = []graph.Port{graph.Named("T", t), graph.Named("S", s)}
			values = [][]float32{demoValues(shape.Size(), 3), demoValues(shape.Size(), 5)}
			outputs = []graph.Port{graph.Named("R", graph.ConvertDType(sum, shapes.Float32))}
			return
		},
	},
	"matmul": {
		description: "matrix multiplication [2, 3] x [3, 2]",
		build: func(g *graph.Graph) (inputs []graph.Port, values [][]float32, outputs []graph.Port) {
			a := graph.Placeholder(g, "A", shapes.Make(shapes.Float32, 2, 3))
			b := graph.Placeholder(g, "B", shapes.Make(shapes.Float32, 3, 2))
			inputs = []graph.Port{graph.Named("A", a), graph.Named("B", b)}
			values = [][]float32{{1, 2, 3, 4, 5, 6}, {1, 0, 0, 1, 1, 1}}
			outputs = []graph.Port{graph.Named("C", graph.MatMul(a, b))}
			return
		},
	},
	"custom": {
		description: "one gradient descent step of exp(10 * x·w) with respect to w, in the custom dtype",
		build: func(g *graph.Graph) (inputs []graph.Port, values [][]float32, outputs []graph.Port) {
			return gradientStep(g, shapes.Custom)
		},
	},
	"grad": {
		description: "the custom demo computed in float32, for comparison",
		build: func(g *graph.Graph) (inputs []graph.Port, values [][]float32, outputs []graph.Port) {
			return gradientStep(g, shapes.Float32)
		},
	},
}

// gradientStep takes x [1, 26] and w [26, 1] as float32 inputs, both fed with (1+1)/52, converts them to dtype
// and returns w - 0.1 * d(exp(10 * x·w))/dw.
func gradientStep(g *graph.Graph, dtype shapes.DType) (inputs []graph.Port, values [][]float32, outputs []graph.Port) {
	x := graph.Placeholder(g, "X", shapes.Make(shapes.Float32, 1, 26))
	w := graph.Placeholder(g, "W", shapes.Make(shapes.Float32, 26, 1))
	u := graph.ConvertDType(x, dtype)
	v := graph.ConvertDType(w, dtype)
	e := graph.Exp(graph.MulScalar(graph.MatMul(u, v), 10))
	grad := graph.Gradient(e, v)[0]
	inputs = []graph.Port{graph.Named("W", w), graph.Named("X", x)}
	values = [][]float32{slices.Repeat([]float32{2.0 / 52}, 26), slices.Repeat([]float32{2.0 / 52}, 26)}
	outputs = []graph.Port{graph.Named("O", graph.Sub(v, graph.MulScalar(grad, 0.1)))}
	return
}

// demoValues returns n deterministic values in [1/52, 2/52).
func demoValues(n, seed int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = (1 + float32((ii*seed)%97)/97) / 52
	}
	return values
}

// tryBuild runs the graph building function, converting panics with an error to a returned error.
func tryBuild(fn func() error) (err error) {
	exception := exceptions.TryCatch[error](func() { err = fn() })
	if exception != nil {
		return exception
	}
	return err
}

func demoNames() []string {
	return slices.Sorted(maps.Keys(demos))
}

// feedInput allocates a tensor with the input's shape and writes the values to it through a discard view.
func feedInput(device backends.Device, shape shapes.Shape, values []float32) (*tensors.Tensor, error) {
	t, err := tensors.New(device, shape)
	if err != nil {
		return nil, err
	}
	err = tensors.WithDiscard(t, func(v *tensors.View) error {
		if err := tensors.CopyFlatToView(v, values); err != nil {
			return err
		}
		return v.Writeback()
	})
	if err != nil {
		finalizeTensor(t)
		return nil, err
	}
	return t, nil
}

// finalizeTensor releases the tensor, logging failures.
func finalizeTensor(t *tensors.Tensor) {
	if err := t.Finalize(); err != nil {
		klog.Warningf("failed to finalize %s: %v", t, err)
	}
}

// demoResult holds one output of a demo invocation.
type demoResult struct {
	name   string
	shape  shapes.Shape
	values []float64
	raw    []byte
}

// executeDemo compiles and invokes the demo. Each output is also converted to Float64 in the program,
// so its values can be displayed whatever its dtype.
func executeDemo(device backends.Device, name string) (program *graph.Program, results []demoResult, err error) {
	d, found := demos[name]
	if !found {
		return nil, nil, errors.Errorf("unknown demo %q, valid demos are %q", name, demoNames())
	}
	g := graph.NewGraph(name)
	var inputs, outputs []graph.Port
	var values [][]float32
	err = tryBuild(func() error {
		inputs, values, outputs = d.build(g)
		for _, port := range slices.Clone(outputs) {
			outputs = append(outputs, graph.Named(port.Name+":f64", graph.ConvertDType(port.Node, shapes.Float64)))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	program, err = graph.Compile(device, inputs, outputs)
	if err != nil {
		return nil, nil, err
	}
	invoker := graph.NewInvoker(program)
	for ii, port := range inputs {
		input, err := feedInput(device, port.Node.Shape(), values[ii])
		if err != nil {
			return program, nil, err
		}
		defer finalizeTensor(input)
		if err = invoker.SetInput(port.Name, input); err != nil {
			return program, nil, err
		}
	}
	outputTensors := make([]*tensors.Tensor, len(outputs))
	for ii, port := range outputs {
		shape, err := invoker.OutputShape(port.Name)
		if err != nil {
			return program, nil, err
		}
		if outputTensors[ii], err = tensors.New(device, shape); err != nil {
			return program, nil, err
		}
		defer finalizeTensor(outputTensors[ii])
		if err = invoker.SetOutput(port.Name, outputTensors[ii]); err != nil {
			return program, nil, err
		}
	}
	if err = invoker.Invoke(); err != nil {
		return program, nil, err
	}

	numResults := len(outputs) / 2
	for ii := range numResults {
		result := demoResult{name: outputs[ii].Name, shape: outputTensors[ii].Shape()}
		if result.raw, err = tensors.ToBytes(outputTensors[ii]); err != nil {
			return program, nil, err
		}
		if result.values, err = tensors.ToFlat[float64](outputTensors[numResults+ii]); err != nil {
			return program, nil, err
		}
		results = append(results, result)
	}
	return program, results, nil
}

// runDemo executes the demo and prints its results.
func runDemo(backend backends.Backend, name string) error {
	device, err := backends.OpenFirstDevice(backend)
	if err != nil {
		return err
	}
	program, results, err := executeDemo(device, name)
	if program != nil {
		defer program.Finalize()
	}
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s: %s (on %s)", name, demos[name].description, device)))
	if *flagListing {
		fmt.Println(program.Listing())
	}
	table := newTable("Output", "Shape", "Values", "Bytes")
	for _, result := range results {
		raw := result.raw
		suffix := ""
		if len(raw) > 16 {
			raw, suffix = raw[:16], " …"
		}
		table.Row(result.name, result.shape.String(), formatValues(result.values), fmt.Sprintf("% x%s", raw, suffix))
	}
	fmt.Println(table.Render())
	return nil
}

func formatValues(values []float64) string {
	const maxValues = 6
	if len(values) > maxValues {
		return fmt.Sprintf("%.6g … (%d values)", values[:maxValues], len(values))
	}
	return fmt.Sprintf("%.6g", values)
}
