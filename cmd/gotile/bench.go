// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/graph"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/gomlx/gotile/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// benchResult summarizes a benchmark run.
type benchResult struct {
	iterations int
	elapsed    time.Duration
	flops      float64
}

// runBench compiles a float32 [size, size] matrix multiplication, and invokes it iterations times, rebinding
// the output of one invocation as the input of the next. onStep is called after each invocation, if not nil.
func runBench(device backends.Device, size, iterations int, onStep func()) (result benchResult, err error) {
	if size <= 0 || iterations <= 0 {
		return result, errors.Errorf("bench requires positive size and iterations, got size=%d, n=%d", size, iterations)
	}
	shape := shapes.Make(shapes.Float32, size, size)
	g := graph.NewGraph("bench")
	var outputs []graph.Port
	var x, w *graph.Node
	err = tryBuild(func() error {
		x = graph.Placeholder(g, "x", shape)
		w = graph.Placeholder(g, "w", shape)
		outputs = []graph.Port{graph.Named("y", graph.MatMul(x, w))}
		return nil
	})
	if err != nil {
		return
	}
	program, err := graph.Compile(device, []graph.Port{graph.Named("x", x), graph.Named("w", w)}, outputs)
	if err != nil {
		return
	}
	defer program.Finalize()

	// w is the identity divided by 2, so values stay bounded across iterations.
	flat := make([]float32, size*size)
	for ii := range size {
		flat[ii*size+ii] = 0.5
	}
	wT, err := tensors.FromFlat(device, flat, size, size)
	if err != nil {
		return
	}
	defer finalizeTensor(wT)
	for ii := range flat {
		flat[ii] = float32(ii % 7)
	}
	current, err := tensors.FromFlat(device, flat, size, size)
	if err != nil {
		return
	}
	defer finalizeTensor(current)
	next, err := tensors.New(device, shape)
	if err != nil {
		return
	}
	defer finalizeTensor(next)
	invoker := graph.NewInvoker(program)
	if err = invoker.SetInput("w", wT); err != nil {
		return
	}

	start := time.Now()
	for range iterations {
		if err = invoker.SetInput("x", current); err != nil {
			return
		}
		if err = invoker.SetOutput("y", next); err != nil {
			return
		}
		if err = invoker.Invoke(); err != nil {
			return
		}
		current, next = next, current
		if onStep != nil {
			onStep()
		}
	}
	result.iterations = iterations
	result.elapsed = time.Since(start)
	result.flops = 2 * float64(size) * float64(size) * float64(size) * float64(iterations) / result.elapsed.Seconds()
	return
}

// bench runs the benchmark on the first device of the backend with a progress bar, and prints the results.
func bench(backend backends.Backend, size, iterations int) error {
	device, err := backends.OpenFirstDevice(backend)
	if err != nil {
		return err
	}
	bar := progressbar.NewOptions(iterations,
		progressbar.OptionSetDescription(fmt.Sprintf("MatMul [%d, %d]", size, size)),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("invocations"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	result, err := runBench(device, size, iterations, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("bench on %s: %s", device, backend.Description())))
	table := newTable("Metric", "Value")
	table.Row("Invocations", humanize.Comma(int64(result.iterations)))
	table.Row("Matrix size", fmt.Sprintf("%d x %d (%s)", size, size, humanize.Bytes(uint64(4*size*size))))
	table.Row("Total time", result.elapsed.String())
	table.Row("Per invocation", (result.elapsed / time.Duration(result.iterations)).String())
	table.Row("Throughput", humanize.SI(result.flops, "FLOP/s"))
	fmt.Println(table.Render())
	return nil
}
