// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"unsafe"

	"github.com/gomlx/gotile/backends"
	_ "github.com/gomlx/gotile/backends/default"
	"github.com/gomlx/gotile/graph"
	"github.com/gomlx/gotile/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// TestGraphFn builds a graph with constant inputs, and returns its outputs.
type TestGraphFn func(g *graph.Graph) (outputs []*graph.Node)

var (
	deviceOnce   sync.Once
	cachedDevice backends.Device
)

// BuildTestDevice returns the first device of the backend selected by backends.GOTILE_BACKEND (by default the
// "go" backend). The backend is created once and shared by all tests.
func BuildTestDevice() backends.Device {
	deviceOnce.Do(func() {
		backends.DefaultConfig = "go"
		backend := must.M1(backends.New())
		cachedDevice = must.M1(backends.OpenFirstDevice(backend))
		fmt.Printf("Backend: %s\n", backend.Description())
	})
	return cachedDevice
}

// RunTestGraphFn tests a graph building function graphFn by executing it and comparing its output(s) to the
// values in want, reporting back any errors in t.
//
// Each want value is the flat slice expected for the corresponding output, of the Go type matching its dtype.
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		device := BuildTestDevice()
		g := graph.NewGraph(testName)
		outputs := graphFn(g)
		require.Equalf(t, len(want), len(outputs), "%s: number of wanted results different from number of outputs", testName)

		ports := make([]graph.Port, len(outputs))
		for ii, output := range outputs {
			ports[ii] = graph.Named(fmt.Sprintf("#%d", ii), output)
		}
		program, err := graph.Compile(device, nil, ports)
		require.NoErrorf(t, err, "%s: failed to compile graph", testName)
		defer program.Finalize()
		invoker := graph.NewInvoker(program)
		results := make([]*tensors.Tensor, len(outputs))
		for ii, port := range ports {
			results[ii] = must.M1(tensors.New(device, port.Node.Shape()))
			require.NoError(t, invoker.SetOutput(port.Name, results[ii]))
		}
		require.NoErrorf(t, invoker.Invoke(), "%s: failed to execute graph", testName)

		fmt.Printf("\n%s:\n", testName)
		for ii, result := range results {
			got := flatValues(t, result)
			fmt.Printf("\tOutput %d: %s %v\n", ii, result.Shape(), got.Interface())
			wantValue := reflect.ValueOf(want[ii])
			require.Equalf(t, wantValue.Type(), got.Type(), "%s: output #%d has dtype %s", testName, ii, result.DType())
			if delta <= 0 {
				require.Equalf(t, want[ii], got.Interface(), "%s: output #%d doesn't match wanted value", testName, ii)
				continue
			}
			require.Equalf(t, wantValue.Len(), got.Len(), "%s: output #%d has %d elements", testName, ii, got.Len())
			for jj := range got.Len() {
				require.InDeltaf(t, wantValue.Index(jj).Interface(), got.Index(jj).Interface(), delta,
					"%s: output #%d, element #%d doesn't match", testName, ii, jj)
			}
		}
	})
}

// flatValues returns the contents of the tensor as a flat slice of the Go type of its dtype.
func flatValues(t *testing.T, tensor *tensors.Tensor) reflect.Value {
	goType := tensor.DType().GoType()
	require.NotNilf(t, goType, "graphtest doesn't support dtype %s", tensor.DType())
	data := must.M1(tensors.ToBytes(tensor))
	flat := reflect.MakeSlice(reflect.SliceOf(goType), tensor.Size(), tensor.Size())
	if len(data) > 0 {
		copy(unsafe.Slice((*byte)(flat.UnsafePointer()), len(data)), data)
	}
	return flat
}
