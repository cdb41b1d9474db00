// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"slices"
	"testing"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/backends/simplego"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T) backends.Device {
	backend := must.M1(backends.NewWithConfig("go:workers=2"))
	t.Cleanup(backend.Finalize)
	return must.M1(backends.OpenFirstDevice(backend))
}

// liveBuffers returns the number of buffers of the device's backend not yet finalized.
func liveBuffers(t *testing.T, device backends.Device) int64 {
	backend, ok := device.Backend.(*simplego.Backend)
	require.True(t, ok, "unexpected backend %T", device.Backend)
	return backend.LiveBuffers()
}

// gradientStepValue is w - 0.1 * d(exp(10 * x·w))/dw for x and w filled with 1/26.
var gradientStepValue = 1.0/26 - 0.1*math.Exp(10.0/26)*10/26

func TestDemos(t *testing.T) {
	device := newDevice(t)
	sum := make([]float64, 200)
	for ii, s := range demoValues(200, 3) {
		sum[ii] = float64(s + demoValues(200, 5)[ii])
	}
	want := map[string][]float64{
		"add":    sum,
		"matmul": {4, 5, 10, 11},
		"custom": slices.Repeat([]float64{gradientStepValue}, 26),
		"grad":   slices.Repeat([]float64{gradientStepValue}, 26),
	}
	wantDType := map[string]shapes.DType{
		"add":    shapes.Float32,
		"matmul": shapes.Float32,
		"custom": shapes.Custom,
		"grad":   shapes.Float32,
	}
	for _, name := range demoNames() {
		t.Run(name, func(t *testing.T) {
			program, results, err := executeDemo(device, name)
			require.NoError(t, err)
			defer program.Finalize()
			require.Len(t, results, 1)
			require.Equal(t, wantDType[name], results[0].shape.DType)
			require.Len(t, results[0].raw, results[0].shape.ByteSize())
			require.InDeltaSlice(t, want[name], results[0].values, 1e-3)
			require.Zero(t, liveBuffers(t, device), "demo %q left tensors behind", name)
		})
	}

	_, _, err := executeDemo(device, "unknown")
	require.Error(t, err)
}

func TestDemoGradient(t *testing.T) {
	device := newDevice(t)
	program, results, err := executeDemo(device, "grad")
	require.NoError(t, err)
	defer program.Finalize()
	require.Len(t, results, 1)
	require.Equal(t, []int{26, 1}, results[0].shape.Dimensions)
	require.InDeltaSlice(t, slices.Repeat([]float64{gradientStepValue}, 26), results[0].values, 1e-5)

	// The custom dtype computes the same step with half precision.
	customProgram, customResults, err := executeDemo(device, "custom")
	require.NoError(t, err)
	defer customProgram.Finalize()
	require.InDeltaSlice(t, results[0].values, customResults[0].values, 1e-3)
	require.InDelta(t, -0.01804, customResults[0].values[0], 2e-4)
}

func TestBench(t *testing.T) {
	device := newDevice(t)
	var steps int
	result, err := runBench(device, 8, 5, func() { steps++ })
	require.NoError(t, err)
	require.Equal(t, 5, steps)
	require.Equal(t, 5, result.iterations)
	require.Positive(t, result.elapsed)
	require.Zero(t, liveBuffers(t, device))

	_, err = runBench(device, 0, 5, nil)
	require.Error(t, err)
	require.Zero(t, liveBuffers(t, device))
}
