// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable backend for gotile.
//
// Devices are simulated: each device is an independent allocation domain in host memory, and programs run on
// the calling goroutine, fanning out work to a bounded number of goroutines for large operations.
//
// Built-in numeric dtypes are computed natively with generics. Float16, BFloat16 and custom dtypes are computed
// in float32 and converted with their Codec, see RegisterCodec.
//
// Configuration (given after "go:" in GOTILE_BACKEND or backends.NewWithConfig) is a comma-separated list of
// key=value pairs:
//
//   - devices=N: number of devices (default 1). Zero is accepted, and yields a backend with no devices.
//   - workers=N: maximum number of goroutines used by one operation (default runtime.NumCPU()).
//     Set to 1 to disable parallelism.
//   - parallel_threshold=N: operations with fewer scalar multiply-adds than this run sequentially (default 16384).
package simplego

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gotile/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOTILE_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the default constructor for "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// DefaultParallelThreshold is the default minimum amount of work of an operation to split it among workers.
const DefaultParallelThreshold = 16 * 1024

// New constructs a new "go" Backend. See package documentation for the configuration options.
func New(config string) (backends.Backend, error) {
	b := newBackend()
	if err := b.parseConfig(config); err != nil {
		return nil, err
	}
	klog.V(1).Infof("backend %q: devices=%d, workers=%d, parallel_threshold=%d",
		BackendName, b.numDevices, b.workers, b.parallelThreshold)
	return b, nil
}

func newBackend() *Backend {
	return &Backend{
		numDevices:        1,
		workers:           runtime.NumCPU(),
		parallelThreshold: DefaultParallelThreshold,
	}
}

func (b *Backend) parseConfig(config string) error {
	config = strings.TrimSpace(config)
	if config == "" {
		return nil
	}
	for _, part := range strings.Split(config, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return errors.Errorf("backend %q: invalid configuration %q, expected key=value", BackendName, part)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return errors.Errorf("backend %q: invalid value for %q: %q must be a non-negative integer", BackendName, key, value)
		}
		switch key {
		case "devices":
			b.numDevices = backends.DeviceNum(n)
		case "workers":
			if n == 0 {
				return errors.Errorf("backend %q: workers must be at least 1", BackendName)
			}
			b.workers = n
		case "parallel_threshold":
			b.parallelThreshold = n
		default:
			return errors.Errorf("backend %q: unknown configuration key %q", BackendName, key)
		}
	}
	return nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	numDevices        backends.DeviceNum
	workers           int
	parallelThreshold int

	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map

	// liveBuffers counts the buffers handed out by NewBuffer and not yet finalized.
	liveBuffers atomic.Int64
	finalized   atomic.Bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implement fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simple Go Portable Backend (%d workers)", b.workers)
}

// NumDevices return the number of devices available for this Backend.
func (b *Backend) NumDevices() backends.DeviceNum {
	return b.numDevices
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	if b.finalized.Swap(true) {
		return
	}
	b.bufferPools.Clear()
	klog.V(1).Infof("backend %q finalized, %d buffers were still alive", BackendName, b.liveBuffers.Load())
}

// LiveBuffers returns the number of buffers allocated with NewBuffer and not yet finalized.
func (b *Backend) LiveBuffers() int64 {
	return b.liveBuffers.Load()
}

// IsFinalized returns true if the backend is finalized.
func (b *Backend) IsFinalized() bool {
	return b.finalized.Load()
}

func (b *Backend) checkDevice(deviceNum backends.DeviceNum) error {
	if b.IsFinalized() {
		return errors.Wrapf(backends.ErrFinalized, "backend %q", BackendName)
	}
	if deviceNum < 0 || deviceNum >= b.numDevices {
		return errors.Errorf("backend %q has %d device(s), invalid device #%d", BackendName, b.numDevices, deviceNum)
	}
	return nil
}
