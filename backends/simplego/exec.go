// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/backends/shapeinference"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compile-time check.
var _ backends.Executable = (*Executable)(nil)

// Executable holds a frozen backends.Computation, already validated and checked against the backend
// capabilities, ready to be executed.
type Executable struct {
	backend     *Backend
	deviceNum   backends.DeviceNum
	computation *backends.Computation
	finalized   atomic.Bool

	// numUses is the number of times each op is used as an operand or as an output.
	// Ops with 0 uses are not needed by the outputs and are skipped.
	numUses []int

	// isOutput marks ops listed in the computation outputs: their results are released only after being copied.
	isOutput []bool

	// constants hold the buffers for the OpTypeConstant ops, owned by the executable.
	constants map[int]*Buffer

	// executionBuffersPool allow for re-use of executionBuffers.
	executionBuffersPool sync.Pool
}

// executionBuffers holds the intermediate results during the execution of the computation.
// One is used per execution of Executable.
type executionBuffers struct {
	// results hold the calculated values at each step. It has the same length as computation.Ops.
	results []*Buffer

	// numUsed hold the number of times each op has been used already. Once they match numUses, the results buffer
	// can be released.
	numUsed []int

	// owned indicates whether the corresponding buffer in results is a temporary owned by the execution.
	owned []bool

	opInputs []*Buffer
}

// nodeExecutor for the given operation type.
//
// It is given the buffers for its inputs, and it returns a new buffer (taken from the backend pool) with
// the results.
type nodeExecutor func(backend *Backend, op *backends.Op, inputs []*Buffer) *Buffer

// nodeExecutors should be populated during initialization (`init` functions) for the ops implemented.
// For the ops not implemented, leave it as nil, and Compile will fail with backends.ErrUnsupported.
var nodeExecutors [backends.OpTypeLast]nodeExecutor

// Compile checks the computation and returns an Executable for the given device.
func (b *Backend) Compile(deviceNum backends.DeviceNum, computation *backends.Computation) (backends.Executable, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	if err := computation.Validate(); err != nil {
		return nil, err
	}
	if err := shapeinference.Check(computation); err != nil {
		return nil, err
	}
	capabilities := b.Capabilities()
	for opIdx, op := range computation.Ops {
		if !capabilities.Operations[op.Type] || (op.Type != backends.OpTypeParameter && op.Type != backends.OpTypeConstant && nodeExecutors[op.Type] == nil) {
			return nil, errors.Wrapf(backends.ErrUnsupported, "backend %q: op #%d %s", BackendName, opIdx, op.Type)
		}
		if !capabilities.DTypes[op.Shape.DType] {
			return nil, errors.Wrapf(backends.ErrUnsupported, "backend %q: op #%d %s with dtype %s",
				BackendName, opIdx, op.Type, op.Shape.DType)
		}
	}

	numOps := len(computation.Ops)
	e := &Executable{
		backend:     b,
		deviceNum:   deviceNum,
		computation: computation,
		numUses:     make([]int, numOps),
		isOutput:    make([]bool, numOps),
		constants:   make(map[int]*Buffer),
		executionBuffersPool: sync.Pool{
			New: func() interface{} {
				return &executionBuffers{
					results: make([]*Buffer, numOps),
					numUsed: make([]int, numOps),
					owned:   make([]bool, numOps),
				}
			},
		},
	}
	for _, opIdx := range computation.Outputs {
		e.isOutput[opIdx] = true
		e.countUses(opIdx)
	}
	var numLiveOps int
	for opIdx, op := range computation.Ops {
		if e.numUses[opIdx] == 0 {
			continue
		}
		numLiveOps++
		if op.Type == backends.OpTypeConstant {
			buf := b.getBuffer(op.Shape)
			buf.deviceNum = deviceNum
			copy(buf.mutableBytes(), op.Data)
			e.constants[opIdx] = buf
		}
	}
	klog.V(1).Infof("backend %q compiled %q for device #%d: %d ops (%d used), %d inputs, %d outputs",
		BackendName, computation.Name, deviceNum, numOps, numLiveOps, len(computation.Parameters), len(computation.Outputs))
	return e, nil
}

// countUses recursively counts how many times an op is used.
func (e *Executable) countUses(opIdx int) {
	e.numUses[opIdx]++
	if e.numUses[opIdx] == 1 {
		// On the first visit, recursively, traverse inputs of the op.
		for _, inputIdx := range e.computation.Ops[opIdx].Inputs {
			e.countUses(inputIdx)
		}
	}
}

// Finalize immediately frees resources associated with the executable.
func (e *Executable) Finalize() {
	if e.finalized.Swap(true) {
		return
	}
	for _, buf := range e.constants {
		e.backend.putBuffer(buf)
	}
	e.constants = nil
}

// DeviceNum returns the device the executable was compiled for.
func (e *Executable) DeviceNum() backends.DeviceNum {
	return e.deviceNum
}

// Inputs returns the list of parameters names and shapes, in order given by the computation Parameters.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	numInputs := len(e.computation.Parameters)
	names = make([]string, numInputs)
	inputShapes = make([]shapes.Shape, numInputs)
	for ii, opIdx := range e.computation.Parameters {
		op := &e.computation.Ops[opIdx]
		names[ii] = op.Name
		inputShapes[ii] = op.Shape
	}
	return
}

// Outputs returns the output shapes of the computation, in order given by the computation Outputs.
func (e *Executable) Outputs() (outputShapes []shapes.Shape) {
	outputShapes = make([]shapes.Shape, len(e.computation.Outputs))
	for ii, opIdx := range e.computation.Outputs {
		outputShapes[ii] = e.computation.Ops[opIdx].Shape
	}
	return outputShapes
}

func (e *Executable) checkBuffers(kind string, buffers []backends.Buffer, opIndices []int) ([]*Buffer, error) {
	if len(buffers) != len(opIndices) {
		return nil, errors.Errorf("Execute(%q): %d %s buffers given, %d expected", e.computation.Name, len(buffers), kind, len(opIndices))
	}
	bufs := make([]*Buffer, len(buffers))
	for ii, backendBuffer := range buffers {
		buf, err := toBuffer("Execute", backendBuffer)
		if err != nil {
			return nil, errors.WithMessagef(err, "Execute(%q): %s #%d", e.computation.Name, kind, ii)
		}
		if buf.deviceNum != e.deviceNum {
			return nil, errors.Wrapf(backends.ErrDeviceMismatch, "Execute(%q): %s #%d is on device #%d, program compiled for device #%d",
				e.computation.Name, kind, ii, buf.deviceNum, e.deviceNum)
		}
		if want := e.computation.Ops[opIndices[ii]].Shape; !buf.shape.Equal(want) {
			return nil, errors.Wrapf(shapes.ErrShapeMismatch, "Execute(%q): %s #%d has shape %s, expected %s",
				e.computation.Name, kind, ii, buf.shape, want)
		}
		bufs[ii] = buf
	}
	return bufs, nil
}

// Execute the computation: read inputs and write the results to outputs.
//
// Kernel failures (panics) are returned as errors wrapping backends.ErrExecution.
func (e *Executable) Execute(inputs []backends.Buffer, outputs []backends.Buffer) (err error) {
	if e.finalized.Load() || e.backend.IsFinalized() {
		return errors.Wrapf(backends.ErrFinalized, "Execute(%q)", e.computation.Name)
	}
	inputBufs, err := e.checkBuffers("input", inputs, e.computation.Parameters)
	if err != nil {
		return err
	}
	outputBufs, err := e.checkBuffers("output", outputs, e.computation.Outputs)
	if err != nil {
		return err
	}

	execBuf := e.executionBuffersPool.Get().(*executionBuffers)
	defer func() {
		// Release any temporary left behind, in case of failures.
		for opIdx, buf := range execBuf.results {
			if buf != nil && execBuf.owned[opIdx] {
				e.backend.putBuffer(buf)
			}
			execBuf.results[opIdx] = nil
			execBuf.owned[opIdx] = false
			execBuf.numUsed[opIdx] = 0
		}
		e.executionBuffersPool.Put(execBuf)
	}()

	for ii, opIdx := range e.computation.Parameters {
		execBuf.results[opIdx] = inputBufs[ii]
	}
	for opIdx, buf := range e.constants {
		execBuf.results[opIdx] = buf
	}

	exception := exceptions.Try(func() {
		e.executeOps(execBuf)
		for ii, opIdx := range e.computation.Outputs {
			copyBuffer(outputBufs[ii], execBuf.results[opIdx])
		}
	})
	if exception != nil {
		if cause, ok := exception.(error); ok {
			return errors.Wrapf(backends.ErrExecution, "Execute(%q): %v", e.computation.Name, cause)
		}
		return errors.Wrapf(backends.ErrExecution, "Execute(%q): %v", e.computation.Name, exception)
	}
	return nil
}

// executeOps runs every used op, in order, releasing temporaries as soon as they are no longer needed.
func (e *Executable) executeOps(execBuf *executionBuffers) {
	ops := e.computation.Ops
	for opIdx := range ops {
		op := &ops[opIdx]
		if e.numUses[opIdx] == 0 || op.Type == backends.OpTypeParameter || op.Type == backends.OpTypeConstant {
			continue
		}
		execBuf.opInputs = execBuf.opInputs[:0]
		for _, inputIdx := range op.Inputs {
			execBuf.opInputs = append(execBuf.opInputs, execBuf.results[inputIdx])
		}
		result := nodeExecutors[op.Type](e.backend, op, execBuf.opInputs)
		result.deviceNum = e.deviceNum
		execBuf.results[opIdx] = result
		execBuf.owned[opIdx] = true

		for _, inputIdx := range op.Inputs {
			execBuf.numUsed[inputIdx]++
			if execBuf.numUsed[inputIdx] == e.numUses[inputIdx] && execBuf.owned[inputIdx] && !e.isOutput[inputIdx] {
				e.backend.putBuffer(execBuf.results[inputIdx])
				execBuf.results[inputIdx] = nil
				execBuf.owned[inputIdx] = false
			}
		}
	}
}
