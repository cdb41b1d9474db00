// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"time"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/gomlx/gotile/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Invoker binds tensors to the input and output ports of a Program, and executes it.
//
// Bindings persist across invocations, so a program can be invoked repeatedly rebinding only what changes.
// An Invoker is not safe for concurrent use; create one per goroutine.
type Invoker struct {
	program *Program
	inputs  []*tensors.Tensor
	outputs []*tensors.Tensor
}

// NewInvoker creates an Invoker for the program, with no tensors bound.
func NewInvoker(program *Program) *Invoker {
	return &Invoker{
		program: program,
		inputs:  make([]*tensors.Tensor, len(program.inputs)),
		outputs: make([]*tensors.Tensor, len(program.outputs)),
	}
}

// Program being invoked.
func (inv *Invoker) Program() *Program { return inv.program }

// checkTensor verifies t can be bound to a port with the given shape. It doesn't check whether the tensor is
// finalized or in use: that is verified at invocation.
func (inv *Invoker) checkTensor(kind, name string, shape shapes.Shape, t *tensors.Tensor) error {
	if t == nil {
		return errors.Errorf("%s: nil tensor given for %s %q", inv.program, kind, name)
	}
	if !t.Shape().Equal(shape) {
		return errors.Wrapf(shapes.ErrShapeMismatch, "%s: %s bound to %s %q, which requires shape %s",
			inv.program, t, kind, name, shape)
	}
	if t.Device() != inv.program.device {
		return errors.Wrapf(backends.ErrDeviceMismatch, "%s: %s bound to %s %q, program compiled for device %s",
			inv.program, t, kind, name, inv.program.device)
	}
	return nil
}

// SetInput binds the tensor to the named input. The tensor must have the input's exact shape and dtype, and be
// on the program's device. On failure the previous binding is kept.
func (inv *Invoker) SetInput(name string, t *tensors.Tensor) error {
	idx, found := inv.program.inputsByName[name]
	if !found {
		return errors.Wrapf(ErrUnknownPort, "%s has no input %q", inv.program, name)
	}
	if err := inv.checkTensor("input", name, inv.program.inputs[idx].shape, t); err != nil {
		return err
	}
	inv.inputs[idx] = t
	return nil
}

// OutputShape returns the shape of the named output, so the caller can allocate a tensor for it.
func (inv *Invoker) OutputShape(name string) (shapes.Shape, error) {
	return inv.program.OutputShape(name)
}

// SetOutput binds the tensor to the named output, where the result is committed by Invoke. The same rules as
// SetInput apply.
func (inv *Invoker) SetOutput(name string, t *tensors.Tensor) error {
	idx, found := inv.program.outputsByName[name]
	if !found {
		return errors.Wrapf(ErrUnknownPort, "%s has no output %q", inv.program, name)
	}
	if err := inv.checkTensor("output", name, inv.program.outputs[idx].shape, t); err != nil {
		return err
	}
	inv.outputs[idx] = t
	return nil
}

// Invoke executes the program synchronously, reading the bound inputs and committing the results to the bound
// outputs. A tensor may be bound both as input and output.
//
// It fails with ErrUnboundPort if any port has no tensor bound, with tensors.ErrViewAlreadyOpen if a bound tensor
// has a View open, and with backends.ErrExecution if the device fails. On failure, the contents of the output
// tensors are unspecified.
func (inv *Invoker) Invoke() (err error) {
	p := inv.program
	var unbound []string
	for ii, t := range inv.inputs {
		if t == nil {
			unbound = append(unbound, "input "+p.inputs[ii].name)
		}
	}
	for ii, t := range inv.outputs {
		if t == nil {
			unbound = append(unbound, "output "+p.outputs[ii].name)
		}
	}
	if len(unbound) > 0 {
		return errors.Wrapf(ErrUnboundPort, "%s: no tensor bound to %q", p, unbound)
	}

	var start time.Time
	if klog.V(2).Enabled() {
		start = time.Now()
	}

	// Claim all tensors for the duration of the execution.
	var releases []func()
	defer func() {
		for _, release := range releases {
			release()
		}
	}()
	claim := func(t *tensors.Tensor) (backends.Buffer, error) {
		buffer, release, err := t.Claim()
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", p)
		}
		releases = append(releases, release)
		return buffer, nil
	}
	inputBuffers := make([]backends.Buffer, len(inv.inputs))
	for ii, t := range inv.inputs {
		if inputBuffers[ii], err = claim(t); err != nil {
			return err
		}
	}
	outputBuffers := make([]backends.Buffer, len(inv.outputs))
	for ii, t := range inv.outputs {
		if outputBuffers[ii], err = claim(t); err != nil {
			return err
		}
	}

	// Results are written to intermediate buffers, so inputs are not overwritten while still being read.
	backend := p.device.Backend
	results := make([]backends.Buffer, len(outputBuffers))
	defer func() {
		for _, buffer := range results {
			if buffer != nil {
				_ = backend.BufferFinalize(buffer)
			}
		}
	}()
	for ii := range results {
		if results[ii], err = backend.NewBuffer(p.device.Num, p.outputs[ii].shape); err != nil {
			return errors.WithMessagef(err, "%s: allocating output %q", p, p.outputs[ii].name)
		}
	}
	if err = p.executable.Execute(inputBuffers, results); err != nil {
		return errors.WithMessagef(err, "invoking %s", p)
	}
	for ii, buffer := range outputBuffers {
		if err = backend.BufferCopy(buffer, results[ii]); err != nil {
			return errors.WithMessagef(err, "%s: committing output %q", p, p.outputs[ii].name)
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("invoked %s: %d inputs, %d outputs in %s", p, len(inputBuffers), len(outputBuffers), time.Since(start))
	}
	return nil
}
