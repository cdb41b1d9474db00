// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a device-resident multi-dimensional array, and the `View` used to
// access its contents from the host.
//
// A Tensor is allocated on one backends.Device, with a fixed shape, and its memory is only reachable from
// the host through a View:
//
//   - Tensor.OpenDiscard: the caller will overwrite the full contents; the prior contents are not read. The bytes
//     written are only committed to the device by View.Writeback.
//   - Tensor.OpenCurrent: the caller reads the contents last committed to the device.
//
// At most one View can be open on a Tensor at a time, and Views must always be closed: WithDiscard and WithCurrent
// take care of that. Example:
//
//	t := must.M1(tensors.New(device, shapes.Make(shapes.Float32, 2)))
//	err := tensors.WithDiscard(t, func(v *tensors.View) error {
//		if err := tensors.CopyFlatToView(v, []float32{1, 2}); err != nil {
//			return err
//		}
//		return v.Writeback()
//	})
//
// For the common cases, FromFlat and ToFlat do the whole round trip.
package tensors

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrViewAlreadyOpen is returned when opening a View (or using the Tensor in a program) while another View
	// is open on the same Tensor, or while the Tensor is being used by a program.
	ErrViewAlreadyOpen = errors.New("view already open")

	// ErrViewClosed is returned when using a View after it has been closed.
	ErrViewClosed = errors.New("view closed")

	// ErrViewReadOnly is returned when trying to write back a View opened with Tensor.OpenCurrent.
	ErrViewReadOnly = errors.New("view is read-only")
)

// Tensor represents a multidimensional array allocated on a device, defined by its shape (a data type and its axes'
// dimensions). It is the input and output of compiled programs.
//
// Its contents are only accessible through a View, see package documentation.
type Tensor struct {
	// shape of the tensor, immutable.
	shape  shapes.Shape
	device backends.Device

	// mu protects the fields below.
	mu sync.Mutex

	// buffer holding the data on the device. It is nil after the tensor is finalized.
	buffer backends.Buffer

	// view currently open on the tensor, if any.
	view *View

	// claims counts the programs currently using the tensor, see Claim.
	claims int
}

// New allocates a Tensor on the device, with the given shape. Its initial contents are unspecified.
func New(device backends.Device, shape shapes.Shape) (*Tensor, error) {
	if device.Backend == nil {
		return nil, errors.New("tensors.New: invalid device")
	}
	if _, err := shapes.New(shape.DType, shape.Dimensions...); err != nil {
		return nil, errors.WithMessagef(err, "tensors.New(%s)", shape)
	}
	buffer, err := device.Backend.NewBuffer(device.Num, shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensors.New(%s) on device %s", shape, device)
	}
	if klog.V(1).Enabled() {
		klog.Infof("allocated tensor %s on device %s: %s", shape, device, humanize.Bytes(uint64(shape.ByteSize())))
	}
	return &Tensor{
		shape:  shape.Clone(),
		device: device,
		buffer: buffer,
	}, nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() shapes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Device where the tensor is allocated.
func (t *Tensor) Device() backends.Device { return t.device }

// Ok returns whether the tensor has not been finalized.
func (t *Tensor) Ok() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer != nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s@%s", t.shape, t.device)
}

// Finalize releases the device memory immediately. The tensor can't be used afterward.
//
// It fails with ErrViewAlreadyOpen if a View is open or a program is using the tensor.
// Finalizing an already finalized tensor is a no-op.
func (t *Tensor) Finalize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer == nil {
		return nil
	}
	if t.view != nil || t.claims > 0 {
		return errors.Wrapf(ErrViewAlreadyOpen, "can't finalize %s while in use", t)
	}
	err := t.device.Backend.BufferFinalize(t.buffer)
	t.buffer = nil
	return err
}

// lockedCheck must be called with t.mu locked.
func (t *Tensor) lockedCheck() error {
	if t.buffer == nil {
		return errors.Wrapf(backends.ErrFinalized, "%s", t)
	}
	if t.view != nil {
		return errors.Wrapf(ErrViewAlreadyOpen, "%s already has an open %s view", t, t.view.mode)
	}
	return nil
}

// lockedCheckView checks that a new View can be opened: besides lockedCheck, no program may be using the
// tensor. It must be called with t.mu locked.
func (t *Tensor) lockedCheckView() error {
	if err := t.lockedCheck(); err != nil {
		return err
	}
	if t.claims > 0 {
		return errors.Wrapf(ErrViewAlreadyOpen, "%s is being used by %d program invocation(s)", t, t.claims)
	}
	return nil
}

// Claim marks the tensor as in use by a program, and returns its backend buffer and a function to release the
// claim. While claimed no View can be opened. A tensor can be claimed more than once, e.g. when bound to more
// than one port of the same program.
//
// It fails with ErrViewAlreadyOpen if a View is open, and with backends.ErrFinalized if the tensor was finalized.
func (t *Tensor) Claim() (buffer backends.Buffer, release func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err = t.lockedCheck(); err != nil {
		return nil, nil, err
	}
	t.claims++
	var once sync.Once
	release = func() {
		once.Do(func() {
			t.mu.Lock()
			t.claims--
			t.mu.Unlock()
		})
	}
	return t.buffer, release, nil
}
