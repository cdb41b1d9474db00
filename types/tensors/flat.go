// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"unsafe"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
)

// flatBytes returns the bytes of the flat slice, sharing its memory.
func flatBytes[T shapes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(t)))
}

func checkFlatDType[T shapes.Supported](v *View) error {
	if dtype := shapes.FromGenericsType[T](); dtype != v.tensor.DType() {
		var t T
		return errors.Wrapf(shapes.ErrTypeMismatch, "flat type %T (dtype %s) is incompatible with %s", t, dtype, v.tensor)
	}
	return nil
}

// CopyFlatToView copies the flat values into the view's bytes. It doesn't call View.Writeback.
//
// flat must have the Go type corresponding to the tensor's dtype (ErrTypeMismatch otherwise) and exactly as many
// elements as the tensor (ErrShapeMismatch otherwise).
func CopyFlatToView[T shapes.Supported](v *View, flat []T) error {
	if err := checkFlatDType[T](v); err != nil {
		return err
	}
	if len(flat) != v.tensor.Size() {
		return errors.Wrapf(shapes.ErrShapeMismatch, "%d values given for %s", len(flat), v.tensor)
	}
	data := v.Bytes()
	if data == nil && len(flat) > 0 {
		return errors.Wrapf(ErrViewClosed, "CopyFlatToView(%s)", v.tensor)
	}
	copy(data, flatBytes(flat))
	return nil
}

// CopyViewToFlat returns a copy of the view's contents as a flat slice of the Go type corresponding to the tensor's
// dtype.
func CopyViewToFlat[T shapes.Supported](v *View) ([]T, error) {
	if err := checkFlatDType[T](v); err != nil {
		return nil, err
	}
	flat := make([]T, v.tensor.Size())
	data := v.Bytes()
	if data == nil && len(flat) > 0 {
		return nil, errors.Wrapf(ErrViewClosed, "CopyViewToFlat(%s)", v.tensor)
	}
	copy(flatBytes(flat), data)
	return flat, nil
}

// FromFlat allocates a tensor on the device with the given dimensions, and commits the flat values to it.
func FromFlat[T shapes.Supported](device backends.Device, flat []T, dimensions ...int) (*Tensor, error) {
	shape, err := shapes.New(shapes.FromGenericsType[T](), dimensions...)
	if err != nil {
		return nil, err
	}
	t, err := New(device, shape)
	if err != nil {
		return nil, err
	}
	err = WithDiscard(t, func(v *View) error {
		if err := CopyFlatToView(v, flat); err != nil {
			return err
		}
		return v.Writeback()
	})
	if err != nil {
		_ = t.Finalize()
		return nil, err
	}
	return t, nil
}

// ToFlat returns a copy of the tensor's current contents as a flat slice.
func ToFlat[T shapes.Supported](t *Tensor) (flat []T, err error) {
	err = WithCurrent(t, func(v *View) error {
		flat, err = CopyViewToFlat[T](v)
		return err
	})
	return
}

// FromBytes allocates a tensor on the device with the given shape, and commits the raw bytes to it. It works with
// any dtype, including custom ones.
func FromBytes(device backends.Device, shape shapes.Shape, data []byte) (*Tensor, error) {
	if len(data) != shape.ByteSize() {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "%d bytes given for shape %s", len(data), shape)
	}
	t, err := New(device, shape)
	if err != nil {
		return nil, err
	}
	err = WithDiscard(t, func(v *View) error {
		copy(v.Bytes(), data)
		return v.Writeback()
	})
	if err != nil {
		_ = t.Finalize()
		return nil, err
	}
	return t, nil
}

// ToBytes returns a copy of the tensor's current raw bytes.
func ToBytes(t *Tensor) (data []byte, err error) {
	err = WithCurrent(t, func(v *View) error {
		data = append([]byte(nil), v.Bytes()...)
		return nil
	})
	return
}
