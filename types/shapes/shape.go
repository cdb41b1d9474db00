// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and DType and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of either a Tensor or the expected
// shape of a node in a computation Graph. DType indicates the type of the unit element of
// a Tensor (or its representation as a node in a computation Graph).
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - DType: the data type of the unit element in a tensor. Built-in ones are the ones defined
//     in github.com/gomlx/gopjrt/dtypes, and custom opaque ones can be added with RegisterCustom.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value
//     of the associated DType.
//
// Example: `shapes.Make(shapes.Float32, 2, 3)` has rank 2 (so 2 axes), axis 0 has
// dimension 2, and axis 1 has dimension 3. It holds 6 elements, using 24 bytes.
package shapes

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Shape represents the shape of either a Tensor or the expected shape of the value from a computation node.
//
// It is a value type, and it should be treated as immutable: use Clone if you need to change its dimensions.
//
// Use New or Make to create a new shape.
type Shape struct {
	DType      DType
	Dimensions []int
}

// New returns a Shape with the given dtype and dimensions.
//
// It fails with ErrInvalidShape if any dimension is negative or if the dtype is not known.
func New(dtype DType, dimensions ...int) (Shape, error) {
	if !dtype.IsKnown() {
		return Invalid(), errors.Wrapf(ErrInvalidShape, "unknown dtype %s (#%d)", dtype, int32(dtype))
	}
	for axis, dim := range dimensions {
		if dim < 0 {
			return Invalid(), errors.Wrapf(ErrInvalidShape, "axis %d has negative dimension %d in %v", axis, dim, dimensions)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}, nil
}

// Make is like New, but panics with the error instead.
// It's convenient while building graphs, where shape errors are programming errors.
func Make(dtype DType, dimensions ...int) Shape {
	s, err := New(dtype, dimensions...)
	if err != nil {
		panic(err)
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype DType) Shape {
	return Make(dtype)
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		panic(errors.Wrapf(ErrShapeMismatch, "Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s))
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// ByteSize returns the number of bytes needed to store an array of the given shape: Size() * DType.Size().
func (s Shape) ByteSize() int {
	return s.Size() * s.DType.Size()
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// WithDType returns a copy of the shape with the dtype replaced.
func (s Shape) WithDType(dtype DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}
