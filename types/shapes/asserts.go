// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidShape is returned when creating a shape with negative dimensions or an unknown dtype.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrShapeMismatch is returned when the dimensions of operands, bound tensors or ports don't agree.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrTypeMismatch is returned when dtypes of operands don't agree, or a dtype is not accepted by an operation.
	ErrTypeMismatch = errors.New("dtype mismatch")
)

// UncheckedAxis can be used in CheckDims for an axis whose dimension doesn't matter.
const UncheckedAxis = int(-1)

// HasShape is an interface for objects that have an associated Shape.
// Tensors, graph nodes and Shape itself implement the interface.
type HasShape interface {
	Shape() Shape
}

// CheckRank returns an error wrapping ErrShapeMismatch if the shape doesn't have the given rank.
func (s Shape) CheckRank(rank int) error {
	if s.Rank() != rank {
		return errors.Wrapf(ErrShapeMismatch, "shape %s has rank %d, wanted rank %d", s, s.Rank(), rank)
	}
	return nil
}

// CheckDims checks that the shape has the given dimensions and rank. A value of UncheckedAxis (-1) in
// dimensions means it can take any value and is not checked.
//
// It returns an error wrapping ErrShapeMismatch if the rank is different or if any of the dimensions don't match.
func (s Shape) CheckDims(dimensions ...int) error {
	if err := s.CheckRank(len(dimensions)); err != nil {
		return err
	}
	for ii, wantDim := range dimensions {
		if wantDim != UncheckedAxis && s.Dimensions[ii] != wantDim {
			return errors.Wrapf(ErrShapeMismatch, "shape %s axis %d has dimension %d, wanted %d (shape wanted=%v)",
				s, ii, s.Dimensions[ii], wantDim, dimensions)
		}
	}
	return nil
}

// CheckSameDType returns an error wrapping ErrTypeMismatch if the shapes have different dtypes.
func CheckSameDType(shapes ...HasShape) error {
	if len(shapes) < 2 {
		return nil
	}
	dtype := shapes[0].Shape().DType
	for ii, s := range shapes[1:] {
		if s.Shape().DType != dtype {
			return errors.Wrapf(ErrTypeMismatch, "operand #%d has dtype %s, operand #0 has dtype %s",
				ii+1, s.Shape().DType, dtype)
		}
	}
	return nil
}
