// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shape resulting from operations and validates its inputs.
//
// It is used by the graph package while building computations, and by backends to double-check a
// Computation before compiling it.
//
// Custom dtypes are accepted by every arithmetic operation: whether a backend actually knows how to
// interpret them is only checked at compile time, against the backend's Capabilities.
package shapeinference

import (
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
)

var (
	// NumberOperations can take any type of number as input: integers, floats or custom dtypes.
	NumberOperations = types.SetWith(
		backends.OpTypeAdd,
		backends.OpTypeSub,
		backends.OpTypeMul,
		backends.OpTypeDiv,
		backends.OpTypeNeg,
		backends.OpTypeSign,
		backends.OpTypeMatMul,
		backends.OpTypeReduceSum,
	)

	// FloatOperations operates only on floats (built-in or custom) and won't work on integer or boolean values.
	FloatOperations = types.SetWith(
		backends.OpTypeExp,
		backends.OpTypeLog,
		backends.OpTypeFloor,
	)

	// StandardBinaryOperations include all element-wise operations that have two operands, usually named
	// lhs (left-hand-side) and rhs (right-hand-side).
	StandardBinaryOperations = types.SetWith(
		backends.OpTypeAdd,
		backends.OpTypeSub,
		backends.OpTypeMul,
		backends.OpTypeDiv,
	)

	// StandardUnaryOperations include all element-wise operations that have a single operand and don't change its
	// shape.
	StandardUnaryOperations = types.SetWith(
		backends.OpTypeNeg,
		backends.OpTypeExp,
		backends.OpTypeLog,
		backends.OpTypeFloor,
		backends.OpTypeSign,
	)
)

func checkDType(opType backends.OpType, dtype shapes.DType) error {
	if !dtype.IsKnown() {
		return errors.Wrapf(shapes.ErrTypeMismatch, "%s: unknown dtype #%d", opType, int32(dtype))
	}
	if NumberOperations.Has(opType) && dtype == shapes.Bool {
		return errors.Wrapf(shapes.ErrTypeMismatch, "%s: operation not defined for dtype %s", opType, dtype)
	}
	if FloatOperations.Has(opType) && !dtype.IsFloat() && !dtype.IsCustom() {
		return errors.Wrapf(shapes.ErrTypeMismatch, "%s: operation only defined for float dtypes, got %s", opType, dtype)
	}
	return nil
}

// BinaryOp returns the expected output shape for ops in the StandardBinaryOperations set.
//
// Operands must have the same dtype, and either the same dimensions, or one of them must be a scalar, in which
// case it is broadcast to the dimensions of the other.
func BinaryOp(opType backends.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	if !StandardBinaryOperations.Has(opType) {
		return shapes.Invalid(), errors.Errorf("operation %s is not in the StandardBinaryOperations set", opType)
	}
	if !lhsShape.Ok() || !rhsShape.Ok() {
		return shapes.Invalid(), errors.Wrapf(shapes.ErrInvalidShape, "%s: invalid operand shapes %s and %s", opType, lhsShape, rhsShape)
	}
	if err = shapes.CheckSameDType(lhsShape, rhsShape); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "%s(%s, %s)", opType, lhsShape, rhsShape)
	}
	if err = checkDType(opType, lhsShape.DType); err != nil {
		return shapes.Invalid(), err
	}
	switch {
	case lhsShape.EqualDimensions(rhsShape):
		return lhsShape.Clone(), nil
	case lhsShape.IsScalar():
		return rhsShape.Clone(), nil
	case rhsShape.IsScalar():
		return lhsShape.Clone(), nil
	}
	return shapes.Invalid(), errors.Wrapf(shapes.ErrShapeMismatch,
		"%s: operands must have the same dimensions or one must be a scalar, got %s and %s", opType, lhsShape, rhsShape)
}

// UnaryOp checks the validity of the data type for StandardUnaryOperations and returns the same shape.
func UnaryOp(opType backends.OpType, operand shapes.Shape) (output shapes.Shape, err error) {
	if !StandardUnaryOperations.Has(opType) {
		return shapes.Invalid(), errors.Errorf("operation %s is not in the StandardUnaryOperations set", opType)
	}
	if !operand.Ok() {
		return shapes.Invalid(), errors.Wrapf(shapes.ErrInvalidShape, "%s: invalid operand shape", opType)
	}
	if err = checkDType(opType, operand.DType); err != nil {
		return shapes.Invalid(), err
	}
	return operand.Clone(), nil
}

// MatMul returns the shape of the rank-2 matrix multiplication [m, k] x [k, n] -> [m, n].
func MatMul(lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	opType := backends.OpTypeMatMul
	if err = shapes.CheckSameDType(lhs, rhs); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "%s(%s, %s)", opType, lhs, rhs)
	}
	if err = checkDType(opType, lhs.DType); err != nil {
		return shapes.Invalid(), err
	}
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		return shapes.Invalid(), errors.Wrapf(shapes.ErrShapeMismatch, "%s: operands must have rank 2, got %s and %s", opType, lhs, rhs)
	}
	if lhs.Dimensions[1] != rhs.Dimensions[0] {
		return shapes.Invalid(), errors.Wrapf(shapes.ErrShapeMismatch,
			"%s: contracting dimensions don't match: lhs %s axis 1 is %d, rhs %s axis 0 is %d",
			opType, lhs, lhs.Dimensions[1], rhs, rhs.Dimensions[0])
	}
	return shapes.Make(lhs.DType, lhs.Dimensions[0], rhs.Dimensions[1]), nil
}

// Transpose returns the shape of a rank-2 matrix transposition.
func Transpose(operand shapes.Shape) (output shapes.Shape, err error) {
	if !operand.Ok() || !operand.DType.IsKnown() {
		return shapes.Invalid(), errors.Wrapf(shapes.ErrInvalidShape, "%s: invalid operand shape %s", backends.OpTypeTranspose, operand)
	}
	if err = operand.CheckRank(2); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "%s", backends.OpTypeTranspose)
	}
	return shapes.Make(operand.DType, operand.Dimensions[1], operand.Dimensions[0]), nil
}

// ReduceSum returns the scalar shape resulting from summing all elements of the operand.
func ReduceSum(operand shapes.Shape) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Wrapf(shapes.ErrInvalidShape, "%s: invalid operand shape", backends.OpTypeReduceSum)
	}
	if err = checkDType(backends.OpTypeReduceSum, operand.DType); err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Scalar(operand.DType), nil
}

// ConvertDType returns the shape of the operand converted to the given dtype. Any pair of known dtypes is accepted.
func ConvertDType(operand shapes.Shape, dtype shapes.DType) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Wrapf(shapes.ErrInvalidShape, "%s: invalid operand shape", backends.OpTypeConvertDType)
	}
	if err = checkDType(backends.OpTypeConvertDType, dtype); err != nil {
		return shapes.Invalid(), err
	}
	return operand.WithDType(dtype), nil
}

// Check re-runs shape inference on every op of the computation, and verifies that the shapes recorded match.
func Check(computation *backends.Computation) error {
	ops := computation.Ops
	for opIdx, op := range ops {
		var inferred shapes.Shape
		var err error
		operand := func(ii int) shapes.Shape { return ops[op.Inputs[ii]].Shape }
		switch {
		case op.Type == backends.OpTypeParameter || op.Type == backends.OpTypeConstant:
			inferred, err = shapes.New(op.Shape.DType, op.Shape.Dimensions...)
		case op.Type == backends.OpTypeConvertDType:
			inferred, err = ConvertDType(operand(0), op.Shape.DType)
		case StandardBinaryOperations.Has(op.Type):
			inferred, err = BinaryOp(op.Type, operand(0), operand(1))
		case StandardUnaryOperations.Has(op.Type):
			inferred, err = UnaryOp(op.Type, operand(0))
		case op.Type == backends.OpTypeMatMul:
			inferred, err = MatMul(operand(0), operand(1))
		case op.Type == backends.OpTypeTranspose:
			inferred, err = Transpose(operand(0))
		case op.Type == backends.OpTypeReduceSum:
			inferred, err = ReduceSum(operand(0))
		default:
			return errors.Errorf("computation %q: op #%d has unknown type %s", computation.Name, opIdx, op.Type)
		}
		if err != nil {
			return errors.WithMessagef(err, "computation %q: op #%d", computation.Name, opIdx)
		}
		if !inferred.Equal(op.Shape) {
			return errors.Wrapf(shapes.ErrShapeMismatch, "computation %q: op #%d (%s) recorded shape %s, inferred %s",
				computation.Name, opIdx, op.Type, op.Shape, inferred)
		}
	}
	return nil
}
