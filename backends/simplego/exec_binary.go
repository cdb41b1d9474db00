// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"k8s.io/klog/v2"
)

// This file implements binary operations.
// Operands either have the same shape, or one of them is a scalar (or of size 1), in which case it becomes
// almost a unary operation with a constant value.

var dispatchBinary = NewDTypeDispatcher("Binary")

func init() {
	for _, opType := range []backends.OpType{backends.OpTypeAdd, backends.OpTypeSub, backends.OpTypeMul, backends.OpTypeDiv} {
		nodeExecutors[opType] = execBinary
	}
	registerNumeric(dispatchBinary,
		execBinaryGeneric[int8], execBinaryGeneric[int16], execBinaryGeneric[int32], execBinaryGeneric[int64],
		execBinaryGeneric[uint8], execBinaryGeneric[uint16], execBinaryGeneric[uint32], execBinaryGeneric[uint64],
		execBinaryGeneric[float32], execBinaryGeneric[float64])
}

var binarySymbols = map[backends.OpType]string{
	backends.OpTypeAdd: "+",
	backends.OpTypeSub: "-",
	backends.OpTypeMul: "*",
	backends.OpTypeDiv: "/",
}

// execBinary executes the element-wise binary ops.
func execBinary(backend *Backend, op *backends.Op, inputs []*Buffer) *Buffer {
	lhs, rhs := inputs[0], inputs[1]
	output := backend.getBuffer(op.Shape)
	dtype := op.Shape.DType
	if codec, ok := lookupCodec(dtype); ok {
		lhsValues, rhsValues := decodeBuffer(codec, lhs), decodeBuffer(codec, rhs)
		outputValues := make([]float32, op.Shape.Size())
		binaryKernel(backend, op.Type, lhsValues, rhsValues, outputValues)
		if dtype.IsCustom() && klog.V(5).Enabled() {
			traceBinary(op.Type, dtype, lhsValues, rhsValues, outputValues)
		}
		codec.Encode(outputValues, output.mutableBytes())
		return output
	}
	dispatchBinary.Dispatch(dtype, backend, op.Type, lhs.flat, rhs.flat, output.flat)
	return output
}

func execBinaryGeneric[T PODNumericConstraints](params ...any) any {
	backend, opType := params[0].(*Backend), params[1].(backends.OpType)
	binaryKernel(backend, opType, params[2].([]T), params[3].([]T), params[4].([]T))
	return nil
}

// scalarStride returns 0 if the operand is broadcast (size 1) to a larger output, 1 otherwise.
func scalarStride(operandSize, outputSize int) int {
	if operandSize == 1 && outputSize != 1 {
		return 0
	}
	return 1
}

func binaryKernel[T PODNumericConstraints](backend *Backend, opType backends.OpType, lhs, rhs, output []T) {
	var fn func(a, b T) T
	switch opType {
	case backends.OpTypeAdd:
		fn = func(a, b T) T { return a + b }
	case backends.OpTypeSub:
		fn = func(a, b T) T { return a - b }
	case backends.OpTypeMul:
		fn = func(a, b T) T { return a * b }
	case backends.OpTypeDiv:
		fn = func(a, b T) T { return a / b }
	default:
		panic(backends.ErrUnsupported)
	}
	lhsStride, rhsStride := scalarStride(len(lhs), len(output)), scalarStride(len(rhs), len(output))
	backend.parallelFor(len(output), len(output), func(start, end int) {
		for ii := start; ii < end; ii++ {
			output[ii] = fn(lhs[ii*lhsStride], rhs[ii*rhsStride])
		}
	})
}

// traceBinary logs every arithmetic operation on a custom dtype, in the precision it was computed.
func traceBinary(opType backends.OpType, dtype shapes.DType, lhs, rhs, output []float32) {
	symbol := binarySymbols[opType]
	lhsStride, rhsStride := scalarStride(len(lhs), len(output)), scalarStride(len(rhs), len(output))
	for ii, result := range output {
		klog.Infof("VALS (%s) %g %s %g = %g", dtype, lhs[ii*lhsStride], symbol, rhs[ii*rhsStride], result)
	}
}

func decodeBuffer(codec Codec, buf *Buffer) []float32 {
	values := make([]float32, buf.shape.Size())
	codec.Decode(buf.mutableBytes(), values)
	return values
}
