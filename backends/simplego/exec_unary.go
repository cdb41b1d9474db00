// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/gotile/backends"
)

var dispatchUnary = NewDTypeDispatcher("Unary")

func init() {
	for _, opType := range []backends.OpType{backends.OpTypeNeg, backends.OpTypeExp, backends.OpTypeLog,
		backends.OpTypeFloor, backends.OpTypeSign} {
		nodeExecutors[opType] = execUnary
	}
	registerNumeric(dispatchUnary,
		execUnaryGeneric[int8], execUnaryGeneric[int16], execUnaryGeneric[int32], execUnaryGeneric[int64],
		execUnaryGeneric[uint8], execUnaryGeneric[uint16], execUnaryGeneric[uint32], execUnaryGeneric[uint64],
		execUnaryGeneric[float32], execUnaryGeneric[float64])
}

// execUnary executes the element-wise unary ops.
func execUnary(backend *Backend, op *backends.Op, inputs []*Buffer) *Buffer {
	operand := inputs[0]
	output := backend.getBuffer(op.Shape)
	if codec, ok := lookupCodec(op.Shape.DType); ok {
		values := decodeBuffer(codec, operand)
		unaryKernel(backend, op.Type, values, values)
		codec.Encode(values, output.mutableBytes())
		return output
	}
	dispatchUnary.Dispatch(op.Shape.DType, backend, op.Type, operand.flat, output.flat)
	return output
}

func execUnaryGeneric[T PODNumericConstraints](params ...any) any {
	backend, opType := params[0].(*Backend), params[1].(backends.OpType)
	unaryKernel(backend, opType, params[2].([]T), params[3].([]T))
	return nil
}

// unaryKernel applies the op to operand and writes it to output. Both may be the same slice.
func unaryKernel[T PODNumericConstraints](backend *Backend, opType backends.OpType, operand, output []T) {
	var fn func(x T) T
	switch opType {
	case backends.OpTypeNeg:
		fn = func(x T) T { return -x }
	case backends.OpTypeSign:
		fn = func(x T) T {
			var one T = 1
			switch {
			case x > 0:
				return one
			case x < 0:
				return -one
			default:
				return x
			}
		}
	case backends.OpTypeExp:
		fn = func(x T) T { return T(math.Exp(float64(x))) }
	case backends.OpTypeLog:
		fn = func(x T) T { return T(math.Log(float64(x))) }
	case backends.OpTypeFloor:
		fn = func(x T) T { return T(math.Floor(float64(x))) }
	default:
		panic(backends.ErrUnsupported)
	}
	backend.parallelFor(len(output), len(output), func(start, end int) {
		for ii := start; ii < end; ii++ {
			output[ii] = fn(operand[ii])
		}
	})
}
