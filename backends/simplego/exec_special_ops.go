// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
)

var (
	dispatchMatMul      = NewDTypeDispatcher("MatMul")
	dispatchReduceSum   = NewDTypeDispatcher("ReduceSum")
	dispatchToFloat64   = NewDTypeDispatcher("ToFloat64")
	dispatchFromFloat64 = NewDTypeDispatcher("FromFloat64")
)

func init() {
	nodeExecutors[backends.OpTypeMatMul] = execMatMul
	nodeExecutors[backends.OpTypeTranspose] = execTranspose
	nodeExecutors[backends.OpTypeReduceSum] = execReduceSum
	nodeExecutors[backends.OpTypeConvertDType] = execConvertDType

	registerNumeric(dispatchMatMul,
		execMatMulGeneric[int8], execMatMulGeneric[int16], execMatMulGeneric[int32], execMatMulGeneric[int64],
		execMatMulGeneric[uint8], execMatMulGeneric[uint16], execMatMulGeneric[uint32], execMatMulGeneric[uint64],
		execMatMulGeneric[float32], execMatMulGeneric[float64])
	registerNumeric(dispatchReduceSum,
		execReduceSumGeneric[int8], execReduceSumGeneric[int16], execReduceSumGeneric[int32], execReduceSumGeneric[int64],
		execReduceSumGeneric[uint8], execReduceSumGeneric[uint16], execReduceSumGeneric[uint32], execReduceSumGeneric[uint64],
		execReduceSumGeneric[float32], execReduceSumGeneric[float64])
	registerNumeric(dispatchToFloat64,
		toFloat64Generic[int8], toFloat64Generic[int16], toFloat64Generic[int32], toFloat64Generic[int64],
		toFloat64Generic[uint8], toFloat64Generic[uint16], toFloat64Generic[uint32], toFloat64Generic[uint64],
		toFloat64Generic[float32], toFloat64Generic[float64])
	registerNumeric(dispatchFromFloat64,
		fromFloat64Generic[int8], fromFloat64Generic[int16], fromFloat64Generic[int32], fromFloat64Generic[int64],
		fromFloat64Generic[uint8], fromFloat64Generic[uint16], fromFloat64Generic[uint32], fromFloat64Generic[uint64],
		fromFloat64Generic[float32], fromFloat64Generic[float64])
	dispatchToFloat64.Register(shapes.Bool, func(params ...any) any {
		flat := params[0].([]bool)
		values := make([]float64, len(flat))
		for ii, v := range flat {
			if v {
				values[ii] = 1
			}
		}
		return values
	})
	dispatchFromFloat64.Register(shapes.Bool, func(params ...any) any {
		values, flat := params[0].([]float64), params[1].([]bool)
		for ii, v := range values {
			flat[ii] = v != 0
		}
		return nil
	})
}

// MatMul --------------------------------------------------------------------------------------------------------------

// execMatMul executes [m, k] x [k, n] -> [m, n]. Each output element is accumulated in the same order, regardless
// of how rows are split among workers, so results are deterministic.
func execMatMul(backend *Backend, op *backends.Op, inputs []*Buffer) *Buffer {
	lhs, rhs := inputs[0], inputs[1]
	output := backend.getBuffer(op.Shape)
	m, k, n := lhs.shape.Dimensions[0], lhs.shape.Dimensions[1], rhs.shape.Dimensions[1]
	if codec, ok := lookupCodec(op.Shape.DType); ok {
		lhsValues, rhsValues := decodeBuffer(codec, lhs), decodeBuffer(codec, rhs)
		outputValues := make([]float32, m*n)
		matMulKernel(backend, lhsValues, rhsValues, outputValues, m, k, n)
		codec.Encode(outputValues, output.mutableBytes())
		return output
	}
	dispatchMatMul.Dispatch(op.Shape.DType, backend, lhs.flat, rhs.flat, output.flat, m, k, n)
	return output
}

func execMatMulGeneric[T PODNumericConstraints](params ...any) any {
	backend := params[0].(*Backend)
	matMulKernel(backend, params[1].([]T), params[2].([]T), params[3].([]T),
		params[4].(int), params[5].(int), params[6].(int))
	return nil
}

func matMulKernel[T PODNumericConstraints](backend *Backend, lhs, rhs, output []T, m, k, n int) {
	backend.parallelFor(m, m*k*n, func(start, end int) {
		for row := start; row < end; row++ {
			outputRow := output[row*n : (row+1)*n]
			clear(outputRow)
			for contractIdx := range k {
				lhsValue := lhs[row*k+contractIdx]
				rhsRow := rhs[contractIdx*n : (contractIdx+1)*n]
				for col, rhsValue := range rhsRow {
					outputRow[col] += lhsValue * rhsValue
				}
			}
		}
	})
}

// Transpose -----------------------------------------------------------------------------------------------------------

// execTranspose moves raw elements, so it works for any dtype without decoding it.
func execTranspose(backend *Backend, op *backends.Op, inputs []*Buffer) *Buffer {
	operand := inputs[0]
	output := backend.getBuffer(op.Shape)
	rows, cols := operand.shape.Dimensions[0], operand.shape.Dimensions[1]
	width := op.Shape.DType.Size()
	src, dst := operand.mutableBytes(), output.mutableBytes()
	backend.parallelFor(rows, rows*cols, func(start, end int) {
		for row := start; row < end; row++ {
			for col := range cols {
				srcPos := (row*cols + col) * width
				dstPos := (col*rows + row) * width
				copy(dst[dstPos:dstPos+width], src[srcPos:srcPos+width])
			}
		}
	})
	return output
}

// ReduceSum -----------------------------------------------------------------------------------------------------------

// execReduceSum sums all elements sequentially, in flat order.
func execReduceSum(backend *Backend, op *backends.Op, inputs []*Buffer) *Buffer {
	operand := inputs[0]
	output := backend.getBuffer(op.Shape)
	if codec, ok := lookupCodec(op.Shape.DType); ok {
		values := decodeBuffer(codec, operand)
		var sum float32
		for _, v := range values {
			sum += v
		}
		codec.Encode([]float32{sum}, output.mutableBytes())
		return output
	}
	dispatchReduceSum.Dispatch(op.Shape.DType, operand.flat, output.flat)
	return output
}

func execReduceSumGeneric[T PODNumericConstraints](params ...any) any {
	operand, output := params[0].([]T), params[1].([]T)
	var sum T
	for _, v := range operand {
		sum += v
	}
	output[0] = sum
	return nil
}

// ConvertDType --------------------------------------------------------------------------------------------------------

// execConvertDType converts through float64. Integers beyond 2^53 lose precision.
func execConvertDType(backend *Backend, op *backends.Op, inputs []*Buffer) *Buffer {
	operand := inputs[0]
	output := backend.getBuffer(op.Shape)
	if operand.shape.DType == op.Shape.DType {
		copyBuffer(output, operand)
		return output
	}
	values := bufferToFloat64(operand)
	bufferFromFloat64(values, output)
	return output
}

func bufferToFloat64(buf *Buffer) []float64 {
	if codec, ok := lookupCodec(buf.shape.DType); ok {
		values32 := decodeBuffer(codec, buf)
		values := make([]float64, len(values32))
		for ii, v := range values32 {
			values[ii] = float64(v)
		}
		return values
	}
	return dispatchToFloat64.Dispatch(buf.shape.DType, buf.flat).([]float64)
}

func bufferFromFloat64(values []float64, buf *Buffer) {
	if codec, ok := lookupCodec(buf.shape.DType); ok {
		values32 := make([]float32, len(values))
		for ii, v := range values {
			values32[ii] = float32(v)
		}
		codec.Encode(values32, buf.mutableBytes())
		return
	}
	if !dispatchFromFloat64.Has(buf.shape.DType) {
		exceptions.Panicf("ConvertDType: dtype %s not supported", buf.shape.DType)
	}
	dispatchFromFloat64.Dispatch(buf.shape.DType, values, buf.flat)
}

func toFloat64Generic[T PODNumericConstraints](params ...any) any {
	flat := params[0].([]T)
	values := make([]float64, len(flat))
	for ii, v := range flat {
		values[ii] = float64(v)
	}
	return values
}

func fromFloat64Generic[T PODNumericConstraints](params ...any) any {
	values, flat := params[0].([]float64), params[1].([]T)
	for ii, v := range values {
		flat[ii] = T(v)
	}
	return nil
}
