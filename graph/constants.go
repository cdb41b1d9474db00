// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// newConstant creates a constant node holding the raw bytes.
func newConstant(g *Graph, shape shapes.Shape, data []byte) *Node {
	if len(data) != shape.ByteSize() {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "constant with %d bytes for shape %s", len(data), shape))
	}
	return g.registerNode(&Node{
		opType: backends.OpTypeConstant,
		shape:  shape,
		data:   data,
	})
}

// Const creates a constant node with the flat values and the given dimensions. The dtype is the one corresponding
// to the Go type T. If no dimensions are given, flat must have exactly one value and a scalar is created.
func Const[T shapes.Supported](g *Graph, flat []T, dimensions ...int) *Node {
	shape := mustShape(shapes.New(shapes.FromGenericsType[T](), dimensions...))
	if shape.Size() != len(flat) {
		panic(errors.Wrapf(shapes.ErrShapeMismatch, "Const: %d values given for shape %s", len(flat), shape))
	}
	data := make([]byte, shape.ByteSize())
	if len(flat) > 0 {
		var t T
		copy(data, unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(t))))
	}
	return newConstant(g, shape, data)
}

// Scalar returns a scalar constant with the value converted to dtype. Scalars are cached per graph, so asking
// for the same value twice returns the same node.
//
// Custom dtypes are created as a Float32 scalar converted to the dtype.
func Scalar(g *Graph, dtype shapes.DType, value float64) *Node {
	key := scalarKey{dtype: dtype, value: value}
	if node, found := g.scalars[key]; found {
		return node
	}
	node := Fill(g, shapes.Scalar(dtype), value)
	g.scalars[key] = node
	return node
}

// Fill returns a constant of the given shape with all elements set to value, converted to the shape's dtype.
//
// There is no broadcast operation, so the constant holds all its elements.
func Fill(g *Graph, shape shapes.Shape, value float64) *Node {
	shape = mustShape(shapes.New(shape.DType, shape.Dimensions...))
	width := shape.DType.Size()
	if !shape.DType.IsFloat() && !shape.DType.IsInt() && shape.DType != shapes.Bool {
		// Opaque dtypes: their bit layout is only known to the backend, use a conversion.
		return ConvertDType(Fill(g, shape.WithDType(shapes.Float32), value), shape.DType)
	}
	element := make([]byte, width)
	encodeValue(shape.DType, value, element)
	data := make([]byte, shape.ByteSize())
	for ii := 0; ii < len(data); ii += width {
		copy(data[ii:], element)
	}
	return newConstant(g, shape, data)
}

// Ones returns a constant of the given shape filled with 1.
func Ones(g *Graph, shape shapes.Shape) *Node { return Fill(g, shape, 1) }

// Zeros returns a constant of the given shape filled with 0.
func Zeros(g *Graph, shape shapes.Shape) *Node { return Fill(g, shape, 0) }

// OnesLike returns a constant with the shape of x filled with 1.
func OnesLike(x *Node) *Node { return Ones(x.graph, x.shape) }

// ZerosLike returns a constant with the shape of x filled with 0.
func ZerosLike(x *Node) *Node { return Zeros(x.graph, x.shape) }

// encodeValue writes value converted to the built-in dtype into dst, in the host's (little-endian) byte order.
func encodeValue(dtype shapes.DType, value float64, dst []byte) {
	switch dtype {
	case shapes.Bool:
		if value != 0 {
			dst[0] = 1
		}
	case shapes.Int8:
		dst[0] = byte(int8(value))
	case shapes.Uint8:
		dst[0] = uint8(value)
	case shapes.Int16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(value)))
	case shapes.Uint16:
		binary.LittleEndian.PutUint16(dst, uint16(value))
	case shapes.Int32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(value)))
	case shapes.Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(value))
	case shapes.Int64:
		binary.LittleEndian.PutUint64(dst, uint64(int64(value)))
	case shapes.Uint64:
		binary.LittleEndian.PutUint64(dst, uint64(value))
	case shapes.Float16:
		binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(float32(value)).Bits())
	case shapes.BFloat16:
		binary.LittleEndian.PutUint16(dst, uint16(bfloat16.FromFloat32(float32(value))))
	case shapes.Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(value)))
	case shapes.Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(value))
	default:
		panic(errors.Wrapf(shapes.ErrTypeMismatch, "cannot encode constant of dtype %s", dtype))
	}
}
