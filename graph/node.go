// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/backends/shapeinference"
	"github.com/gomlx/gotile/types/shapes"
)

// Node represents a value of the computation Graph: either a placeholder, a constant or the result of an
// operation. It holds its inferred shape, and the operands it was created from.
type Node struct {
	graph  *Graph
	id     NodeID
	opType backends.OpType
	shape  shapes.Shape
	inputs []*Node

	// name of a placeholder.
	name string

	// data holds the raw bytes of a constant.
	data []byte
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// ID of the node in its graph.
func (n *Node) ID() NodeID { return n.id }

// Type of the operation that created the node.
func (n *Node) Type() backends.OpType { return n.opType }

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.shape }

// DType of the node's value.
func (n *Node) DType() shapes.DType { return n.shape.DType }

// Rank of the node's value.
func (n *Node) Rank() int { return n.shape.Rank() }

// Inputs are the operands of the node.
func (n *Node) Inputs() []*Node { return n.inputs }

// IsPlaceholder returns whether the node is a placeholder.
func (n *Node) IsPlaceholder() bool { return n.opType == backends.OpTypeParameter }

// Name of the placeholder, or empty for other nodes.
func (n *Node) Name() string { return n.name }

// String implements fmt.Stringer.
func (n *Node) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "#%d %s", n.id, n.opType)
	if n.opType == backends.OpTypeParameter {
		_, _ = fmt.Fprintf(&sb, "(%q)", n.name)
	} else if len(n.inputs) > 0 {
		ids := make([]string, len(n.inputs))
		for ii, input := range n.inputs {
			ids[ii] = fmt.Sprintf("#%d", input.id)
		}
		_, _ = fmt.Fprintf(&sb, "(%s)", strings.Join(ids, ", "))
	}
	_, _ = fmt.Fprintf(&sb, ": %s", n.shape)
	return sb.String()
}

func binaryOp(opType backends.OpType, lhs, rhs *Node) *Node {
	sameGraph(opType, lhs, rhs)
	shape := mustShape(shapeinference.BinaryOp(opType, lhs.shape, rhs.shape))
	return newOpNode(opType, shape, lhs, rhs)
}

func unaryOp(opType backends.OpType, x *Node) *Node {
	sameGraph(opType, x)
	shape := mustShape(shapeinference.UnaryOp(opType, x.shape))
	return newOpNode(opType, shape, x)
}

// Add returns the element-wise sum lhs + rhs. Operands must have the same dtype, and either the same
// dimensions or one of them must be a scalar.
func Add(lhs, rhs *Node) *Node { return binaryOp(backends.OpTypeAdd, lhs, rhs) }

// Sub returns the element-wise difference lhs - rhs. See Add for the shape rules.
func Sub(lhs, rhs *Node) *Node { return binaryOp(backends.OpTypeSub, lhs, rhs) }

// Mul returns the element-wise product lhs * rhs. See Add for the shape rules.
func Mul(lhs, rhs *Node) *Node { return binaryOp(backends.OpTypeMul, lhs, rhs) }

// Div returns the element-wise division lhs / rhs. See Add for the shape rules.
func Div(lhs, rhs *Node) *Node { return binaryOp(backends.OpTypeDiv, lhs, rhs) }

// Neg returns -x.
func Neg(x *Node) *Node { return unaryOp(backends.OpTypeNeg, x) }

// Exp returns e^x, for float (or custom) dtypes.
func Exp(x *Node) *Node { return unaryOp(backends.OpTypeExp, x) }

// Log returns the natural logarithm of x, for float (or custom) dtypes.
func Log(x *Node) *Node { return unaryOp(backends.OpTypeLog, x) }

// Floor rounds x down. It has no gradient.
func Floor(x *Node) *Node { return unaryOp(backends.OpTypeFloor, x) }

// Sign returns 1 for positive values, -1 for negative values and 0 for zero. It has no gradient.
func Sign(x *Node) *Node { return unaryOp(backends.OpTypeSign, x) }

// MatMul returns the matrix product of lhs [m, k] and rhs [k, n], with shape [m, n].
// It panics with shapes.ErrShapeMismatch if operands are not rank-2 or if the inner dimensions differ.
func MatMul(lhs, rhs *Node) *Node {
	sameGraph(backends.OpTypeMatMul, lhs, rhs)
	shape := mustShape(shapeinference.MatMul(lhs.shape, rhs.shape))
	return newOpNode(backends.OpTypeMatMul, shape, lhs, rhs)
}

// Transpose returns the transposition of the rank-2 x.
func Transpose(x *Node) *Node {
	sameGraph(backends.OpTypeTranspose, x)
	shape := mustShape(shapeinference.Transpose(x.shape))
	return newOpNode(backends.OpTypeTranspose, shape, x)
}

// ReduceSum returns the scalar sum of all elements of x.
func ReduceSum(x *Node) *Node {
	sameGraph(backends.OpTypeReduceSum, x)
	shape := mustShape(shapeinference.ReduceSum(x.shape))
	return newOpNode(backends.OpTypeReduceSum, shape, x)
}

// ConvertDType (or cast) converts x to the given dtype. It is the only operation that changes a value's dtype.
// If x already has the dtype, x is returned.
func ConvertDType(x *Node, dtype shapes.DType) *Node {
	sameGraph(backends.OpTypeConvertDType, x)
	if x.shape.DType == dtype {
		return x
	}
	shape := mustShape(shapeinference.ConvertDType(x.shape, dtype))
	return newOpNode(backends.OpTypeConvertDType, shape, x)
}

// AddScalar returns x + value, with value converted to x's dtype.
func AddScalar(x *Node, value float64) *Node {
	return Add(x, Scalar(x.graph, x.DType(), value))
}

// SubScalar returns x - value, with value converted to x's dtype.
func SubScalar(x *Node, value float64) *Node {
	return Sub(x, Scalar(x.graph, x.DType(), value))
}

// MulScalar returns x * value, with value converted to x's dtype.
func MulScalar(x *Node, value float64) *Node {
	return Mul(x, Scalar(x.graph, x.DType(), value))
}

// DivScalar returns x / value, with value converted to x's dtype.
func DivScalar(x *Node, value float64) *Node {
	return Div(x, Scalar(x.graph, x.DType(), value))
}
