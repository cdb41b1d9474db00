// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
)

// This file implements reverse-mode automatic differentiation, using the accumulated VJP (Vector Jacobian Product).
//
// Glossary:
//
//   - VJP / adjoint: the accumulated reverse gradient of the output with respect to the node being processed.
//     Nodes are visited in decreasing id order, so by the time a node is reached all nodes consuming it have
//     already contributed their share to its VJP.
//   - Included: nodes the output depends on.
//   - Useful: nodes that depend on at least one of the nodes we differentiate with respect to.

// VJP returns the contributions of the node's VJP `v` to each of its inputs. The returned nodes must have the
// shapes of the corresponding inputs.
type VJP func(node, v *Node) []*Node

// VJPRegistration maps each differentiable operation to its VJP. Operations missing from it (Floor, Sign) are
// not differentiable.
var VJPRegistration = map[backends.OpType]VJP{
	backends.OpTypeAdd:          addVJP,
	backends.OpTypeSub:          subVJP,
	backends.OpTypeMul:          mulVJP,
	backends.OpTypeDiv:          divVJP,
	backends.OpTypeNeg:          negVJP,
	backends.OpTypeExp:          expVJP,
	backends.OpTypeLog:          logVJP,
	backends.OpTypeMatMul:       matMulVJP,
	backends.OpTypeTranspose:    transposeVJP,
	backends.OpTypeReduceSum:    reduceSumVJP,
	backends.OpTypeConvertDType: convertDTypeVJP,
}

type reverseNode struct {
	included, useful bool
	accumulatedVJP   *Node
}

// isDifferentiableDType returns whether gradients can flow through values of the dtype.
// Custom dtypes are treated as (low-precision) floats.
func isDifferentiableDType(dtype shapes.DType) bool {
	return dtype.IsFloat() || dtype.IsCustom()
}

// Gradient returns the gradients of output with respect to each of the wrt nodes, with the same shapes as the
// wrt nodes.
//
// If output is not a scalar, its gradient is seeded with ones, that is, the result is the gradient of the sum of
// output's elements. A wrt node that output doesn't depend on gets a gradient of zeros.
//
// It panics with ErrNotDifferentiable if output or any wrt node doesn't have a float (or custom) dtype, or if a
// Floor or Sign operation (or a non-float intermediary value) lies on the path between them.
func Gradient(output *Node, wrt ...*Node) []*Node {
	g := sameGraph(backends.OpTypeInvalid, append([]*Node{output}, wrt...)...)
	if !isDifferentiableDType(output.DType()) {
		panic(errors.Wrapf(ErrNotDifferentiable, "Gradient of output %s", output))
	}
	for ii, node := range wrt {
		if !isDifferentiableDType(node.DType()) {
			panic(errors.Wrapf(ErrNotDifferentiable, "Gradient with respect to #%d %s", ii, node))
		}
	}

	// Mark included and useful nodes: ids are in topological order, and no node after output is included.
	numNodes := int(output.id) + 1
	rNodes := make([]reverseNode, numNodes)
	for _, node := range wrt {
		if int(node.id) < numNodes {
			rNodes[node.id].useful = true
		}
	}
	for id := range numNodes {
		for _, input := range g.nodes[id].inputs {
			if rNodes[input.id].useful {
				rNodes[id].useful = true
				break
			}
		}
	}
	rNodes[output.id].included = true
	for id := numNodes - 1; id >= 0; id-- {
		if !rNodes[id].included {
			continue
		}
		for _, input := range g.nodes[id].inputs {
			rNodes[input.id].included = true
		}
	}

	rNodes[output.id].accumulatedVJP = OnesLike(output)
	for id := numNodes - 1; id >= 0; id-- {
		node := g.nodes[id]
		rNode := &rNodes[id]
		if !rNode.included || !rNode.useful || rNode.accumulatedVJP == nil || len(node.inputs) == 0 {
			continue
		}
		needInputs := false
		for _, input := range node.inputs {
			rInput := rNodes[input.id]
			if rInput.included && rInput.useful {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}
		if !isDifferentiableDType(node.DType()) {
			panic(errors.Wrapf(ErrNotDifferentiable, "value %s on the gradient path has dtype %s", node, node.DType()))
		}
		vjpFn, found := VJPRegistration[node.opType]
		if !found {
			panic(errors.Wrapf(ErrNotDifferentiable, "operation %s (%s) on the gradient path", node.opType, node))
		}
		inputVJPs := vjpFn(node, rNode.accumulatedVJP)
		if len(inputVJPs) != len(node.inputs) {
			panic(errors.Errorf("VJP of %s returned %d values, expected %d", node.opType, len(inputVJPs), len(node.inputs)))
		}
		for ii, input := range node.inputs {
			rInput := &rNodes[input.id]
			if !rInput.useful {
				continue
			}
			vjp := inputVJPs[ii]
			if !vjp.shape.Equal(input.shape) {
				panic(errors.Wrapf(shapes.ErrShapeMismatch, "VJP of %s for input #%d has shape %s, expected %s",
					node, ii, vjp.shape, input.shape))
			}
			if rInput.accumulatedVJP == nil {
				rInput.accumulatedVJP = vjp
			} else {
				rInput.accumulatedVJP = Add(rInput.accumulatedVJP, vjp)
			}
		}
	}

	gradients := make([]*Node, len(wrt))
	for ii, node := range wrt {
		if int(node.id) < numNodes && rNodes[node.id].accumulatedVJP != nil {
			gradients[ii] = rNodes[node.id].accumulatedVJP
		} else {
			gradients[ii] = ZerosLike(node)
		}
	}
	return gradients
}

// reduceToShape sums v down to a scalar if the input it flows into was broadcast as a scalar.
func reduceToShape(v *Node, shape shapes.Shape) *Node {
	if shape.IsScalar() && !v.shape.IsScalar() {
		return ReduceSum(v)
	}
	return v
}

func addVJP(node, v *Node) []*Node {
	return []*Node{
		reduceToShape(v, node.inputs[0].shape),
		reduceToShape(v, node.inputs[1].shape),
	}
}

func subVJP(node, v *Node) []*Node {
	return []*Node{
		reduceToShape(v, node.inputs[0].shape),
		reduceToShape(Neg(v), node.inputs[1].shape),
	}
}

func mulVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	return []*Node{
		reduceToShape(Mul(v, y), x.shape),
		reduceToShape(Mul(v, x), y.shape),
	}
}

// divVJP: for z = x/y, dz/dx = 1/y and dz/dy = -z/y.
func divVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	return []*Node{
		reduceToShape(Div(v, y), x.shape),
		reduceToShape(Neg(Mul(v, Div(node, y))), y.shape),
	}
}

func negVJP(_, v *Node) []*Node {
	return []*Node{Neg(v)}
}

func expVJP(node, v *Node) []*Node {
	return []*Node{Mul(v, node)}
}

func logVJP(node, v *Node) []*Node {
	return []*Node{Div(v, node.inputs[0])}
}

// matMulVJP: for z = x·y, dx = v·yᵀ and dy = xᵀ·v.
func matMulVJP(node, v *Node) []*Node {
	x, y := node.inputs[0], node.inputs[1]
	v.AssertDims(x.shape.Dim(0), y.shape.Dim(1))
	return []*Node{
		MatMul(v, Transpose(y)),
		MatMul(Transpose(x), v),
	}
}

func transposeVJP(_, v *Node) []*Node {
	return []*Node{Transpose(v)}
}

// reduceSumVJP broadcasts the scalar v back to the input's shape.
func reduceSumVJP(node, v *Node) []*Node {
	v.AssertScalar()
	return []*Node{Mul(OnesLike(node.inputs[0]), v)}
}

func convertDTypeVJP(node, v *Node) []*Node {
	return []*Node{ConvertDType(v, node.inputs[0].DType())}
}
