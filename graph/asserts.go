// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/pkg/errors"
)

// This file implements asserts (checks) that can be done on the Node, derived from the ones in the shapes package.

// AssertDims checks whether the node's shape has the given dimensions and rank. A value of -1 in dimensions
// means it can take any value and is not checked.
//
// If the shape is not what was expected, it panics with an error wrapping shapes.ErrShapeMismatch.
//
// It often serves as documentation for graph building code:
//
//	logits := MatMul(x, weights)
//	logits.AssertDims(batchSize, -1)
func (n *Node) AssertDims(dimensions ...int) {
	if err := n.shape.CheckDims(dimensions...); err != nil {
		panic(errors.WithMessagef(err, "AssertDims(%v) on %s", dimensions, n))
	}
}

// AssertRank checks whether the node's shape has the given rank, and panics otherwise.
func (n *Node) AssertRank(rank int) {
	if err := n.shape.CheckRank(rank); err != nil {
		panic(errors.WithMessagef(err, "AssertRank(%d) on %s", rank, n))
	}
}

// AssertScalar checks whether the node is a scalar, and panics otherwise.
func (n *Node) AssertScalar() {
	n.AssertRank(0)
}
