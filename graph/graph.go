// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the core package to build symbolic computations: a Graph holds Node objects (values), each
// being either a named placeholder or the result of an operation on other nodes.
//
// Shapes and dtypes of every node are inferred eagerly, when the node is created. Invalid operations panic with an
// error (wrapping shapes.ErrShapeMismatch, shapes.ErrTypeMismatch, ErrDuplicateName, etc.) before the node is
// added to the graph, so the graph never holds an invalid node. Use exceptions.TryCatch[error] to recover them:
//
//	err := exceptions.TryCatch[error](func() { y = graph.MatMul(a, b) })
//
// Once built, a set of named inputs (placeholders) and named outputs are compiled with Compile into a Program,
// which is executed with an Invoker, binding tensors.Tensor to its ports.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
)

var (
	// ErrNotDifferentiable is thrown by Gradient if a path from the output to a value it differentiates with respect
	// to goes through an operation with no gradient, or through a non-float value.
	ErrNotDifferentiable = errors.New("not differentiable")

	// ErrUnboundPlaceholder is returned by Compile if an output depends on a placeholder not given as input.
	ErrUnboundPlaceholder = errors.New("unbound placeholder")

	// ErrUnknownPort is returned when binding or querying a port name the Program doesn't have.
	ErrUnknownPort = errors.New("unknown port")

	// ErrUnboundPort is returned by Invoker.Invoke if any input or output port has no tensor bound.
	ErrUnboundPort = errors.New("unbound port")

	// ErrDuplicateName is thrown when creating a placeholder with a name already used in the graph, and returned
	// by Compile if port names are repeated.
	ErrDuplicateName = errors.New("duplicate name")
)

// NodeID is a unique identifier for Node objects in a Graph, given in creation order. Since operands must exist
// before the node that uses them, the ids of a node's inputs are always smaller than its own id.
type NodeID int

// Graph is the arena that owns all nodes of a computation. Nodes are never removed while the graph is alive.
//
// A Graph is not safe for concurrent use while being built.
type Graph struct {
	name  string
	nodes []*Node

	placeholders     []*Node
	placeholderNames map[string]*Node

	scalars map[scalarKey]*Node
}

type scalarKey struct {
	dtype shapes.DType
	value float64
}

// NewGraph creates an empty Graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:             name,
		placeholderNames: make(map[string]*Node),
		scalars:          make(map[scalarKey]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NodeByID returns the node with the given id, or nil if there is none.
func (g *Graph) NodeByID(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Placeholders returns the placeholders of the graph, in creation order.
func (g *Graph) Placeholders() []*Node {
	return append([]*Node(nil), g.placeholders...)
}

// PlaceholderByName returns the placeholder with the given name, or nil.
func (g *Graph) PlaceholderByName(name string) *Node {
	return g.placeholderNames[name]
}

// String returns a listing of all the nodes of the graph.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, node := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}

// registerNode appends the node to the arena, assigning it its id.
func (g *Graph) registerNode(node *Node) *Node {
	node.graph = g
	node.id = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, node)
	return node
}

// Placeholder creates a named leaf node, which will be fed by a tensor bound at invocation time.
//
// It panics with ErrDuplicateName if the name is already used by another placeholder of the graph, or with
// shapes.ErrInvalidShape if the shape is invalid.
func Placeholder(g *Graph, name string, shape shapes.Shape) *Node {
	if name == "" {
		panic(errors.New("Placeholder requires a name"))
	}
	if _, found := g.placeholderNames[name]; found {
		panic(errors.Wrapf(ErrDuplicateName, "placeholder %q already exists in graph %q", name, g.name))
	}
	if _, err := shapes.New(shape.DType, shape.Dimensions...); err != nil {
		panic(errors.WithMessagef(err, "Placeholder(%q)", name))
	}
	node := g.registerNode(&Node{
		opType: backends.OpTypeParameter,
		shape:  shape.Clone(),
		name:   name,
	})
	g.placeholders = append(g.placeholders, node)
	g.placeholderNames[name] = node
	return node
}

// sameGraph checks that all nodes are valid and belong to the same graph, and returns it.
func sameGraph(opType backends.OpType, nodes ...*Node) *Graph {
	var g *Graph
	for ii, node := range nodes {
		if node == nil || node.graph == nil {
			panic(errors.Errorf("%s: operand #%d is nil or invalid", opType, ii))
		}
		if g == nil {
			g = node.graph
		} else if node.graph != g {
			panic(errors.Errorf("%s: operand #%d belongs to graph %q, operand #0 to graph %q",
				opType, ii, node.graph.name, g.name))
		}
	}
	return g
}

// mustShape panics with the error if err is not nil.
func mustShape(shape shapes.Shape, err error) shapes.Shape {
	if err != nil {
		panic(err)
	}
	return shape
}

// newOpNode creates a derived node. The shape must have already been validated.
func newOpNode(opType backends.OpType, shape shapes.Shape, inputs ...*Node) *Node {
	g := sameGraph(opType, inputs...)
	return g.registerNode(&Node{
		opType: opType,
		shape:  shape,
		inputs: inputs,
	})
}
