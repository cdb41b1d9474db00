// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"strings"

	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
)

// Op is one operation of a Computation.
type Op struct {
	Type OpType

	// Shape of the value produced by the op.
	Shape shapes.Shape

	// Inputs are the indices (in Computation.Ops) of the operands. They are always smaller than the index of
	// the op itself.
	Inputs []int

	// Name of the parameter, for OpTypeParameter.
	Name string

	// Data holds the raw bytes of a constant (Shape.ByteSize() long), for OpTypeConstant.
	Data []byte
}

// Computation is a frozen, backend independent, description of a program.
//
// Ops are stored in topological order, and the Parameters and Outputs lists select which ops are fed by the
// inputs and which ones are returned as outputs. It is created by the graph package, and should not be changed
// after being handed to Backend.Compile.
type Computation struct {
	Name string
	Ops  []Op

	// Parameters holds the indices of the OpTypeParameter ops, in the order the inputs are given to Execute.
	Parameters []int

	// Outputs holds the indices of the ops whose values are returned, in the order of Execute outputs.
	// The same op may be listed more than once.
	Outputs []int
}

// Validate checks the structural invariants of the computation: topological order, number of operands,
// parameter and output indices and constant sizes. It doesn't check shape inference rules.
func (c *Computation) Validate() error {
	isParameter := make([]bool, len(c.Ops))
	for ii, opIdx := range c.Parameters {
		if opIdx < 0 || opIdx >= len(c.Ops) || c.Ops[opIdx].Type != OpTypeParameter {
			return errors.Errorf("computation %q: parameter #%d points to invalid op #%d", c.Name, ii, opIdx)
		}
		if isParameter[opIdx] {
			return errors.Errorf("computation %q: op #%d listed twice as parameter", c.Name, opIdx)
		}
		isParameter[opIdx] = true
	}
	for opIdx, op := range c.Ops {
		if !op.Shape.Ok() {
			return errors.Errorf("computation %q: op #%d (%s) has invalid shape", c.Name, opIdx, op.Type)
		}
		if want := op.Type.NumInputs(); want < 0 || len(op.Inputs) != want {
			return errors.Errorf("computation %q: op #%d (%s) has %d operands", c.Name, opIdx, op.Type, len(op.Inputs))
		}
		for _, inputIdx := range op.Inputs {
			if inputIdx < 0 || inputIdx >= opIdx {
				return errors.Errorf("computation %q: op #%d (%s) uses operand #%d, ops must be in topological order",
					c.Name, opIdx, op.Type, inputIdx)
			}
		}
		switch op.Type {
		case OpTypeParameter:
			if !isParameter[opIdx] {
				return errors.Errorf("computation %q: parameter op #%d (%q) not listed in Parameters", c.Name, opIdx, op.Name)
			}
		case OpTypeConstant:
			if len(op.Data) != op.Shape.ByteSize() {
				return errors.Errorf("computation %q: constant op #%d has %d bytes, shape %s requires %d",
					c.Name, opIdx, len(op.Data), op.Shape, op.Shape.ByteSize())
			}
		}
	}
	for ii, opIdx := range c.Outputs {
		if opIdx < 0 || opIdx >= len(c.Ops) {
			return errors.Errorf("computation %q: output #%d points to invalid op #%d", c.Name, ii, opIdx)
		}
	}
	return nil
}

// Listing returns a human-readable textual listing of the computation, with numbered lines.
func (c *Computation) Listing() string {
	var sb strings.Builder
	var lines []string
	lines = append(lines, fmt.Sprintf("computation %q", c.Name))
	for opIdx, op := range c.Ops {
		sb.Reset()
		_, _ = fmt.Fprintf(&sb, "%%%d = %s", opIdx, op.Type)
		switch op.Type {
		case OpTypeParameter:
			_, _ = fmt.Fprintf(&sb, " %q", op.Name)
		case OpTypeConstant:
			_, _ = fmt.Fprintf(&sb, " <%d bytes>", len(op.Data))
		default:
			for ii, inputIdx := range op.Inputs {
				if ii > 0 {
					sb.WriteString(",")
				}
				_, _ = fmt.Fprintf(&sb, " %%%d", inputIdx)
			}
		}
		_, _ = fmt.Fprintf(&sb, " : %s", op.Shape)
		lines = append(lines, sb.String())
	}
	outputs := make([]string, len(c.Outputs))
	for ii, opIdx := range c.Outputs {
		outputs[ii] = fmt.Sprintf("%%%d", opIdx)
	}
	lines = append(lines, "return "+strings.Join(outputs, ", "))

	sb.Reset()
	for lineNum, line := range lines {
		_, _ = fmt.Fprintf(&sb, "%4d: %s\n", lineNum+1, line)
	}
	return sb.String()
}
