// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "fmt"

// OpType is an enum of all generic operations that can be supported by a Backend.
//
// Notice: nothing precludes a specialized backend to support other ops not included here, but the graph
// package only emits these.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypeConstant
	OpTypeConvertDType

	// Element-wise binary ops: operands have the same dtype, and either the same dimensions or one of them is
	// a scalar (broadcast to the other).
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv

	// Element-wise unary ops.
	OpTypeNeg
	OpTypeExp
	OpTypeLog
	OpTypeFloor
	OpTypeSign

	// OpTypeMatMul is the rank-2 matrix product [m, k] x [k, n] -> [m, n].
	OpTypeMatMul
	OpTypeTranspose
	// OpTypeReduceSum sums all elements, resulting in a scalar.
	OpTypeReduceSum

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:      "Invalid",
	OpTypeParameter:    "Parameter",
	OpTypeConstant:     "Constant",
	OpTypeConvertDType: "ConvertDType",
	OpTypeAdd:          "Add",
	OpTypeSub:          "Sub",
	OpTypeMul:          "Mul",
	OpTypeDiv:          "Div",
	OpTypeNeg:          "Neg",
	OpTypeExp:          "Exp",
	OpTypeLog:          "Log",
	OpTypeFloor:        "Floor",
	OpTypeSign:         "Sign",
	OpTypeMatMul:       "MatMul",
	OpTypeTranspose:    "Transpose",
	OpTypeReduceSum:    "ReduceSum",
	OpTypeLast:         "Last",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || int(op) >= len(opTypeNames) {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// IsBinary returns whether the op is an element-wise binary op.
func (op OpType) IsBinary() bool {
	return op >= OpTypeAdd && op <= OpTypeDiv
}

// IsUnary returns whether the op is an element-wise unary op.
func (op OpType) IsUnary() bool {
	return op >= OpTypeNeg && op <= OpTypeSign
}

// NumInputs returns the number of operands the op takes.
func (op OpType) NumInputs() int {
	switch {
	case op == OpTypeParameter || op == OpTypeConstant:
		return 0
	case op.IsBinary() || op == OpTypeMatMul:
		return 2
	case op == OpTypeInvalid || op >= OpTypeLast:
		return -1
	default:
		return 1
	}
}
