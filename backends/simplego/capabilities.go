// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types"
	"github.com/gomlx/gotile/types/shapes"
)

// nativeDTypes are computed with Go generics, without a Codec.
var nativeDTypes = types.SetWith(
	shapes.Bool,
	shapes.Int8, shapes.Int16, shapes.Int32, shapes.Int64,
	shapes.Uint8, shapes.Uint16, shapes.Uint32, shapes.Uint64,
	shapes.Float32, shapes.Float64,
)

// baseCapabilities of the "go" backend: the set of supported operations and native data types.
// Dtypes with a registered Codec are added by Backend.Capabilities.
var baseCapabilities = backends.Capabilities{
	Operations: map[backends.OpType]bool{
		backends.OpTypeParameter:    true,
		backends.OpTypeConstant:     true,
		backends.OpTypeConvertDType: true,

		// Standard binary operations:
		backends.OpTypeAdd: true,
		backends.OpTypeSub: true,
		backends.OpTypeMul: true,
		backends.OpTypeDiv: true,

		// Standard unary operations:
		backends.OpTypeNeg:   true,
		backends.OpTypeExp:   true,
		backends.OpTypeLog:   true,
		backends.OpTypeFloor: true,
		backends.OpTypeSign:  true,

		// Other operations:
		backends.OpTypeMatMul:    true,
		backends.OpTypeTranspose: true,
		backends.OpTypeReduceSum: true,
	},
	DTypes: make(map[shapes.DType]bool),
}

func init() {
	for dtype := range nativeDTypes {
		baseCapabilities.DTypes[dtype] = true
	}
}

// Capabilities returns information about what is supported by this backend, including the dtypes with
// a registered Codec.
func (b *Backend) Capabilities() backends.Capabilities {
	capabilities := baseCapabilities.Clone()
	for _, dtype := range codecDTypes() {
		capabilities.DTypes[dtype] = true
	}
	return capabilities
}
