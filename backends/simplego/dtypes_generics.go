// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/types/shapes"
	"golang.org/x/exp/constraints"
)

// FuncForDispatcher is type of functions that the DTypeDispatcher can handle.
type FuncForDispatcher func(params ...any) any

// MaxDTypes is the upper bound on the tags of built-in dtypes handled by a DTypeDispatcher.
// Custom dtypes are never dispatched: they go through their Codec instead.
const MaxDTypes = 32

// DTypeDispatcher calls the generic instantiation registered for the dtype of the data being processed.
type DTypeDispatcher struct {
	Name  string
	fnMap [MaxDTypes]FuncForDispatcher
}

// NewDTypeDispatcher creates a new dispatcher for a class of functions.
func NewDTypeDispatcher(name string) *DTypeDispatcher {
	return &DTypeDispatcher{
		Name: name,
	}
}

// Dispatch call the function that matches the dtype.
func (d *DTypeDispatcher) Dispatch(dtype shapes.DType, params ...any) any {
	if dtype < 0 || dtype >= MaxDTypes || d.fnMap[dtype] == nil {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	return d.fnMap[dtype](params...)
}

// Has returns whether there is an implementation registered for the dtype.
func (d *DTypeDispatcher) Has(dtype shapes.DType) bool {
	return dtype >= 0 && dtype < MaxDTypes && d.fnMap[dtype] != nil
}

// Register a function to handle a specific dtype.
// This overwrites any previous setting for the same dtype.
func (d *DTypeDispatcher) Register(dtype shapes.DType, fn FuncForDispatcher) {
	if dtype < 0 || dtype >= MaxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	d.fnMap[dtype] = fn
}

// PODNumericConstraints are used for generics for the Golang pod (plain-old-data) types.
// Float16 and BFloat16 are not included because they are not natively supported by Go: they are handled
// by their Codec.
type PODNumericConstraints interface {
	constraints.Integer | constraints.Float
}

// PODFloatConstraints are used for generics for the Golang pod (plain-old-data) float types.
type PODFloatConstraints interface {
	constraints.Float
}

// registerNumeric registers the generic function instantiated for each of the POD numeric types.
func registerNumeric(d *DTypeDispatcher,
	i8, i16, i32, i64, u8, u16, u32, u64, f32, f64 FuncForDispatcher) {
	d.Register(shapes.Int8, i8)
	d.Register(shapes.Int16, i16)
	d.Register(shapes.Int32, i32)
	d.Register(shapes.Int64, i64)
	d.Register(shapes.Uint8, u8)
	d.Register(shapes.Uint16, u16)
	d.Register(shapes.Uint32, u32)
	d.Register(shapes.Uint64, u64)
	d.Register(shapes.Float32, f32)
	d.Register(shapes.Float64, f64)
}
