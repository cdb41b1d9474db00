// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DType indicates the type of the unit element of a Tensor (or of a node in a computation graph).
//
// Built-in values share the numeric tags of github.com/gomlx/gopjrt/dtypes, which also provides their
// names, byte widths and Go types.
//
// Custom dtypes are opaque tags created with RegisterCustom: the only things known about them are their name and
// their byte width. Interpreting their bytes is left to whichever kernel implementation chooses to support them.
type DType int32

// Built-in dtypes.
const (
	InvalidDType = DType(dtypes.InvalidDType)
	Bool         = DType(dtypes.Bool)
	Int8         = DType(dtypes.Int8)
	Int16        = DType(dtypes.Int16)
	Int32        = DType(dtypes.Int32)
	Int64        = DType(dtypes.Int64)
	Uint8        = DType(dtypes.Uint8)
	Uint16       = DType(dtypes.Uint16)
	Uint32       = DType(dtypes.Uint32)
	Uint64       = DType(dtypes.Uint64)
	Float16      = DType(dtypes.Float16)
	BFloat16     = DType(dtypes.BFloat16)
	Float32      = DType(dtypes.Float32)
	Float64      = DType(dtypes.Float64)
)

// Aliases.
const (
	F16 = Float16
	F32 = Float32
	F64 = Float64
	I32 = Int32
	I64 = Int64
)

var builtinDTypes = []DType{Bool, Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64,
	Float16, BFloat16, Float32, Float64}

// customBase is the first tag given to custom dtypes, well above any tag used by gopjrt.
const customBase DType = 1 << 16

type customDType struct {
	name  string
	width int
}

var (
	customMu     sync.RWMutex
	customByTag  = make(map[DType]customDType)
	customByName = make(map[string]DType)
)

// Custom is the pre-registered experimental dtype: 4 bytes wide.
//
// The "go" backend supports it by storing a half-precision value in the 4-byte slot, but nothing in the shapes
// package knows or depends on that.
var Custom = mustRegisterCustom("custom", 4)

func mustRegisterCustom(name string, width int) DType {
	dtype, err := RegisterCustom(name, width)
	if err != nil {
		panic(err)
	}
	return dtype
}

// RegisterCustom creates (or returns the previously created) custom dtype with the given name and byte width.
//
// Registering the same name twice with the same width returns the same DType. It fails if the name is
// already used with a different width, if it clashes with a built-in dtype name, or if width is not positive.
func RegisterCustom(name string, width int) (DType, error) {
	if name == "" {
		return InvalidDType, errors.New("custom dtype requires a name")
	}
	if width <= 0 {
		return InvalidDType, errors.Errorf("custom dtype %q: width must be positive, got %d", name, width)
	}
	for _, builtin := range builtinDTypes {
		if strings.EqualFold(builtin.String(), name) {
			return InvalidDType, errors.Errorf("custom dtype %q clashes with built-in dtype %s", name, builtin)
		}
	}
	customMu.Lock()
	defer customMu.Unlock()
	if dtype, found := customByName[name]; found {
		if existing := customByTag[dtype]; existing.width != width {
			return InvalidDType, errors.Errorf("custom dtype %q already registered with width %d, cannot re-register with width %d",
				name, existing.width, width)
		}
		return dtype, nil
	}
	dtype := customBase + DType(len(customByTag))
	customByTag[dtype] = customDType{name: name, width: width}
	customByName[name] = dtype
	return dtype, nil
}

// CustomDTypes returns the registered custom dtypes, in registration order.
func CustomDTypes() []DType {
	customMu.RLock()
	defer customMu.RUnlock()
	list := make([]DType, 0, len(customByTag))
	for dtype := range customByTag {
		list = append(list, dtype)
	}
	slices.Sort(list)
	return list
}

func lookupCustom(dtype DType) (customDType, bool) {
	if dtype < customBase {
		return customDType{}, false
	}
	customMu.RLock()
	defer customMu.RUnlock()
	info, found := customByTag[dtype]
	return info, found
}

// IsCustom returns whether dtype is a registered custom dtype.
func (dtype DType) IsCustom() bool {
	_, found := lookupCustom(dtype)
	return found
}

// IsKnown returns whether dtype is either a supported built-in or a registered custom dtype.
func (dtype DType) IsKnown() bool {
	return slices.Contains(builtinDTypes, dtype) || dtype.IsCustom()
}

// IsFloat returns whether dtype is a built-in floating point type.
// Custom dtypes are never considered float, since their encoding is opaque.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == BFloat16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is a built-in integer type (signed or unsigned).
func (dtype DType) IsInt() bool {
	if dtype >= customBase || dtype == Bool {
		return false
	}
	return dtypes.DType(dtype).IsInt()
}

// Size returns the number of bytes used by one element of the dtype. It returns 0 for unknown dtypes.
func (dtype DType) Size() int {
	if info, found := lookupCustom(dtype); found {
		return info.width
	}
	if !slices.Contains(builtinDTypes, dtype) {
		return 0
	}
	return dtypes.DType(dtype).Size()
}

// GoType returns the Go type used to represent one element of a built-in dtype.
// It returns nil for custom dtypes: they have no Go representation.
func (dtype DType) GoType() reflect.Type {
	if !slices.Contains(builtinDTypes, dtype) {
		return nil
	}
	return dtypes.DType(dtype).GoType()
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if info, found := lookupCustom(dtype); found {
		return info.name
	}
	if dtype >= customBase {
		return "UnknownCustomDType"
	}
	return dtypes.DType(dtype).String()
}

// ParseDType returns the DType with the given name (case-insensitive), built-in or custom.
func ParseDType(name string) (DType, error) {
	for _, dtype := range builtinDTypes {
		if strings.EqualFold(dtype.String(), name) {
			return dtype, nil
		}
	}
	customMu.RLock()
	defer customMu.RUnlock()
	for customName, dtype := range customByName {
		if strings.EqualFold(customName, name) {
			return dtype, nil
		}
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// Supported lists the Go types that can be used for the flat contents of built-in dtypes.
type Supported = dtypes.Supported

// FromGenericsType returns the DType corresponding to the Go type T.
func FromGenericsType[T Supported]() DType {
	return DType(dtypes.FromGenericsType[T]())
}
