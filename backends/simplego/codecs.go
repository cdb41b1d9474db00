// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"encoding/binary"
	"sync"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Codec converts elements of a dtype without native Go arithmetic to and from float32, the precision used by
// this backend to compute with them.
//
// Every operation on such a dtype decodes its operands, computes in float32, and encodes the result back, so
// results are rounded to the dtype's precision after each operation.
type Codec interface {
	// Decode converts len(dst) elements from their raw little-endian bytes in src.
	Decode(src []byte, dst []float32)

	// Encode converts len(src) elements into their raw little-endian bytes in dst.
	Encode(src []float32, dst []byte)
}

var (
	codecsMu sync.RWMutex
	codecs   = make(map[shapes.DType]Codec)
)

// RegisterCodec makes the "go" backend support the dtype, using the codec to interpret its elements.
// It can be used to support new custom dtypes (see shapes.RegisterCustom).
//
// It returns an error if the dtype has native support, since those can't be overridden.
func RegisterCodec(dtype shapes.DType, codec Codec) error {
	if nativeDTypes.Has(dtype) {
		return errors.Errorf("dtype %s is natively supported by backend %q, cannot register a codec for it", dtype, BackendName)
	}
	if !dtype.IsKnown() {
		return errors.Wrapf(shapes.ErrInvalidShape, "cannot register a codec for unknown dtype #%d", int32(dtype))
	}
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[dtype] = codec
	return nil
}

func lookupCodec(dtype shapes.DType) (Codec, bool) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	codec, found := codecs[dtype]
	return codec, found
}

func codecDTypes() []shapes.DType {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	list := make([]shapes.DType, 0, len(codecs))
	for dtype := range codecs {
		list = append(list, dtype)
	}
	return list
}

func init() {
	for dtype, codec := range map[shapes.DType]Codec{
		shapes.Float16:  float16Codec{},
		shapes.BFloat16: bfloat16Codec{},
		shapes.Custom:   halfInWordCodec{},
	} {
		if err := RegisterCodec(dtype, codec); err != nil {
			panic(err)
		}
	}
}

// float16Codec handles IEEE 754 half-precision values.
type float16Codec struct{}

func (float16Codec) Decode(src []byte, dst []float32) {
	for ii := range dst {
		dst[ii] = float16.Frombits(binary.LittleEndian.Uint16(src[2*ii:])).Float32()
	}
}

func (float16Codec) Encode(src []float32, dst []byte) {
	for ii, v := range src {
		binary.LittleEndian.PutUint16(dst[2*ii:], float16.Fromfloat32(v).Bits())
	}
}

// bfloat16Codec handles "brain float" 16 bits values.
type bfloat16Codec struct{}

func (bfloat16Codec) Decode(src []byte, dst []float32) {
	for ii := range dst {
		dst[ii] = bfloat16.BFloat16(binary.LittleEndian.Uint16(src[2*ii:])).Float32()
	}
}

func (bfloat16Codec) Encode(src []float32, dst []byte) {
	for ii, v := range src {
		binary.LittleEndian.PutUint16(dst[2*ii:], uint16(bfloat16.FromFloat32(v)))
	}
}

// halfInWordCodec stores a half-precision value in the first 2 bytes of a 4 bytes slot. The upper 2 bytes are
// written as zero and ignored when reading.
//
// It is the interpretation of shapes.Custom by this backend.
type halfInWordCodec struct{}

func (halfInWordCodec) Decode(src []byte, dst []float32) {
	for ii := range dst {
		dst[ii] = float16.Frombits(binary.LittleEndian.Uint16(src[4*ii:])).Float32()
	}
}

func (halfInWordCodec) Encode(src []float32, dst []byte) {
	for ii, v := range src {
		binary.LittleEndian.PutUint32(dst[4*ii:], uint32(float16.Fromfloat32(v).Bits()))
	}
}
