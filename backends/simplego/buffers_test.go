// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"testing"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBuffers_Bytes(t *testing.T) {
	buf := backend.(*Backend).getBuffer(shapes.Make(shapes.Int32, 3))
	require.Len(t, buf.flat.([]int32), 3)
	flatBytes := buf.mutableBytes()
	require.Len(t, flatBytes, 3*shapes.Int32.Size())
	flatBytes[0] = 1
	flatBytes[4] = 7
	flatBytes[8] = 3
	require.Equal(t, []int32{1, 7, 3}, buf.flat.([]int32))

	custom := backend.(*Backend).getBuffer(shapes.Make(shapes.Custom, 5))
	require.Len(t, custom.mutableBytes(), 5*4)

	empty := backend.(*Backend).getBuffer(shapes.Make(shapes.Float32, 0, 3))
	require.Len(t, empty.mutableBytes(), 0)
}

func TestBuffers_Transfers(t *testing.T) {
	shape := shapes.Make(shapes.Float32, 2)
	buf := must.M1(backend.NewBuffer(0, shape))
	require.True(t, shape.Equal(must.M1(backend.BufferShape(buf))))
	require.Equal(t, backends.DeviceNum(0), must.M1(backend.BufferDeviceNum(buf)))

	data := []byte{0, 0, 128, 63, 0, 0, 0, 64} // float32 1 and 2, little-endian.
	require.NoError(t, backend.BufferUpload(buf, data))
	require.Equal(t, []float32{1, 2}, buf.(*Buffer).flat.([]float32))

	got := make([]byte, len(data))
	require.NoError(t, backend.BufferDownload(buf, got))
	require.Equal(t, data, got)

	err := backend.BufferUpload(buf, data[:4])
	require.True(t, errors.Is(err, shapes.ErrShapeMismatch))
	err = backend.BufferDownload(buf, make([]byte, 9))
	require.True(t, errors.Is(err, shapes.ErrShapeMismatch))

	require.NoError(t, backend.BufferFinalize(buf))
	err = backend.BufferFinalize(buf)
	require.True(t, errors.Is(err, backends.ErrFinalized))
	_, err = backend.BufferShape(buf)
	require.Error(t, err)

	_, err = backend.NewBuffer(1, shape)
	require.Error(t, err)

	// Shapes built as literals are validated too.
	for _, invalid := range []shapes.Shape{
		{DType: shapes.Float32, Dimensions: []int{-2}},
		{DType: shapes.Float32, Dimensions: []int{-2, -3}},
		{DType: shapes.InvalidDType, Dimensions: []int{2}},
	} {
		_, err = backend.NewBuffer(0, invalid)
		require.Truef(t, errors.Is(err, shapes.ErrInvalidShape), "NewBuffer(%s)", invalid)
	}
}

func TestBuffers_Devices(t *testing.T) {
	b := must.M1(New("devices=2"))
	defer b.Finalize()
	buf := must.M1(b.NewBuffer(1, shapes.Make(shapes.Custom, 3)))
	require.Equal(t, backends.DeviceNum(1), must.M1(b.BufferDeviceNum(buf)))
	require.Len(t, buf.(*Buffer).mutableBytes(), 12)
	require.Equal(t, int64(1), b.(*Backend).LiveBuffers())
	require.NoError(t, b.BufferFinalize(buf))
	require.Zero(t, b.(*Backend).LiveBuffers())
}

func TestBuffers_Copy(t *testing.T) {
	b := must.M1(New("devices=2"))
	defer b.Finalize()
	src := must.M1(b.NewBuffer(0, shapes.Make(shapes.Int16, 2)))
	require.NoError(t, b.BufferUpload(src, []byte{1, 0, 2, 0}))
	dst := must.M1(b.NewBuffer(0, shapes.Make(shapes.Int16, 2)))
	require.NoError(t, b.BufferCopy(dst, src))
	require.Equal(t, []int16{1, 2}, dst.(*Buffer).flat.([]int16))

	other := must.M1(b.NewBuffer(0, shapes.Make(shapes.Int16, 3)))
	require.True(t, errors.Is(b.BufferCopy(other, src), shapes.ErrShapeMismatch))
	remote := must.M1(b.NewBuffer(1, shapes.Make(shapes.Int16, 2)))
	require.True(t, errors.Is(b.BufferCopy(remote, src), backends.ErrDeviceMismatch))
}
