// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gotile/backends"
	_ "github.com/gomlx/gotile/backends/simplego"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T) backends.Device {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	t.Cleanup(backend.Finalize)
	device, err := backends.OpenFirstDevice(backend)
	require.NoError(t, err)
	return device
}

func TestViewExclusivity(t *testing.T) {
	device := newDevice(t)
	tensor := must.M1(New(device, shapes.Make(shapes.Float32, 2, 3)))
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, shapes.Float32, tensor.DType())

	for _, firstMode := range []Mode{ModeDiscard, ModeCurrent} {
		var v *View
		var err error
		if firstMode == ModeDiscard {
			v, err = tensor.OpenDiscard()
		} else {
			v, err = tensor.OpenCurrent()
		}
		require.NoError(t, err)
		require.Equal(t, firstMode, v.Mode())

		_, err = tensor.OpenDiscard()
		require.True(t, errors.Is(err, ErrViewAlreadyOpen))
		_, err = tensor.OpenCurrent()
		require.True(t, errors.Is(err, ErrViewAlreadyOpen))
		_, _, err = tensor.Claim()
		require.True(t, errors.Is(err, ErrViewAlreadyOpen))
		require.True(t, errors.Is(tensor.Finalize(), ErrViewAlreadyOpen))

		v.Close()
		v.Close() // Idempotent.
		v2, err := tensor.OpenDiscard()
		require.NoError(t, err)
		v2.Close()
	}
	require.NoError(t, tensor.Finalize())
	require.False(t, tensor.Ok())
	_, err := tensor.OpenCurrent()
	require.True(t, errors.Is(err, backends.ErrFinalized))
	require.NoError(t, tensor.Finalize())
}

func TestRoundTrip(t *testing.T) {
	device := newDevice(t)
	values := []float32{1, -2, 3.5, 0, 1e-3, 7}
	tensor := must.M1(New(device, shapes.Make(shapes.Float32, 2, 3)))
	err := WithDiscard(tensor, func(v *View) error {
		if err := CopyFlatToView(v, values); err != nil {
			return err
		}
		return v.Writeback()
	})
	require.NoError(t, err)
	require.Equal(t, values, must.M1(ToFlat[float32](tensor)))

	// Raw bytes of a custom dtype round trip without being interpreted.
	customShape := shapes.Make(shapes.Custom, 3)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	custom := must.M1(FromBytes(device, customShape, data))
	require.Equal(t, data, must.M1(ToBytes(custom)))
	_, err = ToFlat[float32](custom)
	require.True(t, errors.Is(err, shapes.ErrTypeMismatch))

	// Empty tensors work too.
	empty := must.M1(FromFlat(device, []int32{}, 0, 4))
	require.Empty(t, must.M1(ToFlat[int32](empty)))
}

func TestWritebackOmitted(t *testing.T) {
	device := newDevice(t)
	zeros := []float64{0, 0, 0, 0}
	values := []float64{1, 2, 3, 4}
	tensor := must.M1(FromFlat(device, zeros, 4))

	// Write without committing: the device contents must not be taken from the view.
	err := WithDiscard(tensor, func(v *View) error {
		return CopyFlatToView(v, values)
	})
	require.NoError(t, err)
	got := must.M1(ToFlat[float64](tensor))
	require.NotEqual(t, values, got)
	require.Equal(t, zeros, got)
}

func TestWriteback(t *testing.T) {
	device := newDevice(t)
	tensor := must.M1(New(device, shapes.Make(shapes.Int32, 2)))
	v := must.M1(tensor.OpenDiscard())
	require.NoError(t, CopyFlatToView(v, []int32{1, 2}))
	require.NoError(t, v.Writeback())
	require.NoError(t, CopyFlatToView(v, []int32{3, 4}))
	require.NoError(t, v.Writeback()) // Repeated writebacks commit the latest bytes.
	v.Close()
	require.True(t, errors.Is(v.Writeback(), ErrViewClosed))
	require.Nil(t, v.Bytes())
	require.True(t, errors.Is(CopyFlatToView(v, []int32{5, 6}), ErrViewClosed))

	v = must.M1(tensor.OpenCurrent())
	require.Equal(t, []int32{3, 4}, must.M1(CopyViewToFlat[int32](v)))
	require.True(t, errors.Is(v.Writeback(), ErrViewReadOnly))
	v.Close()

	// Mismatched flat values.
	err := WithDiscard(tensor, func(v *View) error { return CopyFlatToView(v, []int32{1, 2, 3}) })
	require.True(t, errors.Is(err, shapes.ErrShapeMismatch))
	err = WithDiscard(tensor, func(v *View) error { return CopyFlatToView(v, []float32{1, 2}) })
	require.True(t, errors.Is(err, shapes.ErrTypeMismatch))
}

func TestScopedRelease(t *testing.T) {
	device := newDevice(t)
	tensor := must.M1(New(device, shapes.Make(shapes.Float32, 1)))

	// Errors and panics still release the view.
	sentinel := errors.New("early exit")
	err := WithCurrent(tensor, func(v *View) error { return sentinel })
	require.Equal(t, sentinel, err)
	require.Panics(t, func() {
		_ = WithDiscard(tensor, func(v *View) error { panic("boom") })
	})
	v, err := tensor.OpenDiscard()
	require.NoError(t, err)
	v.Close()
}

func TestClaim(t *testing.T) {
	device := newDevice(t)
	tensor := must.M1(FromFlat(device, []float32{1, 2}, 2))
	buffer, release, err := tensor.Claim()
	require.NoError(t, err)
	require.NotNil(t, buffer)
	_, release2, err := tensor.Claim()
	require.NoError(t, err)

	_, err = tensor.OpenCurrent()
	require.True(t, errors.Is(err, ErrViewAlreadyOpen))
	_, err = tensor.OpenDiscard()
	require.True(t, errors.Is(err, ErrViewAlreadyOpen))
	err = WithDiscard(tensor, func(v *View) error { return v.Writeback() })
	require.True(t, errors.Is(err, ErrViewAlreadyOpen))
	require.True(t, errors.Is(tensor.Finalize(), ErrViewAlreadyOpen))
	release()
	release() // Releasing twice counts once.
	_, err = tensor.OpenDiscard()
	require.True(t, errors.Is(err, ErrViewAlreadyOpen))
	release2()

	// An open view blocks claims, and closing it allows them again.
	v := must.M1(tensor.OpenDiscard())
	_, _, err = tensor.Claim()
	require.True(t, errors.Is(err, ErrViewAlreadyOpen))
	v.Close()
	_, release3, err := tensor.Claim()
	require.NoError(t, err)
	release3()
	require.Equal(t, []float32{1, 2}, must.M1(ToFlat[float32](tensor)))
}

func TestNewErrors(t *testing.T) {
	device := newDevice(t)
	_, err := New(device, shapes.Invalid())
	require.True(t, errors.Is(err, shapes.ErrInvalidShape))
	_, err = FromFlat(device, []float32{1}, -1)
	require.True(t, errors.Is(err, shapes.ErrInvalidShape))
	_, err = FromBytes(device, shapes.Make(shapes.Custom, 2), []byte{1, 2})
	require.True(t, errors.Is(err, shapes.ErrShapeMismatch))

	// Shapes given as literals are validated as shapes.New does.
	for _, invalid := range []shapes.Shape{
		{DType: shapes.Float32, Dimensions: []int{-2}},
		{DType: shapes.Float32, Dimensions: []int{-2, -3}},
		{DType: shapes.Custom, Dimensions: []int{3, -1}},
	} {
		tensor, err := New(device, invalid)
		require.Nil(t, tensor)
		require.Truef(t, errors.Is(err, shapes.ErrInvalidShape), "New(%s)", invalid)
	}
}
