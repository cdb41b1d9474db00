// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"reflect"
	"strings"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for the "go" backend holds a shape, the device it belongs to and a reference to the flat data.
type Buffer struct {
	shape     shapes.Shape
	deviceNum backends.DeviceNum
	valid     bool

	// flat is a slice of the Go type of shape.DType for built-in dtypes, and a []byte for custom dtypes.
	flat any
}

type bufferPoolKey struct {
	dtype  shapes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype shapes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat:  makeFlat(dtype, length),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

func makeFlat(dtype shapes.DType, length int) any {
	goType := dtype.GoType()
	if goType == nil {
		return make([]byte, length*dtype.Size())
	}
	return reflect.MakeSlice(reflect.SliceOf(goType), length, length).Interface()
}

// getBuffer from backend pool of buffers, already set with the given shape.
func (b *Backend) getBuffer(shape shapes.Shape) *Buffer {
	pool := b.getBufferPool(shape.DType, shape.Size())
	buf := pool.Get().(*Buffer)
	buf.valid = true
	buf.shape = shape.Clone()
	return buf
}

// putBuffer back into the backend pool of buffers.
// After this any references to buffer should be dropped.
func (b *Backend) putBuffer(buffer *Buffer) {
	if buffer == nil || !buffer.shape.Ok() {
		return
	}
	buffer.valid = false
	pool := b.getBufferPool(buffer.shape.DType, buffer.shape.Size())
	pool.Put(buffer)
}

// mutableBytes returns the slice of the bytes used by the flat data -- it works with any of the supported
// data types for buffers.
func (b *Buffer) mutableBytes() []byte {
	if flatBytes, ok := b.flat.([]byte); ok && b.shape.DType.GoType() == nil {
		return flatBytes
	}
	flatValue := reflect.ValueOf(b.flat)
	if flatValue.Len() == 0 {
		return nil
	}
	bytePointer := (*byte)(flatValue.UnsafePointer())
	return unsafe.Slice(bytePointer, b.shape.ByteSize())
}

func (b *Buffer) check(name string) error {
	if b == nil || b.flat == nil || !b.shape.Ok() || !b.valid {
		var issues []string
		if b != nil {
			if b.flat == nil {
				issues = append(issues, "buffer.flat was nil")
			}
			if !b.shape.Ok() {
				issues = append(issues, "buffer.shape was invalid")
			}
			if !b.valid {
				issues = append(issues, "buffer was marked as invalid")
			}
		} else {
			issues = append(issues, "buffer was nil")
		}
		return errors.Wrapf(backends.ErrFinalized, "%s(%p): %s -- buffer was already finalized!?", name, b, strings.Join(issues, ", "))
	}
	return nil
}

func toBuffer(name string, backendBuffer backends.Buffer) (*Buffer, error) {
	buf, ok := backendBuffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("%s: buffer is not a %q backend buffer, got %T", name, BackendName, backendBuffer)
	}
	if err := buf.check(name); err != nil {
		return nil, err
	}
	return buf, nil
}

// NewBuffer reserves a buffer for the shape on the given device. The contents are not initialized.
func (b *Backend) NewBuffer(deviceNum backends.DeviceNum, shape shapes.Shape) (backends.Buffer, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	if _, err := shapes.New(shape.DType, shape.Dimensions...); err != nil {
		return nil, errors.WithMessagef(err, "NewBuffer(%s)", shape)
	}
	buffer := b.getBuffer(shape)
	buffer.deviceNum = deviceNum
	live := b.liveBuffers.Add(1)
	if klog.V(1).Enabled() {
		klog.Infof("NewBuffer(%s) on device #%d: %s, %d live buffers", shape, deviceNum,
			humanize.Bytes(uint64(shape.ByteSize())), live)
	}
	return buffer, nil
}

// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
// freed immediately.
//
// A finalized buffer should never be used again. Preferably, the caller should set its references to it to nil.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, err := toBuffer("BufferFinalize", backendBuffer)
	if err != nil {
		return err
	}
	b.liveBuffers.Add(-1)
	b.putBuffer(buffer)
	return nil
}

// BufferShape returns the shape for the buffer.
func (b *Backend) BufferShape(backendBuffer backends.Buffer) (shapes.Shape, error) {
	buf, err := toBuffer("BufferShape", backendBuffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buf.shape, nil
}

// BufferDeviceNum returns the deviceNum for the buffer.
func (b *Backend) BufferDeviceNum(backendBuffer backends.Buffer) (backends.DeviceNum, error) {
	buf, err := toBuffer("BufferDeviceNum", backendBuffer)
	if err != nil {
		return 0, err
	}
	return buf.deviceNum, nil
}

// BufferUpload overwrites the buffer contents with data, which must have exactly the buffer's byte size.
func (b *Backend) BufferUpload(backendBuffer backends.Buffer, data []byte) error {
	buf, err := toBuffer("BufferUpload", backendBuffer)
	if err != nil {
		return err
	}
	if len(data) != buf.shape.ByteSize() {
		return errors.Wrapf(shapes.ErrShapeMismatch, "BufferUpload: got %d bytes, buffer shape %s requires %d",
			len(data), buf.shape, buf.shape.ByteSize())
	}
	copy(buf.mutableBytes(), data)
	return nil
}

// BufferDownload copies the buffer contents to data, which must have exactly the buffer's byte size.
func (b *Backend) BufferDownload(backendBuffer backends.Buffer, data []byte) error {
	buf, err := toBuffer("BufferDownload", backendBuffer)
	if err != nil {
		return err
	}
	if len(data) != buf.shape.ByteSize() {
		return errors.Wrapf(shapes.ErrShapeMismatch, "BufferDownload: got %d bytes, buffer shape %s requires %d",
			len(data), buf.shape, buf.shape.ByteSize())
	}
	copy(data, buf.mutableBytes())
	return nil
}

// BufferCopy copies the contents of src into dst. They must have the same shape and device.
func (b *Backend) BufferCopy(dstBuffer, srcBuffer backends.Buffer) error {
	dst, err := toBuffer("BufferCopy", dstBuffer)
	if err != nil {
		return err
	}
	src, err := toBuffer("BufferCopy", srcBuffer)
	if err != nil {
		return err
	}
	if !dst.shape.Equal(src.shape) {
		return errors.Wrapf(shapes.ErrShapeMismatch, "BufferCopy: source %s, destination %s", src.shape, dst.shape)
	}
	if dst.deviceNum != src.deviceNum {
		return errors.Wrapf(backends.ErrDeviceMismatch, "BufferCopy: source on device #%d, destination on device #%d",
			src.deviceNum, dst.deviceNum)
	}
	copyBuffer(dst, src)
	return nil
}

// copyBuffer copies the contents of src into dst, they must have the same byte size.
func copyBuffer(dst, src *Buffer) {
	dstBytes, srcBytes := dst.mutableBytes(), src.mutableBytes()
	if len(dstBytes) != len(srcBytes) {
		exceptions.Panicf("copyBuffer: source %s and destination %s differ in size", src.shape, dst.shape)
	}
	copy(dstBytes, srcBytes)
}
