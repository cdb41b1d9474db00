// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/gotile/types/shapes"

// Buffer represents actual data (a tensor) stored in the device that is going to execute the program.
// It's used as input/output of computation execution.
// A Buffer is always associated to a DeviceNum, even if there is only one.
//
// It is opaque from gotile's perspective: only the backend that created it can interpret it.
type Buffer any

// DataInterface is the Backend's sub-interface that defines the API to transfer Buffer to/from the devices.
//
// Transfers always cover the whole buffer: the host slices must have exactly Shape.ByteSize() bytes.
type DataInterface interface {
	// NewBuffer reserves device memory for the given shape. The contents are unspecified (not zero-initialized).
	NewBuffer(deviceNum DeviceNum, shape shapes.Shape) (Buffer, error)

	// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
	// freed immediately -- as opposed to waiting for a GC.
	//
	// A finalized buffer should never be used again. Preferably, the caller should set its references to it to nil.
	BufferFinalize(buffer Buffer) error

	// BufferShape returns the shape for the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferDeviceNum returns the deviceNum for the buffer.
	BufferDeviceNum(buffer Buffer) (DeviceNum, error)

	// BufferUpload commits the host bytes to the device buffer, overwriting all its contents.
	BufferUpload(buffer Buffer, data []byte) error

	// BufferDownload copies the current device contents of the buffer to the host bytes.
	BufferDownload(buffer Buffer, data []byte) error

	// BufferCopy copies the contents of src into dst, on the device. Both must have the same shape and device.
	BufferCopy(dst, src Buffer) error
}
