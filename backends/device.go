// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoDeviceFound is returned by OpenFirstDevice when the backend has no devices.
	ErrNoDeviceFound = errors.New("no device found")

	// ErrDeviceMismatch is returned when a buffer of one device is used by a program compiled for another device.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrUnsupported is returned when a backend has no implementation for an operation or dtype.
	ErrUnsupported = errors.New("not supported by backend")

	// ErrExecution is returned when a device fails while executing a program.
	// The contents of the output buffers are unspecified after such a failure.
	ErrExecution = errors.New("execution failed")

	// ErrFinalized is returned when using a backend, buffer or program that has already been finalized.
	ErrFinalized = errors.New("already finalized")
)

// Device is a handle to one of the devices of a Backend: an independent allocation and execution domain.
//
// A buffer allocated on one Device can only be used by programs compiled for the same Device.
// It is a small value type, and two Device values are the same device if they are equal.
type Device struct {
	Backend Backend
	Num     DeviceNum
}

// Devices enumerates the devices of the backend.
func Devices(backend Backend) []Device {
	n := backend.NumDevices()
	devices := make([]Device, 0, n)
	for num := range n {
		devices = append(devices, Device{Backend: backend, Num: num})
	}
	return devices
}

// OpenFirstDevice returns the first device of the backend.
// It fails with ErrNoDeviceFound if the backend has no devices, or ErrFinalized if the backend was finalized.
func OpenFirstDevice(backend Backend) (Device, error) {
	if backend == nil {
		return Device{}, errors.New("OpenFirstDevice: nil backend")
	}
	if backend.IsFinalized() {
		return Device{}, errors.Wrapf(ErrFinalized, "backend %s", backend.Name())
	}
	devices := Devices(backend)
	if len(devices) == 0 {
		return Device{}, errors.Wrapf(ErrNoDeviceFound, "backend %s", backend.Name())
	}
	return devices[0], nil
}

// Ok returns whether the device points to a live backend and a valid device number.
func (d Device) Ok() bool {
	return d.Backend != nil && !d.Backend.IsFinalized() && d.Num >= 0 && d.Num < d.Backend.NumDevices()
}

// String implements fmt.Stringer.
func (d Device) String() string {
	if d.Backend == nil {
		return "<invalid device>"
	}
	return fmt.Sprintf("%s:%d", d.Backend.Name(), d.Num)
}
