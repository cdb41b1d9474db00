// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode in which a View is opened.
type Mode int

const (
	// ModeDiscard views don't read the prior contents of the tensor; their bytes are committed with Writeback.
	ModeDiscard Mode = iota

	// ModeCurrent views hold the contents last committed to the tensor, and are read-only.
	ModeCurrent
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeDiscard:
		return "discard"
	case ModeCurrent:
		return "current"
	default:
		return "unknown"
	}
}

// View is an exclusive, host-addressable window onto a Tensor's bytes.
//
// The bytes live in a host staging area: for ModeDiscard views nothing reaches the device until Writeback is
// called, and for ModeCurrent views changes to the bytes are never committed.
//
// A View must be closed, preferably with a `defer v.Close()` right after opening it, or by using WithDiscard or
// WithCurrent.
type View struct {
	tensor *Tensor
	mode   Mode
	data   []byte
	closed bool
}

// OpenDiscard opens a View for overwriting the whole tensor. The prior contents are not read, and the initial
// contents of View.Bytes are unspecified.
//
// It fails with ErrViewAlreadyOpen if another View is open on the tensor.
func (t *Tensor) OpenDiscard() (*View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckView(); err != nil {
		return nil, err
	}
	v := &View{tensor: t, mode: ModeDiscard, data: make([]byte, t.shape.ByteSize())}
	t.view = v
	return v, nil
}

// OpenCurrent opens a read-only View holding the contents last committed to the tensor -- by a View.Writeback
// or by a program writing it as output. If nothing was ever committed, the contents are unspecified.
//
// It fails with ErrViewAlreadyOpen if another View is open on the tensor.
func (t *Tensor) OpenCurrent() (*View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckView(); err != nil {
		return nil, err
	}
	data := make([]byte, t.shape.ByteSize())
	if err := t.device.Backend.BufferDownload(t.buffer, data); err != nil {
		return nil, errors.WithMessagef(err, "OpenCurrent(%s)", t)
	}
	v := &View{tensor: t, mode: ModeCurrent, data: data}
	t.view = v
	return v, nil
}

// Mode of the view.
func (v *View) Mode() Mode { return v.mode }

// Tensor the view was opened on.
func (v *View) Tensor() *Tensor { return v.tensor }

// Bytes returns the host bytes of the view, with the tensor's byte size. It returns nil after the view is closed.
func (v *View) Bytes() []byte {
	v.tensor.mu.Lock()
	defer v.tensor.mu.Unlock()
	if v.closed {
		return nil
	}
	return v.data
}

// Writeback commits the bytes of a ModeDiscard view to the device. It can be called more than once while the view
// is open, each call committing the bytes as they are at that moment.
//
// It fails with ErrViewClosed after the view is closed, and with ErrViewReadOnly for ModeCurrent views.
func (v *View) Writeback() error {
	t := v.tensor
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.closed {
		return errors.Wrapf(ErrViewClosed, "Writeback(%s)", t)
	}
	if v.mode != ModeDiscard {
		return errors.Wrapf(ErrViewReadOnly, "Writeback(%s) on a %s view", t, v.mode)
	}
	if err := t.device.Backend.BufferUpload(t.buffer, v.data); err != nil {
		return errors.WithMessagef(err, "Writeback(%s)", t)
	}
	klog.V(2).Infof("committed %d bytes to %s", len(v.data), t)
	return nil
}

// Close releases the view, allowing new views to be opened on the tensor. Bytes written to a ModeDiscard view and
// not committed with Writeback are lost.
//
// It is safe to call Close more than once.
func (v *View) Close() {
	t := v.tensor
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.data = nil
	if t.view == v {
		t.view = nil
	}
}

// WithDiscard opens a ModeDiscard view, calls fn with it, and closes it on every exit path, including panics.
// fn is responsible for calling View.Writeback.
func WithDiscard(t *Tensor, fn func(v *View) error) error {
	v, err := t.OpenDiscard()
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(v)
}

// WithCurrent opens a ModeCurrent view, calls fn with it, and closes it on every exit path, including panics.
func WithCurrent(t *Tensor, fn func(v *View) error) error {
	v, err := t.OpenCurrent()
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(v)
}
