// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/gotile/types/shapes"
)

// Executable is the API for compiled programs ready to execute.
type Executable interface {
	// Finalize immediately frees resources associated to the executable.
	Finalize()

	// DeviceNum returns the device the executable was compiled for.
	DeviceNum() DeviceNum

	// Inputs returns the list of parameters names and shapes, in the order given by Computation.Parameters.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the list of the shapes of the outputs of the computation, in the order given by
	// Computation.Outputs.
	Outputs() (outputShapes []shapes.Shape)

	// Execute the executable: it reads the inputs buffers and writes the results into the outputs buffers.
	// Both must match in number, shape and device what Inputs and Outputs return.
	//
	// Intermediate values are allocated and released by the backend. If a kernel fails, it returns an error
	// wrapping ErrExecution, and the contents of the outputs are unspecified.
	Execute(inputs []Buffer, outputs []Buffer) error
}
