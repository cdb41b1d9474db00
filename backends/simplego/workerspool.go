// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// parallelFor splits the range [0, n) in contiguous chunks and calls fn on each of them, using up to
// Backend.workers goroutines. cost is the estimated amount of work for the whole range: if it is smaller than
// Backend.parallelThreshold, fn is called once, inline.
//
// It only returns after all chunks are done. If fn panics in any of the chunks, the first panic is re-thrown
// in the calling goroutine.
func (b *Backend) parallelFor(n, cost int, fn func(start, end int)) {
	numChunks := min(b.workers, n)
	if numChunks <= 1 || cost < b.parallelThreshold {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var g errgroup.Group
	g.SetLimit(b.workers)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		g.Go(func() error {
			if exception := exceptions.Try(func() { fn(start, end) }); exception != nil {
				if err, ok := exception.(error); ok {
					return err
				}
				return errors.Errorf("%v", exception)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(err)
	}
}
