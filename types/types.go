// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package types holds small generic types shared by the other packages. The main types live in the
// sub-packages `shapes` and `tensors`.
package types

import (
	"cmp"
	"maps"
	"slices"
)

// Set of comparable values.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set, optionally with capacity reserved for size elements.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) > 0 {
		return make(Set[T], size[0])
	}
	return make(Set[T])
}

// SetWith returns a Set holding the given elements.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys in the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// SortedKeys returns the elements of an ordered Set, sorted.
func SortedKeys[T cmp.Ordered](s Set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}
