// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

// Storage is a contiguous block of element data referenced from a
// pickled object, typically a tensor's backing buffer. Storages are
// replaced in the pickle stream by a persistent reference and their
// bytes are emitted as standalone archive records. Implementations
// must be comparable values (pointers, in practice): the exporter
// de-duplicates storages by identity so the same buffer referenced
// from several objects is written once.
type Storage interface {
	// TypeTag identifies the element type, recorded in the persistent
	// reference (e.g. "FloatStorage").
	TypeTag() string
	// Location is the device tag recorded in the persistent reference
	// (e.g. "cpu", "cuda:0").
	Location() string
	// ElemCount is the number of elements.
	ElemCount() int64
	// ElemSize is the byte width of one element.
	ElemSize() int64
	// Local reports whether the data is resident on the local device
	// and can be read directly.
	Local() bool
	// ToLocal returns a storage with the same contents resident on
	// the local device. Called before Bytes on non-local storages.
	ToLocal() Storage
	// Bytes returns the raw element data, ElemCount*ElemSize bytes.
	Bytes() ([]byte, error)
}

// PackageReducer is implemented by objects that carry their own
// packaging-specific reduction. During serialization such objects are
// replaced by a persistent reference whose payload is the reduction
// result, rather than flowing through normal pickling.
type PackageReducer interface {
	ReducePackage(e *Exporter) []interface{}
}
