// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package archive writes the records of a crate archive. The layout
// Writer validates record names and ordering; a Sink is the byte
// container underneath it. Records reach the container in exactly the
// order they are written, which is what makes archives reproducible.
package archive

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/cratepkg/crate/mangling"
)

// Sink is the byte container an archive is written into.
type Sink interface {
	// WriteRecord appends one named record.
	WriteRecord(name string, data []byte) error
	// SetMinVersion declares the minimum format version a consumer
	// must understand. Invoked once at construction time.
	SetMinVersion(v int)
	// Close finalizes the container. The container must end up in a
	// valid state even if not every intended record was written.
	Close() error
}

// InvalidNameError reports a reserved or malformed name presented for
// emission.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid name %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("invalid name %q", e.Name)
}

// DuplicateRecordError reports two emissions landing on the same
// archive path.
type DuplicateRecordError struct {
	Name string
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("duplicate archive record %q", e.Name)
}

// Writer is the layout writer: it owns record naming discipline on top
// of a Sink.
type Writer struct {
	sink    Sink
	written map[string]bool
	closed  bool
}

// NewWriter returns a layout writer over sink.
func NewWriter(sink Sink) *Writer {
	return &Writer{
		sink:    sink,
		written: make(map[string]bool),
	}
}

// WriteRecord validates name and forwards the record to the sink.
// Mangled names are rejected with InvalidNameError; writing the same
// path twice is a DuplicateRecordError.
func (w *Writer) WriteRecord(name string, data []byte) error {
	if w.closed {
		return errors.New("archive writer is closed")
	}
	if name == "" {
		return &InvalidNameError{Name: name, Reason: "empty record name"}
	}
	if mangling.IsMangledPath(name) {
		return &InvalidNameError{
			Name:   name,
			Reason: "mangled modules cannot be saved into an archive",
		}
	}
	if w.written[name] {
		return &DuplicateRecordError{Name: name}
	}
	if err := w.sink.WriteRecord(name, data); err != nil {
		return errors.Wrapf(err, "writing record %s", name)
	}
	w.written[name] = true
	return nil
}

// Close finalizes the sink. It is idempotent, so error paths can close
// unconditionally.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.sink.Close()
}
