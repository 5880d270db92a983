// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package archive

import (
	"archive/zip"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// versionRecord is the reserved record carrying the archive's minimum
// format version.
const versionRecord = ".data/version"

// ZipSink writes records into a zip container. Entries are stored
// uncompressed with zeroed timestamps: given the same record sequence
// the container bytes are identical across runs.
type ZipSink struct {
	zw         *zip.Writer
	minVersion int
	closed     bool
}

// NewZipSink returns a sink writing the container to w.
func NewZipSink(w io.Writer) *ZipSink {
	return &ZipSink{zw: zip.NewWriter(w)}
}

// SetMinVersion implements Sink.
func (z *ZipSink) SetMinVersion(v int) {
	z.minVersion = v
}

// WriteRecord implements Sink.
func (z *ZipSink) WriteRecord(name string, data []byte) error {
	f, err := z.zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Store,
	})
	if err != nil {
		return errors.Wrapf(err, "creating zip entry %s", name)
	}
	if _, err := f.Write(data); err != nil {
		return errors.Wrapf(err, "writing zip entry %s", name)
	}
	return nil
}

// Close writes the version record and the central directory. The
// container is valid even when packaging aborted partway; whatever
// records were written remain readable.
func (z *ZipSink) Close() error {
	if z.closed {
		return nil
	}
	z.closed = true
	if z.minVersion != 0 {
		if err := z.WriteRecord(versionRecord, []byte(fmt.Sprintf("%d\n", z.minVersion))); err != nil {
			return err
		}
	}
	return errors.Wrap(z.zw.Close(), "finalizing archive container")
}
