// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package importer

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

var cacheBucket = []byte("modules")

// CachingImporter wraps another importer with a persistent bolt-backed
// source cache keyed by module name and source file mtime. Repeated
// packs of a large tree skip re-reading unchanged files. Misses and
// stale entries fall through to the wrapped importer and refresh the
// cache.
type CachingImporter struct {
	inner Importer
	db    *bolt.DB
}

// NewCachingImporter opens (or creates) the cache database at path.
func NewCachingImporter(inner Importer, path string) (*CachingImporter, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening source cache %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing source cache")
	}
	return &CachingImporter{inner: inner, db: db}, nil
}

// Close releases the cache database.
func (c *CachingImporter) Close() error {
	return c.db.Close()
}

// ImportModule implements Importer.
func (c *CachingImporter) ImportModule(name string) (*Module, error) {
	m, err := c.inner.ImportModule(name)
	if err != nil {
		return nil, err
	}
	if m.src != nil || m.Path == "" {
		// Nothing on disk to stat; the handle is already as cheap as
		// it gets.
		return m, nil
	}

	fi, err := os.Stat(m.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat source of %s", name)
	}
	mtime := fi.ModTime().UnixNano()

	if cached := c.lookup(name, mtime); cached != nil {
		cached.Name = m.Name
		cached.Path = m.Path
		return cached, nil
	}

	src, err := m.Source()
	if err != nil {
		if IsSourceUnavailable(err) {
			return m, nil
		}
		return nil, err
	}
	if err := c.store(name, mtime, m.IsPackage, src); err != nil {
		return nil, err
	}
	return &Module{Name: m.Name, Path: m.Path, IsPackage: m.IsPackage, src: []byte(src)}, nil
}

func (c *CachingImporter) lookup(name string, mtime int64) *Module {
	var m *Module
	c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cacheBucket).Get([]byte(name))
		if v == nil {
			return nil
		}
		rec, ok := decodeRecord(v)
		if !ok || rec.mtime != mtime {
			return nil
		}
		m = &Module{IsPackage: rec.isPackage, src: rec.src}
		return nil
	})
	return m
}

func (c *CachingImporter) store(name string, mtime int64, isPackage bool, src string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(name), encodeRecord(mtime, isPackage, src))
	})
	return errors.Wrapf(err, "caching source of %s", name)
}

type cacheRecord struct {
	mtime     int64
	isPackage bool
	src       []byte
}

// Records are mtime (8 bytes big-endian), a flag byte, then the raw
// source. The layout is versionless on purpose: a decode failure is
// treated as a miss and the entry is rewritten.
func encodeRecord(mtime int64, isPackage bool, src string) []byte {
	out := make([]byte, 9+len(src))
	binary.BigEndian.PutUint64(out, uint64(mtime))
	if isPackage {
		out[8] = 1
	}
	copy(out[9:], src)
	return out
}

func decodeRecord(v []byte) (cacheRecord, bool) {
	if len(v) < 9 {
		return cacheRecord{}, false
	}
	src := make([]byte, len(v)-9)
	copy(src, v[9:])
	return cacheRecord{
		mtime:     int64(binary.BigEndian.Uint64(v)),
		isPackage: v[8] == 1,
		src:       src,
	}, true
}
