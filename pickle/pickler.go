// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pickle

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
)

const protocol = 2

// Global is a reference to a named value in a module, emitted as a
// GLOBAL opcode. It is how class and function references enter a
// stream.
type Global struct {
	Module string
	Name   string
}

// Tuple pickles as a fixed-size tuple.
type Tuple []interface{}

// Object is an instance of Class reconstructed via NEWOBJ with Args
// and, when State is non-nil, restored with BUILD.
type Object struct {
	Class Global
	Args  Tuple
	State map[string]interface{}
}

// PersistentIDFunc is the persistent-id hook. Returning ok means the
// object is replaced in the stream by a persistent reference carrying
// the returned payload.
type PersistentIDFunc func(obj interface{}) (interface{}, bool)

// Pickler serializes object graphs as protocol 2 streams. Map keys are
// emitted in sorted order so identical inputs produce identical bytes.
type Pickler struct {
	w   io.Writer
	pid PersistentIDFunc
}

// NewPickler returns a Pickler writing to w.
func NewPickler(w io.Writer) *Pickler {
	return &Pickler{w: w}
}

// SetPersistentID installs the persistent-id hook. The hook is
// consulted for every object before normal serialization.
func (p *Pickler) SetPersistentID(fn PersistentIDFunc) {
	p.pid = fn
}

// Dump writes the complete stream for obj, framed by PROTO and STOP.
func (p *Pickler) Dump(obj interface{}) error {
	if err := p.writeBytes(0x80, byte(protocol)); err != nil {
		return err
	}
	if err := p.save(obj); err != nil {
		return err
	}
	return p.writeBytes('.')
}

func (p *Pickler) save(obj interface{}) error {
	if p.pid != nil {
		if payload, ok := p.pid(obj); ok {
			if err := p.saveValue(payload); err != nil {
				return err
			}
			return p.writeBytes('Q') // BINPERSID
		}
	}
	return p.saveValue(obj)
}

func (p *Pickler) saveValue(obj interface{}) error {
	switch v := obj.(type) {
	case nil:
		return p.writeBytes('N')
	case bool:
		if v {
			return p.writeBytes(0x88)
		}
		return p.writeBytes(0x89)
	case int:
		return p.saveInt(int64(v))
	case int64:
		return p.saveInt(v)
	case float64:
		var buf [9]byte
		buf[0] = 'G'
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v))
		_, err := p.w.Write(buf[:])
		return err
	case string:
		return p.saveUnicode(v)
	case []byte:
		// SHORT_BINSTRING/BINSTRING carry the raw bytes; protocol 2
		// has no dedicated bytes opcode.
		if len(v) < 256 {
			if err := p.writeBytes('U', byte(len(v))); err != nil {
				return err
			}
			_, err := p.w.Write(v)
			return err
		}
		var n [5]byte
		n[0] = 'T'
		binary.LittleEndian.PutUint32(n[1:], uint32(len(v)))
		if _, err := p.w.Write(n[:]); err != nil {
			return err
		}
		_, err := p.w.Write(v)
		return err
	case Global:
		return p.saveGlobal(v)
	case Tuple:
		return p.saveTuple(v)
	case []interface{}:
		return p.saveList(v)
	case map[string]interface{}:
		return p.saveDict(v)
	case Object:
		return p.saveObject(v)
	default:
		return errors.Errorf("cannot pickle value of type %T", obj)
	}
}

func (p *Pickler) saveInt(v int64) error {
	switch {
	case v >= 0 && v < 256:
		return p.writeBytes('K', byte(v)) // BININT1
	case v >= 0 && v < 65536:
		var buf [3]byte
		buf[0] = 'M'
		binary.LittleEndian.PutUint16(buf[1:], uint16(v))
		_, err := p.w.Write(buf[:])
		return err
	case v >= math.MinInt32 && v <= math.MaxInt32:
		var buf [5]byte
		buf[0] = 'J'
		binary.LittleEndian.PutUint32(buf[1:], uint32(int32(v)))
		_, err := p.w.Write(buf[:])
		return err
	default:
		// LONG1: little-endian two's complement with a length prefix.
		var enc []byte
		u := v
		for {
			enc = append(enc, byte(u))
			u >>= 8
			if (u == 0 && enc[len(enc)-1]&0x80 == 0) || (u == -1 && enc[len(enc)-1]&0x80 != 0) {
				break
			}
		}
		if err := p.writeBytes(0x8a, byte(len(enc))); err != nil {
			return err
		}
		_, err := p.w.Write(enc)
		return err
	}
}

func (p *Pickler) saveUnicode(s string) error {
	var buf [5]byte
	buf[0] = 'X'
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(s)))
	if _, err := p.w.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(p.w, s)
	return err
}

func (p *Pickler) saveGlobal(g Global) error {
	if g.Module == "" || g.Name == "" {
		return errors.Errorf("global reference needs module and name, got %q %q", g.Module, g.Name)
	}
	if err := p.writeBytes('c'); err != nil {
		return err
	}
	if _, err := io.WriteString(p.w, g.Module+"\n"+g.Name+"\n"); err != nil {
		return err
	}
	return nil
}

func (p *Pickler) saveTuple(t Tuple) error {
	switch len(t) {
	case 0:
		return p.writeBytes(')')
	case 1, 2, 3:
		for _, item := range t {
			if err := p.save(item); err != nil {
				return err
			}
		}
		return p.writeBytes(byte(0x85 + len(t) - 1))
	default:
		if err := p.writeBytes('('); err != nil {
			return err
		}
		for _, item := range t {
			if err := p.save(item); err != nil {
				return err
			}
		}
		return p.writeBytes('t')
	}
}

func (p *Pickler) saveList(items []interface{}) error {
	if err := p.writeBytes(']'); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if err := p.writeBytes('('); err != nil {
		return err
	}
	for _, item := range items {
		if err := p.save(item); err != nil {
			return err
		}
	}
	return p.writeBytes('e')
}

func (p *Pickler) saveDict(m map[string]interface{}) error {
	if err := p.writeBytes('}'); err != nil {
		return err
	}
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := p.writeBytes('('); err != nil {
		return err
	}
	for _, k := range keys {
		if err := p.saveUnicode(k); err != nil {
			return err
		}
		if err := p.save(m[k]); err != nil {
			return err
		}
	}
	return p.writeBytes('u')
}

func (p *Pickler) saveObject(o Object) error {
	if err := p.saveGlobal(o.Class); err != nil {
		return err
	}
	if err := p.saveTuple(o.Args); err != nil {
		return err
	}
	if err := p.writeBytes(0x81); err != nil { // NEWOBJ
		return err
	}
	if o.State == nil {
		return nil
	}
	if err := p.saveDict(o.State); err != nil {
		return err
	}
	return p.writeBytes('b')
}

func (p *Pickler) writeBytes(b ...byte) error {
	_, err := p.w.Write(b)
	return err
}
