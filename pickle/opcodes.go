// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pickle implements enough of the pickle wire protocol to
// serialize object graphs and to walk existing streams opcode by
// opcode. Walking is purely lexical: no reduce function is ever
// executed, which is what makes the dependency probe safe to run on
// untrusted payloads.
package pickle

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// argKind describes the inline argument layout of an opcode.
type argKind uint8

const (
	argNone argKind = iota
	argUint1
	argUint2
	argInt4
	argUint4
	argUint8
	argFloat8      // big-endian IEEE 754 double
	argBytes1      // 1-byte length prefix
	argBytes4      // 4-byte length prefix
	argBytes8      // 8-byte length prefix
	argStringNL    // newline-terminated text
	argStringNL2   // two newline-terminated strings, space-joined
	argLong1       // 1-byte length prefix, little-endian two's complement
	argLong4       // 4-byte length prefix, little-endian two's complement
)

// OpcodeInfo describes one opcode of the protocol.
type OpcodeInfo struct {
	Name string
	Code byte
	arg  argKind
}

// Op is one decoded opcode occurrence in a stream. Arg is nil, int64,
// uint64, float64, string, or []byte depending on the opcode.
type Op struct {
	Info *OpcodeInfo
	Arg  interface{}
	Pos  int
}

var opcodes = []OpcodeInfo{
	{"MARK", '(', argNone},
	{"STOP", '.', argNone},
	{"POP", '0', argNone},
	{"POP_MARK", '1', argNone},
	{"DUP", '2', argNone},
	{"FLOAT", 'F', argStringNL},
	{"INT", 'I', argStringNL},
	{"BININT", 'J', argInt4},
	{"BININT1", 'K', argUint1},
	{"LONG", 'L', argStringNL},
	{"BININT2", 'M', argUint2},
	{"NONE", 'N', argNone},
	{"PERSID", 'P', argStringNL},
	{"BINPERSID", 'Q', argNone},
	{"REDUCE", 'R', argNone},
	{"STRING", 'S', argStringNL},
	{"BINSTRING", 'T', argBytes4},
	{"SHORT_BINSTRING", 'U', argBytes1},
	{"UNICODE", 'V', argStringNL},
	{"BINUNICODE", 'X', argBytes4},
	{"APPEND", 'a', argNone},
	{"BUILD", 'b', argNone},
	{"GLOBAL", 'c', argStringNL2},
	{"DICT", 'd', argNone},
	{"EMPTY_DICT", '}', argNone},
	{"APPENDS", 'e', argNone},
	{"GET", 'g', argStringNL},
	{"BINGET", 'h', argUint1},
	{"INST", 'i', argStringNL2},
	{"LONG_BINGET", 'j', argUint4},
	{"LIST", 'l', argNone},
	{"EMPTY_LIST", ']', argNone},
	{"OBJ", 'o', argNone},
	{"PUT", 'p', argStringNL},
	{"BINPUT", 'q', argUint1},
	{"LONG_BINPUT", 'r', argUint4},
	{"SETITEM", 's', argNone},
	{"TUPLE", 't', argNone},
	{"EMPTY_TUPLE", ')', argNone},
	{"SETITEMS", 'u', argNone},
	{"BINFLOAT", 'G', argFloat8},

	// Protocol 2.
	{"PROTO", 0x80, argUint1},
	{"NEWOBJ", 0x81, argNone},
	{"EXT1", 0x82, argUint1},
	{"EXT2", 0x83, argUint2},
	{"EXT4", 0x84, argInt4},
	{"TUPLE1", 0x85, argNone},
	{"TUPLE2", 0x86, argNone},
	{"TUPLE3", 0x87, argNone},
	{"NEWTRUE", 0x88, argNone},
	{"NEWFALSE", 0x89, argNone},
	{"LONG1", 0x8a, argLong1},
	{"LONG4", 0x8b, argLong4},

	// Protocol 3.
	{"BINBYTES", 'B', argBytes4},
	{"SHORT_BINBYTES", 'C', argBytes1},

	// Protocol 4.
	{"SHORT_BINUNICODE", 0x8c, argBytes1},
	{"BINUNICODE8", 0x8d, argBytes8},
	{"BINBYTES8", 0x8e, argBytes8},
	{"EMPTY_SET", 0x8f, argNone},
	{"ADDITEMS", 0x90, argNone},
	{"FROZENSET", 0x91, argNone},
	{"NEWOBJ_EX", 0x92, argNone},
	{"STACK_GLOBAL", 0x93, argNone},
	{"MEMOIZE", 0x94, argNone},
	{"FRAME", 0x95, argUint8},

	// Protocol 5.
	{"BYTEARRAY8", 0x96, argBytes8},
	{"NEXT_BUFFER", 0x97, argNone},
	{"READONLY_BUFFER", 0x98, argNone},
}

var opcodeByCode [256]*OpcodeInfo

func init() {
	for i := range opcodes {
		opcodeByCode[opcodes[i].Code] = &opcodes[i]
	}
}

// GenOps decodes data into its opcode sequence, stopping after the
// first STOP. It fails on unknown opcodes and truncated arguments.
func GenOps(data []byte) ([]Op, error) {
	var ops []Op
	i := 0
	for i < len(data) {
		pos := i
		info := opcodeByCode[data[i]]
		if info == nil {
			return nil, errors.Errorf("unknown pickle opcode 0x%02x at position %d", data[i], pos)
		}
		i++
		arg, next, err := readArg(data, i, info.arg)
		if err != nil {
			return nil, errors.Wrapf(err, "reading argument of %s at position %d", info.Name, pos)
		}
		i = next
		ops = append(ops, Op{Info: info, Arg: arg, Pos: pos})
		if info.Name == "STOP" {
			break
		}
	}
	return ops, nil
}

func readArg(data []byte, i int, kind argKind) (interface{}, int, error) {
	need := func(n int) error {
		if i+n > len(data) {
			return errors.New("truncated stream")
		}
		return nil
	}

	switch kind {
	case argNone:
		return nil, i, nil
	case argUint1:
		if err := need(1); err != nil {
			return nil, i, err
		}
		return int64(data[i]), i + 1, nil
	case argUint2:
		if err := need(2); err != nil {
			return nil, i, err
		}
		return int64(binary.LittleEndian.Uint16(data[i:])), i + 2, nil
	case argInt4:
		if err := need(4); err != nil {
			return nil, i, err
		}
		return int64(int32(binary.LittleEndian.Uint32(data[i:]))), i + 4, nil
	case argUint4:
		if err := need(4); err != nil {
			return nil, i, err
		}
		return int64(binary.LittleEndian.Uint32(data[i:])), i + 4, nil
	case argUint8:
		if err := need(8); err != nil {
			return nil, i, err
		}
		return binary.LittleEndian.Uint64(data[i:]), i + 8, nil
	case argFloat8:
		if err := need(8); err != nil {
			return nil, i, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data[i:])), i + 8, nil
	case argBytes1, argLong1:
		if err := need(1); err != nil {
			return nil, i, err
		}
		n := int(data[i])
		i++
		if err := need(n); err != nil {
			return nil, i, err
		}
		return bytesArg(data[i:i+n], kind == argLong1), i + n, nil
	case argBytes4, argLong4:
		if err := need(4); err != nil {
			return nil, i, err
		}
		n := int(binary.LittleEndian.Uint32(data[i:]))
		i += 4
		if err := need(n); err != nil {
			return nil, i, err
		}
		return bytesArg(data[i:i+n], kind == argLong4), i + n, nil
	case argBytes8:
		if err := need(8); err != nil {
			return nil, i, err
		}
		n := int(binary.LittleEndian.Uint64(data[i:]))
		i += 8
		if err := need(n); err != nil {
			return nil, i, err
		}
		return bytesArg(data[i:i+n], false), i + n, nil
	case argStringNL:
		s, next, err := readLine(data, i)
		if err != nil {
			return nil, i, err
		}
		return s, next, nil
	case argStringNL2:
		a, next, err := readLine(data, i)
		if err != nil {
			return nil, i, err
		}
		b, next, err := readLine(data, next)
		if err != nil {
			return nil, i, err
		}
		return a + " " + b, next, nil
	}
	return nil, i, errors.New("unhandled argument kind")
}

func bytesArg(b []byte, long bool) interface{} {
	if long {
		// Little-endian two's complement; small enough values fit int64.
		var v int64
		for j := len(b) - 1; j >= 0; j-- {
			v = v<<8 | int64(b[j])
		}
		if len(b) > 0 && b[len(b)-1]&0x80 != 0 {
			v -= int64(1) << uint(8*len(b))
		}
		return v
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func readLine(data []byte, i int) (string, int, error) {
	for j := i; j < len(data); j++ {
		if data[j] == '\n' {
			return string(data[i:j]), j + 1, nil
		}
	}
	return "", i, errors.New("unterminated text argument")
}
