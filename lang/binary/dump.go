// Package binary implements the serialization of compiled prototypes to a
// binary chunk format, and the matching loader. The format is
// self-describing to the extent that the header carries size-and-value
// checks for the basic numeric types, but it makes no attempt at
// cross-architecture portability: raw numbers are written with the host
// byte order.
package binary

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/mna/nelumbo/lang/code"
)

// Binary chunk header constants.
const (
	// Signature is the mark that identifies a binary chunk; its first byte
	// cannot appear at the start of any source-text chunk.
	Signature = "\x1bLua"
	// Version is the version byte of the format.
	Version = 0x55
	// Format is the format byte (0 for the canonical format).
	Format = 0
	// headerData catches conversion and truncation errors, in the spirit of
	// the PNG signature.
	headerData = "\x19\x93\r\n\x1a\n"
)

// Values used by the header self-checks.
const (
	checkInt     int32   = 0x5678
	checkInst            = code.Instruction(0x12345678)
	checkInteger int64   = 0x5678
	checkNumber  float64 = 370.5
)

// type tags of constant values in the serialized form.
const (
	tagNil      = 0x00
	tagFalse    = 0x01
	tagTrue     = 0x11
	tagInt      = 0x03
	tagFloat    = 0x13
	tagShortStr = 0x04
	tagLongStr  = 0x14
)

// Dump writes the prototype p (and, recursively, its children, in
// pre-order) to w in the binary chunk format. If strip is true, the debug
// information (line tables, local variables, upvalue names, source name) is
// omitted. The first write error stops the dump and is returned verbatim.
func Dump(p *code.Prototype, w io.Writer, strip bool) error {
	d := &dumper{w: w, strip: strip, strs: make(map[string]uint64)}
	d.header()
	d.byte(byte(len(p.Upvals)))
	d.function(p)
	return d.err
}

type dumper struct {
	w      io.Writer
	err    error
	offset int
	strip  bool
	strs   map[string]uint64 // strings already dumped, to their index
	nstr   uint64            // counter of saved strings
}

// block dumps a block of bytes; nothing is written after an error.
func (d *dumper) block(b []byte) {
	if d.err == nil {
		_, d.err = d.w.Write(b)
		d.offset += len(b)
	}
}

// align dumps enough zeros to ensure the current position is a multiple of
// align.
func (d *dumper) align(align int) {
	if padding := d.offset % align; padding != 0 {
		var zeros [8]byte
		d.block(zeros[:align-padding])
	}
}

func (d *dumper) byte(b byte) {
	d.block([]byte{b})
}

// varint dumps an unsigned integer using the MSB-first varint encoding: 7
// bits per byte, high-order part first, the high bit of each byte signaling
// that more bytes follow.
func (d *dumper) varint(x uint64) {
	var buff [10]byte
	n := 1
	buff[len(buff)-1] = byte(x & 0x7f) // fill least-significant byte
	for x >>= 7; x != 0; x >>= 7 {     // fill other bytes in reverse order
		n++
		buff[len(buff)-n] = byte(x&0x7f) | 0x80
	}
	d.block(buff[len(buff)-n:])
}

func (d *dumper) int(x int) {
	d.varint(uint64(x))
}

// integer dumps a signed integer, zig-zag coded to keep small values small
// (0 => 0; -1 => 1; 1 => 2; -2 => 3; 2 => 4; ...).
func (d *dumper) integer(x int64) {
	var cx uint64
	if x >= 0 {
		cx = 2 * uint64(x)
	} else {
		cx = 2*^uint64(x) + 1
	}
	d.varint(cx)
}

// number dumps a float as its raw host-endian bytes.
func (d *dumper) number(x float64) {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], math.Float64bits(x))
	d.block(b[:])
}

// rawInt32 dumps an int32 as its raw host-endian bytes.
func (d *dumper) rawInt32(x int32) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], uint32(x))
	d.block(b[:])
}

// rawInt64 dumps an int64 as its raw host-endian bytes.
func (d *dumper) rawInt64(x int64) {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], uint64(x))
	d.block(b[:])
}

// string dumps a string. A size of 0 means the absent string; size 1 is
// followed by the varint index of a previously-dumped string; size >= 2 is
// followed by size-2 content bytes plus a trailing NUL, and the string is
// saved with the next available index.
func (d *dumper) string(s string, present bool) {
	if !present {
		d.varint(0)
		return
	}
	if idx, ok := d.strs[s]; ok { // string already saved?
		d.varint(1)   // reuse a saved string
		d.varint(idx) // index of saved string
		return
	}
	d.varint(uint64(len(s)) + 2)
	d.block([]byte(s))
	d.byte(0) // ending NUL
	d.nstr++  // one more saved string
	d.strs[s] = d.nstr
}

// name dumps a nullable name: the empty string is the absent string.
func (d *dumper) name(s string) {
	d.string(s, s != "")
}

func (d *dumper) code(p *code.Prototype) {
	d.int(len(p.Code))
	d.align(4)
	var b [4]byte
	for _, ins := range p.Code {
		binary.NativeEndian.PutUint32(b[:], uint32(ins))
		d.block(b[:])
	}
}

func (d *dumper) constants(p *code.Prototype) {
	d.int(len(p.Constants))
	for _, k := range p.Constants {
		switch k := k.(type) {
		case nil:
			d.byte(tagNil)
		case bool:
			if k {
				d.byte(tagTrue)
			} else {
				d.byte(tagFalse)
			}
		case int64:
			d.byte(tagInt)
			d.integer(k)
		case float64:
			d.byte(tagFloat)
			d.number(k)
		case string:
			if code.IsShortString(k) {
				d.byte(tagShortStr)
			} else {
				d.byte(tagLongStr)
			}
			d.string(k, true)
		}
	}
}

func (d *dumper) upvalues(p *code.Prototype) {
	d.int(len(p.Upvals))
	for _, up := range p.Upvals {
		if up.InStack {
			d.byte(1)
		} else {
			d.byte(0)
		}
		d.byte(up.Index)
		d.byte(byte(up.Kind))
	}
}

func (d *dumper) protos(p *code.Prototype) {
	d.int(len(p.Protos))
	for _, child := range p.Protos {
		d.function(child)
	}
}

func (d *dumper) debug(p *code.Prototype) {
	n := len(p.LineInfo)
	if d.strip {
		n = 0
	}
	d.int(n)
	for _, li := range p.LineInfo[:n] {
		d.byte(byte(li))
	}

	n = len(p.AbsLineInfo)
	if d.strip {
		n = 0
	}
	d.int(n)
	if n > 0 {
		d.align(4)
		for _, al := range p.AbsLineInfo[:n] {
			d.rawInt32(int32(al.PC))
			d.rawInt32(int32(al.Line))
		}
	}

	n = len(p.LocVars)
	if d.strip {
		n = 0
	}
	d.int(n)
	for _, lv := range p.LocVars[:n] {
		d.name(lv.Name)
		d.int(lv.StartPC)
		d.int(lv.EndPC)
	}

	n = len(p.Upvals)
	if d.strip {
		n = 0
	}
	d.int(n)
	for _, up := range p.Upvals[:n] {
		d.name(up.Name)
	}
}

func (d *dumper) function(p *code.Prototype) {
	d.int(p.LineDefined)
	d.int(p.LastLineDefined)
	d.byte(p.NumParams)
	d.byte(p.Flags)
	d.byte(p.MaxStackSize)
	d.code(p)
	d.constants(p)
	d.upvalues(p)
	d.protos(p)
	if d.strip {
		d.name("")
	} else {
		d.name(p.Source)
	}
	d.debug(p)
}

func (d *dumper) header() {
	d.block([]byte(Signature))
	d.byte(Version)
	d.byte(Format)
	d.block([]byte(headerData))
	d.byte(4) // size of int
	d.rawInt32(checkInt)
	d.byte(4) // size of Instruction
	d.rawInt32(int32(checkInst))
	d.byte(8) // size of integer values
	d.rawInt64(checkInteger)
	d.byte(8) // size of float values
	d.number(checkNumber)
}
