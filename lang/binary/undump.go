package binary

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mna/nelumbo/lang/code"
)

// Undump loads a prototype from a binary chunk previously produced by
// Dump. The chunk name is used in error messages, with the conventional
// '@filename' and '=name' prefixes stripped. When fixed is true, the data
// buffer is known to outlive the prototype and the loaded prototype is
// flagged as fixed.
func Undump(data []byte, chunkname string, fixed bool) (p *code.Prototype, err error) {
	name := chunkname
	if len(name) > 0 && (name[0] == '@' || name[0] == '=') {
		name = name[1:]
	} else if len(name) > 0 && name[0] == Signature[0] {
		name = "binary string"
	}

	l := &loader{data: data, name: name, fixed: fixed}
	defer func() {
		if e := recover(); e != nil {
			le, ok := e.(loadError)
			if !ok {
				panic(e)
			}
			p, err = nil, le.err
		}
	}()

	l.checkHeader()
	nupvals := int(l.byte())
	p = &code.Prototype{}
	l.function(p)
	if nupvals != len(p.Upvals) {
		l.error("corrupted chunk")
	}
	if l.pos != len(l.data) {
		l.error("trailing data")
	}
	return p, nil
}

type loadError struct{ err error }

type loader struct {
	data  []byte
	pos   int
	name  string
	strs  []string // previously loaded strings, for back-references
	fixed bool
}

func (l *loader) error(why string) {
	panic(loadError{fmt.Errorf("%s: bad binary format (%s)", l.name, why)})
}

func (l *loader) block(n int) []byte {
	if l.pos+n > len(l.data) {
		l.error("truncated chunk")
	}
	b := l.data[l.pos : l.pos+n]
	l.pos += n
	return b
}

func (l *loader) align(align int) {
	if padding := l.pos % align; padding != 0 {
		l.block(align - padding)
	}
}

func (l *loader) byte() byte {
	return l.block(1)[0]
}

// varint loads an MSB-first base-128 unsigned integer, erroring out when
// the value would exceed limit.
func (l *loader) varint(limit uint64) uint64 {
	var x uint64
	limit >>= 7
	for {
		b := l.byte()
		if x > limit {
			l.error("integer overflow")
		}
		x = x<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return x
		}
	}
}

func (l *loader) int() int {
	return int(l.varint(math.MaxInt32))
}

// integer loads a zig-zag coded signed integer.
func (l *loader) integer() int64 {
	cx := l.varint(math.MaxUint64)
	if cx&1 != 0 {
		return int64(^(cx >> 1))
	}
	return int64(cx >> 1)
}

func (l *loader) number() float64 {
	return math.Float64frombits(binary.NativeEndian.Uint64(l.block(8)))
}

func (l *loader) rawInt32() int32 {
	return int32(binary.NativeEndian.Uint32(l.block(4)))
}

func (l *loader) rawInt64() int64 {
	return int64(binary.NativeEndian.Uint64(l.block(8)))
}

// string loads a string; ok is false for the absent string.
func (l *loader) string() (s string, ok bool) {
	size := l.varint(math.MaxInt32)
	switch size {
	case 0: // no string
		return "", false
	case 1: // previously saved string
		idx := l.varint(math.MaxInt32)
		if idx == 0 || idx > uint64(len(l.strs)) {
			l.error("invalid string index")
		}
		return l.strs[idx-1], true
	default:
		b := l.block(int(size) - 2 + 1) // content plus ending NUL
		if b[len(b)-1] != 0 {
			l.error("corrupted string")
		}
		s = string(b[:len(b)-1])
		l.strs = append(l.strs, s) // add to list of saved strings
		return s, true
	}
}

func (l *loader) loadName() string {
	s, _ := l.string()
	return s
}

func (l *loader) code(p *code.Prototype) {
	n := l.int()
	l.align(4)
	if n == 0 {
		return
	}
	p.Code = make([]code.Instruction, n)
	for i := range p.Code {
		p.Code[i] = code.Instruction(binary.NativeEndian.Uint32(l.block(4)))
	}
}

func (l *loader) constants(p *code.Prototype) {
	n := l.int()
	if n == 0 {
		return
	}
	p.Constants = make([]code.Value, n)
	for i := range p.Constants {
		switch t := l.byte(); t {
		case tagNil:
			p.Constants[i] = nil
		case tagFalse:
			p.Constants[i] = false
		case tagTrue:
			p.Constants[i] = true
		case tagFloat:
			p.Constants[i] = l.number()
		case tagInt:
			p.Constants[i] = l.integer()
		case tagShortStr, tagLongStr:
			s, ok := l.string()
			if !ok {
				l.error("bad format for constant string")
			}
			p.Constants[i] = s
		default:
			l.error("invalid constant")
		}
	}
}

func (l *loader) protos(p *code.Prototype) {
	n := l.int()
	if n == 0 {
		return
	}
	p.Protos = make([]*code.Prototype, n)
	for i := range p.Protos {
		p.Protos[i] = &code.Prototype{}
		l.function(p.Protos[i])
	}
}

func (l *loader) upvalues(p *code.Prototype) {
	n := l.int()
	if n == 0 {
		return
	}
	p.Upvals = make([]code.UpvalDesc, n)
	for i := range p.Upvals {
		p.Upvals[i].InStack = l.byte() != 0
		p.Upvals[i].Index = l.byte()
		p.Upvals[i].Kind = code.VarKind(l.byte())
	}
}

func (l *loader) debug(p *code.Prototype) {
	n := l.int()
	if n > 0 {
		p.LineInfo = make([]int8, n)
		b := l.block(n)
		for i := range p.LineInfo {
			p.LineInfo[i] = int8(b[i])
		}
	}
	n = l.int()
	if n > 0 {
		l.align(4)
		p.AbsLineInfo = make([]code.AbsLine, n)
		for i := range p.AbsLineInfo {
			p.AbsLineInfo[i].PC = int(l.rawInt32())
			p.AbsLineInfo[i].Line = int(l.rawInt32())
		}
	}
	n = l.int()
	if n > 0 {
		p.LocVars = make([]code.LocVar, n)
		for i := range p.LocVars {
			p.LocVars[i].Name = l.loadName()
			p.LocVars[i].StartPC = l.int()
			p.LocVars[i].EndPC = l.int()
		}
	}
	n = l.int()
	if n != 0 { // does it have debug information?
		// must have one name per upvalue
		for i := range p.Upvals {
			p.Upvals[i].Name = l.loadName()
		}
	}
}

func (l *loader) function(p *code.Prototype) {
	p.LineDefined = l.int()
	p.LastLineDefined = l.int()
	p.NumParams = l.byte()
	p.Flags = l.byte() & code.FlagIsVararg // keep only the meaningful flags
	if l.fixed {
		p.Flags |= code.FlagFixed // signal that the chunk data is fixed
	}
	p.MaxStackSize = l.byte()
	l.code(p)
	l.constants(p)
	l.upvalues(p)
	l.protos(p)
	p.Source = l.loadName()
	l.debug(p)
}

func (l *loader) checkLiteral(s, msg string) {
	if string(l.block(len(s))) != s {
		l.error(msg)
	}
}

func (l *loader) numError(what, tname string) {
	l.error(fmt.Sprintf("%s %s mismatch", tname, what))
}

func (l *loader) checkSize(size int, tname string) {
	if int(l.byte()) != size {
		l.numError("size", tname)
	}
}

func (l *loader) checkHeader() {
	l.checkLiteral(Signature, "not a binary chunk")
	if l.byte() != Version {
		l.error("version mismatch")
	}
	if l.byte() != Format {
		l.error("format mismatch")
	}
	l.checkLiteral(headerData, "corrupted chunk")
	l.checkSize(4, "int")
	if l.rawInt32() != checkInt {
		l.numError("format", "int")
	}
	l.checkSize(4, "instruction")
	if l.rawInt32() != int32(checkInst) {
		l.numError("format", "instruction")
	}
	l.checkSize(8, "integer")
	if l.rawInt64() != checkInteger {
		l.numError("format", "integer")
	}
	l.checkSize(8, "number")
	if l.number() != checkNumber {
		l.numError("format", "number")
	}
}
