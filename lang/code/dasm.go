package code

import (
	"bytes"
	"fmt"
	"strconv"
)

// This file implements a human-readable form of a compiled prototype tree.
// This is mostly to support inspection of the generated code from the
// command-line tool and from tests, without executing it.

// Dasm writes a prototype and all of its nested prototypes to a textual
// disassembly listing, in pre-order.
func Dasm(p *Prototype) []byte {
	d := dasm{buf: new(bytes.Buffer)}
	d.function(p, "main")
	return d.buf.Bytes()
}

type dasm struct {
	buf *bytes.Buffer
}

func (d *dasm) function(p *Prototype, what string) {
	fmt.Fprintf(d.buf, "function: %s %s:%d stack %d params %d", what,
		p.Source, p.LineDefined, p.MaxStackSize, p.NumParams)
	if p.IsVararg() {
		d.buf.WriteString(" +vararg")
	}
	d.buf.WriteString("\n")

	if len(p.Upvals) > 0 {
		d.buf.WriteString("\tupvalues:\n")
		for i, up := range p.Upvals {
			where := "upval"
			if up.InStack {
				where = "stack"
			}
			fmt.Fprintf(d.buf, "\t\t%s\t%s %d\t# %03d\n", name(up.Name), where, up.Index, i)
		}
	}
	if len(p.Constants) > 0 {
		d.buf.WriteString("\tconstants:\n")
		for i, k := range p.Constants {
			fmt.Fprintf(d.buf, "\t\t%s\t# %03d\n", constant(k), i)
		}
	}
	if len(p.LocVars) > 0 {
		d.buf.WriteString("\tlocals:\n")
		for i, lv := range p.LocVars {
			fmt.Fprintf(d.buf, "\t\t%s\t%d %d\t# %03d\n", name(lv.Name), lv.StartPC, lv.EndPC, i)
		}
	}
	if len(p.Code) > 0 {
		d.buf.WriteString("\tcode:\n")
		for pc, ins := range p.Code {
			fmt.Fprintf(d.buf, "\t\t%s\t# %03d", DasmInstr(ins, pc), pc)
			if line := p.LineAt(pc); line > 0 {
				fmt.Fprintf(d.buf, " (line %d)", line)
			}
			d.buf.WriteString("\n")
		}
	}

	for i, child := range p.Protos {
		d.buf.WriteString("\n")
		d.function(child, "proto "+strconv.Itoa(i))
	}
}

// DasmInstr formats a single instruction according to its format; pc is the
// address of the instruction, used to resolve jump targets.
func DasmInstr(ins Instruction, pc int) string {
	op := ins.OpCode()
	switch op.Mode() {
	case FormatABC:
		k := ""
		if ins.K() {
			k = " k"
		}
		return fmt.Sprintf("%s %d %d %d%s", op, ins.A(), ins.B(), ins.C(), k)
	case FormatVABC:
		k := ""
		if ins.K() {
			k = " k"
		}
		return fmt.Sprintf("%s %d %d %d%s", op, ins.A(), ins.VB(), ins.VC(), k)
	case FormatABx:
		return fmt.Sprintf("%s %d %d", op, ins.A(), ins.Bx())
	case FormatAsBx:
		return fmt.Sprintf("%s %d %d", op, ins.A(), ins.SBx())
	case FormatAx:
		return fmt.Sprintf("%s %d", op, ins.Ax())
	case FormatSJ:
		return fmt.Sprintf("%s %d (to %d)", op, ins.SJ(), pc+1+ins.SJ())
	}
	return op.String()
}

func name(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func constant(v Value) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case bool:
		return "bool\t" + strconv.FormatBool(v)
	case int64:
		return "int\t" + strconv.FormatInt(v, 10)
	case float64:
		return "float\t" + strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return "string\t" + strconv.Quote(v)
	}
	return fmt.Sprintf("unknown\t%v", v)
}
