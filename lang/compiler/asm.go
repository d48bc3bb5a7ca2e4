package compiler

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// This asm file implements a human-readable/writable form of a compiled
// program. This is mostly to support testing of the machine without going
// through the parsing of a higher-level language. A disassembler is also
// implemented.
//
// The assembly format looks like this (indentation and spacing is arbitrary,
// but order of sections is important):
//
//	program:                  # required
//		data:                   # optional, ordered constant pool
//			string "result"
//			number 3
//			bool   true
//			null
//			func   fact           # pool slot bound to the function section below
//		code:                   # required, top-level instructions
//			PUSH 1
//			CALL 1                # jump operands refer to instruction indices
//
//	function: fact n          # one section per func pool entry: name, params
//		code:
//			LOAD 0
//			RET 1
//
// Comments run from # to the end of the line. Instructions may carry an
// optional source line suffix `@N`.

var sections = map[string]bool{
	"program:":  true,
	"data:":     true,
	"code:":     true,
	"function:": true,
}

// Asm loads a compiled program from its assembler textual format.
func Asm(b []byte) (*Program, error) {
	asm := asm{s: bufio.NewScanner(bytes.NewReader(b)), funcs: make(map[string]*Funcode)}

	// must start with the program: section
	fields := asm.next()
	if asm.err == nil && (len(fields) == 0 || !strings.EqualFold(fields[0], "program:")) {
		return nil, errors.New("expected program section")
	}
	asm.p = &Program{}

	fields = asm.next()
	fields = asm.data(fields)
	fields = asm.text(fields)

	for asm.err == nil && len(fields) > 0 && strings.EqualFold(fields[0], "function:") {
		fields = asm.function(fields)
	}

	if asm.err == nil {
		if len(fields) > 0 {
			asm.err = fmt.Errorf("unexpected section: %s", fields[0])
		} else {
			for name, fn := range asm.funcs {
				if fn.Code == nil {
					asm.err = fmt.Errorf("missing function section: %s", name)
					break
				}
			}
		}
	}
	if asm.err != nil {
		return nil, asm.err
	}
	return asm.p, nil
}

type asm struct {
	s     *bufio.Scanner
	p     *Program
	funcs map[string]*Funcode // func pool entries awaiting their section
	err   error
}

// next returns the fields of the next non-empty line, with comments
// stripped. It returns nil at EOF or on error.
func (a *asm) next() []string {
	if a.err != nil {
		return nil
	}
	for a.s.Scan() {
		line := a.s.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			return fields
		}
	}
	a.err = a.s.Err()
	return nil
}

func (a *asm) data(fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "data:") {
		return fields
	}
	for {
		fields = a.next()
		if a.err != nil || len(fields) == 0 || sections[strings.ToLower(fields[0])] {
			return fields
		}
		switch kind := strings.ToLower(fields[0]); kind {
		case "null":
			a.p.Data = append(a.p.Data, nil)
		case "bool":
			if len(fields) != 2 {
				a.err = fmt.Errorf("invalid bool constant: %s", strings.Join(fields, " "))
				return nil
			}
			a.p.Data = append(a.p.Data, fields[1] == "true")
		case "number":
			if len(fields) != 2 {
				a.err = fmt.Errorf("invalid number constant: %s", strings.Join(fields, " "))
				return nil
			}
			f, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				a.err = fmt.Errorf("invalid number constant: %w", err)
				return nil
			}
			a.p.Data = append(a.p.Data, f)
		case "string":
			s, err := strconv.Unquote(strings.Join(fields[1:], " "))
			if err != nil {
				a.err = fmt.Errorf("invalid string constant: %w", err)
				return nil
			}
			a.p.Data = append(a.p.Data, s)
		case "func":
			if len(fields) != 2 {
				a.err = fmt.Errorf("invalid func constant: %s", strings.Join(fields, " "))
				return nil
			}
			fn := &Funcode{Name: fields[1]}
			a.funcs[fn.Name] = fn
			a.p.Data = append(a.p.Data, fn)
		default:
			a.err = fmt.Errorf("unknown constant kind: %s", kind)
			return nil
		}
	}
}

func (a *asm) text(fields []string) []string {
	if a.err != nil {
		return fields
	}
	if len(fields) == 0 || !strings.EqualFold(fields[0], "code:") {
		a.err = errors.New("expected code section")
		return nil
	}
	var code []Instruction
	code, fields = a.code()
	a.p.Text = code
	return fields
}

func (a *asm) function(fields []string) []string {
	if len(fields) < 2 {
		a.err = fmt.Errorf("invalid function: want 'function: NAME <param>...', got %s", strings.Join(fields, " "))
		return nil
	}
	fn, ok := a.funcs[fields[1]]
	if !ok {
		a.err = fmt.Errorf("function %s has no func pool entry", fields[1])
		return nil
	}
	if fn.Code != nil {
		a.err = fmt.Errorf("duplicate function section: %s", fields[1])
		return nil
	}
	fn.Params = append(fn.Params, fields[2:]...)

	fields = a.next()
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "code:") {
		a.err = errors.New("expected code section")
		return nil
	}
	fn.Code, fields = a.code()
	if a.err == nil && len(fn.Code) == 0 {
		fn.Code = []Instruction{{Op: RET}}
	}
	return fields
}

// code parses instruction lines until the next section header.
func (a *asm) code() ([]Instruction, []string) {
	var code []Instruction
	for {
		fields := a.next()
		if a.err != nil || len(fields) == 0 || sections[strings.ToLower(fields[0])] {
			return code, fields
		}
		op, ok := reverseLookupOpcode[strings.ToUpper(fields[0])]
		if !ok {
			a.err = fmt.Errorf("unknown opcode: %s", fields[0])
			return nil, nil
		}
		ins := Instruction{Op: op}
		for _, f := range fields[1:] {
			if strings.HasPrefix(f, "@") {
				line, err := strconv.Atoi(f[1:])
				if err != nil {
					a.err = fmt.Errorf("invalid line suffix: %s", f)
					return nil, nil
				}
				ins.Line = line
				continue
			}
			arg, err := strconv.Atoi(f)
			if err != nil {
				a.err = fmt.Errorf("invalid operand: %s", f)
				return nil, nil
			}
			ins.Arg = arg
		}
		code = append(code, ins)
	}
}

// Dasm writes a program in its assembler textual format, a valid input to
// Asm that reproduces the program.
func Dasm(p *Program) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("program:\n")

	var fns []*Funcode
	if len(p.Data) > 0 {
		buf.WriteString("\tdata:\n")
		for _, c := range p.Data {
			switch c := c.(type) {
			case nil:
				buf.WriteString("\t\tnull\n")
			case bool:
				fmt.Fprintf(&buf, "\t\tbool   %t\n", c)
			case float64:
				fmt.Fprintf(&buf, "\t\tnumber %s\n", strconv.FormatFloat(c, 'g', -1, 64))
			case string:
				fmt.Fprintf(&buf, "\t\tstring %s\n", strconv.Quote(c))
			case *Funcode:
				fmt.Fprintf(&buf, "\t\tfunc   %s\n", c.Name)
				fns = append(fns, c)
			default:
				return nil, fmt.Errorf("unexpected constant %T", c)
			}
		}
	}

	buf.WriteString("\tcode:\n")
	dasmCode(&buf, p.Text)

	for _, fn := range fns {
		fmt.Fprintf(&buf, "\nfunction: %s", fn.Name)
		for _, param := range fn.Params {
			buf.WriteString(" " + param)
		}
		buf.WriteString("\n\tcode:\n")
		dasmCode(&buf, fn.Code)
	}
	return buf.Bytes(), nil
}

func dasmCode(buf *bytes.Buffer, code []Instruction) {
	for _, ins := range code {
		buf.WriteString("\t\t" + ins.Op.String())
		if hasOperand(ins.Op) {
			fmt.Fprintf(buf, " %d", ins.Arg)
		}
		if ins.Line > 0 {
			fmt.Fprintf(buf, " @%d", ins.Line)
		}
		buf.WriteByte('\n')
	}
}
