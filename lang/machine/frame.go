package machine

import "github.com/erenyenigul/esc-lang/lang/compiler"

// A Frame is one activation record: the instruction stream it executes (the
// top-level program text or a function body), its own operand stack, and the
// instruction pointer. Locals occupy fixed slots of the operand stack, with
// the callee at slot 0 and arguments at slots 1..n.
type Frame struct {
	ip    int
	stack []Value
	code  []compiler.Instruction
}

func (fr *Frame) push(v Value) {
	fr.stack = append(fr.stack, v)
}

func (fr *Frame) pop() Value {
	v := fr.stack[len(fr.stack)-1]
	fr.stack = fr.stack[:len(fr.stack)-1]
	return v
}

func (fr *Frame) top() Value {
	return fr.stack[len(fr.stack)-1]
}
