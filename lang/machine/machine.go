package machine

import (
	"errors"
	"fmt"
	"math"

	"github.com/erenyenigul/esc-lang/lang/compiler"
)

// Status reports how a run ended.
type Status uint8

const (
	// StatusRunning means the step budget was exhausted before the program
	// finished; the machine can be run again.
	StatusRunning Status = iota

	// StatusHalted means the program ran to completion or called exit.
	StatusHalted

	// StatusError means a runtime error aborted the run.
	StatusError

	// StatusSyscall means the machine is quiescent at a syscall trap and
	// waits for the host to resume it with a return value.
	StatusSyscall
)

var statusNames = [...]string{
	StatusRunning: "RUNNING",
	StatusHalted:  "HALTED",
	StatusError:   "ERROR",
	StatusSyscall: "SYSCALL",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("unknown status (%d)", s)
}

// A Trap records the syscall the machine suspended on.
type Trap struct {
	Name string
	Args []Value
}

// A VM executes one compiled program. It is strictly single-threaded: one
// goroutine drives a VM at a time, and suspension happens only at syscall
// traps.
type VM struct {
	data     []Value
	frames   []*Frame
	globals  *globalsTable
	natives  *Natives
	syscalls *Syscalls
	pending  *Trap
	halted   bool
	result   Value
}

// New creates a machine for prog with a single root frame. Every name of the
// native and syscall registries is pre-bound as a global so compiled code
// reaches host functions through the ordinary global instructions.
func New(prog *compiler.Program, natives *Natives, syscalls *Syscalls) *VM {
	data := make([]Value, len(prog.Data))
	for i, c := range prog.Data {
		data[i] = constantValue(c)
	}
	vm := &VM{
		data:     data,
		globals:  newGlobals(),
		natives:  natives,
		syscalls: syscalls,
		result:   Null,
	}
	for _, name := range natives.Names() {
		vm.globals.put(name, Native(name))
	}
	for _, name := range syscalls.Names() {
		vm.globals.put(name, Syscall(name))
	}
	vm.frames = []*Frame{{code: prog.Text}}
	return vm
}

// constantValue lifts a pool constant to its runtime value.
func constantValue(c compiler.Constant) Value {
	switch c := c.(type) {
	case nil:
		return Null
	case bool:
		return Bool(c)
	case float64:
		return Number(c)
	case string:
		return String(c)
	case *compiler.Funcode:
		return &Function{Funcode: c}
	default:
		panic(fmt.Sprintf("unexpected constant %T: %[1]v", c))
	}
}

// Global returns the current value of a global binding.
func (vm *VM) Global(name string) (Value, bool) {
	return vm.globals.lookup(name)
}

// Pending returns the trap the machine is suspended on, or nil.
func (vm *VM) Pending() *Trap {
	return vm.pending
}

// Result returns the value the machine halted with.
func (vm *VM) Result() Value {
	return vm.result
}

// Run executes at most steps instructions (a non-positive budget is
// unlimited) and returns a snapshot of the machine. The run ends when the
// program halts, a syscall traps, a runtime error occurs, or the budget is
// exhausted; the snapshot's Status distinguishes the four.
func (vm *VM) Run(steps int) *Snapshot {
	budget := uint64(steps)
	if steps <= 0 {
		budget-- // MaxUint64
	}

	var nsteps uint64
	for {
		if vm.pending != nil {
			return vm.snapshot(StatusSyscall, nil)
		}
		if len(vm.frames) == 0 {
			vm.halted = true
		}
		if vm.halted {
			return vm.snapshot(StatusHalted, nil)
		}
		fr := vm.frames[len(vm.frames)-1]
		if fr.ip >= len(fr.code) {
			vm.reapFrames()
			continue
		}
		if nsteps >= budget {
			return vm.snapshot(StatusRunning, nil)
		}
		nsteps++

		ins := fr.code[fr.ip]
		if err := vm.exec(fr, ins); err != nil {
			return vm.snapshot(StatusError, err)
		}

		// the instruction pointer of the innermost frame advances after every
		// instruction: a freshly pushed frame moves from -1 to 0, and a frame
		// uncovered by RET moves past its CALL
		if len(vm.frames) > 0 {
			vm.frames[len(vm.frames)-1].ip++
		}
	}
}

// reapFrames pops every frame whose instruction pointer ran past the end of
// its code. A frame that ends without RET yields null to its caller.
func (vm *VM) reapFrames() {
	for len(vm.frames) > 0 {
		fr := vm.frames[len(vm.frames)-1]
		if fr.ip < len(fr.code) {
			return
		}
		vm.frames = vm.frames[:len(vm.frames)-1]
		if len(vm.frames) > 0 {
			caller := vm.frames[len(vm.frames)-1]
			caller.push(Null)
			caller.ip++
		}
	}
}

func (vm *VM) exec(fr *Frame, ins compiler.Instruction) error {
	line := ins.Line
	switch ins.Op {
	case compiler.NOP:
		// nop

	case compiler.DATA, compiler.PUSH:
		if ins.Arg < 0 || ins.Arg >= len(vm.data) {
			return rerrorf(MachineBug, line, "constant index %d out of range", ins.Arg)
		}
		fr.push(vm.data[ins.Arg])

	case compiler.ADD:
		x, y, err := vm.pop2(fr, line)
		if err != nil {
			return err
		}
		return vm.add(fr, x, y, ins.Arg, line)

	case compiler.SUB, compiler.MUL, compiler.DIV, compiler.MOD:
		x, y, err := vm.pop2(fr, line)
		if err != nil {
			return err
		}
		return vm.arith(fr, ins.Op, x, y, line)

	case compiler.NEG:
		n, err := vm.popNumber(fr, "negate", line)
		if err != nil {
			return err
		}
		fr.push(-n)

	case compiler.INC:
		n, err := vm.popNumber(fr, "increment", line)
		if err != nil {
			return err
		}
		fr.push(n + 1)

	case compiler.DEC:
		n, err := vm.popNumber(fr, "decrement", line)
		if err != nil {
			return err
		}
		fr.push(n - 1)

	case compiler.LT, compiler.GT, compiler.LTE, compiler.GTE:
		x, y, err := vm.pop2(fr, line)
		if err != nil {
			return err
		}
		xn, ok1 := x.(Number)
		yn, ok2 := y.(Number)
		if !ok1 || !ok2 {
			return rerrorf(InvalidType, line, "Cannot compare %s and %s", x.Type(), y.Type())
		}
		switch ins.Op {
		case compiler.LT:
			fr.push(Bool(xn < yn))
		case compiler.GT:
			fr.push(Bool(xn > yn))
		case compiler.LTE:
			fr.push(Bool(xn <= yn))
		case compiler.GTE:
			fr.push(Bool(xn >= yn))
		}

	case compiler.EQ:
		x, y, err := vm.pop2(fr, line)
		if err != nil {
			return err
		}
		fr.push(Bool(Equal(x, y)))

	case compiler.NEQ:
		x, y, err := vm.pop2(fr, line)
		if err != nil {
			return err
		}
		fr.push(Bool(!Equal(x, y)))

	case compiler.AND, compiler.OR:
		x, y, err := vm.pop2(fr, line)
		if err != nil {
			return err
		}
		xb, ok1 := x.(Bool)
		yb, ok2 := y.(Bool)
		if !ok1 || !ok2 {
			return rerrorf(InvalidType, line, "Cannot apply logic operator to %s and %s", x.Type(), y.Type())
		}
		if ins.Op == compiler.AND {
			fr.push(xb && yb)
		} else {
			fr.push(xb || yb)
		}

	case compiler.NOT:
		v, err := vm.pop1(fr, line)
		if err != nil {
			return err
		}
		b, ok := v.(Bool)
		if !ok {
			return rerrorf(InvalidType, line, "Cannot negate %s", v.Type())
		}
		fr.push(!b)

	case compiler.JUMP:
		fr.ip = ins.Arg - 1

	case compiler.JUMPF:
		v, err := vm.pop1(fr, line)
		if err != nil {
			return err
		}
		if !Truth(v) {
			fr.ip = ins.Arg - 1
		}

	case compiler.JUMPT:
		v, err := vm.pop1(fr, line)
		if err != nil {
			return err
		}
		if Truth(v) {
			fr.ip = ins.Arg - 1
		}

	case compiler.LOAD:
		if ins.Arg < 0 || ins.Arg >= len(fr.stack) {
			return rerrorf(MachineBug, line, "local slot %d out of range", ins.Arg)
		}
		fr.push(fr.stack[ins.Arg])

	case compiler.STORE:
		if len(fr.stack) == 0 {
			return vm.underflow(line)
		}
		if ins.Arg < 0 || ins.Arg >= len(fr.stack) {
			return rerrorf(MachineBug, line, "local slot %d out of range", ins.Arg)
		}
		fr.stack[ins.Arg] = fr.top()

	case compiler.DECLAREGL:
		name, err := vm.dataName(ins.Arg, line)
		if err != nil {
			return err
		}
		v, err := vm.pop1(fr, line)
		if err != nil {
			return err
		}
		return vm.globals.declare(name, v, line)

	case compiler.LOADGL:
		name, err := vm.dataName(ins.Arg, line)
		if err != nil {
			return err
		}
		v, ok := vm.globals.lookup(name)
		if !ok {
			return rerrorf(VariableNotDeclared, line, "Variable %s is not declared", name)
		}
		fr.push(v)

	case compiler.SETGL:
		name, err := vm.dataName(ins.Arg, line)
		if err != nil {
			return err
		}
		if len(fr.stack) == 0 {
			return vm.underflow(line)
		}
		return vm.globals.set(name, fr.top(), line)

	case compiler.MAKE_TUPLE, compiler.MAKE_LIST:
		n := ins.Arg
		if n < 0 || n > len(fr.stack) {
			return vm.underflow(line)
		}
		elems := make([]Value, n)
		for i := n - 1; i >= 0; i-- {
			elems[i] = fr.pop()
		}
		if ins.Op == compiler.MAKE_TUPLE {
			fr.push(NewTuple(elems))
		} else {
			fr.push(NewList(elems))
		}

	case compiler.SUBSCRIPT:
		container, key, err := vm.pop2(fr, line)
		if err != nil {
			return err
		}
		v, err := vm.subscript(container, key, line)
		if err != nil {
			return err
		}
		fr.push(v)

	case compiler.STORE_SUBSCRIPT:
		if len(fr.stack) < 3 {
			return vm.underflow(line)
		}
		key := fr.pop()
		container := fr.pop()
		value := fr.pop()
		lst, ok := container.(*List)
		if !ok {
			return rerrorf(InvalidType, line, "Cannot assign into %s", container.Type())
		}
		idx, err := subscriptIndex(key, len(lst.Elems), line)
		if err != nil {
			return err
		}
		lst.Elems[idx] = value
		fr.push(value)

	case compiler.CALL:
		return vm.call(fr, ins.Arg, line)

	case compiler.RET:
		v := Value(Null)
		if ins.Arg == 1 {
			var err error
			if v, err = vm.pop1(fr, line); err != nil {
				return err
			}
		}
		vm.frames = vm.frames[:len(vm.frames)-1]
		if len(vm.frames) == 0 {
			vm.halted = true
			vm.result = v
		} else {
			vm.frames[len(vm.frames)-1].push(v)
		}

	case compiler.POP:
		if _, err := vm.pop1(fr, line); err != nil {
			return err
		}

	case compiler.COPY:
		if len(fr.stack) == 0 {
			return vm.underflow(line)
		}
		fr.push(fr.top())

	default:
		return rerrorf(MachineBug, line, "unimplemented opcode %s", ins.Op)
	}
	return nil
}

// add implements ADD: numeric addition, string concatenation, and list
// concatenation. A flag operand of 1 appends the right list's elements to
// the left list in place and leaves that same list on the stack; otherwise a
// fresh list is allocated. The flag is ignored for non-list operands.
func (vm *VM) add(fr *Frame, x, y Value, flag, line int) error {
	switch x := x.(type) {
	case Number:
		if yn, ok := y.(Number); ok {
			fr.push(x + yn)
			return nil
		}
	case String:
		if ys, ok := y.(String); ok {
			fr.push(x + ys)
			return nil
		}
	case *List:
		if yl, ok := y.(*List); ok {
			if flag == 1 {
				x.Elems = append(x.Elems, yl.Elems...)
				fr.push(x)
				return nil
			}
			elems := make([]Value, 0, len(x.Elems)+len(yl.Elems))
			elems = append(elems, x.Elems...)
			elems = append(elems, yl.Elems...)
			fr.push(NewList(elems))
			return nil
		}
	}
	return rerrorf(InvalidType, line, "Cannot add %s and %s", x.Type(), y.Type())
}

func (vm *VM) arith(fr *Frame, op compiler.Opcode, x, y Value, line int) error {
	xn, ok1 := x.(Number)
	yn, ok2 := y.(Number)
	if !ok1 || !ok2 {
		verb := map[compiler.Opcode]string{
			compiler.SUB: "subtract",
			compiler.MUL: "multiply",
			compiler.DIV: "divide",
			compiler.MOD: "modulo",
		}[op]
		return rerrorf(InvalidType, line, "Cannot %s %s and %s", verb, x.Type(), y.Type())
	}
	switch op {
	case compiler.SUB:
		fr.push(xn - yn)
	case compiler.MUL:
		fr.push(xn * yn)
	case compiler.DIV:
		if yn == 0 {
			return rerrorf(DivisionByZero, line, "Division by zero")
		}
		fr.push(xn / yn)
	case compiler.MOD:
		if yn == 0 {
			return rerrorf(DivisionByZero, line, "Division by zero")
		}
		fr.push(Number(math.Mod(float64(xn), float64(yn))))
	}
	return nil
}

// subscript implements SUBSCRIPT on tuples and lists.
func (vm *VM) subscript(container, key Value, line int) (Value, error) {
	switch c := container.(type) {
	case *Tuple:
		idx, err := subscriptIndex(key, c.Len(), line)
		if err != nil {
			return nil, err
		}
		return c.Index(idx), nil
	case *List:
		idx, err := subscriptIndex(key, len(c.Elems), line)
		if err != nil {
			return nil, err
		}
		return c.Elems[idx], nil
	default:
		return nil, rerrorf(InvalidType, line, "Cannot subscript %s", container.Type())
	}
}

// subscriptIndex validates a subscript key against a sequence length. The
// key must be an integral Number in [0, length).
func subscriptIndex(key Value, length, line int) (int, error) {
	n, ok := key.(Number)
	if !ok {
		return 0, rerrorf(InvalidType, line, "Subscript key must be a Number, not %s", key.Type())
	}
	idx := int(n)
	if Number(idx) != n || idx < 0 || idx >= length {
		return 0, rerrorf(IndexError, line, "Index %s out of range", Repr(key))
	}
	return idx, nil
}

// call implements CALL: pop argc arguments right to left, pop the callee,
// and dispatch on the callee's tag.
func (vm *VM) call(fr *Frame, argc, line int) error {
	if argc < 0 || len(fr.stack) < argc+1 {
		return vm.underflow(line)
	}
	args := make([]Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = fr.pop()
	}
	callee := fr.pop()

	switch callee := callee.(type) {
	case *Function:
		if len(callee.Funcode.Params) != argc {
			return rerrorf(FunctionArgumentNumberMismatch, line,
				"Function %s expects %d arguments, got %d", callee.Name(), len(callee.Funcode.Params), argc)
		}
		stack := make([]Value, 0, argc+1)
		stack = append(stack, callee)
		stack = append(stack, args...)
		// ip starts at -1 so the post-instruction increment lands on 0
		vm.frames = append(vm.frames, &Frame{ip: -1, stack: stack, code: callee.Funcode.Code})
		return nil

	case Native:
		def, ok := vm.natives.Lookup(string(callee))
		if !ok {
			return rerrorf(MachineBug, line, "native function %s is not registered", string(callee))
		}
		if def.Arity >= 0 && def.Arity != argc {
			return rerrorf(NativeFunctionArgumentNumberMismatch, line,
				"Native function %s expects %d arguments, got %d", string(callee), def.Arity, argc)
		}
		res, err := def.Fn(line, args)
		if err != nil {
			var halt *exitHalt
			if errors.As(err, &halt) {
				vm.halted = true
				vm.result = halt.value
				return nil
			}
			return err
		}
		if res == nil {
			res = Null
		}
		fr.push(res)
		return nil

	case Syscall:
		def, ok := vm.syscalls.Lookup(string(callee))
		if !ok {
			return rerrorf(MachineBug, line, "syscall %s is not registered", string(callee))
		}
		processed := args
		if def.Preprocess != nil {
			var err error
			if processed, err = def.Preprocess(args, line); err != nil {
				return err
			}
		}
		name := def.ID
		if string(callee) == GenericSyscall {
			if len(processed) == 0 {
				return rerrorf(InvalidType, line, "syscall requires a name argument")
			}
			s, ok := processed[0].(String)
			if !ok {
				return rerrorf(InvalidType, line, "syscall name must be a String, not %s", processed[0].Type())
			}
			name = string(s)
			processed = processed[1:]
		}
		vm.pending = &Trap{Name: name, Args: processed}
		return nil

	default:
		return rerrorf(InvalidType, line, "Cannot call %s", callee.Type())
	}
}

func (vm *VM) dataName(idx, line int) (string, error) {
	if idx < 0 || idx >= len(vm.data) {
		return "", rerrorf(MachineBug, line, "constant index %d out of range", idx)
	}
	s, ok := vm.data[idx].(String)
	if !ok {
		return "", rerrorf(MachineBug, line, "global name constant is %s, not String", vm.data[idx].Type())
	}
	return string(s), nil
}

func (vm *VM) pop1(fr *Frame, line int) (Value, error) {
	if len(fr.stack) == 0 {
		return nil, vm.underflow(line)
	}
	return fr.pop(), nil
}

// pop2 pops the two operands of a binary opcode, returning them in
// left-to-right source order.
func (vm *VM) pop2(fr *Frame, line int) (x, y Value, err error) {
	if len(fr.stack) < 2 {
		return nil, nil, vm.underflow(line)
	}
	y = fr.pop()
	x = fr.pop()
	return x, y, nil
}

func (vm *VM) popNumber(fr *Frame, verb string, line int) (Number, error) {
	v, err := vm.pop1(fr, line)
	if err != nil {
		return 0, err
	}
	n, ok := v.(Number)
	if !ok {
		return 0, rerrorf(InvalidType, line, "Cannot %s %s", verb, v.Type())
	}
	return n, nil
}

func (vm *VM) underflow(line int) error {
	return rerrorf(MachineBug, line, "operand stack underflow")
}
