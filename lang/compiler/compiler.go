// Package compiler lowers the abstract syntax tree to the bytecode executed
// by the virtual machine. It also provides an assembler and disassembler to
// encode in textual form a program that closely matches the compiled form.
package compiler

import "github.com/erenyenigul/esc-lang/lang/ast"

// Compile lowers the top-level block of a source unit to a Program.
// Statements of the block itself are compiled at depth 0, so declarations at
// the top level become globals. Compilation aborts on the first error and no
// Program is produced.
func Compile(block *ast.Block) (*Program, error) {
	prog := &Program{}
	fc := &fcomp{prog: prog}
	if block != nil {
		for _, s := range block.Stmts {
			if err := fc.stmt(s); err != nil {
				return nil, err
			}
		}
	}
	prog.Text = fc.code
	return prog, nil
}

// A local is the compile-time record of a declared variable. Its position in
// the locals list mirrors the operand stack slot holding its value.
type local struct {
	name  string
	depth int
}

// A loopScope accumulates the indices of break and continue placeholder
// jumps until the loop end (and update clause) addresses are known.
type loopScope struct {
	breaks    []int
	continues []int
}

// An fcomp holds the compiler state for one instruction stream: the top
// level of a program or a single function body. Function bodies get their
// own fcomp sharing the enclosing program's constant pool.
type fcomp struct {
	prog   *Program
	code   []Instruction
	locals []local
	depth  int
	loops  []*loopScope
}

// emit appends an instruction and returns its index.
func (fc *fcomp) emit(op Opcode, arg, line int) int {
	fc.code = append(fc.code, Instruction{Op: op, Arg: arg, Line: line})
	return len(fc.code) - 1
}

// patch sets the operand of the placeholder jump at index i.
func (fc *fcomp) patch(i, target int) {
	fc.code[i].Arg = target
}

// pool appends a constant and returns its index. The pool is append-only, so
// indices handed out earlier keep their meaning.
func (fc *fcomp) pool(c Constant) int {
	fc.prog.Data = append(fc.prog.Data, c)
	return len(fc.prog.Data) - 1
}

// resolve searches the locals from innermost outward and returns the stack
// slot of name, or false when the name is not a local (and therefore
// resolves as a global).
func (fc *fcomp) resolve(name string) (int, bool) {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		if fc.locals[i].name == name {
			return i, true
		}
	}
	return 0, false
}

// declare records a declaration whose initializer value is on the stack. At
// depth 0 the declaration is a global and the value is consumed by
// DECLAREGL; at inner depths the value stays on the stack as the local's
// slot and the declaration is a purely compile-time record.
func (fc *fcomp) declare(name string, line int) error {
	if fc.depth == 0 {
		fc.emit(DECLAREGL, fc.pool(name), line)
		return nil
	}
	for i := len(fc.locals) - 1; i >= 0 && fc.locals[i].depth == fc.depth; i-- {
		if fc.locals[i].name == name {
			return errorf(VariableAlreadyDeclaredInScope, line,
				"variable %s already declared in this scope", name)
		}
	}
	fc.locals = append(fc.locals, local{name: name, depth: fc.depth})
	return nil
}

// block compiles a braced block in a new lexical scope. On exit, locals
// declared by the block are discarded and their stack slots popped.
func (fc *fcomp) block(b *ast.Block) error {
	fc.depth++
	for _, s := range b.Stmts {
		if err := fc.stmt(s); err != nil {
			return err
		}
	}
	fc.depth--
	for len(fc.locals) > 0 && fc.locals[len(fc.locals)-1].depth > fc.depth {
		fc.locals = fc.locals[:len(fc.locals)-1]
		fc.emit(POP, 0, b.L)
	}
	return nil
}

func (fc *fcomp) stmt(s ast.Stmt) error {
	switch s := s.(type) {
	case *ast.VariableDeclaration:
		if s.Value != nil {
			if err := fc.expr(s.Value); err != nil {
				return err
			}
		} else {
			fc.emit(PUSH, fc.pool(nil), s.L)
		}
		return fc.declare(s.Name, s.L)

	case *ast.VariableAssignment:
		if err := fc.expr(s.Value); err != nil {
			return err
		}
		if err := fc.assign(s.Target, s.L); err != nil {
			return err
		}
		// assignment is an expression in the source language; as a statement
		// its value is discarded
		fc.emit(POP, 0, s.L)
		return nil

	case *ast.ExpressionStatement:
		if err := fc.expr(s.Expr); err != nil {
			return err
		}
		fc.emit(POP, 0, s.L)
		return nil

	case *ast.Block:
		return fc.block(s)

	case *ast.If:
		return fc.ifStmt(s)

	case *ast.While:
		return fc.whileStmt(s)

	case *ast.For:
		return fc.forStmt(s)

	case *ast.BreakStatement:
		if len(fc.loops) == 0 {
			return errorf(SyntaxError, s.L, "break outside of a loop")
		}
		lp := fc.loops[len(fc.loops)-1]
		lp.breaks = append(lp.breaks, fc.emit(JUMP, 0, s.L))
		return nil

	case *ast.ContinueStatement:
		if len(fc.loops) == 0 {
			return errorf(SyntaxError, s.L, "continue outside of a loop")
		}
		lp := fc.loops[len(fc.loops)-1]
		lp.continues = append(lp.continues, fc.emit(JUMP, 0, s.L))
		return nil

	case *ast.FunctionDeclaration:
		return fc.function(s)

	case *ast.Return:
		if s.Value != nil {
			if err := fc.expr(s.Value); err != nil {
				return err
			}
			fc.emit(RET, 1, s.L)
		} else {
			fc.emit(RET, 0, s.L)
		}
		return nil

	case *ast.EmptyStatement, *ast.ImportStatement:
		// imports are resolved by the host before compilation
		return nil

	default:
		return errorf(CompilerBug, s.Line(), "unknown statement node %T", s)
	}
}

func (fc *fcomp) ifStmt(s *ast.If) error {
	if err := fc.expr(s.Cond); err != nil {
		return err
	}
	jf := fc.emit(JUMPF, 0, s.L)
	if err := fc.block(s.Then); err != nil {
		return err
	}
	fc.patch(jf, len(fc.code))
	if s.Else != nil {
		jmp := fc.emit(JUMP, 0, s.L)
		// the false branch must land past the jump just inserted
		fc.code[jf].Arg++
		if err := fc.block(s.Else); err != nil {
			return err
		}
		fc.patch(jmp, len(fc.code))
	}
	return nil
}

func (fc *fcomp) whileStmt(s *ast.While) error {
	start := len(fc.code)
	if err := fc.expr(s.Cond); err != nil {
		return err
	}
	jf := fc.emit(JUMPF, 0, s.L)

	fc.loops = append(fc.loops, &loopScope{})
	if err := fc.block(s.Body); err != nil {
		return err
	}
	lp := fc.loops[len(fc.loops)-1]
	fc.loops = fc.loops[:len(fc.loops)-1]

	fc.emit(JUMP, start, s.L)
	end := len(fc.code)
	fc.patch(jf, end)
	for _, i := range lp.breaks {
		fc.patch(i, end)
	}
	for _, i := range lp.continues {
		fc.patch(i, start)
	}
	return nil
}

func (fc *fcomp) forStmt(s *ast.For) error {
	if s.Init != nil {
		if err := fc.stmt(s.Init); err != nil {
			return err
		}
	}
	start := len(fc.code)
	jf := -1
	if s.Cond != nil {
		if err := fc.expr(s.Cond); err != nil {
			return err
		}
		jf = fc.emit(JUMPF, 0, s.L)
	} else {
		// keep the loop header shape stable: one slot for the (absent)
		// condition and one for the exit jump
		fc.emit(NOP, 0, s.L)
		fc.emit(NOP, 0, s.L)
	}

	fc.loops = append(fc.loops, &loopScope{})
	if err := fc.block(s.Body); err != nil {
		return err
	}
	lp := fc.loops[len(fc.loops)-1]
	fc.loops = fc.loops[:len(fc.loops)-1]

	updateStart := len(fc.code)
	if s.Update != nil {
		if err := fc.stmt(s.Update); err != nil {
			return err
		}
	}
	fc.emit(JUMP, start, s.L)
	end := len(fc.code)
	if jf >= 0 {
		fc.patch(jf, end)
	}
	for _, i := range lp.breaks {
		fc.patch(i, end)
	}
	for _, i := range lp.continues {
		fc.patch(i, updateStart)
	}
	return nil
}

func (fc *fcomp) function(s *ast.FunctionDeclaration) error {
	fn := &Funcode{Name: s.Name, Params: s.Params}
	k := fc.pool(fn)

	// the callee occupies slot 0 of its own frame so the body can refer to
	// itself by name; parameters follow in slots 1..n
	child := &fcomp{prog: fc.prog}
	child.locals = append(child.locals, local{name: s.Name, depth: 0})
	for _, p := range s.Params {
		child.locals = append(child.locals, local{name: p, depth: 1})
	}
	if err := child.block(s.Body); err != nil {
		return err
	}
	child.emit(RET, 0, s.L)
	fn.Code = child.code

	fc.emit(DATA, k, s.L)
	return fc.declare(s.Name, s.L)
}

// assign compiles the store for an assignment whose value is already on the
// stack. The assigned value is left on the stack afterwards.
func (fc *fcomp) assign(target ast.Expr, line int) error {
	switch t := target.(type) {
	case *ast.Identifier:
		fc.emitStore(t.Name, line)
		return nil
	case *ast.Subscript:
		if err := fc.expr(t.Target); err != nil {
			return err
		}
		if err := fc.expr(t.Key); err != nil {
			return err
		}
		fc.emit(STORE_SUBSCRIPT, 0, line)
		return nil
	default:
		return errorf(SyntaxError, line, "cannot assign to %T", target)
	}
}

// emitStore writes the top of stack to name without popping it.
func (fc *fcomp) emitStore(name string, line int) {
	if slot, ok := fc.resolve(name); ok {
		fc.emit(STORE, slot, line)
	} else {
		fc.emit(SETGL, fc.pool(name), line)
	}
}

// emitLoad pushes the value of name.
func (fc *fcomp) emitLoad(name string, line int) {
	if slot, ok := fc.resolve(name); ok {
		fc.emit(LOAD, slot, line)
	} else {
		fc.emit(LOADGL, fc.pool(name), line)
	}
}

var binaryOps = map[string]Opcode{
	"+":  ADD,
	"-":  SUB,
	"*":  MUL,
	"/":  DIV,
	"%":  MOD,
	"<":  LT,
	">":  GT,
	"<=": LTE,
	">=": GTE,
	"==": EQ,
	"!=": NEQ,
	"&&": AND,
	"||": OR,
}

func (fc *fcomp) expr(e ast.Expr) error {
	switch e := e.(type) {
	case *ast.Literal:
		fc.emit(PUSH, fc.pool(e.Value), e.L)
		return nil

	case *ast.Identifier:
		fc.emitLoad(e.Name, e.L)
		return nil

	case *ast.BinaryOperation:
		op, ok := binaryOps[e.Op]
		if !ok {
			return errorf(CompilerBug, e.L, "unknown binary operator %s", e.Op)
		}
		if err := fc.expr(e.Left); err != nil {
			return err
		}
		if err := fc.expr(e.Right); err != nil {
			return err
		}
		fc.emit(op, 0, e.L)
		return nil

	case *ast.UnaryOperation:
		return fc.unary(e)

	case *ast.Call:
		if err := fc.expr(e.Callee); err != nil {
			return err
		}
		for _, a := range e.Args {
			if err := fc.expr(a); err != nil {
				return err
			}
		}
		fc.emit(CALL, len(e.Args), e.L)
		return nil

	case *ast.Tuple:
		for _, el := range e.Elems {
			if err := fc.expr(el); err != nil {
				return err
			}
		}
		fc.emit(MAKE_TUPLE, len(e.Elems), e.L)
		return nil

	case *ast.List:
		for _, el := range e.Elems {
			if err := fc.expr(el); err != nil {
				return err
			}
		}
		fc.emit(MAKE_LIST, len(e.Elems), e.L)
		return nil

	case *ast.Subscript:
		if err := fc.expr(e.Target); err != nil {
			return err
		}
		if err := fc.expr(e.Key); err != nil {
			return err
		}
		fc.emit(SUBSCRIPT, 0, e.L)
		return nil

	default:
		return errorf(CompilerBug, e.Line(), "unknown expression node %T", e)
	}
}

func (fc *fcomp) unary(e *ast.UnaryOperation) error {
	switch e.Op {
	case "-":
		if err := fc.expr(e.Operand); err != nil {
			return err
		}
		fc.emit(NEG, 0, e.L)
		return nil

	case "!":
		if err := fc.expr(e.Operand); err != nil {
			return err
		}
		fc.emit(NOT, 0, e.L)
		return nil

	case "++", "--":
		ident, ok := e.Operand.(*ast.Identifier)
		if !ok {
			return errorf(SyntaxError, e.L, "%s is only valid on identifiers", e.Op)
		}
		fc.emitLoad(ident.Name, e.L)
		if e.Postfix {
			fc.emit(COPY, 0, e.L)
		}
		if e.Op == "++" {
			fc.emit(INC, 0, e.L)
		} else {
			fc.emit(DEC, 0, e.L)
		}
		fc.emitStore(ident.Name, e.L)
		if e.Postfix {
			// discard the stored value so the pre-mutation copy is the result
			fc.emit(POP, 0, e.L)
		}
		return nil

	default:
		return errorf(CompilerBug, e.L, "unknown unary operator %s", e.Op)
	}
}
