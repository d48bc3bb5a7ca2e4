package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erenyenigul/esc-lang/lang/ast"
)

func lit(line int, v interface{}) *ast.Literal { return &ast.Literal{L: line, Value: v} }
func ident(line int, name string) *ast.Identifier {
	return &ast.Identifier{L: line, Name: name}
}

func TestCompileGlobals(t *testing.T) {
	// let a = 1; a = a + 2;
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.VariableDeclaration{L: 1, Name: "a", Value: lit(1, 1.0)},
		&ast.VariableAssignment{L: 2, Target: ident(2, "a"), Value: &ast.BinaryOperation{
			L: 2, Op: "+", Left: ident(2, "a"), Right: lit(2, 2.0),
		}},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	want := []Instruction{
		{Op: PUSH, Arg: 0, Line: 1},
		{Op: DECLAREGL, Arg: 1, Line: 1},
		{Op: LOADGL, Arg: 2, Line: 2},
		{Op: PUSH, Arg: 3, Line: 2},
		{Op: ADD, Arg: 0, Line: 2},
		{Op: SETGL, Arg: 4, Line: 2},
		{Op: POP, Arg: 0, Line: 2},
	}
	assert.Equal(t, want, prog.Text)
	assert.Equal(t, []Constant{1.0, "a", "a", 2.0, "a"}, prog.Data)
}

func TestCompileLocalScope(t *testing.T) {
	// { let x = 1; x = 2; }
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.Block{L: 1, Stmts: []ast.Stmt{
			&ast.VariableDeclaration{L: 1, Name: "x", Value: lit(1, 1.0)},
			&ast.VariableAssignment{L: 2, Target: ident(2, "x"), Value: lit(2, 2.0)},
		}},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	want := []Instruction{
		{Op: PUSH, Arg: 0, Line: 1}, // x's slot
		{Op: PUSH, Arg: 1, Line: 2},
		{Op: STORE, Arg: 0, Line: 2},
		{Op: POP, Arg: 0, Line: 2},
		{Op: POP, Arg: 0, Line: 1}, // scope exit discards x
	}
	assert.Equal(t, want, prog.Text)
}

func TestCompileIfElse(t *testing.T) {
	// if (true) { 1; } else { 2; }
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.If{
			L:    1,
			Cond: lit(1, true),
			Then: &ast.Block{L: 1, Stmts: []ast.Stmt{&ast.ExpressionStatement{L: 1, Expr: lit(1, 1.0)}}},
			Else: &ast.Block{L: 2, Stmts: []ast.Stmt{&ast.ExpressionStatement{L: 2, Expr: lit(2, 2.0)}}},
		},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	ops := opsOf(prog.Text)
	assert.Equal(t, []Opcode{PUSH, JUMPF, PUSH, POP, JUMP, PUSH, POP}, ops)
	// the false branch lands past the unconditional jump, the jump past the
	// else branch
	assert.Equal(t, 5, prog.Text[1].Arg)
	assert.Equal(t, 7, prog.Text[4].Arg)
}

func TestCompileWhileBreakContinue(t *testing.T) {
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.While{
			L:    1,
			Cond: lit(1, true),
			Body: &ast.Block{L: 1, Stmts: []ast.Stmt{
				&ast.BreakStatement{L: 2},
				&ast.ContinueStatement{L: 3},
			}},
		},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	ops := opsOf(prog.Text)
	require.Equal(t, []Opcode{PUSH, JUMPF, JUMP, JUMP, JUMP}, ops)
	assert.Equal(t, 5, prog.Text[1].Arg, "exit jump")
	assert.Equal(t, 5, prog.Text[2].Arg, "break jumps past the loop")
	assert.Equal(t, 0, prog.Text[3].Arg, "continue jumps to the condition")
	assert.Equal(t, 0, prog.Text[4].Arg, "loop back edge")
}

func TestCompileForContinueTarget(t *testing.T) {
	// for (let i = 0; i < 2; i = i + 1) { continue; }
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.For{
			L:    1,
			Init: &ast.VariableDeclaration{L: 1, Name: "i", Value: lit(1, 0.0)},
			Cond: &ast.BinaryOperation{L: 1, Op: "<", Left: ident(1, "i"), Right: lit(1, 2.0)},
			Update: &ast.VariableAssignment{L: 1, Target: ident(1, "i"),
				Value: &ast.BinaryOperation{L: 1, Op: "+", Left: ident(1, "i"), Right: lit(1, 1.0)}},
			Body: &ast.Block{L: 1, Stmts: []ast.Stmt{&ast.ContinueStatement{L: 2}}},
		},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	// init: PUSH DECLAREGL, header: LOADGL PUSH LT JUMPF, body: JUMP,
	// update: LOADGL PUSH ADD SETGL POP, back edge: JUMP
	ops := opsOf(prog.Text)
	require.Equal(t, []Opcode{PUSH, DECLAREGL, LOADGL, PUSH, LT, JUMPF, JUMP, LOADGL, PUSH, ADD, SETGL, POP, JUMP}, ops)
	assert.Equal(t, 13, prog.Text[5].Arg, "exit jump")
	assert.Equal(t, 7, prog.Text[6].Arg, "continue jumps to the update clause")
	assert.Equal(t, 2, prog.Text[12].Arg, "back edge targets the condition")
}

func TestCompileForEmptyCond(t *testing.T) {
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.For{
			L:    1,
			Body: &ast.Block{L: 1, Stmts: []ast.Stmt{&ast.BreakStatement{L: 2}}},
		},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	// the loop header keeps its two slots even without a condition
	ops := opsOf(prog.Text)
	require.Equal(t, []Opcode{NOP, NOP, JUMP, JUMP}, ops)
	assert.Equal(t, 4, prog.Text[2].Arg, "break")
	assert.Equal(t, 0, prog.Text[3].Arg, "back edge")
}

func TestCompilePostfixIncrement(t *testing.T) {
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.ExpressionStatement{L: 1, Expr: &ast.UnaryOperation{
			L: 1, Op: "++", Operand: ident(1, "i"), Postfix: true,
		}},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	// the copy keeps the pre-mutation value as the expression result
	assert.Equal(t, []Opcode{LOADGL, COPY, INC, SETGL, POP, POP}, opsOf(prog.Text))
}

func TestCompilePrefixDecrement(t *testing.T) {
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.ExpressionStatement{L: 1, Expr: &ast.UnaryOperation{
			L: 1, Op: "--", Operand: ident(1, "i"),
		}},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)
	assert.Equal(t, []Opcode{LOADGL, DEC, SETGL, POP}, opsOf(prog.Text))
}

func TestCompileFunction(t *testing.T) {
	// func id(x) { return x; }
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.FunctionDeclaration{
			L: 1, Name: "id", Params: []string{"x"},
			Body: &ast.Block{L: 1, Stmts: []ast.Stmt{&ast.Return{L: 2, Value: ident(2, "x")}}},
		},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	require.Len(t, prog.Data, 2)
	fn, ok := prog.Data[0].(*Funcode)
	require.True(t, ok)
	assert.Equal(t, "id", fn.Name)
	assert.Equal(t, []string{"x"}, fn.Params)
	assert.Equal(t, "id", prog.Data[1])

	// the parameter occupies slot 1, the callee slot 0
	assert.Equal(t, []Opcode{LOAD, RET, POP, RET}, opsOf(fn.Code))
	assert.Equal(t, 1, fn.Code[0].Arg)
	assert.Equal(t, 1, fn.Code[1].Arg)
	assert.Equal(t, RET, fn.Code[len(fn.Code)-1].Op, "function code ends with RET")

	assert.Equal(t, []Opcode{DATA, DECLAREGL}, opsOf(prog.Text))
}

func TestCompileSelfReference(t *testing.T) {
	// func f() { return f; }
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.FunctionDeclaration{
			L: 1, Name: "f",
			Body: &ast.Block{L: 1, Stmts: []ast.Stmt{&ast.Return{L: 1, Value: ident(1, "f")}}},
		},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	fn := prog.Data[0].(*Funcode)
	assert.Equal(t, LOAD, fn.Code[0].Op, "self-reference resolves to the callee slot")
	assert.Equal(t, 0, fn.Code[0].Arg)
}

func TestCompileSubscriptAssign(t *testing.T) {
	// xs[1] = 9;
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.VariableAssignment{L: 1,
			Target: &ast.Subscript{L: 1, Target: ident(1, "xs"), Key: lit(1, 1.0)},
			Value:  lit(1, 9.0),
		},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)
	assert.Equal(t, []Opcode{PUSH, LOADGL, PUSH, STORE_SUBSCRIPT, POP}, opsOf(prog.Text))
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		desc string
		stmt ast.Stmt
		kind ErrKind
		line int
	}{
		{"break outside loop", &ast.BreakStatement{L: 3}, SyntaxError, 3},
		{"continue outside loop", &ast.ContinueStatement{L: 4}, SyntaxError, 4},
		{
			"assign to literal",
			&ast.VariableAssignment{L: 5, Target: lit(5, 1.0), Value: lit(5, 2.0)},
			SyntaxError, 5,
		},
		{
			"increment of a call",
			&ast.ExpressionStatement{L: 6, Expr: &ast.UnaryOperation{
				L: 6, Op: "++", Operand: &ast.Call{L: 6, Callee: ident(6, "f")},
			}},
			SyntaxError, 6,
		},
		{
			"unknown binary operator",
			&ast.ExpressionStatement{L: 7, Expr: &ast.BinaryOperation{
				L: 7, Op: "**", Left: lit(7, 1.0), Right: lit(7, 2.0),
			}},
			CompilerBug, 7,
		},
		{
			"redeclaration in same scope",
			&ast.Block{L: 8, Stmts: []ast.Stmt{
				&ast.VariableDeclaration{L: 8, Name: "x", Value: lit(8, 1.0)},
				&ast.VariableDeclaration{L: 9, Name: "x", Value: lit(9, 2.0)},
			}},
			VariableAlreadyDeclaredInScope, 9,
		},
	}

	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			_, err := Compile(&ast.Block{Stmts: []ast.Stmt{c.stmt}})
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, c.kind, cerr.Kind)
			assert.Equal(t, c.line, cerr.Line)
		})
	}
}

func TestShadowingInNestedScope(t *testing.T) {
	// { let x = 1; { let x = 2; x = 3; } }
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.Block{L: 1, Stmts: []ast.Stmt{
			&ast.VariableDeclaration{L: 1, Name: "x", Value: lit(1, 1.0)},
			&ast.Block{L: 2, Stmts: []ast.Stmt{
				&ast.VariableDeclaration{L: 2, Name: "x", Value: lit(2, 2.0)},
				&ast.VariableAssignment{L: 3, Target: ident(3, "x"), Value: lit(3, 3.0)},
			}},
		}},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	// the inner assignment targets the inner slot
	var stores []int
	for _, ins := range prog.Text {
		if ins.Op == STORE {
			stores = append(stores, ins.Arg)
		}
	}
	assert.Equal(t, []int{1}, stores)
}

// TestJumpTargetsValid compiles a program exercising every control-flow form
// and checks that each jump operand is a valid instruction index.
func TestJumpTargetsValid(t *testing.T) {
	block := &ast.Block{Stmts: []ast.Stmt{
		&ast.If{L: 1, Cond: lit(1, true),
			Then: &ast.Block{L: 1, Stmts: []ast.Stmt{&ast.ExpressionStatement{L: 1, Expr: lit(1, 1.0)}}},
			Else: &ast.Block{L: 2, Stmts: []ast.Stmt{&ast.ExpressionStatement{L: 2, Expr: lit(2, 2.0)}}},
		},
		&ast.While{L: 3, Cond: lit(3, true),
			Body: &ast.Block{L: 3, Stmts: []ast.Stmt{&ast.BreakStatement{L: 4}}},
		},
		&ast.For{L: 5,
			Init: &ast.VariableDeclaration{L: 5, Name: "i", Value: lit(5, 0.0)},
			Cond: &ast.BinaryOperation{L: 5, Op: "<", Left: ident(5, "i"), Right: lit(5, 3.0)},
			Update: &ast.VariableAssignment{L: 5, Target: ident(5, "i"),
				Value: &ast.BinaryOperation{L: 5, Op: "+", Left: ident(5, "i"), Right: lit(5, 1.0)}},
			Body: &ast.Block{L: 5, Stmts: []ast.Stmt{&ast.ContinueStatement{L: 6}}},
		},
		&ast.FunctionDeclaration{L: 7, Name: "f", Params: []string{"n"},
			Body: &ast.Block{L: 7, Stmts: []ast.Stmt{
				&ast.While{L: 8, Cond: ident(8, "n"),
					Body: &ast.Block{L: 8, Stmts: []ast.Stmt{&ast.BreakStatement{L: 9}}},
				},
			}},
		},
	}}

	prog, err := Compile(block)
	require.NoError(t, err)

	checkJumps := func(code []Instruction) {
		for i, ins := range code {
			if isJump(ins.Op) {
				assert.GreaterOrEqual(t, ins.Arg, 0, "instruction %d", i)
				assert.LessOrEqual(t, ins.Arg, len(code), "instruction %d", i)
			}
		}
	}
	checkJumps(prog.Text)
	for _, c := range prog.Data {
		if fn, ok := c.(*Funcode); ok {
			checkJumps(fn.Code)
			require.NotEmpty(t, fn.Code)
			assert.Equal(t, RET, fn.Code[len(fn.Code)-1].Op)
		}
	}
}

func opsOf(code []Instruction) []Opcode {
	ops := make([]Opcode, len(code))
	for i, ins := range code {
		ops[i] = ins.Op
	}
	return ops
}
