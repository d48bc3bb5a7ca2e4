package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erenyenigul/esc-lang/lang/ast"
)

func TestResumeWithValue(t *testing.T) {
	// let a = 1 + 2; let b = syscall("get", a); syscall("result", b + 1);
	vm := newVM(t, []ast.Stmt{
		decl(1, "a", bin(1, "+", lit(1, 1.0), lit(1, 2.0))),
		decl(2, "b", call(2, "syscall", lit(2, "get"), ident(2, "a"))),
		exprStmt(3, call(3, "syscall", lit(3, "result"),
			bin(3, "+", ident(3, "b"), lit(3, 1.0)))),
	}, "", nil)

	snap := vm.Run(0)
	trap := requireTrap(t, snap, "get")
	assert.Equal(t, []Value{Number(3)}, trap.Args)

	// the host resolves the syscall and resumes with its return value
	vm2, err := Restore(snap.State, Number(10), DefaultNatives(&Library{}), DefaultSyscalls())
	require.NoError(t, err)
	require.Nil(t, vm2.Pending())

	snap = vm2.Run(0)
	trap = requireTrap(t, snap, "result")
	assert.Equal(t, []Value{Number(11)}, trap.Args)
}

func TestRoundTripEquivalence(t *testing.T) {
	build := func() *VM {
		return newVM(t, []ast.Stmt{
			factDecl(),
			exprStmt(5, call(5, "syscall", lit(5, "r"), call(5, "fact", lit(5, 6.0)))),
		}, "", nil)
	}

	// uninterrupted run
	want := build().Run(0)
	wantTrap := requireTrap(t, want, "r")

	// interrupted mid-run, serialized, restored, then run to the same trap
	vm := build()
	snap := vm.Run(7)
	require.Equal(t, StatusRunning, snap.Status)
	restored, err := Restore(snap.State, nil, DefaultNatives(&Library{}), DefaultSyscalls())
	require.NoError(t, err)
	got := restored.Run(0)
	gotTrap := requireTrap(t, got, "r")

	assert.Equal(t, wantTrap.Args, gotTrap.Args)
}

func TestRoundTripIdempotentWhenSuspended(t *testing.T) {
	vm := newVM(t, []ast.Stmt{
		exprStmt(1, call(1, "syscall", lit(1, "r"), lit(1, 1.0))),
	}, "", nil)
	snap := vm.Run(0)
	requireTrap(t, snap, "r")

	// restoring without a value keeps the machine suspended on the same trap
	restored, err := Restore(snap.State, nil, DefaultNatives(&Library{}), DefaultSyscalls())
	require.NoError(t, err)
	again := restored.Run(0)
	trap := requireTrap(t, again, "r")
	assert.Equal(t, []Value{Number(1)}, trap.Args)
}

func TestAliasingSurvivesRoundTrip(t *testing.T) {
	// let xs = [1,2,3]; syscall("a", xs); xs[0] = 99; syscall("b", xs);
	vm := newVM(t, []ast.Stmt{
		decl(1, "xs", &ast.List{L: 1, Elems: []ast.Expr{lit(1, 1.0), lit(1, 2.0), lit(1, 3.0)}}),
		exprStmt(2, call(2, "syscall", lit(2, "a"), ident(2, "xs"))),
		&ast.VariableAssignment{L: 3,
			Target: &ast.Subscript{L: 3, Target: ident(3, "xs"), Key: lit(3, 0.0)},
			Value:  lit(3, 99.0),
		},
		exprStmt(4, call(4, "syscall", lit(4, "b"), ident(4, "xs"))),
	}, "", nil)

	snap := vm.Run(0)
	requireTrap(t, snap, "a")

	restored, err := Restore(snap.State, nil, DefaultNatives(&Library{}), DefaultSyscalls())
	require.NoError(t, err)

	// the decoded trap argument and the decoded global are one shared list
	g, ok := restored.Global("xs")
	require.True(t, ok)
	assert.Same(t, g, restored.Pending().Args[0])

	// resuming and mutating through the global is observed by later traps
	resumed, err := Restore(snap.State, Null, DefaultNatives(&Library{}), DefaultSyscalls())
	require.NoError(t, err)
	next := resumed.Run(0)
	trap := requireTrap(t, next, "b")
	lst := trap.Args[0].(*List)
	assert.Equal(t, []Value{Number(99), Number(2), Number(3)}, lst.Elems)
}

func TestFunctionsSurviveRoundTrip(t *testing.T) {
	// the function is declared before the first trap and called after it
	vm := newVM(t, []ast.Stmt{
		factDecl(),
		decl(5, "n", call(5, "syscall", lit(5, "get"))),
		exprStmt(6, call(6, "syscall", lit(6, "r"), call(6, "fact", ident(6, "n")))),
	}, "", nil)

	snap := vm.Run(0)
	requireTrap(t, snap, "get")

	restored, err := Restore(snap.State, Number(5), DefaultNatives(&Library{}), DefaultSyscalls())
	require.NoError(t, err)
	next := restored.Run(0)
	trap := requireTrap(t, next, "r")
	assert.Equal(t, []Value{Number(120)}, trap.Args)
}

func TestHaltedStateRoundTrip(t *testing.T) {
	vm := newVM(t, []ast.Stmt{
		exprStmt(1, call(1, "exit", lit(1, 7.0))),
	}, "", nil)
	snap := vm.Run(0)
	require.Equal(t, StatusHalted, snap.Status)

	restored, err := Restore(snap.State, nil, DefaultNatives(&Library{}), DefaultSyscalls())
	require.NoError(t, err)
	again := restored.Run(0)
	assert.Equal(t, StatusHalted, again.Status)
	assert.Equal(t, Number(7), again.Result)
}

func TestRestoreErrors(t *testing.T) {
	_, err := Restore("not base64!!", nil, nil, nil)
	assert.ErrorContains(t, err, "invalid snapshot encoding")

	_, err = Restore("aGVsbG8gd29ybGQh", nil, nil, nil) // valid base64, wrong magic
	assert.ErrorContains(t, err, "magic")

	// a value without a pending syscall is a host error
	vm := newVM(t, []ast.Stmt{decl(1, "a", lit(1, 1.0))}, "", nil)
	snap := vm.Run(0)
	_, err = Restore(snap.State, Number(1), nil, nil)
	assert.ErrorContains(t, err, "no pending syscall")
}

func TestSnapshotIDsUnique(t *testing.T) {
	vm := newVM(t, nil, "", nil)
	a, b := vm.Snapshot(), vm.Snapshot()
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSnapshotStatusReflectsState(t *testing.T) {
	vm := newVM(t, []ast.Stmt{
		decl(1, "a", lit(1, 1.0)),
		exprStmt(2, call(2, "syscall", lit(2, "r"), ident(2, "a"))),
	}, "", nil)

	assert.Equal(t, StatusRunning, vm.Snapshot().Status)
	snap := vm.Run(0)
	assert.Equal(t, StatusSyscall, snap.Status)
	assert.Equal(t, StatusSyscall, vm.Snapshot().Status)
}
