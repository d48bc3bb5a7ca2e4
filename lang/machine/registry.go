package machine

import "github.com/dolthub/swiss"

// GenericSyscall is the registry key of the dynamic-dispatch syscall: a call
// through it takes the effective syscall name as its first argument.
const GenericSyscall = "syscall"

// A NativeFunc is a synchronous host-provided function. It receives the
// source line of the call site for diagnostics and the argument values in
// left-to-right source order, and returns the call's result.
type NativeFunc func(line int, args []Value) (Value, error)

// A NativeDef describes one registered native function. Arity is enforced
// exactly on call; a negative Arity disables the check.
type NativeDef struct {
	Arity int
	Fn    NativeFunc
}

// Natives is the native-function registry. It is injected configuration: the
// machine binds every registered name as a global at construction and looks
// implementations up on CALL. Registries are not serialized with a snapshot;
// the host supplies them again on restore.
type Natives struct {
	m     *swiss.Map[string, NativeDef]
	names []string
}

// NewNatives returns an empty native registry.
func NewNatives() *Natives {
	return &Natives{m: swiss.NewMap[string, NativeDef](16)}
}

// Register adds or replaces a native function.
func (n *Natives) Register(name string, arity int, fn NativeFunc) {
	if _, ok := n.m.Get(name); !ok {
		n.names = append(n.names, name)
	}
	n.m.Put(name, NativeDef{Arity: arity, Fn: fn})
}

// Lookup returns the definition registered under name.
func (n *Natives) Lookup(name string) (NativeDef, bool) {
	if n == nil {
		return NativeDef{}, false
	}
	return n.m.Get(name)
}

// Names returns the registered names in registration order.
func (n *Natives) Names() []string {
	if n == nil {
		return nil
	}
	return append([]string(nil), n.names...)
}

// A PreprocessFunc validates and re-packs the arguments of a syscall before
// the machine records the trap.
type PreprocessFunc func(args []Value, line int) ([]Value, error)

// A SyscallDef describes one registered syscall. ID is the trap name the
// host dispatches on; Preprocess may be nil for pass-through arguments.
type SyscallDef struct {
	ID         string
	Preprocess PreprocessFunc
}

// Syscalls is the syscall registry, injected like Natives.
type Syscalls struct {
	m     *swiss.Map[string, SyscallDef]
	names []string
}

// NewSyscalls returns an empty syscall registry.
func NewSyscalls() *Syscalls {
	return &Syscalls{m: swiss.NewMap[string, SyscallDef](8)}
}

// Register adds or replaces a syscall.
func (s *Syscalls) Register(name string, def SyscallDef) {
	if _, ok := s.m.Get(name); !ok {
		s.names = append(s.names, name)
	}
	s.m.Put(name, def)
}

// Lookup returns the definition registered under name.
func (s *Syscalls) Lookup(name string) (SyscallDef, bool) {
	if s == nil {
		return SyscallDef{}, false
	}
	return s.m.Get(name)
}

// Names returns the registered names in registration order.
func (s *Syscalls) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// DefaultSyscalls returns a registry holding the generic "syscall" entry,
// whose first argument names the effective syscall and must be a String.
func DefaultSyscalls() *Syscalls {
	s := NewSyscalls()
	s.Register(GenericSyscall, SyscallDef{ID: GenericSyscall})
	return s
}
