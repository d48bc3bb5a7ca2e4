package machine

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/erenyenigul/esc-lang/lang/compiler"
)

// Snapshot is the stable external artifact of a run: an opaque serialized
// machine image plus the information the host needs to act on it. The
// in-memory machine layout is not part of the stable surface; State is.
type Snapshot struct {
	// ID correlates images across transport; a fresh one is minted per
	// snapshot.
	ID string

	// State is the base64-wrapped binary encoding of the full machine state.
	State string

	// Status reports how the run ended.
	Status Status

	// Syscall is the trap record when Status is StatusSyscall.
	Syscall *Trap

	// Result is the value the machine halted with.
	Result Value

	// Err is the diagnostic when Status is StatusError.
	Err error
}

// Snapshot serializes the machine in its current state.
func (vm *VM) Snapshot() *Snapshot {
	status := StatusRunning
	switch {
	case vm.pending != nil:
		status = StatusSyscall
	case vm.halted || len(vm.frames) == 0:
		status = StatusHalted
	}
	return vm.snapshot(status, nil)
}

func (vm *VM) snapshot(status Status, err error) *Snapshot {
	return &Snapshot{
		ID:      uuid.NewString(),
		State:   vm.encodeState(),
		Status:  status,
		Syscall: vm.pending,
		Result:  vm.result,
		Err:     err,
	}
}

// Restore rebuilds a machine from the state string of a snapshot. The native
// and syscall registries are process configuration, not machine state, so
// the host supplies them again. If ret is non-nil the machine must be
// suspended on a syscall; ret is pushed onto the innermost frame's operand
// stack and the trap cleared, which is exactly what the compiled call site
// expects of a returning syscall.
func Restore(state string, ret Value, natives *Natives, syscalls *Syscalls) (*VM, error) {
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot encoding: %w", err)
	}
	vm, err := decodeState(raw)
	if err != nil {
		return nil, err
	}
	vm.natives = natives
	vm.syscalls = syscalls
	if ret != nil {
		if vm.pending == nil {
			return nil, errors.New("no pending syscall to resume with a value")
		}
		vm.frames[len(vm.frames)-1].push(ret)
		vm.pending = nil
	}
	return vm, nil
}

// Binary layout of a machine image. All integers are big-endian; strings are
// a u32 length followed by the raw bytes. Lists are encoded through an
// identity table so aliases decode back to one shared list.
//
//	[header]   magic u32 "ESCS", version u32
//	[pool]     count u32, value...
//	[frames]   count u32, each: ip i64, code (count u32, instruction...),
//	           stack (count u32, value...)
//	[globals]  count u32, each: name, value   (sorted by name)
//	[pending]  present u8; name, args (count u32, value...)
//	[halted]   u8
//	[result]   value
const (
	snapshotMagic   uint32 = 0x45534353 // "ESCS"
	snapshotVersion uint32 = 1
)

// value encoding tags
const (
	tagNull byte = iota + 1
	tagBool
	tagNumber
	tagString
	tagTuple
	tagListDef
	tagListRef
	tagFunction
	tagNative
	tagSyscall
)

func (vm *VM) encodeState() string {
	enc := encoder{lists: make(map[*List]uint32)}

	enc.u32(snapshotMagic)
	enc.u32(snapshotVersion)

	enc.u32(uint32(len(vm.data)))
	for _, v := range vm.data {
		enc.value(v)
	}

	enc.u32(uint32(len(vm.frames)))
	for _, fr := range vm.frames {
		enc.i64(int64(fr.ip))
		enc.code(fr.code)
		enc.u32(uint32(len(fr.stack)))
		for _, v := range fr.stack {
			enc.value(v)
		}
	}

	names := slices.Clone(vm.globals.names)
	slices.Sort(names)
	enc.u32(uint32(len(names)))
	for _, name := range names {
		v, _ := vm.globals.lookup(name)
		enc.str(name)
		enc.value(v)
	}

	if vm.pending != nil {
		enc.u8(1)
		enc.str(vm.pending.Name)
		enc.u32(uint32(len(vm.pending.Args)))
		for _, v := range vm.pending.Args {
			enc.value(v)
		}
	} else {
		enc.u8(0)
	}

	if vm.halted {
		enc.u8(1)
	} else {
		enc.u8(0)
	}
	enc.value(vm.result)

	return base64.StdEncoding.EncodeToString(enc.buf.Bytes())
}

func decodeState(raw []byte) (*VM, error) {
	dec := decoder{r: bytes.NewReader(raw), lists: make(map[uint32]*List)}

	if magic := dec.u32(); magic != snapshotMagic {
		return nil, fmt.Errorf("invalid snapshot magic %#x", magic)
	}
	if v := dec.u32(); v != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", v)
	}

	vm := &VM{globals: newGlobals(), result: Null}

	n := dec.u32()
	vm.data = make([]Value, n)
	for i := range vm.data {
		vm.data[i] = dec.value()
	}

	n = dec.u32()
	vm.frames = make([]*Frame, n)
	for i := range vm.frames {
		fr := &Frame{ip: int(dec.i64())}
		fr.code = dec.code()
		sn := dec.u32()
		fr.stack = make([]Value, 0, sn)
		for j := uint32(0); j < sn; j++ {
			fr.stack = append(fr.stack, dec.value())
		}
		vm.frames[i] = fr
	}

	n = dec.u32()
	for i := uint32(0); i < n; i++ {
		name := dec.str()
		vm.globals.put(name, dec.value())
	}

	if dec.u8() == 1 {
		trap := &Trap{Name: dec.str()}
		an := dec.u32()
		trap.Args = make([]Value, an)
		for i := range trap.Args {
			trap.Args[i] = dec.value()
		}
		vm.pending = trap
	}

	vm.halted = dec.u8() == 1
	vm.result = dec.value()

	if dec.err != nil {
		return nil, fmt.Errorf("corrupt snapshot: %w", dec.err)
	}
	return vm, nil
}

type encoder struct {
	buf   bytes.Buffer
	lists map[*List]uint32
}

func (e *encoder) u8(v byte)    { e.buf.WriteByte(v) }
func (e *encoder) u32(v uint32) { e.buf.Write(binary.BigEndian.AppendUint32(nil, v)) }
func (e *encoder) u64(v uint64) { e.buf.Write(binary.BigEndian.AppendUint64(nil, v)) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) code(code []compiler.Instruction) {
	e.u32(uint32(len(code)))
	for _, ins := range code {
		e.u8(byte(ins.Op))
		e.i64(int64(ins.Arg))
		e.u32(uint32(ins.Line))
	}
}

func (e *encoder) value(v Value) {
	switch v := v.(type) {
	case NullType:
		e.u8(tagNull)
	case Bool:
		e.u8(tagBool)
		if v {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case Number:
		e.u8(tagNumber)
		e.u64(math.Float64bits(float64(v)))
	case String:
		e.u8(tagString)
		e.str(string(v))
	case *Tuple:
		e.u8(tagTuple)
		e.u32(uint32(len(v.elems)))
		for _, el := range v.elems {
			e.value(el)
		}
	case *List:
		if id, ok := e.lists[v]; ok {
			e.u8(tagListRef)
			e.u32(id)
			return
		}
		id := uint32(len(e.lists))
		e.lists[v] = id
		e.u8(tagListDef)
		e.u32(id)
		e.u32(uint32(len(v.Elems)))
		for _, el := range v.Elems {
			e.value(el)
		}
	case *Function:
		e.u8(tagFunction)
		e.str(v.Funcode.Name)
		e.u32(uint32(len(v.Funcode.Params)))
		for _, p := range v.Funcode.Params {
			e.str(p)
		}
		e.code(v.Funcode.Code)
	case Native:
		e.u8(tagNative)
		e.str(string(v))
	case Syscall:
		e.u8(tagSyscall)
		e.str(string(v))
	default:
		panic(fmt.Sprintf("unexpected value %T", v))
	}
}

type decoder struct {
	r     *bytes.Reader
	lists map[uint32]*List
	err   error
}

func (d *decoder) u8() byte {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.err = err
	}
	return b
}

func (d *decoder) u32() uint32 {
	var b [4]byte
	d.read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (d *decoder) u64() uint64 {
	var b [8]byte
	d.read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) read(b []byte) {
	if d.err != nil {
		return
	}
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
	}
}

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil || n == 0 {
		return ""
	}
	if int64(n) > int64(d.r.Len()) {
		d.err = io.ErrUnexpectedEOF
		return ""
	}
	b := make([]byte, n)
	d.read(b)
	return string(b)
}

func (d *decoder) code() []compiler.Instruction {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	if int64(n) > int64(d.r.Len()) {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	code := make([]compiler.Instruction, 0, n)
	for i := uint32(0); i < n; i++ {
		op := compiler.Opcode(d.u8())
		arg := int(d.i64())
		line := int(d.u32())
		code = append(code, compiler.Instruction{Op: op, Arg: arg, Line: line})
	}
	return code
}

func (d *decoder) value() Value {
	switch tag := d.u8(); tag {
	case tagNull:
		return Null
	case tagBool:
		return Bool(d.u8() == 1)
	case tagNumber:
		return Number(math.Float64frombits(d.u64()))
	case tagString:
		return String(d.str())
	case tagTuple:
		n := d.u32()
		if d.err != nil || int64(n) > int64(d.r.Len()) {
			d.fail(io.ErrUnexpectedEOF)
			return Null
		}
		elems := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			elems = append(elems, d.value())
		}
		return NewTuple(elems)
	case tagListDef:
		id := d.u32()
		n := d.u32()
		if d.err != nil || int64(n) > int64(d.r.Len()) {
			d.fail(io.ErrUnexpectedEOF)
			return Null
		}
		// register before decoding elements: an alias of this list may occur
		// inside it
		lst := NewList(nil)
		d.lists[id] = lst
		for i := uint32(0); i < n; i++ {
			lst.Elems = append(lst.Elems, d.value())
		}
		return lst
	case tagListRef:
		id := d.u32()
		lst, ok := d.lists[id]
		if !ok {
			d.fail(fmt.Errorf("reference to unknown list %d", id))
			return Null
		}
		return lst
	case tagFunction:
		fn := &compiler.Funcode{Name: d.str()}
		pn := d.u32()
		if d.err != nil || int64(pn) > int64(d.r.Len()) {
			d.fail(io.ErrUnexpectedEOF)
			return Null
		}
		for i := uint32(0); i < pn; i++ {
			fn.Params = append(fn.Params, d.str())
		}
		fn.Code = d.code()
		return &Function{Funcode: fn}
	case tagNative:
		return Native(d.str())
	case tagSyscall:
		return Syscall(d.str())
	default:
		d.fail(fmt.Errorf("unknown value tag %#x", tag))
		return Null
	}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}
