package kvm

import (
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

const (
	fakeKVMFd  = 100
	fakeVMFd   = 101
	fakeVCPUFd = 102

	fakeRunSize = 3 * PageSize
)

// fakeExit scripts the outcome of one KVM_RUN.
type fakeExit struct {
	err    error
	reason ExitReason
	fill   func(union []byte)
}

// fakeKVM stands in for /dev/kvm. It keeps register state, records the
// requests it sees and plays back scripted exits.
type fakeKVM struct {
	mu sync.Mutex

	caps       map[Capability]uintptr
	capErr     error
	createVCPU error
	allocErr   error

	regs  []byte
	sregs []byte
	run   mmap.MMap

	exits []fakeExit

	requests []uint
	regions  []UserMemoryRegion
	fixed    []fixedRegion
	closed   []uintptr
	unmapped int
}

type fixedRegion struct {
	name        string
	hostAddress uint64
	size        uint64
}

func newFakeKVM() *fakeKVM {
	f := &fakeKVM{
		caps:  map[Capability]uintptr{},
		regs:  make([]byte, registersSize),
		sregs: make([]byte, sregistersSize),
	}

	// Power-on state, as KVM reports it for a fresh vCPU.
	var sregs SRegisters
	for _, s := range sregs.segments() {
		*s = Segment{Limit: 0xffff, Type: 0x3, Present: 1, S: 1}
	}
	sregs.Cs = Segment{Base: 0xffff0000, Limit: 0xffff, Selector: 0xf000, Type: 0xb, Present: 1, S: 1}
	sregs.Tr = Segment{Limit: 0xffff, Type: 0xb, Present: 1}
	sregs.Ldt = Segment{Limit: 0xffff, Type: 0x2, Present: 1}
	sregs.Gdt.Limit = 0xffff
	sregs.Idt.Limit = 0xffff
	sregs.Cr0 = 0x60000010
	sregs.ApicBase = 0xfee00900
	sregs.encode(f.sregs)

	regs := Registers{Rdx: 0x600, Rip: 0xfff0, Rflags: rflagsReserved}
	regs.encode(f.regs)

	return f
}

func (f *fakeKVM) device(t *testing.T, opts ...Option) *Device {
	return newDevice(fakeKVMFd, f, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func (f *fakeKVM) script(exits ...fakeExit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits = append(f.exits, exits...)
}

func (f *fakeKVM) count(req uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, r := range f.requests {
		if r == req {
			n++
		}
	}
	return n
}

func (f *fakeKVM) ioctl(fd uintptr, req uint, arg uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	switch req {
	case ioctlKVMGetAPIVersion:
		return APIVersion, nil
	case ioctlKVMCheckExtension:
		if f.capErr != nil {
			return 0, f.capErr
		}
		return f.caps[Capability(arg)], nil
	case ioctlKVMCreateVM:
		return fakeVMFd, nil
	case ioctlKVMGetVCPUMMAPSize:
		return fakeRunSize, nil
	case ioctlKVMCreateVCPU:
		if f.createVCPU != nil {
			return 0, f.createVCPU
		}
		return fakeVCPUFd, nil
	case ioctlKVMRun:
		if len(f.exits) == 0 {
			// Nothing scripted: behave like a guest that halts.
			binary.LittleEndian.PutUint32(f.run[runExitReasonOffset:], uint32(ExitReasonHlt))
			return 0, nil
		}
		e := f.exits[0]
		f.exits = f.exits[1:]
		if e.err != nil {
			return 0, e.err
		}
		clear(f.run[runExitUnionOffset : runExitUnionOffset+runExitUnionSize])
		binary.LittleEndian.PutUint32(f.run[runExitReasonOffset:], uint32(e.reason))
		if e.fill != nil {
			e.fill(f.run[runExitUnionOffset:])
		}
		return 0, nil
	}

	return 0, unix.ENOTTY
}

func (f *fakeKVM) ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	b := argBytes(req, arg)

	switch req {
	case ioctlKVMGetRegs:
		copy(b, f.regs)
	case ioctlKVMSetRegs:
		copy(f.regs, b)
	case ioctlKVMGetSRegs:
		copy(b, f.sregs)
	case ioctlKVMSetSRegs:
		copy(f.sregs, b)
	case ioctlKVMSetUserMemoryRegion:
		f.regions = append(f.regions, UserMemoryRegion{
			Slot:          binary.LittleEndian.Uint32(b[0:]),
			Flags:         binary.LittleEndian.Uint32(b[4:]),
			GuestPhysAddr: binary.LittleEndian.Uint64(b[8:]),
			MemorySize:    binary.LittleEndian.Uint64(b[16:]),
			UserspaceAddr: binary.LittleEndian.Uint64(b[24:]),
		})
	case ioctlKVMMemRegisterFixedRegion:
		name := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(binary.LittleEndian.Uint64(b[0:])))), 3)
		f.fixed = append(f.fixed, fixedRegion{
			name:        string(name),
			hostAddress: binary.LittleEndian.Uint64(b[8:]),
			size:        binary.LittleEndian.Uint64(b[16:]),
		})
	case ioctlKVMMemRW:
		src := binary.LittleEndian.Uint64(b[0:])
		dst := binary.LittleEndian.Uint64(b[8:])
		n := int(binary.LittleEndian.Uint64(b[24:]))
		copy(hostBytes(dst, n), hostBytes(src, n))
	default:
		return 0, unix.ENOTTY
	}

	return 0, nil
}

// argBytes views the ioctl argument using the size encoded in req.
func argBytes(req uint, arg unsafe.Pointer) []byte {
	size := int(req>>16) & 0x3fff
	return unsafe.Slice((*byte)(arg), size)
}

func hostBytes(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

func (f *fakeKVM) mapAnonymous(size int) (mmap.MMap, error) {
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	return osSystem{}.mapAnonymous(size)
}

func (f *fakeKVM) mapShared(fd uintptr, size int) (mmap.MMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run = make(mmap.MMap, size)
	return f.run, nil
}

func (f *fakeKVM) unmap(m mmap.MMap) error {
	f.mu.Lock()
	f.unmapped++
	isRun := f.run != nil && &m[0] == &f.run[0]
	f.mu.Unlock()

	if isRun {
		return nil
	}
	return osSystem{}.unmap(m)
}

func (f *fakeKVM) closeFd(fd uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, fd)
	return nil
}

func (f *fakeKVM) currentRegisters() Registers {
	f.mu.Lock()
	defer f.mu.Unlock()
	var r Registers
	r.decode(f.regs)
	return r
}

func (f *fakeKVM) currentSRegisters() SRegisters {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s SRegisters
	s.decode(f.sregs)
	return s
}

func newTestVM(t *testing.T, f *fakeKVM, size uint64, opts ...Option) *VM {
	t.Helper()

	vm, err := New(f.device(t), size, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	return vm
}
