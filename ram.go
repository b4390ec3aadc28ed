package kvm

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PageSize is the granularity of guest memory regions.
const PageSize = 0x1000

const memRWSize = 32

// RAM is guest memory backed by an anonymous host mapping.
type RAM struct {
	mem   mmap.MMap
	size  uint64
	sys   system
	vmFd  uintptr
	memRW bool
	log   *zap.Logger
}

func newRAM(size uint64, vmFd uintptr, memRW bool, sys system, log *zap.Logger) (*RAM, error) {
	if size == 0 || size%PageSize != 0 || size > math.MaxInt {
		return nil, errors.Wrapf(ErrInvalidSize, "size %#x", size)
	}

	log.Debug("allocating guest memory", zap.String("size", humanize.IBytes(size)))
	mem, err := sys.mapAnonymous(int(size))
	if err != nil {
		return nil, withKind(ErrAllocation, err)
	}

	r := &RAM{
		mem:   mem,
		size:  size,
		sys:   sys,
		vmFd:  vmFd,
		memRW: memRW,
		log:   log,
	}
	log.Debug("guest memory mapped", zap.String("host", hexAddr(r.HostAddress())))

	return r, nil
}

// Size returns the size of guest memory in bytes.
func (r *RAM) Size() uint64 {
	return r.size
}

// HostAddress is where guest physical address 0 lives in this process, or 0
// once r is closed.
func (r *RAM) HostAddress() uint64 {
	if r.mem == nil {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&r.mem[0])))
}

// Region describes r as a KVM memory slot mapped at guest physical address 0.
func (r *RAM) Region(slot uint32) UserMemoryRegion {
	return UserMemoryRegion{
		Slot:          slot,
		Flags:         0,
		GuestPhysAddr: 0,
		MemorySize:    r.size,
		UserspaceAddr: r.HostAddress(),
	}
}

func (r *RAM) inBounds(offset uint64, n int) bool {
	return offset <= r.size && uint64(n) <= r.size-offset
}

// Write copies data into guest memory at offset.
func (r *RAM) Write(offset uint64, data []byte) error {
	if r.mem == nil {
		return ErrClosed
	}
	if !r.inBounds(offset, len(data)) {
		return errors.Wrapf(ErrOutOfBounds, "write %#x bytes at %#x", len(data), offset)
	}
	if len(data) == 0 {
		return nil
	}

	if !r.memRW {
		copy(r.mem[offset:], data)
		return nil
	}

	// The source must not live on a goroutine stack while KVM reads it.
	src := make([]byte, len(data))
	copy(src, data)

	r.log.Debug("KVM_MEM_RW write",
		zap.String("dest", hexAddr(r.HostAddress()+offset)),
		zap.Int("length", len(src)))

	err := r.memRWCopy(addrOf(src), r.HostAddress()+offset, true, len(src))
	runtime.KeepAlive(src)
	return err
}

// Read returns size bytes of guest memory starting at offset.
func (r *RAM) Read(offset, size uint64) ([]byte, error) {
	if r.mem == nil {
		return nil, ErrClosed
	}
	if size > math.MaxInt || !r.inBounds(offset, int(size)) {
		return nil, errors.Wrapf(ErrOutOfBounds, "read %#x bytes at %#x", size, offset)
	}

	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}

	if !r.memRW {
		copy(out, r.mem[offset:])
		return out, nil
	}

	if err := r.memRWCopy(r.HostAddress()+offset, addrOf(out), false, len(out)); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RAM) memRWCopy(source, dest uint64, write bool, length int) error {
	req := make([]byte, memRWSize)
	binary.LittleEndian.PutUint64(req[0:], source)
	binary.LittleEndian.PutUint64(req[8:], dest)
	if write {
		binary.LittleEndian.PutUint64(req[16:], 1)
	}
	binary.LittleEndian.PutUint64(req[24:], uint64(length))

	_, err := r.sys.ioctlPtr(r.vmFd, ioctlKVMMemRW, unsafe.Pointer(&req[0]))
	return errors.Wrap(err, "KVM_MEM_RW")
}

// Close releases the host mapping. The VM using r must be gone by then.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}
	err := r.sys.unmap(r.mem)
	r.mem = nil
	return err
}

func addrOf(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func hexAddr(a uint64) string {
	return fmt.Sprintf("%#x", a)
}
