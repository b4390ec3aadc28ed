package kvm

import (
	"context"
	"encoding/binary"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	userMemoryRegionSize = 32
	fixedRegionSize      = 32
)

// UserMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func (r *UserMemoryRegion) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], r.Slot)
	binary.LittleEndian.PutUint32(b[4:], r.Flags)
	binary.LittleEndian.PutUint64(b[8:], r.GuestPhysAddr)
	binary.LittleEndian.PutUint64(b[16:], r.MemorySize)
	binary.LittleEndian.PutUint64(b[24:], r.UserspaceAddr)
}

// fixedRegionName is passed to KVM as a C string, so it must not move.
var fixedRegionName = []byte("ram\x00")

// VM is a KVM VM composed of guest RAM and a single vCPU.
type VM struct {
	dev      *Device
	fd       uintptr
	fdOpen   bool
	caps     Capabilities
	ram      *RAM
	vcpu     *VCPU
	nextSlot uint32
	log      *zap.Logger
}

// New creates a VM with ramSize bytes of memory mapped at guest physical
// address 0 and one vCPU in 32-bit protected mode at rip 0, rsp 0. Callers are
// expected to call InitState on the vCPU with real values before running.
//
// On error every resource acquired so far is released.
func New(dev *Device, ramSize uint64, opts ...Option) (vm *VM, err error) {
	o := applyOptions(dev.opts, opts)

	caps := probeCapabilities(dev)

	fd, err := dev.createVM()
	if err != nil {
		return nil, err
	}

	vm = &VM{dev: dev, fd: fd, fdOpen: true, caps: caps, log: o.logger}
	defer func() {
		if err != nil {
			vm.Close()
			vm = nil
		}
	}()

	vm.ram, err = newRAM(ramSize, fd, caps.MemRW, dev.sys, o.logger)
	if err != nil {
		return vm, err
	}

	region := vm.ram.Region(vm.allocSlot())

	// The fixed region must be known before the slot that refers to it.
	if caps.FixedRegion {
		if err = vm.registerFixedRegion(region); err != nil {
			return vm, err
		}
	}

	if err = vm.setUserMemoryRegion(region); err != nil {
		return vm, err
	}

	vm.vcpu, err = newVCPU(dev, fd, o)
	if err != nil {
		return vm, err
	}

	if err = vm.vcpu.InitState(0, 0, 32); err != nil {
		return vm, err
	}

	vm.log.Debug("vm created",
		zap.Uint64("fd", uint64(fd)),
		zap.Bool("fixed_region", caps.FixedRegion),
		zap.Bool("mem_rw", caps.MemRW))

	return vm, nil
}

func (vm *VM) allocSlot() uint32 {
	slot := vm.nextSlot
	vm.nextSlot++
	return slot
}

func (vm *VM) setUserMemoryRegion(region UserMemoryRegion) error {
	buf := make([]byte, userMemoryRegionSize)
	region.encode(buf)

	_, err := vm.dev.sys.ioctlPtr(vm.fd, ioctlKVMSetUserMemoryRegion, unsafe.Pointer(&buf[0]))
	return errors.Wrapf(err, "KVM_SET_USER_MEMORY_REGION slot %d", region.Slot)
}

func (vm *VM) registerFixedRegion(region UserMemoryRegion) error {
	buf := make([]byte, fixedRegionSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(uintptr(unsafe.Pointer(&fixedRegionName[0]))))
	binary.LittleEndian.PutUint64(buf[8:], region.UserspaceAddr)
	binary.LittleEndian.PutUint64(buf[16:], region.MemorySize)
	binary.LittleEndian.PutUint32(buf[24:], 0)

	_, err := vm.dev.sys.ioctlPtr(vm.fd, ioctlKVMMemRegisterFixedRegion, unsafe.Pointer(&buf[0]))
	runtime.KeepAlive(fixedRegionName)
	return errors.Wrap(err, "KVM_MEM_REGISTER_FIXED_REGION")
}

// Run runs the vCPU until it stops. See VCPU.Run.
func (vm *VM) Run(ctx context.Context) error {
	if !vm.fdOpen {
		return ErrClosed
	}
	return vm.vcpu.Run(ctx)
}

func (vm *VM) RAM() *RAM {
	return vm.ram
}

func (vm *VM) VCPU() *VCPU {
	return vm.vcpu
}

func (vm *VM) Capabilities() Capabilities {
	return vm.caps
}

// Fd returns the VM file descriptor.
func (vm *VM) Fd() uintptr {
	return vm.fd
}

// Close releases the vCPU, the VM and then guest RAM, in that order.
func (vm *VM) Close() error {
	var err error

	// RAM and VCPU stay reachable after Close and report ErrClosed.
	if vm.vcpu != nil {
		err = multierr.Append(err, vm.vcpu.Close())
	}
	if vm.fdOpen {
		err = multierr.Append(err, errors.Wrap(vm.dev.sys.closeFd(vm.fd), "close vm"))
		vm.fdOpen = false
	}
	if vm.ram != nil {
		err = multierr.Append(err, errors.Wrap(vm.ram.Close(), "release ram"))
	}

	return err
}
