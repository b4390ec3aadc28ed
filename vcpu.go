package kvm

import (
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// VCPU is a virtual CPU and its mapped kvm_run structure.
type VCPU struct {
	fd               uintptr
	sys              system
	runMap           mmap.MMap
	run              runData
	log              *zap.Logger
	metrics          *vcpuMetrics
	interruptRetries uint64
	lastExit         ExitReason

	// resetSRegs is the segment state KVM reported for the fresh vCPU. Real
	// mode starts from it.
	resetSRegs SRegisters
}

func newVCPU(dev *Device, vmFd uintptr, o options) (*VCPU, error) {
	metrics, err := newVCPUMetrics(o.meterProvider)
	if err != nil {
		return nil, err
	}

	fd, err := dev.sys.ioctl(vmFd, ioctlKVMCreateVCPU, 0)
	if err != nil {
		return nil, withKind(ErrVCPUCreation, err)
	}
	o.logger.Debug("created vcpu", zap.Uint64("fd", uint64(fd)))

	size, err := dev.vcpuMMapSize()
	if err != nil {
		dev.sys.closeFd(fd)
		return nil, err
	}
	if size < runMinSize {
		dev.sys.closeFd(fd)
		return nil, errors.Errorf("kvm_run mapping of %d bytes is too small", size)
	}
	o.logger.Debug("kvm_run size", zap.Int("bytes", size))

	runMap, err := dev.sys.mapShared(fd, size)
	if err != nil {
		dev.sys.closeFd(fd)
		return nil, errors.Wrap(err, "mmap kvm_run")
	}

	c := &VCPU{
		fd:               fd,
		sys:              dev.sys,
		runMap:           runMap,
		run:              runData(runMap),
		log:              o.logger,
		metrics:          metrics,
		interruptRetries: o.interruptRetries,
	}

	c.resetSRegs, err = c.GetSRegisters()
	if err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Fd returns the vCPU file descriptor.
func (c *VCPU) Fd() uintptr {
	return c.fd
}

func (c *VCPU) GetRegisters() (Registers, error) {
	buf := make([]byte, registersSize)
	if _, err := c.sys.ioctlPtr(c.fd, ioctlKVMGetRegs, unsafe.Pointer(&buf[0])); err != nil {
		return Registers{}, errors.Wrap(err, "KVM_GET_REGS")
	}

	var regs Registers
	regs.decode(buf)
	return regs, nil
}

func (c *VCPU) SetRegisters(regs Registers) error {
	buf := make([]byte, registersSize)
	regs.encode(buf)
	_, err := c.sys.ioctlPtr(c.fd, ioctlKVMSetRegs, unsafe.Pointer(&buf[0]))
	return errors.Wrap(err, "KVM_SET_REGS")
}

func (c *VCPU) GetSRegisters() (SRegisters, error) {
	buf := make([]byte, sregistersSize)
	if _, err := c.sys.ioctlPtr(c.fd, ioctlKVMGetSRegs, unsafe.Pointer(&buf[0])); err != nil {
		return SRegisters{}, errors.Wrap(err, "KVM_GET_SREGS")
	}

	var sregs SRegisters
	sregs.decode(buf)
	return sregs, nil
}

func (c *VCPU) SetSRegisters(sregs SRegisters) error {
	buf := make([]byte, sregistersSize)
	sregs.encode(buf)
	_, err := c.sys.ioctlPtr(c.fd, ioctlKVMSetSRegs, unsafe.Pointer(&buf[0]))
	return errors.Wrap(err, "KVM_SET_SREGS")
}

// InitState points the vCPU at rip with stack rsp, in 16-bit real mode or in
// 32-bit protected mode with flat segments and paging off. Real mode uses the
// segments the vCPU had when it was created, with CS based at 0.
//
// No GDT or IDT is set up, only the hidden part of the segment registers. The
// guest must not reload a segment register and must not take an interrupt or
// exception.
func (c *VCPU) InitState(rip, rsp uint64, bits int) error {
	if bits != 16 && bits != 32 {
		return errors.Wrapf(ErrUnsupportedMode, "%d-bit", bits)
	}

	sregs, err := c.GetSRegisters()
	if err != nil {
		return err
	}

	switch bits {
	case 16:
		reset := c.resetSRegs
		sregs.Cs = reset.Cs
		sregs.Ds = reset.Ds
		sregs.Es = reset.Es
		sregs.Fs = reset.Fs
		sregs.Gs = reset.Gs
		sregs.Ss = reset.Ss
		sregs.Cs.Base = 0
		sregs.Cs.Selector = 0
		sregs.Cr0 = reset.Cr0 &^ (cr0PE | cr0PG)
	case 32:
		sregs.Cs = flatCodeSegment()
		data := flatDataSegment()
		sregs.Ds = data
		sregs.Es = data
		sregs.Fs = data
		sregs.Gs = data
		sregs.Ss = data
		sregs.Cr0 = (sregs.Cr0 | cr0PE) &^ cr0PG
	}

	if err := c.SetSRegisters(sregs); err != nil {
		return err
	}

	regs, err := c.GetRegisters()
	if err != nil {
		return err
	}
	regs.Rip = rip
	regs.Rsp = rsp
	regs.Rflags = rflagsReserved

	return c.SetRegisters(regs)
}

// DumpRegs logs the general purpose registers and returns them.
func (c *VCPU) DumpRegs() (Registers, error) {
	regs, err := c.GetRegisters()
	if err != nil {
		return Registers{}, err
	}

	c.log.Info("registers", zap.Object("regs", regs))

	return regs, nil
}

// LastExit is the exit reason that ended the most recent Run.
func (c *VCPU) LastExit() ExitReason {
	return c.lastExit
}

// Close unmaps kvm_run and closes the vCPU.
func (c *VCPU) Close() error {
	if c.runMap == nil {
		return nil
	}

	unmapErr := c.sys.unmap(c.runMap)
	c.runMap = nil
	c.run = nil
	closeErr := c.sys.closeFd(c.fd)

	if unmapErr != nil {
		return errors.Wrap(unmapErr, "munmap kvm_run")
	}
	return errors.Wrap(closeErr, "close vcpu")
}
