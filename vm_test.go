package kvm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func indexOf(requests []uint, req uint) int {
	for i, r := range requests {
		if r == req {
			return i
		}
	}
	return -1
}

func TestNewRegistersMemory(t *testing.T) {
	f := newFakeKVM()
	vm := newTestVM(t, f, 0x20000)

	require.Len(t, f.regions, 1)
	assert.Equal(t, UserMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    0x20000,
		UserspaceAddr: vm.RAM().HostAddress(),
	}, f.regions[0])

	assert.Empty(t, f.fixed)
	assert.Zero(t, f.count(ioctlKVMMemRegisterFixedRegion))
	assert.Equal(t, Capabilities{}, vm.Capabilities())
	assert.Equal(t, uintptr(fakeVMFd), vm.Fd())
	assert.Equal(t, uintptr(fakeVCPUFd), vm.VCPU().Fd())
}

func TestNewRegistersFixedRegionFirst(t *testing.T) {
	f := newFakeKVM()
	f.caps[CapMemFixedRegion] = 1
	vm := newTestVM(t, f, 0x4000)

	require.Len(t, f.fixed, 1)
	assert.Equal(t, fixedRegion{
		name:        "ram",
		hostAddress: vm.RAM().HostAddress(),
		size:        0x4000,
	}, f.fixed[0])

	fixed := indexOf(f.requests, ioctlKVMMemRegisterFixedRegion)
	slot := indexOf(f.requests, ioctlKVMSetUserMemoryRegion)
	require.NotEqual(t, -1, fixed)
	require.NotEqual(t, -1, slot)
	assert.Less(t, fixed, slot)

	assert.True(t, vm.Capabilities().FixedRegion)
	assert.False(t, vm.Capabilities().MemRW)
}

func TestNewMemRW(t *testing.T) {
	f := newFakeKVM()
	f.caps[CapMemRW] = 1
	vm := newTestVM(t, f, 0x4000)

	require.True(t, vm.Capabilities().MemRW)
	require.NoError(t, vm.RAM().Write(0x10, []byte{1, 2, 3}))
	assert.Equal(t, 1, f.count(ioctlKVMMemRW))

	got, err := vm.RAM().Read(0x10, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.Equal(t, 2, f.count(ioctlKVMMemRW))
}

func TestNewStartsInProtectedMode(t *testing.T) {
	f := newFakeKVM()
	newTestVM(t, f, PageSize)

	sregs := f.currentSRegisters()
	assert.Equal(t, flatCodeSegment(), sregs.Cs)
	assert.Equal(t, flatDataSegment(), sregs.Ss)
	assert.Equal(t, uint64(cr0PE), sregs.Cr0&cr0PE)

	regs := f.currentRegisters()
	assert.Zero(t, regs.Rip)
	assert.Zero(t, regs.Rsp)
	assert.Equal(t, uint64(rflagsReserved), regs.Rflags)
}

func TestRunHaltProgram(t *testing.T) {
	f := newFakeKVM()
	vm := newTestVM(t, f, 0x20000)

	require.NoError(t, vm.VCPU().InitState(0, 0xfff0, 32))
	// hlt, padded to 8 bytes
	require.NoError(t, vm.RAM().Write(0, []byte{0xf4, 0, 0, 0, 0, 0, 0, 0}))

	require.NoError(t, vm.Run(context.Background()))
	assert.Equal(t, ExitReasonHlt, vm.VCPU().LastExit())
	assert.Equal(t, 1, f.count(ioctlKVMRun))
}

func TestNewInvalidSizeReleasesVM(t *testing.T) {
	f := newFakeKVM()

	vm, err := New(f.device(t), 0x1234)
	require.ErrorIs(t, err, ErrInvalidSize)
	assert.Nil(t, vm)
	assert.Equal(t, []uintptr{fakeVMFd}, f.closed)
	assert.Zero(t, f.unmapped)
}

func TestNewVCPUFailureReleasesEverything(t *testing.T) {
	f := newFakeKVM()
	f.createVCPU = unix.ENOMEM

	vm, err := New(f.device(t), PageSize)
	require.ErrorIs(t, err, ErrVCPUCreation)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.Nil(t, vm)

	assert.Equal(t, []uintptr{fakeVMFd}, f.closed)
	assert.Equal(t, 1, f.unmapped)
}

func TestVMClose(t *testing.T) {
	f := newFakeKVM()
	vm, err := New(f.device(t), PageSize)
	require.NoError(t, err)

	require.NoError(t, vm.Close())
	require.NoError(t, vm.Close())

	// vCPU first, then the VM; the RAM mapping is released last.
	assert.Equal(t, []uintptr{fakeVCPUFd, fakeVMFd}, f.closed)
	assert.Equal(t, 2, f.unmapped)
}

func TestVMUseAfterClose(t *testing.T) {
	f := newFakeKVM()
	vm, err := New(f.device(t), PageSize)
	require.NoError(t, err)
	require.NoError(t, vm.Close())

	assert.ErrorIs(t, vm.Run(context.Background()), ErrClosed)
	assert.ErrorIs(t, vm.VCPU().Run(context.Background()), ErrClosed)
	assert.ErrorIs(t, vm.RAM().Write(0, []byte{0xf4}), ErrClosed)

	_, err = vm.RAM().Read(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, vm.RAM().HostAddress())
	assert.Zero(t, f.count(ioctlKVMRun))
}

func TestDeviceOptionsAreVMDefaults(t *testing.T) {
	f := newFakeKVM()
	dev := f.device(t, WithInterruptRetries(1))

	vm, err := New(dev, PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })

	f.script(fakeExit{err: unix.EINTR}, fakeExit{err: unix.EINTR}, exitWith(ExitReasonHlt))

	err = vm.Run(context.Background())
	require.ErrorIs(t, err, ErrExecution)
	assert.Equal(t, 2, f.count(ioctlKVMRun))
}

func TestVMOptionsOverrideDevice(t *testing.T) {
	f := newFakeKVM()
	dev := f.device(t, WithInterruptRetries(1))

	vm, err := New(dev, PageSize, WithInterruptRetries(5))
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })

	f.script(fakeExit{err: unix.EINTR}, fakeExit{err: unix.EINTR}, exitWith(ExitReasonHlt))

	require.NoError(t, vm.Run(context.Background()))
	assert.Equal(t, 3, f.count(ioctlKVMRun))
}
