package kvm

import (
	"syscall"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// KVM Ioctls
const (
	ioctlKVMGetAPIVersion       = 0xAE00
	ioctlKVMCreateVM            = 0xAE01
	ioctlKVMCheckExtension      = 0xAE03
	ioctlKVMGetVCPUMMAPSize     = 0xAE04
	ioctlKVMCreateVCPU          = 0xAE41
	ioctlKVMSetUserMemoryRegion = 0x4020AE46
	ioctlKVMRun                 = 0xAE80
	ioctlKVMGetRegs             = 0x8090AE81
	ioctlKVMSetRegs             = 0x4090AE82
	ioctlKVMGetSRegs            = 0x8138AE83
	ioctlKVMSetSRegs            = 0x4138AE84

	// S2E extensions, only valid when the matching capability is reported.
	ioctlKVMMemRW                  = 0x4020AEF3
	ioctlKVMMemRegisterFixedRegion = 0x4020AEF5
)

// https://github.com/golang/sys/blob/master/unix/syscall_unix.go#L33
func errnoErr(e syscall.Errno) error {
	switch e {
	case 0:
		return nil
	case unix.EAGAIN:
		return syscall.EAGAIN
	case unix.EINVAL:
		return syscall.EINVAL
	case unix.ENOENT:
		return syscall.ENOENT
	case unix.EINTR:
		return syscall.EINTR
	}
	return e
}

// ioctler is an interface capable of calling ioctl
type ioctler interface {
	ioctl(fd uintptr, req uint, arg uintptr) (ret uintptr, err error)
	// ioctlPtr passes arg as a pointer so the memory behind it escapes to the
	// heap and stays put for the duration of the call.
	ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) (ret uintptr, err error)
}

// mapper creates and releases the host mappings backing guest RAM and kvm_run.
type mapper interface {
	mapAnonymous(size int) (mmap.MMap, error)
	mapShared(fd uintptr, size int) (mmap.MMap, error)
	unmap(m mmap.MMap) error
}

// system is everything the package needs from the host kernel.
type system interface {
	ioctler
	mapper
	closeFd(fd uintptr) error
}

// An osSystem struct does OS calls.
type osSystem struct{}

var _ system = osSystem{}

func (osSystem) ioctl(fd uintptr, req uint, arg uintptr) (ret uintptr, err error) {
	ret, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		fd,
		uintptr(req),
		arg,
	)
	if errno != 0 {
		err = errnoErr(errno)
	}

	return
}

func (osSystem) ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) (ret uintptr, err error) {
	ret, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		fd,
		uintptr(req),
		uintptr(arg),
	)
	if errno != 0 {
		err = errnoErr(errno)
	}

	return
}

func (osSystem) mapAnonymous(size int) (mmap.MMap, error) {
	// COPY gives a private read/write mapping; anonymous pages come back zeroed.
	return mmap.MapRegion(nil, size, mmap.COPY, mmap.ANON, 0)
}

func (osSystem) mapShared(fd uintptr, size int) (mmap.MMap, error) {
	b, err := unix.Mmap(int(fd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return mmap.MMap(b), nil
}

func (osSystem) unmap(m mmap.MMap) error {
	return m.Unmap()
}

func (osSystem) closeFd(fd uintptr) error {
	return unix.Close(int(fd))
}
