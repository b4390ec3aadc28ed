package kvm

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DevicePath is where the KVM facility is usually found.
	DevicePath = "/dev/kvm"

	// APIVersion is the only KVM API version this package speaks.
	APIVersion = 12
)

// Device is an open handle to the KVM facility.
type Device struct {
	file *os.File
	fd   uintptr
	sys  system
	log  *zap.Logger
	// opts are the defaults for every VM created from the device.
	opts options
}

// Open opens the KVM facility at path. opts become the defaults of every VM
// created from it.
func Open(path string, opts ...Option) (*Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	dev := newDevice(file.Fd(), osSystem{}, opts...)
	dev.file = file

	return dev, nil
}

func newDevice(fd uintptr, sys system, opts ...Option) *Device {
	o := applyOptions(options{interruptRetries: defaultInterruptRetries}, opts)
	return &Device{fd: fd, sys: sys, log: o.logger, opts: o}
}

// Fd returns the facility file descriptor.
func (d *Device) Fd() uintptr {
	return d.fd
}

// APIVersion returns the API version reported by KVM_GET_API_VERSION.
func (d *Device) APIVersion() (int, error) {
	v, err := d.sys.ioctl(d.fd, ioctlKVMGetAPIVersion, 0)
	if err != nil {
		return 0, errors.Wrap(err, "KVM_GET_API_VERSION")
	}
	return int(v), nil
}

// HasCapability reports whether the facility supports capability. A failing
// query counts as unsupported.
func (d *Device) HasCapability(capability Capability) bool {
	ret, err := d.sys.ioctl(d.fd, ioctlKVMCheckExtension, uintptr(capability))
	if err != nil {
		d.log.Debug("KVM_CHECK_EXTENSION failed", zap.Stringer("capability", capability), zap.Error(err))
		ret = 0
	}
	d.log.Info("capability", zap.Stringer("capability", capability), zap.Uint64("value", uint64(ret)))

	return ret != 0
}

func (d *Device) vcpuMMapSize() (int, error) {
	size, err := d.sys.ioctl(d.fd, ioctlKVMGetVCPUMMAPSize, 0)
	if err != nil {
		return 0, errors.Wrap(err, "KVM_GET_VCPU_MMAP_SIZE")
	}
	return int(size), nil
}

func (d *Device) createVM() (uintptr, error) {
	fd, err := d.sys.ioctl(d.fd, ioctlKVMCreateVM, 0)
	if err != nil {
		return 0, errors.Wrap(err, "KVM_CREATE_VM")
	}
	return fd, nil
}

// Close closes the facility handle. VMs created from it keep working.
func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
