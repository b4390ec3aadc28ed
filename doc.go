// Package kvm drives the Linux KVM facility directly through ioctls to run a
// flat binary on a single virtual CPU.
//
// A VM owns one RAM region mapped at guest physical address 0 and one VCPU.
// The vCPU starts in 32-bit protected mode with flat segments and no paging;
// Run returns when the guest halts, shuts down or touches a device, none of
// which are emulated.
//
//	dev, err := kvm.Open(kvm.DevicePath)
//	...
//	vm, err := kvm.New(dev, 0x20000)
//	...
//	defer vm.Close()
//	vm.VCPU().InitState(0, 0xfff0, 32)
//	vm.RAM().Write(0, program)
//	err = vm.Run(ctx)
//
// Guest memory is accessed through RAM.Read and RAM.Write, which go through
// KVM_MEM_RW when the facility (libs2e) forbids touching guest memory directly.
package kvm
