package kvm

import (
	"fmt"
)

// Capability identifies an optional KVM extension queried with
// KVM_CHECK_EXTENSION.
type Capability uint32

const (
	CapUserMemory    Capability = 3
	CapImmediateExit Capability = 136

	// The following capabilities are specific to libs2e, the KVM emulation
	// layer of S2E, and are required for multi-path symbolic execution.
	CapForceExit      Capability = 255
	CapMemFixedRegion Capability = 256
	CapDiskRW         Capability = 257
	CapDBT            Capability = 259
	CapMemRW          Capability = 1021
	CapCPUClockScale  Capability = 1022
)

var capabilityNames = map[Capability]string{
	CapUserMemory:     "KVM_CAP_USER_MEMORY",
	CapImmediateExit:  "KVM_CAP_IMMEDIATE_EXIT",
	CapForceExit:      "KVM_CAP_FORCE_EXIT",
	CapMemFixedRegion: "KVM_CAP_MEM_FIXED_REGION",
	CapDiskRW:         "KVM_CAP_DISK_RW",
	CapDBT:            "KVM_CAP_DBT",
	CapMemRW:          "KVM_CAP_MEM_RW",
	CapCPUClockScale:  "KVM_CAP_CPU_CLOCK_SCALE",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("KVM_CAP(%d)", uint32(c))
}

// Capabilities are the extensions a VM negotiated when it was created. They do
// not change afterwards.
type Capabilities struct {
	// FixedRegion means guest RAM must also be registered with
	// KVM_MEM_REGISTER_FIXED_REGION.
	FixedRegion bool
	// MemRW means the host may not touch guest RAM directly and every access
	// goes through KVM_MEM_RW.
	MemRW bool
}

func probeCapabilities(d *Device) Capabilities {
	return Capabilities{
		FixedRegion: d.HasCapability(CapMemFixedRegion),
		MemRW:       d.HasCapability(CapMemRW),
	}
}
