package kvm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds, matched with errors.Is.
var (
	ErrInvalidSize        = errors.New("kvm: ram size must be a positive multiple of 4KiB")
	ErrAllocation         = errors.New("kvm: could not allocate guest memory")
	ErrOutOfBounds        = errors.New("kvm: guest memory access out of bounds")
	ErrVCPUCreation       = errors.New("kvm: could not create vcpu")
	ErrUnsupportedMode    = errors.New("kvm: unsupported cpu mode")
	ErrExecution          = errors.New("kvm: vcpu execution failed")
	ErrUnsupportedFeature = errors.New("kvm: unsupported feature")
	ErrClosed             = errors.New("kvm: vm is closed")
)

// kindError tags a syscall failure with one of the error kinds above while
// keeping the errno reachable through Unwrap.
type kindError struct {
	kind error
	err  error
}

func withKind(kind, err error) error {
	return &kindError{kind: kind, err: err}
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.err)
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return e.err
}

// InternalErrorCode is the sub-error KVM reports with KVM_EXIT_INTERNAL_ERROR.
type InternalErrorCode uint32

const (
	InternalErrorEmulation  InternalErrorCode = 1
	InternalErrorSimulEx    InternalErrorCode = 2
	InternalErrorDeliveryEv InternalErrorCode = 3
)

func (c InternalErrorCode) String() string {
	switch c {
	case InternalErrorEmulation:
		return "KVM_INTERNAL_ERROR_EMULATION"
	case InternalErrorSimulEx:
		return "KVM_INTERNAL_ERROR_SIMUL_EX"
	case InternalErrorDeliveryEv:
		return "KVM_INTERNAL_ERROR_DELIVERY_EV"
	}
	return fmt.Sprintf("KVM_INTERNAL_ERROR(%d)", uint32(c))
}

// InternalError is returned by Run when KVM could not attribute a failure to
// anything the guest did, typically a triple fault or an invalid guest state.
type InternalError struct {
	Suberror InternalErrorCode
	Data     []uint64
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("kvm: internal error %v", e.Suberror)
}

// UnhandledExitError is returned by Run for exit reasons the run loop does not
// know how to continue from.
type UnhandledExitError struct {
	Reason ExitReason
}

func (e *UnhandledExitError) Error() string {
	return fmt.Sprintf("kvm: unhandled exit reason %v", e.Reason)
}
