package kvm

import (
	"context"
	"fmt"
	"runtime"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type ExitReason uint32

const (
	ExitReasonUnknown ExitReason = iota
	ExitReasonException
	ExitReasonIO
	ExitReasonHypercall
	ExitReasonDebug
	ExitReasonHlt
	ExitReasonMmio
	ExitReasonIrqWindowOpen
	ExitReasonShutdown
	ExitReasonFailEntry
	ExitReasonIntr
	ExitReasonSetTpr
	ExitReasonTprAccess
	ExitReasonS390Sieic
	ExitReasonS390Reset
	ExitReasonDcr
	ExitReasonNmi
	ExitReasonInternalError
	ExitReasonOsi
	ExitReasonPaprHcall
	ExitReasonS390Ucontrol
	ExitReasonWatchdog
	ExitReasonS390Tsch
	ExitReasonEpr
	ExitReasonSystemEvent
)

// Exit reasons raised by the S2E symbolic execution engine.
const (
	// ExitReasonFlushDisk asks the client to flush its virtual disks.
	ExitReasonFlushDisk ExitReason = 100 + iota
	// ExitReasonSaveDevState and ExitReasonRestoreDevState ask the client to
	// snapshot or restore its device state.
	ExitReasonSaveDevState
	ExitReasonRestoreDevState
	// ExitReasonCloneProcess means the engine forked the process and the client
	// must recreate its vCPU threads.
	ExitReasonCloneProcess
)

var exitReasonNames = [...]string{
	"KVM_EXIT_UNKNOWN",
	"KVM_EXIT_EXCEPTION",
	"KVM_EXIT_IO",
	"KVM_EXIT_HYPERCALL",
	"KVM_EXIT_DEBUG",
	"KVM_EXIT_HLT",
	"KVM_EXIT_MMIO",
	"KVM_EXIT_IRQ_WINDOW_OPEN",
	"KVM_EXIT_SHUTDOWN",
	"KVM_EXIT_FAIL_ENTRY",
	"KVM_EXIT_INTR",
	"KVM_EXIT_SET_TPR",
	"KVM_EXIT_TPR_ACCESS",
	"KVM_EXIT_S390_SIEIC",
	"KVM_EXIT_S390_RESET",
	"KVM_EXIT_DCR",
	"KVM_EXIT_NMI",
	"KVM_EXIT_INTERNAL_ERROR",
	"KVM_EXIT_OSI",
	"KVM_EXIT_PAPR_HCALL",
	"KVM_EXIT_S390_UCONTROL",
	"KVM_EXIT_WATCHDOG",
	"KVM_EXIT_S390_TSCH",
	"KVM_EXIT_EPR",
	"KVM_EXIT_SYSTEM_EVENT",
}

func (r ExitReason) String() string {
	switch {
	case int(r) < len(exitReasonNames):
		return exitReasonNames[r]
	case r == ExitReasonFlushDisk:
		return "KVM_EXIT_FLUSH_DISK"
	case r == ExitReasonSaveDevState:
		return "KVM_EXIT_SAVE_DEV_STATE"
	case r == ExitReasonRestoreDevState:
		return "KVM_EXIT_RESTORE_DEV_STATE"
	case r == ExitReasonCloneProcess:
		return "KVM_EXIT_CLONE_PROCESS"
	}
	return fmt.Sprintf("KVM_EXIT(%d)", uint32(r))
}

// ExitIO decodes the payload of the last KVM_EXIT_IO.
func (c *VCPU) ExitIO() ExitIO {
	return c.run.exitIO()
}

// ExitIOData returns the bytes moved by the last KVM_EXIT_IO.
func (c *VCPU) ExitIOData() []byte {
	return c.run.exitIOData()
}

// ExitMMIO decodes the payload of the last KVM_EXIT_MMIO.
func (c *VCPU) ExitMMIO() ExitMMIO {
	return c.run.exitMMIO()
}

func (c *VCPU) ExitUnknown() ExitUnknown {
	return c.run.exitUnknown()
}

func (c *VCPU) ExitException() ExitException {
	return c.run.exitException()
}

func (c *VCPU) ExitFailEntry() ExitFailEntry {
	return c.run.exitFailEntry()
}

func (c *VCPU) ExitInternalError() ExitInternalError {
	return c.run.exitInternalError()
}

// Run executes the guest until it halts, shuts down, touches a device, or
// fails. A nil error means the guest stopped on its own; LastExit says how.
//
// ctx is checked between execution attempts. It cannot interrupt an attempt
// that is already running guest code.
func (c *VCPU) Run(ctx context.Context) error {
	if c.run == nil {
		return ErrClosed
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.log.Info("running vcpu")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.enter(ctx); err != nil {
			return err
		}

		reason := c.run.exitReason()
		c.lastExit = reason
		c.metrics.exit(ctx, reason)

		done, err := c.handleExit(reason)
		if done || err != nil {
			return err
		}
	}
}

// enter issues one KVM_RUN. A request interrupted by a signal is reissued
// right away, up to interruptRetries times.
func (c *VCPU) enter(ctx context.Context) error {
	op := func() error {
		c.metrics.attempt(ctx)
		_, err := c.sys.ioctl(c.fd, ioctlKVMRun, 0)
		if err == nil || errors.Is(err, unix.EINTR) {
			return err
		}
		return backoff.Permanent(err)
	}

	// WithMaxRetries treats 0 as unlimited.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.interruptRetries > 0 {
		policy = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, c.interruptRetries)
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return withKind(ErrExecution, errors.Wrap(err, "KVM_RUN"))
}

// handleExit reports whether the run loop is done with reason.
func (c *VCPU) handleExit(reason ExitReason) (bool, error) {
	switch reason {
	case ExitReasonInternalError:
		// Usually the guest executed garbage: triple fault, invalid
		// instruction, reboot.
		ie := c.run.exitInternalError()
		n := min(int(ie.Ndata), len(ie.Data))
		return true, &InternalError{
			Suberror: ie.Suberror,
			Data:     append([]uint64(nil), ie.Data[:n]...),
		}

	case ExitReasonIO:
		// Port I/O belongs to virtual devices, and there are none.
		c.log.Info("guest stopped on port I/O", zap.Stringer("reason", reason), zap.Object("io", c.run.exitIO()))
		return true, nil

	case ExitReasonMmio:
		// Access to unmapped physical memory, which would belong to a device.
		c.log.Info("guest stopped on MMIO", zap.Stringer("reason", reason), zap.Object("mmio", c.run.exitMMIO()))
		return true, nil

	case ExitReasonHlt:
		c.log.Info("cpu halted", zap.Stringer("reason", reason))
		return true, nil

	case ExitReasonShutdown:
		c.log.Info("shutting down", zap.Stringer("reason", reason))
		return true, nil

	case ExitReasonIntr:
		// A host signal interrupted the guest; nothing to report.
		return false, nil

	case ExitReasonFlushDisk, ExitReasonSaveDevState, ExitReasonRestoreDevState:
		// No disks and no device state to flush, save or restore.
		c.log.Debug("ignoring exit", zap.Stringer("reason", reason))
		return false, nil

	case ExitReasonCloneProcess:
		return true, errors.Wrap(ErrUnsupportedFeature, "multi-core mode")
	}

	return true, &UnhandledExitError{Reason: reason}
}
