package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	kvm "github.com/hankjacobs/kvmrun"
	"github.com/hankjacobs/kvmrun/internal/cfg"
	"github.com/hankjacobs/kvmrun/internal/logger"
)

// preDumpSize is how much of the loaded binary is shown before running it.
const preDumpSize = 0x100

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	config, envErr := cfg.Parse()

	cmd := &cobra.Command{
		Use:   "barevm [flags] binary",
		Short: "Run a raw x86 binary on a single KVM vCPU",
		Long: `Load a raw binary (no headers, just code and data) into guest memory and run
it on one vCPU until it halts. The vCPU starts in 32-bit protected mode without
paging unless --bits=16 is given.

There are no devices: the run stops at the first port or MMIO access. Guest
memory is dumped before and after the run.

Every flag can also be set through the environment (KVM_MEMSIZE, KVM_RIP, ...).`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return errors.Wrap(envErr, "parse environment")
			}
			if err := config.Validate(); err != nil {
				return err
			}

			log, err := logger.NewLogger(logger.LoggerConfig{Name: "barevm", IsDebug: config.Debug})
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()

			if err := run(ctx, log, config, args[0], cmd.OutOrStdout()); err != nil {
				log.Error("barevm failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	config.Flags(cmd.Flags())

	return cmd
}

func run(ctx context.Context, log *zap.Logger, config cfg.Config, path string, out io.Writer) error {
	program, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read binary")
	}

	dev, err := kvm.Open(config.Device, kvm.WithLogger(log))
	if err != nil {
		return err
	}
	defer dev.Close()

	version, err := dev.APIVersion()
	if err != nil {
		return err
	}
	log.Info("KVM API version", zap.Int("version", version))
	if version != kvm.APIVersion {
		log.Warn("unexpected KVM API version", zap.Int("version", version), zap.Int("expected", kvm.APIVersion))
	}

	vm, err := kvm.New(dev, uint64(config.MemSize))
	if err != nil {
		return err
	}
	defer vm.Close()

	vcpu := vm.VCPU()
	if err := vcpu.InitState(uint64(config.RIP), uint64(config.RSP), config.Bits); err != nil {
		return err
	}

	log.Info("writing binary",
		zap.String("org", config.Org.String()),
		zap.String("size", humanize.IBytes(uint64(len(program)))))
	if err := vm.RAM().Write(uint64(config.Org), program); err != nil {
		return err
	}

	log.Info("binary before execution")
	if err := dump(out, vm.RAM(), uint64(config.Org), preDumpSize); err != nil {
		return err
	}

	runErr := runVCPU(ctx, vm)
	if runErr == nil {
		log.Info("guest stopped", zap.Stringer("reason", vcpu.LastExit()))
	}

	regs, err := vcpu.DumpRegs()
	if err != nil {
		return multierr.Append(runErr, err)
	}
	if config.Debug {
		sregs, err := vcpu.GetSRegisters()
		if err != nil {
			return multierr.Append(runErr, err)
		}
		log.Debug("vcpu state", zap.String("regs", spew.Sdump(regs)), zap.String("sregs", spew.Sdump(sregs)))
	}
	if runErr != nil {
		return runErr
	}

	log.Info("dumping memory",
		zap.String("address", config.Dump.String()),
		zap.String("size", config.DumpSize.String()))

	return dump(out, vm.RAM(), uint64(config.Dump), uint64(config.DumpSize))
}

// runVCPU runs the guest on a dedicated thread. Once ctx is done the thread is
// sent SIGUSR2 until Run returns, so a guest spinning inside KVM_RUN is kicked
// out and Run gets to see the cancellation.
func runVCPU(ctx context.Context, vm *kvm.VM) error {
	kick := make(chan os.Signal, 1)
	signal.Notify(kick, unix.SIGUSR2)
	defer signal.Stop(kick)

	tids := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		tids <- unix.Gettid()
		done <- vm.Run(ctx)
	}()
	tid := <-tids

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		_ = unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR2)

		select {
		case err := <-done:
			return err
		case <-ticker.C:
		}
	}
}

// clampRange limits [addr, addr+n) to guest memory of the given size.
func clampRange(size, addr, n uint64) uint64 {
	if addr >= size {
		return 0
	}
	return min(n, size-addr)
}

func dump(out io.Writer, ram *kvm.RAM, addr, n uint64) error {
	n = clampRange(ram.Size(), addr, n)
	if n == 0 {
		_, err := fmt.Fprintf(out, "nothing to dump at %#x\n", addr)
		return err
	}

	data, err := ram.Read(addr, n)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%#x:\n%s", addr, hex.Dump(data))
	return err
}
