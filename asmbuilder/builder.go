// Package asmbuilder turns GNU assembler source into a flat binary that can be
// loaded into guest memory as is. It needs binutils (as, ld) on the PATH.
package asmbuilder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type options struct {
	bits   int
	origin uint64
}

// Option configures Build.
type Option func(*options)

// WithBits selects 16-bit real mode or 32-bit protected mode code. The default
// is 32.
func WithBits(bits int) Option {
	return func(o *options) {
		o.bits = bits
	}
}

// WithOrigin sets the guest address the binary will be loaded at, so absolute
// references resolve. The default is 0.
func WithOrigin(origin uint64) Option {
	return func(o *options) {
		o.origin = origin
	}
}

// Build builds the asm and outputs a byte array suitable for being executed by kvm
func Build(ctx context.Context, asm []byte, opts ...Option) ([]byte, error) {
	o := options{bits: 32}
	for _, opt := range opts {
		opt(&o)
	}

	var src bytes.Buffer
	switch o.bits {
	case 16:
		src.WriteString(".code16\n")
	case 32:
	default:
		return nil, errors.Errorf("unsupported mode: %d bits", o.bits)
	}
	src.Write(asm)
	src.WriteString("\n")

	td, err := os.MkdirTemp("", "asmbuilder")
	if err != nil {
		return nil, errors.Wrap(err, "temp dir")
	}
	defer os.RemoveAll(td)

	opath := filepath.Join(td, "asm.o")
	if _, err := command(ctx, &src, "as", "--32", "-o", opath, "--"); err != nil {
		return nil, err
	}

	return command(ctx, nil, "ld",
		"-m", "elf_i386",
		"--oformat=binary",
		fmt.Sprintf("-Ttext=%#x", o.origin),
		"-e", "_start",
		"-o", "/dev/stdout",
		opath)
}

func command(ctx context.Context, stdin *bytes.Buffer, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}
