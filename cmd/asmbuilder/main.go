package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hankjacobs/kvmrun/asmbuilder"
	"github.com/hankjacobs/kvmrun/internal/cfg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		bits   int
		origin cfg.Uint
	)

	cmd := &cobra.Command{
		Use:   "asmbuilder [flags] input.s output.bin",
		Short: "Assemble GNU assembler source into a flat guest binary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			asm, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "failed reading file %s", args[0])
			}

			bin, err := asmbuilder.Build(cmd.Context(), asm,
				asmbuilder.WithBits(bits),
				asmbuilder.WithOrigin(uint64(origin)))
			if err != nil {
				return errors.Wrap(err, "failed building asm")
			}

			return errors.Wrapf(os.WriteFile(args[1], bin, 0o644), "failed writing file %s", args[1])
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 32, "cpu mode, 16 or 32")
	cmd.Flags().Var(&origin, "org", "guest address the binary is loaded at")

	return cmd
}
