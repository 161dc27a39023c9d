package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cowpmm/kernel/mem/pmm"
)

func newFreeCmd(a *app) *cobra.Command {
	var allocCount int

	cmd := &cobra.Command{
		Use:   "free <address>",
		Short: "Boot, allocate some frames, then release the given address",
		Long: `The free command boots the allocator, allocates a number of frames,
and then releases the supplied physical address. Releasing an address that is
misaligned, outside the managed range or already free halts the simulated
system and exits with status 2.

Example:
  pmmsim free 0x7fff000 --alloc 1
  pmmsim free 0x200010`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", args[0], err)
			}
			return a.runFree(uintptr(addr), allocCount)
		},
	}

	cmd.Flags().IntVar(&allocCount, "alloc", 1, "Number of frames to allocate before freeing")
	return cmd
}

func (a *app) runFree(addr uintptr, allocCount int) error {
	m, err := a.boot()
	if err != nil {
		return err
	}
	defer m.Close()

	for i := 0; i < allocCount; i++ {
		frame, kerr := m.alloc.AllocFrame()
		if kerr != nil {
			return a.halt(kerr)
		}
		a.printf("allocated frame at 0x%x\n", frame.Address())
	}

	frame := pmm.FrameFromAddress(addr)
	if kerr := m.alloc.Free(addr); kerr != nil {
		return a.halt(kerr)
	}

	a.printf("released 0x%x; owners left: %d, free frames: %d\n", addr, m.alloc.RefCount(frame), m.alloc.FreeCount())
	return nil
}
