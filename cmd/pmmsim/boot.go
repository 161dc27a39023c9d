package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cowpmm/kernel/mem"
)

// bootInfo summarizes the state of a freshly booted allocator.
type bootInfo struct {
	Memory        uint64 `json:"memory"`
	KernelEnd     uint64 `json:"kernel_end"`
	RangeStart    uint64 `json:"range_start"`
	RangeEnd      uint64 `json:"range_end"`
	TotalFrames   uint64 `json:"total_frames"`
	FreeFrames    uint64 `json:"free_frames"`
	RefTableSlots int    `json:"refcount_table_slots"`
}

func newBootCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the allocator and print the physical memory map",
		Long: `The boot command maps the simulated physical memory, hands every
frame above the kernel image to the allocator and prints the result.

Example:
  pmmsim boot
  pmmsim boot --memory 1GiB --kernel-end 16MiB
  pmmsim boot --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBoot()
		},
	}
}

func (a *app) runBoot() error {
	m, err := a.boot()
	if err != nil {
		return err
	}
	defer m.Close()

	kernelEnd, _ := a.cfg.kernelEnd()
	start, end := m.alloc.Range()
	info := bootInfo{
		Memory:        uint64(m.arena.Size()),
		KernelEnd:     uint64(kernelEnd),
		RangeStart:    uint64(start),
		RangeEnd:      uint64(end),
		TotalFrames:   m.alloc.TotalFrames(),
		FreeFrames:    m.alloc.FreeCount(),
		RefTableSlots: m.alloc.Refs().Len(),
	}

	if a.jsonOut {
		return a.printJSON(info)
	}

	a.printf("Physical memory:   %s\n", mem.Size(info.Memory))
	a.printf("Kernel image:      [0x%x - 0x%x)\n", 0, info.RangeStart)
	a.printf("Managed range:     [0x%x - 0x%x) %s\n", info.RangeStart, info.RangeEnd, mem.Size(info.RangeEnd-info.RangeStart))
	a.printf("Frames:            %s total, %s free\n", humanize.Comma(int64(info.TotalFrames)), humanize.Comma(int64(info.FreeFrames)))
	a.printf("Refcount entries:  %s\n", humanize.Comma(int64(info.RefTableSlots)))
	return nil
}
