package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"cowpmm/kernel"
	"cowpmm/kernel/kfmt"
	"cowpmm/kernel/mem/pmm"
	"cowpmm/kernel/mem/pmm/allocator"
)

// app holds the state shared by all subcommands.
type app struct {
	// Global flags
	configPath string
	verbose    bool
	jsonOut    bool
	memory     string
	kernelEnd  string

	cfg    Config
	logger *log.Logger
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "pmmsim",
		Short: "Simulate a reference-counted physical frame allocator",
		Long: `pmmsim boots the kernel physical frame allocator on top of an
anonymous memory mapping that plays the role of physical RAM. It can print the
resulting memory map, stress the allocator from several concurrent CPUs, or
demonstrate how contract violations are reported.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Show kernel console output and debug logs")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&a.memory, "memory", "", "Physical memory size (e.g. 128MiB)")
	rootCmd.PersistentFlags().StringVar(&a.kernelEnd, "kernel-end", "", "First physical address after the kernel image (e.g. 0x200000 or 2MiB)")

	rootCmd.AddCommand(newBootCmd(a), newStressCmd(a), newFreeCmd(a))
	return rootCmd
}

// setup loads the configuration, applies flag overrides and wires the logger
// and the kernel console.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("memory") {
		cfg.Memory = a.memory
	}
	if flags.Changed("kernel-end") {
		cfg.KernelEnd = a.kernelEnd
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.out = cmd.OutOrStdout()
	a.logger = newLogger(cmd.ErrOrStderr(), a.verbose)
	if a.verbose {
		kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: cmd.ErrOrStderr(), Prefix: []byte("[kernel] ")})
	} else {
		kfmt.SetOutputSink(io.Discard)
	}
	return nil
}

// machine is a booted simulated system.
type machine struct {
	arena *pmm.Arena
	alloc *allocator.FreeListAllocator
}

// boot maps the simulated physical memory and initializes the allocator.
func (a *app) boot() (*machine, error) {
	memSize, err := a.cfg.memorySize()
	if err != nil {
		return nil, err
	}
	kernelEnd, err := a.cfg.kernelEnd()
	if err != nil {
		return nil, err
	}

	arena, err := pmm.NewArena(memSize)
	if err != nil {
		return nil, err
	}

	alloc, kerr := allocator.Init(arena, kernelEnd, uintptr(arena.Size()))
	if kerr != nil {
		_ = arena.Close()
		return nil, a.halt(kerr)
	}

	a.logger.Debug().Str("memory", arena.Size().String()).Uint64("frames", alloc.TotalFrames()).Msg("allocator initialized")
	return &machine{arena: arena, alloc: alloc}, nil
}

func (m *machine) Close() error {
	return m.arena.Close()
}

// haltError wraps a fatal kernel error. The process exits with a distinct
// status when it sees one.
type haltError struct {
	err *kernel.Error
}

func (e *haltError) Error() string {
	return fmt.Sprintf("[%s] unrecoverable error: %s: system halted", e.err.Module, e.err.Message)
}

// halt turns a kernel error into a command error. Fatal errors become a
// haltError; recoverable ones are returned as plain errors.
func (a *app) halt(err *kernel.Error) error {
	if !kernel.IsFatal(err) {
		return fmt.Errorf("[%s] %s", err.Module, err.Message)
	}

	a.logger.Error().Str("module", err.Module).Str("error", err.Message).Msg("kernel panic")
	return &haltError{err: err}
}

// printJSON outputs data as JSON
func (a *app) printJSON(v interface{}) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}
