package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"cowpmm/kernel/mem"
)

// Config describes the simulated machine and the stress workload.
type Config struct {
	// Memory is the amount of physical memory, e.g. "128MiB".
	Memory string `yaml:"memory"`

	// KernelEnd is the first physical address after the kernel image,
	// either as an address ("0x200000") or a size ("2MiB"). Frames below it
	// are never handed out.
	KernelEnd string `yaml:"kernel_end"`

	// Workers is the number of concurrently running CPUs in stress mode.
	Workers int `yaml:"workers"`

	// Ops is the number of operations performed by each worker.
	Ops int `yaml:"ops"`

	// ShareRatio is the probability that a worker shares one of its frames
	// instead of allocating or freeing.
	ShareRatio float64 `yaml:"share_ratio"`

	// Seed seeds the per-worker random number generators.
	Seed int64 `yaml:"seed"`
}

func defaultConfig() Config {
	return Config{
		Memory:     "128MiB",
		KernelEnd:  "2MiB",
		Workers:    4,
		Ops:        10000,
		ShareRatio: 0.2,
		Seed:       1,
	}
}

// loadConfig returns the default configuration overlaid with the contents of
// the YAML file at path. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) memorySize() (mem.Size, error) {
	size, err := mem.ParseSize(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", c.Memory, err)
	}
	return size, nil
}

// kernelEnd accepts the same address syntax as the free command and falls
// back to a human readable size.
func (c Config) kernelEnd() (uintptr, error) {
	if addr, err := strconv.ParseUint(c.KernelEnd, 0, 64); err == nil {
		return uintptr(addr), nil
	}

	end, err := mem.ParseSize(c.KernelEnd)
	if err != nil {
		return 0, fmt.Errorf("invalid kernel end %q: %w", c.KernelEnd, err)
	}
	return uintptr(end), nil
}

func (c Config) validate() error {
	memSize, err := c.memorySize()
	if err != nil {
		return err
	}
	kernelEnd, err := c.kernelEnd()
	if err != nil {
		return err
	}

	switch {
	case memSize < mem.PageSize:
		return fmt.Errorf("memory must be at least %s", mem.PageSize)
	case kernelEnd >= uintptr(memSize):
		return fmt.Errorf("kernel end %s leaves no usable memory below %s", mem.Size(kernelEnd), memSize)
	case c.Workers < 1:
		return fmt.Errorf("workers must be positive; got %d", c.Workers)
	case c.Ops < 0:
		return fmt.Errorf("ops must not be negative; got %d", c.Ops)
	case c.ShareRatio < 0 || c.ShareRatio > 0.5:
		return fmt.Errorf("share ratio must be within [0, 0.5]; got %g", c.ShareRatio)
	}
	return nil
}
