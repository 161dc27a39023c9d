// Command pmmsim boots the physical frame allocator on top of an mmap-backed
// arena and exercises it from several concurrently running "CPUs".
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var halt *haltError
		if errors.As(err, &halt) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
