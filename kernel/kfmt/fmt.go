// Package kfmt implements the kernel console: a Printf that can be used before
// any output device is attached and that serializes output coming from
// concurrently running CPUs.
package kfmt

import (
	"fmt"
	"io"

	"cowpmm/kernel/sync"
)

var (
	// outputLock serializes Printf calls so that lines emitted from
	// different CPUs are never interleaved.
	outputLock sync.Spinlock

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// output sink. If no sink has been attached yet, the output is buffered into
// a ring buffer and replayed by the next call to SetOutputSink.
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	Fprintf(sinkOrBuffer(), format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. Write errors are ignored; there is nowhere left to
// report them.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func sinkOrBuffer() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}
