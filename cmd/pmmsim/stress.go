package main

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"

	"cowpmm/kernel"
	"cowpmm/kernel/mem/pmm"
	"cowpmm/kernel/mem/pmm/allocator"
)

// Operation mix used by stress workers. The share probability comes from the
// configuration; frees take whatever is left.
const (
	allocProbability   = 0.35
	unshareProbability = 0.10
)

const (
	opAlloc   = "alloc"
	opShare   = "share"
	opUnshare = "unshare"
	opFree    = "free"
)

type latencySummary struct {
	Count  int     `json:"count"`
	MeanUs float64 `json:"mean_us"`
	P50Us  float64 `json:"p50_us"`
	P99Us  float64 `json:"p99_us"`
}

type stressReport struct {
	Workers           int                       `json:"workers"`
	OpsPerWorker      int                       `json:"ops_per_worker"`
	Elapsed           time.Duration             `json:"elapsed_ns"`
	OutOfMemory       uint64                    `json:"out_of_memory"`
	DoubleAllocations uint64                    `json:"double_allocations"`
	PeakAllocated     uint64                    `json:"peak_allocated"`
	TotalFrames       uint64                    `json:"total_frames"`
	FreeFrames        uint64                    `json:"free_frames"`
	AllocatedFrames   uint64                    `json:"allocated_frames"`
	Latency           map[string]latencySummary `json:"latency"`
}

func newStressCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Hammer the allocator from several concurrent CPUs",
		Long: `The stress command boots the allocator and runs a number of workers
in parallel. Each worker randomly allocates, shares, unshares (copy-on-write)
and frees frames. When all workers are done every frame must be back on the
free list and no frame may ever have been handed to two workers at once.

Example:
  pmmsim stress
  pmmsim stress --workers 16 --ops 100000 --memory 64MiB
  pmmsim stress -c stress.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("workers") {
				a.cfg.Workers, _ = flags.GetInt("workers")
			}
			if flags.Changed("ops") {
				a.cfg.Ops, _ = flags.GetInt("ops")
			}
			if flags.Changed("seed") {
				a.cfg.Seed, _ = flags.GetInt64("seed")
			}
			if err := a.cfg.validate(); err != nil {
				return err
			}
			return a.runStress()
		},
	}

	cmd.Flags().Int("workers", 0, "Number of concurrent workers")
	cmd.Flags().Int("ops", 0, "Operations per worker")
	cmd.Flags().Int64("seed", 0, "Random seed")
	return cmd
}

func (a *app) runStress() error {
	m, err := a.boot()
	if err != nil {
		return err
	}
	defer m.Close()

	a.logger.Info().Int("workers", a.cfg.Workers).Int("ops", a.cfg.Ops).Uint64("frames", m.alloc.TotalFrames()).Msg("starting stress run")

	report, err := stress(m.alloc, a.cfg)
	if kerr, ok := err.(*kernel.Error); ok {
		return a.halt(kerr)
	} else if err != nil {
		return err
	}

	a.logger.Info().Dur("elapsed", report.Elapsed).Uint64("oom", report.OutOfMemory).Msg("stress run complete")

	if a.jsonOut {
		return a.printJSON(report)
	}

	a.printf("Workers:            %d x %s ops in %s\n", report.Workers, humanize.Comma(int64(report.OpsPerWorker)), report.Elapsed.Round(time.Millisecond))
	a.printf("Frames:             %s total, %s free, %s allocated\n",
		humanize.Comma(int64(report.TotalFrames)), humanize.Comma(int64(report.FreeFrames)), humanize.Comma(int64(report.AllocatedFrames)))
	a.printf("Peak allocated:     %s\n", humanize.Comma(int64(report.PeakAllocated)))
	a.printf("Out of memory:      %s\n", humanize.Comma(int64(report.OutOfMemory)))

	ops := make([]string, 0, len(report.Latency))
	for op := range report.Latency {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		l := report.Latency[op]
		a.printf("%-8s %10s ops  mean %8.2fus  p50 %8.2fus  p99 %8.2fus\n", op, humanize.Comma(int64(l.Count)), l.MeanUs, l.P50Us, l.P99Us)
	}
	return nil
}

// stressWorker is the state of a single simulated CPU.
type stressWorker struct {
	id      int32
	rng     *rand.Rand
	alloc   *allocator.FreeListAllocator
	holders []int32
	base    pmm.Frame
	refs    []pmm.Frame

	shareProbability float64
	latencies        map[string][]float64
	outOfMemory      uint64
	doubleAllocs     uint64
}

// stress runs cfg.Workers workers against alloc and checks that every frame is
// back on the free list once they are done. A fatal allocator error aborts the
// run and is returned as a *kernel.Error.
func stress(alloc *allocator.FreeListAllocator, cfg Config) (*stressReport, error) {
	var (
		wg        sync.WaitGroup
		workers   = make([]*stressWorker, cfg.Workers)
		start, _  = alloc.Range()
		holders   = make([]int32, alloc.TotalFrames())
		errLock   sync.Mutex
		firstErr  *kernel.Error
		peakAlloc uint64
		allocated int64
	)

	for i := range workers {
		workers[i] = &stressWorker{
			id:               int32(i + 1),
			rng:              rand.New(rand.NewSource(cfg.Seed + int64(i))),
			alloc:            alloc,
			holders:          holders,
			base:             pmm.FrameFromAddress(start),
			shareProbability: cfg.ShareRatio,
			latencies:        make(map[string][]float64),
		}
	}

	startTime := time.Now()
	wg.Add(len(workers))
	for _, w := range workers {
		go func(w *stressWorker) {
			defer wg.Done()
			err := w.run(cfg.Ops, func(delta int64) {
				now := atomic.AddInt64(&allocated, delta)
				for {
					peak := atomic.LoadUint64(&peakAlloc)
					if uint64(now) <= peak || atomic.CompareAndSwapUint64(&peakAlloc, peak, uint64(now)) {
						return
					}
				}
			})
			if err != nil {
				errLock.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errLock.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	report := &stressReport{
		Workers:         cfg.Workers,
		OpsPerWorker:    cfg.Ops,
		Elapsed:         time.Since(startTime),
		PeakAllocated:   atomic.LoadUint64(&peakAlloc),
		TotalFrames:     alloc.TotalFrames(),
		FreeFrames:      alloc.FreeCount(),
		AllocatedFrames: alloc.AllocatedCount(),
		Latency:         make(map[string]latencySummary),
	}

	merged := make(map[string][]float64)
	for _, w := range workers {
		report.OutOfMemory += w.outOfMemory
		report.DoubleAllocations += w.doubleAllocs
		for op, samples := range w.latencies {
			merged[op] = append(merged[op], samples...)
		}
	}

	for op, samples := range merged {
		summary, err := summarize(samples)
		if err != nil {
			return nil, err
		}
		report.Latency[op] = summary
	}

	switch {
	case report.DoubleAllocations != 0:
		return report, fmt.Errorf("detected %d double allocations", report.DoubleAllocations)
	case report.FreeFrames+report.AllocatedFrames != report.TotalFrames:
		return report, fmt.Errorf("conservation violated: %d free + %d allocated != %d total",
			report.FreeFrames, report.AllocatedFrames, report.TotalFrames)
	case report.AllocatedFrames != 0:
		return report, fmt.Errorf("%d frames leaked after all workers released their references", report.AllocatedFrames)
	}

	return report, nil
}

func summarize(samples []float64) (latencySummary, error) {
	mean, err := stats.Mean(samples)
	if err != nil {
		return latencySummary{}, err
	}
	p50, err := stats.Percentile(samples, 50)
	if err != nil {
		return latencySummary{}, err
	}
	p99, err := stats.Percentile(samples, 99)
	if err != nil {
		return latencySummary{}, err
	}

	return latencySummary{Count: len(samples), MeanUs: mean, P50Us: p50, P99Us: p99}, nil
}

// run performs ops random operations and then drops every reference the
// worker still holds. onAllocDelta is told how the number of frames held by
// this worker changes.
func (w *stressWorker) run(ops int, onAllocDelta func(int64)) *kernel.Error {
	for i := 0; i < ops; i++ {
		r := w.rng.Float64()
		switch {
		case len(w.refs) == 0 || r < allocProbability:
			if err := w.allocate(onAllocDelta); err != nil {
				return err
			}
		case r < allocProbability+w.shareProbability:
			w.share()
		case r < allocProbability+w.shareProbability+unshareProbability:
			if err := w.unshare(onAllocDelta); err != nil {
				return err
			}
		default:
			if err := w.drop(w.rng.Intn(len(w.refs)), onAllocDelta); err != nil {
				return err
			}
		}
	}

	for len(w.refs) != 0 {
		if err := w.drop(len(w.refs)-1, onAllocDelta); err != nil {
			return err
		}
	}
	return nil
}

func (w *stressWorker) allocate(onAllocDelta func(int64)) *kernel.Error {
	start := time.Now()
	frame, err := w.alloc.AllocFrame()
	w.record(opAlloc, start)

	if err != nil {
		if kernel.IsFatal(err) {
			return err
		}
		w.outOfMemory++
		return nil
	}

	w.claim(frame)
	w.refs = append(w.refs, frame)
	onAllocDelta(1)
	return nil
}

func (w *stressWorker) share() {
	frame := w.refs[w.rng.Intn(len(w.refs))]

	start := time.Now()
	w.alloc.Share(frame)
	w.record(opShare, start)

	w.refs = append(w.refs, frame)
}

func (w *stressWorker) unshare(onAllocDelta func(int64)) *kernel.Error {
	index := w.rng.Intn(len(w.refs))
	frame := w.refs[index]

	start := time.Now()
	private, err := w.alloc.Unshare(frame)
	w.record(opUnshare, start)

	if err != nil {
		if kernel.IsFatal(err) {
			return err
		}
		w.outOfMemory++
		return nil
	}

	if private != frame {
		// The worker kept at least one other reference to frame so it
		// remains the holder of both.
		w.claim(private)
		w.refs[index] = private
		onAllocDelta(1)
	}
	return nil
}

func (w *stressWorker) drop(index int, onAllocDelta func(int64)) *kernel.Error {
	frame := w.refs[index]
	w.refs = append(w.refs[:index], w.refs[index+1:]...)

	lastRef := true
	for _, f := range w.refs {
		if f == frame {
			lastRef = false
			break
		}
	}

	// Give up the frame before releasing it; once it is back on the free
	// list another worker may legitimately claim it.
	if lastRef {
		atomic.CompareAndSwapInt32(&w.holders[frame-w.base], w.id, 0)
		onAllocDelta(-1)
	}

	start := time.Now()
	err := w.alloc.FreeFrame(frame)
	w.record(opFree, start)
	return err
}

// claim records the worker as the holder of a freshly allocated frame. If
// another worker still holds it, the allocator has handed it out twice.
func (w *stressWorker) claim(frame pmm.Frame) {
	if !atomic.CompareAndSwapInt32(&w.holders[frame-w.base], 0, w.id) {
		w.doubleAllocs++
	}
}

func (w *stressWorker) record(op string, start time.Time) {
	w.latencies[op] = append(w.latencies[op], float64(time.Since(start).Nanoseconds())/1e3)
}
