package allocator

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cowpmm/kernel"
	"cowpmm/kernel/mem"
	"cowpmm/kernel/mem/pmm"
)

// testReservedPages is the number of frames at the bottom of the test arena
// that are occupied by the (pretend) kernel image.
const testReservedPages = 3

// newTestAllocator returns an allocator managing exactly frameCount frames
// that sit above testReservedPages reserved frames.
func newTestAllocator(t *testing.T, frameCount int) (*FreeListAllocator, *pmm.Arena) {
	t.Helper()

	arena := pmm.ArenaFromSlice(make([]byte, (testReservedPages+frameCount)*int(mem.PageSize)))

	// A kernel end address in the middle of a page gets rounded up.
	kernelEnd := uintptr(testReservedPages-1)*uintptr(mem.PageSize) + 123
	alloc, err := Init(arena, kernelEnd, uintptr(arena.Size()))
	require.Nil(t, err)

	return alloc, arena
}

func filledWith(buf []byte, value byte) bool {
	for _, b := range buf {
		if b != value {
			return false
		}
	}
	return true
}

func TestInit(t *testing.T) {
	alloc, arena := newTestAllocator(t, 16)

	start, end := alloc.Range()
	assert.Equal(t, uintptr(testReservedPages)*uintptr(mem.PageSize), start)
	assert.Equal(t, uintptr(arena.Size()), end)
	assert.Equal(t, uint64(16), alloc.TotalFrames())
	assert.Equal(t, uint64(16), alloc.FreeCount())
	assert.Equal(t, uint64(0), alloc.AllocatedCount())

	for f := pmm.FrameFromAddress(start); f < pmm.FrameFromAddress(end); f++ {
		assert.Equal(t, uint32(0), alloc.RefCount(f))
		assert.True(t, filledWith(arena.FrameBytes(f), FreeFill), "expected frame %d to be scrubbed", f)
	}

	// Frames that belong to the kernel image are never touched.
	for f := pmm.Frame(0); f < testReservedPages; f++ {
		assert.True(t, filledWith(arena.FrameBytes(f), 0), "expected reserved frame %d to be untouched", f)
	}
}

func TestInitIgnoresTrailingPartialPage(t *testing.T) {
	arena := pmm.ArenaFromSlice(make([]byte, 8*mem.PageSize))
	alloc := NewFreeListAllocator(arena, NewRefCountTable(uintptr(arena.Size())))

	// The last page does not fit entirely below rangeEnd.
	require.Nil(t, alloc.Init(uintptr(mem.PageSize), uintptr(8*mem.PageSize)-1))
	assert.Equal(t, uint64(6), alloc.TotalFrames())
}

func TestInitErrors(t *testing.T) {
	arena := pmm.ArenaFromSlice(make([]byte, 8*mem.PageSize))

	t.Run("empty range", func(t *testing.T) {
		alloc := NewFreeListAllocator(arena, NewRefCountTable(uintptr(arena.Size())))
		err := alloc.Init(uintptr(4*mem.PageSize)+1, uintptr(5*mem.PageSize)-1)
		assert.Same(t, errInvalidRange, err)
		assert.True(t, kernel.IsFatal(err))
	})

	t.Run("range exceeds refcount table", func(t *testing.T) {
		alloc := NewFreeListAllocator(arena, NewRefCountTable(uintptr(4*mem.PageSize)))
		err := alloc.Init(uintptr(mem.PageSize), uintptr(8*mem.PageSize))
		assert.Same(t, errInvalidRange, err)
	})

	t.Run("range exceeds physical memory", func(t *testing.T) {
		alloc := NewFreeListAllocator(arena, NewRefCountTable(uintptr(16*mem.PageSize)))
		err := alloc.Init(uintptr(mem.PageSize), uintptr(16*mem.PageSize))
		assert.Same(t, errInvalidRange, err)
		assert.Equal(t, uint64(0), alloc.FreeCount())
	})

	t.Run("initialized twice", func(t *testing.T) {
		alloc := NewFreeListAllocator(arena, NewRefCountTable(uintptr(arena.Size())))
		require.Nil(t, alloc.Init(uintptr(mem.PageSize), uintptr(8*mem.PageSize)))

		err := alloc.Init(uintptr(mem.PageSize), uintptr(8*mem.PageSize))
		assert.Same(t, errAlreadyInitialized, err)
		assert.True(t, kernel.IsFatal(err))
		assert.Equal(t, uint64(7), alloc.FreeCount())
	})
}

func TestAllocFrameBeforeInit(t *testing.T) {
	arena := pmm.ArenaFromSlice(make([]byte, 2*mem.PageSize))
	alloc := NewFreeListAllocator(arena, NewRefCountTable(uintptr(arena.Size())))

	frame, err := alloc.AllocFrame()
	assert.Equal(t, pmm.InvalidFrame, frame)
	assert.Same(t, errOutOfMemory, err)
}

func TestAllocFrameNoDoubleAllocation(t *testing.T) {
	const frameCount = 32
	alloc, arena := newTestAllocator(t, frameCount)

	seen := make(map[pmm.Frame]bool)
	for i := 0; i < frameCount; i++ {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		require.True(t, frame.Valid())
		require.False(t, seen[frame], "frame %d handed out twice", frame)
		require.True(t, alloc.Contains(frame))
		seen[frame] = true

		assert.Equal(t, uint32(1), alloc.RefCount(frame))
		assert.True(t, filledWith(arena.FrameBytes(frame), AllocFill))
		assert.Equal(t, alloc.TotalFrames(), alloc.FreeCount()+alloc.AllocatedCount())
	}

	frame, err := alloc.AllocFrame()
	assert.Equal(t, pmm.InvalidFrame, frame)
	assert.Same(t, errOutOfMemory, err)
	assert.False(t, kernel.IsFatal(err), "running out of memory must be recoverable")
}

func TestExhaustionThenRecovery(t *testing.T) {
	const frameCount = 8
	alloc, _ := newTestAllocator(t, frameCount)

	frames := make([]pmm.Frame, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		frames = append(frames, frame)
	}

	_, err := alloc.AllocFrame()
	require.Same(t, errOutOfMemory, err)

	require.Nil(t, alloc.FreeFrame(frames[3]))

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, frames[3], frame)

	_, err = alloc.AllocFrame()
	assert.Same(t, errOutOfMemory, err)
}

func TestSingleOwnerReclaim(t *testing.T) {
	alloc, _ := newTestAllocator(t, 1)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, uint64(0), alloc.FreeCount())

	require.Nil(t, alloc.Free(frame.Address()))
	assert.Equal(t, uint32(0), alloc.RefCount(frame))
	assert.Equal(t, uint64(1), alloc.FreeCount())

	again, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, frame, again)
}

func TestSharedPageRetention(t *testing.T) {
	alloc, arena := newTestAllocator(t, 1)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	alloc.Share(frame)
	assert.Equal(t, uint32(2), alloc.RefCount(frame))

	page := arena.FrameBytes(frame)
	copy(page, "shared contents")

	require.Nil(t, alloc.FreeFrame(frame))
	assert.Equal(t, uint32(1), alloc.RefCount(frame))
	assert.Equal(t, uint64(0), alloc.FreeCount())
	assert.Equal(t, "shared contents", string(page[:15]), "a still referenced frame must not be scrubbed")

	_, err = alloc.AllocFrame()
	assert.Same(t, errOutOfMemory, err, "a still referenced frame must not be handed out")

	require.Nil(t, alloc.FreeFrame(frame))
	assert.Equal(t, uint32(0), alloc.RefCount(frame))
	assert.Equal(t, uint64(1), alloc.FreeCount())
}

func TestRefCountBracket(t *testing.T) {
	alloc, _ := newTestAllocator(t, 2)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)

	freeBefore := alloc.FreeCount()
	alloc.Share(frame)
	require.Nil(t, alloc.FreeFrame(frame))

	assert.Equal(t, uint32(1), alloc.RefCount(frame))
	assert.Equal(t, freeBefore, alloc.FreeCount())
}

func TestScrubOnRelease(t *testing.T) {
	alloc, arena := newTestAllocator(t, 1)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)

	secret := []byte("do not leak this")
	copy(arena.FrameBytes(frame), secret)

	require.Nil(t, alloc.FreeFrame(frame))
	assert.True(t, filledWith(arena.FrameBytes(frame), FreeFill))

	again, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Equal(t, frame, again)

	page := arena.FrameBytes(again)
	assert.NotEqual(t, secret, page[:len(secret)])
	assert.True(t, filledWith(page, AllocFill))
}

func TestFreeMisuse(t *testing.T) {
	alloc, arena := newTestAllocator(t, 4)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	alloc.Share(frame)

	start, end := alloc.Range()
	specs := []struct {
		descr  string
		addr   uintptr
		expErr *kernel.Error
	}{
		{"misaligned address inside a shared frame", frame.Address() + 8, errMisalignedAddress},
		{"address inside the kernel image", 0, errAddressOutOfRange},
		{"last frame below range start", start - uintptr(mem.PageSize), errAddressOutOfRange},
		{"range end", end, errAddressOutOfRange},
		{"far beyond range end", end + uintptr(64*mem.PageSize), errAddressOutOfRange},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			freeBefore := alloc.FreeCount()

			err := alloc.Free(spec.addr)
			assert.Same(t, spec.expErr, err)
			assert.True(t, kernel.IsFatal(err))

			assert.Equal(t, freeBefore, alloc.FreeCount())
			assert.Equal(t, uint32(2), alloc.RefCount(frame), "failed free must not touch any counter")
		})
	}

	assert.Same(t, errAddressOutOfRange, alloc.FreeFrame(pmm.InvalidFrame))

	// The reserved frames were never written to.
	assert.True(t, filledWith(arena.FrameBytes(0), 0))
}

func TestDoubleFree(t *testing.T) {
	alloc, arena := newTestAllocator(t, 4)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, alloc.FreeFrame(frame))

	page := arena.FrameBytes(frame)
	copy(page, "marker")

	err = alloc.FreeFrame(frame)
	assert.Same(t, errDoubleFree, err)
	assert.True(t, kernel.IsFatal(err))
	assert.Equal(t, uint64(4), alloc.FreeCount())
	assert.Equal(t, uint32(0), alloc.RefCount(frame))
	assert.Equal(t, "marker", string(page[:6]), "a rejected free must not scrub the frame")

	// Every frame must still be handed out exactly once.
	seen := make(map[pmm.Frame]bool)
	for i := 0; i < 4; i++ {
		f, err := alloc.AllocFrame()
		require.Nil(t, err)
		require.False(t, seen[f])
		seen[f] = true
	}
	_, err = alloc.AllocFrame()
	assert.Same(t, errOutOfMemory, err)
}

func TestFreeWhileAllocationInFlight(t *testing.T) {
	alloc, arena := newTestAllocator(t, 2)

	// Pop a frame the way AllocFrame does but stop before its count is set.
	alloc.lock.Acquire()
	top := len(alloc.freeStack) - 1
	frame := alloc.freeStack[top]
	alloc.freeStack = alloc.freeStack[:top]
	alloc.markFrame(frame, markReserved)
	alloc.lock.Release()

	copy(arena.FrameBytes(frame), "in flight")

	err := alloc.FreeFrame(frame)
	assert.Same(t, errDoubleFree, err)
	assert.Equal(t, uint64(1), alloc.FreeCount(), "frame must not be pushed while it is being handed out")
	assert.Equal(t, "in flight", string(arena.FrameBytes(frame)[:9]))

	other, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.NotEqual(t, frame, other)
}

func TestConcurrentSharedRelease(t *testing.T) {
	const (
		frameCount = 64
		numOwners  = 4
		numRounds  = 50
	)

	alloc, _ := newTestAllocator(t, frameCount)

	for round := 0; round < numRounds; round++ {
		frames := make([]pmm.Frame, 0, frameCount)
		for i := 0; i < frameCount; i++ {
			frame, err := alloc.AllocFrame()
			require.Nil(t, err)
			for j := 1; j < numOwners; j++ {
				alloc.Share(frame)
			}
			frames = append(frames, frame)
		}
		require.Equal(t, uint64(0), alloc.FreeCount())

		var (
			wg      sync.WaitGroup
			failed  int32
			release = make(chan struct{})
		)
		wg.Add(numOwners)
		for w := 0; w < numOwners; w++ {
			go func(offset int) {
				defer wg.Done()
				<-release
				for i := range frames {
					// Each owner walks the frames in a different order.
					frame := frames[(i+offset*frameCount/numOwners)%frameCount]
					if err := alloc.FreeFrame(frame); err != nil {
						atomic.AddInt32(&failed, 1)
					}
				}
			}(w)
		}
		close(release)
		wg.Wait()

		require.Equal(t, int32(0), failed, "round %d", round)
		require.Equal(t, uint64(frameCount), alloc.FreeCount(), "round %d", round)
		require.Equal(t, uint64(0), alloc.AllocatedCount(), "round %d", round)
	}
}

func TestConcurrentAllocFreeConservation(t *testing.T) {
	const (
		frameCount = 64
		numWorkers = 8
		numOps     = 2000
	)

	alloc, _ := newTestAllocator(t, frameCount)
	startFrame := alloc.startFrame

	// holders records which worker owns each frame; a worker that is handed
	// a frame somebody else still holds has found a double allocation.
	holders := make([]int32, frameCount)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(worker int32) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(worker)))
			var refs []pmm.Frame

			drop := func(index int) {
				frame := refs[index]
				refs = append(refs[:index], refs[index+1:]...)

				lastRef := true
				for _, f := range refs {
					if f == frame {
						lastRef = false
						break
					}
				}
				if lastRef {
					assert.True(t, atomic.CompareAndSwapInt32(&holders[frame-startFrame], worker, 0))
				}
				assert.Nil(t, alloc.FreeFrame(frame))
			}

			for i := 0; i < numOps; i++ {
				switch op := rng.Intn(3); {
				case op == 0 || len(refs) == 0:
					frame, err := alloc.AllocFrame()
					if err != nil {
						assert.Same(t, errOutOfMemory, err)
						continue
					}
					assert.True(t, atomic.CompareAndSwapInt32(&holders[frame-startFrame], 0, worker),
						"frame %d handed out while held by worker %d", frame, atomic.LoadInt32(&holders[frame-startFrame]))
					refs = append(refs, frame)
				case op == 1:
					frame := refs[rng.Intn(len(refs))]
					alloc.Share(frame)
					refs = append(refs, frame)
				default:
					drop(rng.Intn(len(refs)))
				}
			}

			for len(refs) != 0 {
				drop(len(refs) - 1)
			}
		}(int32(w + 1))
	}
	wg.Wait()

	assert.Equal(t, uint64(frameCount), alloc.FreeCount())
	assert.Equal(t, uint64(0), alloc.AllocatedCount())
}
