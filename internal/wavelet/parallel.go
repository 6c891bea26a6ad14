package wavelet

import (
	"sync"
	"sync/atomic"
)

// ParallelFor runs fn(i) for i in [0, n) on the given number of
// workers. Workers claim indices from a shared counter and must write
// their result into a caller-owned slot addressed by i, so the merged
// output is deterministic regardless of scheduling. With workers <= 1
// the loop runs inline on the caller's goroutine.
//
// This is the engine's single opt-in data-parallel boundary: the
// per-(scan, charge) transform. Nothing touched by fn may be shared
// mutable state.
func ParallelFor(workers, n int, fn func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if workers > n {
		workers = n
	}
	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
}
