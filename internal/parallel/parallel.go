// Package parallel runs independent work items across a fixed pool of
// goroutines, splitting the item range into contiguous disjoint chunks.
package parallel

import (
	"context"
	"sync"
)

// ForEachRange divides [0, n) into one contiguous range per worker and
// invokes fn(lo, hi) for each range on its own goroutine. With workers <= 1
// (or n <= 1) fn runs inline on the calling goroutine. The first error
// reported by any range is returned; remaining workers run to completion.
// Results must therefore be written only at indices inside [lo, hi), which
// keeps the whole loop race-free without locks.
func ForEachRange(ctx context.Context, n, workers int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return ctx.Err()
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(0, n)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	chunk := n / workers
	extra := n % workers
	lo := 0
	for w := 0; w < workers; w++ {
		hi := lo + chunk
		if w < extra {
			hi++
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				record(err)
				return
			}
			record(fn(lo, hi))
		}(lo, hi)
		lo = hi
	}
	wg.Wait()
	return firstErr
}
