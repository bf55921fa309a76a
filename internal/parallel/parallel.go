// Package parallel runs independent per-item work on a bounded number of
// goroutines.
package parallel

import (
	"context"
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Workers      int // Maximum number of goroutines; <= 1 runs sequentially.
	MinChunkSize int // Minimum items per goroutine.
}

// DefaultConfig returns one worker per CPU. Chunks are small because items
// are file reads rather than arithmetic.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU(), MinChunkSize: 2}
}

// For calls f(i) for every i in [0, n) and returns the first error.
// Items are split into contiguous chunks of at least MinChunkSize; after a
// failure or cancellation of ctx, chunks stop at the next item.
func For(ctx context.Context, n int, cfg Config, f func(i int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.MinChunkSize < 1 {
		cfg.MinChunkSize = 1
	}
	if cfg.Workers <= 1 || n <= cfg.MinChunkSize {
		for i := range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	chunkSize := max((n+cfg.Workers-1)/cfg.Workers, cfg.MinChunkSize)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				if failed() {
					return
				}
				if err := ctx.Err(); err != nil {
					fail(err)
					return
				}
				if err := f(i); err != nil {
					fail(err)
					return
				}
			}
		}(start, end)
	}
	wg.Wait()
	return firstErr
}
