package delivery

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// jobSupervisor bounds and tracks the engine's detached background work
// (chat-mirror fan-out, delivery-confirmation notifications, follow-up
// timers) so that a burst of deliveries can't spawn unbounded goroutines and
// so Shutdown can wait for in-flight jobs to drain instead of abandoning
// them mid-flight.
type jobSupervisor struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newJobSupervisor(maxConcurrent int64) *jobSupervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &jobSupervisor{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Go starts fn on its own goroutine; the call itself never blocks. The
// goroutine waits for a concurrency slot before actually running fn, so a
// burst of callers never blocks the caller but a saturated supervisor still
// bounds how many fn bodies execute at once. A ctx that's done before a slot
// frees up drops the job instead of running it.
func (s *jobSupervisor) Go(ctx context.Context, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		fn()
	}()
}

// Wait blocks until every job started via Go has returned, or ctx is done.
func (s *jobSupervisor) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
