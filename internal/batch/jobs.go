package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// jobRunner owns the timer goroutines of registered jobs. A job is
// removed by ID; removing it cancels its context but does not wait for
// a run already in progress.
type jobRunner struct {
	mu     sync.Mutex
	jobs   map[string]context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

func newJobRunner(logger *zap.Logger) *jobRunner {
	return &jobRunner{jobs: make(map[string]context.CancelFunc), logger: logger}
}

// Every runs fn each interval until the job is removed. An existing job
// with the same ID is replaced.
func (r *jobRunner) Every(id string, interval time.Duration, fn func(ctx context.Context)) {
	ctx := r.add(id)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.safeRun(ctx, id, fn)
			}
		}
	}()
	r.logger.Info("interval job registered", zap.String("job", id), zap.Duration("interval", interval))
}

// After runs fn once after d, then forgets the job.
func (r *jobRunner) After(id string, d time.Duration, fn func(ctx context.Context)) {
	ctx := r.add(id)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !r.forget(ctx, id) {
			return
		}
		// fn runs detached from its own, now cancelled, registration.
		r.safeRun(context.WithoutCancel(ctx), id, fn)
	}()
	r.logger.Info("one-shot job registered", zap.String("job", id), zap.Duration("after", d))
}

func (r *jobRunner) add(id string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if old, ok := r.jobs[id]; ok {
		old()
	}
	r.jobs[id] = cancel
	r.mu.Unlock()
	return ctx
}

// forget drops id if it still belongs to the registration behind ctx
// and reports whether it did.
func (r *jobRunner) forget(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.jobs[id]
	if !ok || ctx.Err() != nil {
		return false
	}
	cancel()
	delete(r.jobs, id)
	return true
}

func (r *jobRunner) safeRun(ctx context.Context, id string, fn func(ctx context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked", zap.String("job", id), zap.Any("panic", p))
		}
	}()
	fn(ctx)
}

// Remove cancels the job and reports whether it existed.
func (r *jobRunner) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.jobs[id]
	if ok {
		cancel()
		delete(r.jobs, id)
	}
	return ok
}

func (r *jobRunner) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	return ok
}

// IDs returns the registered job IDs, sorted.
func (r *jobRunner) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels every job and waits for their goroutines.
func (r *jobRunner) Close() {
	r.mu.Lock()
	for id, cancel := range r.jobs {
		cancel()
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
