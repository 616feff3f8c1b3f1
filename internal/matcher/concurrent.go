package matcher

// concurrent.go: worker pool para el stage 1/2 del matcher.
//
// El producto cartesiano de catálogos es la única parte CPU-bound del core;
// se reparte entre workers y los resultados se publican al final del pase.

import (
	"context"
	"runtime"
	"sync"
)

// evaluateConcurrent evaluates jobs on a worker pool. If workers <= 0 it
// uses runtime.NumCPU(). Returns ctx.Err() if the pass is cancelled.
func (m *Matcher) evaluateConcurrent(ctx context.Context, jobs []job) ([]result, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	workers := m.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, len(jobs))

	workCh := make(chan job, len(jobs))
	resultCh := make(chan result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range workCh {
				if ctx.Err() != nil {
					continue
				}
				resultCh <- m.evaluate(j)
			}
		}()
	}

	for _, j := range jobs {
		workCh <- j
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]result, 0, len(jobs))
	for r := range resultCh {
		results = append(results, r)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
