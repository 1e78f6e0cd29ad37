package health

import (
	"context"
	"sync"
	"time"
)

// Checker reports the health of one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) Status
}

// CheckFunc adapts a function into a Checker.
type CheckFunc struct {
	Component string
	Fn        func(ctx context.Context) Status
}

// Name returns the component name.
func (c CheckFunc) Name() string { return c.Component }

// Check runs the function.
func (c CheckFunc) Check(ctx context.Context) Status { return c.Fn(ctx) }

// Run executes all checkers concurrently with a per-check timeout and
// aggregates the results under name. A check that misses its deadline is
// reported unhealthy.
func Run(ctx context.Context, name string, timeout time.Duration, checkers ...Checker) Status {
	results := make([]Status, len(checkers))

	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan Status, 1)
			go func() { done <- c.Check(cctx) }()

			select {
			case st := <-done:
				if st.Component == "" {
					st.Component = c.Name()
				}
				results[i] = st
			case <-cctx.Done():
				results[i] = NewUnhealthy(c.Name(), "health check timed out")
			}
		}(i, c)
	}
	wg.Wait()

	return Aggregate(name, results)
}
