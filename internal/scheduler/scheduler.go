// Package scheduler runs deferred tasks with bounded parallelism. It settles
// every task: one failure never cancels its siblings.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
)

// ErrPanicked wraps a panic raised by a factory
var ErrPanicked = errors.New("task panicked")

// Factory produces one result when invoked
type Factory[T any] func(ctx context.Context) (T, error)

// Result is the settled outcome of the factory at Index
type Result[T any] struct {
	Index    int
	Value    T
	Err      error
	Duration time.Duration
}

// RunAll invokes every factory with at most limit in flight. Results are
// returned in input order regardless of completion order. Factories not yet
// started when ctx is done are settled with ctx's error without running.
func RunAll[T any](ctx context.Context, factories []Factory[T], limit int) []Result[T] {
	n := len(factories)
	results := make([]Result[T], n)
	if n == 0 {
		return results
	}
	if limit <= 0 {
		limit = 1
	}
	workers := min(limit, n)

	var cursor atomic.Int64
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1) - 1)
				if i >= n {
					return nil
				}
				results[i] = settle(ctx, i, factories[i])
			}
		})
	}
	// Workers never return errors; failures live in results
	g.Wait()
	return results
}

func settle[T any](ctx context.Context, i int, f Factory[T]) (res Result[T]) {
	res.Index = i
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: index %d: %v", ErrPanicked, i, r)
		}
	}()
	res.Value, res.Err = f(ctx)
	return res
}

// GroupByParallelTag splits tasks into execution groups. Tasks sharing a
// non-empty parallel group tag form one group; untagged tasks run alone.
// Groups keep the order in which they first appear, and tasks keep their
// order within a group.
func GroupByParallelTag(tasks []*domain.Task) [][]*domain.Task {
	var groups [][]*domain.Task
	index := make(map[string]int)
	for _, t := range tasks {
		if t.ParallelGroup == "" {
			groups = append(groups, []*domain.Task{t})
			continue
		}
		if i, ok := index[t.ParallelGroup]; ok {
			groups[i] = append(groups[i], t)
			continue
		}
		index[t.ParallelGroup] = len(groups)
		groups = append(groups, []*domain.Task{t})
	}
	return groups
}
