package stream

import (
	"context"
	"iter"
	"time"
)

// Debounce groups the items of seq that arrive within interval of the first
// item of a group. A zero interval yields every item in its own group.
//
// An error from seq is yielded after flushing the pending group, and ends
// the sequence.
func Debounce[T any](ctx context.Context, seq iter.Seq2[T, error], interval time.Duration) iter.Seq2[[]T, error] {
	if interval <= 0 {
		return func(yield func([]T, error) bool) {
			for v, err := range seq {
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield([]T{v}, nil) {
					return
				}
			}
		}
	}

	type item struct {
		v   T
		err error
	}

	return func(yield func([]T, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		items := make(chan item)
		go func() {
			defer close(items)
			for v, err := range seq {
				select {
				case items <- item{v, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
		defer func() {
			cancel()
			for range items { //nolint:revive
			}
		}()

		var (
			group []T
			timer *time.Timer
			fire  <-chan time.Time
		)
		flush := func() bool {
			if timer != nil {
				timer.Stop()
			}
			timer, fire = nil, nil
			if len(group) == 0 {
				return true
			}
			g := group
			group = nil
			return yield(g, nil)
		}

		for {
			select {
			case it, ok := <-items:
				if !ok {
					flush()
					return
				}
				if it.err != nil {
					if flush() {
						yield(nil, it.err)
					}
					return
				}
				group = append(group, it.v)
				if timer == nil {
					timer = time.NewTimer(interval)
					fire = timer.C
				}
			case <-fire:
				if !flush() {
					return
				}
			case <-ctx.Done():
				if flush() {
					yield(nil, ctx.Err())
				}
				return
			}
		}
	}
}
